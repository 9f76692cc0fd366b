package scorer

import (
	"fmt"
	"math"
	"time"

	"github.com/gregtusar/wallsignal/internal/metrics"
	"github.com/gregtusar/wallsignal/pkg/models"
)

type CenterMode string

const (
	CenterMid   CenterMode = "mid"
	CenterRef   CenterMode = "ref"
	CenterBlend CenterMode = "blend"
)

const (
	ratioEps = 1e-9
	edgeEps  = 1e-9
)

type Config struct {
	RangesBps   []float64
	Weights     []float64
	BaseScale   float64
	CenterMode  CenterMode
	RefWeight   float64 // share of the reference-centered ratio in blend mode
	MinDepthSum float64

	HalfLife       time.Duration
	MaxShock       float64
	DistanceCapBps float64
	MinAge         time.Duration
	AgeFull        time.Duration
	DistanceMode   CenterMode // mid or ref

	ShockFullRemove float64
	ShockMajorDrop  float64
	ShockDrop       float64
}

func DefaultConfig() Config {
	return Config{
		RangesBps:       []float64{5, 10, 20},
		Weights:         []float64{1.0, 0.6, 0.3},
		BaseScale:       30,
		CenterMode:      CenterRef,
		RefWeight:       0.5,
		HalfLife:        15 * time.Second,
		MaxShock:        35,
		DistanceCapBps:  20,
		MinAge:          200 * time.Millisecond,
		AgeFull:         time.Second,
		DistanceMode:    CenterRef,
		ShockFullRemove: 12,
		ShockMajorDrop:  7,
		ShockDrop:       4,
	}
}

// Scorer turns depth pressure plus a decaying wall shock into p_up.
// It is not safe for concurrent use.
type Scorer struct {
	cfg    Config
	shocks map[models.Classification]float64

	ref     float64
	roundID string
	shock   float64
	lastTS  time.Time
	hasLast bool
}

func New(cfg Config) (*Scorer, error) {
	if len(cfg.RangesBps) != len(cfg.Weights) {
		return nil, fmt.Errorf("pressure ranges (%d) and weights (%d) must have the same length", len(cfg.RangesBps), len(cfg.Weights))
	}
	cfg.HalfLife = max(100*time.Millisecond, cfg.HalfLife)
	cfg.MaxShock = max(1.0, cfg.MaxShock)
	cfg.DistanceCapBps = max(1e-6, cfg.DistanceCapBps)
	cfg.MinAge = max(0, cfg.MinAge)
	cfg.AgeFull = max(cfg.MinAge+time.Microsecond, cfg.AgeFull)
	cfg.RefWeight = clamp(cfg.RefWeight, 0, 1)

	return &Scorer{
		cfg: cfg,
		shocks: map[models.Classification]float64{
			models.ClassFullRemove: math.Abs(cfg.ShockFullRemove),
			models.ClassMajorDrop:  math.Abs(cfg.ShockMajorDrop),
			models.ClassDrop:       math.Abs(cfg.ShockDrop),
		},
	}, nil
}

// SetReference anchors a new round and zeroes the shock.
func (s *Scorer) SetReference(price float64, ts time.Time, roundID string) {
	s.ref = max(0, price)
	s.roundID = roundID
	s.shock = 0
	s.lastTS = ts
	s.hasLast = true
}

func (s *Scorer) Reference() (float64, string) { return s.ref, s.roundID }

func (s *Scorer) Shock() float64 { return s.shock }

func (s *Scorer) OnBookUpdate(view models.BookView, ts time.Time) models.ScoreSnapshot {
	s.decay(ts)

	raw, bands := s.baseRaw(view)
	base := clamp(50+raw*s.cfg.BaseScale, 0, 100)
	pUp := clamp(base+s.shock, 0, 100)

	metrics.ProbabilityUp.Set(pUp)
	metrics.Shock.Set(s.shock)

	return models.ScoreSnapshot{
		Time:      ts,
		PUp:       pUp,
		PDown:     100 - pUp,
		BaseRaw:   raw,
		BasePUp:   base,
		Shock:     s.shock,
		RefPrice:  s.ref,
		RoundID:   s.roundID,
		Breakdown: bands,
	}
}

func (s *Scorer) OnWallEvent(ev models.SignalEvent, ts time.Time) {
	s.decay(ts)

	magnitude, ok := s.shocks[ev.Class]
	if !ok || magnitude == 0 {
		return
	}
	if ev.Side == models.SideBid {
		magnitude = -magnitude
	}

	center := s.ref
	if s.cfg.DistanceMode == CenterMid {
		center = ev.Mid()
	}
	if center <= 0 {
		return
	}

	dist := math.Abs(ev.Price.Float()-center) / center * 10_000
	distMult := clamp(1-dist/s.cfg.DistanceCapBps, 0.1, 1)
	s.shock = clamp(s.shock+magnitude*distMult*s.ageMultiplier(ev.AgeSec), -s.cfg.MaxShock, s.cfg.MaxShock)
}

func (s *Scorer) ageMultiplier(ageSec float64) float64 {
	minAge := s.cfg.MinAge.Seconds()
	full := s.cfg.AgeFull.Seconds()
	switch {
	case ageSec <= minAge:
		return 0.3
	case ageSec >= full:
		return 1
	default:
		return 0.3 + 0.7*(ageSec-minAge)/(full-minAge)
	}
}

func (s *Scorer) decay(ts time.Time) {
	if !s.hasLast {
		s.lastTS = ts
		s.hasLast = true
		return
	}
	dt := ts.Sub(s.lastTS).Seconds()
	if dt <= 0 {
		return
	}
	s.shock *= math.Exp(-dt * math.Ln2 / s.cfg.HalfLife.Seconds())
	s.lastTS = ts
}

func (s *Scorer) baseRaw(view models.BookView) (float64, []models.PressureBand) {
	mid := view.Mid()
	switch s.cfg.CenterMode {
	case CenterMid:
		return s.pressure(view, mid)
	case CenterBlend:
		rawRef, refBands := s.pressure(view, s.ref)
		rawMid, midBands := s.pressure(view, mid)
		switch {
		case s.ref <= 0:
			return rawMid, midBands
		case mid <= 0:
			return rawRef, refBands
		}
		w := s.cfg.RefWeight
		return clamp(w*rawRef+(1-w)*rawMid, -1, 1), append(refBands, midBands...)
	default:
		return s.pressure(view, s.ref)
	}
}

// pressure returns the weighted buy/sell ratio of resting depth within each
// range around center. Bids count in [center-delta, center], asks in
// [center, center+delta].
func (s *Scorer) pressure(view models.BookView, center float64) (float64, []models.PressureBand) {
	if center <= 0 {
		return 0, nil
	}

	var buy, sell float64
	bands := make([]models.PressureBand, 0, len(s.cfg.RangesBps))
	for i, rangeBps := range s.cfg.RangesBps {
		w := s.cfg.Weights[i]
		delta := center * rangeBps / 10_000
		lo, hi := center-delta-edgeEps, center+delta+edgeEps

		var b, a float64
		for _, l := range view.Bids {
			if p := l.Price.Float(); p >= lo && p <= center+edgeEps {
				b += l.Qty
			}
		}
		for _, l := range view.Asks {
			if p := l.Price.Float(); p >= center-edgeEps && p <= hi {
				a += l.Qty
			}
		}
		buy += b * w
		sell += a * w
		bands = append(bands, models.PressureBand{Center: center, RangeBps: rangeBps, Weight: w, BuyQty: b, SellQty: a})
	}

	if buy+sell < s.cfg.MinDepthSum {
		return 0, bands
	}
	return clamp((buy-sell)/(buy+sell+ratioEps), -1, 1), bands
}

func clamp(v, lo, hi float64) float64 { return max(lo, min(hi, v)) }
