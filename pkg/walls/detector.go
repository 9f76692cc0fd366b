package walls

import (
	"cmp"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/wallsignal/internal/metrics"
	"github.com/gregtusar/wallsignal/pkg/models"
)

type Config struct {
	NLevels        int
	WallMult       float64
	MinWallQty     float64
	MaxWallDistBps float64 // <= 0 disables the distance gate
	EventTTL       time.Duration
	MinWallAge     time.Duration

	WallDropPct     float64
	MajorDropMinPct float64
	OnlyFullRemove  bool
	FullRemoveEps   float64

	ImbThr      float64
	MaxTouchBps float64
	MinTouchBps float64

	SignalCooldown time.Duration
	GlobalCooldown time.Duration
	PriceCooldown  time.Duration
	PriceBucket    float64 // bucket width in quote units
}

func DefaultConfig() Config {
	return Config{
		NLevels:         20,
		WallMult:        5.0,
		MinWallQty:      0,
		MaxWallDistBps:  25,
		EventTTL:        2 * time.Second,
		MinWallAge:      200 * time.Millisecond,
		WallDropPct:     0.70,
		MajorDropMinPct: 0.90,
		FullRemoveEps:   1e-9,
		ImbThr:          0.12,
		MaxTouchBps:     5,
		MinTouchBps:     0,
		SignalCooldown:  3 * time.Second,
		GlobalCooldown:  time.Second,
		PriceCooldown:   10 * time.Second,
		PriceBucket:     1.0,
	}
}

// WallInfo is recorded when a price first crosses the wall threshold.
type WallInfo struct {
	Qty       float64
	FirstSeen time.Time
	DistBps   float64
}

type Result struct {
	Events     []models.SignalEvent
	Imbalance  float64
	SpreadBps  float64
	Candidates int
}

type bucketKey struct {
	side   models.Side
	bucket int64
}

type candidate struct {
	event models.SignalEvent
	rank  int
}

// Detector tracks walls across book versions and emits at most one
// depletion event per side per update. It is not safe for concurrent use.
type Detector struct {
	cfg    Config
	logger *logrus.Logger

	walls        map[models.Side]map[models.Price]WallInfo
	lastByDir    map[models.Direction]time.Time
	lastAny      time.Time
	lastByBucket map[bucketKey]time.Time

	newID func() string
}

func NewDetector(cfg Config, logger *logrus.Logger) *Detector {
	if cfg.NLevels < 1 {
		cfg.NLevels = 1
	}
	d := &Detector{cfg: cfg, logger: logger, newID: uuid.NewString}
	d.Reset()
	return d
}

// Reset drops every tracked wall and cooldown timer.
func (d *Detector) Reset() {
	d.walls = map[models.Side]map[models.Price]WallInfo{
		models.SideBid: {},
		models.SideAsk: {},
	}
	d.lastByDir = make(map[models.Direction]time.Time)
	d.lastAny = time.Time{}
	d.lastByBucket = make(map[bucketKey]time.Time)
	metrics.WallCandidates.Set(0)
}

func (d *Detector) Candidates() int {
	return len(d.walls[models.SideBid]) + len(d.walls[models.SideAsk])
}

func (d *Detector) Tracked(side models.Side, price models.Price) (WallInfo, bool) {
	w, ok := d.walls[side][price]
	return w, ok
}

// Process runs one detection round over view. qty must reflect the full
// book, since a tracked wall may have left the top-N.
func (d *Detector) Process(view models.BookView, qty models.QuantityFunc, now time.Time) Result {
	bids := truncate(view.Bids, d.cfg.NLevels)
	asks := truncate(view.Asks, d.cfg.NLevels)
	top := models.BookView{Bids: bids, Asks: asks}

	res := Result{
		Imbalance: imbalance(bids, asks),
		SpreadBps: top.SpreadBps(),
	}

	mid := top.Mid()
	if mid <= 0 {
		d.expire(now)
		res.Candidates = d.Candidates()
		metrics.WallCandidates.Set(float64(res.Candidates))
		return res
	}

	d.trackNew(models.SideBid, bids, mid, now)
	d.trackNew(models.SideAsk, asks, mid, now)

	for _, side := range []models.Side{models.SideBid, models.SideAsk} {
		best, ok := d.pickBest(side, top, qty, mid, res, now)
		if !ok {
			continue
		}
		if reason := d.cooldownActive(best, now); reason != "" {
			d.suppress(reason, best.event)
			continue
		}
		best.event.ID = d.newID()
		d.record(best.event, now)
		res.Events = append(res.Events, best.event)
	}

	res.Candidates = d.Candidates()
	metrics.WallCandidates.Set(float64(res.Candidates))
	return res
}

func (d *Detector) trackNew(side models.Side, levels []models.Level, mid float64, now time.Time) {
	if len(levels) == 0 {
		return
	}
	med := median(levels)
	if med <= 0 {
		return
	}
	threshold := max(d.cfg.MinWallQty, d.cfg.WallMult*med)
	tracked := d.walls[side]
	for _, l := range levels {
		if l.Qty < threshold {
			continue
		}
		if _, ok := tracked[l.Price]; ok {
			continue
		}
		dist := bps(l.Price.Float(), mid)
		if d.cfg.MaxWallDistBps > 0 && dist > d.cfg.MaxWallDistBps {
			continue
		}
		tracked[l.Price] = WallInfo{Qty: l.Qty, FirstSeen: now, DistBps: dist}
	}
}

func (d *Detector) expire(now time.Time) {
	for _, tracked := range d.walls {
		for price, w := range tracked {
			if now.Sub(w.FirstSeen) > d.cfg.EventTTL {
				delete(tracked, price)
			}
		}
	}
}

// pickBest evaluates every tracked wall on side and returns the tie-break
// winner among those passing the imbalance, touch and bucket filters. Every
// classified depletion is retired from tracking, winner or not.
func (d *Detector) pickBest(side models.Side, top models.BookView, qty models.QuantityFunc, mid float64, res Result, now time.Time) (candidate, bool) {
	var passed []candidate
	tracked := d.walls[side]

	for price, w := range tracked {
		age := now.Sub(w.FirstSeen)
		if age > d.cfg.EventTTL {
			delete(tracked, price)
			continue
		}
		if age < d.cfg.MinWallAge || w.Qty <= 0 {
			continue
		}

		current := qty(side, price)
		drop := (w.Qty - current) / w.Qty
		class, ok := d.classify(w.Qty, current, drop)
		if !ok {
			continue
		}
		delete(tracked, price)

		ev := models.SignalEvent{
			Time:       now,
			Side:       side,
			Direction:  models.DirectionFor(side),
			Class:      class,
			Price:      price,
			WallQty:    w.Qty,
			CurrentQty: current,
			DropPct:    drop,
			Imbalance:  res.Imbalance,
			SpreadBps:  res.SpreadBps,
			DistBps:    bps(price.Float(), mid),
			AgeSec:     age.Seconds(),
		}
		ev.BestBid, _ = top.BestBid()
		ev.BestAsk, _ = top.BestAsk()

		if (side == models.SideAsk && res.Imbalance < d.cfg.ImbThr) ||
			(side == models.SideBid && res.Imbalance > -d.cfg.ImbThr) {
			d.suppress("imbalance", ev)
			continue
		}

		touch, ok := touchBps(side, price, top)
		if !ok || touch < d.cfg.MinTouchBps || touch > d.cfg.MaxTouchBps {
			d.suppress("touch", ev)
			continue
		}
		ev.TouchBps = touch

		if last, ok := d.lastByBucket[d.bucket(side, price)]; ok && d.cfg.PriceCooldown > 0 && now.Sub(last) < d.cfg.PriceCooldown {
			d.suppress("price_cooldown", ev)
			continue
		}

		ev.Score = compositeScore(res.Imbalance, drop, touch)
		passed = append(passed, candidate{event: ev, rank: class.Rank()})
	}

	if len(passed) == 0 {
		return candidate{}, false
	}
	slices.SortFunc(passed, func(a, b candidate) int { return compareCandidates(side, a, b) })
	return passed[0], true
}

func (d *Detector) classify(wallQty, current, drop float64) (models.Classification, bool) {
	switch {
	case current <= d.cfg.FullRemoveEps && wallQty >= d.cfg.MinWallQty && drop >= d.cfg.MajorDropMinPct:
		return models.ClassFullRemove, true
	case d.cfg.OnlyFullRemove:
		return "", false
	case drop >= d.cfg.MajorDropMinPct:
		return models.ClassMajorDrop, true
	case drop >= d.cfg.WallDropPct:
		return models.ClassDrop, true
	default:
		return "", false
	}
}

func (d *Detector) cooldownActive(c candidate, now time.Time) string {
	if last, ok := d.lastByDir[c.event.Direction]; ok && now.Sub(last) < d.cfg.SignalCooldown {
		return "cooldown"
	}
	if !d.lastAny.IsZero() && now.Sub(d.lastAny) < d.cfg.GlobalCooldown {
		return "global_cooldown"
	}
	return ""
}

func (d *Detector) record(ev models.SignalEvent, now time.Time) {
	d.lastByDir[ev.Direction] = now
	d.lastAny = now
	d.lastByBucket[d.bucket(ev.Side, ev.Price)] = now
	metrics.SignalsEmittedTotal.WithLabelValues(string(ev.Side), string(ev.Class)).Inc()
}

func (d *Detector) suppress(reason string, ev models.SignalEvent) {
	metrics.SignalsSuppressed.WithLabelValues(reason).Inc()
	d.logger.WithFields(logrus.Fields{
		"reason":     reason,
		"side":       ev.Side,
		"price":      ev.Price.String(),
		"event_type": ev.Class,
		"drop_pct":   ev.DropPct,
		"imbalance":  ev.Imbalance,
	}).Debug("Wall depletion suppressed")
}

func (d *Detector) bucket(side models.Side, price models.Price) bucketKey {
	width := d.cfg.PriceBucket
	if width <= 0 {
		return bucketKey{side: side, bucket: int64(price)}
	}
	return bucketKey{side: side, bucket: int64(math.Floor(price.Float() / width))}
}

// compareCandidates orders full removals first, then larger recorded
// quantity, smaller touch distance, higher score, and finally the price
// closer to the touch.
func compareCandidates(side models.Side, a, b candidate) int {
	if a.rank != b.rank {
		return b.rank - a.rank
	}
	if a.event.WallQty != b.event.WallQty {
		return cmp.Compare(b.event.WallQty, a.event.WallQty)
	}
	if a.event.TouchBps != b.event.TouchBps {
		return cmp.Compare(a.event.TouchBps, b.event.TouchBps)
	}
	if a.event.Score != b.event.Score {
		return b.event.Score - a.event.Score
	}
	if side == models.SideBid {
		return cmp.Compare(b.event.Price, a.event.Price)
	}
	return cmp.Compare(a.event.Price, b.event.Price)
}

func compositeScore(imb, drop, touch float64) int {
	s := 10 + min(40, math.Abs(imb)*200) + min(40, drop*40) + max(0, 20-touch*10)
	return int(math.Round(clamp(s, 0, 100)))
}

func imbalance(bids, asks []models.Level) float64 {
	var b, a float64
	for _, l := range bids {
		b += l.Qty
	}
	for _, l := range asks {
		a += l.Qty
	}
	total := b + a
	if total <= 0 {
		return 0
	}
	return (b - a) / total
}

func touchBps(side models.Side, price models.Price, top models.BookView) (float64, bool) {
	var best models.Price
	var ok bool
	if side == models.SideBid {
		best, ok = top.BestBid()
	} else {
		best, ok = top.BestAsk()
	}
	if !ok || best <= 0 {
		return 0, false
	}
	return bps(price.Float(), best.Float()), true
}

func median(levels []models.Level) float64 {
	qs := make([]float64, len(levels))
	for i, l := range levels {
		qs[i] = l.Qty
	}
	slices.Sort(qs)
	n := len(qs)
	if n%2 == 1 {
		return qs[n/2]
	}
	return (qs[n/2-1] + qs[n/2]) / 2
}

func bps(price, ref float64) float64 {
	if ref <= 0 {
		return 0
	}
	return math.Abs(price-ref) / ref * 10_000
}

func truncate(levels []models.Level, n int) []models.Level {
	if len(levels) > n {
		return levels[:n]
	}
	return levels
}

func clamp(v, lo, hi float64) float64 { return max(lo, min(hi, v)) }
