package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/wallsignal/internal/metrics"
	"github.com/gregtusar/wallsignal/pkg/book"
	"github.com/gregtusar/wallsignal/pkg/depthsync"
	"github.com/gregtusar/wallsignal/pkg/models"
	"github.com/gregtusar/wallsignal/pkg/rounds"
	"github.com/gregtusar/wallsignal/pkg/scorer"
	"github.com/gregtusar/wallsignal/pkg/walls"
)

type Config struct {
	NLevels           int
	HeartbeatInterval time.Duration
	SignalHistory     int
}

// Notifier receives every score and signal. Calls happen on the pipeline
// path and must not block.
type Notifier interface {
	Score(models.ScoreSnapshot) bool
	Signal(models.SignalEvent) bool
}

type Health struct {
	Synced         bool         `json:"synced"`
	State          string       `json:"state"`
	Cursor         int64        `json:"cursor"`
	BestBid        models.Price `json:"best_bid"`
	BestAsk        models.Price `json:"best_ask"`
	Imbalance      float64      `json:"imbalance"`
	SpreadBps      float64      `json:"spread_bps"`
	WallCandidates int          `json:"wall_candidates"`
	BufferLen      int          `json:"buffer_len"`
	RoundID        string       `json:"round_id,omitempty"`
	RoundLeftSec   float64      `json:"round_t_left_sec"`
}

// Engine owns the pipeline: the synchronizer drives book versions into the
// detector and scorer, and results are kept for observability and handed
// to the notifier.
type Engine struct {
	cfg      Config
	sync     *depthsync.Synchronizer
	detector *walls.Detector
	scorer   *scorer.Scorer
	clock    *rounds.Clock
	notifier Notifier
	logger   *logrus.Logger
	now      func() time.Time

	mu        sync.RWMutex
	lastScore *models.ScoreSnapshot
	signals   []models.SignalEvent
	imbalance float64
	spreadBps float64
	walls     int
	round     rounds.State
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func New(cfg Config, syncCfg depthsync.Config, det *walls.Detector, sc *scorer.Scorer, clock *rounds.Clock,
	source depthsync.SnapshotSource, notifier Notifier, logger *logrus.Logger) *Engine {
	if cfg.SignalHistory <= 0 {
		cfg.SignalHistory = 500
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}
	e := &Engine{
		cfg:      cfg,
		detector: det,
		scorer:   sc,
		clock:    clock,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	e.sync = depthsync.New(syncCfg, book.NewLevelBook(cfg.NLevels), source, e, logger)
	return e
}

// Start launches the heartbeat task.
func (e *Engine) Start(ctx context.Context) {
	e.logger.Info("Starting wall signal engine")
	go e.heartbeat(ctx)
}

// Stop ends the heartbeat and waits for any bootstrap task to exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.logger.Info("Stopping wall signal engine")
		close(e.stopCh)
		e.sync.Close()
	})
}

func (e *Engine) OnConnect(ctx context.Context) { e.sync.Connect(ctx) }

func (e *Engine) OnDisconnect() { e.sync.Disconnect() }

func (e *Engine) OnDiff(d models.DiffMessage) { e.sync.HandleDiff(d) }

// OnBookUpdate runs with the synchronizer lock held.
func (e *Engine) OnBookUpdate(view models.BookView, qty models.QuantityFunc) {
	now := e.now()

	var round rounds.State
	if mid := view.Mid(); mid > 0 {
		round = e.clock.Tick(now, mid)
		if round.IsNew {
			e.scorer.SetReference(round.RefPrice, now, round.Key())
			e.logger.WithFields(logrus.Fields{
				"round_id":   round.ID,
				"ref_price":  round.RefPrice,
				"t_left_sec": round.LeftSec,
			}).Info("New round anchored")
		}
	}

	res := e.detector.Process(view, qty, now)
	for _, ev := range res.Events {
		e.scorer.OnWallEvent(ev, now)
	}
	score := e.scorer.OnBookUpdate(view, now)

	metrics.Imbalance.Set(res.Imbalance)
	metrics.SpreadBps.Set(res.SpreadBps)

	e.mu.Lock()
	e.imbalance = res.Imbalance
	e.spreadBps = res.SpreadBps
	e.walls = res.Candidates
	if round.ID != 0 {
		e.round = round
	}
	e.lastScore = &score
	e.signals = append(e.signals, res.Events...)
	if over := len(e.signals) - e.cfg.SignalHistory; over > 0 {
		e.signals = append(e.signals[:0:0], e.signals[over:]...)
	}
	e.mu.Unlock()

	for _, ev := range res.Events {
		e.notifier.Signal(ev)
	}
	e.notifier.Score(score)
}

// OnReset runs with the synchronizer lock held.
func (e *Engine) OnReset(reason string) {
	e.detector.Reset()

	e.mu.Lock()
	e.imbalance = 0
	e.spreadBps = 0
	e.walls = 0
	e.mu.Unlock()

	e.logger.WithField("reason", reason).Info("Book reset; wall tracking cleared")
}

func (e *Engine) Health() Health {
	st := e.sync.Status()

	e.mu.RLock()
	defer e.mu.RUnlock()
	h := Health{
		Synced:         st.Synced,
		State:          st.StateName,
		Cursor:         st.Cursor,
		BestBid:        st.BestBid,
		BestAsk:        st.BestAsk,
		Imbalance:      e.imbalance,
		SpreadBps:      e.spreadBps,
		WallCandidates: e.walls,
		BufferLen:      st.BufferLen,
	}
	if e.round.ID != 0 {
		h.RoundID = e.round.Key()
		h.RoundLeftSec = max(0, e.round.End.Sub(e.now()).Seconds())
	}
	return h
}

func (e *Engine) LastScore() (models.ScoreSnapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastScore == nil {
		return models.ScoreSnapshot{}, false
	}
	return *e.lastScore, true
}

// RecentSignals returns up to limit signals, newest first.
func (e *Engine) RecentSignals(limit int) []models.SignalEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := min(limit, len(e.signals))
	if n <= 0 {
		return []models.SignalEvent{}
	}
	out := make([]models.SignalEvent, 0, n)
	for i := len(e.signals) - 1; i >= len(e.signals)-n; i-- {
		out = append(out, e.signals[i])
	}
	return out
}

func (e *Engine) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			h := e.Health()
			e.logger.WithFields(logrus.Fields{
				"synced":          h.Synced,
				"state":           h.State,
				"best_bid":        h.BestBid.String(),
				"best_ask":        h.BestAsk.String(),
				"imbalance":       h.Imbalance,
				"spread_bps":      h.SpreadBps,
				"wall_candidates": h.WallCandidates,
				"buffer_len":      h.BufferLen,
			}).Info("heartbeat")
		}
	}
}
