package depthsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/wallsignal/internal/metrics"
	"github.com/gregtusar/wallsignal/pkg/book"
	"github.com/gregtusar/wallsignal/pkg/models"
)

var (
	// ErrNoStraddle means no buffered diff covers snapshot id + 1.
	ErrNoStraddle = errors.New("no buffered diff straddles snapshot")
	// ErrReplay means a buffered diff after the splice point broke continuity.
	ErrReplay = errors.New("buffered replay rejected")
)

type State int

const (
	StateDisconnected State = iota
	StateBuffering
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateBuffering:
		return "buffering"
	case StateSynced:
		return "synced"
	default:
		return "unknown"
	}
}

type SnapshotSource interface {
	FetchSnapshot(ctx context.Context) (*models.Snapshot, error)
}

// Observer is notified of book versions and resets. Both methods are invoked
// with the synchronizer lock held and must not block on I/O.
type Observer interface {
	OnBookUpdate(view models.BookView, qty models.QuantityFunc)
	OnReset(reason string)
}

type Config struct {
	BufferMax               int
	BufferKeep              int
	MinBufferBeforeSnapshot int
	BufferWaitTimeout       time.Duration
	RetryDelay              time.Duration
	ErrorDelay              time.Duration
	PollInterval            time.Duration
}

func DefaultConfig() Config {
	return Config{
		BufferMax:               5000,
		BufferKeep:              2000,
		MinBufferBeforeSnapshot: 50,
		BufferWaitTimeout:       2 * time.Second,
		RetryDelay:              700 * time.Millisecond,
		ErrorDelay:              time.Second,
		PollInterval:            50 * time.Millisecond,
	}
}

type Status struct {
	State     State        `json:"-"`
	StateName string       `json:"state"`
	Synced    bool         `json:"synced"`
	Cursor    int64        `json:"cursor"`
	BufferLen int          `json:"buffer_len"`
	BestBid   models.Price `json:"best_bid"`
	BestAsk   models.Price `json:"best_ask"`
}

type outcome int

const (
	outcomeApplied outcome = iota
	outcomeStale
	outcomeGap
)

// Synchronizer maintains a LevelBook replica from a snapshot plus a diff
// stream. One mutex guards state, cursor, buffer, book and the observer.
type Synchronizer struct {
	cfg      Config
	book     *book.LevelBook
	source   SnapshotSource
	observer Observer
	logger   *logrus.Logger

	mu          sync.Mutex
	state       State
	cursor      int64
	buffer      []models.DiffMessage
	connCtx     context.Context
	cancelBoot  context.CancelFunc
	bootGen     uint64
	bootRunning bool
	wg          sync.WaitGroup
}

func New(cfg Config, lb *book.LevelBook, source SnapshotSource, observer Observer, logger *logrus.Logger) *Synchronizer {
	if cfg.BufferMax <= 0 {
		cfg.BufferMax = DefaultConfig().BufferMax
	}
	if cfg.BufferKeep <= 0 || cfg.BufferKeep > cfg.BufferMax {
		cfg.BufferKeep = cfg.BufferMax
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	return &Synchronizer{
		cfg:      cfg,
		book:     lb,
		source:   source,
		observer: observer,
		logger:   logger,
		state:    StateDisconnected,
	}
}

// Connect resets all state, enters buffering and launches the bootstrap task.
func (s *Synchronizer) Connect(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("Initializing local orderbook sync")
	s.connCtx = ctx
	s.cursor = 0
	s.buffer = nil
	s.book.Clear()
	s.observer.OnReset("connect")
	s.setState(StateBuffering)
	s.startBootstrapLocked()
}

// Disconnect cancels any in-flight bootstrap and drops the replica, the
// buffer and the cursor.
func (s *Synchronizer) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopBootstrapLocked()
	if s.state == StateDisconnected {
		return
	}
	s.cursor = 0
	s.buffer = nil
	metrics.BufferLen.Set(0)
	s.book.Clear()
	s.setState(StateDisconnected)
	s.observer.OnReset("disconnect")
}

// Close cancels the bootstrap task and waits for it to exit.
func (s *Synchronizer) Close() {
	s.Disconnect()
	s.wg.Wait()
}

// HandleDiff buffers, applies or discards one diff in arrival order.
func (s *Synchronizer) HandleDiff(d models.DiffMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateDisconnected:
		metrics.DiffsDroppedTotal.Inc()
	case StateBuffering:
		s.bufferLocked(d)
	case StateSynced:
		switch s.applyLocked(d) {
		case outcomeApplied:
			s.observer.OnBookUpdate(s.book.View(), s.book.QuantityAt)
		case outcomeGap:
			s.logger.WithFields(logrus.Fields{
				"cursor": s.cursor,
				"U":      d.FirstUpdateID,
				"u":      d.FinalUpdateID,
				"pu":     d.PrevFinalUpdateID,
			}).Warn("Depth gap detected, forcing resync")
			metrics.ResyncsTotal.WithLabelValues("gap").Inc()
			s.resyncLocked("gap")
			s.bufferLocked(d)
		}
	}
}

func (s *Synchronizer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:     s.state,
		StateName: s.state.String(),
		Synced:    s.state == StateSynced,
		Cursor:    s.cursor,
		BufferLen: len(s.buffer),
	}
	top := s.book.TopLevels(1)
	if p, ok := top.BestBid(); ok {
		st.BestBid = p
	}
	if p, ok := top.BestAsk(); ok {
		st.BestAsk = p
	}
	return st
}

func (s *Synchronizer) setState(st State) {
	s.state = st
	if st == StateSynced {
		metrics.BookSynced.Set(1)
	} else {
		metrics.BookSynced.Set(0)
	}
}

func (s *Synchronizer) bufferLocked(d models.DiffMessage) {
	s.buffer = append(s.buffer, d)
	metrics.DiffsBufferedTotal.Inc()
	s.capBufferLocked()
	metrics.BufferLen.Set(float64(len(s.buffer)))
}

func (s *Synchronizer) capBufferLocked() {
	if len(s.buffer) <= s.cfg.BufferMax {
		return
	}
	kept := make([]models.DiffMessage, s.cfg.BufferKeep)
	copy(kept, s.buffer[len(s.buffer)-s.cfg.BufferKeep:])
	s.buffer = kept
	metrics.BufferTrimsTotal.Inc()
}

// applyLocked enforces pu == cursor continuity for a synced book.
func (s *Synchronizer) applyLocked(d models.DiffMessage) outcome {
	if d.FinalUpdateID < s.cursor {
		metrics.DiffsStaleTotal.Inc()
		return outcomeStale
	}
	if d.PrevFinalUpdateID != s.cursor {
		return outcomeGap
	}
	if !d.Covers(s.cursor + 1) {
		s.logger.WithFields(logrus.Fields{
			"cursor": s.cursor,
			"U":      d.FirstUpdateID,
			"u":      d.FinalUpdateID,
			"pu":     d.PrevFinalUpdateID,
		}).Debug("Depth event coverage mismatch (ignored)")
	}
	s.book.ApplyDiff(d.Bids, d.Asks)
	s.cursor = d.FinalUpdateID
	metrics.DiffsAppliedTotal.Inc()
	return outcomeApplied
}

func (s *Synchronizer) resyncLocked(reason string) {
	s.setState(StateBuffering)
	s.cursor = 0
	s.book.Clear()
	s.observer.OnReset(reason)
	s.capBufferLocked()
	if !s.bootRunning {
		s.startBootstrapLocked()
	}
}

// trySyncLocked splices snapshot and buffer. On failure the book is cleared
// and the cursor reset so the next attempt starts clean.
func (s *Synchronizer) trySyncLocked(snap *models.Snapshot) error {
	target := snap.LastUpdateID + 1

	candidates := make([]models.DiffMessage, 0, len(s.buffer))
	for _, d := range s.buffer {
		if d.FinalUpdateID >= target {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return fmt.Errorf("%w: target=%d buffer_len=%d, no diff reaches target", ErrNoStraddle, target, len(s.buffer))
	}

	first := -1
	for i, d := range candidates {
		if d.Covers(target) {
			first = i
			break
		}
	}
	if first < 0 {
		s.logNoStraddle(target, candidates)
		return fmt.Errorf("%w: target=%d buffer_len=%d", ErrNoStraddle, target, len(candidates))
	}

	s.book.ApplySnapshot(snap.Bids, snap.Asks)
	splice := candidates[first]
	s.book.ApplyDiff(splice.Bids, splice.Asks)
	s.cursor = splice.FinalUpdateID
	metrics.DiffsAppliedTotal.Inc()

	for _, d := range candidates[first+1:] {
		if s.applyLocked(d) == outcomeGap {
			err := fmt.Errorf("%w: cursor=%d U=%d u=%d pu=%d", ErrReplay, s.cursor, d.FirstUpdateID, d.FinalUpdateID, d.PrevFinalUpdateID)
			s.book.Clear()
			s.cursor = 0
			return err
		}
	}

	s.setState(StateSynced)

	// Diffs buffered ahead of the splice point were skipped above.
	var retained []models.DiffMessage
	for _, d := range s.buffer {
		if d.FinalUpdateID > s.cursor {
			retained = append(retained, d)
		}
	}
	s.buffer = nil
	metrics.BufferLen.Set(0)
	for i, d := range retained {
		if s.applyLocked(d) == outcomeGap {
			metrics.ResyncsTotal.WithLabelValues("replay_gap").Inc()
			s.resyncLocked("replay_gap")
			for _, rest := range retained[i:] {
				s.bufferLocked(rest)
			}
			return fmt.Errorf("%w: retained suffix broke continuity at U=%d u=%d pu=%d", ErrReplay, d.FirstUpdateID, d.FinalUpdateID, d.PrevFinalUpdateID)
		}
	}

	s.observer.OnBookUpdate(s.book.View(), s.book.QuantityAt)
	return nil
}

func (s *Synchronizer) logNoStraddle(target int64, candidates []models.DiffMessage) {
	sample := candidates
	if len(sample) > 20 {
		sample = sample[:20]
	}
	minU, maxU := sample[0].FirstUpdateID, sample[0].FirstUpdateID
	minFinal, maxFinal := sample[0].FinalUpdateID, sample[0].FinalUpdateID
	for _, d := range sample[1:] {
		minU = min(minU, d.FirstUpdateID)
		maxU = max(maxU, d.FirstUpdateID)
		minFinal = min(minFinal, d.FinalUpdateID)
		maxFinal = max(maxFinal, d.FinalUpdateID)
	}
	s.logger.WithFields(logrus.Fields{
		"target":     target,
		"buffer_len": len(candidates),
		"sample_U":   fmt.Sprintf("%d..%d", minU, maxU),
		"sample_u":   fmt.Sprintf("%d..%d", minFinal, maxFinal),
	}).Warn("Snapshot sync failed: no covering event")
}
