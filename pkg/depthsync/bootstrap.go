package depthsync

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/wallsignal/internal/metrics"
)

func (s *Synchronizer) startBootstrapLocked() {
	s.stopBootstrapLocked()
	parent := s.connCtx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancelBoot = cancel
	s.bootGen++
	s.bootRunning = true

	gen := s.bootGen
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.bootstrap(ctx, gen)
	}()
}

func (s *Synchronizer) stopBootstrapLocked() {
	if s.cancelBoot != nil {
		s.cancelBoot()
		s.cancelBoot = nil
	}
	s.bootRunning = false
}

// bootstrap fetches snapshots until one can be spliced onto the buffer. The
// fetch runs without the lock; only the readiness check and commit take it.
func (s *Synchronizer) bootstrap(ctx context.Context, gen uint64) {
	for {
		if !s.waitForBuffer(ctx) {
			return
		}

		snap, err := s.source.FetchSnapshot(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.SnapshotFetchTotal.WithLabelValues("error").Inc()
			s.logger.WithError(err).Warn("Snapshot bootstrap failed")
			if !sleep(ctx, s.cfg.ErrorDelay) {
				return
			}
			continue
		}
		metrics.SnapshotFetchTotal.WithLabelValues("ok").Inc()

		s.mu.Lock()
		if gen != s.bootGen || s.state != StateBuffering {
			s.mu.Unlock()
			return
		}
		s.logger.WithFields(logrus.Fields{
			"last_update_id": snap.LastUpdateID,
			"buffer_len":     len(s.buffer),
		}).Info("Snapshot fetched")
		err = s.trySyncLocked(snap)
		if err == nil {
			cursor := s.cursor
			s.bootRunning = false
			s.cancelBoot = nil
			s.mu.Unlock()
			metrics.SyncAttemptsTotal.WithLabelValues("ok").Inc()
			s.logger.WithField("update_id", cursor).Info("Orderbook synchronized")
			return
		}
		s.mu.Unlock()

		metrics.SyncAttemptsTotal.WithLabelValues("retry").Inc()
		s.logger.WithError(err).Info("Snapshot sync attempt failed; retrying with accumulated buffer")
		if !sleep(ctx, s.cfg.RetryDelay) {
			return
		}
	}
}

// waitForBuffer blocks until enough diffs are buffered, the wait times out, or
// the book is already synced. It returns false when ctx is cancelled.
func (s *Synchronizer) waitForBuffer(ctx context.Context) bool {
	deadline := time.Now().Add(s.cfg.BufferWaitTimeout)
	for {
		s.mu.Lock()
		synced := s.state == StateSynced
		n := len(s.buffer)
		s.mu.Unlock()

		if synced || n >= s.cfg.MinBufferBeforeSnapshot || !time.Now().Before(deadline) {
			return ctx.Err() == nil
		}
		if !sleep(ctx, s.cfg.PollInterval) {
			return false
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
