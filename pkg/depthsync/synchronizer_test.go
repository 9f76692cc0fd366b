package depthsync

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/wallsignal/pkg/book"
	"github.com/gregtusar/wallsignal/pkg/models"
)

type recorder struct {
	mu      sync.Mutex
	updates int
	resets  []string
	last    models.BookView
}

func (r *recorder) OnBookUpdate(view models.BookView, _ models.QuantityFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
	r.last = view
}

func (r *recorder) OnReset(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, reason)
}

func (r *recorder) counts() (int, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates, append([]string(nil), r.resets...)
}

// staticSource always returns the same snapshot.
type staticSource struct {
	mu    sync.Mutex
	snap  models.Snapshot
	calls int
}

func (s *staticSource) FetchSnapshot(ctx context.Context) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	snap := s.snap
	return &snap, nil
}

func (s *staticSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// blockingSource never returns a snapshot until its context is cancelled.
type blockingSource struct {
	mu    sync.Mutex
	calls int
}

func (b *blockingSource) FetchSnapshot(ctx context.Context) (*models.Snapshot, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingSource) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinBufferBeforeSnapshot = 1
	cfg.BufferWaitTimeout = 20 * time.Millisecond
	cfg.RetryDelay = 5 * time.Millisecond
	cfg.ErrorDelay = 5 * time.Millisecond
	cfg.PollInterval = time.Millisecond
	return cfg
}

func px(f float64) models.Price { return models.PriceFromFloat(f) }

func diff(first, final, prev int64, bids, asks []models.Level) models.DiffMessage {
	return models.DiffMessage{FirstUpdateID: first, FinalUpdateID: final, PrevFinalUpdateID: prev, Bids: bids, Asks: asks}
}

func snapshot(id int64) *models.Snapshot {
	return &models.Snapshot{
		LastUpdateID: id,
		Bids:         []models.Level{{Price: px(100), Qty: 5}, {Price: px(99), Qty: 5}},
		Asks:         []models.Level{{Price: px(101), Qty: 5}, {Price: px(102), Qty: 5}},
	}
}

func newSynced(t *testing.T, cursor int64) (*Synchronizer, *recorder) {
	t.Helper()
	rec := &recorder{}
	s := New(testConfig(), book.NewLevelBook(10), &blockingSource{}, rec, quietLogger())
	s.mu.Lock()
	s.book.ApplySnapshot(snapshot(cursor).Bids, snapshot(cursor).Asks)
	s.cursor = cursor
	s.setState(StateSynced)
	s.mu.Unlock()
	return s, rec
}

func TestTrySyncPicksStraddlingDiff(t *testing.T) {
	rec := &recorder{}
	s := New(testConfig(), book.NewLevelBook(10), &blockingSource{}, rec, quietLogger())
	s.state = StateBuffering
	s.buffer = []models.DiffMessage{
		diff(90, 95, 89, []models.Level{{Price: px(98), Qty: 9}}, nil),
		diff(96, 103, 95, []models.Level{{Price: px(100), Qty: 7}}, nil),
		diff(104, 106, 103, nil, []models.Level{{Price: px(101), Qty: 0}}),
	}

	s.mu.Lock()
	err := s.trySyncLocked(snapshot(100))
	s.mu.Unlock()
	require.NoError(t, err)

	st := s.Status()
	assert.True(t, st.Synced)
	assert.Equal(t, int64(106), st.Cursor)
	assert.Zero(t, st.BufferLen)
	assert.Zero(t, s.book.QuantityAt(models.SideBid, px(98)), "diff fully below the snapshot must not be applied")
	assert.Equal(t, 7.0, s.book.QuantityAt(models.SideBid, px(100)))
	assert.Zero(t, s.book.QuantityAt(models.SideAsk, px(101)))
	updates, _ := rec.counts()
	assert.Equal(t, 1, updates)
}

func TestTrySyncWithoutStraddleFails(t *testing.T) {
	tests := []struct {
		name   string
		buffer []models.DiffMessage
	}{
		{name: "buffer starts after target", buffer: []models.DiffMessage{diff(105, 110, 104, nil, nil)}},
		{name: "buffer ends before target", buffer: []models.DiffMessage{diff(90, 99, 89, nil, nil)}},
		{name: "empty buffer", buffer: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			s := New(testConfig(), book.NewLevelBook(10), &blockingSource{}, rec, quietLogger())
			s.state = StateBuffering
			s.buffer = tt.buffer

			s.mu.Lock()
			err := s.trySyncLocked(snapshot(100))
			s.mu.Unlock()

			require.ErrorIs(t, err, ErrNoStraddle)
			assert.Equal(t, StateBuffering, s.Status().State)
			assert.True(t, s.book.Empty())
			assert.Len(t, s.buffer, len(tt.buffer), "buffer keeps growing across retries")
			updates, _ := rec.counts()
			assert.Zero(t, updates)
		})
	}
}

func TestTrySyncReplayGapAborts(t *testing.T) {
	s := New(testConfig(), book.NewLevelBook(10), &blockingSource{}, &recorder{}, quietLogger())
	s.state = StateBuffering
	s.buffer = []models.DiffMessage{
		diff(95, 101, 94, nil, nil),
		diff(105, 106, 104, nil, nil),
	}

	s.mu.Lock()
	err := s.trySyncLocked(snapshot(100))
	s.mu.Unlock()

	require.ErrorIs(t, err, ErrReplay)
	st := s.Status()
	assert.False(t, st.Synced)
	assert.Zero(t, st.Cursor)
	assert.True(t, s.book.Empty())
	assert.Equal(t, 2, st.BufferLen, "a failed splice keeps the buffer for the next attempt")
}

func TestGapForcesFullReset(t *testing.T) {
	src := &blockingSource{}
	rec := &recorder{}
	s := New(testConfig(), book.NewLevelBook(10), src, rec, quietLogger())
	defer s.Close()
	s.mu.Lock()
	s.book.ApplySnapshot(snapshot(50).Bids, snapshot(50).Asks)
	s.cursor = 50
	s.setState(StateSynced)
	s.mu.Unlock()

	s.HandleDiff(diff(52, 53, 51, nil, nil))

	st := s.Status()
	assert.False(t, st.Synced)
	assert.Equal(t, StateBuffering, st.State)
	assert.Zero(t, st.Cursor)
	assert.True(t, s.book.Empty())
	assert.Equal(t, 1, st.BufferLen, "the offending diff is kept for the next splice")
	_, resets := rec.counts()
	assert.Equal(t, []string{"gap"}, resets)
	assert.Eventually(t, func() bool { return src.Calls() == 1 }, time.Second, time.Millisecond)
}

func TestStaleDiffIsNoop(t *testing.T) {
	s, rec := newSynced(t, 200)
	before := s.book.View()

	s.HandleDiff(diff(150, 199, 149, []models.Level{{Price: px(100), Qty: 0}}, nil))

	st := s.Status()
	assert.True(t, st.Synced)
	assert.Equal(t, int64(200), st.Cursor)
	assert.Equal(t, before, s.book.View())
	updates, resets := rec.counts()
	assert.Zero(t, updates)
	assert.Empty(t, resets)
}

func TestSyncedDiffAdvancesCursor(t *testing.T) {
	s, rec := newSynced(t, 200)

	s.HandleDiff(diff(201, 205, 200, []models.Level{{Price: px(100), Qty: 0}}, []models.Level{{Price: px(101.5), Qty: 3}}))

	st := s.Status()
	assert.Equal(t, int64(205), st.Cursor)
	assert.Zero(t, s.book.QuantityAt(models.SideBid, px(100)))
	assert.Equal(t, px(99), st.BestBid)
	assert.Equal(t, px(101), st.BestAsk)
	updates, _ := rec.counts()
	assert.Equal(t, 1, updates)
}

func TestBufferCapTrimsFront(t *testing.T) {
	cfg := testConfig()
	cfg.BufferMax = 5
	cfg.BufferKeep = 2
	cfg.MinBufferBeforeSnapshot = 1000
	cfg.BufferWaitTimeout = time.Hour
	s := New(cfg, book.NewLevelBook(10), &blockingSource{}, &recorder{}, quietLogger())
	defer s.Close()
	s.Connect(context.Background())

	for i := int64(1); i <= 6; i++ {
		s.HandleDiff(diff(i, i, i-1, nil, nil))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.buffer, 2)
	assert.Equal(t, int64(5), s.buffer[0].FinalUpdateID)
	assert.Equal(t, int64(6), s.buffer[1].FinalUpdateID)
	assert.True(t, s.book.Empty(), "no diff is applied while buffering")
}

func TestNonPositiveBufferCapFallsBack(t *testing.T) {
	cfg := testConfig()
	cfg.BufferMax = -5
	cfg.BufferKeep = -10
	s := New(cfg, book.NewLevelBook(10), &blockingSource{}, &recorder{}, quietLogger())

	assert.Equal(t, DefaultConfig().BufferMax, s.cfg.BufferMax)
	assert.Equal(t, DefaultConfig().BufferMax, s.cfg.BufferKeep)

	s.mu.Lock()
	s.state = StateBuffering
	s.bufferLocked(diff(1, 1, 0, nil, nil))
	s.mu.Unlock()
	assert.Equal(t, 1, s.Status().BufferLen)
}

func TestDisconnectCancelsBootstrap(t *testing.T) {
	src := &blockingSource{}
	s := New(testConfig(), book.NewLevelBook(10), src, &recorder{}, quietLogger())
	s.Connect(context.Background())
	assert.Eventually(t, func() bool { return src.Calls() == 1 }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bootstrap task did not exit after disconnect")
	}

	s.HandleDiff(diff(1, 2, 0, nil, nil))
	st := s.Status()
	assert.Equal(t, StateDisconnected, st.State)
	assert.Zero(t, st.BufferLen)
}

func TestDisconnectDropsReplica(t *testing.T) {
	s, rec := newSynced(t, 200)
	require.False(t, s.book.Empty())

	s.Disconnect()

	st := s.Status()
	assert.Equal(t, StateDisconnected, st.State)
	assert.Zero(t, st.Cursor)
	assert.Zero(t, st.BestBid)
	assert.Zero(t, st.BestAsk)
	assert.True(t, s.book.Empty())

	s.Disconnect()
	_, resets := rec.counts()
	assert.Equal(t, []string{"disconnect"}, resets, "a second disconnect is a no-op")
}

func TestDisconnectWhileBufferingDropsBuffer(t *testing.T) {
	rec := &recorder{}
	s := New(testConfig(), book.NewLevelBook(10), &blockingSource{}, rec, quietLogger())
	defer s.Close()

	s.Connect(context.Background())
	s.HandleDiff(diff(1, 2, 0, nil, nil))
	require.Equal(t, 1, s.Status().BufferLen)

	s.Disconnect()
	assert.Zero(t, s.Status().BufferLen)
	_, resets := rec.counts()
	assert.Equal(t, []string{"connect", "disconnect"}, resets)
}

func TestRetainedSuffixGapRebuffers(t *testing.T) {
	rec := &recorder{}
	s := New(testConfig(), book.NewLevelBook(10), &blockingSource{}, rec, quietLogger())
	defer s.Close()
	s.state = StateBuffering
	s.buffer = []models.DiffMessage{
		diff(105, 110, 104, nil, nil),
		diff(95, 101, 94, nil, nil),
	}

	s.mu.Lock()
	err := s.trySyncLocked(snapshot(100))
	pending := append([]models.DiffMessage(nil), s.buffer...)
	s.mu.Unlock()

	require.ErrorIs(t, err, ErrReplay)
	st := s.Status()
	assert.Equal(t, StateBuffering, st.State)
	assert.Zero(t, st.Cursor)
	assert.True(t, s.book.Empty())
	require.Len(t, pending, 1, "the diff that broke continuity stays buffered")
	assert.Equal(t, int64(110), pending[0].FinalUpdateID)

	updates, resets := rec.counts()
	assert.Zero(t, updates)
	assert.Equal(t, []string{"replay_gap"}, resets)
}

func TestEndToEndScenario(t *testing.T) {
	src := &staticSource{snap: *snapshot(100)}
	rec := &recorder{}
	s := New(testConfig(), book.NewLevelBook(10), src, rec, quietLogger())
	defer s.Close()

	s.Connect(context.Background())
	s.HandleDiff(diff(95, 101, 94, nil, nil))

	require.Eventually(t, func() bool { return s.Status().Synced }, time.Second, time.Millisecond)
	assert.Equal(t, int64(101), s.Status().Cursor)

	s.HandleDiff(diff(102, 103, 101, nil, []models.Level{{Price: px(101), Qty: 1}}))
	assert.Equal(t, int64(103), s.Status().Cursor)
	assert.Equal(t, 1.0, s.book.QuantityAt(models.SideAsk, px(101)))

	s.HandleDiff(diff(105, 106, 104, nil, nil))
	st := s.Status()
	assert.False(t, st.Synced)
	assert.Zero(t, st.Cursor)
	assert.True(t, s.book.Empty())

	_, resets := rec.counts()
	assert.Equal(t, []string{"connect", "gap"}, resets)
}

func TestConnectResetsPreviousSession(t *testing.T) {
	s, rec := newSynced(t, 10)
	defer s.Close()

	s.Connect(context.Background())

	st := s.Status()
	assert.Equal(t, StateBuffering, st.State)
	assert.Zero(t, st.Cursor)
	assert.True(t, s.book.Empty())
	_, resets := rec.counts()
	assert.Equal(t, []string{"connect"}, resets)
}
