package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/wallsignal/pkg/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func sampleScore() models.ScoreSnapshot {
	return models.ScoreSnapshot{
		Time:     time.Unix(1_700_000_000, 0).UTC(),
		PUp:      61.5,
		PDown:    38.5,
		BaseRaw:  0.2,
		BasePUp:  56,
		Shock:    5.5,
		RefPrice: 43000,
		RoundID:  "1700000000",
	}
}

func sampleSignal() models.SignalEvent {
	return models.SignalEvent{
		ID:        "sig-1",
		Time:      time.Unix(1_700_000_001, 0).UTC(),
		Side:      models.SideAsk,
		Direction: models.DirectionLong,
		Class:     models.ClassFullRemove,
		Price:     models.PriceFromFloat(43000.5),
		WallQty:   12,
		DropPct:   1,
		Score:     90,
	}
}

func TestRedisSinkPublishScore(t *testing.T) {
	db, mock := redismock.NewClientMock()
	sink := NewRedisSink(db, "btc", 30*time.Second)
	score := sampleScore()
	payload, err := json.Marshal(score)
	require.NoError(t, err)

	mock.ExpectPublish("btc:score", string(payload)).SetVal(1)
	mock.ExpectSet("btc:score:latest", string(payload), 30*time.Second).SetVal("OK")

	require.NoError(t, sink.PublishScore(context.Background(), score))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisSinkPublishSignal(t *testing.T) {
	db, mock := redismock.NewClientMock()
	sink := NewRedisSink(db, "", 0)
	ev := sampleSignal()
	payload, err := json.Marshal(ev)
	require.NoError(t, err)

	mock.ExpectPublish("wallsignal:signal", string(payload)).SetVal(0)

	require.NoError(t, sink.PublishSignal(context.Background(), ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisSinkError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	sink := NewRedisSink(db, "btc", time.Minute)
	score := sampleScore()
	payload, err := json.Marshal(score)
	require.NoError(t, err)

	mock.ExpectPublish("btc:score", string(payload)).SetErr(errors.New("connection refused"))

	err = sink.PublishScore(context.Background(), score)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish score")
}

type memorySink struct {
	mu      sync.Mutex
	scores  []models.ScoreSnapshot
	signals []models.SignalEvent
	err     error
}

func (m *memorySink) Name() string { return "memory" }

func (m *memorySink) PublishScore(_ context.Context, s models.ScoreSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores = append(m.scores, s)
	return m.err
}

func (m *memorySink) PublishSignal(_ context.Context, ev models.SignalEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, ev)
	return m.err
}

func (m *memorySink) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.scores), len(m.signals)
}

func TestPublisherFansOut(t *testing.T) {
	good := &memorySink{}
	bad := &memorySink{err: errors.New("boom")}
	p := NewPublisher(8, quietLogger(), good, bad, NewLogSink(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.True(t, p.Score(sampleScore()))
	require.True(t, p.Signal(sampleSignal()))

	require.Eventually(t, func() bool {
		gs, ge := good.counts()
		bs, be := bad.counts()
		return gs == 1 && ge == 1 && bs == 1 && be == 1
	}, time.Second, time.Millisecond, "a failing sink does not stop delivery to the others")

	cancel()
	<-done
}

func TestPublisherDropsWhenFull(t *testing.T) {
	sink := &memorySink{}
	p := NewPublisher(1, quietLogger(), sink)

	assert.True(t, p.Score(sampleScore()))
	assert.False(t, p.Score(sampleScore()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Run(ctx)

	scores, _ := sink.counts()
	assert.Equal(t, 1, scores, "queued items are flushed on shutdown")
}
