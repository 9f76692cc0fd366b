package publish

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/wallsignal/internal/metrics"
	"github.com/gregtusar/wallsignal/pkg/models"
)

const sinkTimeout = 2 * time.Second

type item struct {
	score  *models.ScoreSnapshot
	signal *models.SignalEvent
}

// Publisher decouples the pipeline from sink I/O. Enqueueing never blocks;
// items are dropped and counted when the queue is full.
type Publisher struct {
	queue  chan item
	sinks  []Sink
	logger *logrus.Logger
}

func NewPublisher(size int, logger *logrus.Logger, sinks ...Sink) *Publisher {
	if size < 1 {
		size = 1
	}
	return &Publisher{
		queue:  make(chan item, size),
		sinks:  sinks,
		logger: logger,
	}
}

func (p *Publisher) Score(s models.ScoreSnapshot) bool {
	return p.enqueue(item{score: &s})
}

func (p *Publisher) Signal(ev models.SignalEvent) bool {
	return p.enqueue(item{signal: &ev})
}

func (p *Publisher) enqueue(it item) bool {
	select {
	case p.queue <- it:
		return true
	default:
		metrics.PublishDroppedTotal.Inc()
		return false
	}
}

// Run drains the queue into every sink until ctx is cancelled, then flushes
// what is already queued.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.flush()
			return
		case it := <-p.queue:
			p.deliver(context.Background(), it)
		}
	}
}

func (p *Publisher) flush() {
	for {
		select {
		case it := <-p.queue:
			p.deliver(context.Background(), it)
		default:
			return
		}
	}
}

func (p *Publisher) deliver(parent context.Context, it item) {
	for _, s := range p.sinks {
		ctx, cancel := context.WithTimeout(parent, sinkTimeout)
		var err error
		if it.signal != nil {
			err = s.PublishSignal(ctx, *it.signal)
		} else if it.score != nil {
			err = s.PublishScore(ctx, *it.score)
		}
		cancel()
		if err != nil {
			metrics.PublishErrorsTotal.WithLabelValues(s.Name()).Inc()
			p.logger.WithError(err).WithField("sink", s.Name()).Warn("Publish failed")
		}
	}
}
