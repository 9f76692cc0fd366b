package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/wallsignal/pkg/models"
)

type Sink interface {
	Name() string
	PublishScore(ctx context.Context, score models.ScoreSnapshot) error
	PublishSignal(ctx context.Context, ev models.SignalEvent) error
}

// LogSink writes every signal at Info and every score at Debug.
type LogSink struct {
	logger *logrus.Logger
}

func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) PublishScore(_ context.Context, score models.ScoreSnapshot) error {
	s.logger.WithFields(logrus.Fields{
		"p_up":      score.PUp,
		"p_down":    score.PDown,
		"base_raw":  score.BaseRaw,
		"base_p_up": score.BasePUp,
		"shock":     score.Shock,
		"ref_price": score.RefPrice,
		"round_id":  score.RoundID,
	}).Debug("Score updated")
	return nil
}

func (s *LogSink) PublishSignal(_ context.Context, ev models.SignalEvent) error {
	s.logger.WithFields(logrus.Fields{
		"id":          ev.ID,
		"side":        ev.Side,
		"direction":   ev.Direction,
		"event_type":  ev.Class,
		"price":       ev.Price.String(),
		"old_qty":     ev.WallQty,
		"current_qty": ev.CurrentQty,
		"drop_pct":    ev.DropPct,
		"imbalance":   ev.Imbalance,
		"spread_bps":  ev.SpreadBps,
		"dist_bps":    ev.DistBps,
		"touch_bps":   ev.TouchBps,
		"age_sec":     ev.AgeSec,
		"best_bid":    ev.BestBid.String(),
		"best_ask":    ev.BestAsk.String(),
		"score":       ev.Score,
	}).Info("Wall signal")
	return nil
}

// RedisSink publishes JSON payloads to <prefix>:score and <prefix>:signal and
// keeps the latest score under <prefix>:score:latest.
type RedisSink struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisSink(client redis.Cmdable, prefix string, ttl time.Duration) *RedisSink {
	if prefix == "" {
		prefix = "wallsignal"
	}
	return &RedisSink{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisClient dials addr and verifies the connection with a PING.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     4,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return rdb, nil
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) ScoreChannel() string  { return s.prefix + ":score" }
func (s *RedisSink) SignalChannel() string { return s.prefix + ":signal" }
func (s *RedisSink) LatestKey() string     { return s.prefix + ":score:latest" }

func (s *RedisSink) PublishScore(ctx context.Context, score models.ScoreSnapshot) error {
	payload, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("marshal score: %w", err)
	}
	if err := s.client.Publish(ctx, s.ScoreChannel(), string(payload)).Err(); err != nil {
		return fmt.Errorf("publish score: %w", err)
	}
	if err := s.client.Set(ctx, s.LatestKey(), string(payload), s.ttl).Err(); err != nil {
		return fmt.Errorf("store latest score: %w", err)
	}
	return nil
}

func (s *RedisSink) PublishSignal(ctx context.Context, ev models.SignalEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if err := s.client.Publish(ctx, s.SignalChannel(), string(payload)).Err(); err != nil {
		return fmt.Errorf("publish signal: %w", err)
	}
	return nil
}
