package binance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/wallsignal/internal/metrics"
	"github.com/gregtusar/wallsignal/pkg/models"
)

// StreamHandler receives connection lifecycle events and decoded diffs in
// arrival order, all from the read loop goroutine.
type StreamHandler interface {
	OnConnect(ctx context.Context)
	OnDisconnect()
	OnDiff(diff models.DiffMessage)
}

type StreamConfig struct {
	URL              string
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration
}

type StreamClient struct {
	cfg     StreamConfig
	handler StreamHandler
	logger  *logrus.Logger
	dialer  websocket.Dialer

	mu        sync.RWMutex
	connected bool
}

func NewStreamClient(cfg StreamConfig, handler StreamHandler, logger *logrus.Logger) *StreamClient {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		cfg.ReconnectMax = max(cfg.ReconnectBase, 30*time.Second)
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 3 * cfg.PingInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &StreamClient{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		dialer:  websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}
}

func (c *StreamClient) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *StreamClient) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Run dials, reads and reconnects with exponential backoff until ctx is
// cancelled. The backoff resets after every successful connect.
func (c *StreamClient) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectBase
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			c.logger.WithError(err).WithField("retry_in", backoff.String()).Warn("Depth stream connect failed")
			if !wait(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, c.cfg.ReconnectMax)
			continue
		}

		backoff = c.cfg.ReconnectBase
		c.setConnected(true)
		c.logger.WithField("url", c.cfg.URL).Info("Depth stream connected")
		c.handler.OnConnect(ctx)

		err = c.readLoop(ctx, conn)

		c.setConnected(false)
		c.handler.OnDisconnect()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.WSReconnectsTotal.Inc()
		c.logger.WithError(err).WithField("retry_in", backoff.String()).Warn("Depth stream disconnected")
		if !wait(ctx, backoff) {
			return ctx.Err()
		}
	}
}

func (c *StreamClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	go c.keepAlive(ctx, conn, done)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read depth stream: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		diff, ok, err := DecodeFrame(frame)
		if err != nil {
			metrics.WSMalformedTotal.Inc()
			c.logger.WithError(err).Warn("Skipping malformed depth frame")
			continue
		}
		if !ok {
			continue
		}
		c.handler.OnDiff(diff)
	}
}

// keepAlive pings on an interval and closes conn when ctx ends so that the
// blocked read returns.
func (c *StreamClient) keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				c.logger.WithError(err).Warn("Failed to send ping")
				_ = conn.Close()
				return
			}
		}
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
