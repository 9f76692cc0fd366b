package binance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/gregtusar/wallsignal/pkg/models"
)

type RESTConfig struct {
	BaseURL         string
	Symbol          string
	Limit           int
	RatePerSec      float64
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// RESTClient fetches point-in-time depth snapshots. Requests are rate
// limited and guarded by a circuit breaker; an open breaker fails fast.
type RESTClient struct {
	cfg        RESTConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	logger     *logrus.Logger
}

func NewRESTClient(cfg RESTConfig, logger *logrus.Logger) *RESTClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	failures := cfg.BreakerFailures
	st := gobreaker.Settings{
		Name:    "snapshot",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Snapshot circuit breaker state changed")
		},
	}

	return &RESTClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		breaker:    gobreaker.NewCircuitBreaker(st),
		logger:     logger,
	}
}

func (c *RESTClient) snapshotURL() string {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(c.cfg.Symbol))
	q.Set("limit", strconv.Itoa(c.cfg.Limit))
	return c.cfg.BaseURL + "?" + q.Encode()
}

func (c *RESTClient) FetchSnapshot(ctx context.Context) (*models.Snapshot, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.(*models.Snapshot), nil
}

func (c *RESTClient) fetch(ctx context.Context) (*models.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.snapshotURL(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %d %s", ErrSnapshotStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return DecodeSnapshot(resp.Body)
}

func (c *RESTClient) BreakerState() gobreaker.State {
	return c.breaker.State()
}
