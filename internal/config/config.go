package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/gregtusar/wallsignal/pkg/binance"
	"github.com/gregtusar/wallsignal/pkg/depthsync"
	"github.com/gregtusar/wallsignal/pkg/scorer"
	"github.com/gregtusar/wallsignal/pkg/secrets"
	"github.com/gregtusar/wallsignal/pkg/walls"
)

type Config struct {
	Profile              string         `mapstructure:"profile"`
	HeartbeatIntervalSec float64        `mapstructure:"heartbeat_interval_sec"`
	Venue                VenueConfig    `mapstructure:"venue"`
	Sync                 SyncConfig     `mapstructure:"sync"`
	Detector             DetectorConfig `mapstructure:"detector"`
	Scorer               ScorerConfig   `mapstructure:"scorer"`
	Rounds               RoundsConfig   `mapstructure:"rounds"`
	Server               ServerConfig   `mapstructure:"server"`
	Redis                RedisConfig    `mapstructure:"redis"`
	Logging              LoggingConfig  `mapstructure:"logging"`
	GCP                  GCPConfig      `mapstructure:"gcp"`
}

type VenueConfig struct {
	WSBaseURL             string  `mapstructure:"ws_base_url"`
	RESTBaseURL           string  `mapstructure:"rest_base_url"`
	Symbol                string  `mapstructure:"symbol"`
	DepthStreamSuffix     string  `mapstructure:"depth_stream_suffix"`
	SnapshotLimit         int     `mapstructure:"snapshot_limit"`
	SnapshotRatePerSec    float64 `mapstructure:"snapshot_rate_per_sec"`
	HTTPTimeoutSec        float64 `mapstructure:"http_timeout_sec"`
	ReconnectBaseDelaySec float64 `mapstructure:"reconnect_base_delay_sec"`
	ReconnectMaxDelaySec  float64 `mapstructure:"reconnect_max_delay_sec"`
}

type SyncConfig struct {
	BufferMax               int     `mapstructure:"buffer_max"`
	BufferKeep              int     `mapstructure:"buffer_keep"`
	MinBufferBeforeSnapshot int     `mapstructure:"min_buffer_before_snapshot"`
	BufferWaitTimeoutSec    float64 `mapstructure:"buffer_wait_timeout_sec"`
	SnapshotRetryDelaySec   float64 `mapstructure:"snapshot_retry_delay_sec"`
	SnapshotErrorDelaySec   float64 `mapstructure:"snapshot_error_delay_sec"`
	BreakerFailures         uint32  `mapstructure:"breaker_failures"`
	BreakerTimeoutSec       float64 `mapstructure:"breaker_timeout_sec"`
}

type DetectorConfig struct {
	NLevels           int     `mapstructure:"n_levels"`
	WallMult          float64 `mapstructure:"wall_mult"`
	MinWallQty        float64 `mapstructure:"min_wall_qty"`
	MaxWallDistBps    float64 `mapstructure:"max_wall_dist_bps"`
	EventTTLSec       float64 `mapstructure:"event_ttl_sec"`
	MinWallAgeSec     float64 `mapstructure:"min_wall_age_sec"`
	WallDropPct       float64 `mapstructure:"wall_drop_pct"`
	MajorDropMinPct   float64 `mapstructure:"major_drop_min_pct"`
	OnlyFullRemove    bool    `mapstructure:"only_full_remove"`
	FullRemoveEps     float64 `mapstructure:"full_remove_eps"`
	ImbThr            float64 `mapstructure:"imb_thr"`
	MaxTouchBps       float64 `mapstructure:"max_touch_bps"`
	MinTouchBps       float64 `mapstructure:"min_touch_bps"`
	SignalCooldownSec float64 `mapstructure:"signal_cooldown_sec"`
	GlobalCooldownSec float64 `mapstructure:"global_cooldown_sec"`
	PriceCooldownSec  float64 `mapstructure:"price_cooldown_sec"`
	PriceBucket       float64 `mapstructure:"price_bucket"`
}

type ScorerConfig struct {
	PressureRangesBps   []float64 `mapstructure:"pressure_ranges_bps"`
	PressureWeights     []float64 `mapstructure:"pressure_weights"`
	BaseScale           float64   `mapstructure:"base_scale"`
	BaseCenterMode      string    `mapstructure:"base_center_mode"`
	BaseRefWeight       float64   `mapstructure:"base_ref_weight"`
	MinDepthSum         float64   `mapstructure:"min_depth_sum"`
	ShockHalfLifeSec    float64   `mapstructure:"shock_half_life_sec"`
	MaxShock            float64   `mapstructure:"max_shock"`
	ShockDistanceBpsCap float64   `mapstructure:"shock_distance_bps_cap"`
	ShockMinAgeSec      float64   `mapstructure:"shock_min_age_sec"`
	ShockAgeFullSec     float64   `mapstructure:"shock_age_full_sec"`
	ShockDistanceMode   string    `mapstructure:"shock_distance_mode"`
	ShockFullRemove     float64   `mapstructure:"shock_full_remove"`
	ShockMajorDrop      float64   `mapstructure:"shock_major_drop"`
	ShockDrop           float64   `mapstructure:"shock_drop"`
}

type RoundsConfig struct {
	IntervalSec float64 `mapstructure:"interval_sec"`
}

type ServerConfig struct {
	Port      int    `mapstructure:"port"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type RedisConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	Addr          string  `mapstructure:"addr"`
	Password      string  `mapstructure:"password"`
	DB            int     `mapstructure:"db"`
	ChannelPrefix string  `mapstructure:"channel_prefix"`
	LatestTTLSec  float64 `mapstructure:"latest_ttl_sec"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

var ErrInvalid = errors.New("invalid configuration")

// Profiles override detector and scorer defaults. Values set in a config
// file or the environment still take precedence.
var Profiles = map[string]map[string]any{
	"balanced": {},
	"strict": {
		"detector.wall_mult":        7.0,
		"detector.min_wall_age_sec": 0.4,
		"detector.imb_thr":          0.20,
		"detector.max_touch_bps":    3.0,
		"detector.only_full_remove": true,
		"scorer.max_shock":          25.0,
	},
	"sensitive": {
		"detector.wall_mult":         3.5,
		"detector.min_wall_age_sec":  0.1,
		"detector.wall_drop_pct":     0.60,
		"detector.imb_thr":           0.06,
		"detector.max_touch_bps":     8.0,
		"scorer.shock_half_life_sec": 10.0,
	},
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/wallsignal")
	}

	v.SetEnvPrefix("WALLSIGNAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := applyProfile(v, v.GetString("profile")); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("error validating config: %w", err)
	}
	return &config, nil
}

func applyProfile(v *viper.Viper, name string) error {
	preset, ok := Profiles[name]
	if !ok {
		return fmt.Errorf("%w: unknown profile %q", ErrInvalid, name)
	}
	for key, value := range preset {
		v.SetDefault(key, value)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("profile", "balanced")
	v.SetDefault("heartbeat_interval_sec", 2.0)

	v.SetDefault("venue.ws_base_url", "wss://fstream.binance.com/stream?streams=")
	v.SetDefault("venue.rest_base_url", "https://fapi.binance.com/fapi/v1/depth")
	v.SetDefault("venue.symbol", "btcusdt")
	v.SetDefault("venue.depth_stream_suffix", "@depth@100ms")
	v.SetDefault("venue.snapshot_limit", 1000)
	v.SetDefault("venue.snapshot_rate_per_sec", 2.0)
	v.SetDefault("venue.http_timeout_sec", 10.0)
	v.SetDefault("venue.reconnect_base_delay_sec", 1.0)
	v.SetDefault("venue.reconnect_max_delay_sec", 30.0)

	syncDefaults := depthsync.DefaultConfig()
	v.SetDefault("sync.buffer_max", syncDefaults.BufferMax)
	v.SetDefault("sync.buffer_keep", syncDefaults.BufferKeep)
	v.SetDefault("sync.min_buffer_before_snapshot", syncDefaults.MinBufferBeforeSnapshot)
	v.SetDefault("sync.buffer_wait_timeout_sec", syncDefaults.BufferWaitTimeout.Seconds())
	v.SetDefault("sync.snapshot_retry_delay_sec", syncDefaults.RetryDelay.Seconds())
	v.SetDefault("sync.snapshot_error_delay_sec", syncDefaults.ErrorDelay.Seconds())
	v.SetDefault("sync.breaker_failures", 5)
	v.SetDefault("sync.breaker_timeout_sec", 30.0)

	det := walls.DefaultConfig()
	v.SetDefault("detector.n_levels", det.NLevels)
	v.SetDefault("detector.wall_mult", det.WallMult)
	v.SetDefault("detector.min_wall_qty", det.MinWallQty)
	v.SetDefault("detector.max_wall_dist_bps", det.MaxWallDistBps)
	v.SetDefault("detector.event_ttl_sec", det.EventTTL.Seconds())
	v.SetDefault("detector.min_wall_age_sec", det.MinWallAge.Seconds())
	v.SetDefault("detector.wall_drop_pct", det.WallDropPct)
	v.SetDefault("detector.major_drop_min_pct", det.MajorDropMinPct)
	v.SetDefault("detector.only_full_remove", det.OnlyFullRemove)
	v.SetDefault("detector.full_remove_eps", det.FullRemoveEps)
	v.SetDefault("detector.imb_thr", det.ImbThr)
	v.SetDefault("detector.max_touch_bps", det.MaxTouchBps)
	v.SetDefault("detector.min_touch_bps", det.MinTouchBps)
	v.SetDefault("detector.signal_cooldown_sec", det.SignalCooldown.Seconds())
	v.SetDefault("detector.global_cooldown_sec", det.GlobalCooldown.Seconds())
	v.SetDefault("detector.price_cooldown_sec", det.PriceCooldown.Seconds())
	v.SetDefault("detector.price_bucket", det.PriceBucket)

	sc := scorer.DefaultConfig()
	v.SetDefault("scorer.pressure_ranges_bps", sc.RangesBps)
	v.SetDefault("scorer.pressure_weights", sc.Weights)
	v.SetDefault("scorer.base_scale", sc.BaseScale)
	v.SetDefault("scorer.base_center_mode", string(sc.CenterMode))
	v.SetDefault("scorer.base_ref_weight", sc.RefWeight)
	v.SetDefault("scorer.min_depth_sum", sc.MinDepthSum)
	v.SetDefault("scorer.shock_half_life_sec", sc.HalfLife.Seconds())
	v.SetDefault("scorer.max_shock", sc.MaxShock)
	v.SetDefault("scorer.shock_distance_bps_cap", sc.DistanceCapBps)
	v.SetDefault("scorer.shock_min_age_sec", sc.MinAge.Seconds())
	v.SetDefault("scorer.shock_age_full_sec", sc.AgeFull.Seconds())
	v.SetDefault("scorer.shock_distance_mode", string(sc.DistanceMode))
	v.SetDefault("scorer.shock_full_remove", sc.ShockFullRemove)
	v.SetDefault("scorer.shock_major_drop", sc.ShockMajorDrop)
	v.SetDefault("scorer.shock_drop", sc.ShockDrop)

	v.SetDefault("rounds.interval_sec", 900.0)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.jwt_secret", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel_prefix", "wallsignal")
	v.SetDefault("redis.latest_ttl_sec", 60.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")
	v.SetDefault("gcp.secret_names.api_jwt_secret", secrets.DefaultSecretNames().APIJWTSecret)
}

func (c *Config) Validate() error {
	var problems []string
	if c.Detector.NLevels <= 0 {
		problems = append(problems, "detector.n_levels must be positive")
	}
	if len(c.Scorer.PressureRangesBps) == 0 {
		problems = append(problems, "scorer.pressure_ranges_bps must not be empty")
	}
	if len(c.Scorer.PressureRangesBps) != len(c.Scorer.PressureWeights) {
		problems = append(problems, "scorer.pressure_ranges_bps and scorer.pressure_weights must have the same length")
	}
	switch scorer.CenterMode(c.Scorer.BaseCenterMode) {
	case scorer.CenterMid, scorer.CenterRef, scorer.CenterBlend:
	default:
		problems = append(problems, fmt.Sprintf("scorer.base_center_mode %q must be mid, ref or blend", c.Scorer.BaseCenterMode))
	}
	switch scorer.CenterMode(c.Scorer.ShockDistanceMode) {
	case scorer.CenterMid, scorer.CenterRef:
	default:
		problems = append(problems, fmt.Sprintf("scorer.shock_distance_mode %q must be mid or ref", c.Scorer.ShockDistanceMode))
	}
	if c.Scorer.BaseRefWeight < 0 || c.Scorer.BaseRefWeight > 1 {
		problems = append(problems, "scorer.base_ref_weight must be within [0, 1]")
	}
	if c.Sync.BufferMax <= 0 {
		problems = append(problems, "sync.buffer_max must be positive")
	}
	if c.Sync.BufferKeep > c.Sync.BufferMax {
		problems = append(problems, "sync.buffer_keep must not exceed sync.buffer_max")
	}
	if strings.TrimSpace(c.Venue.Symbol) == "" {
		problems = append(problems, "venue.symbol must not be empty")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// LoadSecrets fills the API signing key from Secret Manager when it is not
// already configured.
func (c *Config) LoadSecrets(ctx context.Context, logger *logrus.Logger) error {
	if !c.GCP.UseSecrets || c.GCP.ProjectID == "" || c.Server.JWTSecret != "" {
		return nil
	}

	sm, err := secrets.NewGCPSecretManager(ctx, c.GCP.ProjectID, c.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer sm.Close()

	c.Server.JWTSecret = sm.GetSecretWithDefault(ctx, c.GCP.SecretNames.APIJWTSecret, "")
	logger.Info("Loaded secrets from GCP Secret Manager")
	return nil
}

// NewLogger builds the process logger. An unknown level falls back to info.
func (c LoggingConfig) NewLogger() (*logrus.Logger, error) {
	logger := logrus.New()

	if strings.EqualFold(c.Format, "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		logger.SetLevel(logrus.InfoLevel)
		logger.WithError(err).Error("Invalid log level, using info")
	} else {
		logger.SetLevel(level)
	}

	if c.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.File), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(c.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, f))
	}
	return logger, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (c *Config) HeartbeatInterval() time.Duration { return seconds(c.HeartbeatIntervalSec) }

func (c *Config) RoundInterval() time.Duration { return seconds(c.Rounds.IntervalSec) }

func (c *Config) RedisLatestTTL() time.Duration { return seconds(c.Redis.LatestTTLSec) }

func (c *Config) SyncParams() depthsync.Config {
	return depthsync.Config{
		BufferMax:               c.Sync.BufferMax,
		BufferKeep:              c.Sync.BufferKeep,
		MinBufferBeforeSnapshot: c.Sync.MinBufferBeforeSnapshot,
		BufferWaitTimeout:       seconds(c.Sync.BufferWaitTimeoutSec),
		RetryDelay:              seconds(c.Sync.SnapshotRetryDelaySec),
		ErrorDelay:              seconds(c.Sync.SnapshotErrorDelaySec),
		PollInterval:            depthsync.DefaultConfig().PollInterval,
	}
}

func (c *Config) DetectorParams() walls.Config {
	d := c.Detector
	return walls.Config{
		NLevels:         d.NLevels,
		WallMult:        d.WallMult,
		MinWallQty:      d.MinWallQty,
		MaxWallDistBps:  d.MaxWallDistBps,
		EventTTL:        seconds(d.EventTTLSec),
		MinWallAge:      seconds(d.MinWallAgeSec),
		WallDropPct:     d.WallDropPct,
		MajorDropMinPct: d.MajorDropMinPct,
		OnlyFullRemove:  d.OnlyFullRemove,
		FullRemoveEps:   d.FullRemoveEps,
		ImbThr:          d.ImbThr,
		MaxTouchBps:     d.MaxTouchBps,
		MinTouchBps:     d.MinTouchBps,
		SignalCooldown:  seconds(d.SignalCooldownSec),
		GlobalCooldown:  seconds(d.GlobalCooldownSec),
		PriceCooldown:   seconds(d.PriceCooldownSec),
		PriceBucket:     d.PriceBucket,
	}
}

func (c *Config) ScorerParams() scorer.Config {
	s := c.Scorer
	return scorer.Config{
		RangesBps:       append([]float64(nil), s.PressureRangesBps...),
		Weights:         append([]float64(nil), s.PressureWeights...),
		BaseScale:       s.BaseScale,
		CenterMode:      scorer.CenterMode(s.BaseCenterMode),
		RefWeight:       s.BaseRefWeight,
		MinDepthSum:     s.MinDepthSum,
		HalfLife:        seconds(s.ShockHalfLifeSec),
		MaxShock:        s.MaxShock,
		DistanceCapBps:  s.ShockDistanceBpsCap,
		MinAge:          seconds(s.ShockMinAgeSec),
		AgeFull:         seconds(s.ShockAgeFullSec),
		DistanceMode:    scorer.CenterMode(s.ShockDistanceMode),
		ShockFullRemove: s.ShockFullRemove,
		ShockMajorDrop:  s.ShockMajorDrop,
		ShockDrop:       s.ShockDrop,
	}
}

func (c *Config) RESTParams() binance.RESTConfig {
	return binance.RESTConfig{
		BaseURL:         c.Venue.RESTBaseURL,
		Symbol:          c.Venue.Symbol,
		Limit:           c.Venue.SnapshotLimit,
		RatePerSec:      c.Venue.SnapshotRatePerSec,
		Timeout:         seconds(c.Venue.HTTPTimeoutSec),
		BreakerFailures: c.Sync.BreakerFailures,
		BreakerTimeout:  seconds(c.Sync.BreakerTimeoutSec),
	}
}

func (c *Config) StreamParams() binance.StreamConfig {
	return binance.StreamConfig{
		URL:           binance.StreamURL(c.Venue.WSBaseURL, c.Venue.Symbol, c.Venue.DepthStreamSuffix),
		ReconnectBase: seconds(c.Venue.ReconnectBaseDelaySec),
		ReconnectMax:  seconds(c.Venue.ReconnectMaxDelaySec),
	}
}
