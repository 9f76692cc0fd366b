package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gregtusar/wallsignal/api"
	"github.com/gregtusar/wallsignal/internal/config"
	"github.com/gregtusar/wallsignal/internal/metrics"
	"github.com/gregtusar/wallsignal/pkg/binance"
	"github.com/gregtusar/wallsignal/pkg/book"
	"github.com/gregtusar/wallsignal/pkg/engine"
	"github.com/gregtusar/wallsignal/pkg/publish"
	"github.com/gregtusar/wallsignal/pkg/rounds"
	"github.com/gregtusar/wallsignal/pkg/scorer"
	"github.com/gregtusar/wallsignal/pkg/walls"
)

const publishQueueSize = 1024

var (
	cfgFile        string
	snapshotLevels int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wallsignal",
		Short: "Order book wall depletion signals",
		Long:  `Maintains a synchronized depth replica of a perpetual futures book, detects pulled liquidity walls and scores short-horizon direction`,
		RunE:  runEngine,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the live signal engine",
		RunE:  runEngine,
	}

	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Fetch one REST depth snapshot and print the top levels",
		RunE:  runSnapshot,
	}
	snapshotCmd.Flags().IntVar(&snapshotLevels, "levels", 10, "levels per side to print")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as JSON",
		RunE:  runConfig,
	}

	rootCmd.AddCommand(runCmd, snapshotCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *logrus.Logger, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.LoadSecrets(ctx, logger); err != nil {
		return fmt.Errorf("error loading secrets from GCP: %w", err)
	}

	reg := metrics.Init(logger)

	sinks := []publish.Sink{publish.NewLogSink(logger)}
	if cfg.Redis.Enabled {
		rdb, err := publish.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		sinks = append(sinks, publish.NewRedisSink(rdb, cfg.Redis.ChannelPrefix, cfg.RedisLatestTTL()))
		logger.WithField("addr", cfg.Redis.Addr).Info("Redis publishing enabled")
	}
	publisher := publish.NewPublisher(publishQueueSize, logger, sinks...)

	sc, err := scorer.New(cfg.ScorerParams())
	if err != nil {
		return fmt.Errorf("failed to create scorer: %w", err)
	}

	eng := engine.New(
		engine.Config{NLevels: cfg.Detector.NLevels, HeartbeatInterval: cfg.HeartbeatInterval()},
		cfg.SyncParams(),
		walls.NewDetector(cfg.DetectorParams(), logger),
		sc,
		rounds.NewClock(cfg.RoundInterval()),
		binance.NewRESTClient(cfg.RESTParams(), logger),
		publisher,
		logger,
	)
	stream := binance.NewStreamClient(cfg.StreamParams(), eng, logger)
	apiServer := api.NewServer(eng, metrics.Handler(reg), logger, cfg.Server.Port, cfg.Server.JWTSecret)

	published := make(chan struct{})
	go func() {
		publisher.Run(ctx)
		close(published)
	}()

	eng.Start(ctx)

	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("Depth stream stopped")
		}
	}()

	go func() {
		if err := apiServer.Start(ctx); err != nil {
			logger.WithError(err).Error("API server failed")
			stop()
		}
	}()

	logger.WithFields(logrus.Fields{
		"symbol":  cfg.Venue.Symbol,
		"profile": cfg.Profile,
		"port":    cfg.Server.Port,
	}).Info("Wall signal engine is running. Press Ctrl+C to stop.")

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	<-streamDone
	eng.Stop()
	<-published

	logger.Info("Wall signal engine stopped")
	return nil
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	snap, err := binance.NewRESTClient(cfg.RESTParams(), logger).FetchSnapshot(ctx)
	if err != nil {
		return err
	}

	lb := book.NewLevelBook(snapshotLevels)
	lb.ApplySnapshot(snap.Bids, snap.Asks)
	view := lb.View()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s lastUpdateId=%d mid=%.8f spread_bps=%.3f\n", cfg.Venue.Symbol, snap.LastUpdateID, view.Mid(), view.SpreadBps())
	fmt.Fprintf(out, "%-20s %-14s | %-20s %-14s\n", "BID", "QTY", "ASK", "QTY")
	for i := 0; i < max(len(view.Bids), len(view.Asks)); i++ {
		bid, bidQty, ask, askQty := "", "", "", ""
		if i < len(view.Bids) {
			bid, bidQty = view.Bids[i].Price.String(), fmt.Sprintf("%.4f", view.Bids[i].Qty)
		}
		if i < len(view.Asks) {
			ask, askQty = view.Asks[i].Price.String(), fmt.Sprintf("%.4f", view.Asks[i].Qty)
		}
		fmt.Fprintf(out, "%-20s %-14s | %-20s %-14s\n", bid, bidQty, ask, askQty)
	}
	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, _, err := setup()
	if err != nil {
		return err
	}
	if cfg.Server.JWTSecret != "" {
		cfg.Server.JWTSecret = "<redacted>"
	}
	if cfg.Redis.Password != "" {
		cfg.Redis.Password = "<redacted>"
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}
