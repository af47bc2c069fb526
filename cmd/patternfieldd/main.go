// Command patternfieldd runs the pattern memory daemon: it assembles the
// coordinate index, the persistence tiers, and the storage coordinator, then
// waits for shutdown. Transport wiring (tool protocol, HTTP) lives outside
// this repository and consumes the coordinator directly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fieldlabs/patternfield/internal/config"
	"github.com/fieldlabs/patternfield/internal/coordinator"
	"github.com/fieldlabs/patternfield/internal/field"
	"github.com/fieldlabs/patternfield/internal/logging"
	"github.com/fieldlabs/patternfield/internal/tier"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "patternfieldd",
		Short:        "Coordinate-indexed pattern memory daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	return cmd
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // stdout sync errors are harmless

	index, err := field.NewStore(field.Config{
		Dimensions:           cfg.Field.Dimensions,
		MaxMemories:          cfg.Field.MaxMemories,
		MaxSuperpositionSize: cfg.Field.MaxSuperpositionSize,
	}, logger.Named("field"))
	if err != nil {
		return err
	}

	tiers := coordinator.Tiers{}
	if cfg.Graph.URI != "" {
		tiers.Graph = tier.NewGraphTier(tier.GraphConfig{
			URI:      cfg.Graph.URI,
			Username: cfg.Graph.Username,
			Password: cfg.Graph.Password,
			Database: cfg.Graph.Database,
			Timeout:  cfg.Graph.Timeout,
		}, logger)
	}
	if cfg.Cache.Addr != "" {
		tiers.Cache = tier.NewCacheTier(tier.CacheConfig{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
			TTL:      cfg.Cache.TTL,
			Timeout:  cfg.Cache.Timeout,
		}, logger)
	}
	if cfg.Analytics.Path != "" {
		tiers.Analytics = tier.NewAnalyticsTier(tier.AnalyticsConfig{
			Path:    cfg.Analytics.Path,
			Timeout: cfg.Analytics.Timeout,
		}, logger)
	}

	coord, err := coordinator.New(index, tiers, coordinator.Options{
		ProbeInterval:  cfg.Coordinator.ProbeInterval,
		ConnectTimeout: cfg.Coordinator.ConnectTimeout,
		MirrorTimeout:  cfg.Coordinator.MirrorTimeout,
		CacheEnabled:   cfg.Cache.Enabled,
	}, logger.Named("coordinator"))
	if err != nil {
		return err
	}

	report := coord.Connect(ctx)
	logger.Info("patternfield started",
		zap.String("overall", string(report.Overall)),
		zap.Int("dimensions", cfg.Field.Dimensions),
		zap.Any("tiers", report.Tiers))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return coord.Disconnect(shutdownCtx)
}
