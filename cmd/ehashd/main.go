// Package main implements ehashd, the eHash mint and wallet coordination service.
// It consumes accepted shares, issues eHash mint quotes, tracks per-miner
// balances and manages the keyset payout lifecycle.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bardlex/ehash/internal/config"
	"github.com/bardlex/ehash/pkg/log"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "ehashd",
		Short:        "eHash mint and wallet coordinator",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the coordinators",
		RunE:  runDaemon,
	}

	flags := runCmd.Flags()
	flags.String("metrics-addr", ":9100", "metrics and status listen address (empty disables)")
	flags.Uint32("min-leading-zeros", 32, "minimum leading zero bits for a non-zero quote")
	flags.String("mint-unit", "HASH", "unit of issued eHash tokens")
	flags.Bool("audit-zero-amount", false, "record zero-amount quotes for shares below the threshold")
	flags.Duration("dedup-window", 24*time.Hour, "how long processed shares are remembered in memory")
	flags.Int("queue-size", 1024, "coordinator inbox capacity")
	flags.Int("max-retries", 5, "consecutive failures before a coordinator self-disables")
	flags.Duration("backoff-base", time.Second, "base retry backoff")
	flags.Int("backoff-cap", 6, "maximum backoff exponent")
	flags.Duration("payout-window", 72*time.Hour, "how long a keyset stays redeemable after its rate is fixed")
	flags.String("bitcoin-network", "mainnet", "bitcoin network (mainnet, testnet, regtest, signet)")
	flags.String("bitcoin-rpc-host", "localhost", "Bitcoin Core RPC host")
	flags.Int("bitcoin-rpc-port", 8332, "Bitcoin Core RPC port")
	flags.String("bitcoin-zmq-addr", "tcp://localhost:28332", "Bitcoin Core ZMQ endpoint")
	flags.StringSlice("kafka-brokers", nil, "Kafka brokers (comma-separated)")
	flags.String("postgres-url", "", "PostgreSQL URL (empty keeps records in memory)")
	flags.String("redis-url", "", "Redis URL for the fingerprint guard and balance cache")
	flags.String("influx-url", "", "InfluxDB URL for time series")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json, text)")

	root.AddCommand(runCmd)
	return root
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting ehashd",
		"version", cfg.Version,
		"environment", cfg.Environment,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := NewService(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize service")
		return err
	}
	svc.Start(ctx)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("ehashd stopped")
	return nil
}
