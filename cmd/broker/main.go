// Package main is the entry point for the ansa-broker binary: the central
// registry, discovery index, liveness tracker, and store-and-forward
// router of the A2A fabric. It optionally hosts the sales data tool
// endpoints when a database DSN is configured.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ansa-io/ansa/internal/api"
	"github.com/ansa-io/ansa/internal/events"
	"github.com/ansa-io/ansa/internal/metrics"
	"github.com/ansa-io/ansa/internal/registry"
	"github.com/ansa-io/ansa/internal/salesdata"
	"github.com/ansa-io/ansa/internal/sweeper"
	"github.com/ansa-io/ansa/internal/token"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr          string
	publicKeysDir     string
	brokerID          string
	heartbeatInterval int
	dbDriver          string
	dbDSN             string
	logLevel          string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "ansa-broker",
		Short: "Ansa broker — registry, discovery and routing for A2A agents",
		Long: `Ansa broker is the central component of the Ansa message fabric.
Agents register here, discover each other by capability, and exchange
signed envelopes routed to the recipient's callback endpoint. Liveness
is tracked through periodic heartbeats.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("ANSA_HTTP_ADDR", ":8000"), "HTTP listen address")
	root.PersistentFlags().StringVar(&cfg.publicKeysDir, "public-keys-dir", envOrDefault("PUBLIC_KEYS_DIR", ""), "Directory of issuer public keys (required)")
	root.PersistentFlags().StringVar(&cfg.brokerID, "broker-id", envOrDefault("BROKER_ID", "mcp-server"), "Audience enforced on inbound tokens")
	root.PersistentFlags().IntVar(&cfg.heartbeatInterval, "heartbeat-interval", envIntOrDefault("HEARTBEAT_INTERVAL", 30), "Seconds between agent heartbeats; online window is twice this")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("ANSA_DB_DRIVER", "sqlite"), "Sales database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("ANSA_DB_DSN", ""), "Sales database DSN (empty = tool endpoints disabled)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("ANSA_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ansa-broker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.publicKeysDir == "" {
		return fmt.Errorf("public keys directory is required — set --public-keys-dir or PUBLIC_KEYS_DIR")
	}

	heartbeatInterval := time.Duration(cfg.heartbeatInterval) * time.Second

	logger.Info("starting ansa broker",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("broker_id", cfg.brokerID),
		zap.Duration("heartbeat_interval", heartbeatInterval),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Core components ---
	verifier := token.NewVerifier(cfg.publicKeysDir, cfg.brokerID)
	reg := registry.New(heartbeatInterval, logger)
	brokerMetrics := metrics.NewBroker(prometheus.DefaultRegisterer)

	// --- Event feed ---
	hub := events.NewHub()
	go hub.Run(ctx)

	// --- Liveness sweeper ---
	sweep, err := sweeper.New(reg, hub, brokerMetrics, heartbeatInterval, logger)
	if err != nil {
		return fmt.Errorf("failed to create sweeper: %w", err)
	}
	if err := sweep.Start(); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}
	defer func() {
		if err := sweep.Stop(); err != nil {
			logger.Warn("sweeper shutdown error", zap.Error(err))
		}
	}()

	// --- Sales data tool (optional) ---
	routerCfg := api.RouterConfig{
		Registry:      reg,
		Verifier:      verifier,
		ForwardClient: &http.Client{Timeout: 15 * time.Second},
		Hub:           hub,
		Metrics:       brokerMetrics,
		Logger:        logger,
	}

	if cfg.dbDSN != "" {
		db, err := salesdata.Open(salesdata.Config{
			Driver: cfg.dbDriver,
			DSN:    cfg.dbDSN,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("failed to open sales database: %w", err)
		}

		store := salesdata.NewStore(db)
		if err := store.Seed(ctx); err != nil {
			return fmt.Errorf("failed to seed sales database: %w", err)
		}

		routerCfg.Tools = salesdata.NewHandler(store, logger).Mount
		logger.Info("sales data tool enabled",
			zap.String("driver", cfg.dbDriver),
			zap.String("dsn", cfg.dbDSN),
		)
	} else {
		logger.Info("sales data tool disabled — no database DSN configured")
	}

	// --- HTTP server ---
	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      api.NewRouter(routerCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down ansa broker")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("ansa broker stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultVal
}
