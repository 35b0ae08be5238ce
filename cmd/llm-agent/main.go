// Package main is the entry point for the ansa-llm-agent binary: the
// client-facing agent. It accepts natural-language questions on /query,
// translates them to SQL, resolves a sales agent through broker discovery,
// and drives the reliable A2A exchange that produces the answer.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger and load the signing key (missing key is fatal)
//  3. Build broker client, tool client, task pool and runtime
//  4. Start the HTTP server (inbox + query gateway)
//  5. Run the registration loop, then heartbeat until SIGINT/SIGTERM
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

	"github.com/ansa-io/ansa/internal/a2a"
	"github.com/ansa-io/ansa/internal/hostinfo"
	"github.com/ansa-io/ansa/internal/metrics"
	"github.com/ansa-io/ansa/internal/nlp"
	"github.com/ansa-io/ansa/internal/runtime"
	"github.com/ansa-io/ansa/internal/token"
	"github.com/ansa-io/ansa/internal/toolclient"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// logicalName is the agent's role name and token issuer. The verifier on
// every peer resolves this agent's public key by this name.
const logicalName = "llm_agent"

type config struct {
	brokerURL         string
	callbackURL       string
	listenAddr        string
	fixedAgentID      string
	heartbeatInterval int
	privateKeyPath    string
	publicKeysDir     string
	brokerID          string
	toolURL           string
	service           string
	poolWorkers       int
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
		Use:   "ansa-llm-agent",
		Short: "Ansa LLM agent — client-facing natural-language query agent",
		Long: `Ansa LLM agent answers natural-language questions about the sales
dataset. It translates questions to SQL, discovers a sales agent via the
broker, and exchanges signed envelopes with it over the A2A fabric.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.brokerURL, "broker-url", envOrDefault("MCP_URL", "http://mcp-server:8000"), "Broker base URL")
	root.PersistentFlags().StringVar(&cfg.callbackURL, "callback-url", envOrDefault("CALLBACK_URL", "http://llm-agent:8003/inbox"), "This agent's inbox URL advertised at registration")
	root.PersistentFlags().StringVar(&cfg.listenAddr, "listen-addr", envOrDefault("ANSA_HTTP_ADDR", ":8003"), "HTTP listen address")
	root.PersistentFlags().StringVar(&cfg.fixedAgentID, "agent-id", envOrDefault("LLM_AGENT_ID", ""), "Fixed agent id (empty = broker assigns one)")
	root.PersistentFlags().IntVar(&cfg.heartbeatInterval, "heartbeat-interval", envIntOrDefault("HEARTBEAT_INTERVAL", 30), "Seconds between heartbeats")
	root.PersistentFlags().StringVar(&cfg.privateKeyPath, "private-key", envOrDefault("PRIVATE_KEY_PATH", ""), "PEM private key used for signing (required)")
	root.PersistentFlags().StringVar(&cfg.publicKeysDir, "public-keys-dir", envOrDefault("PUBLIC_KEYS_DIR", ""), "Directory of issuer public keys (required)")
	root.PersistentFlags().StringVar(&cfg.brokerID, "broker-id", envOrDefault("BROKER_ID", "mcp-server"), "Audience claim stamped on signed tokens")
	root.PersistentFlags().StringVar(&cfg.toolURL, "tool-url", envOrDefault("TOOL_URL", ""), "Base URL of the analytical tool endpoints (default: broker URL)")
	root.PersistentFlags().StringVar(&cfg.service, "service", envOrDefault("ANSA_SERVICE", "consulta_ventas"), "Service name resolved through broker discovery")
	root.PersistentFlags().IntVar(&cfg.poolWorkers, "pool-workers", envIntOrDefault("ANSA_POOL_WORKERS", 4), "Workers in the CPU-bound task pool")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("ANSA_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ansa-llm-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.privateKeyPath == "" {
		return fmt.Errorf("private key is required — set --private-key or PRIVATE_KEY_PATH")
	}
	if cfg.publicKeysDir == "" {
		return fmt.Errorf("public keys directory is required — set --public-keys-dir or PUBLIC_KEYS_DIR")
	}
	if cfg.toolURL == "" {
		cfg.toolURL = cfg.brokerURL
	}

	logger.Info("starting ansa llm agent",
		zap.String("version", version),
		zap.String("broker_url", cfg.brokerURL),
		zap.String("callback_url", cfg.callbackURL),
		zap.String("listen_addr", cfg.listenAddr),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Signing ---
	signer, err := token.NewSignerFromFile(cfg.privateKeyPath, logicalName, cfg.brokerID)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}
	verifier := token.NewVerifier(cfg.publicKeysDir, cfg.brokerID)

	// --- Clients ---
	httpClient := &http.Client{Timeout: 30 * time.Second}
	broker := runtime.NewBrokerClient(cfg.brokerURL, httpClient, signer, logger)
	tools := toolclient.New(cfg.toolURL, httpClient, logger)

	// --- Task pool ---
	pool := runtime.NewPool(cfg.poolWorkers, 64, logger)
	go pool.Run(ctx)

	// --- Runtime ---
	caps := hostinfo.Collect(ctx).Capabilities()
	caps[a2a.CapRole] = "sql_to_text"

	rt := runtime.New(
		runtime.Config{
			LogicalName:       logicalName,
			CallbackURL:       cfg.callbackURL,
			FixedAgentID:      cfg.fixedAgentID,
			Capabilities:      caps,
			HeartbeatInterval: time.Duration(cfg.heartbeatInterval) * time.Second,
		},
		broker,
		verifier,
		tools,
		pool,
		metrics.NewRuntime(prometheus.DefaultRegisterer),
		logger,
	)

	gateway := runtime.NewGateway(
		rt,
		nlp.NewRuleTranslator(tools),
		nlp.NewTemplateFormatter(),
		cfg.service,
		logger,
	)

	// --- HTTP server ---
	httpSrv := &http.Server{
		Addr:         cfg.listenAddr,
		Handler:      runtime.NewRouter(rt, gateway, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.listenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	// Run blocks through registration and the heartbeat loop until ctx is
	// cancelled. Registration failure after all attempts is fatal.
	runErr := rt.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	logger.Info("ansa llm agent stopped")
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
