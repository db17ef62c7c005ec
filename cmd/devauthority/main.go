// Command devauthority runs the in-memory platform authority for local
// development. Agents point ALANCOIN_API_URL at it and exercise the
// full protocol surface without real funds.
//
// Environment:
//
//	PORT                    listen port (default 8080)
//	DEV_API_KEY             bearer token to accept (default "dev")
//	DEV_AGENT_ADDRESS       agent address bound to DEV_API_KEY
//	DEV_AGENT_BALANCE       starting balance for that agent (default "100.00")
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbd888/alancoin-agent/internal/config"
	"github.com/mbd888/alancoin-agent/internal/devauthority"
	"github.com/mbd888/alancoin-agent/internal/health"
	"github.com/mbd888/alancoin-agent/internal/logging"
	"github.com/mbd888/alancoin-agent/internal/metrics"
	"github.com/mbd888/alancoin-agent/internal/ratelimit"
	"github.com/mbd888/alancoin-agent/internal/traces"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	apiKey := envOr("DEV_API_KEY", "dev")
	agentAddr := envOr("DEV_AGENT_ADDRESS", "0x0000000000000000000000000000000000000001")
	balance := envOr("DEV_AGENT_BALANCE", "100.00")

	authority := devauthority.New(devauthority.Config{
		APIKeys: map[string]string{apiKey: agentAddr},
		Logger:  logger,
	})
	authority.Credit(agentAddr, balance)
	logger.Info("dev agent funded", "address", agentAddr, "balance", balance)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go authority.Run(ctx)

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTraces(shutdownCtx)
	}()

	checks := health.NewRegistry()
	checks.Register("feed", func(ctx context.Context) health.Status {
		return health.Status{Name: "feed", Healthy: true}
	})

	limiter := ratelimit.New(ratelimit.DefaultConfig())
	defer limiter.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", checks.Handler())
	mux.Handle("/", authority.Router(limiter.Middleware()))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("devauthority listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("devauthority stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
