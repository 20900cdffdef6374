package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"admission-gateway/internal/config"
	"admission-gateway/internal/logging"
	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/infra"
)

// Embeds the middleware directly in a single-process server, without a
// proxy or Redis. Counters and bans live in memory.
func main() {
	cfg, err := config.Load(os.Getenv("GATEWAY_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := infra.NewMemoryStore()
	store.StartJanitor(ctx)

	mon := application.NewLoadMonitor(infra.CPUSampler{},
		application.WithLoadInterval(cfg.Load.Interval),
		application.WithLoadTimeout(cfg.Load.Timeout),
		application.WithLoadLogger(logger.Named("load")),
	)
	mon.Start(ctx)

	counter := application.NewWindowCounter(store, mon, logger.Named("window"))
	counter.Prefix = cfg.RateLimit.KeyPrefix
	routes := application.NewErrorRateMonitor(
		application.CounterOutcomeStore{Store: store, Window: cfg.Load.ErrorRateWindow},
		application.WithErrorRateMinSamples(cfg.Load.ErrorRateMinSamples),
		application.WithErrorRateLogger(logger.Named("errorrate")),
	)
	routes.Start(ctx)
	counter.Routes = routes
	bans := application.NewBanTracker(store, store, logger.Named("bans"))

	stats := infra.NewMemoryStatsStore()
	set, err := cfg.PolicySet()
	if err != nil {
		logger.Fatal("invalid policies", zap.Error(err))
	}
	gw, err := application.NewGateway(application.GatewayConfig{
		Policies: set,
		Counter:  counter,
		Bans:     bans,
		Stats:    stats,
		Disabled: !cfg.RateLimit.Enabled,
		Logger:   logger.Named("gateway"),
	})
	if err != nil {
		logger.Fatal("failed to create gateway", zap.Error(err))
	}

	clientIP, err := ratelimit.NewClientIPResolver(cfg.RateLimit.TrustedProxies)
	if err != nil {
		logger.Fatal("invalid trusted proxies", zap.Error(err))
	}

	r := chi.NewRouter()
	r.Use(ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{Max: cfg.Concurrency.Max, Logger: logger}))
	r.Use(ratelimit.Middleware(ratelimit.Options{Gateway: gw, ClientIP: clientIP, Outcomes: routes, Logger: logger}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"status": "ok", "multiplier": mon.Multiplier()})
	})
	r.Post("/auth/signin", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"token": "example"})
	})
	r.Get("/api/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"id": chi.URLParam(r, "id")})
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		counters, banned := store.Len()
		writeJSON(w, map[string]any{
			"total":     stats.Total(),
			"by_policy": stats.ByPolicy(),
			"by_reason": stats.ByReason(),
			"keys":      counters,
			"bans":      banned,
			"load":      mon.Current(),
		})
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()
	logger.Info("example server listening", zap.String("addr", cfg.ListenAddr))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
