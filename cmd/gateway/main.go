package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"admission-gateway/internal/config"
	"admission-gateway/internal/logging"
	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"
)

func main() {
	configPath := flag.String("config", os.Getenv("GATEWAY_CONFIG"), "optional YAML config file, watched for changes")
	flag.Parse()

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, loader, *configPath, logger); err != nil {
		logger.Fatal("gateway stopped", zap.Error(err))
	}
}

func run(cfg config.Config, loader *config.Loader, configPath string, logger *zap.Logger) error {
	if cfg.UpstreamURL == "" {
		return errors.New("UPSTREAM_URL is required")
	}
	target, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return err
	}

	rdb, err := newRedis(cfg.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// non-sensitive policies fail open, so start anyway
		logger.Warn("redis ping failed", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := infra.NewPrometheusStats(reg)

	redisStore := infra.NewRedisStore(rdb, infra.WithBanPrefix(cfg.RateLimit.KeyPrefix+":ban"))
	store := infra.InstrumentedStore{Counter: redisStore, Bans: redisStore, Metrics: metrics}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var mult domain.MultiplierSource = application.StaticMultiplier(1)
	if cfg.Load.Enabled {
		mon := newLoadMonitor(cfg.Load, rdb, metrics, logger.Named("load"))
		mon.Start(ctx)
		mult = mon
	}

	counter := application.NewWindowCounter(store, mult, logger.Named("window"))
	counter.Prefix = cfg.RateLimit.KeyPrefix
	counter.Timeout = cfg.RateLimit.StoreTimeout

	var outcomes ratelimit.OutcomeObserver
	if cfg.Load.ErrorRate {
		routes := application.NewErrorRateMonitor(
			application.CounterOutcomeStore{
				Store:  store,
				Window: cfg.Load.ErrorRateWindow,
				Prefix: cfg.RateLimit.KeyPrefix + ":outcomes",
			},
			application.WithErrorRateInterval(cfg.Load.Interval),
			application.WithErrorRateMinSamples(cfg.Load.ErrorRateMinSamples),
			application.WithErrorRateLogger(logger.Named("errorrate")),
		)
		routes.Start(ctx)
		counter.Routes = routes
		outcomes = routes
	}

	bans := application.NewBanTracker(store, store, logger.Named("bans"))
	bans.Prefix = cfg.RateLimit.KeyPrefix + ":viol"
	bans.Timeout = cfg.RateLimit.StoreTimeout
	bans.Threshold = cfg.Ban.Threshold
	bans.Window = cfg.Ban.Window
	bans.Duration = cfg.Ban.Duration

	stats := infra.FanoutStats{metrics}
	if cfg.Stats.Redis {
		stats = append(stats, infra.NewRedisStatsStore(rdb,
			infra.WithStatsPrefix(cfg.Stats.Prefix),
			infra.WithStatsTTL(cfg.Stats.TTL),
			infra.WithStatsBucket(cfg.Stats.Bucket),
			infra.WithStatsTrackClients(cfg.Stats.TrackClients),
		))
	}

	set, err := cfg.PolicySet()
	if err != nil {
		return err
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
		return err
	}

	if configPath != "" {
		err := loader.Watch(func(next config.Config, err error) {
			if err == nil {
				var set domain.PolicySet
				if set, err = next.PolicySet(); err == nil {
					err = gw.Reload(set)
				}
			}
			if err != nil {
				logger.Error("config reload failed, keeping previous policies", zap.Error(err))
				return
			}
			gw.SetEnabled(next.RateLimit.Enabled)
		})
		if err != nil {
			return err
		}
	}

	clientIP, err := ratelimit.NewClientIPResolver(cfg.RateLimit.TrustedProxies)
	if err != nil {
		return err
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("proxy error", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	h := http.Handler(proxy)
	if cfg.Concurrency.Max > 0 {
		pool := infra.NewChanPool(cfg.Concurrency.Max)
		metrics.RegisterInFlight(reg, pool)
		h = ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{
			Pool:           pool,
			AcquireTimeout: cfg.Concurrency.Timeout,
			Logger:         logger.Named("concurrency"),
		})(h)
	}
	h = ratelimit.Middleware(ratelimit.Options{
		Gateway:  gw,
		ClientIP: clientIP,
		Outcomes: outcomes,
		Logger:   logger.Named("http"),
	})(h)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("gateway listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("upstream", target.String()),
		zap.String("metrics", cfg.MetricsAddr),
		zap.Bool("rate_limit", cfg.RateLimit.Enabled),
		zap.Int("endpoints", len(set.Endpoints)),
		zap.Int("tiers", len(set.Tiers)),
		zap.String("load_source", cfg.Load.Source),
		zap.Bool("error_rate", cfg.Load.ErrorRate),
		zap.Int("concurrency_max", cfg.Concurrency.Max),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newRedis(cfg config.Redis) (*redis.Client, error) {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, err
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), nil
}

func newLoadMonitor(cfg config.LoadConfig, rdb *redis.Client, metrics *infra.PrometheusStats, logger *zap.Logger) *application.LoadMonitor {
	opts := []application.LoadMonitorOption{
		application.WithLoadInterval(cfg.Interval),
		application.WithLoadTimeout(cfg.Timeout),
		application.WithLoadSmoothing(cfg.Smoothing),
		application.WithLoadObserver(metrics.ObserveLoad),
		application.WithLoadLogger(logger),
	}
	shared := infra.NewRedisLoadSource(rdb, infra.WithLoadTTL(3*cfg.Interval), infra.WithLoadMaxAge(3*cfg.Interval))

	var sampler domain.LoadSampler
	switch cfg.Source {
	case "redis":
		sampler = shared
	case "loadavg":
		sampler = infra.LoadAvgSampler{}
	default:
		sampler = infra.CPUSampler{}
	}
	if cfg.Publish && cfg.Source != "redis" {
		opts = append(opts, application.WithLoadPublisher(shared))
	}
	return application.NewLoadMonitor(sampler, opts...)
}
