package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// .env é opcional
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := readConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("gateway stopped", zap.Error(err))
	}
}

func run(cfg config, logger *zap.Logger) error {
	target, err := url.Parse(cfg.upstreamURL)
	if err != nil {
		return fmt.Errorf("invalid UPSTREAM_URL: %w", err)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("proxy error", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := newCounterStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	stats, closeStats, err := newStats(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer closeStats()

	ctl, err := application.NewController(store, cfg.policies,
		application.WithLogger(logger.Named("ratelimit")),
		application.WithStoreFailurePolicy(cfg.failMode),
	)
	if err != nil {
		return fmt.Errorf("rate limit policies: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	if cfg.metricsEnabled {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}

	r.Group(func(r chi.Router) {
		if cfg.rateEnabled {
			r.Use(ratelimit.Middleware(ratelimit.Options{
				Decider:            ctl,
				Stats:              stats,
				KeyHeader:          cfg.rateKeyHeader,
				TrustXForwardedFor: cfg.trustXFF,
				RejectStatus:       http.StatusTooManyRequests,
				Logger:             logger.Named("http"),
			}))
		}
		r.Use(ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{
			Max:            cfg.concurrencyMax,
			RejectStatus:   http.StatusServiceUnavailable,
			AcquireTimeout: cfg.concurrencyTimeout,
			Logger:         logger.Named("concurrency"),
		}))
		r.Handle("/*", proxy)
	})

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("gateway listening",
		zap.String("addr", cfg.listenAddr),
		zap.Stringer("upstream", target),
		zap.Bool("rate_enabled", cfg.rateEnabled),
		zap.String("store", cfg.rateStore),
		zap.String("key_header", cfg.rateKeyHeader),
		zap.Bool("trust_xff", cfg.trustXFF),
		zap.Bool("fail_open", cfg.failMode == application.FailOpen),
		zap.Int("concurrency_max", cfg.concurrencyMax),
		zap.Duration("concurrency_timeout", cfg.concurrencyTimeout))
	for _, class := range domain.RouteClasses {
		p := cfg.policies[class]
		logger.Info("policy",
			zap.String("class", string(class)),
			zap.Int("limit", p.Limit),
			zap.Duration("window", p.Window),
			zap.Duration("block", p.BlockDuration),
			zap.Float64("weight", p.Weight),
			zap.Int("delay_after", p.DelayAfter),
			zap.Duration("delay_step", p.DelayStep))
	}

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func newCounterStore(ctx context.Context, cfg config) (domain.CounterStore, func(), error) {
	if cfg.rateStore == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.redisAddr,
			Password: cfg.redisPassword,
			DB:       cfg.redisDB,
		})
		if err := pingRedis(ctx, rdb); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis counter store ping: %w", err)
		}
		return infra.NewRedisStore(rdb, infra.WithRedisPrefix(cfg.redisPrefix)), func() { _ = rdb.Close() }, nil
	}

	opts := []infra.MemoryStoreOption{}
	if d := cfg.policies.MaxBlockDuration(); d > time.Hour {
		opts = append(opts, infra.WithBlockTTL(d))
	}
	store := infra.NewMemoryStore(opts...)
	store.StartJanitor(ctx)
	return store, func() {}, nil
}

func newStats(ctx context.Context, cfg config, reg prometheus.Registerer) (domain.StatsStore, func(), error) {
	var (
		all     infra.MultiStats
		closers []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.rateStatsEnabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.rateStatsRedisAddr,
			Password: cfg.rateStatsRedisPassword,
			DB:       cfg.rateStatsRedisDB,
		})
		closers = append(closers, func() { _ = rdb.Close() })
		if err := pingRedis(ctx, rdb); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("redis stats ping: %w", err)
		}
		all = append(all, infra.NewRedisStatsStore(
			rdb,
			infra.WithStatsPrefix(cfg.rateStatsPrefix),
			infra.WithStatsTTL(cfg.rateStatsTTL),
			infra.WithStatsBucket(cfg.rateStatsBucket),
			infra.WithStatsTrackKeys(cfg.rateStatsTrackKeys),
		))
	}

	if cfg.metricsEnabled {
		prom, err := infra.NewPrometheusStatsStore(reg, "gateway")
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("prometheus stats: %w", err)
		}
		all = append(all, prom)
	}

	switch len(all) {
	case 0:
		return nil, closeAll, nil
	case 1:
		return all[0], closeAll, nil
	}
	return all, closeAll, nil
}

func pingRedis(ctx context.Context, rdb *redis.Client) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rdb.Ping(pingCtx).Err()
}
