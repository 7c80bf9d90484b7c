package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HanTheDev/perf-optimizer-gateway/internal/admin"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/ai"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/apierr"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/auth"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/cache"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/config"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/db"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/gateway"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/metrics"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/optimize"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/pagespeed"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/quota"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/ratelimit"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/settings"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/telemetry"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/vault"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func main() {
	log := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	configureLogger(log, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
	log.Info("server stopped")
}

func configureLogger(log *logrus.Logger, cfg *config.Config) {
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.WithField("level", cfg.LogLevel).Warn("unknown log level, using info")
	}
	if cfg.LogFormat == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	shutdownTracing, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		SampleRatio: cfg.TraceSampleRatio,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.WithError(err).Warn("tracer shutdown failed")
		}
	}()

	database, err := db.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		return err
	}

	credentials, err := vault.New(cfg.MasterSecret)
	if err != nil {
		return err
	}

	store := settings.New(database, credentials, log.WithField("component", "settings"))
	if err := store.Load(ctx); err != nil {
		return err
	}

	redisClient, err := cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	results := cache.NewResultCache(redisClient, cfg.ResultCacheTTL)

	limiter := ratelimit.NewRateLimiter(database, cfg.RateLimitBucket)
	enforcer := quota.NewEnforcer(database)
	gate := auth.NewGate(database, limiter, enforcer, log.WithField("component", "gate"),
		auth.WithFailureThrottle(cfg.AuthFailureRate, cfg.AuthFailureBurst))

	analyzer := ai.NewClient(
		func() string { return store.Get(settings.KeyGeminiAPIKey, cfg.GeminiAPIKey) },
		func() string { return store.Get(settings.KeyAIModel, cfg.AIModel) },
		cfg.AITimeout,
	)
	defer analyzer.Close()

	tester, err := pagespeed.NewClient(ctx,
		func() string { return store.Get(settings.KeyPageSpeedAPIKey, cfg.PageSpeedAPIKey) },
		cfg.PageSpeedTimeout,
		telemetry.InstrumentClient(&http.Client{}),
		cfg.PageSpeedBaseURL,
	)
	if err != nil {
		return err
	}

	collectors := metrics.New()
	orchestrator := optimize.New(optimize.Deps{
		Sessions: database,
		Quota:    enforcer,
		Tester:   tester,
		Analyzer: analyzer,
		Usage:    database,
		Settings: store,
		Observer: collectors,
	}, cfg.MaxIterations, log.WithField("component", "optimize"))

	router := mux.NewRouter()
	router.HandleFunc("/health", healthHandler(database, redisClient)).Methods(http.MethodGet)
	router.Handle("/metrics", collectors.Handler()).Methods(http.MethodGet)

	admin.NewAdminHandler(database, store, cfg.AdminSecret, cfg.JWTSecret, log.WithField("component", "admin")).
		RegisterRoutes(router)

	gateway.NewHandler(gateway.Deps{
		Gate:     gate,
		Sessions: orchestrator,
		Results:  results,
		Quota:    enforcer,
		Usage:    database,
		Flags:    store,
		Metrics:  collectors,

		TrustedProxies: cfg.TrustedProxies,
	}, gateway.Limits{
		Window:   cfg.RateLimitWindow,
		Optimize: cfg.RateLimitOptimize,
		Test:     cfg.RateLimitTest,
		Analyze:  cfg.RateLimitAnalyze,
	}, log.WithField("component", "gateway")).RegisterRoutes(router)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           telemetry.HTTPMiddleware(cfg.ServiceName)(router),
		ReadHeaderTimeout: 10 * time.Second,
		// Optimize calls wait on two upstream round trips.
		WriteTimeout: cfg.PageSpeedTimeout + cfg.AITimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{"port": cfg.ServerPort, "version": version}).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		runJanitor(gctx, database, cfg, log.WithField("component", "janitor"))
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// runJanitor drops expired rate windows and usage rows past retention.
func runJanitor(ctx context.Context, database *db.DB, cfg *config.Config, log logrus.FieldLogger) {
	ticker := time.NewTicker(cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now().UTC()
		windows, err := database.PurgeStaleWindows(ctx, now.Add(-cfg.RateLimitWindow))
		if err != nil {
			log.WithError(err).Warn("rate window purge failed")
		}
		usage, err := database.PurgeUsageBefore(ctx, now.AddDate(0, 0, -cfg.UsageRetentionDays))
		if err != nil {
			log.WithError(err).Warn("usage purge failed")
		}
		if windows > 0 || usage > 0 {
			log.WithFields(logrus.Fields{"windows": windows, "usage_rows": usage}).Info("purged stale rows")
		}
	}
}

func healthHandler(database *db.DB, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, code := "healthy", http.StatusOK
		checks := map[string]string{"database": "ok", "redis": "ok"}
		if err := database.Pool.Ping(ctx); err != nil {
			checks["database"] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
		}

		apierr.WriteJSON(w, code, map[string]any{
			"status":  status,
			"version": version,
			"checks":  checks,
		})
	}
}
