// Command server starts the Vertex balancer HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/fairyhunter13/vertex-balancer/internal/adapter/httpserver"
	"github.com/fairyhunter13/vertex-balancer/internal/adapter/logexport"
	"github.com/fairyhunter13/vertex-balancer/internal/adapter/observability"
	"github.com/fairyhunter13/vertex-balancer/internal/adapter/repo"
	"github.com/fairyhunter13/vertex-balancer/internal/app"
	"github.com/fairyhunter13/vertex-balancer/internal/config"
	"github.com/fairyhunter13/vertex-balancer/internal/dispatch"
	"github.com/fairyhunter13/vertex-balancer/internal/domain"
	"github.com/fairyhunter13/vertex-balancer/internal/service/ratelimiter"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	store, err := repo.Provide(ctx, cfg)
	if err != nil {
		slog.Error("store init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	manager := dispatch.NewManager(store)

	if cfg.TargetsFile != "" {
		if err := bootstrapTargets(ctx, manager, cfg.TargetsFile); err != nil {
			slog.Error("targets bootstrap failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	// The database sink is authoritative; Kafka export is best effort.
	var sink domain.RequestLogSink = store
	if len(cfg.KafkaBrokers) > 0 {
		pub, err := logexport.NewPublisher(cfg.KafkaBrokers, cfg.KafkaLogTopic)
		if err != nil {
			slog.Error("kafka publisher connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pub.Close()
		sink = logexport.Tee{store, pub}
	}

	engine := dispatch.NewEngine(manager, store, sink,
		dispatch.NewVertexFactory(cfg.UpstreamTimeout), observability.DispatchMetrics{})

	var limiter ratelimiter.Limiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", slog.Any("error", err))
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		limiter = ratelimiter.NewRedisLuaLimiter(rdb,
			ratelimiter.NewBucketConfigFromPerMinute(cfg.RateLimitPerMin))
		slog.Info("redis rate limiter enabled", slog.Int("per_min", cfg.RateLimitPerMin))
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go pruneLogsPeriodically(janitorCtx, store)

	srv := httpserver.NewServer(engine, store, store)
	handler := app.BuildRouter(cfg, srv, limiter)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		// WriteTimeout stays zero: SSE responses are open-ended.
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// bootstrapTargets upserts every entry of the targets file through the
// manager so restarts reactivate known bindings instead of duplicating them.
func bootstrapTargets(ctx context.Context, manager *dispatch.Manager, path string) error {
	specs, err := config.LoadTargetsFile(path)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if _, err := manager.AddOrReactivate(ctx, spec); err != nil {
			return fmt.Errorf("target %s/%s: %w", spec.ProjectID, spec.Location, err)
		}
	}
	slog.Info("targets bootstrapped", slog.Int("count", len(specs)), slog.String("file", path))
	return nil
}

// pruneLogsPeriodically enforces the configured log retention once an hour,
// reading the retention window fresh each pass.
func pruneLogsPeriodically(ctx context.Context, store repo.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st, err := store.Snapshot(ctx)
		if err != nil {
			slog.Warn("retention snapshot failed", slog.Any("error", err))
			continue
		}
		cutoff := time.Now().AddDate(0, 0, -st.LogRetentionDays)
		n, err := store.PruneLogsBefore(ctx, cutoff)
		if err != nil {
			slog.Warn("request log prune failed", slog.Any("error", err))
			continue
		}
		if n > 0 {
			slog.Info("request logs pruned", slog.Int64("deleted", n),
				slog.Int("retention_days", st.LogRetentionDays))
		}
	}
}
