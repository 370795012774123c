// Command peer runs one ZenScraper peer: it claims batches of source
// records from the shared work table, fetches each record's website through
// the connection pool or the persistent browser pool, extracts contacts, and
// merges the results back, cooperating with any number of sibling peers
// through transaction-scoped advisory locks.
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
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/zenscraper/internal/adapter/extractor"
	"github.com/fairyhunter13/zenscraper/internal/adapter/httpserver"
	"github.com/fairyhunter13/zenscraper/internal/adapter/observability"
	"github.com/fairyhunter13/zenscraper/internal/adapter/originresolver"
	"github.com/fairyhunter13/zenscraper/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/zenscraper/internal/browserpool"
	"github.com/fairyhunter13/zenscraper/internal/config"
	"github.com/fairyhunter13/zenscraper/internal/connpool"
	"github.com/fairyhunter13/zenscraper/internal/originctl"
	"github.com/fairyhunter13/zenscraper/internal/pipeline"
	"github.com/fairyhunter13/zenscraper/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		slog.Error("peer exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Infra: DB pool
	pool, err := postgres.NewPool(ctx, cfg.DBURL, 4, cfg.StatementTimeout)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()

	// Infra: Redis, backing the browser pool's cross-process queues.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	// Origin controller.
	ctrl := originctl.New(originctl.Config{
		Strategy:        originctl.Strategy(cfg.OptimizerStrategy),
		LearningRate:    cfg.OptimizerLearningRate,
		MinSamples:      cfg.OptimizerMinSamples,
		BaseTimeout:     cfg.OriginBaseTimeout,
		BaseConcurrency: cfg.OriginBaseConcurrency,
		DelayMin:        cfg.OriginDelayMin,
		DelayMax:        cfg.OriginDelayMax,
		DefaultRate:     cfg.RateLimitDefaultRate,
		DefaultBurst:    float64(cfg.RateLimitDefaultBurst),
	}, nil)
	if cfg.OptimizerSnapshotPath != "" {
		if err := ctrl.Load(cfg.OptimizerSnapshotPath); err != nil {
			slog.Warn("optimizer snapshot load failed, starting cold", slog.Any("error", err))
		}
	}

	// Connection pool plus the direct-HTTP fetcher on top.
	cpool := connpool.New(connpool.Config{
		MaxPerHost:        cfg.MaxConnectionsPerHost,
		MaxTotal:          cfg.MaxTotalConnections,
		ConnectionTimeout: cfg.ConnectionTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxAge:            cfg.MaxConnectionAge,
		DNSCacheTTL:       cfg.DNSCacheTTL,
	}, ctrl)
	defer cpool.Stop()
	direct := connpool.NewFetcher(cpool, cfg.BrowserUserAgent)

	// Browser pool.
	bpool, err := browserpool.New(rdb, cfg.BrowserWorkers, func() (browserpool.Driver, error) {
		return browserpool.NewRodDriver(browserpool.DriverConfig{
			Headless:    true,
			UserAgent:   cfg.BrowserUserAgent,
			BlockImages: cfg.BrowserBlockImages,
			BlockFonts:  cfg.BrowserBlockFonts,
			BlockMedia:  cfg.BrowserBlockMedia,
			SettleDelay: cfg.BrowserSettleDelay,
		})
	})
	if err != nil {
		return fmt.Errorf("browser pool: %w", err)
	}

	// Work-stealing scheduler.
	sched := scheduler.New(scheduler.Config{
		Workers:       cfg.SchedulerWorkers,
		AgingInterval: cfg.AgingInterval,
		AgingMaxBoost: cfg.AgingMaxBoost,
	})
	sched.Start()

	// The claim-merge pipeline itself.
	claims := postgres.NewClaimRepo(pool)
	pipe := pipeline.New(pipeline.Config{
		PeerID:              cfg.PeerID,
		CountryFilter:       cfg.CountryFilter,
		BatchSize:           cfg.BatchSize,
		PreferDirectHTTP:    cfg.PreferDirectHTTP,
		DispatchGrace:       cfg.BrowserDispatchGrace,
		UpsertRetryMax:      uint64(cfg.UpsertRetryMax),
		UpsertRetryBaseWait: cfg.UpsertRetryBaseWait,
	}, claims, ctrl, direct, bpool, sched, extractor.New(), originresolver.New(), logger)

	// Operational HTTP surface.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           otelhttp.NewHandler(httpserver.NewServer(cfg, pool, rdb, ctrl).BuildRouter(), "admin"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("admin server listening", slog.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin server failed", slog.Any("error", err))
		}
	}()

	// Periodic optimizer snapshots; losing one only costs learned state.
	if cfg.OptimizerSnapshotPath != "" {
		go func() {
			t := time.NewTicker(time.Minute)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					if err := ctrl.Save(cfg.OptimizerSnapshotPath); err != nil {
						slog.Warn("optimizer snapshot save failed", slog.Any("error", err))
					}
				}
			}
		}()
	}

	runErr := pipe.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("pipeline stopped", slog.Any("error", runErr))
	}

	// Orderly shutdown: browser pool, connection pool cleanup, scheduler,
	// admin server, then database connections via defers.
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()

	bpool.Shutdown(shutdownCtx)
	cpool.Stop()
	sched.Stop()
	_ = srv.Shutdown(shutdownCtx)

	if cfg.OptimizerSnapshotPath != "" {
		if err := ctrl.Save(cfg.OptimizerSnapshotPath); err != nil {
			slog.Warn("final optimizer snapshot save failed", slog.Any("error", err))
		}
	}
	return nil
}
