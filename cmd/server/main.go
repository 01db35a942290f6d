package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/oggyb/match-credits/internal/app"
	"github.com/oggyb/match-credits/internal/cache"
	"github.com/oggyb/match-credits/internal/config"
	"github.com/oggyb/match-credits/internal/db"
	"github.com/oggyb/match-credits/internal/logger"
	"github.com/oggyb/match-credits/internal/metrics"
	"github.com/oggyb/match-credits/internal/server"
	"github.com/oggyb/match-credits/internal/service/admin"
	"github.com/oggyb/match-credits/internal/service/credits"
	"github.com/oggyb/match-credits/internal/service/matches"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg := config.New()

	// Init logger (global singleton)
	logger.InitFromConfig(cfg)
	log := logger.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Init DB
	database, err := db.NewDB(cfg)
	if err != nil {
		return fmt.Errorf("init db: %w", err)
	}

	// Init Redis
	redisCache := cache.NewRedisCache(cfg)
	defer func() {
		if err := redisCache.Close(); err != nil {
			log.Warn("failed closing redis", "err", err)
		}
	}()
	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	appCtx := app.New(cfg, database, redisCache, log, metrics.New(cfg.Metrics.Namespace, reg))

	if cfg.App.ENV == "development" {
		if err := appCtx.SeedDemoData(ctx); err != nil {
			log.Error("failed to seed", "err", err)
		}
	}

	registrars := []server.Registrar{
		credits.NewRegistrar(appCtx),
		matches.NewRegistrar(appCtx),
		admin.NewRegistrar(appCtx),
	}

	go func() {
		log.Info("starting metrics server", "addr", cfg.Metrics.Addr)
		if err := server.StartMetricsServer(ctx, cfg.Metrics.Addr, reg); err != nil {
			log.Error("metrics server stopped", "err", err)
		}
	}()

	go runHourly(ctx, appCtx)

	addr := cfg.GRPC.Host + ":" + cfg.GRPC.Port
	log.Info("starting gRPC server", "addr", addr)

	if err := server.StartGRPCServer(ctx, cfg, log, registrars...); err != nil {
		return fmt.Errorf("grpc server: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

// runHourly fires the hourly maintenance job until ctx is done. The Redis
// lock keeps replicas from running it concurrently.
func runHourly(ctx context.Context, appCtx *app.AppContext) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := appCtx.Maintenance.RunHourly(ctx); err != nil {
				appCtx.Logger.Error("hourly maintenance failed", "err", err)
			}
		}
	}
}
