// Command maintenance runs one sweeper job and exits, for cron or a
// Kubernetes CronJob.
//
//	maintenance -job=daily
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/oggyb/match-credits/internal/app"
	"github.com/oggyb/match-credits/internal/cache"
	"github.com/oggyb/match-credits/internal/config"
	"github.com/oggyb/match-credits/internal/db"
	"github.com/oggyb/match-credits/internal/logger"
	"github.com/oggyb/match-credits/internal/maintenance"
)

func main() {
	job := flag.String("job", maintenance.JobHourly, "job to run: hourly or daily")
	flag.Parse()

	if err := run(*job); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(job string) error {
	_ = godotenv.Load()

	cfg := config.New()
	logger.InitFromConfig(cfg)
	log := logger.With("job", job)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.NewDB(cfg)
	if err != nil {
		return fmt.Errorf("init db: %w", err)
	}

	redisCache := cache.NewRedisCache(cfg)
	defer redisCache.Close()
	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	appCtx := app.New(cfg, database, redisCache, log, nil)

	var sum maintenance.RunSummary
	switch job {
	case maintenance.JobHourly:
		sum, err = appCtx.Maintenance.RunHourly(ctx)
	case maintenance.JobDaily:
		sum, err = appCtx.Maintenance.RunDaily(ctx)
	default:
		return fmt.Errorf("unknown job %q", job)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		return err
	}
	if sum.OverallStatus == maintenance.StatusFailed {
		return fmt.Errorf("%s job failed", job)
	}
	return nil
}
