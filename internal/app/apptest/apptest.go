// Package apptest wires a complete AppContext over an in-memory SQLite
// database and a miniredis instance for service tests.
package apptest

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/oggyb/match-credits/internal/app"
	"github.com/oggyb/match-credits/internal/cache"
	"github.com/oggyb/match-credits/internal/config"
	"github.com/oggyb/match-credits/internal/db"
	applog "github.com/oggyb/match-credits/internal/logger"
	"github.com/oggyb/match-credits/internal/metrics"
)

// Env is one isolated test environment.
type Env struct {
	App      *app.AppContext
	Redis    *miniredis.Miniredis
	Registry *prometheus.Registry
}

// New builds an Env. tweak may adjust the config before wiring, e.g. to
// change economy values.
//
// Each test gets its own isolated DB + Redis.
func New(t *testing.T, tweak func(*config.Config)) *Env {
	t.Helper()

	// In-memory SQLite; subtest names contain slashes.
	name := strings.ReplaceAll(t.Name(), "/", "_")
	dbase, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	})
	require.NoError(t, err)

	sqlDB, err := dbase.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.Migrate(dbase))

	// Fake Redis
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(func() { mr.Close() })

	cfg := config.New()
	cfg.Redis.Addr = mr.Addr()
	cfg.Economy.InitialFreeCoins = 100
	cfg.Economy.CostPerMatch = 5
	cfg.Economy.InitialFreeMatches = 5
	cfg.Economy.DailyFreeMatches = 1
	cfg.Economy.CostPerMessage = 10
	cfg.Economy.InitialFreeMessages = 0
	cfg.Ledger.CASBackoff = time.Millisecond
	if tweak != nil {
		tweak(cfg)
	}

	redisCache := cache.NewRedisCache(cfg)
	t.Cleanup(func() { redisCache.Close() })

	reg := prometheus.NewRegistry()
	appCtx := app.New(cfg, dbase, redisCache, applog.Discard(), metrics.New("test", reg))
	return &Env{App: appCtx, Redis: mr, Registry: reg}
}
