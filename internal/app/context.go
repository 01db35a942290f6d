package app

import (
	"log/slog"

	"gorm.io/gorm"

	"github.com/oggyb/match-credits/internal/cache"
	"github.com/oggyb/match-credits/internal/config"
	"github.com/oggyb/match-credits/internal/ledger"
	"github.com/oggyb/match-credits/internal/maintenance"
	"github.com/oggyb/match-credits/internal/matching"
	"github.com/oggyb/match-credits/internal/messaging"
	"github.com/oggyb/match-credits/internal/metrics"
	"github.com/oggyb/match-credits/internal/repository"
	"github.com/oggyb/match-credits/internal/settings"
)

// AppContext holds shared dependencies (DB, Redis, Logger, etc.) and the
// domain services built on top of them. It is constructed once per process.
type AppContext struct {
	Config     *config.Config
	DB         *gorm.DB
	RedisCache *cache.RedisCache
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Settings   settings.Provider

	Ledger      *ledger.Ledger
	Matches     *matching.Engine
	Purchases   *matching.Purchaser
	Messages    *messaging.Service
	Maintenance *maintenance.Sweeper
}

// New creates a new AppContext and wires the domain services.
// rdb may be nil, in which case maintenance runs without the job lock and
// the health cache.
func New(cfg *config.Config, db *gorm.DB, rdb *cache.RedisCache, logger *slog.Logger, m *metrics.Metrics) *AppContext {
	if m == nil {
		m = metrics.Nop()
	}
	provider := settings.FromConfig(cfg)

	ledgerStore := repository.NewLedgerStore(db)
	matchRepo := repository.NewMatchRepository(db)

	credits := ledger.New(ledgerStore, provider,
		ledger.WithRetry(cfg.Ledger.CASMaxAttempts, cfg.Ledger.CASBackoff),
		ledger.WithMetrics(m),
		ledger.WithLogger(logger.With("component", "ledger")),
	)
	engine := matching.NewEngine(matchRepo,
		matching.WithMetrics(m),
		matching.WithLogger(logger.With("component", "matching")),
		matching.WithSweepBatchSize(cfg.Maintenance.SweepBatchSize),
	)
	purchases := matching.NewPurchaser(engine, repository.NewIntentRepository(db), credits, ledgerStore, provider)

	sweeper := maintenance.NewSweeper(maintenance.Deps{
		Engine:    engine,
		Matches:   matchRepo,
		Purchases: purchases,
		Runs:      repository.NewRunRepository(db),
		Cache:     rdb,
		Metrics:   m,
		Logger:    logger.With("component", "maintenance"),
	}, maintenance.Config{
		ArchiveAfterDays: cfg.Maintenance.ArchiveAfterDays,
		HealthCacheTTL:   cfg.Maintenance.HealthCacheTTL,
		LockTTL:          cfg.Maintenance.LockTTL,
		PurchaseGrace:    cfg.Maintenance.PurchaseGrace,
	})

	return &AppContext{
		Config:      cfg,
		DB:          db,
		RedisCache:  rdb,
		Logger:      logger,
		Metrics:     m,
		Settings:    provider,
		Ledger:      credits,
		Matches:     engine,
		Purchases:   purchases,
		Messages:    messaging.NewService(credits, repository.NewMessageStatsRepository(db), provider, logger.With("component", "messaging")),
		Maintenance: sweeper,
	}
}
