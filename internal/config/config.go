package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	App struct {
		ENV string
	}

	Log struct {
		Level     string
		Format    string
		Component string
		Source    bool
	}

	DB struct {
		Driver   string // mysql | sqlite
		DSN      string
		Host     string
		Port     string
		User     string
		Password string
		Name     string
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	GRPC struct {
		Host string
		Port string
	}

	Metrics struct {
		Addr      string
		Namespace string
	}

	// Ledger tunes the optimistic-concurrency loop around balance updates.
	Ledger struct {
		CASMaxAttempts int
		CASBackoff     time.Duration
	}

	// Economy holds the values served by settings.Static.
	Economy struct {
		InitialFreeCoins    int64
		CostPerMatch        int64
		InitialFreeMatches  int
		DailyFreeMatches    int
		CostPerMessage      int64
		InitialFreeMessages int
	}

	Maintenance struct {
		SweepBatchSize   int
		ArchiveAfterDays int
		HealthCacheTTL   time.Duration
		LockTTL          time.Duration
		PurchaseGrace    time.Duration
	}
}

func New() *Config {
	cfg := &Config{}

	cfg.App.ENV = getEnvDefault("APP_ENV", "development")

	// Logger
	cfg.Log.Level = getEnvDefault("LOG_LEVEL", "info")
	cfg.Log.Format = getEnvDefault("LOG_FORMAT", "text")
	cfg.Log.Component = getEnvDefault("LOG_COMPONENT", "match_credits")
	cfg.Log.Source = isTruthy(os.Getenv("LOG_SOURCE"))

	// Database
	cfg.DB.Driver = strings.ToLower(getEnvDefault("DB_DRIVER", "mysql"))
	cfg.DB.DSN = os.Getenv("DB_DSN")
	if cfg.DB.DSN == "" {
		cfg.DB.DSN = os.Getenv("MYSQL_DSN")
	}
	if cfg.DB.DSN == "" {
		switch cfg.DB.Driver {
		case "sqlite":
			cfg.DB.DSN = getEnvDefault("SQLITE_PATH", "match_credits.db")
		default:
			cfg.DB.Host = getEnvDefault("DB_HOST", "localhost")
			cfg.DB.Port = getEnvDefault("DB_PORT", "3306")
			cfg.DB.User = getEnvDefault("DB_USER", "root")
			cfg.DB.Password = getEnvDefault("DB_PASSWORD", "root")
			cfg.DB.Name = getEnvDefault("DB_NAME", "match_credits")

			cfg.DB.DSN = fmt.Sprintf(
				"%s:%s@tcp(%s:%s)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
				cfg.DB.User, cfg.DB.Password, cfg.DB.Host, cfg.DB.Port, cfg.DB.Name,
			)
		}
	}

	// Redis
	cfg.Redis.Addr = getEnvDefault("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnvDefault("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	// gRPC
	cfg.GRPC.Host = getEnvDefault("GRPC_HOST", "127.0.0.1")
	cfg.GRPC.Port = getEnvDefault("GRPC_PORT", "50051")

	// Metrics
	cfg.Metrics.Addr = getEnvDefault("METRICS_ADDR", ":9090")
	cfg.Metrics.Namespace = getEnvDefault("METRICS_NAMESPACE", "match_credits")

	// Ledger
	cfg.Ledger.CASMaxAttempts = getEnvInt("LEDGER_CAS_MAX_ATTEMPTS", 8)
	cfg.Ledger.CASBackoff = getEnvDuration("LEDGER_CAS_BACKOFF", 5*time.Millisecond)

	// Economy
	cfg.Economy.InitialFreeCoins = int64(getEnvInt("INITIAL_FREE_COINS", 100))
	cfg.Economy.CostPerMatch = int64(getEnvInt("COST_PER_MATCH", 5))
	cfg.Economy.InitialFreeMatches = getEnvInt("INITIAL_FREE_MATCHES", 5)
	cfg.Economy.DailyFreeMatches = getEnvInt("DAILY_FREE_MATCHES", 1)
	cfg.Economy.CostPerMessage = int64(getEnvInt("COST_PER_MESSAGE", 10))
	cfg.Economy.InitialFreeMessages = getEnvInt("INITIAL_FREE_MESSAGES", 0)

	// Maintenance
	cfg.Maintenance.SweepBatchSize = getEnvInt("SWEEP_BATCH_SIZE", 500)
	cfg.Maintenance.ArchiveAfterDays = getEnvInt("ARCHIVE_AFTER_DAYS", 30)
	cfg.Maintenance.HealthCacheTTL = getEnvDuration("HEALTH_CACHE_TTL", time.Minute)
	cfg.Maintenance.LockTTL = getEnvDuration("MAINTENANCE_LOCK_TTL", 10*time.Minute)
	cfg.Maintenance.PurchaseGrace = getEnvDuration("PURCHASE_GRACE", 5*time.Minute)

	return cfg
}

func getEnvDefault(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getEnvInt(k string, def int) int {
	if n, err := strconv.Atoi(getEnvDefault(k, "")); err == nil {
		return n
	}
	return def
}

func getEnvDuration(k string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(getEnvDefault(k, "")); err == nil {
		return d
	}
	return def
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}
