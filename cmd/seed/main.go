package main

import (
	"context"
	"log"

	"github.com/joho/godotenv"

	"github.com/oggyb/match-credits/internal/app"
	"github.com/oggyb/match-credits/internal/config"
	"github.com/oggyb/match-credits/internal/db"
	"github.com/oggyb/match-credits/internal/logger"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfg := config.New()
	logger.InitFromConfig(cfg)

	database, err := db.NewDB(cfg)
	if err != nil {
		log.Fatalf("failed to init db: %v", err)
	}

	// Seeding does not need Redis; only maintenance uses it.
	appCtx := app.New(cfg, database, nil, logger.L(), nil)
	if err := appCtx.SeedDemoData(context.Background()); err != nil {
		log.Fatalf("failed to seed: %v", err)
	}

	log.Println("Seeding completed.")
}
