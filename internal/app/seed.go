package app

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"gorm.io/gorm"

	"github.com/oggyb/match-credits/internal/db"
	"github.com/oggyb/match-credits/internal/ledger"
)

// SeedDemoData resets the database and populates it with demo accounts.
//
// Behavior:
//  1. Clears every table owned by the service.
//  2. Creates 20 accounts through the ledger, each with the initial grant.
//  3. Grants initial matches, today's daily match, and buys a paid match
//     for every other user; about a third of the matches get consumed.
//
// Everything goes through the same code paths as live traffic, so the
// seeded ledgers pass Verify.
func (a *AppContext) SeedDemoData(ctx context.Context) error {
	r := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))

	// --- Fresh start ---
	for _, m := range db.Models() {
		if err := a.DB.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(m).Error; err != nil {
			return fmt.Errorf("failed to clear %T: %w", m, err)
		}
	}
	a.Logger.Info("cleared existing data")

	matchCfg, err := a.Settings.MatchConfig(ctx)
	if err != nil {
		return err
	}

	consumed := 0
	for i := 1; i <= 20; i++ {
		userID := fmt.Sprintf("user%d", i)

		if _, err := a.Ledger.GetOrCreate(ctx, userID); err != nil {
			return fmt.Errorf("failed to create %s: %w", userID, err)
		}
		if _, err := a.Ledger.Add(ctx, ledger.AddRequest{
			UserID:      userID,
			Amount:      int64(r.IntN(50) + 1),
			Reason:      db.ReasonPurchase,
			Description: "Seed top-up",
		}); err != nil {
			return err
		}

		candidates := make([]string, 0, matchCfg.InitialFreeMatches)
		for j := 0; j < matchCfg.InitialFreeMatches; j++ {
			candidates = append(candidates, fmt.Sprintf("sub%d", r.IntN(100)+1))
		}
		var granted []db.MatchRecord
		if len(candidates) > 0 {
			granted, err = a.Matches.GrantInitialMatches(ctx, userID, candidates, 0)
			if err != nil {
				return err
			}
		}

		if matchCfg.DailyFreeMatches > 0 {
			if _, _, err := a.Matches.GrantDailyFreeMatch(ctx, userID, fmt.Sprintf("sub%d", r.IntN(100)+1), time.Time{}); err != nil {
				return err
			}
		}

		if i%2 == 0 {
			if _, err := a.Purchases.PurchasePaidMatch(ctx, userID, fmt.Sprintf("sub%d", r.IntN(100)+1)); err != nil {
				return err
			}
		}

		for _, m := range granted {
			if r.IntN(3) != 0 {
				continue
			}
			ok, err := a.Matches.Consume(ctx, m.ID, userID)
			if err != nil {
				return err
			}
			if ok {
				consumed++
			}
		}
	}

	a.Logger.Info("seeded demo data", "users", 20, "consumed_matches", consumed)
	return nil
}
