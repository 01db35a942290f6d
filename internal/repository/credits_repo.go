package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/oggyb/match-credits/internal/db"
	"github.com/oggyb/match-credits/internal/store"
)

// CreditsRepository provides data access for the UserCredits balance row.
type CreditsRepository struct {
	db *gorm.DB
}

// NewCreditsRepository creates a new repository bound to the given DB connection.
func NewCreditsRepository(database *gorm.DB) *CreditsRepository {
	return &CreditsRepository{db: database}
}

// GetBalance returns the active balance row for a user.
//
// Behavior:
//   - Soft-deleted rows are treated as absent.
//   - Returns store.ErrNotFound when the user has no active row.
func (r *CreditsRepository) GetBalance(ctx context.Context, userID string) (*db.UserCredits, error) {
	var c db.UserCredits
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, db.StateActive).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s: %w", userID, err)
	}
	return &c, nil
}

// CreateBalance inserts a balance row seeded with initial credits.
//
// Behavior:
//   - Unique index on user_id makes the insert idempotent: a concurrent
//     creator loses quietly (ON CONFLICT DO NOTHING) and gets the winner's row.
//   - created reports whether this call wrote the row.
//   - The initial amount is booked as earned, so the balance invariant holds.
func (r *CreditsRepository) CreateBalance(ctx context.Context, userID string, initial int64) (*db.UserCredits, bool, error) {
	c := db.UserCredits{
		UserID:         userID,
		CurrentBalance: initial,
		TotalEarned:    initial,
		Status:         db.StateActive,
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&c)
	if res.Error != nil {
		return nil, false, fmt.Errorf("create balance %s: %w", userID, res.Error)
	}
	if res.RowsAffected == 1 {
		return &c, true, nil
	}

	existing, err := r.GetBalance(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// CompareAndSetBalance applies a balance delta only if the stored balance
// still equals expected.
//
// Behavior:
//   - Single UPDATE filtered on (user_id, current_balance, status=active).
//   - Returns false when another writer changed the balance first; the
//     caller re-reads and retries.
//
// Example:
//
//	repo.CompareAndSetBalance(ctx, "u1", 100, -30, 0, 30) // 100 -> 70
func (r *CreditsRepository) CompareAndSetBalance(
	ctx context.Context,
	userID string,
	expected, delta, deltaEarned, deltaSpent int64,
) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&db.UserCredits{}).
		Where("user_id = ? AND current_balance = ? AND status = ?", userID, expected, db.StateActive).
		Updates(map[string]any{
			"current_balance": gorm.Expr("current_balance + ?", delta),
			"total_earned":    gorm.Expr("total_earned + ?", deltaEarned),
			"total_spent":     gorm.Expr("total_spent + ?", deltaSpent),
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("cas balance %s: %w", userID, res.Error)
	}
	return res.RowsAffected == 1, nil
}
