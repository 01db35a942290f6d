package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/oggyb/match-credits/internal/db"
	"github.com/oggyb/match-credits/internal/store"
)

// IntentRepository persists PurchaseIntent rows for the paid-match saga.
type IntentRepository struct {
	db *gorm.DB
}

var _ store.IntentStore = (*IntentRepository)(nil)

// NewIntentRepository creates a new repository bound to the given DB connection.
func NewIntentRepository(database *gorm.DB) *IntentRepository {
	return &IntentRepository{db: database}
}

func (r *IntentRepository) Create(ctx context.Context, intent *db.PurchaseIntent) error {
	if err := r.db.WithContext(ctx).Create(intent).Error; err != nil {
		return fmt.Errorf("create purchase intent: %w", err)
	}
	return nil
}

func (r *IntentRepository) Get(ctx context.Context, intentID string) (*db.PurchaseIntent, error) {
	var p db.PurchaseIntent
	err := r.db.WithContext(ctx).Where("id = ?", intentID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Transition moves an intent from -> to.
//
// Behavior:
//   - Filtered on status = from, so concurrent reconcilers cannot both
//     advance the same intent.
//   - matchID is written only when non-nil.
func (r *IntentRepository) Transition(
	ctx context.Context,
	intentID string,
	from, to db.IntentStatus,
	matchID *string,
	note string,
) (bool, error) {
	updates := map[string]any{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	if matchID != nil {
		updates["match_id"] = *matchID
	}
	if note != "" {
		updates["note"] = note
	}

	res := r.db.WithContext(ctx).
		Model(&db.PurchaseIntent{}).
		Where("id = ? AND status = ?", intentID, from).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("transition intent %s %s->%s: %w", intentID, from, to, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ListStale returns intents stuck in status since before updatedBefore,
// oldest first.
func (r *IntentRepository) ListStale(ctx context.Context, status db.IntentStatus, updatedBefore time.Time, limit int) ([]db.PurchaseIntent, error) {
	var out []db.PurchaseIntent
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, updatedBefore).
		Order("updated_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
