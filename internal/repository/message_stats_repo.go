package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/oggyb/match-credits/internal/db"
	"github.com/oggyb/match-credits/internal/store"
)

// MessageStatsRepository tracks the per-user free message allotment.
type MessageStatsRepository struct {
	db *gorm.DB
}

var _ store.MessageStatsStore = (*MessageStatsRepository)(nil)

// NewMessageStatsRepository creates a new repository bound to the given DB connection.
func NewMessageStatsRepository(database *gorm.DB) *MessageStatsRepository {
	return &MessageStatsRepository{db: database}
}

// GetOrCreate returns the stats row, inserting an empty one for day if the
// user has none. The stored LastResetDay may be older than day; callers
// treat a stale day as zero usage.
func (r *MessageStatsRepository) GetOrCreate(ctx context.Context, userID, day string) (*db.UserMessageStats, error) {
	row := db.UserMessageStats{UserID: userID, LastResetDay: day}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("create message stats %s: %w", userID, err)
	}

	var out db.UserMessageStats
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

// ConsumeFree takes one free message if fewer than allowance were used
// today.
//
// Behavior:
//   - First statement rolls a stale day over and counts this message in
//     one write.
//   - Otherwise a conditional increment guarded by used < allowance.
//   - Both are single UPDATEs, so concurrent senders never exceed the
//     allowance.
func (r *MessageStatsRepository) ConsumeFree(ctx context.Context, userID, day string, allowance int) (bool, error) {
	if allowance <= 0 {
		return false, nil
	}
	if _, err := r.GetOrCreate(ctx, userID, day); err != nil {
		return false, err
	}

	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&db.UserMessageStats{}).
		Where("user_id = ? AND last_reset_day <> ?", userID, day).
		Updates(map[string]any{
			"free_messages_used": 1,
			"last_reset_day":     day,
			"updated_at":         now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("reset message stats %s: %w", userID, res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	res = r.db.WithContext(ctx).
		Model(&db.UserMessageStats{}).
		Where("user_id = ? AND last_reset_day = ? AND free_messages_used < ?", userID, day, allowance).
		Updates(map[string]any{
			"free_messages_used": gorm.Expr("free_messages_used + 1"),
			"updated_at":         now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("consume free message %s: %w", userID, res.Error)
	}
	return res.RowsAffected == 1, nil
}
