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

// expiringSoonWindow bounds the "expiring soon" bucket of Stats.
const expiringSoonWindow = 24 * time.Hour

// MatchRepository provides data access for MatchRecord.
//
// All status changes are filtered updates on status = available, so a
// record leaves that state exactly once no matter how many callers race.
type MatchRepository struct {
	db *gorm.DB
}

var _ store.MatchStore = (*MatchRepository)(nil)

// NewMatchRepository creates a new repository bound to the given DB connection.
func NewMatchRepository(database *gorm.DB) *MatchRepository {
	return &MatchRepository{db: database}
}

// Insert creates one or more match records in a single statement.
func (r *MatchRepository) Insert(ctx context.Context, records ...*db.MatchRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(records).Error; err != nil {
		return fmt.Errorf("insert matches: %w", err)
	}
	return nil
}

// InsertDaily inserts a daily free match unless the (user_id, daily_key)
// slot is already taken.
//
// Behavior:
//   - The unique index uq_match_daily turns the once-per-day rule into a
//     store-enforced invariant; there is no read before the write.
//   - ok is false when another grant for the same UTC day won.
func (r *MatchRepository) InsertDaily(ctx context.Context, record *db.MatchRecord) (bool, error) {
	if record.DailyKey == nil {
		return false, fmt.Errorf("daily match %s has no daily key", record.ID)
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(record)
	if res.Error != nil {
		return false, fmt.Errorf("insert daily match: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Get returns a match by id.
func (r *MatchRepository) Get(ctx context.Context, matchID string) (*db.MatchRecord, error) {
	var m db.MatchRecord
	err := r.db.WithContext(ctx).Where("id = ?", matchID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// availableAt scopes a query to records a user can still consume at now.
func availableAt(userID string, now time.Time) func(*gorm.DB) *gorm.DB {
	return func(q *gorm.DB) *gorm.DB {
		return q.Where("user_id = ? AND status = ?", userID, db.MatchAvailable).
			Where("(expires_at IS NULL OR expires_at > ?)", now)
	}
}

// FindAvailable lists consumable records, oldest grant first.
func (r *MatchRepository) FindAvailable(ctx context.Context, userID string, now time.Time, limit int) ([]db.MatchRecord, error) {
	var out []db.MatchRecord
	q := r.db.WithContext(ctx).
		Scopes(availableAt(userID, now)).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// FindAvailableByType lists consumable records of a single type.
func (r *MatchRepository) FindAvailableByType(ctx context.Context, userID string, matchType db.MatchType, now time.Time) ([]db.MatchRecord, error) {
	var out []db.MatchRecord
	err := r.db.WithContext(ctx).
		Scopes(availableAt(userID, now)).
		Where("match_type = ?", matchType).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// FindByCandidate returns the consumable record granting subAccountID to
// userID. Returns store.ErrNotFound when there is none.
func (r *MatchRepository) FindByCandidate(ctx context.Context, userID, subAccountID string, now time.Time) (*db.MatchRecord, error) {
	var m db.MatchRecord
	err := r.db.WithContext(ctx).
		Scopes(availableAt(userID, now)).
		Where("sub_account_id = ?", subAccountID).
		Order("created_at ASC, id ASC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// MarkConsumed moves a record AVAILABLE -> CONSUMED.
//
// Behavior:
//   - Filtered on owner, status = available and not expired.
//   - A second call on the same id affects no rows and returns false.
func (r *MatchRepository) MarkConsumed(ctx context.Context, matchID, userID string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&db.MatchRecord{}).
		Where("id = ? AND user_id = ? AND status = ?", matchID, userID, db.MatchAvailable).
		Where("(expires_at IS NULL OR expires_at > ?)", now).
		Updates(map[string]any{
			"status":      db.MatchConsumed,
			"consumed_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("consume match %s: %w", matchID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkExpired moves a single record AVAILABLE -> EXPIRED.
func (r *MatchRepository) MarkExpired(ctx context.Context, matchID string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&db.MatchRecord{}).
		Where("id = ? AND status = ?", matchID, db.MatchAvailable).
		Updates(map[string]any{
			"status":     db.MatchExpired,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("expire match %s: %w", matchID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// HasDailyMatch reports whether a daily free record was created for userID
// in [dayStart, dayEnd).
func (r *MatchRepository) HasDailyMatch(ctx context.Context, userID string, dayStart, dayEnd time.Time) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&db.MatchRecord{}).
		Where("user_id = ? AND match_type = ?", userID, db.MatchDailyFree).
		Where("created_at >= ? AND created_at < ?", dayStart, dayEnd).
		Count(&n).Error
	return n > 0, err
}

// SweepExpired transitions AVAILABLE records with expires_at < now to
// EXPIRED, batchSize rows per statement.
//
// Behavior:
//   - Each chunk plucks ids first, then updates WHERE id IN (...) AND
//     status = available, so a record consumed between the two
//     statements is left alone.
//   - Stops when a chunk comes back short.
func (r *MatchRepository) SweepExpired(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		var ids []string
		err := r.db.WithContext(ctx).
			Model(&db.MatchRecord{}).
			Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", db.MatchAvailable, now).
			Order("expires_at ASC").
			Limit(batchSize).
			Pluck("id", &ids).Error
		if err != nil {
			return total, fmt.Errorf("select expired matches: %w", err)
		}
		if len(ids) == 0 {
			return total, nil
		}

		res := r.db.WithContext(ctx).
			Model(&db.MatchRecord{}).
			Where("id IN ? AND status = ?", ids, db.MatchAvailable).
			Updates(map[string]any{
				"status":     db.MatchExpired,
				"updated_at": now,
			})
		if res.Error != nil {
			return total, fmt.Errorf("expire matches: %w", res.Error)
		}
		total += res.RowsAffected

		if len(ids) < batchSize {
			return total, nil
		}
	}
}

// History returns a user's records newest-first regardless of status.
func (r *MatchRepository) History(ctx context.Context, userID string, limit int) ([]db.MatchRecord, error) {
	var out []db.MatchRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountsByType groups a user's records by type and status. Available
// records already past expires_at but not yet swept are counted in Total
// only, matching what FindAvailable returns.
func (r *MatchRepository) CountsByType(ctx context.Context, userID string, now time.Time) (map[db.MatchType]store.TypeCounts, error) {
	var rows []struct {
		MatchType db.MatchType
		Status    db.MatchStatus
		N         int64
		Lapsed    int64
	}
	err := r.db.WithContext(ctx).
		Model(&db.MatchRecord{}).
		Select("match_type, status, COUNT(*) AS n, "+
			"SUM(CASE WHEN expires_at IS NOT NULL AND expires_at <= ? THEN 1 ELSE 0 END) AS lapsed", now).
		Where("user_id = ?", userID).
		Group("match_type, status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[db.MatchType]store.TypeCounts)
	for _, row := range rows {
		c := out[row.MatchType]
		c.Total += row.N
		switch row.Status {
		case db.MatchAvailable:
			c.Available += row.N - row.Lapsed
		case db.MatchConsumed:
			c.Consumed += row.N
		}
		out[row.MatchType] = c
	}
	return out, nil
}

// CountConsumed returns how many records a user has consumed.
func (r *MatchRepository) CountConsumed(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&db.MatchRecord{}).
		Where("user_id = ? AND status = ?", userID, db.MatchConsumed).
		Count(&n).Error
	return n, err
}

// CountConsumedBefore counts consumed records older than cutoff, the
// candidates for archival.
func (r *MatchRepository) CountConsumedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&db.MatchRecord{}).
		Where("status = ? AND consumed_at < ?", db.MatchConsumed, cutoff).
		Count(&n).Error
	return n, err
}

// Stats returns system-wide counters for the health snapshot.
func (r *MatchRepository) Stats(ctx context.Context, now, dayStart time.Time) (store.MatchStats, error) {
	var s store.MatchStats

	var rows []struct {
		Status db.MatchStatus
		N      int64
	}
	err := r.db.WithContext(ctx).
		Model(&db.MatchRecord{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return s, fmt.Errorf("count matches by status: %w", err)
	}
	for _, row := range rows {
		s.Total += row.N
		switch row.Status {
		case db.MatchAvailable:
			s.Available = row.N
		case db.MatchConsumed:
			s.Consumed = row.N
		case db.MatchExpired:
			s.Expired = row.N
		}
	}

	err = r.db.WithContext(ctx).
		Model(&db.MatchRecord{}).
		Where("status = ? AND expires_at IS NOT NULL", db.MatchAvailable).
		Where("expires_at > ? AND expires_at <= ?", now, now.Add(expiringSoonWindow)).
		Count(&s.ExpiringSoon).Error
	if err != nil {
		return s, fmt.Errorf("count expiring matches: %w", err)
	}

	err = r.db.WithContext(ctx).
		Model(&db.MatchRecord{}).
		Where("match_type = ? AND created_at >= ?", db.MatchDailyFree, dayStart).
		Count(&s.DailyGrantedToday).Error
	if err != nil {
		return s, fmt.Errorf("count daily grants: %w", err)
	}

	return s, nil
}
