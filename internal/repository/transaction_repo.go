package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/oggyb/match-credits/internal/db"
	"github.com/oggyb/match-credits/internal/utils/pagination"
)

const replayBatchSize = 500

// TransactionRepository is the append-only credit transaction log.
// It never updates or deletes a written entry.
type TransactionRepository struct {
	db *gorm.DB
}

// NewTransactionRepository creates a new repository bound to the given DB connection.
func NewTransactionRepository(database *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: database}
}

// Record appends one ledger entry.
//
// Behavior:
//   - Rejects entries whose arithmetic does not close
//     (balance_after != balance_before + amount).
//   - Rejects sign/type disagreement (credit must be positive, debit negative).
//   - Rejects a negative resulting balance.
func (r *TransactionRepository) Record(ctx context.Context, entry *db.CreditTransaction) error {
	if err := checkEntry(entry); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("record transaction for %s: %w", entry.UserID, err)
	}
	return nil
}

func checkEntry(e *db.CreditTransaction) error {
	if e.BalanceAfter != e.BalanceBefore+e.Amount {
		return fmt.Errorf("ledger entry does not balance: %d + %d != %d", e.BalanceBefore, e.Amount, e.BalanceAfter)
	}
	switch e.TransactionType {
	case db.TransactionCredit:
		if e.Amount <= 0 {
			return fmt.Errorf("credit entry must have a positive amount, got %d", e.Amount)
		}
	case db.TransactionDebit:
		if e.Amount >= 0 {
			return fmt.Errorf("debit entry must have a negative amount, got %d", e.Amount)
		}
	default:
		return fmt.Errorf("unknown transaction type %q", e.TransactionType)
	}
	if e.BalanceBefore < 0 || e.BalanceAfter < 0 {
		return fmt.Errorf("ledger entry would leave a negative balance")
	}
	return nil
}

// ListByUser returns a user's entries newest-first with offset paging.
func (r *TransactionRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]db.CreditTransaction, error) {
	var out []db.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	return out, err
}

// ListByUserPage returns a user's entries newest-first with cursor paging.
//
// Behavior:
//   - Fetches limit+1 rows to know whether another page exists.
//   - The next token encodes the last returned id.
func (r *TransactionRepository) ListByUserPage(
	ctx context.Context,
	userID string,
	pageToken *string,
	limit int,
) ([]db.CreditTransaction, *string, error) {
	cursor, err := pagination.Decode(getString(pageToken))
	if err != nil {
		return nil, nil, err
	}

	query := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit + 1)
	if !cursor.IsZero() {
		query = query.Where("id < ?", cursor.LastID)
	}

	var out []db.CreditTransaction
	if err := query.Find(&out).Error; err != nil {
		return nil, nil, err
	}

	var next *string
	if len(out) > limit {
		token, _ := pagination.Encode(pagination.Cursor{LastID: out[limit-1].ID})
		next = &token
		out = out[:limit]
	}
	return out, next, nil
}

// Replay walks every entry of a user oldest-first, in batches.
func (r *TransactionRepository) Replay(ctx context.Context, userID string, fn func(db.CreditTransaction) error) error {
	var batch []db.CreditTransaction
	res := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		FindInBatches(&batch, replayBatchSize, func(_ *gorm.DB, _ int) error {
			for _, e := range batch {
				if err := fn(e); err != nil {
					return err
				}
			}
			return nil
		})
	return res.Error
}

// SumByReason returns the signed total of a user's entries for one reason.
func (r *TransactionRepository) SumByReason(ctx context.Context, userID string, reason db.TransactionReason) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&db.CreditTransaction{}).
		Where("user_id = ? AND reason = ?", userID, reason).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}

// SumsByReason returns signed totals for every reason a user has entries for.
func (r *TransactionRepository) SumsByReason(ctx context.Context, userID string) (map[db.TransactionReason]int64, error) {
	var rows []struct {
		Reason db.TransactionReason
		Total  int64
	}
	err := r.db.WithContext(ctx).
		Model(&db.CreditTransaction{}).
		Select("reason, COALESCE(SUM(amount), 0) AS total").
		Where("user_id = ?", userID).
		Group("reason").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[db.TransactionReason]int64, len(rows))
	for _, row := range rows {
		out[row.Reason] = row.Total
	}
	return out, nil
}

// CountByUser returns how many entries a user has.
func (r *TransactionRepository) CountByUser(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&db.CreditTransaction{}).
		Where("user_id = ?", userID).
		Count(&n).Error
	return n, err
}

// FindByReference returns entries caused by a given entity, oldest-first.
func (r *TransactionRepository) FindByReference(ctx context.Context, referenceType, referenceID string) ([]db.CreditTransaction, error) {
	var out []db.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("reference_type = ? AND reference_id = ?", referenceType, referenceID).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

// getString safely dereferences a string pointer for pagination tokens.
func getString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
