// Package store declares the persistence contracts used by the ledger,
// the match engine and the sweeper. internal/repository implements them
// on gorm; tests substitute in-memory fakes.
package store

import (
	"context"
	"time"

	"github.com/oggyb/match-credits/internal/db"
	apperrors "github.com/oggyb/match-credits/internal/errors"
)

// ErrNotFound is returned by single-row lookups when nothing matches.
var ErrNotFound = apperrors.ErrNotFound

// BalanceStore persists UserCredits. CompareAndSetBalance is the only way a
// balance changes after creation.
type BalanceStore interface {
	GetBalance(ctx context.Context, userID string) (*db.UserCredits, error)
	// CreateBalance inserts the row if absent. created is false when a row
	// already existed, in which case the stored row is returned untouched.
	CreateBalance(ctx context.Context, userID string, initial int64) (credits *db.UserCredits, created bool, err error)
	// CompareAndSetBalance applies the deltas only if the stored balance still
	// equals expected. ok is false on a lost race.
	CompareAndSetBalance(ctx context.Context, userID string, expected, delta, deltaEarned, deltaSpent int64) (ok bool, err error)
}

// TransactionStore is the append-only credit transaction log.
type TransactionStore interface {
	Record(ctx context.Context, entry *db.CreditTransaction) error
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]db.CreditTransaction, error)
	ListByUserPage(ctx context.Context, userID string, pageToken *string, limit int) ([]db.CreditTransaction, *string, error)
	// Replay walks every entry of a user oldest-first.
	Replay(ctx context.Context, userID string, fn func(db.CreditTransaction) error) error
	SumByReason(ctx context.Context, userID string, reason db.TransactionReason) (int64, error)
	SumsByReason(ctx context.Context, userID string) (map[db.TransactionReason]int64, error)
	CountByUser(ctx context.Context, userID string) (int64, error)
	FindByReference(ctx context.Context, referenceType, referenceID string) ([]db.CreditTransaction, error)
}

// LedgerStore couples balances and transactions so a mutation and its
// ledger entry commit together.
type LedgerStore interface {
	BalanceStore
	TransactionStore
	// Atomic runs fn against a LedgerStore bound to one database
	// transaction. Returning an error rolls everything back.
	Atomic(ctx context.Context, fn func(tx LedgerStore) error) error
}

// TypeCounts is the per-type breakdown of a user's match records.
type TypeCounts struct {
	Total     int64
	Available int64
	Consumed  int64
}

// MatchStats is the system-wide health snapshot of match records.
type MatchStats struct {
	Total             int64
	Available         int64
	Consumed          int64
	Expired           int64
	ExpiringSoon      int64
	DailyGrantedToday int64
}

// MatchStore persists MatchRecord. Every status change is a filtered update
// on status = available, so each record leaves that state exactly once.
type MatchStore interface {
	Insert(ctx context.Context, records ...*db.MatchRecord) error
	// InsertDaily inserts a daily free record unless one already holds the
	// (user_id, daily_key) slot. ok is false when the slot is taken.
	InsertDaily(ctx context.Context, record *db.MatchRecord) (ok bool, err error)
	Get(ctx context.Context, matchID string) (*db.MatchRecord, error)
	FindAvailable(ctx context.Context, userID string, now time.Time, limit int) ([]db.MatchRecord, error)
	FindAvailableByType(ctx context.Context, userID string, matchType db.MatchType, now time.Time) ([]db.MatchRecord, error)
	FindByCandidate(ctx context.Context, userID, subAccountID string, now time.Time) (*db.MatchRecord, error)
	MarkConsumed(ctx context.Context, matchID, userID string, now time.Time) (bool, error)
	MarkExpired(ctx context.Context, matchID string, now time.Time) (bool, error)
	HasDailyMatch(ctx context.Context, userID string, dayStart, dayEnd time.Time) (bool, error)
	SweepExpired(ctx context.Context, now time.Time, batchSize int) (int64, error)
	History(ctx context.Context, userID string, limit int) ([]db.MatchRecord, error)
	CountsByType(ctx context.Context, userID string, now time.Time) (map[db.MatchType]TypeCounts, error)
	CountConsumed(ctx context.Context, userID string) (int64, error)
	CountConsumedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context, now, dayStart time.Time) (MatchStats, error)
}

// IntentStore persists paid-purchase intents.
type IntentStore interface {
	Create(ctx context.Context, intent *db.PurchaseIntent) error
	Get(ctx context.Context, intentID string) (*db.PurchaseIntent, error)
	// Transition moves an intent from one status to the next. ok is false if
	// the intent was no longer in from.
	Transition(ctx context.Context, intentID string, from, to db.IntentStatus, matchID *string, note string) (ok bool, err error)
	ListStale(ctx context.Context, status db.IntentStatus, updatedBefore time.Time, limit int) ([]db.PurchaseIntent, error)
}

// MessageStatsStore persists the daily free-message allotment.
type MessageStatsStore interface {
	GetOrCreate(ctx context.Context, userID, day string) (*db.UserMessageStats, error)
	// ConsumeFree takes one free message for day if fewer than allowance
	// were used. Reset to a new day happens in the same statement.
	ConsumeFree(ctx context.Context, userID, day string, allowance int) (bool, error)
}

// RunStore persists maintenance run summaries.
type RunStore interface {
	Save(ctx context.Context, run *db.MaintenanceRun) error
	Latest(ctx context.Context, job string) (*db.MaintenanceRun, error)
}
