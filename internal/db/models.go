package db

import (
	"time"

	"gorm.io/datatypes"
)

// RecordState is the soft-delete marker carried by rows that are never
// physically removed.
type RecordState string

const (
	StateActive  RecordState = "active"
	StateDeleted RecordState = "deleted"
)

type TransactionType string

const (
	TransactionCredit TransactionType = "credit"
	TransactionDebit  TransactionType = "debit"
)

// TransactionReason is the business cause of a balance mutation.
type TransactionReason string

const (
	ReasonInitialGrant        TransactionReason = "initial_grant"
	ReasonPurchase            TransactionReason = "purchase"
	ReasonMatchConsumption    TransactionReason = "match_consumption"
	ReasonMessageConsumption  TransactionReason = "message_consumption"
	ReasonAdminAdjustment     TransactionReason = "admin_adjustment"
	ReasonRefundCancelledChat TransactionReason = "refund_cancelled_chat"
)

// Valid reports whether r is one of the known reasons.
func (r TransactionReason) Valid() bool {
	switch r {
	case ReasonInitialGrant, ReasonPurchase, ReasonMatchConsumption,
		ReasonMessageConsumption, ReasonAdminAdjustment, ReasonRefundCancelledChat:
		return true
	}
	return false
}

type MatchType string

const (
	MatchInitial   MatchType = "initial"
	MatchDailyFree MatchType = "daily_free"
	MatchPaid      MatchType = "paid"
)

// Valid reports whether t is one of the known match types.
func (t MatchType) Valid() bool {
	return t == MatchInitial || t == MatchDailyFree || t == MatchPaid
}

type MatchStatus string

const (
	MatchAvailable MatchStatus = "available"
	MatchConsumed  MatchStatus = "consumed"
	MatchExpired   MatchStatus = "expired"
)

type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentDebited   IntentStatus = "debited"
	IntentCompleted IntentStatus = "completed"
	IntentCancelled IntentStatus = "cancelled"
)

// UserCredits is the per-user balance snapshot.
//
// Invariant: CurrentBalance == TotalEarned - TotalSpent.
// The only write path after creation is a compare-and-set on CurrentBalance.
type UserCredits struct {
	ID             uint64      `gorm:"primaryKey;autoIncrement"`
	UserID         string      `gorm:"size:64;uniqueIndex;not null"`
	CurrentBalance int64       `gorm:"not null;default:0"`
	TotalEarned    int64       `gorm:"not null;default:0"`
	TotalSpent     int64       `gorm:"not null;default:0"`
	Status         RecordState `gorm:"size:16;not null;default:active"`
	CreatedAt      time.Time   `gorm:"autoCreateTime"`
	UpdatedAt      time.Time   `gorm:"autoUpdateTime"`
}

// CreditTransaction is one immutable ledger entry.
//
// Indexes:
//   - idx_tx_user_id(user_id): newest-first history per user. Secondary
//     indexes carry the primary key, so ORDER BY id DESC is served by it.
//     ID is monotonic per user, so it doubles as the replay order.
//   - idx_tx_reference(reference_type, reference_id): lookups by cause.
//
// Amount is signed: positive for credit, negative for debit, and
// BalanceAfter == BalanceBefore + Amount.
type CreditTransaction struct {
	ID              uint64            `gorm:"primaryKey;autoIncrement"`
	UserID          string            `gorm:"size:64;not null;index:idx_tx_user_id,priority:1"`
	TransactionType TransactionType   `gorm:"size:16;not null"`
	Reason          TransactionReason `gorm:"size:32;not null;index"`
	Amount          int64             `gorm:"not null"`
	BalanceBefore   int64             `gorm:"not null"`
	BalanceAfter    int64             `gorm:"not null"`
	ReferenceID     *string           `gorm:"size:64;index:idx_tx_reference,priority:2"`
	ReferenceType   *string           `gorm:"size:32;index:idx_tx_reference,priority:1"`
	Description     string            `gorm:"size:500"`
	CreatedAt       time.Time         `gorm:"autoCreateTime;index"`
}

// MatchRecord grants one candidate (sub account) to one user.
//
// Indexes:
//   - idx_match_user_status_expires(user_id, status, expires_at): availability lookups.
//   - idx_match_user_type_created(user_id, match_type, created_at DESC): history by type.
//   - idx_match_status_expires(status, expires_at): the expiry sweep.
//   - uq_match_daily(user_id, daily_key): one daily free grant per UTC day.
//     DailyKey is NULL for every other type, which never collides.
type MatchRecord struct {
	ID              string      `gorm:"primaryKey;size:36"`
	UserID          string      `gorm:"size:64;not null;index:idx_match_user_status_expires,priority:1;index:idx_match_user_type_created,priority:1;uniqueIndex:uq_match_daily,priority:1"`
	MatchType       MatchType   `gorm:"size:16;not null;index:idx_match_user_type_created,priority:2"`
	SubAccountID    string      `gorm:"size:64;not null"`
	Status          MatchStatus `gorm:"size:16;not null;index:idx_match_user_status_expires,priority:2;index:idx_match_status_expires,priority:1"`
	CreditsConsumed int64       `gorm:"not null;default:0"`
	DailyKey        *string     `gorm:"size:10;uniqueIndex:uq_match_daily,priority:2"`
	ExpiresAt       *time.Time  `gorm:"index:idx_match_user_status_expires,priority:3;index:idx_match_status_expires,priority:2"`
	ConsumedAt      *time.Time
	CreatedAt       time.Time `gorm:"autoCreateTime;index:idx_match_user_type_created,priority:3,sort:desc"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

// PurchaseIntent tracks a paid match purchase across the debit and the
// grant, so a crash between the two can be reconciled.
type PurchaseIntent struct {
	ID           string       `gorm:"primaryKey;size:36"`
	UserID       string       `gorm:"size:64;not null;index"`
	SubAccountID string       `gorm:"size:64;not null"`
	Cost         int64        `gorm:"not null"`
	Status       IntentStatus `gorm:"size:16;not null;index:idx_intent_status_updated,priority:1"`
	MatchID      *string      `gorm:"size:36"`
	Note         string       `gorm:"size:255"`
	CreatedAt    time.Time    `gorm:"autoCreateTime"`
	UpdatedAt    time.Time    `gorm:"autoUpdateTime;index:idx_intent_status_updated,priority:2"`
}

// UserMessageStats tracks the free-message allotment, reset per UTC day.
type UserMessageStats struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement"`
	UserID           string    `gorm:"size:64;uniqueIndex;not null"`
	FreeMessagesUsed int       `gorm:"not null;default:0"`
	LastResetDay     string    `gorm:"size:10;not null"`
	CreatedAt        time.Time `gorm:"autoCreateTime"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
}

// MaintenanceRun is the persisted summary of one sweeper job.
type MaintenanceRun struct {
	ID            string         `gorm:"primaryKey;size:36"`
	Job           string         `gorm:"size:16;not null;index:idx_run_job_started,priority:1"`
	OverallStatus string         `gorm:"size:32;not null"`
	Summary       datatypes.JSON `gorm:"not null"`
	StartedAt     time.Time      `gorm:"not null;index:idx_run_job_started,priority:2,sort:desc"`
	CompletedAt   time.Time
}

// Models lists every table owned by this service, in migration order.
func Models() []any {
	return []any{
		&UserCredits{},
		&CreditTransaction{},
		&MatchRecord{},
		&PurchaseIntent{},
		&UserMessageStats{},
		&MaintenanceRun{},
	}
}
