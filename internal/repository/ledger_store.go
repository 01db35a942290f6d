package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/oggyb/match-credits/internal/store"
)

// LedgerStore pairs the balance and transaction repositories over one
// connection so a CAS and its ledger entry can share a transaction.
type LedgerStore struct {
	*CreditsRepository
	*TransactionRepository

	db *gorm.DB
}

var _ store.LedgerStore = (*LedgerStore)(nil)

// NewLedgerStore creates a LedgerStore bound to the given DB connection.
func NewLedgerStore(database *gorm.DB) *LedgerStore {
	return &LedgerStore{
		CreditsRepository:     NewCreditsRepository(database),
		TransactionRepository: NewTransactionRepository(database),
		db:                    database,
	}
}

// Atomic runs fn inside a database transaction. Any error rolls back both
// the balance update and the ledger entry.
func (s *LedgerStore) Atomic(ctx context.Context, fn func(tx store.LedgerStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewLedgerStore(tx))
	})
}
