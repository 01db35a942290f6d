package ledger

import (
	"context"

	"github.com/oggyb/match-credits/internal/db"
)

// Summary is the analytics view of one account.
type Summary struct {
	UserID           string
	Balance          int64
	TotalEarned      int64
	TotalSpent       int64
	ByReason         map[db.TransactionReason]int64
	TransactionCount int64
}

// Audit is the outcome of replaying an account's ledger.
type Audit struct {
	UserID   string
	Balance  int64
	Replayed int64
	Entries  int64
	// BrokenLinks counts entries whose BalanceBefore does not continue from
	// the previous entry's BalanceAfter.
	BrokenLinks int
	Consistent  bool
}

// GetUserTransactions returns the newest entries first. limit defaults to
// 50 and is capped at 500.
func (l *Ledger) GetUserTransactions(ctx context.Context, userID string, limit int) ([]db.CreditTransaction, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	return l.store.ListByUser(ctx, userID, clampLimit(limit), 0)
}

// ListTransactionsPage is GetUserTransactions with an opaque continuation
// token. An empty next token means there are no more pages.
func (l *Ledger) ListTransactionsPage(ctx context.Context, userID, pageToken string, limit int) ([]db.CreditTransaction, string, error) {
	if err := validateUser(userID); err != nil {
		return nil, "", err
	}
	var token *string
	if pageToken != "" {
		token = &pageToken
	}
	txs, next, err := l.store.ListByUserPage(ctx, userID, token, clampLimit(limit))
	if err != nil {
		return nil, "", err
	}
	if next == nil {
		return txs, "", nil
	}
	return txs, *next, nil
}

// Summary reports balance totals and per-reason sums. It does not create
// the account.
func (l *Ledger) Summary(ctx context.Context, userID string) (Summary, error) {
	c, err := l.Get(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	byReason, err := l.store.SumsByReason(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	n, err := l.store.CountByUser(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		UserID:           userID,
		Balance:          c.CurrentBalance,
		TotalEarned:      c.TotalEarned,
		TotalSpent:       c.TotalSpent,
		ByReason:         byReason,
		TransactionCount: n,
	}, nil
}

// Verify folds the account's ledger oldest-first and compares the result
// with the stored balance.
func (l *Ledger) Verify(ctx context.Context, userID string) (Audit, error) {
	c, err := l.Get(ctx, userID)
	if err != nil {
		return Audit{}, err
	}

	a := Audit{UserID: userID, Balance: c.CurrentBalance}
	err = l.store.Replay(ctx, userID, func(e db.CreditTransaction) error {
		if e.BalanceBefore != a.Replayed || e.BalanceAfter != e.BalanceBefore+e.Amount {
			a.BrokenLinks++
		}
		a.Replayed += e.Amount
		a.Entries++
		return nil
	})
	if err != nil {
		return Audit{}, err
	}

	a.Consistent = a.BrokenLinks == 0 &&
		a.Replayed == c.CurrentBalance &&
		c.CurrentBalance == c.TotalEarned-c.TotalSpent
	if !a.Consistent {
		l.log.Error("ledger audit failed",
			"user_id", userID,
			"balance", c.CurrentBalance,
			"replayed", a.Replayed,
			"broken_links", a.BrokenLinks,
		)
	}
	return a, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return min(limit, MaxHistoryLimit)
}
