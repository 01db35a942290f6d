// Package ledger is the business API over user credit balances.
//
// Every balance change goes through a compare-and-set on the stored balance
// and is paired with exactly one CreditTransaction in the same database
// transaction. A lost CAS race re-reads and retries up to a bounded number
// of attempts; exhausting them returns errors.ErrContention rather than a
// silent false.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/oggyb/match-credits/internal/db"
	apperrors "github.com/oggyb/match-credits/internal/errors"
	"github.com/oggyb/match-credits/internal/logger"
	"github.com/oggyb/match-credits/internal/metrics"
	"github.com/oggyb/match-credits/internal/settings"
	"github.com/oggyb/match-credits/internal/store"
)

const (
	DefaultMaxAttempts = 8
	DefaultBackoff     = 5 * time.Millisecond

	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500

	maxDescriptionLen = 500
)

var (
	// errCASMiss rolls back an attempt whose compare-and-set lost the race.
	errCASMiss = errors.New("balance changed during update")
	// errAlreadyApplied rolls back an attempt whose guard found the change
	// already recorded.
	errAlreadyApplied = errors.New("change already applied")
)

// AddRequest credits a user.
type AddRequest struct {
	UserID        string
	Amount        int64
	Reason        db.TransactionReason
	ReferenceID   string
	ReferenceType string
	Description   string
}

// ConsumeRequest debits a user. Amount is positive; the ledger entry
// stores it negated.
type ConsumeRequest AddRequest

// CreditAdjustment is an admin correction. A positive Amount credits, a
// negative one debits its absolute value.
type CreditAdjustment struct {
	UserID      string
	Amount      int64
	Reason      db.TransactionReason
	Description string
}

// Ledger owns all balance mutations.
type Ledger struct {
	store    store.LedgerStore
	settings settings.Provider
	metrics  *metrics.Metrics
	log      *slog.Logger

	maxAttempts int
	backoff     time.Duration
}

type Option func(*Ledger)

// WithRetry sets the CAS attempt budget and the base backoff between
// attempts.
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(l *Ledger) {
		if maxAttempts > 0 {
			l.maxAttempts = maxAttempts
		}
		if backoff >= 0 {
			l.backoff = backoff
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// New creates a Ledger over st, reading grant sizes from provider.
func New(st store.LedgerStore, provider settings.Provider, opts ...Option) *Ledger {
	l := &Ledger{
		store:       st,
		settings:    provider,
		metrics:     metrics.Nop(),
		log:         logger.Discard(),
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Get returns the balance row without creating it.
func (l *Ledger) Get(ctx context.Context, userID string) (*db.UserCredits, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	return l.store.GetBalance(ctx, userID)
}

// GetOrCreate returns the user's balance, creating it with the configured
// welcome bonus on first access.
func (l *Ledger) GetOrCreate(ctx context.Context, userID string) (*db.UserCredits, error) {
	return l.GetOrCreateWith(ctx, userID, true)
}

// GetOrCreateWith returns the user's balance, creating it on first access.
//
// When the row is created with a positive seed, the row and its
// initial_grant entry are written in one transaction. A concurrent creator
// that loses the insert race writes nothing and returns the winner's row.
// A soft-deleted account is reported as not found, never recreated.
func (l *Ledger) GetOrCreateWith(ctx context.Context, userID string, withInitialCredits bool) (*db.UserCredits, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}

	c, err := l.store.GetBalance(ctx, userID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	var initial int64
	if withInitialCredits {
		coins, err := l.settings.CoinConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load coin config: %w", err)
		}
		initial = max(coins.InitialFreeCoins, 0)
	}

	err = l.store.Atomic(ctx, func(tx store.LedgerStore) error {
		row, created, err := tx.CreateBalance(ctx, userID, initial)
		if err != nil {
			return err
		}
		c = row
		if !created || initial == 0 {
			return nil
		}
		return tx.Record(ctx, &db.CreditTransaction{
			UserID:          userID,
			TransactionType: db.TransactionCredit,
			Reason:          db.ReasonInitialGrant,
			Amount:          initial,
			BalanceBefore:   0,
			BalanceAfter:    initial,
			Description:     "Welcome bonus",
		})
	})
	if err != nil {
		return nil, err
	}

	l.log.Info("credits account ready", "user_id", userID, "balance", c.CurrentBalance)
	return c, nil
}

// Add credits Amount to the user. It returns true once the balance and its
// ledger entry are committed.
func (l *Ledger) Add(ctx context.Context, req AddRequest) (bool, error) {
	if err := validate(req.UserID, req.Amount, req.Reason, req.Description); err != nil {
		l.observe("add", "invalid")
		return false, err
	}
	return l.mutate(ctx, "add", req.UserID, req.Amount, nil, func(before int64) *db.CreditTransaction {
		return entry(req.UserID, db.TransactionCredit, req, req.Amount, before)
	})
}

// Consume debits Amount from the user.
//
// Returns false, nil when the balance is below Amount; the balance is left
// unchanged in that case.
func (l *Ledger) Consume(ctx context.Context, req ConsumeRequest) (bool, error) {
	if err := validate(req.UserID, req.Amount, req.Reason, req.Description); err != nil {
		l.observe("consume", "invalid")
		return false, err
	}
	return l.mutate(ctx, "consume", req.UserID, -req.Amount, nil, func(before int64) *db.CreditTransaction {
		return entry(req.UserID, db.TransactionDebit, AddRequest(req), -req.Amount, before)
	})
}

// Adjust applies an admin correction in either direction.
func (l *Ledger) Adjust(ctx context.Context, adj CreditAdjustment) (bool, error) {
	if adj.Amount == 0 {
		return false, apperrors.Invalid("amount", "adjustment must be non-zero")
	}
	reason := adj.Reason
	if reason == "" {
		reason = db.ReasonAdminAdjustment
	}

	if adj.Amount > 0 {
		return l.Add(ctx, AddRequest{
			UserID:        adj.UserID,
			Amount:        adj.Amount,
			Reason:        reason,
			ReferenceType: "admin",
			Description:   adj.Description,
		})
	}
	return l.Consume(ctx, ConsumeRequest{
		UserID:        adj.UserID,
		Amount:        -adj.Amount,
		Reason:        reason,
		ReferenceType: "admin",
		Description:   adj.Description,
	})
}

// GrantInitialCredits gives the configured welcome bonus to an account that
// was created without it. It returns false if the user already received an
// initial grant.
//
// The "already granted" check runs inside the transaction that holds the
// balance row, after the compare-and-set, so concurrent callers grant once.
func (l *Ledger) GrantInitialCredits(ctx context.Context, userID string) (bool, error) {
	coins, err := l.settings.CoinConfig(ctx)
	if err != nil {
		return false, fmt.Errorf("load coin config: %w", err)
	}
	if _, err := l.GetOrCreateWith(ctx, userID, false); err != nil {
		return false, err
	}
	if coins.InitialFreeCoins <= 0 {
		return true, nil
	}

	req := AddRequest{
		UserID:      userID,
		Amount:      coins.InitialFreeCoins,
		Reason:      db.ReasonInitialGrant,
		Description: "Welcome bonus",
	}
	notYetGranted := func(tx store.LedgerStore) error {
		granted, err := tx.SumByReason(ctx, userID, db.ReasonInitialGrant)
		if err != nil {
			return err
		}
		if granted > 0 {
			return errAlreadyApplied
		}
		return nil
	}
	return l.mutate(ctx, "initial_grant", userID, req.Amount, notYetGranted, func(before int64) *db.CreditTransaction {
		return entry(userID, db.TransactionCredit, req, req.Amount, before)
	})
}

// mutate runs the read / CAS+record loop. delta is signed. guard, when set,
// runs after the CAS inside the same transaction; errAlreadyApplied from it
// turns the call into a no-op false.
func (l *Ledger) mutate(
	ctx context.Context,
	op, userID string,
	delta int64,
	guard func(tx store.LedgerStore) error,
	build func(before int64) *db.CreditTransaction,
) (bool, error) {
	var earned, spent int64
	if delta > 0 {
		earned = delta
	} else {
		spent = -delta
	}

	current, err := l.GetOrCreate(ctx, userID)
	if err != nil {
		l.observe(op, "error")
		return false, err
	}

	for attempt := 1; ; attempt++ {
		before := current.CurrentBalance
		if delta > 0 && (before > math.MaxInt64-delta || current.TotalEarned > math.MaxInt64-delta) {
			l.observe(op, "invalid")
			return false, apperrors.Invalid("amount", "would overflow the balance")
		}
		if before+delta < 0 {
			l.observe(op, "insufficient")
			l.log.Debug("insufficient credits", "user_id", userID, "balance", before, "requested", -delta)
			return false, nil
		}

		err = l.store.Atomic(ctx, func(tx store.LedgerStore) error {
			ok, err := tx.CompareAndSetBalance(ctx, userID, before, delta, earned, spent)
			if err != nil {
				return err
			}
			if !ok {
				return errCASMiss
			}
			if guard != nil {
				if err := guard(tx); err != nil {
					return err
				}
			}
			return tx.Record(ctx, build(before))
		})
		if err == nil {
			l.observe(op, "ok")
			l.log.Debug("credits updated", "op", op, "user_id", userID, "before", before, "after", before+delta)
			return true, nil
		}
		if errors.Is(err, errAlreadyApplied) {
			l.observe(op, "duplicate")
			return false, nil
		}
		if !errors.Is(err, errCASMiss) {
			l.observe(op, "error")
			return false, err
		}

		l.metrics.LedgerCASRetries.WithLabelValues(op).Inc()
		if attempt >= l.maxAttempts {
			l.observe(op, "contention")
			l.log.Warn("credit update gave up after retries", "op", op, "user_id", userID, "attempts", attempt)
			return false, apperrors.ErrContention
		}
		if err := l.wait(ctx, attempt); err != nil {
			return false, err
		}

		current, err = l.store.GetBalance(ctx, userID)
		if err != nil {
			l.observe(op, "error")
			return false, err
		}
	}
}

// wait sleeps a jittered, linearly growing backoff.
func (l *Ledger) wait(ctx context.Context, attempt int) error {
	if l.backoff <= 0 {
		return ctx.Err()
	}
	d := time.Duration(attempt)*l.backoff + time.Duration(rand.Int64N(int64(l.backoff)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (l *Ledger) observe(op, outcome string) {
	l.metrics.LedgerMutations.WithLabelValues(op, outcome).Inc()
}

func entry(userID string, typ db.TransactionType, req AddRequest, amount, before int64) *db.CreditTransaction {
	return &db.CreditTransaction{
		UserID:          userID,
		TransactionType: typ,
		Reason:          req.Reason,
		Amount:          amount,
		BalanceBefore:   before,
		BalanceAfter:    before + amount,
		ReferenceID:     optional(req.ReferenceID),
		ReferenceType:   optional(req.ReferenceType),
		Description:     req.Description,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func validateUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return apperrors.Invalid("user_id", "must not be empty")
	}
	return nil
}

func validate(userID string, amount int64, reason db.TransactionReason, description string) error {
	if err := validateUser(userID); err != nil {
		return err
	}
	if amount <= 0 {
		return apperrors.Invalid("amount", "must be positive")
	}
	if !reason.Valid() {
		return apperrors.Invalid("reason", fmt.Sprintf("unknown reason %q", reason))
	}
	if len(description) > maxDescriptionLen {
		return apperrors.Invalid("description", "must be at most 500 characters")
	}
	return nil
}
