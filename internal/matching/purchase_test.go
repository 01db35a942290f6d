package matching_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/oggyb/match-credits/internal/db"
	apperrors "github.com/oggyb/match-credits/internal/errors"
	"github.com/oggyb/match-credits/internal/ledger"
	"github.com/oggyb/match-credits/internal/matching"
	"github.com/oggyb/match-credits/internal/repository"
	"github.com/oggyb/match-credits/internal/settings"
)

type purchaseFixture struct {
	db        *gorm.DB
	ledger    *ledger.Ledger
	engine    *matching.Engine
	intents   *repository.IntentRepository
	purchaser *matching.Purchaser
	store     *repository.LedgerStore
}

func setupPurchase(t *testing.T, credits matching.Credits) *purchaseFixture {
	t.Helper()
	database := setupTestDB(t)
	provider := &settings.Static{
		Coins:   settings.CoinConfig{InitialFreeCoins: 12},
		Matches: settings.MatchConfig{CostPerMatch: 5},
	}

	f := &purchaseFixture{
		db:      database,
		store:   repository.NewLedgerStore(database),
		engine:  matching.NewEngine(repository.NewMatchRepository(database)),
		intents: repository.NewIntentRepository(database),
	}
	f.ledger = ledger.New(f.store, provider)
	if credits == nil {
		credits = f.ledger
	}
	f.purchaser = matching.NewPurchaser(f.engine, f.intents, credits, f.store, provider)
	return f
}

// backdate makes an intent look stale to Reconcile.
func (f *purchaseFixture) backdate(t *testing.T, intentID string) {
	t.Helper()
	require.NoError(t, f.db.Model(&db.PurchaseIntent{}).
		Where("id = ?", intentID).
		UpdateColumn("updated_at", time.Now().UTC().Add(-time.Hour)).Error)
}

// failingCredits debits through the real ledger, then reports an
// infrastructure error, as if the process died before the next step.
type failingCredits struct {
	matching.Credits
	debitFirst bool
}

func (f failingCredits) Consume(ctx context.Context, req ledger.ConsumeRequest) (bool, error) {
	if f.debitFirst {
		if _, err := f.Credits.Consume(ctx, req); err != nil {
			return false, err
		}
	}
	return false, errors.New("connection reset")
}

func TestPurchasePaidMatchHappyPath(t *testing.T) {
	ctx := context.Background()
	f := setupPurchase(t, nil)

	res, err := f.purchaser.PurchasePaidMatch(ctx, "u1", "c1")
	require.NoError(t, err)
	require.True(t, res.Granted)
	require.NotNil(t, res.Match)
	assert.Equal(t, db.MatchPaid, res.Match.MatchType)
	assert.Equal(t, int64(5), res.Match.CreditsConsumed)
	assert.Equal(t, res.IntentID, res.Match.ID)

	c, err := f.ledger.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), c.CurrentBalance)

	intent, err := f.intents.Get(ctx, res.IntentID)
	require.NoError(t, err)
	assert.Equal(t, db.IntentCompleted, intent.Status)
	require.NotNil(t, intent.MatchID)
	assert.Equal(t, res.Match.ID, *intent.MatchID)

	debits, err := f.store.FindByReference(ctx, matching.IntentReference, res.IntentID)
	require.NoError(t, err)
	require.Len(t, debits, 1)
	assert.Equal(t, int64(-5), debits[0].Amount)
}

func TestPurchasePaidMatchInsufficientCredits(t *testing.T) {
	ctx := context.Background()
	f := setupPurchase(t, nil)

	for i := 0; i < 2; i++ {
		res, err := f.purchaser.PurchasePaidMatch(ctx, "u1", "c1")
		require.NoError(t, err)
		require.True(t, res.Granted)
	}

	res, err := f.purchaser.PurchasePaidMatch(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.ErrorIs(t, res.Declined, apperrors.ErrInsufficientCredits)

	intent, err := f.intents.Get(ctx, res.IntentID)
	require.NoError(t, err)
	assert.Equal(t, db.IntentCancelled, intent.Status)

	c, err := f.ledger.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.CurrentBalance)
}

func TestReconcileCancelsIntentWithoutDebit(t *testing.T) {
	ctx := context.Background()
	f := setupPurchase(t, nil)
	f.purchaser = matching.NewPurchaser(f.engine, f.intents, failingCredits{Credits: f.ledger}, f.store,
		&settings.Static{Matches: settings.MatchConfig{CostPerMatch: 5}})

	res, err := f.purchaser.PurchasePaidMatch(ctx, "u1", "c1")
	require.Error(t, err)
	f.backdate(t, res.IntentID)

	rep, err := f.purchaser.Reconcile(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, matching.ReconcileReport{Cancelled: 1}, rep)

	intent, err := f.intents.Get(ctx, res.IntentID)
	require.NoError(t, err)
	assert.Equal(t, db.IntentCancelled, intent.Status)
}

func TestReconcileGrantsAfterOrphanedDebit(t *testing.T) {
	ctx := context.Background()
	f := setupPurchase(t, nil)
	f.purchaser = matching.NewPurchaser(f.engine, f.intents, failingCredits{Credits: f.ledger, debitFirst: true}, f.store,
		&settings.Static{Matches: settings.MatchConfig{CostPerMatch: 5}})

	res, err := f.purchaser.PurchasePaidMatch(ctx, "u1", "c1")
	require.Error(t, err)

	// debited but no match yet
	_, err = f.engine.Get(ctx, res.IntentID)
	require.True(t, apperrors.IsNotFound(err))

	// fresh intents are left alone
	rep, err := f.purchaser.Reconcile(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, matching.ReconcileReport{}, rep)

	f.backdate(t, res.IntentID)
	rep, err = f.purchaser.Reconcile(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, matching.ReconcileReport{Completed: 1}, rep)

	m, err := f.engine.Get(ctx, res.IntentID)
	require.NoError(t, err)
	assert.Equal(t, db.MatchPaid, m.MatchType)
	assert.Equal(t, "u1", m.UserID)

	intent, err := f.intents.Get(ctx, res.IntentID)
	require.NoError(t, err)
	assert.Equal(t, db.IntentCompleted, intent.Status)
}

func TestReconcileCompletesDebitedIntentOnce(t *testing.T) {
	ctx := context.Background()
	f := setupPurchase(t, nil)

	intent := &db.PurchaseIntent{ID: uuid.NewString(), UserID: "u1", SubAccountID: "c1", Cost: 5, Status: db.IntentDebited}
	require.NoError(t, f.intents.Create(ctx, intent))
	f.backdate(t, intent.ID)

	rep, err := f.purchaser.Reconcile(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Completed)

	rep, err = f.purchaser.Reconcile(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, matching.ReconcileReport{}, rep)

	hist, err := f.engine.History(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, hist, 1, "exactly one match for the intent")
}

func TestPurchaseValidation(t *testing.T) {
	f := setupPurchase(t, nil)
	_, err := f.purchaser.PurchasePaidMatch(context.Background(), "u1", "")
	assert.True(t, apperrors.IsValidation(err))
}

// reconcilingCredits runs a Reconcile pass in the middle of a debit, as a
// scheduler would if the debit stalled past the grace period. With
// debitFirst the debit commits before Reconcile looks at the intent.
type reconcilingCredits struct {
	matching.Credits
	t          *testing.T
	f          *purchaseFixture
	debitFirst bool
}

func (r reconcilingCredits) Consume(ctx context.Context, req ledger.ConsumeRequest) (bool, error) {
	if r.debitFirst {
		ok, err := r.Credits.Consume(ctx, req)
		if err != nil || !ok {
			return ok, err
		}
	}

	r.f.backdate(r.t, req.ReferenceID)
	_, err := r.f.purchaser.Reconcile(ctx, time.Minute)
	require.NoError(r.t, err)

	if r.debitFirst {
		return true, nil
	}
	return r.Credits.Consume(ctx, req)
}

func TestPurchaseFinishedByReconcileMidDebitIsNotRefunded(t *testing.T) {
	ctx := context.Background()
	f := setupPurchase(t, nil)
	buyer := matching.NewPurchaser(f.engine, f.intents, reconcilingCredits{Credits: f.ledger, t: t, f: f, debitFirst: true}, f.store,
		&settings.Static{Matches: settings.MatchConfig{CostPerMatch: 5}})

	res, err := buyer.PurchasePaidMatch(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Nil(t, res.Declined)
	require.NotNil(t, res.Match)
	assert.Equal(t, res.IntentID, res.Match.ID)

	c, err := f.ledger.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), c.CurrentBalance, "paid once, never refunded")

	refunds, err := f.store.SumByReason(ctx, "u1", db.ReasonRefundCancelledChat)
	require.NoError(t, err)
	assert.Zero(t, refunds)

	intent, err := f.intents.Get(ctx, res.IntentID)
	require.NoError(t, err)
	assert.Equal(t, db.IntentCompleted, intent.Status)

	hist, err := f.engine.History(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestPurchaseCancelledByReconcileMidDebitIsRefunded(t *testing.T) {
	ctx := context.Background()
	f := setupPurchase(t, nil)
	buyer := matching.NewPurchaser(f.engine, f.intents, reconcilingCredits{Credits: f.ledger, t: t, f: f}, f.store,
		&settings.Static{Matches: settings.MatchConfig{CostPerMatch: 5}})

	res, err := buyer.PurchasePaidMatch(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.False(t, res.Granted)
	require.Error(t, res.Declined)
	assert.Nil(t, res.Match)

	c, err := f.ledger.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), c.CurrentBalance, "debit was returned")

	intent, err := f.intents.Get(ctx, res.IntentID)
	require.NoError(t, err)
	assert.Equal(t, db.IntentCancelled, intent.Status)

	hist, err := f.engine.History(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, hist)
}
