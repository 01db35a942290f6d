package repository_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/oggyb/match-credits/internal/db"
	"github.com/oggyb/match-credits/internal/repository"
	"github.com/oggyb/match-credits/internal/store"
)

// setup in-memory DB
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	})
	require.NoError(t, err)

	sqlDB, err := database.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.Migrate(database))
	return database
}

func strPtr(s string) *string { return &s }

func TestCreateBalanceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewCreditsRepository(setupTestDB(t))

	c, created, err := repo.CreateBalance(ctx, "u1", 100)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(100), c.CurrentBalance)
	assert.Equal(t, int64(100), c.TotalEarned)

	again, created, err := repo.CreateBalance(ctx, "u1", 999)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(100), again.CurrentBalance)
}

func TestGetBalanceNotFound(t *testing.T) {
	repo := repository.NewCreditsRepository(setupTestDB(t))

	_, err := repo.GetBalance(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetBalanceIgnoresDeletedRows(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	repo := repository.NewCreditsRepository(database)

	_, _, err := repo.CreateBalance(ctx, "u1", 10)
	require.NoError(t, err)
	require.NoError(t, database.Model(&db.UserCredits{}).
		Where("user_id = ?", "u1").
		Update("status", db.StateDeleted).Error)

	_, err = repo.GetBalance(ctx, "u1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, _, err = repo.CreateBalance(ctx, "u1", 10)
	assert.ErrorIs(t, err, store.ErrNotFound, "a deleted account is not resurrected")
}

func TestCompareAndSetBalance(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewCreditsRepository(setupTestDB(t))
	_, _, err := repo.CreateBalance(ctx, "u1", 100)
	require.NoError(t, err)

	// stale expectation loses
	ok, err := repo.CompareAndSetBalance(ctx, "u1", 90, -30, 0, 30)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.CompareAndSetBalance(ctx, "u1", 100, -30, 0, 30)
	require.NoError(t, err)
	assert.True(t, ok)

	c, err := repo.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), c.CurrentBalance)
	assert.Equal(t, int64(100), c.TotalEarned)
	assert.Equal(t, int64(30), c.TotalSpent)
	assert.Equal(t, c.TotalEarned-c.TotalSpent, c.CurrentBalance)
}

func TestRecordRejectsUnbalancedEntries(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewTransactionRepository(setupTestDB(t))

	cases := map[string]db.CreditTransaction{
		"arithmetic":  {UserID: "u1", TransactionType: db.TransactionCredit, Reason: db.ReasonPurchase, Amount: 10, BalanceBefore: 0, BalanceAfter: 11},
		"credit sign": {UserID: "u1", TransactionType: db.TransactionCredit, Reason: db.ReasonPurchase, Amount: -10, BalanceBefore: 20, BalanceAfter: 10},
		"debit sign":  {UserID: "u1", TransactionType: db.TransactionDebit, Reason: db.ReasonMatchConsumption, Amount: 10, BalanceBefore: 0, BalanceAfter: 10},
		"negative":    {UserID: "u1", TransactionType: db.TransactionDebit, Reason: db.ReasonMatchConsumption, Amount: -10, BalanceBefore: 5, BalanceAfter: -5},
	}
	for name, entry := range cases {
		t.Run(name, func(t *testing.T) {
			e := entry
			assert.Error(t, repo.Record(ctx, &e))
		})
	}

	n, err := repo.CountByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func seedTransactions(t *testing.T, repo *repository.TransactionRepository, userID string, amounts ...int64) {
	t.Helper()
	var balance int64
	for _, a := range amounts {
		typ, reason := db.TransactionCredit, db.ReasonPurchase
		if a < 0 {
			typ, reason = db.TransactionDebit, db.ReasonMatchConsumption
		}
		require.NoError(t, repo.Record(context.Background(), &db.CreditTransaction{
			UserID:          userID,
			TransactionType: typ,
			Reason:          reason,
			Amount:          a,
			BalanceBefore:   balance,
			BalanceAfter:    balance + a,
		}))
		balance += a
	}
}

func TestListByUserNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewTransactionRepository(setupTestDB(t))
	seedTransactions(t, repo, "u1", 100, -30, 10)
	seedTransactions(t, repo, "u2", 5)

	txs, err := repo.ListByUser(ctx, "u1", 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, int64(10), txs[0].Amount)
	assert.Equal(t, int64(100), txs[2].Amount)

	txs, err = repo.ListByUser(ctx, "u1", 1, 1)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, int64(-30), txs[0].Amount)
}

func TestListByUserPage(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewTransactionRepository(setupTestDB(t))
	seedTransactions(t, repo, "u1", 1, 2, 3, 4, 5)

	page, next, err := repo.ListByUserPage(ctx, "u1", nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.NotNil(t, next)
	assert.Equal(t, int64(5), page[0].Amount)

	page, next, err = repo.ListByUserPage(ctx, "u1", next, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].Amount)

	page, next, err = repo.ListByUserPage(ctx, "u1", next, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Nil(t, next)
	assert.Equal(t, int64(1), page[0].Amount)

	_, _, err = repo.ListByUserPage(ctx, "u1", strPtr("%%%"), 2)
	assert.Error(t, err)
}

func TestReplayAndSums(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewTransactionRepository(setupTestDB(t))
	seedTransactions(t, repo, "u1", 100, -30, 20, -5)

	var folded int64
	var order []int64
	require.NoError(t, repo.Replay(ctx, "u1", func(e db.CreditTransaction) error {
		folded += e.Amount
		order = append(order, e.Amount)
		return nil
	}))
	assert.Equal(t, int64(85), folded)
	assert.Equal(t, []int64{100, -30, 20, -5}, order)

	spent, err := repo.SumByReason(ctx, "u1", db.ReasonMatchConsumption)
	require.NoError(t, err)
	assert.Equal(t, int64(-35), spent)

	none, err := repo.SumByReason(ctx, "u1", db.ReasonRefundCancelledChat)
	require.NoError(t, err)
	assert.Zero(t, none)

	sums, err := repo.SumsByReason(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(120), sums[db.ReasonPurchase])
	assert.Equal(t, int64(-35), sums[db.ReasonMatchConsumption])
}

func TestFindByReference(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewTransactionRepository(setupTestDB(t))

	require.NoError(t, repo.Record(ctx, &db.CreditTransaction{
		UserID: "u1", TransactionType: db.TransactionCredit, Reason: db.ReasonPurchase,
		Amount: 50, BalanceBefore: 0, BalanceAfter: 50,
		ReferenceType: strPtr("purchase_intent"), ReferenceID: strPtr("intent-1"),
	}))

	found, err := repo.FindByReference(ctx, "purchase_intent", "intent-1")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, int64(50), found[0].Amount)

	found, err = repo.FindByReference(ctx, "purchase_intent", "intent-2")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestAtomicRollsBackBoth(t *testing.T) {
	ctx := context.Background()
	ledger := repository.NewLedgerStore(setupTestDB(t))
	_, _, err := ledger.CreateBalance(ctx, "u1", 100)
	require.NoError(t, err)

	err = ledger.Atomic(ctx, func(tx store.LedgerStore) error {
		ok, err := tx.CompareAndSetBalance(ctx, "u1", 100, -10, 0, 10)
		require.NoError(t, err)
		require.True(t, ok)
		// unbalanced entry fails validation and rolls the CAS back
		return tx.Record(ctx, &db.CreditTransaction{
			UserID: "u1", TransactionType: db.TransactionDebit, Reason: db.ReasonMatchConsumption,
			Amount: -10, BalanceBefore: 100, BalanceAfter: 80,
		})
	})
	require.Error(t, err)

	c, err := ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), c.CurrentBalance)
}

func newMatch(userID, candidate string, typ db.MatchType, expires *time.Time) *db.MatchRecord {
	return &db.MatchRecord{
		ID:           uuid.NewString(),
		UserID:       userID,
		MatchType:    typ,
		SubAccountID: candidate,
		Status:       db.MatchAvailable,
		ExpiresAt:    expires,
	}
}

func TestInsertDailyOncePerDay(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMatchRepository(setupTestDB(t))

	first := newMatch("u1", "c1", db.MatchDailyFree, nil)
	first.DailyKey = strPtr("2026-10-16")
	ok, err := repo.InsertDaily(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)

	second := newMatch("u1", "c2", db.MatchDailyFree, nil)
	second.DailyKey = strPtr("2026-10-16")
	ok, err = repo.InsertDaily(ctx, second)
	require.NoError(t, err)
	assert.False(t, ok)

	other := newMatch("u2", "c2", db.MatchDailyFree, nil)
	other.DailyKey = strPtr("2026-10-16")
	ok, err = repo.InsertDaily(ctx, other)
	require.NoError(t, err)
	assert.True(t, ok)

	// non-daily records carry a NULL key and never collide
	require.NoError(t, repo.Insert(ctx,
		newMatch("u1", "c3", db.MatchPaid, nil),
		newMatch("u1", "c4", db.MatchPaid, nil),
	))
}

func TestMarkConsumedOnlyOnce(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMatchRepository(setupTestDB(t))
	now := time.Now().UTC()

	m := newMatch("u1", "c1", db.MatchInitial, nil)
	require.NoError(t, repo.Insert(ctx, m))

	ok, err := repo.MarkConsumed(ctx, m.ID, "someone-else", now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.MarkConsumed(ctx, m.ID, "u1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkConsumed(ctx, m.ID, "u1", now)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, db.MatchConsumed, got.Status)
	assert.NotNil(t, got.ConsumedAt)
}

func TestMarkConsumedRejectsExpired(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMatchRepository(setupTestDB(t))
	now := time.Now().UTC()
	past := now.Add(-time.Hour)

	m := newMatch("u1", "c1", db.MatchDailyFree, &past)
	require.NoError(t, repo.Insert(ctx, m))

	ok, err := repo.MarkConsumed(ctx, m.ID, "u1", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindAvailableAndByCandidate(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMatchRepository(setupTestDB(t))
	now := time.Now().UTC()
	past, future := now.Add(-time.Hour), now.Add(time.Hour)

	require.NoError(t, repo.Insert(ctx,
		newMatch("u1", "c1", db.MatchInitial, nil),
		newMatch("u1", "c2", db.MatchDailyFree, &future),
		newMatch("u1", "c3", db.MatchDailyFree, &past),
		newMatch("u2", "c1", db.MatchPaid, nil),
	))

	avail, err := repo.FindAvailable(ctx, "u1", now, 0)
	require.NoError(t, err)
	assert.Len(t, avail, 2)

	daily, err := repo.FindAvailableByType(ctx, "u1", db.MatchDailyFree, now)
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.Equal(t, "c2", daily[0].SubAccountID)

	m, err := repo.FindByCandidate(ctx, "u1", "c1", now)
	require.NoError(t, err)
	assert.Equal(t, db.MatchInitial, m.MatchType)

	_, err = repo.FindByCandidate(ctx, "u1", "c3", now)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepExpiredInChunks(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMatchRepository(setupTestDB(t))
	now := time.Now().UTC()
	past, future := now.Add(-time.Hour), now.Add(time.Hour)

	for i := 0; i < 7; i++ {
		require.NoError(t, repo.Insert(ctx, newMatch("u1", fmt.Sprintf("old-%d", i), db.MatchDailyFree, &past)))
	}
	consumed := newMatch("u1", "done", db.MatchDailyFree, &future)
	live := newMatch("u1", "live", db.MatchDailyFree, &future)
	forever := newMatch("u1", "forever", db.MatchInitial, nil)
	require.NoError(t, repo.Insert(ctx, consumed, live, forever))
	ok, err := repo.MarkConsumed(ctx, consumed.ID, "u1", now)
	require.NoError(t, err)
	require.True(t, ok)

	// consumed record whose expiry has since passed stays consumed
	n, err := repo.SweepExpired(ctx, now.Add(2*time.Hour), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)

	got, err := repo.Get(ctx, consumed.ID)
	require.NoError(t, err)
	assert.Equal(t, db.MatchConsumed, got.Status)

	got, err = repo.Get(ctx, forever.ID)
	require.NoError(t, err)
	assert.Equal(t, db.MatchAvailable, got.Status)

	n, err = repo.SweepExpired(ctx, now.Add(2*time.Hour), 3)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStatsAndCounts(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMatchRepository(setupTestDB(t))
	now := time.Now().UTC()
	dayStart := now.Truncate(24 * time.Hour)
	soon, later := now.Add(time.Hour), now.Add(72*time.Hour)

	daily := newMatch("u1", "c1", db.MatchDailyFree, &soon)
	daily.CreatedAt = now
	initial := newMatch("u1", "c2", db.MatchInitial, nil)
	paid := newMatch("u1", "c3", db.MatchPaid, &later)
	require.NoError(t, repo.Insert(ctx, daily, initial, paid))
	_, err := repo.MarkConsumed(ctx, initial.ID, "u1", now)
	require.NoError(t, err)
	_, err = repo.MarkExpired(ctx, paid.ID, now)
	require.NoError(t, err)

	s, err := repo.Stats(ctx, now, dayStart)
	require.NoError(t, err)
	assert.Equal(t, store.MatchStats{
		Total: 3, Available: 1, Consumed: 1, Expired: 1,
		ExpiringSoon: 1, DailyGrantedToday: 1,
	}, s)

	counts, err := repo.CountsByType(ctx, "u1", now)
	require.NoError(t, err)
	assert.Equal(t, store.TypeCounts{Total: 1, Available: 1}, counts[db.MatchDailyFree])
	assert.Equal(t, store.TypeCounts{Total: 1, Consumed: 1}, counts[db.MatchInitial])
	assert.Equal(t, store.TypeCounts{Total: 1}, counts[db.MatchPaid])

	has, err := repo.HasDailyMatch(ctx, "u1", dayStart, dayStart.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, has)

	n, err := repo.CountConsumedBefore(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestIntentTransitions(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewIntentRepository(setupTestDB(t))

	intent := &db.PurchaseIntent{ID: uuid.NewString(), UserID: "u1", SubAccountID: "c1", Cost: 5, Status: db.IntentPending}
	require.NoError(t, repo.Create(ctx, intent))

	ok, err := repo.Transition(ctx, intent.ID, db.IntentPending, db.IntentDebited, nil, "")
	require.NoError(t, err)
	assert.True(t, ok)

	// already moved on
	ok, err = repo.Transition(ctx, intent.ID, db.IntentPending, db.IntentCancelled, nil, "late")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.Transition(ctx, intent.ID, db.IntentDebited, db.IntentCompleted, strPtr("m1"), "")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.Get(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, db.IntentCompleted, got.Status)
	require.NotNil(t, got.MatchID)
	assert.Equal(t, "m1", *got.MatchID)

	stale, err := repo.ListStale(ctx, db.IntentCompleted, time.Now().UTC().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, stale, 1)
}

func TestConsumeFreeMessages(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMessageStatsRepository(setupTestDB(t))

	for i := 0; i < 2; i++ {
		ok, err := repo.ConsumeFree(ctx, "u1", "2026-10-16", 2)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := repo.ConsumeFree(ctx, "u1", "2026-10-16", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	// next day resets the allotment
	ok, err = repo.ConsumeFree(ctx, "u1", "2026-10-17", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	stats, err := repo.GetOrCreate(ctx, "u1", "2026-10-17")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FreeMessagesUsed)
	assert.Equal(t, "2026-10-17", stats.LastResetDay)

	ok, err = repo.ConsumeFree(ctx, "u2", "2026-10-17", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunRepositoryLatest(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewRunRepository(setupTestDB(t))
	now := time.Now().UTC()

	_, err := repo.Latest(ctx, "daily")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, repo.Save(ctx, &db.MaintenanceRun{ID: uuid.NewString(), Job: "daily", OverallStatus: "success", Summary: []byte(`{}`), StartedAt: now.Add(-time.Hour), CompletedAt: now}))
	require.NoError(t, repo.Save(ctx, &db.MaintenanceRun{ID: uuid.NewString(), Job: "daily", OverallStatus: "partial_failure", Summary: []byte(`{}`), StartedAt: now, CompletedAt: now}))

	run, err := repo.Latest(ctx, "daily")
	require.NoError(t, err)
	assert.Equal(t, "partial_failure", run.OverallStatus)
}
