package messaging_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/oggyb/match-credits/internal/db"
	apperrors "github.com/oggyb/match-credits/internal/errors"
	"github.com/oggyb/match-credits/internal/ledger"
	"github.com/oggyb/match-credits/internal/messaging"
	"github.com/oggyb/match-credits/internal/repository"
	"github.com/oggyb/match-credits/internal/settings"
)

func setupService(t *testing.T, coins, cost int64, free int) (*messaging.Service, *ledger.Ledger) {
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

	provider := &settings.Static{
		Coins:    settings.CoinConfig{InitialFreeCoins: coins},
		Messages: settings.MessageConfig{CostPerMessage: cost, InitialFreeMessages: free},
	}
	l := ledger.New(repository.NewLedgerStore(database), provider)
	svc := messaging.NewService(l, repository.NewMessageStatsRepository(database), provider, nil)
	return svc, l
}

func TestFreeMessagesThenCredits(t *testing.T) {
	ctx := context.Background()
	svc, l := setupService(t, 25, 10, 1)

	out, err := svc.ConsumeMessageCredit(ctx, "u1", "m1")
	require.NoError(t, err)
	assert.Equal(t, messaging.Outcome{Sent: true, UsedFree: true}, out)

	out, err = svc.ConsumeMessageCredit(ctx, "u1", "m2")
	require.NoError(t, err)
	assert.Equal(t, messaging.Outcome{Sent: true, Charged: 10}, out)

	st, err := svc.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, messaging.Status{FreeRemaining: 0, Balance: 15, CostPerMessage: 10, Sendable: 1}, st)

	_, err = svc.ConsumeMessageCredit(ctx, "u1", "m3")
	require.NoError(t, err)

	out, err = svc.ConsumeMessageCredit(ctx, "u1", "m4")
	require.NoError(t, err)
	assert.False(t, out.Sent)
	assert.ErrorIs(t, out.Declined, apperrors.ErrInsufficientCredits)

	can, err := svc.CanSendMessage(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, can)

	txs, err := l.GetUserTransactions(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, db.ReasonMessageConsumption, txs[0].Reason)
	require.NotNil(t, txs[0].ReferenceID)
	assert.Equal(t, "m3", *txs[0].ReferenceID)
}

func TestFreeAllotmentResetsDaily(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupService(t, 0, 10, 2)

	day := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	svc = svc.WithClock(func() time.Time { return day })

	for i := 0; i < 2; i++ {
		out, err := svc.ConsumeMessageCredit(ctx, "u1", "")
		require.NoError(t, err)
		assert.True(t, out.UsedFree)
	}
	can, err := svc.CanSendMessage(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, can)

	day = day.Add(24 * time.Hour)
	st, err := svc.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.FreeRemaining)
}

func TestFreeMessagingWhenCostIsZero(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupService(t, 0, 0, 0)

	out, err := svc.ConsumeMessageCredit(ctx, "u1", "m1")
	require.NoError(t, err)
	assert.True(t, out.Sent)
	assert.Zero(t, out.Charged)

	st, err := svc.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), st.Sendable)
}

func TestMessagingValidation(t *testing.T) {
	svc, _ := setupService(t, 0, 10, 0)
	_, err := svc.ConsumeMessageCredit(context.Background(), "", "m1")
	assert.True(t, apperrors.IsValidation(err))
}
