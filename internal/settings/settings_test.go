package settings_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oggyb/match-credits/internal/config"
	"github.com/oggyb/match-credits/internal/settings"
)

func TestFromConfigDefaults(t *testing.T) {
	ctx := context.Background()
	p := settings.FromConfig(config.New())

	coins, err := p.CoinConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), coins.InitialFreeCoins)

	matches, err := p.MatchConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, settings.MatchConfig{CostPerMatch: 5, InitialFreeMatches: 5, DailyFreeMatches: 1}, matches)

	msgs, err := p.MessageConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), msgs.CostPerMessage)
	assert.Zero(t, msgs.InitialFreeMessages)
}

func TestFromConfigOverrides(t *testing.T) {
	t.Setenv("INITIAL_FREE_COINS", "0")
	t.Setenv("COST_PER_MESSAGE", "3")
	t.Setenv("INITIAL_FREE_MESSAGES", "2")

	p := settings.FromConfig(config.New())
	assert.Zero(t, p.Coins.InitialFreeCoins)
	assert.Equal(t, settings.MessageConfig{CostPerMessage: 3, InitialFreeMessages: 2}, p.Messages)
}
