// Package settings supplies the economy values (grant sizes and prices) the
// ledger and match engine read at call time.
package settings

import (
	"context"

	"github.com/oggyb/match-credits/internal/config"
)

type CoinConfig struct {
	InitialFreeCoins int64
}

type MatchConfig struct {
	CostPerMatch       int64
	InitialFreeMatches int
	DailyFreeMatches   int
}

type MessageConfig struct {
	CostPerMessage      int64
	InitialFreeMessages int
}

// Provider is consulted on every operation, so an implementation backed by
// a remote config store can change prices without a restart.
type Provider interface {
	CoinConfig(ctx context.Context) (CoinConfig, error)
	MatchConfig(ctx context.Context) (MatchConfig, error)
	MessageConfig(ctx context.Context) (MessageConfig, error)
}

// Static serves fixed values.
type Static struct {
	Coins    CoinConfig
	Matches  MatchConfig
	Messages MessageConfig
}

var _ Provider = (*Static)(nil)

// FromConfig builds a Static provider from the Economy section.
func FromConfig(cfg *config.Config) *Static {
	e := cfg.Economy
	return &Static{
		Coins: CoinConfig{InitialFreeCoins: e.InitialFreeCoins},
		Matches: MatchConfig{
			CostPerMatch:       e.CostPerMatch,
			InitialFreeMatches: e.InitialFreeMatches,
			DailyFreeMatches:   e.DailyFreeMatches,
		},
		Messages: MessageConfig{
			CostPerMessage:      e.CostPerMessage,
			InitialFreeMessages: e.InitialFreeMessages,
		},
	}
}

func (s *Static) CoinConfig(context.Context) (CoinConfig, error)       { return s.Coins, nil }
func (s *Static) MatchConfig(context.Context) (MatchConfig, error)     { return s.Matches, nil }
func (s *Static) MessageConfig(context.Context) (MessageConfig, error) { return s.Messages, nil }
