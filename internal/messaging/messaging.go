// Package messaging charges for chat messages: a daily free allotment
// first, then credits from the ledger.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oggyb/match-credits/internal/db"
	apperrors "github.com/oggyb/match-credits/internal/errors"
	"github.com/oggyb/match-credits/internal/ledger"
	"github.com/oggyb/match-credits/internal/logger"
	"github.com/oggyb/match-credits/internal/settings"
	"github.com/oggyb/match-credits/internal/store"
)

// MessageReference is the reference_type of message debits.
const MessageReference = "message"

// Balances is the slice of the ledger this package needs.
type Balances interface {
	GetOrCreate(ctx context.Context, userID string) (*db.UserCredits, error)
	Consume(ctx context.Context, req ledger.ConsumeRequest) (bool, error)
}

// Outcome describes how a message was paid for.
type Outcome struct {
	Sent     bool
	UsedFree bool
	Charged  int64
	// Declined is set when Sent is false.
	Declined error
}

// Status is the user's current messaging budget.
type Status struct {
	FreeRemaining  int
	Balance        int64
	CostPerMessage int64
	// Sendable is how many messages the user can send right now, or -1 when
	// messages are free.
	Sendable int64
}

type Service struct {
	balances Balances
	stats    store.MessageStatsStore
	settings settings.Provider
	log      *slog.Logger
	now      func() time.Time
}

func NewService(balances Balances, stats store.MessageStatsStore, provider settings.Provider, log *slog.Logger) *Service {
	if log == nil {
		log = logger.Discard()
	}
	return &Service{
		balances: balances,
		stats:    stats,
		settings: provider,
		log:      log,
		now:      time.Now,
	}
}

// WithClock returns a copy of s reading time from now.
func (s *Service) WithClock(now func() time.Time) *Service {
	cp := *s
	cp.now = now
	return &cp
}

func (s *Service) today() string {
	return s.now().UTC().Format("2006-01-02")
}

func (s *Service) Status(ctx context.Context, userID string) (Status, error) {
	if strings.TrimSpace(userID) == "" {
		return Status{}, apperrors.Invalid("user_id", "must not be empty")
	}
	cfg, err := s.settings.MessageConfig(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("load message config: %w", err)
	}

	day := s.today()
	row, err := s.stats.GetOrCreate(ctx, userID, day)
	if err != nil {
		return Status{}, err
	}
	used := row.FreeMessagesUsed
	if row.LastResetDay != day {
		used = 0
	}

	c, err := s.balances.GetOrCreate(ctx, userID)
	if err != nil {
		return Status{}, err
	}

	st := Status{
		FreeRemaining:  max(cfg.InitialFreeMessages-used, 0),
		Balance:        c.CurrentBalance,
		CostPerMessage: cfg.CostPerMessage,
		Sendable:       -1,
	}
	if cfg.CostPerMessage > 0 {
		st.Sendable = int64(st.FreeRemaining) + c.CurrentBalance/cfg.CostPerMessage
	}
	return st, nil
}

// CanSendMessage reports whether the next message would be accepted.
func (s *Service) CanSendMessage(ctx context.Context, userID string) (bool, error) {
	st, err := s.Status(ctx, userID)
	if err != nil {
		return false, err
	}
	return st.Sendable != 0, nil
}

// ConsumeMessageCredit pays for one message, free allotment first.
func (s *Service) ConsumeMessageCredit(ctx context.Context, userID, messageID string) (Outcome, error) {
	if strings.TrimSpace(userID) == "" {
		return Outcome{}, apperrors.Invalid("user_id", "must not be empty")
	}
	cfg, err := s.settings.MessageConfig(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("load message config: %w", err)
	}

	free, err := s.stats.ConsumeFree(ctx, userID, s.today(), cfg.InitialFreeMessages)
	if err != nil {
		return Outcome{}, err
	}
	if free {
		return Outcome{Sent: true, UsedFree: true}, nil
	}
	if cfg.CostPerMessage <= 0 {
		return Outcome{Sent: true}, nil
	}

	ok, err := s.balances.Consume(ctx, ledger.ConsumeRequest{
		UserID:        userID,
		Amount:        cfg.CostPerMessage,
		Reason:        db.ReasonMessageConsumption,
		ReferenceID:   messageID,
		ReferenceType: MessageReference,
		Description:   "Message",
	})
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		s.log.Debug("message declined", "user_id", userID, "cost", cfg.CostPerMessage)
		return Outcome{Declined: apperrors.ErrInsufficientCredits}, nil
	}
	return Outcome{Sent: true, Charged: cfg.CostPerMessage}, nil
}
