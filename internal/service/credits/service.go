package credits

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/oggyb/match-credits/internal/app"
	"github.com/oggyb/match-credits/internal/db"
	svcErr "github.com/oggyb/match-credits/internal/errors"
	"github.com/oggyb/match-credits/internal/ledger"
	"github.com/oggyb/match-credits/internal/logger"
	"github.com/oggyb/match-credits/internal/service/rpc"
)

// Service implements the Credits gRPC API on top of the ledger and the
// messaging service. Business refusals (insufficient balance) come back
// as ok=false in the response; only bad input and infrastructure failures
// become status errors.
type Service struct {
	appCtx *app.AppContext
}

// NewCreditsService creates a new Credits service with dependencies from AppContext.
func NewCreditsService(appCtx *app.AppContext) *Service {
	return &Service{appCtx: appCtx}
}

type balanceView struct {
	UserID         string    `json:"user_id"`
	CurrentBalance int64     `json:"current_balance"`
	TotalEarned    int64     `json:"total_earned"`
	TotalSpent     int64     `json:"total_spent"`
	Status         string    `json:"status"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type transactionView struct {
	ID            uint64    `json:"id"`
	Type          string    `json:"transaction_type"`
	Reason        string    `json:"reason"`
	Amount        int64     `json:"amount"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	ReferenceID   *string   `json:"reference_id,omitempty"`
	ReferenceType *string   `json:"reference_type,omitempty"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type mutationView struct {
	OK      bool   `json:"ok"`
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// GetBalance returns the user's balance, creating the account with the
// configured initial grant on first access.
//
// Example:
//
//	svc.GetBalance(ctx, wrapperspb.String("u1"))
func (s *Service) GetBalance(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	s.log(ctx).Debug("GetBalance called", "user_id", req.GetValue())

	c, err := s.appCtx.Ledger.GetOrCreate(ctx, req.GetValue())
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return respond(balanceView{
		UserID:         c.UserID,
		CurrentBalance: c.CurrentBalance,
		TotalEarned:    c.TotalEarned,
		TotalSpent:     c.TotalSpent,
		Status:         string(c.Status),
		UpdatedAt:      c.UpdatedAt,
	})
}

// CreateAccount opens a credits account. With with_initial_credits false
// the welcome bonus is held back until GrantInitialCredits, e.g. until the
// user finishes onboarding.
//
// Example:
//
//	{"user_id": "u1", "with_initial_credits": false}
func (s *Service) CreateAccount(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID := rpc.String(req, "user_id")
	withBonus := true
	if v, ok := req.GetFields()["with_initial_credits"]; ok {
		withBonus = v.GetBoolValue()
	}
	s.log(ctx).Debug("CreateAccount called", "user_id", userID, "with_initial_credits", withBonus)

	c, err := s.appCtx.Ledger.GetOrCreateWith(ctx, userID, withBonus)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return respond(balanceView{
		UserID:         c.UserID,
		CurrentBalance: c.CurrentBalance,
		TotalEarned:    c.TotalEarned,
		TotalSpent:     c.TotalSpent,
		Status:         string(c.Status),
		UpdatedAt:      c.UpdatedAt,
	})
}

// GrantInitialCredits pays the welcome bonus to an account opened without
// it. ok=false means the user already received it.
func (s *Service) GrantInitialCredits(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	s.log(ctx).Debug("GrantInitialCredits called", "user_id", req.GetValue())

	ok, err := s.appCtx.Ledger.GrantInitialCredits(ctx, req.GetValue())
	if err != nil {
		s.log(ctx).Error("GrantInitialCredits failed", "user_id", req.GetValue(), "err", err)
		return nil, svcErr.Map(err)
	}
	return s.mutation(ctx, req.GetValue(), ok)
}

// Add credits a user.
//
// Behavior:
//   - Reads user_id, amount, reason, and the optional reference_id,
//     reference_type and description.
//   - amount must be positive and reason a known transaction reason.
//   - Responds with ok and the balance after the call.
//
// Example:
//
//	{"user_id": "u1", "amount": 50, "reason": "purchase", "reference_id": "order-9"}
func (s *Service) Add(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.log(ctx).Debug("Add called", "user_id", rpc.String(req, "user_id"))

	r, err := addRequest(req)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	ok, err := s.appCtx.Ledger.Add(ctx, r)
	if err != nil {
		s.log(ctx).Error("Add failed", "user_id", r.UserID, "err", err)
		return nil, svcErr.Map(err)
	}
	return s.mutation(ctx, r.UserID, ok)
}

// Consume debits a user.
//
// Behavior:
//   - Same fields as Add; amount is the positive number of credits to take.
//   - An insufficient balance is ok=false, not an error, and writes nothing.
//   - A balance that keeps changing under concurrent writers past the retry
//     budget is ABORTED; the caller may retry.
func (s *Service) Consume(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.log(ctx).Debug("Consume called", "user_id", rpc.String(req, "user_id"))

	r, err := addRequest(req)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	ok, err := s.appCtx.Ledger.Consume(ctx, ledger.ConsumeRequest(r))
	if err != nil {
		s.log(ctx).Error("Consume failed", "user_id", r.UserID, "err", err)
		return nil, svcErr.Map(err)
	}
	return s.mutation(ctx, r.UserID, ok)
}

// Adjust applies an admin correction: a positive amount credits, a negative
// one debits. reason defaults to admin_adjustment.
func (s *Service) Adjust(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.log(ctx).Debug("Adjust called", "user_id", rpc.String(req, "user_id"))

	amount, err := rpc.Int(req, "amount")
	if err != nil {
		return nil, svcErr.Map(err)
	}
	adj := ledger.CreditAdjustment{
		UserID:      rpc.String(req, "user_id"),
		Amount:      amount,
		Reason:      db.TransactionReason(rpc.String(req, "reason")),
		Description: rpc.String(req, "description"),
	}
	ok, err := s.appCtx.Ledger.Adjust(ctx, adj)
	if err != nil {
		s.log(ctx).Error("Adjust failed", "user_id", adj.UserID, "err", err)
		return nil, svcErr.Map(err)
	}
	return s.mutation(ctx, adj.UserID, ok)
}

// ListTransactions returns the user's ledger newest first.
//
// Behavior:
//   - limit defaults to 50 and is capped at 500.
//   - page_token continues a previous listing; next_page_token is empty on
//     the last page.
//
// Example:
//
//	{"user_id": "u1", "limit": 20, "page_token": "eyJsYXN0X2lkIjo0Mn0"}
func (s *Service) ListTransactions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.log(ctx).Debug("ListTransactions called", "user_id", rpc.String(req, "user_id"), "token", rpc.String(req, "page_token"))

	limit, err := rpc.Int(req, "limit")
	if err != nil {
		return nil, svcErr.Map(err)
	}
	txs, next, err := s.appCtx.Ledger.ListTransactionsPage(ctx, rpc.String(req, "user_id"), rpc.String(req, "page_token"), int(limit))
	if err != nil {
		s.log(ctx).Error("ListTransactionsPage failed", "err", err)
		return nil, svcErr.Map(err)
	}

	views := make([]transactionView, 0, len(txs))
	for _, t := range txs {
		views = append(views, transactionView{
			ID:            t.ID,
			Type:          string(t.TransactionType),
			Reason:        string(t.Reason),
			Amount:        t.Amount,
			BalanceBefore: t.BalanceBefore,
			BalanceAfter:  t.BalanceAfter,
			ReferenceID:   t.ReferenceID,
			ReferenceType: t.ReferenceType,
			Description:   t.Description,
			CreatedAt:     t.CreatedAt,
		})
	}

	s.log(ctx).Debug("ListTransactions result", "count", len(views), "next_token", next)

	return respond(struct {
		Transactions  []transactionView `json:"transactions"`
		NextPageToken string            `json:"next_page_token"`
	}{views, next})
}

// Summary reports totals and per-reason sums for an existing account.
func (s *Service) Summary(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	s.log(ctx).Debug("Summary called", "user_id", req.GetValue())

	sum, err := s.appCtx.Ledger.Summary(ctx, req.GetValue())
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return respond(struct {
		UserID           string                         `json:"user_id"`
		Balance          int64                          `json:"balance"`
		TotalEarned      int64                          `json:"total_earned"`
		TotalSpent       int64                          `json:"total_spent"`
		ByReason         map[db.TransactionReason]int64 `json:"by_reason"`
		TransactionCount int64                          `json:"transaction_count"`
	}{sum.UserID, sum.Balance, sum.TotalEarned, sum.TotalSpent, sum.ByReason, sum.TransactionCount})
}

// Verify replays the account's ledger and reports whether it matches the
// stored balance.
func (s *Service) Verify(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	s.log(ctx).Debug("Verify called", "user_id", req.GetValue())

	a, err := s.appCtx.Ledger.Verify(ctx, req.GetValue())
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return respond(struct {
		UserID      string `json:"user_id"`
		Balance     int64  `json:"balance"`
		Replayed    int64  `json:"replayed"`
		Entries     int64  `json:"entries"`
		BrokenLinks int    `json:"broken_links"`
		Consistent  bool   `json:"consistent"`
	}{a.UserID, a.Balance, a.Replayed, a.Entries, a.BrokenLinks, a.Consistent})
}

// MessageStatus reports how many messages the user can send right now.
// sendable is -1 when messages are free.
func (s *Service) MessageStatus(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	s.log(ctx).Debug("MessageStatus called", "user_id", req.GetValue())

	st, err := s.appCtx.Messages.Status(ctx, req.GetValue())
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return respond(struct {
		FreeRemaining  int   `json:"free_remaining"`
		Balance        int64 `json:"balance"`
		CostPerMessage int64 `json:"cost_per_message"`
		Sendable       int64 `json:"sendable"`
		CanSend        bool  `json:"can_send"`
	}{st.FreeRemaining, st.Balance, st.CostPerMessage, st.Sendable, st.Sendable != 0})
}

// ConsumeMessage pays for one chat message, free allotment first.
//
// Example:
//
//	{"user_id": "u1", "message_id": "m-17"}
func (s *Service) ConsumeMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID := rpc.String(req, "user_id")
	s.log(ctx).Debug("ConsumeMessage called", "user_id", userID)

	out, err := s.appCtx.Messages.ConsumeMessageCredit(ctx, userID, rpc.String(req, "message_id"))
	if err != nil {
		s.log(ctx).Error("ConsumeMessageCredit failed", "user_id", userID, "err", err)
		return nil, svcErr.Map(err)
	}
	declined := ""
	if out.Declined != nil {
		declined = out.Declined.Error()
	}
	return respond(struct {
		Sent     bool   `json:"sent"`
		UsedFree bool   `json:"used_free"`
		Charged  int64  `json:"charged"`
		Declined string `json:"declined,omitempty"`
	}{out.Sent, out.UsedFree, out.Charged, declined})
}

func (s *Service) mutation(ctx context.Context, userID string, ok bool) (*structpb.Struct, error) {
	c, err := s.appCtx.Ledger.Get(ctx, userID)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return respond(mutationView{OK: ok, UserID: userID, Balance: c.CurrentBalance})
}

func addRequest(req *structpb.Struct) (ledger.AddRequest, error) {
	amount, err := rpc.Int(req, "amount")
	if err != nil {
		return ledger.AddRequest{}, err
	}
	return ledger.AddRequest{
		UserID:        rpc.String(req, "user_id"),
		Amount:        amount,
		Reason:        db.TransactionReason(rpc.String(req, "reason")),
		ReferenceID:   rpc.String(req, "reference_id"),
		ReferenceType: rpc.String(req, "reference_type"),
		Description:   rpc.String(req, "description"),
	}, nil
}

func respond(v any) (*structpb.Struct, error) {
	out, err := rpc.FromJSON(v)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return out, nil
}

// log returns the request-scoped logger set by the server interceptor.
func (s *Service) log(ctx context.Context) *slog.Logger {
	return logger.FromContext(ctx, s.appCtx.Logger)
}
