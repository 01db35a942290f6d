package matches

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/oggyb/match-credits/internal/app"
	"github.com/oggyb/match-credits/internal/db"
	svcErr "github.com/oggyb/match-credits/internal/errors"
	"github.com/oggyb/match-credits/internal/logger"
	"github.com/oggyb/match-credits/internal/service/rpc"
)

// Service implements the Match gRPC API: granting, buying and consuming
// match entitlements.
type Service struct {
	appCtx *app.AppContext
}

// NewMatchService creates a new Match service with dependencies from AppContext.
func NewMatchService(appCtx *app.AppContext) *Service {
	return &Service{appCtx: appCtx}
}

type matchView struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	MatchType       string     `json:"match_type"`
	SubAccountID    string     `json:"sub_account_id"`
	Status          string     `json:"status"`
	CreditsConsumed int64      `json:"credits_consumed"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	ConsumedAt      *time.Time `json:"consumed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func toView(m *db.MatchRecord) *matchView {
	if m == nil {
		return nil
	}
	return &matchView{
		ID:              m.ID,
		UserID:          m.UserID,
		MatchType:       string(m.MatchType),
		SubAccountID:    m.SubAccountID,
		Status:          string(m.Status),
		CreditsConsumed: m.CreditsConsumed,
		ExpiresAt:       m.ExpiresAt,
		ConsumedAt:      m.ConsumedAt,
		CreatedAt:       m.CreatedAt,
	}
}

func toViews(ms []db.MatchRecord) []*matchView {
	out := make([]*matchView, 0, len(ms))
	for i := range ms {
		out = append(out, toView(&ms[i]))
	}
	return out
}

// GrantInitial grants the onboarding matches.
//
// Behavior:
//   - candidate_ids must be non-empty and no longer than the configured
//     initial free match count.
//   - Records never expire.
//
// Example:
//
//	{"user_id": "u1", "candidate_ids": ["s1", "s2"]}
func (s *Service) GrantInitial(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID := rpc.String(req, "user_id")
	s.log(ctx).Debug("GrantInitial called", "user_id", userID)

	ids, err := rpc.Strings(req, "candidate_ids")
	if err != nil {
		return nil, svcErr.Map(err)
	}
	perMatch, err := rpc.Int(req, "credits_per_match")
	if err != nil {
		return nil, svcErr.Map(err)
	}
	cfg, err := s.appCtx.Settings.MatchConfig(ctx)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	if cfg.InitialFreeMatches > 0 && len(ids) > cfg.InitialFreeMatches {
		return nil, svcErr.InvalidArgument(fmt.Sprintf("at most %d initial matches may be granted", cfg.InitialFreeMatches))
	}

	granted, err := s.appCtx.Matches.GrantInitialMatches(ctx, userID, ids, perMatch)
	if err != nil {
		s.log(ctx).Error("GrantInitialMatches failed", "user_id", userID, "err", err)
		return nil, svcErr.Map(err)
	}
	return respond(struct {
		Matches []*matchView `json:"matches"`
	}{toViews(granted)})
}

// GrantDailyFree grants today's free match, at most one per UTC day.
//
// Behavior:
//   - expires_at is optional (RFC 3339) and defaults to the next UTC midnight.
//   - A second grant on the same day returns granted=false.
//   - FAILED_PRECONDITION when daily free matches are disabled.
func (s *Service) GrantDailyFree(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID := rpc.String(req, "user_id")
	s.log(ctx).Debug("GrantDailyFree called", "user_id", userID)

	cfg, err := s.appCtx.Settings.MatchConfig(ctx)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	if cfg.DailyFreeMatches <= 0 {
		return nil, svcErr.FailedPrecondition("daily free matches are disabled")
	}
	expiresAt, err := rpc.Time(req, "expires_at")
	if err != nil {
		return nil, svcErr.Map(err)
	}

	m, ok, err := s.appCtx.Matches.GrantDailyFreeMatch(ctx, userID, rpc.String(req, "candidate_id"), expiresAt)
	if err != nil {
		s.log(ctx).Error("GrantDailyFreeMatch failed", "user_id", userID, "err", err)
		return nil, svcErr.Map(err)
	}
	return respond(struct {
		Granted bool       `json:"granted"`
		Match   *matchView `json:"match,omitempty"`
	}{ok, toView(m)})
}

// PurchasePaid debits the match price and grants a paid match.
//
// Behavior:
//   - Insufficient credits is granted=false with a declined reason.
//   - intent_id identifies the purchase; the granted match carries the same id.
//
// Example:
//
//	{"user_id": "u1", "candidate_id": "s9"}
func (s *Service) PurchasePaid(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID := rpc.String(req, "user_id")
	s.log(ctx).Debug("PurchasePaid called", "user_id", userID)

	res, err := s.appCtx.Purchases.PurchasePaidMatch(ctx, userID, rpc.String(req, "candidate_id"))
	if err != nil {
		s.log(ctx).Error("PurchasePaidMatch failed", "user_id", userID, "intent_id", res.IntentID, "err", err)
		return nil, svcErr.Map(err)
	}
	declined := ""
	if res.Declined != nil {
		declined = res.Declined.Error()
	}
	return respond(struct {
		Granted  bool       `json:"granted"`
		IntentID string     `json:"intent_id"`
		Cost     int64      `json:"cost"`
		Match    *matchView `json:"match,omitempty"`
		Declined string     `json:"declined,omitempty"`
	}{res.Granted, res.IntentID, res.Cost, toView(res.Match), declined})
}

// Consume uses one match. Either match_id or candidate_id is required;
// with candidate_id the user's oldest available match for that candidate
// is taken. ok=false means nothing was available.
func (s *Service) Consume(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID := rpc.String(req, "user_id")
	matchID := rpc.String(req, "match_id")
	candidateID := rpc.String(req, "candidate_id")
	s.log(ctx).Debug("Consume called", "user_id", userID, "match_id", matchID, "candidate_id", candidateID)

	type result struct {
		OK      bool   `json:"ok"`
		MatchID string `json:"match_id,omitempty"`
	}

	switch {
	case matchID != "":
		ok, err := s.appCtx.Matches.Consume(ctx, matchID, userID)
		if err != nil {
			return nil, svcErr.Map(err)
		}
		if !ok {
			matchID = ""
		}
		return respond(result{ok, matchID})

	case candidateID != "":
		m, err := s.appCtx.Matches.ConsumeForCandidate(ctx, userID, candidateID)
		if err != nil {
			return nil, svcErr.Map(err)
		}
		if m == nil {
			return respond(result{})
		}
		return respond(result{true, m.ID})

	default:
		return nil, svcErr.InvalidArgument("match_id or candidate_id is required")
	}
}

// ListAvailable returns the user's consumable matches and the per-type
// breakdown.
func (s *Service) ListAvailable(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	s.log(ctx).Debug("ListAvailable called", "user_id", req.GetValue())

	ms, err := s.appCtx.Matches.Available(ctx, req.GetValue(), 0)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	b, err := s.appCtx.Matches.Breakdown(ctx, req.GetValue())
	if err != nil {
		return nil, svcErr.Map(err)
	}

	type counts struct {
		Total     int64 `json:"total"`
		Available int64 `json:"available"`
		Consumed  int64 `json:"consumed"`
	}
	byType := make(map[string]counts, len(b.ByType))
	for typ, c := range b.ByType {
		byType[string(typ)] = counts{c.Total, c.Available, c.Consumed}
	}

	s.log(ctx).Debug("ListAvailable result", "count", len(ms))

	return respond(struct {
		TotalAvailable int64             `json:"total_available"`
		ByType         map[string]counts `json:"by_type"`
		Matches        []*matchView      `json:"matches"`
	}{b.TotalAvailable, byType, toViews(ms)})
}

// History lists every record of the user newest first; limit defaults to
// 50 and is capped at 500.
func (s *Service) History(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID := rpc.String(req, "user_id")
	s.log(ctx).Debug("History called", "user_id", userID)

	limit, err := rpc.Int(req, "limit")
	if err != nil {
		return nil, svcErr.Map(err)
	}
	ms, err := s.appCtx.Matches.History(ctx, userID, int(limit))
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return respond(struct {
		Matches []*matchView `json:"matches"`
	}{toViews(ms)})
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
