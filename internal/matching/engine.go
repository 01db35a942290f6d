// Package matching grants, consumes and expires match entitlements.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oggyb/match-credits/internal/db"
	apperrors "github.com/oggyb/match-credits/internal/errors"
	"github.com/oggyb/match-credits/internal/logger"
	"github.com/oggyb/match-credits/internal/metrics"
	"github.com/oggyb/match-credits/internal/store"
)

const (
	dayLayout = "2006-01-02"

	defaultSweepBatch   = 500
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Breakdown is a user's match inventory grouped by type.
type Breakdown struct {
	TotalAvailable int64
	ByType         map[db.MatchType]store.TypeCounts
}

// Engine owns every MatchRecord state change.
type Engine struct {
	matches    store.MatchStore
	metrics    *metrics.Metrics
	log        *slog.Logger
	now        func() time.Time
	sweepBatch int
}

type Option func(*Engine)

// WithClock replaces time.Now. The engine always works in UTC.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithSweepBatchSize bounds how many rows one expiry statement touches.
func WithSweepBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sweepBatch = n
		}
	}
}

func NewEngine(matches store.MatchStore, opts ...Option) *Engine {
	e := &Engine{
		matches:    matches,
		metrics:    metrics.Nop(),
		log:        logger.Discard(),
		now:        time.Now,
		sweepBatch: defaultSweepBatch,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now returns the engine clock in UTC, truncated to milliseconds to match
// what the store persists.
func (e *Engine) Now() time.Time {
	return e.now().UTC().Truncate(time.Millisecond)
}

// DayBounds returns the UTC calendar day containing t as [start, end).
func DayBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// NextDailyExpiry is the expiry given to a daily free match granted at
// now: the following UTC midnight.
func NextDailyExpiry(now time.Time) time.Time {
	_, end := DayBounds(now)
	return end
}

func (e *Engine) newRecord(id, userID, candidateID string, typ db.MatchType, credits int64, expiresAt *time.Time, now time.Time) *db.MatchRecord {
	if id == "" {
		id = uuid.NewString()
	}
	return &db.MatchRecord{
		ID:              id,
		UserID:          userID,
		MatchType:       typ,
		SubAccountID:    candidateID,
		Status:          db.MatchAvailable,
		CreditsConsumed: credits,
		ExpiresAt:       expiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// GrantInitialMatches creates one never-expiring INITIAL record per
// candidate. Running it once per user is the onboarding flow's job.
func (e *Engine) GrantInitialMatches(ctx context.Context, userID string, candidateIDs []string, creditsPerMatch int64) ([]db.MatchRecord, error) {
	if err := requireID("user_id", userID); err != nil {
		return nil, err
	}
	if len(candidateIDs) == 0 {
		return nil, apperrors.Invalid("candidate_ids", "must not be empty")
	}
	if creditsPerMatch < 0 {
		return nil, apperrors.Invalid("credits_per_match", "must not be negative")
	}

	now := e.Now()
	records := make([]*db.MatchRecord, 0, len(candidateIDs))
	for _, c := range candidateIDs {
		if err := requireID("candidate_id", c); err != nil {
			return nil, err
		}
		records = append(records, e.newRecord("", userID, c, db.MatchInitial, creditsPerMatch, nil, now))
	}

	if err := e.matches.Insert(ctx, records...); err != nil {
		e.metrics.MatchGrants.WithLabelValues(string(db.MatchInitial), "error").Inc()
		return nil, err
	}
	e.metrics.MatchGrants.WithLabelValues(string(db.MatchInitial), "ok").Add(float64(len(records)))
	e.log.Info("initial matches granted", "user_id", userID, "count", len(records))

	out := make([]db.MatchRecord, len(records))
	for i, r := range records {
		out[i] = *r
	}
	return out, nil
}

// GrantDailyFreeMatch grants today's free match.
//
// The grant is a single insert keyed on (user, UTC day); if a daily match
// was already granted today it returns nil, false, nil. A zero expiresAt
// defaults to the next UTC midnight.
func (e *Engine) GrantDailyFreeMatch(ctx context.Context, userID, candidateID string, expiresAt time.Time) (*db.MatchRecord, bool, error) {
	if err := requireID("user_id", userID); err != nil {
		return nil, false, err
	}
	if err := requireID("candidate_id", candidateID); err != nil {
		return nil, false, err
	}

	now := e.Now()
	if expiresAt.IsZero() {
		expiresAt = NextDailyExpiry(now)
	}
	expiresAt = expiresAt.UTC()
	if !expiresAt.After(now) {
		return nil, false, apperrors.Invalid("expires_at", "must be in the future")
	}

	rec := e.newRecord("", userID, candidateID, db.MatchDailyFree, 0, &expiresAt, now)
	key := now.Format(dayLayout)
	rec.DailyKey = &key

	ok, err := e.matches.InsertDaily(ctx, rec)
	if err != nil {
		e.metrics.MatchGrants.WithLabelValues(string(db.MatchDailyFree), "error").Inc()
		return nil, false, err
	}
	if !ok {
		e.metrics.MatchGrants.WithLabelValues(string(db.MatchDailyFree), "duplicate").Inc()
		e.log.Debug("daily match already granted", "user_id", userID, "day", key)
		return nil, false, nil
	}

	e.metrics.MatchGrants.WithLabelValues(string(db.MatchDailyFree), "ok").Inc()
	e.log.Info("daily match granted", "user_id", userID, "candidate_id", candidateID, "expires_at", expiresAt)
	return rec, true, nil
}

// GrantPaidMatch records a paid match. The caller must already have
// debited the credits; PurchasePaidMatch does both as a saga.
func (e *Engine) GrantPaidMatch(ctx context.Context, userID, candidateID string, creditsConsumed int64) (*db.MatchRecord, error) {
	return e.grantPaid(ctx, "", userID, candidateID, creditsConsumed)
}

func (e *Engine) grantPaid(ctx context.Context, id, userID, candidateID string, creditsConsumed int64) (*db.MatchRecord, error) {
	if err := requireID("user_id", userID); err != nil {
		return nil, err
	}
	if err := requireID("candidate_id", candidateID); err != nil {
		return nil, err
	}
	if creditsConsumed < 0 {
		return nil, apperrors.Invalid("credits_consumed", "must not be negative")
	}

	rec := e.newRecord(id, userID, candidateID, db.MatchPaid, creditsConsumed, nil, e.Now())
	if err := e.matches.Insert(ctx, rec); err != nil {
		e.metrics.MatchGrants.WithLabelValues(string(db.MatchPaid), "error").Inc()
		return nil, err
	}
	e.metrics.MatchGrants.WithLabelValues(string(db.MatchPaid), "ok").Inc()
	e.log.Info("paid match granted", "user_id", userID, "candidate_id", candidateID, "credits", creditsConsumed)
	return rec, nil
}

// Consume moves the match AVAILABLE -> CONSUMED. It returns false if the
// match is not the user's, was already consumed, or has expired.
func (e *Engine) Consume(ctx context.Context, matchID, userID string) (bool, error) {
	if err := requireID("match_id", matchID); err != nil {
		return false, err
	}
	if err := requireID("user_id", userID); err != nil {
		return false, err
	}

	ok, err := e.matches.MarkConsumed(ctx, matchID, userID, e.Now())
	switch {
	case err != nil:
		e.metrics.MatchConsumptions.WithLabelValues("error").Inc()
		return false, err
	case !ok:
		e.metrics.MatchConsumptions.WithLabelValues("unavailable").Inc()
		return false, nil
	}
	e.metrics.MatchConsumptions.WithLabelValues("ok").Inc()
	e.log.Info("match consumed", "user_id", userID, "match_id", matchID)
	return true, nil
}

// ConsumeForCandidate consumes the user's available match for
// subAccountID. It returns the consumed record, or nil when there is none.
func (e *Engine) ConsumeForCandidate(ctx context.Context, userID, subAccountID string) (*db.MatchRecord, error) {
	if err := requireID("user_id", userID); err != nil {
		return nil, err
	}
	if err := requireID("sub_account_id", subAccountID); err != nil {
		return nil, err
	}

	// Retry once: a concurrent consumer may take the first record we find.
	for range 2 {
		m, err := e.matches.FindByCandidate(ctx, userID, subAccountID, e.Now())
		if errors.Is(err, store.ErrNotFound) {
			e.metrics.MatchConsumptions.WithLabelValues("unavailable").Inc()
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		ok, err := e.Consume(ctx, m.ID, userID)
		if err != nil {
			return nil, err
		}
		if ok {
			m.Status = db.MatchConsumed
			return m, nil
		}
	}
	return nil, nil
}

// ExpireOlderThan sweeps AVAILABLE records whose expiry is before now.
func (e *Engine) ExpireOlderThan(ctx context.Context, now time.Time) (int64, error) {
	n, err := e.matches.SweepExpired(ctx, now.UTC(), e.sweepBatch)
	if n > 0 {
		e.metrics.MatchesExpired.Add(float64(n))
		e.log.Info("matches expired", "count", n)
	}
	if err != nil {
		return n, fmt.Errorf("sweep expired matches: %w", err)
	}
	return n, nil
}

// Get returns one record.
func (e *Engine) Get(ctx context.Context, matchID string) (*db.MatchRecord, error) {
	if err := requireID("match_id", matchID); err != nil {
		return nil, err
	}
	return e.matches.Get(ctx, matchID)
}

// Available lists the user's consumable matches, oldest first.
func (e *Engine) Available(ctx context.Context, userID string, limit int) ([]db.MatchRecord, error) {
	if err := requireID("user_id", userID); err != nil {
		return nil, err
	}
	return e.matches.FindAvailable(ctx, userID, e.Now(), limit)
}

// AvailableByType lists the user's consumable matches of one type.
func (e *Engine) AvailableByType(ctx context.Context, userID string, typ db.MatchType) ([]db.MatchRecord, error) {
	if err := requireID("user_id", userID); err != nil {
		return nil, err
	}
	if !typ.Valid() {
		return nil, apperrors.Invalid("match_type", fmt.Sprintf("unknown type %q", typ))
	}
	return e.matches.FindAvailableByType(ctx, userID, typ, e.Now())
}

func (e *Engine) Breakdown(ctx context.Context, userID string) (Breakdown, error) {
	if err := requireID("user_id", userID); err != nil {
		return Breakdown{}, err
	}
	counts, err := e.matches.CountsByType(ctx, userID, e.Now())
	if err != nil {
		return Breakdown{}, err
	}
	b := Breakdown{ByType: counts}
	for _, c := range counts {
		b.TotalAvailable += c.Available
	}
	return b, nil
}

// History lists the user's records newest first. limit defaults to 50 and
// is capped at 500.
func (e *Engine) History(ctx context.Context, userID string, limit int) ([]db.MatchRecord, error) {
	if err := requireID("user_id", userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return e.matches.History(ctx, userID, min(limit, maxHistoryLimit))
}

func (e *Engine) HasDailyMatchToday(ctx context.Context, userID string) (bool, error) {
	if err := requireID("user_id", userID); err != nil {
		return false, err
	}
	start, end := DayBounds(e.Now())
	return e.matches.HasDailyMatch(ctx, userID, start, end)
}

func requireID(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return apperrors.Invalid(field, "must not be empty")
	}
	return nil
}
