// Package maintenance runs the periodic match expiry sweep, the purchase
// reconciler and the health snapshot.
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/oggyb/match-credits/internal/cache"
	"github.com/oggyb/match-credits/internal/db"
	"github.com/oggyb/match-credits/internal/logger"
	"github.com/oggyb/match-credits/internal/matching"
	"github.com/oggyb/match-credits/internal/metrics"
	"github.com/oggyb/match-credits/internal/store"
)

const (
	JobHourly = "hourly"
	JobDaily  = "daily"

	StatusSuccess        = "success"
	StatusFailed         = "failed"
	StatusPartialFailure = "partial_failure"
	StatusSkipped        = "skipped"

	HealthHealthy         = "healthy"
	HealthAttentionNeeded = "attention_needed"

	TaskExpireMatches      = "expire_matches"
	TaskArchiveCandidates  = "archive_candidates"
	TaskHealth             = "health"
	TaskReconcilePurchases = "reconcile_purchases"
)

// TaskResult is the outcome of one sub-task. A failed task never aborts
// the ones after it.
type TaskResult struct {
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

type RunSummary struct {
	RunID         string                `json:"run_id,omitempty"`
	Job           string                `json:"job"`
	StartedAt     time.Time             `json:"started_at"`
	CompletedAt   time.Time             `json:"completed_at"`
	OverallStatus string                `json:"overall_status"`
	Tasks         map[string]TaskResult `json:"tasks"`
}

type HealthSnapshot struct {
	Total             int64     `json:"total"`
	Available         int64     `json:"available"`
	Consumed          int64     `json:"consumed"`
	Expired           int64     `json:"expired"`
	ExpiringSoon      int64     `json:"expiring_soon"`
	DailyGrantedToday int64     `json:"daily_granted_today"`
	Status            string    `json:"status"`
	Timestamp         time.Time `json:"timestamp"`
}

// Reconciler finishes stale paid purchases.
type Reconciler interface {
	Reconcile(ctx context.Context, olderThan time.Duration) (matching.ReconcileReport, error)
}

type Config struct {
	ArchiveAfterDays int
	HealthCacheTTL   time.Duration
	LockTTL          time.Duration
	PurchaseGrace    time.Duration
}

// Deps wires a Sweeper. Purchases, Runs and Cache are optional.
type Deps struct {
	Engine    *matching.Engine
	Matches   store.MatchStore
	Purchases Reconciler
	Runs      store.RunStore
	Cache     *cache.RedisCache
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type Sweeper struct {
	Deps
	cfg Config
}

type task struct {
	name string
	fn   func(ctx context.Context) (map[string]any, error)
}

func NewSweeper(d Deps, cfg Config) *Sweeper {
	if d.Metrics == nil {
		d.Metrics = metrics.Nop()
	}
	if d.Logger == nil {
		d.Logger = logger.Discard()
	}
	if cfg.ArchiveAfterDays <= 0 {
		cfg.ArchiveAfterDays = 30
	}
	if cfg.HealthCacheTTL <= 0 {
		cfg.HealthCacheTTL = time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.PurchaseGrace <= 0 {
		cfg.PurchaseGrace = 5 * time.Minute
	}
	return &Sweeper{Deps: d, cfg: cfg}
}

// RunHourly expires overdue matches and reconciles stale purchases.
func (s *Sweeper) RunHourly(ctx context.Context) (RunSummary, error) {
	return s.run(ctx, JobHourly, []task{
		{TaskExpireMatches, s.expireTask},
		{TaskReconcilePurchases, s.reconcileTask},
	})
}

// RunDaily is RunHourly plus the archival report and a fresh health
// snapshot.
func (s *Sweeper) RunDaily(ctx context.Context) (RunSummary, error) {
	return s.run(ctx, JobDaily, []task{
		{TaskExpireMatches, s.expireTask},
		{TaskArchiveCandidates, s.archiveTask},
		{TaskHealth, s.healthTask},
		{TaskReconcilePurchases, s.reconcileTask},
	})
}

// ExpireMatches is the direct admin trigger for the sweep.
func (s *Sweeper) ExpireMatches(ctx context.Context) (int64, error) {
	return s.Engine.ExpireOlderThan(ctx, s.Engine.Now())
}

// Health returns the cached snapshot, computing it on a miss.
func (s *Sweeper) Health(ctx context.Context) (HealthSnapshot, error) {
	if s.Cache != nil {
		var snap HealthSnapshot
		found, err := s.Cache.GetJSON(ctx, s.Cache.KeyForHealth(), &snap)
		if err != nil {
			s.Logger.Warn("health cache read failed", "err", err)
		} else if found {
			return snap, nil
		}
	}
	return s.refreshHealth(ctx)
}

func (s *Sweeper) refreshHealth(ctx context.Context) (HealthSnapshot, error) {
	now := s.Engine.Now()
	dayStart, _ := matching.DayBounds(now)
	stats, err := s.Matches.Stats(ctx, now, dayStart)
	if err != nil {
		return HealthSnapshot{}, err
	}

	snap := HealthSnapshot{
		Total:             stats.Total,
		Available:         stats.Available,
		Consumed:          stats.Consumed,
		Expired:           stats.Expired,
		ExpiringSoon:      stats.ExpiringSoon,
		DailyGrantedToday: stats.DailyGrantedToday,
		Status:            HealthHealthy,
		Timestamp:         now,
	}
	if stats.Available == 0 {
		snap.Status = HealthAttentionNeeded
	}

	if s.Cache != nil {
		if err := s.Cache.SetJSON(ctx, s.Cache.KeyForHealth(), snap, s.cfg.HealthCacheTTL); err != nil {
			s.Logger.Warn("health cache write failed", "err", err)
		}
	}
	return snap, nil
}

func (s *Sweeper) expireTask(ctx context.Context) (map[string]any, error) {
	n, err := s.ExpireMatches(ctx)
	return map[string]any{"expired": n}, err
}

func (s *Sweeper) archiveTask(ctx context.Context) (map[string]any, error) {
	cutoff := s.Engine.Now().AddDate(0, 0, -s.cfg.ArchiveAfterDays)
	n, err := s.Matches.CountConsumedBefore(ctx, cutoff)
	return map[string]any{"candidates": n, "cutoff": cutoff}, err
}

func (s *Sweeper) healthTask(ctx context.Context) (map[string]any, error) {
	snap, err := s.refreshHealth(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"total":               snap.Total,
		"available":           snap.Available,
		"consumed":            snap.Consumed,
		"expired":             snap.Expired,
		"expiring_soon":       snap.ExpiringSoon,
		"daily_granted_today": snap.DailyGrantedToday,
		"health_status":       snap.Status,
	}, nil
}

func (s *Sweeper) reconcileTask(ctx context.Context) (map[string]any, error) {
	if s.Purchases == nil {
		return map[string]any{"skipped": true}, nil
	}
	rep, err := s.Purchases.Reconcile(ctx, s.cfg.PurchaseGrace)
	return map[string]any{
		"completed": rep.Completed,
		"cancelled": rep.Cancelled,
		"failed":    rep.Failed,
	}, err
}

// run executes tasks in order under the job lock and persists the summary.
// The returned error is only about the lock; task failures are reported in
// the summary.
func (s *Sweeper) run(ctx context.Context, job string, tasks []task) (RunSummary, error) {
	log := s.Logger.With("job", job)
	sum := RunSummary{
		Job:       job,
		StartedAt: s.Engine.Now(),
		Tasks:     make(map[string]TaskResult, len(tasks)),
	}

	if s.Cache != nil {
		release, ok, err := s.Cache.TryLock(ctx, s.Cache.KeyForJobLock(job), s.cfg.LockTTL)
		if err != nil {
			return sum, fmt.Errorf("acquire %s lock: %w", job, err)
		}
		if !ok {
			log.Info("maintenance job already running, skipping")
			sum.OverallStatus = StatusSkipped
			sum.CompletedAt = s.Engine.Now()
			s.Metrics.MaintenanceRuns.WithLabelValues(job, StatusSkipped).Inc()
			return sum, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				log.Warn("failed to release maintenance lock", "err", err)
			}
		}()
	}

	failed := 0
	for _, t := range tasks {
		start := time.Now()
		data, err := t.fn(ctx)
		elapsed := time.Since(start)
		s.Metrics.MaintenanceLatency.WithLabelValues(t.name).Observe(elapsed.Seconds())

		res := TaskResult{Status: StatusSuccess, Data: data, DurationMS: elapsed.Milliseconds()}
		if err != nil {
			failed++
			res.Status = StatusFailed
			res.Error = err.Error()
			log.Error("maintenance task failed", "task", t.name, "err", err)
		}
		sum.Tasks[t.name] = res
	}

	sum.CompletedAt = s.Engine.Now()
	switch {
	case failed == 0:
		sum.OverallStatus = StatusSuccess
	case failed == len(tasks):
		sum.OverallStatus = StatusFailed
	default:
		sum.OverallStatus = StatusPartialFailure
	}
	s.Metrics.MaintenanceRuns.WithLabelValues(job, sum.OverallStatus).Inc()
	log.Info("maintenance job finished", "status", sum.OverallStatus, "tasks", len(tasks), "failed", failed)

	s.persist(context.WithoutCancel(ctx), &sum)
	return sum, nil
}

func (s *Sweeper) persist(ctx context.Context, sum *RunSummary) {
	if s.Runs == nil {
		return
	}
	body, err := json.Marshal(sum.Tasks)
	if err != nil {
		s.Logger.Warn("failed to encode run summary", "err", err)
		return
	}
	run := &db.MaintenanceRun{
		ID:            uuid.NewString(),
		Job:           sum.Job,
		OverallStatus: sum.OverallStatus,
		Summary:       datatypes.JSON(body),
		StartedAt:     sum.StartedAt,
		CompletedAt:   sum.CompletedAt,
	}
	if err := s.Runs.Save(ctx, run); err != nil {
		s.Logger.Warn("failed to persist run summary", "job", sum.Job, "err", err)
		return
	}
	sum.RunID = run.ID
}

// LastRun returns the most recent persisted summary of job.
func (s *Sweeper) LastRun(ctx context.Context, job string) (*db.MaintenanceRun, error) {
	if s.Runs == nil {
		return nil, store.ErrNotFound
	}
	return s.Runs.Latest(ctx, job)
}
