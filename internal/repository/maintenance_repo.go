package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/oggyb/match-credits/internal/db"
	"github.com/oggyb/match-credits/internal/store"
)

// RunRepository persists maintenance run summaries.
type RunRepository struct {
	db *gorm.DB
}

var _ store.RunStore = (*RunRepository)(nil)

// NewRunRepository creates a new repository bound to the given DB connection.
func NewRunRepository(database *gorm.DB) *RunRepository {
	return &RunRepository{db: database}
}

func (r *RunRepository) Save(ctx context.Context, run *db.MaintenanceRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

// Latest returns the most recent run of job.
func (r *RunRepository) Latest(ctx context.Context, job string) (*db.MaintenanceRun, error) {
	var run db.MaintenanceRun
	err := r.db.WithContext(ctx).
		Where("job = ?", job).
		Order("started_at DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}
