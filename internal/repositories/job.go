package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/fluxmesh/orchestrator/internal/db"
)

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(d *gorm.DB) JobRepository {
	return &gormJobRepository{db: d}
}

func (r *gormJobRepository) Create(ctx context.Context, job *db.JobRecord) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

func (r *gormJobRepository) GetByID(ctx context.Context, jobID string) (*db.JobRecord, error) {
	var job db.JobRecord
	err := r.db.WithContext(ctx).First(&job, "job_id = ?", jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

func (r *gormJobRepository) Update(ctx context.Context, job *db.JobRecord) error {
	result := r.db.WithContext(ctx).Save(job)
	if result.Error != nil {
		return fmt.Errorf("jobs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus updates only the status and failure_reason columns, called at
// the complete/cancel transition points to avoid clobbering fields written
// concurrently elsewhere.
func (r *gormJobRepository) UpdateStatus(ctx context.Context, jobID, status, failureReason string) error {
	result := r.db.WithContext(ctx).
		Model(&db.JobRecord{}).
		Where("job_id = ?", jobID).
		Updates(map[string]interface{}{
			"status":         status,
			"failure_reason": failureReason,
		})
	if result.Error != nil {
		return fmt.Errorf("jobs: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListNonTerminal returns every job row whose status is not one of the
// queue package's terminal statuses.
func (r *gormJobRepository) ListNonTerminal(ctx context.Context) ([]db.JobRecord, error) {
	var jobs []db.JobRecord
	err := r.db.WithContext(ctx).
		Where("status NOT IN ?", []string{"completed", "failed", "cancelled", "timeout"}).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: list non-terminal: %w", err)
	}
	return jobs, nil
}

func (r *gormJobRepository) ListByDeployment(ctx context.Context, deploymentID string) ([]db.JobRecord, error) {
	var jobs []db.JobRecord
	if err := r.db.WithContext(ctx).
		Where("deployment_id = ?", deploymentID).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list by deployment: %w", err)
	}
	return jobs, nil
}

func (r *gormJobRepository) List(ctx context.Context, opts ListOptions) ([]db.JobRecord, int64, error) {
	var jobs []db.JobRecord
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.JobRecord{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}

	return jobs, total, nil
}
