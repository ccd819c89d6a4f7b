package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/fluxmesh/orchestrator/internal/db"
)

// gormDeploymentRepository is the GORM implementation of DeploymentRepository.
type gormDeploymentRepository struct {
	db *gorm.DB
}

// NewDeploymentRepository returns a DeploymentRepository backed by the
// provided *gorm.DB.
func NewDeploymentRepository(d *gorm.DB) DeploymentRepository {
	return &gormDeploymentRepository{db: d}
}

func (r *gormDeploymentRepository) Create(ctx context.Context, d *db.DeploymentRecord) error {
	if err := r.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("deployments: create: %w", err)
	}
	return nil
}

func (r *gormDeploymentRepository) GetByID(ctx context.Context, deploymentID string) (*db.DeploymentRecord, error) {
	var dep db.DeploymentRecord
	err := r.db.WithContext(ctx).First(&dep, "deployment_id = ?", deploymentID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("deployments: get by id: %w", err)
	}
	return &dep, nil
}

func (r *gormDeploymentRepository) Update(ctx context.Context, d *db.DeploymentRecord) error {
	result := r.db.WithContext(ctx).Save(d)
	if result.Error != nil {
		return fmt.Errorf("deployments: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListNonTerminal returns every deployment row not in a terminal status.
func (r *gormDeploymentRepository) ListNonTerminal(ctx context.Context) ([]db.DeploymentRecord, error) {
	var deps []db.DeploymentRecord
	err := r.db.WithContext(ctx).
		Where("status NOT IN ?", []string{"completed", "failed", "cancelled"}).
		Find(&deps).Error
	if err != nil {
		return nil, fmt.Errorf("deployments: list non-terminal: %w", err)
	}
	return deps, nil
}

func (r *gormDeploymentRepository) ListForClient(ctx context.Context, clientID string, opts ListOptions) ([]db.DeploymentRecord, int64, error) {
	var deps []db.DeploymentRecord
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.DeploymentRecord{}).
		Where("client_id = ?", clientID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("deployments: list for client count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("client_id = ?", clientID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&deps).Error; err != nil {
		return nil, 0, fmt.Errorf("deployments: list for client: %w", err)
	}

	return deps, total, nil
}
