package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fluxmesh/orchestrator/internal/db"
)

// gormSessionPolicyRepository is the GORM implementation of
// SessionPolicyRepository.
type gormSessionPolicyRepository struct {
	db *gorm.DB
}

// NewSessionPolicyRepository returns a SessionPolicyRepository backed by the
// provided *gorm.DB.
func NewSessionPolicyRepository(d *gorm.DB) SessionPolicyRepository {
	return &gormSessionPolicyRepository{db: d}
}

// Upsert inserts or replaces the policy row for p.NodeID.
func (r *gormSessionPolicyRepository) Upsert(ctx context.Context, p *db.SessionPolicyRecord) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "node_id"}},
			UpdateAll: true,
		}).
		Create(p).Error
	if err != nil {
		return fmt.Errorf("session policies: upsert: %w", err)
	}
	return nil
}

func (r *gormSessionPolicyRepository) GetByNodeID(ctx context.Context, nodeID string) (*db.SessionPolicyRecord, error) {
	var p db.SessionPolicyRecord
	err := r.db.WithContext(ctx).First(&p, "node_id = ?", nodeID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session policies: get by node id: %w", err)
	}
	return &p, nil
}

func (r *gormSessionPolicyRepository) List(ctx context.Context) ([]db.SessionPolicyRecord, error) {
	var policies []db.SessionPolicyRecord
	if err := r.db.WithContext(ctx).Find(&policies).Error; err != nil {
		return nil, fmt.Errorf("session policies: list: %w", err)
	}
	return policies, nil
}

func (r *gormSessionPolicyRepository) Delete(ctx context.Context, nodeID string) error {
	result := r.db.WithContext(ctx).Delete(&db.SessionPolicyRecord{}, "node_id = ?", nodeID)
	if result.Error != nil {
		return fmt.Errorf("session policies: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
