// Package repositories is the GORM-backed persistence layer for the
// best-effort durability SPEC_FULL.md's "MODULE: Persistence" describes.
// Repositories operate on the db package's record types directly — never on
// internal/queue.Job or internal/deployment.Deployment — so that this
// package and the in-memory scheduler packages never import each other.
// Callers at the process's wiring layer (cmd/orchestrator) translate between
// the two shapes at the four transition points §6 names: enqueue, assign,
// complete, cancel.
package repositories

import (
	"context"

	"github.com/fluxmesh/orchestrator/internal/db"
)

// ListOptions bounds a list query.
type ListOptions struct {
	Limit  int
	Offset int
}

// JobRepository persists internal/queue job records.
type JobRepository interface {
	Create(ctx context.Context, job *db.JobRecord) error
	GetByID(ctx context.Context, jobID string) (*db.JobRecord, error)
	Update(ctx context.Context, job *db.JobRecord) error
	UpdateStatus(ctx context.Context, jobID, status, failureReason string) error
	// ListNonTerminal returns every job row not in a terminal status — read
	// once at startup so internal/queue can rehydrate its pending FIFO.
	ListNonTerminal(ctx context.Context) ([]db.JobRecord, error)
	ListByDeployment(ctx context.Context, deploymentID string) ([]db.JobRecord, error)
	List(ctx context.Context, opts ListOptions) ([]db.JobRecord, int64, error)
}

// DeploymentRepository persists internal/deployment deployment records.
type DeploymentRepository interface {
	Create(ctx context.Context, d *db.DeploymentRecord) error
	GetByID(ctx context.Context, deploymentID string) (*db.DeploymentRecord, error)
	Update(ctx context.Context, d *db.DeploymentRecord) error
	// ListNonTerminal returns every deployment row not in a terminal status —
	// read once at startup so internal/deployment can mark them failed
	// rather than attempt to resume a coordinator mid-DAG.
	ListNonTerminal(ctx context.Context) ([]db.DeploymentRecord, error)
	ListForClient(ctx context.Context, clientID string, opts ListOptions) ([]db.DeploymentRecord, int64, error)
}

// SessionPolicyRepository persists the only part of a worker session that
// survives a restart: per-node-id resource limits and workspace bindings.
type SessionPolicyRepository interface {
	Upsert(ctx context.Context, p *db.SessionPolicyRecord) error
	GetByNodeID(ctx context.Context, nodeID string) (*db.SessionPolicyRecord, error)
	List(ctx context.Context) ([]db.SessionPolicyRecord, error)
	Delete(ctx context.Context, nodeID string) error
}
