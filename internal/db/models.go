package db

import "time"

// JobRecord is the persisted row for one internal/queue.Job. JSON columns
// hold the fields that have no stable relational shape (Requirements,
// Payload, Result) rather than forcing them into normalized tables.
//
// Only enough is persisted to rehydrate a job as pending after a restart
// (SPEC_FULL.md "MODULE: Persistence"); AssignedSession is never written
// because assignment is always re-derived in memory.
type JobRecord struct {
	JobID        string `gorm:"primaryKey"`
	ClientID     string `gorm:"not null;index"`
	AccountID    string `gorm:"default:''"`
	WorkspaceID  string `gorm:"default:''"`
	DeploymentID string `gorm:"default:'';index"`
	FlowNodeID   string `gorm:"default:''"`

	Requirements string `gorm:"type:text;default:'{}'"` // JSON capability.Requirements
	Payload      string `gorm:"type:text;default:'null'"` // JSON, opaque to this package

	TimeoutSeconds int
	Status         string `gorm:"not null;index"`
	Attempts       int

	EnqueuedAt  time.Time `gorm:"not null"`
	AssignedAt  time.Time
	CompletedAt time.Time

	Result        string `gorm:"type:text;default:'null'"` // JSON queue.Result, set at completion
	FailureReason string `gorm:"default:''"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

// DeploymentRecord is the persisted row for one internal/deployment.Deployment.
// Nodes/Connections/NodeState are stored as JSON snapshots — they are never
// queried relationally, only replayed wholesale on the rehydrate path.
type DeploymentRecord struct {
	DeploymentID string `gorm:"primaryKey"`
	FlowID       string `gorm:"not null;index"`
	Name         string `gorm:"default:''"`
	ClientID     string `gorm:"not null;index"`
	WorkspaceID  string `gorm:"default:''"`

	Nodes       string `gorm:"type:text;not null"` // JSON []deployment.Node
	Connections string `gorm:"type:text;not null"` // JSON []deployment.Connection
	NodeState   string `gorm:"type:text;default:'{}'"` // JSON map[string]deployment.NodeState

	Status         string `gorm:"not null;index"`
	TotalCostCents int64
	Error          string `gorm:"type:text;default:''"`

	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null;autoUpdateTime"`
	CompletedAt time.Time
}

// SessionPolicyRecord is the only part of a worker session that survives a
// restart: the resource limits and workspace bindings an operator assigned
// to a node-id out of band (e.g. via the admin API) before the worker ever
// connected. Live session state (liveness, current jobs, share key) is
// always rebuilt from scratch by internal/registry.Register.
type SessionPolicyRecord struct {
	NodeID          string `gorm:"primaryKey"`
	WorkspaceIDs    string `gorm:"type:text;default:'[]'"` // JSON []string
	CPUCoresLimit   float64
	RAMPercent      float64
	StorageGBLimit  float64
	GPUVRAMPercent  float64

	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}
