// Package deployment implements the Flow Deployment Engine: DAG validation,
// per-deployment coordinators that spawn jobs in topological order, edge
// condition evaluation, and cascading skip-on-failure. Grounded on the
// teacher's policy/destination fan-out shape
// (server/internal/scheduler/scheduler.go's runJob building one Job plus
// several JobDestination rows per trigger) generalized from "one job, many
// destinations" to "many jobs wired by a DAG."
package deployment

import (
	"sync"
	"time"
)

// NodeStatus is a flow node's per-deployment execution state.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// DeploymentStatus is the overall deployment's lifecycle stage.
type DeploymentStatus string

const (
	StatusPending   DeploymentStatus = "pending"
	StatusDeploying DeploymentStatus = "deploying"
	StatusRunning   DeploymentStatus = "running"
	StatusCompleted DeploymentStatus = "completed"
	StatusFailed    DeploymentStatus = "failed"
	StatusCancelled DeploymentStatus = "cancelled"
)

func (s DeploymentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Node is a flow-scoped module-execution node, value-copied into the
// deployment at submit time (spec §3 "Flow node", Design Note §9 "no
// pointers between node and connection records").
type Node struct {
	NodeID         string
	ModuleID       string
	ModuleVersion  string
	Position       any
	Config         map[string]any
	CredentialRefs map[string]CredentialRef
}

// CredentialRef names a credential by logical key within a node's config.
type CredentialRef struct {
	CredentialID string
	Type         string
}

// ConditionOp is an edge condition's comparison operator.
type ConditionOp string

const (
	OpEq       ConditionOp = "eq"
	OpNe       ConditionOp = "ne"
	OpGt       ConditionOp = "gt"
	OpLt       ConditionOp = "lt"
	OpGte      ConditionOp = "gte"
	OpLte      ConditionOp = "lte"
	OpContains ConditionOp = "contains"
	OpExists   ConditionOp = "exists"
)

// Condition gates a connection: the target only counts this predecessor as
// satisfied if evaluateCondition (see condition.go) returns true against its output.
type Condition struct {
	Field string
	Op    ConditionOp
	Value any
}

// Connection is an edge between two nodes, with optional transform/condition.
type Connection struct {
	SourceNodeID string
	SourcePort   string // default "output"
	TargetNodeID string
	TargetPort   string // default "input"
	Transform    any
	Condition    *Condition
}

func (c Connection) sourcePort() string {
	if c.SourcePort == "" {
		return "output"
	}
	return c.SourcePort
}

func (c Connection) targetPort() string {
	if c.TargetPort == "" {
		return "input"
	}
	return c.TargetPort
}

// NodeState tracks one node's live status within a deployment.
type NodeState struct {
	Status      NodeStatus
	JobID       string
	StartedAt   time.Time
	CompletedAt time.Time
	Error       string
	Output      map[string]any
}

// Deployment is one execution of a flow. mu guards every field below it;
// the coordinator goroutine and registry reads/Cancel all take it, keeping
// the single-deployment critical sections short, same spirit as the
// Dispatcher's one-coarse-mutex model at process scope (spec §5).
type Deployment struct {
	mu sync.Mutex

	DeploymentID string
	FlowID       string
	Name         string
	ClientID     string
	WorkspaceID  string

	Nodes       []Node
	Connections []Connection

	// ResolvedCredentials is the caller-supplied credential-id -> value
	// table nodes' CredentialRefs select from (spec §6 submission request).
	ResolvedCredentials map[string]map[string]any
	Priority            int
	MaxCostCents        int64 // 0 means no override of the module defaults table

	Status DeploymentStatus

	NodeState map[string]*NodeState // by node-id
	NodeJobs  map[string]string     // flow-node-id -> job-id

	TotalCostCents int64
	Error          string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}

// Snapshot is a deep-enough read-only copy safe to hand outside the engine's
// lock. Nodes/Connections are included (alongside live NodeState) so the
// Persistence module can reconstruct a full row without a second accessor —
// both are immutable after Submit, so copying the slice header is enough.
// ResolvedCredentials is deliberately not copied here: it never needs to
// leave the engine once a node has consumed it, and neither the dashboard
// feed nor the deployment-lifecycle API has a reason to echo secret values
// back to a caller.
type Snapshot struct {
	DeploymentID   string
	FlowID         string
	Name           string
	ClientID       string
	WorkspaceID    string
	Nodes          []Node
	Connections    []Connection
	Status         DeploymentStatus
	NodeState      map[string]NodeState
	TotalCostCents int64
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    time.Time
}

func (d *Deployment) snapshot() Snapshot {
	states := make(map[string]NodeState, len(d.NodeState))
	for id, s := range d.NodeState {
		states[id] = *s
	}
	return Snapshot{
		DeploymentID:   d.DeploymentID,
		FlowID:         d.FlowID,
		Name:           d.Name,
		ClientID:       d.ClientID,
		WorkspaceID:    d.WorkspaceID,
		Nodes:          d.Nodes,
		Connections:    d.Connections,
		Status:         d.Status,
		NodeState:      states,
		TotalCostCents: d.TotalCostCents,
		Error:          d.Error,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		CompletedAt:    d.CompletedAt,
	}
}
