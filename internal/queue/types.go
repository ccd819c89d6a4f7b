// Package queue implements the pending-job FIFO and the reserve-and-assign
// protocol that pairs jobs with eligible worker sessions, grounded on the
// teacher's job/destination repository shape (server/internal/db/models.go's
// Job/JobDestination) and its scheduler dispatch flow
// (server/internal/scheduler/scheduler.go's runJob/dispatch).
package queue

import (
	"time"

	"github.com/fluxmesh/orchestrator/internal/capability"
)

// Requirements is an alias so call sites in this package read naturally
// without importing capability directly.
type Requirements = capability.Requirements

// Status is a job's lifecycle stage.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReserved  Status = "reserved"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether a job in this status will never transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// DefaultMaxAttempts allows exactly one requeue after WorkerLost or TimedOut
// before the job fails terminally (spec §4.4 Tick, §7 recovery policy).
const DefaultMaxAttempts = 2

// Result is the outcome reported by a worker's job_result message, or
// synthesized by the queue itself on cancel/timeout.
type Result struct {
	Success         bool
	Outputs         map[string]any
	Error           string
	ActualCostCents int64
}

// Job is the queue's record of one unit of work. Payload is opaque to the
// queue (spec Design Note §9 "polymorphic job payload") — only the Flow
// Deployment Engine and the worker interpret it.
type Job struct {
	JobID       string
	ClientID    string
	AccountID   string // empty means no reservation
	WorkspaceID string // empty means no affinity

	// DeploymentID/FlowNodeID are weak references the Flow Deployment Engine
	// attaches at Submit time; the queue never dereferences them.
	DeploymentID string
	FlowNodeID   string

	Requirements Requirements
	Payload      any

	TimeoutSeconds int
	Status         Status
	AssignedSession string
	ReservationID   string

	EnqueuedAt  time.Time
	AssignedAt  time.Time
	CompletedAt time.Time

	Attempts int
	Result   *Result
	// FailureReason holds the orcherr.Kind string when Status is a failure
	// variant, so callers can distinguish WorkerError from TimedOut etc.
	FailureReason string
}

// clone returns a shallow copy safe to hand to callers outside the queue's lock.
func (j *Job) clone() *Job {
	cp := *j
	return &cp
}

// Filter narrows List results. Zero value matches everything.
type Filter struct {
	ClientID     string
	DeploymentID string
	Status       Status // empty means any
}

func (f Filter) matches(j *Job) bool {
	if f.ClientID != "" && j.ClientID != f.ClientID {
		return false
	}
	if f.DeploymentID != "" && j.DeploymentID != f.DeploymentID {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	return true
}
