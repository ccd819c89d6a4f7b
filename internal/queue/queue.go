package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fluxmesh/orchestrator/internal/accounts"
	"github.com/fluxmesh/orchestrator/internal/metrics"
	"github.com/fluxmesh/orchestrator/internal/orcherr"
	"github.com/fluxmesh/orchestrator/internal/registry"
)

// ErrNotFound is returned by Get/Cancel/OnResult for an unknown job-id.
var ErrNotFound = errors.New("queue: job not found")

// WakeFunc notifies the Dispatcher that queue state changed (new job
// submitted, job completed) — same pattern as registry.WakeFunc, kept as a
// distinct type so the two packages stay decoupled from each other.
type WakeFunc func()

// JobAssignment is the payload of an outbound job_assignment message
// (spec §4.3). Type is currently always "module-execution" (Design Note §9).
type JobAssignment struct {
	JobID       string
	Type        string
	Payload     any
	WorkspaceID string
}

// SessionSender is how the queue reaches a worker session without importing
// the session package (which in turn depends on queue's types) — implemented
// by internal/session.
type SessionSender interface {
	SendAssignment(sessionID string, assignment JobAssignment) error
	SendCancel(sessionID, jobID string) error
}

// Config tunes queue behavior.
type Config struct {
	MaxAttempts int
}

// Persister is the best-effort write side of the Persistence module (spec
// §6): it records a job's current state at each of the four transition
// points this package names (enqueue, assign, complete, cancel). A write
// failure must never fail the in-memory transition, so the interface has no
// error return — implementations log their own failures.
type Persister interface {
	SaveJob(job *Job)
}

// Queue holds the FIFO of pending jobs and every job's current record.
type Queue struct {
	mu sync.Mutex

	jobs    map[string]*Job
	pending []string // FIFO of job-ids with status == pending
	waiters map[string][]chan struct{}

	cfg      Config
	reg      *registry.Registry
	sender   SessionSender
	gateway  accounts.Gateway
	wake     WakeFunc
	persist  Persister
	logger   *zap.Logger
}

// New creates an empty Queue.
func New(cfg Config, reg *registry.Registry, sender SessionSender, gateway accounts.Gateway, wake WakeFunc, logger *zap.Logger) *Queue {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Queue{
		jobs:    make(map[string]*Job),
		waiters: make(map[string][]chan struct{}),
		cfg:     cfg,
		reg:     reg,
		sender:  sender,
		gateway: gateway,
		wake:    wake,
		logger:  logger.Named("queue"),
	}
}

// SetPersister installs the Persistence module's write side. Optional — a
// Queue with no persister runs purely in-memory.
func (q *Queue) SetPersister(p Persister) {
	q.persist = p
}

func (q *Queue) persistJob(j *Job) {
	if q.persist != nil {
		q.persist.SaveJob(j.clone())
	}
}

func (q *Queue) signal() {
	if q.wake != nil {
		q.wake()
	}
}

// SubmitRequest bundles Submit's arguments; DeploymentID/FlowNodeID are set
// by the Flow Deployment Engine and otherwise left empty.
type SubmitRequest struct {
	ClientID       string
	AccountID      string
	WorkspaceID    string
	DeploymentID   string
	FlowNodeID     string
	Requirements   Requirements
	Payload        any
	TimeoutSeconds int
}

// Submit enqueues a new job. If AccountID is set, a credit reservation is
// requested first; failure rejects the job before it is ever enqueued
// (spec §4.4).
func (q *Queue) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("queue: failed to generate job id: %w", err)
	}
	jobID := id.String()

	var reservationID string
	if req.AccountID != "" {
		reservationID, err = q.gateway.Reserve(ctx, req.AccountID, req.Requirements.MaxCostCents, req.Requirements.Currency)
		if err != nil {
			return "", orcherr.Wrap(orcherr.KindInsufficientFunds, err, "reservation failed")
		}
	}

	job := &Job{
		JobID:          jobID,
		ClientID:       req.ClientID,
		AccountID:      req.AccountID,
		WorkspaceID:    req.WorkspaceID,
		DeploymentID:   req.DeploymentID,
		FlowNodeID:     req.FlowNodeID,
		Requirements:   req.Requirements,
		Payload:        req.Payload,
		TimeoutSeconds: req.TimeoutSeconds,
		Status:         StatusPending,
		ReservationID:  reservationID,
		EnqueuedAt:     time.Now().UTC(),
		Attempts:       1,
	}

	q.mu.Lock()
	q.jobs[jobID] = job
	q.pending = append(q.pending, jobID)
	q.mu.Unlock()

	q.logger.Info("job submitted", zap.String("job_id", jobID), zap.String("client_id", req.ClientID))
	q.persistJob(job)
	q.signal()
	return jobID, nil
}

// Get returns a snapshot of a job's current state.
func (q *Queue) Get(jobID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return j.clone(), nil
}

// List returns snapshots of jobs matching filter.
func (q *Queue) List(filter Filter) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, 0)
	for _, j := range q.jobs {
		if filter.matches(j) {
			out = append(out, j.clone())
		}
	}
	return out
}

// Cancel transitions a non-terminal job to cancelled, signals the owning
// session if assigned, and refunds any reservation. Returns false if the job
// was already terminal.
func (q *Queue) Cancel(ctx context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	j, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return false, ErrNotFound
	}
	if j.Status.Terminal() {
		q.mu.Unlock()
		return false, nil
	}

	assignedSession := j.AssignedSession
	reservationID := j.ReservationID
	j.Status = StatusCancelled
	j.CompletedAt = time.Now().UTC()
	q.removeFromPendingLocked(jobID)
	q.mu.Unlock()

	if assignedSession != "" {
		q.reg.RemoveCurrentJob(assignedSession, jobID)
		if err := q.sender.SendCancel(assignedSession, jobID); err != nil {
			q.logger.Warn("failed to deliver job_cancelled", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	if reservationID != "" {
		if err := q.gateway.Refund(ctx, reservationID); err != nil {
			q.logger.Warn("refund failed on cancel", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	q.persistJob(j)
	q.notifyWaiters(jobID)
	q.signal()
	return true, nil
}

// OnResult records a worker's terminal job_result. A result from any session
// other than the job's assigned-session is ignored (spec §4.3 inbound
// job_result handling).
func (q *Queue) OnResult(ctx context.Context, jobID, sessionID string, status Status, result Result) error {
	q.mu.Lock()
	j, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return orcherr.New(orcherr.KindUnknownJob, "job result for unknown job "+jobID)
	}
	if j.AssignedSession != sessionID {
		q.mu.Unlock()
		q.logger.Warn("job result from non-assigned session, ignored",
			zap.String("job_id", jobID), zap.String("session_id", sessionID))
		return nil
	}

	j.Status = status
	j.CompletedAt = time.Now().UTC()
	j.Result = &result
	if status == StatusFailed {
		j.FailureReason = string(orcherr.KindWorkerError)
	}
	reservationID := j.ReservationID
	q.mu.Unlock()

	q.reg.RemoveCurrentJob(sessionID, jobID)
	q.settleReservation(ctx, jobID, reservationID, status, result.ActualCostCents)

	q.persistJob(j)
	q.notifyWaiters(jobID)
	q.signal()
	return nil
}

// MarkRunning transitions an assigned job to running on its first progress
// signal (spec §4.3 job_progress). A no-op if already running or terminal.
func (q *Queue) MarkRunning(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.Status == StatusAssigned {
		j.Status = StatusRunning
	}
	return nil
}

func (q *Queue) settleReservation(ctx context.Context, jobID, reservationID string, status Status, actualCostCents int64) {
	if reservationID == "" {
		return
	}
	if status == StatusCompleted {
		if _, err := q.gateway.Debit(ctx, reservationID, actualCostCents); err != nil {
			q.logger.Warn("debit failed on completion", zap.String("job_id", jobID), zap.Error(err))
		}
		return
	}
	if err := q.gateway.Refund(ctx, reservationID); err != nil {
		q.logger.Warn("refund failed on non-completion", zap.String("job_id", jobID), zap.Error(err))
	}
}

// AwaitResult blocks until jobID reaches a terminal status or ctx is done,
// without polling (Design Note §9). Safe to call concurrently with Tick/OnResult.
func (q *Queue) AwaitResult(ctx context.Context, jobID string) (*Job, error) {
	q.mu.Lock()
	j, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return nil, ErrNotFound
	}
	if j.Status.Terminal() {
		snap := j.clone()
		q.mu.Unlock()
		return snap, nil
	}
	ch := make(chan struct{})
	q.waiters[jobID] = append(q.waiters[jobID], ch)
	q.mu.Unlock()

	select {
	case <-ch:
		return q.Get(jobID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Queue) notifyWaiters(jobID string) {
	q.mu.Lock()
	chans := q.waiters[jobID]
	delete(q.waiters, jobID)
	q.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

// removeFromPendingLocked drops jobID from the pending FIFO. Caller holds q.mu.
func (q *Queue) removeFromPendingLocked(jobID string) {
	for i, id := range q.pending {
		if id == jobID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// Tick enforces timeouts on in-flight jobs, then scans the pending FIFO
// attempting reserve-and-assign against currently eligible sessions
// (spec §4.4). Called by the Dispatcher on every wake.
func (q *Queue) Tick(ctx context.Context) {
	q.enforceTimeouts(ctx)
	q.assignPending(ctx)
	q.reportGauges()
}

// reportGauges publishes the current pending/running counts to Prometheus.
// Called once per tick rather than on every individual mutation since these
// gauges only need dispatcher-cadence freshness.
func (q *Queue) reportGauges() {
	q.mu.Lock()
	var pending, running float64
	pending = float64(len(q.pending))
	for _, j := range q.jobs {
		if j.Status == StatusAssigned || j.Status == StatusRunning {
			running++
		}
	}
	q.mu.Unlock()

	metrics.JobsPending.Set(pending)
	metrics.JobsRunning.Set(running)
}

func (q *Queue) enforceTimeouts(ctx context.Context) {
	now := time.Now().UTC()

	q.mu.Lock()
	var timedOut []*Job
	for _, j := range q.jobs {
		if j.Status != StatusAssigned && j.Status != StatusRunning && j.Status != StatusReserved {
			continue
		}
		if j.TimeoutSeconds <= 0 {
			continue
		}
		if now.Sub(j.AssignedAt) > time.Duration(j.TimeoutSeconds)*time.Second {
			timedOut = append(timedOut, j)
		}
	}
	q.mu.Unlock()

	for _, j := range timedOut {
		q.handleLostJob(ctx, j.JobID, j.AssignedSession, orcherr.KindTimedOut)
	}
}

// handleLostJob is shared by Tick's timeout path and the registry's dead-sweep
// requeue callback (wired in cmd/orchestrator): it either requeues with
// attempts+1 or fails the job terminally once attempts are exhausted.
func (q *Queue) handleLostJob(ctx context.Context, jobID, sessionID string, reason orcherr.Kind) {
	q.mu.Lock()
	j, ok := q.jobs[jobID]
	if !ok || j.Status.Terminal() {
		q.mu.Unlock()
		return
	}

	if sessionID != "" {
		q.mu.Unlock()
		if err := q.sender.SendCancel(sessionID, jobID); err != nil {
			q.logger.Debug("cancel delivery failed for lost job", zap.String("job_id", jobID), zap.Error(err))
		}
		q.reg.RemoveCurrentJob(sessionID, jobID)
		q.mu.Lock()
	}

	if j.Attempts < q.cfg.MaxAttempts {
		j.Attempts++
		j.Status = StatusPending
		j.AssignedSession = ""
		q.pending = append(q.pending, jobID)
		q.mu.Unlock()
		q.logger.Info("job requeued", zap.String("job_id", jobID), zap.String("reason", string(reason)), zap.Int("attempts", j.Attempts))
		q.signal()
		return
	}

	j.Status = StatusTimeout
	if reason == orcherr.KindWorkerLost {
		j.Status = StatusFailed
	}
	j.FailureReason = string(reason)
	j.CompletedAt = time.Now().UTC()
	reservationID := j.ReservationID
	q.mu.Unlock()

	q.settleReservation(ctx, jobID, reservationID, j.Status, 0)
	q.notifyWaiters(jobID)
	q.logger.Info("job failed terminally after exhausting attempts", zap.String("job_id", jobID), zap.String("reason", string(reason)))
}

// RequeueLost is called by the registry's eviction path (via the RequeueFunc
// wired in cmd/orchestrator) for every job owned by a session that was swept
// dead or replaced by a re-registration.
func (q *Queue) RequeueLost(jobID string) {
	q.handleLostJob(context.Background(), jobID, "", orcherr.KindWorkerLost)
}

func (q *Queue) assignPending(ctx context.Context) {
	q.mu.Lock()
	candidates := make([]string, len(q.pending))
	copy(candidates, q.pending)
	q.mu.Unlock()

	for _, jobID := range candidates {
		q.tryAssign(ctx, jobID)
	}
}

func (q *Queue) tryAssign(ctx context.Context, jobID string) {
	q.mu.Lock()
	j, ok := q.jobs[jobID]
	if !ok || j.Status != StatusPending {
		q.mu.Unlock()
		return
	}
	req := j.Requirements
	req.AffinityWSID = j.WorkspaceID
	q.mu.Unlock()

	eligible := q.reg.Eligible(req)
	if len(eligible) == 0 {
		return
	}
	chosen := eligible[0]

	q.mu.Lock()
	j, ok = q.jobs[jobID]
	if !ok || j.Status != StatusPending {
		q.mu.Unlock()
		return
	}
	j.Status = StatusReserved
	j.AssignedSession = chosen.SessionID
	q.mu.Unlock()

	if err := q.reg.AddCurrentJob(chosen.SessionID, jobID); err != nil {
		q.rollbackAssignment(jobID)
		return
	}

	assignment := JobAssignment{
		JobID:       jobID,
		Type:        "module-execution",
		Payload:     j.Payload,
		WorkspaceID: j.WorkspaceID,
	}
	if err := q.sender.SendAssignment(chosen.SessionID, assignment); err != nil {
		q.reg.RemoveCurrentJob(chosen.SessionID, jobID)
		q.rollbackAssignment(jobID)
		metrics.DispatchErrorsTotal.Inc()
		q.logger.Warn("assignment delivery failed, rolled back", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	q.mu.Lock()
	j.Status = StatusAssigned
	j.AssignedAt = time.Now().UTC()
	q.removeFromPendingLocked(jobID)
	q.mu.Unlock()

	metrics.DispatchTotal.Inc()
	q.logger.Info("job assigned", zap.String("job_id", jobID), zap.String("session_id", chosen.SessionID))
	q.persistJob(j)
}

// rollbackAssignment restores a job to pending with attempts incremented
// after a failed send (spec §4.4 reserve-and-assign step 4).
func (q *Queue) rollbackAssignment(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return
	}
	j.Status = StatusPending
	j.AssignedSession = ""
	j.Attempts++
	q.pending = append(q.pending, jobID)
}
