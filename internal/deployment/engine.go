package deployment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fluxmesh/orchestrator/internal/capability"
	"github.com/fluxmesh/orchestrator/internal/notify"
	"github.com/fluxmesh/orchestrator/internal/orcherr"
	"github.com/fluxmesh/orchestrator/internal/queue"
)

// JobQueue is the slice of the Job Queue the Flow Deployment Engine needs:
// submit one node's work, block for its result, and cancel it. Declared here
// rather than imported as *queue.Queue so engine tests can fake it.
type JobQueue interface {
	Submit(ctx context.Context, req queue.SubmitRequest) (string, error)
	AwaitResult(ctx context.Context, jobID string) (*queue.Job, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
}

// SubmitOptions carries the per-submission overrides named in spec §6's
// client submission API: {dryRun, priority, maxCostCents}.
type SubmitOptions struct {
	DryRun       bool
	Priority     int
	MaxCostCents int64
}

// SubmitRequest is the input to Engine.Submit: a flow's nodes and
// connections, addressed to a client and workspace (spec §3 "Deployment").
// ResolvedCredentials is the caller-supplied credential-id -> value table a
// node's CredentialRefs select from (spec §4.6 step 3) — the engine never
// resolves or decrypts a credential itself, only looks one up by id.
type SubmitRequest struct {
	FlowID              string
	Name                string
	ClientID            string
	WorkspaceID         string
	Nodes               []Node
	Connections         []Connection
	ResolvedCredentials map[string]map[string]any
	Options             SubmitOptions
}

// nodeCompletion is the signal a node's goroutine sends back to its
// deployment's coordinator once the node's job reaches a terminal state
// (or fails before ever being submitted) — the same no-poll, channel-close
// style the Job Queue uses for AwaitResult (Design Note §9).
type nodeCompletion struct {
	nodeID string
	job    *queue.Job
	err    error
}

// Persister is the best-effort write side of the Persistence module (spec
// §6) for deployments: it records a deployment's current state at each
// status transition. A write failure must never fail the in-memory
// transition, so the interface has no error return — implementations log
// their own failures.
type Persister interface {
	SaveDeployment(d Snapshot)
}

// Engine is the Flow Deployment Engine (spec §4.6): it validates a flow's
// DAG, then runs one coordinator goroutine per deployment that submits jobs
// in dependency order, evaluates edge conditions, and cascades failures.
type Engine struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	registry *Registry
	jobs     JobQueue
	oracle   capability.Oracle
	hub      *notify.Hub
	persist  Persister
	logger   *zap.Logger
}

// NewEngine wires an Engine. hub may be nil, in which case deployment/node
// status pushes are simply skipped.
func NewEngine(registry *Registry, jobs JobQueue, oracle capability.Oracle, hub *notify.Hub, logger *zap.Logger) *Engine {
	return &Engine{
		cancels:  make(map[string]context.CancelFunc),
		registry: registry,
		jobs:     jobs,
		oracle:   oracle,
		hub:      hub,
		logger:   logger.Named("deployment"),
	}
}

// SetPersister installs the Persistence module's write side. Optional — an
// Engine with no persister runs purely in-memory.
func (e *Engine) SetPersister(p Persister) {
	e.persist = p
}

func (e *Engine) persistDeployment(d *Deployment) {
	if e.persist == nil {
		return
	}
	d.mu.Lock()
	snap := d.snapshot()
	d.mu.Unlock()
	e.persist.SaveDeployment(snap)
}

// Submit validates req's DAG (spec §3 invariant i, §4.6 step 1) and, if
// acyclic, registers the deployment and starts its coordinator goroutine.
// It returns as soon as the deployment exists, without waiting for it to run.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	g := buildGraph(req.Nodes, req.Connections)
	if _, err := topoSort(g); err != nil {
		return "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("deployment: failed to generate deployment id: %w", err)
	}
	deploymentID := id.String()

	nodeState := make(map[string]*NodeState, len(req.Nodes))
	for _, n := range req.Nodes {
		nodeState[n.NodeID] = &NodeState{Status: NodeStatusPending}
	}

	now := time.Now().UTC()
	d := &Deployment{
		DeploymentID:        deploymentID,
		FlowID:              req.FlowID,
		Name:                req.Name,
		ClientID:            req.ClientID,
		WorkspaceID:         req.WorkspaceID,
		Nodes:               req.Nodes,
		Connections:         req.Connections,
		ResolvedCredentials: req.ResolvedCredentials,
		Priority:            req.Options.Priority,
		MaxCostCents:        req.Options.MaxCostCents,
		Status:              StatusPending,
		NodeState:           nodeState,
		NodeJobs:            make(map[string]string),
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if req.Options.DryRun {
		d.Status = StatusCompleted
		d.CompletedAt = now
		e.registry.put(d)
		e.persistDeployment(d)
		e.logger.Info("dry-run deployment marked completed",
			zap.String("deployment_id", deploymentID), zap.String("flow_id", req.FlowID))
		return deploymentID, nil
	}

	e.registry.put(d)
	e.persistDeployment(d)

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[deploymentID] = cancel
	e.mu.Unlock()

	go e.runCoordinator(runCtx, d, g)

	e.logger.Info("deployment submitted",
		zap.String("deployment_id", deploymentID), zap.String("flow_id", req.FlowID), zap.Int("nodes", len(req.Nodes)))
	return deploymentID, nil
}

// Cancel stops a deployment's coordinator and cancels every still-in-flight
// job it owns. A no-op if the deployment is already terminal.
func (e *Engine) Cancel(ctx context.Context, deploymentID string) error {
	d, err := e.registry.getRaw(deploymentID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	cancel, ok := e.cancels[deploymentID]
	e.mu.Unlock()

	d.mu.Lock()
	if d.Status.Terminal() {
		d.mu.Unlock()
		return nil
	}
	d.Status = StatusCancelled
	d.CompletedAt = time.Now().UTC()
	d.UpdatedAt = d.CompletedAt
	jobIDs := make([]string, 0, len(d.NodeJobs))
	for _, jobID := range d.NodeJobs {
		jobIDs = append(jobIDs, jobID)
	}
	d.mu.Unlock()

	if ok {
		cancel()
	}

	for _, jobID := range jobIDs {
		if _, err := e.jobs.Cancel(ctx, jobID); err != nil {
			e.logger.Warn("failed to cancel in-flight job on deployment cancel",
				zap.String("deployment_id", deploymentID), zap.String("job_id", jobID), zap.Error(err))
		}
	}

	e.publish(d, notify.EventDeploymentStatus, map[string]any{"status": string(StatusCancelled)})
	e.persistDeployment(d)
	return nil
}

// Get, ListForClient, and Stats expose the co-located Deployment Registry
// through the engine so callers only need one handle.
func (e *Engine) Get(deploymentID string) (Snapshot, error) { return e.registry.Get(deploymentID) }
func (e *Engine) ListForClient(clientID string) []Snapshot  { return e.registry.ListForClient(clientID) }
func (e *Engine) Stats() map[DeploymentStatus]int           { return e.registry.Stats() }

// runCoordinator is the per-deployment event loop: on every pass it starts
// every newly ready node and marks every newly unsatisfied node Skipped,
// then blocks for the next node completion (spec §4.6 steps 2-5).
func (e *Engine) runCoordinator(ctx context.Context, d *Deployment, g *graph) {
	d.mu.Lock()
	d.Status = StatusRunning
	d.UpdatedAt = time.Now().UTC()
	d.mu.Unlock()
	e.publish(d, notify.EventDeploymentStatus, map[string]any{"status": string(StatusRunning)})
	e.persistDeployment(d)

	nodesByID := make(map[string]Node, len(d.Nodes))
	for _, n := range d.Nodes {
		nodesByID[n.NodeID] = n
	}

	started := make(map[string]bool, len(g.nodeIDs))
	completions := make(chan nodeCompletion, len(g.nodeIDs))
	inFlight := 0

	for {
		toRun, toSkip := e.evaluateReadiness(d, g, started)

		for _, nodeID := range toSkip {
			d.mu.Lock()
			d.NodeState[nodeID].Status = NodeStatusSkipped
			d.NodeState[nodeID].CompletedAt = time.Now().UTC()
			d.mu.Unlock()
			e.publish(d, notify.EventNodeStatus, map[string]any{"node_id": nodeID, "status": string(NodeStatusSkipped)})
		}

		for _, nodeID := range toRun {
			started[nodeID] = true
			inFlight++
			node := nodesByID[nodeID]
			go e.runNode(ctx, d, g, node, completions)
		}

		if len(toSkip) > 0 {
			// Skipping may have made a successor's predecessors all-terminal;
			// re-evaluate before waiting on anything in flight.
			continue
		}

		if inFlight == 0 {
			e.finalize(d)
			return
		}

		select {
		case c := <-completions:
			inFlight--
			if e.handleCompletion(d, g, c) {
				// No partial success (spec §4.6 step 4): cancel every other
				// in-flight job now rather than waiting for inFlight to drain
				// naturally, then finalize immediately. Cancelling runCtx
				// first stops any runNode goroutine still between submitting
				// its job and recording the job-id, closing most of the race
				// window against a job cancelOtherInFlightJobs can't see yet.
				e.mu.Lock()
				if cancelFn, ok := e.cancels[d.DeploymentID]; ok {
					cancelFn()
				}
				e.mu.Unlock()
				e.cancelOtherInFlightJobs(context.Background(), d, c.nodeID)
				e.finalize(d)
				return
			}
		case <-ctx.Done():
			for inFlight > 0 {
				<-completions
				inFlight--
			}
			e.mu.Lock()
			delete(e.cancels, d.DeploymentID)
			e.mu.Unlock()
			return
		}
	}
}

// evaluateReadiness scans every still-pending, not-yet-started node and
// splits it into toRun (every direct predecessor terminal, and either no
// predecessors or at least one incoming connection satisfied) or toSkip
// (every direct predecessor terminal, but zero connections satisfied — spec
// §4.6's "as if the edge didn't exist" rule). A node whose predecessors
// aren't all terminal yet is left pending for a later pass. This is
// independent of the failure skip-cascade in handleCompletion, which skips
// descendants unconditionally and so removes them from consideration here.
func (e *Engine) evaluateReadiness(d *Deployment, g *graph, started map[string]bool) (toRun, toSkip []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, nodeID := range g.nodeIDs {
		if started[nodeID] {
			continue
		}
		state := d.NodeState[nodeID]
		if state.Status != NodeStatusPending {
			continue
		}

		preds := g.predecessors[nodeID]
		allTerminal := true
		for _, p := range preds {
			if d.NodeState[p].Status == NodeStatusPending || d.NodeState[p].Status == NodeStatusRunning {
				allTerminal = false
				break
			}
		}
		if !allTerminal {
			continue
		}

		if len(preds) == 0 {
			toRun = append(toRun, nodeID)
			continue
		}

		satisfied := false
		for _, c := range g.incoming[nodeID] {
			predState := d.NodeState[c.SourceNodeID]
			if predState.Status != NodeStatusCompleted {
				continue
			}
			if evaluateCondition(c.Condition, predState.Output) {
				satisfied = true
				break
			}
		}

		if satisfied {
			toRun = append(toRun, nodeID)
		} else {
			toSkip = append(toSkip, nodeID)
		}
	}
	return toRun, toSkip
}

// runNode submits one flow node as a job and blocks until it completes,
// reporting the outcome on completions. It never touches d.Status directly
// beyond its own node's NodeState — the coordinator goroutine owns sequencing.
func (e *Engine) runNode(ctx context.Context, d *Deployment, g *graph, node Node, completions chan<- nodeCompletion) {
	d.mu.Lock()
	d.NodeState[node.NodeID].Status = NodeStatusRunning
	d.NodeState[node.NodeID].StartedAt = time.Now().UTC()
	d.mu.Unlock()
	e.publish(d, notify.EventNodeStatus, map[string]any{"node_id": node.NodeID, "status": string(NodeStatusRunning)})

	creds, err := e.resolveCredentials(d, node)
	if err != nil {
		completions <- nodeCompletion{nodeID: node.NodeID, err: err}
		return
	}
	inputs := e.collectInputs(d, g, node.NodeID)

	requirements := e.oracle.RequirementsFor(node.ModuleID)
	if d.MaxCostCents > 0 {
		requirements.MaxCostCents = d.MaxCostCents
	}

	req := queue.SubmitRequest{
		ClientID:     d.ClientID,
		WorkspaceID:  d.WorkspaceID,
		DeploymentID: d.DeploymentID,
		FlowNodeID:   node.NodeID,
		Requirements: requirements,
		Payload: map[string]any{
			"module_id":      node.ModuleID,
			"module_version": node.ModuleVersion,
			"config":         node.Config,
			"inputs":         inputs,
			"credentials":    creds,
		},
	}

	jobID, err := e.jobs.Submit(ctx, req)
	if err != nil {
		completions <- nodeCompletion{nodeID: node.NodeID, err: err}
		return
	}

	d.mu.Lock()
	d.NodeJobs[node.NodeID] = jobID
	d.mu.Unlock()

	job, err := e.jobs.AwaitResult(ctx, jobID)
	completions <- nodeCompletion{nodeID: node.NodeID, job: job, err: err}
}

// collectInputs gathers every incoming connection's value from a completed,
// condition-satisfied predecessor, keyed by the connection's target port.
func (e *Engine) collectInputs(d *Deployment, g *graph, nodeID string) map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()

	inputs := make(map[string]any)
	for _, c := range g.incoming[nodeID] {
		predState := d.NodeState[c.SourceNodeID]
		if predState.Status != NodeStatusCompleted {
			continue
		}
		if !evaluateCondition(c.Condition, predState.Output) {
			continue
		}
		var val any
		if predState.Output != nil {
			val = predState.Output[c.sourcePort()]
		}
		inputs[c.targetPort()] = val
	}
	return inputs
}

// resolveCredentials selects each credential a node's config references out
// of the deployment's ResolvedCredentials table (spec §4.6 step 3: "selected
// by credential-refs from resolved-credentials") — a pure map lookup, never
// a live fetch. A reference naming a credential-id absent from the table
// surfaces as orcherr.KindCredentialMissing (spec §7).
func (e *Engine) resolveCredentials(d *Deployment, node Node) (map[string]any, error) {
	if len(node.CredentialRefs) == 0 {
		return nil, nil
	}

	out := make(map[string]any, len(node.CredentialRefs))
	for key, ref := range node.CredentialRefs {
		val, ok := d.ResolvedCredentials[ref.CredentialID]
		if !ok {
			return nil, orcherr.New(orcherr.KindCredentialMissing,
				fmt.Sprintf("credential %q (node %s): no resolved value for credential-id %q", key, node.NodeID, ref.CredentialID))
		}
		out[key] = val
	}
	return out, nil
}

// handleCompletion records a node's terminal outcome and, if it failed,
// unconditionally skips every transitive descendant that is still pending
// (spec §3 invariant iii) — a mechanism wholly separate from the
// condition-driven skip decided in evaluateReadiness. It reports whether
// this completion was a failure so the caller can fail the whole deployment
// fast (spec §4.6 step 4: no partial success).
func (e *Engine) handleCompletion(d *Deployment, g *graph, c nodeCompletion) bool {
	d.mu.Lock()
	state := d.NodeState[c.nodeID]
	state.CompletedAt = time.Now().UTC()

	switch {
	case c.err != nil:
		state.Status = NodeStatusFailed
		state.Error = c.err.Error()
	case c.job != nil && c.job.Status == queue.StatusCompleted:
		state.Status = NodeStatusCompleted
		if c.job.Result != nil {
			state.Output = c.job.Result.Outputs
			d.TotalCostCents += c.job.Result.ActualCostCents
		}
	case c.job != nil:
		state.Status = NodeStatusFailed
		state.Error = c.job.FailureReason
	default:
		state.Status = NodeStatusFailed
		state.Error = "job produced no result"
	}

	failed := state.Status == NodeStatusFailed
	if failed && d.Error == "" {
		d.Error = state.Error
	}

	var cascade []string
	if failed {
		for _, id := range g.descendants(c.nodeID) {
			ds := d.NodeState[id]
			if ds.Status == NodeStatusPending {
				ds.Status = NodeStatusSkipped
				ds.CompletedAt = state.CompletedAt
				cascade = append(cascade, id)
			}
		}
	}
	d.UpdatedAt = time.Now().UTC()
	status := state.Status
	d.mu.Unlock()

	e.publish(d, notify.EventNodeStatus, map[string]any{"node_id": c.nodeID, "status": string(status)})
	for _, id := range cascade {
		e.publish(d, notify.EventNodeStatus, map[string]any{"node_id": id, "status": string(NodeStatusSkipped)})
	}
	return failed
}

// cancelOtherInFlightJobs cancels every job this deployment owns whose node
// is still running, other than the node that just failed, and marks each
// owning node skipped (spec §4.6 step 4: "cancel all still-pending jobs of
// this deployment"). Unlike the descendant cascade in handleCompletion, this
// reaches jobs on sibling branches the failed node never pointed to — the
// "no partial success" rule applies deployment-wide, not just downstream.
func (e *Engine) cancelOtherInFlightJobs(ctx context.Context, d *Deployment, failedNodeID string) {
	type target struct{ nodeID, jobID string }

	d.mu.Lock()
	var targets []target
	for nodeID, jobID := range d.NodeJobs {
		if nodeID == failedNodeID {
			continue
		}
		if d.NodeState[nodeID].Status == NodeStatusRunning {
			targets = append(targets, target{nodeID, jobID})
		}
	}
	now := time.Now().UTC()
	for _, t := range targets {
		st := d.NodeState[t.nodeID]
		st.Status = NodeStatusSkipped
		st.CompletedAt = now
	}
	d.mu.Unlock()

	for _, t := range targets {
		if _, err := e.jobs.Cancel(ctx, t.jobID); err != nil {
			e.logger.Warn("failed to cancel sibling job after deployment failure",
				zap.String("deployment_id", d.DeploymentID), zap.String("job_id", t.jobID), zap.Error(err))
		}
		e.publish(d, notify.EventNodeStatus, map[string]any{"node_id": t.nodeID, "status": string(NodeStatusSkipped)})
	}
}

// finalize sets the deployment's overall status once the coordinator has no
// more ready or in-flight nodes: Failed if any node failed, else Completed.
// A concurrent Cancel always wins — it has already set the terminal status.
func (e *Engine) finalize(d *Deployment) {
	d.mu.Lock()
	if d.Status.Terminal() {
		d.mu.Unlock()
		e.mu.Lock()
		delete(e.cancels, d.DeploymentID)
		e.mu.Unlock()
		return
	}

	status := StatusCompleted
	for _, s := range d.NodeState {
		if s.Status == NodeStatusFailed {
			status = StatusFailed
			break
		}
	}
	d.Status = status
	d.CompletedAt = time.Now().UTC()
	d.UpdatedAt = d.CompletedAt
	d.mu.Unlock()

	e.publish(d, notify.EventDeploymentStatus, map[string]any{"status": string(status)})
	e.persistDeployment(d)
	e.mu.Lock()
	delete(e.cancels, d.DeploymentID)
	e.mu.Unlock()
}

// publish pushes a dashboard event for d if a Hub is configured; a no-op
// otherwise (the engine must work without the optional notify wiring).
func (e *Engine) publish(d *Deployment, evType notify.EventType, payload map[string]any) {
	if e.hub == nil {
		return
	}
	payload["deployment_id"] = d.DeploymentID
	e.hub.Publish(notify.Event{
		Type:    evType,
		Topic:   "deployment:" + d.DeploymentID,
		Payload: payload,
	})
}
