package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fluxmesh/orchestrator/internal/deployment"
	"github.com/fluxmesh/orchestrator/internal/workspace"
)

// Engine is the slice of the Flow Deployment Engine the API needs. Declared
// here rather than imported as *deployment.Engine so handler tests can fake
// it without exercising a real coordinator.
type Engine interface {
	Submit(ctx context.Context, req deployment.SubmitRequest) (string, error)
	Cancel(ctx context.Context, deploymentID string) error
	Get(deploymentID string) (deployment.Snapshot, error)
	ListForClient(clientID string) []deployment.Snapshot
	Stats() map[deployment.DeploymentStatus]int
}

// FlowHandler groups the flow-submission and deployment-lifecycle endpoints.
type FlowHandler struct {
	engine  Engine
	binder  workspace.Binder
	logger  *zap.Logger
}

// NewFlowHandler creates a new FlowHandler.
func NewFlowHandler(engine Engine, binder workspace.Binder, logger *zap.Logger) *FlowHandler {
	return &FlowHandler{engine: engine, binder: binder, logger: logger.Named("flow_handler")}
}

// -----------------------------------------------------------------------------
// Request/response types
// -----------------------------------------------------------------------------

type submitNodeRequest struct {
	NodeID         string                           `json:"node_id"`
	ModuleID       string                           `json:"module_id"`
	ModuleVersion  string                           `json:"module_version"`
	Position       any                              `json:"position,omitempty"`
	Config         map[string]any                   `json:"config,omitempty"`
	CredentialRefs map[string]deployment.CredentialRef `json:"credential_refs,omitempty"`
}

type submitConditionRequest struct {
	Field string                  `json:"field"`
	Op    deployment.ConditionOp  `json:"op"`
	Value any                     `json:"value"`
}

type submitConnectionRequest struct {
	SourceNodeID string                   `json:"source_node_id"`
	SourcePort   string                   `json:"source_port,omitempty"`
	TargetNodeID string                   `json:"target_node_id"`
	TargetPort   string                   `json:"target_port,omitempty"`
	Transform    any                      `json:"transform,omitempty"`
	Condition    *submitConditionRequest  `json:"condition,omitempty"`
}

type submitOptionsRequest struct {
	DryRun       bool  `json:"dry_run,omitempty"`
	Priority     int   `json:"priority,omitempty"`
	MaxCostCents int64 `json:"max_cost_cents,omitempty"`
}

type submitFlowRequest struct {
	FlowID              string                        `json:"flow_id"`
	Name                string                        `json:"name"`
	WorkspaceID         string                        `json:"workspace_id,omitempty"`
	Nodes               []submitNodeRequest           `json:"nodes"`
	Connections         []submitConnectionRequest     `json:"connections"`
	ResolvedCredentials map[string]map[string]any     `json:"resolved_credentials,omitempty"`
	Options             *submitOptionsRequest         `json:"options,omitempty"`
}

type submitFlowResponse struct {
	DeploymentID string `json:"deployment_id"`
}

type nodeStateResponse struct {
	Status      deployment.NodeStatus `json:"status"`
	JobID       string                `json:"job_id,omitempty"`
	StartedAt   *string               `json:"started_at,omitempty"`
	CompletedAt *string               `json:"completed_at,omitempty"`
	Error       string                `json:"error,omitempty"`
	Output      map[string]any        `json:"output,omitempty"`
}

type deploymentResponse struct {
	DeploymentID   string                       `json:"deployment_id"`
	FlowID         string                       `json:"flow_id"`
	Name           string                       `json:"name,omitempty"`
	ClientID       string                       `json:"client_id"`
	WorkspaceID    string                       `json:"workspace_id,omitempty"`
	Status         deployment.DeploymentStatus  `json:"status"`
	NodeState      map[string]nodeStateResponse `json:"node_state"`
	TotalCostCents int64                        `json:"total_cost_cents"`
	Error          string                       `json:"error,omitempty"`
	CreatedAt      string                       `json:"created_at"`
	UpdatedAt      string                       `json:"updated_at"`
}

func snapshotToResponse(s deployment.Snapshot) deploymentResponse {
	states := make(map[string]nodeStateResponse, len(s.NodeState))
	for id, ns := range s.NodeState {
		r := nodeStateResponse{Status: ns.Status, JobID: ns.JobID, Error: ns.Error, Output: ns.Output}
		if !ns.StartedAt.IsZero() {
			t := ns.StartedAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00")
			r.StartedAt = &t
		}
		if !ns.CompletedAt.IsZero() {
			t := ns.CompletedAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00")
			r.CompletedAt = &t
		}
		states[id] = r
	}

	return deploymentResponse{
		DeploymentID:   s.DeploymentID,
		FlowID:         s.FlowID,
		Name:           s.Name,
		ClientID:       s.ClientID,
		WorkspaceID:    s.WorkspaceID,
		Status:         s.Status,
		NodeState:      states,
		TotalCostCents: s.TotalCostCents,
		Error:          s.Error,
		CreatedAt:      s.CreatedAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
		UpdatedAt:      s.UpdatedAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// Submit handles POST /api/v1/flows. The caller's identity (from
// Authenticate) supplies client-id/account-id; workspace membership is
// checked against the workspace Binder when a workspace-id is given.
func (h *FlowHandler) Submit(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFromCtx(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	var req submitFlowRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.FlowID == "" || len(req.Nodes) == 0 {
		ErrBadRequest(w, "flow_id and at least one node are required")
		return
	}

	if req.WorkspaceID != "" {
		member, err := h.binder.IsMember(r.Context(), id.AccountID, req.WorkspaceID)
		if err != nil {
			h.logger.Error("workspace membership check failed", zap.Error(err))
			ErrInternal(w)
			return
		}
		if !member {
			ErrForbidden(w, "account is not a member of the requested workspace")
			return
		}
	}

	nodes := make([]deployment.Node, len(req.Nodes))
	for i, n := range req.Nodes {
		nodes[i] = deployment.Node{
			NodeID:         n.NodeID,
			ModuleID:       n.ModuleID,
			ModuleVersion:  n.ModuleVersion,
			Position:       n.Position,
			Config:         n.Config,
			CredentialRefs: n.CredentialRefs,
		}
	}

	connections := make([]deployment.Connection, len(req.Connections))
	for i, c := range req.Connections {
		conn := deployment.Connection{
			SourceNodeID: c.SourceNodeID,
			SourcePort:   c.SourcePort,
			TargetNodeID: c.TargetNodeID,
			TargetPort:   c.TargetPort,
			Transform:    c.Transform,
		}
		if c.Condition != nil {
			conn.Condition = &deployment.Condition{
				Field: c.Condition.Field,
				Op:    c.Condition.Op,
				Value: c.Condition.Value,
			}
		}
		connections[i] = conn
	}

	var options deployment.SubmitOptions
	if req.Options != nil {
		options = deployment.SubmitOptions{
			DryRun:       req.Options.DryRun,
			Priority:     req.Options.Priority,
			MaxCostCents: req.Options.MaxCostCents,
		}
	}

	deploymentID, err := h.engine.Submit(r.Context(), deployment.SubmitRequest{
		FlowID:              req.FlowID,
		Name:                req.Name,
		ClientID:            id.ClientID,
		WorkspaceID:         req.WorkspaceID,
		Nodes:               nodes,
		Connections:         connections,
		ResolvedCredentials: req.ResolvedCredentials,
		Options:             options,
	})
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}

	Created(w, submitFlowResponse{DeploymentID: deploymentID})
}

// Get handles GET /api/v1/deployments/{id}.
func (h *FlowHandler) Get(w http.ResponseWriter, r *http.Request) {
	deploymentID := chi.URLParam(r, "id")
	snap, err := h.engine.Get(deploymentID)
	if err != nil {
		if errors.Is(err, deployment.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get deployment", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, snapshotToResponse(snap))
}

// Cancel handles POST /api/v1/deployments/{id}/cancel.
func (h *FlowHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	deploymentID := chi.URLParam(r, "id")
	if err := h.engine.Cancel(r.Context(), deploymentID); err != nil {
		if errors.Is(err, deployment.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to cancel deployment", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"cancelled": true})
}

// List handles GET /api/v1/deployments, scoped to the caller's client-id.
func (h *FlowHandler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFromCtx(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	snaps := h.engine.ListForClient(id.ClientID)
	items := make([]deploymentResponse, len(snaps))
	for i, s := range snaps {
		items[i] = snapshotToResponse(s)
	}
	Ok(w, envelope{"items": items})
}
