package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fluxmesh/orchestrator/internal/registry"
	"github.com/fluxmesh/orchestrator/internal/workspace"
)

// ShareKeyConsumer is the slice of the Node Registry this handler needs.
type ShareKeyConsumer interface {
	ConsumeShareKey(shareKey, workspaceID string) (string, error)
}

// ShareKeyHandler implements the workspace-side "add node" flow (spec §6):
// a share key minted at worker registration is exchanged for a binding
// between that worker's session and a workspace-id.
type ShareKeyHandler struct {
	registry ShareKeyConsumer
	binder   workspace.Binder
	logger   *zap.Logger
}

// NewShareKeyHandler creates a new ShareKeyHandler.
func NewShareKeyHandler(registry ShareKeyConsumer, binder workspace.Binder, logger *zap.Logger) *ShareKeyHandler {
	return &ShareKeyHandler{registry: registry, binder: binder, logger: logger.Named("sharekey_handler")}
}

type consumeShareKeyRequest struct {
	ShareKey    string `json:"share_key"`
	WorkspaceID string `json:"workspace_id"`
}

type consumeShareKeyResponse struct {
	SessionID string `json:"session_id"`
}

// Consume handles POST /api/v1/share-keys/consume.
func (h *ShareKeyHandler) Consume(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFromCtx(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	var req consumeShareKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ShareKey == "" || req.WorkspaceID == "" {
		ErrBadRequest(w, "share_key and workspace_id are required")
		return
	}

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

	sessionID, err := h.registry.ConsumeShareKey(req.ShareKey, req.WorkspaceID)
	if err != nil {
		if errors.Is(err, registry.ErrShareKeyNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to consume share key", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, consumeShareKeyResponse{SessionID: sessionID})
}
