package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fluxmesh/orchestrator/internal/queue"
	"github.com/fluxmesh/orchestrator/internal/registry"
)

// ResultSink is the subset of *queue.Queue the Manager needs, narrowed so
// this package doesn't need the whole queue API surface.
type ResultSink interface {
	OnResult(ctx context.Context, jobID, sessionID string, status queue.Status, result queue.Result) error
	MarkRunning(jobID string) error
}

// Manager owns every connected worker session, keyed by session-id. It
// implements queue.SessionSender so the Job Queue can dispatch assignments
// and cancellations without knowing the transport exists.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	registry *registry.Registry
	sink     ResultSink

	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewManager wires a Manager to the Node Registry and the Job Queue (through
// the narrow ResultSink interface to avoid a session<->queue import cycle in
// the other direction — queue already only depends on session structurally,
// via the SessionSender interface it declares itself).
func NewManager(reg *registry.Registry, sink ResultSink, logger *zap.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		registry: reg,
		sink:     sink,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.Named("session"),
	}
}

// ServeHTTP upgrades an incoming request to a websocket and runs the
// resulting Session until it disconnects. Mounted at /ws/node (spec §6).
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s := newSession(conn, m, m.logger)
	s.Run()
}

func (m *Manager) bind(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prior, ok := m.sessions[s.sessionID]; ok && prior != s {
		prior.teardown()
	}
	m.sessions[s.sessionID] = s
}

func (m *Manager) unbind(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

func (m *Manager) get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// ConnectedCount reports how many sessions currently hold an open transport.
func (m *Manager) ConnectedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SendAssignment implements queue.SessionSender.
func (m *Manager) SendAssignment(sessionID string, a queue.JobAssignment) error {
	s, ok := m.get(sessionID)
	if !ok {
		return fmt.Errorf("session: no such session %q", sessionID)
	}
	s.enqueue(Envelope{Type: TypeJobAssignment}, JobAssignmentPayload{
		Job: JobWire{
			ID:          a.JobID,
			Type:        a.Type,
			Payload:     a.Payload,
			WorkspaceID: a.WorkspaceID,
		},
	})
	return nil
}

// SendCancel implements queue.SessionSender.
func (m *Manager) SendCancel(sessionID, jobID string) error {
	s, ok := m.get(sessionID)
	if !ok {
		return fmt.Errorf("session: no such session %q", sessionID)
	}
	s.enqueue(Envelope{Type: TypeJobCancelled}, JobCancelledPayload{JobID: jobID})
	return nil
}

// SendLimitsUpdate and SendWorkspacesUpdated push administrative changes
// (spec §4.3 outbound update_limits / workspaces_updated).
func (m *Manager) SendLimitsUpdate(sessionID string, limits registry.ResourceLimits) {
	if s, ok := m.get(sessionID); ok {
		s.enqueue(Envelope{Type: TypeUpdateLimits}, UpdateLimitsPayload{Limits: ResourceLimitsWire{
			CPUCores:       limits.CPUCores,
			RAMPercent:     limits.RAMPercent,
			StorageGB:      limits.StorageGB,
			GPUVRAMPercent: limits.GPUVRAMPercent,
		}})
	}
}

func (m *Manager) SendWorkspacesUpdated(sessionID string, workspaceIDs []string) {
	if s, ok := m.get(sessionID); ok {
		s.enqueue(Envelope{Type: TypeWorkspacesUpdated}, WorkspacesUpdatedPayload{WorkspaceIDs: workspaceIDs})
	}
}

func (m *Manager) onJobResult(sessionID string, p JobResultPayload) {
	status := queue.StatusCompleted
	if p.Status == "failed" {
		status = queue.StatusFailed
	}
	result := queue.Result{
		Success:         p.Status == "completed",
		Outputs:         p.Outputs,
		Error:           p.Error,
		ActualCostCents: p.ActualCostCents,
	}
	if err := m.sink.OnResult(context.Background(), p.JobID, sessionID, status, result); err != nil {
		m.logger.Warn("job_result handling failed", zap.String("job_id", p.JobID), zap.Error(err))
	}
}

func (m *Manager) onJobRunning(jobID string) {
	if err := m.sink.MarkRunning(jobID); err != nil {
		m.logger.Debug("job_progress for unknown job", zap.String("job_id", jobID), zap.Error(err))
	}
}
