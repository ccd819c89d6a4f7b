package api

import (
	"net/http"
	"time"

	"github.com/fluxmesh/orchestrator/internal/deployment"
)

// StatsSource is the slice of the Deployment Registry the /stats endpoint
// needs.
type StatsSource interface {
	Stats() map[deployment.DeploymentStatus]int
}

// HealthHandler serves /health and /stats.
type HealthHandler struct {
	version   string
	commit    string
	startedAt time.Time
	stats     StatsSource
}

// NewHealthHandler creates a new HealthHandler. startedAt should be set once
// at process start so Health can report uptime.
func NewHealthHandler(version, commit string, startedAt time.Time, stats StatsSource) *HealthHandler {
	return &HealthHandler{version: version, commit: commit, startedAt: startedAt, stats: stats}
}

type healthResponse struct {
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	Commit  string `json:"commit"`
}

// Health handles GET /health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	Ok(w, healthResponse{
		Version: h.version,
		Uptime:  time.Since(h.startedAt).String(),
		Commit:  h.commit,
	})
}

type statsResponse struct {
	Pending   int `json:"pending"`
	Deploying int `json:"deploying"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Stats handles GET /stats — the aggregate deployment counters §6 names.
func (h *HealthHandler) Stats(w http.ResponseWriter, r *http.Request) {
	counts := h.stats.Stats()
	Ok(w, statsResponse{
		Pending:   counts[deployment.StatusPending],
		Deploying: counts[deployment.StatusDeploying],
		Running:   counts[deployment.StatusRunning],
		Completed: counts[deployment.StatusCompleted],
		Failed:    counts[deployment.StatusFailed],
		Cancelled: counts[deployment.StatusCancelled],
	})
}
