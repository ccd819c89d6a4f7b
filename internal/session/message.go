// Package session implements the Worker Session Protocol: one state machine
// per connected worker, framed-JSON messages over a persistent websocket
// (spec §4.3), with its own read/write pump pair distinct from
// internal/notify's pub/sub dashboard feed.
package session

import "encoding/json"

// Type identifies a message's shape. Every wire message is a JSON object
// carrying exactly one of these in its "type" field (spec §4.3).
type Type string

const (
	// Inbound (from worker).
	TypeRegister    Type = "register"
	TypeHeartbeat   Type = "heartbeat"
	TypeJobResult   Type = "job_result"
	TypeJobProgress Type = "job_progress"

	// Outbound (to worker).
	TypeRegistered        Type = "registered"
	TypeJobAssignment     Type = "job_assignment"
	TypeJobCancelled      Type = "job_cancelled"
	TypeUpdateLimits      Type = "update_limits"
	TypeWorkspacesUpdated Type = "workspaces_updated"
	TypeError             Type = "error"
)

// Envelope is the one-message-per-frame wire format.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// --- Inbound payloads ---

type GPUWire struct {
	Vendor   string   `json:"vendor"`
	Model    string   `json:"model"`
	VRAMMB   int      `json:"vram_mb"`
	Supports []string `json:"supports"`
}

type CapabilityWire struct {
	NodeID   string   `json:"node_id"`
	CPU      struct {
		Model   string `json:"model"`
		Cores   int    `json:"cores"`
		Threads int    `json:"threads"`
	} `json:"cpu"`
	Memory struct {
		TotalMB     int `json:"total_mb"`
		AvailableMB int `json:"available_mb"`
	} `json:"memory"`
	Storage struct {
		TotalGB     int `json:"total_gb"`
		AvailableGB int `json:"available_gb"`
	} `json:"storage"`
	GPUs     []GPUWire `json:"gpus"`
	Adapters []string  `json:"adapters"`
}

type ResourceLimitsWire struct {
	CPUCores       float64 `json:"cpu_cores,omitempty"`
	RAMPercent     float64 `json:"ram_percent,omitempty"`
	StorageGB      float64 `json:"storage_gb,omitempty"`
	GPUVRAMPercent float64 `json:"gpu_vram_percent,omitempty"`
}

type RegisterPayload struct {
	Capabilities   CapabilityWire      `json:"capabilities"`
	WorkspaceIDs   []string            `json:"workspace_ids,omitempty"`
	ShareKey       string              `json:"share_key,omitempty"`
	ResourceLimits *ResourceLimitsWire `json:"resource_limits,omitempty"`
}

type HeartbeatPayload struct {
	Available    int `json:"available"`
	CurrentJobs  int `json:"current_jobs"`
}

type JobResultPayload struct {
	JobID           string         `json:"job_id"`
	Status          string         `json:"status"` // "completed" | "failed"
	Result          map[string]any `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	ActualCostCents int64          `json:"actual_cost_cents,omitempty"`
	Outputs         map[string]any `json:"outputs,omitempty"`
}

type JobProgressPayload struct {
	JobID   string         `json:"job_id"`
	State   string         `json:"state"` // "running"
	Payload map[string]any `json:"payload,omitempty"`
}

// --- Outbound payloads ---

type RegisteredPayload struct {
	NodeID   string `json:"node_id"`
	ShareKey string `json:"share_key"`
}

type JobWire struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Payload     any    `json:"payload"`
	WorkspaceID string `json:"workspace_id,omitempty"`
}

type JobAssignmentPayload struct {
	Job JobWire `json:"job"`
}

type JobCancelledPayload struct {
	JobID string `json:"job_id"`
}

type UpdateLimitsPayload struct {
	Limits ResourceLimitsWire `json:"limits"`
}

type WorkspacesUpdatedPayload struct {
	WorkspaceIDs []string `json:"workspace_ids"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
