// Package registry tracks live worker sessions, their advertised hardware
// capabilities, liveness, and per-worker policy (resource limits, workspace
// bindings). It is the server-side source of truth for "which workers exist
// right now" — the Job Queue and Dispatcher consult it, nothing mutates it
// except the registry's own operations.
package registry

import "time"

// GPUVendor identifies the silicon vendor of a reported GPU.
type GPUVendor string

const (
	VendorNVIDIA  GPUVendor = "nvidia"
	VendorAMD     GPUVendor = "amd"
	VendorApple   GPUVendor = "apple"
	VendorIntel   GPUVendor = "intel"
	VendorUnknown GPUVendor = "unknown"
)

// ComputeAPI is a GPU compute API a worker can execute against.
type ComputeAPI string

const (
	APICuda   ComputeAPI = "cuda"
	APIRocm   ComputeAPI = "rocm"
	APIVulkan ComputeAPI = "vulkan"
	APIMetal  ComputeAPI = "metal"
	APIOpenCL ComputeAPI = "opencl"
)

// GPU describes one GPU advertised by a worker.
type GPU struct {
	Vendor   GPUVendor
	Model    string
	VRAMMB   int
	Supports map[ComputeAPI]struct{}
}

// CPU describes the worker's processor.
type CPU struct {
	Model    string
	Cores    int
	Threads  int
	Features []string
}

// Memory describes the worker's RAM.
type Memory struct {
	TotalMB     int
	AvailableMB int
}

// Storage describes the worker's disk.
type Storage struct {
	TotalGB     int
	AvailableGB int
}

// Capability is the immutable-per-session hardware/adapter record a worker
// presents at Register time. node-id is worker-chosen; everything else is
// the worker's self-reported hardware profile.
type Capability struct {
	NodeID   string
	CPU      CPU
	Memory   Memory
	Storage  Storage
	GPUs     []GPU
	Adapters map[string]struct{}
}

// HasAdapter reports whether the capability record advertises the named adapter.
func (c Capability) HasAdapter(name string) bool {
	_, ok := c.Adapters[name]
	return ok
}

// Liveness is the worker session's heartbeat-derived health state.
type Liveness string

const (
	LivenessFresh Liveness = "fresh"
	LivenessStale Liveness = "stale"
	LivenessDead  Liveness = "dead"
)

// ResourceLimits caps the share of a worker's hardware the orchestrator may
// use for effective-capacity calculations (see internal/capability).
// Zero/nil fields mean "no limit, use the raw hardware value."
type ResourceLimits struct {
	CPUCores        float64 // absolute core cap, not a fraction; 0 = unset
	RAMPercent      float64 // 0-100; 0 = unset
	StorageGB       float64 // absolute cap; 0 = unset
	GPUVRAMPercent  float64 // 0-100, applied per-GPU; 0 = unset
}

// Session is the mutable per-connection record the registry owns. Its
// node-id is unique across all live sessions (invariant i in spec §3) —
// Register evicts any prior session with the same node-id.
type Session struct {
	SessionID         string
	NodeID            string
	Capability        Capability
	WorkspaceBindings map[string]struct{} // empty set == public worker
	ShareKey          string
	ShareKeyConsumed  bool
	Liveness          Liveness
	LastHeartbeat     time.Time
	CurrentJobs       map[string]struct{}
	ResourceLimits    *ResourceLimits
	RemoteControl     bool
	ConnectedAt       time.Time
}

// IsPublic reports whether the session has no workspace bindings, i.e. it is
// eligible to serve any workspace-affinity job as a fallback (spec §4.1).
func (s *Session) IsPublic() bool {
	return len(s.WorkspaceBindings) == 0
}

// BoundTo reports whether the session is explicitly bound to workspaceID.
func (s *Session) BoundTo(workspaceID string) bool {
	_, ok := s.WorkspaceBindings[workspaceID]
	return ok
}

// Snapshot is a read-only copy of a Session safe to hand to callers outside
// the registry's lock. WorkspaceBindings is copied into a fresh slice and
// CurrentJobs is reduced to CurrentJobCount.
type Snapshot struct {
	SessionID         string
	NodeID            string
	Capability        Capability
	WorkspaceBindings []string
	Liveness          Liveness
	LastHeartbeat     time.Time
	CurrentJobCount   int
	ResourceLimits    *ResourceLimits
	RemoteControl     bool
}

func snapshotOf(s *Session) Snapshot {
	bindings := make([]string, 0, len(s.WorkspaceBindings))
	for id := range s.WorkspaceBindings {
		bindings = append(bindings, id)
	}
	return Snapshot{
		SessionID:         s.SessionID,
		NodeID:            s.NodeID,
		Capability:        s.Capability,
		WorkspaceBindings: bindings,
		Liveness:          s.Liveness,
		LastHeartbeat:     s.LastHeartbeat,
		CurrentJobCount:   len(s.CurrentJobs),
		ResourceLimits:    s.ResourceLimits,
		RemoteControl:     s.RemoteControl,
	}
}
