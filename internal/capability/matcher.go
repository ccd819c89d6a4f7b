// Package capability implements the pure predicate that decides whether a
// worker session satisfies a job's hardware/adapter requirements. It has no
// side effects and no dependency on the registry or queue packages — both of
// those depend on it, not the other way around.
package capability

import "github.com/fluxmesh/orchestrator/internal/registry"

// GPURequirement is the optional GPU clause of a job's requirements.
type GPURequirement struct {
	Count      int
	MinVRAMMB  int
	Requires   map[registry.ComputeAPI]struct{}
}

// Requirements is the hardware/adapter/affinity contract a job demands of the
// worker it runs on (spec §3 "Job requirements").
type Requirements struct {
	MinCores       int
	MinMemoryMB    int
	GPU            *GPURequirement
	Adapter        string
	MaxCostCents   int64
	Currency       string
	AffinityWSID   string // optional workspace-id affinity; empty means none
}

// effectiveCores applies a session's CPU core limit, if any, to its raw core count.
func effectiveCores(s *registry.Session) float64 {
	cores := float64(s.Capability.CPU.Cores)
	if s.ResourceLimits != nil && s.ResourceLimits.CPUCores > 0 {
		if s.ResourceLimits.CPUCores < cores {
			return s.ResourceLimits.CPUCores
		}
	}
	return cores
}

// effectiveRAMMB applies a session's RAM percent limit, if any, to its raw total.
func effectiveRAMMB(s *registry.Session) float64 {
	total := float64(s.Capability.Memory.TotalMB)
	if s.ResourceLimits != nil && s.ResourceLimits.RAMPercent > 0 {
		return total * s.ResourceLimits.RAMPercent / 100
	}
	return total
}

// effectiveVRAMMB applies a session's per-GPU VRAM percent limit, if any.
func effectiveVRAMMB(s *registry.Session, g registry.GPU) float64 {
	total := float64(g.VRAMMB)
	if s.ResourceLimits != nil && s.ResourceLimits.GPUVRAMPercent > 0 {
		return total * s.ResourceLimits.GPUVRAMPercent / 100
	}
	return total
}

// gpuSatisfies reports whether g meets req's per-GPU VRAM and API constraints.
func gpuSatisfies(s *registry.Session, g registry.GPU, req *GPURequirement) bool {
	if effectiveVRAMMB(s, g) < float64(req.MinVRAMMB) {
		return false
	}
	for api := range req.Requires {
		if _, ok := g.Supports[api]; !ok {
			return false
		}
	}
	return true
}

// Matches implements the Capability Matcher of spec §4.1: a pure function of
// (requirements, session) that returns true iff the session can run a job
// with those requirements. Tie-breaking among multiple matching sessions is
// explicitly not this function's concern — see registry.Eligible.
func Matches(req Requirements, s *registry.Session) bool {
	if req.Adapter != "" && !s.Capability.HasAdapter(req.Adapter) {
		return false
	}

	if effectiveCores(s) < float64(req.MinCores) {
		return false
	}

	if effectiveRAMMB(s) < float64(req.MinMemoryMB) {
		return false
	}

	if req.GPU != nil {
		matching := 0
		for _, g := range s.Capability.GPUs {
			if gpuSatisfies(s, g, req.GPU) {
				matching++
			}
		}
		if matching < req.GPU.Count {
			return false
		}
	}

	if req.AffinityWSID != "" {
		if !s.BoundTo(req.AffinityWSID) && !s.IsPublic() {
			return false
		}
	}

	return true
}
