package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fluxmesh/orchestrator/internal/registry"
)

func baseSession() *registry.Session {
	return &registry.Session{
		SessionID: "sess-1",
		NodeID:    "node-1",
		Capability: registry.Capability{
			NodeID: "node-1",
			CPU:    registry.CPU{Cores: 8},
			Memory: registry.Memory{TotalMB: 16384},
			Adapters: map[string]struct{}{
				"docker": {},
			},
		},
		WorkspaceBindings: map[string]struct{}{},
		CurrentJobs:       map[string]struct{}{},
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name    string
		req     Requirements
		mutate  func(*registry.Session)
		matches bool
	}{
		{
			name:    "satisfied by default session",
			req:     Requirements{MinCores: 2, MinMemoryMB: 1024, Adapter: "docker"},
			matches: true,
		},
		{
			name:    "missing adapter",
			req:     Requirements{Adapter: "llm-inference"},
			matches: false,
		},
		{
			name:    "insufficient cores",
			req:     Requirements{MinCores: 16},
			matches: false,
		},
		{
			name:    "insufficient memory",
			req:     Requirements{MinMemoryMB: 32768},
			matches: false,
		},
		{
			name: "cpu limit reduces effective cores below requirement",
			req:  Requirements{MinCores: 4},
			mutate: func(s *registry.Session) {
				s.ResourceLimits = &registry.ResourceLimits{CPUCores: 2}
			},
			matches: false,
		},
		{
			name: "ram percent limit reduces effective memory",
			req:  Requirements{MinMemoryMB: 10000},
			mutate: func(s *registry.Session) {
				s.ResourceLimits = &registry.ResourceLimits{RAMPercent: 50}
			},
			matches: false,
		},
		{
			name: "gpu requirement satisfied",
			req: Requirements{
				GPU: &GPURequirement{
					Count:     1,
					MinVRAMMB: 8000,
					Requires:  map[registry.ComputeAPI]struct{}{registry.APICuda: {}},
				},
			},
			mutate: func(s *registry.Session) {
				s.Capability.GPUs = []registry.GPU{
					{Vendor: registry.VendorNVIDIA, VRAMMB: 24000, Supports: map[registry.ComputeAPI]struct{}{registry.APICuda: {}}},
				}
			},
			matches: true,
		},
		{
			name: "gpu requirement unmet — wrong compute API",
			req: Requirements{
				GPU: &GPURequirement{
					Count:     1,
					MinVRAMMB: 8000,
					Requires:  map[registry.ComputeAPI]struct{}{registry.APIRocm: {}},
				},
			},
			mutate: func(s *registry.Session) {
				s.Capability.GPUs = []registry.GPU{
					{Vendor: registry.VendorNVIDIA, VRAMMB: 24000, Supports: map[registry.ComputeAPI]struct{}{registry.APICuda: {}}},
				}
			},
			matches: false,
		},
		{
			name: "gpu vram limit pushes effective vram below requirement",
			req: Requirements{
				GPU: &GPURequirement{Count: 1, MinVRAMMB: 8000},
			},
			mutate: func(s *registry.Session) {
				s.ResourceLimits = &registry.ResourceLimits{GPUVRAMPercent: 10}
				s.Capability.GPUs = []registry.GPU{
					{VRAMMB: 24000, Supports: map[registry.ComputeAPI]struct{}{}},
				}
			},
			matches: false,
		},
		{
			name: "workspace affinity satisfied by exact binding",
			req:  Requirements{AffinityWSID: "ws-1"},
			mutate: func(s *registry.Session) {
				s.WorkspaceBindings = map[string]struct{}{"ws-1": {}}
			},
			matches: true,
		},
		{
			name:    "workspace affinity satisfied by public worker",
			req:     Requirements{AffinityWSID: "ws-1"},
			matches: true,
		},
		{
			name: "workspace affinity rejected — bound to a different workspace",
			req:  Requirements{AffinityWSID: "ws-1"},
			mutate: func(s *registry.Session) {
				s.WorkspaceBindings = map[string]struct{}{"ws-2": {}}
			},
			matches: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := baseSession()
			if tt.mutate != nil {
				tt.mutate(s)
			}
			assert.Equal(t, tt.matches, Matches(tt.req, s))
		})
	}
}

func TestStaticOracleFallback(t *testing.T) {
	fallback := Requirements{MinCores: 1, MinMemoryMB: 512, Adapter: "docker"}
	o := NewStaticOracle(fallback)

	assert.Equal(t, fallback, o.RequirementsFor("unknown-module"))

	custom := Requirements{MinCores: 4, MinMemoryMB: 8192, Adapter: "llm-inference"}
	o.Set("llm.chat", custom)
	assert.Equal(t, custom, o.RequirementsFor("llm.chat"))
	assert.Equal(t, fallback, o.RequirementsFor("other.module"))
}
