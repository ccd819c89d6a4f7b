package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fluxmesh/orchestrator/internal/capability"
)

func newTestRegistry(t *testing.T, requeued *[]string, woke *int) *Registry {
	t.Helper()
	wake := func() {
		if woke != nil {
			*woke++
		}
	}
	requeue := func(jobID string) {
		if requeued != nil {
			*requeued = append(*requeued, jobID)
		}
	}
	return New(Config{FreshWindow: 30 * time.Millisecond, StaleWindow: 90 * time.Millisecond}, wake, requeue, zap.NewNop())
}

func testCapability(nodeID string) Capability {
	return Capability{
		NodeID:   nodeID,
		CPU:      CPU{Cores: 8},
		Memory:   Memory{TotalMB: 16384},
		Adapters: map[string]struct{}{"docker": {}},
	}
}

func TestRegisterAssignsFreshSession(t *testing.T) {
	var woke int
	r := newTestRegistry(t, nil, &woke)

	sessionID, shareKey, err := r.Register(testCapability("node-1"), nil, nil, "")
	require.NoError(t, err)
	assert.NotEmpty(t, sessionID)
	assert.Len(t, shareKey, shareKeyLength)
	assert.Equal(t, 1, woke)

	snap, err := r.Get(sessionID)
	require.NoError(t, err)
	assert.Equal(t, LivenessFresh, snap.Liveness)
	assert.True(t, snap.RemoteControl == false)
}

func TestRegisterEvictsSameNodeIDAndRequeuesJobs(t *testing.T) {
	var requeued []string
	r := newTestRegistry(t, &requeued, nil)

	firstID, _, err := r.Register(testCapability("node-1"), nil, nil, "")
	require.NoError(t, err)
	require.NoError(t, r.AddCurrentJob(firstID, "job-a"))
	require.NoError(t, r.AddCurrentJob(firstID, "job-b"))

	secondID, _, err := r.Register(testCapability("node-1"), nil, nil, "")
	require.NoError(t, err)
	assert.NotEqual(t, firstID, secondID)

	assert.ElementsMatch(t, []string{"job-a", "job-b"}, requeued)

	_, err = r.Get(firstID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterWithUnknownShareKeyFails(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	_, _, err := r.Register(testCapability("node-1"), nil, nil, "BOGUSKEY")
	assert.ErrorIs(t, err, ErrShareKeyNotFound)
}

func TestHeartbeatUnknownSessionReturnsNotFound(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	err := r.Heartbeat("does-not-exist", 0, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHeartbeatRefreshesLiveness(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	sessionID, _, err := r.Register(testCapability("node-1"), nil, nil, "")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	r.Sweep()
	snap, _ := r.Get(sessionID)
	assert.Equal(t, LivenessStale, snap.Liveness)

	require.NoError(t, r.Heartbeat(sessionID, 1, 0))
	snap, _ = r.Get(sessionID)
	assert.Equal(t, LivenessFresh, snap.Liveness)
}

func TestSweepEvictsDeadSessionsAndRequeuesJobs(t *testing.T) {
	var requeued []string
	r := newTestRegistry(t, &requeued, nil)

	sessionID, _, err := r.Register(testCapability("node-1"), nil, nil, "")
	require.NoError(t, err)
	require.NoError(t, r.AddCurrentJob(sessionID, "job-x"))

	time.Sleep(100 * time.Millisecond)
	evicted := r.Sweep()

	assert.Equal(t, 1, evicted)
	assert.Equal(t, []string{"job-x"}, requeued)
	_, err = r.Get(sessionID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConsumeShareKeyBindsWorkspaceOnceAndIsIdempotent(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	sessionID, shareKey, err := r.Register(testCapability("node-1"), nil, nil, "")
	require.NoError(t, err)

	got, err := r.ConsumeShareKey(shareKey, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, sessionID, got)

	// Idempotent re-consume with the same workspace succeeds.
	got, err = r.ConsumeShareKey(shareKey, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, sessionID, got)

	// Re-consume with a different workspace fails — already bound.
	_, err = r.ConsumeShareKey(shareKey, "ws-2")
	assert.ErrorIs(t, err, ErrShareKeyNotFound)
}

func TestConsumeShareKeyUnknownFails(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	_, err := r.ConsumeShareKey("NOPE0000", "ws-1")
	assert.ErrorIs(t, err, ErrShareKeyNotFound)
}

func TestEligibleOrdersByAffinityThenLoadThenAge(t *testing.T) {
	r := newTestRegistry(t, nil, nil)

	publicID, _, err := r.Register(testCapability("node-public"), nil, nil, "")
	require.NoError(t, err)

	boundID, _, err := r.Register(testCapability("node-bound"), []string{"ws-1"}, nil, "")
	require.NoError(t, err)

	busyID, _, err := r.Register(testCapability("node-busy"), []string{"ws-1"}, nil, "")
	require.NoError(t, err)
	require.NoError(t, r.AddCurrentJob(busyID, "job-a"))

	req := capability.Requirements{MinCores: 1, AffinityWSID: "ws-1"}
	results := r.Eligible(req)

	require.Len(t, results, 3)
	assert.Equal(t, boundID, results[0].SessionID)
	assert.Equal(t, busyID, results[1].SessionID)
	assert.Equal(t, publicID, results[2].SessionID)
}

func TestEligibleExcludesSessionsFailingCapabilityMatch(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	_, _, err := r.Register(testCapability("node-1"), nil, nil, "")
	require.NoError(t, err)

	req := capability.Requirements{MinCores: 64}
	assert.Empty(t, r.Eligible(req))
}

func TestUpdateLimitsAndWorkspacesUnknownSessionReturnsNotFound(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	assert.ErrorIs(t, r.UpdateLimits("missing", ResourceLimits{CPUCores: 1}), ErrNotFound)
	assert.ErrorIs(t, r.UpdateWorkspaces("missing", []string{"ws-1"}), ErrNotFound)
}
