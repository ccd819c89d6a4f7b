package deployment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDeployment(id, clientID string, status DeploymentStatus) *Deployment {
	return &Deployment{
		DeploymentID: id,
		ClientID:     clientID,
		Status:       status,
		NodeState:    make(map[string]*NodeState),
		NodeJobs:     make(map[string]string),
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
}

func TestRegistryGetRoundTrip(t *testing.T) {
	r := NewRegistry()
	d := newTestDeployment("dep-1", "client-a", StatusRunning)
	r.put(d)

	snap, err := r.Get("dep-1")
	require.NoError(t, err)
	assert.Equal(t, "dep-1", snap.DeploymentID)
	assert.Equal(t, StatusRunning, snap.Status)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryListForClientMostRecentFirst(t *testing.T) {
	r := NewRegistry()
	r.put(newTestDeployment("dep-1", "client-a", StatusCompleted))
	r.put(newTestDeployment("dep-2", "client-a", StatusRunning))
	r.put(newTestDeployment("dep-3", "client-b", StatusRunning))

	list := r.ListForClient("client-a")
	require.Len(t, list, 2)
	assert.Equal(t, "dep-2", list[0].DeploymentID)
	assert.Equal(t, "dep-1", list[1].DeploymentID)
}

func TestRegistryStats(t *testing.T) {
	r := NewRegistry()
	r.put(newTestDeployment("dep-1", "client-a", StatusCompleted))
	r.put(newTestDeployment("dep-2", "client-a", StatusRunning))
	r.put(newTestDeployment("dep-3", "client-b", StatusRunning))

	stats := r.Stats()
	assert.Equal(t, 1, stats[StatusCompleted])
	assert.Equal(t, 2, stats[StatusRunning])
}
