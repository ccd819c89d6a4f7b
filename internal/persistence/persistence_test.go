package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormsqlite "gorm.io/driver/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fluxmesh/orchestrator/internal/db"
	"github.com/fluxmesh/orchestrator/internal/deployment"
	"github.com/fluxmesh/orchestrator/internal/queue"
	"github.com/fluxmesh/orchestrator/internal/repositories"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(gormsqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&db.JobRecord{}, &db.DeploymentRecord{}, &db.SessionPolicyRecord{}))
	return conn
}

func TestJobStoreSaveThenLoadPending(t *testing.T) {
	store := NewJobStore(repositories.NewJobRepository(newTestDB(t)), zap.NewNop())

	store.SaveJob(&queue.Job{
		JobID:       "job-1",
		ClientID:    "client-1",
		AccountID:   "acct-1",
		WorkspaceID: "ws-1",
		Requirements: queue.Requirements{MinCores: 2},
		Payload:     map[string]any{"foo": "bar"},
		Status:      queue.StatusPending,
		EnqueuedAt:  time.Now().UTC(),
	})
	store.SaveJob(&queue.Job{
		JobID:      "job-2",
		ClientID:   "client-1",
		Status:     queue.StatusCompleted,
		EnqueuedAt: time.Now().UTC(),
	})

	jobs, err := store.LoadPending(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].JobID)
	assert.Equal(t, 2, jobs[0].Requirements.MinCores)
}

func TestJobStoreSaveUpdatesExistingRow(t *testing.T) {
	store := NewJobStore(repositories.NewJobRepository(newTestDB(t)), zap.NewNop())

	job := &queue.Job{JobID: "job-1", ClientID: "client-1", Status: queue.StatusPending, EnqueuedAt: time.Now().UTC()}
	store.SaveJob(job)

	job.Status = queue.StatusRunning
	store.SaveJob(job)

	jobs, err := store.LoadPending(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestDeploymentStoreSaveThenLoadNonTerminal(t *testing.T) {
	store := NewDeploymentStore(repositories.NewDeploymentRepository(newTestDB(t)), zap.NewNop())

	store.SaveDeployment(deployment.Snapshot{
		DeploymentID: "dep-1",
		FlowID:       "flow-1",
		ClientID:     "client-1",
		Nodes:        []deployment.Node{{NodeID: "n1", ModuleID: "mod-a"}},
		Status:       deployment.StatusRunning,
		NodeState:    map[string]deployment.NodeState{"n1": {Status: deployment.NodeStatusRunning}},
		CreatedAt:    time.Now().UTC(),
	})
	store.SaveDeployment(deployment.Snapshot{
		DeploymentID: "dep-2",
		FlowID:       "flow-1",
		ClientID:     "client-1",
		Status:       deployment.StatusCompleted,
		CreatedAt:    time.Now().UTC(),
	})

	deployments, err := store.LoadNonTerminal(context.Background())
	require.NoError(t, err)
	require.Len(t, deployments, 1)
	assert.Equal(t, "dep-1", deployments[0].DeploymentID)
	assert.Len(t, deployments[0].Nodes, 1)
	require.Contains(t, deployments[0].NodeState, "n1")
	assert.Equal(t, deployment.NodeStatusRunning, deployments[0].NodeState["n1"].Status)
}
