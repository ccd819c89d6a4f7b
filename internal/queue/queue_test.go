package queue

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fluxmesh/orchestrator/internal/registry"
)

type fakeSender struct {
	mu          sync.Mutex
	assignments []JobAssignment
	cancels     []string
	failSend    bool
}

func (f *fakeSender) SendAssignment(sessionID string, a JobAssignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return assert.AnError
	}
	f.assignments = append(f.assignments, a)
	return nil
}

func (f *fakeSender) SendCancel(sessionID, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, jobID)
	return nil
}

type fakeGateway struct {
	mu        sync.Mutex
	reserved  map[string]int64
	debited   []string
	refunded  []string
	nextID    int
	denyAll   bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{reserved: make(map[string]int64)}
}

func (g *fakeGateway) Reserve(ctx context.Context, accountID string, cents int64, currency string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.denyAll {
		return "", ErrNotFound
	}
	g.nextID++
	id := "res-" + strconv.Itoa(g.nextID)
	g.reserved[id] = cents
	return id, nil
}

func (g *fakeGateway) Debit(ctx context.Context, reservationID string, actualCents int64) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.debited = append(g.debited, reservationID)
	return 0, nil
}

func (g *fakeGateway) Refund(ctx context.Context, reservationID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunded = append(g.refunded, reservationID)
	return nil
}

func testSetup(t *testing.T) (*Queue, *registry.Registry, *fakeSender, *fakeGateway) {
	t.Helper()
	sender := &fakeSender{}
	gateway := newFakeGateway()

	var q *Queue
	reg := registry.New(registry.Config{FreshWindow: 30 * time.Millisecond, StaleWindow: 90 * time.Millisecond}, nil, func(jobID string) {
		if q != nil {
			q.RequeueLost(jobID)
		}
	}, zap.NewNop())

	q = New(Config{MaxAttempts: 2}, reg, sender, gateway, nil, zap.NewNop())
	return q, reg, sender, gateway
}

func registerWorker(t *testing.T, reg *registry.Registry, nodeID string) string {
	t.Helper()
	sessionID, _, err := reg.Register(registry.Capability{
		NodeID:   nodeID,
		CPU:      registry.CPU{Cores: 8},
		Memory:   registry.Memory{TotalMB: 16384},
		Adapters: map[string]struct{}{"docker": {}},
	}, nil, nil, "")
	require.NoError(t, err)
	return sessionID
}

func TestSubmitAndTickAssignsToEligibleWorker(t *testing.T) {
	q, reg, sender, _ := testSetup(t)
	registerWorker(t, reg, "node-1")

	jobID, err := q.Submit(context.Background(), SubmitRequest{
		ClientID:     "client-1",
		Requirements: Requirements{MinCores: 2, Adapter: "docker"},
	})
	require.NoError(t, err)

	q.Tick(context.Background())

	job, err := q.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, job.Status)
	assert.NotEmpty(t, job.AssignedSession)

	sender.mu.Lock()
	assert.Len(t, sender.assignments, 1)
	assert.Equal(t, jobID, sender.assignments[0].JobID)
	sender.mu.Unlock()
}

func TestSubmitWithNoEligibleWorkerStaysPending(t *testing.T) {
	q, _, _, _ := testSetup(t)

	jobID, err := q.Submit(context.Background(), SubmitRequest{
		ClientID:     "client-1",
		Requirements: Requirements{MinCores: 2, Adapter: "docker"},
	})
	require.NoError(t, err)

	q.Tick(context.Background())

	job, _ := q.Get(jobID)
	assert.Equal(t, StatusPending, job.Status)
}

func TestSubmitReservesAccountFunds(t *testing.T) {
	q, _, _, gateway := testSetup(t)

	jobID, err := q.Submit(context.Background(), SubmitRequest{
		ClientID:     "client-1",
		AccountID:    "acct-1",
		Requirements: Requirements{MaxCostCents: 500, Currency: "usd"},
	})
	require.NoError(t, err)

	job, _ := q.Get(jobID)
	assert.NotEmpty(t, job.ReservationID)
	assert.Contains(t, gateway.reserved, job.ReservationID)
}

func TestOnResultCompletedDebitsReservation(t *testing.T) {
	q, reg, _, gateway := testSetup(t)
	sessionID := registerWorker(t, reg, "node-1")

	jobID, err := q.Submit(context.Background(), SubmitRequest{
		ClientID:     "client-1",
		AccountID:    "acct-1",
		Requirements: Requirements{MinCores: 2, Adapter: "docker", MaxCostCents: 500, Currency: "usd"},
	})
	require.NoError(t, err)
	q.Tick(context.Background())

	err = q.OnResult(context.Background(), jobID, sessionID, StatusCompleted, Result{Success: true, ActualCostCents: 300})
	require.NoError(t, err)

	job, _ := q.Get(jobID)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Contains(t, gateway.debited, job.ReservationID)
}

func TestOnResultFromWrongSessionIgnored(t *testing.T) {
	q, reg, _, _ := testSetup(t)
	sessionID := registerWorker(t, reg, "node-1")

	jobID, err := q.Submit(context.Background(), SubmitRequest{
		ClientID:     "client-1",
		Requirements: Requirements{MinCores: 2, Adapter: "docker"},
	})
	require.NoError(t, err)
	q.Tick(context.Background())

	err = q.OnResult(context.Background(), jobID, "wrong-session", StatusCompleted, Result{Success: true})
	require.NoError(t, err)

	job, _ := q.Get(jobID)
	assert.Equal(t, StatusAssigned, job.Status)
	_ = sessionID
}

func TestOnResultUnknownJobReturnsUnknownJobError(t *testing.T) {
	q, _, _, _ := testSetup(t)
	err := q.OnResult(context.Background(), "nope", "sess", StatusCompleted, Result{})
	require.Error(t, err)
}

func TestCancelPendingJobRefunds(t *testing.T) {
	q, _, _, gateway := testSetup(t)

	jobID, err := q.Submit(context.Background(), SubmitRequest{
		ClientID:     "client-1",
		AccountID:    "acct-1",
		Requirements: Requirements{MaxCostCents: 500, Currency: "usd"},
	})
	require.NoError(t, err)
	job, _ := q.Get(jobID)
	reservationID := job.ReservationID

	ok, err := q.Cancel(context.Background(), jobID)
	require.NoError(t, err)
	assert.True(t, ok)

	job, _ = q.Get(jobID)
	assert.Equal(t, StatusCancelled, job.Status)
	assert.Contains(t, gateway.refunded, reservationID)
}

func TestCancelTerminalJobReturnsFalse(t *testing.T) {
	q, _, _, _ := testSetup(t)
	jobID, err := q.Submit(context.Background(), SubmitRequest{ClientID: "client-1", Requirements: Requirements{}})
	require.NoError(t, err)

	ok, err := q.Cancel(context.Background(), jobID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = q.Cancel(context.Background(), jobID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelAssignedJobSendsCancelMessage(t *testing.T) {
	q, reg, sender, _ := testSetup(t)
	registerWorker(t, reg, "node-1")

	jobID, err := q.Submit(context.Background(), SubmitRequest{
		ClientID:     "client-1",
		Requirements: Requirements{MinCores: 2, Adapter: "docker"},
	})
	require.NoError(t, err)
	q.Tick(context.Background())

	ok, err := q.Cancel(context.Background(), jobID)
	require.NoError(t, err)
	assert.True(t, ok)

	sender.mu.Lock()
	assert.Contains(t, sender.cancels, jobID)
	sender.mu.Unlock()
}

func TestTickRequeuesTimedOutAssignedJobThenFailsAfterAttemptsExhausted(t *testing.T) {
	q, reg, _, _ := testSetup(t)
	registerWorker(t, reg, "node-1")

	jobID, err := q.Submit(context.Background(), SubmitRequest{
		ClientID:       "client-1",
		Requirements:   Requirements{MinCores: 2, Adapter: "docker"},
		TimeoutSeconds: 1,
	})
	require.NoError(t, err)
	q.Tick(context.Background())

	job, _ := q.Get(jobID)
	require.Equal(t, StatusAssigned, job.Status)

	q.mu.Lock()
	q.jobs[jobID].AssignedAt = time.Now().UTC().Add(-2 * time.Second)
	q.mu.Unlock()

	q.Tick(context.Background())
	job, _ = q.Get(jobID)
	assert.Equal(t, StatusAssigned, job.Status)
	assert.Equal(t, 2, job.Attempts)

	q.Tick(context.Background())
	job, _ = q.Get(jobID)
	require.Equal(t, StatusAssigned, job.Status)

	q.mu.Lock()
	q.jobs[jobID].AssignedAt = time.Now().UTC().Add(-2 * time.Second)
	q.mu.Unlock()
	q.Tick(context.Background())

	job, _ = q.Get(jobID)
	assert.Equal(t, StatusTimeout, job.Status)
	assert.Equal(t, "TimedOut", job.FailureReason)
}

func TestRequeueLostOnWorkerDeath(t *testing.T) {
	q, reg, _, _ := testSetup(t)
	sessionID := registerWorker(t, reg, "node-1")

	jobID, err := q.Submit(context.Background(), SubmitRequest{
		ClientID:     "client-1",
		Requirements: Requirements{MinCores: 2, Adapter: "docker"},
	})
	require.NoError(t, err)
	q.Tick(context.Background())

	job, _ := q.Get(jobID)
	require.Equal(t, sessionID, job.AssignedSession)

	q.RequeueLost(jobID)

	job, _ = q.Get(jobID)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 2, job.Attempts)
}

func TestAwaitResultUnblocksOnCompletion(t *testing.T) {
	q, reg, _, _ := testSetup(t)
	sessionID := registerWorker(t, reg, "node-1")

	jobID, err := q.Submit(context.Background(), SubmitRequest{
		ClientID:     "client-1",
		Requirements: Requirements{MinCores: 2, Adapter: "docker"},
	})
	require.NoError(t, err)
	q.Tick(context.Background())

	done := make(chan *Job, 1)
	go func() {
		j, err := q.AwaitResult(context.Background(), jobID)
		require.NoError(t, err)
		done <- j
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.OnResult(context.Background(), jobID, sessionID, StatusCompleted, Result{Success: true}))

	select {
	case j := <-done:
		assert.Equal(t, StatusCompleted, j.Status)
	case <-time.After(time.Second):
		t.Fatal("AwaitResult did not unblock")
	}
}
