package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fluxmesh/orchestrator/internal/queue"
	"github.com/fluxmesh/orchestrator/internal/registry"
)

type fakeSender struct {
	mu          sync.Mutex
	assignments []queue.JobAssignment
}

func (f *fakeSender) SendAssignment(sessionID string, a queue.JobAssignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignments = append(f.assignments, a)
	return nil
}

func (f *fakeSender) SendCancel(string, string) error { return nil }

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.assignments)
}

type noopGateway struct{}

func (noopGateway) Reserve(context.Context, string, int64, string) (string, error) { return "", nil }
func (noopGateway) Debit(context.Context, string, int64) (int64, error)            { return 0, nil }
func (noopGateway) Refund(context.Context, string) error                          { return nil }

func TestDispatcherWakeDrivesSweepAndTick(t *testing.T) {
	sender := &fakeSender{}
	var d *Dispatcher
	wake := func() {
		if d != nil {
			d.Wake()
		}
	}

	var q *queue.Queue
	reg := registry.New(registry.Config{}, wake, func(jobID string) { q.RequeueLost(jobID) }, zap.NewNop())
	q = queue.New(queue.Config{}, reg, sender, noopGateway{}, wake, zap.NewNop())

	var err error
	d, err = New(Config{SweepInterval: time.Hour}, reg, q, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	defer d.Stop()

	_, _, err = reg.Register(registry.Capability{
		NodeID: "node-1",
		CPU:    registry.CPU{Cores: 4},
		Memory: registry.Memory{TotalMB: 8192},
	}, nil, nil, "")
	require.NoError(t, err)

	_, err = q.Submit(ctx, queue.SubmitRequest{ClientID: "client-1"})
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && sender.count() == 0 {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 1, sender.count())
}

func TestDispatcherWakeCoalesces(t *testing.T) {
	reg := registry.New(registry.Config{}, nil, nil, zap.NewNop())
	q := queue.New(queue.Config{}, reg, &fakeSender{}, noopGateway{}, nil, zap.NewNop())
	d, err := New(Config{SweepInterval: time.Hour}, reg, q, zap.NewNop())
	require.NoError(t, err)

	d.Wake()
	d.Wake()
	d.Wake()
	assert.Len(t, d.wake, 1)
}
