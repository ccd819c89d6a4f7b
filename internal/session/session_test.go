package session

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fluxmesh/orchestrator/internal/queue"
	"github.com/fluxmesh/orchestrator/internal/registry"
)

// fakeConn is an in-memory Conn: inbound is a queue of frames fed to
// ReadMessage; outbound frames written via WriteMessage are captured.
type fakeConn struct {
	mu       sync.Mutex
	inbound  chan []byte
	outbound [][]byte
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (c *fakeConn) pushInbound(env Envelope, payload any) {
	data, _ := json.Marshal(payload)
	env.Payload = data
	raw, _ := json.Marshal(env)
	c.inbound <- raw
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.inbound
	if !ok {
		return 0, nil, io.EOF
	}
	return 1, data, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := append([]byte(nil), data...)
	c.outbound = append(c.outbound, cp)
	return nil
}

func (c *fakeConn) SetReadLimit(limit int64)               {}
func (c *fakeConn) SetReadDeadline(t time.Time) error       { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetPongHandler(h func(string) error)     {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *fakeConn) outboundEnvelopes() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, 0, len(c.outbound))
	for _, raw := range c.outbound {
		var env Envelope
		if json.Unmarshal(raw, &env) == nil && env.Type != "" {
			out = append(out, env)
		}
	}
	return out
}

type fakeSink struct {
	mu       sync.Mutex
	results  []queue.Result
	running  []string
}

func (f *fakeSink) OnResult(ctx context.Context, jobID, sessionID string, status queue.Status, result queue.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
	return nil
}

func (f *fakeSink) MarkRunning(jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = append(f.running, jobID)
	return nil
}

func testManager(t *testing.T) (*Manager, *fakeSink) {
	t.Helper()
	reg := registry.New(registry.Config{}, nil, nil, zap.NewNop())
	sink := &fakeSink{}
	return NewManager(reg, sink, zap.NewNop()), sink
}

func waitForEnvelope(t *testing.T, conn *fakeConn, typ Type) Envelope {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		for _, env := range conn.outboundEnvelopes() {
			if env.Type == typ {
				return env
			}
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for envelope type %q", typ)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRegisterTransitionsToRegisteredAndRepliesRegistered(t *testing.T) {
	mgr, _ := testManager(t)
	conn := newFakeConn()
	s := newSession(conn, mgr, zap.NewNop())
	go s.Run()

	conn.pushInbound(Envelope{Type: TypeRegister}, RegisterPayload{
		Capabilities: CapabilityWire{
			NodeID:   "node-1",
			Adapters: []string{"docker"},
		},
	})

	env := waitForEnvelope(t, conn, TypeRegistered)
	var p RegisteredPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "node-1", p.NodeID)
	assert.Len(t, p.ShareKey, 8)

	conn.Close()
}

func TestHeartbeatBeforeRegisterIsRejected(t *testing.T) {
	mgr, _ := testManager(t)
	conn := newFakeConn()
	s := newSession(conn, mgr, zap.NewNop())
	go s.Run()

	conn.pushInbound(Envelope{Type: TypeHeartbeat}, HeartbeatPayload{Available: 1})

	env := waitForEnvelope(t, conn, TypeError)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Contains(t, p.Message, "registration")

	conn.Close()
}

func TestJobResultForwardedToSink(t *testing.T) {
	mgr, sink := testManager(t)
	conn := newFakeConn()
	s := newSession(conn, mgr, zap.NewNop())
	go s.Run()

	conn.pushInbound(Envelope{Type: TypeRegister}, RegisterPayload{
		Capabilities: CapabilityWire{NodeID: "node-1", Adapters: []string{"docker"}},
	})
	waitForEnvelope(t, conn, TypeRegistered)

	conn.pushInbound(Envelope{Type: TypeJobResult}, JobResultPayload{
		JobID:           "job-1",
		Status:          "completed",
		ActualCostCents: 42,
	})

	deadline := time.After(time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.results)
		sink.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job_result was never forwarded to sink")
		case <-time.After(5 * time.Millisecond):
		}
	}

	sink.mu.Lock()
	assert.Equal(t, int64(42), sink.results[0].ActualCostCents)
	sink.mu.Unlock()

	conn.Close()
}

func TestManagerSendAssignmentUnknownSessionErrors(t *testing.T) {
	mgr, _ := testManager(t)
	err := mgr.SendAssignment("nope", queue.JobAssignment{JobID: "job-1"})
	assert.Error(t, err)
}
