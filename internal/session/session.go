package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fluxmesh/orchestrator/internal/registry"
)

// Connection timing constants: writeWait bounds a single frame write,
// pongWait/pingPeriod implement the keepalive, and maxMessageSize guards
// against a misbehaving worker flooding the reader.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // worker payloads can carry job results, bigger than a dashboard ping
	sendBufferSize = 64
)

// State is where a session sits in the Handshake -> Registered -> Closed
// state machine (spec §4.3).
type State string

const (
	StateHandshake  State = "handshake"
	StateRegistered State = "registered"
	StateClosed     State = "closed"
)

// Conn is the subset of *websocket.Conn a Session needs; narrowed for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Session is one connected worker's protocol state machine. It owns the
// transport and the outbound send buffer; inbound messages are dispatched to
// the Manager that created it.
type Session struct {
	conn Conn
	mgr  *Manager

	sessionID string // assigned on successful register
	nodeID    string // worker-chosen, known even pre-register for logging
	state     State

	send   chan Envelope
	closed chan struct{}

	logger *zap.Logger
}

func newSession(conn Conn, mgr *Manager, logger *zap.Logger) *Session {
	return &Session{
		conn:   conn,
		mgr:    mgr,
		state:  StateHandshake,
		send:   make(chan Envelope, sendBufferSize),
		closed: make(chan struct{}),
		logger: logger,
	}
}

// Run drives the session until the transport closes. It starts the write
// pump in its own goroutine and blocks in the read pump, matching the
// teacher's Client.Run structure.
func (s *Session) Run() {
	go s.writePump()
	s.readPump()
}

func (s *Session) readPump() {
	defer s.teardown()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError("malformed message")
			continue
		}
		s.dispatch(env)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case env, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				s.logger.Error("failed to marshal outbound message", zap.Error(err))
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) dispatch(env Envelope) {
	switch env.Type {
	case TypeRegister:
		s.handleRegister(env.Payload)
	case TypeHeartbeat:
		s.handleHeartbeat(env.Payload)
	case TypeJobResult:
		s.handleJobResult(env.Payload)
	case TypeJobProgress:
		s.handleJobProgress(env.Payload)
	default:
		s.sendError(fmt.Sprintf("unknown message type %q", env.Type))
	}
}

func (s *Session) handleRegister(raw json.RawMessage) {
	if s.state != StateHandshake {
		s.sendError("register only valid before registration")
		return
	}
	var p RegisterPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.sendError("malformed register payload")
		return
	}

	hwCapability := decodeCapability(p.Capabilities)
	s.nodeID = hwCapability.NodeID

	var limits *registry.ResourceLimits
	if p.ResourceLimits != nil {
		limits = &registry.ResourceLimits{
			CPUCores:       p.ResourceLimits.CPUCores,
			RAMPercent:     p.ResourceLimits.RAMPercent,
			StorageGB:      p.ResourceLimits.StorageGB,
			GPUVRAMPercent: p.ResourceLimits.GPUVRAMPercent,
		}
	}

	sessionID, shareKey, err := s.mgr.registry.Register(hwCapability, p.WorkspaceIDs, limits, p.ShareKey)
	if err != nil {
		s.sendError(err.Error())
		return
	}

	s.sessionID = sessionID
	s.state = StateRegistered
	s.mgr.bind(s)

	s.enqueue(Envelope{Type: TypeRegistered}, RegisteredPayload{NodeID: hwCapability.NodeID, ShareKey: shareKey})
	s.logger.Info("worker registered", zap.String("session_id", sessionID), zap.String("node_id", hwCapability.NodeID))
}

func (s *Session) handleHeartbeat(raw json.RawMessage) {
	if s.state != StateRegistered {
		s.sendError("heartbeat only valid after registration")
		return
	}
	var p HeartbeatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.sendError("malformed heartbeat payload")
		return
	}

	if err := s.mgr.registry.Heartbeat(s.sessionID, p.Available, p.CurrentJobs); err != nil {
		// Registry has no record of this session — spec §9 Open Question:
		// instruct the worker to re-register with its cached capability.
		s.sendError("re-register required")
		s.state = StateHandshake
		s.sessionID = ""
	}
}

func (s *Session) handleJobResult(raw json.RawMessage) {
	if s.state != StateRegistered {
		return
	}
	var p JobResultPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.sendError("malformed job_result payload")
		return
	}
	s.mgr.onJobResult(s.sessionID, p)
}

func (s *Session) handleJobProgress(raw json.RawMessage) {
	if s.state != StateRegistered {
		return
	}
	var p JobProgressPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	if p.State == "running" {
		s.mgr.onJobRunning(p.JobID)
	}
}

func (s *Session) sendError(message string) {
	s.enqueue(Envelope{Type: TypeError}, ErrorPayload{Message: message})
}

// enqueue marshals payload and pushes the envelope onto the send buffer. A
// full buffer means a slow/wedged worker — drop the connection rather than
// block the Dispatcher that called in.
func (s *Session) enqueue(env Envelope, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to marshal payload", zap.Error(err))
		return
	}
	env.Payload = data
	select {
	case s.send <- env:
	default:
		s.logger.Warn("send buffer full, dropping session", zap.String("session_id", s.sessionID))
		s.teardown()
	}
}

func (s *Session) teardown() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	s.conn.Close()
	if s.sessionID != "" {
		s.mgr.unbind(s.sessionID)
	}
}

func decodeCapability(w CapabilityWire) registry.Capability {
	gpus := make([]registry.GPU, 0, len(w.GPUs))
	for _, g := range w.GPUs {
		supports := make(map[registry.ComputeAPI]struct{}, len(g.Supports))
		for _, api := range g.Supports {
			supports[registry.ComputeAPI(api)] = struct{}{}
		}
		gpus = append(gpus, registry.GPU{
			Vendor:   registry.GPUVendor(g.Vendor),
			Model:    g.Model,
			VRAMMB:   g.VRAMMB,
			Supports: supports,
		})
	}
	adapters := make(map[string]struct{}, len(w.Adapters))
	for _, a := range w.Adapters {
		adapters[a] = struct{}{}
	}
	return registry.Capability{
		NodeID: w.NodeID,
		CPU: registry.CPU{
			Model:   w.CPU.Model,
			Cores:   w.CPU.Cores,
			Threads: w.CPU.Threads,
		},
		Memory: registry.Memory{
			TotalMB:     w.Memory.TotalMB,
			AvailableMB: w.Memory.AvailableMB,
		},
		Storage: registry.Storage{
			TotalGB:     w.Storage.TotalGB,
			AvailableGB: w.Storage.AvailableGB,
		},
		GPUs:     gpus,
		Adapters: adapters,
	}
}

// compile-time assertion that *websocket.Conn satisfies Conn.
var _ Conn = (*websocket.Conn)(nil)
