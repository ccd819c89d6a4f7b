// Command workersim is a reference Worker Session Protocol client: it
// registers with a running orchestrator, reports real host CPU/RAM/disk
// numbers read via gopsutil, and answers every job_assignment with a
// synthetic job_result after sleeping a configurable duration. It is not a
// production adapter runtime — there is no docker/llm/shell execution here,
// only enough behavior to exercise the protocol end to end.
//
// Reconnect-with-backoff follows the same exponential-plus-jitter shape
// used elsewhere in this codebase; the websocket framing matches
// internal/session's Envelope/Type/payload wire types directly since this
// process speaks that protocol, not a second one of its own.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fluxmesh/orchestrator/internal/session"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2

	heartbeatInterval = 15 * time.Second
)

type config struct {
	orchestratorURL string
	nodeID          string
	workspaceIDs    []string
	shareKey        string
	jobSleep        time.Duration
	maxJobSlots     int
	logLevel        string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}
	var workspaceCSV string

	root := &cobra.Command{
		Use:   "workersim",
		Short: "Reference worker for the FluxMesh Worker Session Protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workspaceCSV != "" {
				cfg.workspaceIDs = splitCSV(workspaceCSV)
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.Flags().StringVar(&cfg.orchestratorURL, "orchestrator-url", envOrDefault("FLUXMESH_ORCHESTRATOR_URL", "ws://localhost:8080/ws/node"), "orchestrator websocket endpoint")
	root.Flags().StringVar(&cfg.nodeID, "node-id", envOrDefault("FLUXMESH_NODE_ID", "workersim-"+uuid.NewString()[:8]), "worker-chosen node identifier")
	root.Flags().StringVar(&workspaceCSV, "workspace-ids", envOrDefault("FLUXMESH_WORKSPACE_IDS", ""), "comma-separated workspace-ids this worker accepts jobs for")
	root.Flags().StringVar(&cfg.shareKey, "share-key", envOrDefault("FLUXMESH_SHARE_KEY", ""), "share-key presented at registration, if binding to a workspace this way")
	root.Flags().DurationVar(&cfg.jobSleep, "job-sleep", 2*time.Second, "how long to sleep before answering a job_assignment")
	root.Flags().IntVar(&cfg.maxJobSlots, "max-job-slots", 4, "reported available job slots in each heartbeat")
	root.Flags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FLUXMESH_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	return root
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if _, err := url.Parse(cfg.orchestratorURL); err != nil {
		return fmt.Errorf("invalid orchestrator URL: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	w := &worker{cfg: cfg, logger: logger}
	w.runLoop(ctx)
	return nil
}

// worker owns one reconnecting session against the orchestrator.
type worker struct {
	cfg    *config
	logger *zap.Logger

	mu         sync.Mutex
	jobsActive int
}

func (w *worker) runLoop(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			w.logger.Info("workersim stopped")
			return
		}

		w.logger.Info("connecting to orchestrator", zap.String("url", w.cfg.orchestratorURL))

		if err := w.connect(ctx); err != nil {
			w.logger.Warn("connection failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = backoffInitial
	}
}

func (w *worker) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.cfg.orchestratorURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	if err := w.register(conn); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- w.heartbeatLoop(ctx, conn) }()
	go func() { errCh <- w.readLoop(ctx, conn) }()

	err = <-errCh
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (w *worker) register(conn *websocket.Conn) error {
	payload := session.RegisterPayload{
		Capabilities: collectCapability(w.cfg.nodeID),
		WorkspaceIDs: w.cfg.workspaceIDs,
		ShareKey:     w.cfg.shareKey,
	}
	if err := sendEnvelope(conn, session.TypeRegister, payload); err != nil {
		return err
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("no response to register: %w", err)
	}
	var env session.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("malformed register response: %w", err)
	}
	if env.Type == session.TypeError {
		var e session.ErrorPayload
		json.Unmarshal(env.Payload, &e) //nolint:errcheck
		return fmt.Errorf("orchestrator rejected registration: %s", e.Message)
	}
	if env.Type != session.TypeRegistered {
		return fmt.Errorf("unexpected response type %q to register", env.Type)
	}
	var registered session.RegisteredPayload
	if err := json.Unmarshal(env.Payload, &registered); err != nil {
		return fmt.Errorf("malformed registered payload: %w", err)
	}
	w.logger.Info("registered with orchestrator",
		zap.String("node_id", registered.NodeID),
		zap.String("share_key", registered.ShareKey),
	)
	return nil
}

func (w *worker) heartbeatLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.mu.Lock()
			active := w.jobsActive
			w.mu.Unlock()

			available := w.cfg.maxJobSlots - active
			if available < 0 {
				available = 0
			}
			if err := sendEnvelope(conn, session.TypeHeartbeat, session.HeartbeatPayload{
				Available:   available,
				CurrentJobs: active,
			}); err != nil {
				return fmt.Errorf("heartbeat send failed: %w", err)
			}
		}
	}
}

func (w *worker) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}

		var env session.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			w.logger.Warn("malformed frame from orchestrator", zap.Error(err))
			continue
		}

		switch env.Type {
		case session.TypeJobAssignment:
			var p session.JobAssignmentPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				w.logger.Warn("malformed job_assignment", zap.Error(err))
				continue
			}
			go w.runJob(ctx, conn, p.Job)
		case session.TypeJobCancelled:
			var p session.JobCancelledPayload
			json.Unmarshal(env.Payload, &p) //nolint:errcheck
			w.logger.Info("job cancelled by orchestrator", zap.String("job_id", p.JobID))
		case session.TypeUpdateLimits:
			w.logger.Debug("received update_limits")
		case session.TypeWorkspacesUpdated:
			w.logger.Debug("received workspaces_updated")
		case session.TypeError:
			var p session.ErrorPayload
			json.Unmarshal(env.Payload, &p) //nolint:errcheck
			w.logger.Warn("orchestrator sent error", zap.String("message", p.Message))
		default:
			w.logger.Debug("ignoring unknown message type", zap.String("type", string(env.Type)))
		}
	}
}

// runJob simulates execution: report running, sleep, report a synthetic
// result. Never touches a real adapter — this worker only exercises the
// protocol (spec's Reference Worker, not a production runtime).
func (w *worker) runJob(ctx context.Context, conn *websocket.Conn, job session.JobWire) {
	w.mu.Lock()
	w.jobsActive++
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.jobsActive--
		w.mu.Unlock()
	}()

	if err := sendEnvelope(conn, session.TypeJobProgress, session.JobProgressPayload{
		JobID: job.ID,
		State: "running",
	}); err != nil {
		w.logger.Warn("failed to report job_progress", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(w.cfg.jobSleep):
	}

	result := session.JobResultPayload{
		JobID:  job.ID,
		Status: "completed",
		Result: map[string]any{"simulated": true, "job_type": job.Type},
		Outputs: map[string]any{
			"node_id": w.cfg.nodeID,
		},
	}
	if err := sendEnvelope(conn, session.TypeJobResult, result); err != nil {
		w.logger.Warn("failed to report job_result", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func sendEnvelope(conn *websocket.Conn, t session.Type, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	env := session.Envelope{Type: t, Payload: data}
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// collectCapability reads real host CPU/RAM/disk numbers via gopsutil. GPU
// fields are always empty — the pack carries no GPU discovery library.
func collectCapability(nodeID string) session.CapabilityWire {
	var w session.CapabilityWire
	w.NodeID = nodeID

	if counts, err := cpu.Counts(true); err == nil {
		w.CPU.Threads = counts
	}
	if counts, err := cpu.Counts(false); err == nil {
		w.CPU.Cores = counts
	}
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		w.CPU.Model = infos[0].ModelName
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		w.Memory.TotalMB = int(vm.Total / (1024 * 1024))
		w.Memory.AvailableMB = int(vm.Available / (1024 * 1024))
	}

	if usage, err := disk.Usage("/"); err == nil {
		w.Storage.TotalGB = int(usage.Total / (1024 * 1024 * 1024))
		w.Storage.AvailableGB = int(usage.Free / (1024 * 1024 * 1024))
	}

	w.Adapters = []string{"http", runtime.GOOS}
	return w
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
