package registry

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fluxmesh/orchestrator/internal/capability"
	"github.com/fluxmesh/orchestrator/internal/metrics"
)

// ErrNotFound is returned when a session-id has no matching record.
var ErrNotFound = errors.New("registry: not found")

// ErrShareKeyNotFound is returned by Register/ConsumeShareKey when a supplied
// share-key does not exist — spec §4.2 "Failure semantics": no session is
// created in that case.
var ErrShareKeyNotFound = errors.New("registry: share key not found")

// shareKeyAlphabet excludes visually confusable characters (0/O, 1/I/L) per
// spec §6's share-key protocol note.
const shareKeyAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
const shareKeyLength = 8

// WakeFunc is a non-blocking notification the registry calls after a
// mutation the Dispatcher should react to (spec §4.8: "new worker
// registered", "worker heartbeat received", "worker closed"). The Dispatcher
// supplies the concrete implementation; the registry has no dependency on it.
type WakeFunc func()

// RequeueFunc is invoked once per job-id owned by a session that was just
// evicted (re-registration) or swept as dead, so the Job Queue can requeue
// it with reason WorkerLost (spec §4.2 Sweep, §4.3 Reconnect).
type RequeueFunc func(jobID string)

const (
	// defaultFreshWindow/defaultStaleWindow mirror spec §3's T_fresh/T_stale.
	defaultFreshWindow = 30 * time.Second
	defaultStaleWindow = 90 * time.Second
)

// Config tunes the liveness windows; zero values fall back to spec defaults.
type Config struct {
	FreshWindow time.Duration
	StaleWindow time.Duration
}

// Registry is the process-wide, in-memory set of live worker sessions. All
// mutation methods are safe for concurrent use; Eligible and snapshots read
// from a consistent lock-protected view (spec §5 "Reads are served from
// consistent snapshots").
type Registry struct {
	mu sync.RWMutex

	sessions  map[string]*Session // by session-id
	byNodeID  map[string]string   // node-id -> session-id
	shareKeys map[string]string   // share-key -> session-id

	cfg     Config
	wake    WakeFunc
	requeue RequeueFunc
	logger  *zap.Logger
}

// New creates an empty Registry. wake is called (from within the registry's
// own lock, so it must not re-enter the registry) whenever state changes the
// Dispatcher should react to. requeue is called once per job-id belonging to
// a session that is evicted or swept dead.
func New(cfg Config, wake WakeFunc, requeue RequeueFunc, logger *zap.Logger) *Registry {
	if cfg.FreshWindow == 0 {
		cfg.FreshWindow = defaultFreshWindow
	}
	if cfg.StaleWindow == 0 {
		cfg.StaleWindow = defaultStaleWindow
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		byNodeID:  make(map[string]string),
		shareKeys: make(map[string]string),
		cfg:       cfg,
		wake:      wake,
		requeue:   requeue,
		logger:    logger.Named("registry"),
	}
}

func (r *Registry) signal() {
	if r.wake != nil {
		r.wake()
	}
}

func genShareKey() (string, error) {
	b := make([]byte, shareKeyLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("registry: failed to generate share key: %w", err)
	}
	out := make([]byte, shareKeyLength)
	for i, v := range b {
		out[i] = shareKeyAlphabet[int(v)%len(shareKeyAlphabet)]
	}
	return string(out), nil
}

// evictLocked removes a session and requeues its current jobs. Caller must
// hold r.mu for writing.
func (r *Registry) evictLocked(s *Session, reason string) {
	delete(r.sessions, s.SessionID)
	delete(r.byNodeID, s.NodeID)
	if !s.ShareKeyConsumed {
		delete(r.shareKeys, s.ShareKey)
	}

	for jobID := range s.CurrentJobs {
		if r.requeue != nil {
			r.requeue(jobID)
		}
	}

	r.logger.Info("session evicted",
		zap.String("session_id", s.SessionID),
		zap.String("node_id", s.NodeID),
		zap.String("reason", reason),
		zap.Int("requeued_jobs", len(s.CurrentJobs)),
	)
}

// Register creates a new session for cap.NodeID, evicting any live session
// with the same node-id (spec §3 invariant i). If shareKey is non-empty it
// must already exist and be unused; on success the new session is bound to
// the share-key's workspace and the key is marked consumed. A fresh share-key
// is always minted for the new session regardless (spec §4.2 Register).
func (r *Registry) Register(
	cap Capability,
	workspaceIDs []string,
	limits *ResourceLimits,
	shareKey string,
) (sessionID, nodeShareKey string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var boundWorkspace string
	var shareKeyOwner *Session
	if shareKey != "" {
		ownerSessionID, ok := r.shareKeys[shareKey]
		if !ok {
			return "", "", ErrShareKeyNotFound
		}
		owner, ok := r.sessions[ownerSessionID]
		if !ok || owner.ShareKeyConsumed {
			return "", "", ErrShareKeyNotFound
		}
		// The share key belongs to whichever session requested it; binding
		// that session to a workspace is ConsumeShareKey's job, not
		// Register's — a share key presented here is instead the caller
		// asserting "bind *this* new session" using a key minted by a
		// previous session of the same node (re-registration flow).
		for ws := range owner.WorkspaceBindings {
			boundWorkspace = ws
			break
		}
		shareKeyOwner = owner
	}

	if existingID, ok := r.byNodeID[cap.NodeID]; ok {
		if existing, ok := r.sessions[existingID]; ok {
			r.evictLocked(existing, "re-registration")
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", "", fmt.Errorf("registry: failed to generate session id: %w", err)
	}
	newKey, err := genShareKey()
	if err != nil {
		return "", "", err
	}

	bindings := make(map[string]struct{}, len(workspaceIDs))
	for _, ws := range workspaceIDs {
		bindings[ws] = struct{}{}
	}
	if boundWorkspace != "" {
		bindings[boundWorkspace] = struct{}{}
	}

	s := &Session{
		SessionID:         id.String(),
		NodeID:            cap.NodeID,
		Capability:        cap,
		WorkspaceBindings: bindings,
		ShareKey:          newKey,
		Liveness:          LivenessFresh,
		LastHeartbeat:     time.Now().UTC(),
		CurrentJobs:       make(map[string]struct{}),
		ResourceLimits:    limits,
		ConnectedAt:       time.Now().UTC(),
	}

	if shareKeyOwner != nil {
		shareKeyOwner.ShareKeyConsumed = true
	}

	r.sessions[s.SessionID] = s
	r.byNodeID[s.NodeID] = s.SessionID
	r.shareKeys[newKey] = s.SessionID

	r.logger.Info("session registered",
		zap.String("session_id", s.SessionID),
		zap.String("node_id", s.NodeID),
		zap.Int("workspace_bindings", len(bindings)),
	)

	r.signal()
	return s.SessionID, newKey, nil
}

// Heartbeat updates last-heartbeat for sessionID. Returns ErrNotFound if the
// registry has no record of the session — per the Open Question resolution
// in spec §9, the caller (Worker Session) must then send a re-register
// signal to the worker; a dead session's heartbeat is otherwise silently
// dropped (spec §4.2 "Failure semantics").
func (r *Registry) Heartbeat(sessionID string, availableJobSlots, currentJobsCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Liveness == LivenessDead {
		// Dead sessions are already removed from r.sessions by Sweep, so in
		// practice this branch only matters if a heartbeat races eviction
		// within the same tick — treat it the same as not-found.
		return ErrNotFound
	}

	s.LastHeartbeat = time.Now().UTC()
	s.Liveness = LivenessFresh
	r.signal()
	return nil
}

// UpdateLimits overwrites sessionID's resource limits and signals the
// Dispatcher that effective capacity may have changed.
func (r *Registry) UpdateLimits(sessionID string, limits ResourceLimits) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.ResourceLimits = &limits
	r.signal()
	return nil
}

// UpdateWorkspaces replaces sessionID's workspace bindings wholesale.
func (r *Registry) UpdateWorkspaces(sessionID string, workspaceIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	bindings := make(map[string]struct{}, len(workspaceIDs))
	for _, ws := range workspaceIDs {
		bindings[ws] = struct{}{}
	}
	s.WorkspaceBindings = bindings
	r.signal()
	return nil
}

// ConsumeShareKey binds the session that advertised shareKey to workspaceID
// and marks the key consumed. Idempotent: calling it again with the same key
// and workspace is a no-op success, matching spec §4.2. A second call with a
// *different* workspaceID still only succeeds once — ErrShareKeyNotFound is
// returned once the key is consumed, satisfying testable property 9
// (share-key single-use).
func (r *Registry) ConsumeShareKey(shareKey, workspaceID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, ok := r.shareKeys[shareKey]
	if !ok {
		return "", ErrShareKeyNotFound
	}
	s, ok := r.sessions[sessionID]
	if !ok {
		return "", ErrShareKeyNotFound
	}

	if s.ShareKeyConsumed {
		if s.BoundTo(workspaceID) {
			return s.SessionID, nil
		}
		return "", ErrShareKeyNotFound
	}

	s.WorkspaceBindings[workspaceID] = struct{}{}
	s.ShareKeyConsumed = true
	r.signal()
	return s.SessionID, nil
}

// AddCurrentJob adds jobID to the live session's current job-id set under
// lock, used by the Job Queue when recording a reserve-and-assign.
func (r *Registry) AddCurrentJob(sessionID, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.CurrentJobs[jobID] = struct{}{}
	return nil
}

// RemoveCurrentJob removes jobID from sessionID's current-jobs set (used on
// rollback of a failed dispatch, or once a terminal result is recorded).
func (r *Registry) RemoveCurrentJob(sessionID, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		delete(s.CurrentJobs, jobID)
	}
}

// Get returns a read-only snapshot of a session.
func (r *Registry) Get(sessionID string) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snapshotOf(s), nil
}

// eligibleCandidate pairs a session with its scoring key so Eligible can sort
// without recomputing scores.
type eligibleCandidate struct {
	session         *Session
	workspaceExact  bool
	currentJobCount int
	lastHeartbeat   time.Time
}

// Eligible returns sessions passing the Capability Matcher and affinity
// check, ordered by spec §4.2's scoring function: exact workspace-affinity
// match first, then fewer current-jobs, then earliest last-heartbeat.
func (r *Registry) Eligible(req capability.Requirements) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []eligibleCandidate
	for _, s := range r.sessions {
		if s.Liveness == LivenessDead {
			continue
		}
		if !capabilityMatches(req, s) {
			continue
		}
		candidates = append(candidates, eligibleCandidate{
			session:         s,
			workspaceExact:  req.AffinityWSID != "" && s.BoundTo(req.AffinityWSID),
			currentJobCount: len(s.CurrentJobs),
			lastHeartbeat:   s.LastHeartbeat,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.workspaceExact != b.workspaceExact {
			return a.workspaceExact
		}
		if a.currentJobCount != b.currentJobCount {
			return a.currentJobCount < b.currentJobCount
		}
		return a.lastHeartbeat.Before(b.lastHeartbeat)
	})

	out := make([]Snapshot, len(candidates))
	for i, c := range candidates {
		out[i] = snapshotOf(c.session)
	}
	return out
}

// Sweep transitions sessions between liveness states based on elapsed time
// since their last heartbeat, and evicts (with job requeue) any session that
// has gone dead. Called periodically by the Dispatcher (spec §4.2 Sweep,
// §4.8). Returns the number of sessions evicted this sweep, for metrics.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	var dead []*Session

	for _, s := range r.sessions {
		age := now.Sub(s.LastHeartbeat)
		switch {
		case age > r.cfg.StaleWindow:
			if s.Liveness != LivenessDead {
				dead = append(dead, s)
			}
		case age > r.cfg.FreshWindow:
			s.Liveness = LivenessStale
		default:
			s.Liveness = LivenessFresh
		}
	}

	for _, s := range dead {
		s.Liveness = LivenessDead
		r.evictLocked(s, "WorkerLost")
	}

	r.reportGaugesLocked()

	if len(dead) > 0 {
		r.signal()
	}
	return len(dead)
}

// reportGaugesLocked publishes the current per-liveness session counts to
// Prometheus. Caller must hold r.mu.
func (r *Registry) reportGaugesLocked() {
	counts := map[Liveness]int{LivenessFresh: 0, LivenessStale: 0}
	for _, s := range r.sessions {
		counts[s.Liveness]++
	}
	metrics.SessionsConnected.WithLabelValues(string(LivenessFresh)).Set(float64(counts[LivenessFresh]))
	metrics.SessionsConnected.WithLabelValues(string(LivenessStale)).Set(float64(counts[LivenessStale]))
}

// ConnectedCount returns the number of live sessions, for metrics/health.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// capabilityMatches adapts the package-level capability.Matches function to
// this package's *Session type without creating an import cycle (capability
// imports registry for its types, so this registry package cannot import
// capability's Matches signature directly in the other direction — it
// already does, since capability only depends on registry's exported types,
// not the reverse). Kept as a thin wrapper so call sites read naturally.
func capabilityMatches(req capability.Requirements, s *Session) bool {
	return capability.Matches(req, s)
}
