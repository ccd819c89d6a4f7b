package deployment

import (
	"errors"
	"sort"
	"sync"

	"github.com/fluxmesh/orchestrator/internal/metrics"
)

// ErrNotFound is returned by Get/Cancel for an unknown deployment-id.
var ErrNotFound = errors.New("deployment: not found")

// Registry is the in-memory map + client index of live and completed
// deployments (spec §4.7). All mutation goes through the Engine; the
// registry itself only stores and indexes.
type Registry struct {
	mu          sync.RWMutex
	deployments map[string]*Deployment
	byClient    map[string][]string // client-id -> deployment-ids, insertion order
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		deployments: make(map[string]*Deployment),
		byClient:    make(map[string][]string),
	}
}

func (r *Registry) put(d *Deployment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deployments[d.DeploymentID] = d
	r.byClient[d.ClientID] = append(r.byClient[d.ClientID], d.DeploymentID)
}

// getRaw returns the live *Deployment, for use by the Engine only (it needs
// the real pointer to mutate state under d.mu; external callers get Snapshot).
func (r *Registry) getRaw(deploymentID string) (*Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deployments[deploymentID]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

// Get returns a read-only snapshot of a deployment.
func (r *Registry) Get(deploymentID string) (Snapshot, error) {
	d, err := r.getRaw(deploymentID)
	if err != nil {
		return Snapshot{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot(), nil
}

// ListForClient returns clientID's deployments, most recently submitted first.
func (r *Registry) ListForClient(clientID string) []Snapshot {
	r.mu.RLock()
	ids := append([]string(nil), r.byClient[clientID]...)
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if d, err := r.getRaw(ids[i]); err == nil {
			d.mu.Lock()
			out = append(out, d.snapshot())
			d.mu.Unlock()
		}
	}
	return out
}

// Stats returns the count of deployments in each status.
func (r *Registry) Stats() map[DeploymentStatus]int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.deployments))
	for id := range r.deployments {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids) // deterministic iteration for callers that log/diff this

	counts := make(map[DeploymentStatus]int)
	for _, id := range ids {
		d, err := r.getRaw(id)
		if err != nil {
			continue
		}
		d.mu.Lock()
		counts[d.Status]++
		d.mu.Unlock()
	}

	active := 0
	for status, n := range counts {
		if !status.Terminal() {
			active += n
		}
	}
	metrics.DeploymentsActive.Set(float64(active))

	return counts
}
