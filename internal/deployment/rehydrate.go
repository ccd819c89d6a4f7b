package deployment

import "time"

// LoadFailed rehydrates a deployment that was non-terminal when the process
// last stopped (Persistence module, spec §6). The core does not attempt to
// resume a coordinator mid-DAG across a process boundary, so every such
// deployment re-enters the registry already marked failed.
func (r *Registry) LoadFailed(d *Deployment, reason string) {
	d.Status = StatusFailed
	d.Error = reason
	d.CompletedAt = time.Now().UTC()
	for _, ns := range d.NodeState {
		if ns.Status == NodeStatusPending || ns.Status == NodeStatusRunning {
			ns.Status = NodeStatusFailed
			ns.Error = reason
		}
	}
	r.put(d)
}
