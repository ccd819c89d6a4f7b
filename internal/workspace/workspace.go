// Package workspace defines the narrow contract deciding whether an account
// may use a given workspace-id at flow-submission time. It is an external
// collaborator (spec §1); the scheduler's own affinity logic (internal/
// capability, internal/registry) never calls this — workspace-id is purely
// an opaque matching key to them.
package workspace

import "context"

// Binder answers membership questions for the submission API.
type Binder interface {
	IsMember(ctx context.Context, accountID, workspaceID string) (bool, error)
}

// StaticBinder is a deterministic in-memory stub: accountID maps to the set
// of workspace-ids it may use. Suitable for tests and single-tenant setups.
type StaticBinder struct {
	memberships map[string]map[string]struct{}
}

// NewStaticBinder builds a StaticBinder from accountID -> []workspaceID.
func NewStaticBinder(memberships map[string][]string) *StaticBinder {
	b := &StaticBinder{memberships: make(map[string]map[string]struct{}, len(memberships))}
	for account, workspaces := range memberships {
		set := make(map[string]struct{}, len(workspaces))
		for _, w := range workspaces {
			set[w] = struct{}{}
		}
		b.memberships[account] = set
	}
	return b
}

// IsMember implements Binder.
func (b *StaticBinder) IsMember(_ context.Context, accountID, workspaceID string) (bool, error) {
	set, ok := b.memberships[accountID]
	if !ok {
		return false, nil
	}
	_, ok = set[workspaceID]
	return ok, nil
}

// AllowAllBinder treats every account as a member of every workspace.
// Intended for single-tenant deployments where no membership service
// exists — not a sensible default once multiple tenants share an
// orchestrator.
type AllowAllBinder struct{}

// NewAllowAllBinder builds an AllowAllBinder.
func NewAllowAllBinder() *AllowAllBinder { return &AllowAllBinder{} }

// IsMember implements Binder.
func (*AllowAllBinder) IsMember(_ context.Context, _, _ string) (bool, error) {
	return true, nil
}
