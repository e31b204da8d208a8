package session

import (
	"fmt"
	"sync"
)

// ReplacePolicy controls what happens when a second planning session tries
// to register for a workspace that already has an owner.
type ReplacePolicy string

const (
	// PolicyReplace evicts the current owner in favor of the new registrant.
	PolicyReplace ReplacePolicy = "replace"
	// PolicyReject refuses the new registrant while an owner exists.
	PolicyReject ReplacePolicy = "reject"
)

// PlanningRegistry enforces single-owner planning per workspace with an
// explicit replace/reject policy, instead of relying on registration order.
type PlanningRegistry struct {
	mu     sync.Mutex
	owners map[string]string // workspace → session id
}

func NewPlanningRegistry() *PlanningRegistry {
	return &PlanningRegistry{
		owners: make(map[string]string),
	}
}

// Register claims planning ownership of a workspace. Under PolicyReplace the
// previous owner's session id is returned so the caller can stop it; under
// PolicyReject an error is returned while another owner holds the slot.
func (r *PlanningRegistry) Register(workspace, sessionID string, policy ReplacePolicy) (replaced string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.owners[workspace]
	if ok && current != sessionID {
		switch policy {
		case PolicyReplace:
			replaced = current
		case PolicyReject:
			return "", fmt.Errorf("workspace %s already has an active planning session", workspace)
		default:
			return "", fmt.Errorf("unknown replace policy %q", policy)
		}
	}
	r.owners[workspace] = sessionID
	return replaced, nil
}

// Release frees the slot if sessionID still owns it. A stale release from a
// replaced session is a no-op.
func (r *PlanningRegistry) Release(workspace, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.owners[workspace] == sessionID {
		delete(r.owners, workspace)
	}
}

// Owner reports the current planning session for a workspace.
func (r *PlanningRegistry) Owner(workspace string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.owners[workspace]
	return id, ok
}
