// Package registry tracks which users currently have at least one enabled
// mail account, the set the supervisor (internal/supervisor) uses to decide
// who needs a running ingestion worker.
package registry

import "sync"

// Registry is an in-memory, concurrency-safe set of active user ids.
// Membership is derived from account state (internal/ingestion.AccountStore)
// rather than persisted independently — on restart the supervisor rebuilds
// it from scratch.
type Registry struct {
	mu    sync.RWMutex
	users map[string]int // userID -> enabled account count
}

func New() *Registry {
	return &Registry{users: make(map[string]int)}
}

// Register records that userID has an enabled account, returning true if
// this is the user's first one (i.e. they just became active).
func (r *Registry) Register(userID string) (becameActive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	was := r.users[userID] > 0
	r.users[userID]++
	return !was
}

// Unregister records that one of userID's enabled accounts went away,
// returning true if that was their last one (i.e. they just became
// inactive and the supervisor should tear down their worker).
func (r *Registry) Unregister(userID string) (becameInactive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.users[userID] <= 0 {
		return false
	}
	r.users[userID]--
	if r.users[userID] == 0 {
		delete(r.users, userID)
		return true
	}
	return false
}

// IsActive reports whether userID currently has at least one enabled
// account.
func (r *Registry) IsActive(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.users[userID] > 0
}

// ListActive returns every currently-active user id.
func (r *Registry) ListActive() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	return ids
}
