package session

import (
	"context"
	"sort"
	"sync"
)

// Registry enforces the per-user concurrent session limit.
type Registry interface {
	// Admit records sessionID for userID unless the user is at the limit.
	// Admitting an already recorded pair returns true without changes.
	Admit(ctx context.Context, userID, sessionID string) (bool, error)
	// Release forgets the pair and drops the user key once it is empty.
	Release(ctx context.Context, userID, sessionID string) error
	Close() error
}

type MemoryRegistry struct {
	mu     sync.Mutex
	limit  int
	byUser map[string]map[string]struct{}
}

func NewMemoryRegistry(limit int) *MemoryRegistry {
	if limit <= 0 {
		limit = 3
	}
	return &MemoryRegistry{
		limit:  limit,
		byUser: make(map[string]map[string]struct{}),
	}
}

func (r *MemoryRegistry) Admit(_ context.Context, userID, sessionID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byUser[userID]
	if _, ok := set[sessionID]; ok {
		return true, nil
	}
	if len(set) >= r.limit {
		return false, nil
	}
	if set == nil {
		set = make(map[string]struct{}, r.limit)
		r.byUser[userID] = set
	}
	set[sessionID] = struct{}{}
	return true, nil
}

func (r *MemoryRegistry) Release(_ context.Context, userID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(r.byUser, userID)
	}
	return nil
}

// ActiveCount returns the number of admitted sessions across all users.
func (r *MemoryRegistry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, set := range r.byUser {
		n += len(set)
	}
	return n
}

// UserSessions returns the sorted session ids held by userID.
func (r *MemoryRegistry) UserSessions(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byUser[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// HasUser reports whether the user key exists.
func (r *MemoryRegistry) HasUser(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byUser[userID]
	return ok
}

func (r *MemoryRegistry) Close() error { return nil }
