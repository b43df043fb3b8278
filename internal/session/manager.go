package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("session not found")

// Manager tracks the voice sessions live on this process.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	onExpire func(*Session)
	now      func() time.Time
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetExpireHook registers a callback for sessions the janitor finds past
// their deadline. The voice session normally closes itself first.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(req CreateRequest) *Session {
	now := m.now()
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	s := &Session{
		ID:             id,
		UserID:         req.UserID,
		State:          StateIdle,
		Language:       req.Language,
		VoiceName:      req.VoiceName,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if req.MaxDuration > 0 {
		s.Deadline = now.Add(req.MaxDuration)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) SetState(sessionID string, state State) error {
	return m.update(sessionID, func(s *Session) { s.State = state })
}

func (m *Manager) StartTurn(sessionID, turnID string) error {
	return m.update(sessionID, func(s *Session) { s.ActiveTurnID = turnID })
}

// EndTurn clears the active turn if it is still turnID.
func (m *Manager) EndTurn(sessionID, turnID string) error {
	return m.update(sessionID, func(s *Session) {
		if s.ActiveTurnID == turnID {
			s.ActiveTurnID = ""
		}
	})
}

func (m *Manager) Interrupt(sessionID string) error {
	return m.update(sessionID, func(s *Session) {
		s.InterruptionCount++
		s.ActiveTurnID = ""
	})
}

// End removes the session and returns its final snapshot.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.sessions, sessionID)
	s.State = StateClosed
	s.ActiveTurnID = ""
	s.LastActivityAt = m.now()
	return clone(s), nil
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List returns snapshots ordered by start time.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, clone(s))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireOverdue()
			}
		}
	}()
}

func (m *Manager) expireOverdue() {
	now := m.now()
	var expired []*Session

	m.mu.RLock()
	for _, s := range m.sessions {
		if s.Deadline.IsZero() || now.Before(s.Deadline) {
			continue
		}
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.RUnlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func (m *Manager) update(sessionID string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	s.LastActivityAt = m.now()
	return nil
}

func clone(s *Session) *Session {
	c := *s
	c.StateName = s.State.String()
	return &c
}
