package credits

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps balances in process. Balances start at zero.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]int64
	ledger   map[string][]Transaction
	grants   map[string]struct{}
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]int64),
		ledger:   make(map[string][]Transaction),
		grants:   make(map[string]struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Balance(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID], nil
}

func (s *MemoryStore) Debit(_ context.Context, userID string, amount int64, operation, reference string) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balances[userID] < amount {
		return Transaction{}, ErrInsufficientCredits
	}
	s.balances[userID] -= amount
	return s.appendLocked(userID, -amount, operation, reference), nil
}

func (s *MemoryStore) Credit(_ context.Context, userID string, amount int64, operation, reference string) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if operation == OpGrant && reference != "" {
		if _, dup := s.grants[reference]; dup {
			return Transaction{}, ErrDuplicateReference
		}
		s.grants[reference] = struct{}{}
	}
	s.balances[userID] += amount
	return s.appendLocked(userID, amount, operation, reference), nil
}

func (s *MemoryStore) Transactions(_ context.Context, userID string, limit int) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.ledger[userID]
	if limit <= 0 || limit > len(rows) {
		limit = len(rows)
	}
	// Newest first, matching the SQL stores.
	out := make([]Transaction, 0, limit)
	for i := len(rows) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, rows[i])
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) appendLocked(userID string, delta int64, operation, reference string) Transaction {
	tx := Transaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		Delta:        delta,
		BalanceAfter: s.balances[userID],
		Operation:    operation,
		Reference:    reference,
		CreatedAt:    s.now(),
	}
	s.ledger[userID] = append(s.ledger[userID], tx)
	return tx
}
