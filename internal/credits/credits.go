// Package credits prices paid operations and charges users for them.
package credits

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

const refundTimeout = 5 * time.Second

var (
	ErrUnknownOperation    = errors.New("unknown operation")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrDuplicateReference  = errors.New("duplicate grant reference")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// Operation names charged by the gate.
const (
	OpChat         = "chat"
	OpImage        = "image"
	OpDesign       = "design"
	OpMusic        = "music"
	OpVideo        = "video"
	OpVoiceSession = "voice_session"
	// OpGrant and OpRefund label ledger rows that add credits.
	OpGrant  = "grant"
	OpRefund = "refund"
)

// DefaultCosts is the cost table used when no override file is configured.
func DefaultCosts() map[string]int64 {
	return map[string]int64{
		OpChat:         1,
		OpImage:        10,
		OpDesign:       10,
		OpMusic:        30,
		OpVideo:        50,
		OpVoiceSession: 5,
	}
}

// Costs maps operation names to prices.
type Costs map[string]int64

// MergeCosts returns the default table with overrides applied on top.
func MergeCosts(overrides map[string]int64) Costs {
	out := Costs(DefaultCosts())
	for op, cost := range overrides {
		out[op] = cost
	}
	return out
}

func (c Costs) Cost(operation string) (int64, error) {
	cost, ok := c[operation]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownOperation, operation)
	}
	return cost, nil
}

func (c Costs) Operations() []string {
	out := make([]string, 0, len(c))
	for op := range c {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

// CheckResult answers whether a user can afford an operation right now.
type CheckResult struct {
	HasCredits bool  `json:"hasCredits"`
	Required   int64 `json:"required"`
	Current    int64 `json:"current"`
	Deficit    int64 `json:"deficit"`
}

// InsufficientError carries the numbers behind a refused charge.
type InsufficientError struct {
	Operation string
	Required  int64
	Current   int64
	Deficit   int64
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: required %d, current %d", e.Operation, e.Required, e.Current)
}

func (e *InsufficientError) Unwrap() error { return ErrInsufficientCredits }

// Transaction is one ledger row.
type Transaction struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Delta        int64     `json:"delta"`
	BalanceAfter int64     `json:"balanceAfter"`
	Operation    string    `json:"operation"`
	Reference    string    `json:"reference,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store holds balances and the ledger. Debit must check and decrement in one
// atomic step and fail with ErrInsufficientCredits, leaving the balance
// untouched, when balance < amount.
type Store interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Debit(ctx context.Context, userID string, amount int64, operation, reference string) (Transaction, error)
	// Credit adds amount. A non-empty reference on OpGrant rows is unique and
	// a repeat returns ErrDuplicateReference.
	Credit(ctx context.Context, userID string, amount int64, operation, reference string) (Transaction, error)
	Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error)
	Ping(ctx context.Context) error
	Close() error
}
