package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ent0n29/duavoice/internal/events"
	"github.com/ent0n29/duavoice/internal/observability"
)

// Gate wraps paid work: it charges before the work runs and refunds when the
// work fails.
type Gate struct {
	store     Store
	costs     Costs
	publisher events.Publisher
	metrics   *observability.Metrics
	log       *slog.Logger
}

func NewGate(store Store, costs Costs, publisher events.Publisher, metrics *observability.Metrics, log *slog.Logger) *Gate {
	if costs == nil {
		costs = DefaultCosts()
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if log == nil {
		log = observability.DiscardLogger()
	}
	return &Gate{store: store, costs: costs, publisher: publisher, metrics: metrics, log: log}
}

func (g *Gate) Costs() Costs { return g.costs }

// Check reports affordability without charging.
func (g *Gate) Check(ctx context.Context, userID, operation string) (CheckResult, error) {
	cost, err := g.costs.Cost(operation)
	if err != nil {
		return CheckResult{}, err
	}
	balance, err := g.store.Balance(ctx, userID)
	if err != nil {
		return CheckResult{}, fmt.Errorf("read balance: %w", err)
	}
	res := CheckResult{HasCredits: balance >= cost, Required: cost, Current: balance}
	if !res.HasCredits {
		res.Deficit = cost - balance
	}
	return res, nil
}

// Run debits the operation's cost, runs act, and refunds if act fails.
// When the user cannot pay, act never runs and the error is an
// *InsufficientError. A failed refund is logged, not returned.
func (g *Gate) Run(ctx context.Context, userID, operation, reference string, act func(ctx context.Context) error) error {
	cost, err := g.costs.Cost(operation)
	if err != nil {
		return err
	}

	if cost > 0 {
		tx, err := g.store.Debit(ctx, userID, cost, operation, reference)
		if err != nil {
			if errors.Is(err, ErrInsufficientCredits) {
				g.count(operation, "insufficient")
				current, balErr := g.store.Balance(ctx, userID)
				if balErr != nil {
					return fmt.Errorf("read balance: %w", balErr)
				}
				return &InsufficientError{Operation: operation, Required: cost, Current: current, Deficit: max(cost-current, 0)}
			}
			g.count(operation, "debit_failed")
			return fmt.Errorf("debit credits: %w", err)
		}
		g.publish(ctx, events.SubjectCreditsDebited, tx)
	}

	if err := act(ctx); err != nil {
		if cost > 0 {
			_ = g.refund(userID, cost, operation, reference)
		}
		g.count(operation, "refunded")
		return err
	}
	g.count(operation, "charged")
	return nil
}

// Grant adds purchased credits. Repeating a grant reference is a no-op that
// returns ErrDuplicateReference.
func (g *Gate) Grant(ctx context.Context, userID string, amount int64, reference string) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	tx, err := g.store.Credit(ctx, userID, amount, OpGrant, reference)
	if err != nil {
		return Transaction{}, err
	}
	g.publish(ctx, events.SubjectCreditsGranted, tx)
	return tx, nil
}

func (g *Gate) Balance(ctx context.Context, userID string) (int64, error) {
	return g.store.Balance(ctx, userID)
}

func (g *Gate) Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	return g.store.Transactions(ctx, userID, limit)
}

// RefundOperation gives back the cost of an operation that was charged under
// reference by Run but failed later, as async generations do.
func (g *Gate) RefundOperation(userID, operation, reference string) error {
	cost, err := g.costs.Cost(operation)
	if err != nil {
		return err
	}
	if cost <= 0 {
		return nil
	}
	if err := g.refund(userID, cost, operation, reference); err != nil {
		return err
	}
	g.count(operation, "refunded")
	return nil
}

// refund runs detached from the request so a cancelled caller still gets its
// money back.
func (g *Gate) refund(userID string, amount int64, operation, reference string) error {
	ctx, cancel := context.WithTimeout(context.Background(), refundTimeout)
	defer cancel()
	tx, err := g.store.Credit(ctx, userID, amount, OpRefund, operation+":"+reference)
	if err != nil {
		g.count(operation, "refund_failed")
		g.log.Error("refund failed", "user_id", userID, "operation", operation, "amount", amount, "error", err)
		return fmt.Errorf("refund credits: %w", err)
	}
	g.publish(ctx, events.SubjectCreditsRefunded, tx)
	return nil
}

func (g *Gate) publish(ctx context.Context, subject string, tx Transaction) {
	if err := g.publisher.Publish(ctx, subject, tx); err != nil {
		g.log.Warn("publish ledger event failed", "subject", subject, "error", err)
	}
}

func (g *Gate) count(operation, result string) {
	if g.metrics != nil {
		g.metrics.CreditOperations.WithLabelValues(operation, result).Inc()
	}
}
