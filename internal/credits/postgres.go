package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps balances in credit_balances and the ledger in
// credit_transactions. The schema comes from database.OpenPostgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore uses pool without taking ownership of it.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, `SELECT balance FROM credit_balances WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) Debit(ctx context.Context, userID string, amount int64, operation, reference string) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	var tx Transaction
	err := pgx.BeginFunc(ctx, s.pool, func(dbtx pgx.Tx) error {
		var after int64
		err := dbtx.QueryRow(ctx,
			`UPDATE credit_balances
			 SET balance = balance - $2, updated_at = now()
			 WHERE user_id = $1 AND balance >= $2
			 RETURNING balance`,
			userID, amount,
		).Scan(&after)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInsufficientCredits
		}
		if err != nil {
			return fmt.Errorf("debit balance: %w", err)
		}
		tx, err = insertPostgresTx(ctx, dbtx, userID, -amount, after, operation, reference)
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

func (s *PostgresStore) Credit(ctx context.Context, userID string, amount int64, operation, reference string) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	var tx Transaction
	err := pgx.BeginFunc(ctx, s.pool, func(dbtx pgx.Tx) error {
		var after int64
		err := dbtx.QueryRow(ctx,
			`INSERT INTO credit_balances (user_id, balance, updated_at)
			 VALUES ($1, $2, now())
			 ON CONFLICT (user_id) DO UPDATE
			 SET balance = credit_balances.balance + EXCLUDED.balance, updated_at = now()
			 RETURNING balance`,
			userID, amount,
		).Scan(&after)
		if err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}
		tx, err = insertPostgresTx(ctx, dbtx, userID, amount, after, operation, reference)
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

func insertPostgresTx(ctx context.Context, dbtx pgx.Tx, userID string, delta, after int64, operation, reference string) (Transaction, error) {
	tx := Transaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		Delta:        delta,
		BalanceAfter: after,
		Operation:    operation,
		Reference:    reference,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := dbtx.Exec(ctx,
		`INSERT INTO credit_transactions (id, user_id, delta, balance_after, operation, reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tx.ID, tx.UserID, tx.Delta, tx.BalanceAfter, tx.Operation, tx.Reference, tx.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return Transaction{}, ErrDuplicateReference
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	return tx, nil
}

func (s *PostgresStore) Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, delta, balance_after, operation, reference, created_at
		 FROM credit_transactions WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	out := make([]Transaction, 0, limit)
	for rows.Next() {
		var tx Transaction
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Delta, &tx.BalanceAfter, &tx.Operation, &tx.Reference, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error { return nil }
