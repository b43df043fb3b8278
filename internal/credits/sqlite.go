package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// timeLayout is fixed width so created_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the single-node store for development and small installs.
// The schema comes from database.OpenSQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore takes ownership of db.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM credit_balances WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

func (s *SQLiteStore) Debit(ctx context.Context, userID string, amount int64, operation, reference string) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	return s.inTx(ctx, func(dbtx *sql.Tx, now string) (Transaction, error) {
		var after int64
		err := dbtx.QueryRowContext(ctx,
			`UPDATE credit_balances SET balance = balance - ?, updated_at = ?
			 WHERE user_id = ? AND balance >= ?
			 RETURNING balance`,
			amount, now, userID, amount,
		).Scan(&after)
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, ErrInsufficientCredits
		}
		if err != nil {
			return Transaction{}, fmt.Errorf("debit balance: %w", err)
		}
		return insertSQLiteTx(ctx, dbtx, userID, -amount, after, operation, reference, now)
	})
}

func (s *SQLiteStore) Credit(ctx context.Context, userID string, amount int64, operation, reference string) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	return s.inTx(ctx, func(dbtx *sql.Tx, now string) (Transaction, error) {
		var after int64
		err := dbtx.QueryRowContext(ctx,
			`INSERT INTO credit_balances (user_id, balance, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT (user_id) DO UPDATE
			 SET balance = balance + excluded.balance, updated_at = excluded.updated_at
			 RETURNING balance`,
			userID, amount, now,
		).Scan(&after)
		if err != nil {
			return Transaction{}, fmt.Errorf("credit balance: %w", err)
		}
		return insertSQLiteTx(ctx, dbtx, userID, amount, after, operation, reference, now)
	})
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(dbtx *sql.Tx, now string) (Transaction, error)) (Transaction, error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Transaction{}, fmt.Errorf("begin: %w", err)
	}
	tx, err := fn(dbtx, time.Now().UTC().Format(timeLayout))
	if err != nil {
		_ = dbtx.Rollback()
		return Transaction{}, err
	}
	if err := dbtx.Commit(); err != nil {
		return Transaction{}, fmt.Errorf("commit: %w", err)
	}
	return tx, nil
}

func insertSQLiteTx(ctx context.Context, dbtx *sql.Tx, userID string, delta, after int64, operation, reference, now string) (Transaction, error) {
	tx := Transaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		Delta:        delta,
		BalanceAfter: after,
		Operation:    operation,
		Reference:    reference,
	}
	tx.CreatedAt, _ = time.Parse(time.RFC3339Nano, now)
	_, err := dbtx.ExecContext(ctx,
		`INSERT INTO credit_transactions (id, user_id, delta, balance_after, operation, reference, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.UserID, tx.Delta, tx.BalanceAfter, tx.Operation, tx.Reference, now,
	)
	var se *sqlite.Error
	if errors.As(err, &se) && (se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT) {
		return Transaction{}, ErrDuplicateReference
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	return tx, nil
}

func (s *SQLiteStore) Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, delta, balance_after, operation, reference, created_at
		 FROM credit_transactions WHERE user_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var (
			tx      Transaction
			created string
		)
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Delta, &tx.BalanceAfter, &tx.Operation, &tx.Reference, &created); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }
