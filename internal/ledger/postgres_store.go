package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

const uniqueViolation = "23505"

// Apply runs the conditional balance update and the transaction insert inside
// one database transaction. The balance condition lives in the UPDATE's WHERE
// clause, so two concurrent debits can never both pass a stale read.
func (s *PostgresStore) Apply(ctx context.Context, txn *Transaction, enforceBalance bool) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	update := `
		UPDATE accounts
		SET credit_balance = credit_balance + $2
		WHERE id = $1 AND active = true
		  AND (NOT $3 OR credit_balance + $2 >= 0)
		RETURNING credit_balance
	`
	var resulting int64
	err = tx.QueryRow(ctx, update, txn.AccountID, txn.Delta, enforceBalance).Scan(&resulting)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the account is missing or the balance check failed.
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1 AND active = true)`,
			txn.AccountID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check account: %w", err)
		}
		if !exists {
			return ErrAccountNotFound
		}
		return ErrInsufficientBalance
	}
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	insert := `
		INSERT INTO transactions (id, account_id, delta, idempotency_key, reference, description, resulting_balance)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`
	err = tx.QueryRow(ctx, insert,
		txn.ID, txn.AccountID, txn.Delta, txn.IdempotencyKey,
		txn.Reference, txn.Description, resulting,
	).Scan(&txn.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	txn.ResultingBalance = resulting
	return nil
}

func (s *PostgresStore) GetByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	query := `
		SELECT id, account_id, delta, idempotency_key, reference, description, resulting_balance, created_at
		FROM transactions
		WHERE idempotency_key = $1
	`
	var t Transaction
	err := s.db.QueryRow(ctx, query, key).Scan(
		&t.ID, &t.AccountID, &t.Delta, &t.IdempotencyKey,
		&t.Reference, &t.Description, &t.ResultingBalance, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx,
		`SELECT credit_balance FROM accounts WHERE id = $1 AND active = true`,
		accountID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) ListByAccount(ctx context.Context, accountID string, from, to time.Time) ([]*Transaction, error) {
	query := `
		SELECT id, account_id, delta, idempotency_key, reference, description, resulting_balance, created_at
		FROM transactions
		WHERE account_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, accountID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		var t Transaction
		err := rows.Scan(
			&t.ID, &t.AccountID, &t.Delta, &t.IdempotencyKey,
			&t.Reference, &t.Description, &t.ResultingBalance, &t.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return txns, nil
}

func (s *PostgresStore) ListOverdrawn(ctx context.Context) ([]Overdrawn, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, credit_balance FROM accounts WHERE credit_balance < 0 AND active = true`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query overdrawn accounts: %w", err)
	}
	defer rows.Close()

	var out []Overdrawn
	for rows.Next() {
		var o Overdrawn
		if err := rows.Scan(&o.AccountID, &o.Balance); err != nil {
			return nil, fmt.Errorf("failed to scan overdrawn account: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating overdrawn accounts: %w", err)
	}
	return out, nil
}
