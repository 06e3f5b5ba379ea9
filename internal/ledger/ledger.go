// Package ledger is the only component allowed to mutate account balances.
// A balance is a projection of its append-only transaction log: every change
// is a Transaction, applied atomically together with the balance update.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInsufficientBalance = errors.New("insufficient credit balance")
	ErrAccountNotFound     = errors.New("account not found")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrDuplicateIdempotencyKey is a storage-level signal, not a caller
	// error: the ledger resolves it by returning the prior transaction.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrIdempotencyConflict means the key was already committed for a
	// different account. Replays only resolve within one account; handing
	// back another account's transaction would leak it.
	ErrIdempotencyConflict = errors.New("idempotency key used by another account")
)

// Transaction is one committed balance change. Rows are append-only.
type Transaction struct {
	ID               string    `json:"id"`
	AccountID        string    `json:"account_id"`
	Delta            int64     `json:"delta"`
	IdempotencyKey   string    `json:"idempotency_key"`
	Reference        string    `json:"reference"`
	Description      string    `json:"description"`
	ResultingBalance int64     `json:"resulting_balance"`
	CreatedAt        time.Time `json:"created_at"`
}

// Overdrawn identifies an account whose balance has gone negative via an
// overdraft-eligible debit.
type Overdrawn struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

// Store persists transactions and balances. Apply must be atomic: the
// conditional balance update and the transaction insert either both commit or
// neither does, and the balance condition must be evaluated inside the same
// atomic step (never read-then-write across statements).
type Store interface {
	// Apply commits txn, adding txn.Delta to the account balance and filling
	// in txn.ResultingBalance and txn.CreatedAt. With enforceBalance set it
	// fails with ErrInsufficientBalance instead of letting the balance go
	// negative. Returns ErrDuplicateIdempotencyKey if the key already exists.
	Apply(ctx context.Context, txn *Transaction, enforceBalance bool) error

	GetByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)
	GetBalance(ctx context.Context, accountID string) (int64, error)
	ListByAccount(ctx context.Context, accountID string, from, to time.Time) ([]*Transaction, error)
	ListOverdrawn(ctx context.Context) ([]Overdrawn, error)
}

// Ledger applies debits and credits with idempotency. Retried calls with the
// same key return the originally committed transaction and change the balance
// exactly once.
type Ledger struct {
	store Store
}

func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// priorForKey fetches the transaction already committed under key and checks
// it belongs to accountID.
func (l *Ledger) priorForKey(ctx context.Context, accountID, key string) (*Transaction, error) {
	prior, err := l.store.GetByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if prior.AccountID != accountID {
		return nil, fmt.Errorf("%w: %q", ErrIdempotencyConflict, key)
	}
	return prior, nil
}

// Debit removes amount credits from an account. The non-negative balance
// check and the balance mutation happen in one atomic storage step. With
// allowOverdraft the check is bypassed: the debit is still an ordinary logged
// transaction, and a negative result is reported for reconciliation.
func (l *Ledger) Debit(ctx context.Context, accountID string, amount int64, idempotencyKey, reference, description string, allowOverdraft bool) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	if prior, err := l.priorForKey(ctx, accountID, idempotencyKey); err == nil {
		return prior, nil
	} else if !errors.Is(err, ErrTransactionNotFound) {
		return nil, err
	}

	txn := &Transaction{
		ID:             uuid.New().String(),
		AccountID:      accountID,
		Delta:          -amount,
		IdempotencyKey: idempotencyKey,
		Reference:      reference,
		Description:    description,
	}

	err := l.store.Apply(ctx, txn, !allowOverdraft)
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// Lost a race with a concurrent retry; the committed result wins.
		return l.priorForKey(ctx, accountID, idempotencyKey)
	}
	if err != nil {
		return nil, err
	}

	if txn.ResultingBalance < 0 {
		log.Printf("ledger: overdraft on account %s, balance %d (ref %s), flagged for reconciliation",
			accountID, txn.ResultingBalance, reference)
	}
	return txn, nil
}

// Credit adds amount credits to an account. Idempotency protects against
// duplicate payment-confirmation webhooks.
func (l *Ledger) Credit(ctx context.Context, accountID string, amount int64, idempotencyKey, reference, description string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	if prior, err := l.priorForKey(ctx, accountID, idempotencyKey); err == nil {
		return prior, nil
	} else if !errors.Is(err, ErrTransactionNotFound) {
		return nil, err
	}

	txn := &Transaction{
		ID:             uuid.New().String(),
		AccountID:      accountID,
		Delta:          amount,
		IdempotencyKey: idempotencyKey,
		Reference:      reference,
		Description:    description,
	}

	err := l.store.Apply(ctx, txn, false)
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		return l.priorForKey(ctx, accountID, idempotencyKey)
	}
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// Balance returns the current balance of an account.
func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	return l.store.GetBalance(ctx, accountID)
}

// History returns the committed transactions for an account in a time window.
func (l *Ledger) History(ctx context.Context, accountID string, from, to time.Time) ([]*Transaction, error) {
	return l.store.ListByAccount(ctx, accountID, from, to)
}
