package account

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrKeyNotFound     = errors.New("api key not found")
)

// Account is a billable customer. CreditBalance is owned by the ledger and is
// read-only here; it only ever changes through committed transactions.
type Account struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	CreditBalance int64     `json:"credit_balance"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

// APIKey is a caller credential record. Only the hash is stored; the raw key
// is shown once at issue time.
type APIKey struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	KeyHash   string    `json:"key_hash"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for the redis cache.
func (k *APIKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(k)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for the redis cache.
func (k *APIKey) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, k)
}

// HashKey returns the stored form of a raw API key.
func HashKey(key string) string {
	h := sha256.New()
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

type Store interface {
	Create(ctx context.Context, acct *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	// Close soft-deletes an account. History stays queryable.
	Close(ctx context.Context, id string) error

	IssueKey(ctx context.Context, key *APIKey) error
	RevokeKey(ctx context.Context, keyID string) error
	GetKeyByValue(ctx context.Context, rawKey string) (*APIKey, error)
	GetKey(ctx context.Context, keyID string) (*APIKey, error)
	ListKeys(ctx context.Context, accountID string) ([]*APIKey, error)
}
