package account

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Cache is the subset of the redis client the key cache uses.
type Cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

const keyCacheTTL = 5 * time.Minute

// PostgresStore persists accounts and API keys. Key-by-value lookups go
// through a redis cache; the cache path sits behind a circuit breaker so a
// redis outage degrades to direct postgres reads instead of failing lookups.
type PostgresStore struct {
	db      DB
	cache   Cache
	breaker *gobreaker.CircuitBreaker
}

func NewPostgresStore(db DB, cache Cache) Store {
	settings := gobreaker.Settings{
		Name:        "account-key-cache",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &PostgresStore{
		db:      db,
		cache:   cache,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (s *PostgresStore) Create(ctx context.Context, acct *Account) error {
	query := `
		INSERT INTO accounts (email, credit_balance, active)
		VALUES ($1, $2, true)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query, acct.Email, acct.CreditBalance).Scan(&acct.ID, &acct.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	acct.Active = true
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	query := `
		SELECT id, email, credit_balance, active, created_at
		FROM accounts
		WHERE id = $1
	`
	var a Account
	err := s.db.QueryRow(ctx, query, id).Scan(&a.ID, &a.Email, &a.CreditBalance, &a.Active, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) Close(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `UPDATE accounts SET active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to close account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *PostgresStore) IssueKey(ctx context.Context, key *APIKey) error {
	if key.KeyHash == "" {
		return fmt.Errorf("key_hash is required")
	}
	query := `
		INSERT INTO api_keys (account_id, key_hash, active)
		VALUES ($1, $2, true)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query, key.AccountID, key.KeyHash).Scan(&key.ID, &key.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to issue api key: %w", err)
	}
	key.Active = true
	return nil
}

func (s *PostgresStore) RevokeKey(ctx context.Context, keyID string) error {
	tag, err := s.db.Exec(ctx, `UPDATE api_keys SET active = false WHERE id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (s *PostgresStore) GetKeyByValue(ctx context.Context, rawKey string) (*APIKey, error) {
	keyHash := HashKey(rawKey)
	redisKey := fmt.Sprintf("apikey:%s", keyHash)

	cached, err := s.breaker.Execute(func() (interface{}, error) {
		var k APIKey
		if err := s.cache.Get(ctx, redisKey).Scan(&k); err != nil {
			return nil, err
		}
		return &k, nil
	})
	if err == nil {
		return cached.(*APIKey), nil
	}
	if err != redis.Nil && err != gobreaker.ErrOpenState && err != gobreaker.ErrTooManyRequests {
		log.Printf("account: key cache read error: %v", err)
	}

	k, err := s.getKeyByHash(ctx, keyHash)
	if err != nil {
		return nil, err
	}

	_, _ = s.breaker.Execute(func() (interface{}, error) {
		return nil, s.cache.Set(ctx, redisKey, k, keyCacheTTL).Err()
	})

	return k, nil
}

func (s *PostgresStore) getKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	query := `
		SELECT id, account_id, key_hash, active, created_at
		FROM api_keys
		WHERE key_hash = $1 AND active = true
	`
	var k APIKey
	err := s.db.QueryRow(ctx, query, keyHash).Scan(&k.ID, &k.AccountID, &k.KeyHash, &k.Active, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return &k, nil
}

func (s *PostgresStore) GetKey(ctx context.Context, keyID string) (*APIKey, error) {
	query := `
		SELECT id, account_id, key_hash, active, created_at
		FROM api_keys
		WHERE id = $1
	`
	var k APIKey
	err := s.db.QueryRow(ctx, query, keyID).Scan(&k.ID, &k.AccountID, &k.KeyHash, &k.Active, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return &k, nil
}

func (s *PostgresStore) ListKeys(ctx context.Context, accountID string) ([]*APIKey, error) {
	query := `
		SELECT id, account_id, key_hash, active, created_at
		FROM api_keys
		WHERE account_id = $1
		ORDER BY created_at
	`
	rows, err := s.db.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.AccountID, &k.KeyHash, &k.Active, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating api keys: %w", err)
	}
	return keys, nil
}
