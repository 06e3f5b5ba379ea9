package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

const usageSelect = `
	SELECT r.workflow_id, w.workflow_name, COALESCE(w.api_key_id::text, ''), r.service_kind, r.provider_id, r.model_id, r.credits_charged, r.usd_equivalent, r.created_at
	FROM usage_records r
	JOIN workflows w ON w.id = r.workflow_id
`

func (s *PostgresStore) ListUsageByAccount(ctx context.Context, accountID string, from, to time.Time) ([]UsageRow, error) {
	query := usageSelect + `
	WHERE w.account_id = $1 AND r.created_at BETWEEN $2 AND $3
	ORDER BY r.created_at
	`
	return s.listUsage(ctx, query, accountID, from, to)
}

func (s *PostgresStore) ListUsageByAPIKey(ctx context.Context, apiKeyID string, from, to time.Time) ([]UsageRow, error) {
	query := usageSelect + `
	WHERE w.api_key_id = $1 AND r.created_at BETWEEN $2 AND $3
	ORDER BY r.created_at
	`
	return s.listUsage(ctx, query, apiKeyID, from, to)
}

func (s *PostgresStore) listUsage(ctx context.Context, query string, args ...any) ([]UsageRow, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage rows: %w", err)
	}
	defer rows.Close()

	var out []UsageRow
	for rows.Next() {
		var r UsageRow
		err := rows.Scan(
			&r.WorkflowID, &r.WorkflowName, &r.APIKeyID, &r.Kind,
			&r.Provider, &r.Model, &r.Credits, &r.USD, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage rows: %w", err)
	}
	return out, nil
}
