package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nexusai/billing-engine/internal/adapter"
)

type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

const uniqueViolation = "23505"

func (s *PostgresStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	cfg, err := json.Marshal(wf.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow config: %w", err)
	}

	// api_key_id is nullable; workflows may be opened without key attribution.
	var apiKeyID *string
	if wf.APIKeyID != "" {
		apiKeyID = &wf.APIKeyID
	}

	query := `
		INSERT INTO workflows (id, account_id, api_key_id, workflow_name, business_adapter, config)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING started_at
	`
	err = s.db.QueryRow(ctx, query,
		wf.ID, wf.AccountID, apiKeyID, wf.Name, wf.BusinessAdapter, cfg,
	).Scan(&wf.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	query := `
		SELECT id, account_id, api_key_id, workflow_name, business_adapter, config, started_at, closed_at
		FROM workflows
		WHERE id = $1
	`
	var wf Workflow
	var cfg []byte
	var apiKeyID *string
	err := s.db.QueryRow(ctx, query, id).Scan(
		&wf.ID, &wf.AccountID, &apiKeyID, &wf.Name, &wf.BusinessAdapter,
		&cfg, &wf.StartedAt, &wf.ClosedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	if apiKeyID != nil {
		wf.APIKeyID = *apiKeyID
	}
	if err := json.Unmarshal(cfg, &wf.Config); err != nil {
		wf.Config = adapter.Balanced()
	}
	return &wf, nil
}

// CloseWorkflow marks the workflow terminal. The UPDATE takes the exclusive
// row lock, so it queues behind InsertRecord's share locks; once it commits,
// the record set is final and safe to sum for settlement.
func (s *PostgresStore) CloseWorkflow(ctx context.Context, id string) (time.Time, error) {
	var closedAt time.Time
	err := s.db.QueryRow(ctx,
		`UPDATE workflows SET closed_at = now() WHERE id = $1 AND closed_at IS NULL RETURNING closed_at`,
		id,
	).Scan(&closedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM workflows WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return time.Time{}, fmt.Errorf("failed to check workflow: %w", err)
		}
		if !exists {
			return time.Time{}, ErrWorkflowNotFound
		}
		return time.Time{}, ErrWorkflowClosed
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to close workflow: %w", err)
	}
	return closedAt, nil
}

// InsertRecord appends a record only while its workflow is open. The open
// check holds a share lock on the workflow row until the insert commits:
// CloseWorkflow's UPDATE must wait for in-flight inserts, and an insert that
// arrives after the close commits re-reads the row under the lock and sees
// closed_at set. Without the lock, an insert could commit after the close
// has already summed and settled the workflow, leaving an unbillable record.
func (s *PostgresStore) InsertRecord(ctx context.Context, rec *UsageRecord) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var closedAt *time.Time
	err = tx.QueryRow(ctx,
		`SELECT closed_at FROM workflows WHERE id = $1 FOR SHARE`, rec.WorkflowID,
	).Scan(&closedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrWorkflowNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock workflow: %w", err)
	}
	if closedAt != nil {
		return ErrWorkflowClosed
	}

	insert := `
		INSERT INTO usage_records (id, workflow_id, sub_call_id, service_kind, provider_id, model_id, raw_quantity, raw_unit, credits_charged, usd_equivalent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`
	err = tx.QueryRow(ctx, insert,
		rec.ID, rec.WorkflowID, rec.SubCallID, rec.Kind, rec.Provider, rec.Model,
		rec.RawQuantity, rec.RawUnit, rec.CreditsCharged, rec.USDEquivalent,
	).Scan(&rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateSubCall
		}
		return fmt.Errorf("failed to insert usage record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRecordBySubCall(ctx context.Context, workflowID, subCallID string) (*UsageRecord, error) {
	query := `
		SELECT id, workflow_id, sub_call_id, service_kind, provider_id, model_id, raw_quantity, raw_unit, credits_charged, usd_equivalent, created_at
		FROM usage_records
		WHERE workflow_id = $1 AND sub_call_id = $2
	`
	var r UsageRecord
	err := s.db.QueryRow(ctx, query, workflowID, subCallID).Scan(
		&r.ID, &r.WorkflowID, &r.SubCallID, &r.Kind, &r.Provider, &r.Model,
		&r.RawQuantity, &r.RawUnit, &r.CreditsCharged, &r.USDEquivalent, &r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("failed to get usage record: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, workflowID string) ([]*UsageRecord, error) {
	query := `
		SELECT id, workflow_id, sub_call_id, service_kind, provider_id, model_id, raw_quantity, raw_unit, credits_charged, usd_equivalent, created_at
		FROM usage_records
		WHERE workflow_id = $1
		ORDER BY created_at
	`
	rows, err := s.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var recs []*UsageRecord
	for rows.Next() {
		var r UsageRecord
		err := rows.Scan(
			&r.ID, &r.WorkflowID, &r.SubCallID, &r.Kind, &r.Provider, &r.Model,
			&r.RawQuantity, &r.RawUnit, &r.CreditsCharged, &r.USDEquivalent, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		recs = append(recs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}
	return recs, nil
}

func (s *PostgresStore) SumCredits(ctx context.Context, workflowID string) (int64, error) {
	var total int64
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(credits_charged), 0) FROM usage_records WHERE workflow_id = $1`,
		workflowID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum workflow credits: %w", err)
	}
	return total, nil
}
