// Package usage records priced service consumption and groups it under
// workflows. Records are append-only and immutable; a workflow's total is
// always derived by summing its records, never stored independently.
package usage

import (
	"context"
	"errors"
	"time"

	"github.com/nexusai/billing-engine/internal/adapter"
	"github.com/nexusai/billing-engine/internal/catalog"
)

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrWorkflowClosed   = errors.New("workflow already closed")
	ErrInvalidKind      = errors.New("unknown service kind")
	ErrInvalidQuantity  = errors.New("raw quantity must not be negative")

	// ErrDuplicateSubCall is a storage-level signal; the recorder resolves
	// it by returning the previously committed record.
	ErrDuplicateSubCall = errors.New("duplicate sub-call id")
)

// UsageRecord is one priced sub-service call. Created exactly once per
// completed call, keyed by the caller-supplied sub-call id.
type UsageRecord struct {
	ID             string              `json:"id"`
	WorkflowID     string              `json:"workflow_id"`
	SubCallID      string              `json:"sub_call_id"`
	Kind           catalog.ServiceKind `json:"service_kind"`
	Provider       string              `json:"provider_id"`
	Model          string              `json:"model_id"`
	RawQuantity    float64             `json:"raw_quantity"`
	RawUnit        string              `json:"raw_unit"`
	CreditsCharged int64               `json:"credits_charged"`
	USDEquivalent  float64             `json:"usd_equivalent"`
	CreatedAt      time.Time           `json:"created_at"`
}

// Workflow is a billing-scoped grouping of service usages that together make
// up one caller interaction. The service configuration is captured by value
// at open time.
type Workflow struct {
	ID              string                       `json:"id"`
	AccountID       string                       `json:"account_id"`
	APIKeyID        string                       `json:"api_key_id"`
	Name            string                       `json:"workflow_name"`
	BusinessAdapter string                       `json:"business_adapter"`
	Config          adapter.ServiceConfiguration `json:"config"`
	StartedAt       time.Time                    `json:"started_at"`
	ClosedAt        *time.Time                   `json:"closed_at,omitempty"`
	TotalCredits    int64                        `json:"total_credits"`
}

// Closed reports whether the workflow is terminal.
func (w *Workflow) Closed() bool { return w.ClosedAt != nil }

type Store interface {
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	// CloseWorkflow marks an open workflow terminal. Returns
	// ErrWorkflowClosed if it already is, ErrWorkflowNotFound if missing.
	CloseWorkflow(ctx context.Context, id string) (closedAt time.Time, err error)

	// InsertRecord appends a record iff the workflow is open. Returns
	// ErrDuplicateSubCall when (workflow_id, sub_call_id) already exists.
	InsertRecord(ctx context.Context, rec *UsageRecord) error
	GetRecordBySubCall(ctx context.Context, workflowID, subCallID string) (*UsageRecord, error)
	ListRecords(ctx context.Context, workflowID string) ([]*UsageRecord, error)
	SumCredits(ctx context.Context, workflowID string) (int64, error)
}
