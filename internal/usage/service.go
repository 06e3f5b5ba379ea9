package usage

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/nexusai/billing-engine/internal/account"
	"github.com/nexusai/billing-engine/internal/adapter"
	"github.com/nexusai/billing-engine/internal/catalog"
	"github.com/nexusai/billing-engine/internal/ledger"
)

// Service is the usage recorder and workflow aggregator. It prices completed
// sub-service calls against the rate catalog and settles each workflow's
// accumulated charge through the ledger when the workflow closes.
type Service struct {
	store             Store
	catalog           *catalog.Catalog
	ledger            *ledger.Ledger
	accounts          account.Store
	overdraftAdapters []string
}

func NewService(store Store, cat *catalog.Catalog, led *ledger.Ledger, accounts account.Store, overdraftAdapters []string) *Service {
	return &Service{
		store:             store,
		catalog:           cat,
		ledger:            led,
		accounts:          accounts,
		overdraftAdapters: overdraftAdapters,
	}
}

// Open starts a billable workflow for an account. The adapter's service
// configuration is copied into the workflow so later preset changes cannot
// reprice it.
func (s *Service) Open(ctx context.Context, accountID, apiKeyID, name, businessAdapter string) (*Workflow, error) {
	acct, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !acct.Active {
		return nil, account.ErrAccountNotFound
	}

	if apiKeyID != "" {
		key, err := s.accounts.GetKey(ctx, apiKeyID)
		if err != nil {
			return nil, err
		}
		if key.AccountID != accountID {
			return nil, fmt.Errorf("api key %s does not belong to account %s", apiKeyID, accountID)
		}
	}

	wf := &Workflow{
		ID:              uuid.New().String(),
		AccountID:       accountID,
		APIKeyID:        apiKeyID,
		Name:            name,
		BusinessAdapter: businessAdapter,
		Config:          adapter.ForAdapter(businessAdapter),
	}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// Record prices one completed sub-service call and appends it to its
// workflow. Calls are idempotent per sub-call id: a duplicate returns the
// previously committed record unchanged.
func (s *Service) Record(ctx context.Context, workflowID, subCallID string, kind catalog.ServiceKind, provider, model string, rawQuantity float64, rawUnit string) (*UsageRecord, error) {
	if !catalog.ValidKind(kind) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if rawQuantity < 0 {
		return nil, ErrInvalidQuantity
	}
	if subCallID == "" {
		// No caller-supplied id means no retry to dedupe against.
		subCallID = uuid.New().String()
	}

	rule := s.catalog.Resolve(kind, provider, model)
	rec := &UsageRecord{
		ID:             uuid.New().String(),
		WorkflowID:     workflowID,
		SubCallID:      subCallID,
		Kind:           kind,
		Provider:       provider,
		Model:          model,
		RawQuantity:    rawQuantity,
		RawUnit:        rawUnit,
		CreditsCharged: rule.Credits(rawQuantity),
		USDEquivalent:  rule.USD(rawQuantity),
	}

	err := s.store.InsertRecord(ctx, rec)
	if errors.Is(err, ErrDuplicateSubCall) {
		return s.store.GetRecordBySubCall(ctx, workflowID, subCallID)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Close makes a workflow terminal and settles its accumulated charge with one
// ledger debit. Close is idempotent and retryable: the debit carries a
// deterministic idempotency key, so a close retried after an insufficient
// balance (or a duplicate close) settles the same debt at most once. A
// zero-charge workflow produces no transaction at all.
func (s *Service) Close(ctx context.Context, workflowID string) (*Workflow, *ledger.Transaction, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}

	if !wf.Closed() {
		closedAt, err := s.store.CloseWorkflow(ctx, workflowID)
		if err != nil && !errors.Is(err, ErrWorkflowClosed) {
			return nil, nil, err
		}
		if err == nil {
			wf.ClosedAt = &closedAt
		} else {
			// Lost a close race; re-read for the real timestamp.
			if wf, err = s.store.GetWorkflow(ctx, workflowID); err != nil {
				return nil, nil, err
			}
		}
	}

	total, err := s.store.SumCredits(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	wf.TotalCredits = total

	if total == 0 {
		return wf, nil, nil
	}

	allowOverdraft := adapter.OverdraftEligible(wf.BusinessAdapter, s.overdraftAdapters)
	txn, err := s.ledger.Debit(ctx, wf.AccountID, total,
		"workflow:"+wf.ID, wf.ID,
		fmt.Sprintf("usage for workflow %q", wf.Name),
		allowOverdraft,
	)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			log.Printf("usage: workflow %s settle rejected, %d credits unaffordable on account %s", wf.ID, total, wf.AccountID)
		}
		return wf, nil, err
	}
	return wf, txn, nil
}

// Get returns a workflow with its derived running total.
func (s *Service) Get(ctx context.Context, workflowID string) (*Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	total, err := s.store.SumCredits(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	wf.TotalCredits = total
	return wf, nil
}

// Records lists a workflow's usage records.
func (s *Service) Records(ctx context.Context, workflowID string) ([]*UsageRecord, error) {
	if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	return s.store.ListRecords(ctx, workflowID)
}
