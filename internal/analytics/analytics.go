// Package analytics computes read-side rollups over usage records and the
// transaction log. Aggregates are recomputed on demand from the stored rows;
// nothing here mutates engine state.
package analytics

import (
	"context"
	"sort"
	"time"

	"github.com/nexusai/billing-engine/internal/catalog"
	"github.com/nexusai/billing-engine/internal/ledger"
)

// UsageRow is one usage record joined with its workflow's grouping keys.
type UsageRow struct {
	WorkflowID   string
	WorkflowName string
	APIKeyID     string
	Kind         catalog.ServiceKind
	Provider     string
	Model        string
	Credits      int64
	USD          float64
	CreatedAt    time.Time
}

type Store interface {
	ListUsageByAccount(ctx context.Context, accountID string, from, to time.Time) ([]UsageRow, error)
	ListUsageByAPIKey(ctx context.Context, apiKeyID string, from, to time.Time) ([]UsageRow, error)
}

// KeyUsage is the per-API-key rollup.
type KeyUsage struct {
	APIKeyID string `json:"api_key_id"`
	Credits  int64  `json:"credits"`
	Requests int    `json:"requests"`
}

// ServiceUsage is the per-(service kind, model) rollup.
type ServiceUsage struct {
	Kind    catalog.ServiceKind `json:"service_kind"`
	Model   string              `json:"model_id"`
	Credits int64               `json:"credits"`
}

// WorkflowUsage is the per-workflow-name rollup.
type WorkflowUsage struct {
	Name      string `json:"workflow_name"`
	Credits   int64  `json:"credits"`
	Workflows int    `json:"workflows"`
}

// Report is one aggregate usage report for an account or API key over a time
// window. A request is one recorded sub-service call.
type Report struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`

	TotalCredits         int64   `json:"total_credits"`
	TotalUSD             float64 `json:"total_usd"`
	RequestCount         int     `json:"request_count"`
	AvgCreditsPerRequest float64 `json:"avg_credits_per_request"`

	PerAPIKey       []KeyUsage      `json:"per_api_key"`
	PerService      []ServiceUsage  `json:"per_service"`
	PerWorkflowName []WorkflowUsage `json:"per_workflow_name"`
	TopAPIKeys      []KeyUsage      `json:"top_api_keys"`

	PurchasedCredits int64 `json:"purchased_credits"`
	SpentCredits     int64 `json:"spent_credits"`
}

// Service computes reports.
type Service struct {
	store  Store
	ledger *ledger.Ledger
}

func NewService(store Store, led *ledger.Ledger) *Service {
	return &Service{store: store, ledger: led}
}

// ReportForAccount aggregates an account's usage and transactions over a
// window. topN bounds the top-consumers list (0 means all).
func (s *Service) ReportForAccount(ctx context.Context, accountID string, from, to time.Time, topN int) (*Report, error) {
	rows, err := s.store.ListUsageByAccount(ctx, accountID, from, to)
	if err != nil {
		return nil, err
	}

	report := aggregate(rows, from, to, topN)

	txns, err := s.ledger.History(ctx, accountID, from, to)
	if err != nil {
		return nil, err
	}
	for _, t := range txns {
		if t.Delta > 0 {
			report.PurchasedCredits += t.Delta
		} else {
			report.SpentCredits += -t.Delta
		}
	}
	return report, nil
}

// ReportForAPIKey aggregates one API key's usage over a window. Transaction
// totals are account-scoped and omitted here.
func (s *Service) ReportForAPIKey(ctx context.Context, apiKeyID string, from, to time.Time, topN int) (*Report, error) {
	rows, err := s.store.ListUsageByAPIKey(ctx, apiKeyID, from, to)
	if err != nil {
		return nil, err
	}
	return aggregate(rows, from, to, topN), nil
}

type serviceKey struct {
	kind  catalog.ServiceKind
	model string
}

func aggregate(rows []UsageRow, from, to time.Time, topN int) *Report {
	report := &Report{From: from, To: to}

	perKey := make(map[string]*KeyUsage)
	perService := make(map[serviceKey]*ServiceUsage)
	perName := make(map[string]*WorkflowUsage)
	workflowsSeen := make(map[string]string) // workflow id -> name

	for _, r := range rows {
		report.TotalCredits += r.Credits
		report.TotalUSD += r.USD
		report.RequestCount++

		k, ok := perKey[r.APIKeyID]
		if !ok {
			k = &KeyUsage{APIKeyID: r.APIKeyID}
			perKey[r.APIKeyID] = k
		}
		k.Credits += r.Credits
		k.Requests++

		sk := serviceKey{r.Kind, r.Model}
		sv, ok := perService[sk]
		if !ok {
			sv = &ServiceUsage{Kind: r.Kind, Model: r.Model}
			perService[sk] = sv
		}
		sv.Credits += r.Credits

		w, ok := perName[r.WorkflowName]
		if !ok {
			w = &WorkflowUsage{Name: r.WorkflowName}
			perName[r.WorkflowName] = w
		}
		w.Credits += r.Credits
		if _, seen := workflowsSeen[r.WorkflowID]; !seen {
			workflowsSeen[r.WorkflowID] = r.WorkflowName
			w.Workflows++
		}
	}

	if report.RequestCount > 0 {
		report.AvgCreditsPerRequest = float64(report.TotalCredits) / float64(report.RequestCount)
	}

	for _, k := range perKey {
		report.PerAPIKey = append(report.PerAPIKey, *k)
	}
	sort.Slice(report.PerAPIKey, func(i, j int) bool {
		a, b := report.PerAPIKey[i], report.PerAPIKey[j]
		if a.Credits != b.Credits {
			return a.Credits > b.Credits
		}
		return a.APIKeyID < b.APIKeyID
	})

	for _, sv := range perService {
		report.PerService = append(report.PerService, *sv)
	}
	sort.Slice(report.PerService, func(i, j int) bool {
		a, b := report.PerService[i], report.PerService[j]
		if a.Credits != b.Credits {
			return a.Credits > b.Credits
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Model < b.Model
	})

	for _, w := range perName {
		report.PerWorkflowName = append(report.PerWorkflowName, *w)
	}
	sort.Slice(report.PerWorkflowName, func(i, j int) bool {
		a, b := report.PerWorkflowName[i], report.PerWorkflowName[j]
		if a.Credits != b.Credits {
			return a.Credits > b.Credits
		}
		return a.Name < b.Name
	})

	top := report.PerAPIKey
	if topN > 0 && topN < len(top) {
		top = top[:topN]
	}
	report.TopAPIKeys = append([]KeyUsage(nil), top...)

	return report
}
