// Package api is the thin request-handling layer over the billing engine.
// Handlers decode, delegate, and map typed engine failures to status codes;
// all billing decisions live in the component packages.
package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nexusai/billing-engine/internal/account"
	"github.com/nexusai/billing-engine/internal/adapter"
	"github.com/nexusai/billing-engine/internal/analytics"
	"github.com/nexusai/billing-engine/internal/catalog"
	"github.com/nexusai/billing-engine/internal/estimator"
	"github.com/nexusai/billing-engine/internal/ledger"
	"github.com/nexusai/billing-engine/internal/usage"
	"github.com/nexusai/billing-engine/pkg/ratelimit"
)

type Handler struct {
	usage     *usage.Service
	ledger    *ledger.Ledger
	accounts  account.Store
	estimator *estimator.Estimator
	analytics *analytics.Service
	catalog   *catalog.Catalog
	ratesPath string
	limiter   *ratelimit.Limiter
	tracer    trace.Tracer
}

func NewHandler(
	usageSvc *usage.Service,
	led *ledger.Ledger,
	accounts account.Store,
	est *estimator.Estimator,
	an *analytics.Service,
	cat *catalog.Catalog,
	ratesPath string,
	limiter *ratelimit.Limiter,
	tracer trace.Tracer,
) *Handler {
	return &Handler{
		usage:     usageSvc,
		ledger:    led,
		accounts:  accounts,
		estimator: est,
		analytics: an,
		catalog:   cat,
		ratesPath: ratesPath,
		limiter:   limiter,
		tracer:    tracer,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps typed engine failures onto status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, account.ErrAccountNotFound), errors.Is(err, ledger.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, account.ErrKeyNotFound):
		writeError(w, http.StatusNotFound, "api key not found")
	case errors.Is(err, usage.ErrWorkflowNotFound):
		writeError(w, http.StatusNotFound, "workflow not found")
	case errors.Is(err, usage.ErrWorkflowClosed):
		writeError(w, http.StatusConflict, "workflow already closed")
	case errors.Is(err, ledger.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, "idempotency key used by another account")
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, http.StatusPaymentRequired, "insufficient credit balance")
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, usage.ErrInvalidKind),
		errors.Is(err, usage.ErrInvalidQuantity):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) allow(w http.ResponseWriter, r *http.Request, key string) bool {
	allowed, err := h.limiter.Allow(r.Context(), key, 1)
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60s")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

type estimateRequest struct {
	Workload        estimator.WorkloadShape       `json:"workload"`
	BusinessAdapter string                        `json:"business_adapter,omitempty"`
	Configuration   *adapter.ServiceConfiguration `json:"configuration,omitempty"`
}

// HandleEstimate quotes a workload. Pure; never fails for pricing reasons.
func (h *Handler) HandleEstimate(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "billing.estimate")
	defer span.End()

	var req estimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cfg := adapter.ForAdapter(req.BusinessAdapter)
	if req.Configuration != nil {
		cfg = *req.Configuration
	}

	est := h.estimator.Estimate(req.Workload, cfg)
	span.SetAttributes(attribute.Int64("estimate.total_credits", est.TotalCredits))
	writeJSON(w, http.StatusOK, est)
}

type createAccountRequest struct {
	Email          string `json:"email"`
	InitialCredits int64  `json:"initial_credits,omitempty"`
}

func (h *Handler) HandleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	if req.InitialCredits < 0 {
		writeError(w, http.StatusBadRequest, "initial_credits must not be negative")
		return
	}

	acct := &account.Account{Email: req.Email, CreditBalance: req.InitialCredits}
	if err := h.accounts.Create(r.Context(), acct); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (h *Handler) HandleCloseAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.accounts.Close(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (h *Handler) HandleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.accounts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

type issueKeyResponse struct {
	Key    string          `json:"key"`
	APIKey *account.APIKey `json:"api_key"`
}

// HandleIssueKey mints a new API key for an account. The raw key is returned
// exactly once; only its hash is stored.
func (h *Handler) HandleIssueKey(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	if _, err := h.accounts.Get(r.Context(), accountID); err != nil {
		writeEngineError(w, err)
		return
	}

	raw := "nxk_" + newSecret()
	key := &account.APIKey{AccountID: accountID, KeyHash: account.HashKey(raw)}
	if err := h.accounts.IssueKey(r.Context(), key); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, issueKeyResponse{Key: raw, APIKey: key})
}

func (h *Handler) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	if _, err := h.accounts.Get(r.Context(), accountID); err != nil {
		writeEngineError(w, err)
		return
	}
	keys, err := h.accounts.ListKeys(r.Context(), accountID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (h *Handler) HandleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if err := h.accounts.RevokeKey(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

type creditRequest struct {
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
	Reference      string `json:"reference,omitempty"`
	Description    string `json:"description,omitempty"`
}

// HandleCredit adds purchased or granted credits. The idempotency key makes
// duplicate payment-confirmation webhooks harmless.
func (h *Handler) HandleCredit(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "billing.credit")
	defer span.End()

	accountID := chi.URLParam(r, "id")
	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.IdempotencyKey == "" {
		writeError(w, http.StatusBadRequest, "idempotency_key is required")
		return
	}

	span.SetAttributes(
		attribute.String("account_id", accountID),
		attribute.Int64("amount", req.Amount),
	)

	txn, err := h.ledger.Credit(ctx, accountID, req.Amount, req.IdempotencyKey, req.Reference, req.Description)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

type openWorkflowRequest struct {
	AccountID       string `json:"account_id"`
	APIKeyID        string `json:"api_key_id"`
	APIKey          string `json:"api_key,omitempty"`
	WorkflowName    string `json:"workflow_name"`
	BusinessAdapter string `json:"business_adapter,omitempty"`
}

// HandleOpenWorkflow starts a workflow. Attribution takes either an api_key_id
// or a raw api_key; a raw key is resolved through the cached key lookup and
// may stand in for account_id entirely.
func (h *Handler) HandleOpenWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "billing.open_workflow")
	defer span.End()

	var req openWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.APIKey == "" {
		req.APIKey = r.Header.Get("X-API-Key")
	}
	if req.APIKey != "" {
		key, err := h.accounts.GetKeyByValue(ctx, req.APIKey)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if req.AccountID == "" {
			req.AccountID = key.AccountID
		} else if req.AccountID != key.AccountID {
			writeError(w, http.StatusForbidden, "api key does not belong to account")
			return
		}
		req.APIKeyID = key.ID
	}

	if req.AccountID == "" || req.WorkflowName == "" {
		writeError(w, http.StatusBadRequest, "account_id and workflow_name are required")
		return
	}
	if !h.allow(w, r, req.AccountID) {
		return
	}

	span.SetAttributes(
		attribute.String("account_id", req.AccountID),
		attribute.String("workflow_name", req.WorkflowName),
	)

	wf, err := h.usage.Open(ctx, req.AccountID, req.APIKeyID, req.WorkflowName, req.BusinessAdapter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

type recordUsageRequest struct {
	SubCallID   string              `json:"sub_call_id"`
	ServiceKind catalog.ServiceKind `json:"service_kind"`
	ProviderID  string              `json:"provider_id"`
	ModelID     string              `json:"model_id"`
	RawQuantity float64             `json:"raw_quantity"`
	RawUnit     string              `json:"raw_unit"`
}

func (h *Handler) HandleRecordUsage(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "billing.record_usage")
	defer span.End()

	workflowID := chi.URLParam(r, "id")
	var req recordUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !h.allow(w, r, workflowID) {
		return
	}

	span.SetAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.String("service_kind", string(req.ServiceKind)),
		attribute.String("model", req.ModelID),
	)

	rec, err := h.usage.Record(ctx, workflowID, req.SubCallID, req.ServiceKind, req.ProviderID, req.ModelID, req.RawQuantity, req.RawUnit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type closeWorkflowResponse struct {
	Workflow    *usage.Workflow     `json:"workflow"`
	Transaction *ledger.Transaction `json:"transaction,omitempty"`
}

func (h *Handler) HandleCloseWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "billing.close_workflow")
	defer span.End()

	workflowID := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("workflow_id", workflowID))

	wf, txn, err := h.usage.Close(ctx, workflowID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closeWorkflowResponse{Workflow: wf, Transaction: txn})
}

func (h *Handler) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.usage.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// HandleQueryUsage returns the aggregate report for an account over a window.
func (h *Handler) HandleQueryUsage(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "billing.query_usage")
	defer span.End()

	accountID := chi.URLParam(r, "id")
	from, to, topN, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := h.analytics.ReportForAccount(ctx, accountID, from, to, topN)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleQueryKeyUsage returns the aggregate report for one API key.
func (h *Handler) HandleQueryKeyUsage(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "billing.query_key_usage")
	defer span.End()

	keyID := chi.URLParam(r, "id")
	from, to, topN, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := h.analytics.ReportForAPIKey(ctx, keyID, from, to, topN)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	balance, err := h.ledger.Balance(r.Context(), accountID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": accountID, "credit_balance": balance})
}

func (h *Handler) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	from, to, _, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	txns, err := h.ledger.History(r.Context(), accountID, from, to)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": accountID, "transactions": txns})
}

// HandleReloadCatalog republishes the rate table from the configured rates
// file, or re-publishes the built-in table when none is configured.
func (h *Handler) HandleReloadCatalog(w http.ResponseWriter, r *http.Request) {
	snapshot := catalog.DefaultSnapshot()
	if h.ratesPath != "" {
		var err error
		snapshot, err = catalog.LoadSnapshotFromFile(h.ratesPath)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	h.catalog.Publish(snapshot)
	writeJSON(w, http.StatusOK, map[string]any{"version": h.catalog.Version()})
}

func parseWindow(r *http.Request) (from, to time.Time, topN int, err error) {
	now := time.Now()
	from = now.AddDate(0, 0, -30)
	to = now
	topN = 10

	if s := r.URL.Query().Get("from"); s != "" {
		from, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return from, to, topN, errors.New("invalid 'from' date format (use RFC3339)")
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		to, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return from, to, topN, errors.New("invalid 'to' date format (use RFC3339)")
		}
	}
	if s := r.URL.Query().Get("top"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return from, to, topN, errors.New("invalid 'top' value")
		}
		topN = n
	}
	return from, to, topN, nil
}

// newSecret returns the random part of a freshly minted API key.
func newSecret() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return uuid.New().String()
	}
	return hex.EncodeToString(buf)
}
