package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nexusai/billing-engine/internal/account"
	"github.com/nexusai/billing-engine/internal/analytics"
	"github.com/nexusai/billing-engine/internal/catalog"
	"github.com/nexusai/billing-engine/internal/estimator"
	"github.com/nexusai/billing-engine/internal/ledger"
	"github.com/nexusai/billing-engine/internal/usage"
	"github.com/nexusai/billing-engine/pkg/ratelimit"
)

// Mock Limiter Store
type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

// In-memory account store
type memAccounts struct {
	mu       sync.Mutex
	accounts map[string]*account.Account
	keys     map[string]*account.APIKey
}

func newMemAccounts() *memAccounts {
	return &memAccounts{
		accounts: make(map[string]*account.Account),
		keys:     make(map[string]*account.APIKey),
	}
}

func (m *memAccounts) Create(ctx context.Context, acct *account.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct.ID = uuid.New().String()
	acct.Active = true
	acct.CreatedAt = time.Now()
	cp := *acct
	m.accounts[acct.ID] = &cp
	return nil
}

func (m *memAccounts) Get(ctx context.Context, id string) (*account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct, ok := m.accounts[id]; ok {
		cp := *acct
		return &cp, nil
	}
	return nil, account.ErrAccountNotFound
}

func (m *memAccounts) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return account.ErrAccountNotFound
	}
	acct.Active = false
	return nil
}

func (m *memAccounts) IssueKey(ctx context.Context, key *account.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key.ID = uuid.New().String()
	key.Active = true
	key.CreatedAt = time.Now()
	cp := *key
	m.keys[key.ID] = &cp
	return nil
}

func (m *memAccounts) RevokeKey(ctx context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[keyID]
	if !ok {
		return account.ErrKeyNotFound
	}
	key.Active = false
	return nil
}

func (m *memAccounts) GetKeyByValue(ctx context.Context, rawKey string) (*account.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash := account.HashKey(rawKey)
	for _, key := range m.keys {
		if key.KeyHash == hash && key.Active {
			cp := *key
			return &cp, nil
		}
	}
	return nil, account.ErrKeyNotFound
}

func (m *memAccounts) GetKey(ctx context.Context, keyID string) (*account.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key, ok := m.keys[keyID]; ok {
		cp := *key
		return &cp, nil
	}
	return nil, account.ErrKeyNotFound
}

func (m *memAccounts) ListKeys(ctx context.Context, accountID string) ([]*account.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*account.APIKey
	for _, key := range m.keys {
		if key.AccountID == accountID {
			cp := *key
			out = append(out, &cp)
		}
	}
	return out, nil
}

// In-memory ledger store
type memLedgerStore struct {
	mu       sync.Mutex
	balances map[string]int64
	byKey    map[string]*ledger.Transaction
	txns     []*ledger.Transaction
}

func newMemLedgerStore() *memLedgerStore {
	return &memLedgerStore{
		balances: make(map[string]int64),
		byKey:    make(map[string]*ledger.Transaction),
	}
}

func (m *memLedgerStore) Apply(ctx context.Context, txn *ledger.Transaction, enforceBalance bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[txn.IdempotencyKey]; ok {
		return ledger.ErrDuplicateIdempotencyKey
	}
	bal, ok := m.balances[txn.AccountID]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	if enforceBalance && bal+txn.Delta < 0 {
		return ledger.ErrInsufficientBalance
	}
	bal += txn.Delta
	m.balances[txn.AccountID] = bal
	txn.ResultingBalance = bal
	txn.CreatedAt = time.Now()
	cp := *txn
	m.byKey[txn.IdempotencyKey] = &cp
	m.txns = append(m.txns, &cp)
	return nil
}

func (m *memLedgerStore) GetByIdempotencyKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if txn, ok := m.byKey[key]; ok {
		cp := *txn
		return &cp, nil
	}
	return nil, ledger.ErrTransactionNotFound
}

func (m *memLedgerStore) GetBalance(ctx context.Context, accountID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.balances[accountID]
	if !ok {
		return 0, ledger.ErrAccountNotFound
	}
	return bal, nil
}

func (m *memLedgerStore) ListByAccount(ctx context.Context, accountID string, from, to time.Time) ([]*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ledger.Transaction
	for _, txn := range m.txns {
		if txn.AccountID == accountID {
			cp := *txn
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memLedgerStore) ListOverdrawn(ctx context.Context) ([]ledger.Overdrawn, error) {
	return nil, nil
}

// In-memory usage store
type memUsageStore struct {
	mu        sync.Mutex
	workflows map[string]*usage.Workflow
	records   map[string][]*usage.UsageRecord
	bySubCall map[string]*usage.UsageRecord
}

func newMemUsageStore() *memUsageStore {
	return &memUsageStore{
		workflows: make(map[string]*usage.Workflow),
		records:   make(map[string][]*usage.UsageRecord),
		bySubCall: make(map[string]*usage.UsageRecord),
	}
}

func (m *memUsageStore) CreateWorkflow(ctx context.Context, wf *usage.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf.StartedAt = time.Now()
	cp := *wf
	m.workflows[wf.ID] = &cp
	return nil
}

func (m *memUsageStore) GetWorkflow(ctx context.Context, id string) (*usage.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, usage.ErrWorkflowNotFound
	}
	cp := *wf
	return &cp, nil
}

func (m *memUsageStore) CloseWorkflow(ctx context.Context, id string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return time.Time{}, usage.ErrWorkflowNotFound
	}
	if wf.ClosedAt != nil {
		return time.Time{}, usage.ErrWorkflowClosed
	}
	now := time.Now()
	wf.ClosedAt = &now
	return now, nil
}

func (m *memUsageStore) InsertRecord(ctx context.Context, rec *usage.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[rec.WorkflowID]
	if !ok {
		return usage.ErrWorkflowNotFound
	}
	if wf.ClosedAt != nil {
		return usage.ErrWorkflowClosed
	}
	key := rec.WorkflowID + "/" + rec.SubCallID
	if _, ok := m.bySubCall[key]; ok {
		return usage.ErrDuplicateSubCall
	}
	rec.CreatedAt = time.Now()
	cp := *rec
	m.bySubCall[key] = &cp
	m.records[rec.WorkflowID] = append(m.records[rec.WorkflowID], &cp)
	return nil
}

func (m *memUsageStore) GetRecordBySubCall(ctx context.Context, workflowID, subCallID string) (*usage.UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.bySubCall[workflowID+"/"+subCallID]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, usage.ErrWorkflowNotFound
}

func (m *memUsageStore) ListRecords(ctx context.Context, workflowID string) ([]*usage.UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*usage.UsageRecord
	for _, rec := range m.records[workflowID] {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memUsageStore) SumCredits(ctx context.Context, workflowID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, rec := range m.records[workflowID] {
		sum += rec.CreditsCharged
	}
	return sum, nil
}

// memAnalyticsStore joins usage records with workflows the way the SQL store does.
type memAnalyticsStore struct {
	usage *memUsageStore
}

func (m *memAnalyticsStore) rows(match func(wf *usage.Workflow) bool) []analytics.UsageRow {
	m.usage.mu.Lock()
	defer m.usage.mu.Unlock()
	var out []analytics.UsageRow
	for id, wf := range m.usage.workflows {
		if !match(wf) {
			continue
		}
		for _, rec := range m.usage.records[id] {
			out = append(out, analytics.UsageRow{
				WorkflowID:   id,
				WorkflowName: wf.Name,
				APIKeyID:     wf.APIKeyID,
				Kind:         rec.Kind,
				Provider:     rec.Provider,
				Model:        rec.Model,
				Credits:      rec.CreditsCharged,
				USD:          rec.USDEquivalent,
				CreatedAt:    rec.CreatedAt,
			})
		}
	}
	return out
}

func (m *memAnalyticsStore) ListUsageByAccount(ctx context.Context, accountID string, from, to time.Time) ([]analytics.UsageRow, error) {
	return m.rows(func(wf *usage.Workflow) bool { return wf.AccountID == accountID }), nil
}

func (m *memAnalyticsStore) ListUsageByAPIKey(ctx context.Context, apiKeyID string, from, to time.Time) ([]analytics.UsageRow, error) {
	return m.rows(func(wf *usage.Workflow) bool { return wf.APIKeyID == apiKeyID }), nil
}

type testEngine struct {
	router   http.Handler
	accounts *memAccounts
	ledger   *memLedgerStore
	usage    *memUsageStore
}

func setupTest(t *testing.T, limiterAllowed bool) *testEngine {
	t.Helper()

	accounts := newMemAccounts()
	ledStore := newMemLedgerStore()
	usageStore := newMemUsageStore()

	cat := catalog.New(catalog.DefaultSnapshot())
	led := ledger.New(ledStore)
	usageSvc := usage.NewService(usageStore, cat, led, accounts, nil)
	est := estimator.New(cat)
	an := analytics.NewService(&memAnalyticsStore{usage: usageStore}, led)
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: limiterAllowed})
	tracer := noop.NewTracerProvider().Tracer("test")

	h := NewHandler(usageSvc, led, accounts, est, an, cat, "", limiter, tracer)

	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Post("/estimates", h.HandleEstimate)
		r.Post("/accounts", h.HandleCreateAccount)
		r.Get("/accounts/{id}", h.HandleGetAccount)
		r.Post("/accounts/{id}/close", h.HandleCloseAccount)
		r.Post("/accounts/{id}/keys", h.HandleIssueKey)
		r.Get("/accounts/{id}/keys", h.HandleListKeys)
		r.Post("/keys/{id}/revoke", h.HandleRevokeKey)
		r.Post("/accounts/{id}/credits", h.HandleCredit)
		r.Get("/accounts/{id}/balance", h.HandleBalance)
		r.Get("/accounts/{id}/transactions", h.HandleTransactions)
		r.Get("/accounts/{id}/usage", h.HandleQueryUsage)
		r.Get("/keys/{id}/usage", h.HandleQueryKeyUsage)
		r.Post("/workflows", h.HandleOpenWorkflow)
		r.Get("/workflows/{id}", h.HandleGetWorkflow)
		r.Post("/workflows/{id}/usage", h.HandleRecordUsage)
		r.Post("/workflows/{id}/close", h.HandleCloseWorkflow)
		r.Post("/catalog/reload", h.HandleReloadCatalog)
	})

	return &testEngine{router: r, accounts: accounts, ledger: ledStore, usage: usageStore}
}

func (e *testEngine) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEngine) createAccount(t *testing.T, credits int64) string {
	t.Helper()
	w := e.do(t, "POST", "/v1/accounts", map[string]any{"email": "t@example.com", "initial_credits": credits})
	if w.Code != http.StatusCreated {
		t.Fatalf("create account: status %d: %s", w.Code, w.Body.String())
	}
	var acct account.Account
	json.Unmarshal(w.Body.Bytes(), &acct)
	e.ledger.mu.Lock()
	e.ledger.balances[acct.ID] = credits
	e.ledger.mu.Unlock()
	return acct.ID
}

func (e *testEngine) openWorkflow(t *testing.T, accountID, name, adapter string) string {
	t.Helper()
	w := e.do(t, "POST", "/v1/workflows", map[string]any{
		"account_id":       accountID,
		"workflow_name":    name,
		"business_adapter": adapter,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("open workflow: status %d: %s", w.Code, w.Body.String())
	}
	var wf usage.Workflow
	json.Unmarshal(w.Body.Bytes(), &wf)
	return wf.ID
}

func TestHandleEstimate(t *testing.T) {
	e := setupTest(t, true)

	w := e.do(t, "POST", "/v1/estimates", map[string]any{
		"workload":         map[string]any{"language_model_tokens": 3000},
		"business_adapter": "balanced",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var est estimator.Estimate
	json.Unmarshal(w.Body.Bytes(), &est)
	if est.TotalCredits != 24 {
		t.Errorf("TotalCredits = %d, want 24", est.TotalCredits)
	}
}

func TestHandleEstimate_BadBody(t *testing.T) {
	e := setupTest(t, true)

	req := httptest.NewRequest("POST", "/v1/estimates", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", w.Code)
	}
}

func TestHandleCreateAccount_RequiresEmail(t *testing.T) {
	e := setupTest(t, true)

	w := e.do(t, "POST", "/v1/accounts", map[string]any{"initial_credits": 100})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", w.Code)
	}
}

func TestHandleGetAccount_NotFound(t *testing.T) {
	e := setupTest(t, true)

	w := e.do(t, "GET", "/v1/accounts/does-not-exist", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404", w.Code)
	}
}

func TestHandleIssueKey_RawKeyShownOnce(t *testing.T) {
	e := setupTest(t, true)
	acctID := e.createAccount(t, 0)

	w := e.do(t, "POST", "/v1/accounts/"+acctID+"/keys", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Key    string          `json:"key"`
		APIKey *account.APIKey `json:"api_key"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)

	if !strings.HasPrefix(resp.Key, "nxk_") {
		t.Errorf("raw key %q missing prefix", resp.Key)
	}
	if resp.APIKey.KeyHash != account.HashKey(resp.Key) {
		t.Error("stored hash does not match the raw key")
	}
	if strings.Contains(resp.APIKey.KeyHash, resp.Key) {
		t.Error("raw key must not be stored")
	}
}

func (e *testEngine) issueKey(t *testing.T, accountID string) (raw, keyID string) {
	t.Helper()
	w := e.do(t, "POST", "/v1/accounts/"+accountID+"/keys", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("issue key: status %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Key    string          `json:"key"`
		APIKey *account.APIKey `json:"api_key"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	return resp.Key, resp.APIKey.ID
}

func TestHandleOpenWorkflow_RawKeyAttribution(t *testing.T) {
	e := setupTest(t, true)
	acctID := e.createAccount(t, 100)
	raw, keyID := e.issueKey(t, acctID)

	// A raw key alone identifies both the account and the key.
	w := e.do(t, "POST", "/v1/workflows", map[string]any{
		"api_key":       raw,
		"workflow_name": "voice-call",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var wf usage.Workflow
	json.Unmarshal(w.Body.Bytes(), &wf)
	if wf.AccountID != acctID {
		t.Errorf("AccountID = %q, want %q", wf.AccountID, acctID)
	}
	if wf.APIKeyID != keyID {
		t.Errorf("APIKeyID = %q, want %q", wf.APIKeyID, keyID)
	}
}

func TestHandleOpenWorkflow_RawKeyHeader(t *testing.T) {
	e := setupTest(t, true)
	acctID := e.createAccount(t, 100)
	raw, keyID := e.issueKey(t, acctID)

	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(map[string]any{"workflow_name": "voice-call"})
	req := httptest.NewRequest("POST", "/v1/workflows", &buf)
	req.Header.Set("X-API-Key", raw)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var wf usage.Workflow
	json.Unmarshal(w.Body.Bytes(), &wf)
	if wf.AccountID != acctID || wf.APIKeyID != keyID {
		t.Errorf("workflow attributed to %q/%q, want %q/%q", wf.AccountID, wf.APIKeyID, acctID, keyID)
	}
}

func TestHandleOpenWorkflow_RawKeyAccountMismatch(t *testing.T) {
	e := setupTest(t, true)
	ownerID := e.createAccount(t, 100)
	otherID := e.createAccount(t, 100)
	raw, _ := e.issueKey(t, ownerID)

	w := e.do(t, "POST", "/v1/workflows", map[string]any{
		"api_key":       raw,
		"account_id":    otherID,
		"workflow_name": "voice-call",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("status %d, want 403: %s", w.Code, w.Body.String())
	}
}

func TestHandleOpenWorkflow_RevokedKeyRejected(t *testing.T) {
	e := setupTest(t, true)
	acctID := e.createAccount(t, 100)
	raw, keyID := e.issueKey(t, acctID)

	if w := e.do(t, "POST", "/v1/keys/"+keyID+"/revoke", nil); w.Code != http.StatusOK {
		t.Fatalf("revoke: status %d: %s", w.Code, w.Body.String())
	}

	w := e.do(t, "POST", "/v1/workflows", map[string]any{
		"api_key":       raw,
		"workflow_name": "voice-call",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404: %s", w.Code, w.Body.String())
	}
}

func TestHandleRevokeKey_NotFound(t *testing.T) {
	e := setupTest(t, true)

	w := e.do(t, "POST", "/v1/keys/does-not-exist/revoke", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404", w.Code)
	}
}

func TestHandleListKeys(t *testing.T) {
	e := setupTest(t, true)
	acctID := e.createAccount(t, 0)
	_, id1 := e.issueKey(t, acctID)
	_, id2 := e.issueKey(t, acctID)

	w := e.do(t, "GET", "/v1/accounts/"+acctID+"/keys", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var keys []*account.APIKey
	json.Unmarshal(w.Body.Bytes(), &keys)
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2", len(keys))
	}
	seen := map[string]bool{}
	for _, k := range keys {
		seen[k.ID] = true
	}
	if !seen[id1] || !seen[id2] {
		t.Errorf("listed keys %v missing %q or %q", seen, id1, id2)
	}
}

func TestHandleCredit(t *testing.T) {
	e := setupTest(t, true)
	acctID := e.createAccount(t, 0)

	w := e.do(t, "POST", "/v1/accounts/"+acctID+"/credits", map[string]any{
		"amount":          1000,
		"idempotency_key": "purchase-1",
		"reference":       "stripe",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}

	var txn ledger.Transaction
	json.Unmarshal(w.Body.Bytes(), &txn)
	if txn.Delta != 1000 || txn.ResultingBalance != 1000 {
		t.Errorf("txn = %+v", txn)
	}
}

func TestHandleCredit_RequiresIdempotencyKey(t *testing.T) {
	e := setupTest(t, true)
	acctID := e.createAccount(t, 0)

	w := e.do(t, "POST", "/v1/accounts/"+acctID+"/credits", map[string]any{"amount": 1000})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", w.Code)
	}
}

func TestHandleCredit_InvalidAmount(t *testing.T) {
	e := setupTest(t, true)
	acctID := e.createAccount(t, 0)

	w := e.do(t, "POST", "/v1/accounts/"+acctID+"/credits", map[string]any{
		"amount":          -10,
		"idempotency_key": "k",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", w.Code)
	}
}

func TestHandleOpenWorkflow_Validation(t *testing.T) {
	e := setupTest(t, true)

	w := e.do(t, "POST", "/v1/workflows", map[string]any{"workflow_name": "wf"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing account_id: status %d, want 400", w.Code)
	}
}

func TestHandleOpenWorkflow_RateLimited(t *testing.T) {
	e := setupTest(t, false)
	acctID := e.createAccount(t, 100)

	w := e.do(t, "POST", "/v1/workflows", map[string]any{
		"account_id":    acctID,
		"workflow_name": "wf",
	})
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestWorkflowLifecycle(t *testing.T) {
	e := setupTest(t, true)
	acctID := e.createAccount(t, 50)
	wfID := e.openWorkflow(t, acctID, "support-call", "balanced")

	// Record 2 minutes of telephony and 500 tokens of gpt-4o.
	w := e.do(t, "POST", "/v1/workflows/"+wfID+"/usage", map[string]any{
		"sub_call_id":  "c1",
		"service_kind": "telephony",
		"provider_id":  "twilio",
		"model_id":     "*",
		"raw_quantity": 2,
		"raw_unit":     "minutes",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("record: status %d: %s", w.Code, w.Body.String())
	}
	w = e.do(t, "POST", "/v1/workflows/"+wfID+"/usage", map[string]any{
		"sub_call_id":  "c2",
		"service_kind": "language_model",
		"provider_id":  "openai",
		"model_id":     "gpt-4o",
		"raw_quantity": 500,
		"raw_unit":     "tokens",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("record: status %d: %s", w.Code, w.Body.String())
	}

	// Running total is visible before close.
	w = e.do(t, "GET", "/v1/workflows/"+wfID, nil)
	var wf usage.Workflow
	json.Unmarshal(w.Body.Bytes(), &wf)
	if wf.TotalCredits != 44 {
		t.Errorf("running total = %d, want 44", wf.TotalCredits)
	}

	// Close settles 44 credits against the 50-credit balance.
	w = e.do(t, "POST", "/v1/workflows/"+wfID+"/close", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("close: status %d: %s", w.Code, w.Body.String())
	}
	var closed struct {
		Workflow    *usage.Workflow     `json:"workflow"`
		Transaction *ledger.Transaction `json:"transaction"`
	}
	json.Unmarshal(w.Body.Bytes(), &closed)
	if closed.Transaction == nil || closed.Transaction.ResultingBalance != 6 {
		t.Errorf("settle transaction = %+v", closed.Transaction)
	}

	// Late records are rejected with a conflict.
	w = e.do(t, "POST", "/v1/workflows/"+wfID+"/usage", map[string]any{
		"sub_call_id":  "late",
		"service_kind": "language_model",
		"provider_id":  "openai",
		"model_id":     "gpt-4o",
		"raw_quantity": 100,
		"raw_unit":     "tokens",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("late record: status %d, want 409", w.Code)
	}

	w = e.do(t, "GET", "/v1/accounts/"+acctID+"/balance", nil)
	var bal struct {
		CreditBalance int64 `json:"credit_balance"`
	}
	json.Unmarshal(w.Body.Bytes(), &bal)
	if bal.CreditBalance != 6 {
		t.Errorf("balance = %d, want 6", bal.CreditBalance)
	}
}

func TestHandleCloseWorkflow_InsufficientBalance(t *testing.T) {
	e := setupTest(t, true)
	acctID := e.createAccount(t, 10)
	wfID := e.openWorkflow(t, acctID, "support-call", "balanced")

	e.do(t, "POST", "/v1/workflows/"+wfID+"/usage", map[string]any{
		"sub_call_id":  "c1",
		"service_kind": "telephony",
		"provider_id":  "twilio",
		"model_id":     "*",
		"raw_quantity": 2,
		"raw_unit":     "minutes",
	})

	w := e.do(t, "POST", "/v1/workflows/"+wfID+"/close", nil)
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("status %d, want 402", w.Code)
	}
}

func TestHandleRecordUsage_BadKind(t *testing.T) {
	e := setupTest(t, true)
	acctID := e.createAccount(t, 100)
	wfID := e.openWorkflow(t, acctID, "wf", "balanced")

	w := e.do(t, "POST", "/v1/workflows/"+wfID+"/usage", map[string]any{
		"sub_call_id":  "c1",
		"service_kind": "teleportation",
		"provider_id":  "x",
		"model_id":     "y",
		"raw_quantity": 1,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", w.Code)
	}
}

func TestHandleQueryUsage(t *testing.T) {
	e := setupTest(t, true)
	acctID := e.createAccount(t, 1000)
	wfID := e.openWorkflow(t, acctID, "chat", "balanced")

	e.do(t, "POST", "/v1/workflows/"+wfID+"/usage", map[string]any{
		"sub_call_id":  "c1",
		"service_kind": "language_model",
		"provider_id":  "openai",
		"model_id":     "gpt-4o",
		"raw_quantity": 1000,
		"raw_unit":     "tokens",
	})

	w := e.do(t, "GET", "/v1/accounts/"+acctID+"/usage", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var report analytics.Report
	json.Unmarshal(w.Body.Bytes(), &report)
	if report.TotalCredits != 8 || report.RequestCount != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestHandleQueryUsage_BadWindow(t *testing.T) {
	e := setupTest(t, true)
	acctID := e.createAccount(t, 0)

	w := e.do(t, "GET", "/v1/accounts/"+acctID+"/usage?from=yesterday", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", w.Code)
	}
}

func TestHandleReloadCatalog(t *testing.T) {
	e := setupTest(t, true)

	w := e.do(t, "POST", "/v1/catalog/reload", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Version uint64 `json:"version"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Version != 2 {
		t.Errorf("version = %d, want 2 after reload", resp.Version)
	}
}

func TestHandleCloseAccount_BlocksNewWorkflows(t *testing.T) {
	e := setupTest(t, true)
	acctID := e.createAccount(t, 100)

	w := e.do(t, "POST", "/v1/accounts/"+acctID+"/close", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("close account: status %d", w.Code)
	}

	w = e.do(t, "POST", "/v1/workflows", map[string]any{
		"account_id":    acctID,
		"workflow_name": "wf",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("workflow on closed account: status %d, want 404", w.Code)
	}
}
