package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wardgate/wardgate/api"
	"github.com/wardgate/wardgate/internal/approval"
	"github.com/wardgate/wardgate/internal/audit"
	"github.com/wardgate/wardgate/internal/domain"
	"github.com/wardgate/wardgate/internal/intercept"
	"github.com/wardgate/wardgate/internal/policy"
	"github.com/wardgate/wardgate/internal/ratelimit"
	"github.com/wardgate/wardgate/internal/secrets"
	"github.com/wardgate/wardgate/internal/storage"
)

const testPolicy = `
version: "1.0"
name: control-test
global:
  default_action: allow
  new_domain_action: allow
domains:
  allowed: []
  denied:
    - "blocked.example"
secrets:
  patterns: []
agents:
  unknown_agent:
    action: allow
`

type testEnv struct {
	server      *Server
	interceptor *intercept.Interceptor
	ledger      *domain.Ledger
	approvals   *approval.Queue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	policyDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(policyDir, "default.yaml"), []byte(testPolicy), 0o644); err != nil {
		t.Fatal(err)
	}
	store := policy.NewStore(policyDir, slog.Default())
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}

	dao, err := storage.New(storage.WithDatabaseFile(filepath.Join(t.TempDir(), "wardgate.db")))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dao.Close() })

	ledger := domain.NewLedger(dao, store)
	interceptor := intercept.New(intercept.Config{
		Policies: store,
		Domains:  ledger,
		Limiter:  ratelimit.NewLimiter(),
		Scanner:  secrets.NewScanner(slog.Default()),
		DAO:      dao,
	})
	approvals := approval.NewQueue(5*time.Second, ledger)

	server := NewServer("127.0.0.1:0", store, ledger, approvals, interceptor, dao, slog.Default())
	return &testEnv{server: server, interceptor: interceptor, ledger: ledger, approvals: approvals}
}

func (e *testEnv) intercept(t *testing.T, url string) *intercept.Result {
	t.Helper()
	result, err := e.interceptor.Intercept(context.Background(), intercept.Input{
		Method:  "GET",
		URL:     url,
		Headers: map[string]string{"X-Wardgate-Agent-Id": "agent-ctl", "X-Wardgate-Agent-Name": "aider"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Action == api.ActionAllow {
		e.interceptor.Finalize(context.Background(), result.RequestID, 200, 0)
	}
	return result
}

func doRequest(t *testing.T, env *testEnv, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestEventsAndRequests(t *testing.T) {
	env := newTestEnv(t)
	env.intercept(t, "https://ok.example.com/a")
	env.intercept(t, "https://blocked.example/b")

	rec := doRequest(t, env, http.MethodGet, "/api/events?limit=10")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var entries []api.AuditEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Fatal("expected audit events")
	}

	rec = doRequest(t, env, http.MethodGet, "/api/requests?domain=blocked.example")
	var records []api.RequestRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 request for blocked.example, got %d", len(records))
	}
	if records[0].Decision != api.ActionBlock {
		t.Errorf("expected block decision, got %s", records[0].Decision)
	}
}

func TestDomainApproveAndDeny(t *testing.T) {
	env := newTestEnv(t)
	env.intercept(t, "https://pending.example.net/x")

	rec := doRequest(t, env, http.MethodPost, "/api/domains/pending.example.net/approve")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var record api.DomainRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatal(err)
	}
	if record.Status != api.DomainAllowed || record.AddedBy != api.AddedByUser {
		t.Errorf("expected user-approved record, got %+v", record)
	}

	rec = doRequest(t, env, http.MethodPost, "/api/domains/other.example.net/deny")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doRequest(t, env, http.MethodGet, "/api/domains")
	var all []api.DomainRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &all); err != nil {
		t.Fatal(err)
	}
	if len(all) < 2 {
		t.Fatalf("expected at least 2 domain records, got %d", len(all))
	}
}

func TestApprovalLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resultCh := make(chan api.Action, 1)
	go func() {
		action, _ := env.approvals.Submit(context.Background(), approval.Ticket{
			RequestID: "req-9",
			Domain:    "gated.example.com",
			Reason:    "requires review",
		})
		resultCh <- action
	}()
	time.Sleep(50 * time.Millisecond)

	rec := doRequest(t, env, http.MethodGet, "/api/approvals")
	var pending []approval.Request
	if err := json.Unmarshal(rec.Body.Bytes(), &pending); err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending approval, got %d", len(pending))
	}

	rec = doRequest(t, env, http.MethodPost, "/api/approvals/"+pending[0].ID+"/approve")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	select {
	case action := <-resultCh:
		if action != api.ActionAllow {
			t.Errorf("expected allow after approval, got %s", action)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not resolve")
	}

	// Approving the ticket marked its domain user-approved.
	check, err := env.ledger.Check(context.Background(), "gated.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if check.Status != api.DomainAllowed {
		t.Errorf("expected allowed domain after approval, got %s", check.Status)
	}
}

func TestVerifyAndStats(t *testing.T) {
	env := newTestEnv(t)
	env.intercept(t, "https://ok.example.com/a")
	env.intercept(t, "https://blocked.example/b")

	rec := doRequest(t, env, http.MethodGet, "/api/verify")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var reports map[string]audit.ChainReport
	if err := json.Unmarshal(rec.Body.Bytes(), &reports); err != nil {
		t.Fatal(err)
	}
	if !reports["audit"].Valid || !reports["receipts"].Valid {
		t.Errorf("expected both chains valid, got %+v", reports)
	}
	if reports["receipts"].TotalEntries != 2 {
		t.Errorf("expected 2 receipts, got %d", reports["receipts"].TotalEntries)
	}

	rec = doRequest(t, env, http.MethodGet, "/api/stats")
	var stats map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats["requests_total"].(float64) != 2 {
		t.Errorf("expected 2 requests, got %v", stats["requests_total"])
	}

	rec = doRequest(t, env, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
}
