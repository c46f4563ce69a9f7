package domain

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/wardgate/wardgate/api"
	"github.com/wardgate/wardgate/internal/policy"
	"github.com/wardgate/wardgate/internal/storage"
)

const ledgerPolicy = `version: "1.0"
name: Ledger Test
global:
  default_action: allow
domains:
  allowed:
    - "*.github.com"
  denied:
    - "*.evil.example"
  require_approval:
    - "*.internal.example"
secrets:
  patterns: []
`

func testLedger(t *testing.T) *Ledger {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "base.yaml"), []byte(ledgerPolicy), 0o600); err != nil {
		t.Fatal(err)
	}
	store := policy.NewStore(dir, nil)
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}

	dao, err := storage.New(storage.WithDatabaseFile(filepath.Join(t.TempDir(), "ledger.db")))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = dao.Close() })

	return NewLedger(dao, store)
}

func TestCheck_PolicyClassification(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	cases := []struct {
		domain string
		status api.DomainStatus
		rule   string
	}{
		{"api.github.com", api.DomainAllowed, "*.github.com"},
		{"c2.evil.example", api.DomainDenied, "*.evil.example"},
		{"db.internal.example", api.DomainPendingApproval, "*.internal.example"},
		{"never-seen.example", api.DomainUnknown, ""},
	}
	for _, c := range cases {
		got, err := l.Check(ctx, c.domain)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != c.status {
			t.Errorf("%s: expected %s, got %s", c.domain, c.status, got.Status)
		}
		if got.MatchedRule != c.rule {
			t.Errorf("%s: expected rule %q, got %q", c.domain, c.rule, got.MatchedRule)
		}
		if !got.IsFirstContact {
			t.Errorf("%s: expected first contact before any record exists", c.domain)
		}
	}
}

func TestCheck_DeniedWinsOverAllowed(t *testing.T) {
	overlap := `version: "1.0"
name: Overlap
global:
  default_action: allow
domains:
  allowed:
    - "*.evil.example"
  denied:
    - "*.evil.example"
secrets:
  patterns: []
`
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "overlap.yaml"), []byte(overlap), 0o600); err != nil {
		t.Fatal(err)
	}
	store := policy.NewStore(dir, nil)
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	dao, err := storage.New(storage.WithDatabaseFile(filepath.Join(t.TempDir(), "overlap.db")))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = dao.Close() })
	l := NewLedger(dao, store)

	got, err := l.Check(context.Background(), "api.evil.example")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != api.DomainDenied {
		t.Errorf("deny must take precedence, got %s", got.Status)
	}
}

func TestRecordContact_FirstAndRepeat(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	rec, err := l.RecordContact(ctx, "api.github.com")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != api.DomainAllowed || rec.AddedBy != api.AddedByPolicy {
		t.Errorf("expected policy-allowed record, got %s by %s", rec.Status, rec.AddedBy)
	}
	if rec.RequestCount != 1 {
		t.Errorf("expected count 1, got %d", rec.RequestCount)
	}

	rec, err = l.RecordContact(ctx, "api.github.com")
	if err != nil {
		t.Fatal(err)
	}
	if rec.RequestCount != 2 {
		t.Errorf("expected count 2, got %d", rec.RequestCount)
	}

	check, err := l.Check(ctx, "api.github.com")
	if err != nil {
		t.Fatal(err)
	}
	if check.IsFirstContact {
		t.Error("recorded domain must not report first contact")
	}
}

func TestRecordContact_UnknownAddedByAuto(t *testing.T) {
	l := testLedger(t)

	rec, err := l.RecordContact(context.Background(), "mystery.example")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != api.DomainUnknown || rec.AddedBy != api.AddedByAuto {
		t.Errorf("expected auto-tracked unknown domain, got %s by %s", rec.Status, rec.AddedBy)
	}
}

func TestApprove_StickyAgainstPolicy(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	// User approves a domain the policy denies.
	rec, err := l.Approve(ctx, "trusted.evil.example")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != api.DomainAllowed || rec.AddedBy != api.AddedByUser {
		t.Fatalf("expected user-allowed record, got %s by %s", rec.Status, rec.AddedBy)
	}

	// Later contacts re-derive denied from policy, but the user record wins.
	rec, err = l.RecordContact(ctx, "trusted.evil.example")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != api.DomainAllowed || rec.AddedBy != api.AddedByUser {
		t.Errorf("user approval must be sticky, got %s by %s", rec.Status, rec.AddedBy)
	}

	check, err := l.Check(ctx, "trusted.evil.example")
	if err != nil {
		t.Fatal(err)
	}
	if check.Status != api.DomainAllowed {
		t.Errorf("check must honor the stored user record, got %s", check.Status)
	}
	if check.MatchedRule != "user:trusted.evil.example" {
		t.Errorf("expected user-attributed rule, got %q", check.MatchedRule)
	}
}

func TestDeny_CreatesRecord(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	rec, err := l.Deny(ctx, "bad.example")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != api.DomainDenied || rec.AddedBy != api.AddedByUser {
		t.Errorf("expected user-denied record, got %s by %s", rec.Status, rec.AddedBy)
	}

	unknown, err := l.Unknown(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range unknown {
		if u.Domain == "bad.example" {
			t.Error("denied domain must not appear in the unknown list")
		}
	}
}
