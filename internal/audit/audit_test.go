package audit

import (
	"context"
	"testing"
	"time"

	"github.com/wardgate/wardgate/api"
)

// memChains is an in-memory stand-in for the persisted chains so tests can
// tamper with stored entries directly.
type memChains struct {
	entries  []api.AuditEntry
	receipts []api.DecisionReceipt
}

func (m *memChains) AppendAuditEntry(_ context.Context, entry api.AuditEntry) error {
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memChains) LatestAuditEntry(_ context.Context) (*api.AuditEntry, error) {
	if len(m.entries) == 0 {
		return nil, nil
	}
	e := m.entries[len(m.entries)-1]
	return &e, nil
}

func (m *memChains) ListAuditEntries(_ context.Context, limit int) ([]api.AuditEntry, error) {
	out := make([]api.AuditEntry, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

func (m *memChains) AuditEntriesInOrder(_ context.Context) ([]api.AuditEntry, error) {
	return append([]api.AuditEntry(nil), m.entries...), nil
}

func (m *memChains) AppendReceipt(_ context.Context, receipt api.DecisionReceipt) error {
	m.receipts = append(m.receipts, receipt)
	return nil
}

func (m *memChains) LatestReceipt(_ context.Context) (*api.DecisionReceipt, error) {
	if len(m.receipts) == 0 {
		return nil, nil
	}
	r := m.receipts[len(m.receipts)-1]
	return &r, nil
}

func (m *memChains) GetReceiptByRequest(_ context.Context, requestID string) (*api.DecisionReceipt, error) {
	for i := range m.receipts {
		if m.receipts[i].RequestID == requestID {
			return &m.receipts[i], nil
		}
	}
	return nil, nil
}

func (m *memChains) ReceiptsInOrder(_ context.Context) ([]api.DecisionReceipt, error) {
	return append([]api.DecisionReceipt(nil), m.receipts...), nil
}

func TestCanonicalJSON_SortsKeys(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{
		"b": 1,
		"a": map[string]any{"z": true, "y": []any{"x", 2}},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":{"y":["x",2],"z":true},"b":1}`
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalJSON_EquivalentValuesHashEqually(t *testing.T) {
	type payload struct {
		B int    `json:"b"`
		A string `json:"a"`
	}
	h1, err := HashEntry("genesis", payload{B: 2, A: "x"})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := HashEntry("genesis", map[string]any{"a": "x", "b": 2})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("struct and map encodings must hash identically: %s vs %s", h1, h2)
	}
}

func TestLogger_ChainsEntries(t *testing.T) {
	mem := &memChains{}
	logger := NewLogger(mem)
	ctx := context.Background()

	first, err := logger.LogEvent(ctx, api.EventSystemStarted, nil, EventContext{})
	if err != nil {
		t.Fatal(err)
	}
	if first.PreviousHash != "genesis" {
		t.Errorf("first entry must chain from genesis, got %q", first.PreviousHash)
	}

	second, err := logger.LogEvent(ctx, api.EventRequestBlocked, map[string]any{"domain": "x.example"}, EventContext{
		AgentID: "agent-1", RequestID: "req-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.PreviousHash != first.EntryHash {
		t.Error("second entry must chain from the first entry's hash")
	}

	report, err := logger.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid || report.TotalEntries != 2 {
		t.Errorf("expected valid 2-entry chain, got %+v", report)
	}
}

func TestLogger_DetectsTampering(t *testing.T) {
	mem := &memChains{}
	logger := NewLogger(mem)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := logger.LogEvent(ctx, api.EventRequestAllowed, map[string]any{"n": i}, EventContext{}); err != nil {
			t.Fatal(err)
		}
	}

	mem.entries[1].Details = `{"n":99}`

	report, err := logger.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Valid {
		t.Fatal("tampered chain must not verify")
	}
	if report.BrokenAtID != mem.entries[1].ID {
		t.Errorf("expected break at entry 1, got %s", report.BrokenAtID)
	}
}

func TestLogger_DetectsReordering(t *testing.T) {
	mem := &memChains{}
	logger := NewLogger(mem)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := logger.LogEvent(ctx, api.EventRequestAllowed, map[string]any{"n": i}, EventContext{}); err != nil {
			t.Fatal(err)
		}
	}

	mem.entries[0], mem.entries[1] = mem.entries[1], mem.entries[0]

	report, err := logger.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Valid {
		t.Fatal("reordered chain must not verify")
	}
}

func TestReceipts_IndependentChain(t *testing.T) {
	mem := &memChains{}
	logger := NewLogger(mem)
	receipts := NewReceipts(mem)
	ctx := context.Background()

	if _, err := logger.LogEvent(ctx, api.EventSystemStarted, nil, EventContext{}); err != nil {
		t.Fatal(err)
	}

	first, err := receipts.Generate(ctx, ReceiptInput{
		RequestID:   "req-1",
		RequestHash: "h1",
		Decision:    api.ActionAllow,
		Reason:      "within policy",
	})
	if err != nil {
		t.Fatal(err)
	}
	second, err := receipts.Generate(ctx, ReceiptInput{
		RequestID:    "req-2",
		RequestHash:  "h2",
		Decision:     api.ActionBlock,
		Reason:       "secret detected",
		PolicyRuleID: "secret:detected",
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.ChainHash == second.ChainHash {
		t.Error("consecutive receipts must differ")
	}

	report, err := receipts.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid || report.TotalEntries != 2 {
		t.Errorf("expected valid 2-receipt chain, got %+v", report)
	}

	// Tampering with a receipt decision breaks the receipt chain but leaves
	// the audit chain intact.
	mem.receipts[1].Decision = api.ActionAllow
	report, err = receipts.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Valid {
		t.Fatal("tampered receipt chain must not verify")
	}

	auditReport, err := logger.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !auditReport.Valid {
		t.Error("audit chain must be unaffected by receipt tampering")
	}
}

func TestReceipts_Timestamps(t *testing.T) {
	mem := &memChains{}
	receipts := NewReceipts(mem)

	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	receipt, err := receipts.Generate(context.Background(), ReceiptInput{
		RequestID: "req-1", RequestHash: "h", Decision: api.ActionAllow, Reason: "ok", Timestamp: fixed,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !receipt.Timestamp.Equal(fixed) {
		t.Errorf("expected supplied timestamp to be kept, got %v", receipt.Timestamp)
	}
}
