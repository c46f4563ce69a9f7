package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/wardgate/wardgate/api"
)

const validPolicyYAML = `version: "1.0"
name: Test Policy
priority: 50
global:
  default_action: allow
  max_request_body_bytes: 2097152
domains:
  allowed:
    - "*.github.com"
    - api.anthropic.com
  denied:
    - "*.evil.example"
secrets:
  patterns:
    - name: aws_access_key
      pattern: "AKIA[0-9A-Z]{16}"
`

func TestValidate_CollectsAllErrors(t *testing.T) {
	result := Validate("version: \"1.0\"\n")
	if result.Valid {
		t.Fatal("expected invalid result")
	}
	if len(result.Errors) != 4 {
		t.Errorf("expected 4 errors, got %d: %v", len(result.Errors), result.Errors)
	}
}

func TestValidate_ValidDocument(t *testing.T) {
	result := Validate(validPolicyYAML)
	if !result.Valid {
		t.Fatalf("expected valid policy, got errors: %v", result.Errors)
	}
}

func TestValidate_NotYAML(t *testing.T) {
	result := Validate("{{{")
	if result.Valid {
		t.Fatal("expected invalid result")
	}
	if len(result.Errors) != 1 {
		t.Errorf("expected a single parse error, got %v", result.Errors)
	}
}

func TestLoadBytes_AssignsDefaults(t *testing.T) {
	l, err := LoadBytes([]byte(validPolicyYAML))
	if err != nil {
		t.Fatal(err)
	}
	if l.ID == "" {
		t.Error("expected a generated policy ID")
	}
	if l.Priority != 50 {
		t.Errorf("expected priority 50, got %d", l.Priority)
	}

	noPriority := `version: "1.0"
name: Minimal
global:
  default_action: allow
domains:
  allowed: []
  denied: []
secrets:
  patterns: []
`
	l, err = LoadBytes([]byte(noPriority))
	if err != nil {
		t.Fatal(err)
	}
	if l.Priority != 100 {
		t.Errorf("expected default priority 100, got %d", l.Priority)
	}
}

func TestLoadDir_OneBadFileFailsAll(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(validPolicyYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("name: broken\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := LoadDir(dir)
	if err == nil {
		t.Fatal("expected load to fail when one file is invalid")
	}
}

func TestLoadDir_CreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "policies")
	loaded, err := LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 0 {
		t.Errorf("expected no policies, got %d", len(loaded))
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("expected directory to be created: %v", err)
	}
}

func TestMerge_DefaultsWhenEmpty(t *testing.T) {
	e := Merge(nil)

	if e.Global.DefaultAction != api.ActionAllow {
		t.Errorf("expected default action allow, got %s", e.Global.DefaultAction)
	}
	if e.Global.MaxRequestBodyBytes != 10*1024*1024 {
		t.Errorf("expected 10MB body limit, got %d", e.Global.MaxRequestBodyBytes)
	}
	if e.RateLimits.PerAgent.RequestsPerMinute != 120 {
		t.Errorf("expected 120 req/min per agent, got %d", e.RateLimits.PerAgent.RequestsPerMinute)
	}
	if e.RateLimits.PerDomain.RequestsPerHour != 1000 {
		t.Errorf("expected 1000 req/hour per domain, got %d", e.RateLimits.PerDomain.RequestsPerHour)
	}
	if e.Agents.UnknownAgent.Action != api.ActionRequireApproval {
		t.Errorf("expected unknown agent require_approval, got %s", e.Agents.UnknownAgent.Action)
	}
	if !e.Secrets.Enabled || e.Secrets.Entropy.MinEntropy != 4.5 {
		t.Error("expected secret detection enabled with entropy threshold 4.5")
	}
}

func TestMerge_HigherPriorityWinsScalars(t *testing.T) {
	low, err := LoadBytes([]byte(`version: "1.0"
name: Base
priority: 10
global:
  default_action: allow
  max_request_body_bytes: 1000
domains:
  allowed: ["a.example"]
  denied: []
secrets:
  patterns: []
`))
	if err != nil {
		t.Fatal(err)
	}
	high, err := LoadBytes([]byte(`version: "1.0"
name: Override
priority: 200
global:
  default_action: block
domains:
  allowed: ["b.example"]
  denied: ["c.example"]
secrets:
  patterns:
    - name: x
      pattern: "x+"
`))
	if err != nil {
		t.Fatal(err)
	}

	// Order of the slice must not matter; priority does.
	e := Merge([]*Loaded{high, low})

	if e.Global.DefaultAction != api.ActionBlock {
		t.Errorf("expected block from higher priority, got %s", e.Global.DefaultAction)
	}
	// Scalar set only by the lower-priority document still survives.
	if e.Global.MaxRequestBodyBytes != 1000 {
		t.Errorf("expected body limit 1000 from lower priority, got %d", e.Global.MaxRequestBodyBytes)
	}
	if len(e.Domains.Allowed) != 2 {
		t.Errorf("expected allowed lists concatenated, got %v", e.Domains.Allowed)
	}
	if len(e.Secrets.Patterns) != 1 {
		t.Errorf("expected 1 secret pattern, got %d", len(e.Secrets.Patterns))
	}
	if e.Name != "Override" {
		t.Errorf("expected name from higher priority, got %s", e.Name)
	}
}

func TestMerge_ProfileBodyLimitDefault(t *testing.T) {
	l, err := LoadBytes([]byte(`version: "1.0"
name: Agents
global:
  default_action: allow
domains:
  allowed: []
  denied: []
secrets:
  patterns: []
agents:
  profiles:
    - name: cursor
      process_patterns: ["*cursor*"]
    - name: aider
      process_patterns: ["*aider*"]
      max_body_bytes: 4096
`))
	if err != nil {
		t.Fatal(err)
	}

	e := Merge([]*Loaded{l})
	if len(e.Agents.Profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(e.Agents.Profiles))
	}
	if e.Agents.Profiles[0].MaxBodyBytes != 1024*1024 {
		t.Errorf("expected default 1MB profile limit, got %d", e.Agents.Profiles[0].MaxBodyBytes)
	}
	if e.Agents.Profiles[1].MaxBodyBytes != 4096 {
		t.Errorf("expected explicit 4096 limit, got %d", e.Agents.Profiles[1].MaxBodyBytes)
	}
}

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"*.github.com", "api.github.com", true},
		{"*.github.com", "github.com", false},
		{"api.github.com", "API.GITHUB.COM", true},
		{"*", "anything.example", true},
		{"api.*.com", "api.internal.com", true},
		{"a+b.example", "a+b.example", true},
		{"a+b.example", "aab.example", false},
	}
	for _, c := range cases {
		if got := MatchGlob(c.pattern, c.value); got != c.want {
			t.Errorf("MatchGlob(%q, %q) = %v, want %v", c.pattern, c.value, got, c.want)
		}
	}
}

func TestStore_LoadAndMerged(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "base.yaml"), []byte(validPolicyYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	store := NewStore(dir, nil)
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}

	merged := store.Merged()
	if merged.Name != "Test Policy" {
		t.Errorf("expected merged name Test Policy, got %s", merged.Name)
	}
	if merged.Global.MaxRequestBodyBytes != 2097152 {
		t.Errorf("expected 2MB body limit, got %d", merged.Global.MaxRequestBodyBytes)
	}
	if docs := store.Documents(); len(docs) != 1 {
		t.Errorf("expected 1 document, got %d", len(docs))
	}
}

func TestStore_LoadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(path, []byte(validPolicyYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	store := NewStore(dir, nil)
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("name: broken\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := store.Load(); err == nil {
		t.Fatal("expected reload to fail")
	}
	if store.Merged().Name != "Test Policy" {
		t.Error("expected previous merged policy to survive a failed reload")
	}
}
