package engine

import (
	"testing"

	"github.com/wardgate/wardgate/api"
	"github.com/wardgate/wardgate/internal/policy"
)

func basePolicy() *policy.Effective {
	pol := policy.Defaults()
	pol.Global.NewDomainAction = api.ActionAllow
	pol.Agents.UnknownAgent.Action = api.ActionAllow
	return pol
}

func baseManifest() *api.Manifest {
	return &api.Manifest{
		Who: api.Who{
			AgentID:     "agent-1",
			AgentName:   "claude-code",
			ProcessName: "claude",
			PID:         4242,
		},
		What: api.What{
			Method:   "POST",
			URL:      "https://api.example.com/v1/data",
			Domain:   "api.example.com",
			BodySize: 128,
		},
		Where: api.Where{
			Domain:       "api.example.com",
			Port:         443,
			DomainStatus: api.DomainUnknown,
		},
	}
}

func TestEvaluateDeniedDomain(t *testing.T) {
	pol := basePolicy()
	pol.Domains.Denied = []string{"*.evil.example"}

	manifest := baseManifest()
	manifest.Where.Domain = "api.evil.example"

	decision := New(nil).Evaluate(pol, manifest)
	if decision.Action != api.ActionBlock {
		t.Errorf("expected block, got %s", decision.Action)
	}
	if decision.PolicyRuleID != "domain:deny:*.evil.example" {
		t.Errorf("expected rule domain:deny:*.evil.example, got %s", decision.PolicyRuleID)
	}
	if decision.Source != api.SourcePolicy {
		t.Errorf("expected source policy, got %s", decision.Source)
	}
	if len(decision.Violations) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(decision.Violations))
	}
	if decision.Violations[0].Severity != api.SeverityCritical {
		t.Errorf("expected critical severity, got %s", decision.Violations[0].Severity)
	}
}

func TestEvaluateApprovalDomain(t *testing.T) {
	pol := basePolicy()
	pol.Domains.RequireApproval = []string{"upload.example.com"}

	manifest := baseManifest()
	manifest.Where.Domain = "upload.example.com"

	decision := New(nil).Evaluate(pol, manifest)
	if decision.Action != api.ActionRequireApproval {
		t.Errorf("expected require_approval, got %s", decision.Action)
	}
	if decision.PolicyRuleID != "domain:approval:upload.example.com" {
		t.Errorf("unexpected rule id %s", decision.PolicyRuleID)
	}
}

func TestEvaluateDenyWinsOverApproval(t *testing.T) {
	pol := basePolicy()
	pol.Domains.Denied = []string{"both.example.com"}
	pol.Domains.RequireApproval = []string{"both.example.com"}

	manifest := baseManifest()
	manifest.Where.Domain = "both.example.com"

	decision := New(nil).Evaluate(pol, manifest)
	if decision.Action != api.ActionBlock {
		t.Errorf("expected block, got %s", decision.Action)
	}
}

func TestEvaluateGlobalBodyLimit(t *testing.T) {
	pol := basePolicy()
	manifest := baseManifest()
	manifest.What.BodySize = pol.Global.MaxRequestBodyBytes + 1

	decision := New(nil).Evaluate(pol, manifest)
	if decision.Action != api.ActionBlock {
		t.Errorf("expected block, got %s", decision.Action)
	}
	if decision.PolicyRuleID != "payload:max-body" {
		t.Errorf("expected rule payload:max-body, got %s", decision.PolicyRuleID)
	}
}

func TestEvaluateProfileBodyLimit(t *testing.T) {
	pol := basePolicy()
	pol.Agents.Profiles = []policy.ResolvedProfile{
		{Name: "claude-code", ProcessPatterns: []string{"claude"}, MaxBodyBytes: 512},
	}

	manifest := baseManifest()
	manifest.What.BodySize = 1024

	decision := New(nil).Evaluate(pol, manifest)
	if decision.Action != api.ActionBlock {
		t.Errorf("expected block, got %s", decision.Action)
	}
	if decision.PolicyRuleID != "agent:claude-code:max-body" {
		t.Errorf("unexpected rule id %s", decision.PolicyRuleID)
	}
}

func TestEvaluateUnknownAgentBodyLimit(t *testing.T) {
	pol := basePolicy()
	pol.Agents.UnknownAgent.MaxBodyBytes = 256

	manifest := baseManifest()
	manifest.Who.ProcessName = "mystery-binary"
	manifest.What.BodySize = 512

	decision := New(nil).Evaluate(pol, manifest)
	if decision.Action != api.ActionBlock {
		t.Errorf("expected block, got %s", decision.Action)
	}
	if decision.PolicyRuleID != "agent:unknown:max-body" {
		t.Errorf("unexpected rule id %s", decision.PolicyRuleID)
	}
}

func TestEvaluateSecretsBlock(t *testing.T) {
	pol := basePolicy()
	pol.Secrets.Action = "block"

	manifest := baseManifest()
	manifest.Why.SecretsDetected = []api.SecretMatch{{Type: "AWS Access Key", Detector: "pattern"}}

	decision := New(nil).Evaluate(pol, manifest)
	if decision.Action != api.ActionBlock {
		t.Errorf("expected block, got %s", decision.Action)
	}
	if decision.PolicyRuleID != "secret:detected" {
		t.Errorf("unexpected rule id %s", decision.PolicyRuleID)
	}
	if decision.Reason != "Outbound content contains secrets." {
		t.Errorf("unexpected reason %q", decision.Reason)
	}
	if decision.Violations[len(decision.Violations)-1].Severity != api.SeverityCritical {
		t.Errorf("expected critical severity for blocking secrets policy")
	}
}

func TestEvaluateSecretsAlertRequiresApproval(t *testing.T) {
	pol := basePolicy()
	pol.Secrets.Action = "alert"

	manifest := baseManifest()
	manifest.Why.SecretsDetected = []api.SecretMatch{{Type: "GitHub Token", Detector: "pattern"}}

	decision := New(nil).Evaluate(pol, manifest)
	if decision.Action != api.ActionRequireApproval {
		t.Errorf("expected require_approval, got %s", decision.Action)
	}
	if decision.Reason != "Outbound content contains secrets and requires review." {
		t.Errorf("unexpected reason %q", decision.Reason)
	}
}

func TestEvaluateSecretsDisabledIgnored(t *testing.T) {
	pol := basePolicy()
	pol.Secrets.Enabled = false

	manifest := baseManifest()
	manifest.Why.SecretsDetected = []api.SecretMatch{{Type: "AWS Access Key"}}

	decision := New(nil).Evaluate(pol, manifest)
	if decision.Action != api.ActionAllow {
		t.Errorf("expected allow, got %s", decision.Action)
	}
}

func TestEvaluateUnknownAgentFirstRequest(t *testing.T) {
	pol := basePolicy()
	pol.Agents.UnknownAgent.Action = api.ActionRequireApproval

	manifest := baseManifest()
	manifest.Who.ProcessName = "mystery-binary"
	manifest.Where.IsFirstContact = true

	decision := New(nil).Evaluate(pol, manifest)
	if decision.Action != api.ActionRequireApproval {
		t.Errorf("expected require_approval, got %s", decision.Action)
	}
	if decision.PolicyRuleID != "agent:unknown:first-request" {
		t.Errorf("unexpected rule id %s", decision.PolicyRuleID)
	}
}

func TestEvaluateFirstContactNewDomain(t *testing.T) {
	pol := basePolicy()
	pol.Global.NewDomainAction = api.ActionBlock

	manifest := baseManifest()
	manifest.Where.IsFirstContact = true

	decision := New(nil).Evaluate(pol, manifest)
	if decision.Action != api.ActionBlock {
		t.Errorf("expected block, got %s", decision.Action)
	}
	if decision.PolicyRuleID != "domain:first-contact" {
		t.Errorf("unexpected rule id %s", decision.PolicyRuleID)
	}
	if decision.Source != api.SourceDomain {
		t.Errorf("expected source domain, got %s", decision.Source)
	}
	if decision.Violations[len(decision.Violations)-1].Severity != api.SeverityCritical {
		t.Errorf("expected critical severity when new domain action is block")
	}
}

func TestEvaluateMatchedAgentSkipsUnknownFirstRequest(t *testing.T) {
	pol := basePolicy()
	pol.Agents.UnknownAgent.Action = api.ActionBlock
	pol.Agents.Profiles = []policy.ResolvedProfile{
		{Name: "claude-code", ProcessPatterns: []string{"claude"}, MaxBodyBytes: 1024 * 1024},
	}

	manifest := baseManifest()
	manifest.Where.IsFirstContact = true

	decision := New(nil).Evaluate(pol, manifest)
	if decision.PolicyRuleID == "agent:unknown:first-request" {
		t.Errorf("matched profile should not trip the unknown agent rule")
	}
	// NewDomainAction is allow here, so the request falls through to default.
	if decision.Action != api.ActionAllow {
		t.Errorf("expected allow, got %s", decision.Action)
	}
}

func TestEvaluateRateLimitViolation(t *testing.T) {
	pol := basePolicy()
	manifest := baseManifest()
	manifest.Why.PolicyViolations = []api.PolicyViolation{{
		RuleID:   "agent:agent-1:minute",
		Category: "rate_limit",
		Message:  "Agent exceeded requests per minute.",
		Severity: api.SeverityMedium,
	}}

	decision := New(nil).Evaluate(pol, manifest)
	if decision.Action != api.ActionThrottle {
		t.Errorf("expected throttle, got %s", decision.Action)
	}
	if decision.PolicyRuleID != "agent:agent-1:minute" {
		t.Errorf("unexpected rule id %s", decision.PolicyRuleID)
	}
	if decision.Source != api.SourceRateLimit {
		t.Errorf("expected source rate_limit, got %s", decision.Source)
	}
	if decision.Reason != "Agent exceeded requests per minute." {
		t.Errorf("unexpected reason %q", decision.Reason)
	}
}

func TestEvaluateIntentEscalation(t *testing.T) {
	pol := basePolicy()
	manifest := baseManifest()
	manifest.Why.PolicyViolations = []api.PolicyViolation{{
		RuleID:   "intent:mismatch",
		Category: "intent",
		Message:  "Request intent diverges from the declared task.",
		Severity: api.SeverityHigh,
	}}

	decision := New(nil).Evaluate(pol, manifest)
	if decision.Action != api.ActionRequireApproval {
		t.Errorf("expected require_approval, got %s", decision.Action)
	}
	if decision.Source != api.SourceIntent {
		t.Errorf("expected source intent, got %s", decision.Source)
	}
}

func TestEvaluateLowSeverityIntentIgnored(t *testing.T) {
	pol := basePolicy()
	manifest := baseManifest()
	manifest.Why.PolicyViolations = []api.PolicyViolation{{
		RuleID:   "intent:mismatch",
		Category: "intent",
		Message:  "Mild drift from the declared task.",
		Severity: api.SeverityLow,
	}}

	decision := New(nil).Evaluate(pol, manifest)
	if decision.Action != api.ActionAllow {
		t.Errorf("expected allow, got %s", decision.Action)
	}
}

func TestEvaluateDefaultAction(t *testing.T) {
	pol := basePolicy()
	decision := New(nil).Evaluate(pol, baseManifest())
	if decision.Action != api.ActionAllow {
		t.Errorf("expected allow, got %s", decision.Action)
	}
	if decision.Reason != "Request complies with active policy rules." {
		t.Errorf("unexpected reason %q", decision.Reason)
	}
	if decision.PolicyRuleID != "" {
		t.Errorf("expected empty rule id, got %s", decision.PolicyRuleID)
	}
	if len(decision.Violations) != 0 {
		t.Errorf("expected no violations, got %d", len(decision.Violations))
	}
}

func TestEvaluatePreservesExistingViolations(t *testing.T) {
	pol := basePolicy()
	pol.Domains.Denied = []string{"evil.example"}

	manifest := baseManifest()
	manifest.Where.Domain = "evil.example"
	manifest.Why.PolicyViolations = []api.PolicyViolation{{
		RuleID:   "agent:agent-1:minute",
		Category: "rate_limit",
		Message:  "Agent exceeded requests per minute.",
		Severity: api.SeverityMedium,
	}}

	decision := New(nil).Evaluate(pol, manifest)
	if decision.Action != api.ActionBlock {
		t.Errorf("deny rule should win over the rate limit stage, got %s", decision.Action)
	}
	if len(decision.Violations) != 2 {
		t.Errorf("expected 2 violations, got %d", len(decision.Violations))
	}
}

func TestMatchProfileCaseInsensitiveLiteral(t *testing.T) {
	pol := basePolicy()
	pol.Agents.Profiles = []policy.ResolvedProfile{
		{Name: "cursor", ProcessPatterns: []string{"Cursor"}, MaxBodyBytes: 1024},
		{Name: "aider", ProcessPatterns: []string{"aider"}, MaxBodyBytes: 2048},
	}

	if got := MatchProfile(pol, "cursor-helper"); got == nil || got.Name != "cursor" {
		t.Fatalf("expected cursor profile, got %+v", got)
	}
	// Patterns are literals: regex metacharacters must not be interpreted.
	pol.Agents.Profiles[0].ProcessPatterns = []string{"cur.or"}
	if got := MatchProfile(pol, "cursor"); got != nil && got.Name == "cursor" {
		t.Errorf("dot should not act as a wildcard in process patterns")
	}
	if got := MatchProfile(pol, "unknown"); got != nil {
		t.Errorf("expected no profile match, got %+v", got)
	}
}
