// Package engine turns a fully populated request manifest into one policy
// decision. Evaluation is an ordered cascade that stops at the first matching
// rule; every branch appends a violation so the manifest carries its full
// justification even when the outcome is allow.
package engine

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/wardgate/wardgate/api"
	"github.com/wardgate/wardgate/internal/policy"
)

// Engine evaluates manifests against the merged effective policy.
type Engine struct {
	logger *slog.Logger
}

// New returns an Engine. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// MatchProfile returns the first agent profile whose process patterns match
// the given process name, or nil when none do. Patterns are treated as
// case-insensitive literals, not regular expressions.
func MatchProfile(pol *policy.Effective, processName string) *policy.ResolvedProfile {
	for i := range pol.Agents.Profiles {
		profile := &pol.Agents.Profiles[i]
		for _, pattern := range profile.ProcessPatterns {
			re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(pattern))
			if err != nil {
				continue
			}
			if re.MatchString(processName) {
				return profile
			}
		}
	}
	return nil
}

// Evaluate applies the rule cascade to one manifest. Order matters: denied
// domains, approval domains, body-size ceilings, secret findings, unknown
// agents, first contact, rate limits, intent escalation, then the global
// default. The returned decision carries the manifest's prior violations plus
// any appended by the stage that fired.
func (e *Engine) Evaluate(pol *policy.Effective, manifest *api.Manifest) api.PolicyDecision {
	violations := make([]api.PolicyViolation, 0, len(manifest.Why.PolicyViolations)+1)
	violations = append(violations, manifest.Why.PolicyViolations...)
	anomalies := make([]api.AnomalyFlag, 0, len(manifest.Why.Anomalies))
	anomalies = append(anomalies, manifest.Why.Anomalies...)

	domain := manifest.Where.Domain
	profile := MatchProfile(pol, manifest.Who.ProcessName)

	decide := func(action api.Action, reason, ruleID string, source api.DecisionSource) api.PolicyDecision {
		return api.PolicyDecision{
			Action:       action,
			Reason:       reason,
			PolicyRuleID: ruleID,
			Source:       source,
			Violations:   violations,
			Anomalies:    anomalies,
		}
	}

	for _, pattern := range pol.Domains.Denied {
		if !policy.MatchGlob(pattern, domain) {
			continue
		}
		ruleID := "domain:deny:" + pattern
		violations = append(violations, api.PolicyViolation{
			RuleID:   ruleID,
			Category: "domain",
			Message:  fmt.Sprintf("Destination %s is denied by policy pattern %s.", domain, pattern),
			Severity: api.SeverityCritical,
		})
		return decide(api.ActionBlock, fmt.Sprintf("Blocked by denied domain rule %s.", pattern), ruleID, api.SourcePolicy)
	}

	for _, pattern := range pol.Domains.RequireApproval {
		if !policy.MatchGlob(pattern, domain) {
			continue
		}
		ruleID := "domain:approval:" + pattern
		violations = append(violations, api.PolicyViolation{
			RuleID:   ruleID,
			Category: "domain",
			Message:  fmt.Sprintf("Destination %s requires approval due to policy pattern %s.", domain, pattern),
			Severity: api.SeverityHigh,
		})
		return decide(api.ActionRequireApproval, fmt.Sprintf("Destination %s matches approval rule %s.", domain, pattern), ruleID, api.SourcePolicy)
	}

	if manifest.What.BodySize > pol.Global.MaxRequestBodyBytes {
		violations = append(violations, api.PolicyViolation{
			RuleID:   "payload:max-body",
			Category: "payload",
			Message:  fmt.Sprintf("Payload size %d exceeds configured global limit.", manifest.What.BodySize),
			Severity: api.SeverityCritical,
		})
		return decide(api.ActionBlock, "Payload exceeded the configured maximum request body size.", "payload:max-body", api.SourcePolicy)
	}

	if profile != nil && manifest.What.BodySize > profile.MaxBodyBytes {
		ruleID := fmt.Sprintf("agent:%s:max-body", profile.Name)
		violations = append(violations, api.PolicyViolation{
			RuleID:   ruleID,
			Category: "agent",
			Message:  fmt.Sprintf("Payload exceeds %s profile limit.", profile.Name),
			Severity: api.SeverityHigh,
		})
		return decide(api.ActionBlock, fmt.Sprintf("Payload exceeds the %s profile body limit.", profile.Name), ruleID, api.SourcePolicy)
	}

	if profile == nil && manifest.What.BodySize > pol.Agents.UnknownAgent.MaxBodyBytes {
		violations = append(violations, api.PolicyViolation{
			RuleID:   "agent:unknown:max-body",
			Category: "agent",
			Message:  "Payload exceeds the unknown agent body limit.",
			Severity: api.SeverityHigh,
		})
		return decide(api.ActionBlock, "Payload exceeds the unknown agent body limit.", "agent:unknown:max-body", api.SourcePolicy)
	}

	if len(manifest.Why.SecretsDetected) > 0 && pol.Secrets.Enabled {
		action := api.ActionRequireApproval
		severity := api.SeverityHigh
		reason := "Outbound content contains secrets and requires review."
		if pol.Secrets.Action == "block" {
			action = api.ActionBlock
			severity = api.SeverityCritical
			reason = "Outbound content contains secrets."
		}
		violations = append(violations, api.PolicyViolation{
			RuleID:   "secret:detected",
			Category: "secret",
			Message:  fmt.Sprintf("Detected %d potential secrets in outbound content.", len(manifest.Why.SecretsDetected)),
			Severity: severity,
		})
		return decide(action, reason, "secret:detected", api.SourcePolicy)
	}

	if profile == nil && pol.Agents.UnknownAgent.Action != api.ActionAllow && manifest.Where.IsFirstContact {
		violations = append(violations, api.PolicyViolation{
			RuleID:   "agent:unknown:first-request",
			Category: "agent",
			Message:  "Unrecognized agent is making its first observed request.",
			Severity: api.SeverityMedium,
		})
		return decide(pol.Agents.UnknownAgent.Action, "Unknown agent requires approval on first contact.", "agent:unknown:first-request", api.SourcePolicy)
	}

	if manifest.Where.IsFirstContact && pol.Global.NewDomainAction != api.ActionAllow {
		severity := api.SeverityHigh
		if pol.Global.NewDomainAction == api.ActionBlock {
			severity = api.SeverityCritical
		}
		violations = append(violations, api.PolicyViolation{
			RuleID:   "domain:first-contact",
			Category: "domain",
			Message:  fmt.Sprintf("Destination %s has not been seen before.", domain),
			Severity: severity,
		})
		return decide(pol.Global.NewDomainAction, fmt.Sprintf("First contact with %s requires review.", domain), "domain:first-contact", api.SourceDomain)
	}

	for _, violation := range violations {
		if violation.Category == "rate_limit" {
			return decide(api.ActionThrottle, violation.Message, violation.RuleID, api.SourceRateLimit)
		}
	}

	for _, violation := range violations {
		if violation.Category != "intent" {
			continue
		}
		if violation.Severity == api.SeverityHigh || violation.Severity == api.SeverityCritical {
			return decide(api.ActionRequireApproval, violation.Message, violation.RuleID, api.SourceIntent)
		}
	}

	return decide(pol.Global.DefaultAction, "Request complies with active policy rules.", "", api.SourcePolicy)
}
