package api

import "time"

// Action is the outcome of a policy decision for one intercepted request.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionBlock           Action = "block"
	ActionRequireApproval Action = "require_approval"
	ActionThrottle        Action = "throttle"
)

// DomainStatus describes how a destination domain is currently classified.
type DomainStatus string

const (
	DomainAllowed         DomainStatus = "allowed"
	DomainDenied          DomainStatus = "denied"
	DomainPendingApproval DomainStatus = "pending_approval"
	DomainUnknown         DomainStatus = "unknown"
)

// AddedBy records which authority classified a domain. User-set records are
// sticky: policy-derived updates never overwrite them.
type AddedBy string

const (
	AddedByPolicy AddedBy = "policy"
	AddedByUser   AddedBy = "user"
	AddedByAuto   AddedBy = "auto"
)

// AgentStatus is the lifecycle state of an observed agent process.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentInactive AgentStatus = "inactive"
	AgentKilled   AgentStatus = "killed"
)

// Severity grades policy violations and anomalies.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// DecisionSource names the evaluation stage a decision came from.
type DecisionSource string

const (
	SourcePolicy    DecisionSource = "policy"
	SourceDomain    DecisionSource = "domain"
	SourceRateLimit DecisionSource = "rate_limit"
	SourceIntent    DecisionSource = "intent"
	SourceSystem    DecisionSource = "system"
)

// EventType enumerates audit log events.
type EventType string

const (
	EventRequestAllowed    EventType = "request_allowed"
	EventRequestBlocked    EventType = "request_blocked"
	EventRequestThrottled  EventType = "request_throttled"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalGranted   EventType = "approval_granted"
	EventApprovalDenied    EventType = "approval_denied"
	EventAgentDetected     EventType = "agent_detected"
	EventSecretDetected    EventType = "secret_detected"
	EventIntentMismatch    EventType = "intent_mismatch"
	EventDomainAdded       EventType = "domain_added"
	EventConfigChanged     EventType = "config_changed"
	EventSystemStarted     EventType = "system_started"
	EventSystemStopped     EventType = "system_stopped"
)

// SecretLocation says which part of the request a secret match was found in.
type SecretLocation string

const (
	LocationHeaders SecretLocation = "headers"
	LocationBody    SecretLocation = "body"
)

// Encoding names the candidate view a secret match came from.
type Encoding string

const (
	EncodingPlain      Encoding = "plain"
	EncodingBase64     Encoding = "base64"
	EncodingURLEncoded Encoding = "urlencoded"
)

// SecretMatch is one detected secret. The raw value is never stored; only a
// redacted preview survives.
type SecretMatch struct {
	Type       string         `json:"type"`
	Detector   string         `json:"detector"` // "pattern" or "entropy"
	Redacted   string         `json:"redacted"`
	Location   SecretLocation `json:"location"`
	Start      int            `json:"start"`
	End        int            `json:"end"`
	Confidence float64        `json:"confidence"`
	Encoding   Encoding       `json:"encoding"`
}

// PolicyViolation records why a rule fired, even on allow paths.
type PolicyViolation struct {
	RuleID   string   `json:"rule_id"`
	Category string   `json:"category"` // domain, secret, rate_limit, agent, payload, intent
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// AnomalyFlag is soft evidence that never decides an action on its own.
type AnomalyFlag struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// IntentResult is the output of the optional intent-analysis collaborator.
type IntentResult struct {
	Provider      string    `json:"provider"` // disabled, anthropic, ollama
	Model         string    `json:"model"`
	MismatchScore float64   `json:"mismatch_score"`
	Reasoning     string    `json:"reasoning"`
	AnalyzedAt    time.Time `json:"analyzed_at"`
}

// Who identifies the calling agent.
type Who struct {
	AgentID     string `json:"agent_id"`
	AgentName   string `json:"agent_name"`
	ProcessName string `json:"process_name"`
	PID         int    `json:"pid"`
}

// What describes the request itself.
type What struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	Domain      string `json:"domain"`
	BodySize    int    `json:"body_size"`
	BodyHash    string `json:"body_hash"`
	ContentType string `json:"content_type"`
	BodyPreview string `json:"body_preview,omitempty"`
}

// Where describes the destination context.
type Where struct {
	Domain         string       `json:"domain"`
	Port           int          `json:"port"`
	DomainStatus   DomainStatus `json:"domain_status"`
	IsFirstContact bool         `json:"is_first_contact"`
}

// Why aggregates the evidence gathered before the decision.
type Why struct {
	SecretsDetected  []SecretMatch     `json:"secrets_detected"`
	PolicyViolations []PolicyViolation `json:"policy_violations"`
	Anomalies        []AnomalyFlag     `json:"anomalies"`
	IntentAnalysis   *IntentResult     `json:"intent_analysis,omitempty"`
}

// Risk is the computed threat assessment.
type Risk struct {
	ThreatScore float64  `json:"threat_score"`
	Factors     []string `json:"factors"`
}

// Decision finalizes a manifest.
type Decision struct {
	Action       Action    `json:"action"`
	Reason       string    `json:"reason"`
	PolicyRuleID string    `json:"policy_rule_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	ReceiptHash  string    `json:"receipt_hash"`
}

// Manifest is the per-request aggregate every decision is made over. It is
// mutated in place while evidence accumulates and frozen once persisted.
type Manifest struct {
	Who      Who      `json:"who"`
	What     What     `json:"what"`
	Where    Where    `json:"where"`
	Why      Why      `json:"why"`
	Risk     Risk     `json:"risk"`
	Decision Decision `json:"decision"`
}

// PolicyDecision is the engine's verdict before persistence.
type PolicyDecision struct {
	Action       Action            `json:"action"`
	Reason       string            `json:"reason"`
	PolicyRuleID string            `json:"policy_rule_id,omitempty"`
	Source       DecisionSource    `json:"source"`
	Violations   []PolicyViolation `json:"violations"`
	Anomalies    []AnomalyFlag     `json:"anomalies"`
}

// RateLimitResult is the outcome of a limiter check.
type RateLimitResult struct {
	Allowed           bool   `json:"allowed"`
	Action            Action `json:"action"`
	Reason            string `json:"reason"`
	ExceededKey       string `json:"exceeded_key,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// AgentRecord is the persisted view of an agent.
type AgentRecord struct {
	ID              string      `json:"id" db:"id"`
	Name            string      `json:"name" db:"name"`
	ProcessName     string      `json:"process_name" db:"process_name"`
	PID             int         `json:"pid" db:"pid"`
	FirstSeen       time.Time   `json:"first_seen" db:"first_seen"`
	LastSeen        time.Time   `json:"last_seen" db:"last_seen"`
	Status          AgentStatus `json:"status" db:"status"`
	TotalRequests   int         `json:"total_requests" db:"total_requests"`
	BlockedRequests int         `json:"blocked_requests" db:"blocked_requests"`
	ThreatScore     float64     `json:"threat_score" db:"threat_score"`
}

// RequestRecord is the persisted view of one intercepted request.
type RequestRecord struct {
	ID               string    `json:"id" db:"id"`
	AgentID          string    `json:"agent_id" db:"agent_id"`
	Timestamp        time.Time `json:"timestamp" db:"timestamp"`
	Method           string    `json:"method" db:"method"`
	URL              string    `json:"url" db:"url"`
	Domain           string    `json:"domain" db:"domain"`
	Port             int       `json:"port" db:"port"`
	RequestHeaders   string    `json:"request_headers" db:"request_headers"`
	BodySize         int       `json:"body_size" db:"body_size"`
	BodyHash         string    `json:"body_hash" db:"body_hash"`
	BodyPreview      string    `json:"body_preview" db:"body_preview"`
	ResponseStatus   int       `json:"response_status" db:"response_status"`
	ResponseBodySize int       `json:"response_body_size" db:"response_body_size"`
	Decision         Action    `json:"decision" db:"decision"`
	DecisionReason   string    `json:"decision_reason" db:"decision_reason"`
	PolicyRuleID     string    `json:"policy_rule_id" db:"policy_rule_id"`
	ThreatScore      float64   `json:"threat_score" db:"threat_score"`
	SecretsDetected  string    `json:"secrets_detected" db:"secrets_detected"`
	IntentAnalysis   string    `json:"intent_analysis" db:"intent_analysis"`
	ReceiptHash      string    `json:"receipt_hash" db:"receipt_hash"`
}

// DomainRecord tracks one destination domain across its lifetime.
type DomainRecord struct {
	Domain       string       `json:"domain" db:"domain"`
	Status       DomainStatus `json:"status" db:"status"`
	AddedBy      AddedBy      `json:"added_by" db:"added_by"`
	FirstSeen    time.Time    `json:"first_seen" db:"first_seen"`
	LastSeen     time.Time    `json:"last_seen" db:"last_seen"`
	RequestCount int          `json:"request_count" db:"request_count"`
	Notes        string       `json:"notes" db:"notes"`
}

// AuditEntry is one link in the tamper-evident audit chain.
type AuditEntry struct {
	ID           string    `json:"id" db:"id"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
	EventType    EventType `json:"event_type" db:"event_type"`
	AgentID      string    `json:"agent_id" db:"agent_id"`
	RequestID    string    `json:"request_id" db:"request_id"`
	Details      string    `json:"details" db:"details"`
	EntryHash    string    `json:"entry_hash" db:"entry_hash"`
	PreviousHash string    `json:"previous_hash" db:"previous_hash"`
}

// DecisionReceipt is one link in the per-request receipt chain.
type DecisionReceipt struct {
	ID           string    `json:"id" db:"id"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
	RequestID    string    `json:"request_id" db:"request_id"`
	RequestHash  string    `json:"request_hash" db:"request_hash"`
	Decision     Action    `json:"decision" db:"decision"`
	Reason       string    `json:"reason" db:"reason"`
	PolicyRuleID string    `json:"policy_rule_id,omitempty" db:"policy_rule_id"`
	ChainHash    string    `json:"chain_hash" db:"chain_hash"`
}

// DomainCheckResult is the ledger's answer for one destination.
type DomainCheckResult struct {
	Status         DomainStatus `json:"status"`
	MatchedRule    string       `json:"matched_rule,omitempty"`
	IsFirstContact bool         `json:"is_first_contact"`
}

// TrafficEvent is the redacted live event published per decision.
type TrafficEvent struct {
	RequestID       string    `json:"request_id"`
	Timestamp       time.Time `json:"timestamp"`
	AgentID         string    `json:"agent_id"`
	AgentName       string    `json:"agent_name"`
	Method          string    `json:"method"`
	Domain          string    `json:"domain"`
	URL             string    `json:"url"`
	Decision        Action    `json:"decision"`
	Reason          string    `json:"reason"`
	ThreatScore     float64   `json:"threat_score"`
	SecretsDetected []string  `json:"secrets_detected"`
}

// ProcessInfo is one entry from the process-enumeration collaborator.
type ProcessInfo struct {
	PID         int    `json:"pid"`
	Name        string `json:"name"`
	CommandLine string `json:"command_line"`
}

// ValidationResult carries every problem found in one policy document.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}
