// Package intercept orchestrates one policy decision per proxied request:
// it attributes the request to an agent, gathers secret, domain, rate-limit
// and anomaly evidence into a manifest, runs the decision engine, persists
// the outcome through the receipt chain, and publishes a live traffic event.
package intercept

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardgate/wardgate/api"
	"github.com/wardgate/wardgate/internal/audit"
	"github.com/wardgate/wardgate/internal/domain"
	"github.com/wardgate/wardgate/internal/engine"
	"github.com/wardgate/wardgate/internal/intent"
	"github.com/wardgate/wardgate/internal/metrics"
	"github.com/wardgate/wardgate/internal/policy"
	"github.com/wardgate/wardgate/internal/procscan"
	"github.com/wardgate/wardgate/internal/ratelimit"
	"github.com/wardgate/wardgate/internal/secrets"
	"github.com/wardgate/wardgate/internal/storage"
)

const bodyPreviewLimit = 500

// Input is one request handed over by the proxy transport.
type Input struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Result is the decided outcome the transport acts on.
type Result struct {
	RequestID       string
	Manifest        *api.Manifest
	Agent           *api.AgentRecord
	Action          api.Action
	StatusCode      int
	ResponseHeaders map[string]string
	ResponseBody    []byte
	TargetURL       string
}

type pendingRequest struct {
	agentID string
	domain  string
}

// Interceptor builds manifests and turns them into persisted decisions.
type Interceptor struct {
	logger    *slog.Logger
	policies  *policy.Store
	engine    *engine.Engine
	domains   *domain.Ledger
	limiter   *ratelimit.Limiter
	scanner   *secrets.Scanner
	analyzer  *intent.Analyzer
	detector  *procscan.Scanner
	anomalies *policy.AnomalyRules
	dao       storage.DAO
	auditLog  *audit.Logger
	receipts  *audit.Receipts

	mu      sync.Mutex
	pending map[string]pendingRequest

	subMu   sync.RWMutex
	subs    map[int]chan api.TrafficEvent
	nextSub int
}

// Config collects the interceptor's collaborators. Logger, analyzer,
// detector and anomaly rules are optional.
type Config struct {
	Logger    *slog.Logger
	Policies  *policy.Store
	Domains   *domain.Ledger
	Limiter   *ratelimit.Limiter
	Scanner   *secrets.Scanner
	Analyzer  *intent.Analyzer
	Detector  *procscan.Scanner
	Anomalies *policy.AnomalyRules
	DAO       storage.DAO
}

// New wires an Interceptor from explicit collaborators.
func New(cfg Config) *Interceptor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{
		logger:    logger,
		policies:  cfg.Policies,
		engine:    engine.New(logger),
		domains:   cfg.Domains,
		limiter:   cfg.Limiter,
		scanner:   cfg.Scanner,
		analyzer:  cfg.Analyzer,
		detector:  cfg.Detector,
		anomalies: cfg.Anomalies,
		dao:       cfg.DAO,
		auditLog:  audit.NewLogger(cfg.DAO),
		receipts:  audit.NewReceipts(cfg.DAO),
		pending:   make(map[string]pendingRequest),
		subs:      make(map[int]chan api.TrafficEvent),
	}
}

// AuditLogger exposes the audit chain writer for the control API.
func (i *Interceptor) AuditLogger() *audit.Logger { return i.auditLog }

// Receipts exposes the receipt chain for the control API.
func (i *Interceptor) Receipts() *audit.Receipts { return i.receipts }

var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"cookie":              true,
	"x-api-key":           true,
	"proxy-authorization": true,
}

func redactHeaders(headers map[string]string) map[string]string {
	redacted := make(map[string]string, len(headers))
	for key, value := range headers {
		if sensitiveHeaders[strings.ToLower(key)] && len(value) > 8 {
			redacted[key] = value[:4] + "..." + value[len(value)-4:]
		} else if sensitiveHeaders[strings.ToLower(key)] {
			redacted[key] = "..."
		} else {
			redacted[key] = value
		}
	}
	return redacted
}

func threatScore(manifest *api.Manifest) float64 {
	score := manifest.Risk.ThreatScore
	score += float64(len(manifest.Why.SecretsDetected)) * 35
	if manifest.Where.IsFirstContact {
		score += 20
	}
	if manifest.What.BodySize > 1_000_000 {
		score += 20
	}
	for _, violation := range manifest.Why.PolicyViolations {
		if violation.Category == "rate_limit" {
			score += 25
			break
		}
	}
	if manifest.Why.IntentAnalysis != nil {
		score += manifest.Why.IntentAnalysis.MismatchScore * 0.5
	}
	switch manifest.Where.DomainStatus {
	case api.DomainDenied:
		score += 50
	case api.DomainPendingApproval:
		score += 25
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// BlockStatus maps a decision to the HTTP status returned to the client.
func BlockStatus(action api.Action) int {
	switch action {
	case api.ActionBlock:
		return http.StatusForbidden
	case api.ActionRequireApproval:
		return http.StatusConflict
	case api.ActionThrottle:
		return http.StatusTooManyRequests
	default:
		return http.StatusOK
	}
}

func (i *Interceptor) resolveAgent(ctx context.Context, headers map[string]string) (*api.AgentRecord, error) {
	agentID := headers["x-wardgate-agent-id"]
	if agentID == "" {
		agentID = uuid.NewString()
	}
	agentName := headers["x-wardgate-agent-name"]
	if agentName == "" {
		agentName = "unknown-agent"
	}
	processName := headers["x-wardgate-process-name"]
	if processName == "" {
		processName = agentName
	}
	pid, _ := strconv.Atoi(headers["x-wardgate-agent-pid"])

	if pid > 0 && i.detector != nil {
		if detected, err := i.detector.AgentForPID(ctx, pid); err == nil && detected != nil {
			agentID = detected.ID
			agentName = detected.Name
			processName = detected.ProcessName
		}
	}

	now := time.Now()
	existing, err := i.dao.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	record := api.AgentRecord{
		ID:          agentID,
		Name:        agentName,
		ProcessName: processName,
		PID:         pid,
		FirstSeen:   now,
		LastSeen:    now,
		Status:      api.AgentActive,
	}
	if existing != nil {
		record.FirstSeen = existing.FirstSeen
		record.TotalRequests = existing.TotalRequests
		record.BlockedRequests = existing.BlockedRequests
		record.ThreatScore = existing.ThreatScore
	}
	if err := i.dao.UpsertAgent(ctx, record); err != nil {
		return nil, err
	}
	if existing == nil {
		if _, err := i.auditLog.LogEvent(ctx, api.EventAgentDetected,
			map[string]any{"name": record.Name, "processName": record.ProcessName},
			audit.EventContext{AgentID: record.ID}); err != nil {
			i.logger.Warn("audit write failed", "event", "agent_detected", "error", err)
		}
	}
	return &record, nil
}

// Intercept decides one request. Any error before a decision is reached is a
// hard failure of that connection; shared counters are left balanced.
func (i *Interceptor) Intercept(ctx context.Context, input Input) (*Result, error) {
	started := time.Now()

	target, err := url.Parse(input.URL)
	if err != nil || target.Hostname() == "" {
		return nil, fmt.Errorf("parsing target url %q: %w", input.URL, err)
	}
	host := target.Hostname()

	headers := make(map[string]string, len(input.Headers))
	for key, value := range input.Headers {
		headers[strings.ToLower(key)] = value
	}

	agent, err := i.resolveAgent(ctx, headers)
	if err != nil {
		return nil, fmt.Errorf("resolving agent: %w", err)
	}

	pol := i.policies.Merged()
	body := string(input.Body)
	sum := sha256.Sum256(input.Body)
	bodyHash := hex.EncodeToString(sum[:])

	secretsDetected := i.scanner.ScanRequest(pol, headers, body)

	domainCheck, err := i.domains.Check(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("checking domain %s: %w", host, err)
	}

	rateResult := i.limiter.Check(pol, agent.ID, host)

	var violations []api.PolicyViolation
	if !rateResult.Allowed {
		ruleID := rateResult.ExceededKey
		if ruleID == "" {
			ruleID = "rate-limit"
		}
		violations = append(violations, api.PolicyViolation{
			RuleID:   ruleID,
			Category: "rate_limit",
			Message:  rateResult.Reason,
			Severity: api.SeverityHigh,
		})
	}

	port := 443
	if target.Port() != "" {
		port, _ = strconv.Atoi(target.Port())
	} else if target.Scheme == "http" {
		port = 80
	}

	contentType := headers["content-type"]
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	preview := body
	if len(preview) > bodyPreviewLimit {
		preview = preview[:bodyPreviewLimit]
	}

	manifest := &api.Manifest{
		Who: api.Who{
			AgentID:     agent.ID,
			AgentName:   agent.Name,
			ProcessName: agent.ProcessName,
			PID:         agent.PID,
		},
		What: api.What{
			Method:      input.Method,
			URL:         target.String(),
			Domain:      host,
			BodySize:    len(input.Body),
			BodyHash:    bodyHash,
			ContentType: contentType,
			BodyPreview: preview,
		},
		Where: api.Where{
			Domain:         host,
			Port:           port,
			DomainStatus:   domainCheck.Status,
			IsFirstContact: domainCheck.IsFirstContact,
		},
		Why: api.Why{
			SecretsDetected:  secretsDetected,
			PolicyViolations: violations,
		},
	}

	if len(secretsDetected) > 0 {
		manifest.Risk.Factors = append(manifest.Risk.Factors, "Secrets detected in outbound content.")
	}
	if domainCheck.IsFirstContact {
		manifest.Risk.Factors = append(manifest.Risk.Factors, "First contact with destination domain.")
	}
	if !rateResult.Allowed {
		manifest.Risk.Factors = append(manifest.Risk.Factors, "Rate limit exceeded.")
	}

	if i.anomalies != nil {
		flags, err := i.anomalies.Evaluate(ctx, map[string]any{
			"agent_id":      agent.ID,
			"agent_name":    agent.Name,
			"method":        input.Method,
			"domain":        host,
			"path":          target.Path,
			"body_bytes":    len(input.Body),
			"first_contact": domainCheck.IsFirstContact,
			"secret_count":  len(secretsDetected),
		})
		if err != nil {
			i.logger.Warn("anomaly rules failed", "error", err)
		} else {
			manifest.Why.Anomalies = append(manifest.Why.Anomalies, flags...)
		}
	}

	decision := i.engine.Evaluate(pol, manifest)
	manifest.Why.PolicyViolations = decision.Violations
	manifest.Why.Anomalies = decision.Anomalies

	action := decision.Action
	reason := decision.Reason
	if !rateResult.Allowed {
		action = api.ActionThrottle
		reason = rateResult.Reason
	}

	if i.analyzer != nil && i.analyzer.Enabled() && threatScore(manifest) > i.analyzer.Threshold() {
		result, err := i.analyzer.Analyze(ctx, manifest)
		if err != nil {
			i.logger.Warn("intent analysis unavailable", "error", err)
		} else {
			manifest.Why.IntentAnalysis = result
			if violation, ok := intent.Violation(result); ok {
				manifest.Why.PolicyViolations = append(manifest.Why.PolicyViolations, violation)
				manifest.Risk.Factors = append(manifest.Risk.Factors, "Intent analysis indicates a likely mismatch.")
			}
		}
	}

	manifest.Risk.ThreatScore = threatScore(manifest)
	manifest.Decision = api.Decision{
		Action:       action,
		Reason:       reason,
		PolicyRuleID: decision.PolicyRuleID,
		Timestamp:    time.Now(),
	}

	result, err := i.persistDecision(ctx, manifest, headers)
	if err != nil {
		if rateResult.Allowed {
			i.limiter.Complete(agent.ID, host)
		}
		return nil, err
	}
	result.Agent = agent

	if result.Action == api.ActionAllow {
		i.mu.Lock()
		i.pending[result.RequestID] = pendingRequest{agentID: agent.ID, domain: host}
		i.mu.Unlock()
	} else if rateResult.Allowed {
		// The slot was taken at check time but the request will not proceed.
		i.limiter.Complete(agent.ID, host)
	}

	if _, err := i.domains.RecordContact(ctx, host); err != nil {
		i.logger.Warn("recording domain contact failed", "domain", host, "error", err)
	}

	metrics.ObserveDecision(result.Action, time.Since(started).Seconds(), len(secretsDetected))
	return result, nil
}

func (i *Interceptor) persistDecision(ctx context.Context, manifest *api.Manifest, headers map[string]string) (*Result, error) {
	requestID := uuid.NewString()
	action := manifest.Decision.Action
	reason := manifest.Decision.Reason

	receipt, err := i.receipts.Generate(ctx, audit.ReceiptInput{
		RequestID:    requestID,
		RequestHash:  manifest.What.BodyHash,
		Decision:     action,
		Reason:       reason,
		PolicyRuleID: manifest.Decision.PolicyRuleID,
	})
	if err != nil {
		return nil, fmt.Errorf("generating receipt: %w", err)
	}
	manifest.Decision.ReceiptHash = receipt.ChainHash

	redacted, err := json.Marshal(redactHeaders(headers))
	if err != nil {
		return nil, err
	}
	secretTypes := make([]string, 0, len(manifest.Why.SecretsDetected))
	for _, match := range manifest.Why.SecretsDetected {
		secretTypes = append(secretTypes, match.Type)
	}
	secretsJSON, _ := json.Marshal(secretTypes)
	intentJSON := ""
	if manifest.Why.IntentAnalysis != nil {
		encoded, _ := json.Marshal(manifest.Why.IntentAnalysis)
		intentJSON = string(encoded)
	}

	responseStatus := 0
	if action != api.ActionAllow {
		responseStatus = BlockStatus(action)
	}

	record := api.RequestRecord{
		ID:              requestID,
		AgentID:         manifest.Who.AgentID,
		Timestamp:       manifest.Decision.Timestamp,
		Method:          manifest.What.Method,
		URL:             manifest.What.URL,
		Domain:          manifest.What.Domain,
		Port:            manifest.Where.Port,
		RequestHeaders:  string(redacted),
		BodySize:        manifest.What.BodySize,
		BodyHash:        manifest.What.BodyHash,
		BodyPreview:     manifest.What.BodyPreview,
		ResponseStatus:  responseStatus,
		Decision:        action,
		DecisionReason:  reason,
		PolicyRuleID:    manifest.Decision.PolicyRuleID,
		ThreatScore:     manifest.Risk.ThreatScore,
		SecretsDetected: string(secretsJSON),
		IntentAnalysis:  intentJSON,
		ReceiptHash:     receipt.ChainHash,
	}
	if err := i.dao.InsertRequest(ctx, record); err != nil {
		return nil, fmt.Errorf("persisting request: %w", err)
	}

	eventType := api.EventRequestBlocked
	switch action {
	case api.ActionAllow:
		eventType = api.EventRequestAllowed
	case api.ActionThrottle:
		eventType = api.EventRequestThrottled
	case api.ActionRequireApproval:
		eventType = api.EventApprovalRequested
	}
	if _, err := i.auditLog.LogEvent(ctx, eventType, map[string]any{
		"url":         manifest.What.URL,
		"domain":      manifest.What.Domain,
		"threatScore": manifest.Risk.ThreatScore,
		"reason":      reason,
	}, audit.EventContext{AgentID: manifest.Who.AgentID, RequestID: requestID}); err != nil {
		i.logger.Warn("audit write failed", "event", eventType, "error", err)
	}

	if err := i.dao.BumpAgentCounters(ctx, manifest.Who.AgentID, action != api.ActionAllow, manifest.Risk.ThreatScore); err != nil {
		i.logger.Warn("updating agent counters failed", "agent", manifest.Who.AgentID, "error", err)
	}

	i.publish(api.TrafficEvent{
		RequestID:       requestID,
		Timestamp:       manifest.Decision.Timestamp,
		AgentID:         manifest.Who.AgentID,
		AgentName:       manifest.Who.AgentName,
		Method:          manifest.What.Method,
		Domain:          manifest.What.Domain,
		URL:             manifest.What.URL,
		Decision:        action,
		Reason:          reason,
		ThreatScore:     manifest.Risk.ThreatScore,
		SecretsDetected: secretTypes,
	})

	result := &Result{
		RequestID:       requestID,
		Manifest:        manifest,
		Action:          action,
		StatusCode:      BlockStatus(action),
		ResponseHeaders: map[string]string{"Content-Type": "application/json; charset=utf-8"},
		TargetURL:       manifest.What.URL,
	}
	if action != api.ActionAllow {
		body, _ := json.Marshal(map[string]string{
			"error":       string(action),
			"reason":      reason,
			"receiptHash": receipt.ChainHash,
		})
		result.ResponseBody = body
	}
	return result, nil
}

// Finalize records response metadata and releases the concurrency slot taken
// at intercept time. It must be called exactly once per allowed request.
func (i *Interceptor) Finalize(ctx context.Context, requestID string, responseStatus, responseBodySize int) {
	i.mu.Lock()
	pending, ok := i.pending[requestID]
	if ok {
		delete(i.pending, requestID)
	}
	i.mu.Unlock()

	if err := i.dao.SetRequestResponse(ctx, requestID, responseStatus, responseBodySize); err != nil {
		i.logger.Warn("recording response failed", "request", requestID, "error", err)
	}
	if ok {
		i.limiter.Complete(pending.agentID, pending.domain)
	}
}

// Subscribe returns a channel of redacted traffic events and a cancel func.
func (i *Interceptor) Subscribe() (<-chan api.TrafficEvent, func()) {
	i.subMu.Lock()
	defer i.subMu.Unlock()

	ch := make(chan api.TrafficEvent, 100)
	id := i.nextSub
	i.nextSub++
	i.subs[id] = ch

	cancel := func() {
		i.subMu.Lock()
		defer i.subMu.Unlock()
		delete(i.subs, id)
		close(ch)
	}
	return ch, cancel
}

func (i *Interceptor) publish(event api.TrafficEvent) {
	i.subMu.RLock()
	defer i.subMu.RUnlock()
	for _, ch := range i.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
