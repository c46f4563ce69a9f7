// Package intent calls an optional LLM classifier that scores how far an
// intercepted request diverges from the calling agent's declared purpose.
// The analyzer is always treated as fallible: providers can be disabled,
// calls are rate limited, and any failure degrades to "no additional
// evidence".
package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wardgate/wardgate/api"
)

// Provider names the backing classifier.
type Provider string

const (
	ProviderDisabled  Provider = "disabled"
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
)

const (
	defaultModel     = "claude-sonnet-4-5-20250929"
	defaultOllamaURL = "http://127.0.0.1:11434"
	defaultMaxTokens = 250
	defaultThreshold = 30

	anthropicEndpoint = "https://api.anthropic.com/v1/messages"

	maxCallsPerMinute = 10
)

// Config drives provider selection and thresholds.
type Config struct {
	Provider        Provider
	AnthropicAPIKey string
	OllamaBaseURL   string
	Model           string
	MaxTokens       int
	Threshold       float64
}

// ConfigFromEnv picks a provider from the environment: an Anthropic key wins,
// then an Ollama base URL, otherwise the analyzer stays disabled.
func ConfigFromEnv() Config {
	cfg := Config{
		Provider:        ProviderDisabled,
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OllamaBaseURL:   defaultOllamaURL,
		Model:           defaultModel,
		MaxTokens:       defaultMaxTokens,
		Threshold:       defaultThreshold,
	}
	if base := os.Getenv("OLLAMA_BASE_URL"); base != "" {
		cfg.OllamaBaseURL = base
		cfg.Provider = ProviderOllama
	}
	if cfg.AnthropicAPIKey != "" {
		cfg.Provider = ProviderAnthropic
	}
	if model := os.Getenv("WARDGATE_INTENT_MODEL"); model != "" {
		cfg.Model = model
	}
	return cfg
}

func (c Config) withDefaults() Config {
	if c.Provider == "" {
		c.Provider = ProviderDisabled
	}
	if c.OllamaBaseURL == "" {
		c.OllamaBaseURL = defaultOllamaURL
	}
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.Threshold <= 0 {
		c.Threshold = defaultThreshold
	}
	return c
}

// Analyzer scores manifests against the agent's declared purpose.
type Analyzer struct {
	logger *slog.Logger
	client *http.Client

	mu          sync.Mutex
	cfg         Config
	recentCalls []time.Time
	nowFunc     func() time.Time
}

// NewAnalyzer builds an Analyzer. A nil client gets a 30 second timeout.
func NewAnalyzer(cfg Config, logger *slog.Logger, client *http.Client) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Analyzer{
		logger:  logger,
		client:  client,
		cfg:     cfg.withDefaults(),
		nowFunc: time.Now,
	}
}

// Enabled reports whether a provider is configured.
func (a *Analyzer) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Provider != ProviderDisabled
}

// Threshold is the threat score above which the interceptor escalates to an
// intent call.
func (a *Analyzer) Threshold() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Threshold
}

// UpdateConfig swaps in new settings, filling unset fields with defaults.
func (a *Analyzer) UpdateConfig(cfg Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg.withDefaults()
}

// Analyze scores one manifest. Exceeding the internal call budget returns an
// error immediately instead of waiting for the window to slide.
func (a *Analyzer) Analyze(ctx context.Context, manifest *api.Manifest) (*api.IntentResult, error) {
	a.mu.Lock()
	cfg := a.cfg
	now := a.nowFunc()
	a.mu.Unlock()

	if cfg.Provider == ProviderDisabled {
		return &api.IntentResult{
			Provider:      string(ProviderDisabled),
			Model:         "none",
			MismatchScore: 0,
			Reasoning:     "Intent analysis is disabled.",
			AnalyzedAt:    now,
		}, nil
	}

	if err := a.takeCallSlot(now); err != nil {
		return nil, err
	}

	prompt := buildPrompt(manifest)

	var raw string
	var err error
	switch cfg.Provider {
	case ProviderAnthropic:
		raw, err = a.callAnthropic(ctx, cfg, prompt)
	case ProviderOllama:
		raw, err = a.callOllama(ctx, cfg, prompt)
	default:
		return nil, fmt.Errorf("unsupported intent provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	result := parseResponse(raw, cfg.Provider, cfg.Model)
	result.AnalyzedAt = a.nowFunc()
	return result, nil
}

func (a *Analyzer) takeCallSlot(now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := now.Add(-time.Minute)
	kept := a.recentCalls[:0]
	for _, t := range a.recentCalls {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	a.recentCalls = kept

	if len(a.recentCalls) >= maxCallsPerMinute {
		return fmt.Errorf("intent analysis rate limit exceeded")
	}
	a.recentCalls = append(a.recentCalls, now)
	return nil
}

// buildPrompt serializes a redacted view of the manifest. Secret matches are
// reduced to metadata so the raw values never leave the process.
func buildPrompt(manifest *api.Manifest) string {
	type secretSummary struct {
		Type       string             `json:"type"`
		Detector   string             `json:"detector"`
		Location   api.SecretLocation `json:"location"`
		Confidence float64            `json:"confidence"`
	}
	secrets := make([]secretSummary, 0, len(manifest.Why.SecretsDetected))
	for _, match := range manifest.Why.SecretsDetected {
		secrets = append(secrets, secretSummary{
			Type:       match.Type,
			Detector:   match.Detector,
			Location:   match.Location,
			Confidence: match.Confidence,
		})
	}

	view := map[string]any{
		"who":   manifest.Who,
		"what":  manifest.What,
		"where": manifest.Where,
		"why": map[string]any{
			"secretsDetected":  secrets,
			"policyViolations": manifest.Why.PolicyViolations,
			"anomalies":        manifest.Why.Anomalies,
		},
		"risk": manifest.Risk,
	}
	encoded, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		encoded = []byte("{}")
	}

	return strings.Join([]string{
		"You are Wardgate, a security gate reviewing an AI agent's outbound request.",
		"Given the manifest below, determine whether the request is consistent with the agent's declared purpose.",
		"Return JSON with keys mismatchScore (0-100) and reasoning (one sentence).",
		"",
		string(encoded),
	}, "\n")
}

var firstIntegerRe = regexp.MustCompile(`(\d{1,3})`)

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// parseResponse accepts either the requested JSON shape or free text with an
// embedded integer score.
func parseResponse(raw string, provider Provider, model string) *api.IntentResult {
	var parsed struct {
		MismatchScore *float64 `json:"mismatchScore"`
		Reasoning     string   `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		score := 50.0
		if parsed.MismatchScore != nil {
			score = *parsed.MismatchScore
		}
		reasoning := parsed.Reasoning
		if reasoning == "" {
			reasoning = "Model returned no reasoning."
		}
		return &api.IntentResult{
			Provider:      string(provider),
			Model:         model,
			MismatchScore: clampScore(score),
			Reasoning:     reasoning,
		}
	}

	score := 50.0
	if m := firstIntegerRe.FindString(raw); m != "" {
		if n, err := strconv.Atoi(m); err == nil {
			score = float64(n)
		}
	}
	reasoning := strings.TrimSpace(raw)
	if len(reasoning) > 240 {
		reasoning = reasoning[:240]
	}
	if reasoning == "" {
		reasoning = "Model returned an unparsable response."
	}
	return &api.IntentResult{
		Provider:      string(provider),
		Model:         model,
		MismatchScore: clampScore(score),
		Reasoning:     reasoning,
	}
}

func (a *Analyzer) callAnthropic(ctx context.Context, cfg Config, prompt string) (string, error) {
	if cfg.AnthropicAPIKey == "" {
		return "", fmt.Errorf("anthropic api key is not configured")
	}

	body, err := json.Marshal(map[string]any{
		"model":      cfg.Model,
		"max_tokens": cfg.MaxTokens,
		"system":     "You are a security analyst. Respond with JSON only.",
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", cfg.AnthropicAPIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("anthropic intent analysis failed with status %d", resp.StatusCode)
	}

	var payload struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return "", err
	}
	for _, item := range payload.Content {
		if item.Type == "text" {
			return item.Text, nil
		}
	}
	return "{}", nil
}

func (a *Analyzer) callOllama(ctx context.Context, cfg Config, prompt string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model":  cfg.Model,
		"prompt": prompt,
		"stream": false,
		"options": map[string]int{
			"num_predict": cfg.MaxTokens,
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(cfg.OllamaBaseURL, "/")+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama intent analysis failed with status %d", resp.StatusCode)
	}

	var payload struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return "", err
	}
	if payload.Response == "" {
		return "{}", nil
	}
	return payload.Response, nil
}

// Violation converts an intent result into a policy violation when the
// mismatch score crosses 60. Scores of 85 or more are critical.
func Violation(result *api.IntentResult) (api.PolicyViolation, bool) {
	if result == nil || result.MismatchScore < 60 {
		return api.PolicyViolation{}, false
	}
	severity := api.SeverityHigh
	if result.MismatchScore >= 85 {
		severity = api.SeverityCritical
	}
	return api.PolicyViolation{
		RuleID:   "intent:mismatch",
		Category: "intent",
		Message:  result.Reasoning,
		Severity: severity,
	}, true
}
