package policy

import "github.com/wardgate/wardgate/api"

// Document is one policy file. Multiple documents are loaded from a directory
// and merged by priority into a single effective policy.
type Document struct {
	Version  string   `yaml:"version" json:"version"`
	Name     string   `yaml:"name" json:"name"`
	Priority *int     `yaml:"priority,omitempty" json:"priority,omitempty"`
	Global   *Global  `yaml:"global,omitempty" json:"global,omitempty"`
	Domains  *Domains `yaml:"domains,omitempty" json:"domains,omitempty"`
	Secrets  *Secrets `yaml:"secrets,omitempty" json:"secrets,omitempty"`

	SensitiveFiles *SensitiveFiles `yaml:"sensitive_files,omitempty" json:"sensitive_files,omitempty"`
	RateLimits     *RateLimits     `yaml:"rate_limits,omitempty" json:"rate_limits,omitempty"`
	Agents         *Agents         `yaml:"agents,omitempty" json:"agents,omitempty"`
}

// Global holds process-wide defaults.
type Global struct {
	DefaultAction       api.Action `yaml:"default_action,omitempty" json:"default_action,omitempty"`
	LogAllRequests      *bool      `yaml:"log_all_requests,omitempty" json:"log_all_requests,omitempty"`
	IntentAnalysis      *bool      `yaml:"intent_analysis,omitempty" json:"intent_analysis,omitempty"`
	MaxRequestBodyBytes *int       `yaml:"max_request_body_bytes,omitempty" json:"max_request_body_bytes,omitempty"`
	NewDomainAction     api.Action `yaml:"new_domain_action,omitempty" json:"new_domain_action,omitempty"`
}

// Domains holds the glob lists evaluated by the domain ledger.
type Domains struct {
	Allowed         []string `yaml:"allowed" json:"allowed"`
	Denied          []string `yaml:"denied" json:"denied"`
	RequireApproval []string `yaml:"require_approval,omitempty" json:"require_approval,omitempty"`
	// BypassMITM domains are tunneled without interception on top of the
	// built-in pinned list.
	BypassMITM []string `yaml:"bypass_mitm,omitempty" json:"bypass_mitm,omitempty"`
}

// PatternRule is one named secret-detection regex.
type PatternRule struct {
	Name    string `yaml:"name" json:"name"`
	Pattern string `yaml:"pattern" json:"pattern"`
}

// EntropyDetection configures the high-entropy token detector.
type EntropyDetection struct {
	Enabled    *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	MinLength  *int     `yaml:"min_length,omitempty" json:"min_length,omitempty"`
	MinEntropy *float64 `yaml:"min_entropy,omitempty" json:"min_entropy,omitempty"`
	Action     string   `yaml:"action,omitempty" json:"action,omitempty"`
}

// Secrets configures secret detection.
type Secrets struct {
	Enabled          *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Action           string            `yaml:"action,omitempty" json:"action,omitempty"` // block, alert, log
	Patterns         []PatternRule     `yaml:"patterns" json:"patterns"`
	EntropyDetection *EntropyDetection `yaml:"entropy_detection,omitempty" json:"entropy_detection,omitempty"`
}

// SensitiveFiles flags request content referencing well-known secret paths.
type SensitiveFiles struct {
	Enabled *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Action  string   `yaml:"action,omitempty" json:"action,omitempty"`
	Paths   []string `yaml:"paths,omitempty" json:"paths,omitempty"`
}

// PerAgentLimits are the thresholds applied to each agent.
type PerAgentLimits struct {
	RequestsPerMinute *int `yaml:"requests_per_minute,omitempty" json:"requests_per_minute,omitempty"`
	RequestsPerHour   *int `yaml:"requests_per_hour,omitempty" json:"requests_per_hour,omitempty"`
	MaxConcurrent     *int `yaml:"max_concurrent,omitempty" json:"max_concurrent,omitempty"`
}

// PerDomainLimits are the thresholds applied to each destination domain.
type PerDomainLimits struct {
	RequestsPerMinute *int `yaml:"requests_per_minute,omitempty" json:"requests_per_minute,omitempty"`
	RequestsPerHour   *int `yaml:"requests_per_hour,omitempty" json:"requests_per_hour,omitempty"`
}

// RateLimits configures the sliding-window limiter.
type RateLimits struct {
	Enabled   *bool            `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	PerAgent  *PerAgentLimits  `yaml:"per_agent,omitempty" json:"per_agent,omitempty"`
	PerDomain *PerDomainLimits `yaml:"per_domain,omitempty" json:"per_domain,omitempty"`
}

// AgentProfile maps process-name patterns to a named agent with extra grants.
type AgentProfile struct {
	Name                string   `yaml:"name" json:"name"`
	ProcessPatterns     []string `yaml:"process_patterns" json:"process_patterns"`
	AllowedDomainsExtra []string `yaml:"allowed_domains_extra,omitempty" json:"allowed_domains_extra,omitempty"`
	MaxBodyBytes        *int     `yaml:"max_body_bytes,omitempty" json:"max_body_bytes,omitempty"`
}

// UnknownAgent is the policy for processes no profile matches.
type UnknownAgent struct {
	Action       api.Action `yaml:"action,omitempty" json:"action,omitempty"`
	MaxBodyBytes *int       `yaml:"max_body_bytes,omitempty" json:"max_body_bytes,omitempty"`
}

// Agents configures agent profiles and the unknown-agent fallback.
type Agents struct {
	Profiles     []AgentProfile `yaml:"profiles,omitempty" json:"profiles,omitempty"`
	UnknownAgent *UnknownAgent  `yaml:"unknown_agent,omitempty" json:"unknown_agent,omitempty"`
}

// Loaded pairs a parsed document with its provenance.
type Loaded struct {
	ID       string
	FilePath string
	Priority int
	Content  string
	Document *Document
}

// Effective is a fully populated merged policy. Every field has a defined
// value even when no document references it.
type Effective struct {
	Version  string
	Name     string
	Priority int

	Global struct {
		DefaultAction       api.Action
		LogAllRequests      bool
		IntentAnalysis      bool
		MaxRequestBodyBytes int
		NewDomainAction     api.Action
	}

	Domains struct {
		Allowed         []string
		Denied          []string
		RequireApproval []string
		BypassMITM      []string
	}

	Secrets struct {
		Enabled  bool
		Action   string
		Patterns []PatternRule
		Entropy  struct {
			Enabled    bool
			MinLength  int
			MinEntropy float64
			Action     string
		}
	}

	SensitiveFiles struct {
		Enabled bool
		Action  string
		Paths   []string
	}

	RateLimits struct {
		Enabled  bool
		PerAgent struct {
			RequestsPerMinute int
			RequestsPerHour   int
			MaxConcurrent     int
		}
		PerDomain struct {
			RequestsPerMinute int
			RequestsPerHour   int
		}
	}

	Agents struct {
		Profiles     []ResolvedProfile
		UnknownAgent struct {
			Action       api.Action
			MaxBodyBytes int
		}
	}
}

// ResolvedProfile is an agent profile with defaults applied.
type ResolvedProfile struct {
	Name                string
	ProcessPatterns     []string
	AllowedDomainsExtra []string
	MaxBodyBytes        int
}
