// Package config holds the runtime configuration for Wardgate: listen
// addresses, data and policy directories, TLS interception behavior, and the
// intent analyzer settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wardgate/wardgate/internal/intent"
)

// MITMFailurePolicy selects what happens when TLS interception setup fails.
type MITMFailurePolicy string

const (
	// FailOpen falls back to a transparent tunnel.
	FailOpen MITMFailurePolicy = "open"
	// FailClosed tears the connection down.
	FailClosed MITMFailurePolicy = "closed"
)

// Config is the runtime configuration for Wardgate.
type Config struct {
	DataDir         string
	PoliciesDir     string
	RulesDir        string
	ProxyAddr       string
	ControlAddr     string
	MITMEnabled     bool
	MITMFailure     MITMFailurePolicy
	IdleTimeout     time.Duration
	ApprovalTimeout time.Duration
	Intent          intent.Config
}

// File is the on-disk YAML shape of the configuration.
type File struct {
	DataDir     string `yaml:"data_dir,omitempty"`
	PoliciesDir string `yaml:"policies_dir,omitempty"`
	RulesDir    string `yaml:"rules_dir,omitempty"`
	ProxyAddr   string `yaml:"proxy_addr,omitempty"`
	ControlAddr string `yaml:"control_addr,omitempty"`

	MITM struct {
		Enabled   *bool  `yaml:"enabled,omitempty"`
		OnFailure string `yaml:"on_failure,omitempty"`
	} `yaml:"mitm,omitempty"`

	IdleTimeout     string `yaml:"idle_timeout,omitempty"`
	ApprovalTimeout string `yaml:"approval_timeout,omitempty"`

	Intent struct {
		Provider      string  `yaml:"provider,omitempty"`
		Model         string  `yaml:"model,omitempty"`
		OllamaBaseURL string  `yaml:"ollama_base_url,omitempty"`
		Threshold     float64 `yaml:"threshold,omitempty"`
	} `yaml:"intent,omitempty"`
}

// Load reads a YAML config file and produces a runtime Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return LoadBytes(data)
}

// LoadBytes parses YAML data and produces a runtime Config.
func LoadBytes(data []byte) (*Config, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return fromFile(&file)
}

func fromFile(file *File) (*Config, error) {
	cfg := DefaultConfig()

	if file.DataDir != "" {
		cfg.DataDir = expandHome(file.DataDir)
		cfg.PoliciesDir = filepath.Join(cfg.DataDir, "policies")
		cfg.RulesDir = filepath.Join(cfg.DataDir, "rules")
	}
	if file.PoliciesDir != "" {
		cfg.PoliciesDir = expandHome(file.PoliciesDir)
	}
	if file.RulesDir != "" {
		cfg.RulesDir = expandHome(file.RulesDir)
	}
	if file.ProxyAddr != "" {
		cfg.ProxyAddr = file.ProxyAddr
	}
	if file.ControlAddr != "" {
		cfg.ControlAddr = file.ControlAddr
	}

	if file.MITM.Enabled != nil {
		cfg.MITMEnabled = *file.MITM.Enabled
	}
	switch file.MITM.OnFailure {
	case "":
	case string(FailOpen):
		cfg.MITMFailure = FailOpen
	case string(FailClosed):
		cfg.MITMFailure = FailClosed
	default:
		return nil, fmt.Errorf("invalid mitm.on_failure %q, want open or closed", file.MITM.OnFailure)
	}

	if file.IdleTimeout != "" {
		d, err := time.ParseDuration(file.IdleTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid idle_timeout %q: %w", file.IdleTimeout, err)
		}
		cfg.IdleTimeout = d
	}
	if file.ApprovalTimeout != "" {
		d, err := time.ParseDuration(file.ApprovalTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid approval_timeout %q: %w", file.ApprovalTimeout, err)
		}
		cfg.ApprovalTimeout = d
	}

	if file.Intent.Provider != "" {
		cfg.Intent.Provider = intent.Provider(file.Intent.Provider)
	}
	if file.Intent.Model != "" {
		cfg.Intent.Model = file.Intent.Model
	}
	if file.Intent.OllamaBaseURL != "" {
		cfg.Intent.OllamaBaseURL = file.Intent.OllamaBaseURL
	}
	if file.Intent.Threshold > 0 {
		cfg.Intent.Threshold = file.Intent.Threshold
	}

	return cfg, nil
}

const (
	DefaultProxyAddr       = "127.0.0.1:18080"
	DefaultControlAddr     = "127.0.0.1:18081"
	DefaultIdleTimeout     = 60 * time.Second
	DefaultApprovalTimeout = 5 * time.Minute
)

// DefaultDataDir returns the default data directory path.
func DefaultDataDir() string {
	return "~/.wardgate"
}

// DefaultConfig returns a config with defaults for when no config file is
// given. MITM is on and fails open so pinned or misbehaving clients degrade
// to a transparent tunnel instead of losing connectivity.
func DefaultConfig() *Config {
	dataDir := expandHome(DefaultDataDir())
	return &Config{
		DataDir:         dataDir,
		PoliciesDir:     filepath.Join(dataDir, "policies"),
		RulesDir:        filepath.Join(dataDir, "rules"),
		ProxyAddr:       DefaultProxyAddr,
		ControlAddr:     DefaultControlAddr,
		MITMEnabled:     true,
		MITMFailure:     FailOpen,
		IdleTimeout:     DefaultIdleTimeout,
		ApprovalTimeout: DefaultApprovalTimeout,
		Intent:          intent.ConfigFromEnv(),
	}
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
