package config

import (
	"strings"
	"testing"
	"time"

	"github.com/wardgate/wardgate/internal/intent"
)

func TestLoadBytes_FullConfig(t *testing.T) {
	yaml := `
proxy_addr: "0.0.0.0:9000"
control_addr: "127.0.0.1:9001"
mitm:
  enabled: true
  on_failure: closed
idle_timeout: "90s"
approval_timeout: "10m"
intent:
  provider: ollama
  model: "llama3.1:8b"
  threshold: 45
`
	cfg, err := LoadBytes([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ProxyAddr != "0.0.0.0:9000" {
		t.Errorf("expected proxy addr 0.0.0.0:9000, got %s", cfg.ProxyAddr)
	}
	if cfg.MITMFailure != FailClosed {
		t.Errorf("expected fail closed, got %s", cfg.MITMFailure)
	}
	if cfg.IdleTimeout != 90*time.Second {
		t.Errorf("expected 90s idle timeout, got %s", cfg.IdleTimeout)
	}
	if cfg.ApprovalTimeout != 10*time.Minute {
		t.Errorf("expected 10m approval timeout, got %s", cfg.ApprovalTimeout)
	}
	if cfg.Intent.Provider != intent.ProviderOllama {
		t.Errorf("expected ollama provider, got %s", cfg.Intent.Provider)
	}
	if cfg.Intent.Threshold != 45 {
		t.Errorf("expected threshold 45, got %f", cfg.Intent.Threshold)
	}
}

func TestLoadBytes_Defaults(t *testing.T) {
	cfg, err := LoadBytes([]byte("{}"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ProxyAddr != DefaultProxyAddr {
		t.Errorf("expected default proxy addr %s, got %s", DefaultProxyAddr, cfg.ProxyAddr)
	}
	if cfg.ControlAddr != DefaultControlAddr {
		t.Errorf("expected default control addr %s, got %s", DefaultControlAddr, cfg.ControlAddr)
	}
	if !cfg.MITMEnabled {
		t.Errorf("expected MITM enabled by default")
	}
	if cfg.MITMFailure != FailOpen {
		t.Errorf("expected fail open by default, got %s", cfg.MITMFailure)
	}
	if cfg.ApprovalTimeout != DefaultApprovalTimeout {
		t.Errorf("expected default approval timeout %s, got %s", DefaultApprovalTimeout, cfg.ApprovalTimeout)
	}
	if !strings.HasSuffix(cfg.PoliciesDir, "policies") {
		t.Errorf("expected policies dir under the data dir, got %s", cfg.PoliciesDir)
	}
}

func TestLoadBytes_DataDirDerivesSubdirs(t *testing.T) {
	cfg, err := LoadBytes([]byte("data_dir: /var/lib/wardgate\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PoliciesDir != "/var/lib/wardgate/policies" {
		t.Errorf("unexpected policies dir %s", cfg.PoliciesDir)
	}
	if cfg.RulesDir != "/var/lib/wardgate/rules" {
		t.Errorf("unexpected rules dir %s", cfg.RulesDir)
	}
}

func TestLoadBytes_InvalidFailurePolicy(t *testing.T) {
	if _, err := LoadBytes([]byte("mitm:\n  on_failure: maybe\n")); err == nil {
		t.Fatal("expected error for invalid failure policy")
	}
}

func TestLoadBytes_InvalidTimeout(t *testing.T) {
	if _, err := LoadBytes([]byte("idle_timeout: fast\n")); err == nil {
		t.Fatal("expected error for invalid idle timeout")
	}
}
