// Package procscan enumerates local processes and matches them against agent
// profiles so intercepted connections can be attributed to a known coding
// agent by pid.
package procscan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wardgate/wardgate/api"
	"github.com/wardgate/wardgate/internal/policy"
)

const rescanInterval = 5 * time.Second

// DetectedAgent is a running process attributed to an agent profile.
type DetectedAgent struct {
	ID                  string
	Name                string
	ProcessName         string
	PID                 int
	MatchedProfile      string
	AllowedDomainsExtra []string
	MaxBodyBytes        int
	DetectedAt          time.Time
}

// Scanner lists processes and resolves them to agents.
type Scanner struct {
	logger   *slog.Logger
	policies *policy.Store
	run      func(ctx context.Context, name string, args ...string) (string, error)

	mu     sync.Mutex
	cached []DetectedAgent
}

// NewScanner builds a Scanner backed by the ps command.
func NewScanner(policies *policy.Store, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		logger:   logger,
		policies: policies,
		run: func(ctx context.Context, name string, args ...string) (string, error) {
			out, err := exec.CommandContext(ctx, name, args...).Output()
			return string(out), err
		},
	}
}

// Snapshot returns the current process list.
func (s *Scanner) Snapshot(ctx context.Context) ([]api.ProcessInfo, error) {
	out, err := s.run(ctx, "ps", "-eo", "pid=,comm=,args=")
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	return parseProcessList(out), nil
}

func parseProcessList(out string) []api.ProcessInfo {
	var processes []api.ProcessInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		rest := ""
		if len(fields) > 1 {
			rest = strings.TrimSpace(fields[1])
		}
		name := rest
		command := ""
		if idx := strings.IndexAny(rest, " \t"); idx >= 0 {
			name = rest[:idx]
			command = strings.TrimSpace(rest[idx+1:])
		}
		processes = append(processes, api.ProcessInfo{
			PID:         pid,
			Name:        name,
			CommandLine: command,
		})
	}
	return processes
}

// fallbackProfiles cover well-known coding agents even when no policy file
// defines profiles for them.
func fallbackProfiles() []policy.ResolvedProfile {
	names := []struct {
		name     string
		patterns []string
	}{
		{"cursor", []string{"cursor"}},
		{"claude-code", []string{"claude", "claude-code"}},
		{"aider", []string{"aider"}},
		{"github-copilot", []string{"copilot"}},
		{"codex", []string{"codex"}},
	}
	profiles := make([]policy.ResolvedProfile, 0, len(names))
	for _, entry := range names {
		profiles = append(profiles, policy.ResolvedProfile{
			Name:            entry.name,
			ProcessPatterns: entry.patterns,
			MaxBodyBytes:    1024 * 1024,
		})
	}
	return profiles
}

// matchProfile checks policy profiles first, then the built-in fallbacks,
// against "name command". Patterns are case-insensitive literals.
func matchProfile(pol *policy.Effective, info api.ProcessInfo) *policy.ResolvedProfile {
	haystack := info.Name + " " + info.CommandLine
	candidates := append(append([]policy.ResolvedProfile{}, pol.Agents.Profiles...), fallbackProfiles()...)
	for i := range candidates {
		for _, pattern := range candidates[i].ProcessPatterns {
			re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(pattern))
			if err != nil {
				continue
			}
			if re.MatchString(haystack) {
				return &candidates[i]
			}
		}
	}
	return nil
}

func agentIdentity(info api.ProcessInfo) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s:%s", info.PID, info.Name, info.CommandLine)))
	return "agent-" + hex.EncodeToString(sum[:])[:16]
}

// DetectAgents scans the process table and returns every process matching an
// agent profile. Results are cached for AgentForPID lookups.
func (s *Scanner) DetectAgents(ctx context.Context) ([]DetectedAgent, error) {
	processes, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	pol := s.policies.Merged()
	now := time.Now()
	var detected []DetectedAgent
	for _, info := range processes {
		profile := matchProfile(pol, info)
		if profile == nil {
			continue
		}
		detected = append(detected, DetectedAgent{
			ID:                  agentIdentity(info),
			Name:                profile.Name,
			ProcessName:         info.Name,
			PID:                 info.PID,
			MatchedProfile:      profile.Name,
			AllowedDomainsExtra: profile.AllowedDomainsExtra,
			MaxBodyBytes:        profile.MaxBodyBytes,
			DetectedAt:          now,
		})
	}

	s.mu.Lock()
	s.cached = detected
	s.mu.Unlock()
	return detected, nil
}

// AgentForPID resolves one pid to an agent. A process no profile matches
// still yields an agent with name "unknown-agent"; an absent pid yields nil.
func (s *Scanner) AgentForPID(ctx context.Context, pid int) (*DetectedAgent, error) {
	s.mu.Lock()
	for i := range s.cached {
		if s.cached[i].PID == pid {
			agent := s.cached[i]
			s.mu.Unlock()
			return &agent, nil
		}
	}
	s.mu.Unlock()

	processes, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	for _, info := range processes {
		if info.PID != pid {
			continue
		}
		pol := s.policies.Merged()
		agent := DetectedAgent{
			ID:          agentIdentity(info),
			Name:        "unknown-agent",
			ProcessName: info.Name,
			PID:         info.PID,
			DetectedAt:  time.Now(),
		}
		if profile := matchProfile(pol, info); profile != nil {
			agent.Name = profile.Name
			agent.MatchedProfile = profile.Name
			agent.AllowedDomainsExtra = profile.AllowedDomainsExtra
			agent.MaxBodyBytes = profile.MaxBodyBytes
		} else {
			agent.MaxBodyBytes = pol.Agents.UnknownAgent.MaxBodyBytes
		}
		return &agent, nil
	}
	return nil, nil
}

// Watch rescans the process table every few seconds and reports matched
// agents until the context is cancelled. Scan failures report an empty list.
func (s *Scanner) Watch(ctx context.Context, callback func([]DetectedAgent)) {
	tick := func() {
		agents, err := s.DetectAgents(ctx)
		if err != nil {
			s.logger.Warn("process scan failed", "error", err)
			callback(nil)
			return
		}
		callback(agents)
	}

	tick()
	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}
