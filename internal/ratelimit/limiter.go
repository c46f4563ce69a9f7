package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/wardgate/wardgate/api"
	"github.com/wardgate/wardgate/internal/policy"
)

const (
	retryAfterMinute     = 60
	retryAfterHour       = 300
	retryAfterConcurrent = 1
)

type counterState struct {
	minute     []time.Time
	hour       []time.Time
	concurrent int
}

func (c *counterState) prune(now time.Time) {
	c.minute = pruneWindow(c.minute, now, time.Minute)
	c.hour = pruneWindow(c.hour, now, time.Hour)
}

func pruneWindow(stamps []time.Time, now time.Time, window time.Duration) []time.Time {
	kept := stamps[:0]
	for _, ts := range stamps {
		if now.Sub(ts) < window {
			kept = append(kept, ts)
		}
	}
	return kept
}

// Usage is a point-in-time view of one agent's counters.
type Usage struct {
	RequestsLastMinute int `json:"requests_last_minute"`
	RequestsLastHour   int `json:"requests_last_hour"`
	Concurrent         int `json:"concurrent"`
}

// Limiter enforces sliding-window and concurrency limits per agent and per
// destination domain. An admitted request increments every counter it was
// checked against; checks that fail increment nothing, so a throttled caller
// never consumes budget.
type Limiter struct {
	mu      sync.Mutex
	agents  map[string]*counterState
	domains map[string]*counterState
	nowFunc func() time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{
		agents:  map[string]*counterState{},
		domains: map[string]*counterState{},
		nowFunc: time.Now,
	}
}

func (l *Limiter) counter(m map[string]*counterState, key string) *counterState {
	c, ok := m[key]
	if !ok {
		c = &counterState{}
		m[key] = c
	}
	return c
}

// Check admits or throttles one request. Limits are evaluated in a fixed
// order: agent minute, agent hour, agent concurrency, domain minute, domain
// hour. The first exceeded limit decides the result.
func (l *Limiter) Check(pol *policy.Effective, agentID, domain string) api.RateLimitResult {
	if !pol.RateLimits.Enabled {
		return api.RateLimitResult{Allowed: true, Action: api.ActionAllow, Reason: "Rate limiting is disabled."}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	agent := l.counter(l.agents, agentID)
	dom := l.counter(l.domains, domain)
	agent.prune(now)
	dom.prune(now)

	throttle := func(reason, key string, retryAfter int) api.RateLimitResult {
		return api.RateLimitResult{
			Allowed:           false,
			Action:            api.ActionThrottle,
			Reason:            reason,
			ExceededKey:       key,
			RetryAfterSeconds: retryAfter,
		}
	}

	switch {
	case len(agent.minute) >= pol.RateLimits.PerAgent.RequestsPerMinute:
		return throttle(
			fmt.Sprintf("Agent %s exceeded the per-minute request limit.", agentID),
			fmt.Sprintf("agent:%s:minute", agentID), retryAfterMinute)
	case len(agent.hour) >= pol.RateLimits.PerAgent.RequestsPerHour:
		return throttle(
			fmt.Sprintf("Agent %s exceeded the per-hour request limit.", agentID),
			fmt.Sprintf("agent:%s:hour", agentID), retryAfterHour)
	case agent.concurrent >= pol.RateLimits.PerAgent.MaxConcurrent:
		return throttle(
			fmt.Sprintf("Agent %s exceeded the concurrent request limit.", agentID),
			fmt.Sprintf("agent:%s:concurrent", agentID), retryAfterConcurrent)
	case len(dom.minute) >= pol.RateLimits.PerDomain.RequestsPerMinute:
		return throttle(
			fmt.Sprintf("Domain %s exceeded the per-minute request limit.", domain),
			fmt.Sprintf("domain:%s:minute", domain), retryAfterMinute)
	case len(dom.hour) >= pol.RateLimits.PerDomain.RequestsPerHour:
		return throttle(
			fmt.Sprintf("Domain %s exceeded the per-hour request limit.", domain),
			fmt.Sprintf("domain:%s:hour", domain), retryAfterHour)
	}

	agent.minute = append(agent.minute, now)
	agent.hour = append(agent.hour, now)
	agent.concurrent++
	dom.minute = append(dom.minute, now)
	dom.hour = append(dom.hour, now)
	dom.concurrent++

	return api.RateLimitResult{Allowed: true, Action: api.ActionAllow, Reason: "Request is within configured rate limits."}
}

// Complete releases the concurrency slots taken by an admitted request. It
// is safe to call for requests that were never admitted; counters never go
// below zero.
func (l *Limiter) Complete(agentID, domain string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if agent, ok := l.agents[agentID]; ok && agent.concurrent > 0 {
		agent.concurrent--
	}
	if dom, ok := l.domains[domain]; ok && dom.concurrent > 0 {
		dom.concurrent--
	}
}

// Usage reports the current window counts for one agent.
func (l *Limiter) Usage(agentID string) Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	agent := l.counter(l.agents, agentID)
	agent.prune(l.nowFunc())
	return Usage{
		RequestsLastMinute: len(agent.minute),
		RequestsLastHour:   len(agent.hour),
		Concurrent:         agent.concurrent,
	}
}

// Reset drops all counters.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.agents = map[string]*counterState{}
	l.domains = map[string]*counterState{}
}
