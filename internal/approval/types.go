package approval

import (
	"time"

	"github.com/wardgate/wardgate/api"
)

// Status represents the state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusTimedOut Status = "timed_out"
)

// Request represents a pending human approval request for one intercepted
// request that the policy engine escalated.
type Request struct {
	ID          string     `json:"id"`
	CreatedAt   time.Time  `json:"created_at"`
	RequestID   string     `json:"request_id"`
	AgentID     string     `json:"agent_id"`
	AgentName   string     `json:"agent_name"`
	Method      string     `json:"method"`
	URL         string     `json:"url"`
	Domain      string     `json:"domain"`
	Reason      string     `json:"reason"`
	RuleID      string     `json:"rule_id"`
	ThreatScore float64    `json:"threat_score"`
	Status      Status     `json:"status"`
	Action      api.Action `json:"action,omitempty"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`

	// done is signaled when the request is resolved
	done chan struct{}
}

// Wait returns a channel closed once the request is resolved.
func (r *Request) Wait() <-chan struct{} {
	return r.done
}
