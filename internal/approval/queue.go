// Package approval holds require_approval decisions until a human resolves
// them or they time out.
package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wardgate/wardgate/api"
)

// DomainApprover marks a domain as user-approved once a human allows a
// request to it.
type DomainApprover interface {
	Approve(ctx context.Context, domain string) (*api.DomainRecord, error)
}

// Queue manages pending approval requests.
type Queue struct {
	mu       sync.RWMutex
	requests map[string]*Request
	timeout  time.Duration
	nextID   int
	domains  DomainApprover

	// Subscribers for real-time updates
	subMu   sync.RWMutex
	subs    map[int]chan *Request
	nextSub int
}

// NewQueue creates a new approval queue with the given timeout. The domain
// approver may be nil; approvals then resolve the request only.
func NewQueue(timeout time.Duration, domains DomainApprover) *Queue {
	return &Queue{
		requests: make(map[string]*Request),
		timeout:  timeout,
		domains:  domains,
		subs:     make(map[int]chan *Request),
	}
}

// Ticket describes the intercepted request awaiting review.
type Ticket struct {
	RequestID   string
	AgentID     string
	AgentName   string
	Method      string
	URL         string
	Domain      string
	Reason      string
	RuleID      string
	ThreatScore float64
}

// Submit enqueues a ticket and blocks until it is resolved, times out, or the
// context is cancelled. Timeout and denial both yield block.
func (q *Queue) Submit(ctx context.Context, ticket Ticket) (api.Action, error) {
	req := q.enqueue(ticket)
	q.notifySubscribers(req)

	select {
	case <-req.Wait():
		q.mu.RLock()
		defer q.mu.RUnlock()
		if req.Status == StatusApproved {
			return api.ActionAllow, nil
		}
		return api.ActionBlock, nil

	case <-time.After(q.timeout):
		q.mu.Lock()
		if req.Status == StatusPending {
			req.Status = StatusTimedOut
			req.Action = api.ActionBlock
			now := time.Now()
			req.DecidedAt = &now
		}
		status := req.Status
		q.mu.Unlock()
		if status == StatusApproved {
			return api.ActionAllow, nil
		}
		return api.ActionBlock, nil

	case <-ctx.Done():
		return api.ActionBlock, ctx.Err()
	}
}

func (q *Queue) enqueue(ticket Ticket) *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	req := &Request{
		ID:          fmt.Sprintf("approval-%d", q.nextID),
		CreatedAt:   time.Now(),
		RequestID:   ticket.RequestID,
		AgentID:     ticket.AgentID,
		AgentName:   ticket.AgentName,
		Method:      ticket.Method,
		URL:         ticket.URL,
		Domain:      ticket.Domain,
		Reason:      ticket.Reason,
		RuleID:      ticket.RuleID,
		ThreatScore: ticket.ThreatScore,
		Status:      StatusPending,
		done:        make(chan struct{}),
	}
	q.requests[req.ID] = req
	return req
}

// Approve resolves a request in the agent's favor and records the domain as
// user-approved so later requests skip the approval stage.
func (q *Queue) Approve(ctx context.Context, id string) error {
	req, err := q.resolve(id, StatusApproved)
	if err != nil {
		return err
	}
	if q.domains != nil && req.Domain != "" {
		if _, err := q.domains.Approve(ctx, req.Domain); err != nil {
			return fmt.Errorf("recording domain approval: %w", err)
		}
	}
	return nil
}

// Deny resolves a request as blocked.
func (q *Queue) Deny(id string) error {
	_, err := q.resolve(id, StatusDenied)
	return err
}

func (q *Queue) resolve(id string, status Status) (*Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.requests[id]
	if !ok {
		return nil, fmt.Errorf("approval request %q not found", id)
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("approval request %q already resolved: %s", id, req.Status)
	}

	req.Status = status
	now := time.Now()
	req.DecidedAt = &now

	if status == StatusApproved {
		req.Action = api.ActionAllow
	} else {
		req.Action = api.ActionBlock
	}

	close(req.done)
	return req, nil
}

// Pending returns all pending approval requests, oldest first.
func (q *Queue) Pending() []*Request {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var pending []*Request
	for _, req := range q.requests {
		if req.Status == StatusPending {
			pending = append(pending, req)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending
}

// All returns every request seen this session.
func (q *Queue) All() []*Request {
	q.mu.RLock()
	defer q.mu.RUnlock()

	all := make([]*Request, 0, len(q.requests))
	for _, req := range q.requests {
		all = append(all, req)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return all
}

// Subscribe returns a channel that receives new approval requests.
func (q *Queue) Subscribe() (<-chan *Request, func()) {
	q.subMu.Lock()
	defer q.subMu.Unlock()

	ch := make(chan *Request, 50)
	id := q.nextSub
	q.nextSub++
	q.subs[id] = ch

	cancel := func() {
		q.subMu.Lock()
		defer q.subMu.Unlock()
		delete(q.subs, id)
		close(ch)
	}

	return ch, cancel
}

func (q *Queue) notifySubscribers(req *Request) {
	q.subMu.RLock()
	defer q.subMu.RUnlock()

	for _, ch := range q.subs {
		select {
		case ch <- req:
		default:
		}
	}
}
