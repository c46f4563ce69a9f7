package approval

import (
	"context"
	"testing"
	"time"

	"github.com/wardgate/wardgate/api"
)

type recordingApprover struct {
	approved []string
}

func (r *recordingApprover) Approve(ctx context.Context, domain string) (*api.DomainRecord, error) {
	r.approved = append(r.approved, domain)
	return &api.DomainRecord{Domain: domain, Status: api.DomainAllowed, AddedBy: api.AddedByUser}, nil
}

func testTicket() Ticket {
	return Ticket{
		RequestID: "req-1",
		AgentID:   "agent-1",
		AgentName: "claude-code",
		Method:    "POST",
		URL:       "https://upload.example.com/data",
		Domain:    "upload.example.com",
		Reason:    "First contact with upload.example.com requires review.",
		RuleID:    "domain:first-contact",
	}
}

func TestQueue_SubmitAndApprove(t *testing.T) {
	domains := &recordingApprover{}
	q := NewQueue(10*time.Second, domains)

	var action api.Action
	var submitErr error
	done := make(chan struct{})

	go func() {
		action, submitErr = q.Submit(context.Background(), testTicket())
		close(done)
	}()

	// Wait a moment for the request to be queued
	time.Sleep(50 * time.Millisecond)

	pending := q.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending request, got %d", len(pending))
	}

	if err := q.Approve(context.Background(), pending[0].ID); err != nil {
		t.Fatal(err)
	}

	<-done
	if submitErr != nil {
		t.Fatal(submitErr)
	}
	if action != api.ActionAllow {
		t.Errorf("expected allow after approval, got %s", action)
	}
	if len(domains.approved) != 1 || domains.approved[0] != "upload.example.com" {
		t.Errorf("expected the domain to be marked user-approved, got %v", domains.approved)
	}
}

func TestQueue_SubmitAndDeny(t *testing.T) {
	domains := &recordingApprover{}
	q := NewQueue(10*time.Second, domains)

	var action api.Action
	done := make(chan struct{})

	go func() {
		action, _ = q.Submit(context.Background(), testTicket())
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)

	pending := q.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending, got %d", len(pending))
	}

	if err := q.Deny(pending[0].ID); err != nil {
		t.Fatal(err)
	}

	<-done
	if action != api.ActionBlock {
		t.Errorf("expected block, got %s", action)
	}
	if len(domains.approved) != 0 {
		t.Errorf("denial must not touch the domain ledger, got %v", domains.approved)
	}
}

func TestQueue_Timeout(t *testing.T) {
	q := NewQueue(100*time.Millisecond, nil)

	action, err := q.Submit(context.Background(), testTicket())
	if err != nil {
		t.Fatal(err)
	}
	if action != api.ActionBlock {
		t.Errorf("expected block on timeout, got %s", action)
	}

	all := q.All()
	if len(all) != 1 {
		t.Fatalf("expected 1 request, got %d", len(all))
	}
	if all[0].Status != StatusTimedOut {
		t.Errorf("expected timed_out status, got %s", all[0].Status)
	}
}

func TestQueue_ContextCancellation(t *testing.T) {
	q := NewQueue(10*time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	action, err := q.Submit(ctx, testTicket())
	if err == nil {
		t.Fatal("expected error on context cancellation")
	}
	if action != api.ActionBlock {
		t.Errorf("expected block on context cancel, got %s", action)
	}
}

func TestQueue_DoubleResolve(t *testing.T) {
	q := NewQueue(10*time.Second, nil)

	go func() {
		q.Submit(context.Background(), testTicket())
	}()
	time.Sleep(50 * time.Millisecond)

	pending := q.Pending()
	if err := q.Approve(context.Background(), pending[0].ID); err != nil {
		t.Fatal(err)
	}
	if err := q.Approve(context.Background(), pending[0].ID); err == nil {
		t.Fatal("expected error for double resolve")
	}
}

func TestQueue_Subscribe(t *testing.T) {
	q := NewQueue(10*time.Second, nil)

	ch, cancel := q.Subscribe()
	defer cancel()

	go func() {
		q.Submit(context.Background(), testTicket())
	}()

	select {
	case req := <-ch:
		if req.Domain != "upload.example.com" {
			t.Errorf("expected upload.example.com, got %s", req.Domain)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for subscription")
	}

	// Clean up: deny the pending request
	pending := q.Pending()
	if len(pending) > 0 {
		q.Deny(pending[0].ID)
	}
}
