// Package domain classifies destination domains and tracks their contact
// history. Classification comes from policy glob lists, but once a user has
// approved or denied a domain that record is sticky and policy changes no
// longer move it.
package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/wardgate/wardgate/api"
	"github.com/wardgate/wardgate/internal/policy"
	"github.com/wardgate/wardgate/internal/storage"
)

type Ledger struct {
	dao      storage.DomainDAO
	policies *policy.Store
}

func NewLedger(dao storage.DomainDAO, policies *policy.Store) *Ledger {
	return &Ledger{dao: dao, policies: policies}
}

// classify evaluates the policy glob lists in fixed precedence: denied wins
// over allowed, allowed over require_approval. No match means unknown.
func (l *Ledger) classify(domain string) (api.DomainStatus, string) {
	pol := l.policies.Merged()

	for _, pattern := range pol.Domains.Denied {
		if policy.MatchGlob(pattern, domain) {
			return api.DomainDenied, pattern
		}
	}
	for _, pattern := range pol.Domains.Allowed {
		if policy.MatchGlob(pattern, domain) {
			return api.DomainAllowed, pattern
		}
	}
	for _, pattern := range pol.Domains.RequireApproval {
		if policy.MatchGlob(pattern, domain) {
			return api.DomainPendingApproval, pattern
		}
	}
	return api.DomainUnknown, ""
}

// Check answers how a destination is currently classified. A stored record
// wins over the live policy evaluation; first contact is reported only when
// no record exists yet.
func (l *Ledger) Check(ctx context.Context, domain string) (api.DomainCheckResult, error) {
	existing, err := l.dao.GetDomain(ctx, domain)
	if err != nil {
		return api.DomainCheckResult{}, err
	}

	status, matchedRule := l.classify(domain)

	if existing != nil {
		rule := matchedRule
		if existing.AddedBy != api.AddedByPolicy {
			rule = fmt.Sprintf("%s:%s", existing.AddedBy, existing.Domain)
		}
		return api.DomainCheckResult{
			Status:         existing.Status,
			MatchedRule:    rule,
			IsFirstContact: false,
		}, nil
	}

	return api.DomainCheckResult{
		Status:         status,
		MatchedRule:    matchedRule,
		IsFirstContact: true,
	}, nil
}

// RecordContact registers one observed request to the domain, creating the
// record on first contact.
func (l *Ledger) RecordContact(ctx context.Context, domain string) (*api.DomainRecord, error) {
	now := time.Now().UTC()
	existing, err := l.dao.GetDomain(ctx, domain)
	if err != nil {
		return nil, err
	}

	status, _ := l.classify(domain)

	if existing != nil {
		touch := api.DomainRecord{
			Status:   status,
			AddedBy:  api.AddedByPolicy,
			LastSeen: now,
		}
		if err := l.dao.TouchDomain(ctx, domain, touch); err != nil {
			return nil, err
		}
		return l.dao.GetDomain(ctx, domain)
	}

	addedBy := api.AddedByPolicy
	if status == api.DomainUnknown {
		addedBy = api.AddedByAuto
	}
	rec := api.DomainRecord{
		Domain:       domain,
		Status:       status,
		AddedBy:      addedBy,
		FirstSeen:    now,
		LastSeen:     now,
		RequestCount: 1,
	}
	if err := l.dao.InsertDomain(ctx, rec); err != nil {
		return nil, err
	}
	return l.dao.GetDomain(ctx, domain)
}

// Approve marks a domain allowed by explicit user decision.
func (l *Ledger) Approve(ctx context.Context, domain string) (*api.DomainRecord, error) {
	return l.setUserStatus(ctx, domain, api.DomainAllowed, "Approved by user")
}

// Deny marks a domain denied by explicit user decision.
func (l *Ledger) Deny(ctx context.Context, domain string) (*api.DomainRecord, error) {
	return l.setUserStatus(ctx, domain, api.DomainDenied, "Denied by user")
}

func (l *Ledger) setUserStatus(ctx context.Context, domain string, status api.DomainStatus, notes string) (*api.DomainRecord, error) {
	now := time.Now().UTC()
	existing, err := l.dao.GetDomain(ctx, domain)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if err := l.dao.SetDomainStatus(ctx, domain, status, api.AddedByUser, notes, now); err != nil {
			return nil, err
		}
	} else {
		rec := api.DomainRecord{
			Domain:    domain,
			Status:    status,
			AddedBy:   api.AddedByUser,
			FirstSeen: now,
			LastSeen:  now,
			Notes:     notes,
		}
		if err := l.dao.InsertDomain(ctx, rec); err != nil {
			return nil, err
		}
	}
	return l.dao.GetDomain(ctx, domain)
}

// Unknown lists domains still awaiting a classification.
func (l *Ledger) Unknown(ctx context.Context) ([]api.DomainRecord, error) {
	all, err := l.dao.ListDomains(ctx)
	if err != nil {
		return nil, err
	}
	var unknown []api.DomainRecord
	for _, rec := range all {
		if rec.Status == api.DomainUnknown {
			unknown = append(unknown, rec)
		}
	}
	return unknown, nil
}

// All returns every tracked domain, most recently seen first.
func (l *Ledger) All(ctx context.Context) ([]api.DomainRecord, error) {
	return l.dao.ListDomains(ctx)
}
