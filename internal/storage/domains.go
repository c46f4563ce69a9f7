package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wardgate/wardgate/api"
)

type DomainDAO interface {
	GetDomain(ctx context.Context, domain string) (*api.DomainRecord, error)
	ListDomains(ctx context.Context) ([]api.DomainRecord, error)
	InsertDomain(ctx context.Context, rec api.DomainRecord) error
	TouchDomain(ctx context.Context, domain string, rec api.DomainRecord) error
	SetDomainStatus(ctx context.Context, domain string, status api.DomainStatus, addedBy api.AddedBy, notes string, lastSeen time.Time) error
}

func (d *dao) GetDomain(ctx context.Context, domain string) (*api.DomainRecord, error) {
	const query = `SELECT * FROM domains WHERE domain = $1`
	var rec api.DomainRecord
	err := d.db.GetContext(ctx, &rec, query, domain)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading domain %s: %w", domain, err)
	}
	return &rec, nil
}

func (d *dao) ListDomains(ctx context.Context) ([]api.DomainRecord, error) {
	const query = `SELECT * FROM domains ORDER BY last_seen DESC`
	var recs []api.DomainRecord
	if err := d.db.SelectContext(ctx, &recs, query); err != nil {
		return nil, fmt.Errorf("listing domains: %w", err)
	}
	return recs, nil
}

func (d *dao) InsertDomain(ctx context.Context, rec api.DomainRecord) error {
	const query = `
		INSERT INTO domains (domain, status, added_by, first_seen, last_seen, request_count, notes)
		VALUES (:domain, :status, :added_by, :first_seen, :last_seen, :request_count, :notes)`
	if _, err := d.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("inserting domain %s: %w", rec.Domain, err)
	}
	return nil
}

// TouchDomain bumps last_seen and the request counter, and updates the
// classification unless the stored record was set by the user. User records
// are sticky: derived status changes never overwrite an explicit decision.
func (d *dao) TouchDomain(ctx context.Context, domain string, rec api.DomainRecord) error {
	const query = `
		UPDATE domains SET
			last_seen = $1,
			request_count = request_count + 1,
			status = CASE WHEN added_by = 'user' THEN status ELSE $2 END,
			added_by = CASE WHEN added_by = 'user' THEN added_by ELSE $3 END
		WHERE domain = $4`
	if _, err := d.db.ExecContext(ctx, query, rec.LastSeen, rec.Status, rec.AddedBy, domain); err != nil {
		return fmt.Errorf("touching domain %s: %w", domain, err)
	}
	return nil
}

func (d *dao) SetDomainStatus(ctx context.Context, domain string, status api.DomainStatus, addedBy api.AddedBy, notes string, lastSeen time.Time) error {
	const query = `UPDATE domains SET status = $1, added_by = $2, notes = $3, last_seen = $4 WHERE domain = $5`
	if _, err := d.db.ExecContext(ctx, query, status, addedBy, notes, lastSeen, domain); err != nil {
		return fmt.Errorf("setting status for domain %s: %w", domain, err)
	}
	return nil
}
