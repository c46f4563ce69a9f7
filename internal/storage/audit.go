package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/wardgate/wardgate/api"
)

type AuditDAO interface {
	AppendAuditEntry(ctx context.Context, entry api.AuditEntry) error
	LatestAuditEntry(ctx context.Context) (*api.AuditEntry, error)
	ListAuditEntries(ctx context.Context, limit int) ([]api.AuditEntry, error)
	AuditEntriesInOrder(ctx context.Context) ([]api.AuditEntry, error)
}

type ReceiptDAO interface {
	AppendReceipt(ctx context.Context, receipt api.DecisionReceipt) error
	LatestReceipt(ctx context.Context) (*api.DecisionReceipt, error)
	GetReceiptByRequest(ctx context.Context, requestID string) (*api.DecisionReceipt, error)
	ReceiptsInOrder(ctx context.Context) ([]api.DecisionReceipt, error)
}

const auditColumns = `id, timestamp, event_type, agent_id, request_id, details, entry_hash, previous_hash`

func (d *dao) AppendAuditEntry(ctx context.Context, entry api.AuditEntry) error {
	const query = `
		INSERT INTO audit_log (` + auditColumns + `)
		VALUES (:id, :timestamp, :event_type, :agent_id, :request_id, :details, :entry_hash, :previous_hash)`
	if _, err := d.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("appending audit entry %s: %w", entry.ID, err)
	}
	return nil
}

func (d *dao) LatestAuditEntry(ctx context.Context) (*api.AuditEntry, error) {
	const query = `SELECT ` + auditColumns + ` FROM audit_log ORDER BY seq DESC LIMIT 1`
	var entry api.AuditEntry
	err := d.db.GetContext(ctx, &entry, query)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading latest audit entry: %w", err)
	}
	return &entry, nil
}

func (d *dao) ListAuditEntries(ctx context.Context, limit int) ([]api.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT ` + auditColumns + ` FROM audit_log ORDER BY seq DESC LIMIT $1`
	var entries []api.AuditEntry
	if err := d.db.SelectContext(ctx, &entries, query, limit); err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	return entries, nil
}

// AuditEntriesInOrder returns the whole chain oldest-first, the order
// verification walks it in.
func (d *dao) AuditEntriesInOrder(ctx context.Context) ([]api.AuditEntry, error) {
	const query = `SELECT ` + auditColumns + ` FROM audit_log ORDER BY seq ASC`
	var entries []api.AuditEntry
	if err := d.db.SelectContext(ctx, &entries, query); err != nil {
		return nil, fmt.Errorf("reading audit chain: %w", err)
	}
	return entries, nil
}

const receiptColumns = `id, timestamp, request_id, request_hash, decision, reason, policy_rule_id, chain_hash`

func (d *dao) AppendReceipt(ctx context.Context, receipt api.DecisionReceipt) error {
	const query = `
		INSERT INTO receipts (` + receiptColumns + `)
		VALUES (:id, :timestamp, :request_id, :request_hash, :decision, :reason, :policy_rule_id, :chain_hash)`
	if _, err := d.db.NamedExecContext(ctx, query, receipt); err != nil {
		return fmt.Errorf("appending receipt %s: %w", receipt.ID, err)
	}
	return nil
}

func (d *dao) LatestReceipt(ctx context.Context) (*api.DecisionReceipt, error) {
	const query = `SELECT ` + receiptColumns + ` FROM receipts ORDER BY seq DESC LIMIT 1`
	var receipt api.DecisionReceipt
	err := d.db.GetContext(ctx, &receipt, query)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading latest receipt: %w", err)
	}
	return &receipt, nil
}

func (d *dao) GetReceiptByRequest(ctx context.Context, requestID string) (*api.DecisionReceipt, error) {
	const query = `SELECT ` + receiptColumns + ` FROM receipts WHERE request_id = $1 ORDER BY seq DESC LIMIT 1`
	var receipt api.DecisionReceipt
	err := d.db.GetContext(ctx, &receipt, query, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading receipt for request %s: %w", requestID, err)
	}
	return &receipt, nil
}

func (d *dao) ReceiptsInOrder(ctx context.Context) ([]api.DecisionReceipt, error) {
	const query = `SELECT ` + receiptColumns + ` FROM receipts ORDER BY seq ASC`
	var receipts []api.DecisionReceipt
	if err := d.db.SelectContext(ctx, &receipts, query); err != nil {
		return nil, fmt.Errorf("reading receipt chain: %w", err)
	}
	return receipts, nil
}
