package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/wardgate/wardgate/api"
)

type RequestDAO interface {
	InsertRequest(ctx context.Context, rec api.RequestRecord) error
	GetRequest(ctx context.Context, id string) (*api.RequestRecord, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]api.RequestRecord, error)
	SetRequestResponse(ctx context.Context, id string, status, bodySize int) error
	CountRequestsByDecision(ctx context.Context) (map[api.Action]int, error)
}

// RequestFilter narrows ListRequests. Zero values mean no constraint; Limit
// falls back to 100.
type RequestFilter struct {
	AgentID string
	Domain  string
	Limit   int
}

func (d *dao) InsertRequest(ctx context.Context, rec api.RequestRecord) error {
	const query = `
		INSERT INTO requests (id, agent_id, timestamp, method, url, domain, port, request_headers,
			body_size, body_hash, body_preview, response_status, response_body_size,
			decision, decision_reason, policy_rule_id, threat_score, secrets_detected, intent_analysis, receipt_hash)
		VALUES (:id, :agent_id, :timestamp, :method, :url, :domain, :port, :request_headers,
			:body_size, :body_hash, :body_preview, :response_status, :response_body_size,
			:decision, :decision_reason, :policy_rule_id, :threat_score, :secrets_detected, :intent_analysis, :receipt_hash)`
	if _, err := d.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("inserting request %s: %w", rec.ID, err)
	}
	return nil
}

func (d *dao) GetRequest(ctx context.Context, id string) (*api.RequestRecord, error) {
	const query = `SELECT * FROM requests WHERE id = $1`
	var rec api.RequestRecord
	err := d.db.GetContext(ctx, &rec, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading request %s: %w", id, err)
	}
	return &rec, nil
}

func (d *dao) ListRequests(ctx context.Context, filter RequestFilter) ([]api.RequestRecord, error) {
	query := `SELECT * FROM requests WHERE 1=1`
	var args []any
	if filter.AgentID != "" {
		args = append(args, filter.AgentID)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	if filter.Domain != "" {
		args = append(args, filter.Domain)
		query += fmt.Sprintf(" AND domain = $%d", len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d", len(args))

	var recs []api.RequestRecord
	if err := d.db.SelectContext(ctx, &recs, query, args...); err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}
	return recs, nil
}

func (d *dao) SetRequestResponse(ctx context.Context, id string, status, bodySize int) error {
	const query = `UPDATE requests SET response_status = $1, response_body_size = $2 WHERE id = $3`
	if _, err := d.db.ExecContext(ctx, query, status, bodySize, id); err != nil {
		return fmt.Errorf("recording response for request %s: %w", id, err)
	}
	return nil
}

func (d *dao) CountRequestsByDecision(ctx context.Context) (map[api.Action]int, error) {
	const query = `SELECT decision, COUNT(*) AS n FROM requests GROUP BY decision`
	rows := []struct {
		Decision api.Action `db:"decision"`
		N        int        `db:"n"`
	}{}
	if err := d.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("counting requests: %w", err)
	}
	counts := map[api.Action]int{}
	for _, row := range rows {
		counts[row.Decision] = row.N
	}
	return counts, nil
}
