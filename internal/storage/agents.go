package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/wardgate/wardgate/api"
)

type AgentDAO interface {
	UpsertAgent(ctx context.Context, agent api.AgentRecord) error
	GetAgent(ctx context.Context, id string) (*api.AgentRecord, error)
	ListAgents(ctx context.Context) ([]api.AgentRecord, error)
	BumpAgentCounters(ctx context.Context, id string, blocked bool, threatScore float64) error
}

func (d *dao) UpsertAgent(ctx context.Context, agent api.AgentRecord) error {
	const query = `
		INSERT INTO agents (id, name, process_name, pid, first_seen, last_seen, status, total_requests, blocked_requests, threat_score)
		VALUES (:id, :name, :process_name, :pid, :first_seen, :last_seen, :status, :total_requests, :blocked_requests, :threat_score)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			process_name = excluded.process_name,
			pid = excluded.pid,
			last_seen = excluded.last_seen,
			status = excluded.status`
	if _, err := d.db.NamedExecContext(ctx, query, agent); err != nil {
		return fmt.Errorf("upserting agent %s: %w", agent.ID, err)
	}
	return nil
}

func (d *dao) GetAgent(ctx context.Context, id string) (*api.AgentRecord, error) {
	const query = `SELECT * FROM agents WHERE id = $1`
	var agent api.AgentRecord
	err := d.db.GetContext(ctx, &agent, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent %s: %w", id, err)
	}
	return &agent, nil
}

func (d *dao) ListAgents(ctx context.Context) ([]api.AgentRecord, error) {
	const query = `SELECT * FROM agents ORDER BY last_seen DESC`
	var agents []api.AgentRecord
	if err := d.db.SelectContext(ctx, &agents, query); err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	return agents, nil
}

// BumpAgentCounters records the outcome of one decided request. The stored
// threat score tracks the highest score the agent has produced.
func (d *dao) BumpAgentCounters(ctx context.Context, id string, blocked bool, threatScore float64) error {
	const query = `
		UPDATE agents SET
			total_requests = total_requests + 1,
			blocked_requests = blocked_requests + $1,
			threat_score = MAX(threat_score, $2)
		WHERE id = $3`
	blockedInc := 0
	if blocked {
		blockedInc = 1
	}
	if _, err := d.db.ExecContext(ctx, query, blockedInc, threatScore, id); err != nil {
		return fmt.Errorf("updating agent counters for %s: %w", id, err)
	}
	return nil
}
