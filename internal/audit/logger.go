package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardgate/wardgate/api"
	"github.com/wardgate/wardgate/internal/storage"
)

// genesis seeds both hash chains before any entry exists.
const genesis = "genesis"

// EventContext ties an audit entry to the agent and request that caused it.
type EventContext struct {
	AgentID   string
	RequestID string
	Timestamp time.Time
}

// Logger appends to the tamper-evident audit chain. Every entry hashes the
// previous entry's hash together with its own canonical payload, so any
// edit, deletion, or reordering of stored entries breaks verification from
// that point on. Appends are serialized by a mutex: the chain has exactly
// one head.
type Logger struct {
	mu  sync.Mutex
	dao storage.AuditDAO
}

func NewLogger(dao storage.AuditDAO) *Logger {
	return &Logger{dao: dao}
}

// LogEvent appends one entry. Details may be any JSON-serializable value;
// it is stored in canonical form.
func (l *Logger) LogEvent(ctx context.Context, eventType api.EventType, details any, evctx EventContext) (*api.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := evctx.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	serialized := ""
	if details != nil {
		var err error
		serialized, err = CanonicalJSON(details)
		if err != nil {
			return nil, fmt.Errorf("serializing audit details: %w", err)
		}
	}

	previousHash := genesis
	if latest, err := l.dao.LatestAuditEntry(ctx); err != nil {
		return nil, err
	} else if latest != nil {
		previousHash = latest.EntryHash
	}

	entry := api.AuditEntry{
		ID:           uuid.NewString(),
		Timestamp:    ts,
		EventType:    eventType,
		AgentID:      evctx.AgentID,
		RequestID:    evctx.RequestID,
		Details:      serialized,
		PreviousHash: previousHash,
	}

	entryHash, err := HashEntry(previousHash, auditPayload(entry))
	if err != nil {
		return nil, err
	}
	entry.EntryHash = entryHash

	if err := l.dao.AppendAuditEntry(ctx, entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// auditPayload is the hashed portion of an entry. The hash fields themselves
// are excluded; the timestamp is reduced to unix milliseconds so storage
// round-trips cannot change the hash.
func auditPayload(entry api.AuditEntry) map[string]any {
	return map[string]any{
		"id":         entry.ID,
		"timestamp":  entry.Timestamp.UnixMilli(),
		"event_type": string(entry.EventType),
		"agent_id":   entry.AgentID,
		"request_id": entry.RequestID,
		"details":    entry.Details,
	}
}

// ChainReport is the outcome of a full chain walk.
type ChainReport struct {
	Valid        bool   `json:"valid"`
	BrokenAtID   string `json:"broken_at_id,omitempty"`
	TotalEntries int    `json:"total_entries"`
}

// VerifyChain recomputes every hash from genesis and reports the first entry
// that does not match.
func (l *Logger) VerifyChain(ctx context.Context) (ChainReport, error) {
	entries, err := l.dao.AuditEntriesInOrder(ctx)
	if err != nil {
		return ChainReport{}, err
	}

	previousHash := genesis
	for _, entry := range entries {
		expected, err := HashEntry(previousHash, auditPayload(entry))
		if err != nil {
			return ChainReport{}, err
		}
		if entry.EntryHash != expected {
			return ChainReport{Valid: false, BrokenAtID: entry.ID, TotalEntries: len(entries)}, nil
		}
		previousHash = entry.EntryHash
	}
	return ChainReport{Valid: true, TotalEntries: len(entries)}, nil
}

// RecentEvents returns the newest entries first.
func (l *Logger) RecentEvents(ctx context.Context, limit int) ([]api.AuditEntry, error) {
	return l.dao.ListAuditEntries(ctx, limit)
}
