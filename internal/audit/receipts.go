package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardgate/wardgate/api"
	"github.com/wardgate/wardgate/internal/storage"
)

// ReceiptInput is what a decision receipt commits to.
type ReceiptInput struct {
	RequestID    string
	RequestHash  string
	Decision     api.Action
	Reason       string
	PolicyRuleID string
	Timestamp    time.Time
}

// Receipts maintains the per-decision hash chain. It is independent of the
// audit chain: each chain has its own genesis and its own head, and the two
// are verified separately.
type Receipts struct {
	mu  sync.Mutex
	dao storage.ReceiptDAO
}

func NewReceipts(dao storage.ReceiptDAO) *Receipts {
	return &Receipts{dao: dao}
}

// Generate creates, chains, and persists a receipt for one decision.
func (r *Receipts) Generate(ctx context.Context, input ReceiptInput) (*api.DecisionReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := input.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	previousHash := genesis
	if latest, err := r.dao.LatestReceipt(ctx); err != nil {
		return nil, err
	} else if latest != nil {
		previousHash = latest.ChainHash
	}

	receipt := api.DecisionReceipt{
		ID:           uuid.NewString(),
		Timestamp:    ts,
		RequestID:    input.RequestID,
		RequestHash:  input.RequestHash,
		Decision:     input.Decision,
		Reason:       input.Reason,
		PolicyRuleID: input.PolicyRuleID,
	}

	chainHash, err := HashEntry(previousHash, receiptPayload(receipt))
	if err != nil {
		return nil, err
	}
	receipt.ChainHash = chainHash

	if err := r.dao.AppendReceipt(ctx, receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func receiptPayload(receipt api.DecisionReceipt) map[string]any {
	return map[string]any{
		"request_id":     receipt.RequestID,
		"request_hash":   receipt.RequestHash,
		"decision":       string(receipt.Decision),
		"reason":         receipt.Reason,
		"policy_rule_id": receipt.PolicyRuleID,
		"timestamp":      receipt.Timestamp.UnixMilli(),
	}
}

// VerifyChain walks the receipt chain from genesis.
func (r *Receipts) VerifyChain(ctx context.Context) (ChainReport, error) {
	receipts, err := r.dao.ReceiptsInOrder(ctx)
	if err != nil {
		return ChainReport{}, err
	}

	previousHash := genesis
	for _, receipt := range receipts {
		expected, err := HashEntry(previousHash, receiptPayload(receipt))
		if err != nil {
			return ChainReport{}, err
		}
		if receipt.ChainHash != expected {
			return ChainReport{Valid: false, BrokenAtID: receipt.ID, TotalEntries: len(receipts)}, nil
		}
		previousHash = receipt.ChainHash
	}
	return ChainReport{Valid: true, TotalEntries: len(receipts)}, nil
}

// ByRequest returns the receipt for one request, or nil.
func (r *Receipts) ByRequest(ctx context.Context, requestID string) (*api.DecisionReceipt, error) {
	return r.dao.GetReceiptByRequest(ctx, requestID)
}
