package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// TxnInput is one settlement line from a provider report or webhook batch.
type TxnInput struct {
	ChannelID     snowflake.ID
	Provider      string
	ProviderTxnID string
	Type          TxnType
	AmountCents   int64
	FeeCents      int64
	NetCents      int64
	Currency      string
	Status        string
	OccurredAt    time.Time
	Metadata      map[string]string
	RawPayload    []byte
}

type IngestResult struct {
	Txn      *ProviderTransaction
	Inserted bool
}

type BatchResult struct {
	Ingested   int
	Duplicates int
	Errors     []string
}

type MatchResult struct {
	Examined      int
	Matched       int
	Discrepancies int
}

type DiscrepancyInput struct {
	ProviderTransactionID snowflake.ID
	OrderID               *snowflake.ID
	Kind                  DiscrepancyKind
	ExpectedCents         int64
	ActualCents           int64
	Severity              Severity
	Description           string
}

type Service interface {
	// Ingest stores one settlement line. Replays of the same
	// (channel, provider, provider_txn_id) return the stored row with
	// Inserted false.
	Ingest(ctx context.Context, input TxnInput) (*IngestResult, error)
	IngestBatch(ctx context.Context, inputs []TxnInput) (*BatchResult, error)

	// AutoMatch pairs unmatched transactions with orders by reference.
	// An amount mismatch on a matched pair opens a discrepancy instead.
	// Empty provider and zero channelID mean no filter.
	AutoMatch(ctx context.Context, channelID snowflake.ID, provider string, limit int) (*MatchResult, error)
	Match(ctx context.Context, txnID, orderID snowflake.ID, actor string) (*ProviderTransaction, error)

	CreateDiscrepancy(ctx context.Context, channelID snowflake.ID, input DiscrepancyInput) (*Discrepancy, error)
	InvestigateDiscrepancy(ctx context.Context, id snowflake.ID, actor string) (*Discrepancy, error)
	// ResolveDiscrepancy closes the discrepancy as RESOLVED, or ACCEPTED
	// when the difference is being written off.
	ResolveDiscrepancy(ctx context.Context, id snowflake.ID, actor, resolution string, accepted bool) (*Discrepancy, error)

	GetTxn(ctx context.Context, id snowflake.ID) (*ProviderTransaction, error)
	ListTxns(ctx context.Context, filter TxnFilter) ([]ProviderTransaction, error)
	ListDiscrepancies(ctx context.Context, filter DiscrepancyFilter) ([]Discrepancy, error)
	Stats(ctx context.Context, channelID snowflake.ID) (*Stats, error)
}

// ExtractReference picks the order reference out of provider metadata.
// Keys are tried in a fixed priority order.
func ExtractReference(metadata map[string]string) string {
	for _, key := range []string{"reference_id", "invoice_id", "custom_id"} {
		if value, ok := metadata[key]; ok && value != "" {
			return value
		}
	}
	return ""
}
