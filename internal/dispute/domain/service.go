package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// Detail is a dispute with its journal and evidence pack attached.
type Detail struct {
	Dispute  Dispute
	Timeline []TimelineEntry
	Pack     *EvidencePack
}

// EvidenceInput carries operator-supplied evidence fields. Empty fields
// leave the builder's automatic values in place.
type EvidenceInput struct {
	ProductDescription string
	CustomerComms      []string
	RefundPolicy       string
	TermsOfService     string
	Attachments        []string
}

// Recommendation is the suggested response strategy for a dispute based on
// the strength of its assembled evidence.
type Recommendation struct {
	Action     string
	Confidence string
	Strength   int
	Reasons    []string
}

const (
	ActionChallenge     = "challenge"
	ActionPartialRefund = "partial_refund"
	ActionAccept        = "accept"

	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

type Service interface {
	// IngestEvent applies a provider dispute event exactly once, keyed by
	// the event id. Redelivered events return ErrDuplicateEvent from the
	// ledger; callers treat that as success.
	IngestEvent(ctx context.Context, event *Event) (*Dispute, error)

	BuildEvidence(ctx context.Context, disputeID snowflake.ID, actor string) (*EvidencePack, error)
	UpdateEvidence(ctx context.Context, disputeID snowflake.ID, actor string, input EvidenceInput) (*EvidencePack, error)
	MarkEvidenceReady(ctx context.Context, disputeID snowflake.ID, actor string) (*EvidencePack, error)
	SubmitEvidence(ctx context.Context, disputeID snowflake.ID, actor string) (*Dispute, error)
	Recommend(ctx context.Context, disputeID snowflake.ID) (*Recommendation, error)

	MarkNeedsManual(ctx context.Context, disputeID snowflake.ID, actor, reason string) (*Dispute, error)
	UpdateStatus(ctx context.Context, disputeID snowflake.ID, status Status, actor, note string) (*Dispute, error)
	SyncCase(ctx context.Context, disputeID snowflake.ID, actor string) (*Dispute, error)

	Get(ctx context.Context, id snowflake.ID) (*Detail, error)
	List(ctx context.Context, filter ListFilter) ([]Dispute, error)
	Stats(ctx context.Context, channelID snowflake.ID) (*Stats, error)
}
