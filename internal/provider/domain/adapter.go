package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrProvider marks an outbound call failure. Always retryable; local
	// state must be left untouched when it surfaces.
	ErrProvider         = errors.New("provider_error")
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrCaseNotFound     = errors.New("provider_case_not_found")
)

// CaseSnapshot is the provider's view of a dispute case. It is informational
// only; local dispute status never follows it automatically.
type CaseSnapshot struct {
	ProviderCaseID string
	Status         string
	Reason         string
	AmountCents    int64
	Currency       string
	EvidenceDueBy  *time.Time
	UpdatedAt      time.Time
}

// EvidencePayload is the evidence bundle submitted to contest a case.
type EvidencePayload struct {
	TrackingNumber        string
	TrackingURL           string
	Carrier               string
	DeliveredAt           *time.Time
	ProductDescription    string
	RefundPolicy          string
	TermsOfService        string
	CustomerCommunication []string
}

// Adapter is one payment provider's dispute API.
type Adapter interface {
	Provider() string
	FetchCase(ctx context.Context, providerCaseID string) (*CaseSnapshot, error)
	SubmitEvidence(ctx context.Context, providerCaseID string, evidence EvidencePayload) error
}
