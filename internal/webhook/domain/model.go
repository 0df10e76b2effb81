package domain

import (
	"context"
	"errors"
)

var (
	ErrUnknownProvider = errors.New("unknown_webhook_provider")
	ErrInvalidPayload  = errors.New("invalid_webhook_payload")
)

const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeFailed    = "failed"
)

// DispatchResult reports what a delivery did. Duplicate deliveries are a
// success from the provider's point of view.
type DispatchResult struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Outcome   string `json:"outcome"`
	DisputeID string `json:"dispute_id,omitempty"`
	Ingested  int    `json:"ingested,omitempty"`
}

// Dispatcher routes raw provider deliveries to the owning subsystem.
type Dispatcher interface {
	Dispatch(ctx context.Context, provider string, payload []byte) (*DispatchResult, error)
}
