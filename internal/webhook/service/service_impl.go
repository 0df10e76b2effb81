package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	disputedomain "github.com/smallbiznis/reckon/internal/dispute/domain"
	idemdomain "github.com/smallbiznis/reckon/internal/idempotency/domain"
	obsmetrics "github.com/smallbiznis/reckon/internal/observability/metrics"
	"github.com/smallbiznis/reckon/internal/provider"
	recondomain "github.com/smallbiznis/reckon/internal/recon/domain"
	webhookdomain "github.com/smallbiznis/reckon/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	disputeEventPrefix   = "dispute."
	transactionBatchType = "transaction.batch"
	batchScopePrefix     = "recon:"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Disputes  disputedomain.Service
	Recon     recondomain.Service
	Ledger    idemdomain.Ledger
	Providers *provider.Registry
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type Dispatcher struct {
	db        *gorm.DB
	log       *zap.Logger
	disputes  disputedomain.Service
	recon     recondomain.Service
	ledger    idemdomain.Ledger
	providers *provider.Registry
	metrics   *obsmetrics.Metrics
}

func NewDispatcher(p Params) webhookdomain.Dispatcher {
	return &Dispatcher{
		db:        p.DB,
		log:       p.Log.Named("webhook"),
		disputes:  p.Disputes,
		recon:     p.Recon,
		ledger:    p.Ledger,
		providers: p.Providers,
		metrics:   p.Metrics,
	}
}

type envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	ChannelID snowflake.ID    `json:"channel_id"`
	Created   int64           `json:"created"`
	Data      json.RawMessage `json:"data"`
}

type disputeData struct {
	CaseID        string `json:"case_id"`
	Reason        string `json:"reason"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	OrderNumber   string `json:"order_number"`
	Disposition   string `json:"disposition"`
	EvidenceDueBy int64  `json:"evidence_due_by"`
}

type transactionBatch struct {
	Transactions []transactionLine `json:"transactions"`
}

type transactionLine struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Amount     int64             `json:"amount"`
	Fee        int64             `json:"fee"`
	Net        int64             `json:"net"`
	Currency   string            `json:"currency"`
	Status     string            `json:"status"`
	OccurredAt int64             `json:"occurred_at"`
	Metadata   map[string]string `json:"metadata"`
}

func (d *Dispatcher) Dispatch(ctx context.Context, providerName string, payload []byte) (*webhookdomain.DispatchResult, error) {
	providerName = strings.ToLower(strings.TrimSpace(providerName))
	if !d.providers.Exists(providerName) {
		return nil, webhookdomain.ErrUnknownProvider
	}

	var event envelope
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, webhookdomain.ErrInvalidPayload
	}
	if event.ID == "" || event.Type == "" || event.ChannelID == 0 {
		return nil, webhookdomain.ErrInvalidPayload
	}

	var (
		result *webhookdomain.DispatchResult
		err    error
	)
	switch {
	case strings.HasPrefix(event.Type, disputeEventPrefix):
		result, err = d.dispatchDispute(ctx, providerName, &event, payload)
	case event.Type == transactionBatchType:
		result, err = d.dispatchBatch(ctx, providerName, &event)
	default:
		// Providers redeliver on non-2xx, so unhandled event types are
		// acknowledged and skipped.
		result = &webhookdomain.DispatchResult{
			EventID:   event.ID,
			EventType: event.Type,
			Outcome:   webhookdomain.OutcomeIgnored,
		}
	}
	if err != nil {
		d.metrics.RecordWebhookEvent(ctx, providerName, event.Type, webhookdomain.OutcomeFailed)
		return nil, err
	}

	d.metrics.RecordWebhookEvent(ctx, providerName, event.Type, result.Outcome)
	d.log.Info("webhook dispatched",
		zap.String("provider", providerName),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("outcome", result.Outcome),
	)
	return result, nil
}

func (d *Dispatcher) dispatchDispute(ctx context.Context, providerName string, event *envelope, payload []byte) (*webhookdomain.DispatchResult, error) {
	var data disputeData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, webhookdomain.ErrInvalidPayload
	}
	if data.CaseID == "" {
		return nil, webhookdomain.ErrInvalidPayload
	}

	disputeEvent := &disputedomain.Event{
		Provider:       providerName,
		EventID:        event.ID,
		ProviderCaseID: data.CaseID,
		Type:           event.Type,
		ChannelID:      event.ChannelID,
		OrderNumber:    data.OrderNumber,
		AmountCents:    data.Amount,
		Currency:       data.Currency,
		Reason:         data.Reason,
		Disposition:    data.Disposition,
		RawPayload:     payload,
	}
	if event.Created > 0 {
		disputeEvent.OccurredAt = time.Unix(event.Created, 0).UTC()
	}
	if data.EvidenceDueBy > 0 {
		due := time.Unix(data.EvidenceDueBy, 0).UTC()
		disputeEvent.EvidenceDueBy = &due
	}

	dispute, err := d.disputes.IngestEvent(ctx, disputeEvent)
	if err != nil {
		// A replayed event already did its work; acknowledge it.
		if errors.Is(err, idemdomain.ErrDuplicateEvent) {
			return &webhookdomain.DispatchResult{
				EventID:   event.ID,
				EventType: event.Type,
				Outcome:   webhookdomain.OutcomeDuplicate,
			}, nil
		}
		return nil, err
	}

	return &webhookdomain.DispatchResult{
		EventID:   event.ID,
		EventType: event.Type,
		Outcome:   webhookdomain.OutcomeApplied,
		DisputeID: dispute.ID.String(),
	}, nil
}

func (d *Dispatcher) dispatchBatch(ctx context.Context, providerName string, event *envelope) (*webhookdomain.DispatchResult, error) {
	var batch transactionBatch
	if err := json.Unmarshal(event.Data, &batch); err != nil {
		return nil, webhookdomain.ErrInvalidPayload
	}

	scope := batchScopePrefix + providerName
	record, owned, err := d.ledger.Begin(ctx, d.db, event.ChannelID, scope, event.ID, "")
	if err != nil {
		return nil, err
	}
	if !owned {
		switch record.Status {
		case idemdomain.StatusCompleted:
			return &webhookdomain.DispatchResult{
				EventID:   event.ID,
				EventType: event.Type,
				Outcome:   webhookdomain.OutcomeDuplicate,
			}, nil
		case idemdomain.StatusInProgress:
			return nil, idemdomain.ErrInProgress
		}
		// FAILED batches are retried; every line insert is idempotent.
	}

	inputs := make([]recondomain.TxnInput, 0, len(batch.Transactions))
	for _, line := range batch.Transactions {
		input := recondomain.TxnInput{
			ChannelID:     event.ChannelID,
			Provider:      providerName,
			ProviderTxnID: line.ID,
			Type:          recondomain.TxnType(line.Type),
			AmountCents:   line.Amount,
			FeeCents:      line.Fee,
			NetCents:      line.Net,
			Currency:      line.Currency,
			Status:        line.Status,
			Metadata:      line.Metadata,
		}
		if line.OccurredAt > 0 {
			input.OccurredAt = time.Unix(line.OccurredAt, 0).UTC()
		}
		inputs = append(inputs, input)
	}

	batchResult, err := d.recon.IngestBatch(ctx, inputs)
	if err != nil {
		result, _ := json.Marshal(map[string]any{"error": err.Error()})
		if failErr := d.ledger.Fail(ctx, d.db, event.ChannelID, scope, event.ID, result); failErr != nil {
			d.log.Warn("failed to mark batch event failed", zap.Error(failErr))
		}
		return nil, err
	}

	result, err := json.Marshal(map[string]any{
		"ingested":   batchResult.Ingested,
		"duplicates": batchResult.Duplicates,
	})
	if err != nil {
		return nil, err
	}
	if err := d.ledger.Complete(ctx, d.db, event.ChannelID, scope, event.ID, result); err != nil {
		return nil, err
	}

	return &webhookdomain.DispatchResult{
		EventID:   event.ID,
		EventType: event.Type,
		Outcome:   webhookdomain.OutcomeApplied,
		Ingested:  batchResult.Ingested,
	}, nil
}
