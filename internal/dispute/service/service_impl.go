package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/reckon/internal/clock"
	disputedomain "github.com/smallbiznis/reckon/internal/dispute/domain"
	"github.com/smallbiznis/reckon/internal/dispute/evidence"
	idemdomain "github.com/smallbiznis/reckon/internal/idempotency/domain"
	obsmetrics "github.com/smallbiznis/reckon/internal/observability/metrics"
	ordersdomain "github.com/smallbiznis/reckon/internal/orders/domain"
	"github.com/smallbiznis/reckon/internal/provider"
	providerdomain "github.com/smallbiznis/reckon/internal/provider/domain"
	pkgdb "github.com/smallbiznis/reckon/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const webhookScopePrefix = "webhook:"

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      disputedomain.Repository
	Orders    ordersdomain.Repository
	Ledger    idemdomain.Ledger
	Builder   *evidence.Builder
	Providers *provider.Registry
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      disputedomain.Repository
	orders    ordersdomain.Repository
	ledger    idemdomain.Ledger
	builder   *evidence.Builder
	providers *provider.Registry
	metrics   *obsmetrics.Metrics
}

func NewService(p Params) disputedomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("dispute"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		orders:    p.Orders,
		ledger:    p.Ledger,
		builder:   p.Builder,
		providers: p.Providers,
		metrics:   p.Metrics,
	}
}

func (s *Service) IngestEvent(ctx context.Context, event *disputedomain.Event) (*disputedomain.Dispute, error) {
	if event == nil || strings.TrimSpace(event.EventID) == "" ||
		strings.TrimSpace(event.Provider) == "" || strings.TrimSpace(event.ProviderCaseID) == "" {
		return nil, disputedomain.ErrInvalidEvent
	}

	scope := webhookScopePrefix + strings.ToLower(strings.TrimSpace(event.Provider))

	var dispute *disputedomain.Dispute
	err := s.db.Transaction(func(tx *gorm.DB) error {
		record, owned, err := s.ledger.Begin(ctx, tx, event.ChannelID, scope, event.EventID, "")
		if err != nil {
			return err
		}
		if !owned {
			switch record.Status {
			case idemdomain.StatusCompleted:
				return idemdomain.ErrDuplicateEvent
			case idemdomain.StatusInProgress:
				return idemdomain.ErrInProgress
			}
			// FAILED records are retried in place.
		}

		dispute, err = s.applyEvent(ctx, tx, event)
		if err != nil {
			return err
		}

		result, err := json.Marshal(map[string]any{
			"dispute_id": dispute.ID.String(),
			"status":     dispute.Status,
		})
		if err != nil {
			return err
		}
		return s.ledger.Complete(ctx, tx, event.ChannelID, scope, event.EventID, result)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordDisputeTransition(ctx, string(disputedomain.KindWebhook))
	s.log.Info("dispute event applied",
		zap.String("provider", event.Provider),
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.Type),
		zap.String("dispute_id", dispute.ID.String()),
		zap.String("status", string(dispute.Status)),
	)
	return dispute, nil
}

func (s *Service) applyEvent(ctx context.Context, tx *gorm.DB, event *disputedomain.Event) (*disputedomain.Dispute, error) {
	now := s.clock.Now()

	dispute, err := s.repo.FindByProviderCaseForUpdate(ctx, tx, event.Provider, event.ProviderCaseID)
	if err != nil && !errors.Is(err, disputedomain.ErrNotFound) {
		return nil, err
	}

	if dispute == nil {
		dispute, err = s.openFromEvent(ctx, tx, event)
		if err != nil {
			return nil, err
		}
	} else {
		if err := s.advanceFromEvent(dispute, event); err != nil {
			return nil, err
		}
		if err := s.repo.Update(ctx, tx, dispute); err != nil {
			return nil, err
		}
	}

	meta, err := json.Marshal(map[string]any{
		"event_id":   event.EventID,
		"event_type": event.Type,
	})
	if err != nil {
		return nil, err
	}
	entry := &disputedomain.TimelineEntry{
		ID:        s.genID.Generate(),
		DisputeID: dispute.ID,
		Kind:      disputedomain.KindWebhook,
		Message:   fmt.Sprintf("provider event %s", event.Type),
		Meta:      datatypes.JSON(meta),
		CreatedAt: now,
	}
	if err := s.repo.AppendTimeline(ctx, tx, entry); err != nil {
		return nil, err
	}
	return dispute, nil
}

func (s *Service) openFromEvent(ctx context.Context, tx *gorm.DB, event *disputedomain.Event) (*disputedomain.Dispute, error) {
	createdAt := s.clock.Now()

	status := disputedomain.StatusOpen
	if event.Type == disputedomain.EventTypeEvidenceRequired {
		status = disputedomain.StatusEvidenceRequired
	}

	dispute := &disputedomain.Dispute{
		ID:             s.genID.Generate(),
		ChannelID:      event.ChannelID,
		Provider:       strings.ToLower(strings.TrimSpace(event.Provider)),
		ProviderCaseID: strings.TrimSpace(event.ProviderCaseID),
		Status:         status,
		Reason:         event.Reason,
		AmountCents:    event.AmountCents,
		Currency:       strings.ToUpper(event.Currency),
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
	if event.EvidenceDueBy != nil {
		due := event.EvidenceDueBy.UTC()
		dispute.EvidenceDeadline = &due
	}
	if !event.OccurredAt.IsZero() {
		occurred := event.OccurredAt.UTC()
		dispute.LastProviderUpdateAt = &occurred
	}

	if number := strings.TrimSpace(event.OrderNumber); number != "" {
		order, err := s.orders.FindOrderByNumber(ctx, tx, event.ChannelID, number)
		if err != nil && !errors.Is(err, ordersdomain.ErrNotFound) {
			return nil, err
		}
		if order != nil {
			dispute.OrderID = &order.ID
		}
	}

	inserted, err := s.repo.Insert(ctx, tx, dispute)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// Lost the first-event race; reload the winner's row.
		return s.repo.FindByProviderCaseForUpdate(ctx, tx, event.Provider, event.ProviderCaseID)
	}
	return dispute, nil
}

func (s *Service) advanceFromEvent(dispute *disputedomain.Dispute, event *disputedomain.Event) error {
	current := s.clock.Now()

	if !event.OccurredAt.IsZero() {
		occurred := event.OccurredAt.UTC()
		dispute.LastProviderUpdateAt = &occurred
	}
	if event.EvidenceDueBy != nil {
		due := event.EvidenceDueBy.UTC()
		dispute.EvidenceDeadline = &due
	}
	if event.Reason != "" {
		dispute.Reason = event.Reason
	}

	switch event.Type {
	case disputedomain.EventTypeCreated, disputedomain.EventTypeUpdated:
		// Informational; status holds.
	case disputedomain.EventTypeEvidenceRequired:
		if dispute.Status == disputedomain.StatusOpen {
			dispute.Status = disputedomain.StatusEvidenceRequired
		}
	case disputedomain.EventTypeClosed:
		if dispute.Status.Terminal() {
			break
		}
		switch event.Disposition {
		case disputedomain.DispositionWon:
			dispute.Status = disputedomain.StatusWon
		case disputedomain.DispositionLost:
			dispute.Status = disputedomain.StatusLost
		default:
			dispute.Status = disputedomain.StatusClosed
		}
	default:
		return disputedomain.ErrInvalidEvent
	}

	dispute.UpdatedAt = current
	return nil
}

func (s *Service) BuildEvidence(ctx context.Context, disputeID snowflake.ID, actor string) (*disputedomain.EvidencePack, error) {
	var pack *disputedomain.EvidencePack
	err := s.db.Transaction(func(tx *gorm.DB) error {
		dispute, err := s.repo.FindForUpdate(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		if dispute.Status != disputedomain.StatusOpen && dispute.Status != disputedomain.StatusEvidenceRequired {
			return disputedomain.ErrInvalidState
		}

		var complete bool
		pack, complete, err = s.builder.Assemble(ctx, tx, dispute)
		if err != nil {
			return err
		}
		if err := s.repo.InsertPack(ctx, tx, pack); err != nil {
			// A concurrent build already attached a pack; the unique index on
			// dispute_id is the authority, not the status read above.
			if pkgdb.IsDuplicateKeyErr(err) {
				return disputedomain.ErrInvalidState
			}
			return err
		}

		now := s.clock.Now()
		dispute.Status = disputedomain.StatusEvidenceBuilding
		dispute.EvidencePackID = &pack.ID
		dispute.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, dispute); err != nil {
			return err
		}
		if err := s.appendEntry(ctx, tx, dispute.ID, disputedomain.KindEvidenceBuilding,
			"evidence pack assembly started", map[string]any{"actor": actor, "pack_id": pack.ID.String()}); err != nil {
			return err
		}

		if !complete {
			return nil
		}

		// Fully assembled from records; no operator input needed.
		pack.Status = disputedomain.PackReady
		pack.UpdatedAt = now
		if err := s.repo.UpdatePack(ctx, tx, pack); err != nil {
			return err
		}
		dispute.Status = disputedomain.StatusEvidenceReady
		if err := s.repo.Update(ctx, tx, dispute); err != nil {
			return err
		}
		return s.appendEntry(ctx, tx, dispute.ID, disputedomain.KindStatusUpdate,
			"evidence pack ready", map[string]any{"pack_id": pack.ID.String()})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordDisputeTransition(ctx, string(disputedomain.KindEvidenceBuilding))
	s.log.Info("evidence pack assembled",
		zap.String("dispute_id", disputeID.String()),
		zap.String("pack_id", pack.ID.String()),
		zap.String("pack_status", string(pack.Status)),
	)
	return pack, nil
}

func (s *Service) UpdateEvidence(ctx context.Context, disputeID snowflake.ID, actor string, input disputedomain.EvidenceInput) (*disputedomain.EvidencePack, error) {
	var pack *disputedomain.EvidencePack
	err := s.db.Transaction(func(tx *gorm.DB) error {
		dispute, err := s.repo.FindForUpdate(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		if dispute.Status != disputedomain.StatusEvidenceBuilding && dispute.Status != disputedomain.StatusEvidenceReady {
			return disputedomain.ErrInvalidState
		}

		pack, err = s.repo.FindPackByDispute(ctx, tx, dispute.ID)
		if err != nil {
			return err
		}
		if pack.Status == disputedomain.PackSubmitted {
			return disputedomain.ErrInvalidState
		}
		if err := s.builder.Apply(pack, input); err != nil {
			return err
		}
		return s.repo.UpdatePack(ctx, tx, pack)
	})
	if err != nil {
		return nil, err
	}
	return pack, nil
}

func (s *Service) MarkEvidenceReady(ctx context.Context, disputeID snowflake.ID, actor string) (*disputedomain.EvidencePack, error) {
	var pack *disputedomain.EvidencePack
	err := s.db.Transaction(func(tx *gorm.DB) error {
		dispute, err := s.repo.FindForUpdate(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		if dispute.Status != disputedomain.StatusEvidenceBuilding {
			return disputedomain.ErrInvalidState
		}

		pack, err = s.repo.FindPackByDispute(ctx, tx, dispute.ID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		pack.Status = disputedomain.PackReady
		pack.UpdatedAt = now
		if err := s.repo.UpdatePack(ctx, tx, pack); err != nil {
			return err
		}

		dispute.Status = disputedomain.StatusEvidenceReady
		dispute.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, dispute); err != nil {
			return err
		}
		return s.appendEntry(ctx, tx, dispute.ID, disputedomain.KindStatusUpdate,
			"evidence pack marked ready", map[string]any{"actor": actor, "pack_id": pack.ID.String()})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordDisputeTransition(ctx, string(disputedomain.KindStatusUpdate))
	return pack, nil
}

func (s *Service) SubmitEvidence(ctx context.Context, disputeID snowflake.ID, actor string) (*disputedomain.Dispute, error) {
	var dispute *disputedomain.Dispute
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		dispute, err = s.repo.FindForUpdate(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		switch dispute.Status {
		case disputedomain.StatusEvidenceReady:
		case disputedomain.StatusEvidenceBuilding:
			// The pack exists but is not READY yet.
			return disputedomain.ErrEvidenceNotReady
		default:
			return disputedomain.ErrInvalidState
		}

		pack, err := s.repo.FindPackByDispute(ctx, tx, dispute.ID)
		if err != nil {
			return err
		}
		if pack.Status != disputedomain.PackReady {
			return disputedomain.ErrEvidenceNotReady
		}

		adapter, err := s.providers.Adapter(dispute.Provider)
		if err != nil {
			return err
		}
		// Outbound call runs before any local write so a failure rolls the
		// whole transaction back with nothing to undo.
		if err := adapter.SubmitEvidence(ctx, dispute.ProviderCaseID, packPayload(pack)); err != nil {
			return err
		}

		now := s.clock.Now()
		pack.Status = disputedomain.PackSubmitted
		pack.SubmittedAt = &now
		pack.SubmittedBy = actor
		pack.UpdatedAt = now
		if err := s.repo.UpdatePack(ctx, tx, pack); err != nil {
			return err
		}

		dispute.Status = disputedomain.StatusSubmitted
		dispute.LastError = nil
		dispute.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, dispute); err != nil {
			return err
		}
		return s.appendEntry(ctx, tx, dispute.ID, disputedomain.KindEvidenceSubmitted,
			"evidence submitted to provider", map[string]any{"actor": actor, "pack_id": pack.ID.String()})
	})
	if err != nil {
		if errors.Is(err, providerdomain.ErrProvider) {
			s.recordLastError(ctx, disputeID, err)
		}
		return nil, err
	}

	s.metrics.RecordDisputeTransition(ctx, string(disputedomain.KindEvidenceSubmitted))
	s.log.Info("evidence submitted",
		zap.String("dispute_id", dispute.ID.String()),
		zap.String("provider", dispute.Provider),
	)
	return dispute, nil
}

// recordLastError is diagnostic only; it runs outside the failed transaction
// and never touches status or the timeline.
func (s *Service) recordLastError(ctx context.Context, disputeID snowflake.ID, cause error) {
	dispute, err := s.repo.Find(ctx, s.db, disputeID)
	if err != nil {
		return
	}
	message := cause.Error()
	dispute.LastError = &message
	dispute.UpdatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, s.db, dispute); err != nil {
		s.log.Warn("failed to record dispute error",
			zap.String("dispute_id", disputeID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) Recommend(ctx context.Context, disputeID snowflake.ID) (*disputedomain.Recommendation, error) {
	if _, err := s.repo.Find(ctx, s.db, disputeID); err != nil {
		return nil, err
	}
	pack, err := s.repo.FindPackByDispute(ctx, s.db, disputeID)
	if err != nil && !errors.Is(err, disputedomain.ErrPackNotFound) {
		return nil, err
	}
	return evidence.Recommend(pack), nil
}

func (s *Service) MarkNeedsManual(ctx context.Context, disputeID snowflake.ID, actor, reason string) (*disputedomain.Dispute, error) {
	var dispute *disputedomain.Dispute
	var flagged bool
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		dispute, err = s.repo.FindForUpdate(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		if dispute.NeedsManual {
			return nil
		}

		dispute.NeedsManual = true
		dispute.UpdatedAt = s.clock.Now()
		if err := s.repo.Update(ctx, tx, dispute); err != nil {
			return err
		}
		flagged = true
		return s.appendEntry(ctx, tx, dispute.ID, disputedomain.KindNeedsManual,
			reason, map[string]any{"actor": actor})
	})
	if err != nil {
		return nil, err
	}

	if flagged {
		s.metrics.RecordDisputeTransition(ctx, string(disputedomain.KindNeedsManual))
		s.log.Info("dispute flagged for manual handling",
			zap.String("dispute_id", dispute.ID.String()),
			zap.String("reason", reason),
		)
	}
	return dispute, nil
}

func (s *Service) UpdateStatus(ctx context.Context, disputeID snowflake.ID, status disputedomain.Status, actor, note string) (*disputedomain.Dispute, error) {
	var dispute *disputedomain.Dispute
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		dispute, err = s.repo.FindForUpdate(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		if err := validateStatusChange(dispute.Status, status); err != nil {
			return err
		}

		from := dispute.Status
		dispute.Status = status
		dispute.UpdatedAt = s.clock.Now()
		if err := s.repo.Update(ctx, tx, dispute); err != nil {
			return err
		}
		return s.appendEntry(ctx, tx, dispute.ID, disputedomain.KindStatusUpdate,
			note, map[string]any{"actor": actor, "from": from, "to": status})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordDisputeTransition(ctx, string(disputedomain.KindStatusUpdate))
	s.log.Info("dispute status updated",
		zap.String("dispute_id", dispute.ID.String()),
		zap.String("status", string(dispute.Status)),
	)
	return dispute, nil
}

func validateStatusChange(from, to disputedomain.Status) error {
	switch to {
	case disputedomain.StatusWon, disputedomain.StatusLost:
		if from != disputedomain.StatusSubmitted {
			return disputedomain.ErrInvalidState
		}
	case disputedomain.StatusClosed:
		switch from {
		case disputedomain.StatusSubmitted, disputedomain.StatusWon, disputedomain.StatusLost:
		default:
			return disputedomain.ErrInvalidState
		}
	case disputedomain.StatusDuplicate, disputedomain.StatusCanceled:
		if from.Terminal() {
			return disputedomain.ErrInvalidState
		}
	default:
		return disputedomain.ErrInvalidStatus
	}
	return nil
}

func (s *Service) SyncCase(ctx context.Context, disputeID snowflake.ID, actor string) (*disputedomain.Dispute, error) {
	dispute, err := s.repo.Find(ctx, s.db, disputeID)
	if err != nil {
		return nil, err
	}
	adapter, err := s.providers.Adapter(dispute.Provider)
	if err != nil {
		return nil, err
	}
	snapshot, err := adapter.FetchCase(ctx, dispute.ProviderCaseID)
	if err != nil {
		return nil, err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		dispute, err = s.repo.FindForUpdate(ctx, tx, disputeID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		dispute.LastProviderUpdateAt = &snapshot.UpdatedAt
		if snapshot.EvidenceDueBy != nil {
			due := snapshot.EvidenceDueBy.UTC()
			dispute.EvidenceDeadline = &due
		}
		dispute.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, dispute); err != nil {
			return err
		}

		// Snapshot is recorded as-is; local status never follows it.
		return s.appendEntry(ctx, tx, dispute.ID, disputedomain.KindSync,
			"provider case synced", map[string]any{
				"actor":           actor,
				"provider_status": snapshot.Status,
				"reason":          snapshot.Reason,
			})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordDisputeTransition(ctx, string(disputedomain.KindSync))
	return dispute, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*disputedomain.Detail, error) {
	dispute, err := s.repo.Find(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	timeline, err := s.repo.Timeline(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	pack, err := s.repo.FindPackByDispute(ctx, s.db, id)
	if err != nil && !errors.Is(err, disputedomain.ErrPackNotFound) {
		return nil, err
	}
	return &disputedomain.Detail{
		Dispute:  *dispute,
		Timeline: timeline,
		Pack:     pack,
	}, nil
}

func (s *Service) List(ctx context.Context, filter disputedomain.ListFilter) ([]disputedomain.Dispute, error) {
	return s.repo.List(ctx, s.db, filter)
}

func (s *Service) Stats(ctx context.Context, channelID snowflake.ID) (*disputedomain.Stats, error) {
	return s.repo.Stats(ctx, s.db, channelID)
}

func (s *Service) appendEntry(ctx context.Context, tx *gorm.DB, disputeID snowflake.ID, kind disputedomain.TimelineKind, message string, meta map[string]any) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.repo.AppendTimeline(ctx, tx, &disputedomain.TimelineEntry{
		ID:        s.genID.Generate(),
		DisputeID: disputeID,
		Kind:      kind,
		Message:   message,
		Meta:      datatypes.JSON(raw),
		CreatedAt: s.clock.Now(),
	})
}

func packPayload(pack *disputedomain.EvidencePack) providerdomain.EvidencePayload {
	payload := providerdomain.EvidencePayload{
		TrackingNumber:     pack.TrackingNumber,
		TrackingURL:        pack.TrackingURL,
		Carrier:            pack.Carrier,
		DeliveredAt:        pack.DeliveredAt,
		ProductDescription: pack.ProductDescription,
		RefundPolicy:       pack.RefundPolicy,
		TermsOfService:     pack.TermsOfService,
	}
	if len(pack.CustomerComms) > 0 {
		var comms []string
		if err := json.Unmarshal(pack.CustomerComms, &comms); err == nil {
			payload.CustomerCommunication = comms
		}
	}
	return payload
}
