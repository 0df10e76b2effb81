package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/reckon/internal/clock"
	obsmetrics "github.com/smallbiznis/reckon/internal/observability/metrics"
	ordersdomain "github.com/smallbiznis/reckon/internal/orders/domain"
	recondomain "github.com/smallbiznis/reckon/internal/recon/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Mismatch severity is sized by the absolute difference.
const (
	severityHighCents     = 10_000
	severityCriticalCents = 100_000
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    recondomain.Repository
	Orders  ordersdomain.Repository
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    recondomain.Repository
	orders  ordersdomain.Repository
	metrics *obsmetrics.Metrics
}

func NewService(p Params) recondomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("recon"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		orders:  p.Orders,
		metrics: p.Metrics,
	}
}

func (s *Service) Ingest(ctx context.Context, input recondomain.TxnInput) (*recondomain.IngestResult, error) {
	provider := strings.ToLower(strings.TrimSpace(input.Provider))
	providerTxnID := strings.TrimSpace(input.ProviderTxnID)
	if provider == "" || providerTxnID == "" || input.ChannelID == 0 {
		return nil, recondomain.ErrInvalidTxn
	}

	now := s.clock.Now()
	txn := &recondomain.ProviderTransaction{
		ID:            s.genID.Generate(),
		ChannelID:     input.ChannelID,
		Provider:      provider,
		ProviderTxnID: providerTxnID,
		Type:          input.Type,
		AmountCents:   input.AmountCents,
		FeeCents:      input.FeeCents,
		NetCents:      input.NetCents,
		Currency:      strings.ToUpper(input.Currency),
		Status:        input.Status,
		Reference:     recondomain.ExtractReference(input.Metadata),
		MatchStatus:   recondomain.MatchUnmatched,
		OccurredAt:    input.OccurredAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if txn.Type == "" {
		txn.Type = recondomain.TxnCharge
	}
	if txn.NetCents == 0 {
		txn.NetCents = txn.AmountCents - txn.FeeCents
	}
	if len(input.RawPayload) > 0 {
		txn.RawPayload = datatypes.JSON(input.RawPayload)
	}

	inserted, err := s.repo.InsertTxn(ctx, s.db, txn)
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, err := s.repo.FindTxnByProviderID(ctx, s.db, input.ChannelID, provider, providerTxnID)
		if err != nil {
			return nil, err
		}
		return &recondomain.IngestResult{Txn: existing, Inserted: false}, nil
	}
	return &recondomain.IngestResult{Txn: txn, Inserted: true}, nil
}

func (s *Service) IngestBatch(ctx context.Context, inputs []recondomain.TxnInput) (*recondomain.BatchResult, error) {
	batch := &recondomain.BatchResult{}
	for _, input := range inputs {
		result, err := s.Ingest(ctx, input)
		if err != nil {
			s.log.Warn("settlement line rejected",
				zap.String("provider_txn_id", input.ProviderTxnID),
				zap.Error(err),
			)
			batch.Errors = append(batch.Errors, err.Error())
			continue
		}
		if result.Inserted {
			batch.Ingested++
		} else {
			batch.Duplicates++
		}
	}
	return batch, nil
}

func (s *Service) AutoMatch(ctx context.Context, channelID snowflake.ID, provider string, limit int) (*recondomain.MatchResult, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	result := &recondomain.MatchResult{}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		txns, err := s.repo.UnmatchedBatch(ctx, tx, channelID, provider, limit)
		if err != nil {
			return err
		}
		for i := range txns {
			txn := &txns[i]
			result.Examined++

			if txn.Reference == "" {
				continue
			}
			order, err := s.orders.FindOrderByNumber(ctx, tx, txn.ChannelID, txn.Reference)
			if err != nil {
				if errors.Is(err, ordersdomain.ErrNotFound) {
					continue
				}
				return err
			}

			if order.TotalCents == txn.AmountCents {
				now := s.clock.Now()
				txn.MatchStatus = recondomain.MatchAuto
				txn.OrderID = &order.ID
				txn.MatchedAt = &now
				txn.MatchedBy = "auto-match"
				txn.UpdatedAt = now
				if err := s.repo.UpdateTxn(ctx, tx, txn); err != nil {
					return err
				}
				result.Matched++
				s.metrics.RecordReconMatch(ctx, string(recondomain.MatchAuto))
				continue
			}

			// Same reference, different money. The pair is recorded as a
			// discrepancy instead of a match.
			if err := s.openDiscrepancy(ctx, tx, txn, order); err != nil {
				return err
			}
			result.Discrepancies++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("auto-match sweep",
		zap.Int64("channel_id", int64(channelID)),
		zap.String("provider", provider),
		zap.Int("examined", result.Examined),
		zap.Int("matched", result.Matched),
		zap.Int("discrepancies", result.Discrepancies),
	)
	return result, nil
}

func (s *Service) openDiscrepancy(ctx context.Context, tx *gorm.DB, txn *recondomain.ProviderTransaction, order *ordersdomain.Order) error {
	now := s.clock.Now()
	difference := txn.AmountCents - order.TotalCents
	severity := severityForDifference(difference)

	discrepancy := &recondomain.Discrepancy{
		ID:                    s.genID.Generate(),
		ChannelID:             txn.ChannelID,
		ProviderTransactionID: txn.ID,
		OrderID:               &order.ID,
		Kind:                  recondomain.KindAmountMismatch,
		ExpectedCents:         order.TotalCents,
		ActualCents:           txn.AmountCents,
		DifferenceCents:       difference,
		Severity:              severity,
		Status:                recondomain.DiscrepancyOpen,
		Description:           "settled amount differs from order total for reference " + txn.Reference,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.repo.InsertDiscrepancy(ctx, tx, discrepancy); err != nil {
		return err
	}

	txn.MatchStatus = recondomain.MatchDiscrepancy
	txn.OrderID = &order.ID
	txn.UpdatedAt = now
	if err := s.repo.UpdateTxn(ctx, tx, txn); err != nil {
		return err
	}

	s.metrics.RecordDiscrepancy(ctx, string(severity))
	return nil
}

func severityForDifference(differenceCents int64) recondomain.Severity {
	abs := differenceCents
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= severityCriticalCents:
		return recondomain.SeverityCritical
	case abs >= severityHighCents:
		return recondomain.SeverityHigh
	default:
		return recondomain.SeverityMedium
	}
}

func (s *Service) Match(ctx context.Context, txnID, orderID snowflake.ID, actor string) (*recondomain.ProviderTransaction, error) {
	var txn *recondomain.ProviderTransaction
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		txn, err = s.repo.FindTxnForUpdate(ctx, tx, txnID)
		if err != nil {
			return err
		}
		if txn.MatchStatus == recondomain.MatchAuto || txn.MatchStatus == recondomain.MatchManual {
			return recondomain.ErrAlreadyMatched
		}

		order, err := s.orders.GetOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return ordersdomain.ErrNotFound
		}

		now := s.clock.Now()
		txn.MatchStatus = recondomain.MatchManual
		txn.OrderID = &order.ID
		txn.MatchedAt = &now
		txn.MatchedBy = actor
		txn.UpdatedAt = now
		return s.repo.UpdateTxn(ctx, tx, txn)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordReconMatch(ctx, string(recondomain.MatchManual))
	s.log.Info("transaction matched manually",
		zap.String("txn_id", txn.ID.String()),
		zap.String("order_id", orderID.String()),
		zap.String("actor", actor),
	)
	return txn, nil
}

func (s *Service) CreateDiscrepancy(ctx context.Context, channelID snowflake.ID, input recondomain.DiscrepancyInput) (*recondomain.Discrepancy, error) {
	var discrepancy *recondomain.Discrepancy
	err := s.db.Transaction(func(tx *gorm.DB) error {
		txn, err := s.repo.FindTxnForUpdate(ctx, tx, input.ProviderTransactionID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		severity := input.Severity
		if severity == "" {
			severity = severityForDifference(input.ActualCents - input.ExpectedCents)
		}

		discrepancy = &recondomain.Discrepancy{
			ID:                    s.genID.Generate(),
			ChannelID:             channelID,
			ProviderTransactionID: txn.ID,
			OrderID:               input.OrderID,
			Kind:                  input.Kind,
			ExpectedCents:         input.ExpectedCents,
			ActualCents:           input.ActualCents,
			DifferenceCents:       input.ActualCents - input.ExpectedCents,
			Severity:              severity,
			Status:                recondomain.DiscrepancyOpen,
			Description:           input.Description,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		if err := s.repo.InsertDiscrepancy(ctx, tx, discrepancy); err != nil {
			return err
		}

		txn.MatchStatus = recondomain.MatchDiscrepancy
		if input.OrderID != nil {
			txn.OrderID = input.OrderID
		}
		txn.UpdatedAt = now
		return s.repo.UpdateTxn(ctx, tx, txn)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordDiscrepancy(ctx, string(discrepancy.Severity))
	s.log.Info("discrepancy opened",
		zap.String("discrepancy_id", discrepancy.ID.String()),
		zap.String("kind", string(discrepancy.Kind)),
		zap.Int64("difference_cents", discrepancy.DifferenceCents),
	)
	return discrepancy, nil
}

func (s *Service) InvestigateDiscrepancy(ctx context.Context, id snowflake.ID, actor string) (*recondomain.Discrepancy, error) {
	var discrepancy *recondomain.Discrepancy
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		discrepancy, err = s.repo.FindDiscrepancyForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !discrepancy.Status.Open() {
			return recondomain.ErrDiscrepancyClosed
		}
		if discrepancy.Status == recondomain.DiscrepancyInvestigating {
			return nil
		}

		discrepancy.Status = recondomain.DiscrepancyInvestigating
		discrepancy.UpdatedAt = s.clock.Now()
		return s.repo.UpdateDiscrepancy(ctx, tx, discrepancy)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("discrepancy under investigation",
		zap.String("discrepancy_id", discrepancy.ID.String()),
		zap.String("actor", actor),
	)
	return discrepancy, nil
}

func (s *Service) ResolveDiscrepancy(ctx context.Context, id snowflake.ID, actor, resolution string, accepted bool) (*recondomain.Discrepancy, error) {
	var discrepancy *recondomain.Discrepancy
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		discrepancy, err = s.repo.FindDiscrepancyForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !discrepancy.Status.Open() {
			return recondomain.ErrDiscrepancyClosed
		}

		now := s.clock.Now()
		discrepancy.Status = recondomain.DiscrepancyResolved
		if accepted {
			discrepancy.Status = recondomain.DiscrepancyAccepted
		}
		discrepancy.Resolution = resolution
		discrepancy.ResolvedBy = actor
		discrepancy.ResolvedAt = &now
		discrepancy.UpdatedAt = now
		return s.repo.UpdateDiscrepancy(ctx, tx, discrepancy)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("discrepancy closed",
		zap.String("discrepancy_id", discrepancy.ID.String()),
		zap.String("status", string(discrepancy.Status)),
		zap.String("actor", actor),
	)
	return discrepancy, nil
}

func (s *Service) GetTxn(ctx context.Context, id snowflake.ID) (*recondomain.ProviderTransaction, error) {
	return s.repo.FindTxn(ctx, s.db, id)
}

func (s *Service) ListTxns(ctx context.Context, filter recondomain.TxnFilter) ([]recondomain.ProviderTransaction, error) {
	return s.repo.ListTxns(ctx, s.db, filter)
}

func (s *Service) ListDiscrepancies(ctx context.Context, filter recondomain.DiscrepancyFilter) ([]recondomain.Discrepancy, error) {
	return s.repo.ListDiscrepancies(ctx, s.db, filter)
}

func (s *Service) Stats(ctx context.Context, channelID snowflake.ID) (*recondomain.Stats, error) {
	return s.repo.Stats(ctx, s.db, channelID)
}
