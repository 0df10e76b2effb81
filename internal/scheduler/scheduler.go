package scheduler

import (
	"context"
	"time"

	"github.com/smallbiznis/reckon/internal/clock"
	"github.com/smallbiznis/reckon/internal/config"
	disputedomain "github.com/smallbiznis/reckon/internal/dispute/domain"
	recondomain "github.com/smallbiznis/reckon/internal/recon/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	escalationBatchSize = 50

	// Disputes get flagged this far ahead of the provider deadline so an
	// operator still has time to act.
	escalationHorizon = 48 * time.Hour
)

type Params struct {
	fx.In

	LC       fx.Lifecycle
	DB       *gorm.DB
	Log      *zap.Logger
	Cfg      config.Config
	Clock    clock.Clock
	Disputes disputedomain.Service
	Repo     disputedomain.Repository
	Recon    recondomain.Service
}

// Scheduler runs the periodic background sweeps: auto-matching settlement
// lines and escalating disputes whose evidence deadline has passed.
type Scheduler struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      config.Config
	clock    clock.Clock
	disputes disputedomain.Service
	repo     disputedomain.Repository
	recon    recondomain.Service

	cancel context.CancelFunc
	done   chan struct{}
}

func New(p Params) *Scheduler {
	s := &Scheduler{
		db:       p.DB,
		log:      p.Log.Named("scheduler"),
		cfg:      p.Cfg,
		clock:    p.Clock,
		disputes: p.Disputes,
		repo:     p.Repo,
		recon:    p.Recon,
		done:     make(chan struct{}),
	}

	p.LC.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			runCtx, cancel := context.WithCancel(context.Background())
			s.cancel = cancel
			go s.run(runCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.cancel()
			select {
			case <-s.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
	return s
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	interval := time.Duration(s.cfg.AutoMatchInterval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("scheduler started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.RunAutoMatch(ctx)
			if s.cfg.EvidenceSweepEnabled {
				s.RunEvidenceSweep(ctx)
			}
		}
	}
}

// RunAutoMatch pairs pending settlement lines across all channels.
func (s *Scheduler) RunAutoMatch(ctx context.Context) {
	result, err := s.recon.AutoMatch(ctx, 0, "", s.cfg.AutoMatchBatchSize)
	if err != nil {
		s.log.Error("auto-match sweep failed", zap.Error(err))
		return
	}
	if result.Examined > 0 {
		s.log.Info("auto-match sweep done",
			zap.Int("examined", result.Examined),
			zap.Int("matched", result.Matched),
			zap.Int("discrepancies", result.Discrepancies),
		)
	}
}

// RunEvidenceSweep flags disputes whose evidence deadline is inside the
// escalation horizon without a ready pack so an operator picks them up.
func (s *Scheduler) RunEvidenceSweep(ctx context.Context) {
	due, err := s.repo.DueForEscalation(ctx, s.db, s.clock.Now().Add(escalationHorizon), escalationBatchSize)
	if err != nil {
		s.log.Error("evidence sweep query failed", zap.Error(err))
		return
	}

	for _, dispute := range due {
		if _, err := s.disputes.MarkNeedsManual(ctx, dispute.ID, "scheduler", "evidence deadline approaching without a ready pack"); err != nil {
			s.log.Warn("evidence deadline escalation failed",
				zap.String("dispute_id", dispute.ID.String()),
				zap.Error(err),
			)
		}
	}
	if len(due) > 0 {
		s.log.Info("evidence sweep done", zap.Int("escalated", len(due)))
	}
}
