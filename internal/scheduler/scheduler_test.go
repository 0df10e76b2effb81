package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/reckon/internal/clock"
	"github.com/smallbiznis/reckon/internal/config"
	disputedomain "github.com/smallbiznis/reckon/internal/dispute/domain"
	disputerepo "github.com/smallbiznis/reckon/internal/dispute/repository"
	disputeservice "github.com/smallbiznis/reckon/internal/dispute/service"
	"github.com/smallbiznis/reckon/internal/dispute/evidence"
	idemservice "github.com/smallbiznis/reckon/internal/idempotency/service"
	ordersrepo "github.com/smallbiznis/reckon/internal/orders/repository"
	"github.com/smallbiznis/reckon/internal/provider"
	providerdomain "github.com/smallbiznis/reckon/internal/provider/domain"
	recondomain "github.com/smallbiznis/reckon/internal/recon/domain"
	reconrepo "github.com/smallbiznis/reckon/internal/recon/repository"
	reconservice "github.com/smallbiznis/reckon/internal/recon/service"
	"github.com/smallbiznis/reckon/internal/testutil"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type noopAdapter struct{}

func (noopAdapter) Provider() string { return "stripe" }

func (noopAdapter) FetchCase(ctx context.Context, providerCaseID string) (*providerdomain.CaseSnapshot, error) {
	return nil, providerdomain.ErrCaseNotFound
}

func (noopAdapter) SubmitEvidence(ctx context.Context, providerCaseID string, payload providerdomain.EvidencePayload) error {
	return nil
}

type schedFixture struct {
	db       *gorm.DB
	sched    *Scheduler
	disputes disputedomain.Service
	recon    recondomain.Service
}

func newSchedFixture(t *testing.T) *schedFixture {
	t.Helper()
	db := testutil.OpenDB(t)
	node := testutil.NewNode(t)
	fake := clock.NewFakeClock(testNow)
	log := zap.NewNop()

	ordersRepo := ordersrepo.Provide()
	disputeRepo := disputerepo.Provide()
	ledger := idemservice.NewLedger(idemservice.Params{Log: log, GenID: node, Clock: fake})

	disputes := disputeservice.NewService(disputeservice.Params{
		DB:     db,
		Log:    log,
		GenID:  node,
		Clock:  fake,
		Repo:   disputeRepo,
		Orders: ordersRepo,
		Ledger: ledger,
		Builder: evidence.NewBuilder(evidence.Params{
			Log:    log,
			GenID:  node,
			Clock:  fake,
			Orders: ordersRepo,
		}),
		Providers: provider.NewRegistry(noopAdapter{}),
	})
	recon := reconservice.NewService(reconservice.Params{
		DB:     db,
		Log:    log,
		GenID:  node,
		Clock:  fake,
		Repo:   reconrepo.Provide(),
		Orders: ordersRepo,
	})

	lc := fxtest.NewLifecycle(t)
	sched := New(Params{
		LC:  lc,
		DB:  db,
		Log: log,
		Cfg: config.Config{
			AutoMatchInterval:    3600,
			AutoMatchBatchSize:   50,
			EvidenceSweepEnabled: true,
		},
		Clock:    fake,
		Disputes: disputes,
		Repo:     disputeRepo,
		Recon:    recon,
	})
	return &schedFixture{db: db, sched: sched, disputes: disputes, recon: recon}
}

func TestEvidenceSweepEscalatesOverdueDisputes(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	due := testNow.Add(-time.Hour)
	opened, err := f.disputes.IngestEvent(ctx, &disputedomain.Event{
		Provider:       "stripe",
		EventID:        "evt_1",
		ProviderCaseID: "dp_1",
		Type:           disputedomain.EventTypeCreated,
		ChannelID:      7,
		AmountCents:    10_000,
		Currency:       "USD",
		EvidenceDueBy:  &due,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	f.sched.RunEvidenceSweep(ctx)

	detail, err := f.disputes.Get(ctx, opened.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !detail.Dispute.NeedsManual {
		t.Fatal("overdue dispute must be flagged for manual handling")
	}

	// A second sweep leaves the flagged dispute alone.
	f.sched.RunEvidenceSweep(ctx)
	var count int64
	if err := f.db.Raw(
		`SELECT COUNT(1) FROM dispute_timeline_entries WHERE dispute_id = ? AND kind = ?`,
		opened.ID, disputedomain.KindNeedsManual,
	).Scan(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("manual entries = %d, want 1", count)
	}
}

func TestEvidenceSweepSkipsFutureDeadlines(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	due := testNow.Add(72 * time.Hour)
	opened, err := f.disputes.IngestEvent(ctx, &disputedomain.Event{
		Provider:       "stripe",
		EventID:        "evt_1",
		ProviderCaseID: "dp_1",
		Type:           disputedomain.EventTypeCreated,
		ChannelID:      7,
		AmountCents:    10_000,
		Currency:       "USD",
		EvidenceDueBy:  &due,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	f.sched.RunEvidenceSweep(ctx)

	detail, err := f.disputes.Get(ctx, opened.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if detail.Dispute.NeedsManual {
		t.Fatal("future deadline must not be escalated")
	}
}

func TestAutoMatchSweep(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	err := f.db.Exec(
		`INSERT INTO orders (id, channel_id, user_id, order_number, status, total_cents, currency, payment_method_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		9001, 7, 9002, "ORD-1", "completed", 10_000, "USD", nil, testNow.Add(-48*time.Hour),
	).Error
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}

	if _, err := f.recon.Ingest(ctx, recondomain.TxnInput{
		ChannelID:     7,
		Provider:      "stripe",
		ProviderTxnID: "txn_1",
		Type:          recondomain.TxnCharge,
		AmountCents:   10_000,
		Currency:      "USD",
		OccurredAt:    testNow.Add(-time.Hour),
		Metadata:      map[string]string{"reference_id": "ORD-1"},
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	f.sched.RunAutoMatch(ctx)

	txns, err := f.recon.ListTxns(ctx, recondomain.TxnFilter{ChannelID: 7})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if txns[0].MatchStatus != recondomain.MatchAuto {
		t.Fatalf("match status = %s, want AUTO_MATCHED", txns[0].MatchStatus)
	}
}
