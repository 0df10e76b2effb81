package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/reckon/internal/clock"
	disputedomain "github.com/smallbiznis/reckon/internal/dispute/domain"
	disputerepo "github.com/smallbiznis/reckon/internal/dispute/repository"
	"github.com/smallbiznis/reckon/internal/dispute/evidence"
	idemservice "github.com/smallbiznis/reckon/internal/idempotency/service"
	idemdomain "github.com/smallbiznis/reckon/internal/idempotency/domain"
	ordersrepo "github.com/smallbiznis/reckon/internal/orders/repository"
	"github.com/smallbiznis/reckon/internal/provider"
	providerdomain "github.com/smallbiznis/reckon/internal/provider/domain"
	"github.com/smallbiznis/reckon/internal/testutil"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const testChannel = snowflake.ID(7)

type fakeAdapter struct {
	submitErr    error
	submitCalls  int
	lastPayload  providerdomain.EvidencePayload
	caseSnapshot *providerdomain.CaseSnapshot
}

func (f *fakeAdapter) Provider() string { return "stripe" }

func (f *fakeAdapter) FetchCase(ctx context.Context, providerCaseID string) (*providerdomain.CaseSnapshot, error) {
	if f.caseSnapshot == nil {
		return nil, providerdomain.ErrCaseNotFound
	}
	return f.caseSnapshot, nil
}

func (f *fakeAdapter) SubmitEvidence(ctx context.Context, providerCaseID string, payload providerdomain.EvidencePayload) error {
	f.submitCalls++
	f.lastPayload = payload
	return f.submitErr
}

type disputeFixture struct {
	db      *gorm.DB
	svc     disputedomain.Service
	repo    disputedomain.Repository
	adapter *fakeAdapter
	clock   *clock.FakeClock
	nextID  int64
}

func newDisputeFixture(t *testing.T) *disputeFixture {
	t.Helper()
	db := testutil.OpenDB(t)
	node := testutil.NewNode(t)
	fake := clock.NewFakeClock(testNow)
	log := zap.NewNop()

	ordersRepo := ordersrepo.Provide()
	repo := disputerepo.Provide()
	adapter := &fakeAdapter{}

	builder := evidence.NewBuilder(evidence.Params{
		Log:    log,
		GenID:  node,
		Clock:  fake,
		Orders: ordersRepo,
	})
	ledger := idemservice.NewLedger(idemservice.Params{
		Log:   log,
		GenID: node,
		Clock: fake,
	})

	svc := NewService(Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Clock:     fake,
		Repo:      repo,
		Orders:    ordersRepo,
		Ledger:    ledger,
		Builder:   builder,
		Providers: provider.NewRegistry(adapter),
	})
	return &disputeFixture{db: db, svc: svc, repo: repo, adapter: adapter, clock: fake, nextID: 5000}
}

func (f *disputeFixture) id() snowflake.ID {
	f.nextID++
	return snowflake.ID(f.nextID)
}

func (f *disputeFixture) seedOrderWithShipment(t *testing.T, orderNumber string, totalCents int64, delivered bool) snowflake.ID {
	t.Helper()
	orderID := f.id()
	userID := f.id()
	err := f.db.Exec(
		`INSERT INTO orders (id, channel_id, user_id, order_number, status, total_cents, currency, payment_method_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		orderID, testChannel, userID, orderNumber, "completed", totalCents, "USD", nil, testNow.Add(-10*24*time.Hour),
	).Error
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}

	err = f.db.Exec(
		`INSERT INTO order_items (id, order_id, product_id, description, quantity, unit_price_cents)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		f.id(), orderID, f.id(), "Wireless Headphones", 1, totalCents,
	).Error
	if err != nil {
		t.Fatalf("seed item: %v", err)
	}

	var deliveredAt *time.Time
	if delivered {
		at := testNow.Add(-5 * 24 * time.Hour)
		deliveredAt = &at
	}
	err = f.db.Exec(
		`INSERT INTO shipments (id, order_id, carrier, tracking_number, tracking_url, delivered_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.id(), orderID, "UPS", "1Z999", "https://track.example/1Z999", deliveredAt, testNow.Add(-8*24*time.Hour),
	).Error
	if err != nil {
		t.Fatalf("seed shipment: %v", err)
	}
	return orderID
}

func (f *disputeFixture) event(eventID, caseID, eventType string) *disputedomain.Event {
	return &disputedomain.Event{
		Provider:       "stripe",
		EventID:        eventID,
		ProviderCaseID: caseID,
		Type:           eventType,
		ChannelID:      testChannel,
		AmountCents:    12_500,
		Currency:       "usd",
		Reason:         "product_not_received",
		OccurredAt:     testNow.Add(-time.Hour),
	}
}

func (f *disputeFixture) timelineCount(t *testing.T, disputeID snowflake.ID, kind disputedomain.TimelineKind) int64 {
	t.Helper()
	var count int64
	err := f.db.Raw(
		`SELECT COUNT(1) FROM dispute_timeline_entries WHERE dispute_id = ? AND kind = ?`,
		disputeID, kind,
	).Scan(&count).Error
	if err != nil {
		t.Fatalf("count timeline: %v", err)
	}
	return count
}

func TestIngestEventOpensDispute(t *testing.T) {
	f := newDisputeFixture(t)
	orderID := f.seedOrderWithShipment(t, "ORD-100", 12_500, true)

	event := f.event("evt_1", "dp_1", disputedomain.EventTypeCreated)
	event.OrderNumber = "ORD-100"

	dispute, err := f.svc.IngestEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if dispute.Status != disputedomain.StatusOpen {
		t.Fatalf("status = %s, want OPEN", dispute.Status)
	}
	if dispute.OrderID == nil || *dispute.OrderID != orderID {
		t.Fatalf("order not linked: %v", dispute.OrderID)
	}
	if dispute.Currency != "USD" {
		t.Fatalf("currency = %s, want USD", dispute.Currency)
	}
	if got := f.timelineCount(t, dispute.ID, disputedomain.KindWebhook); got != 1 {
		t.Fatalf("webhook entries = %d, want 1", got)
	}
}

func TestIngestEventReplayIsDuplicate(t *testing.T) {
	f := newDisputeFixture(t)

	event := f.event("evt_1", "dp_1", disputedomain.EventTypeCreated)
	dispute, err := f.svc.IngestEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	_, err = f.svc.IngestEvent(context.Background(), f.event("evt_1", "dp_1", disputedomain.EventTypeCreated))
	if !errors.Is(err, idemdomain.ErrDuplicateEvent) {
		t.Fatalf("err = %v, want ErrDuplicateEvent", err)
	}
	if got := f.timelineCount(t, dispute.ID, disputedomain.KindWebhook); got != 1 {
		t.Fatalf("webhook entries after replay = %d, want 1", got)
	}
}

func TestIngestClosedEventResolvesDispute(t *testing.T) {
	f := newDisputeFixture(t)

	opened, err := f.svc.IngestEvent(context.Background(), f.event("evt_1", "dp_1", disputedomain.EventTypeCreated))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	closed := f.event("evt_2", "dp_1", disputedomain.EventTypeClosed)
	closed.Disposition = disputedomain.DispositionWon
	dispute, err := f.svc.IngestEvent(context.Background(), closed)
	if err != nil {
		t.Fatalf("ingest closed: %v", err)
	}
	if dispute.ID != opened.ID {
		t.Fatal("closed event must land on the same dispute")
	}
	if dispute.Status != disputedomain.StatusWon {
		t.Fatalf("status = %s, want WON", dispute.Status)
	}
	if got := f.timelineCount(t, dispute.ID, disputedomain.KindWebhook); got != 2 {
		t.Fatalf("webhook entries = %d, want 2", got)
	}
}

func TestBuildEvidenceCompletesFromRecords(t *testing.T) {
	f := newDisputeFixture(t)
	f.seedOrderWithShipment(t, "ORD-100", 12_500, true)

	event := f.event("evt_1", "dp_1", disputedomain.EventTypeCreated)
	event.OrderNumber = "ORD-100"
	opened, err := f.svc.IngestEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	pack, err := f.svc.BuildEvidence(context.Background(), opened.ID, "ops")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if pack.Status != disputedomain.PackReady {
		t.Fatalf("pack status = %s, want READY", pack.Status)
	}
	if pack.TrackingNumber != "1Z999" || pack.DeliveredAt == nil {
		t.Fatalf("pack missing shipment facts: %+v", pack)
	}

	detail, err := f.svc.Get(context.Background(), opened.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if detail.Dispute.Status != disputedomain.StatusEvidenceReady {
		t.Fatalf("dispute status = %s, want EVIDENCE_READY", detail.Dispute.Status)
	}
	if got := f.timelineCount(t, opened.ID, disputedomain.KindEvidenceBuilding); got != 1 {
		t.Fatalf("building entries = %d, want 1", got)
	}
	if got := f.timelineCount(t, opened.ID, disputedomain.KindStatusUpdate); got != 1 {
		t.Fatalf("status entries = %d, want 1", got)
	}
}

func TestBuildEvidenceWithoutOrderNeedsOperator(t *testing.T) {
	f := newDisputeFixture(t)

	opened, err := f.svc.IngestEvent(context.Background(), f.event("evt_1", "dp_1", disputedomain.EventTypeCreated))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	pack, err := f.svc.BuildEvidence(context.Background(), opened.ID, "ops")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if pack.Status != disputedomain.PackBuilding {
		t.Fatalf("pack status = %s, want BUILDING", pack.Status)
	}

	detail, err := f.svc.Get(context.Background(), opened.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if detail.Dispute.Status != disputedomain.StatusEvidenceBuilding {
		t.Fatalf("dispute status = %s, want EVIDENCE_BUILDING", detail.Dispute.Status)
	}
}

func TestSubmitEvidenceRequiresReadyPack(t *testing.T) {
	f := newDisputeFixture(t)

	opened, err := f.svc.IngestEvent(context.Background(), f.event("evt_1", "dp_1", disputedomain.EventTypeCreated))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := f.svc.BuildEvidence(context.Background(), opened.ID, "ops"); err != nil {
		t.Fatalf("build: %v", err)
	}

	_, err = f.svc.SubmitEvidence(context.Background(), opened.ID, "ops")
	if !errors.Is(err, disputedomain.ErrEvidenceNotReady) {
		t.Fatalf("err = %v, want ErrEvidenceNotReady", err)
	}
	if f.adapter.submitCalls != 0 {
		t.Fatal("provider must not be called before evidence is ready")
	}
	if got := f.timelineCount(t, opened.ID, disputedomain.KindEvidenceSubmitted); got != 0 {
		t.Fatalf("submitted entries = %d, want 0", got)
	}
}

func TestSubmitEvidenceRejectedOutsideEvidencePhase(t *testing.T) {
	f := newDisputeFixture(t)

	opened, err := f.svc.IngestEvent(context.Background(), f.event("evt_1", "dp_1", disputedomain.EventTypeCreated))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// No pack was ever built, so the dispute is still OPEN.
	_, err = f.svc.SubmitEvidence(context.Background(), opened.ID, "ops")
	if !errors.Is(err, disputedomain.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
	if f.adapter.submitCalls != 0 {
		t.Fatal("provider must not be called from OPEN")
	}
}

func TestBuildEvidenceRejectsSecondPack(t *testing.T) {
	f := newDisputeFixture(t)

	opened, err := f.svc.IngestEvent(context.Background(), f.event("evt_1", "dp_1", disputedomain.EventTypeCreated))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := f.svc.BuildEvidence(context.Background(), opened.ID, "ops"); err != nil {
		t.Fatalf("build: %v", err)
	}

	// Simulate a stale status read racing the first build: the unique pack
	// index still wins.
	if err := f.db.Exec(`UPDATE disputes SET status = ? WHERE id = ?`,
		disputedomain.StatusOpen, opened.ID).Error; err != nil {
		t.Fatalf("reset status: %v", err)
	}

	_, err = f.svc.BuildEvidence(context.Background(), opened.ID, "ops")
	if !errors.Is(err, disputedomain.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}

	var count int64
	if err := f.db.Raw(`SELECT COUNT(1) FROM evidence_packs WHERE dispute_id = ?`, opened.ID).Scan(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("packs = %d, want 1", count)
	}
}

func TestSubmitEvidenceHappyPath(t *testing.T) {
	f := newDisputeFixture(t)
	f.seedOrderWithShipment(t, "ORD-100", 12_500, true)

	event := f.event("evt_1", "dp_1", disputedomain.EventTypeCreated)
	event.OrderNumber = "ORD-100"
	opened, err := f.svc.IngestEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := f.svc.BuildEvidence(context.Background(), opened.ID, "ops"); err != nil {
		t.Fatalf("build: %v", err)
	}

	dispute, err := f.svc.SubmitEvidence(context.Background(), opened.ID, "ops")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if dispute.Status != disputedomain.StatusSubmitted {
		t.Fatalf("status = %s, want SUBMITTED", dispute.Status)
	}
	if f.adapter.submitCalls != 1 {
		t.Fatalf("provider calls = %d, want 1", f.adapter.submitCalls)
	}
	if f.adapter.lastPayload.TrackingNumber != "1Z999" {
		t.Fatalf("payload tracking = %s", f.adapter.lastPayload.TrackingNumber)
	}
	if got := f.timelineCount(t, opened.ID, disputedomain.KindEvidenceSubmitted); got != 1 {
		t.Fatalf("submitted entries = %d, want 1", got)
	}

	detail, err := f.svc.Get(context.Background(), opened.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if detail.Pack.Status != disputedomain.PackSubmitted {
		t.Fatalf("pack status = %s, want SUBMITTED", detail.Pack.Status)
	}
}

func TestSubmitEvidenceProviderFailureLeavesStateUnchanged(t *testing.T) {
	f := newDisputeFixture(t)
	f.seedOrderWithShipment(t, "ORD-100", 12_500, true)

	event := f.event("evt_1", "dp_1", disputedomain.EventTypeCreated)
	event.OrderNumber = "ORD-100"
	opened, err := f.svc.IngestEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := f.svc.BuildEvidence(context.Background(), opened.ID, "ops"); err != nil {
		t.Fatalf("build: %v", err)
	}

	f.adapter.submitErr = fmt.Errorf("%w: status 503", providerdomain.ErrProvider)
	_, err = f.svc.SubmitEvidence(context.Background(), opened.ID, "ops")
	if !errors.Is(err, providerdomain.ErrProvider) {
		t.Fatalf("err = %v, want ErrProvider", err)
	}

	detail, err := f.svc.Get(context.Background(), opened.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if detail.Dispute.Status != disputedomain.StatusEvidenceReady {
		t.Fatalf("status = %s, want EVIDENCE_READY unchanged", detail.Dispute.Status)
	}
	if detail.Pack.Status != disputedomain.PackReady {
		t.Fatalf("pack status = %s, want READY unchanged", detail.Pack.Status)
	}
	if detail.Dispute.LastError == nil {
		t.Fatal("last error must be recorded")
	}
	if got := f.timelineCount(t, opened.ID, disputedomain.KindEvidenceSubmitted); got != 0 {
		t.Fatalf("submitted entries = %d, want 0", got)
	}

	// Retry after the outage succeeds.
	f.adapter.submitErr = nil
	dispute, err := f.svc.SubmitEvidence(context.Background(), opened.ID, "ops")
	if err != nil {
		t.Fatalf("retry submit: %v", err)
	}
	if dispute.Status != disputedomain.StatusSubmitted {
		t.Fatalf("status = %s, want SUBMITTED", dispute.Status)
	}
	if dispute.LastError != nil {
		t.Fatal("last error must clear on success")
	}
}

func TestUpdateStatusGuardsTransitions(t *testing.T) {
	f := newDisputeFixture(t)

	opened, err := f.svc.IngestEvent(context.Background(), f.event("evt_1", "dp_1", disputedomain.EventTypeCreated))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	_, err = f.svc.UpdateStatus(context.Background(), opened.ID, disputedomain.StatusWon, "ops", "")
	if !errors.Is(err, disputedomain.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}

	dispute, err := f.svc.UpdateStatus(context.Background(), opened.ID, disputedomain.StatusCanceled, "ops", "withdrawn by cardholder")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if dispute.Status != disputedomain.StatusCanceled {
		t.Fatalf("status = %s, want CANCELED", dispute.Status)
	}

	_, err = f.svc.UpdateStatus(context.Background(), opened.ID, disputedomain.StatusDuplicate, "ops", "")
	if !errors.Is(err, disputedomain.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState after terminal", err)
	}
}

func TestMarkNeedsManualIsIdempotent(t *testing.T) {
	f := newDisputeFixture(t)

	opened, err := f.svc.IngestEvent(context.Background(), f.event("evt_1", "dp_1", disputedomain.EventTypeCreated))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	dispute, err := f.svc.MarkNeedsManual(context.Background(), opened.ID, "scheduler", "evidence deadline passed")
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if !dispute.NeedsManual {
		t.Fatal("needs_manual must be set")
	}

	if _, err := f.svc.MarkNeedsManual(context.Background(), opened.ID, "scheduler", "evidence deadline passed"); err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if got := f.timelineCount(t, opened.ID, disputedomain.KindNeedsManual); got != 1 {
		t.Fatalf("manual entries = %d, want 1", got)
	}
}

func TestSyncCaseRecordsSnapshotWithoutStatusChange(t *testing.T) {
	f := newDisputeFixture(t)

	opened, err := f.svc.IngestEvent(context.Background(), f.event("evt_1", "dp_1", disputedomain.EventTypeCreated))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	due := testNow.Add(72 * time.Hour)
	f.adapter.caseSnapshot = &providerdomain.CaseSnapshot{
		ProviderCaseID: "dp_1",
		Status:         "under_review",
		AmountCents:    12_500,
		Currency:       "USD",
		EvidenceDueBy:  &due,
		UpdatedAt:      testNow,
	}

	dispute, err := f.svc.SyncCase(context.Background(), opened.ID, "ops")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if dispute.Status != disputedomain.StatusOpen {
		t.Fatalf("status = %s, sync must not change it", dispute.Status)
	}
	if dispute.EvidenceDeadline == nil || !dispute.EvidenceDeadline.Equal(due) {
		t.Fatalf("deadline = %v, want %v", dispute.EvidenceDeadline, due)
	}
	if got := f.timelineCount(t, opened.ID, disputedomain.KindSync); got != 1 {
		t.Fatalf("sync entries = %d, want 1", got)
	}
}
