package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/reckon/internal/clock"
	ordersrepo "github.com/smallbiznis/reckon/internal/orders/repository"
	recondomain "github.com/smallbiznis/reckon/internal/recon/domain"
	reconrepo "github.com/smallbiznis/reckon/internal/recon/repository"
	"github.com/smallbiznis/reckon/internal/testutil"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const testChannel = snowflake.ID(7)

type reconFixture struct {
	db     *gorm.DB
	svc    recondomain.Service
	nextID int64
}

func newReconFixture(t *testing.T) *reconFixture {
	t.Helper()
	db := testutil.OpenDB(t)

	svc := NewService(Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  testutil.NewNode(t),
		Clock:  clock.NewFakeClock(testNow),
		Repo:   reconrepo.Provide(),
		Orders: ordersrepo.Provide(),
	})
	return &reconFixture{db: db, svc: svc, nextID: 9000}
}

func (f *reconFixture) id() snowflake.ID {
	f.nextID++
	return snowflake.ID(f.nextID)
}

func (f *reconFixture) seedOrder(t *testing.T, orderNumber string, totalCents int64) snowflake.ID {
	t.Helper()
	orderID := f.id()
	err := f.db.Exec(
		`INSERT INTO orders (id, channel_id, user_id, order_number, status, total_cents, currency, payment_method_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		orderID, testChannel, f.id(), orderNumber, "completed", totalCents, "USD", nil, testNow.Add(-48*time.Hour),
	).Error
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return orderID
}

func (f *reconFixture) input(providerTxnID string, amountCents int64, reference string) recondomain.TxnInput {
	input := recondomain.TxnInput{
		ChannelID:     testChannel,
		Provider:      "stripe",
		ProviderTxnID: providerTxnID,
		Type:          recondomain.TxnCharge,
		AmountCents:   amountCents,
		Currency:      "usd",
		OccurredAt:    testNow.Add(-time.Hour),
	}
	if reference != "" {
		input.Metadata = map[string]string{"reference_id": reference}
	}
	return input
}

func TestIngestIsIdempotent(t *testing.T) {
	f := newReconFixture(t)
	ctx := context.Background()

	first, err := f.svc.Ingest(ctx, f.input("txn_1", 10_000, "ORD-1"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !first.Inserted {
		t.Fatal("first ingest must insert")
	}
	if first.Txn.MatchStatus != recondomain.MatchUnmatched {
		t.Fatalf("match status = %s, want UNMATCHED", first.Txn.MatchStatus)
	}

	if first.Txn.NetCents != 10_000 {
		t.Fatalf("net = %d, want amount minus fee", first.Txn.NetCents)
	}

	second, err := f.svc.Ingest(ctx, f.input("txn_1", 10_000, "ORD-1"))
	if err != nil {
		t.Fatalf("replay ingest: %v", err)
	}
	if second.Inserted {
		t.Fatal("replay must not insert")
	}
	if second.Txn.ID != first.Txn.ID {
		t.Fatal("replay must return the stored row")
	}
}

func TestExtractReferencePriority(t *testing.T) {
	got := recondomain.ExtractReference(map[string]string{
		"custom_id":    "C-3",
		"invoice_id":   "INV-2",
		"reference_id": "REF-1",
	})
	if got != "REF-1" {
		t.Fatalf("reference = %s, want REF-1", got)
	}

	got = recondomain.ExtractReference(map[string]string{
		"custom_id":  "C-3",
		"invoice_id": "INV-2",
	})
	if got != "INV-2" {
		t.Fatalf("reference = %s, want INV-2", got)
	}

	if got := recondomain.ExtractReference(nil); got != "" {
		t.Fatalf("reference = %s, want empty", got)
	}
}

func TestAutoMatchExactAmount(t *testing.T) {
	f := newReconFixture(t)
	ctx := context.Background()
	orderID := f.seedOrder(t, "ORD-1", 10_000)

	if _, err := f.svc.Ingest(ctx, f.input("txn_1", 10_000, "ORD-1")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	result, err := f.svc.AutoMatch(ctx, testChannel, "", 50)
	if err != nil {
		t.Fatalf("auto-match: %v", err)
	}
	if result.Matched != 1 || result.Discrepancies != 0 {
		t.Fatalf("result = %+v, want 1 match", result)
	}

	txns, err := f.svc.ListTxns(ctx, recondomain.TxnFilter{ChannelID: testChannel})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if txns[0].MatchStatus != recondomain.MatchAuto {
		t.Fatalf("match status = %s, want AUTO_MATCHED", txns[0].MatchStatus)
	}
	if txns[0].OrderID == nil || *txns[0].OrderID != orderID {
		t.Fatalf("order id = %v, want %v", txns[0].OrderID, orderID)
	}
	if txns[0].MatchedBy != "auto-match" || txns[0].MatchedAt == nil {
		t.Fatalf("match audit missing: by=%q at=%v", txns[0].MatchedBy, txns[0].MatchedAt)
	}
}

func TestAutoMatchProviderFilter(t *testing.T) {
	f := newReconFixture(t)
	ctx := context.Background()
	f.seedOrder(t, "ORD-1", 10_000)

	input := f.input("txn_1", 10_000, "ORD-1")
	input.Provider = "paypal"
	if _, err := f.svc.Ingest(ctx, input); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// A sweep scoped to another provider must not touch the row.
	result, err := f.svc.AutoMatch(ctx, testChannel, "stripe", 50)
	if err != nil {
		t.Fatalf("auto-match: %v", err)
	}
	if result.Examined != 0 {
		t.Fatalf("examined = %d, want 0", result.Examined)
	}

	result, err = f.svc.AutoMatch(ctx, testChannel, "PayPal", 50)
	if err != nil {
		t.Fatalf("auto-match: %v", err)
	}
	if result.Matched != 1 {
		t.Fatalf("result = %+v, want 1 match", result)
	}
}

func TestAutoMatchAmountMismatchOpensDiscrepancy(t *testing.T) {
	f := newReconFixture(t)
	ctx := context.Background()
	f.seedOrder(t, "ORD-1", 10_000)

	// Provider settled 500 cents short.
	if _, err := f.svc.Ingest(ctx, f.input("txn_1", 9_500, "ORD-1")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	result, err := f.svc.AutoMatch(ctx, testChannel, "", 50)
	if err != nil {
		t.Fatalf("auto-match: %v", err)
	}
	if result.Matched != 0 || result.Discrepancies != 1 {
		t.Fatalf("result = %+v, want 1 discrepancy", result)
	}

	discrepancies, err := f.svc.ListDiscrepancies(ctx, recondomain.DiscrepancyFilter{ChannelID: testChannel})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(discrepancies) != 1 {
		t.Fatalf("discrepancies = %d, want 1", len(discrepancies))
	}
	d := discrepancies[0]
	if d.DifferenceCents != -500 {
		t.Fatalf("difference = %d, want -500", d.DifferenceCents)
	}
	if d.Status != recondomain.DiscrepancyOpen {
		t.Fatalf("status = %s, want OPEN", d.Status)
	}
	if d.Kind != recondomain.KindAmountMismatch {
		t.Fatalf("kind = %s, want amount_mismatch", d.Kind)
	}

	txns, err := f.svc.ListTxns(ctx, recondomain.TxnFilter{ChannelID: testChannel})
	if err != nil {
		t.Fatalf("list txns: %v", err)
	}
	if txns[0].MatchStatus != recondomain.MatchDiscrepancy {
		t.Fatalf("match status = %s, want DISCREPANCY", txns[0].MatchStatus)
	}
}

func TestAutoMatchLeavesUnknownReferenceUnmatched(t *testing.T) {
	f := newReconFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Ingest(ctx, f.input("txn_1", 10_000, "ORD-MISSING")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	result, err := f.svc.AutoMatch(ctx, testChannel, "", 50)
	if err != nil {
		t.Fatalf("auto-match: %v", err)
	}
	if result.Examined != 1 || result.Matched != 0 || result.Discrepancies != 0 {
		t.Fatalf("result = %+v, want untouched", result)
	}

	txns, err := f.svc.ListTxns(ctx, recondomain.TxnFilter{ChannelID: testChannel})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if txns[0].MatchStatus != recondomain.MatchUnmatched {
		t.Fatalf("match status = %s, want UNMATCHED", txns[0].MatchStatus)
	}
}

func TestManualMatch(t *testing.T) {
	f := newReconFixture(t)
	ctx := context.Background()
	orderID := f.seedOrder(t, "ORD-1", 10_000)

	ingested, err := f.svc.Ingest(ctx, f.input("txn_1", 10_000, ""))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	txn, err := f.svc.Match(ctx, ingested.Txn.ID, orderID, "ops")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if txn.MatchStatus != recondomain.MatchManual {
		t.Fatalf("match status = %s, want MANUAL_MATCHED", txn.MatchStatus)
	}
	if txn.MatchedBy != "ops" || txn.MatchedAt == nil || !txn.MatchedAt.Equal(testNow) {
		t.Fatalf("match audit missing: by=%q at=%v", txn.MatchedBy, txn.MatchedAt)
	}

	// A matched transaction cannot be matched again.
	_, err = f.svc.Match(ctx, ingested.Txn.ID, orderID, "ops")
	if !errors.Is(err, recondomain.ErrAlreadyMatched) {
		t.Fatalf("err = %v, want ErrAlreadyMatched", err)
	}
}

func TestResolveDiscrepancy(t *testing.T) {
	f := newReconFixture(t)
	ctx := context.Background()
	orderID := f.seedOrder(t, "ORD-1", 10_000)

	ingested, err := f.svc.Ingest(ctx, f.input("txn_1", 9_000, ""))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	created, err := f.svc.CreateDiscrepancy(ctx, testChannel, recondomain.DiscrepancyInput{
		ProviderTransactionID: ingested.Txn.ID,
		OrderID:               &orderID,
		Kind:                  recondomain.KindAmountMismatch,
		ExpectedCents:         10_000,
		ActualCents:           9_000,
		Severity:              recondomain.SeverityHigh,
		Description:           "short settlement",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.DifferenceCents != -1_000 {
		t.Fatalf("difference = %d, want -1000", created.DifferenceCents)
	}
	if created.Severity != recondomain.SeverityHigh {
		t.Fatalf("severity = %s, want caller-supplied high", created.Severity)
	}

	investigated, err := f.svc.InvestigateDiscrepancy(ctx, created.ID, "ops")
	if err != nil {
		t.Fatalf("investigate: %v", err)
	}
	if investigated.Status != recondomain.DiscrepancyInvestigating {
		t.Fatalf("status = %s, want INVESTIGATING", investigated.Status)
	}

	resolved, err := f.svc.ResolveDiscrepancy(ctx, created.ID, "ops", "fee adjustment confirmed", false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != recondomain.DiscrepancyResolved {
		t.Fatalf("status = %s, want RESOLVED", resolved.Status)
	}
	if resolved.Resolution != "fee adjustment confirmed" {
		t.Fatalf("resolution = %q", resolved.Resolution)
	}
	if resolved.Description != "short settlement" {
		t.Fatalf("description = %q, must survive resolution", resolved.Description)
	}
	if resolved.ResolvedAt == nil || resolved.ResolvedBy != "ops" {
		t.Fatalf("resolution fields missing: %+v", resolved)
	}

	_, err = f.svc.ResolveDiscrepancy(ctx, created.ID, "ops", "", false)
	if !errors.Is(err, recondomain.ErrDiscrepancyClosed) {
		t.Fatalf("err = %v, want ErrDiscrepancyClosed", err)
	}
	_, err = f.svc.InvestigateDiscrepancy(ctx, created.ID, "ops")
	if !errors.Is(err, recondomain.ErrDiscrepancyClosed) {
		t.Fatalf("err = %v, want ErrDiscrepancyClosed", err)
	}
}

func TestAcceptDiscrepancy(t *testing.T) {
	f := newReconFixture(t)
	ctx := context.Background()

	ingested, err := f.svc.Ingest(ctx, f.input("txn_1", 4_000, ""))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	created, err := f.svc.CreateDiscrepancy(ctx, testChannel, recondomain.DiscrepancyInput{
		ProviderTransactionID: ingested.Txn.ID,
		Kind:                  recondomain.KindMissingOrder,
		ActualCents:           4_000,
		Description:           "no order found for settlement",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	accepted, err := f.svc.ResolveDiscrepancy(ctx, created.ID, "finance", "written off", true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if accepted.Status != recondomain.DiscrepancyAccepted {
		t.Fatalf("status = %s, want ACCEPTED", accepted.Status)
	}
}

func TestStats(t *testing.T) {
	f := newReconFixture(t)
	ctx := context.Background()
	f.seedOrder(t, "ORD-1", 10_000)

	if _, err := f.svc.Ingest(ctx, f.input("txn_1", 10_000, "ORD-1")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	unmatched, err := f.svc.Ingest(ctx, f.input("txn_2", 4_000, ""))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := f.svc.AutoMatch(ctx, testChannel, "", 50); err != nil {
		t.Fatalf("auto-match: %v", err)
	}
	if _, err := f.svc.CreateDiscrepancy(ctx, testChannel, recondomain.DiscrepancyInput{
		ProviderTransactionID: unmatched.Txn.ID,
		Kind:                  recondomain.KindMissingOrder,
		ExpectedCents:         0,
		ActualCents:           4_000,
		Severity:              recondomain.SeverityHigh,
		Description:           "no order found for settlement",
	}); err != nil {
		t.Fatalf("create discrepancy: %v", err)
	}

	stats, err := f.svc.Stats(ctx, testChannel)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalTransactions != 2 {
		t.Fatalf("total = %d, want 2", stats.TotalTransactions)
	}
	if stats.OpenDiscrepancies != 1 {
		t.Fatalf("open discrepancies = %d, want 1", stats.OpenDiscrepancies)
	}
	if len(stats.OpenBySeverity) != 1 || stats.OpenBySeverity[0].Severity != recondomain.SeverityHigh || stats.OpenBySeverity[0].Count != 1 {
		t.Fatalf("severity breakdown = %+v, want one high", stats.OpenBySeverity)
	}
}
