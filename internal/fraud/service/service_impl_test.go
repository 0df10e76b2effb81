package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/reckon/internal/clock"
	frauddomain "github.com/smallbiznis/reckon/internal/fraud/domain"
	fraudrepo "github.com/smallbiznis/reckon/internal/fraud/repository"
	ordersrepo "github.com/smallbiznis/reckon/internal/orders/repository"
	"github.com/smallbiznis/reckon/internal/testutil"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fraudFixture struct {
	db      *gorm.DB
	svc     frauddomain.Service
	node    *snowflake.Node
	clock   *clock.FakeClock
	nextID  int64
	channel snowflake.ID
}

func newFraudFixture(t *testing.T) *fraudFixture {
	t.Helper()
	db := testutil.OpenDB(t)
	node := testutil.NewNode(t)
	fake := clock.NewFakeClock(testNow)

	svc := NewService(Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fake,
		Orders: ordersrepo.Provide(),
		Repo:   fraudrepo.Provide(),
	})
	return &fraudFixture{db: db, svc: svc, node: node, clock: fake, nextID: 1000, channel: 7}
}

func (f *fraudFixture) id() snowflake.ID {
	f.nextID++
	return snowflake.ID(f.nextID)
}

func (f *fraudFixture) seedUser(t *testing.T, createdAt time.Time, verified bool) snowflake.ID {
	t.Helper()
	id := f.id()
	err := f.db.Exec(
		`INSERT INTO users (id, email, email_verified, created_at) VALUES (?, ?, ?, ?)`,
		id, "buyer@example.com", verified, createdAt,
	).Error
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return id
}

func (f *fraudFixture) seedPaymentMethod(t *testing.T, userID snowflake.ID, createdAt time.Time) snowflake.ID {
	t.Helper()
	id := f.id()
	err := f.db.Exec(
		`INSERT INTO payment_methods (id, user_id, kind, created_at) VALUES (?, ?, ?, ?)`,
		id, userID, "card", createdAt,
	).Error
	if err != nil {
		t.Fatalf("seed payment method: %v", err)
	}
	return id
}

func (f *fraudFixture) seedOrder(t *testing.T, userID, methodID snowflake.ID, totalCents int64, status string, createdAt time.Time) snowflake.ID {
	t.Helper()
	id := f.id()
	err := f.db.Exec(
		`INSERT INTO orders (id, channel_id, user_id, order_number, status, total_cents, currency, payment_method_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, f.channel, userID, "ORD-"+id.String(), status, totalCents, "USD", methodID, createdAt,
	).Error
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return id
}

func TestEvaluateLowRiskBaseline(t *testing.T) {
	f := newFraudFixture(t)
	userID := f.seedUser(t, testNow.Add(-90*24*time.Hour), true)
	methodID := f.seedPaymentMethod(t, userID, testNow.Add(-60*24*time.Hour))
	orderID := f.seedOrder(t, userID, methodID, 5_000, "confirmed", testNow.Add(-time.Hour))

	result, err := f.svc.Evaluate(context.Background(), orderID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.RiskScore != 0 {
		t.Fatalf("score = %d, want 0", result.RiskScore)
	}
	if result.RiskLevel != frauddomain.RiskLevelLow {
		t.Fatalf("level = %s, want low", result.RiskLevel)
	}
	if result.ShouldReject || result.ShouldHold || result.ShouldFlag {
		t.Fatal("baseline order must carry no action flags")
	}
}

func TestEvaluateHighRiskHold(t *testing.T) {
	f := newFraudFixture(t)
	// 12h-old verified account (+20), payment method 10 minutes old (+25),
	// 6 orders in the window (+20): total 65, level high.
	userID := f.seedUser(t, testNow.Add(-12*time.Hour), true)
	methodID := f.seedPaymentMethod(t, userID, testNow.Add(-10*time.Minute))

	for i := 0; i < 5; i++ {
		f.seedOrder(t, userID, methodID, 5_000, "confirmed", testNow.Add(-time.Duration(i+1)*time.Hour))
	}
	orderID := f.seedOrder(t, userID, methodID, 5_000, "pending", testNow.Add(-time.Minute))

	result, err := f.svc.Evaluate(context.Background(), orderID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.RiskScore != 65 {
		t.Fatalf("score = %d, want 65", result.RiskScore)
	}
	if result.RiskLevel != frauddomain.RiskLevelHigh {
		t.Fatalf("level = %s, want high", result.RiskLevel)
	}
	if !result.ShouldHold || result.ShouldReject {
		t.Fatalf("want hold without reject, got hold=%v reject=%v", result.ShouldHold, result.ShouldReject)
	}
}

func TestEvaluateCriticalReject(t *testing.T) {
	f := newFraudFixture(t)
	// Unverified 12h account (+20 +15), 10-minute payment method (+25),
	// 6 orders in the window (+20): total 80, level critical.
	userID := f.seedUser(t, testNow.Add(-12*time.Hour), false)
	methodID := f.seedPaymentMethod(t, userID, testNow.Add(-10*time.Minute))

	for i := 0; i < 5; i++ {
		f.seedOrder(t, userID, methodID, 5_000, "confirmed", testNow.Add(-time.Duration(i+1)*time.Hour))
	}
	orderID := f.seedOrder(t, userID, methodID, 5_000, "pending", testNow.Add(-time.Minute))

	result, err := f.svc.Evaluate(context.Background(), orderID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.RiskScore != 80 {
		t.Fatalf("score = %d, want 80", result.RiskScore)
	}
	if result.RiskLevel != frauddomain.RiskLevelCritical {
		t.Fatalf("level = %s, want critical", result.RiskLevel)
	}
	if !result.ShouldReject {
		t.Fatal("critical result must reject")
	}
}

func TestEvaluateAmountAnomaly(t *testing.T) {
	f := newFraudFixture(t)
	userID := f.seedUser(t, testNow.Add(-90*24*time.Hour), true)
	methodID := f.seedPaymentMethod(t, userID, testNow.Add(-60*24*time.Hour))

	// Prior orders far outside the velocity window keep the average honest.
	for i := 0; i < 3; i++ {
		f.seedOrder(t, userID, methodID, 2_000, "completed", testNow.Add(-time.Duration(i+10)*24*time.Hour))
	}
	orderID := f.seedOrder(t, userID, methodID, 20_000, "pending", testNow.Add(-time.Minute))

	result, err := f.svc.Evaluate(context.Background(), orderID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.RiskScore != 15 {
		t.Fatalf("score = %d, want 15", result.RiskScore)
	}
	if len(result.Flags) != 1 || result.Flags[0] != frauddomain.FlagUnusualAmount {
		t.Fatalf("flags = %v, want [unusual_amount]", result.Flags)
	}
}

func TestEvaluatePersistsScoreHistory(t *testing.T) {
	f := newFraudFixture(t)
	userID := f.seedUser(t, testNow.Add(-90*24*time.Hour), true)
	methodID := f.seedPaymentMethod(t, userID, testNow.Add(-60*24*time.Hour))
	orderID := f.seedOrder(t, userID, methodID, 5_000, "confirmed", testNow.Add(-time.Hour))

	if _, err := f.svc.Evaluate(context.Background(), orderID); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	scores, err := f.svc.History(context.Background(), orderID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(scores) != 1 {
		t.Fatalf("scores = %d, want 1", len(scores))
	}
	if scores[0].UserID != userID {
		t.Fatalf("score user = %v, want %v", scores[0].UserID, userID)
	}
}

func TestEvaluateBatchContinuesOnError(t *testing.T) {
	f := newFraudFixture(t)
	userID := f.seedUser(t, testNow.Add(-90*24*time.Hour), true)
	methodID := f.seedPaymentMethod(t, userID, testNow.Add(-60*24*time.Hour))
	orderID := f.seedOrder(t, userID, methodID, 5_000, "confirmed", testNow.Add(-time.Hour))

	batch, err := f.svc.EvaluateBatch(context.Background(), []snowflake.ID{orderID, snowflake.ID(999_999)})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if batch.Evaluated != 1 {
		t.Fatalf("evaluated = %d, want 1", batch.Evaluated)
	}
	if len(batch.Errors) != 1 {
		t.Fatalf("errors = %d, want 1", len(batch.Errors))
	}
}
