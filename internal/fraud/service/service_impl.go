package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/reckon/internal/clock"
	frauddomain "github.com/smallbiznis/reckon/internal/fraud/domain"
	obsmetrics "github.com/smallbiznis/reckon/internal/observability/metrics"
	ordersdomain "github.com/smallbiznis/reckon/internal/orders/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	velocityWindow     = 24 * time.Hour
	highVelocityCount  = 5 // strictly more than this triggers the high tier
	midVelocityCount   = 4
	amountAnomalyRatio = 3.0
	highValueItemCents = 50_000
	largeQuantity      = 10
	failedOrdersLimit  = 2
	historyWindow      = 5
	historyAvgLimit    = 60
	maxScore           = 100
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Orders  ordersdomain.Repository
	Repo    frauddomain.Repository
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	orders  ordersdomain.Repository
	repo    frauddomain.Repository
	metrics *obsmetrics.Metrics
}

func NewService(p Params) frauddomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("fraud"),
		genID:   p.GenID,
		clock:   p.Clock,
		orders:  p.Orders,
		repo:    p.Repo,
		metrics: p.Metrics,
	}
}

// layerResult is one scoring layer's contribution.
type layerResult struct {
	points int
	flag   string
	reason string
}

func (s *Service) Evaluate(ctx context.Context, orderID snowflake.ID) (*frauddomain.CheckResult, error) {
	order, err := s.orders.GetOrder(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, frauddomain.ErrOrderNotFound
	}
	user, err := s.orders.GetUser(ctx, s.db, order.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, frauddomain.ErrUserNotFound
	}

	now := s.clock.Now()
	var results []layerResult

	collect := func(r []layerResult, err error) error {
		if err != nil {
			return err
		}
		results = append(results, r...)
		return nil
	}

	if err := collect(s.velocityLayer(ctx, order, now)); err != nil {
		return nil, err
	}
	if err := collect(s.amountLayer(ctx, order)); err != nil {
		return nil, err
	}
	if err := collect(s.paymentMethodLayer(ctx, order, now)); err != nil {
		return nil, err
	}
	results = append(results, accountLayer(user, now)...)
	if err := collect(s.behavioralLayer(ctx, order)); err != nil {
		return nil, err
	}
	if err := collect(s.productLayer(ctx, order)); err != nil {
		return nil, err
	}
	if err := collect(s.historyLayer(ctx, order)); err != nil {
		return nil, err
	}

	total := 0
	flags := make([]string, 0, len(results))
	reasons := make([]string, 0, len(results))
	seen := map[string]bool{}
	for _, r := range results {
		total += r.points
		if r.flag != "" && !seen[r.flag] {
			seen[r.flag] = true
			flags = append(flags, r.flag)
		}
		if r.reason != "" {
			reasons = append(reasons, r.reason)
		}
	}
	if total > maxScore {
		total = maxScore
	}

	level := frauddomain.LevelForScore(total)
	result := &frauddomain.CheckResult{
		OrderID:      order.ID,
		UserID:       order.UserID,
		RiskScore:    total,
		RiskLevel:    level,
		Flags:        flags,
		Reasons:      reasons,
		ShouldReject: level == frauddomain.RiskLevelCritical,
		ShouldHold:   level == frauddomain.RiskLevelHigh,
		ShouldFlag:   level == frauddomain.RiskLevelMedium,
	}

	if err := s.persistScore(ctx, order, result, now); err != nil {
		return nil, err
	}

	s.metrics.RecordFraudCheck(ctx, string(level))
	s.log.Info("fraud check",
		zap.String("order_id", order.ID.String()),
		zap.Int("risk_score", total),
		zap.String("risk_level", string(level)),
		zap.Strings("flags", flags),
	)
	return result, nil
}

func (s *Service) EvaluateBatch(ctx context.Context, orderIDs []snowflake.ID) (*frauddomain.BatchResult, error) {
	batch := &frauddomain.BatchResult{
		CountByLevel: map[frauddomain.RiskLevel]int{},
	}
	for _, orderID := range orderIDs {
		result, err := s.Evaluate(ctx, orderID)
		if err != nil {
			s.log.Warn("batch fraud check item failed",
				zap.String("order_id", orderID.String()),
				zap.Error(err),
			)
			batch.Errors = append(batch.Errors, frauddomain.BatchItemError{
				OrderID: orderID,
				Error:   err.Error(),
			})
			continue
		}
		batch.Evaluated++
		batch.CountByLevel[result.RiskLevel]++
		batch.Results = append(batch.Results, result)
	}
	return batch, nil
}

func (s *Service) History(ctx context.Context, orderID snowflake.ID) ([]frauddomain.Score, error) {
	return s.repo.ScoresByOrder(ctx, s.db, orderID)
}

func (s *Service) velocityLayer(ctx context.Context, order *ordersdomain.Order, now time.Time) ([]layerResult, error) {
	count, err := s.orders.CountOrdersSince(ctx, s.db, order.UserID, now.Add(-velocityWindow))
	if err != nil {
		return nil, err
	}
	switch {
	case count > highVelocityCount:
		return []layerResult{{
			points: 20,
			flag:   frauddomain.FlagHighVelocity,
			reason: fmt.Sprintf("%d orders in the last 24h", count),
		}}, nil
	case count >= midVelocityCount:
		return []layerResult{{
			points: 10,
			flag:   frauddomain.FlagMediumVelocity,
			reason: fmt.Sprintf("%d orders in the last 24h", count),
		}}, nil
	}
	return nil, nil
}

func (s *Service) amountLayer(ctx context.Context, order *ordersdomain.Order) ([]layerResult, error) {
	avg, err := s.orders.AvgOrderTotalCents(ctx, s.db, order.UserID, order.ID)
	if err != nil {
		return nil, err
	}
	if avg <= 0 {
		return nil, nil
	}
	if float64(order.TotalCents) > amountAnomalyRatio*avg {
		return []layerResult{{
			points: 15,
			flag:   frauddomain.FlagUnusualAmount,
			reason: fmt.Sprintf("order total %d cents exceeds 3x the user average of %.0f cents", order.TotalCents, avg),
		}}, nil
	}
	return nil, nil
}

func (s *Service) paymentMethodLayer(ctx context.Context, order *ordersdomain.Order, now time.Time) ([]layerResult, error) {
	if order.PaymentMethodID == 0 {
		return nil, nil
	}
	method, err := s.orders.GetPaymentMethod(ctx, s.db, order.PaymentMethodID)
	if err != nil {
		return nil, err
	}
	if method == nil {
		return nil, nil
	}
	age := now.Sub(method.CreatedAt)
	switch {
	case age < time.Hour:
		return []layerResult{{
			points: 25,
			flag:   frauddomain.FlagNewPaymentMethod,
			reason: "payment method added less than 1h ago",
		}}, nil
	case age < 24*time.Hour:
		return []layerResult{{
			points: 10,
			flag:   frauddomain.FlagRecentPaymentMethod,
			reason: "payment method added less than 24h ago",
		}}, nil
	}
	return nil, nil
}

func accountLayer(user *ordersdomain.User, now time.Time) []layerResult {
	var results []layerResult
	age := now.Sub(user.CreatedAt)
	switch {
	case age < 24*time.Hour:
		results = append(results, layerResult{
			points: 20,
			flag:   frauddomain.FlagNewAccount,
			reason: "account created less than 24h ago",
		})
	case age < 7*24*time.Hour:
		results = append(results, layerResult{
			points: 10,
			flag:   frauddomain.FlagRecentAccount,
			reason: "account created less than 7 days ago",
		})
	}
	if !user.EmailVerified {
		results = append(results, layerResult{
			points: 15,
			flag:   frauddomain.FlagUnverifiedEmail,
			reason: "email address not verified",
		})
	}
	return results
}

func (s *Service) behavioralLayer(ctx context.Context, order *ordersdomain.Order) ([]layerResult, error) {
	failed, err := s.orders.CountOrdersByStatus(ctx, s.db, order.UserID, ordersdomain.OrderStatusFailed)
	if err != nil {
		return nil, err
	}
	if failed > failedOrdersLimit {
		return []layerResult{{
			points: 15,
			flag:   frauddomain.FlagMultipleFailures,
			reason: fmt.Sprintf("%d prior failed orders", failed),
		}}, nil
	}
	return nil, nil
}

func (s *Service) productLayer(ctx context.Context, order *ordersdomain.Order) ([]layerResult, error) {
	items, err := s.orders.GetOrderItems(ctx, s.db, order.ID)
	if err != nil {
		return nil, err
	}
	var results []layerResult
	for _, item := range items {
		if item.UnitPriceCents > highValueItemCents {
			results = append(results, layerResult{
				points: 5,
				flag:   frauddomain.FlagHighValueItem,
				reason: fmt.Sprintf("line item priced at %d cents", item.UnitPriceCents),
			})
		}
		if item.Quantity > largeQuantity {
			results = append(results, layerResult{
				points: 10,
				flag:   frauddomain.FlagLargeQuantity,
				reason: fmt.Sprintf("line item quantity %d", item.Quantity),
			})
		}
	}
	return results, nil
}

func (s *Service) historyLayer(ctx context.Context, order *ordersdomain.Order) ([]layerResult, error) {
	values, err := s.repo.RecentScoreValues(ctx, s.db, order.UserID, historyWindow)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	sum := 0
	for _, v := range values {
		sum += v
	}
	avg := sum / len(values)
	if avg > historyAvgLimit {
		return []layerResult{{
			points: 20,
			flag:   frauddomain.FlagHistoricalFraud,
			reason: fmt.Sprintf("average of last %d fraud scores is %d", len(values), avg),
		}}, nil
	}
	return nil, nil
}

func (s *Service) persistScore(ctx context.Context, order *ordersdomain.Order, result *frauddomain.CheckResult, now time.Time) error {
	flags, err := json.Marshal(result.Flags)
	if err != nil {
		return err
	}
	reasons, err := json.Marshal(result.Reasons)
	if err != nil {
		return err
	}
	return s.repo.InsertScore(ctx, s.db, &frauddomain.Score{
		ID:        s.genID.Generate(),
		ChannelID: order.ChannelID,
		OrderID:   order.ID,
		UserID:    order.UserID,
		RiskScore: result.RiskScore,
		RiskLevel: result.RiskLevel,
		Flags:     flags,
		Reasons:   reasons,
		CreatedAt: now,
	})
}
