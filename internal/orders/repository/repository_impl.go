package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	ordersdomain "github.com/smallbiznis/reckon/internal/orders/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() ordersdomain.Repository {
	return &repo{}
}

func (r *repo) GetOrder(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ordersdomain.Order, error) {
	var order ordersdomain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT id, channel_id, user_id, order_number, status, total_cents, currency, payment_method_id, created_at
		 FROM orders
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&order).Error
	if err != nil {
		return nil, err
	}
	if order.ID == 0 {
		return nil, nil
	}
	return &order, nil
}

func (r *repo) FindOrderByNumber(ctx context.Context, db *gorm.DB, channelID snowflake.ID, orderNumber string) (*ordersdomain.Order, error) {
	var order ordersdomain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT id, channel_id, user_id, order_number, status, total_cents, currency, payment_method_id, created_at
		 FROM orders
		 WHERE channel_id = ? AND order_number = ?
		 LIMIT 1`,
		channelID,
		orderNumber,
	).Scan(&order).Error
	if err != nil {
		return nil, err
	}
	if order.ID == 0 {
		return nil, nil
	}
	return &order, nil
}

func (r *repo) GetOrderItems(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]ordersdomain.OrderItem, error) {
	var items []ordersdomain.OrderItem
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, product_id, description, quantity, unit_price_cents
		 FROM order_items
		 WHERE order_id = ?
		 ORDER BY id`,
		orderID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) LatestShipment(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (*ordersdomain.Shipment, error) {
	var shipment ordersdomain.Shipment
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, carrier, tracking_number, tracking_url, delivered_at, created_at
		 FROM shipments
		 WHERE order_id = ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		orderID,
	).Scan(&shipment).Error
	if err != nil {
		return nil, err
	}
	if shipment.ID == 0 {
		return nil, nil
	}
	return &shipment, nil
}

func (r *repo) GetUser(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ordersdomain.User, error) {
	var user ordersdomain.User
	err := db.WithContext(ctx).Raw(
		`SELECT id, email, email_verified, created_at
		 FROM users
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&user).Error
	if err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, nil
	}
	return &user, nil
}

func (r *repo) GetPaymentMethod(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ordersdomain.PaymentMethod, error) {
	var method ordersdomain.PaymentMethod
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, kind, created_at
		 FROM payment_methods
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&method).Error
	if err != nil {
		return nil, err
	}
	if method.ID == 0 {
		return nil, nil
	}
	return &method, nil
}

func (r *repo) CountOrdersSince(ctx context.Context, db *gorm.DB, userID snowflake.ID, since time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM orders
		 WHERE user_id = ? AND created_at >= ?`,
		userID,
		since,
	).Scan(&count).Error
	return count, err
}

func (r *repo) CountOrdersByStatus(ctx context.Context, db *gorm.DB, userID snowflake.ID, status string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM orders
		 WHERE user_id = ? AND status = ?`,
		userID,
		status,
	).Scan(&count).Error
	return count, err
}

func (r *repo) AvgOrderTotalCents(ctx context.Context, db *gorm.DB, userID snowflake.ID, excludeOrderID snowflake.ID) (float64, error) {
	var avg *float64
	err := db.WithContext(ctx).Raw(
		`SELECT AVG(total_cents)
		 FROM orders
		 WHERE user_id = ? AND id <> ? AND status <> ?`,
		userID,
		excludeOrderID,
		ordersdomain.OrderStatusFailed,
	).Scan(&avg).Error
	if err != nil {
		return 0, err
	}
	if avg == nil {
		return 0, nil
	}
	return *avg, nil
}
