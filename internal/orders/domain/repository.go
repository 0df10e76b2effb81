package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the read-only view over commerce records.
type Repository interface {
	GetOrder(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	FindOrderByNumber(ctx context.Context, db *gorm.DB, channelID snowflake.ID, orderNumber string) (*Order, error)
	GetOrderItems(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]OrderItem, error)
	LatestShipment(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (*Shipment, error)
	GetUser(ctx context.Context, db *gorm.DB, id snowflake.ID) (*User, error)
	GetPaymentMethod(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PaymentMethod, error)

	CountOrdersSince(ctx context.Context, db *gorm.DB, userID snowflake.ID, since time.Time) (int64, error)
	CountOrdersByStatus(ctx context.Context, db *gorm.DB, userID snowflake.ID, status string) (int64, error)
	AvgOrderTotalCents(ctx context.Context, db *gorm.DB, userID snowflake.ID, excludeOrderID snowflake.ID) (float64, error)
}
