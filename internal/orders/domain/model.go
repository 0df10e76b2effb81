package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Collaborator records owned by the commerce subsystem. This engine reads
// them for fraud signals, evidence assembly and reconciliation matching and
// never writes them.

const (
	OrderStatusPending   = "pending"
	OrderStatusConfirmed = "confirmed"
	OrderStatusFailed    = "failed"
	OrderStatusCanceled  = "canceled"
	OrderStatusCompleted = "completed"
)

var ErrNotFound = errors.New("order_not_found")

type Order struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	ChannelID       snowflake.ID `gorm:"not null;index"`
	UserID          snowflake.ID `gorm:"not null;index"`
	OrderNumber     string       `gorm:"type:text;not null"`
	Status          string       `gorm:"type:text;not null"`
	TotalCents      int64        `gorm:"not null"`
	Currency        string       `gorm:"type:text;not null"`
	PaymentMethodID snowflake.ID `gorm:"index"`
	CreatedAt       time.Time    `gorm:"not null"`
}

func (Order) TableName() string { return "orders" }

type OrderItem struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	OrderID        snowflake.ID `gorm:"not null;index"`
	ProductID      snowflake.ID `gorm:"not null"`
	Description    string       `gorm:"type:text"`
	Quantity       int          `gorm:"not null"`
	UnitPriceCents int64        `gorm:"not null"`
}

func (OrderItem) TableName() string { return "order_items" }

type Shipment struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	OrderID        snowflake.ID `gorm:"not null;index"`
	Carrier        string       `gorm:"type:text"`
	TrackingNumber string       `gorm:"type:text"`
	TrackingURL    string       `gorm:"type:text"`
	DeliveredAt    *time.Time
	CreatedAt      time.Time `gorm:"not null"`
}

func (Shipment) TableName() string { return "shipments" }

type User struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	Email         string       `gorm:"type:text;not null"`
	EmailVerified bool         `gorm:"not null"`
	CreatedAt     time.Time    `gorm:"not null"`
}

func (User) TableName() string { return "users" }

type PaymentMethod struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	UserID    snowflake.ID `gorm:"not null;index"`
	Kind      string       `gorm:"type:text"`
	CreatedAt time.Time    `gorm:"not null"`
}

func (PaymentMethod) TableName() string { return "payment_methods" }
