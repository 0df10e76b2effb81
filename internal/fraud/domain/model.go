package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

// Signal flags contributed by the scoring layers.
const (
	FlagHighVelocity        = "HIGH_VELOCITY"
	FlagMediumVelocity      = "MEDIUM_VELOCITY"
	FlagUnusualAmount       = "UNUSUAL_AMOUNT"
	FlagNewPaymentMethod    = "NEW_PAYMENT_METHOD"
	FlagRecentPaymentMethod = "RECENT_PAYMENT_METHOD"
	FlagNewAccount          = "NEW_ACCOUNT"
	FlagRecentAccount       = "RECENT_ACCOUNT"
	FlagUnverifiedEmail     = "UNVERIFIED_EMAIL"
	FlagMultipleFailures    = "MULTIPLE_FAILURES"
	FlagHighValueItem       = "HIGH_VALUE_ITEM"
	FlagLargeQuantity       = "LARGE_QUANTITY"
	FlagHistoricalFraud     = "HISTORICAL_FRAUD"
)

var (
	ErrOrderNotFound = errors.New("fraud_order_not_found")
	ErrUserNotFound  = errors.New("fraud_user_not_found")
)

// Score is one immutable evaluation row. History is append-only; rows are
// never updated because prior scores feed the historical-fraud layer.
type Score struct {
	ID        snowflake.ID   `gorm:"primaryKey"`
	ChannelID snowflake.ID   `gorm:"not null;index"`
	OrderID   snowflake.ID   `gorm:"not null;index"`
	UserID    snowflake.ID   `gorm:"not null;index"`
	RiskScore int            `gorm:"not null"`
	RiskLevel RiskLevel      `gorm:"type:text;not null"`
	Flags     datatypes.JSON `gorm:"type:jsonb"`
	Reasons   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null"`
}

func (Score) TableName() string { return "fraud_scores" }

// CheckResult is the evaluation outcome returned to the order pipeline.
type CheckResult struct {
	OrderID      snowflake.ID `json:"order_id"`
	UserID       snowflake.ID `json:"user_id"`
	RiskScore    int          `json:"risk_score"`
	RiskLevel    RiskLevel    `json:"risk_level"`
	Flags        []string     `json:"flags"`
	Reasons      []string     `json:"reasons"`
	ShouldReject bool         `json:"should_reject"`
	ShouldHold   bool         `json:"should_hold"`
	ShouldFlag   bool         `json:"should_flag"`
}

// BatchItemError records one failed evaluation inside a batch.
type BatchItemError struct {
	OrderID snowflake.ID `json:"order_id"`
	Error   string       `json:"error"`
}

// BatchResult aggregates a batch evaluation. A single order's failure never
// aborts the batch.
type BatchResult struct {
	Evaluated    int                  `json:"evaluated"`
	CountByLevel map[RiskLevel]int    `json:"count_by_level"`
	Results      []*CheckResult       `json:"results"`
	Errors       []BatchItemError     `json:"errors,omitempty"`
}

// LevelForScore maps a total score to its risk level.
func LevelForScore(score int) RiskLevel {
	switch {
	case score >= 80:
		return RiskLevelCritical
	case score >= 60:
		return RiskLevelHigh
	case score >= 40:
		return RiskLevelMedium
	default:
		return RiskLevelLow
	}
}
