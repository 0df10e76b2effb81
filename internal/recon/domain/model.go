package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type MatchStatus string

const (
	MatchUnmatched   MatchStatus = "UNMATCHED"
	MatchAuto        MatchStatus = "AUTO_MATCHED"
	MatchManual      MatchStatus = "MANUAL_MATCHED"
	MatchDiscrepancy MatchStatus = "DISCREPANCY"
)

type TxnType string

const (
	TxnCharge     TxnType = "charge"
	TxnRefund     TxnType = "refund"
	TxnPayout     TxnType = "payout"
	TxnFee        TxnType = "fee"
	TxnAdjustment TxnType = "adjustment"
)

type DiscrepancyKind string

const (
	KindAmountMismatch   DiscrepancyKind = "amount_mismatch"
	KindCurrencyMismatch DiscrepancyKind = "currency_mismatch"
	KindMissingOrder     DiscrepancyKind = "missing_order"
	KindDuplicateCharge  DiscrepancyKind = "duplicate_charge"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type DiscrepancyStatus string

const (
	DiscrepancyOpen          DiscrepancyStatus = "OPEN"
	DiscrepancyInvestigating DiscrepancyStatus = "INVESTIGATING"
	DiscrepancyResolved      DiscrepancyStatus = "RESOLVED"
	DiscrepancyAccepted      DiscrepancyStatus = "ACCEPTED"
)

// Open reports whether the discrepancy still needs a resolution.
func (s DiscrepancyStatus) Open() bool {
	return s == DiscrepancyOpen || s == DiscrepancyInvestigating
}

var (
	ErrTxnNotFound         = errors.New("provider_transaction_not_found")
	ErrDiscrepancyNotFound = errors.New("discrepancy_not_found")
	ErrInvalidTxn          = errors.New("invalid_provider_transaction")
	ErrAlreadyMatched      = errors.New("transaction_already_matched")
	ErrDiscrepancyClosed   = errors.New("discrepancy_already_closed")
)

// ProviderTransaction is one settlement line as reported by the provider.
// (channel_id, provider, provider_txn_id) is unique so replayed batches
// land on the same row.
type ProviderTransaction struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	ChannelID     snowflake.ID `gorm:"not null;uniqueIndex:ux_provider_txn"`
	Provider      string       `gorm:"type:text;not null;uniqueIndex:ux_provider_txn"`
	ProviderTxnID string       `gorm:"type:text;not null;uniqueIndex:ux_provider_txn"`
	Type          TxnType      `gorm:"type:text;not null"`
	AmountCents   int64        `gorm:"not null"`
	FeeCents      int64        `gorm:"not null"`
	NetCents      int64        `gorm:"not null"`
	Currency      string       `gorm:"type:text;not null"`
	// Status is the provider's own settlement state (pending, available,
	// paid...), stored verbatim.
	Status      string      `gorm:"type:text"`
	Reference   string      `gorm:"type:text"`
	MatchStatus MatchStatus `gorm:"type:text;not null;index"`
	OrderID     *snowflake.ID
	MatchedAt   *time.Time
	MatchedBy   string         `gorm:"type:text"`
	OccurredAt  time.Time      `gorm:"not null"`
	RawPayload  datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt   time.Time      `gorm:"not null"`
	UpdatedAt   time.Time      `gorm:"not null"`
}

func (ProviderTransaction) TableName() string { return "provider_transactions" }

// Discrepancy records a money difference between what the order says and
// what the provider settled. DifferenceCents is always actual minus expected.
type Discrepancy struct {
	ID                    snowflake.ID      `gorm:"primaryKey"`
	ChannelID             snowflake.ID      `gorm:"not null;index"`
	ProviderTransactionID snowflake.ID      `gorm:"not null;index"`
	OrderID               *snowflake.ID     `gorm:"index"`
	Kind                  DiscrepancyKind   `gorm:"type:text;not null"`
	ExpectedCents         int64             `gorm:"not null"`
	ActualCents           int64             `gorm:"not null"`
	DifferenceCents       int64             `gorm:"not null"`
	Severity              Severity          `gorm:"type:text;not null"`
	Status                DiscrepancyStatus `gorm:"type:text;not null;index"`
	// Description is written at creation and never overwritten; Resolution
	// is the closing audit note.
	Description string `gorm:"type:text"`
	Resolution  string `gorm:"type:text"`
	ResolvedBy  string `gorm:"type:text"`
	ResolvedAt  *time.Time
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (Discrepancy) TableName() string { return "reconciliation_discrepancies" }
