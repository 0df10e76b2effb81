package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type TxnFilter struct {
	ChannelID   snowflake.ID
	Provider    string
	MatchStatus MatchStatus
	Limit       int
	Offset      int
}

type DiscrepancyFilter struct {
	ChannelID snowflake.ID
	Status    DiscrepancyStatus
	Severity  Severity
	Limit     int
	Offset    int
}

type MatchStatusCount struct {
	MatchStatus MatchStatus `gorm:"column:match_status"`
	Count       int64       `gorm:"column:count"`
	AmountCents int64       `gorm:"column:amount_cents"`
}

type Stats struct {
	TotalTransactions    int64
	ByMatchStatus        []MatchStatusCount
	UnmatchedAmountCents int64
	OpenDiscrepancies    int64
	OpenDifferenceCents  int64
	OpenBySeverity       []SeverityCount
}

type SeverityCount struct {
	Severity Severity `gorm:"column:severity"`
	Count    int64    `gorm:"column:count"`
}

type Repository interface {
	InsertTxn(ctx context.Context, db *gorm.DB, txn *ProviderTransaction) (bool, error)
	FindTxn(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ProviderTransaction, error)
	FindTxnForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ProviderTransaction, error)
	FindTxnByProviderID(ctx context.Context, db *gorm.DB, channelID snowflake.ID, provider, providerTxnID string) (*ProviderTransaction, error)
	UpdateTxn(ctx context.Context, db *gorm.DB, txn *ProviderTransaction) error
	ListTxns(ctx context.Context, db *gorm.DB, filter TxnFilter) ([]ProviderTransaction, error)
	UnmatchedBatch(ctx context.Context, db *gorm.DB, channelID snowflake.ID, provider string, limit int) ([]ProviderTransaction, error)

	InsertDiscrepancy(ctx context.Context, db *gorm.DB, d *Discrepancy) error
	FindDiscrepancyForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Discrepancy, error)
	UpdateDiscrepancy(ctx context.Context, db *gorm.DB, d *Discrepancy) error
	ListDiscrepancies(ctx context.Context, db *gorm.DB, filter DiscrepancyFilter) ([]Discrepancy, error)

	Stats(ctx context.Context, db *gorm.DB, channelID snowflake.ID) (*Stats, error)
}
