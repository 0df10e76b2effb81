package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListFilter struct {
	ChannelID   snowflake.ID
	Status      Status
	Provider    string
	NeedsManual *bool
	Limit       int

	// Cursor position: only rows strictly older than (BeforeCreatedAt, BeforeID)
	// are returned. Zero values mean "from the top".
	BeforeCreatedAt *time.Time
	BeforeID        snowflake.ID
}

type StatusCount struct {
	Status      Status `gorm:"column:status"`
	Count       int64  `gorm:"column:count"`
	AmountCents int64  `gorm:"column:amount_cents"`
}

type Stats struct {
	Total            int64
	TotalAmountCents int64
	ByStatus         []StatusCount
	NeedsManual      int64
}

// Repository persists disputes, their timeline, and evidence packs. All
// methods run against the caller's db handle so services can compose them
// inside one transaction.
type Repository interface {
	Find(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Dispute, error)
	FindForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Dispute, error)
	FindByProviderCase(ctx context.Context, db *gorm.DB, provider, providerCaseID string) (*Dispute, error)
	FindByProviderCaseForUpdate(ctx context.Context, db *gorm.DB, provider, providerCaseID string) (*Dispute, error)
	Insert(ctx context.Context, db *gorm.DB, dispute *Dispute) (bool, error)
	Update(ctx context.Context, db *gorm.DB, dispute *Dispute) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]Dispute, error)
	Stats(ctx context.Context, db *gorm.DB, channelID snowflake.ID) (*Stats, error)
	DueForEscalation(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]Dispute, error)

	AppendTimeline(ctx context.Context, db *gorm.DB, entry *TimelineEntry) error
	Timeline(ctx context.Context, db *gorm.DB, disputeID snowflake.ID) ([]TimelineEntry, error)

	InsertPack(ctx context.Context, db *gorm.DB, pack *EvidencePack) error
	UpdatePack(ctx context.Context, db *gorm.DB, pack *EvidencePack) error
	FindPack(ctx context.Context, db *gorm.DB, id snowflake.ID) (*EvidencePack, error)
	FindPackByDispute(ctx context.Context, db *gorm.DB, disputeID snowflake.ID) (*EvidencePack, error)
}
