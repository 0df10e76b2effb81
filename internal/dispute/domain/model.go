package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusOpen             Status = "OPEN"
	StatusEvidenceRequired Status = "EVIDENCE_REQUIRED"
	StatusEvidenceBuilding Status = "EVIDENCE_BUILDING"
	StatusEvidenceReady    Status = "EVIDENCE_READY"
	StatusSubmitted        Status = "SUBMITTED"
	StatusWon              Status = "WON"
	StatusLost             Status = "LOST"
	StatusClosed           Status = "CLOSED"
	StatusDuplicate        Status = "DUPLICATE"
	StatusCanceled         Status = "CANCELED"
)

// Terminal reports whether the primary lifecycle can no longer move forward.
func (s Status) Terminal() bool {
	switch s {
	case StatusWon, StatusLost, StatusClosed, StatusDuplicate, StatusCanceled:
		return true
	default:
		return false
	}
}

type TimelineKind string

const (
	KindSync              TimelineKind = "SYNC"
	KindEvidenceBuilding  TimelineKind = "EVIDENCE_BUILDING"
	KindEvidenceSubmitted TimelineKind = "EVIDENCE_SUBMITTED"
	KindNeedsManual       TimelineKind = "NEEDS_MANUAL"
	KindStatusUpdate      TimelineKind = "STATUS_UPDATE"
	KindWebhook           TimelineKind = "WEBHOOK"
)

type PackStatus string

const (
	PackBuilding  PackStatus = "BUILDING"
	PackReady     PackStatus = "READY"
	PackSubmitted PackStatus = "SUBMITTED"
)

var (
	ErrNotFound         = errors.New("dispute_not_found")
	ErrPackNotFound     = errors.New("evidence_pack_not_found")
	ErrInvalidState     = errors.New("dispute_invalid_state")
	ErrEvidenceNotReady = errors.New("evidence_not_ready")
	ErrInvalidEvent     = errors.New("dispute_invalid_event")
	ErrInvalidStatus    = errors.New("dispute_invalid_status")
)

// Dispute is owned exclusively by this package; every mutation goes through
// a defined transition and appends exactly one timeline entry.
type Dispute struct {
	ID                   snowflake.ID  `gorm:"primaryKey"`
	ChannelID            snowflake.ID  `gorm:"not null;index"`
	Provider             string        `gorm:"type:text;not null"`
	ProviderCaseID       string        `gorm:"type:text;not null"`
	OrderID              *snowflake.ID `gorm:"index"`
	Status               Status        `gorm:"type:text;not null"`
	Reason               string        `gorm:"type:text"`
	AmountCents          int64         `gorm:"not null"`
	Currency             string        `gorm:"type:text;not null"`
	EvidencePackID       *snowflake.ID
	EvidenceDeadline     *time.Time
	NeedsManual          bool `gorm:"not null"`
	LastError            *string
	LastProviderUpdateAt *time.Time
	CreatedAt            time.Time `gorm:"not null"`
	UpdatedAt            time.Time `gorm:"not null"`
}

func (Dispute) TableName() string { return "disputes" }

// TimelineEntry is the append-only audit of record. Entries are never
// mutated or deleted.
type TimelineEntry struct {
	ID        snowflake.ID   `gorm:"primaryKey"`
	DisputeID snowflake.ID   `gorm:"not null;index"`
	Kind      TimelineKind   `gorm:"type:text;not null"`
	Message   string         `gorm:"type:text"`
	Meta      datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null"`
}

func (TimelineEntry) TableName() string { return "dispute_timeline_entries" }

// EvidencePack lives strictly inside its owning dispute's lifecycle.
type EvidencePack struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	DisputeID          snowflake.ID `gorm:"not null;uniqueIndex"`
	Status             PackStatus   `gorm:"type:text;not null"`
	TrackingNumber     string       `gorm:"type:text"`
	TrackingURL        string       `gorm:"type:text"`
	Carrier            string       `gorm:"type:text"`
	DeliveredAt        *time.Time
	DeliveryProof      string         `gorm:"type:text"`
	ProductDescription string         `gorm:"type:text"`
	CustomerComms      datatypes.JSON `gorm:"type:jsonb"`
	RefundPolicy       string         `gorm:"type:text"`
	TermsOfService     string         `gorm:"type:text"`
	Attachments        datatypes.JSON `gorm:"type:jsonb"`
	SubmittedAt        *time.Time
	SubmittedBy        string    `gorm:"type:text"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (EvidencePack) TableName() string { return "evidence_packs" }

// Event is the canonical dispute event parsed from a provider webhook.
type Event struct {
	Provider       string
	EventID        string
	ProviderCaseID string
	Type           string
	ChannelID      snowflake.ID
	OrderNumber    string
	AmountCents    int64
	Currency       string
	Reason         string
	Disposition    string
	EvidenceDueBy  *time.Time
	OccurredAt     time.Time
	RawPayload     []byte
}

const (
	EventTypeCreated          = "dispute.created"
	EventTypeEvidenceRequired = "dispute.evidence_required"
	EventTypeUpdated          = "dispute.updated"
	EventTypeClosed           = "dispute.closed"
)

const (
	DispositionWon  = "won"
	DispositionLost = "lost"
)
