package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

var (
	// ErrDuplicateEvent means the key already completed. Callers treat this
	// as success so provider retries stay safe.
	ErrDuplicateEvent = errors.New("duplicate_event")
	ErrInProgress     = errors.New("event_in_progress")
	ErrInvalidKey     = errors.New("invalid_idempotency_key")
)

// Record is a write-once lock plus cached result for one external event.
// (channel_id, scope, idem_key) is unique; the identity never changes once
// written, only result and status do.
type Record struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	ChannelID   snowflake.ID   `gorm:"not null;uniqueIndex:ux_idempotency_channel_scope_key"`
	Scope       string         `gorm:"type:text;not null;uniqueIndex:ux_idempotency_channel_scope_key"`
	IdemKey     string         `gorm:"type:text;not null;uniqueIndex:ux_idempotency_channel_scope_key"`
	RequestHash string         `gorm:"type:text"`
	Result      datatypes.JSON `gorm:"type:jsonb"`
	Status      string         `gorm:"type:text;not null"`
	CreatedAt   time.Time      `gorm:"not null"`
	UpdatedAt   time.Time      `gorm:"not null"`
}

func (Record) TableName() string { return "idempotency_records" }

// Ledger serializes externally-triggered mutations on a single row per
// external event.
type Ledger interface {
	// Check is a lookup with no side effects.
	Check(ctx context.Context, db *gorm.DB, channelID snowflake.ID, scope, key string) (*Record, error)

	// Begin claims the key. It returns the stored record and whether this
	// caller won the claim; a lost claim against a COMPLETED record is the
	// duplicate-delivery case.
	Begin(ctx context.Context, db *gorm.DB, channelID snowflake.ID, scope, key, requestHash string) (*Record, bool, error)

	Complete(ctx context.Context, db *gorm.DB, channelID snowflake.ID, scope, key string, result []byte) error
	Fail(ctx context.Context, db *gorm.DB, channelID snowflake.ID, scope, key string, result []byte) error
}
