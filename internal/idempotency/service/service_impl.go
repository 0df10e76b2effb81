package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/reckon/internal/clock"
	idemdomain "github.com/smallbiznis/reckon/internal/idempotency/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Ledger struct {
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewLedger(p Params) idemdomain.Ledger {
	return &Ledger{
		log:   p.Log.Named("idempotency"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (l *Ledger) Check(ctx context.Context, db *gorm.DB, channelID snowflake.ID, scope, key string) (*idemdomain.Record, error) {
	scope, key, err := normalizeKey(scope, key)
	if err != nil {
		return nil, err
	}

	var record idemdomain.Record
	if err := db.WithContext(ctx).Raw(
		`SELECT id, channel_id, scope, idem_key, request_hash, result, status, created_at, updated_at
		 FROM idempotency_records
		 WHERE channel_id = ? AND scope = ? AND idem_key = ?
		 LIMIT 1`,
		channelID,
		scope,
		key,
	).Scan(&record).Error; err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (l *Ledger) Begin(ctx context.Context, db *gorm.DB, channelID snowflake.ID, scope, key, requestHash string) (*idemdomain.Record, bool, error) {
	scope, key, err := normalizeKey(scope, key)
	if err != nil {
		return nil, false, err
	}

	now := l.clock.Now()
	record := idemdomain.Record{
		ID:          l.genID.Generate(),
		ChannelID:   channelID,
		Scope:       scope,
		IdemKey:     key,
		RequestHash: requestHash,
		Status:      idemdomain.StatusInProgress,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	res := db.WithContext(ctx).Exec(
		`INSERT INTO idempotency_records (
			id, channel_id, scope, idem_key, request_hash, result, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?)
		ON CONFLICT (channel_id, scope, idem_key) DO NOTHING`,
		record.ID,
		record.ChannelID,
		record.Scope,
		record.IdemKey,
		record.RequestHash,
		record.Status,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected > 0 {
		return &record, true, nil
	}

	existing, err := l.Check(ctx, db, channelID, scope, key)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		// Lost the insert race but the row is gone; treat as contended.
		return nil, false, idemdomain.ErrInProgress
	}
	return existing, false, nil
}

func (l *Ledger) Complete(ctx context.Context, db *gorm.DB, channelID snowflake.ID, scope, key string, result []byte) error {
	return l.finish(ctx, db, channelID, scope, key, idemdomain.StatusCompleted, result)
}

func (l *Ledger) Fail(ctx context.Context, db *gorm.DB, channelID snowflake.ID, scope, key string, result []byte) error {
	return l.finish(ctx, db, channelID, scope, key, idemdomain.StatusFailed, result)
}

func (l *Ledger) finish(ctx context.Context, db *gorm.DB, channelID snowflake.ID, scope, key, status string, result []byte) error {
	scope, key, err := normalizeKey(scope, key)
	if err != nil {
		return err
	}

	return db.WithContext(ctx).Exec(
		`UPDATE idempotency_records
		 SET status = ?, result = ?, updated_at = ?
		 WHERE channel_id = ? AND scope = ? AND idem_key = ?`,
		status,
		result,
		l.clock.Now(),
		channelID,
		scope,
		key,
	).Error
}

func normalizeKey(scope, key string) (string, string, error) {
	scope = strings.TrimSpace(scope)
	key = strings.TrimSpace(key)
	if scope == "" || key == "" {
		return "", "", idemdomain.ErrInvalidKey
	}
	return scope, key, nil
}
