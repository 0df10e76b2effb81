package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	disputedomain "github.com/smallbiznis/reckon/internal/dispute/domain"
	"gorm.io/gorm"
)

const disputeColumns = `id, channel_id, provider, provider_case_id, order_id, status, reason,
	amount_cents, currency, evidence_pack_id, evidence_deadline, needs_manual,
	last_error, last_provider_update_at, created_at, updated_at`

const packColumns = `id, dispute_id, status, tracking_number, tracking_url, carrier,
	delivered_at, delivery_proof, product_description, customer_comms,
	refund_policy, terms_of_service, attachments, submitted_at, submitted_by,
	created_at, updated_at`

type repo struct{}

func Provide() disputedomain.Repository {
	return &repo{}
}

func lockSuffix(db *gorm.DB) string {
	// sqlite has no row locks; the in-memory test db serializes writes anyway.
	if db.Dialector.Name() == "sqlite" {
		return ""
	}
	return " FOR UPDATE"
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, id snowflake.ID) (*disputedomain.Dispute, error) {
	return r.findByID(ctx, db, id, false)
}

func (r *repo) FindForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*disputedomain.Dispute, error) {
	return r.findByID(ctx, db, id, true)
}

func (r *repo) findByID(ctx context.Context, db *gorm.DB, id snowflake.ID, lock bool) (*disputedomain.Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE id = ? LIMIT 1`
	if lock {
		query += lockSuffix(db)
	}

	var dispute disputedomain.Dispute
	if err := db.WithContext(ctx).Raw(query, id).Scan(&dispute).Error; err != nil {
		return nil, err
	}
	if dispute.ID == 0 {
		return nil, disputedomain.ErrNotFound
	}
	return &dispute, nil
}

func (r *repo) FindByProviderCase(ctx context.Context, db *gorm.DB, provider, providerCaseID string) (*disputedomain.Dispute, error) {
	return r.findByProviderCase(ctx, db, provider, providerCaseID, false)
}

func (r *repo) FindByProviderCaseForUpdate(ctx context.Context, db *gorm.DB, provider, providerCaseID string) (*disputedomain.Dispute, error) {
	return r.findByProviderCase(ctx, db, provider, providerCaseID, true)
}

func (r *repo) findByProviderCase(ctx context.Context, db *gorm.DB, provider, providerCaseID string, lock bool) (*disputedomain.Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE provider = ? AND provider_case_id = ? LIMIT 1`
	if lock {
		query += lockSuffix(db)
	}

	var dispute disputedomain.Dispute
	if err := db.WithContext(ctx).Raw(query, provider, providerCaseID).Scan(&dispute).Error; err != nil {
		return nil, err
	}
	if dispute.ID == 0 {
		return nil, disputedomain.ErrNotFound
	}
	return &dispute, nil
}

// Insert claims the (provider, provider_case_id) pair. The unique index makes
// concurrent first-event deliveries race safely; only one insert wins.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, dispute *disputedomain.Dispute) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO disputes (
			id, channel_id, provider, provider_case_id, order_id, status, reason,
			amount_cents, currency, evidence_pack_id, evidence_deadline, needs_manual,
			last_error, last_provider_update_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, provider_case_id) DO NOTHING`,
		dispute.ID,
		dispute.ChannelID,
		dispute.Provider,
		dispute.ProviderCaseID,
		dispute.OrderID,
		dispute.Status,
		dispute.Reason,
		dispute.AmountCents,
		dispute.Currency,
		dispute.EvidencePackID,
		dispute.EvidenceDeadline,
		dispute.NeedsManual,
		dispute.LastError,
		dispute.LastProviderUpdateAt,
		dispute.CreatedAt,
		dispute.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, dispute *disputedomain.Dispute) error {
	return db.WithContext(ctx).Exec(
		`UPDATE disputes SET
			order_id = ?, status = ?, reason = ?, amount_cents = ?, currency = ?,
			evidence_pack_id = ?, evidence_deadline = ?, needs_manual = ?,
			last_error = ?, last_provider_update_at = ?, updated_at = ?
		 WHERE id = ?`,
		dispute.OrderID,
		dispute.Status,
		dispute.Reason,
		dispute.AmountCents,
		dispute.Currency,
		dispute.EvidencePackID,
		dispute.EvidenceDeadline,
		dispute.NeedsManual,
		dispute.LastError,
		dispute.LastProviderUpdateAt,
		dispute.UpdatedAt,
		dispute.ID,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter disputedomain.ListFilter) ([]disputedomain.Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE channel_id = ?`
	args := []any{filter.ChannelID}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Provider != "" {
		query += ` AND provider = ?`
		args = append(args, filter.Provider)
	}
	if filter.NeedsManual != nil {
		query += ` AND needs_manual = ?`
		args = append(args, *filter.NeedsManual)
	}
	if filter.BeforeCreatedAt != nil {
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, *filter.BeforeCreatedAt, *filter.BeforeCreatedAt, filter.BeforeID)
	}

	query += ` ORDER BY created_at DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 || limit > 251 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	var disputes []disputedomain.Dispute
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&disputes).Error; err != nil {
		return nil, err
	}
	return disputes, nil
}

func (r *repo) Stats(ctx context.Context, db *gorm.DB, channelID snowflake.ID) (*disputedomain.Stats, error) {
	var byStatus []disputedomain.StatusCount
	if err := db.WithContext(ctx).Raw(
		`SELECT status, COUNT(*) AS count, COALESCE(SUM(amount_cents), 0) AS amount_cents
		 FROM disputes
		 WHERE channel_id = ?
		 GROUP BY status
		 ORDER BY status`,
		channelID,
	).Scan(&byStatus).Error; err != nil {
		return nil, err
	}

	stats := &disputedomain.Stats{ByStatus: byStatus}
	for _, row := range byStatus {
		stats.Total += row.Count
		stats.TotalAmountCents += row.AmountCents
	}

	if err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM disputes WHERE channel_id = ? AND needs_manual = ?`,
		channelID,
		true,
	).Scan(&stats.NeedsManual).Error; err != nil {
		return nil, err
	}
	return stats, nil
}

// DueForEscalation fetches disputes still collecting evidence whose deadline
// falls before the cutoff and that are not already flagged for manual
// handling. EVIDENCE_READY disputes are excluded: their pack is built and
// only awaits submission.
func (r *repo) DueForEscalation(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]disputedomain.Dispute, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + disputeColumns + `
		 FROM disputes
		 WHERE evidence_deadline IS NOT NULL
		   AND evidence_deadline <= ?
		   AND needs_manual = ?
		   AND status IN (?, ?, ?)
		 ORDER BY evidence_deadline ASC
		 LIMIT ?`
	if db.Dialector.Name() != "sqlite" {
		query += ` FOR UPDATE SKIP LOCKED`
	}

	var disputes []disputedomain.Dispute
	err := db.WithContext(ctx).Raw(
		query,
		before,
		false,
		disputedomain.StatusOpen,
		disputedomain.StatusEvidenceRequired,
		disputedomain.StatusEvidenceBuilding,
		limit,
	).Scan(&disputes).Error
	if err != nil {
		return nil, err
	}
	return disputes, nil
}

func (r *repo) AppendTimeline(ctx context.Context, db *gorm.DB, entry *disputedomain.TimelineEntry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO dispute_timeline_entries (id, dispute_id, kind, message, meta, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.DisputeID,
		entry.Kind,
		entry.Message,
		entry.Meta,
		entry.CreatedAt,
	).Error
}

func (r *repo) Timeline(ctx context.Context, db *gorm.DB, disputeID snowflake.ID) ([]disputedomain.TimelineEntry, error) {
	var entries []disputedomain.TimelineEntry
	err := db.WithContext(ctx).Raw(
		`SELECT id, dispute_id, kind, message, meta, created_at
		 FROM dispute_timeline_entries
		 WHERE dispute_id = ?
		 ORDER BY created_at ASC, id ASC`,
		disputeID,
	).Scan(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) InsertPack(ctx context.Context, db *gorm.DB, pack *disputedomain.EvidencePack) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO evidence_packs (
			id, dispute_id, status, tracking_number, tracking_url, carrier,
			delivered_at, delivery_proof, product_description, customer_comms,
			refund_policy, terms_of_service, attachments, submitted_at, submitted_by,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pack.ID,
		pack.DisputeID,
		pack.Status,
		pack.TrackingNumber,
		pack.TrackingURL,
		pack.Carrier,
		pack.DeliveredAt,
		pack.DeliveryProof,
		pack.ProductDescription,
		pack.CustomerComms,
		pack.RefundPolicy,
		pack.TermsOfService,
		pack.Attachments,
		pack.SubmittedAt,
		pack.SubmittedBy,
		pack.CreatedAt,
		pack.UpdatedAt,
	).Error
}

func (r *repo) UpdatePack(ctx context.Context, db *gorm.DB, pack *disputedomain.EvidencePack) error {
	return db.WithContext(ctx).Exec(
		`UPDATE evidence_packs SET
			status = ?, tracking_number = ?, tracking_url = ?, carrier = ?,
			delivered_at = ?, delivery_proof = ?, product_description = ?,
			customer_comms = ?, refund_policy = ?, terms_of_service = ?,
			attachments = ?, submitted_at = ?, submitted_by = ?, updated_at = ?
		 WHERE id = ?`,
		pack.Status,
		pack.TrackingNumber,
		pack.TrackingURL,
		pack.Carrier,
		pack.DeliveredAt,
		pack.DeliveryProof,
		pack.ProductDescription,
		pack.CustomerComms,
		pack.RefundPolicy,
		pack.TermsOfService,
		pack.Attachments,
		pack.SubmittedAt,
		pack.SubmittedBy,
		pack.UpdatedAt,
		pack.ID,
	).Error
}

func (r *repo) FindPack(ctx context.Context, db *gorm.DB, id snowflake.ID) (*disputedomain.EvidencePack, error) {
	var pack disputedomain.EvidencePack
	err := db.WithContext(ctx).Raw(
		`SELECT `+packColumns+` FROM evidence_packs WHERE id = ? LIMIT 1`,
		id,
	).Scan(&pack).Error
	if err != nil {
		return nil, err
	}
	if pack.ID == 0 {
		return nil, disputedomain.ErrPackNotFound
	}
	return &pack, nil
}

func (r *repo) FindPackByDispute(ctx context.Context, db *gorm.DB, disputeID snowflake.ID) (*disputedomain.EvidencePack, error) {
	var pack disputedomain.EvidencePack
	err := db.WithContext(ctx).Raw(
		`SELECT `+packColumns+` FROM evidence_packs WHERE dispute_id = ? LIMIT 1`,
		disputeID,
	).Scan(&pack).Error
	if err != nil {
		return nil, err
	}
	if pack.ID == 0 {
		return nil, disputedomain.ErrPackNotFound
	}
	return &pack, nil
}
