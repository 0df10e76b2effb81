package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	recondomain "github.com/smallbiznis/reckon/internal/recon/domain"
	"gorm.io/gorm"
)

const txnColumns = `id, channel_id, provider, provider_txn_id, type, amount_cents, fee_cents,
	net_cents, currency, status, reference, match_status, order_id, matched_at, matched_by,
	occurred_at, raw_payload, created_at, updated_at`

const discrepancyColumns = `id, channel_id, provider_transaction_id, order_id, kind,
	expected_cents, actual_cents, difference_cents, severity, status, description,
	resolution, resolved_by, resolved_at, created_at, updated_at`

type repo struct{}

func Provide() recondomain.Repository {
	return &repo{}
}

func lockSuffix(db *gorm.DB) string {
	if db.Dialector.Name() == "sqlite" {
		return ""
	}
	return " FOR UPDATE"
}

func (r *repo) InsertTxn(ctx context.Context, db *gorm.DB, txn *recondomain.ProviderTransaction) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO provider_transactions (
			id, channel_id, provider, provider_txn_id, type, amount_cents, fee_cents,
			net_cents, currency, status, reference, match_status, order_id, matched_at,
			matched_by, occurred_at, raw_payload, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_id, provider, provider_txn_id) DO NOTHING`,
		txn.ID,
		txn.ChannelID,
		txn.Provider,
		txn.ProviderTxnID,
		txn.Type,
		txn.AmountCents,
		txn.FeeCents,
		txn.NetCents,
		txn.Currency,
		txn.Status,
		txn.Reference,
		txn.MatchStatus,
		txn.OrderID,
		txn.MatchedAt,
		txn.MatchedBy,
		txn.OccurredAt,
		txn.RawPayload,
		txn.CreatedAt,
		txn.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindTxn(ctx context.Context, db *gorm.DB, id snowflake.ID) (*recondomain.ProviderTransaction, error) {
	return r.findTxn(ctx, db, id, false)
}

func (r *repo) FindTxnForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*recondomain.ProviderTransaction, error) {
	return r.findTxn(ctx, db, id, true)
}

func (r *repo) findTxn(ctx context.Context, db *gorm.DB, id snowflake.ID, lock bool) (*recondomain.ProviderTransaction, error) {
	query := `SELECT ` + txnColumns + ` FROM provider_transactions WHERE id = ? LIMIT 1`
	if lock {
		query += lockSuffix(db)
	}

	var txn recondomain.ProviderTransaction
	if err := db.WithContext(ctx).Raw(query, id).Scan(&txn).Error; err != nil {
		return nil, err
	}
	if txn.ID == 0 {
		return nil, recondomain.ErrTxnNotFound
	}
	return &txn, nil
}

func (r *repo) FindTxnByProviderID(ctx context.Context, db *gorm.DB, channelID snowflake.ID, provider, providerTxnID string) (*recondomain.ProviderTransaction, error) {
	var txn recondomain.ProviderTransaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+txnColumns+`
		 FROM provider_transactions
		 WHERE channel_id = ? AND provider = ? AND provider_txn_id = ?
		 LIMIT 1`,
		channelID,
		provider,
		providerTxnID,
	).Scan(&txn).Error
	if err != nil {
		return nil, err
	}
	if txn.ID == 0 {
		return nil, recondomain.ErrTxnNotFound
	}
	return &txn, nil
}

func (r *repo) UpdateTxn(ctx context.Context, db *gorm.DB, txn *recondomain.ProviderTransaction) error {
	return db.WithContext(ctx).Exec(
		`UPDATE provider_transactions SET
			type = ?, amount_cents = ?, fee_cents = ?, net_cents = ?, currency = ?,
			status = ?, reference = ?, match_status = ?, order_id = ?, matched_at = ?,
			matched_by = ?, occurred_at = ?, updated_at = ?
		 WHERE id = ?`,
		txn.Type,
		txn.AmountCents,
		txn.FeeCents,
		txn.NetCents,
		txn.Currency,
		txn.Status,
		txn.Reference,
		txn.MatchStatus,
		txn.OrderID,
		txn.MatchedAt,
		txn.MatchedBy,
		txn.OccurredAt,
		txn.UpdatedAt,
		txn.ID,
	).Error
}

func (r *repo) ListTxns(ctx context.Context, db *gorm.DB, filter recondomain.TxnFilter) ([]recondomain.ProviderTransaction, error) {
	query := `SELECT ` + txnColumns + ` FROM provider_transactions WHERE channel_id = ?`
	args := []any{filter.ChannelID}

	if filter.Provider != "" {
		query += ` AND provider = ?`
		args = append(args, filter.Provider)
	}
	if filter.MatchStatus != "" {
		query += ` AND match_status = ?`
		args = append(args, filter.MatchStatus)
	}

	query += ` ORDER BY occurred_at DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	var txns []recondomain.ProviderTransaction
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

// UnmatchedBatch fetches candidates for auto-matching. A zero channelID
// covers all channels and an empty provider covers all providers. Rows
// already locked by a concurrent sweep are skipped, not waited on.
func (r *repo) UnmatchedBatch(ctx context.Context, db *gorm.DB, channelID snowflake.ID, provider string, limit int) ([]recondomain.ProviderTransaction, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + txnColumns + `
		 FROM provider_transactions
		 WHERE match_status = ?`
	args := []any{recondomain.MatchUnmatched}
	if channelID != 0 {
		query += ` AND channel_id = ?`
		args = append(args, channelID)
	}
	if provider != "" {
		query += ` AND provider = ?`
		args = append(args, provider)
	}
	query += ` ORDER BY occurred_at ASC, id ASC LIMIT ?`
	args = append(args, limit)
	if db.Dialector.Name() != "sqlite" {
		query += ` FOR UPDATE SKIP LOCKED`
	}

	var txns []recondomain.ProviderTransaction
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

func (r *repo) InsertDiscrepancy(ctx context.Context, db *gorm.DB, d *recondomain.Discrepancy) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO reconciliation_discrepancies (
			id, channel_id, provider_transaction_id, order_id, kind,
			expected_cents, actual_cents, difference_cents, severity, status,
			description, resolution, resolved_by, resolved_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.ChannelID,
		d.ProviderTransactionID,
		d.OrderID,
		d.Kind,
		d.ExpectedCents,
		d.ActualCents,
		d.DifferenceCents,
		d.Severity,
		d.Status,
		d.Description,
		d.Resolution,
		d.ResolvedBy,
		d.ResolvedAt,
		d.CreatedAt,
		d.UpdatedAt,
	).Error
}

func (r *repo) FindDiscrepancyForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*recondomain.Discrepancy, error) {
	query := `SELECT ` + discrepancyColumns + ` FROM reconciliation_discrepancies WHERE id = ? LIMIT 1` + lockSuffix(db)

	var d recondomain.Discrepancy
	if err := db.WithContext(ctx).Raw(query, id).Scan(&d).Error; err != nil {
		return nil, err
	}
	if d.ID == 0 {
		return nil, recondomain.ErrDiscrepancyNotFound
	}
	return &d, nil
}

func (r *repo) UpdateDiscrepancy(ctx context.Context, db *gorm.DB, d *recondomain.Discrepancy) error {
	return db.WithContext(ctx).Exec(
		`UPDATE reconciliation_discrepancies SET
			severity = ?, status = ?, resolution = ?, resolved_by = ?, resolved_at = ?, updated_at = ?
		 WHERE id = ?`,
		d.Severity,
		d.Status,
		d.Resolution,
		d.ResolvedBy,
		d.ResolvedAt,
		d.UpdatedAt,
		d.ID,
	).Error
}

func (r *repo) ListDiscrepancies(ctx context.Context, db *gorm.DB, filter recondomain.DiscrepancyFilter) ([]recondomain.Discrepancy, error) {
	query := `SELECT ` + discrepancyColumns + ` FROM reconciliation_discrepancies WHERE channel_id = ?`
	args := []any{filter.ChannelID}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, filter.Severity)
	}

	query += ` ORDER BY created_at DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	var discrepancies []recondomain.Discrepancy
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&discrepancies).Error; err != nil {
		return nil, err
	}
	return discrepancies, nil
}

func (r *repo) Stats(ctx context.Context, db *gorm.DB, channelID snowflake.ID) (*recondomain.Stats, error) {
	var byStatus []recondomain.MatchStatusCount
	if err := db.WithContext(ctx).Raw(
		`SELECT match_status, COUNT(*) AS count, COALESCE(SUM(amount_cents), 0) AS amount_cents
		 FROM provider_transactions
		 WHERE channel_id = ?
		 GROUP BY match_status
		 ORDER BY match_status`,
		channelID,
	).Scan(&byStatus).Error; err != nil {
		return nil, err
	}

	stats := &recondomain.Stats{ByMatchStatus: byStatus}
	for _, row := range byStatus {
		stats.TotalTransactions += row.Count
		if row.MatchStatus == recondomain.MatchUnmatched {
			stats.UnmatchedAmountCents = row.AmountCents
		}
	}

	var open struct {
		Count           int64 `gorm:"column:count"`
		DifferenceCents int64 `gorm:"column:difference_cents"`
	}
	if err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) AS count, COALESCE(SUM(difference_cents), 0) AS difference_cents
		 FROM reconciliation_discrepancies
		 WHERE channel_id = ? AND status IN (?, ?)`,
		channelID,
		recondomain.DiscrepancyOpen,
		recondomain.DiscrepancyInvestigating,
	).Scan(&open).Error; err != nil {
		return nil, err
	}
	stats.OpenDiscrepancies = open.Count
	stats.OpenDifferenceCents = open.DifferenceCents

	if err := db.WithContext(ctx).Raw(
		`SELECT severity, COUNT(*) AS count
		 FROM reconciliation_discrepancies
		 WHERE channel_id = ? AND status IN (?, ?)
		 GROUP BY severity
		 ORDER BY severity`,
		channelID,
		recondomain.DiscrepancyOpen,
		recondomain.DiscrepancyInvestigating,
	).Scan(&stats.OpenBySeverity).Error; err != nil {
		return nil, err
	}
	return stats, nil
}
