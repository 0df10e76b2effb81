package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	frauddomain "github.com/smallbiznis/reckon/internal/fraud/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() frauddomain.Repository {
	return &repo{}
}

func (r *repo) InsertScore(ctx context.Context, db *gorm.DB, score *frauddomain.Score) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO fraud_scores (
			id, channel_id, order_id, user_id, risk_score, risk_level, flags, reasons, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		score.ID,
		score.ChannelID,
		score.OrderID,
		score.UserID,
		score.RiskScore,
		score.RiskLevel,
		score.Flags,
		score.Reasons,
		score.CreatedAt,
	).Error
}

func (r *repo) ScoresByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]frauddomain.Score, error) {
	var scores []frauddomain.Score
	err := db.WithContext(ctx).Raw(
		`SELECT id, channel_id, order_id, user_id, risk_score, risk_level, flags, reasons, created_at
		 FROM fraud_scores
		 WHERE order_id = ?
		 ORDER BY created_at DESC, id DESC`,
		orderID,
	).Scan(&scores).Error
	if err != nil {
		return nil, err
	}
	return scores, nil
}

func (r *repo) RecentScoreValues(ctx context.Context, db *gorm.DB, userID snowflake.ID, limit int) ([]int, error) {
	if limit <= 0 {
		limit = 5
	}
	var values []int
	err := db.WithContext(ctx).Raw(
		`SELECT risk_score
		 FROM fraud_scores
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		userID,
		limit,
	).Scan(&values).Error
	if err != nil {
		return nil, err
	}
	return values, nil
}
