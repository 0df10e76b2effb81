package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertScore(ctx context.Context, db *gorm.DB, score *Score) error
	ScoresByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]Score, error)
	// RecentScoreValues returns the user's latest score values, newest first.
	RecentScoreValues(ctx context.Context, db *gorm.DB, userID snowflake.ID, limit int) ([]int, error)
}
