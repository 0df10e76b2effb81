package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// Evaluate scores one order and appends an immutable history row.
	// Callers must not invoke it twice for the same order without intent:
	// history feeds the historical-fraud layer.
	Evaluate(ctx context.Context, orderID snowflake.ID) (*CheckResult, error)

	// EvaluateBatch scores orders independently; per-item failures are
	// collected, never propagated.
	EvaluateBatch(ctx context.Context, orderIDs []snowflake.ID) (*BatchResult, error)

	// History returns prior evaluations for an order, newest first.
	History(ctx context.Context, orderID snowflake.ID) ([]Score, error)
}
