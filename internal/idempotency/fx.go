package idempotency

import (
	"github.com/smallbiznis/reckon/internal/idempotency/service"
	"go.uber.org/fx"
)

var Module = fx.Module("idempotency",
	fx.Provide(service.NewLedger),
)
