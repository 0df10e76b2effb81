package orders

import (
	"github.com/smallbiznis/reckon/internal/orders/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("orders",
	fx.Provide(repository.Provide),
)
