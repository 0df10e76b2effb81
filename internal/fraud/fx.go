package fraud

import (
	"github.com/smallbiznis/reckon/internal/fraud/repository"
	"github.com/smallbiznis/reckon/internal/fraud/service"
	"go.uber.org/fx"
)

var Module = fx.Module("fraud",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
