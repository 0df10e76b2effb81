package dispute

import (
	"github.com/smallbiznis/reckon/internal/dispute/evidence"
	"github.com/smallbiznis/reckon/internal/dispute/repository"
	"github.com/smallbiznis/reckon/internal/dispute/service"
	"go.uber.org/fx"
)

var Module = fx.Module("dispute",
	fx.Provide(
		repository.Provide,
		evidence.NewBuilder,
		service.NewService,
	),
)
