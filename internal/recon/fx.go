package recon

import (
	"github.com/smallbiznis/reckon/internal/recon/repository"
	"github.com/smallbiznis/reckon/internal/recon/service"
	"go.uber.org/fx"
)

var Module = fx.Module("recon",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
