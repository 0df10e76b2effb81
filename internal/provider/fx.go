package provider

import (
	"github.com/smallbiznis/reckon/internal/config"
	"github.com/smallbiznis/reckon/internal/provider/stripe"
	"go.uber.org/fx"
)

var Module = fx.Module("provider",
	fx.Provide(func(cfg config.Config) *Registry {
		return NewRegistry(
			stripe.New(stripe.Config{
				BaseURL: cfg.ProviderBaseURL,
				APIKey:  cfg.ProviderAPIKey,
			}),
		)
	}),
)
