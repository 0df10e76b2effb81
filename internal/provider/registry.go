package provider

import (
	"strings"

	"github.com/smallbiznis/reckon/internal/provider/domain"
)

type Registry struct {
	adapters map[string]domain.Adapter
}

func NewRegistry(adapters ...domain.Adapter) *Registry {
	registry := &Registry{adapters: map[string]domain.Adapter{}}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(adapter.Provider()))
		if name == "" {
			continue
		}
		registry.adapters[name] = adapter
	}
	return registry
}

func (r *Registry) Exists(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.adapters[strings.ToLower(strings.TrimSpace(provider))]
	return ok
}

func (r *Registry) Adapter(provider string) (domain.Adapter, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	adapter, ok := r.adapters[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return adapter, nil
}
