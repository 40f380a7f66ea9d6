package adapters

import (
	"strings"

	"github.com/resellrai/resellr/internal/billing/domain"
)

// Registry looks up webhook adapters by provider name.
type Registry struct {
	adapters map[string]domain.Adapter
}

func NewRegistry(adapters ...domain.Adapter) *Registry {
	byName := make(map[string]domain.Adapter, len(adapters))
	for _, adapter := range adapters {
		byName[strings.ToLower(adapter.Provider())] = adapter
	}
	return &Registry{adapters: byName}
}

func (r *Registry) Adapter(provider string) (domain.Adapter, bool) {
	adapter, ok := r.adapters[strings.ToLower(provider)]
	return adapter, ok
}

func (r *Registry) ProviderExists(provider string) bool {
	_, ok := r.Adapter(provider)
	return ok
}
