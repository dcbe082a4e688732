package adapter

import (
	"fmt"
	"sort"

	"github.com/jx4life/postbridge/internal/domain"
)

// Registry maps platforms to their adapters.
type Registry struct {
	adapters map[domain.Platform]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[domain.Platform]Adapter)}
}

// Register adds an adapter; duplicate platforms are a wiring bug.
func (r *Registry) Register(a Adapter) error {
	platform := a.Platform()
	if _, exists := r.adapters[platform]; exists {
		return fmt.Errorf("adapter already registered: %s", platform)
	}
	r.adapters[platform] = a
	return nil
}

// Get returns the adapter for a platform. Platforms without a direct
// adapter (instagram, youtubeShorts are provisioned through other surfaces)
// fail with a clear CONFIG_MISSING instead of a generic error deep in a
// network call.
func (r *Registry) Get(platform domain.Platform) (Adapter, error) {
	a, ok := r.adapters[platform]
	if !ok {
		return nil, domain.NewAuthError(domain.KindConfigMissing,
			fmt.Sprintf("no connection flow is available for %s", platform))
	}
	return a, nil
}

// Platforms lists registered platforms in lexical order.
func (r *Registry) Platforms() []domain.Platform {
	out := make([]domain.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
