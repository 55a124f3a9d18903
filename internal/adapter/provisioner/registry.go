package provisioner

import "github.com/shopyard/shopyard/internal/domain"

// Compile-time check: Registry implements domain.ProvisionerRegistry.
var _ domain.ProvisionerRegistry = (*Registry)(nil)

// Registry is a static mapping from store type to backend implementation.
// Adding a backend means registering an implementation here, not branching
// inside the orchestrator.
type Registry struct {
	backends map[domain.StoreType]domain.Provisioner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[domain.StoreType]domain.Provisioner)}
}

// Register binds a store type to a backend, replacing any previous binding.
func (r *Registry) Register(typ domain.StoreType, p domain.Provisioner) {
	r.backends[typ] = p
}

// Lookup resolves the backend for a store type.
func (r *Registry) Lookup(typ domain.StoreType) (domain.Provisioner, bool) {
	p, ok := r.backends[typ]
	return p, ok
}
