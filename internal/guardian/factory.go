package guardian

import (
	"fmt"

	"request-guardian/internal/domain"
)

// Factory builds guardians sharing one cache and a set of default options,
// typically one guardian per client identifier.
type Factory struct {
	cache    domain.Cache
	defaults []Option
}

// NewFactory returns a Factory whose guardians use cache and defaults.
func NewFactory(cache domain.Cache, defaults ...Option) (*Factory, error) {
	if cache == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}
	return &Factory{cache: cache, defaults: defaults}, nil
}

// Create builds a Guardian for identifier. opts are applied after the
// factory defaults and override them.
func (f *Factory) Create(identifier string, opts ...Option) (*Guardian, error) {
	all := make([]Option, 0, len(f.defaults)+len(opts))
	all = append(all, f.defaults...)
	all = append(all, opts...)
	return New(identifier, f.cache, all...)
}

// Cache returns the cache shared by every guardian the factory builds.
func (f *Factory) Cache() domain.Cache {
	return f.cache
}
