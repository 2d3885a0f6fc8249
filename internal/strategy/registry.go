package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/auctionbot/internal/domain"
)

// Registry manages the named collection of strategies. It is safe for
// concurrent use.
type Registry struct {
	strategies map[domain.BidStrategy]Strategy
	mu         sync.RWMutex
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[domain.BidStrategy]Strategy),
	}
}

// DefaultRegistry returns a Registry holding the built-in auto and sniping
// strategies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Auto{})
	r.Register(Sniping{})
	return r
}

// Register adds s under its own name, replacing any previous entry.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// Get retrieves a strategy by name.
func (r *Registry) Get(name domain.BidStrategy) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("strategy %q: not registered", name)
	}
	return s, nil
}

// List returns the names of all registered strategies in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		names = append(names, string(n))
	}
	sort.Strings(names)
	return names
}
