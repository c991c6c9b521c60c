package capability

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/loqalabs/loqa-capture/internal/capture"
)

// Factory builds a provider for one recognizer mode.
type Factory func() (capture.Provider, error)

// Registry resolves configured recognizer modes into providers.
type Registry struct {
	log       *slog.Logger
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:       log.With(slog.String("component", "capability-registry")),
		factories: make(map[string]Factory),
	}
}

// Register installs or replaces the factory for mode.
func (r *Registry) Register(mode string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[mode] = factory
}

// Resolve returns the provider for mode. Unknown modes yield an error that
// wraps capture.ErrCapabilityUnavailable.
func (r *Registry) Resolve(mode string) (capture.Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[mode]
	r.mu.RUnlock()
	if !ok || factory == nil {
		return nil, fmt.Errorf("recognizer mode %q: %w", mode, capture.ErrCapabilityUnavailable)
	}
	provider, err := factory()
	if err != nil {
		return nil, fmt.Errorf("recognizer mode %q: %w", mode, err)
	}
	r.log.Info("speech recognition capability resolved", slog.String("mode", mode))
	return provider, nil
}

// Modes lists registered modes in sorted order.
func (r *Registry) Modes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	modes := make([]string, 0, len(r.factories))
	for mode := range r.factories {
		modes = append(modes, mode)
	}
	sort.Strings(modes)
	return modes
}
