package broker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// Registry maps the Broker config value ("nats", "memory") to a Builder.
// Broker packages add themselves to DefaultRegistry in init.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{builders: map[string]Builder{}}
}

// Register adds or replaces the builder for name.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	r.builders[name] = builder
	r.mu.Unlock()
}

func (r *Registry) lookup(name string) (Builder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[name]
	return b, ok
}

// Build connects the broker selected by cfg. A nil logger is replaced with
// watermill's nop logger.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Broker, error) {
	if cfg == nil {
		return nil, errors.New("broker config is required")
	}
	build, ok := r.lookup(cfg.GetBroker())
	if !ok {
		return nil, fmt.Errorf("unknown broker: %q (registered: %v)", cfg.GetBroker(), r.Names())
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return build(ctx, cfg, logger)
}

// Names lists registered brokers alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.builders))
}

func (r *Registry) Has(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// Register adds builder to DefaultRegistry.
func Register(name string, builder Builder) { DefaultRegistry.Register(name, builder) }

// Build connects a broker through DefaultRegistry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Broker, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
