// Package resource implements the broker fronting versioned shared content.
// Resources serve as task inputs (resolved to current content at dispatch),
// task outputs (written on completion) and trigger sources (version events).
package resource

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/hupe1980/taskmesh/bus"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/registry"
)

// AdapterFactory builds a content adapter for a resource snapshot.
type AdapterFactory func(cfg core.ResourceConfig) (core.ResourceAdapter, error)

// Options configures a Broker.
type Options struct {
	Logger logging.Logger
}

// Broker is the live registry of shared resources.
type Broker struct {
	reg     *registry.Registry[core.ResourceConfig]
	factory AdapterFactory
	logger  logging.Logger

	mu       sync.RWMutex
	adapters map[string]core.ResourceAdapter
}

// New constructs a resource broker around an adapter factory.
func New(factory AdapterFactory, optFns ...func(o *Options)) *Broker {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Broker{
		reg:      registry.New[core.ResourceConfig](core.KindResource, opts.Logger),
		factory:  factory,
		logger:   logging.OrNoOp(opts.Logger),
		adapters: map[string]core.ResourceAdapter{},
	}
}

var _ registry.ResourceBroker = (*Broker)(nil)

// Kind implements registry.Broker.
func (b *Broker) Kind() core.Kind { return core.KindResource }

// Sync is a create-or-update of one resource snapshot.
func (b *Broker) Sync(ctx context.Context, cfg core.ResourceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	adapter, err := b.factory(cfg)
	if err != nil {
		_ = b.Remove(ctx, cfg.ID)
		return fmt.Errorf("resource %s: adapter construction failed: %w", cfg.ID, err)
	}

	b.mu.Lock()
	prev := b.adapters[cfg.ID]
	b.adapters[cfg.ID] = adapter
	b.mu.Unlock()
	if prev != nil {
		if closer, ok := prev.(io.Closer); ok {
			_ = closer.Close()
		}
	}

	b.reg.Put(cfg)
	return nil
}

// Remove drops the resource and its adapter. Idempotent.
func (b *Broker) Remove(_ context.Context, id string) error {
	b.mu.Lock()
	adapter := b.adapters[id]
	delete(b.adapters, id)
	b.mu.Unlock()
	if adapter != nil {
		if closer, ok := adapter.(io.Closer); ok {
			_ = closer.Close()
		}
	}
	b.reg.Remove(id)
	return nil
}

// Destroy removes all resources.
func (b *Broker) Destroy() {
	for _, id := range b.reg.IDs() {
		_ = b.Remove(context.Background(), id)
	}
}

// Recognize reports whether id is a registered resource.
func (b *Broker) Recognize(id string) bool { return b.reg.Has(id) }

// Content returns the current content of a resource. Version 0 means latest.
func (b *Broker) Content(ctx context.Context, id string) (string, error) {
	adapter, cfg, err := b.lookup(id)
	if err != nil {
		return "", err
	}
	return adapter.Fetch(ctx, 0, cfg.Name)
}

// Write replaces the resource content, producing a new version.
func (b *Broker) Write(ctx context.Context, id, content string) error {
	adapter, cfg, err := b.lookup(id)
	if err != nil {
		return err
	}
	return adapter.Write(ctx, cfg.Name, content)
}

// Events returns the version-change feed of a registered resource.
func (b *Broker) Events(id string) (*bus.Channel[core.ResourceEvent], bool) {
	b.mu.RLock()
	adapter, ok := b.adapters[id]
	b.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return adapter.Events(), true
}

func (b *Broker) lookup(id string) (core.ResourceAdapter, core.ResourceConfig, error) {
	cfg, ok := b.reg.Get(id)
	if !ok {
		return nil, core.ResourceConfig{}, fmt.Errorf("resource %s: not registered", id)
	}
	b.mu.RLock()
	adapter, ok := b.adapters[id]
	b.mu.RUnlock()
	if !ok {
		return nil, core.ResourceConfig{}, fmt.Errorf("resource %s: no adapter", id)
	}
	return adapter, cfg, nil
}
