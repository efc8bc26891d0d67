// Package tracker implements the broker fronting external ticketing
// systems. Ticket-state transitions emitted by adapters trigger tasks; the
// task broker posts final status updates back through Update.
package tracker

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

// AdapterFactory builds a ticketing adapter for a tracker snapshot.
type AdapterFactory func(cfg core.TrackerConfig) (core.TrackerAdapter, error)

// Options configures a Broker.
type Options struct {
	Logger logging.Logger
}

// Broker is the live registry of ticket trackers.
type Broker struct {
	reg     *registry.Registry[core.TrackerConfig]
	factory AdapterFactory
	logger  logging.Logger

	mu       sync.RWMutex
	adapters map[string]core.TrackerAdapter
}

// New constructs a tracker broker around an adapter factory.
func New(factory AdapterFactory, optFns ...func(o *Options)) *Broker {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Broker{
		reg:      registry.New[core.TrackerConfig](core.KindTracker, opts.Logger),
		factory:  factory,
		logger:   logging.OrNoOp(opts.Logger),
		adapters: map[string]core.TrackerAdapter{},
	}
}

var _ registry.TrackerBroker = (*Broker)(nil)

// Kind implements registry.Broker.
func (b *Broker) Kind() core.Kind { return core.KindTracker }

// Sync is a create-or-update of one tracker snapshot.
func (b *Broker) Sync(ctx context.Context, cfg core.TrackerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	adapter, err := b.factory(cfg)
	if err != nil {
		_ = b.Remove(ctx, cfg.ID)
		return fmt.Errorf("tracker %s: adapter construction failed: %w", cfg.ID, err)
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

// Remove drops the tracker and its adapter. Idempotent.
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

// Destroy removes all trackers.
func (b *Broker) Destroy() {
	for _, id := range b.reg.IDs() {
		_ = b.Remove(context.Background(), id)
	}
}

// Recognize reports whether id is a registered tracker.
func (b *Broker) Recognize(id string) bool { return b.reg.Has(id) }

// Update forwards a ticket create-or-update to the tracker's adapter.
func (b *Broker) Update(ctx context.Context, update core.TicketUpdate) error {
	b.mu.RLock()
	adapter, ok := b.adapters[update.TrackerID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tracker %s: not registered", update.TrackerID)
	}
	if update.TicketID == "" {
		_, err := adapter.Create(ctx, update)
		return err
	}
	return adapter.Update(ctx, update)
}

// Events returns the ticket-transition feed of a registered tracker.
func (b *Broker) Events(id string) (*bus.Channel[core.TrackerEvent], bool) {
	b.mu.RLock()
	adapter, ok := b.adapters[id]
	b.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return adapter.Events(), true
}
