// Package channel implements the broker fronting chat transports. Concrete
// transports (websocket, messaging backends) plug in as core.ChannelAdapter
// implementations via an AdapterFactory; the broker owns the id->adapter
// registry and the execution->channel webhook routes.
package channel

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

// AdapterFactory builds a transport adapter for a channel snapshot.
type AdapterFactory func(cfg core.ChannelConfig) (core.ChannelAdapter, error)

// Options configures a Broker.
type Options struct {
	Logger logging.Logger
}

// Broker is the live registry of chat channels.
type Broker struct {
	reg     *registry.Registry[core.ChannelConfig]
	factory AdapterFactory
	logger  logging.Logger

	mu       sync.RWMutex
	adapters map[string]core.ChannelAdapter
	routes   map[string]string // execution id -> channel id
}

// New constructs a channel broker around an adapter factory.
func New(factory AdapterFactory, optFns ...func(o *Options)) *Broker {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Broker{
		reg:      registry.New[core.ChannelConfig](core.KindChannel, opts.Logger),
		factory:  factory,
		logger:   logging.OrNoOp(opts.Logger),
		adapters: map[string]core.ChannelAdapter{},
		routes:   map[string]string{},
	}
}

var _ registry.ChannelBroker = (*Broker)(nil)

// Kind implements registry.Broker.
func (b *Broker) Kind() core.Kind { return core.KindChannel }

// Sync is a create-or-update of one channel snapshot. Adapter construction
// failure rolls the registration back.
func (b *Broker) Sync(ctx context.Context, cfg core.ChannelConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	adapter, err := b.factory(cfg)
	if err != nil {
		_ = b.Remove(ctx, cfg.ID)
		return fmt.Errorf("channel %s: adapter construction failed: %w", cfg.ID, err)
	}

	b.mu.Lock()
	prev := b.adapters[cfg.ID]
	b.adapters[cfg.ID] = adapter
	b.mu.Unlock()
	closeAdapter(prev)

	b.reg.Put(cfg)
	return nil
}

// Remove drops the channel and its adapter. Idempotent.
func (b *Broker) Remove(_ context.Context, id string) error {
	b.mu.Lock()
	adapter := b.adapters[id]
	delete(b.adapters, id)
	for execID, chID := range b.routes {
		if chID == id {
			delete(b.routes, execID)
		}
	}
	b.mu.Unlock()
	closeAdapter(adapter)
	b.reg.Remove(id)
	return nil
}

// Destroy removes all channels.
func (b *Broker) Destroy() {
	for _, id := range b.reg.IDs() {
		_ = b.Remove(context.Background(), id)
	}
}

// Recognize reports whether id is a registered channel.
func (b *Broker) Recognize(id string) bool { return b.reg.Has(id) }

// TypeOf returns the transport type of a registered channel.
func (b *Broker) TypeOf(id string) (string, bool) {
	cfg, ok := b.reg.Get(id)
	if !ok {
		return "", false
	}
	return cfg.Type, true
}

// Events returns the inbound message feed of a registered channel.
func (b *Broker) Events(channelID string) (*bus.Channel[core.ChannelMessage], bool) {
	adapter, ok := b.adapter(channelID)
	if !ok {
		return nil, false
	}
	return adapter.Events(), true
}

// Message delivers an outbound message on the request's channel.
func (b *Broker) Message(ctx context.Context, req core.MessageRequest) error {
	adapter, ok := b.adapter(req.ChannelID)
	if !ok {
		return fmt.Errorf("channel %s: not registered", req.ChannelID)
	}
	return adapter.Message(ctx, req)
}

// Join adds a worker identity to a channel for one execution.
func (b *Broker) Join(ctx context.Context, channelID, workerID string, credential core.Secret, displayName, executionID string) error {
	adapter, ok := b.adapter(channelID)
	if !ok {
		return fmt.Errorf("channel %s: not registered", channelID)
	}
	return adapter.Join(ctx, workerID, credential, displayName, executionID)
}

// EstablishSession maps an execution id to a transport session and records
// the webhook route.
func (b *Broker) EstablishSession(ctx context.Context, channelID, executionID string, origin map[string]string) error {
	adapter, ok := b.adapter(channelID)
	if !ok {
		return fmt.Errorf("channel %s: not registered", channelID)
	}
	if err := adapter.EstablishSession(ctx, executionID, origin); err != nil {
		return err
	}
	b.mu.Lock()
	b.routes[executionID] = channelID
	b.mu.Unlock()
	return nil
}

// HandOffSession moves a transport session between execution ids so subtask
// conversation does not leak into the parent transcript.
func (b *Broker) HandOffSession(ctx context.Context, channelID, fromID, toID string) error {
	adapter, ok := b.adapter(channelID)
	if !ok {
		return fmt.Errorf("channel %s: not registered", channelID)
	}
	if err := adapter.HandOffSession(ctx, fromID, toID); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.routes, fromID)
	b.routes[toID] = channelID
	b.mu.Unlock()
	return nil
}

// SetSessionStatus forwards a session status update to the transport.
func (b *Broker) SetSessionStatus(ctx context.Context, channelID, executionID, status string) error {
	adapter, ok := b.adapter(channelID)
	if !ok {
		return fmt.Errorf("channel %s: not registered", channelID)
	}
	return adapter.SetSessionStatus(ctx, executionID, status)
}

// CloseSession tears down the transport session and the webhook route for an
// execution. Idempotent: closing an unknown session is a no-op.
func (b *Broker) CloseSession(ctx context.Context, channelID, executionID string) error {
	b.mu.Lock()
	delete(b.routes, executionID)
	b.mu.Unlock()

	adapter, ok := b.adapter(channelID)
	if !ok {
		return nil
	}
	return adapter.CloseSession(ctx, executionID)
}

// Route returns the channel an execution is routed to.
func (b *Broker) Route(executionID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	chID, ok := b.routes[executionID]
	return chID, ok
}

func (b *Broker) adapter(channelID string) (core.ChannelAdapter, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	adapter, ok := b.adapters[channelID]
	return adapter, ok
}

// closeAdapter releases adapters that hold connections or timers.
func closeAdapter(a core.ChannelAdapter) {
	if closer, ok := a.(io.Closer); ok && a != nil {
		_ = closer.Close()
	}
}
