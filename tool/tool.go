// Package tool implements the broker fronting callable tools. Concrete
// executors (OpenAPI, file tools) plug in as core.ToolAdapter
// implementations; the broker resolves function names to the adapter whose
// schema declares them.
package tool

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/registry"
)

// AdapterFactory builds an executor adapter for a tool snapshot.
type AdapterFactory func(cfg core.ToolConfig) (core.ToolAdapter, error)

// Options configures a Broker.
type Options struct {
	Logger logging.Logger
}

// Broker is the live registry of callable tools.
type Broker struct {
	reg     *registry.Registry[core.ToolConfig]
	factory AdapterFactory
	logger  logging.Logger

	mu        sync.RWMutex
	adapters  map[string]core.ToolAdapter
	functions map[string]string // function name -> tool id
}

// New constructs a tool broker around an adapter factory.
func New(factory AdapterFactory, optFns ...func(o *Options)) *Broker {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Broker{
		reg:       registry.New[core.ToolConfig](core.KindTool, opts.Logger),
		factory:   factory,
		logger:    logging.OrNoOp(opts.Logger),
		adapters:  map[string]core.ToolAdapter{},
		functions: map[string]string{},
	}
}

var _ registry.ToolBroker = (*Broker)(nil)

// Kind implements registry.Broker.
func (b *Broker) Kind() core.Kind { return core.KindTool }

// Sync is a create-or-update of one tool snapshot. The adapter's function
// schema is indexed so calls resolve by function name.
func (b *Broker) Sync(ctx context.Context, cfg core.ToolConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	adapter, err := b.factory(cfg)
	if err != nil {
		_ = b.Remove(ctx, cfg.ID)
		return fmt.Errorf("tool %s: adapter construction failed: %w", cfg.ID, err)
	}

	b.mu.Lock()
	prev := b.adapters[cfg.ID]
	b.adapters[cfg.ID] = adapter
	b.unindexLocked(cfg.ID)
	for _, fn := range adapter.Schema() {
		b.functions[fn.Name] = cfg.ID
	}
	b.mu.Unlock()
	closeAdapter(prev)

	b.reg.Put(cfg)
	return nil
}

// Remove drops the tool, its adapter and its function index entries.
func (b *Broker) Remove(_ context.Context, id string) error {
	b.mu.Lock()
	adapter := b.adapters[id]
	delete(b.adapters, id)
	b.unindexLocked(id)
	b.mu.Unlock()
	closeAdapter(adapter)
	b.reg.Remove(id)
	return nil
}

// Destroy removes all tools.
func (b *Broker) Destroy() {
	for _, id := range b.reg.IDs() {
		_ = b.Remove(context.Background(), id)
	}
}

// Execute dispatches one function invocation. The target tool is req.ToolID
// when set, otherwise resolved via the function-name index.
func (b *Broker) Execute(ctx context.Context, req core.ToolRequest) (core.ToolResult, error) {
	toolID := req.ToolID
	if toolID == "" {
		b.mu.RLock()
		toolID = b.functions[req.Name]
		b.mu.RUnlock()
		if toolID == "" {
			return core.ToolResult{}, fmt.Errorf("tool function %q: not registered", req.Name)
		}
		req.ToolID = toolID
	}

	b.mu.RLock()
	adapter, ok := b.adapters[toolID]
	b.mu.RUnlock()
	if !ok {
		return core.ToolResult{}, fmt.Errorf("tool %s: not registered", toolID)
	}

	start := time.Now()
	res, err := adapter.Execute(ctx, req)
	b.logger.Info("tool executed",
		"tool", toolID, "function", req.Name,
		"duration_ms", time.Since(start).Milliseconds(), "error", err != nil)
	return res, err
}

// Schemas returns the combined function schemas of the given tools.
func (b *Broker) Schemas(toolIDs []string) ([]core.FunctionSchema, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var schemas []core.FunctionSchema
	for _, id := range toolIDs {
		adapter, ok := b.adapters[id]
		if !ok {
			return nil, fmt.Errorf("tool %s: not registered", id)
		}
		schemas = append(schemas, adapter.Schema()...)
	}
	return schemas, nil
}

// unindexLocked drops all function index entries pointing at toolID.
func (b *Broker) unindexLocked(toolID string) {
	for name, id := range b.functions {
		if id == toolID {
			delete(b.functions, name)
		}
	}
}

func closeAdapter(a core.ToolAdapter) {
	if a == nil {
		return
	}
	if closer, ok := a.(io.Closer); ok {
		_ = closer.Close()
	}
}
