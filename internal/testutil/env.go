package testutil

import (
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/channel"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/docrepo"
	"github.com/hupe1980/taskmesh/registry"
	"github.com/hupe1980/taskmesh/resource"
	"github.com/hupe1980/taskmesh/store"
	"github.com/hupe1980/taskmesh/task"
	"github.com/hupe1980/taskmesh/tool"
	"github.com/hupe1980/taskmesh/tracker"
	"github.com/hupe1980/taskmesh/worker"
)

// Env wires a full in-process engine against recording adapters. Adapters
// are created lazily by the factories; tests reach them through the
// accessor methods after syncing configuration.
type Env struct {
	Store   *store.InMemoryStore
	Manager *registry.Manager
	Workers *worker.Broker
	Tasks   *task.Broker
	Secrets Secrets

	mu        sync.Mutex
	channels  map[string]*ChannelAdapter
	tools     map[string]*ToolAdapter
	trackers  map[string]*TrackerAdapter
	resources map[string]*resource.MemoryAdapter
	docs      map[string]*DocSource
	sources   map[string]worker.TurnSource
}

// NewEnv builds the full broker mesh on an in-memory store. Worker turn
// sources must be registered via SetSource before the worker config syncs.
func NewEnv() *Env {
	e := &Env{
		Store:     store.NewInMemoryStore(),
		Manager:   registry.NewManager(),
		Secrets:   Secrets{},
		channels:  map[string]*ChannelAdapter{},
		tools:     map[string]*ToolAdapter{},
		trackers:  map[string]*TrackerAdapter{},
		resources: map[string]*resource.MemoryAdapter{},
		docs:      map[string]*DocSource{},
		sources:   map[string]worker.TurnSource{},
	}

	e.Manager.SetChannels(channel.New(func(cfg core.ChannelConfig) (core.ChannelAdapter, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		a, ok := e.channels[cfg.ID]
		if !ok {
			a = NewChannelAdapter(cfg.ID)
			e.channels[cfg.ID] = a
		}
		return a, nil
	}))

	e.Manager.SetTools(tool.New(func(cfg core.ToolConfig) (core.ToolAdapter, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		a, ok := e.tools[cfg.ID]
		if !ok {
			a = NewToolAdapter()
			e.tools[cfg.ID] = a
		}
		return a, nil
	}))

	e.Manager.SetTrackers(tracker.New(func(cfg core.TrackerConfig) (core.TrackerAdapter, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		a, ok := e.trackers[cfg.ID]
		if !ok {
			a = NewTrackerAdapter(cfg.ID)
			e.trackers[cfg.ID] = a
		}
		return a, nil
	}))

	e.Manager.SetResources(resource.New(func(cfg core.ResourceConfig) (core.ResourceAdapter, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		a, ok := e.resources[cfg.ID]
		if !ok {
			a = resource.NewMemoryAdapter(cfg.ID)
			e.resources[cfg.ID] = a
		}
		return a, nil
	}))

	e.Manager.SetDocRepos(docrepo.New(func(cfg core.DocRepoConfig) (core.DocSource, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if s, ok := e.docs[cfg.ID]; ok {
			return s, nil
		}
		return &DocSource{Name: cfg.ID}, nil
	}))

	e.Workers = worker.NewBroker(e.Store, e.Manager, e.Secrets, func(cfg core.WorkerConfig) (worker.TurnSource, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		source, ok := e.sources[cfg.ID]
		if !ok {
			return nil, fmt.Errorf("no turn source registered for worker %s", cfg.ID)
		}
		return source, nil
	}, func(o *worker.Options) {
		o.FlushInterval = 20 * time.Millisecond
	})

	e.Tasks = task.NewBroker(e.Store, e.Manager)
	return e
}

// Close tears all brokers down.
func (e *Env) Close() { e.Manager.Destroy() }

// SetSource registers the turn source a worker id will use.
func (e *Env) SetSource(workerID string, source worker.TurnSource) {
	e.mu.Lock()
	e.sources[workerID] = source
	e.mu.Unlock()
}

// SetTool pre-registers the adapter a tool id will use.
func (e *Env) SetTool(toolID string, adapter *ToolAdapter) {
	e.mu.Lock()
	e.tools[toolID] = adapter
	e.mu.Unlock()
}

// SetDocSource pre-registers a documentation source.
func (e *Env) SetDocSource(repoID string, source *DocSource) {
	e.mu.Lock()
	e.docs[repoID] = source
	e.mu.Unlock()
}

// Channel returns the adapter created for a channel id.
func (e *Env) Channel(id string) *ChannelAdapter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channels[id]
}

// Tracker returns the adapter created for a tracker id.
func (e *Env) Tracker(id string) *TrackerAdapter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trackers[id]
}

// Resource returns the adapter created for a resource id.
func (e *Env) Resource(id string) *resource.MemoryAdapter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resources[id]
}

// Tool returns the adapter created for a tool id.
func (e *Env) Tool(id string) *ToolAdapter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tools[id]
}

// WaitFor polls cond until it holds or the timeout elapses.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
