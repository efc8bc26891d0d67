package resource

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/taskmesh/bus"
	"github.com/hupe1980/taskmesh/core"
)

// MemoryAdapter is an in-process versioned content store. Every write
// appends a version and publishes a version event, so memory-backed
// resources can drive task triggers like any external source.
type MemoryAdapter struct {
	resourceID string
	events     *bus.Channel[core.ResourceEvent]

	mu       sync.RWMutex
	versions map[string][]string // name -> content per version, index 0 is v1
}

var _ core.ResourceAdapter = (*MemoryAdapter)(nil)

// NewMemoryAdapter creates an empty adapter for one resource.
func NewMemoryAdapter(resourceID string) *MemoryAdapter {
	return &MemoryAdapter{
		resourceID: resourceID,
		events:     bus.NewChannel[core.ResourceEvent]("resource."+resourceID, bus.ModeInProcess),
		versions:   map[string][]string{},
	}
}

// Fetch implements core.ResourceAdapter. Version 0 selects the latest.
func (a *MemoryAdapter) Fetch(_ context.Context, version int, name string) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	history := a.versions[name]
	if len(history) == 0 {
		return "", fmt.Errorf("resource %s: %s has no content", a.resourceID, name)
	}
	if version == 0 {
		return history[len(history)-1], nil
	}
	if version < 1 || version > len(history) {
		return "", fmt.Errorf("resource %s: %s has no version %d", a.resourceID, name, version)
	}
	return history[version-1], nil
}

// Write implements core.ResourceAdapter.
func (a *MemoryAdapter) Write(_ context.Context, name, content string) error {
	a.mu.Lock()
	a.versions[name] = append(a.versions[name], content)
	version := len(a.versions[name])
	a.mu.Unlock()

	return a.events.Publish(core.ResourceEvent{
		ResourceID: a.resourceID,
		Name:       name,
		Version:    version,
	})
}

// Events implements core.ResourceAdapter.
func (a *MemoryAdapter) Events() *bus.Channel[core.ResourceEvent] { return a.events }

// Close shuts the event feed down.
func (a *MemoryAdapter) Close() error {
	a.events.Close()
	return nil
}
