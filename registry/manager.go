package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/taskmesh/bus"
	"github.com/hupe1980/taskmesh/core"
)

// Broker is the lifecycle contract every broker satisfies towards the
// reconciliation loop and the Manager.
type Broker interface {
	Kind() core.Kind
	Remove(ctx context.Context, id string) error
	Destroy()
}

// TaskBroker drives the task execution pipeline.
type TaskBroker interface {
	Broker
	Sync(ctx context.Context, cfg core.TaskConfig) error
	Execute(ctx context.Context, req core.ExecutionRequest) error
	HandleResponse(ctx context.Context, resp core.WorkResponse) error

	// Delegate resolves subtask-matching tool calls on msg in place,
	// sequentially, before ordinary tool execution runs.
	Delegate(ctx context.Context, parentExecutionID, channelID string, msg *core.ChatMessage) error

	Requests() *bus.Channel[core.ExecutionRequest]
	Responses() *bus.Channel[core.WorkResponse]
}

// WorkerBroker schedules work onto registered workers.
type WorkerBroker interface {
	Broker
	Sync(ctx context.Context, cfg core.WorkerConfig) error
	Dispatch(ctx context.Context, order core.WorkOrder) error
	Abort(executionID string)
}

// ChannelBroker fronts chat transports.
type ChannelBroker interface {
	Broker
	Sync(ctx context.Context, cfg core.ChannelConfig) error
	Recognize(id string) bool
	TypeOf(id string) (string, bool)
	Message(ctx context.Context, req core.MessageRequest) error
	Join(ctx context.Context, channelID, workerID string, credential core.Secret, displayName, executionID string) error
	EstablishSession(ctx context.Context, channelID, executionID string, origin map[string]string) error
	HandOffSession(ctx context.Context, channelID, fromID, toID string) error
	SetSessionStatus(ctx context.Context, channelID, executionID, status string) error
	CloseSession(ctx context.Context, channelID, executionID string) error
	Events(channelID string) (*bus.Channel[core.ChannelMessage], bool)
}

// ToolBroker fronts callable tools.
type ToolBroker interface {
	Broker
	Sync(ctx context.Context, cfg core.ToolConfig) error
	Execute(ctx context.Context, req core.ToolRequest) (core.ToolResult, error)
	Schemas(toolIDs []string) ([]core.FunctionSchema, error)
}

// ResourceBroker fronts versioned shared content.
type ResourceBroker interface {
	Broker
	Sync(ctx context.Context, cfg core.ResourceConfig) error
	Recognize(id string) bool
	Content(ctx context.Context, id string) (string, error)
	Write(ctx context.Context, id, content string) error
	Events(id string) (*bus.Channel[core.ResourceEvent], bool)
}

// TrackerBroker fronts external ticketing systems.
type TrackerBroker interface {
	Broker
	Sync(ctx context.Context, cfg core.TrackerConfig) error
	Recognize(id string) bool
	Update(ctx context.Context, update core.TicketUpdate) error
	Events(id string) (*bus.Channel[core.TrackerEvent], bool)
}

// DocRepoBroker answers documentation queries across configured sources.
type DocRepoBroker interface {
	Broker
	Sync(ctx context.Context, cfg core.DocRepoConfig) error
	Query(ctx context.Context, query string) (core.DocMatch, error)
}

// Manager is the registry of registries. Brokers reference each other only
// through it, resolved at call time, which breaks the construction-order
// cycle between task, worker and channel brokers. One Manager exists per
// process and is threaded through every component that needs it.
type Manager struct {
	mu        sync.RWMutex
	tasks     TaskBroker
	workers   WorkerBroker
	channels  ChannelBroker
	tools     ToolBroker
	resources ResourceBroker
	trackers  TrackerBroker
	docRepos  DocRepoBroker
}

// NewManager creates an empty Manager; brokers attach themselves via the
// Set* methods during wiring.
func NewManager() *Manager { return &Manager{} }

// SetTasks attaches the task broker.
func (m *Manager) SetTasks(b TaskBroker) { m.mu.Lock(); m.tasks = b; m.mu.Unlock() }

// SetWorkers attaches the worker broker.
func (m *Manager) SetWorkers(b WorkerBroker) { m.mu.Lock(); m.workers = b; m.mu.Unlock() }

// SetChannels attaches the channel broker.
func (m *Manager) SetChannels(b ChannelBroker) { m.mu.Lock(); m.channels = b; m.mu.Unlock() }

// SetTools attaches the tool broker.
func (m *Manager) SetTools(b ToolBroker) { m.mu.Lock(); m.tools = b; m.mu.Unlock() }

// SetResources attaches the resource broker.
func (m *Manager) SetResources(b ResourceBroker) { m.mu.Lock(); m.resources = b; m.mu.Unlock() }

// SetTrackers attaches the tracker broker.
func (m *Manager) SetTrackers(b TrackerBroker) { m.mu.Lock(); m.trackers = b; m.mu.Unlock() }

// SetDocRepos attaches the document repository broker.
func (m *Manager) SetDocRepos(b DocRepoBroker) { m.mu.Lock(); m.docRepos = b; m.mu.Unlock() }

// Tasks returns the task broker or an error when none is attached.
func (m *Manager) Tasks() (TaskBroker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tasks == nil {
		return nil, fmt.Errorf("manager: no task broker attached")
	}
	return m.tasks, nil
}

// Workers returns the worker broker or an error when none is attached.
func (m *Manager) Workers() (WorkerBroker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.workers == nil {
		return nil, fmt.Errorf("manager: no worker broker attached")
	}
	return m.workers, nil
}

// Channels returns the channel broker or an error when none is attached.
func (m *Manager) Channels() (ChannelBroker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.channels == nil {
		return nil, fmt.Errorf("manager: no channel broker attached")
	}
	return m.channels, nil
}

// Tools returns the tool broker or an error when none is attached.
func (m *Manager) Tools() (ToolBroker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tools == nil {
		return nil, fmt.Errorf("manager: no tool broker attached")
	}
	return m.tools, nil
}

// Resources returns the resource broker or an error when none is attached.
func (m *Manager) Resources() (ResourceBroker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.resources == nil {
		return nil, fmt.Errorf("manager: no resource broker attached")
	}
	return m.resources, nil
}

// Trackers returns the tracker broker or an error when none is attached.
func (m *Manager) Trackers() (TrackerBroker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.trackers == nil {
		return nil, fmt.Errorf("manager: no tracker broker attached")
	}
	return m.trackers, nil
}

// DocRepos returns the document repository broker or an error when none is
// attached.
func (m *Manager) DocRepos() (DocRepoBroker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.docRepos == nil {
		return nil, fmt.Errorf("manager: no docrepo broker attached")
	}
	return m.docRepos, nil
}

// Destroy tears down every attached broker. Used only at process shutdown
// or test teardown.
func (m *Manager) Destroy() {
	m.mu.RLock()
	brokers := []Broker{}
	for _, b := range []Broker{m.tasks, m.workers, m.channels, m.tools, m.resources, m.trackers, m.docRepos} {
		if b != nil {
			brokers = append(brokers, b)
		}
	}
	m.mu.RUnlock()

	for _, b := range brokers {
		b.Destroy()
	}
}
