// Package task implements the task execution pipeline: trigger fan-in,
// execution bootstrap, completion write-back and subtask delegation.
package task

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hupe1980/taskmesh/bus"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/metrics"
	"github.com/hupe1980/taskmesh/registry"
)

// Options configures the task broker.
type Options struct {
	Logger logging.Logger
	Meter  *metrics.Metrics
}

// Broker owns task configuration and every task execution's lifecycle.
// Triggers never call Execute directly; they publish requests on the
// request channel so queueing applies uniformly to external events, API
// calls and subtask delegation.
type Broker struct {
	opts    Options
	reg     *registry.Registry[core.TaskConfig]
	store   core.Store
	manager *registry.Manager
	logger  logging.Logger

	requests  *bus.Channel[core.ExecutionRequest]
	responses *bus.Channel[core.WorkResponse]
	cancelReq func()
}

var _ registry.TaskBroker = (*Broker)(nil)

// NewBroker constructs the task broker and starts draining the request
// channel.
func NewBroker(store core.Store, manager *registry.Manager, optFns ...func(o *Options)) *Broker {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	b := &Broker{
		opts:      opts,
		reg:       registry.New[core.TaskConfig](core.KindTask, opts.Logger),
		store:     store,
		manager:   manager,
		logger:    logging.OrNoOp(opts.Logger),
		requests:  bus.NewChannel[core.ExecutionRequest]("task.requests", bus.ModeInProcess),
		responses: bus.NewChannel[core.WorkResponse]("task.responses", bus.ModeInProcess),
	}
	manager.SetTasks(b)

	b.cancelReq = b.requests.SubscribeFunc(func(req core.ExecutionRequest) {
		if err := b.Execute(context.Background(), req); err != nil {
			b.logger.Error("execute task", "task_id", req.TaskID, "error", err)
		}
	})
	return b
}

// Kind implements registry.Broker.
func (b *Broker) Kind() core.Kind { return core.KindTask }

// Requests implements registry.TaskBroker.
func (b *Broker) Requests() *bus.Channel[core.ExecutionRequest] { return b.requests }

// Responses implements registry.TaskBroker. Every handled work response is
// re-published here so delegation waiters can observe child completions.
func (b *Broker) Responses() *bus.Channel[core.WorkResponse] { return b.responses }

// Has reports whether a task id is registered.
func (b *Broker) Has(id string) bool { return b.reg.Has(id) }

// Tasks returns the registered task snapshots.
func (b *Broker) Tasks() []core.TaskConfig { return b.reg.All() }

// Sync registers or re-registers a task and wires its trigger
// subscriptions. A trigger id resolves against the resource, channel and
// tracker registries in that order. Any unresolvable trigger rolls the whole
// registration back so a task is never live with half its triggers.
func (b *Broker) Sync(ctx context.Context, cfg core.TaskConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b.reg.Put(cfg)

	wire := func(targetID string, cancel func(), err error) error {
		if err != nil {
			b.reg.Remove(cfg.ID)
			return fmt.Errorf("task %s: trigger %s: %w", cfg.ID, targetID, err)
		}
		b.reg.Track(cfg.ID, targetID, cancel)
		return nil
	}

	for _, trigger := range cfg.Triggers {
		cancel, err := b.subscribeTrigger(cfg, trigger)
		if err := wire(trigger, cancel, err); err != nil {
			return err
		}
	}

	if cfg.TrackerID != "" {
		cancel, err := b.subscribeTracker(cfg, cfg.TrackerID)
		if err := wire(cfg.TrackerID, cancel, err); err != nil {
			return err
		}
	}

	b.logger.Debug("task registered", "task_id", cfg.ID, "triggers", len(cfg.Triggers))
	return nil
}

// subscribeTrigger resolves one trigger id and subscribes to its event feed.
func (b *Broker) subscribeTrigger(cfg core.TaskConfig, triggerID string) (func(), error) {
	if resources, err := b.manager.Resources(); err == nil && resources.Recognize(triggerID) {
		events, ok := resources.Events(triggerID)
		if !ok {
			return nil, fmt.Errorf("resource has no event feed")
		}
		return events.SubscribeFunc(func(ev core.ResourceEvent) {
			b.request(core.ExecutionRequest{
				TaskID: cfg.ID,
				Inputs: map[string]string{
					"resource_id": ev.ResourceID,
					"resource":    ev.Name,
					"version":     strconv.Itoa(ev.Version),
				},
			})
		}), nil
	}

	if channels, err := b.manager.Channels(); err == nil && channels.Recognize(triggerID) {
		events, ok := channels.Events(triggerID)
		if !ok {
			return nil, fmt.Errorf("channel has no event feed")
		}
		return events.SubscribeFunc(func(msg core.ChannelMessage) {
			// Messages already bound to an execution belong to a
			// running session, not to trigger fan-in.
			if msg.ExecutionID != "" {
				return
			}
			inputs := map[string]string{"message": msg.Text}
			for k, v := range msg.Data {
				inputs[k] = v
			}
			req := core.ExecutionRequest{
				TaskID:    cfg.ID,
				ChannelID: msg.ChannelID,
				Inputs:    inputs,
			}
			if msg.SenderID != "" {
				req.Users = []string{msg.SenderID}
			}
			b.request(req)
		}), nil
	}

	if trackers, err := b.manager.Trackers(); err == nil && trackers.Recognize(triggerID) {
		return b.subscribeTracker(cfg, triggerID)
	}

	return nil, fmt.Errorf("no registered resource, channel or tracker matches")
}

// subscribeTracker wires ticket-ready transitions into execution requests.
func (b *Broker) subscribeTracker(cfg core.TaskConfig, trackerID string) (func(), error) {
	trackers, err := b.manager.Trackers()
	if err != nil {
		return nil, err
	}
	events, ok := trackers.Events(trackerID)
	if !ok {
		return nil, fmt.Errorf("tracker %s has no event feed", trackerID)
	}
	return events.SubscribeFunc(func(ev core.TrackerEvent) {
		if ev.Status != core.TicketReady {
			return
		}
		inputs := map[string]string{"ticket": ev.TicketID}
		for k, v := range ev.Data {
			inputs[k] = v
		}
		b.request(core.ExecutionRequest{TaskID: cfg.ID, Inputs: inputs})
	}), nil
}

func (b *Broker) request(req core.ExecutionRequest) {
	if err := b.requests.Publish(req); err != nil {
		b.logger.Error("publish execution request", "task_id", req.TaskID, "error", err)
	}
}

// Remove implements registry.Broker. Removing a task releases its trigger
// subscriptions; in-flight executions finish on their own.
func (b *Broker) Remove(_ context.Context, id string) error {
	b.reg.Remove(id)
	return nil
}

// Destroy implements registry.Broker.
func (b *Broker) Destroy() {
	if b.cancelReq != nil {
		b.cancelReq()
	}
	b.requests.Close()
	b.responses.Close()
	b.reg.Destroy()
}
