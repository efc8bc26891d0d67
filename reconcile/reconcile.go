// Package reconcile implements the periodic desired-state loop. The store
// is the source of truth; this loop pages through it, drives every broker's
// Sync and Remove, and additionally reacts to outbox change notifications
// between passes. Registries are a disposable cache: killing the process and
// replaying the loop reproduces them.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/bus"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/metrics"
	"github.com/hupe1980/taskmesh/registry"
)

// Options configures the reconciler.
type Options struct {
	Logger logging.Logger
	Meter  *metrics.Metrics

	// Interval is the cadence of each family's full pass.
	Interval time.Duration
	// PageSize bounds one store listing call.
	PageSize int
	// MaxPages caps a single pass against runaway listings.
	MaxPages int
}

// Reconciler converges live registries onto the store's desired state. It
// runs one loop per object family (flows, workers, document repositories);
// passes reschedule unconditionally, so a failing pass retries on the next
// tick instead of stalling the family.
type Reconciler struct {
	opts    Options
	store   core.Store
	manager *registry.Manager
	changes *bus.Channel[core.ObjectChange]
	logger  logging.Logger

	mu         sync.Mutex
	knownFlows map[string]core.Flow
	knownOther map[core.Kind]map[string]struct{}

	kickFlows    chan struct{}
	kickWorkers  chan struct{}
	kickDocRepos chan struct{}

	cancel  context.CancelFunc
	cancelC func()
	wg      sync.WaitGroup
}

// New constructs a reconciler. changes may be nil when no outbox feed
// exists; the periodic passes then carry full responsibility.
func New(store core.Store, manager *registry.Manager, changes *bus.Channel[core.ObjectChange], optFns ...func(o *Options)) *Reconciler {
	opts := Options{
		Logger:   logging.NoOpLogger{},
		Interval: 30 * time.Second,
		PageSize: 100,
		MaxPages: 10000,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Reconciler{
		opts:       opts,
		store:      store,
		manager:    manager,
		changes:    changes,
		logger:     logging.OrNoOp(opts.Logger),
		knownFlows: map[string]core.Flow{},
		knownOther: map[core.Kind]map[string]struct{}{
			core.KindWorker:  {},
			core.KindDocRepo: {},
		},
		kickFlows:    make(chan struct{}, 1),
		kickWorkers:  make(chan struct{}, 1),
		kickDocRepos: make(chan struct{}, 1),
	}
}

// Start launches the family loops and the outbox subscription. Each family
// runs an immediate first pass.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	if r.changes != nil {
		r.cancelC = r.changes.SubscribeFunc(func(ch core.ObjectChange) {
			r.handleChange(ctx, ch)
		})
	}

	r.runFamily(ctx, "flows", r.kickFlows, r.syncFlows)
	r.runFamily(ctx, "workers", r.kickWorkers, r.syncWorkers)
	r.runFamily(ctx, "docrepos", r.kickDocRepos, r.syncDocRepos)
}

// Stop halts all loops and waits for in-flight passes.
func (r *Reconciler) Stop() {
	if r.cancelC != nil {
		r.cancelC()
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Reconciler) runFamily(ctx context.Context, family string, kick <-chan struct{}, pass func(ctx context.Context) (synced, removed, failed int)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			start := time.Now()
			synced, removed, failed := pass(ctx)
			r.opts.Meter.ObserveSyncPass(family, time.Since(start), failed)
			r.logger.Debug("sync pass finished", "family", family,
				"synced", synced, "removed", removed, "failed", failed)

			select {
			case <-ctx.Done():
				return
			case <-kick:
			case <-time.After(r.opts.Interval):
			}
		}
	}()
}

func kickChan(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Kick schedules an out-of-band pass for every family.
func (r *Reconciler) Kick() {
	kickChan(r.kickFlows)
	kickChan(r.kickWorkers)
	kickChan(r.kickDocRepos)
}

// syncFlows converges all flows: active flows sync their owned collections,
// inactive or vanished flows cascade-remove them.
func (r *Reconciler) syncFlows(ctx context.Context) (synced, removed, failed int) {
	seen := map[string]core.Flow{}
	err := r.pageThrough(func(opts core.ListOptions) (int, error) {
		flows, err := r.store.ListFlows(ctx, opts)
		if err != nil {
			return 0, err
		}
		for _, f := range flows {
			seen[f.ID] = f
		}
		return len(flows), nil
	})
	if err != nil {
		r.logger.Error("list flows", "error", err)
		return 0, 0, 1
	}

	for id, f := range seen {
		if f.Status != core.FlowActive {
			r.removeFlow(ctx, f)
			removed++
			continue
		}
		if errs := r.syncFlow(ctx, f); len(errs) > 0 {
			failed += len(errs)
			for _, err := range errs {
				r.logger.Error("sync flow object", "flow_id", id, "error", err)
			}
		}
		synced++
	}

	r.mu.Lock()
	var gone []core.Flow
	for id, f := range r.knownFlows {
		if _, ok := seen[id]; !ok {
			gone = append(gone, f)
		}
	}
	r.knownFlows = seen
	r.mu.Unlock()

	for _, f := range gone {
		r.removeFlow(ctx, f)
		removed++
	}
	return synced, removed, failed
}

// syncFlow syncs a flow's owned objects. Collections converge in dependency
// order so tasks always find their channels, tools, resources and trackers
// registered. Individual object failures are isolated; the rest of the flow
// still converges.
func (r *Reconciler) syncFlow(ctx context.Context, f core.Flow) []error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if channels, err := r.manager.Channels(); err == nil {
		for _, cfg := range f.Channels {
			collect(channels.Sync(ctx, cfg))
		}
	} else if len(f.Channels) > 0 {
		collect(err)
	}
	if tools, err := r.manager.Tools(); err == nil {
		for _, cfg := range f.Tools {
			collect(tools.Sync(ctx, cfg))
		}
	} else if len(f.Tools) > 0 {
		collect(err)
	}
	if resources, err := r.manager.Resources(); err == nil {
		for _, cfg := range f.Resources {
			collect(resources.Sync(ctx, cfg))
		}
	} else if len(f.Resources) > 0 {
		collect(err)
	}
	if trackers, err := r.manager.Trackers(); err == nil {
		for _, cfg := range f.Trackers {
			collect(trackers.Sync(ctx, cfg))
		}
	} else if len(f.Trackers) > 0 {
		collect(err)
	}
	if tasks, err := r.manager.Tasks(); err == nil {
		for _, cfg := range f.Tasks {
			collect(tasks.Sync(ctx, cfg))
		}
	} else if len(f.Tasks) > 0 {
		collect(err)
	}
	return errs
}

// removeFlow cascade-removes a flow's owned objects, tasks first so their
// trigger subscriptions release before the subscribed-to objects go.
func (r *Reconciler) removeFlow(ctx context.Context, f core.Flow) {
	remove := func(broker registry.Broker, err error, id string) {
		if err != nil {
			return
		}
		if rmErr := broker.Remove(ctx, id); rmErr != nil {
			r.logger.Error("remove flow object", "flow_id", f.ID, "object_id", id, "error", rmErr)
		}
	}

	tasks, tErr := r.manager.Tasks()
	for _, cfg := range f.Tasks {
		remove(tasks, tErr, cfg.ID)
	}
	trackers, trErr := r.manager.Trackers()
	for _, cfg := range f.Trackers {
		remove(trackers, trErr, cfg.ID)
	}
	resources, rErr := r.manager.Resources()
	for _, cfg := range f.Resources {
		remove(resources, rErr, cfg.ID)
	}
	tools, toErr := r.manager.Tools()
	for _, cfg := range f.Tools {
		remove(tools, toErr, cfg.ID)
	}
	channels, cErr := r.manager.Channels()
	for _, cfg := range f.Channels {
		remove(channels, cErr, cfg.ID)
	}
	r.logger.Info("flow removed from registries", "flow_id", f.ID)
}

func (r *Reconciler) syncWorkers(ctx context.Context) (synced, removed, failed int) {
	workers, err := r.manager.Workers()
	if err != nil {
		return 0, 0, 1
	}

	seen := map[string]struct{}{}
	listErr := r.pageThrough(func(opts core.ListOptions) (int, error) {
		configs, err := r.store.ListWorkers(ctx, opts)
		if err != nil {
			return 0, err
		}
		for _, cfg := range configs {
			seen[cfg.ID] = struct{}{}
			if err := workers.Sync(ctx, cfg); err != nil {
				failed++
				r.logger.Error("sync worker", "worker_id", cfg.ID, "error", err)
				continue
			}
			synced++
		}
		return len(configs), nil
	})
	if listErr != nil {
		r.logger.Error("list workers", "error", listErr)
		return synced, removed, failed + 1
	}

	removed = r.removeVanished(ctx, core.KindWorker, seen, workers)
	return synced, removed, failed
}

func (r *Reconciler) syncDocRepos(ctx context.Context) (synced, removed, failed int) {
	docs, err := r.manager.DocRepos()
	if err != nil {
		return 0, 0, 1
	}

	seen := map[string]struct{}{}
	listErr := r.pageThrough(func(opts core.ListOptions) (int, error) {
		configs, err := r.store.ListDocRepos(ctx, opts)
		if err != nil {
			return 0, err
		}
		for _, cfg := range configs {
			seen[cfg.ID] = struct{}{}
			if err := docs.Sync(ctx, cfg); err != nil {
				failed++
				r.logger.Error("sync docrepo", "docrepo_id", cfg.ID, "error", err)
				continue
			}
			synced++
		}
		return len(configs), nil
	})
	if listErr != nil {
		r.logger.Error("list docrepos", "error", listErr)
		return synced, removed, failed + 1
	}

	removed = r.removeVanished(ctx, core.KindDocRepo, seen, docs)
	return synced, removed, failed
}

func (r *Reconciler) removeVanished(ctx context.Context, kind core.Kind, seen map[string]struct{}, broker registry.Broker) int {
	r.mu.Lock()
	known := r.knownOther[kind]
	var gone []string
	for id := range known {
		if _, ok := seen[id]; !ok {
			gone = append(gone, id)
		}
	}
	r.knownOther[kind] = seen
	r.mu.Unlock()

	removed := 0
	for _, id := range gone {
		if err := broker.Remove(ctx, id); err != nil {
			r.logger.Error("remove vanished object", "kind", string(kind), "id", id, "error", err)
			continue
		}
		removed++
	}
	return removed
}

// pageThrough drives a paged listing until a short page or the page cap.
func (r *Reconciler) pageThrough(fetch func(opts core.ListOptions) (int, error)) error {
	for page := 0; page < r.opts.MaxPages; page++ {
		n, err := fetch(core.ListOptions{Offset: page * r.opts.PageSize, Limit: r.opts.PageSize})
		if err != nil {
			return err
		}
		if n < r.opts.PageSize {
			return nil
		}
	}
	return fmt.Errorf("page cap %d exceeded", r.opts.MaxPages)
}

// handleChange applies one outbox notification between passes.
func (r *Reconciler) handleChange(ctx context.Context, ch core.ObjectChange) {
	r.logger.Debug("object change", "kind", string(ch.Kind), "id", ch.ObjectID, "event", string(ch.EventType))

	switch ch.Kind {
	case core.KindFlow:
		r.handleFlowChange(ctx, ch)
	case core.KindWorker:
		r.handleWorkerChange(ctx, ch)
	case core.KindDocRepo:
		r.handleDocRepoChange(ctx, ch)
	default:
		// Flow-owned object: converge through a full flow pass.
		kickChan(r.kickFlows)
	}
}

func (r *Reconciler) handleFlowChange(ctx context.Context, ch core.ObjectChange) {
	if ch.EventType == core.ChangeDelete {
		r.mu.Lock()
		f, ok := r.knownFlows[ch.ObjectID]
		delete(r.knownFlows, ch.ObjectID)
		r.mu.Unlock()
		if ok {
			r.removeFlow(ctx, f)
		}
		return
	}

	f, err := r.store.GetFlow(ctx, ch.ObjectID)
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			r.logger.Error("fetch changed flow", "flow_id", ch.ObjectID, "error", err)
		}
		return
	}
	if f.Status != core.FlowActive {
		r.removeFlow(ctx, f)
	} else {
		for _, err := range r.syncFlow(ctx, f) {
			r.logger.Error("sync changed flow", "flow_id", f.ID, "error", err)
		}
	}
	r.mu.Lock()
	r.knownFlows[f.ID] = f
	r.mu.Unlock()
}

func (r *Reconciler) handleWorkerChange(ctx context.Context, ch core.ObjectChange) {
	workers, err := r.manager.Workers()
	if err != nil {
		return
	}
	if ch.EventType == core.ChangeDelete {
		if err := workers.Remove(ctx, ch.ObjectID); err != nil {
			r.logger.Error("remove changed worker", "worker_id", ch.ObjectID, "error", err)
		}
		return
	}
	cfg, err := r.store.GetWorker(ctx, ch.ObjectID)
	if err != nil {
		return
	}
	if err := workers.Sync(ctx, cfg); err != nil {
		r.logger.Error("sync changed worker", "worker_id", cfg.ID, "error", err)
	}
}

func (r *Reconciler) handleDocRepoChange(ctx context.Context, ch core.ObjectChange) {
	docs, err := r.manager.DocRepos()
	if err != nil {
		return
	}
	if ch.EventType == core.ChangeDelete {
		if err := docs.Remove(ctx, ch.ObjectID); err != nil {
			r.logger.Error("remove changed docrepo", "docrepo_id", ch.ObjectID, "error", err)
		}
		return
	}
	cfg, err := r.store.GetDocRepo(ctx, ch.ObjectID)
	if err != nil {
		return
	}
	if err := docs.Sync(ctx, cfg); err != nil {
		r.logger.Error("sync changed docrepo", "docrepo_id", cfg.ID, "error", err)
	}
}
