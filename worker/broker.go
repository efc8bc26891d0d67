package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/metrics"
	"github.com/hupe1980/taskmesh/registry"
)

// Options configures the worker broker.
type Options struct {
	Logger logging.Logger
	Meter  *metrics.Metrics

	// FlushInterval is the queue drain cadence per worker.
	FlushInterval time.Duration
}

// Broker schedules work orders onto registered workers. Admission is bounded
// by each worker's wip limit; overflow queues in the store and a flush
// daemon drains it in FIFO order as capacity frees up.
type Broker struct {
	opts    Options
	reg     *registry.Registry[core.WorkerConfig]
	store   core.Store
	manager *registry.Manager
	creds   core.CredentialStore
	factory TurnSourceFactory
	logger  logging.Logger

	mu         sync.Mutex
	sources    map[string]TurnSource
	processing map[string]context.CancelFunc // execution id -> session abort

	stop   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

var _ registry.WorkerBroker = (*Broker)(nil)

// NewBroker constructs the worker broker and starts its flush daemon.
func NewBroker(store core.Store, manager *registry.Manager, creds core.CredentialStore, factory TurnSourceFactory, optFns ...func(o *Options)) *Broker {
	opts := Options{
		Logger:        logging.NoOpLogger{},
		FlushInterval: 5 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	b := &Broker{
		opts:       opts,
		reg:        registry.New[core.WorkerConfig](core.KindWorker, opts.Logger),
		store:      store,
		manager:    manager,
		creds:      creds,
		factory:    factory,
		logger:     logging.OrNoOp(opts.Logger),
		sources:    map[string]TurnSource{},
		processing: map[string]context.CancelFunc{},
		stop:       make(chan struct{}),
	}
	manager.SetWorkers(b)

	b.wg.Add(1)
	go b.flushLoop()
	return b
}

// Kind implements registry.Broker.
func (b *Broker) Kind() core.Kind { return core.KindWorker }

// Sync registers or re-registers a worker. Re-registration replaces the
// snapshot and turn source, then resumes any in-progress work requests that
// have no running session, which is the crash recovery path.
func (b *Broker) Sync(ctx context.Context, cfg core.WorkerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	source, err := b.factory(cfg)
	if err != nil {
		return fmt.Errorf("worker %s: build turn source: %w", cfg.ID, err)
	}

	b.mu.Lock()
	b.sources[cfg.ID] = source
	b.mu.Unlock()
	b.reg.Put(cfg)

	if err := b.resume(ctx, cfg); err != nil {
		return err
	}
	b.flushWorker(ctx, cfg)
	return nil
}

// resume restarts sessions for in-progress work requests left over from a
// previous process life.
func (b *Broker) resume(ctx context.Context, cfg core.WorkerConfig) error {
	reqs, err := b.store.ListWorkRequests(ctx, cfg.ID, core.WorkInProgress)
	if err != nil {
		return fmt.Errorf("worker %s: list in-progress work: %w", cfg.ID, err)
	}
	for _, req := range reqs {
		b.mu.Lock()
		_, active := b.processing[req.ExecutionID]
		b.mu.Unlock()
		if active {
			continue
		}
		b.logger.Info("resuming work request", "worker_id", cfg.ID, "execution_id", req.ExecutionID)
		b.launch(cfg, req)
	}
	return nil
}

// Remove unregisters a worker and aborts its running sessions. Stored work
// requests stay put so a later registration can resume them.
func (b *Broker) Remove(ctx context.Context, id string) error {
	reqs, err := b.store.ListWorkRequests(ctx, id, core.WorkInProgress)
	if err == nil {
		for _, req := range reqs {
			b.Abort(req.ExecutionID)
		}
	}

	b.mu.Lock()
	delete(b.sources, id)
	b.mu.Unlock()
	b.reg.Remove(id)
	return nil
}

// Destroy implements registry.Broker.
func (b *Broker) Destroy() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	cancels := make([]context.CancelFunc, 0, len(b.processing))
	for _, cancel := range b.processing {
		cancels = append(cancels, cancel)
	}
	b.mu.Unlock()

	close(b.stop)
	for _, cancel := range cancels {
		cancel()
	}
	b.wg.Wait()
	b.reg.Destroy()
}

// Workers returns the registered worker snapshots.
func (b *Broker) Workers() []core.WorkerConfig { return b.reg.All() }

// Has reports whether a worker id is registered.
func (b *Broker) Has(id string) bool { return b.reg.Has(id) }

// Dispatch admits a work order. The best-scoring eligible worker takes it;
// if that worker has free capacity the session starts immediately, otherwise
// the request queues for the flush daemon.
func (b *Broker) Dispatch(ctx context.Context, order core.WorkOrder) error {
	cfg, err := b.selectWorker(ctx, order)
	if err != nil {
		return err
	}

	now := nowUTC()
	req := core.WorkRequest{
		ExecutionID: order.ExecutionID,
		WorkerID:    cfg.ID,
		Status:      core.WorkQueued,
		Order:       order,
		Created:     now,
		Updated:     now,
	}
	if err := b.store.CreateWorkRequest(ctx, req); err != nil {
		return fmt.Errorf("queue work request: %w", err)
	}
	b.opts.Meter.Dispatched(cfg.ID)
	b.logger.Info("work dispatched", "execution_id", order.ExecutionID, "worker_id", cfg.ID)

	b.flushWorker(ctx, cfg)
	return nil
}

// selectWorker scores every eligible worker and returns the best. Eligible
// means: positive WIP limit, matching org, skills covering the order, and a
// credential for the order channel's transport type. Ties keep the first
// encountered in id order.
func (b *Broker) selectWorker(ctx context.Context, order core.WorkOrder) (core.WorkerConfig, error) {
	var chanType string
	if order.ChannelID != "" {
		channels, err := b.manager.Channels()
		if err != nil {
			return core.WorkerConfig{}, err
		}
		ct, ok := channels.TypeOf(order.ChannelID)
		if !ok {
			return core.WorkerConfig{}, fmt.Errorf("channel %s not registered", order.ChannelID)
		}
		chanType = ct
	}

	var (
		best      core.WorkerConfig
		bestScore float64
		found     bool
	)
	for _, cfg := range b.reg.All() {
		if cfg.WIPLimit <= 0 {
			continue
		}
		if order.OrgID != "" && cfg.OrgID != order.OrgID {
			continue
		}
		if !cfg.HasSkills(order.Skills) {
			continue
		}
		if chanType != "" {
			if _, ok := cfg.Credentials[chanType]; !ok {
				continue
			}
		}
		inProgress, err := b.store.CountWorkRequests(ctx, cfg.ID, core.WorkInProgress)
		if err != nil {
			return core.WorkerConfig{}, fmt.Errorf("count in-progress work: %w", err)
		}
		queued, err := b.store.CountWorkRequests(ctx, cfg.ID, core.WorkQueued)
		if err != nil {
			return core.WorkerConfig{}, fmt.Errorf("count queued work: %w", err)
		}
		score := availability(cfg.WIPLimit, inProgress, queued)
		if !found || score > bestScore {
			best, bestScore, found = cfg, score, true
		}
	}
	if !found {
		return core.WorkerConfig{}, fmt.Errorf("no eligible worker for skills %v", order.Skills)
	}
	return best, nil
}

// Abort cancels the running session for an execution, if any.
func (b *Broker) Abort(executionID string) {
	b.mu.Lock()
	cancel := b.processing[executionID]
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (b *Broker) flushLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			ctx := context.Background()
			for _, cfg := range b.reg.All() {
				b.flushWorker(ctx, cfg)
			}
		}
	}
}

// flushWorker starts queued work for one worker up to its wip limit, oldest
// first.
func (b *Broker) flushWorker(ctx context.Context, cfg core.WorkerConfig) {
	inProgress, err := b.store.CountWorkRequests(ctx, cfg.ID, core.WorkInProgress)
	if err != nil {
		b.logger.Error("flush: count in-progress work", "worker_id", cfg.ID, "error", err)
		return
	}
	queued, err := b.store.ListWorkRequests(ctx, cfg.ID, core.WorkQueued)
	if err != nil {
		b.logger.Error("flush: list queued work", "worker_id", cfg.ID, "error", err)
		return
	}
	b.opts.Meter.SetQueueDepth(cfg.ID, len(queued))
	b.opts.Meter.SetInProgress(cfg.ID, inProgress)

	limit := cfg.WIPLimit
	if limit <= 0 {
		limit = 1
	}
	for _, req := range queued {
		if inProgress >= limit {
			return
		}
		if !b.start(ctx, cfg, req) {
			continue
		}
		inProgress++
	}
}

// start transitions a queued request to in-progress and launches its
// session. A request whose execution already has an active session is left
// alone, preserving at most one active session per execution.
func (b *Broker) start(ctx context.Context, cfg core.WorkerConfig, req core.WorkRequest) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	if _, active := b.processing[req.ExecutionID]; active {
		b.mu.Unlock()
		return false
	}
	b.mu.Unlock()

	if err := b.join(ctx, cfg, req.Order); err != nil {
		b.fault(ctx, req, fmt.Sprintf("join channel: %v", err))
		return false
	}

	req.Status = core.WorkInProgress
	if err := b.store.UpdateWorkRequest(ctx, req); err != nil {
		b.logger.Error("mark work in-progress", "execution_id", req.ExecutionID, "error", err)
		return false
	}
	b.launch(cfg, req)
	return true
}

// join resolves the worker's channel credential and joins the conversation.
// A worker without a credential for the channel's transport type cannot take
// the work.
func (b *Broker) join(ctx context.Context, cfg core.WorkerConfig, order core.WorkOrder) error {
	if order.ChannelID == "" {
		return nil
	}
	channels, err := b.manager.Channels()
	if err != nil {
		return err
	}
	chanType, ok := channels.TypeOf(order.ChannelID)
	if !ok {
		return fmt.Errorf("channel %s not registered", order.ChannelID)
	}
	secretID, ok := cfg.Credentials[chanType]
	if !ok {
		return fmt.Errorf("worker %s has no credential for channel type %s", cfg.ID, chanType)
	}
	secret, err := b.creds.GetSecret(ctx, secretID)
	if err != nil {
		return fmt.Errorf("resolve credential %s: %w", secretID, err)
	}
	return channels.Join(ctx, order.ChannelID, cfg.ID, secret, cfg.Name, order.ExecutionID)
}

// launch runs the session goroutine for an admitted request. It is the
// single gate keeping at most one active session per execution.
func (b *Broker) launch(cfg core.WorkerConfig, req core.WorkRequest) {
	b.mu.Lock()
	source := b.sources[cfg.ID]
	if source == nil || b.closed {
		b.mu.Unlock()
		return
	}
	if _, active := b.processing[req.ExecutionID]; active {
		// Racing flush and resume paths can both pick the same request;
		// the session already running wins.
		b.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.processing[req.ExecutionID] = cancel
	b.wg.Add(1)
	b.mu.Unlock()

	order := req.Order
	order.Critique = order.Critique || cfg.Critique

	sess := newSession(order, cfg.ID, source, b.store, b.manager, b.logger)
	sess.listen()

	go func() {
		defer b.wg.Done()
		defer cancel()

		resp := sess.run(ctx)

		b.mu.Lock()
		delete(b.processing, req.ExecutionID)
		b.mu.Unlock()

		b.settle(resp, cfg)
	}()
}

// settle records a finished session and hands the response to the task
// pipeline. Aborted sessions go through the same hand-off so their
// executions reach a terminal status.
func (b *Broker) settle(resp core.WorkResponse, cfg core.WorkerConfig) {
	ctx := context.Background()

	wr, err := b.store.GetWorkRequest(ctx, resp.ExecutionID)
	if err == nil {
		if resp.Err == "" {
			wr.Status = core.WorkComplete
		} else {
			wr.Status = core.WorkError
		}
		if err := b.store.UpdateWorkRequest(ctx, wr); err != nil {
			b.logger.Error("record work result", "execution_id", resp.ExecutionID, "error", err)
		}
	}
	b.opts.Meter.AddCost(wr.Cost)

	if resp.Message.Cancelled {
		b.logger.Info("session aborted", "execution_id", resp.ExecutionID, "worker_id", resp.WorkerID)
	}
	if tasks, err := b.manager.Tasks(); err == nil {
		if err := tasks.HandleResponse(ctx, resp); err != nil {
			b.logger.Error("handle work response", "execution_id", resp.ExecutionID, "error", err)
		}
	}

	b.flushWorker(ctx, cfg)
}

// fault marks a request failed before any session ran and synthesizes the
// terminal response so the task pipeline can unwind.
func (b *Broker) fault(ctx context.Context, req core.WorkRequest, reason string) {
	req.Status = core.WorkError
	if err := b.store.UpdateWorkRequest(ctx, req); err != nil {
		b.logger.Error("record work fault", "execution_id", req.ExecutionID, "error", err)
	}
	b.logger.Warn("work request faulted", "execution_id", req.ExecutionID, "reason", reason)

	if tasks, err := b.manager.Tasks(); err == nil {
		msg := completionMessage(reason)
		resp := core.WorkResponse{
			ExecutionID: req.ExecutionID,
			TaskID:      req.Order.TaskID,
			WorkerID:    req.WorkerID,
			Message:     msg,
			Err:         reason,
		}
		if err := tasks.HandleResponse(ctx, resp); err != nil {
			b.logger.Error("handle faulted response", "execution_id", req.ExecutionID, "error", err)
		}
	}
}
