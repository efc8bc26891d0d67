// Package docrepo implements the broker answering documentation queries.
// Each configured repository contributes a core.DocSource; a query fans out
// across all sources and the lowest-distance match wins.
package docrepo

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/registry"
)

// SourceFactory builds a retrieval source for a repository snapshot.
type SourceFactory func(cfg core.DocRepoConfig) (core.DocSource, error)

// Options configures a Broker.
type Options struct {
	Logger logging.Logger

	// MatchesPerSource bounds how many hits each source returns per query.
	MatchesPerSource int
}

// Broker is the live registry of document repositories.
type Broker struct {
	reg     *registry.Registry[core.DocRepoConfig]
	factory SourceFactory
	logger  logging.Logger
	limit   int

	mu      sync.RWMutex
	sources map[string]core.DocSource
}

// New constructs a document repository broker around a source factory.
func New(factory SourceFactory, optFns ...func(o *Options)) *Broker {
	opts := Options{Logger: logging.NoOpLogger{}, MatchesPerSource: 3}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Broker{
		reg:     registry.New[core.DocRepoConfig](core.KindDocRepo, opts.Logger),
		factory: factory,
		logger:  logging.OrNoOp(opts.Logger),
		limit:   opts.MatchesPerSource,
		sources: map[string]core.DocSource{},
	}
}

var _ registry.DocRepoBroker = (*Broker)(nil)

// Kind implements registry.Broker.
func (b *Broker) Kind() core.Kind { return core.KindDocRepo }

// Sync is a create-or-update of one repository snapshot.
func (b *Broker) Sync(ctx context.Context, cfg core.DocRepoConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	source, err := b.factory(cfg)
	if err != nil {
		_ = b.Remove(ctx, cfg.ID)
		return fmt.Errorf("docrepo %s: source construction failed: %w", cfg.ID, err)
	}

	b.mu.Lock()
	prev := b.sources[cfg.ID]
	b.sources[cfg.ID] = source
	b.mu.Unlock()
	if prev != nil {
		if closer, ok := prev.(io.Closer); ok {
			_ = closer.Close()
		}
	}

	b.reg.Put(cfg)
	return nil
}

// Remove drops the repository and its source. Idempotent.
func (b *Broker) Remove(_ context.Context, id string) error {
	b.mu.Lock()
	source := b.sources[id]
	delete(b.sources, id)
	b.mu.Unlock()
	if source != nil {
		if closer, ok := source.(io.Closer); ok {
			_ = closer.Close()
		}
	}
	b.reg.Remove(id)
	return nil
}

// Destroy removes all repositories.
func (b *Broker) Destroy() {
	for _, id := range b.reg.IDs() {
		_ = b.Remove(context.Background(), id)
	}
}

// Query returns the lowest-distance match for query across all configured
// sources. Per-source failures are logged and isolated; a query only fails
// when no source produced a match.
func (b *Broker) Query(ctx context.Context, query string) (core.DocMatch, error) {
	b.mu.RLock()
	sources := make(map[string]core.DocSource, len(b.sources))
	for id, s := range b.sources {
		sources[id] = s
	}
	b.mu.RUnlock()

	best := core.DocMatch{}
	found := false
	for id, source := range sources {
		matches, err := source.Query(ctx, query, b.limit)
		if err != nil {
			b.logger.Warn("doc source query failed", "docrepo", id, "error", err.Error())
			continue
		}
		for _, m := range matches {
			if !found || m.Distance < best.Distance {
				best = m
				if best.Source == "" {
					best.Source = id
				}
				found = true
			}
		}
	}
	if !found {
		return core.DocMatch{}, fmt.Errorf("docrepo: no match for query")
	}
	return best, nil
}
