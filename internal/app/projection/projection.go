// Package projection mirrors a cache's currency pair view into a pairstore.Store.
package projection

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/eventfabric/internal/app/actor"
	"github.com/coachpo/eventfabric/internal/app/cache"
	"github.com/coachpo/eventfabric/internal/domain/fx"
	"github.com/coachpo/eventfabric/internal/domain/pairstore"
	"github.com/coachpo/eventfabric/internal/infra/telemetry"
)

const component = "projection"

// Source is the cache surface a projector listens to.
type Source interface {
	Subject() string
	Observe(fn func(cache.Change[*fx.CurrencyPair])) (cancel func())
}

// Config configures a Projector.
type Config struct {
	WriteTimeout  time.Duration
	RetryInterval time.Duration
}

func (c Config) normalize() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	return c
}

type pending struct {
	snapshot pairstore.Snapshot
	deleted  bool
	// reset replaces the row: a clear was coalesced with a later upsert.
	reset bool
}

// Projector coalesces store changes per pair and writes the latest state of each.
type Projector struct {
	cfg    Config
	source Source
	store  pairstore.Store
	logger *log.Logger
	life   *actor.Lifecycle
	errors *actor.ErrorLog

	workers *actor.Workers
	cancel  func()
	wake    chan struct{}

	mu      sync.Mutex
	pending map[string]pending
	written int

	writeCounter metric.Int64Counter
}

// New builds a projector from source into store.
func New(cfg Config, source Source, store pairstore.Store, logger *log.Logger) *Projector {
	if logger == nil {
		logger = log.Default()
	}
	p := &Projector{
		cfg:     cfg.normalize(),
		source:  source,
		store:   store,
		logger:  logger,
		life:    actor.NewLifecycle(component, logger),
		errors:  actor.NewErrorLog(logger),
		wake:    make(chan struct{}, 1),
		pending: make(map[string]pending),
	}
	p.writeCounter, _ = otel.Meter("projection").Int64Counter("projection.writes",
		metric.WithDescription("Pair rows written to the projection store"),
		metric.WithUnit("{row}"))
	return p
}

// Errors exposes failed writes.
func (p *Projector) Errors() *actor.ErrorLog { return p.errors }

// Written returns the number of successful writes.
func (p *Projector) Written() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written
}

// Run registers the change listener and starts the writer.
func (p *Projector) Run(ctx context.Context) error {
	return p.life.Run(func() error {
		p.workers = actor.NewWorkers(ctx)
		p.cancel = p.source.Observe(p.onChange)
		p.workers.Go(p.flushLoop)
		return nil
	})
}

// Destroy detaches from the source and flushes what is pending.
func (p *Projector) Destroy() error {
	return p.life.Destroy(func() error {
		if p.cancel != nil {
			p.cancel()
		}
		if p.workers != nil {
			p.workers.Stop()
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
		defer cancel()
		p.flush(ctx)
		return nil
	})
}

// onChange runs under the cache lock; it only copies and queues.
func (p *Projector) onChange(c cache.Change[*fx.CurrencyPair]) {
	entry := pending{snapshot: pairstore.FromCurrencyPair(p.source.Subject(), c.Aggregate)}
	if c.Kind == cache.Cleared {
		entry.deleted = true
	}
	p.mu.Lock()
	if prev, ok := p.pending[c.Key]; ok && !entry.deleted && (prev.deleted || prev.reset) {
		entry.reset = true
	}
	p.pending[c.Key] = entry
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Projector) flushLoop(ctx context.Context) {
	retry := time.NewTicker(p.cfg.RetryInterval)
	defer retry.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-retry.C:
		}
		p.flush(ctx)
	}
}

func (p *Projector) flush(ctx context.Context) {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.pending
	p.pending = make(map[string]pending)
	p.mu.Unlock()

	keys := make([]string, 0, len(batch))
	for k := range batch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		entry := batch[key]
		err := p.write(ctx, entry)
		if err == nil {
			p.mu.Lock()
			p.written++
			p.mu.Unlock()
			continue
		}
		p.errors.Record(actor.EventHandlingFailure, err)
		p.mu.Lock()
		if newer, ok := p.pending[key]; !ok {
			p.pending[key] = entry
		} else if (entry.deleted || entry.reset) && !newer.deleted {
			newer.reset = true
			p.pending[key] = newer
		}
		p.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
	}
}

func (p *Projector) write(ctx context.Context, entry pending) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()
	var err error
	op := "save"
	switch {
	case entry.deleted:
		op = "delete"
		err = p.store.DeletePair(ctx, entry.snapshot.View, entry.snapshot.Pair)
	case entry.reset:
		op = "replace"
		if err = p.store.DeletePair(ctx, entry.snapshot.View, entry.snapshot.Pair); err == nil {
			err = p.store.SavePair(ctx, entry.snapshot)
		}
	default:
		err = p.store.SavePair(ctx, entry.snapshot)
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.writeCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(telemetry.Environment(), component, op, result)...))
	return err
}
