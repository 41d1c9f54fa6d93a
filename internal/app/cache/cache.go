// Package cache maintains a live materialized view of aggregates over the
// broker feed and reconciles it against a snapshot after every (re)connection.
package cache

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/eventfabric/errs"
	"github.com/coachpo/eventfabric/internal/app/actor"
	"github.com/coachpo/eventfabric/internal/domain/aggregate"
	"github.com/coachpo/eventfabric/internal/domain/schema"
	"github.com/coachpo/eventfabric/internal/infra/codec"
	"github.com/coachpo/eventfabric/internal/infra/telemetry"
	"github.com/coachpo/eventfabric/internal/infra/transport"
)

const (
	component = "cache"
	readyPoll = 100 * time.Millisecond
)

// Config configures a Cache.
type Config struct {
	// Endpoint is the broker base URL, e.g. "ws://127.0.0.1:7400".
	Endpoint string
	// Subject filters both the live feed and snapshots by prefix. Empty means everything.
	Subject           string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SnapshotTimeout   time.Duration
	// StaleTimeout is the feed silence after which the cache reports stale. Zero disables it.
	StaleTimeout time.Duration
	// HighWatermark bounds the queue between the socket reader and the apply worker.
	HighWatermark int
	// StoreEvents keeps the applied history on every aggregate.
	StoreEvents      bool
	RetryMaxInterval time.Duration
}

func (c Config) normalize() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = 10 * time.Second
	}
	if c.StaleTimeout < 0 {
		c.StaleTimeout = 0
	}
	if c.HighWatermark <= 0 {
		c.HighWatermark = 1000
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = 5 * time.Second
	}
	return c
}

// Factory builds an empty aggregate for a stream id.
type Factory[A aggregate.Root] func(id string, keepHistory bool) A

// queued is a feed frame tagged with the subscriber session that read it.
type queued struct {
	session int64
	frame   schema.EventFrame
}

// Cache applies broker events to aggregates of type A.
type Cache[A aggregate.Root] struct {
	cfg          Config
	codec        *codec.Serializer
	logger       *log.Logger
	life         *actor.Lifecycle
	errors       *actor.ErrorLog
	newAggregate Factory[A]

	heartbeat  *transport.Caller
	snapshot   *transport.Caller
	subscriber *transport.Subscriber
	monitor    *actor.HeartbeatMonitor
	workers    *actor.Workers

	frames      chan queued
	catchupReq  chan struct{}
	subscribed  atomic.Bool
	feedSession atomic.Int64

	stale    *actor.Value[bool]
	catching *actor.Value[bool]

	// mu guards everything down to dropped.
	mu         sync.Mutex
	store      *Store[A]
	catchingUp bool
	buffer     []schema.LogRecord
	applied    map[string]int64

	// session is the live subscription frames must belong to; older ones are dropped.
	session int64
	dropped int

	appliedCounter  metric.Int64Counter
	bufferedCounter metric.Int64Counter
	failureCounter  metric.Int64Counter
	catchupDuration metric.Float64Histogram
}

// New builds a cache. Run starts it.
func New[A aggregate.Root](cfg Config, c *codec.Serializer, factory Factory[A], logger *log.Logger) *Cache[A] {
	cfg = cfg.normalize()
	if logger == nil {
		logger = log.Default()
	}
	ca := &Cache[A]{
		cfg:          cfg,
		codec:        c,
		logger:       logger,
		life:         actor.NewLifecycle(component, logger),
		errors:       actor.NewErrorLog(logger),
		newAggregate: factory,
		heartbeat:    transport.NewCaller(component+"/heartbeat", transport.URL(cfg.Endpoint, transport.PathHeartbeat, ""), c, 0),
		snapshot:     transport.NewCaller(component+"/snapshot", transport.URL(cfg.Endpoint, transport.PathSnapshot, ""), c, transport.DefaultSnapshotLimit),
		frames:       make(chan queued, cfg.HighWatermark),
		catchupReq:   make(chan struct{}, 1),
		stale:        actor.NewValue(true),
		catching:     actor.NewValue(false),
		store:        newStore[A](),
		applied:      make(map[string]int64),
	}
	ca.monitor = actor.NewHeartbeatMonitor(
		actor.HeartbeatConfig{Interval: cfg.HeartbeatInterval, TrackRecovery: true},
		actor.HeartbeatPinger(ca.heartbeat, cfg.HeartbeatTimeout),
		logger,
	)
	ca.monitor.OnChange = ca.onConnectionChange
	ca.subscriber = transport.NewSubscriber(transport.SubscriberConfig{
		Endpoint:     cfg.Endpoint,
		Subject:      cfg.Subject,
		MaxInterval:  cfg.RetryMaxInterval,
		OnConnect:    ca.onSubscribed,
		OnDisconnect: ca.onUnsubscribed,
		OnFrame:      ca.enqueue,
		OnError:      ca.onFeedError,
	}, c)

	meter := otel.Meter("cache")
	ca.appliedCounter, _ = meter.Int64Counter("cache.events.applied",
		metric.WithDescription("Events applied to the materialized view"),
		metric.WithUnit("{event}"))
	ca.bufferedCounter, _ = meter.Int64Counter("cache.events.buffered",
		metric.WithDescription("Live events buffered while catching up"),
		metric.WithUnit("{event}"))
	ca.failureCounter, _ = meter.Int64Counter("cache.failures",
		metric.WithDescription("Recorded non-fatal cache failures"),
		metric.WithUnit("{error}"))
	ca.catchupDuration, _ = meter.Float64Histogram("cache.catchup.duration",
		metric.WithDescription("Time from gate close to gate open"),
		metric.WithUnit("ms"))
	return ca
}

// ID returns the cache's actor identity.
func (c *Cache[A]) ID() string { return c.life.ID().String() }

// State returns the lifecycle state.
func (c *Cache[A]) State() actor.State { return c.life.State() }

// Subject returns the configured subject filter.
func (c *Cache[A]) Subject() string { return c.cfg.Subject }

// Errors exposes the cache's failure log.
func (c *Cache[A]) Errors() *actor.ErrorLog { return c.errors }

// ConnectionState is the heartbeat-derived connectivity.
func (c *Cache[A]) ConnectionState() *actor.Value[actor.ConnectionState] { return c.monitor.State() }

// IsStale is true until the first live event and whenever the feed stays silent for StaleTimeout.
func (c *Cache[A]) IsStale() *actor.Value[bool] { return c.stale }

// CatchingUp is true while the gate is closed.
func (c *Cache[A]) CatchingUp() *actor.Value[bool] { return c.catching }

// Read runs fn with exclusive access to the store. fn must not retain aggregates.
func (c *Cache[A]) Read(fn func(*Store[A])) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.store)
}

// Observe registers fn for every store change. fn runs synchronously under the
// store lock and must not block or call back into the cache.
func (c *Cache[A]) Observe(fn func(Change[A])) (cancel func()) {
	c.mu.Lock()
	id := c.store.observe(fn)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.store.forget(id)
		c.mu.Unlock()
	}
}

// Run starts the heartbeat, the live feed, the apply worker and the first catch-up.
func (c *Cache[A]) Run(ctx context.Context) error {
	return c.life.Run(func() error {
		c.workers = actor.NewWorkers(ctx)
		c.requestCatchUp("startup")
		c.workers.Go(c.monitor.Run)
		c.workers.Go(func(ctx context.Context) { _ = c.subscriber.Run(ctx) })
		c.workers.Go(c.live)
		c.workers.Go(c.reconcile)
		c.logger.Printf("running endpoint=%s subject=%q", c.cfg.Endpoint, c.cfg.Subject)
		return nil
	})
}

// Destroy stops every worker and closes the broker connections.
func (c *Cache[A]) Destroy() error {
	return c.life.Destroy(func() error {
		if c.workers != nil {
			c.workers.Stop()
		}
		c.snapshot.Close()
		c.heartbeat.Close()
		return nil
	})
}

// WaitCaughtUp blocks until the gate is open. It fails with an invalid
// operation unless the cache is running.
func (c *Cache[A]) WaitCaughtUp(ctx context.Context) error {
	if c.life.State() != actor.Running {
		return errs.InvalidOperation(component, "cache is not running")
	}
	ch, cancel := c.catching.Subscribe(1)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case catching := <-ch:
			if !catching {
				return nil
			}
		}
	}
}

// requestCatchUp closes the gate at once so frames that follow are buffered,
// then wakes the reconcile worker.
func (c *Cache[A]) requestCatchUp(reason string) {
	c.mu.Lock()
	c.catchingUp = true
	c.catching.Set(true)
	c.mu.Unlock()
	select {
	case c.catchupReq <- struct{}{}:
		c.logger.Printf("catch-up requested reason=%s", reason)
	default:
	}
}

func (c *Cache[A]) onConnectionChange(_, next actor.ConnectionState) {
	if next == actor.Reconnected {
		c.requestCatchUp("reconnected")
	}
}

// onSubscribed runs before any frame of the new session is read. Frames and
// buffered records of earlier sessions are discarded; the next snapshot
// supersedes them.
func (c *Cache[A]) onSubscribed(session int) {
	c.feedSession.Store(int64(session))
	c.mu.Lock()
	c.session = int64(session)
	if session > 1 {
		c.dropped += len(c.buffer)
		c.buffer = nil
	}
	c.mu.Unlock()
	c.subscribed.Store(true)
	if session > 1 {
		c.requestCatchUp("resubscribed")
	}
}

func (c *Cache[A]) onUnsubscribed(int, error) {
	c.subscribed.Store(false)
}

func (c *Cache[A]) onFeedError(err error) {
	if errs.Is(err, errs.CodeMalformed) {
		c.fail(context.Background(), actor.EventHandlingFailure, err)
		return
	}
	c.logger.Printf("feed err=%v", err)
}

func (c *Cache[A]) enqueue(f schema.EventFrame) {
	select {
	case c.frames <- queued{session: c.feedSession.Load(), frame: f}:
	case <-c.workers.Context().Done():
	}
}

// live applies or buffers feed frames and drives staleness from the same loop.
func (c *Cache[A]) live(ctx context.Context) {
	var silence <-chan time.Time
	var timer *time.Timer
	if c.cfg.StaleTimeout > 0 {
		timer = time.NewTimer(c.cfg.StaleTimeout)
		defer timer.Stop()
		silence = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-c.frames:
			if !c.onEvent(ctx, q) {
				continue
			}
			if _, changed := c.stale.Set(false); changed {
				c.logger.Printf("feed active subject=%q", c.cfg.Subject)
			}
			if timer != nil {
				timer.Reset(c.cfg.StaleTimeout)
			}
		case <-silence:
			if _, changed := c.stale.Set(true); changed {
				c.logger.Printf("feed stale subject=%q after=%s", c.cfg.Subject, c.cfg.StaleTimeout)
			}
			timer.Reset(c.cfg.StaleTimeout)
		}
	}
}

// onEvent applies or buffers q. It reports false when q belongs to an older session.
func (c *Cache[A]) onEvent(ctx context.Context, q queued) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q.session < c.session {
		c.dropped++
		return false
	}
	rec := q.frame.Record()
	if c.catchingUp {
		c.buffer = append(c.buffer, rec)
		c.bufferedCounter.Add(ctx, 1)
		return true
	}
	c.apply(ctx, rec)
	return true
}

func (c *Cache[A]) reconcile(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.catchupReq:
			c.catchUp(ctx)
		}
	}
}

func (c *Cache[A]) catchUp(ctx context.Context) {
	start := time.Now()
	c.mu.Lock()
	c.catchingUp = true
	c.catching.Set(true)
	c.mu.Unlock()

	if err := c.waitReady(ctx); err != nil {
		return
	}
	reply, err := c.fetchSnapshot(ctx)
	if err != nil {
		return
	}

	c.mu.Lock()
	c.store.clear()
	clear(c.applied)
	inSnapshot := make(map[schema.EventKey]struct{}, len(reply.Records))
	for _, rec := range reply.Records {
		inSnapshot[rec.ID.Key()] = struct{}{}
		c.apply(ctx, rec)
	}
	replayed := 0
	for _, rec := range c.buffer {
		if _, dup := inSnapshot[rec.ID.Key()]; dup {
			continue
		}
		c.apply(ctx, rec)
		replayed++
	}
	buffered := len(c.buffer)
	dropped := c.dropped
	c.dropped = 0
	c.catchingUp = false
	c.catching.Set(false)
	c.buffer = nil
	aggregates := c.store.Len()
	c.mu.Unlock()

	elapsed := time.Since(start)
	c.catchupDuration.Record(ctx, float64(elapsed.Microseconds())/1000,
		metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.Environment(), component, "catchup", "ok")...))
	c.logger.Printf("caught up subject=%q snapshot=%d buffered=%d replayed=%d dropped=%d aggregates=%d took=%s",
		c.cfg.Subject, len(reply.Records), buffered, replayed, dropped, aggregates, elapsed)
}

// waitReady blocks until the heartbeat is online and the live subscription is attached.
func (c *Cache[A]) waitReady(ctx context.Context) error {
	ticker := time.NewTicker(readyPoll)
	defer ticker.Stop()
	for {
		if c.monitor.State().Get().Online() && c.subscribed.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// fetchSnapshot retries until a snapshot arrives or ctx ends. Every failure is recorded.
func (c *Cache[A]) fetchSnapshot(ctx context.Context) (schema.StateReply, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = readyPoll
	b.MaxInterval = c.cfg.RetryMaxInterval

	for {
		req := schema.StateRequest{RequestID: uuid.NewString(), Subject: c.cfg.Subject}
		var reply schema.StateReply
		err := c.snapshot.Call(ctx, c.cfg.SnapshotTimeout, req, &reply)
		if err == nil && reply.RequestID != req.RequestID {
			err = errs.New(component, errs.CodeMalformed,
				errs.WithMessage("snapshot reply does not match request"),
				errs.WithField("requestId", req.RequestID))
		}
		if err == nil {
			return reply, nil
		}
		if ctx.Err() != nil {
			return schema.StateReply{}, ctx.Err()
		}
		c.fail(ctx, actor.SnapshotFailure, err)

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = c.cfg.RetryMaxInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return schema.StateReply{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// apply decodes rec and applies it to its aggregate. Callers hold mu. Records
// at or below the stream's last applied version are dropped.
func (c *Cache[A]) apply(ctx context.Context, rec schema.LogRecord) {
	if last, ok := c.applied[rec.ID.StreamID]; ok && rec.ID.Version <= last {
		return
	}
	event, err := codec.Decode[A](c.codec, rec)
	if err != nil {
		c.fail(ctx, actor.EventHandlingFailure, err)
		return
	}
	agg, ok := c.store.Lookup(event.StreamID())
	if !ok {
		agg = c.newAggregate(event.StreamID(), c.cfg.StoreEvents)
	}
	aggregate.Apply(agg, event)
	c.applied[rec.ID.StreamID] = rec.ID.Version
	c.store.upsert(agg)
	c.appliedCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.EventAttributes(telemetry.Environment(), rec.Envelope.TypeTag, rec.ID.StreamID)...))
}

func (c *Cache[A]) fail(ctx context.Context, kind actor.FailureKind, err error) {
	c.errors.Record(kind, err)
	c.failureCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.ErrorAttributes(telemetry.Environment(), component, string(kind))...))
}
