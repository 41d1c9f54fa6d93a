package eventbus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/eventfabric/errs"
	"github.com/coachpo/eventfabric/internal/domain/schema"
	"github.com/coachpo/eventfabric/internal/domain/subject"
	"github.com/coachpo/eventfabric/internal/infra/telemetry"
)

// MemoryBus is an in-memory implementation of Bus.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	fanoutHistogram        metric.Int64Histogram
	publishDuration        metric.Float64Histogram
	deliveryBlockedCounter metric.Int64Counter
	evictedCounter         metric.Int64Counter
}

type subscriber struct {
	prefix string
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	ch     chan schema.EventFrame
	closed bool
	once   sync.Once
}

// NewMemoryBus constructs a memory-backed bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.ctx = ctx
	bus.cancel = cancel
	bus.subscribers = make(map[SubscriptionID]*subscriber)

	meter := otel.Meter("eventbus")
	bus.eventsPublishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of frames published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of matching subscribers per publish"),
		metric.WithUnit("{subscriber}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))
	bus.deliveryBlockedCounter, _ = meter.Int64Counter("eventbus.delivery.blocked",
		metric.WithDescription("Number of frames dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))
	bus.evictedCounter, _ = meter.Int64Counter("eventbus.subscribers.evicted",
		metric.WithDescription("Number of subscribers closed for exceeding their high watermark"),
		metric.WithUnit("{subscriber}"))

	return bus
}

// Publish fans the frame out to every subscriber whose prefix matches its subject.
// Delivery never blocks: a full subscriber is handled by the overflow policy.
func (b *MemoryBus) Publish(ctx context.Context, frame schema.EventFrame) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if frame.Subject == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("subject required"))
	}
	if b.ctx.Err() != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	start := time.Now()
	result := "success"
	defer func() {
		if b.publishDuration != nil {
			attrs := telemetry.OperationResultAttributes(telemetry.Environment(), "eventbus", "publish", result)
			b.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attrs...))
		}
	}()

	// Route first: snapshot matching subscribers before any fan-out work.
	b.mu.RLock()
	matched := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if subject.Matches(frame.Subject, sub.prefix) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	n := len(matched)
	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(n), metric.WithAttributes(
			attribute.String("environment", telemetry.Environment()),
			attribute.String("event_type", frame.Envelope.TypeTag)))
	}
	if n == 0 {
		result = "no_subscribers"
		return nil
	}

	b.dispatch(ctx, matched, frame)

	if b.eventsPublishedCounter != nil {
		b.eventsPublishedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.EventAttributes(telemetry.Environment(), frame.Envelope.TypeTag, frame.ID.StreamID)...))
	}
	return nil
}

// Subscribe registers a prefix subscription and returns its id and channel.
func (b *MemoryBus) Subscribe(ctx context.Context, prefix string) (SubscriptionID, <-chan schema.EventFrame, error) {
	if b.ctx.Err() != nil {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := new(subscriber)
	sub.prefix = prefix
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan schema.EventFrame, b.cfg.BufferSize)

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(
			attribute.String("environment", telemetry.Environment())))
	}

	go b.observe(id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		b.release(sub)
	}
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		subs := b.subscribers
		b.subscribers = make(map[SubscriptionID]*subscriber)
		b.mu.Unlock()
		for _, sub := range subs {
			b.release(sub)
		}
	})
}

// Subscribers returns the number of live subscriptions.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *MemoryBus) observe(id SubscriptionID, sub *subscriber) {
	select {
	case <-sub.ctx.Done():
	case <-b.ctx.Done():
	}
	b.mu.Lock()
	stored, ok := b.subscribers[id]
	if ok && stored == sub {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	b.release(sub)
}

func (b *MemoryBus) release(sub *subscriber) {
	if sub.close() && b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
			attribute.String("environment", telemetry.Environment())))
	}
}

func (b *MemoryBus) dispatch(ctx context.Context, subs []*subscriber, frame schema.EventFrame) {
	if len(subs) == 1 {
		b.deliver(ctx, subs[0], frame)
		return
	}
	p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, sub := range subs {
		p.Go(func() {
			b.deliver(ctx, sub, frame)
		})
	}
	p.Wait()
}

func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, frame schema.EventFrame) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	select {
	case sub.ch <- frame:
		sub.mu.Unlock()
		return
	default:
	}

	if b.deliveryBlockedCounter != nil {
		b.deliveryBlockedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.EventAttributes(telemetry.Environment(), frame.Envelope.TypeTag, frame.ID.StreamID)...))
	}

	sub.mu.Unlock()
	log.Printf("eventbus: subscriber buffer full; evicting prefix=%q subject=%s", sub.prefix, frame.Subject)
	if b.evictedCounter != nil {
		b.evictedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("environment", telemetry.Environment())))
	}
	sub.cancel()
}

// close marks the subscriber closed and closes its channel. It reports whether this call closed it.
func (s *subscriber) close() bool {
	closed := false
	s.once.Do(func() {
		s.cancel()
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		closed = true
	})
	return closed
}
