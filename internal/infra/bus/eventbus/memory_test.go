package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/eventfabric/errs"
	"github.com/coachpo/eventfabric/internal/domain/schema"
)

func frame(subj string, version int64) schema.EventFrame {
	return schema.EventFrame{
		Subject:  subj,
		ID:       schema.EventID{StreamID: "EUR/USD", Version: version, Subject: subj},
		Envelope: schema.Envelope{Subject: subj, TypeTag: "test", Payload: []byte(`{}`)},
	}
}

func receive(t *testing.T, ch <-chan schema.EventFrame) schema.EventFrame {
	t.Helper()
	select {
	case f, ok := <-ch:
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return schema.EventFrame{}
}

func expectNothing(t *testing.T, ch <-chan schema.EventFrame) {
	t.Helper()
	select {
	case f := <-ch:
		t.Fatalf("unexpected frame %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusPublishNoSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	if err := bus.Publish(context.Background(), frame("EUR/USD.FxConnect", 0)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMemoryBusPublishEmptySubject(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	err := bus.Publish(context.Background(), schema.EventFrame{})
	if !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestMemoryBusPrefixRouting(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10, FanoutWorkers: 2})
	defer bus.Close()
	ctx := context.Background()

	_, exact, err := bus.Subscribe(ctx, "EUR/USD.FxConnect")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_, stream, _ := bus.Subscribe(ctx, "EUR/USD")
	_, all, _ := bus.Subscribe(ctx, "")

	if err := bus.Publish(ctx, frame("EUR/USD.Harmony", 0)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(ctx, frame("EUR/USD.FxConnect", 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := receive(t, exact); got.Subject != "EUR/USD.FxConnect" {
		t.Fatalf("exact subscriber got %s", got.Subject)
	}
	expectNothing(t, exact)

	for _, ch := range []<-chan schema.EventFrame{stream, all} {
		first := receive(t, ch)
		second := receive(t, ch)
		if first.ID.Version != 0 || second.ID.Version != 1 {
			t.Fatalf("frames out of order: %d then %d", first.ID.Version, second.ID.Version)
		}
	}
}

func TestMemoryBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 1})
	defer bus.Close()

	id, ch, err := bus.Subscribe(context.Background(), "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Unsubscribe(id)

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	if bus.Subscribers() != 0 {
		t.Fatalf("expected no subscribers, got %d", bus.Subscribers())
	}
	if err := bus.Publish(context.Background(), frame("EUR/USD.x", 0)); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
}

func TestMemoryBusContextCancellationRemovesSubscriber(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 1})
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_, ch, _ := bus.Subscribe(ctx, "")
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestMemoryBusEvictsSlowSubscriber(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 1})
	defer bus.Close()
	ctx := context.Background()

	_, ch, _ := bus.Subscribe(ctx, "")
	_ = bus.Publish(ctx, frame("EUR/USD.x", 0))
	_ = bus.Publish(ctx, frame("EUR/USD.x", 1))

	if got := receive(t, ch).ID.Version; got != 0 {
		t.Fatalf("buffered frame should survive eviction, got %d", got)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected evicted subscription to close")
		}
	case <-time.After(time.Second):
		t.Fatal("evicted subscription not closed")
	}

	// The overflowing frame is not queued for anyone; a new subscriber starts clean.
	_, fresh, _ := bus.Subscribe(ctx, "")
	if err := bus.Publish(ctx, frame("EUR/USD.x", 2)); err != nil {
		t.Fatalf("publish after eviction: %v", err)
	}
	if got := receive(t, fresh).ID.Version; got != 2 {
		t.Fatalf("expected version 2 after eviction, got %d", got)
	}
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	_, ch, _ := bus.Subscribe(context.Background(), "")
	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after bus close")
	}
	if err := bus.Publish(context.Background(), frame("EUR/USD.x", 0)); !errs.Is(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable after close, got %v", err)
	}
	if _, _, err := bus.Subscribe(context.Background(), ""); !errs.Is(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable subscribe after close, got %v", err)
	}
}
