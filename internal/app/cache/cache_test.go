package cache

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/eventfabric/errs"
	"github.com/coachpo/eventfabric/internal/app/actor"
	"github.com/coachpo/eventfabric/internal/app/broker"
	"github.com/coachpo/eventfabric/internal/app/producer"
	"github.com/coachpo/eventfabric/internal/domain/fx"
	"github.com/coachpo/eventfabric/internal/domain/schema"
	"github.com/coachpo/eventfabric/internal/infra/codec"
	"github.com/coachpo/eventfabric/internal/infra/eventlog"
	"github.com/coachpo/eventfabric/internal/infra/transport"
)

var quiet = log.New(io.Discard, "", 0)

const waitFor = 5 * time.Second

func fxCodec(t *testing.T) *codec.Serializer {
	t.Helper()
	reg := codec.NewRegistry()
	require.NoError(t, reg.RegisterAll(fx.Types()))
	return codec.NewSerializer(codec.DefaultConfig(), reg)
}

type fabric struct {
	store    *eventlog.MemoryLog
	codec    *codec.Serializer
	broker   *broker.Broker
	producer *producer.Producer
}

func startFabric(t *testing.T) *fabric {
	t.Helper()
	f := &fabric{store: eventlog.NewMemoryLog(nil), codec: fxCodec(t)}
	f.broker = broker.New(broker.Config{Addr: "127.0.0.1:0"}, f.store, f.codec, quiet)
	require.NoError(t, f.broker.Run(context.Background()))
	t.Cleanup(func() {
		if f.broker.State() == actor.Running {
			_ = f.broker.Destroy()
		}
	})
	f.producer = f.newProducer(t)
	return f
}

func (f *fabric) newProducer(t *testing.T) *producer.Producer {
	t.Helper()
	p := producer.New(producer.Config{
		Endpoint:          f.broker.Endpoint(),
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  250 * time.Millisecond,
	}, f.codec, quiet)
	require.NoError(t, p.Run(context.Background()))
	t.Cleanup(func() { _ = p.Destroy() })
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, p.WaitUntilConnected(ctx))
	return p
}

func (f *fabric) publish(t *testing.T, events ...producer.Event) {
	t.Helper()
	for _, e := range events {
		require.NoError(t, f.producer.Publish(context.Background(), e))
	}
}

func (f *fabric) waitLogged(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.store.ScanAll()) == n }, waitFor, 5*time.Millisecond)
}

func (f *fabric) newCache(t *testing.T, cfg Config) *Cache[*fx.CurrencyPair] {
	t.Helper()
	if cfg.Endpoint == "" {
		cfg.Endpoint = f.broker.Endpoint()
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 50 * time.Millisecond
		cfg.HeartbeatTimeout = 250 * time.Millisecond
	}
	cfg.StoreEvents = true
	cfg.SnapshotTimeout = time.Second
	cfg.RetryMaxInterval = 200 * time.Millisecond
	c := New[*fx.CurrencyPair](cfg, f.codec, fx.NewCurrencyPair, quiet)
	t.Cleanup(func() { _ = c.Destroy() })
	return c
}

func (f *fabric) startCache(t *testing.T, cfg Config) *Cache[*fx.CurrencyPair] {
	t.Helper()
	c := f.newCache(t, cfg)
	require.NoError(t, c.Run(context.Background()))
	return c
}

func waitCaughtUp(t *testing.T, c *Cache[*fx.CurrencyPair]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.WaitCaughtUp(ctx))
}

func price(pair, market string, mid int64) *fx.ChangeCcyPairPrice {
	return fx.NewChangeCcyPairPrice(pair, market, decimal.NewFromInt(mid), decimal.RequireFromString("0.5"))
}

type pairView struct {
	found    bool
	state    fx.CcyPairState
	mid      decimal.Decimal
	versions []int64
	subjects []string
}

func view(c *Cache[*fx.CurrencyPair], id string) pairView {
	var v pairView
	c.Read(func(s *Store[*fx.CurrencyPair]) {
		p, ok := s.Lookup(id)
		if !ok {
			return
		}
		v.found = true
		v.state = p.State
		v.mid = p.Mid
		for _, e := range p.AppliedEvents() {
			v.versions = append(v.versions, e.Version())
			v.subjects = append(v.subjects, e.Subject())
		}
	})
	return v
}

func contiguous(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i)
	}
	return out
}

func TestCatchUpReplaysExistingHistory(t *testing.T) {
	f := startFabric(t)
	for i := 0; i < 20; i++ {
		f.publish(t, price("EUR/USD", "FxConnect", int64(i)))
	}
	f.waitLogged(t, 20)

	c := f.startCache(t, Config{})
	waitCaughtUp(t, c)

	v := view(c, "EUR/USD")
	require.True(t, v.found)
	require.Equal(t, contiguous(20), v.versions)
	require.True(t, v.mid.Equal(decimal.NewFromInt(19)))
	require.Equal(t, actor.Connected, c.ConnectionState().Get())
}

func TestNoLossNoDuplicationDuringCatchUp(t *testing.T) {
	f := startFabric(t)
	for i := 0; i < 50; i++ {
		f.publish(t, price("EUR/USD", "FxConnect", int64(i)))
	}
	f.waitLogged(t, 50)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 50; i < 250; i++ {
			if err := f.producer.Publish(context.Background(), price("EUR/USD", "FxConnect", int64(i))); err != nil {
				t.Errorf("publish %d: %v", i, err)
				return
			}
		}
	}()
	c := f.startCache(t, Config{})
	wg.Wait()
	f.waitLogged(t, 250)
	waitCaughtUp(t, c)

	require.Eventually(t, func() bool { return len(view(c, "EUR/USD").versions) == 250 }, waitFor, 10*time.Millisecond)
	require.Equal(t, contiguous(250), view(c, "EUR/USD").versions)
}

func TestSubjectPrefixFiltering(t *testing.T) {
	f := startFabric(t)
	filtered := f.startCache(t, Config{Subject: "EUR/USD.FxConnect"})
	all := f.startCache(t, Config{})
	waitCaughtUp(t, filtered)
	waitCaughtUp(t, all)

	f.publish(t,
		price("EUR/USD", "FxConnect", 1),
		price("EUR/USD", "Harmony", 2),
		price("EUR/GBP", "FxConnect", 3),
		price("EUR/USD", "FxConnect", 4),
	)

	require.Eventually(t, func() bool {
		return len(view(all, "EUR/USD").versions) == 3 && len(view(all, "EUR/GBP").versions) == 1
	}, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(view(filtered, "EUR/USD").versions) == 2 }, waitFor, 10*time.Millisecond)

	v := view(filtered, "EUR/USD")
	require.Equal(t, []int64{0, 2}, v.versions)
	for _, s := range v.subjects {
		require.Equal(t, "EUR/USD.FxConnect", s)
	}
	require.False(t, view(filtered, "EUR/GBP").found)
	require.True(t, v.mid.Equal(decimal.NewFromInt(4)))

	// A late cache sees the same filtered view through its snapshot.
	late := f.startCache(t, Config{Subject: "EUR/USD.FxConnect"})
	waitCaughtUp(t, late)
	require.Equal(t, []int64{0, 2}, view(late, "EUR/USD").versions)
	require.False(t, view(late, "EUR/GBP").found)
}

func TestChangeStateScenario(t *testing.T) {
	f := startFabric(t)
	c := f.startCache(t, Config{})
	waitCaughtUp(t, c)

	f.publish(t,
		fx.NewChangeCcyPairState("EUR/USD", "", fx.Passive),
		price("EUR/USD", "FxConnect", 2),
	)
	require.Eventually(t, func() bool { return len(view(c, "EUR/USD").versions) == 2 }, waitFor, 10*time.Millisecond)
	v := view(c, "EUR/USD")
	require.Equal(t, fx.Passive, v.state)
	require.Equal(t, "EUR/USD.Passive.*", v.subjects[0])

	f.publish(t, fx.NewChangeCcyPairState("EUR/USD", "", fx.Active))
	require.Eventually(t, func() bool { return view(c, "EUR/USD").state == fx.Active }, waitFor, 10*time.Millisecond)
}

func TestStaleness(t *testing.T) {
	f := startFabric(t)
	c := f.startCache(t, Config{StaleTimeout: 150 * time.Millisecond})
	waitCaughtUp(t, c)
	require.True(t, c.IsStale().Get(), "stale until the first live event")

	f.publish(t, price("EUR/USD", "FxConnect", 1))
	require.Eventually(t, func() bool { return !c.IsStale().Get() }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return c.IsStale().Get() }, waitFor, 10*time.Millisecond)
	require.Equal(t, actor.Connected, c.ConnectionState().Get(), "silence does not affect connectivity")

	f.publish(t, price("EUR/USD", "FxConnect", 2))
	require.Eventually(t, func() bool { return !c.IsStale().Get() }, waitFor, 5*time.Millisecond)
}

func TestStalenessDisabled(t *testing.T) {
	f := startFabric(t)
	c := f.startCache(t, Config{})
	waitCaughtUp(t, c)
	f.publish(t, price("EUR/USD", "FxConnect", 1))
	require.Eventually(t, func() bool { return !c.IsStale().Get() }, waitFor, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	require.False(t, c.IsStale().Get())
}

func TestObserveReportsChanges(t *testing.T) {
	f := startFabric(t)
	c := f.startCache(t, Config{})
	waitCaughtUp(t, c)

	var mu sync.Mutex
	var changes []Change[*fx.CurrencyPair]
	cancel := c.Observe(func(ch Change[*fx.CurrencyPair]) {
		mu.Lock()
		changes = append(changes, ch)
		mu.Unlock()
	})
	defer cancel()

	f.publish(t, price("EUR/USD", "FxConnect", 1), price("EUR/USD", "FxConnect", 2))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 2
	}, waitFor, 5*time.Millisecond)
	mu.Lock()
	require.Equal(t, Added, changes[0].Kind)
	require.Equal(t, Updated, changes[1].Kind)
	require.Equal(t, "EUR/USD", changes[1].Key)
	mu.Unlock()
}

func TestReconnectRunsCatchUp(t *testing.T) {
	store := eventlog.NewMemoryLog(nil)
	c := fxCodec(t)
	first := broker.New(broker.Config{Addr: "127.0.0.1:0"}, store, c, quiet)
	require.NoError(t, first.Run(context.Background()))
	addr := first.Addr()
	f := &fabric{store: store, codec: c, broker: first}
	f.producer = f.newProducer(t)

	cache := f.newCache(t, Config{Subject: "EUR/USD"})
	states, stop := cache.ConnectionState().Subscribe(16)
	defer stop()
	require.NoError(t, cache.Run(context.Background()))
	waitCaughtUp(t, cache)

	for i := 0; i < 5; i++ {
		f.publish(t, price("EUR/USD", "FxConnect", int64(i)))
	}
	require.Eventually(t, func() bool { return len(view(cache, "EUR/USD").versions) == 5 }, waitFor, 10*time.Millisecond)

	require.NoError(t, first.Destroy())
	require.Eventually(t, func() bool {
		return cache.ConnectionState().Get() == actor.Disconnected
	}, waitFor, 10*time.Millisecond)

	// Events appended while the cache is away must appear after catch-up.
	for i := 5; i < 8; i++ {
		_, err := store.Append("EUR/USD.FxConnect", mustEnvelope(t, c, price("EUR/USD", "FxConnect", int64(i))))
		require.NoError(t, err)
	}

	second := broker.New(broker.Config{Addr: addr}, store, c, quiet)
	require.NoError(t, second.Run(context.Background()))
	t.Cleanup(func() { _ = second.Destroy() })

	require.Eventually(t, func() bool {
		return cache.ConnectionState().Get() == actor.Connected && !cache.CatchingUp().Get()
	}, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(view(cache, "EUR/USD").versions) == 8 }, waitFor, 10*time.Millisecond)
	require.Equal(t, contiguous(8), view(cache, "EUR/USD").versions)

	var seen []actor.ConnectionState
	for len(seen) < 5 {
		select {
		case s := <-states:
			seen = append(seen, s)
		case <-time.After(waitFor):
			t.Fatalf("state sequence incomplete: %v", seen)
		}
	}
	require.Equal(t, []actor.ConnectionState{
		actor.NotConnected, actor.Connected, actor.Disconnected, actor.Reconnected, actor.Connected,
	}, seen)
}

func TestRestartedBrokerDiscardsOldSessionFrames(t *testing.T) {
	c := fxCodec(t)
	first := broker.New(broker.Config{Addr: "127.0.0.1:0"}, eventlog.NewMemoryLog(nil), c, quiet)
	require.NoError(t, first.Run(context.Background()))
	addr := first.Addr()
	f := &fabric{store: eventlog.NewMemoryLog(nil), codec: c, broker: first}
	f.producer = f.newProducer(t)

	// Only the re-dial of the live feed can trigger the second catch-up.
	cache := f.startCache(t, Config{Subject: "EUR/USD", HeartbeatInterval: time.Hour, HeartbeatTimeout: time.Second})
	waitCaughtUp(t, cache)
	for i := 0; i < 5; i++ {
		f.publish(t, price("EUR/USD", "FxConnect", int64(i)))
	}
	require.Eventually(t, func() bool { return len(view(cache, "EUR/USD").versions) == 5 }, waitFor, 10*time.Millisecond)

	require.NoError(t, first.Destroy())
	require.Eventually(t, func() bool { return !cache.subscribed.Load() }, waitFor, 10*time.Millisecond)

	// The restarted broker has an empty log, so its versions start again at 0.
	second := broker.New(broker.Config{Addr: addr}, eventlog.NewMemoryLog(nil), c, quiet)
	require.NoError(t, second.Run(context.Background()))
	t.Cleanup(func() { _ = second.Destroy() })
	require.Eventually(t, func() bool {
		return !view(cache, "EUR/USD").found && !cache.CatchingUp().Get()
	}, waitFor, 10*time.Millisecond)
	require.GreaterOrEqual(t, cache.feedSession.Load(), int64(2))

	// A frame the first broker sent that was still queued behind the reader.
	cache.frames <- queued{session: 1, frame: schema.EventFrame{
		Subject:  "EUR/USD.FxConnect",
		ID:       schema.EventID{StreamID: "EUR/USD", Subject: "EUR/USD.FxConnect", Version: 5},
		Envelope: mustEnvelope(t, c, price("EUR/USD", "FxConnect", 99)),
	}}

	restarted := &fabric{codec: c, broker: second}
	restarted.producer = restarted.newProducer(t)
	for i := 0; i < 4; i++ {
		restarted.publish(t, price("EUR/USD", "FxConnect", int64(i)))
	}
	require.Eventually(t, func() bool { return len(view(cache, "EUR/USD").versions) == 4 }, waitFor, 10*time.Millisecond)
	got := view(cache, "EUR/USD")
	require.Equal(t, contiguous(4), got.versions)
	require.True(t, got.mid.Equal(decimal.NewFromInt(3)), "mid %s", got.mid)
}

func TestOldSessionFramesAreNotBuffered(t *testing.T) {
	c := fxCodec(t)
	ca := New[*fx.CurrencyPair](Config{Endpoint: "ws://127.0.0.1:1"}, c, fx.NewCurrencyPair, quiet)
	ca.onSubscribed(1)
	ca.mu.Lock()
	ca.catchingUp = true
	ca.mu.Unlock()

	frame := func(v int64) queued {
		return queued{session: ca.feedSession.Load(), frame: schema.EventFrame{
			Subject:  "EUR/USD.FxConnect",
			ID:       schema.EventID{StreamID: "EUR/USD", Subject: "EUR/USD.FxConnect", Version: v},
			Envelope: mustEnvelope(t, c, price("EUR/USD", "FxConnect", v)),
		}}
	}
	old := frame(7)
	require.True(t, ca.onEvent(context.Background(), old))

	ca.onSubscribed(2)
	require.False(t, ca.onEvent(context.Background(), old))
	require.True(t, ca.onEvent(context.Background(), frame(0)))

	ca.mu.Lock()
	defer ca.mu.Unlock()
	require.Len(t, ca.buffer, 1)
	require.Equal(t, int64(0), ca.buffer[0].ID.Version)
	require.Equal(t, 2, ca.dropped)
}

func mustEnvelope(t *testing.T, c *codec.Serializer, e producer.Event) schema.Envelope {
	t.Helper()
	e.SetSubject(e.StreamID() + ".FxConnect")
	env, err := c.Encode(e)
	require.NoError(t, err)
	return env
}

func TestSnapshotFailuresAreRecordedAndRetried(t *testing.T) {
	c := fxCodec(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.Accept(w, r, c, 0)
		if err != nil {
			return
		}
		defer conn.Abort()
		for {
			var req schema.StateRequest
			if err := conn.Receive(r.Context(), &req); err != nil {
				return
			}
			switch r.URL.Path {
			case transport.PathHeartbeat:
				_ = conn.Send(r.Context(), schema.Pong)
			case transport.PathSnapshot:
				_ = conn.Send(r.Context(), schema.StateReply{RequestID: "someone-else"})
			}
		}
	}))
	t.Cleanup(server.Close)

	ca := New[*fx.CurrencyPair](Config{
		Endpoint:          "ws" + strings.TrimPrefix(server.URL, "http"),
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  250 * time.Millisecond,
		SnapshotTimeout:   250 * time.Millisecond,
		RetryMaxInterval:  50 * time.Millisecond,
	}, c, fx.NewCurrencyPair, quiet)
	require.NoError(t, ca.Run(context.Background()))
	defer ca.Destroy()

	require.Eventually(t, func() bool { return ca.Errors().Count(actor.SnapshotFailure) >= 2 }, waitFor, 10*time.Millisecond)
	require.True(t, ca.CatchingUp().Get())
	require.Equal(t, actor.Connected, ca.ConnectionState().Get())
	for _, fail := range ca.Errors().Entries() {
		if fail.Kind == actor.SnapshotFailure {
			require.True(t, errs.Is(fail.Err, errs.CodeMalformed), "got %v", fail.Err)
		}
	}
}

func TestCacheLifecycle(t *testing.T) {
	ca := New[*fx.CurrencyPair](Config{Endpoint: "ws://127.0.0.1:1", HeartbeatInterval: time.Hour}, fxCodec(t), fx.NewCurrencyPair, quiet)
	require.True(t, errs.Is(ca.WaitCaughtUp(context.Background()), errs.CodeInvalidOperation))
	require.NoError(t, ca.Run(context.Background()))
	require.True(t, errs.Is(ca.Run(context.Background()), errs.CodeInvalidOperation))
	require.True(t, ca.CatchingUp().Get())
	require.NoError(t, ca.Destroy())
	require.True(t, errs.Is(ca.Destroy(), errs.CodeInvalidOperation))
	require.True(t, errs.Is(ca.WaitCaughtUp(context.Background()), errs.CodeInvalidOperation))
}
