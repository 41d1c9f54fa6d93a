package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/eventfabric/errs"
	"github.com/coachpo/eventfabric/internal/domain/schema"
	"github.com/coachpo/eventfabric/internal/infra/codec"
)

func wsEndpoint(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newCodec() *codec.Serializer {
	return codec.NewSerializer(codec.DefaultConfig(), nil)
}

func TestURL(t *testing.T) {
	require.Equal(t, "ws://h:1/heartbeat", URL("ws://h:1/", PathHeartbeat, ""))
	require.Equal(t, "ws://h:1/subscribe?subject=EUR%2FUSD.FxConnect", URL("ws://h:1", PathSubscribe, "EUR/USD.FxConnect"))
}

func TestCallerRoundTrip(t *testing.T) {
	c := newCodec()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, c, 0)
		if err != nil {
			return
		}
		defer conn.Abort()
		for {
			var hb schema.Heartbeat
			if err := conn.Receive(r.Context(), &hb); err != nil {
				return
			}
			if err := conn.Send(r.Context(), schema.Pong); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	caller := NewCaller("test/heartbeat", URL(wsEndpoint(server), PathHeartbeat, ""), c, 0)
	defer caller.Close()

	for i := 0; i < 3; i++ {
		var reply schema.Heartbeat
		require.NoError(t, caller.Call(context.Background(), time.Second, schema.Ping, &reply))
		require.Equal(t, schema.HeartbeatPong, reply.Type)
	}
}

func TestCallerTimeoutIsUnreachable(t *testing.T) {
	c := newCodec()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, c, 0)
		if err != nil {
			return
		}
		defer conn.Abort()
		for {
			var req schema.StateRequest
			if err := conn.Receive(r.Context(), &req); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	caller := NewCaller("test/snapshot", URL(wsEndpoint(server), PathSnapshot, ""), c, 0)
	defer caller.Close()

	var reply schema.StateReply
	err := caller.Call(context.Background(), 100*time.Millisecond, schema.StateRequest{RequestID: "r"}, &reply)
	require.True(t, errs.Is(err, errs.CodeUnreachable), "got %v", err)
	require.True(t, errs.Is(err, errs.CodeTimeout), "got %v", err)
}

func TestCallerDialFailureIsUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	endpoint := wsEndpoint(server)
	server.Close()

	caller := NewCaller("test/heartbeat", URL(endpoint, PathHeartbeat, ""), newCodec(), 0)
	var reply schema.Heartbeat
	err := caller.Call(context.Background(), 200*time.Millisecond, schema.Ping, &reply)
	require.True(t, errs.Is(err, errs.CodeUnreachable), "got %v", err)
}

func TestPublisherDeliversInOrder(t *testing.T) {
	c := newCodec()
	received := make(chan schema.PublishFrame, 16)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, c, 0)
		if err != nil {
			return
		}
		defer conn.Abort()
		for {
			var f schema.PublishFrame
			if err := conn.Receive(r.Context(), &f); err != nil {
				return
			}
			received <- f
		}
	}))
	t.Cleanup(server.Close)

	pub := NewPublisher(wsEndpoint(server), c, time.Second)
	defer pub.Close()

	for _, subj := range []string{"A.1", "A.2", "A.3"} {
		require.NoError(t, pub.Publish(context.Background(), schema.PublishFrame{Subject: subj}))
	}
	for _, want := range []string{"A.1", "A.2", "A.3"} {
		select {
		case got := <-received:
			require.Equal(t, want, got.Subject)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestSubscriberRedialsAndSkipsMalformed(t *testing.T) {
	c := newCodec()
	var sessions atomic.Int32
	var subjects atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subjects.Store(SubjectFrom(r))
		conn, err := Accept(w, r, c, 0)
		if err != nil {
			return
		}
		n := sessions.Add(1)
		_ = conn.ws.Write(r.Context(), websocket.MessageText, []byte("not json"))
		_ = conn.Send(r.Context(), schema.EventFrame{Subject: "EUR/USD.x", ID: schema.EventID{Version: int64(n)}})
		if n == 1 {
			// Drop the first session to force a re-dial.
			_ = conn.Close("restart")
			return
		}
		<-conn.CloseRead(r.Context()).Done()
	}))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connects := make(chan int, 4)
	frames := make(chan schema.EventFrame, 4)
	var malformed atomic.Int32
	sub := NewSubscriber(SubscriberConfig{
		Endpoint:        wsEndpoint(server),
		Subject:         "EUR/USD",
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		OnConnect:       func(session int) { connects <- session },
		OnFrame:         func(f schema.EventFrame) { frames <- f },
		OnError: func(err error) {
			if errs.Is(err, errs.CodeMalformed) {
				malformed.Add(1)
			}
		},
	}, c)

	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	for _, want := range []int{1, 2} {
		select {
		case got := <-connects:
			require.Equal(t, want, got)
		case <-time.After(3 * time.Second):
			t.Fatalf("session %d never connected", want)
		}
		select {
		case f := <-frames:
			require.Equal(t, int64(want), f.ID.Version)
		case <-time.After(3 * time.Second):
			t.Fatalf("no frame in session %d", want)
		}
	}
	require.Equal(t, "EUR/USD", subjects.Load())
	require.GreaterOrEqual(t, malformed.Load(), int32(1))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}
