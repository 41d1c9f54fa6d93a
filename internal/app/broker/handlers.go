package broker

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/eventfabric/errs"
	"github.com/coachpo/eventfabric/internal/app/actor"
	"github.com/coachpo/eventfabric/internal/domain/schema"
	"github.com/coachpo/eventfabric/internal/infra/telemetry"
	"github.com/coachpo/eventfabric/internal/infra/transport"
)

// Handler returns the mux serving the four channels.
func (b *Broker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(transport.PathPublish, b.handlePublish)
	mux.HandleFunc(transport.PathSubscribe, b.handleSubscribe)
	mux.HandleFunc(transport.PathHeartbeat, b.handleHeartbeat)
	mux.HandleFunc(transport.PathSnapshot, b.handleSnapshot)
	return mux
}

// session ties a connection handler to the broker's shutdown signal. It returns
// false when the broker is stopping.
func (b *Broker) session(r *http.Request, channel string) (context.Context, func(), bool) {
	b.connMu.Lock()
	if b.stopping || b.workers == nil {
		b.connMu.Unlock()
		return nil, nil, false
	}
	b.conns.Add(1)
	b.connMu.Unlock()

	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(b.workers.Context(), cancel)
	attrs := metric.WithAttributes(telemetry.ChannelAttributes(telemetry.Environment(), channel)...)
	b.connectionsGauge.Add(ctx, 1, attrs)
	return ctx, func() {
		stop()
		cancel()
		b.connectionsGauge.Add(context.Background(), -1, attrs)
		b.conns.Done()
	}, true
}

func (b *Broker) handlePublish(w http.ResponseWriter, r *http.Request) {
	ctx, done, ok := b.session(r, telemetry.ChannelPublish)
	if !ok {
		http.Error(w, "broker stopping", http.StatusServiceUnavailable)
		return
	}
	defer done()

	conn, err := transport.Accept(w, r, b.codec, b.cfg.ReadLimit)
	if err != nil {
		b.fail(ctx, actor.BrokerEventProcessingFailure, err)
		return
	}
	defer conn.Abort()

	for {
		var frame schema.PublishFrame
		if err := conn.Receive(ctx, &frame); err != nil {
			if errs.Is(err, errs.CodeMalformed) {
				b.fail(ctx, actor.BrokerEventProcessingFailure, err)
				continue
			}
			return
		}
		// A full queue blocks this publisher until the relay catches up.
		select {
		case b.inbound <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func (b *Broker) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	ctx, done, ok := b.session(r, telemetry.ChannelSubscribe)
	if !ok {
		http.Error(w, "broker stopping", http.StatusServiceUnavailable)
		return
	}
	defer done()

	prefix := transport.SubjectFrom(r)
	// Register before the handshake completes so nothing published after the
	// client's dial returns can be missed.
	id, frames, err := b.bus.Subscribe(ctx, prefix)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer b.bus.Unsubscribe(id)

	conn, err := transport.Accept(w, r, b.codec, b.cfg.ReadLimit)
	if err != nil {
		return
	}
	defer conn.Abort()
	gone := conn.CloseRead(ctx)
	b.logger.Printf("subscriber attached id=%s subject=%q", id, prefix)

	for {
		select {
		case <-gone.Done():
			return
		case frame, open := <-frames:
			if !open {
				b.logger.Printf("subscriber detached id=%s subject=%q", id, prefix)
				_ = conn.Close("subscription closed")
				return
			}
			writeCtx, cancel := context.WithTimeout(gone, b.cfg.WriteTimeout)
			err := conn.Send(writeCtx, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (b *Broker) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	ctx, done, ok := b.session(r, telemetry.ChannelHeartbeat)
	if !ok {
		http.Error(w, "broker stopping", http.StatusServiceUnavailable)
		return
	}
	defer done()

	conn, err := transport.Accept(w, r, b.codec, b.cfg.ReadLimit)
	if err != nil {
		b.fail(ctx, actor.BrokerHeartbeatFailure, err)
		return
	}
	defer conn.Abort()

	for {
		var ping schema.Heartbeat
		if err := conn.Receive(ctx, &ping); err != nil {
			if errs.Is(err, errs.CodeMalformed) {
				b.fail(ctx, actor.BrokerHeartbeatFailure, err)
				continue
			}
			return
		}
		req := heartbeatRequest{reply: make(chan schema.Heartbeat, 1)}
		var pong schema.Heartbeat
		select {
		case b.heartbeats <- req:
		case <-ctx.Done():
			return
		}
		select {
		case pong = <-req.reply:
		case <-ctx.Done():
			return
		}
		if err := conn.Send(ctx, pong); err != nil {
			b.fail(ctx, actor.BrokerHeartbeatFailure, err)
			return
		}
	}
}

func (b *Broker) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx, done, ok := b.session(r, telemetry.ChannelSnapshot)
	if !ok {
		http.Error(w, "broker stopping", http.StatusServiceUnavailable)
		return
	}
	defer done()

	conn, err := transport.Accept(w, r, b.codec, b.cfg.ReadLimit)
	if err != nil {
		b.fail(ctx, actor.BrokerSnapshotFailure, err)
		return
	}
	defer conn.Abort()

	for {
		var req schema.StateRequest
		if err := conn.Receive(ctx, &req); err != nil {
			if errs.Is(err, errs.CodeMalformed) {
				b.fail(ctx, actor.BrokerSnapshotFailure, err)
				continue
			}
			return
		}
		pending := snapshotRequest{req: req, reply: make(chan schema.StateReply, 1)}
		var reply schema.StateReply
		select {
		case b.snapshots <- pending:
		case <-ctx.Done():
			return
		}
		select {
		case reply = <-pending.reply:
		case <-ctx.Done():
			return
		}
		if err := conn.Send(ctx, reply); err != nil {
			b.fail(ctx, actor.BrokerSnapshotFailure, err)
			return
		}
	}
}
