// Package broker assigns event ids through the event log and rebroadcasts
// sequenced events to subscribers, answering heartbeats and snapshot requests.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/eventfabric/internal/app/actor"
	"github.com/coachpo/eventfabric/internal/domain/schema"
	"github.com/coachpo/eventfabric/internal/infra/bus/eventbus"
	"github.com/coachpo/eventfabric/internal/infra/codec"
	"github.com/coachpo/eventfabric/internal/infra/eventlog"
	"github.com/coachpo/eventfabric/internal/infra/telemetry"
)

const component = "broker"

// Config configures a Broker.
type Config struct {
	// Addr is the listen address; ":0" picks a free port.
	Addr string
	// HighWatermark bounds the inbound publish queue and every subscriber buffer.
	HighWatermark   int
	SnapshotWorkers int
	WriteTimeout    time.Duration
	ReadLimit       int64
}

func (c Config) normalize() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:7400"
	}
	if c.HighWatermark <= 0 {
		c.HighWatermark = 1000
	}
	if c.SnapshotWorkers <= 0 {
		c.SnapshotWorkers = 4
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

type heartbeatRequest struct {
	reply chan schema.Heartbeat
}

type snapshotRequest struct {
	req   schema.StateRequest
	reply chan schema.StateReply
}

// Broker is the only party that assigns event ids.
type Broker struct {
	cfg    Config
	log    eventlog.Log
	bus    *eventbus.MemoryBus
	codec  *codec.Serializer
	logger *log.Logger
	errors *actor.ErrorLog
	life   *actor.Lifecycle

	inbound    chan schema.PublishFrame
	heartbeats chan heartbeatRequest
	snapshots  chan snapshotRequest

	workers  *actor.Workers
	server   *http.Server
	listener net.Listener

	connMu   sync.Mutex
	conns    sync.WaitGroup
	stopping bool

	appendedCounter  metric.Int64Counter
	failureCounter   metric.Int64Counter
	publishDuration  metric.Float64Histogram
	snapshotDuration metric.Float64Histogram
	snapshotRecords  metric.Int64Histogram
	connectionsGauge metric.Int64UpDownCounter
}

// New builds a broker over store. The broker does not own store; it survives Destroy.
func New(cfg Config, store eventlog.Log, c *codec.Serializer, logger *log.Logger) *Broker {
	cfg = cfg.normalize()
	if logger == nil {
		logger = log.Default()
	}
	b := &Broker{
		cfg:        cfg,
		log:        store,
		bus:        eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: cfg.HighWatermark}),
		codec:      c,
		logger:     logger,
		errors:     actor.NewErrorLog(logger),
		life:       actor.NewLifecycle(component, logger),
		inbound:    make(chan schema.PublishFrame, cfg.HighWatermark),
		heartbeats: make(chan heartbeatRequest),
		snapshots:  make(chan snapshotRequest),
	}

	meter := otel.Meter("broker")
	b.appendedCounter, _ = meter.Int64Counter("broker.events.appended",
		metric.WithDescription("Events appended to the log and rebroadcast"),
		metric.WithUnit("{event}"))
	b.failureCounter, _ = meter.Int64Counter("broker.failures",
		metric.WithDescription("Recorded non-fatal broker failures"),
		metric.WithUnit("{error}"))
	b.publishDuration, _ = meter.Float64Histogram("broker.publish.duration",
		metric.WithDescription("Append plus rebroadcast latency"),
		metric.WithUnit("ms"))
	b.snapshotDuration, _ = meter.Float64Histogram("broker.snapshot.duration",
		metric.WithDescription("Snapshot scan latency"),
		metric.WithUnit("ms"))
	b.snapshotRecords, _ = meter.Int64Histogram("broker.snapshot.records",
		metric.WithDescription("Records returned per snapshot"),
		metric.WithUnit("{event}"))
	b.connectionsGauge, _ = meter.Int64UpDownCounter("broker.connections",
		metric.WithDescription("Open websocket connections per channel"),
		metric.WithUnit("{connection}"))

	return b
}

// ID returns the broker's actor identity.
func (b *Broker) ID() string { return b.life.ID().String() }

// State returns the lifecycle state.
func (b *Broker) State() actor.State { return b.life.State() }

// Errors exposes the broker's failure log.
func (b *Broker) Errors() *actor.ErrorLog { return b.errors }

// Addr returns the bound listen address once running, else the configured one.
func (b *Broker) Addr() string {
	if b.listener != nil {
		return b.listener.Addr().String()
	}
	return b.cfg.Addr
}

// Endpoint returns the websocket base URL clients dial.
func (b *Broker) Endpoint() string { return "ws://" + b.Addr() }

// Run binds the listener and starts the relay, responder and server workers.
func (b *Broker) Run(ctx context.Context) error {
	return b.life.Run(func() error {
		ln, err := net.Listen("tcp", b.cfg.Addr)
		if err != nil {
			return fmt.Errorf("broker listen %s: %w", b.cfg.Addr, err)
		}
		b.listener = ln
		b.workers = actor.NewWorkers(ctx)
		b.server = &http.Server{
			Handler:           b.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		b.workers.Go(b.relay)
		b.workers.Go(b.heartbeatResponder)
		for i := 0; i < b.cfg.SnapshotWorkers; i++ {
			b.workers.Go(b.snapshotResponder)
		}
		b.workers.Go(func(context.Context) {
			if err := b.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.logger.Printf("server stopped err=%v", err)
			}
		})
		b.logger.Printf("listening addr=%s hwm=%d", ln.Addr(), b.cfg.HighWatermark)
		return nil
	})
}

// Destroy stops accepting connections, closes live ones and waits for every worker.
func (b *Broker) Destroy() error {
	return b.life.Destroy(func() error {
		if b.server == nil {
			b.bus.Close()
			return nil
		}
		b.connMu.Lock()
		b.stopping = true
		b.connMu.Unlock()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := b.server.Shutdown(shutdownCtx)

		// Hijacked websocket connections are not tracked by Shutdown.
		b.workers.Stop()
		b.bus.Close()
		b.conns.Wait()
		return err
	})
}

// relay drains the inbound queue: append, then rebroadcast. A single relay keeps
// the broadcast in append order.
func (b *Broker) relay(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-b.inbound:
			b.process(ctx, frame)
		}
	}
}

func (b *Broker) process(ctx context.Context, frame schema.PublishFrame) {
	start := time.Now()
	subj := frame.Subject
	if subj == "" {
		subj = frame.Envelope.Subject
	}
	if err := frame.Envelope.Validate(); err != nil {
		b.fail(ctx, actor.BrokerEventProcessingFailure, err)
		return
	}
	id, err := b.log.Append(subj, frame.Envelope)
	if err != nil {
		b.fail(ctx, actor.BrokerEventProcessingFailure, err)
		return
	}
	if err := b.bus.Publish(ctx, schema.EventFrame{Subject: subj, ID: id, Envelope: frame.Envelope}); err != nil {
		b.fail(ctx, actor.BrokerEventProcessingFailure, err)
		return
	}
	attrs := telemetry.EventAttributes(telemetry.Environment(), frame.Envelope.TypeTag, id.StreamID)
	b.appendedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	b.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attrs...))
}

func (b *Broker) heartbeatResponder(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-b.heartbeats:
			req.reply <- schema.Pong
		}
	}
}

func (b *Broker) snapshotResponder(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-b.snapshots:
			start := time.Now()
			records := b.log.ScanBySubject(req.req.Subject)
			req.reply <- schema.StateReply{RequestID: req.req.RequestID, Subject: req.req.Subject, Records: records}
			b.snapshotDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000,
				metric.WithAttributes(telemetry.ChannelAttributes(telemetry.Environment(), telemetry.ChannelSnapshot)...))
			b.snapshotRecords.Record(ctx, int64(len(records)),
				metric.WithAttributes(telemetry.ChannelAttributes(telemetry.Environment(), telemetry.ChannelSnapshot)...))
		}
	}
}

func (b *Broker) fail(ctx context.Context, kind actor.FailureKind, err error) {
	b.errors.Record(kind, err)
	b.failureCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.ErrorAttributes(telemetry.Environment(), component, string(kind))...))
}
