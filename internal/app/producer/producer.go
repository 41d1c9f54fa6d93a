// Package producer publishes routed domain events to the broker, guarded by heartbeat connectivity.
package producer

import (
	"context"
	"log"
	"time"

	"github.com/coachpo/eventfabric/errs"
	"github.com/coachpo/eventfabric/internal/app/actor"
	"github.com/coachpo/eventfabric/internal/domain/aggregate"
	"github.com/coachpo/eventfabric/internal/domain/schema"
	"github.com/coachpo/eventfabric/internal/domain/subject"
	"github.com/coachpo/eventfabric/internal/infra/codec"
	"github.com/coachpo/eventfabric/internal/infra/transport"
)

const component = "producer"

// Event is a domain event that declares its routing fields.
type Event interface {
	aggregate.Event
	subject.Routable
}

// Config configures a Producer.
type Config struct {
	// Endpoint is the broker base URL, e.g. "ws://127.0.0.1:7400".
	Endpoint          string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
}

func (c Config) normalize() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// Producer publishes events while the broker answers heartbeats.
type Producer struct {
	cfg    Config
	codec  *codec.Serializer
	logger *log.Logger
	life   *actor.Lifecycle
	errors *actor.ErrorLog

	publisher *transport.Publisher
	heartbeat *transport.Caller
	monitor   *actor.HeartbeatMonitor
	workers   *actor.Workers
}

// New builds a producer. Run starts its heartbeat.
func New(cfg Config, c *codec.Serializer, logger *log.Logger) *Producer {
	cfg = cfg.normalize()
	if logger == nil {
		logger = log.Default()
	}
	p := &Producer{
		cfg:       cfg,
		codec:     c,
		logger:    logger,
		life:      actor.NewLifecycle(component, logger),
		errors:    actor.NewErrorLog(logger),
		publisher: transport.NewPublisher(cfg.Endpoint, c, cfg.WriteTimeout),
		heartbeat: transport.NewCaller(component+"/heartbeat", transport.URL(cfg.Endpoint, transport.PathHeartbeat, ""), c, 0),
	}
	p.monitor = actor.NewHeartbeatMonitor(
		actor.HeartbeatConfig{Interval: cfg.HeartbeatInterval},
		actor.HeartbeatPinger(p.heartbeat, cfg.HeartbeatTimeout),
		logger,
	)
	return p
}

// ID returns the producer's actor identity.
func (p *Producer) ID() string { return p.life.ID().String() }

// Errors exposes the producer's failure log.
func (p *Producer) Errors() *actor.ErrorLog { return p.errors }

// ConnectionState returns the observable connectivity state.
func (p *Producer) ConnectionState() *actor.Value[actor.ConnectionState] { return p.monitor.State() }

// Run starts the heartbeat worker.
func (p *Producer) Run(ctx context.Context) error {
	return p.life.Run(func() error {
		p.workers = actor.NewWorkers(ctx)
		p.workers.Go(p.monitor.Run)
		return nil
	})
}

// Destroy stops the heartbeat and closes the broker connections.
func (p *Producer) Destroy() error {
	return p.life.Destroy(func() error {
		if p.workers != nil {
			p.workers.Stop()
		}
		p.heartbeat.Close()
		return p.publisher.Close()
	})
}

// WaitUntilConnected blocks until the broker has answered a heartbeat.
func (p *Producer) WaitUntilConnected(ctx context.Context) error {
	return actor.WaitOnline(ctx, p.monitor.State(), 10*time.Millisecond)
}

// Publish stamps the event's subject, serializes it and sends it to the broker.
// It fails with an invalid operation when the producer is not Connected.
func (p *Producer) Publish(ctx context.Context, e Event) error {
	if p.monitor.State().Get() != actor.Connected {
		return errs.InvalidOperation(component, "publisher is not connected")
	}
	e.SetSubject(subject.Of(e))
	env, err := p.codec.Encode(e)
	if err != nil {
		p.errors.Record(actor.PublishFailure, err)
		return err
	}
	if err := p.publisher.Publish(ctx, schema.PublishFrame{Subject: env.Subject, Envelope: env}); err != nil {
		p.errors.Record(actor.PublishFailure, err)
		return err
	}
	return nil
}
