package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/eventfabric/errs"
	"github.com/coachpo/eventfabric/internal/domain/schema"
	"github.com/coachpo/eventfabric/internal/infra/codec"
)

const defaultMaxReconnectInterval = 5 * time.Second

// SubscriberConfig configures a live-feed subscription.
type SubscriberConfig struct {
	Endpoint string
	// Subject is the prefix filter; empty receives everything.
	Subject string
	// InitialInterval and MaxInterval bound the re-dial backoff.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	ReadLimit       int64

	// OnConnect runs after each successful handshake, before any frame of
	// that session is delivered. session counts from 1.
	OnConnect func(session int)
	// OnDisconnect runs when a session ends, with the error that ended it.
	OnDisconnect func(session int, err error)
	// OnFrame receives frames in broker order.
	OnFrame func(schema.EventFrame)
	// OnError receives dial, session and malformed-frame failures.
	OnError func(error)
}

// Subscriber keeps one live-feed session alive, re-dialling with backoff.
type Subscriber struct {
	cfg   SubscriberConfig
	codec *codec.Serializer
	url   string
}

// NewSubscriber builds a subscriber. Run starts it.
func NewSubscriber(cfg SubscriberConfig, c *codec.Serializer) *Subscriber {
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = defaultMaxReconnectInterval
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultFrameLimit
	}
	return &Subscriber{cfg: cfg, codec: c, url: URL(cfg.Endpoint, PathSubscribe, cfg.Subject)}
}

// Run maintains the session until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = s.cfg.MaxInterval
	if s.cfg.InitialInterval > 0 {
		backoffCfg.InitialInterval = s.cfg.InitialInterval
	}

	session := 0
	for {
		if ctx.Err() != nil {
			return context.Canceled
		}

		conn, err := Dial(ctx, s.url, s.codec, s.cfg.ReadLimit)
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			s.report(errs.Unreachable("transport/subscribe", err))
			if !s.sleep(ctx, backoffCfg) {
				return context.Canceled
			}
			continue
		}

		session++
		backoffCfg.Reset()
		if s.cfg.OnConnect != nil {
			s.cfg.OnConnect(session)
		}

		err = s.readLoop(ctx, conn)
		_ = conn.Abort()
		if s.cfg.OnDisconnect != nil {
			s.cfg.OnDisconnect(session, err)
		}
		if ctx.Err() != nil {
			return context.Canceled
		}
		if err != nil {
			s.report(fmt.Errorf("subscription session %d: %w", session, err))
		}
		if !s.sleep(ctx, backoffCfg) {
			return context.Canceled
		}
	}
}

func (s *Subscriber) readLoop(ctx context.Context, conn *Conn) error {
	for {
		var frame schema.EventFrame
		if err := conn.Receive(ctx, &frame); err != nil {
			if errs.Is(err, errs.CodeMalformed) {
				s.report(err)
				continue
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if s.cfg.OnFrame != nil {
			s.cfg.OnFrame(frame)
		}
	}
}

func (s *Subscriber) sleep(ctx context.Context, b *backoff.ExponentialBackOff) bool {
	wait := b.NextBackOff()
	if wait == backoff.Stop {
		wait = s.cfg.MaxInterval
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Subscriber) report(err error) {
	if s.cfg.OnError != nil && err != nil {
		s.cfg.OnError(err)
	}
}
