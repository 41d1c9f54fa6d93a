package transport

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/eventfabric/internal/domain/schema"
	"github.com/coachpo/eventfabric/internal/infra/codec"
)

// Publisher sends fire-and-forget PublishFrames over a lazily dialled connection.
type Publisher struct {
	url          string
	codec        *codec.Serializer
	writeTimeout time.Duration

	mu   sync.Mutex
	conn *Conn
	// gone is cancelled once the broker closes conn.
	gone context.Context
}

// NewPublisher builds a publisher for the broker's publish endpoint.
func NewPublisher(endpoint string, c *codec.Serializer, writeTimeout time.Duration) *Publisher {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Publisher{url: URL(endpoint, PathPublish, ""), codec: c, writeTimeout: writeTimeout}
}

// Publish writes frame. Frames from one Publisher reach the broker in call order.
func (p *Publisher) Publish(ctx context.Context, frame schema.PublishFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()

	if p.conn != nil && p.gone.Err() != nil {
		_ = p.conn.Abort()
		p.conn = nil
	}
	if p.conn == nil {
		conn, err := Dial(ctx, p.url, p.codec, 0)
		if err != nil {
			return err
		}
		p.conn = conn
		p.gone = conn.CloseRead(context.Background())
	}
	if err := p.conn.Send(ctx, frame); err != nil {
		_ = p.conn.Abort()
		p.conn = nil
		return err
	}
	return nil
}

// Close performs a normal closure of the current connection, if any.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close("")
	p.conn = nil
	return err
}
