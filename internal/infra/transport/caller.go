package transport

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/eventfabric/errs"
	"github.com/coachpo/eventfabric/internal/infra/codec"
)

// Caller performs request/reply round-trips over one lazily dialled connection.
// Calls are serialized; any transport failure drops the connection so the
// next call re-dials.
type Caller struct {
	component string
	url       string
	codec     *codec.Serializer
	readLimit int64

	mu   sync.Mutex
	conn *Conn
}

// NewCaller builds a caller for the endpoint at url.
func NewCaller(component, url string, c *codec.Serializer, readLimit int64) *Caller {
	return &Caller{component: component, url: url, codec: c, readLimit: readLimit}
}

// Call sends req and decodes the reply into resp within timeout. A dial
// failure or missing reply is reported as unreachable; a missing reply also
// carries a timeout cause.
func (c *Caller) Call(ctx context.Context, timeout time.Duration, req, resp any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if c.conn == nil {
		conn, err := Dial(callCtx, c.url, c.codec, c.readLimit)
		if err != nil {
			return errs.Unreachable(c.component, err)
		}
		c.conn = conn
	}
	if err := c.conn.Send(callCtx, req); err != nil {
		c.dropLocked()
		return errs.Unreachable(c.component, err)
	}
	if err := c.conn.Receive(callCtx, resp); err != nil {
		// A malformed reply was still a reply; the frame boundary is intact.
		if errs.Is(err, errs.CodeMalformed) {
			return err
		}
		c.dropLocked()
		return errs.Unreachable(c.component, err)
	}
	return nil
}

// Close drops the connection.
func (c *Caller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
}

func (c *Caller) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Abort()
		c.conn = nil
	}
}
