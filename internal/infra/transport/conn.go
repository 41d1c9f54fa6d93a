// Package transport carries the fabric's four channels over websockets.
//
// Every channel is a websocket endpoint on the broker exchanging JSON text
// frames: /publish (upstream PublishFrame), /subscribe?subject= (downstream
// EventFrame), /heartbeat (Heartbeat ping/pong) and /snapshot
// (StateRequest/StateReply).
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/coachpo/eventfabric/errs"
	"github.com/coachpo/eventfabric/internal/infra/codec"
)

// Endpoint paths served by the broker.
const (
	PathPublish   = "/publish"
	PathSubscribe = "/subscribe"
	PathHeartbeat = "/heartbeat"
	PathSnapshot  = "/snapshot"

	// SubjectParam carries the subscription prefix.
	SubjectParam = "subject"
)

const (
	// DefaultFrameLimit bounds single event frames.
	DefaultFrameLimit int64 = 1 << 20
	// DefaultSnapshotLimit bounds snapshot replies, which carry whole histories.
	DefaultSnapshotLimit int64 = 256 << 20
)

// Conn is a websocket connection exchanging JSON frames.
type Conn struct {
	ws    *websocket.Conn
	codec *codec.Serializer

	writeMu sync.Mutex
}

func wrap(ws *websocket.Conn, c *codec.Serializer, readLimit int64) *Conn {
	if readLimit <= 0 {
		readLimit = DefaultFrameLimit
	}
	ws.SetReadLimit(readLimit)
	return &Conn{ws: ws, codec: c}
}

// Dial opens a client connection to rawURL. ctx bounds the handshake only.
func Dial(ctx context.Context, rawURL string, c *codec.Serializer, readLimit int64) (*Conn, error) {
	ws, resp, err := websocket.Dial(ctx, rawURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	return wrap(ws, c, readLimit), nil
}

// Accept upgrades an incoming broker request.
func Accept(w http.ResponseWriter, r *http.Request, c *codec.Serializer, readLimit int64) (*Conn, error) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("accept %s: %w", r.URL.Path, err)
	}
	return wrap(ws, c, readLimit), nil
}

// Send encodes v and writes it as one text frame.
func (c *Conn) Send(ctx context.Context, v any) error {
	data, err := c.codec.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return classify("transport/send", ctx, err)
	}
	return nil
}

// Receive reads one frame and decodes it into v. A frame that fails to decode
// yields a malformed error and leaves the connection usable.
func (c *Conn) Receive(ctx context.Context, v any) error {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return classify("transport/receive", ctx, err)
	}
	return c.codec.Unmarshal(data, v)
}

// CloseRead discards incoming frames and returns a context cancelled once the peer goes away.
func (c *Conn) CloseRead(ctx context.Context) context.Context {
	return c.ws.CloseRead(ctx)
}

// Close performs a normal closure.
func (c *Conn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}

// Abort closes the connection without the closing handshake.
func (c *Conn) Abort() error {
	return c.ws.CloseNow()
}

func classify(component string, ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errs.New(component, errs.CodeTimeout, errs.WithMessage("no reply within budget"), errs.WithCause(err))
	}
	if status := websocket.CloseStatus(err); status != -1 {
		return errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("connection closed"),
			errs.WithField("status", strconv.Itoa(int(status))),
			errs.WithCause(err))
	}
	return errs.New(component, errs.CodeUnavailable, errs.WithCause(err))
}

// URL joins a broker endpoint such as "ws://127.0.0.1:7400" with a channel path.
// A non-empty subject is added as the subscription prefix.
func URL(endpoint, path, subject string) string {
	base := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if subject == "" {
		return base + path
	}
	q := url.Values{}
	q.Set(SubjectParam, subject)
	return base + path + "?" + q.Encode()
}

// SubjectFrom extracts the subscription prefix from a subscribe request.
func SubjectFrom(r *http.Request) string {
	return r.URL.Query().Get(SubjectParam)
}
