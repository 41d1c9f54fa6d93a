package actor

import (
	"context"
	"log"
	"time"

	"github.com/coachpo/eventfabric/errs"
	"github.com/coachpo/eventfabric/internal/domain/schema"
	"github.com/coachpo/eventfabric/internal/infra/transport"
)

// ConnectionState is the heartbeat-derived view of broker connectivity.
type ConnectionState int

const (
	NotConnected ConnectionState = iota
	Connected
	Disconnected
	// Reconnected is only used by monitors tracking recovery; it marks the
	// first successful heartbeat after a disconnection.
	Reconnected
)

func (s ConnectionState) String() string {
	switch s {
	case NotConnected:
		return "NotConnected"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case Reconnected:
		return "Reconnected"
	default:
		return "Unknown"
	}
}

// Online reports whether the broker answered the latest heartbeat.
func (s ConnectionState) Online() bool {
	return s == Connected || s == Reconnected
}

// NextState applies one heartbeat outcome. With trackRecovery, a success after
// a disconnection passes through Reconnected before returning to Connected.
func NextState(current ConnectionState, ok, trackRecovery bool) ConnectionState {
	if ok {
		switch current {
		case NotConnected, Reconnected:
			return Connected
		case Disconnected:
			if trackRecovery {
				return Reconnected
			}
			return Connected
		}
		return current
	}
	if current == Connected || current == Reconnected {
		return Disconnected
	}
	return current
}

// Pinger performs one heartbeat round-trip.
type Pinger func(ctx context.Context) error

// HeartbeatPinger pings the broker through caller, bounding each round-trip by timeout.
func HeartbeatPinger(caller *transport.Caller, timeout time.Duration) Pinger {
	return func(ctx context.Context) error {
		var reply schema.Heartbeat
		if err := caller.Call(ctx, timeout, schema.Ping, &reply); err != nil {
			return err
		}
		if reply.Type != schema.HeartbeatPong {
			return errs.New("heartbeat", errs.CodeMalformed, errs.WithField("reply", string(reply.Type)))
		}
		return nil
	}
}

// HeartbeatConfig configures a HeartbeatMonitor.
type HeartbeatConfig struct {
	Interval time.Duration
	// TrackRecovery enables the Reconnected state.
	TrackRecovery bool
}

// HeartbeatMonitor drives a ConnectionState from periodic pings. It is the
// only writer of its state.
type HeartbeatMonitor struct {
	cfg    HeartbeatConfig
	ping   Pinger
	state  *Value[ConnectionState]
	logger *log.Logger

	// OnChange, when set before Run, observes every transition on the monitor goroutine.
	OnChange func(prev, next ConnectionState)
}

// NewHeartbeatMonitor returns a monitor in NotConnected.
func NewHeartbeatMonitor(cfg HeartbeatConfig, ping Pinger, logger *log.Logger) *HeartbeatMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &HeartbeatMonitor{cfg: cfg, ping: ping, state: NewValue(NotConnected), logger: logger}
}

// State exposes the observable connection state.
func (m *HeartbeatMonitor) State() *Value[ConnectionState] { return m.state }

// Run pings immediately and then every interval until ctx is cancelled.
func (m *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		m.Beat(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Beat performs one heartbeat and applies the outcome.
func (m *HeartbeatMonitor) Beat(ctx context.Context) {
	err := m.ping(ctx)
	if ctx.Err() != nil {
		return
	}
	prev, next, changed := m.state.Update(func(cur ConnectionState) ConnectionState {
		return NextState(cur, err == nil, m.cfg.TrackRecovery)
	})
	if !changed {
		return
	}
	if err != nil {
		m.logger.Printf("connection state=%s prev=%s err=%v", next, prev, err)
	} else {
		m.logger.Printf("connection state=%s prev=%s", next, prev)
	}
	if m.OnChange != nil {
		m.OnChange(prev, next)
	}
}

// WaitOnline blocks until the state is Connected or Reconnected, polling every step.
func WaitOnline(ctx context.Context, state *Value[ConnectionState], step time.Duration) error {
	if step <= 0 {
		step = 100 * time.Millisecond
	}
	ticker := time.NewTicker(step)
	defer ticker.Stop()
	for {
		if state.Get().Online() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
