// Package eventbus defines the broker-side broadcast of sequenced events to subject-prefix subscribers.
package eventbus

import (
	"context"

	"github.com/coachpo/eventfabric/internal/domain/schema"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus delivers sequenced event frames to subscribers whose prefix matches the frame subject.
type Bus interface {
	Publish(ctx context.Context, frame schema.EventFrame) error
	// Subscribe registers a prefix filter. The empty prefix receives everything.
	// The channel is closed on Unsubscribe, Close, ctx cancellation or eviction.
	Subscribe(ctx context.Context, prefix string) (SubscriptionID, <-chan schema.EventFrame, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	// BufferSize is the per-subscriber high watermark. A subscriber that falls
	// this far behind is evicted and must reconnect and catch up.
	BufferSize    int
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}
