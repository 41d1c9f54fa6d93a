// Package aggregate provides the event-sourced aggregate model events are applied against.
package aggregate

import "github.com/coachpo/eventfabric/internal/domain/schema"

// Event is the metadata every domain event carries.
type Event interface {
	StreamID() string
	Subject() string
	Version() int64
	// EventType is the type tag the serializer uses to decode the payload.
	EventType() string
	// SetSubject stamps the routing subject before transmission.
	SetSubject(subject string)
	// Stamp assigns the broker-issued identity after receipt.
	Stamp(id schema.EventID)
}

// Applier is an event that knows how to mutate aggregates of type A.
type Applier[A any] interface {
	Event
	ApplyTo(aggregate A)
}

// Root is implemented by aggregates through an embedded Base.
type Root interface {
	ID() string
	Version() int64
	AppliedEvents() []Event
	Init(id string, keepHistory bool)
	Record(e Event)
}

// Apply runs the event's mutation against a, then records it on the aggregate.
func Apply[A Root](a A, e Applier[A]) {
	e.ApplyTo(a)
	a.Record(e)
}

// Base carries identity, version and optional history. Embed it by value.
type Base struct {
	id          string
	version     int64
	keepHistory bool
	applied     []Event
}

// Init sets the aggregate id and resets its version to -1.
func (b *Base) Init(id string, keepHistory bool) {
	b.id = id
	b.version = -1
	b.keepHistory = keepHistory
	b.applied = nil
}

// ID returns the aggregate id, equal to the stream id of its events.
func (b *Base) ID() string { return b.id }

// Version is the number of applied events minus one.
func (b *Base) Version() int64 { return b.version }

// AppliedEvents returns the retained history, oldest first. Empty unless history is kept.
func (b *Base) AppliedEvents() []Event {
	out := make([]Event, len(b.applied))
	copy(out, b.applied)
	return out
}

// Record increments the version and retains e when history is kept.
func (b *Base) Record(e Event) {
	b.version++
	if b.keepHistory {
		b.applied = append(b.applied, e)
	}
}
