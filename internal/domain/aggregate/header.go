package aggregate

import "github.com/coachpo/eventfabric/internal/domain/schema"

// Header implements the Event metadata methods. Concrete events embed it and
// add their own fields plus EventType and ApplyTo.
type Header struct {
	Stream string `json:"eventStreamId"`
	Subj   string `json:"subject,omitempty"`
	Ver    int64  `json:"version"`
}

// NewHeader returns a header for streamID with no version assigned.
func NewHeader(streamID string) Header {
	return Header{Stream: streamID, Ver: -1}
}

// StreamID returns the id of the aggregate the event belongs to.
func (h *Header) StreamID() string { return h.Stream }

// Subject returns the routing subject, empty until stamped.
func (h *Header) Subject() string { return h.Subj }

// Version returns the broker-assigned version, -1 until stamped.
func (h *Header) Version() int64 { return h.Ver }

// SetSubject stamps the routing subject.
func (h *Header) SetSubject(subject string) { h.Subj = subject }

// Stamp copies the broker-assigned version and subject.
func (h *Header) Stamp(id schema.EventID) {
	h.Ver = id.Version
	if id.Subject != "" {
		h.Subj = id.Subject
	}
	if h.Stream == "" {
		h.Stream = id.StreamID
	}
}

// ID returns the "<stream>.<version>" form of the event.
func (h *Header) ID() string {
	return schema.EventID{StreamID: h.Stream, Version: h.Ver}.ID()
}
