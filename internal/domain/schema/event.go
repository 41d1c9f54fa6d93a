// Package schema defines the event identity, envelope and wire frame types shared by broker, producers and caches.
package schema

import (
	"strconv"
	"strings"

	"github.com/coachpo/eventfabric/errs"
)

// EventID identifies one appended event. Version is the zero-based position of
// the event within its stream.
type EventID struct {
	StreamID  string `json:"streamId"`
	Version   int64  `json:"version"`
	Subject   string `json:"subject"`
	Timestamp int64  `json:"timestamp"`
}

// EventKey is the comparable identity of an EventID; the timestamp is not part of it.
type EventKey struct {
	Subject  string
	StreamID string
	Version  int64
}

// Key returns the identity used for equality and de-duplication.
func (id EventID) Key() EventKey {
	return EventKey{Subject: id.Subject, StreamID: id.StreamID, Version: id.Version}
}

// Equal reports whether both ids denote the same event.
func (id EventID) Equal(other EventID) bool {
	return id.Key() == other.Key()
}

// ID returns the short "<stream>.<version>" form.
func (id EventID) ID() string {
	return id.StreamID + "." + strconv.FormatInt(id.Version, 10)
}

func (id EventID) String() string {
	return id.ID()
}

// Envelope is a serialized domain event plus the tag needed to decode it.
type Envelope struct {
	Subject string `json:"subject"`
	Payload []byte `json:"payload"`
	TypeTag string `json:"type"`
}

// Validate ensures the envelope can be routed and decoded.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.Subject) == "" {
		return errs.New("schema/envelope", errs.CodeMalformed, errs.WithMessage("subject required"))
	}
	if strings.TrimSpace(e.TypeTag) == "" {
		return errs.New("schema/envelope", errs.CodeMalformed, errs.WithMessage("type tag required"))
	}
	return nil
}

// LogRecord is the unit stored by the event log and returned by every scan.
type LogRecord struct {
	ID       EventID  `json:"eventId"`
	Envelope Envelope `json:"envelope"`
}
