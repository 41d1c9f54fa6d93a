// Package subject derives hierarchical routing subjects from events.
//
// A subject is "<streamId>.<token>..." where each token comes from one of the
// event's routing fields, in declared order. The same string is the broadcast
// topic and, as a prefix, the snapshot filter.
package subject

import (
	"fmt"
	"strings"
)

const (
	// Separator joins subject tokens.
	Separator = "."
	// Wildcard stands in for an absent routing field.
	Wildcard = "*"
)

// Routable is implemented by events that carry routing fields.
type Routable interface {
	StreamID() string
	// RoutingFields returns the routing field values in position order.
	// A nil or empty value is rendered as the wildcard.
	RoutingFields() []any
}

// Of computes the subject of r.
func Of(r Routable) string {
	fields := r.RoutingFields()
	tokens := make([]string, 0, len(fields)+1)
	tokens = append(tokens, r.StreamID())
	for _, f := range fields {
		tokens = append(tokens, token(f))
	}
	return strings.Join(tokens, Separator)
}

// token renders one routing field. Absent values (nil, nil pointers) map to
// Wildcard, and so do empty strings and empty Stringer output: a field that
// carries no text is routed as absent rather than producing an empty token
// such as "EUR/USD..FxConnect".
func token(v any) string {
	switch typed := v.(type) {
	case nil:
		return Wildcard
	case string:
		if typed == "" {
			return Wildcard
		}
		return typed
	case *string:
		if typed == nil || *typed == "" {
			return Wildcard
		}
		return *typed
	case fmt.Stringer:
		s := typed.String()
		if s == "" {
			return Wildcard
		}
		return s
	default:
		return fmt.Sprint(typed)
	}
}

// StreamOf returns the stream id a subject belongs to: its first token.
func StreamOf(subject string) string {
	if idx := strings.Index(subject, Separator); idx >= 0 {
		return subject[:idx]
	}
	return subject
}

// Matches reports whether subject passes filter. The empty filter matches everything.
func Matches(subject, filter string) bool {
	return strings.HasPrefix(subject, filter)
}

// Bounded reports whether filter pins a single stream, i.e. it contains a full stream id.
func Bounded(filter string) bool {
	return strings.Contains(filter, Separator)
}
