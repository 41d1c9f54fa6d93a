package schema

// HeartbeatType distinguishes heartbeat requests from replies.
type HeartbeatType string

const (
	// HeartbeatPing is sent by producers and caches.
	HeartbeatPing HeartbeatType = "ping"
	// HeartbeatPong is returned by the broker.
	HeartbeatPong HeartbeatType = "pong"
)

// Heartbeat is the frame exchanged on the heartbeat channel.
type Heartbeat struct {
	Type HeartbeatType `json:"type"`
}

var (
	// Ping is the heartbeat request marker.
	Ping = Heartbeat{Type: HeartbeatPing}
	// Pong is the heartbeat reply marker.
	Pong = Heartbeat{Type: HeartbeatPong}
)

// PublishFrame is the upstream frame a producer sends to the broker.
type PublishFrame struct {
	Subject  string   `json:"subject"`
	Envelope Envelope `json:"envelope"`
}

// EventFrame is the downstream frame the broker broadcasts after assigning an id.
type EventFrame struct {
	Subject  string   `json:"subject"`
	ID       EventID  `json:"eventId"`
	Envelope Envelope `json:"envelope"`
}

// Record converts the frame into the log record it was produced from.
func (f EventFrame) Record() LogRecord {
	return LogRecord{ID: f.ID, Envelope: f.Envelope}
}

// StateRequest asks the broker for the full history matching Subject.
type StateRequest struct {
	RequestID string `json:"requestId"`
	Subject   string `json:"subject"`
}

// StateReply carries the ordered history matching the requested subject filter.
type StateReply struct {
	RequestID string      `json:"requestId"`
	Subject   string      `json:"subject"`
	Records   []LogRecord `json:"records"`
}
