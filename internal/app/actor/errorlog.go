package actor

import (
	"log"
	"sync"
	"time"
)

// FailureKind classifies recorded failures.
type FailureKind string

const (
	SnapshotFailure              FailureKind = "SnapshotFailure"
	EventHandlingFailure         FailureKind = "EventHandlingFailure"
	BrokerEventProcessingFailure FailureKind = "BrokerEventProcessingFailure"
	BrokerSnapshotFailure        FailureKind = "BrokerSnapshotFailure"
	BrokerHeartbeatFailure       FailureKind = "BrokerHeartbeatFailure"
	PublishFailure               FailureKind = "PublishFailure"
)

// Failure is one non-fatal error a component recorded and survived.
type Failure struct {
	Kind FailureKind
	Err  error
	At   time.Time
}

// ErrorLog is an append-only, observable list of failures.
type ErrorLog struct {
	logger *log.Logger

	mu      sync.Mutex
	entries []Failure
	subs    map[chan Failure]struct{}
}

// NewErrorLog returns an empty log. Every recorded failure is also written to logger.
func NewErrorLog(logger *log.Logger) *ErrorLog {
	if logger == nil {
		logger = log.Default()
	}
	return &ErrorLog{logger: logger, subs: make(map[chan Failure]struct{})}
}

// Record appends a failure. A nil err is ignored.
func (l *ErrorLog) Record(kind FailureKind, err error) {
	if err == nil {
		return
	}
	f := Failure{Kind: kind, Err: err, At: time.Now().UTC()}
	l.logger.Printf("failure kind=%s err=%v", kind, err)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, f)
	for ch := range l.subs {
		offer(ch, f)
	}
}

// Entries returns a copy of every failure recorded so far.
func (l *ErrorLog) Entries() []Failure {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Failure, len(l.entries))
	copy(out, l.entries)
	return out
}

// Count returns the number of failures of kind.
func (l *ErrorLog) Count(kind FailureKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, f := range l.entries {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

// Subscribe streams failures recorded from now on. cancel closes the channel.
func (l *ErrorLog) Subscribe(buffer int) (<-chan Failure, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Failure, buffer)
	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, ch)
			close(ch)
			l.mu.Unlock()
		})
	}
}
