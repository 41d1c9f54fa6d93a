package eventlog

import (
	"sync"
	"time"

	"github.com/coachpo/eventfabric/internal/domain/schema"
)

// Assigner hands out the next EventID for a stream.
type Assigner interface {
	Next(streamID, subject string) schema.EventID
	Reset()
}

// MemoryAssigner keeps one counter per stream. Versions start at 0.
type MemoryAssigner struct {
	mu       sync.Mutex
	versions map[string]int64
	now      func() time.Time
}

// NewMemoryAssigner returns an assigner with no streams.
func NewMemoryAssigner() *MemoryAssigner {
	return &MemoryAssigner{versions: make(map[string]int64), now: time.Now}
}

// Next returns the id for the next event of streamID.
func (a *MemoryAssigner) Next(streamID, subject string) schema.EventID {
	a.mu.Lock()
	version, seen := a.versions[streamID]
	if seen {
		version++
	}
	a.versions[streamID] = version
	a.mu.Unlock()

	return schema.EventID{
		StreamID:  streamID,
		Version:   version,
		Subject:   subject,
		Timestamp: a.now().UTC().UnixNano(),
	}
}

// Reset forgets every stream.
func (a *MemoryAssigner) Reset() {
	a.mu.Lock()
	a.versions = make(map[string]int64)
	a.mu.Unlock()
}
