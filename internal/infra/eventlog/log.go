// Package eventlog provides the append-only per-stream event log the broker assigns ids through.
package eventlog

import (
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/eventfabric/errs"
	"github.com/coachpo/eventfabric/internal/domain/schema"
	"github.com/coachpo/eventfabric/internal/domain/subject"
)

// Log is an append-only store of events keyed by stream.
type Log interface {
	// Append assigns the next id of the subject's stream and stores the record.
	Append(subject string, env schema.Envelope) (schema.EventID, error)
	// ScanAll returns every record, grouped by stream and ordered by version.
	ScanAll() []schema.LogRecord
	// ScanStream returns the records of one stream ordered by version.
	ScanStream(streamID string) []schema.LogRecord
	// ScanBySubject returns records whose own subject starts with prefix.
	// The empty prefix is equivalent to ScanAll.
	ScanBySubject(prefix string) []schema.LogRecord
	Clear()
}

type stream struct {
	mu      sync.Mutex
	records []schema.LogRecord
}

func (s *stream) snapshot(filter string) []schema.LogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.LogRecord, 0, len(s.records))
	for _, rec := range s.records {
		if filter == "" || subject.Matches(rec.ID.Subject, filter) {
			out = append(out, rec)
		}
	}
	return out
}

// MemoryLog is the in-process Log. Appends to different streams proceed in
// parallel; id assignment and insert are one step under the stream lock.
type MemoryLog struct {
	mu       sync.RWMutex
	streams  map[string]*stream
	assigner Assigner
}

// NewMemoryLog builds a log. A nil assigner uses a fresh MemoryAssigner.
func NewMemoryLog(assigner Assigner) *MemoryLog {
	if assigner == nil {
		assigner = NewMemoryAssigner()
	}
	return &MemoryLog{streams: make(map[string]*stream), assigner: assigner}
}

// Append implements Log.
func (l *MemoryLog) Append(subj string, env schema.Envelope) (schema.EventID, error) {
	if strings.TrimSpace(subj) == "" {
		return schema.EventID{}, errs.New("eventlog/append", errs.CodeInvalid, errs.WithMessage("subject required"))
	}
	streamID := subject.StreamOf(subj)

	for {
		// The read lock is held across the insert so Clear cannot interleave with it.
		l.mu.RLock()
		if st, ok := l.streams[streamID]; ok {
			st.mu.Lock()
			id := l.assigner.Next(streamID, subj)
			st.records = append(st.records, schema.LogRecord{ID: id, Envelope: env})
			st.mu.Unlock()
			l.mu.RUnlock()
			return id, nil
		}
		l.mu.RUnlock()

		l.mu.Lock()
		if _, ok := l.streams[streamID]; !ok {
			l.streams[streamID] = &stream{}
		}
		l.mu.Unlock()
	}
}

// ScanAll implements Log.
func (l *MemoryLog) ScanAll() []schema.LogRecord {
	return l.ScanBySubject("")
}

// ScanStream implements Log.
func (l *MemoryLog) ScanStream(streamID string) []schema.LogRecord {
	l.mu.RLock()
	st, ok := l.streams[streamID]
	l.mu.RUnlock()
	if !ok {
		return nil
	}
	return st.snapshot("")
}

// ScanBySubject implements Log. A filter naming a full stream id reads that
// stream only; a shorter filter scans every stream whose id shares the prefix.
func (l *MemoryLog) ScanBySubject(prefix string) []schema.LogRecord {
	if subject.Bounded(prefix) {
		l.mu.RLock()
		st, ok := l.streams[subject.StreamOf(prefix)]
		l.mu.RUnlock()
		if !ok {
			return nil
		}
		return st.snapshot(prefix)
	}

	l.mu.RLock()
	ids := make([]string, 0, len(l.streams))
	selected := make(map[string]*stream, len(l.streams))
	for id, st := range l.streams {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
			selected[id] = st
		}
	}
	l.mu.RUnlock()
	sort.Strings(ids)

	var out []schema.LogRecord
	for _, id := range ids {
		out = append(out, selected[id].snapshot(prefix)...)
	}
	return out
}

// Clear drops every stream and resets the assigner.
func (l *MemoryLog) Clear() {
	l.mu.Lock()
	l.streams = make(map[string]*stream)
	l.assigner.Reset()
	l.mu.Unlock()
}

// Streams returns the number of streams held.
func (l *MemoryLog) Streams() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.streams)
}

var _ Log = (*MemoryLog)(nil)
