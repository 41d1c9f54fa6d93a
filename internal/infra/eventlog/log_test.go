package eventlog

import (
	"fmt"
	"sync"
	"testing"

	"github.com/coachpo/eventfabric/errs"
	"github.com/coachpo/eventfabric/internal/domain/schema"
)

func env(subject string) schema.Envelope {
	return schema.Envelope{Subject: subject, TypeTag: "test", Payload: []byte(`{}`)}
}

func mustAppend(t *testing.T, l *MemoryLog, subject string) schema.EventID {
	t.Helper()
	id, err := l.Append(subject, env(subject))
	if err != nil {
		t.Fatalf("append %s: %v", subject, err)
	}
	return id
}

func TestAppendAssignsContiguousVersions(t *testing.T) {
	l := NewMemoryLog(nil)
	for i := 0; i < 5; i++ {
		id := mustAppend(t, l, "EUR/USD.FxConnect")
		if id.Version != int64(i) || id.StreamID != "EUR/USD" {
			t.Fatalf("unexpected id %+v at step %d", id, i)
		}
	}
	first := mustAppend(t, l, "EUR/GBP.Harmony")
	if first.Version != 0 {
		t.Fatalf("a new stream starts at 0, got %d", first.Version)
	}
}

func TestAppendRejectsEmptySubject(t *testing.T) {
	l := NewMemoryLog(nil)
	if _, err := l.Append(" ", env("")); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestConcurrentAppendsKeepVersionsContiguous(t *testing.T) {
	l := NewMemoryLog(nil)
	streams := []string{"A.x", "B.x", "C.x"}
	const perWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := l.Append(streams[i%len(streams)], env("x")); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	total := 0
	for _, s := range []string{"A", "B", "C"} {
		records := l.ScanStream(s)
		for i, rec := range records {
			if rec.ID.Version != int64(i) {
				t.Fatalf("stream %s: record %d has version %d", s, i, rec.ID.Version)
			}
		}
		total += len(records)
	}
	if total != 8*perWorker {
		t.Fatalf("expected %d records, got %d", 8*perWorker, total)
	}
}

func TestScanBySubjectFiltersOnEventSubject(t *testing.T) {
	l := NewMemoryLog(nil)
	mustAppend(t, l, "EUR/USD.FxConnect")
	mustAppend(t, l, "EUR/USD.Harmony")
	mustAppend(t, l, "EUR/USD.FxConnect")
	mustAppend(t, l, "EUR/GBP.FxConnect")

	cases := []struct {
		prefix string
		want   int
	}{
		{"EUR/USD.FxConnect", 2},
		{"EUR/USD.Harmony", 1},
		{"EUR/USD", 3},
		{"EUR", 4},
		{"", 4},
		{"GBP/JPY", 0},
		{"GBP/JPY.FxConnect", 0},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("prefix=%q", tc.prefix), func(t *testing.T) {
			got := l.ScanBySubject(tc.prefix)
			if len(got) != tc.want {
				t.Fatalf("expected %d records, got %d", tc.want, len(got))
			}
		})
	}

	fx := l.ScanBySubject("EUR/USD.FxConnect")
	if fx[0].ID.Version != 0 || fx[1].ID.Version != 2 {
		t.Fatalf("records must stay in version order: %+v", fx)
	}
}

func TestScanAllGroupsStreamsInOrder(t *testing.T) {
	l := NewMemoryLog(nil)
	mustAppend(t, l, "B.x")
	mustAppend(t, l, "A.x")
	mustAppend(t, l, "B.x")

	all := l.ScanAll()
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	if all[0].ID.StreamID != "A" || all[1].ID.StreamID != "B" || all[2].ID.Version != 1 {
		t.Fatalf("unexpected order %+v", all)
	}
}

func TestClearResetsAssigner(t *testing.T) {
	l := NewMemoryLog(nil)
	mustAppend(t, l, "A.x")
	mustAppend(t, l, "A.x")
	l.Clear()

	if got := len(l.ScanAll()); got != 0 {
		t.Fatalf("expected empty log after clear, got %d", got)
	}
	if id := mustAppend(t, l, "A.x"); id.Version != 0 {
		t.Fatalf("versions restart after clear, got %d", id.Version)
	}
}

func TestScanReturnsCopies(t *testing.T) {
	l := NewMemoryLog(nil)
	mustAppend(t, l, "A.x")
	records := l.ScanStream("A")
	records[0].ID.Version = 99
	if l.ScanStream("A")[0].ID.Version != 0 {
		t.Fatalf("scan results must not alias the log")
	}
}

func TestMemoryAssignerResets(t *testing.T) {
	a := NewMemoryAssigner()
	if id := a.Next("s", "s.a"); id.Version != 0 || id.Subject != "s.a" || id.Timestamp == 0 {
		t.Fatalf("unexpected first id %+v", id)
	}
	if id := a.Next("s", "s.a"); id.Version != 1 {
		t.Fatalf("unexpected second id %+v", id)
	}
	a.Reset()
	if id := a.Next("s", "s.a"); id.Version != 0 {
		t.Fatalf("expected 0 after reset, got %d", id.Version)
	}
}
