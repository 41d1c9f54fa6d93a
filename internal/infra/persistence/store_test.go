package persistence

import (
	"context"
	"strings"
	"testing"
)

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), "  ", 4); err == nil || !strings.Contains(err.Error(), "dsn required") {
		t.Fatalf("expected dsn error, got %v", err)
	}
}

func TestOpenRejectsMalformedDSN(t *testing.T) {
	if _, err := Open(context.Background(), "postgres://%zz", 4); err == nil || !strings.Contains(err.Error(), "parse database dsn") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestNilStoreIsSafe(t *testing.T) {
	var s *Store
	if s.Pool() != nil {
		t.Fatalf("nil store should expose a nil pool")
	}
	s.Close()
	NewStore(nil).Close()
}
