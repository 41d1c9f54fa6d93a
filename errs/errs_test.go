package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesFieldsAndCause(t *testing.T) {
	err := New(
		"broker",
		CodeMalformed,
		WithMessage("decode publish frame"),
		WithField("subject", "EUR/USD.FxConnect"),
		WithField("endpoint", "/publish"),
		WithCause(errors.New("unexpected end of JSON input")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=broker") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=malformed") {
		t.Fatalf("expected code in error string: %s", out)
	}
	expected := "endpoint=\"/publish\" subject=\"EUR/USD.FxConnect\""
	if !strings.Contains(out, expected) {
		t.Fatalf("expected sorted fields %q in error string: %s", expected, out)
	}
	if !strings.Contains(out, "cause=\"unexpected end of JSON input\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithFieldIgnoresEmptyKey(t *testing.T) {
	err := New("cache", CodeTimeout, WithField("  ", "value"))
	if len(err.Fields) != 0 {
		t.Fatalf("expected empty key to be ignored, got %v", err.Fields)
	}
}

func TestNilErrorString(t *testing.T) {
	var err *E
	if err.Error() != "<nil>" {
		t.Fatalf("expected <nil>, got %q", err.Error())
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Unreachable("cache", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the cause")
	}
	if err.Code != CodeUnreachable {
		t.Fatalf("expected unreachable code, got %s", err.Code)
	}
}

func TestIsMatchesWrappedCodes(t *testing.T) {
	inner := New("transport", CodeTimeout, WithMessage("heartbeat"))
	outer := Unreachable("cache", inner)
	wrapped := fmt.Errorf("catch-up: %w", outer)

	if !Is(wrapped, CodeUnreachable) {
		t.Fatalf("expected unreachable code in chain")
	}
	if !Is(wrapped, CodeTimeout) {
		t.Fatalf("expected timeout code further down the chain")
	}
	if Is(wrapped, CodeMalformed) {
		t.Fatalf("did not expect malformed code")
	}
	if Is(errors.New("plain"), CodeTimeout) {
		t.Fatalf("plain errors carry no code")
	}
}

func TestInvalidOperation(t *testing.T) {
	err := InvalidOperation("producer", "publisher is not connected")
	if !Is(err, CodeInvalidOperation) {
		t.Fatalf("expected invalid operation code, got %v", err)
	}
	if err.Message != "publisher is not connected" {
		t.Fatalf("unexpected message %q", err.Message)
	}
}
