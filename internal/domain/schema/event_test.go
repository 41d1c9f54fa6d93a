package schema

import (
	"testing"

	"github.com/coachpo/eventfabric/errs"
)

func TestEventIDEqualityIgnoresTimestamp(t *testing.T) {
	a := EventID{StreamID: "EUR/USD", Version: 3, Subject: "EUR/USD.FxConnect", Timestamp: 100}
	b := EventID{StreamID: "EUR/USD", Version: 3, Subject: "EUR/USD.FxConnect", Timestamp: 200}
	if !a.Equal(b) {
		t.Fatalf("expected ids with different timestamps to be equal")
	}
	if a.Key() != b.Key() {
		t.Fatalf("expected keys to match")
	}

	c := b
	c.Subject = "EUR/USD.Harmony"
	if a.Equal(c) {
		t.Fatalf("subject is part of identity")
	}
	d := b
	d.Version = 4
	if a.Equal(d) {
		t.Fatalf("version is part of identity")
	}
}

func TestEventIDShortForm(t *testing.T) {
	id := EventID{StreamID: "EUR/GBP", Version: 12}
	if id.ID() != "EUR/GBP.12" {
		t.Fatalf("unexpected id %q", id.ID())
	}
	if id.String() != id.ID() {
		t.Fatalf("String should match ID")
	}
}

func TestEnvelopeValidate(t *testing.T) {
	if err := (Envelope{Subject: "EUR/USD.FxConnect", TypeTag: "ChangeCcyPairPrice"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := Envelope{TypeTag: "ChangeCcyPairPrice"}.Validate()
	if !errs.Is(err, errs.CodeMalformed) {
		t.Fatalf("expected malformed error for missing subject, got %v", err)
	}
	err = Envelope{Subject: "EUR/USD"}.Validate()
	if !errs.Is(err, errs.CodeMalformed) {
		t.Fatalf("expected malformed error for missing type tag, got %v", err)
	}
}

func TestEventFrameRecord(t *testing.T) {
	frame := EventFrame{
		Subject:  "EUR/USD.FxConnect",
		ID:       EventID{StreamID: "EUR/USD", Version: 1, Subject: "EUR/USD.FxConnect"},
		Envelope: Envelope{Subject: "EUR/USD.FxConnect", TypeTag: "ChangeCcyPairPrice", Payload: []byte(`{}`)},
	}
	rec := frame.Record()
	if !rec.ID.Equal(frame.ID) || rec.Envelope.TypeTag != "ChangeCcyPairPrice" {
		t.Fatalf("unexpected record %+v", rec)
	}
}
