package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/graybear-io/gbe-nexus/pkg/id"
)

func TestRoundTrip(t *testing.T) {
	gen := id.NewGenerator()
	trace := "trace-123"
	want := New(gen, "gbe.tasks.email-send.queue", 1700000000000, &trace, []byte("hello world"))

	data, err := Encode(want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.MessageID != want.MessageID {
		t.Errorf("MessageID = %q, want %q", got.MessageID, want.MessageID)
	}
	if got.Subject != want.Subject {
		t.Errorf("Subject = %q, want %q", got.Subject, want.Subject)
	}
	if got.TimestampMs != want.TimestampMs {
		t.Errorf("TimestampMs = %d, want %d", got.TimestampMs, want.TimestampMs)
	}
	if got.TraceID == nil || *got.TraceID != *want.TraceID {
		t.Errorf("TraceID = %v, want %v", got.TraceID, want.TraceID)
	}
	if !bytes.Equal(got.Payload, want.Payload) {
		t.Errorf("Payload = %q, want %q", got.Payload, want.Payload)
	}
}

func TestRoundTripNilTraceID(t *testing.T) {
	gen := id.NewGenerator()
	want := New(gen, "gbe.tasks.email-send.queue", 42, nil, []byte{0x00, 0x01, 0xff})

	data, err := Encode(want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.TraceID != nil {
		t.Errorf("TraceID = %v, want nil", got.TraceID)
	}
	if !bytes.Equal(got.Payload, want.Payload) {
		t.Errorf("Payload = %v, want %v", got.Payload, want.Payload)
	}
}

func TestDecodeToleratesUnknownFields(t *testing.T) {
	raw := map[string]any{
		"message_id":   "abc",
		"subject":      "gbe.tasks.x",
		"timestamp_ms": 123,
		"payload":      []byte("p"),
		"extra_field":  "should be ignored",
	}
	data, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	e, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if e.MessageID != "abc" {
		t.Errorf("MessageID = %q, want abc", e.MessageID)
	}
}

func TestDecodeMissingRequiredFields(t *testing.T) {
	tests := []string{
		`{"subject":"a.b","timestamp_ms":1,"payload":"aGk="}`,
		`{"message_id":"x","timestamp_ms":1,"payload":"aGk="}`,
		`{"message_id":"x","subject":"a.b","payload":"aGk="}`,
		`{"message_id":"x","subject":"a.b","timestamp_ms":1}`,
		`not json`,
	}
	for _, raw := range tests {
		_, err := Decode([]byte(raw))
		if !errors.Is(err, ErrMalformedEnvelope) {
			t.Errorf("Decode(%q) err = %v, want ErrMalformedEnvelope", raw, err)
		}
	}
}

func TestGeneratedMessageIDsAreMonotonic(t *testing.T) {
	gen := id.NewGenerator()
	a := New(gen, "gbe.a.b", 0, nil, nil)
	b := New(gen, "gbe.a.b", 0, nil, nil)
	if a.MessageID >= b.MessageID {
		t.Errorf("expected monotonically increasing message IDs, got %q then %q", a.MessageID, b.MessageID)
	}
}
