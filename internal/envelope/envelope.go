// Package envelope implements the wire codec for messages carried over the
// Transport: a subject-addressed wrapper around an opaque payload, with a
// time-sortable message ID and optional trace correlation.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/graybear-io/gbe-nexus/pkg/id"
)

// ErrMalformedEnvelope is returned when decoded JSON is missing a required
// envelope field.
var ErrMalformedEnvelope = errors.New("envelope: malformed")

// Envelope is the unit of transport for every published message.
type Envelope struct {
	MessageID   string  `json:"message_id"`
	Subject     string  `json:"subject"`
	TimestampMs int64   `json:"timestamp_ms"`
	TraceID     *string `json:"trace_id,omitempty"`
	Payload     []byte  `json:"payload"`
}

// wireEnvelope mirrors Envelope with pointer fields (and Payload as
// json.RawMessage) so presence (vs. zero value) can be checked before
// decoding into Envelope.
type wireEnvelope struct {
	MessageID   *string         `json:"message_id"`
	Subject     *string         `json:"subject"`
	TimestampMs *int64          `json:"timestamp_ms"`
	TraceID     *string         `json:"trace_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// New builds an Envelope, minting a message ID from the given generator.
func New(gen *id.Generator, subject string, timestampMs int64, traceID *string, payload []byte) Envelope {
	return Envelope{
		MessageID:   gen.Next().String(),
		Subject:     subject,
		TimestampMs: timestampMs,
		TraceID:     traceID,
		Payload:     payload,
	}
}

// Encode marshals the Envelope to its JSON wire form. Payload is base64
// encoded automatically by encoding/json's []byte handling, so the result
// round-trips losslessly through any text-safe transport.
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode unmarshals a JSON wire envelope. Unknown fields are tolerated for
// forward compatibility; a missing message_id, subject, timestamp_ms, or
// payload is ErrMalformedEnvelope.
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if w.MessageID == nil || *w.MessageID == "" {
		return Envelope{}, fmt.Errorf("%w: missing message_id", ErrMalformedEnvelope)
	}
	if w.Subject == nil || *w.Subject == "" {
		return Envelope{}, fmt.Errorf("%w: missing subject", ErrMalformedEnvelope)
	}
	if w.TimestampMs == nil {
		return Envelope{}, fmt.Errorf("%w: missing timestamp_ms", ErrMalformedEnvelope)
	}
	if w.Payload == nil {
		return Envelope{}, fmt.Errorf("%w: missing payload", ErrMalformedEnvelope)
	}

	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return e, nil
}
