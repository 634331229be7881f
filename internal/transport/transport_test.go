package transport

import (
	"context"
	"testing"
	"time"

	"github.com/graybear-io/gbe-nexus/internal/envelope"
)

type countingOps struct {
	acks        int
	naks        int
	deadLetters int
}

func (c *countingOps) Ack(ctx context.Context) error                      { c.acks++; return nil }
func (c *countingOps) Nak(ctx context.Context, delay time.Duration) error { c.naks++; return nil }
func (c *countingOps) DeadLetter(ctx context.Context, reason string) error {
	c.deadLetters++
	return nil
}

func TestMessageAckNakDeadLetterDelegateToOps(t *testing.T) {
	ops := &countingOps{}
	msg := NewMessage(envelope.Envelope{MessageID: "m1"}, "ns:stream", "g1", "0-1", ops)

	if err := msg.Ack(context.Background()); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := msg.Nak(context.Background(), time.Second); err != nil {
		t.Fatalf("Nak: %v", err)
	}
	if err := msg.DeadLetter(context.Background(), "bad payload"); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}

	if ops.acks != 1 || ops.naks != 1 || ops.deadLetters != 1 {
		t.Fatalf("expected one call of each, got %+v", ops)
	}
}

func TestMessageWithNilOpsIsNoop(t *testing.T) {
	msg := &Message{Envelope: envelope.Envelope{MessageID: "m1"}}
	if err := msg.Ack(context.Background()); err != nil {
		t.Fatalf("Ack with nil ops: %v", err)
	}
	if err := msg.Nak(context.Background(), 0); err != nil {
		t.Fatalf("Nak with nil ops: %v", err)
	}
	if err := msg.DeadLetter(context.Background(), "x"); err != nil {
		t.Fatalf("DeadLetter with nil ops: %v", err)
	}
}
