// Package transport defines the publish/subscribe contract: envelope-wrapped
// messages over durable, partitioned logs with consumer-group semantics,
// per-message ack/nak/dead-letter, backpressure, and stream trimming.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/graybear-io/gbe-nexus/internal/envelope"
	"github.com/graybear-io/gbe-nexus/internal/filter"
)

// Error kinds from the transport's taxonomy. A state CAS mismatch and a
// lock that is not acquired are not errors: CompareAndSwap and the sweeper
// lock's Acquire report them as a false bool return.
var (
	ErrTransportClosed  = errors.New("transport: closed")
	ErrPayloadTooLarge  = errors.New("transport: payload too large")
	ErrBackendTransient = errors.New("transport: backend transient error")
	ErrBackendPermanent = errors.New("transport: backend permanent error")
)

// DefaultMaxPayloadSize is the default publish size cap (1 MiB), per §6.
const DefaultMaxPayloadSize = 1 << 20

// StartFrom selects where a new subscription begins reading.
type StartFrom struct {
	Mode        StartMode
	TimestampMs int64
	EntryID     string
}

// StartMode enumerates §6's start_from values.
type StartMode int

const (
	StartLatest StartMode = iota
	StartEarliest
	StartTimestamp
	StartID
)

// PublishOpts customizes a single Publish call.
type PublishOpts struct {
	TraceID *string
	// IdempotencyKey, when set, short-circuits a duplicate publish: a
	// second Publish with the same key on the same subject returns the
	// message_id assigned to the first, without appending a new entry.
	IdempotencyKey string
}

// SubscribeOpts customizes a Subscribe call, per §6.
type SubscribeOpts struct {
	BatchSize   int
	MaxInflight int
	AckTimeout  time.Duration
	StartFrom   StartFrom
	// Filter, if enabled, is applied to each envelope before the handler is
	// invoked; non-matching entries are neither acked nor nakked here — the
	// caller is expected to compose filtering with its own ack discipline
	// if it needs entries dropped without redelivery.
	Filter filter.Filter
}

const (
	DefaultBatchSize  = 10
	DefaultAckTimeout = 30 * time.Second
)

// StorageClass distinguishes durable vs. in-memory stream storage.
type StorageClass int

const (
	StoragePersistent StorageClass = iota
	StorageMemory
)

// StreamConfig is per-subject policy, per §3.
type StreamConfig struct {
	Subject           string
	RetentionTTL      time.Duration
	MaxMessages       int64
	MaxBytes          int64
	Storage           StorageClass
	ReplicationFactor int
}

// Handler processes one delivered Message. A nil error triggers an implicit
// ack if the handler did not already take a terminal action; a non-nil
// error leaves the Message pending for reclaim after AckTimeout.
type Handler func(ctx context.Context, msg *Message) error

// Message is the in-process object delivered to a Handler: an envelope plus
// delivery metadata. Ack and DeadLetter are terminal: once either has run,
// further Ack, Nak and DeadLetter calls on the Message are no-ops. Nak is
// not terminal; a later Ack or DeadLetter still takes effect.
type Message struct {
	Envelope  envelope.Envelope
	StreamKey string
	Group     string
	EntryID   string

	ops messageOps
}

// messageOps is implemented per backend and supplies the actual ack/nak/
// dead-letter side effects for one delivered Message.
type messageOps interface {
	Ack(ctx context.Context) error
	Nak(ctx context.Context, delay time.Duration) error
	DeadLetter(ctx context.Context, reason string) error
}

// NewMessage builds a Message backed by the given ops. Backend packages use
// this to hand a Message to a Handler.
func NewMessage(env envelope.Envelope, streamKey, group, entryID string, ops messageOps) *Message {
	return &Message{Envelope: env, StreamKey: streamKey, Group: group, EntryID: entryID, ops: ops}
}

// Ack irreversibly removes the entry from the PEL. Idempotent.
func (m *Message) Ack(ctx context.Context) error {
	if m.ops == nil {
		return nil
	}
	return m.ops.Ack(ctx)
}

// Nak leaves the Message in the PEL for redelivery after ack_timeout. delay
// is honored only on backends with native scheduled redelivery; Redis-style
// backends ignore it, per §9.
func (m *Message) Nak(ctx context.Context, delay time.Duration) error {
	if m.ops == nil {
		return nil
	}
	return m.ops.Nak(ctx, delay)
}

// DeadLetter publishes the envelope to the domain's dead-letter stream then
// acks the original entry. Idempotent: a second call is a no-op.
func (m *Message) DeadLetter(ctx context.Context, reason string) error {
	if m.ops == nil {
		return nil
	}
	return m.ops.DeadLetter(ctx, reason)
}

// Subscription is a handle to a running consumer loop.
type Subscription interface {
	// Unsubscribe signals cancellation; the consumer loop drains any
	// in-flight handler then exits. Idempotent.
	Unsubscribe()
	// IsActive reports whether the consumer loop is still running.
	IsActive() bool
}

// Transport is the backend-agnostic publish/subscribe contract.
type Transport interface {
	// Publish serializes and appends payload as a new envelope on the
	// stream for subject, returning the generated message_id.
	Publish(ctx context.Context, subject string, payload []byte, opts PublishOpts) (string, error)

	// Subscribe ensures the stream and consumer group exist, then spawns a
	// consumer loop that delivers entries to handler.
	Subscribe(ctx context.Context, subject, group string, handler Handler, opts SubscribeOpts) (Subscription, error)

	// EnsureStream idempotently creates or updates stream_config.
	EnsureStream(ctx context.Context, cfg StreamConfig) error

	// TrimStream removes entries older than now - minAge. Trimming may be
	// approximate. Returns the number of entries removed.
	TrimStream(ctx context.Context, subject string, minAge time.Duration) (int, error)

	// Ping checks backend reachability.
	Ping(ctx context.Context) (bool, error)

	// Close flips a closed flag checked by Publish and consumer loops.
	// In-flight handlers run to completion; no new deliveries after Close.
	Close() error
}

// PendingCounter is an optional capability some backends expose so the
// Sweeper can check archiver lag before trimming an archival stream,
// without depending on the concrete backend type.
type PendingCounter interface {
	PendingCount(ctx context.Context, subject, group string) (int, error)
}
