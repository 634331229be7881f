// Package archiver drains archival streams to cold storage under a
// batch-then-ack discipline, per spec §4.6: accumulate raw envelope bytes
// until a batch is full or stale, write the compressed batch through an
// ArchiveWriter, and only then ack every entry it contained.
package archiver

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/graybear-io/gbe-nexus/internal/envelope"
	"github.com/graybear-io/gbe-nexus/internal/subject"
	"github.com/graybear-io/gbe-nexus/internal/transport"
	"github.com/graybear-io/gbe-nexus/pkg/log"
)

// consumerGroup is the fixed group name archival subscriptions use, so the
// archiver-lag guard in internal/sweeper can look up a well-known group.
const consumerGroup = "archiver"

// errDeferredAck is returned from the archiver's Transport handler for
// every buffered message. It is never surfaced to a caller; it only tells
// the owning backend to Nak the entry, which leaves it pending, while
// the archiver itself decides, out of band, when to Ack after a
// successful batch write. Calling Ack later still succeeds because Nak
// never finalizes the terminal-action guard.
var errDeferredAck = fmt.Errorf("archiver: batched, awaiting flush")

// StreamConfig configures one archival stream.
type StreamConfig struct {
	Subject      string
	BatchSize    int
	BatchTimeout time.Duration
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 30 * time.Second
	}
	return c
}

// Config holds the full set of archival streams and the destination root.
type Config struct {
	Root    string
	Streams []StreamConfig
}

// Archiver runs one worker per configured stream.
type Archiver struct {
	cfg       Config
	transport transport.Transport
	writer    ArchiveWriter
	logger    log.Logger
}

// New constructs an Archiver. writer is whichever ArchiveWriter backs the
// deployment (fs, objectstore, or postgres).
func New(cfg Config, tp transport.Transport, writer ArchiveWriter, logger log.Logger) *Archiver {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Archiver{cfg: cfg, transport: tp, writer: writer, logger: logger}
}

// Run subscribes one worker per configured stream and blocks until ctx is
// cancelled, at which point every worker flushes its non-empty buffer
// before returning.
func (a *Archiver) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, sc := range a.cfg.Streams {
		w := newWorker(a.cfg.Root, sc.withDefaults(), a.transport, a.writer, a.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(ctx)
		}()
	}
	wg.Wait()
	return nil
}

type bufferedMsg struct {
	msg *transport.Message
	raw []byte
}

type worker struct {
	root   string
	cfg    StreamConfig
	domain string
	tp     transport.Transport
	writer ArchiveWriter
	logger log.Logger

	mu      sync.Mutex
	buffer  []bufferedMsg
	flushMu sync.Mutex // serializes flush (batch-size trigger vs. stale-timer trigger)
}

func newWorker(root string, cfg StreamConfig, tp transport.Transport, writer ArchiveWriter, logger log.Logger) *worker {
	domain, err := subject.ExtractDomain(cfg.Subject)
	if err != nil {
		domain = "unknown"
	}
	return &worker{root: root, cfg: cfg, domain: domain, tp: tp, writer: writer, logger: logger}
}

func (w *worker) run(ctx context.Context) {
	sub, err := w.tp.Subscribe(ctx, w.cfg.Subject, consumerGroup, w.handle, transport.SubscribeOpts{
		BatchSize:  w.cfg.BatchSize,
		AckTimeout: w.cfg.BatchTimeout * 2,
	})
	if err != nil {
		w.logger.Warn("archiver subscribe failed", log.Str("subject", w.cfg.Subject), log.Err(err))
		return
	}
	defer sub.Unsubscribe()

	ticker := time.NewTicker(w.cfg.BatchTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.flush(context.Background())
			return
		case <-ticker.C:
			w.flushIfStale(ctx)
		}
	}
}

// handle buffers the message and always returns errDeferredAck, so the
// backend's auto-dispatch performs a Nak that leaves it pending instead of acking a
// message this worker hasn't durably archived yet. The worker acks it
// itself, later, once the batch containing it has been written.
func (w *worker) handle(ctx context.Context, msg *transport.Message) error {
	raw, err := envelope.Encode(msg.Envelope)
	if err != nil {
		w.logger.Warn("archiver dropping unencodable envelope", log.Str("message_id", msg.Envelope.MessageID), log.Err(err))
		return errDeferredAck
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, bufferedMsg{msg: msg, raw: raw})
	full := len(w.buffer) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		w.flush(ctx)
	}
	return errDeferredAck
}

func (w *worker) flushIfStale(ctx context.Context) {
	w.mu.Lock()
	empty := len(w.buffer) == 0
	w.mu.Unlock()
	if !empty {
		w.flush(ctx)
	}
}

// flush writes the current buffer as one compressed batch and acks every
// entry only after the writer confirms success. On failure the buffer is
// left untouched; the entries stay pending in the backend's PEL and are
// retried on the stream's normal redelivery path.
func (w *worker) flush(ctx context.Context) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	batch := w.buffer
	w.buffer = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	data, err := encodeBatch(batch)
	if err != nil {
		w.logger.Warn("archiver failed to encode batch", log.Str("subject", w.cfg.Subject), log.Err(err))
		w.requeue(batch)
		return
	}

	path := w.batchPath(time.Now())
	if err := w.writer.Write(ctx, path, data); err != nil {
		w.logger.Warn("archiver write failed, batch stays pending", log.Str("path", path), log.Err(err))
		w.requeue(batch)
		return
	}

	for _, bm := range batch {
		if err := bm.msg.Ack(ctx); err != nil {
			w.logger.Warn("archiver ack after write failed", log.Str("message_id", bm.msg.Envelope.MessageID), log.Err(err))
		}
	}
}

// requeue puts a failed batch back at the front of the buffer, ahead of
// anything appended while the write was in flight, preserving stream order
// for the next flush attempt.
func (w *worker) requeue(batch []bufferedMsg) {
	w.mu.Lock()
	w.buffer = append(batch, w.buffer...)
	w.mu.Unlock()
}

// batchPath computes <root>/<domain>/YYYY/MM/DD/<batch_id>.jsonl.gz.
func (w *worker) batchPath(now time.Time) string {
	return fmt.Sprintf("%s/%s/%04d/%02d/%02d/%s.jsonl.gz",
		w.root, w.domain, now.Year(), now.Month(), now.Day(), uuid.NewString())
}

// encodeBatch renders records newline-delimited, gzip-compressed, stream
// order preserved.
func encodeBatch(batch []bufferedMsg) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	for _, bm := range batch {
		if _, err := gw.Write(bm.raw); err != nil {
			return nil, err
		}
		if _, err := gw.Write([]byte("\n")); err != nil {
			return nil, err
		}
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
