// Package memory implements transport.Transport over mutex-guarded
// in-process slices, for fast unit tests and ephemeral (non-durable) streams.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/graybear-io/gbe-nexus/internal/envelope"
	"github.com/graybear-io/gbe-nexus/internal/filter"
	"github.com/graybear-io/gbe-nexus/internal/subject"
	"github.com/graybear-io/gbe-nexus/internal/transport"
)

type entry struct {
	seq uint64
	env envelope.Envelope
}

type pelEntry struct {
	seq           uint64
	consumer      string
	expiresAt     time.Time
	deliveryCount int32
}

type stream struct {
	mu      sync.Mutex
	entries []entry
	nextSeq uint64
	cfg     transport.StreamConfig

	groups map[string]*group
}

type group struct {
	mu      sync.Mutex
	cursor  uint64 // next seq not yet delivered to any consumer
	pending map[uint64]*pelEntry
	idemKey map[string]string // unused: Publish keeps idempotency keys per subject in Store.idem
}

// Store is a channel-free, mutex-guarded in-memory Transport.
type Store struct {
	gen *idGen

	mu      sync.Mutex
	streams map[string]*stream
	idem    map[string]map[string]string // subject -> idempotency key -> message_id

	closed atomic.Bool
}

// idGen is a tiny monotonic id source; Store doesn't need the full
// pkg/id.Generator contract, just uniqueness and ordering for tests.
type idGen struct {
	mu  sync.Mutex
	n   uint64
	pfx string
}

func (g *idGen) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%012d", g.pfx, g.n)
}

// New constructs an empty in-memory transport.
func New() *Store {
	return &Store{
		streams: make(map[string]*stream),
		idem:    make(map[string]map[string]string),
		gen:     &idGen{pfx: "mem"},
	}
}

func (s *Store) streamFor(subj string) *stream {
	key := subject.ToKey(subj)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[key]
	if !ok {
		st = &stream{groups: make(map[string]*group)}
		s.streams[key] = st
	}
	return st
}

func (s *Store) Publish(ctx context.Context, subj string, payload []byte, opts transport.PublishOpts) (string, error) {
	if s.closed.Load() {
		return "", transport.ErrTransportClosed
	}
	if len(payload) > transport.DefaultMaxPayloadSize {
		return "", transport.ErrPayloadTooLarge
	}

	if opts.IdempotencyKey != "" {
		s.mu.Lock()
		keys, ok := s.idem[subj]
		if ok {
			if id, ok := keys[opts.IdempotencyKey]; ok {
				s.mu.Unlock()
				return id, nil
			}
		} else {
			keys = make(map[string]string)
			s.idem[subj] = keys
		}
		s.mu.Unlock()
		_ = keys
	}

	msgID := s.gen.next()
	env := envelope.Envelope{
		MessageID:   msgID,
		Subject:     subj,
		TimestampMs: time.Now().UnixMilli(),
		TraceID:     opts.TraceID,
		Payload:     payload,
	}

	st := s.streamFor(subj)
	st.mu.Lock()
	st.nextSeq++
	st.entries = append(st.entries, entry{seq: st.nextSeq, env: env})
	st.mu.Unlock()

	if opts.IdempotencyKey != "" {
		s.mu.Lock()
		s.idem[subj][opts.IdempotencyKey] = msgID
		s.mu.Unlock()
	}

	return msgID, nil
}

func (s *Store) EnsureStream(ctx context.Context, cfg transport.StreamConfig) error {
	st := s.streamFor(cfg.Subject)
	st.mu.Lock()
	st.cfg = cfg
	st.mu.Unlock()
	return nil
}

func (s *Store) TrimStream(ctx context.Context, subj string, minAge time.Duration) (int, error) {
	st := s.streamFor(subj)
	cutoff := time.Now().Add(-minAge).UnixMilli()

	st.mu.Lock()
	defer st.mu.Unlock()
	kept := st.entries[:0]
	removed := 0
	for _, e := range st.entries {
		if e.env.TimestampMs < cutoff {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	st.entries = kept
	return removed, nil
}

func (s *Store) Ping(ctx context.Context) (bool, error) {
	return !s.closed.Load(), nil
}

// PendingCount reports the PEL size for subj/group, satisfying
// transport.PendingCounter so the Sweeper's archiver-lag guard is testable
// against this backend too.
func (s *Store) PendingCount(ctx context.Context, subj, group string) (int, error) {
	st := s.streamFor(subj)
	g := s.groupFor(st, group)
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending), nil
}

func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Store) groupFor(st *stream, name string) *group {
	st.mu.Lock()
	defer st.mu.Unlock()
	g, ok := st.groups[name]
	if !ok {
		g = &group{pending: make(map[uint64]*pelEntry)}
		st.groups[name] = g
	}
	return g
}

type messageOps struct {
	store    *Store
	st       *stream
	g        *group
	seq      uint64
	consumer string
	done     atomic.Bool
}

func (o *messageOps) Ack(ctx context.Context) error {
	if !o.done.CompareAndSwap(false, true) {
		return nil
	}
	o.g.mu.Lock()
	delete(o.g.pending, o.seq)
	o.g.mu.Unlock()
	return nil
}

func (o *messageOps) Nak(ctx context.Context, delay time.Duration) error {
	if o.done.Load() {
		return nil
	}
	o.g.mu.Lock()
	if pe, ok := o.g.pending[o.seq]; ok {
		pe.expiresAt = time.Now().Add(delay)
	}
	o.g.mu.Unlock()
	return nil
}

func (o *messageOps) DeadLetter(ctx context.Context, reason string) error {
	if !o.done.CompareAndSwap(false, true) {
		return nil
	}
	o.g.mu.Lock()
	_, ok := o.g.pending[o.seq]
	var env envelope.Envelope
	if ok {
		for _, e := range o.st.entries {
			if e.seq == o.seq {
				env = e.env
				break
			}
		}
		delete(o.g.pending, o.seq)
	}
	o.g.mu.Unlock()
	if !ok {
		return nil
	}

	domain, err := subject.ExtractDomain(env.Subject)
	if err != nil {
		domain = "unknown"
	}
	dl := subject.DeadLetterSubject("root", domain)
	_, pubErr := o.store.Publish(ctx, dl, env.Payload, transport.PublishOpts{TraceID: env.TraceID})
	return pubErr
}

type subscription struct {
	cancel context.CancelFunc
	active atomic.Bool
}

func (sub *subscription) Unsubscribe() {
	sub.cancel()
	sub.active.Store(false)
}

func (sub *subscription) IsActive() bool {
	return sub.active.Load()
}

func (s *Store) Subscribe(ctx context.Context, subj, groupName string, handler transport.Handler, opts transport.SubscribeOpts) (transport.Subscription, error) {
	if s.closed.Load() {
		return nil, transport.ErrTransportClosed
	}

	maxInflight := opts.MaxInflight
	ackTimeout := opts.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = transport.DefaultAckTimeout
	}

	st := s.streamFor(subj)
	g := s.groupFor(st, groupName)
	consumer := fmt.Sprintf("%s-consumer", groupName)

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel}
	sub.active.Store(true)

	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-subCtx.Done():
				sub.active.Store(false)
				return
			case <-ticker.C:
				if s.closed.Load() {
					sub.active.Store(false)
					return
				}
				s.deliverOnce(subCtx, st, g, subj, consumer, handler, opts, maxInflight, ackTimeout)
			}
		}
	}()

	return sub, nil
}

func (s *Store) deliverOnce(ctx context.Context, st *stream, g *group, subj, consumer string, handler transport.Handler, opts transport.SubscribeOpts, maxInflight int, ackTimeout time.Duration) {
	now := time.Now()

	g.mu.Lock()
	if maxInflight > 0 && len(g.pending) >= maxInflight {
		g.mu.Unlock()
		return
	}
	// reclaim expired leases first
	for seq, pe := range g.pending {
		if !pe.expiresAt.IsZero() && now.After(pe.expiresAt) {
			pe.consumer = consumer
			pe.expiresAt = now.Add(ackTimeout)
			pe.deliveryCount++
			g.mu.Unlock()
			s.deliverSeq(ctx, st, g, seq, handler, opts, ackTimeout)
			return
		}
	}

	st.mu.Lock()
	var next *entry
	for i := range st.entries {
		if st.entries[i].seq > g.cursor {
			next = &st.entries[i]
			break
		}
	}
	st.mu.Unlock()

	if next == nil {
		g.mu.Unlock()
		return
	}
	g.cursor = next.seq
	g.pending[next.seq] = &pelEntry{seq: next.seq, consumer: consumer, expiresAt: now.Add(ackTimeout), deliveryCount: 1}
	g.mu.Unlock()

	s.deliverSeq(ctx, st, g, next.seq, handler, opts, ackTimeout)
}

func (s *Store) deliverSeq(ctx context.Context, st *stream, g *group, seq uint64, handler transport.Handler, opts transport.SubscribeOpts, ackTimeout time.Duration) {
	st.mu.Lock()
	var env envelope.Envelope
	found := false
	for _, e := range st.entries {
		if e.seq == seq {
			env = e.env
			found = true
			break
		}
	}
	st.mu.Unlock()
	if !found {
		return
	}

	if opts.Filter.Enabled() {
		traceID := ""
		if env.TraceID != nil {
			traceID = *env.TraceID
		}
		vars := filter.EnvelopeVars{
			Subject:     env.Subject,
			MessageID:   env.MessageID,
			TimestampMs: env.TimestampMs,
			TraceID:     traceID,
			Payload:     env.Payload,
		}
		if !opts.Filter.EvalEnvelope(vars) {
			return
		}
	}

	ops := &messageOps{store: s, st: st, g: g, seq: seq}
	msg := transport.NewMessage(env, st.cfg.Subject, "", fmt.Sprintf("%d", seq), ops)

	if err := handler(ctx, msg); err == nil {
		_ = msg.Ack(ctx)
	} else {
		// redeliver after the subscription's own ack_timeout, per Nak's
		// documented contract, rather than forcing an immediate retry.
		_ = msg.Nak(ctx, ackTimeout)
	}
}

