// Package pebbletransport implements transport.Transport as a durable,
// single-partition append log per stream (internal/eventlog) with PEL-based
// consumer-group delivery (internal/workqueue's lease mechanics, re-keyed
// per stream+group+entry).
package pebbletransport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/graybear-io/gbe-nexus/internal/envelope"
	"github.com/graybear-io/gbe-nexus/internal/eventlog"
	"github.com/graybear-io/gbe-nexus/internal/filter"
	pebblestore "github.com/graybear-io/gbe-nexus/internal/storage/pebble"
	"github.com/graybear-io/gbe-nexus/internal/subject"
	"github.com/graybear-io/gbe-nexus/internal/transport"
	"github.com/graybear-io/gbe-nexus/internal/workqueue"
	"github.com/graybear-io/gbe-nexus/pkg/id"
	"github.com/graybear-io/gbe-nexus/pkg/log"
)

// every stream is a single-partition eventlog; the partitioning dimension
// eventlog still carries is unused here.
const partition = uint32(0)

// header is the small fixed record stored alongside each envelope payload so
// TrimOlderThan can read a timestamp without decoding the full envelope.
type header struct {
	TimestampMs int64 `json:"ts"`
}

// Store is a Pebble-backed transport.Transport.
type Store struct {
	db        *pebblestore.DB
	namespace string
	gen       *id.Generator
	logger    log.Logger

	mu        sync.Mutex
	logs      map[string]*eventlog.Log
	leases    map[string]*workqueue.LeaseManager
	registries map[string]*workqueue.ConsumerRegistry

	idemMu sync.Mutex
	idem   map[string]map[string]string

	closed atomic.Bool
}

// New wraps db for transport use under namespace.
func New(db *pebblestore.DB, namespace string, gen *id.Generator, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Store{
		db:         db,
		namespace:  namespace,
		gen:        gen,
		logger:     logger,
		logs:       make(map[string]*eventlog.Log),
		leases:     make(map[string]*workqueue.LeaseManager),
		registries: make(map[string]*workqueue.ConsumerRegistry),
		idem:       make(map[string]map[string]string),
	}
}

func (s *Store) logFor(subj string) (*eventlog.Log, error) {
	topic := subject.ToKey(subj)
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[topic]; ok {
		return l, nil
	}
	l, err := eventlog.OpenLog(s.db, s.namespace, topic, partition)
	if err != nil {
		return nil, err
	}
	s.logs[topic] = l
	return l, nil
}

func (s *Store) leaseManagerFor(subj, group string) *workqueue.LeaseManager {
	name := subject.ToKey(subj) + "/" + group
	s.mu.Lock()
	defer s.mu.Unlock()
	if lm, ok := s.leases[name]; ok {
		return lm
	}
	lm := workqueue.NewLeaseManager(s.db, s.namespace, name)
	s.leases[name] = lm
	return lm
}

// registryFor returns the subscriber identity registry for subj+group,
// used to track which consumers are actively reading a stream so operators
// can observe subscriber presence independent of lease/PEL state.
func (s *Store) registryFor(subj, group string, ttl time.Duration) *workqueue.ConsumerRegistry {
	name := subject.ToKey(subj) + "/" + group
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.registries[name]; ok {
		return r
	}
	r := workqueue.NewConsumerRegistry(s.db, s.namespace, name, ttl)
	s.registries[name] = r
	return r
}

func (s *Store) Publish(ctx context.Context, subj string, payload []byte, opts transport.PublishOpts) (string, error) {
	if s.closed.Load() {
		return "", transport.ErrTransportClosed
	}
	if len(payload) > transport.DefaultMaxPayloadSize {
		return "", transport.ErrPayloadTooLarge
	}

	if opts.IdempotencyKey != "" {
		s.idemMu.Lock()
		keys, ok := s.idem[subj]
		if !ok {
			keys = make(map[string]string)
			s.idem[subj] = keys
		}
		if id, ok := keys[opts.IdempotencyKey]; ok {
			s.idemMu.Unlock()
			return id, nil
		}
		s.idemMu.Unlock()
	}

	env := envelope.New(s.gen, subj, time.Now().UnixMilli(), opts.TraceID, payload)
	wire, err := envelope.Encode(env)
	if err != nil {
		return "", fmt.Errorf("%w: %v", transport.ErrBackendPermanent, err)
	}
	hdr, err := json.Marshal(header{TimestampMs: env.TimestampMs})
	if err != nil {
		return "", fmt.Errorf("%w: %v", transport.ErrBackendPermanent, err)
	}

	l, err := s.logFor(subj)
	if err != nil {
		return "", fmt.Errorf("%w: %v", transport.ErrBackendTransient, err)
	}
	if _, err := l.Append(ctx, []eventlog.AppendRecord{{Header: hdr, Payload: wire}}); err != nil {
		return "", fmt.Errorf("%w: %v", transport.ErrBackendTransient, err)
	}

	if opts.IdempotencyKey != "" {
		s.idemMu.Lock()
		s.idem[subj][opts.IdempotencyKey] = env.MessageID
		s.idemMu.Unlock()
	}

	return env.MessageID, nil
}

func (s *Store) EnsureStream(ctx context.Context, cfg transport.StreamConfig) error {
	_, err := s.logFor(cfg.Subject)
	return err
}

func (s *Store) TrimStream(ctx context.Context, subj string, minAge time.Duration) (int, error) {
	l, err := s.logFor(subj)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", transport.ErrBackendTransient, err)
	}
	cutoff := time.Now().Add(-minAge).UnixMilli()
	deleted, _, err := l.TrimOlderThan(ctx, cutoff, 1024, 0, func(h []byte) (int64, bool) {
		var hd header
		if json.Unmarshal(h, &hd) != nil {
			return 0, false
		}
		return hd.TimestampMs, true
	})
	if err != nil {
		return deleted, fmt.Errorf("%w: %v", transport.ErrBackendTransient, err)
	}
	return deleted, nil
}

// PendingCount reports the number of entries currently leased but not yet
// acked or dead-lettered on the given subject/group, satisfying
// transport.PendingCounter.
func (s *Store) PendingCount(ctx context.Context, subj, group string) (int, error) {
	lm := s.leaseManagerFor(subj, group)
	leases, err := lm.ListPending(ctx, group, "", 1<<20)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", transport.ErrBackendTransient, err)
	}
	return len(leases), nil
}

func (s *Store) Ping(ctx context.Context) (bool, error) {
	return !s.closed.Load(), nil
}

func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

type messageOps struct {
	store    *Store
	subj     string
	group    string
	msgID    []byte
	consumer string
	done     atomic.Bool
}

func (o *messageOps) Ack(ctx context.Context) error {
	if !o.done.CompareAndSwap(false, true) {
		return nil
	}
	lm := o.store.leaseManagerFor(o.subj, o.group)
	return lm.ReleaseLease(ctx, o.group, o.msgID, o.consumer)
}

func (o *messageOps) Nak(ctx context.Context, delay time.Duration) error {
	if o.done.Load() {
		return nil
	}
	lm := o.store.leaseManagerFor(o.subj, o.group)
	_, err := lm.GetLease(ctx, o.group, o.msgID)
	if err != nil {
		return nil
	}
	extension := delay.Milliseconds()
	if extension <= 0 {
		extension = 0
	}
	_, err = lm.ExtendLease(ctx, o.group, o.msgID, o.consumer, extension)
	return err
}

func (o *messageOps) DeadLetter(ctx context.Context, reason string) error {
	if !o.done.CompareAndSwap(false, true) {
		return nil
	}
	lm := o.store.leaseManagerFor(o.subj, o.group)
	if err := lm.ReleaseLease(ctx, o.group, o.msgID, o.consumer); err != nil {
		return err
	}

	domain, err := subject.ExtractDomain(o.subj)
	if err != nil {
		domain = "unknown"
	}
	dl := subject.DeadLetterSubject(o.store.namespace, domain)
	env, decErr := o.loadEnvelope(ctx)
	if decErr != nil {
		return decErr
	}
	_, pubErr := o.store.Publish(ctx, dl, env.Payload, transport.PublishOpts{TraceID: env.TraceID})
	return pubErr
}

func (o *messageOps) loadEnvelope(ctx context.Context) (envelope.Envelope, error) {
	l, err := o.store.logFor(o.subj)
	if err != nil {
		return envelope.Envelope{}, err
	}
	seq := seqFromMsgID(o.msgID)
	items, _ := l.Read(eventlog.ReadOptions{Start: seqToken(seq), Limit: 1})
	if len(items) == 0 {
		return envelope.Envelope{}, fmt.Errorf("%w: entry not found", transport.ErrBackendPermanent)
	}
	return envelope.Decode(items[0].Payload)
}

type subscription struct {
	cancel context.CancelFunc
	active atomic.Bool
}

func (sub *subscription) Unsubscribe() {
	sub.cancel()
	sub.active.Store(false)
}

func (sub *subscription) IsActive() bool { return sub.active.Load() }

func (s *Store) Subscribe(ctx context.Context, subj, group string, handler transport.Handler, opts transport.SubscribeOpts) (transport.Subscription, error) {
	if s.closed.Load() {
		return nil, transport.ErrTransportClosed
	}

	l, err := s.logFor(subj)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrBackendTransient, err)
	}
	lm := s.leaseManagerFor(subj, group)

	ackTimeout := opts.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = transport.DefaultAckTimeout
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = transport.DefaultBatchSize
	}
	consumer := group + "-consumer"
	registry := s.registryFor(subj, group, ackTimeout*2)
	if _, err := registry.Register(ctx, group, consumer, nil); err != nil {
		s.logger.Warn("consumer registration failed", log.Str("subject", subj), log.Str("group", group), log.Err(err))
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel}
	sub.active.Store(true)

	go func() {
		defer sub.active.Store(false)
		defer func() { _ = registry.Unregister(context.Background(), group, consumer) }()

		heartbeat := time.NewTicker(ackTimeout)
		defer heartbeat.Stop()
		go func() {
			for {
				select {
				case <-subCtx.Done():
					return
				case <-heartbeat.C:
					_, _ = registry.Heartbeat(subCtx, group, consumer)
				}
			}
		}()

		for {
			select {
			case <-subCtx.Done():
				return
			default:
			}
			if s.closed.Load() {
				return
			}

			s.reclaimExpired(subCtx, subj, group, lm, consumer, ackTimeout, handler, opts)

			if opts.MaxInflight > 0 {
				pending, _ := lm.ListPending(subCtx, group, "", opts.MaxInflight+1)
				if len(pending) >= opts.MaxInflight {
					if !sleepOrDone(subCtx, 10*time.Millisecond) {
						return
					}
					continue
				}
			}

			cursor, _ := l.GetCursor(group)
			items, _ := l.Read(eventlog.ReadOptions{Start: nextToken(cursor), Limit: batchSize})
			if len(items) == 0 {
				if !sleepOrDone(subCtx, 10*time.Millisecond) {
					return
				}
				continue
			}

			for _, it := range items {
				if s.closed.Load() {
					return
				}
				env, decErr := envelope.Decode(it.Payload)
				if decErr != nil {
					s.logger.Warn("dropping malformed transport entry", log.Str("subject", subj), log.Err(decErr))
					continue
				}
				if opts.Filter.Enabled() {
					traceID := ""
					if env.TraceID != nil {
						traceID = *env.TraceID
					}
					vars := filter.EnvelopeVars{Subject: env.Subject, MessageID: env.MessageID, TimestampMs: env.TimestampMs, TraceID: traceID, Payload: env.Payload}
					if !opts.Filter.EvalEnvelope(vars) {
						continue
					}
				}

				msgID := msgIDFromSeq(it.Seq)
				if _, err := lm.AcquireLease(subCtx, group, msgID, consumer, ackTimeout.Milliseconds()); err != nil {
					continue
				}
				ops := &messageOps{store: s, subj: subj, group: group, msgID: msgID, consumer: consumer}
				msg := transport.NewMessage(env, subject.ToKey(subj), group, fmt.Sprintf("%d", it.Seq), ops)
				if err := handler(subCtx, msg); err == nil {
					_ = msg.Ack(subCtx)
				} else {
					// redeliver after the subscription's own ack_timeout,
					// rather than forcing an immediate retry.
					_ = msg.Nak(subCtx, ackTimeout)
				}
			}

			_ = l.CommitCursor(group, seqToken(items[len(items)-1].Seq))
		}
	}()

	return sub, nil
}

func (s *Store) reclaimExpired(ctx context.Context, subj, group string, lm *workqueue.LeaseManager, consumer string, ackTimeout time.Duration, handler transport.Handler, opts transport.SubscribeOpts) {
	expired, _ := lm.ListExpiredLeases(ctx, group, 50)
	for _, lease := range expired {
		if err := lm.ClaimLease(ctx, group, lease.MessageID, consumer, ackTimeout.Milliseconds()); err != nil {
			continue
		}
		env, err := (&messageOps{store: s, subj: subj, group: group, msgID: lease.MessageID, consumer: consumer}).loadEnvelope(ctx)
		if err != nil {
			continue
		}
		ops := &messageOps{store: s, subj: subj, group: group, msgID: lease.MessageID, consumer: consumer}
		msg := transport.NewMessage(env, subject.ToKey(subj), group, fmt.Sprintf("%d", seqFromMsgID(lease.MessageID)), ops)
		if err := handler(ctx, msg); err == nil {
			_ = msg.Ack(ctx)
		} else {
			_ = msg.Nak(ctx, ackTimeout)
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func msgIDFromSeq(seq uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(seq)
		seq >>= 8
	}
	return b
}

func seqFromMsgID(msgID []byte) uint64 {
	var seq uint64
	for _, b := range msgID {
		seq = seq<<8 | uint64(b)
	}
	return seq
}

func seqToken(seq uint64) eventlog.Token {
	var t eventlog.Token
	b := msgIDFromSeq(seq)
	copy(t[:], b)
	return t
}

func nextToken(cur eventlog.Token) eventlog.Token {
	return seqToken(cur.Seq() + 1)
}
