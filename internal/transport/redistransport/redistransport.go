// Package redistransport implements transport.Transport against a
// Redis-style streams backend: XADD/XREADGROUP/XAUTOCLAIM/XACK/XGROUP
// CREATE/XTRIM/XPENDING, ported from original_source's transport-redis
// crate. Nak is claim-based: it leaves the entry in the PEL for XAUTOCLAIM
// to redeliver after the subscription's ack_timeout elapses.
package redistransport

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/graybear-io/gbe-nexus/internal/envelope"
	"github.com/graybear-io/gbe-nexus/internal/filter"
	"github.com/graybear-io/gbe-nexus/internal/resilience"
	"github.com/graybear-io/gbe-nexus/internal/subject"
	"github.com/graybear-io/gbe-nexus/internal/transport"
	"github.com/graybear-io/gbe-nexus/pkg/log"
)

const envelopeField = "envelope"

// Store is a Redis Streams-backed transport.Transport.
type Store struct {
	client  *redis.Client
	breaker *resilience.Breaker
	logger  log.Logger
	closed  atomic.Bool
}

// New wraps an existing go-redis client. breaker may be nil.
func New(client *redis.Client, breaker *resilience.Breaker, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Store{client: client, breaker: breaker, logger: logger}
}

func (s *Store) do(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.breaker == nil {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("%w: %v", transport.ErrBackendTransient, err)
		}
		return nil
	}
	if err := s.breaker.Do(ctx, fn); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrBackendTransient, err)
	}
	return nil
}

func consumerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString())
}

func (s *Store) Publish(ctx context.Context, subj string, payload []byte, opts transport.PublishOpts) (string, error) {
	if s.closed.Load() {
		return "", transport.ErrTransportClosed
	}
	if len(payload) > transport.DefaultMaxPayloadSize {
		return "", transport.ErrPayloadTooLarge
	}

	env := envelope.Envelope{
		MessageID:   uuid.NewString(),
		Subject:     subj,
		TimestampMs: time.Now().UnixMilli(),
		TraceID:     opts.TraceID,
		Payload:     payload,
	}
	wire, err := envelope.Encode(env)
	if err != nil {
		return "", fmt.Errorf("%w: %v", transport.ErrBackendPermanent, err)
	}

	key := subject.ToKey(subj)
	err = s.do(ctx, func(ctx context.Context) error {
		return s.client.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			Values: map[string]interface{}{envelopeField: wire},
		}).Err()
	})
	if err != nil {
		return "", err
	}
	return env.MessageID, nil
}

func (s *Store) EnsureStream(ctx context.Context, cfg transport.StreamConfig) error {
	key := subject.ToKey(cfg.Subject)
	return s.do(ctx, func(ctx context.Context) error {
		err := s.client.XGroupCreateMkStream(ctx, key, "_init", "$").Err()
		if err != nil && !isBusyGroup(err) {
			return err
		}
		return nil
	})
}

func (s *Store) TrimStream(ctx context.Context, subj string, minAge time.Duration) (int, error) {
	key := subject.ToKey(subj)
	cutoffMs := time.Now().Add(-minAge).UnixMilli()
	minID := fmt.Sprintf("%d-0", cutoffMs)

	var removed int64
	err := s.do(ctx, func(ctx context.Context) error {
		n, err := s.client.XTrimMinIDApprox(ctx, key, minID, 100).Result()
		removed = n
		return err
	})
	return int(removed), err
}

func (s *Store) Ping(ctx context.Context) (bool, error) {
	var pong string
	err := s.do(ctx, func(ctx context.Context) error {
		v, err := s.client.Ping(ctx).Result()
		pong = v
		return err
	})
	if err != nil {
		return false, err
	}
	return pong == "PONG", nil
}

func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Store) PendingCount(ctx context.Context, subj, group string) (int, error) {
	key := subject.ToKey(subj)
	var count int64
	err := s.do(ctx, func(ctx context.Context) error {
		summary, err := s.client.XPending(ctx, key, group).Result()
		if err != nil {
			return err
		}
		count = summary.Count
		return nil
	})
	return int(count), err
}

type messageOps struct {
	store     *Store
	streamKey string
	group     string
	entryID   string
	env       envelope.Envelope
	acked     atomic.Bool
}

func (o *messageOps) Ack(ctx context.Context) error {
	if !o.acked.CompareAndSwap(false, true) {
		return nil
	}
	return o.store.do(ctx, func(ctx context.Context) error {
		return o.store.client.XAck(ctx, o.streamKey, o.group, o.entryID).Err()
	})
}

// nak is claim-based: the entry simply stays in the PEL. XAUTOCLAIM in the
// consumer loop redelivers it once ack_timeout elapses.
func (o *messageOps) Nak(ctx context.Context, delay time.Duration) error {
	return nil
}

func (o *messageOps) DeadLetter(ctx context.Context, reason string) error {
	if !o.acked.CompareAndSwap(false, true) {
		return nil
	}
	domain, err := subject.ExtractDomain(subject.FromKey(o.streamKey))
	if err != nil {
		domain = "unknown"
	}
	dlKey := "gbe:_deadletter:" + domain

	wire, err := envelope.Encode(o.env)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrBackendPermanent, err)
	}

	return o.store.do(ctx, func(ctx context.Context) error {
		pipe := o.store.client.TxPipeline()
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: dlKey,
			Values: map[string]interface{}{envelopeField: wire, "reason": reason},
		})
		pipe.XAck(ctx, o.streamKey, o.group, o.entryID)
		_, err := pipe.Exec(ctx)
		return err
	})
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

	key := subject.ToKey(subj)
	consumer := consumerID()

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = transport.DefaultBatchSize
	}
	ackTimeout := opts.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = transport.DefaultAckTimeout
	}

	startID := startIDFor(opts.StartFrom)
	if err := s.client.XGroupCreateMkStream(ctx, key, group, startID).Err(); err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("%w: %v", transport.ErrBackendTransient, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel}
	sub.active.Store(true)

	go s.consumerLoop(subCtx, key, group, consumer, handler, opts, batchSize, ackTimeout, sub)

	return sub, nil
}

func (s *Store) consumerLoop(ctx context.Context, key, group, consumer string, handler transport.Handler, opts transport.SubscribeOpts, batchSize int, ackTimeout time.Duration, sub *subscription) {
	defer sub.active.Store(false)

	lastReclaim := time.Now().Add(-ackTimeout)
	reclaimInterval := ackTimeout / 2
	if reclaimInterval <= 0 {
		reclaimInterval = time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if s.closed.Load() {
			return
		}

		if opts.MaxInflight > 0 {
			pending, err := s.PendingCount(ctx, subject.FromKey(key), group)
			if err == nil && pending >= opts.MaxInflight {
				if !sleepOrDone(ctx, 100*time.Millisecond) {
					return
				}
				continue
			}
		}

		if time.Since(lastReclaim) >= reclaimInterval {
			s.reclaim(ctx, key, group, consumer, ackTimeout, batchSize, handler, opts)
			lastReclaim = time.Now()
		}

		res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{key, ">"},
			Count:    int64(batchSize),
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if err != redis.Nil && ctx.Err() == nil {
				s.logger.Warn("XREADGROUP error", log.Str("stream", key), log.Err(err))
				if !sleepOrDone(ctx, time.Second) {
					return
				}
			}
			continue
		}

		for _, streamRes := range res {
			for _, xm := range streamRes.Messages {
				if s.closed.Load() {
					return
				}
				s.deliver(ctx, key, group, consumer, xm, handler, opts)
			}
		}
	}
}

func (s *Store) reclaim(ctx context.Context, key, group, consumer string, ackTimeout time.Duration, batchSize int, handler transport.Handler, opts transport.SubscribeOpts) {
	claimed, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   key,
		Group:    group,
		Consumer: consumer,
		MinIdle:  ackTimeout,
		Start:    "0-0",
		Count:    int64(batchSize),
	}).Result()
	if err != nil {
		return
	}
	for _, xm := range claimed {
		s.deliver(ctx, key, group, consumer, xm, handler, opts)
	}
}

func (s *Store) deliver(ctx context.Context, key, group, consumer string, xm redis.XMessage, handler transport.Handler, opts transport.SubscribeOpts) {
	raw, ok := xm.Values[envelopeField]
	if !ok {
		s.logger.Warn("stream entry missing envelope field", log.Str("entry_id", xm.ID))
		return
	}
	var wire []byte
	switch v := raw.(type) {
	case string:
		wire = []byte(v)
	case []byte:
		wire = v
	default:
		s.logger.Warn("stream entry envelope field has unexpected type", log.Str("entry_id", xm.ID))
		return
	}

	env, err := envelope.Decode(wire)
	if err != nil {
		s.logger.Warn("failed to decode envelope", log.Str("entry_id", xm.ID), log.Err(err))
		return
	}

	if opts.Filter.Enabled() {
		traceID := ""
		if env.TraceID != nil {
			traceID = *env.TraceID
		}
		vars := filter.EnvelopeVars{Subject: env.Subject, MessageID: env.MessageID, TimestampMs: env.TimestampMs, TraceID: traceID, Payload: env.Payload}
		if !opts.Filter.EvalEnvelope(vars) {
			return
		}
	}

	ops := &messageOps{store: s, streamKey: key, group: group, entryID: xm.ID, env: env}
	msg := transport.NewMessage(env, key, group, xm.ID, ops)
	if err := handler(ctx, msg); err == nil {
		_ = msg.Ack(ctx)
	} else {
		_ = msg.Nak(ctx, 0)
	}
}

func startIDFor(sf transport.StartFrom) string {
	switch sf.Mode {
	case transport.StartEarliest:
		return "0"
	case transport.StartID:
		if sf.EntryID != "" {
			return sf.EntryID
		}
		return "$"
	case transport.StartTimestamp:
		return fmt.Sprintf("%d-0", sf.TimestampMs)
	default:
		return "$"
	}
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
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

