// Package eventlog implements an append-only, per-stream log used as the
// durable backing store for the Pebble-backed Transport.
//
// # Overview
//
// Each (namespace, topic, partition) triple is its own log, persisted in
// Pebble. Keys are lexicographically ordered for efficient range scans:
//   - ns/{ns}/log/{topic}/{part_be4}/m           (partition metadata: lastSeq)
//   - ns/{ns}/log/{topic}/{part_be4}/e/{seq_be8} (entries)
//   - ns/{ns}/cursor/{topic}/{group}/{part_be4}  (durable group read cursors)
//
// Records are stored as: varint(headerLen) | header | payload | crc32c(header|payload).
//
// API surface (internal)
//
//	l, _ := OpenLog(db, ns, topic, part)
//	// Append a batch atomically; returns assigned seq numbers
//	seqs, _ := l.Append(ctx, []AppendRecord{{Header: h, Payload: p}})
//
//	// Read forward/reverse with an optional start token and limit
//	items, next := l.Read(ReadOptions{Start: tokenFromSeq(seqs[0]), Limit: 100})
//	_ = next // resume position
//
//	// Blocking wait/notify
//	woke := l.WaitForAppend(200 * time.Millisecond)
//	_ = woke
//
//	// Durable last-delivered cursor (advances on read, not on ack; the
//	// transport's pending-entries tracking is a separate concern, see
//	// internal/transport/pebble)
//	_ = l.CommitCursor("groupA", tokenFromSeq(seqs[len(seqs)-1]))
//
//	// Trims (approximate): by age using header timestamps, or by total
//	// bytes budget. Both batch and throttle deletes.
//	_, _, _ = l.TrimOlderThan(ctx, cutoffMs, 1024, 0, tsExtractor)
//	_, _ = l.TrimToMaxBytes(ctx, maxBytes, 1024, 0)
package eventlog
