// Package eventlog implements the per-partition append-only log used by the
// embedded file backend.
//
// # Overview
//
// Each (log id, partition) pair is persisted in Pebble. Keys are
// lexicographically ordered for efficient range scans:
//   - log/{id}/p/{part_be4}/m           (partition metadata: lastSeq)
//   - log/{id}/p/{part_be4}/e/{seq_be8} (entries)
//   - log/{id}/c/{group}/{part_be4}     (durable group cursors)
//
// Entries are stored as: varint headerLen | header | payload | crc32c(header|payload).
// Headers built by EncodeHeader carry the append time used by retention.
//
// API surface (internal)
//
//	l, _ := OpenLog(db, "orders", 0)
//	// Append a batch atomically; returns assigned seq numbers
//	seqs, _ := l.Append(ctx, []AppendRecord{{Header: EncodeHeader(nowMs, "json"), Payload: p}})
//
//	// Read forward/reverse with an optional start token and limit
//	items, next, _ := l.Read(ReadOptions{Start: TokenFromSeq(seqs[0]), Limit: 100})
//	_ = next // resume position
//
//	// Blocking wait/notify
//	woke := l.WaitForAppend(200 * time.Millisecond)
//	_ = woke
//
//	// Durable consumer cursors; the latest commit wins, even when lower
//	_ = l.CommitCursor("groupA", TokenFromSeq(seqs[len(seqs)-1]))
//
//	// Trims: by age using header timestamps, or by total bytes budget.
//	// Both batch and throttle deletes and report ranges via TrimHook.
//	_, _, _ = l.TrimOlderThan(ctx, cutoffMs, 1024, 0, nil)
//	_, _ = l.TrimToMaxBytes(ctx, maxBytes, 1024, 0)
package eventlog
