package kafkalog

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/rzbill/flostream/internal/codec"
	"github.com/rzbill/flostream/internal/record"
	"github.com/rzbill/flostream/internal/streamlog"
	logpkg "github.com/rzbill/flostream/pkg/log"
)

type rebalance struct {
	revoked  []streamlog.Partition
	assigned []streamlog.Partition
}

type tailer struct {
	m        *Manager
	group    streamlog.Name
	codec    codec.Codec
	codecs   map[string]codec.Codec
	listener streamlog.RebalanceListener
	dynamic  bool
	cl       *kgo.Client

	// mu guards parts and pending, which group callbacks update.
	mu      sync.Mutex
	parts   []streamlog.Partition
	pending []rebalance

	next   map[streamlog.Partition]int64
	buf    []*kgo.Record
	closed atomic.Bool
}

var _ streamlog.Tailer = (*tailer)(nil)

func newTailer(m *Manager, group streamlog.Name, c codec.Codec, codecs map[string]codec.Codec) *tailer {
	return &tailer{
		m:      m,
		group:  group,
		codec:  c,
		codecs: codecs,
		next:   make(map[streamlog.Partition]int64),
	}
}

// startStatic consumes partitions directly, from the group's committed
// offsets or the start of each partition.
func (t *tailer) startStatic(partitions []streamlog.Partition) error {
	ctx, cancel := t.m.adminCtx()
	defer cancel()
	t.parts = append([]streamlog.Partition(nil), partitions...)
	if err := t.toLastCommitted(ctx); err != nil {
		return err
	}
	consume := map[string]map[int32]kgo.Offset{}
	for _, p := range t.parts {
		topic := t.m.topic(p.Name)
		if consume[topic] == nil {
			consume[topic] = map[int32]kgo.Offset{}
		}
		consume[topic][int32(p.Index)] = kgo.NewOffset().At(t.next[p])
	}
	cl, err := kgo.NewClient(append(baseOpts(t.m.opts),
		kgo.ConsumePartitions(consume),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)...)
	if err != nil {
		return errors.Annotate(err, "new kafka consumer")
	}
	t.cl = cl
	return nil
}

// startGroup joins the consumer group; assignments arrive through the
// partition callbacks.
func (t *tailer) startGroup(names []streamlog.Name) error {
	topics := make([]string, 0, len(names))
	for _, n := range names {
		topics = append(topics, t.m.topic(n))
	}
	t.dynamic = true
	cl, err := kgo.NewClient(append(baseOpts(t.m.opts),
		kgo.ConsumerGroup(t.group.URN()),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			t.onRebalance(nil, t.partitionsOf(assigned))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			t.onRebalance(t.partitionsOf(revoked), nil)
		}),
		kgo.OnPartitionsLost(func(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
			t.onRebalance(t.partitionsOf(lost), nil)
		}),
	)...)
	if err != nil {
		return errors.Annotate(err, "new kafka group consumer")
	}
	t.cl = cl
	return nil
}

func (t *tailer) partitionsOf(byTopic map[string][]int32) []streamlog.Partition {
	var out []streamlog.Partition
	for topic, idxs := range byTopic {
		name, ok := t.m.nameOf(topic)
		if !ok {
			continue
		}
		for _, i := range idxs {
			out = append(out, streamlog.PartitionOf(name, int(i)))
		}
	}
	return out
}

func (t *tailer) onRebalance(revoked, assigned []streamlog.Partition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	gone := map[streamlog.Partition]bool{}
	for _, p := range revoked {
		gone[p] = true
	}
	parts := t.parts[:0:0]
	for _, p := range t.parts {
		if !gone[p] {
			parts = append(parts, p)
		}
	}
	t.parts = append(parts, assigned...)
	slices.SortFunc(t.parts, streamlog.ComparePartitions)
	t.pending = append(t.pending, rebalance{revoked: revoked, assigned: assigned})
}

// drainRebalance runs the listener for rebalances seen since the last read.
// Buffered records of revoked partitions are skipped by pop.
func (t *tailer) drainRebalance() bool {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	if len(pending) == 0 {
		return false
	}
	for _, r := range pending {
		for _, p := range r.revoked {
			delete(t.next, p)
		}
		if t.listener != nil && len(r.revoked) > 0 {
			t.listener.OnPartitionsRevoked(r.revoked)
		}
		if t.listener != nil && len(r.assigned) > 0 {
			t.listener.OnPartitionsAssigned(r.assigned)
		}
	}
	t.m.logger.Debug("partitions rebalanced",
		logpkg.Str("group", t.group.URN()), logpkg.Int("partitions", len(t.Assignments())))
	return true
}

func (t *tailer) Group() streamlog.Name { return t.group }
func (t *tailer) Codec() codec.Codec    { return t.codec }
func (t *tailer) Closed() bool          { return t.closed.Load() }

func (t *tailer) Assignments() []streamlog.Partition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]streamlog.Partition(nil), t.parts...)
}

func (t *tailer) assigned(p streamlog.Partition) bool {
	for _, q := range t.Assignments() {
		if q == p {
			return true
		}
	}
	return false
}

func (t *tailer) Read(ctx context.Context, timeout time.Duration) (streamlog.ReadResult, error) {
	if t.closed.Load() {
		return streamlog.ReadResult{}, streamlog.ErrClosed
	}
	deadline := time.Now().Add(timeout)
	for {
		if t.dynamic && t.drainRebalance() {
			return streamlog.RebalanceResult(), nil
		}
		lr, ok, err := t.pop()
		if err != nil {
			return streamlog.ReadResult{}, err
		}
		if ok {
			return streamlog.OkResult(lr), nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return streamlog.EmptyResult(), nil
		}
		if err := t.poll(ctx, remaining); err != nil {
			return streamlog.EmptyResult(), err
		}
	}
}

func (t *tailer) poll(ctx context.Context, d time.Duration) error {
	pctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	fetches := t.cl.PollFetches(pctx)
	if t.dynamic {
		defer t.cl.AllowRebalance()
	}
	if fetches.IsClientClosed() || t.closed.Load() {
		return streamlog.ErrClosed
	}
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}
		return errors.Annotatef(fe.Err, "fetch %s/%d", fe.Topic, fe.Partition)
	}
	t.buf = append(t.buf, fetches.Records()...)
	return nil
}

// pop returns the next buffered record of an assigned partition at or past
// its read position.
func (t *tailer) pop() (streamlog.LogRecord, bool, error) {
	for len(t.buf) > 0 {
		r := t.buf[0]
		t.buf = t.buf[1:]
		name, ok := t.m.nameOf(r.Topic)
		if !ok {
			continue
		}
		p := streamlog.PartitionOf(name, int(r.Partition))
		if next, ok := t.next[p]; ok && r.Offset < next {
			continue
		}
		if !t.assigned(p) {
			continue
		}
		rec, err := decode(t.codecs[r.Topic], r)
		if err != nil {
			return streamlog.LogRecord{}, false, err
		}
		t.next[p] = r.Offset + 1
		return streamlog.LogRecord{Offset: streamlog.OffsetOf(p, r.Offset), Record: rec}, true, nil
	}
	return streamlog.LogRecord{}, false, nil
}

func decode(c codec.Codec, r *kgo.Record) (record.Record, error) {
	name := codec.LegacyName
	for _, h := range r.Headers {
		if h.Key == codecHeader {
			name = string(h.Value)
		}
	}
	if name != c.Name() {
		return record.Record{}, streamlog.InvalidArgumentf("record %s/%d@%d written with codec %s, read with %s",
			r.Topic, r.Partition, r.Offset, name, c.Name())
	}
	rec, err := c.Decode(r.Value)
	if err != nil {
		return record.Record{}, streamlog.InvalidArgumentf("decode %s/%d@%d: %v", r.Topic, r.Partition, r.Offset, err)
	}
	return rec, nil
}

// positions returns the read position of every assigned partition that has
// one.
func (t *tailer) positions() map[streamlog.Partition]int64 {
	out := map[streamlog.Partition]int64{}
	for _, p := range t.Assignments() {
		if pos, ok := t.next[p]; ok {
			out[p] = pos
		}
	}
	return out
}

func (t *tailer) commit(ctx context.Context, positions map[streamlog.Partition]int64) error {
	if len(positions) == 0 {
		return nil
	}
	if t.dynamic {
		marks := map[string]map[int32]kgo.EpochOffset{}
		for p, pos := range positions {
			topic := t.m.topic(p.Name)
			if marks[topic] == nil {
				marks[topic] = map[int32]kgo.EpochOffset{}
			}
			marks[topic][int32(p.Index)] = kgo.EpochOffset{Epoch: -1, Offset: pos}
		}
		t.cl.MarkCommitOffsets(marks)
		return errors.Annotatef(t.cl.CommitMarkedOffsets(ctx), "commit group %s", t.group)
	}
	offsets := make(kadm.Offsets)
	for p, pos := range positions {
		offsets.AddOffset(t.m.topic(p.Name), int32(p.Index), pos, -1)
	}
	resps, err := t.m.admin.CommitOffsets(ctx, t.group.URN(), offsets)
	if err != nil {
		return errors.Annotatef(err, "commit group %s", t.group)
	}
	for _, byPartition := range resps {
		for _, r := range byPartition {
			if r.Err != nil {
				return errors.Annotatef(r.Err, "commit %s/%d", r.Topic, r.Partition)
			}
		}
	}
	return nil
}

func (t *tailer) Commit(ctx context.Context) error {
	if t.closed.Load() {
		return streamlog.ErrClosed
	}
	return t.commit(ctx, t.positions())
}

func (t *tailer) CommitPartition(ctx context.Context, p streamlog.Partition) (streamlog.Offset, error) {
	if t.closed.Load() {
		return streamlog.Offset{}, streamlog.ErrClosed
	}
	if !t.assigned(p) {
		return streamlog.Offset{}, streamlog.IllegalStatef("partition %s not assigned to tailer of %s", p, t.group)
	}
	pos, ok := t.next[p]
	if !ok {
		return streamlog.Offset{}, streamlog.IllegalStatef("partition %s has no read position yet", p)
	}
	if err := t.commit(ctx, map[streamlog.Partition]int64{p: pos}); err != nil {
		return streamlog.Offset{}, err
	}
	return streamlog.OffsetOf(p, pos), nil
}

// moveAll repositions every assigned partition using bounds, which maps a
// topic to positions by partition index.
func (t *tailer) moveAll(ctx context.Context, bounds func(context.Context, string) (map[int32]int64, error)) error {
	byTopic := map[string]map[int32]int64{}
	for _, p := range t.Assignments() {
		topic := t.m.topic(p.Name)
		if _, ok := byTopic[topic]; !ok {
			b, err := bounds(ctx, topic)
			if err != nil {
				return errors.Annotatef(err, "offsets of %s", topic)
			}
			byTopic[topic] = b
		}
		t.moveTo(p, byTopic[topic][int32(p.Index)])
	}
	return nil
}

func (t *tailer) ToStart(ctx context.Context) error {
	if t.closed.Load() {
		return streamlog.ErrClosed
	}
	return t.moveAll(ctx, t.m.startOffsets)
}

func (t *tailer) ToEnd(ctx context.Context) error {
	if t.closed.Load() {
		return streamlog.ErrClosed
	}
	return t.moveAll(ctx, t.m.endOffsets)
}

func (t *tailer) ToLastCommitted(ctx context.Context) error {
	if t.closed.Load() {
		return streamlog.ErrClosed
	}
	return t.toLastCommitted(ctx)
}

func (t *tailer) toLastCommitted(ctx context.Context) error {
	return t.moveAll(ctx, func(ctx context.Context, topic string) (map[int32]int64, error) {
		starts, err := t.m.startOffsets(ctx, topic)
		if err != nil {
			return nil, err
		}
		committed, err := t.m.committed(ctx, t.group, topic)
		if err != nil {
			return nil, err
		}
		for p, pos := range committed {
			if pos > starts[p] {
				starts[p] = pos
			}
		}
		return starts, nil
	})
}

// Reset moves the group's commits back to the start of each partition;
// brokers refuse to drop offsets of a group with live members.
func (t *tailer) Reset(ctx context.Context) error {
	if t.closed.Load() {
		return streamlog.ErrClosed
	}
	if err := t.ToStart(ctx); err != nil {
		return err
	}
	return t.commit(ctx, t.positions())
}

func (t *tailer) Seek(_ context.Context, offset streamlog.Offset) error {
	if t.closed.Load() {
		return streamlog.ErrClosed
	}
	if !t.assigned(offset.Partition) {
		return streamlog.IllegalStatef("cannot seek %s: partition not assigned", offset)
	}
	t.moveTo(offset.Partition, offset.Position)
	return nil
}

func (t *tailer) moveTo(p streamlog.Partition, pos int64) {
	t.next[p] = pos
	kept := t.buf[:0]
	topic := t.m.topic(p.Name)
	for _, r := range t.buf {
		if r.Topic != topic || int(r.Partition) != p.Index {
			kept = append(kept, r)
		}
	}
	t.buf = kept
	if t.cl != nil {
		t.cl.SetOffsets(map[string]map[int32]kgo.EpochOffset{
			topic: {int32(p.Index): {Epoch: -1, Offset: pos}},
		})
	}
}

func (t *tailer) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	if t.cl != nil {
		t.cl.Close()
	}
	t.m.release(t)
	return nil
}
