package local

import (
	"context"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/juju/errors"

	"github.com/rzbill/flostream/internal/codec"
	"github.com/rzbill/flostream/internal/record"
	"github.com/rzbill/flostream/internal/streamlog"
	logpkg "github.com/rzbill/flostream/pkg/log"
)

type subscription struct {
	memberID   string
	listener   streamlog.RebalanceListener
	generation int
}

type tailer struct {
	m      *Manager
	group  streamlog.Name
	codec  codec.Codec
	codecs map[streamlog.Name]codec.Codec
	sub    *subscription

	parts  []streamlog.Partition
	next   map[streamlog.Partition]int64
	buf    map[streamlog.Partition][]Entry
	rr     int
	closed atomic.Bool
}

var _ streamlog.Tailer = (*tailer)(nil)

func newTailer(m *Manager, group streamlog.Name, c codec.Codec, codecs map[streamlog.Name]codec.Codec) *tailer {
	return &tailer{
		m:      m,
		group:  group,
		codec:  c,
		codecs: codecs,
		next:   make(map[streamlog.Partition]int64),
		buf:    make(map[streamlog.Partition][]Entry),
	}
}

// assign replaces the partitions and positions each one at the group's
// committed position, or the first stored record.
func (t *tailer) assign(parts []streamlog.Partition) error {
	t.parts = append([]streamlog.Partition(nil), parts...)
	clear(t.next)
	clear(t.buf)
	t.rr = 0
	return t.toLastCommitted()
}

func (t *tailer) Group() streamlog.Name { return t.group }
func (t *tailer) Codec() codec.Codec    { return t.codec }
func (t *tailer) Closed() bool          { return t.closed.Load() }

func (t *tailer) Assignments() []streamlog.Partition {
	return append([]streamlog.Partition(nil), t.parts...)
}

func (t *tailer) Read(ctx context.Context, timeout time.Duration) (streamlog.ReadResult, error) {
	if t.closed.Load() {
		return streamlog.ReadResult{}, streamlog.ErrClosed
	}
	deadline := t.m.clock.Now().Add(timeout)
	for {
		var rebalance <-chan struct{}
		if t.sub != nil {
			changed, ch, err := t.checkAssignments()
			if err != nil || changed {
				return streamlog.RebalanceResult(), err
			}
			rebalance = ch
		}
		waits := make([]<-chan struct{}, 0, len(t.parts)+1)
		for _, p := range t.parts {
			waits = append(waits, t.m.store.Changed(p))
		}
		if rebalance != nil {
			waits = append(waits, rebalance)
		}

		lr, ok, err := t.readOnce()
		if err != nil || ok {
			if ok {
				return streamlog.OkResult(lr), nil
			}
			return streamlog.ReadResult{}, err
		}
		remaining := deadline.Sub(t.m.clock.Now())
		if remaining <= 0 {
			return streamlog.EmptyResult(), nil
		}
		if err := t.wait(ctx, waits, remaining); err != nil {
			return streamlog.EmptyResult(), err
		}
		if t.closed.Load() {
			return streamlog.ReadResult{}, streamlog.ErrClosed
		}
	}
}

// wait blocks until one of chans is closed, d elapses or ctx is done.
func (t *tailer) wait(ctx context.Context, chans []<-chan struct{}, d time.Duration) error {
	timer := t.m.clock.NewTimer(d)
	defer timer.Stop()
	cases := make([]reflect.SelectCase, 0, len(chans)+2)
	cases = append(cases,
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timer.Chan())},
	)
	for _, c := range chans {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(c)})
	}
	if chosen, _, _ := reflect.Select(cases); chosen == 0 {
		return ctx.Err()
	}
	return nil
}

// readOnce returns the next buffered or stored record, round-robin over the
// assigned partitions.
func (t *tailer) readOnce() (streamlog.LogRecord, bool, error) {
	n := len(t.parts)
	for i := 0; i < n; i++ {
		p := t.parts[(t.rr+i)%n]
		e, ok, err := t.peek(p)
		if err != nil {
			return streamlog.LogRecord{}, false, err
		}
		if !ok {
			continue
		}
		rec, err := decode(t.codecs[p.Name], e, p)
		if err != nil {
			return streamlog.LogRecord{}, false, err
		}
		t.buf[p] = t.buf[p][1:]
		t.next[p] = e.Position + 1
		t.rr = (t.rr + i + 1) % n
		return streamlog.LogRecord{Offset: streamlog.OffsetOf(p, e.Position), Record: rec}, true, nil
	}
	return streamlog.LogRecord{}, false, nil
}

func (t *tailer) peek(p streamlog.Partition) (Entry, bool, error) {
	for len(t.buf[p]) > 0 && t.buf[p][0].Position < t.next[p] {
		t.buf[p] = t.buf[p][1:]
	}
	if len(t.buf[p]) == 0 {
		es, err := t.m.store.Read(p, t.next[p], t.m.readBatch)
		if err != nil {
			return Entry{}, false, errors.Annotatef(err, "read %s", p)
		}
		t.buf[p] = es
	}
	if len(t.buf[p]) == 0 {
		return Entry{}, false, nil
	}
	return t.buf[p][0], true, nil
}

func decode(c codec.Codec, e Entry, p streamlog.Partition) (record.Record, error) {
	if e.Codec != c.Name() {
		return record.Record{}, streamlog.InvalidArgumentf("record %s@%d written with codec %s, read with %s", p, e.Position, e.Codec, c.Name())
	}
	rec, err := c.Decode(e.Payload)
	if err != nil {
		return record.Record{}, streamlog.InvalidArgumentf("decode %s@%d: %v", p, e.Position, err)
	}
	return rec, nil
}

// checkAssignments applies a pending rebalance. It reports true when the
// assignments changed, and returns the channel of the next rebalance.
func (t *tailer) checkAssignments() (bool, <-chan struct{}, error) {
	gen, parts, ch := t.m.coord.assignment(t.group, t.sub.memberID)
	if gen == t.sub.generation {
		return false, ch, nil
	}
	if t.sub.generation != 0 && t.sub.listener != nil {
		t.sub.listener.OnPartitionsRevoked(t.Assignments())
	}
	t.sub.generation = gen
	if err := t.assign(parts); err != nil {
		return true, ch, err
	}
	t.m.logger.Debug("partitions assigned",
		logpkg.Str("group", t.group.URN()), logpkg.Int("generation", gen), logpkg.Int("partitions", len(parts)))
	if t.sub.listener != nil {
		t.sub.listener.OnPartitionsAssigned(t.Assignments())
	}
	return true, ch, nil
}

func (t *tailer) assigned(p streamlog.Partition) bool {
	for _, q := range t.parts {
		if q == p {
			return true
		}
	}
	return false
}

func (t *tailer) Commit(ctx context.Context) error {
	if t.closed.Load() {
		return streamlog.ErrClosed
	}
	for _, p := range t.parts {
		if err := t.m.store.Commit(ctx, t.group, p, t.next[p]); err != nil {
			return errors.Annotatef(err, "commit %s", p)
		}
	}
	t.m.commits.Broadcast()
	return nil
}

func (t *tailer) CommitPartition(ctx context.Context, p streamlog.Partition) (streamlog.Offset, error) {
	if t.closed.Load() {
		return streamlog.Offset{}, streamlog.ErrClosed
	}
	if !t.assigned(p) {
		return streamlog.Offset{}, streamlog.IllegalStatef("partition %s not assigned to tailer of %s", p, t.group)
	}
	if err := t.m.store.Commit(ctx, t.group, p, t.next[p]); err != nil {
		return streamlog.Offset{}, errors.Annotatef(err, "commit %s", p)
	}
	t.m.commits.Broadcast()
	return streamlog.OffsetOf(p, t.next[p]), nil
}

func (t *tailer) ToStart(context.Context) error {
	if t.closed.Load() {
		return streamlog.ErrClosed
	}
	for _, p := range t.parts {
		first, _, err := t.m.store.Bounds(p)
		if err != nil {
			return err
		}
		t.moveTo(p, first)
	}
	return nil
}

func (t *tailer) ToEnd(context.Context) error {
	if t.closed.Load() {
		return streamlog.ErrClosed
	}
	for _, p := range t.parts {
		_, end, err := t.m.store.Bounds(p)
		if err != nil {
			return err
		}
		t.moveTo(p, end)
	}
	return nil
}

func (t *tailer) ToLastCommitted(context.Context) error {
	if t.closed.Load() {
		return streamlog.ErrClosed
	}
	return t.toLastCommitted()
}

func (t *tailer) toLastCommitted() error {
	for _, p := range t.parts {
		pos, ok, err := t.m.store.Committed(t.group, p)
		if err != nil {
			return err
		}
		if !ok {
			if pos, _, err = t.m.store.Bounds(p); err != nil {
				return err
			}
		}
		t.moveTo(p, pos)
	}
	return nil
}

func (t *tailer) Reset(ctx context.Context) error {
	if t.closed.Load() {
		return streamlog.ErrClosed
	}
	for _, p := range t.parts {
		if err := t.m.store.DeleteCommit(t.group, p); err != nil {
			return errors.Annotatef(err, "reset %s", p)
		}
	}
	t.m.commits.Broadcast()
	return t.ToStart(ctx)
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
	delete(t.buf, p)
}

func (t *tailer) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	if t.sub != nil {
		t.m.coord.leave(t.group, t.sub.memberID)
	}
	t.m.release(t)
	return nil
}
