package local

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/errors"

	"github.com/rzbill/flostream/internal/codec"
	"github.com/rzbill/flostream/internal/record"
	"github.com/rzbill/flostream/internal/streamlog"
)

type appender struct {
	m      *Manager
	name   streamlog.Name
	size   int
	codec  codec.Codec
	closed atomic.Bool
}

func (a *appender) Name() streamlog.Name { return a.name }
func (a *appender) Size() int            { return a.size }
func (a *appender) Codec() codec.Codec   { return a.codec }
func (a *appender) Closed() bool         { return a.closed.Load() }

func (a *appender) Append(ctx context.Context, partition int, rec record.Record) (streamlog.Offset, error) {
	if a.closed.Load() || a.m.isClosed() {
		return streamlog.Offset{}, streamlog.ErrClosed
	}
	if partition < 0 || partition >= a.size {
		return streamlog.Offset{}, streamlog.InvalidArgumentf("partition %d out of range for %s (size %d)", partition, a.name, a.size)
	}
	payload, err := a.codec.Encode(rec)
	if err != nil {
		return streamlog.Offset{}, errors.Annotatef(err, "encode record %q", rec.Key)
	}
	p := streamlog.PartitionOf(a.name, partition)
	pos, err := a.m.store.Append(ctx, p, a.m.clock.Now().UnixMilli(), a.codec.Name(), payload)
	if err != nil {
		return streamlog.Offset{}, errors.Annotatef(err, "append to %s", p)
	}
	return streamlog.OffsetOf(p, pos), nil
}

func (a *appender) AppendKey(ctx context.Context, key string, rec record.Record) (streamlog.Offset, error) {
	return a.Append(ctx, streamlog.PartitionFor(key, a.size), rec)
}

func (a *appender) WaitFor(ctx context.Context, offset streamlog.Offset, group streamlog.Name, timeout time.Duration) (bool, error) {
	if a.closed.Load() {
		return false, streamlog.ErrClosed
	}
	timer := a.m.clock.NewTimer(timeout)
	defer timer.Stop()
	for {
		changed := a.m.commits.Wait()
		committed, ok, err := a.m.store.Committed(group, offset.Partition)
		if err != nil {
			return false, err
		}
		if ok && committed > offset.Position {
			return true, nil
		}
		select {
		case <-changed:
		case <-timer.Chan():
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (a *appender) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	a.m.forget(a)
	return nil
}
