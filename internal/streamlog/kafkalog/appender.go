package kafkalog

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/rzbill/flostream/internal/codec"
	"github.com/rzbill/flostream/internal/record"
	"github.com/rzbill/flostream/internal/streamlog"
)

// commitPollInterval paces WaitFor; brokers do not push commit changes.
const commitPollInterval = 100 * time.Millisecond

type appender struct {
	m      *Manager
	name   streamlog.Name
	topic  string
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
	kr := &kgo.Record{
		Topic:     a.topic,
		Partition: int32(partition),
		Key:       []byte(rec.Key),
		Value:     payload,
		Headers:   []kgo.RecordHeader{{Key: codecHeader, Value: []byte(a.codec.Name())}},
	}
	out, err := a.m.producer.ProduceSync(ctx, kr).First()
	if err != nil {
		return streamlog.Offset{}, errors.Annotatef(err, "produce to %s", a.topic)
	}
	return streamlog.OffsetOf(streamlog.PartitionOf(a.name, partition), out.Offset), nil
}

func (a *appender) AppendKey(ctx context.Context, key string, rec record.Record) (streamlog.Offset, error) {
	return a.Append(ctx, streamlog.PartitionFor(key, a.size), rec)
}

func (a *appender) WaitFor(ctx context.Context, offset streamlog.Offset, group streamlog.Name, timeout time.Duration) (bool, error) {
	if a.closed.Load() {
		return false, streamlog.ErrClosed
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(commitPollInterval)
	defer tick.Stop()
	topic := a.m.topic(offset.Partition.Name)
	for {
		committed, err := a.m.committed(ctx, group, topic)
		if err != nil {
			return false, err
		}
		if c, ok := committed[int32(offset.Partition.Index)]; ok && c > offset.Position {
			return true, nil
		}
		select {
		case <-tick.C:
		case <-deadline.C:
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
