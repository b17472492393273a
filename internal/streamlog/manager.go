package streamlog

import (
	"context"
	"time"

	"github.com/rzbill/flostream/internal/codec"
	"github.com/rzbill/flostream/internal/record"
)

// Manager creates logs and opens appenders and tailers on them.
type Manager interface {
	// CreateIfNotExists returns false when the log exists; its partition
	// count is never changed.
	CreateIfNotExists(ctx context.Context, name Name, partitions int) (bool, error)
	Exists(name Name) bool
	// Size is the partition count, 0 for an unknown log.
	Size(name Name) int
	Delete(ctx context.Context, name Name) (bool, error)
	ListAll() []Name
	ListConsumerGroups(name Name) []Name

	// GetAppender opens a writer. A nil codec reuses the codec already used
	// in this session for the log, otherwise the legacy codec.
	GetAppender(name Name, c codec.Codec) (Appender, error)
	// CreateTailer opens a reader on a fixed set of partitions.
	CreateTailer(group Name, partitions []Partition, c codec.Codec) (Tailer, error)
	SupportsSubscribe() bool
	// Subscribe opens a reader whose partitions are assigned by the backend.
	// Assignments are empty until the first Read.
	Subscribe(group Name, names []Name, listener RebalanceListener, c codec.Codec) (Tailer, error)

	GetLag(name, group Name) Lag
	GetLagPerPartition(name, group Name) []Lag
	GetLatency(ctx context.Context, name, group Name, c codec.Codec, ts TimestampFunc, key KeyFunc) (Latency, error)
	GetLatencyPerPartition(ctx context.Context, name, group Name, c codec.Codec, ts TimestampFunc, key KeyFunc) ([]Latency, error)

	// Close closes every appender and tailer opened by the manager.
	Close() error
}

// TimestampFunc extracts an event time in milliseconds from a record.
type TimestampFunc func(record.Record) int64

// KeyFunc extracts a display key from a record.
type KeyFunc func(record.Record) string

// Appender writes to the partitions of one log. Safe for concurrent use.
type Appender interface {
	Name() Name
	Size() int
	Codec() codec.Codec
	Append(ctx context.Context, partition int, rec record.Record) (Offset, error)
	// AppendKey writes to PartitionFor(key, Size()).
	AppendKey(ctx context.Context, key string, rec record.Record) (Offset, error)
	// WaitFor blocks until group committed past offset, or timeout elapses.
	WaitFor(ctx context.Context, offset Offset, group Name, timeout time.Duration) (bool, error)
	Closed() bool
	Close() error
}

// Tailer reads partitions on behalf of a consumer group. Not safe for
// concurrent use.
type Tailer interface {
	// Read returns the next record, Empty after timeout, or
	// RebalanceInProgress when the assignments changed.
	Read(ctx context.Context, timeout time.Duration) (ReadResult, error)
	// Commit persists the read position of every assigned partition.
	Commit(ctx context.Context) error
	CommitPartition(ctx context.Context, p Partition) (Offset, error)
	ToStart(ctx context.Context) error
	ToEnd(ctx context.Context) error
	ToLastCommitted(ctx context.Context) error
	// Reset drops the group's commits on the assigned partitions and moves
	// to the start.
	Reset(ctx context.Context) error
	Seek(ctx context.Context, offset Offset) error
	Assignments() []Partition
	Group() Name
	Codec() codec.Codec
	Closed() bool
	Close() error
}

// RebalanceListener is told about dynamic assignment changes.
type RebalanceListener interface {
	OnPartitionsRevoked(partitions []Partition)
	OnPartitionsAssigned(partitions []Partition)
}

// RebalanceFuncs adapts plain functions to RebalanceListener. Nil fields are
// skipped.
type RebalanceFuncs struct {
	Revoked  func([]Partition)
	Assigned func([]Partition)
}

func (f RebalanceFuncs) OnPartitionsRevoked(ps []Partition) {
	if f.Revoked != nil {
		f.Revoked(ps)
	}
}

func (f RebalanceFuncs) OnPartitionsAssigned(ps []Partition) {
	if f.Assigned != nil {
		f.Assigned(ps)
	}
}

// CreateTailerForLog opens a tailer on every partition of name.
func CreateTailerForLog(m Manager, group, name Name, c codec.Codec) (Tailer, error) {
	size := m.Size(name)
	if size == 0 {
		return nil, InvalidArgumentf("unknown log %s", name)
	}
	return m.CreateTailer(group, PartitionsOf(name, size), c)
}
