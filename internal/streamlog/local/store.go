// Package local implements streamlog.Manager over an embedded Store. The
// memory and pebble backends only provide the Store; claims, codec pinning,
// tailer positions and subscribe coordination live here.
package local

import (
	"context"
	"sync"

	"github.com/rzbill/flostream/internal/streamlog"
)

// LogInfo is the persisted description of a log.
type LogInfo struct {
	Name       streamlog.Name
	Partitions int
	// Codec is the pinned codec name, empty until first explicit use.
	Codec string
}

// Entry is a stored record.
type Entry struct {
	Position int64
	AppendMs int64
	Codec    string
	Payload  []byte
}

// Store persists logs, entries and group positions.
type Store interface {
	CreateLog(ctx context.Context, name streamlog.Name, partitions int) (bool, error)
	LogInfo(name streamlog.Name) (LogInfo, bool, error)
	Logs() ([]LogInfo, error)
	SetCodec(name streamlog.Name, codec string) error
	DeleteLog(ctx context.Context, name streamlog.Name) (bool, error)

	// Append returns the position written.
	Append(ctx context.Context, p streamlog.Partition, appendMs int64, codec string, payload []byte) (int64, error)
	// Read returns up to limit entries with a position >= from, in order.
	Read(p streamlog.Partition, from int64, limit int) ([]Entry, error)
	// Bounds returns the first stored position and the end position.
	Bounds(p streamlog.Partition) (first, end int64, err error)
	// Changed returns a channel closed by the next append to p.
	Changed(p streamlog.Partition) <-chan struct{}

	Commit(ctx context.Context, group streamlog.Name, p streamlog.Partition, position int64) error
	Committed(group streamlog.Name, p streamlog.Partition) (int64, bool, error)
	DeleteCommit(group streamlog.Name, p streamlog.Partition) error
	// Groups lists the groups with a commit on the log.
	Groups(name streamlog.Name) ([]streamlog.Name, error)

	Close() error
}

// Signal is a broadcast: every channel returned by Wait is closed by the next
// Broadcast.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func (s *Signal) Wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		s.ch = make(chan struct{})
	}
	return s.ch
}

func (s *Signal) Broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		close(s.ch)
		s.ch = nil
	}
}
