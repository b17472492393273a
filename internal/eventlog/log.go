package eventlog

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/flostream/internal/storage/pebble"
)

// AppendRecord represents a single appendable entry.
type AppendRecord struct {
	Header  []byte
	Payload []byte
}

// Log provides append-only operations for one partition of a log.
// Sequences start at 1; 0 means "nothing".
type Log struct {
	db   *pebblestore.DB
	id   string
	part uint32

	mu       sync.Mutex
	lastSeq  uint64
	notifyCh chan struct{}
	trimHook TrimHook
}

// OpenLog initializes a Log and loads the last sequence from metadata (if any).
func OpenLog(db *pebblestore.DB, logID string, partition uint32) (*Log, error) {
	l := &Log{db: db, id: logID, part: partition, notifyCh: make(chan struct{}), trimHook: noopTrimHook{}}
	meta, err := db.Get(KeyLogMeta(logID, partition))
	switch {
	case err == nil && len(meta) >= 8:
		l.lastSeq = binary.BigEndian.Uint64(meta[:8])
	case err != nil && !errors.Is(err, pebblestore.ErrNotFound):
		return nil, err
	}
	return l, nil
}

// Partition returns the partition index of the log.
func (l *Log) Partition() uint32 { return l.part }

// Append appends the provided records as a single atomic batch. Returns assigned seq numbers.
func (l *Log) Append(ctx context.Context, recs []AppendRecord) ([]uint64, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.db.NewBatch()
	defer b.Close()

	seq := l.lastSeq
	seqs := make([]uint64, len(recs))
	for i, r := range recs {
		seq++
		if err := b.Set(KeyLogEntry(l.id, l.part, seq), EncodeRecord(r.Header, r.Payload), nil); err != nil {
			return nil, err
		}
		seqs[i] = seq
	}

	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], seq)
	if err := b.Set(KeyLogMeta(l.id, l.part), meta[:], nil); err != nil {
		return nil, err
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	l.lastSeq = seq
	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	return seqs, nil
}

// LastSeq returns the sequence of the newest entry ever appended, 0 when empty.
// Trims do not lower it.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// FirstSeq returns the sequence of the oldest entry still stored, or
// LastSeq()+1 when retention removed everything.
func (l *Log) FirstSeq() (uint64, error) {
	prefix := KeyLogEntryPrefix(l.id, l.part)
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: pebblestore.PrefixEnd(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.First() {
		if err := iter.Error(); err != nil {
			return 0, err
		}
		return l.LastSeq() + 1, nil
	}
	return binary.BigEndian.Uint64(iter.Key()[len(prefix):]), nil
}

// SetTrimHook installs a hook notified of trimmed ranges.
func (l *Log) SetTrimHook(h TrimHook) {
	if h == nil {
		h = noopTrimHook{}
	}
	l.mu.Lock()
	l.trimHook = h
	l.mu.Unlock()
}

var ErrNotFound = errors.New("entry not found")
