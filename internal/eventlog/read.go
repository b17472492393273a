package eventlog

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/flostream/internal/storage/pebble"
)

// Token encodes a position as seq (8 bytes big-endian).
type Token [8]byte

// TokenFromSeq builds a Token.
func TokenFromSeq(seq uint64) Token { var t Token; binary.BigEndian.PutUint64(t[:], seq); return t }
func (t Token) Seq() uint64         { return binary.BigEndian.Uint64(t[:]) }

type ReadOptions struct {
	Start   Token // if zero, begin from the first (or last when Reverse) entry
	Limit   int
	Reverse bool
}

type Item struct {
	Seq     uint64
	Header  []byte
	Payload []byte
	// Corrupt is set when the stored bytes failed the checksum.
	Corrupt bool
}

// Read returns up to Limit items starting at Start (inclusive). Reverse scans
// descending. The returned token is the next position to read, zero at the end.
func (l *Log) Read(opts ReadOptions) ([]Item, Token, error) {
	prefix := KeyLogEntryPrefix(l.id, l.part)
	startSeq := opts.Start.Seq()
	startKey := KeyLogEntry(l.id, l.part, startSeq)

	var next Token
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: pebblestore.PrefixEnd(prefix)})
	if err != nil {
		return nil, next, err
	}
	defer iter.Close()

	items := make([]Item, 0, max(1, opts.Limit))
	var ok bool
	switch {
	case opts.Reverse && startSeq == 0:
		ok = iter.Last()
	case opts.Reverse:
		ok = iter.SeekLT(append(startKey, 0x00))
	case startSeq == 0:
		ok = iter.First()
	default:
		ok = iter.SeekGE(startKey)
	}
	for ; ok && (opts.Limit == 0 || len(items) < opts.Limit); ok = step(iter, opts.Reverse) {
		seq := binary.BigEndian.Uint64(iter.Key()[len(prefix):])
		dec, valid := DecodeRecord(iter.Value())
		items = append(items, Item{Seq: seq, Header: dec.Header, Payload: dec.Payload, Corrupt: !valid})
	}
	if err := iter.Error(); err != nil {
		return items, next, err
	}
	if ok {
		copy(next[:], iter.Key()[len(prefix):])
	}
	return items, next, nil
}

func step(iter *pebble.Iterator, reverse bool) bool {
	if reverse {
		return iter.Prev()
	}
	return iter.Next()
}
