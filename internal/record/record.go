// Package record defines the unit of data flowing through logs and
// computations.
package record

import (
	"bytes"
	"fmt"
	"maps"

	"github.com/rzbill/flostream/internal/watermark"
)

// Flag marks records with processing hints.
type Flag uint8

const (
	// FlagCommit asks the consumer to commit after this record.
	FlagCommit Flag = 1 << iota
	// FlagPoisonPill asks the consumer to stop.
	FlagPoisonPill
	// FlagTrace asks computations to log the record.
	FlagTrace
)

// Has reports whether every bit of f2 is set.
func (f Flag) Has(f2 Flag) bool { return f&f2 == f2 }

// Record is immutable once appended.
type Record struct {
	Key       string
	Data      []byte
	Watermark int64
	Flags     Flag
	Headers   map[string]string
}

// New returns a record stamped with the current wall clock watermark.
func New(key string, data []byte) Record {
	return Record{Key: key, Data: data, Watermark: watermark.OfNow().Value()}
}

// WithWatermark returns a copy with another watermark.
func (r Record) WithWatermark(w watermark.Watermark) Record {
	r.Watermark = w.Value()
	return r
}

// WithHeader returns a copy with one more header.
func (r Record) WithHeader(k, v string) Record {
	h := make(map[string]string, len(r.Headers)+1)
	maps.Copy(h, r.Headers)
	h[k] = v
	r.Headers = h
	return r
}

// Equal compares every field; nil and empty data or headers are equal.
func (r Record) Equal(o Record) bool {
	return r.Key == o.Key && bytes.Equal(r.Data, o.Data) && r.Watermark == o.Watermark &&
		r.Flags == o.Flags && maps.Equal(r.Headers, o.Headers)
}

func (r Record) String() string {
	return fmt.Sprintf("Record{key=%q, watermark=%d, flags=%d, len=%d}", r.Key, r.Watermark, r.Flags, len(r.Data))
}
