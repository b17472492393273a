// Package watermark implements the 64-bit progress marker used to track
// pipeline completion, and the monotonic interval computations keep.
package watermark

import (
	"fmt"
	"time"

	"github.com/juju/errors"
)

// Watermark packs timestamp<<17 | sequence<<1 | completed.
// Ordering by value orders by timestamp, then sequence, then completed.
type Watermark int64

// Lowest is the zero watermark; it never counts as done.
const Lowest Watermark = 0

const (
	seqBits       = 16
	seqMask       = 1<<seqBits - 1
	tsShift       = seqBits + 1
	completedMask = 1
	// MaxTimestamp is the largest representable timestamp in milliseconds.
	MaxTimestamp = int64(1)<<(63-tsShift) - 1
)

// Of builds a watermark. Negative or oversized timestamps are rejected.
func Of(timestampMs int64, sequence uint16, completed bool) (Watermark, error) {
	if timestampMs < 0 {
		return Lowest, errors.NotValidf("negative watermark timestamp %d", timestampMs)
	}
	if timestampMs > MaxTimestamp {
		return Lowest, errors.NotValidf("watermark timestamp %d", timestampMs)
	}
	v := timestampMs<<tsShift | int64(sequence)<<1
	if completed {
		v |= completedMask
	}
	return Watermark(v), nil
}

// OfTimestamp is Of(ts, 0, false).
func OfTimestamp(timestampMs int64) (Watermark, error) { return Of(timestampMs, 0, false) }

// OfSequence is Of(ts, seq, false).
func OfSequence(timestampMs int64, sequence uint16) (Watermark, error) {
	return Of(timestampMs, sequence, false)
}

// OfNow returns a watermark for the current wall clock.
func OfNow() Watermark {
	w, _ := OfTimestamp(time.Now().UnixMilli())
	return w
}

// OfValue reinterprets a raw value, as stored in records.
func OfValue(v int64) Watermark { return Watermark(v) }

// CompletedOf returns the smallest watermark greater than every watermark
// sharing w's timestamp and sequence.
func CompletedOf(w Watermark) Watermark { return w | completedMask }

func (w Watermark) Value() int64     { return int64(w) }
func (w Watermark) Timestamp() int64 { return int64(w) >> tsShift }
func (w Watermark) Sequence() uint16 { return uint16(int64(w) >> 1 & seqMask) }
func (w Watermark) Completed() bool  { return w&completedMask != 0 }
func (w Watermark) Time() time.Time  { return time.UnixMilli(w.Timestamp()) }

func (w Watermark) String() string {
	return fmt.Sprintf("Watermark{completed=%t, ts=%s(%d), seq=%d}",
		w.Completed(), w.Time().UTC().Format(time.RFC3339Nano), w.Timestamp(), w.Sequence())
}
