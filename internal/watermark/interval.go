package watermark

import "sync"

// DefaultSource is the key used by Mark.
const DefaultSource = ""

// MonotonicInterval tracks the low (checkpointed) and high (observed)
// watermarks of one computation instance. Low never decreases.
//
// Pending marks keep the lowest value per source (typically a partition);
// a checkpoint moves low to the completed minimum of every pending mark.
// Marks at or below low do not hold it back. Safe for concurrent use.
type MonotonicInterval struct {
	mu      sync.Mutex
	low     Watermark
	high    Watermark
	pending map[string]Watermark
}

// NewMonotonicInterval returns an empty interval.
func NewMonotonicInterval() *MonotonicInterval {
	return &MonotonicInterval{pending: make(map[string]Watermark)}
}

// Mark records w under the default source.
func (m *MonotonicInterval) Mark(w Watermark) Watermark { return m.MarkSource(DefaultSource, w) }

// MarkSource records w for the given source and returns the current low.
func (m *MonotonicInterval) MarkSource(source string, w Watermark) Watermark {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w > m.high {
		m.high = w
	}
	if w <= m.low {
		return m.low
	}
	if prev, ok := m.pending[source]; !ok || w < prev {
		m.pending[source] = w
	}
	return m.low
}

// Checkpoint folds pending marks into low and clears them. Without pending
// marks it returns the current low unchanged.
func (m *MonotonicInterval) Checkpoint() Watermark {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return m.low
	}
	first := true
	var lowest Watermark
	for _, w := range m.pending {
		if first || w < lowest {
			lowest, first = w, false
		}
	}
	if c := CompletedOf(lowest); c > m.low {
		m.low = c
	}
	clear(m.pending)
	return m.low
}

// Low returns the last checkpointed watermark.
func (m *MonotonicInterval) Low() Watermark {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.low
}

// High returns the greatest watermark ever marked.
func (m *MonotonicInterval) High() Watermark {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.high
}

// HasPending reports whether marks were recorded since the last checkpoint.
func (m *MonotonicInterval) HasPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) > 0
}

// IsDone reports whether every mark up to timestampMs has been checkpointed.
func (m *MonotonicInterval) IsDone(timestampMs int64) bool {
	return IsDone(m.Low(), timestampMs)
}

// IsDone reports whether low covers timestampMs.
func IsDone(low Watermark, timestampMs int64) bool {
	if low == Lowest {
		return false
	}
	target, err := OfTimestamp(timestampMs)
	if err != nil {
		return false
	}
	return low >= CompletedOf(target)
}

func (m *MonotonicInterval) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return "low: " + m.low.String() + " high: " + m.high.String()
}

// IsLowerThan reports whether the checkpointed low is still before timestampMs.
func (m *MonotonicInterval) IsLowerThan(timestampMs int64) bool {
	return !m.IsDone(timestampMs)
}
