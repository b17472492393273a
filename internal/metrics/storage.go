package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	pebblestore "github.com/rzbill/flostream/internal/storage/pebble"
)

// Storage observes pebble reads, writes and batch commits.
type Storage struct {
	latency *prometheus.HistogramVec
	bytes   *prometheus.CounterVec
	ops     prometheus.Counter
}

var _ pebblestore.MetricsHook = (*Storage)(nil)

func NewStorage() *Storage {
	return &Storage{
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "latency_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
		}, []string{"op"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "bytes_total",
			Help:      "Bytes read and written.",
		}, []string{"op"}),
		ops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "batch_ops_total",
			Help:      "Operations committed in batches.",
		}),
	}
}

func (s *Storage) ObserveWrite(elapsed time.Duration, bytes int) { s.observe("write", elapsed, bytes) }
func (s *Storage) ObserveRead(elapsed time.Duration, bytes int)  { s.observe("read", elapsed, bytes) }

func (s *Storage) ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int) {
	s.observe("commit", elapsed, bytes)
	s.ops.Add(float64(numOps))
}

func (s *Storage) observe(op string, elapsed time.Duration, bytes int) {
	s.latency.WithLabelValues(op).Observe(elapsed.Seconds())
	s.bytes.WithLabelValues(op).Add(float64(bytes))
}

func (s *Storage) Describe(ch chan<- *prometheus.Desc) {
	s.latency.Describe(ch)
	s.bytes.Describe(ch)
	s.ops.Describe(ch)
}

func (s *Storage) Collect(ch chan<- prometheus.Metric) {
	s.latency.Collect(ch)
	s.bytes.Collect(ch)
	s.ops.Collect(ch)
}
