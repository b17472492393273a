package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rzbill/flostream/internal/processor"
	"github.com/rzbill/flostream/internal/streamlog"
	logpkg "github.com/rzbill/flostream/pkg/log"
)

// ProcessorSource lists the processors to report; StreamManager is one.
type ProcessorSource interface {
	Processors() []*processor.StreamProcessor
}

// Processors reports per computation counters, watermarks and lag of every
// processor of a source.
type Processors struct {
	source ProcessorSource
	logger logpkg.Logger

	records     *prometheus.Desc
	failures    *prometheus.Desc
	skipped     *prometheus.Desc
	checkpoints *prometheus.Desc
	workers     *prometheus.Desc
	running     *prometheus.Desc
	low         *prometheus.Desc
	lag         *prometheus.Desc
}

var _ prometheus.Collector = (*Processors)(nil)

func NewProcessors(source ProcessorSource, logger logpkg.Logger) *Processors {
	if logger == nil {
		logger = logpkg.NopLogger()
	}
	labels := []string{"processor", "computation"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "computation", name), help, labels, nil)
	}
	return &Processors{
		source:      source,
		logger:      logger,
		records:     desc("records_total", "Records processed."),
		failures:    desc("failures_total", "Processing failures after retries."),
		skipped:     desc("skipped_total", "Failures skipped by the policy."),
		checkpoints: desc("checkpoints_total", "Checkpoints taken."),
		workers:     desc("workers", "Workers of the computation."),
		running:     desc("running_workers", "Workers still running."),
		low:         desc("low_watermark_ms", "Timestamp of the low watermark."),
		lag:         desc("lag", "Records not committed on the inputs."),
	}
}

func (c *Processors) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.records, c.failures, c.skipped, c.checkpoints, c.workers, c.running, c.low, c.lag} {
		ch <- d
	}
}

func (c *Processors) Collect(ch chan<- prometheus.Metric) {
	for _, p := range c.source.Processors() {
		for _, s := range p.Metrics() {
			lv := []string{p.Name(), s.Name}
			ch <- prometheus.MustNewConstMetric(c.records, prometheus.CounterValue, float64(s.Records), lv...)
			ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(s.Failures), lv...)
			ch <- prometheus.MustNewConstMetric(c.skipped, prometheus.CounterValue, float64(s.Skipped), lv...)
			ch <- prometheus.MustNewConstMetric(c.checkpoints, prometheus.CounterValue, float64(s.Checkpoints), lv...)
			ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(s.Workers), lv...)
			ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, float64(s.Running), lv...)
			ch <- prometheus.MustNewConstMetric(c.low, prometheus.GaugeValue, float64(s.LowWatermark.Timestamp()), lv...)
			lag, err := p.Lag(s.Name)
			if err != nil {
				c.logger.Warn("processor lag", logpkg.Str("computation", s.Name), logpkg.Err(err))
				continue
			}
			ch <- prometheus.MustNewConstMetric(c.lag, prometheus.GaugeValue, float64(lag.Lag()), lv...)
		}
	}
}

// Logs reports the size and per group lag of every log of a backend.
type Logs struct {
	logs streamlog.Manager

	partitions *prometheus.Desc
	end        *prometheus.Desc
	lag        *prometheus.Desc
}

var _ prometheus.Collector = (*Logs)(nil)

func NewLogs(logs streamlog.Manager) *Logs {
	return &Logs{
		logs: logs,
		partitions: prometheus.NewDesc(prometheus.BuildFQName(namespace, "log", "partitions"),
			"Partitions of the log.", []string{"log"}, nil),
		end: prometheus.NewDesc(prometheus.BuildFQName(namespace, "log", "end_offset"),
			"Records appended to the log, as seen by the group.", []string{"log", "group"}, nil),
		lag: prometheus.NewDesc(prometheus.BuildFQName(namespace, "log", "lag"),
			"Records not committed by the group.", []string{"log", "group"}, nil),
	}
}

func (c *Logs) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.partitions
	ch <- c.end
	ch <- c.lag
}

func (c *Logs) Collect(ch chan<- prometheus.Metric) {
	for _, name := range c.logs.ListAll() {
		ch <- prometheus.MustNewConstMetric(c.partitions, prometheus.GaugeValue, float64(c.logs.Size(name)), name.URN())
		for _, group := range c.logs.ListConsumerGroups(name) {
			lag := c.logs.GetLag(name, group)
			ch <- prometheus.MustNewConstMetric(c.end, prometheus.GaugeValue, float64(lag.Upper), name.URN(), group.URN())
			ch <- prometheus.MustNewConstMetric(c.lag, prometheus.GaugeValue, float64(lag.Lag()), name.URN(), group.URN())
		}
	}
}
