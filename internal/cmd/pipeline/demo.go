package pipeline

import (
	"context"
	"strconv"
	"time"

	"github.com/rzbill/flostream/internal/computation"
	"github.com/rzbill/flostream/internal/processor"
	"github.com/rzbill/flostream/internal/runtime"
	"github.com/rzbill/flostream/internal/streamlog"
	"github.com/rzbill/flostream/internal/topology"
	"github.com/rzbill/flostream/internal/watermark"
)

const (
	generatedStream = "demo/generated"
	filteredStream  = "demo/filtered"
	countsStream    = "demo/counts"
	reportGroup     = "demo/report"
)

// DemoOptions sizes the demo topology.
type DemoOptions struct {
	Count   int
	PerTick int
	Filter  string
	// CountInterval is how often COUNTER emits.
	CountInterval time.Duration
}

// DemoTopology builds the generator, optional filter and counter chain.
func DemoTopology(opts DemoOptions, targetMs int64) (*topology.Topology, error) {
	b := topology.NewBuilder().AddComputation(func() computation.Computation {
		return computation.NewGenerator("GENERATOR", opts.Count, opts.PerTick, targetMs)
	}, []string{"o1:" + generatedStream})
	counted := generatedStream
	if opts.Filter != "" {
		f, err := computation.Filter("FILTER", opts.Filter)
		if err != nil {
			return nil, err
		}
		b.AddComputation(f, []string{"i1:" + generatedStream, "o1:" + filteredStream})
		counted = filteredStream
	}
	interval := opts.CountInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	b.AddComputation(func() computation.Computation {
		return computation.NewCounter("COUNTER", interval)
	}, []string{"i1:" + counted, "o1:" + countsStream})
	return b.Build()
}

// Report summarizes a demo run.
type Report struct {
	Drained      bool                         `json:"drained"`
	Counted      int                          `json:"counted"`
	LowWatermark string                       `json:"low_watermark"`
	Elapsed      string                       `json:"elapsed"`
	Computations []processor.ComputationStats `json:"computations"`
}

// RunDemo recreates the demo logs, runs the topology on rt until drained or
// timeout, then sums the counts emitted by COUNTER.
func RunDemo(ctx context.Context, rt *runtime.Runtime, opts DemoOptions, timeout time.Duration) (Report, error) {
	start := time.Now()
	target := watermark.OfNow().Timestamp()
	topo, err := DemoTopology(opts, target)
	if err != nil {
		return Report{}, err
	}
	for _, s := range topo.Streams() {
		if _, err := rt.Logs().Delete(ctx, streamlog.MustName(s)); err != nil {
			return Report{}, err
		}
	}
	settings := rt.Settings().SetConcurrency("GENERATOR", 1)
	p, err := rt.Processors().RegisterAndCreateProcessor(ctx, "demo", topo, settings)
	if err != nil {
		return Report{}, err
	}
	if err := p.Start(); err != nil {
		return Report{}, err
	}
	drained := p.DrainAndStop(timeout)
	report := Report{
		Drained:      drained,
		LowWatermark: p.LowWatermark().String(),
		Computations: p.Metrics(),
	}
	report.Counted, err = sumCounts(ctx, rt.Logs(), settings)
	report.Elapsed = time.Since(start).Round(time.Millisecond).String()
	return report, err
}

// sumCounts reads demo/counts from the start; COUNTER emits counts as keys.
func sumCounts(ctx context.Context, logs streamlog.Manager, settings *processor.Settings) (int, error) {
	tailer, err := streamlog.CreateTailerForLog(logs, streamlog.MustName(reportGroup), streamlog.MustName(countsStream), settings.Codec(countsStream))
	if err != nil {
		return 0, err
	}
	defer tailer.Close()
	if err := tailer.ToStart(ctx); err != nil {
		return 0, err
	}
	total := 0
	for {
		res, err := tailer.Read(ctx, 100*time.Millisecond)
		if err != nil {
			return total, err
		}
		if res.IsEmpty() {
			return total, nil
		}
		if !res.IsOk() {
			continue
		}
		n, err := strconv.Atoi(res.Record.Record.Key)
		if err != nil {
			return total, streamlog.InvalidArgumentf("count record %s: %v", res.Record.Offset, err)
		}
		total += n
	}
}
