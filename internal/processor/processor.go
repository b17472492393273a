package processor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/rzbill/flostream/internal/record"
	"github.com/rzbill/flostream/internal/streamlog"
	"github.com/rzbill/flostream/internal/topology"
	"github.com/rzbill/flostream/internal/watermark"
	logpkg "github.com/rzbill/flostream/pkg/log"
)

const pollInterval = 20 * time.Millisecond

type state int

const (
	stateCreated state = iota
	stateInitialized
	stateStarted
	stateStopped
)

// ComputationStats is a snapshot of the workers of one computation.
type ComputationStats struct {
	Name          string              `json:"name"`
	Workers       int                 `json:"workers"`
	Running       int                 `json:"running"`
	Records       int64               `json:"records"`
	Failures      int64               `json:"failures"`
	Skipped       int64               `json:"skipped"`
	Checkpoints   int64               `json:"checkpoints"`
	LowWatermark  watermark.Watermark `json:"lowWatermark"`
	HighWatermark watermark.Watermark `json:"highWatermark"`
}

// StreamProcessor runs the workers of one registered topology.
type StreamProcessor struct {
	sm       *StreamManager
	name     string
	id       string
	topo     *topology.Topology
	settings *Settings
	logger   logpkg.Logger

	mu      sync.Mutex
	state   state
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runners map[string][]*runner
}

func newStreamProcessor(sm *StreamManager, name string, topo *topology.Topology, settings *Settings) *StreamProcessor {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamProcessor{
		sm:       sm,
		name:     name,
		id:       id,
		topo:     topo,
		settings: settings,
		logger:   sm.opts.logger.With(logpkg.Str("processor", name), logpkg.Str("instance", id)),
		ctx:      ctx,
		cancel:   cancel,
		runners:  map[string][]*runner{},
	}
}

func (p *StreamProcessor) Name() string                 { return p.name }
func (p *StreamProcessor) ID() string                   { return p.id }
func (p *StreamProcessor) Topology() *topology.Topology { return p.topo }
func (p *StreamProcessor) Settings() *Settings          { return p.settings }

func (p *StreamProcessor) clock() clock.Clock { return p.sm.opts.clock }

// Init creates the workers of every computation and opens their tailers.
// Start calls it when needed.
func (p *StreamProcessor) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initLocked()
}

func (p *StreamProcessor) initLocked() error {
	switch p.state {
	case stateInitialized, stateStarted:
		return nil
	case stateStopped:
		return streamlog.IllegalStatef("processor %s is stopped", p.name)
	}
	runners := map[string][]*runner{}
	var opened []*runner
	fail := func(err error) error {
		for _, r := range opened {
			r.close()
		}
		return err
	}
	for _, name := range p.topo.Computations() {
		rs, err := p.createRunners(name, &opened)
		if err != nil {
			return fail(err)
		}
		runners[name] = rs
	}
	p.runners = runners
	p.state = stateInitialized
	return nil
}

func (p *StreamProcessor) createRunners(name string, opened *[]*runner) ([]*runner, error) {
	md, _ := p.topo.Metadata(name)
	factory, _ := p.topo.Factory(name)
	n := p.settings.Concurrency(name)
	if n <= 0 {
		p.logger.Info("computation without workers", logpkg.Str("computation", name))
		return nil, nil
	}
	var rs []*runner
	if md.IsSource() {
		for i := 0; i < n; i++ {
			r := newRunner(p, name, i, md, factory())
			r.assigned.Store(true)
			rs = append(rs, r)
			*opened = append(*opened, r)
		}
		return rs, nil
	}

	logs := p.sm.logs
	group, err := streamlog.NameOfURN(name)
	if err != nil {
		return nil, errors.Annotatef(err, "group of computation %s", name)
	}
	inputs := md.InputStreams()
	names := make([]streamlog.Name, 0, len(inputs))
	for _, s := range inputs {
		ln, err := streamlog.NameOfURN(s)
		if err != nil {
			return nil, err
		}
		names = append(names, ln)
	}
	c := p.settings.Codec(inputs[0])
	dynamic := p.sm.opts.dynamic && logs.SupportsSubscribe()
	for i := 0; i < n; i++ {
		if dynamic {
			r := newRunner(p, name, i, md, factory())
			t, err := logs.Subscribe(group, names, streamlog.RebalanceFuncs{
				Revoked: func(ps []streamlog.Partition) {
					r.logger.Debug("partitions revoked", logpkg.Int("partitions", len(ps)))
				},
				Assigned: func(ps []streamlog.Partition) {
					r.logger.Debug("partitions assigned", logpkg.Int("partitions", len(ps)))
				},
			}, c)
			if err != nil {
				return nil, errors.Annotatef(err, "subscribe %s", r.id)
			}
			r.tailer = t
			rs = append(rs, r)
			*opened = append(*opened, r)
			continue
		}
		parts := staticAssignment(logs, names, i, n)
		if len(parts) == 0 {
			p.logger.Debug("worker without partitions", logpkg.Str("computation", name), logpkg.Int("worker", i))
			continue
		}
		r := newRunner(p, name, i, md, factory())
		t, err := logs.CreateTailer(group, parts, c)
		if err != nil {
			r.comp.Destroy()
			return nil, errors.Annotatef(err, "tailer of %s", r.id)
		}
		r.tailer = t
		r.assigned.Store(true)
		rs = append(rs, r)
		*opened = append(*opened, r)
	}
	return rs, nil
}

// staticAssignment gives worker index the partitions p with p % n == index.
func staticAssignment(logs streamlog.Manager, names []streamlog.Name, index, n int) []streamlog.Partition {
	var parts []streamlog.Partition
	for _, name := range names {
		for _, part := range streamlog.PartitionsOf(name, logs.Size(name)) {
			if part.Index%n == index {
				parts = append(parts, part)
			}
		}
	}
	return parts
}

// Start launches one goroutine per worker.
func (p *StreamProcessor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateStarted {
		return streamlog.IllegalStatef("processor %s already started", p.name)
	}
	if err := p.initLocked(); err != nil {
		return err
	}
	workers := 0
	for _, name := range p.topo.Computations() {
		for _, r := range p.runners[name] {
			r.running.Store(true)
			p.wg.Add(1)
			go r.run(p.ctx)
			workers++
		}
	}
	p.state = stateStarted
	p.logger.Info("processor started", logpkg.Int("workers", workers))
	return nil
}

func (p *StreamProcessor) all() []*runner {
	p.mu.Lock()
	defer p.mu.Unlock()
	var rs []*runner
	for _, name := range p.topo.Computations() {
		rs = append(rs, p.runners[name]...)
	}
	return rs
}

func (p *StreamProcessor) of(name string) []*runner {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runners[name]
}

// WaitForAssignments waits until every worker got its partitions. With
// static assignment this holds once the processor is initialized.
func (p *StreamProcessor) WaitForAssignments(ctx context.Context, timeout time.Duration) (bool, error) {
	deadline := p.clock().Now().Add(timeout)
	for {
		ready := true
		for _, r := range p.all() {
			if !r.assigned.Load() {
				ready = false
				break
			}
		}
		if ready {
			return true, nil
		}
		if !p.clock().Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-p.clock().After(pollInterval):
		}
	}
}

// LowWatermarkOf returns the lowest checkpointed watermark among the
// workers of a computation.
func (p *StreamProcessor) LowWatermarkOf(computation string) watermark.Watermark {
	var low watermark.Watermark
	for i, r := range p.of(computation) {
		if w := r.interval.Low(); i == 0 || w < low {
			low = w
		}
	}
	return low
}

// LowWatermark returns the minimum low watermark across computations.
func (p *StreamProcessor) LowWatermark() watermark.Watermark {
	first := true
	var low watermark.Watermark
	for _, name := range p.topo.Computations() {
		if len(p.of(name)) == 0 {
			continue
		}
		if w := p.LowWatermarkOf(name); first || w < low {
			low, first = w, false
		}
	}
	return low
}

// IsDone reports whether every computation checkpointed past timestampMs.
func (p *StreamProcessor) IsDone(timestampMs int64) bool {
	return watermark.IsDone(p.LowWatermark(), timestampMs)
}

func (p *StreamProcessor) highestSourceWatermark() watermark.Watermark {
	var high watermark.Watermark
	for _, name := range p.topo.Computations() {
		for _, r := range p.of(name) {
			if r.tailer == nil {
				if w := r.interval.High(); w > high {
					high = w
				}
			}
		}
	}
	return high
}

func (p *StreamProcessor) computationTerminated(name string) bool {
	for _, r := range p.of(name) {
		if r.running.Load() {
			return false
		}
	}
	return true
}

// IsTerminated reports whether the processor was started and no worker
// is running anymore.
func (p *StreamProcessor) IsTerminated() bool {
	p.mu.Lock()
	st := p.state
	p.mu.Unlock()
	switch st {
	case stateStopped:
		return true
	case stateStarted:
		for _, r := range p.all() {
			if r.running.Load() {
				return false
			}
		}
		return true
	}
	return false
}

func (p *StreamProcessor) started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateStarted
}

// DrainAndStop lets workers run until either every worker terminated or
// the low watermark of every computation reached the highest watermark
// produced by the sources, then stops them. A source watermark counts once
// it stayed the same for a poll interval. Workers with inputs terminate
// once their upstream computations terminated and their inputs are
// exhausted. It returns false when the timeout elapses first; the
// processor is shut down in that case.
func (p *StreamProcessor) DrainAndStop(timeout time.Duration) bool {
	if !p.started() {
		return p.IsTerminated()
	}
	for _, r := range p.all() {
		r.drain.Store(true)
	}
	clk := p.clock()
	deadline := clk.Now().Add(timeout)
	p.logger.Info("draining", logpkg.Dur("timeout", timeout))
	var prev watermark.Watermark
	for {
		if p.IsTerminated() {
			p.Shutdown()
			p.logger.Info("drained")
			return true
		}
		// sources must be quiet for a poll before their watermark counts
		high := p.highestSourceWatermark()
		if high > 0 && high == prev && p.IsDone(high.Timestamp()) {
			p.logger.Info("drained up to source watermark", logpkg.Str("watermark", high.String()))
			return p.Stop(deadline.Sub(clk.Now()))
		}
		if !clk.Now().Before(deadline) {
			p.logger.Warn("drain timed out", logpkg.Str("low", p.LowWatermark().String()))
			p.Shutdown()
			return false
		}
		prev = high
		<-clk.After(pollInterval)
	}
}

// Stop asks every worker to checkpoint and exit, and waits up to timeout
// for them. It returns false when some worker did not exit in time.
func (p *StreamProcessor) Stop(timeout time.Duration) bool {
	if !p.started() {
		p.Shutdown()
		return true
	}
	for _, r := range p.all() {
		r.stop.Store(true)
	}
	clk := p.clock()
	deadline := clk.Now().Add(timeout)
	for !p.IsTerminated() {
		if !clk.Now().Before(deadline) {
			p.logger.Warn("stop timed out")
			p.Shutdown()
			return false
		}
		<-clk.After(pollInterval)
	}
	p.Shutdown()
	return true
}

// Shutdown stops every worker without checkpointing. Records consumed
// since the last commit are read again by the next processor of the same
// groups.
func (p *StreamProcessor) Shutdown() {
	p.mu.Lock()
	st := p.state
	p.state = stateStopped
	runners := p.runners
	p.mu.Unlock()
	if st == stateStopped {
		return
	}
	p.cancel()
	switch st {
	case stateStarted:
		p.wg.Wait()
	case stateInitialized:
		for _, rs := range runners {
			for _, r := range rs {
				r.close()
			}
		}
	}
	p.logger.Info("processor stopped")
}

// Metrics returns per computation stats in declaration order.
func (p *StreamProcessor) Metrics() []ComputationStats {
	var out []ComputationStats
	for _, name := range p.topo.Computations() {
		s := ComputationStats{Name: name, LowWatermark: p.LowWatermarkOf(name)}
		for _, r := range p.of(name) {
			s.Workers++
			if r.running.Load() {
				s.Running++
			}
			f, sk := r.stats()
			s.Records += r.records.Load()
			s.Failures += f
			s.Skipped += sk
			s.Checkpoints += r.checkpoints.Load()
			if h := r.interval.High(); h > s.HighWatermark {
				s.HighWatermark = h
			}
		}
		out = append(out, s)
	}
	return out
}

// Lag sums the lag of the inputs of a computation for its group.
func (p *StreamProcessor) Lag(computation string) (streamlog.Lag, error) {
	names, group, err := p.inputsOf(computation)
	if err != nil {
		return streamlog.Lag{}, err
	}
	var lags []streamlog.Lag
	for _, n := range names {
		lags = append(lags, p.sm.logs.GetLag(n, group))
	}
	return streamlog.SumLags(lags...), nil
}

// Latency sums the latency of the inputs of a computation, measured on
// record watermarks.
func (p *StreamProcessor) Latency(ctx context.Context, computation string) (streamlog.Latency, error) {
	names, group, err := p.inputsOf(computation)
	if err != nil {
		return streamlog.Latency{}, err
	}
	ts := func(rec record.Record) int64 { return watermark.OfValue(rec.Watermark).Timestamp() }
	key := func(rec record.Record) string { return rec.Key }
	var ls []streamlog.Latency
	for _, n := range names {
		l, err := p.sm.logs.GetLatency(ctx, n, group, p.settings.Codec(n.URN()), ts, key)
		if err != nil {
			return streamlog.Latency{}, err
		}
		ls = append(ls, l)
	}
	return streamlog.SumLatencies(ls...), nil
}

func (p *StreamProcessor) inputsOf(computation string) ([]streamlog.Name, streamlog.Name, error) {
	md, ok := p.topo.Metadata(computation)
	if !ok {
		return nil, streamlog.Name{}, streamlog.InvalidArgumentf("unknown computation %s", computation)
	}
	group, err := streamlog.NameOfURN(computation)
	if err != nil {
		return nil, streamlog.Name{}, err
	}
	var names []streamlog.Name
	for _, s := range md.InputStreams() {
		n, err := streamlog.NameOfURN(s)
		if err != nil {
			return nil, streamlog.Name{}, err
		}
		names = append(names, n)
	}
	return names, group, nil
}
