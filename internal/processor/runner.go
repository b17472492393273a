package processor

import (
	"context"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/rzbill/flostream/internal/computation"
	"github.com/rzbill/flostream/internal/record"
	"github.com/rzbill/flostream/internal/streamlog"
	"github.com/rzbill/flostream/internal/topology"
	"github.com/rzbill/flostream/internal/watermark"
	logpkg "github.com/rzbill/flostream/pkg/log"
)

// runner is one worker of a computation: one computation instance, one
// tailer over its share of the inputs (none for a source) and one watermark
// interval.
type runner struct {
	p         *StreamProcessor
	name      string
	id        string
	comp      computation.Computation
	bctx      *computation.BufferedContext
	policy    computation.Policy
	tailer    streamlog.Tailer
	interval  *watermark.MonotonicInterval
	upstream  []string
	producers []string
	logger    logpkg.Logger

	drain    atomic.Bool
	stop     atomic.Bool
	running  atomic.Bool
	assigned atomic.Bool

	records     atomic.Int64
	failures    atomic.Int64
	skipped     atomic.Int64
	checkpoints atomic.Int64
	// counted by computations applying the policy themselves
	compFailures atomic.Int64
	compSkipped  atomic.Int64

	// touched only by the worker goroutine
	consumed       bool
	sourceLow      watermark.Watermark
	lastCheckpoint time.Time
}

func newRunner(p *StreamProcessor, name string, index int, md computation.MappingMetadata, comp computation.Computation) *runner {
	id := name + "-" + strconv.Itoa(index)
	logger := p.logger.With(logpkg.Str("computation", name), logpkg.Str("worker", id))
	policy := p.settings.Policy(name)
	return &runner{
		p:         p,
		name:      name,
		id:        id,
		comp:      comp,
		bctx:      computation.NewBufferedContext(md, policy, p.clock(), logger),
		policy:    policy,
		interval:  watermark.NewMonotonicInterval(),
		upstream:  p.topo.AncestorComputationNames(name),
		producers: producersOf(p.topo, name),
		logger:    logger,
	}
}

// producersOf returns the computations feeding name from outside its loop,
// nil when one of those inputs has no producer.
func producersOf(topo *topology.Topology, name string) []string {
	var out []string
	for _, s := range topo.ExternalInputs(name) {
		parents := topo.Parents(topology.StreamNode(s))
		if len(parents) == 0 {
			return nil
		}
		for _, n := range parents {
			if n.Kind == topology.KindComputation && !slices.Contains(out, n.Name) {
				out = append(out, n.Name)
			}
		}
	}
	return out
}

func (r *runner) clock() clock.Clock { return r.p.clock() }

func (r *runner) run(ctx context.Context) {
	defer r.p.wg.Done()
	defer r.running.Store(false)
	defer r.close()

	if err := r.comp.Init(r.bctx); err != nil {
		r.logger.Error("computation init failed", logpkg.Err(err))
		return
	}
	r.lastCheckpoint = r.clock().Now()
	r.logger.Debug("worker started")

	done, err := r.settle(ctx)
	for !done && err == nil {
		if ctx.Err() != nil {
			return
		}
		if r.stop.Load() {
			err = r.finalCheckpoint(ctx)
			break
		}
		done, err = r.step(ctx)
	}
	switch {
	case err != nil && ctx.Err() == nil:
		r.logger.Error("worker failed", logpkg.Err(err))
	case err == nil:
		r.logger.Debug("worker terminated", logpkg.Int64("records", r.records.Load()))
	}
}

// step fires due timers and then reads and processes at most one record.
func (r *runner) step(ctx context.Context) (bool, error) {
	if err := r.fireTimers(ctx); err != nil {
		return true, err
	}
	if done, err := r.settle(ctx); done || err != nil {
		return done, err
	}
	if r.tailer == nil {
		return r.idle(ctx)
	}
	// taken before the read: an empty read then proves everything
	// upstream produced so far was consumed
	upstreamDone := r.drain.Load() && r.upstreamTerminated()
	floor := r.upstreamLow()
	res, err := r.tailer.Read(ctx, r.p.sm.opts.readTimeout)
	if err != nil {
		return true, errors.Annotatef(err, "read %s", r.id)
	}
	switch {
	case res.IsRebalance():
		r.assigned.Store(true)
		r.logger.Info("assignments changed", logpkg.Int("partitions", len(r.tailer.Assignments())))
		return false, nil
	case res.IsEmpty():
		if r.pending() {
			return r.settle(ctx)
		}
		if floor > r.interval.Low() {
			if err := r.raise(ctx, floor); err != nil {
				return true, err
			}
		}
		if upstreamDone {
			return true, r.checkpoint(ctx)
		}
		return r.settle(ctx)
	}
	if err := r.process(ctx, res.Record); err != nil {
		return true, err
	}
	return r.settle(ctx)
}

func (r *runner) process(ctx context.Context, lr streamlog.LogRecord) error {
	rec := lr.Record
	r.consumed = true
	if rec.Flags.Has(record.FlagPoisonPill) {
		r.logger.Info("poison pill received", logpkg.Str("offset", lr.Offset.String()))
		r.bctx.AskForCheckpoint()
		r.bctx.AskForTermination()
		return nil
	}
	if rec.Flags.Has(record.FlagTrace) {
		r.logger.Info("trace", logpkg.Str("offset", lr.Offset.String()), logpkg.Str("key", rec.Key),
			logpkg.Str("watermark", watermark.OfValue(rec.Watermark).String()))
	}
	slot := r.bctx.Metadata().Slot(lr.Offset.Partition.Name.URN())
	err := r.call(ctx, func() error { return r.comp.ProcessRecord(r.bctx, slot, rec) })
	r.records.Add(1)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.failed(err, logpkg.Str("offset", lr.Offset.String()))
	}
	if rec.Watermark > 0 {
		r.interval.MarkSource(lr.Offset.Partition.String(), watermark.OfValue(rec.Watermark))
	}
	if rec.Flags.Has(record.FlagCommit) {
		r.bctx.AskForCheckpoint()
	}
	return nil
}

func (r *runner) fireTimers(ctx context.Context) error {
	for _, key := range r.bctx.DueTimers(r.clock().Now().UnixMilli()) {
		ts, _ := r.bctx.FireTimer(key)
		if err := r.call(ctx, func() error { return r.comp.ProcessTimer(r.bctx, key, ts) }); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.failed(err, logpkg.Str("timer", key))
		}
		if err := r.flush(ctx); err != nil {
			return err
		}
		if r.bctx.RequireTerminate() {
			return nil
		}
	}
	return nil
}

// call runs fn under the retry policy. Outputs of a failed attempt are
// dropped.
func (r *runner) call(ctx context.Context, fn func() error) error {
	return r.policy.Retry.Call(ctx, r.clock(), func(err error, attempt int) {
		r.logger.Debug("attempt failed", logpkg.Int("attempt", attempt), logpkg.Err(err))
	}, func() error {
		r.bctx.ClearOutputs()
		return fn()
	})
}

// failed applies the failure policy once retries are exhausted.
func (r *runner) failed(err error, where logpkg.Field) {
	r.bctx.ClearOutputs()
	n := r.failures.Add(1)
	if r.policy.Skip(int(n)) {
		r.skipped.Add(1)
		r.logger.Warn("processing failed, skipped", where, logpkg.Int64("failures", n), logpkg.Err(err))
		r.bctx.AskForCheckpoint()
		return
	}
	r.logger.Error("processing failed, terminating", where, logpkg.Err(err))
	r.bctx.CancelAskForCheckpoint()
	r.bctx.AskForTermination()
}

// settle appends the buffered outputs and honors checkpoint and
// termination requests. It reports whether the worker is done.
func (r *runner) settle(ctx context.Context) (bool, error) {
	if err := r.flush(ctx); err != nil {
		return true, err
	}
	if fs, ok := r.comp.(computation.FailureStats); ok {
		r.compFailures.Store(int64(fs.Failures()))
		r.compSkipped.Store(int64(fs.Skipped()))
	}
	if w := r.bctx.SourceLowWatermark(); w > r.sourceLow {
		r.sourceLow = w
		r.interval.Mark(w)
	}
	if r.bctx.RequireTerminate() {
		if r.bctx.RequireCheckpoint() {
			return true, r.checkpoint(ctx)
		}
		return true, nil
	}
	if r.bctx.RequireCheckpoint() || r.checkpointDue() {
		return false, r.checkpoint(ctx)
	}
	return false, nil
}

func (r *runner) flush(ctx context.Context) error {
	outputs := r.bctx.Outputs()
	if len(outputs) == 0 {
		return nil
	}
	md := r.bctx.Metadata()
	for _, out := range outputs {
		stream := md.Stream(out.Output)
		a, err := r.p.sm.appender(stream, r.p.settings.Codec(stream))
		if err != nil {
			return err
		}
		if _, err := a.AppendKey(ctx, out.Record.Key, out.Record); err != nil {
			return errors.Annotatef(err, "append to %s", stream)
		}
	}
	r.bctx.ClearOutputs()
	return nil
}

func (r *runner) checkpointDue() bool {
	if !r.consumed && !r.interval.HasPending() {
		return false
	}
	if r.clock().Now().Sub(r.lastCheckpoint) < r.p.settings.CheckpointInterval() {
		return false
	}
	return !r.pending()
}

// checkpoint folds the interval and commits the read positions when
// records were consumed since the last commit.
func (r *runner) checkpoint(ctx context.Context) error {
	low := r.interval.Checkpoint()
	if r.tailer != nil && r.consumed {
		if err := r.tailer.Commit(ctx); err != nil {
			return errors.Annotatef(err, "commit %s", r.id)
		}
		r.consumed = false
	}
	r.bctx.CancelAskForCheckpoint()
	r.lastCheckpoint = r.clock().Now()
	r.checkpoints.Add(1)
	r.logger.Debug("checkpoint", logpkg.Str("low", low.String()))
	return nil
}

// finalCheckpoint skips the commit while the computation still holds
// consumed records.
func (r *runner) finalCheckpoint(ctx context.Context) error {
	if r.pending() {
		r.logger.Warn("stopping with pending records, not committed")
		return nil
	}
	return r.checkpoint(ctx)
}

// idle waits for the next timer of a worker without inputs.
func (r *runner) idle(ctx context.Context) (bool, error) {
	wait := r.p.sm.opts.readTimeout
	now := r.clock().Now().UnixMilli()
	for _, ts := range r.bctx.Timers() {
		if d := time.Duration(ts-now) * time.Millisecond; d < wait {
			wait = d
		}
	}
	if wait <= 0 {
		return false, nil
	}
	select {
	case <-ctx.Done():
		return true, nil
	case <-r.clock().After(wait):
	}
	return false, nil
}

func (r *runner) pending() bool {
	if p, ok := r.comp.(computation.Pending); ok {
		return p.Pending()
	}
	return false
}

// raise lifts the low watermark of a caught up worker to the low of its
// producers.
func (r *runner) raise(ctx context.Context, floor watermark.Watermark) error {
	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	r.interval.Mark(floor)
	r.interval.Checkpoint()
	return nil
}

// upstreamLow is the lowest low watermark of the computations producing the
// inputs, zero when an input has no producer.
func (r *runner) upstreamLow() watermark.Watermark {
	if len(r.producers) == 0 {
		return 0
	}
	low := watermark.Watermark(-1)
	for _, name := range r.producers {
		if w := r.p.LowWatermarkOf(name); low < 0 || w < low {
			low = w
		}
	}
	return low
}

func (r *runner) upstreamTerminated() bool {
	for _, name := range r.upstream {
		if !r.p.computationTerminated(name) {
			return false
		}
	}
	return true
}

func (r *runner) close() {
	r.comp.Destroy()
	if r.tailer != nil {
		if err := r.tailer.Close(); err != nil && !errors.Is(err, streamlog.ErrClosed) {
			r.logger.Warn("close tailer", logpkg.Err(err))
		}
	}
}

func (r *runner) stats() (failures, skipped int64) {
	return r.failures.Load() + r.compFailures.Load(), r.skipped.Load() + r.compSkipped.Load()
}
