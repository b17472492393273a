package computation

import (
	"context"
	"slices"

	"github.com/rzbill/flostream/internal/record"
	"github.com/rzbill/flostream/internal/streamlog"
	logpkg "github.com/rzbill/flostream/pkg/log"
)

// BatchTimer is the timer key Batch uses for its threshold.
const BatchTimer = "batch"

// BatchProcessor handles a batch of records read from one input.
type BatchProcessor interface {
	ProcessBatch(ctx Context, input string, records []record.Record) error
}

// BatchFailureHandler is notified of a batch skipped after its retries.
type BatchFailureHandler interface {
	BatchFailure(ctx Context, input string, records []record.Record, err error)
}

// Pending is implemented by computations holding consumed records that are
// not processed yet; runners do not checkpoint them on their own schedule.
type Pending interface {
	Pending() bool
}

// FailureStats is implemented by computations that apply the failure
// policy themselves.
type FailureStats interface {
	Failures() int
	Skipped() int
}

// Batch buffers records per input and hands them to a BatchProcessor when
// the batch is full, when its threshold elapses, or when a record arrives
// on another input.
type Batch struct {
	Base
	proc   BatchProcessor
	policy Policy

	input    string
	records  []record.Record
	deadline int64
	failures int
	skipped  int
}

var (
	_ Computation  = (*Batch)(nil)
	_ Pending      = (*Batch)(nil)
	_ FailureStats = (*Batch)(nil)
)

// NewBatch returns a batch computation; the policy comes from the context
// at Init.
func NewBatch(name string, nbInputs, nbOutputs int, proc BatchProcessor) *Batch {
	return &Batch{Base: NewBase(name, nbInputs, nbOutputs), proc: proc, policy: DefaultPolicy}
}

func (b *Batch) Init(ctx Context) error {
	b.policy = ctx.Policy()
	if b.policy.BatchCapacity < 1 {
		b.policy.BatchCapacity = DefaultBatchCapacity
	}
	if b.policy.BatchThreshold <= 0 {
		b.policy.BatchThreshold = DefaultBatchThreshold
	}
	if c, ok := b.proc.(interface{ Init(Context) error }); ok {
		if err := c.Init(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (b *Batch) nowMs(ctx Context) int64 { return ctx.Clock().Now().UnixMilli() }

func (b *Batch) ProcessRecord(ctx Context, input string, rec record.Record) error {
	if len(b.records) > 0 && input != b.input {
		b.flush(ctx)
		if len(b.records) > 0 {
			// a failed batch stays buffered until the runner terminates
			return nil
		}
	}
	if len(b.records) == 0 {
		b.input = input
		b.deadline = b.nowMs(ctx) + b.policy.BatchThreshold.Milliseconds()
		ctx.SetTimer(BatchTimer, b.deadline)
	}
	b.records = append(b.records, rec)
	if len(b.records) >= b.policy.BatchCapacity {
		b.flush(ctx)
	}
	return nil
}

func (b *Batch) ProcessTimer(ctx Context, key string, ts int64) error {
	if key != BatchTimer {
		if t, ok := b.proc.(interface {
			ProcessTimer(Context, string, int64) error
		}); ok {
			return t.ProcessTimer(ctx, key, ts)
		}
		return nil
	}
	if len(b.records) == 0 {
		return nil
	}
	if b.nowMs(ctx) < b.deadline {
		ctx.SetTimer(BatchTimer, b.deadline)
		return nil
	}
	b.flush(ctx)
	if len(b.records) > 0 {
		// failed and kept; retry on the next threshold
		b.deadline = b.nowMs(ctx) + b.policy.BatchThreshold.Milliseconds()
		ctx.SetTimer(BatchTimer, b.deadline)
	}
	return nil
}

// attemptContext holds the records produced by one ProcessBatch attempt so a
// failed attempt leaves nothing behind.
type attemptContext struct {
	Context
	produced []Produced
}

func (a *attemptContext) ProduceRecord(output string, rec record.Record) error {
	if !slices.Contains(a.Metadata().Outputs(), output) {
		return streamlog.InvalidArgumentf("computation %s has no output %s", a.Metadata().Name(), output)
	}
	a.produced = append(a.produced, Produced{Output: output, Record: rec})
	return nil
}

// flush processes the buffered batch with retries. A batch that still fails
// is either skipped or left buffered with a termination request; only the
// outputs of a successful attempt reach ctx.
func (b *Batch) flush(ctx Context) {
	if len(b.records) == 0 {
		return
	}
	logger := ctx.Logger()
	attempt := &attemptContext{Context: ctx}
	err := b.policy.Retry.Call(context.Background(), ctx.Clock(), func(err error, n int) {
		logger.Debug("batch attempt failed", logpkg.Int("attempt", n), logpkg.Err(err))
	}, func() error {
		attempt.produced = attempt.produced[:0]
		if err := b.proc.ProcessBatch(attempt, b.input, b.records); err != nil {
			attempt.produced = attempt.produced[:0]
			return err
		}
		return nil
	})
	if err == nil {
		for _, p := range attempt.produced {
			if err = ctx.ProduceRecord(p.Output, p.Record); err != nil {
				break
			}
		}
	}
	if err != nil {
		b.failures++
		if !b.policy.Skip(b.failures) {
			logger.Error("batch failed, terminating",
				logpkg.Str("input", b.input), logpkg.Int("records", len(b.records)), logpkg.Err(err))
			ctx.AskForTermination()
			return
		}
		b.skipped++
		logger.Warn("batch failed, skipped",
			logpkg.Str("input", b.input), logpkg.Int("records", len(b.records)), logpkg.Err(err))
		if h, ok := b.proc.(BatchFailureHandler); ok {
			h.BatchFailure(ctx, b.input, b.records, err)
		}
	}
	b.records = nil
	ctx.AskForCheckpoint()
}

func (b *Batch) Pending() bool { return len(b.records) > 0 }
func (b *Batch) Failures() int { return b.failures }
func (b *Batch) Skipped() int  { return b.skipped }

func (b *Batch) Destroy() {
	if d, ok := b.proc.(interface{ Destroy() }); ok {
		d.Destroy()
	}
}
