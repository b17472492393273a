package computation

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/flostream/internal/record"
	"github.com/rzbill/flostream/internal/streamlog"
	"github.com/rzbill/flostream/internal/watermark"
)

func newContext(t *testing.T, md Metadata, mappings []string, p Policy) *BufferedContext {
	t.Helper()
	mm, err := NewMappingMetadata(md, mappings)
	require.NoError(t, err)
	return NewBufferedContext(mm, p, clock.WallClock, nil)
}

func TestMetadataSlots(t *testing.T) {
	md := NewMetadata("C1", 2, 1)
	assert.Equal(t, []string{"i1", "i2"}, md.Inputs())
	assert.Equal(t, []string{"o1"}, md.Outputs())
	assert.False(t, md.IsSource())
	assert.True(t, NewMetadata("GEN", 0, 1).IsSource())
	assert.True(t, NewMetadata("SINK", 1, 0).IsSink())
}

func TestMappingMetadata(t *testing.T) {
	md := NewMetadata("C1", 2, 1)
	mm, err := NewMappingMetadata(md, []string{"i1:s1", "i2:ns/s2", "o1:out"})
	require.NoError(t, err)
	assert.Equal(t, "s1", mm.Stream("i1"))
	assert.Equal(t, "i2", mm.Slot("ns/s2"))
	assert.Equal(t, []string{"s1", "ns/s2"}, mm.InputStreams())
	assert.Equal(t, []string{"out"}, mm.OutputStreams())

	cases := map[string][]string{
		"unmapped slot":   {"i1:s1", "o1:out"},
		"undeclared slot": {"i1:s1", "i2:s2", "i3:s3", "o1:out"},
		"mapped twice":    {"i1:s1", "i1:s2", "i2:s2", "o1:out"},
		"no colon":        {"i1s1", "i2:s2", "o1:out"},
		"bad slot kind":   {"x1:s1", "i2:s2", "o1:out"},
		"bad slot index":  {"i0:s1", "i2:s2", "o1:out"},
		"bad stream name": {"i1:s 1", "i2:s2", "o1:out"},
		"empty stream":    {"i1:", "i2:s2", "o1:out"},
	}
	for name, mappings := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewMappingMetadata(md, mappings)
			assert.True(t, errors.Is(err, streamlog.ErrInvalidArgument), "got %v", err)
		})
	}
}

func TestBufferedContext(t *testing.T) {
	ctx := newContext(t, NewMetadata("C1", 1, 1), []string{"i1:in", "o1:out"}, DefaultPolicy)
	require.NoError(t, ctx.ProduceRecord("o1", record.New("k", nil)))
	err := ctx.ProduceRecord("o2", record.New("k", nil))
	assert.True(t, errors.Is(err, streamlog.ErrInvalidArgument))
	require.Len(t, ctx.Outputs(), 1)
	assert.Equal(t, "o1", ctx.Outputs()[0].Output)

	ctx.SetTimer("b", 20)
	ctx.SetTimer("a", 10)
	ctx.SetTimer("later", 100)
	assert.Equal(t, []string{"a", "b"}, ctx.DueTimers(50))
	ts, ok := ctx.FireTimer("a")
	assert.True(t, ok)
	assert.Equal(t, int64(10), ts)
	assert.Len(t, ctx.Timers(), 2)

	ctx.AskForCheckpoint()
	assert.True(t, ctx.RequireCheckpoint())
	ctx.CancelAskForCheckpoint()
	assert.False(t, ctx.RequireCheckpoint())
	ctx.AskForCheckpoint()
	ctx.Clear()
	assert.False(t, ctx.RequireCheckpoint())
	assert.Empty(t, ctx.Outputs())
	assert.False(t, ctx.RequireTerminate())
	ctx.AskForTermination()
	assert.True(t, ctx.RequireTerminate())
}

func TestPolicyBuilder(t *testing.T) {
	p, err := NewPolicyBuilder().Batch(5, 200*time.Millisecond).Retry(Retries(3, time.Millisecond)).
		ContinueOnFailure(true).Build()
	require.NoError(t, err)
	assert.Equal(t, 5, p.BatchCapacity)
	assert.Equal(t, 3, p.Retry.MaxRetries)
	assert.True(t, p.Skip(1))

	p = NewPolicyBuilder().SkipFirstFailures(2).MustBuild()
	assert.True(t, p.Skip(1))
	assert.True(t, p.Skip(2))
	assert.False(t, p.Skip(3))

	_, err = NewPolicyBuilder().Batch(0, time.Second).Build()
	assert.Error(t, err)
	_, err = NewPolicyBuilder().Retry(Retries(-1, 0)).Build()
	assert.Error(t, err)
}

func TestRetryPolicyCall(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Retries(2, time.Millisecond).Call(context.Background(), nil, nil, func() error {
		calls++
		if calls < 3 {
			return boom
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = NoRetry.Call(context.Background(), nil, nil, func() error {
		calls++
		return boom
	})
	assert.Equal(t, boom, err)
	assert.Equal(t, 1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Retries(5, time.Hour).Call(ctx, nil, nil, func() error { return boom })
	assert.Error(t, err)
}

type recordingBatch struct {
	batches [][]string
	inputs  []string
	fail    int
}

func (r *recordingBatch) ProcessBatch(ctx Context, input string, records []record.Record) error {
	if r.fail > 0 {
		r.fail--
		return errors.New("transient")
	}
	keys := make([]string, 0, len(records))
	for _, rec := range records {
		keys = append(keys, rec.Key)
	}
	r.batches = append(r.batches, keys)
	r.inputs = append(r.inputs, input)
	return nil
}

func batchContext(t *testing.T, p Policy) *BufferedContext {
	return newContext(t, NewMetadata("B", 2, 0), []string{"i1:s1", "i2:s2"}, p)
}

func TestBatchFlushOnCapacityAndInputSwitch(t *testing.T) {
	proc := &recordingBatch{}
	b := NewBatch("B", 2, 0, proc)
	ctx := batchContext(t, NewPolicyBuilder().Batch(5, time.Hour).MustBuild())
	require.NoError(t, b.Init(ctx))
	assert.Empty(t, ctx.Timers())

	for i := 1; i <= 5; i++ {
		require.NoError(t, b.ProcessRecord(ctx, "i1", record.New(strconv.Itoa(i), nil)))
	}
	require.Len(t, proc.batches, 1)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, proc.batches[0])
	assert.True(t, ctx.RequireCheckpoint())
	assert.False(t, b.Pending())
	ctx.Clear()

	require.NoError(t, b.ProcessRecord(ctx, "i1", record.New("6", nil)))
	assert.True(t, b.Pending())
	assert.Len(t, proc.batches, 1)
	require.NoError(t, b.ProcessRecord(ctx, "i2", record.New("7", nil)))
	require.Len(t, proc.batches, 2)
	assert.Equal(t, []string{"6"}, proc.batches[1])
	assert.Equal(t, "i1", proc.inputs[1])
	assert.True(t, b.Pending())
}

func TestBatchFlushOnThreshold(t *testing.T) {
	proc := &recordingBatch{}
	b := NewBatch("B", 2, 0, proc)
	ctx := batchContext(t, NewPolicyBuilder().Batch(10, 20*time.Millisecond).MustBuild())
	require.NoError(t, b.Init(ctx))
	require.NoError(t, b.ProcessRecord(ctx, "i1", record.New("1", nil)))

	// before the deadline the timer re-arms at the deadline
	deadline := ctx.Timers()[BatchTimer]
	ctx.FireTimer(BatchTimer)
	require.NoError(t, b.ProcessTimer(ctx, BatchTimer, 0))
	assert.Empty(t, proc.batches)
	assert.Equal(t, deadline, ctx.Timers()[BatchTimer])

	time.Sleep(30 * time.Millisecond)
	ctx.FireTimer(BatchTimer)
	require.NoError(t, b.ProcessTimer(ctx, BatchTimer, 0))
	require.Len(t, proc.batches, 1)
	assert.Empty(t, ctx.Timers())
}

func TestBatchTimerFollowsFirstRecord(t *testing.T) {
	proc := &recordingBatch{}
	b := NewBatch("B", 2, 0, proc)
	ctx := batchContext(t, NewPolicyBuilder().Batch(10, 50*time.Millisecond).MustBuild())
	require.NoError(t, b.Init(ctx))

	time.Sleep(20 * time.Millisecond)
	before := time.Now().UnixMilli()
	require.NoError(t, b.ProcessRecord(ctx, "i1", record.New("1", nil)))
	deadline, ok := ctx.Timers()[BatchTimer]
	require.True(t, ok)
	assert.GreaterOrEqual(t, deadline, before+50)
	assert.LessOrEqual(t, deadline, time.Now().UnixMilli()+50)

	// later records of the same batch keep the first deadline
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, b.ProcessRecord(ctx, "i1", record.New("2", nil)))
	assert.Equal(t, deadline, ctx.Timers()[BatchTimer])
}

func TestBatchRetryInPlace(t *testing.T) {
	proc := &recordingBatch{fail: 2}
	b := NewBatch("B", 2, 0, proc)
	ctx := batchContext(t, NewPolicyBuilder().Batch(2, time.Hour).Retry(Retries(2, time.Millisecond)).MustBuild())
	require.NoError(t, b.Init(ctx))
	require.NoError(t, b.ProcessRecord(ctx, "i1", record.New("a", nil)))
	require.NoError(t, b.ProcessRecord(ctx, "i1", record.New("b", nil)))
	require.Len(t, proc.batches, 1)
	assert.Equal(t, []string{"a", "b"}, proc.batches[0])
	assert.False(t, ctx.RequireTerminate())
	assert.Equal(t, 0, b.Failures())
}

func TestBatchFailureTerminates(t *testing.T) {
	proc := &recordingBatch{fail: 10}
	b := NewBatch("B", 2, 0, proc)
	ctx := batchContext(t, NewPolicyBuilder().Batch(2, time.Hour).Retry(Retries(1, time.Millisecond)).MustBuild())
	require.NoError(t, b.Init(ctx))
	require.NoError(t, b.ProcessRecord(ctx, "i1", record.New("a", nil)))
	require.NoError(t, b.ProcessRecord(ctx, "i1", record.New("b", nil)))
	assert.True(t, ctx.RequireTerminate())
	assert.False(t, ctx.RequireCheckpoint())
	assert.True(t, b.Pending())
	assert.Equal(t, 1, b.Failures())
}

type failureSink struct {
	recordingBatch
	skipped [][]record.Record
}

func (f *failureSink) BatchFailure(_ Context, _ string, records []record.Record, _ error) {
	f.skipped = append(f.skipped, records)
}

func TestBatchContinueOnFailure(t *testing.T) {
	proc := &failureSink{recordingBatch: recordingBatch{fail: 1}}
	b := NewBatch("B", 2, 0, proc)
	ctx := batchContext(t, NewPolicyBuilder().Batch(1, time.Hour).ContinueOnFailure(true).MustBuild())
	require.NoError(t, b.Init(ctx))
	require.NoError(t, b.ProcessRecord(ctx, "i1", record.New("a", nil)))
	assert.False(t, ctx.RequireTerminate())
	assert.True(t, ctx.RequireCheckpoint())
	assert.Equal(t, 1, b.Skipped())
	require.Len(t, proc.skipped, 1)

	require.NoError(t, b.ProcessRecord(ctx, "i1", record.New("b", nil)))
	require.Len(t, proc.batches, 1)
	assert.Equal(t, []string{"b"}, proc.batches[0])
}

type producingBatch struct {
	attempts int
	fail     int
}

func (p *producingBatch) ProcessBatch(ctx Context, _ string, records []record.Record) error {
	p.attempts++
	for _, rec := range records {
		if err := ctx.ProduceRecord("o1", rec); err != nil {
			return err
		}
	}
	if p.attempts <= p.fail {
		return errors.New("after produce")
	}
	return nil
}

func producingContext(t *testing.T, p Policy) *BufferedContext {
	return newContext(t, NewMetadata("B", 1, 1), []string{"i1:s1", "o1:s2"}, p)
}

func TestBatchSkipDropsFailedAttemptOutputs(t *testing.T) {
	proc := &producingBatch{fail: 10}
	b := NewBatch("B", 1, 1, proc)
	ctx := producingContext(t, NewPolicyBuilder().Batch(2, time.Hour).
		Retry(Retries(2, time.Millisecond)).ContinueOnFailure(true).MustBuild())
	require.NoError(t, b.Init(ctx))
	require.NoError(t, b.ProcessRecord(ctx, "i1", record.New("a", nil)))
	require.NoError(t, b.ProcessRecord(ctx, "i1", record.New("b", nil)))

	assert.Equal(t, 3, proc.attempts)
	assert.Equal(t, 1, b.Skipped())
	assert.Empty(t, ctx.Outputs())
	assert.True(t, ctx.RequireCheckpoint())
}

func TestBatchRetryKeepsOnlySuccessfulOutputs(t *testing.T) {
	proc := &producingBatch{fail: 2}
	b := NewBatch("B", 1, 1, proc)
	ctx := producingContext(t, NewPolicyBuilder().Batch(2, time.Hour).Retry(Retries(2, time.Millisecond)).MustBuild())
	require.NoError(t, b.Init(ctx))
	require.NoError(t, b.ProcessRecord(ctx, "i1", record.New("a", nil)))
	require.NoError(t, b.ProcessRecord(ctx, "i1", record.New("b", nil)))

	assert.Equal(t, 3, proc.attempts)
	out := ctx.Outputs()
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Record.Key)
	assert.Equal(t, "b", out[1].Record.Key)
	assert.Equal(t, "o1", out[0].Output)
}

func TestBatchTerminateDropsFailedAttemptOutputs(t *testing.T) {
	proc := &producingBatch{fail: 10}
	b := NewBatch("B", 1, 1, proc)
	ctx := producingContext(t, NewPolicyBuilder().Batch(1, time.Hour).MustBuild())
	require.NoError(t, b.Init(ctx))
	require.NoError(t, b.ProcessRecord(ctx, "i1", record.New("a", nil)))
	assert.True(t, ctx.RequireTerminate())
	assert.Empty(t, ctx.Outputs())
}

func TestPredicate(t *testing.T) {
	rec := record.New("order-1", []byte(`{"amount": 42, "status": "paid"}`)).WithHeader("tenant", "acme")
	cases := []struct {
		expr string
		want bool
	}{
		{"", true},
		{`key.startsWith("order-")`, true},
		{`json.amount > 40.0`, true},
		{`json.status == "refunded"`, false},
		{`headers["tenant"] == "acme"`, true},
		{`text.contains("paid")`, true},
		{`size(data) > 1000`, false},
		{`ts_ms <= now_ms`, true},
		{`json.missing == 1`, false},
	}
	for _, tc := range cases {
		p, err := CompilePredicate(tc.expr)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, p.Match(rec), tc.expr)
	}

	_, err := CompilePredicate(`key +`)
	assert.True(t, errors.Is(err, streamlog.ErrInvalidArgument))
	_, err = CompilePredicate(`key`)
	assert.True(t, errors.Is(err, streamlog.ErrInvalidArgument))
}

func TestFilterComputation(t *testing.T) {
	f, err := Filter("F", `key != "drop"`)
	require.NoError(t, err)
	c := f()
	ctx := newContext(t, c.Metadata(), []string{"i1:in", "o1:out"}, DefaultPolicy)
	require.NoError(t, c.ProcessRecord(ctx, "i1", record.New("keep", nil)))
	require.NoError(t, c.ProcessRecord(ctx, "i1", record.New("drop", nil)))
	require.Len(t, ctx.Outputs(), 1)
	assert.Equal(t, "keep", ctx.Outputs()[0].Record.Key)
}

func TestGenerator(t *testing.T) {
	target := time.Now().UnixMilli()
	g := NewGenerator("GEN", 5, 2, target)
	ctx := newContext(t, g.Metadata(), []string{"o1:s1"}, DefaultPolicy)
	require.NoError(t, g.Init(ctx))
	for i := 0; i < 3; i++ {
		due := ctx.DueTimers(time.Now().UnixMilli() + 1)
		require.Equal(t, []string{generatorTimer}, due, "tick %d", i)
		ctx.FireTimer(generatorTimer)
		require.NoError(t, g.ProcessTimer(ctx, generatorTimer, 0))
	}
	out := ctx.Outputs()
	require.Len(t, out, 5)
	assert.Equal(t, "5", out[4].Record.Key)
	assert.Equal(t, target, watermark.OfValue(out[4].Record.Watermark).Timestamp())
	assert.Equal(t, target, ctx.SourceLowWatermark().Timestamp())
	assert.True(t, ctx.RequireTerminate())
	assert.Empty(t, ctx.Timers())
}

func TestCounter(t *testing.T) {
	c := NewCounter("COUNT", time.Millisecond)
	ctx := newContext(t, c.Metadata(), []string{"i1:in", "o1:out"}, DefaultPolicy)
	require.NoError(t, c.Init(ctx))
	for i := 0; i < 3; i++ {
		require.NoError(t, c.ProcessRecord(ctx, "i1", record.New("x", nil)))
	}
	assert.True(t, c.Pending())
	require.NoError(t, c.ProcessTimer(ctx, counterTimer, 0))
	require.Len(t, ctx.Outputs(), 1)
	assert.Equal(t, "3", ctx.Outputs()[0].Record.Key)
	assert.False(t, c.Pending())
	assert.True(t, ctx.RequireCheckpoint())
}
