package processor_test

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rzbill/flostream/internal/codec"
	"github.com/rzbill/flostream/internal/computation"
	"github.com/rzbill/flostream/internal/processor"
	"github.com/rzbill/flostream/internal/record"
	"github.com/rzbill/flostream/internal/streamlog"
	"github.com/rzbill/flostream/internal/streamlog/memory"
	"github.com/rzbill/flostream/internal/topology"
)

const drainTimeout = 20 * time.Second

var errBoom = errors.New("boom")

type env struct {
	logs streamlog.Manager
	sm   *processor.StreamManager
}

func newEnv(opts ...processor.Option) *env {
	logs := memory.NewManager()
	return &env{logs: logs, sm: processor.NewStreamManager(logs, opts...)}
}

func (e *env) close(t *testing.T) {
	assert.NoError(t, e.sm.Close())
	assert.NoError(t, e.logs.Close())
}

func (e *env) lag(stream, group string) int64 {
	return e.logs.GetLag(streamlog.MustName(stream), streamlog.MustName(group)).Lag()
}

// readAll reads a stream from the start under a throwaway group.
func (e *env) readAll(t *testing.T, stream string, c codec.Codec) []record.Record {
	t.Helper()
	tailer, err := streamlog.CreateTailerForLog(e.logs, streamlog.MustName("reader"), streamlog.MustName(stream), c)
	require.NoError(t, err)
	defer tailer.Close()
	var out []record.Record
	for {
		res, err := tailer.Read(context.Background(), 200*time.Millisecond)
		require.NoError(t, err)
		if res.IsEmpty() {
			return out
		}
		if res.IsOk() {
			out = append(out, res.Record.Record)
		}
	}
}

func sumKeys(t *testing.T, recs []record.Record) int {
	t.Helper()
	total := 0
	for _, r := range recs {
		n, err := strconv.Atoi(r.Key)
		require.NoError(t, err)
		total += n
	}
	return total
}

func generator(name string, count, perTick int, target int64) computation.Factory {
	return func() computation.Computation { return computation.NewGenerator(name, count, perTick, target) }
}

func forward(name string, in, out int) computation.Factory {
	return func() computation.Computation { return computation.NewForward(name, in, out) }
}

func counter(name string) computation.Factory {
	return func() computation.Computation { return computation.NewCounter(name, 50*time.Millisecond) }
}

func simpleTopology(count int, target int64) *topology.Topology {
	return topology.NewBuilder().
		AddComputation(generator("GENERATOR", count, 10, target), []string{"o1:s1"}).
		AddComputation(forward("C1", 1, 1), []string{"i1:s1", "o1:s2"}).
		AddComputation(counter("COUNTER"), []string{"i1:s2", "o1:output"}).
		MustBuild()
}

func settings() *processor.Settings {
	return processor.NewSettings(2, 4).
		SetConcurrency("GENERATOR", 1).
		WithCheckpointInterval(20 * time.Millisecond)
}

func TestSimpleTopology(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newEnv()
	defer e.close(t)

	target := time.Now().UnixMilli()
	p, err := e.sm.RegisterAndCreateProcessor(context.Background(), "simple", simpleTopology(100, target), settings())
	require.NoError(t, err)
	require.NoError(t, p.Start())
	ok, err := p.WaitForAssignments(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.True(t, p.DrainAndStop(drainTimeout))
	assert.True(t, p.IsTerminated())
	assert.True(t, p.IsDone(target))
	assert.False(t, p.IsDone(target+1))

	assert.Equal(t, 100, sumKeys(t, e.readAll(t, "output", nil)))
	assert.Zero(t, e.lag("s1", "C1"))
	assert.Zero(t, e.lag("s2", "COUNTER"))

	stats := p.Metrics()
	require.Len(t, stats, 3)
	assert.Equal(t, "GENERATOR", stats[0].Name)
	assert.Equal(t, 1, stats[0].Workers)
	assert.Equal(t, 2, stats[1].Workers)
	assert.EqualValues(t, 100, stats[1].Records)
	assert.Zero(t, stats[1].Running)
}

func TestDrainStopsAtSourceWatermark(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newEnv()
	defer e.close(t)

	// COUNTER never sees its upstream terminate: the generator keeps running
	// until stopped, so the drain ends on watermarks.
	target := time.Now().UnixMilli()
	topo := topology.NewBuilder().
		AddComputation(func() computation.Computation { return &endless{Generator: computation.NewGenerator("GENERATOR", 50, 50, target)} },
			[]string{"o1:s1"}).
		AddComputation(counter("COUNTER"), []string{"i1:s1", "o1:output"}).
		MustBuild()
	p, err := e.sm.RegisterAndCreateProcessor(context.Background(), "drain", topo, settings())
	require.NoError(t, err)
	require.NoError(t, p.Start())

	require.True(t, p.DrainAndStop(drainTimeout))
	assert.True(t, p.IsDone(target))
	assert.Equal(t, 50, sumKeys(t, e.readAll(t, "output", nil)))
}

// endless is a generator that never asks for termination.
type endless struct {
	*computation.Generator
}

func (g *endless) Init(ctx computation.Context) error {
	return g.Generator.Init(&noTerminate{Context: ctx})
}

func (g *endless) ProcessTimer(ctx computation.Context, key string, ts int64) error {
	return g.Generator.ProcessTimer(&noTerminate{Context: ctx}, key, ts)
}

type noTerminate struct{ computation.Context }

func (noTerminate) AskForTermination() {}

func TestDrainTimesOut(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newEnv()
	defer e.close(t)

	topo := topology.NewBuilder().
		AddComputation(func() computation.Computation { return &endless{Generator: computation.NewGenerator("GENERATOR", 0, 1, 0)} },
			[]string{"o1:s1"}).
		MustBuild()
	p, err := e.sm.RegisterAndCreateProcessor(context.Background(), "stuck", topo, settings())
	require.NoError(t, err)
	require.NoError(t, p.Start())
	assert.False(t, p.DrainAndStop(100*time.Millisecond))
	assert.True(t, p.IsTerminated())
}

func TestMultipleOutputCodecs(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newEnv()
	defer e.close(t)

	target := time.Now().UnixMilli()
	s := settings().
		SetCodec("s1", codec.JSON).
		SetCodec("s2", codec.Msgpack).
		SetCodec("output", codec.LZ4(codec.Proto))
	p, err := e.sm.RegisterAndCreateProcessor(context.Background(), "codecs", simpleTopology(20, target), s)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	require.True(t, p.DrainAndStop(drainTimeout))

	assert.Equal(t, 20, sumKeys(t, e.readAll(t, "output", codec.LZ4(codec.Proto))))
	assert.Len(t, e.readAll(t, "s1", codec.JSON), 20)
	_, err = e.logs.GetAppender(streamlog.MustName("s2"), codec.JSON)
	assert.True(t, errors.Is(err, streamlog.ErrInvalidArgument), "%v", err)
}

func TestInvalidMultipleInputCodecs(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newEnv()
	defer e.close(t)

	topo := topology.NewBuilder().
		AddComputation(forward("C1", 2, 1), []string{"i1:in1", "i2:in2", "o1:output"}).
		MustBuild()
	s := processor.NewSettings(1, 1).SetCodec("in1", codec.JSON).SetCodec("in2", codec.Msgpack)
	_, err := e.sm.RegisterAndCreateProcessor(context.Background(), "invalid", topo, s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, streamlog.ErrInvalidArgument))

	_, err = e.sm.CreateProcessor("invalid")
	assert.True(t, errors.Is(err, streamlog.ErrInvalidArgument))
}

// flaky fails its first failures attempts, every attempt when negative.
type flaky struct {
	computation.Base
	failures int
	attempts *atomic.Int64
}

func (f *flaky) ProcessRecord(computation.Context, string, record.Record) error {
	n := f.attempts.Add(1)
	if f.failures < 0 || n <= int64(f.failures) {
		return errBoom
	}
	return nil
}

func flakyTopology(failures int, attempts *atomic.Int64) *topology.Topology {
	return topology.NewBuilder().
		AddComputation(func() computation.Computation {
			return &flaky{Base: computation.NewBase("FAIL", 1, 0), failures: failures, attempts: attempts}
		}, []string{"i1:input"}).
		MustBuild()
}

func runPolicy(t *testing.T, e *env, name string, failures int, policy computation.Policy) (*processor.StreamProcessor, *atomic.Int64) {
	t.Helper()
	attempts := &atomic.Int64{}
	s := processor.NewSettings(1, 1).WithPolicy(policy).WithCheckpointInterval(10 * time.Millisecond)
	p, err := e.sm.RegisterAndCreateProcessor(context.Background(), name, flakyTopology(failures, attempts), s)
	require.NoError(t, err)
	_, err = e.sm.Append(context.Background(), "input", record.New("k", []byte("v")))
	require.NoError(t, err)
	require.NoError(t, p.Start())
	return p, attempts
}

func TestDefaultPolicyTerminatesOnFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newEnv()
	defer e.close(t)

	p, attempts := runPolicy(t, e, "default", -1, computation.DefaultPolicy)
	require.Eventually(t, p.IsTerminated, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, attempts.Load())
	assert.EqualValues(t, 1, e.lag("input", "FAIL"))
	assert.EqualValues(t, 1, p.Metrics()[0].Failures)
	p.Shutdown()
}

func TestRetryPolicyRecovers(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newEnv()
	defer e.close(t)

	policy := computation.NewPolicyBuilder().Retry(computation.Retries(3, time.Millisecond)).MustBuild()
	p, attempts := runPolicy(t, e, "retry", 2, policy)
	require.True(t, p.DrainAndStop(drainTimeout))
	assert.EqualValues(t, 3, attempts.Load())
	assert.Zero(t, e.lag("input", "FAIL"))
	assert.Zero(t, p.Metrics()[0].Failures)
}

func TestContinueOnFailureSkips(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newEnv()
	defer e.close(t)

	policy := computation.NewPolicyBuilder().
		Retry(computation.Retries(1, time.Millisecond)).
		ContinueOnFailure(true).
		MustBuild()
	p, attempts := runPolicy(t, e, "continue", -1, policy)
	require.True(t, p.DrainAndStop(drainTimeout))
	assert.EqualValues(t, 2, attempts.Load())
	assert.Zero(t, e.lag("input", "FAIL"))
	stats := p.Metrics()[0]
	assert.EqualValues(t, 1, stats.Failures)
	assert.EqualValues(t, 1, stats.Skipped)
}

type batchSink struct{ records atomic.Int64 }

func (b *batchSink) ProcessBatch(_ computation.Context, _ string, recs []record.Record) error {
	b.records.Add(int64(len(recs)))
	return nil
}

func TestBatchPolicyCommitsOnFlush(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newEnv()
	defer e.close(t)

	sink := &batchSink{}
	topo := topology.NewBuilder().
		AddComputation(func() computation.Computation { return computation.NewBatch("BATCH", 1, 0, sink) },
			[]string{"i1:input"}).
		MustBuild()
	policy := computation.NewPolicyBuilder().Batch(5, 300*time.Millisecond).MustBuild()
	s := processor.NewSettings(1, 1).SetPolicy("BATCH", policy).WithCheckpointInterval(10 * time.Millisecond)
	p, err := e.sm.RegisterAndCreateProcessor(context.Background(), "batch", topo, s)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := e.sm.Append(context.Background(), "input", record.New(strconv.Itoa(i), nil))
		require.NoError(t, err)
	}
	require.NoError(t, p.Start())

	require.Eventually(t, func() bool { return p.Metrics()[0].Records == 3 }, 5*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 3, e.lag("input", "BATCH"))
	require.Eventually(t, func() bool { return e.lag("input", "BATCH") == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 3, sink.records.Load())
	require.True(t, p.DrainAndStop(drainTimeout))
}

func TestLoopDrainsOnWatermarks(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newEnv()
	defer e.close(t)

	// every record goes around the A -> BOUNCE -> A loop once
	bounce := computation.Map("BOUNCE", func(_ computation.Context, rec record.Record) (record.Record, bool, error) {
		if rec.Headers["bounced"] != "" {
			return rec, false, nil
		}
		return rec.WithHeader("bounced", "1"), true, nil
	})
	var seen atomic.Int64
	sink := computation.ForEach("SINK", func(_ computation.Context, _ record.Record) error {
		seen.Add(1)
		return nil
	})
	target := time.Now().UnixMilli()
	topo := topology.NewBuilder().
		AddComputation(generator("GENERATOR", 20, 10, target), []string{"o1:s0"}).
		AddComputation(forward("A", 2, 1), []string{"i1:s0", "i2:s2", "o1:s1"}).
		AddComputation(bounce, []string{"i1:s1", "o1:s2"}).
		AddComputation(sink, []string{"i1:s1"}).
		MustBuild()
	p, err := e.sm.RegisterAndCreateProcessor(context.Background(), "loop", topo, settings())
	require.NoError(t, err)
	require.NoError(t, p.Start())

	require.Eventually(t, func() bool { return seen.Load() == 40 }, drainTimeout, 10*time.Millisecond)
	require.True(t, p.DrainAndStop(drainTimeout))
	assert.True(t, p.IsDone(target))
	assert.EqualValues(t, 40, seen.Load())
	assert.Zero(t, e.lag("s0", "A"))
	assert.Zero(t, e.lag("s2", "A"))
	assert.Zero(t, e.lag("s1", "BOUNCE"))
	assert.Zero(t, e.lag("s1", "SINK"))
}

func TestPoisonPillStopsWorker(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newEnv()
	defer e.close(t)

	topo := topology.NewBuilder().
		AddComputation(forward("C1", 1, 1), []string{"i1:input", "o1:output"}).
		MustBuild()
	p, err := e.sm.RegisterAndCreateProcessor(context.Background(), "pill", topo, processor.NewSettings(1, 1))
	require.NoError(t, err)
	_, err = e.sm.Append(context.Background(), "input", record.New("1", nil))
	require.NoError(t, err)
	pill := record.New("stop", nil)
	pill.Flags = record.FlagPoisonPill
	_, err = e.sm.Append(context.Background(), "input", pill)
	require.NoError(t, err)

	require.NoError(t, p.Start())
	require.Eventually(t, p.IsTerminated, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, e.lag("input", "C1"))
	assert.Len(t, e.readAll(t, "output", nil), 1)
}

func TestRegisterWithoutExecution(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newEnv()
	defer e.close(t)

	p, err := e.sm.RegisterAndCreateProcessor(context.Background(), "idle", simpleTopology(10, 0), processor.NewSettings(0, 3))
	require.NoError(t, err)
	require.NoError(t, p.Start())
	assert.True(t, p.IsTerminated())
	ok, err := p.WaitForAssignments(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	for _, s := range []string{"s1", "s2", "output"} {
		assert.Equal(t, 3, e.logs.Size(streamlog.MustName(s)), s)
	}
	assert.True(t, p.DrainAndStop(time.Second))
}

func TestWorkersCappedByPartitions(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newEnv()
	defer e.close(t)

	topo := topology.NewBuilder().
		AddComputation(forward("C1", 1, 1), []string{"i1:input", "o1:output"}).
		MustBuild()
	p, err := e.sm.RegisterAndCreateProcessor(context.Background(), "capped", topo, processor.NewSettings(8, 3))
	require.NoError(t, err)
	require.NoError(t, p.Init())
	assert.Equal(t, 3, p.Metrics()[0].Workers)
	p.Shutdown()
	assert.True(t, p.IsTerminated())
	assert.Error(t, p.Start())
}

func TestStopCommitsAndResumes(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newEnv()
	defer e.close(t)

	topo := topology.NewBuilder().
		AddComputation(forward("C1", 1, 1), []string{"i1:input", "o1:output"}).
		MustBuild()
	s := processor.NewSettings(1, 2)
	require.NoError(t, e.sm.Register(context.Background(), "resume", topo, s))
	appendN := func(from, to int) {
		for i := from; i < to; i++ {
			_, err := e.sm.Append(context.Background(), "input", record.New(strconv.Itoa(i), nil))
			require.NoError(t, err)
		}
	}

	appendN(0, 10)
	p, err := e.sm.CreateProcessor("resume")
	require.NoError(t, err)
	require.NoError(t, p.Start())
	require.Eventually(t, func() bool { return p.Metrics()[0].Records == 10 }, 5*time.Second, 5*time.Millisecond)
	require.True(t, p.Stop(5*time.Second))
	assert.Zero(t, e.lag("input", "C1"))

	appendN(10, 15)
	p, err = e.sm.CreateProcessor("resume")
	require.NoError(t, err)
	require.NoError(t, p.Start())
	require.True(t, p.DrainAndStop(drainTimeout))
	assert.EqualValues(t, 5, p.Metrics()[0].Records)
	assert.Len(t, e.readAll(t, "output", nil), 15)
}

func TestDynamicAssignment(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newEnv(processor.WithDynamicAssignment(true))
	defer e.close(t)

	target := time.Now().UnixMilli()
	p, err := e.sm.RegisterAndCreateProcessor(context.Background(), "dynamic", simpleTopology(100, target), settings())
	require.NoError(t, err)
	require.NoError(t, p.Start())
	ok, err := p.WaitForAssignments(context.Background(), 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, p.DrainAndStop(drainTimeout))
	// rebalances may replay uncommitted records
	assert.GreaterOrEqual(t, sumKeys(t, e.readAll(t, "output", nil)), 100)
}

func TestLagAndLatency(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newEnv()
	defer e.close(t)

	topo := topology.NewBuilder().
		AddComputation(forward("C1", 1, 1), []string{"i1:input", "o1:output"}).
		MustBuild()
	p, err := e.sm.RegisterAndCreateProcessor(context.Background(), "lag", topo, processor.NewSettings(1, 1))
	require.NoError(t, err)
	_, err = e.sm.Append(context.Background(), "input", record.New("1", nil))
	require.NoError(t, err)

	lag, err := p.Lag("C1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, lag.Lag())
	_, err = p.Latency(context.Background(), "C1")
	require.NoError(t, err)
	_, err = p.Lag("missing")
	assert.True(t, errors.Is(err, streamlog.ErrInvalidArgument))
	p.Shutdown()
}

func TestAppendToUnknownStream(t *testing.T) {
	e := newEnv()
	defer e.close(t)
	_, err := e.sm.Append(context.Background(), "nowhere", record.New("k", nil))
	assert.True(t, errors.Is(err, streamlog.ErrInvalidArgument))
}
