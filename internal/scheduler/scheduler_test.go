package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rzbill/flostream/internal/streamlog"
	"github.com/rzbill/flostream/internal/streamlog/memory"
)

func newManager(t *testing.T) (*WorkManager, func()) {
	t.Helper()
	logs := memory.NewManager()
	m := NewWorkManager(logs, Options{CheckpointInterval: 10 * time.Millisecond})
	return m, func() {
		assert.NoError(t, m.Close())
		assert.NoError(t, logs.Close())
	}
}

func TestPartitionsFor(t *testing.T) {
	for threads, want := range map[int]int{0: 1, 1: 1, 2: 6, 4: 12} {
		assert.Equal(t, want, partitionsFor(threads), "threads %d", threads)
	}
}

func TestWorkEncoding(t *testing.T) {
	w := Work{ID: "w1", Category: "convert", PartitionKey: "doc", Payload: []byte{1, 2}, Properties: map[string]string{"a": "b"}, ScheduledAt: 42}
	b, err := encodeWork(w)
	require.NoError(t, err)
	got, err := decodeWork(b)
	require.NoError(t, err)
	assert.Equal(t, w, got)

	_, err = decodeWork([]byte{0xc1})
	assert.Error(t, err)
}

func TestNewWorkIDsAreOrdered(t *testing.T) {
	a, b := NewWork("convert", nil), NewWork("convert", []byte("x"))
	assert.Len(t, a.ID, 32)
	assert.Less(t, a.ID, b.ID)
	assert.Equal(t, a.ID, a.key())
}

func TestScheduleAndAwait(t *testing.T) {
	defer goleak.VerifyNone(t)
	m, done := newManager(t)
	defer done()

	var ran atomic.Int64
	require.NoError(t, m.RegisterQueue(context.Background(), "convert", 2, func(_ context.Context, w Work) error {
		ran.Add(1)
		return nil
	}))
	for i := 0; i < 10; i++ {
		require.NoError(t, m.Schedule(context.Background(), "convert", Work{ID: "w" + strconv.Itoa(i)}))
	}
	ok, err := m.AwaitCompletion(context.Background(), "convert", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 10, ran.Load())

	metrics, err := m.Metrics("convert")
	require.NoError(t, err)
	assert.Equal(t, QueueMetrics{Queue: "convert", Completed: 10}, metrics)
	assert.Equal(t, []string{"convert"}, m.Queues())
}

// gate blocks the handler on the work "block" until opened.
type gate struct {
	started chan struct{}
	open    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	ran     []string
}

func newGate() *gate {
	return &gate{started: make(chan struct{}), open: make(chan struct{})}
}

func (g *gate) handle(_ context.Context, w Work) error {
	if w.ID == "block" {
		close(g.started)
		<-g.open
	}
	g.mu.Lock()
	g.ran = append(g.ran, w.ID)
	g.mu.Unlock()
	return nil
}

func (g *gate) release() { g.once.Do(func() { close(g.open) }) }

func TestScheduleIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)
	m, done := newManager(t)
	defer done()

	g := newGate()
	defer g.release()
	require.NoError(t, m.RegisterQueue(context.Background(), "q", 1, g.handle))
	require.NoError(t, m.Schedule(context.Background(), "q", Work{ID: "block"}))
	<-g.started
	// running
	require.NoError(t, m.Schedule(context.Background(), "q", Work{ID: "block"}))
	require.NoError(t, m.Schedule(context.Background(), "q", Work{ID: "next"}))
	// scheduled
	require.NoError(t, m.Schedule(context.Background(), "q", Work{ID: "next"}))

	metrics, err := m.Metrics("q")
	require.NoError(t, err)
	assert.EqualValues(t, 2, metrics.Scheduled)
	assert.EqualValues(t, 1, metrics.Running)

	g.release()
	ok, err := m.AwaitCompletion(context.Background(), "q", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"block", "next"}, g.ran)

	// completed ids can run again
	require.NoError(t, m.Schedule(context.Background(), "q", Work{ID: "next"}))
	ok, err = m.AwaitCompletion(context.Background(), "q", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"block", "next", "next"}, g.ran)
}

func TestCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	m, done := newManager(t)
	defer done()

	g := newGate()
	defer g.release()
	require.NoError(t, m.RegisterQueue(context.Background(), "q", 1, g.handle))
	require.NoError(t, m.Schedule(context.Background(), "q", Work{ID: "block"}))
	<-g.started
	require.NoError(t, m.Schedule(context.Background(), "q", Work{ID: "doomed"}))

	ok, err := m.Cancel("q", "doomed")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.Cancel("q", "block")
	require.NoError(t, err)
	assert.False(t, ok, "running works cannot be cancelled")

	g.release()
	ok, err = m.AwaitCompletion(context.Background(), "q", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"block"}, g.ran)
	metrics, err := m.Metrics("q")
	require.NoError(t, err)
	assert.EqualValues(t, 1, metrics.Cancelled)
	assert.EqualValues(t, 2, metrics.Completed)

	// consuming a cancelled work forgets it
	q, err := m.queue("q")
	require.NoError(t, err)
	q.mu.Lock()
	assert.Empty(t, q.cancelled)
	assert.Empty(t, q.works)
	q.mu.Unlock()

	require.NoError(t, m.Schedule(context.Background(), "q", Work{ID: "doomed"}))
	ok, err = m.AwaitCompletion(context.Background(), "q", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"block", "doomed"}, g.ran)
}

func TestFailedWorksAreSkipped(t *testing.T) {
	defer goleak.VerifyNone(t)
	m, done := newManager(t)
	defer done()

	require.NoError(t, m.RegisterQueue(context.Background(), "q", 1, func(context.Context, Work) error {
		return errors.New("boom")
	}))
	require.NoError(t, m.Schedule(context.Background(), "q", Work{ID: "w1"}))
	ok, err := m.AwaitCompletion(context.Background(), "q", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestErrors(t *testing.T) {
	m, done := newManager(t)
	defer done()

	err := m.Schedule(context.Background(), "missing", Work{ID: "w"})
	assert.True(t, errors.Is(err, streamlog.ErrInvalidArgument))
	require.NoError(t, m.RegisterQueue(context.Background(), "q", 1, func(context.Context, Work) error { return nil }))
	err = m.RegisterQueue(context.Background(), "q", 1, func(context.Context, Work) error { return nil })
	assert.True(t, errors.Is(err, streamlog.ErrInvalidArgument))
	assert.Error(t, m.RegisterQueue(context.Background(), "bad name", 1, func(context.Context, Work) error { return nil }))
	err = m.Schedule(context.Background(), "q", Work{})
	assert.True(t, errors.Is(err, streamlog.ErrInvalidArgument))

	_, err = m.AwaitCompletion(context.Background(), "missing", time.Millisecond)
	assert.Error(t, err)
}
