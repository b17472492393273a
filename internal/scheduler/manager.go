package scheduler

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/rzbill/flostream/internal/computation"
	"github.com/rzbill/flostream/internal/processor"
	"github.com/rzbill/flostream/internal/record"
	"github.com/rzbill/flostream/internal/streamlog"
	"github.com/rzbill/flostream/internal/topology"
	logpkg "github.com/rzbill/flostream/pkg/log"
)

const (
	streamNamespace = "work"
	pollInterval    = 100 * time.Millisecond
	stopTimeout     = 10 * time.Second
)

// Handler runs a work. Failures are logged and the work is skipped.
type Handler func(ctx context.Context, w Work) error

type Options struct {
	Logger             logpkg.Logger
	Clock              clock.Clock
	CheckpointInterval time.Duration
}

type workState int

const (
	stateScheduled workState = iota
	stateRunning
)

type queue struct {
	name       string
	stream     string
	partitions int
	handler    Handler
	proc       *processor.StreamProcessor

	mu        sync.Mutex
	works     map[string]workState
	cancelled map[string]struct{}
	cancels   int64
}

// WorkManager runs one processor per registered queue.
type WorkManager struct {
	logs   streamlog.Manager
	sm     *processor.StreamManager
	opts   Options
	logger logpkg.Logger
	clock  clock.Clock

	mu     sync.Mutex
	closed bool
	queues map[string]*queue
}

// NewWorkManager schedules works on logs. Closing it does not close logs.
func NewWorkManager(logs streamlog.Manager, opts Options) *WorkManager {
	if opts.Logger == nil {
		opts.Logger = logpkg.NopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = 200 * time.Millisecond
	}
	logger := opts.Logger.WithComponent("scheduler")
	return &WorkManager{
		logs:   logs,
		sm:     processor.NewStreamManager(logs, processor.WithLogger(opts.Logger), processor.WithClock(opts.Clock)),
		opts:   opts,
		logger: logger,
		clock:  opts.Clock,
		queues: map[string]*queue{},
	}
}

// partitionsFor gives a queue three partitions per thread so it can be
// rescaled without repartitioning.
func partitionsFor(threads int) int {
	if threads <= 1 {
		return 1
	}
	return 3 * threads
}

// RegisterQueue creates the stream of a queue and starts threads workers
// running h.
func (m *WorkManager) RegisterQueue(ctx context.Context, name string, threads int, h Handler) error {
	if h == nil {
		return streamlog.InvalidArgumentf("queue %s needs a handler", name)
	}
	if _, err := streamlog.NameOf(streamNamespace, name); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return streamlog.ErrClosed
	}
	if _, ok := m.queues[name]; ok {
		m.mu.Unlock()
		return streamlog.InvalidArgumentf("queue %s already registered", name)
	}
	q := &queue{
		name:       name,
		stream:     streamNamespace + "/" + name,
		partitions: partitionsFor(threads),
		handler:    h,
		works:      map[string]workState{},
		cancelled:  map[string]struct{}{},
	}
	m.queues[name] = q
	m.mu.Unlock()

	topo, err := topology.NewBuilder().
		AddComputation(computation.ForEach(name, q.run(m)), []string{"i1:" + q.stream}).
		Build()
	if err != nil {
		return m.unregister(name, err)
	}
	settings := processor.NewSettings(threads, q.partitions).
		WithPolicy(computation.NewPolicyBuilder().ContinueOnFailure(true).MustBuild()).
		WithCheckpointInterval(m.opts.CheckpointInterval)
	p, err := m.sm.RegisterAndCreateProcessor(ctx, name, topo, settings)
	if err != nil {
		return m.unregister(name, err)
	}
	if err := p.Start(); err != nil {
		return m.unregister(name, err)
	}
	m.mu.Lock()
	q.proc = p
	m.mu.Unlock()
	m.logger.Info("queue registered", logpkg.Str("queue", name), logpkg.Int("threads", threads),
		logpkg.Int("partitions", q.partitions))
	return nil
}

func (m *WorkManager) unregister(name string, err error) error {
	m.mu.Lock()
	delete(m.queues, name)
	m.mu.Unlock()
	return errors.Annotatef(err, "register queue %s", name)
}

func (m *WorkManager) queue(name string) (*queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, streamlog.ErrClosed
	}
	q, ok := m.queues[name]
	if !ok || q.proc == nil {
		return nil, streamlog.InvalidArgumentf("unknown queue %s", name)
	}
	return q, nil
}

// run is the per record function of the queue computation.
func (q *queue) run(m *WorkManager) func(computation.Context, record.Record) error {
	return func(ctx computation.Context, rec record.Record) error {
		w, err := decodeWork(rec.Data)
		if err != nil {
			return err
		}
		q.mu.Lock()
		if _, ok := q.cancelled[w.ID]; ok {
			delete(q.cancelled, w.ID)
			delete(q.works, w.ID)
			q.mu.Unlock()
			ctx.Logger().Debug("work cancelled", logpkg.Str("work", w.ID))
			return nil
		}
		q.works[w.ID] = stateRunning
		q.mu.Unlock()

		err = q.handler(context.Background(), w)

		q.mu.Lock()
		delete(q.works, w.ID)
		q.mu.Unlock()
		if err != nil {
			return errors.Annotatef(err, "work %s", w.ID)
		}
		return nil
	}
}

// Schedule appends w to its queue unless a work with the same id is
// already scheduled or running.
func (m *WorkManager) Schedule(ctx context.Context, queueName string, w Work) error {
	if w.ID == "" {
		return streamlog.InvalidArgumentf("work without id")
	}
	q, err := m.queue(queueName)
	if err != nil {
		return err
	}
	q.mu.Lock()
	if _, ok := q.works[w.ID]; ok {
		q.mu.Unlock()
		m.logger.Debug("work already scheduled", logpkg.Str("queue", queueName), logpkg.Str("work", w.ID))
		return nil
	}
	q.works[w.ID] = stateScheduled
	delete(q.cancelled, w.ID)
	q.mu.Unlock()

	if w.ScheduledAt == 0 {
		w.ScheduledAt = m.clock.Now().UnixMilli()
	}
	data, err := encodeWork(w)
	if err == nil {
		_, err = m.sm.Append(ctx, q.stream, record.New(w.key(), data))
	}
	if err != nil {
		q.mu.Lock()
		delete(q.works, w.ID)
		q.mu.Unlock()
		return err
	}
	return nil
}

// Cancel drops a scheduled work before it runs. It reports whether the
// work was still scheduled.
func (m *WorkManager) Cancel(queueName, id string) (bool, error) {
	q, err := m.queue(queueName)
	if err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.works[id]; !ok || st != stateScheduled {
		return false, nil
	}
	q.cancelled[id] = struct{}{}
	q.cancels++
	return true, nil
}

// Metrics derives the counters of a queue from its lag.
func (m *WorkManager) Metrics(queueName string) (QueueMetrics, error) {
	q, err := m.queue(queueName)
	if err != nil {
		return QueueMetrics{}, err
	}
	lag, err := q.proc.Lag(queueName)
	if err != nil {
		return QueueMetrics{}, err
	}
	scheduled := lag.Lag()
	q.mu.Lock()
	cancelled := q.cancels
	q.mu.Unlock()
	return QueueMetrics{
		Queue:     queueName,
		Scheduled: scheduled,
		Running:   min(scheduled, int64(q.partitions)),
		Completed: lag.Lower,
		Cancelled: cancelled,
	}, nil
}

// AwaitCompletion waits until every scheduled work of the queue is
// committed.
func (m *WorkManager) AwaitCompletion(ctx context.Context, queueName string, timeout time.Duration) (bool, error) {
	deadline := m.clock.Now().Add(timeout)
	for {
		metrics, err := m.Metrics(queueName)
		if err != nil {
			return false, err
		}
		if metrics.Scheduled == 0 {
			return true, nil
		}
		if !m.clock.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-m.clock.After(pollInterval):
		}
	}
}

// Queues returns the registered queue names.
func (m *WorkManager) Queues() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.queues))
	for n := range m.queues {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Close stops every queue processor.
func (m *WorkManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	procs := map[string]*processor.StreamProcessor{}
	for name, q := range m.queues {
		if q.proc != nil {
			procs[name] = q.proc
		}
	}
	m.mu.Unlock()
	for name, p := range procs {
		if !p.Stop(stopTimeout) {
			m.logger.Warn("queue did not stop in time", logpkg.Str("queue", name))
		}
	}
	return m.sm.Close()
}
