// Package processor runs topologies over a streamlog backend.
//
// A StreamManager owns the registrations (topology plus settings) and the
// appenders shared by every processor. A StreamProcessor runs the workers of
// one registration: each worker drives one computation instance over its
// share of the input partitions, appends outputs, and commits its position
// whenever its watermark interval checkpoints.
package processor

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/rzbill/flostream/internal/codec"
	"github.com/rzbill/flostream/internal/record"
	"github.com/rzbill/flostream/internal/streamlog"
	"github.com/rzbill/flostream/internal/topology"
	logpkg "github.com/rzbill/flostream/pkg/log"
)

const DefaultReadTimeout = 100 * time.Millisecond

type options struct {
	logger      logpkg.Logger
	clock       clock.Clock
	readTimeout time.Duration
	dynamic     bool
}

// Option configures a StreamManager.
type Option func(*options)

func WithLogger(l logpkg.Logger) Option { return func(o *options) { o.logger = l } }
func WithClock(c clock.Clock) Option    { return func(o *options) { o.clock = c } }

// WithReadTimeout bounds each tailer read of a worker.
func WithReadTimeout(d time.Duration) Option { return func(o *options) { o.readTimeout = d } }

// WithDynamicAssignment makes workers subscribe to their inputs when the
// backend supports it, instead of owning partition p % concurrency.
func WithDynamicAssignment(v bool) Option { return func(o *options) { o.dynamic = v } }

type registration struct {
	topology *topology.Topology
	settings *Settings
}

// StreamManager registers topologies and creates their processors.
type StreamManager struct {
	logs streamlog.Manager
	opts options

	mu            sync.Mutex
	closed        bool
	registrations map[string]registration
	appenders     map[string]streamlog.Appender
	codecs        map[string]codec.Codec
	processors    []*StreamProcessor
}

// NewStreamManager runs processors over logs. Closing the StreamManager
// does not close logs.
func NewStreamManager(logs streamlog.Manager, opts ...Option) *StreamManager {
	o := options{clock: clock.WallClock, readTimeout: DefaultReadTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logpkg.NopLogger()
	}
	o.logger = o.logger.WithComponent("processor")
	return &StreamManager{
		logs:          logs,
		opts:          o,
		registrations: map[string]registration{},
		appenders:     map[string]streamlog.Appender{},
		codecs:        map[string]codec.Codec{},
	}
}

// Logs returns the backend.
func (sm *StreamManager) Logs() streamlog.Manager { return sm.logs }

// Register creates the streams of topo and pins their codecs. Every input
// of one computation must share a codec since a worker reads them through a
// single tailer.
func (sm *StreamManager) Register(ctx context.Context, name string, topo *topology.Topology, settings *Settings) error {
	if name == "" || topo == nil || settings == nil {
		return streamlog.InvalidArgumentf("register needs a name, a topology and settings")
	}
	for _, c := range topo.Computations() {
		md, _ := topo.Metadata(c)
		var first string
		for i, in := range md.InputStreams() {
			n := codec.NameOf(settings.Codec(in))
			if i == 0 {
				first = n
			} else if n != first {
				return streamlog.InvalidArgumentf("computation %s reads inputs with codecs %s and %s", c, first, n)
			}
		}
	}
	for _, s := range topo.Streams() {
		logName, err := streamlog.NameOfURN(s)
		if err != nil {
			return err
		}
		partitions := settings.Partitions(s)
		if partitions < 1 {
			partitions = 1
		}
		if _, err := sm.logs.CreateIfNotExists(ctx, logName, partitions); err != nil {
			return errors.Annotatef(err, "create stream %s", s)
		}
		if _, err := sm.appender(s, settings.Codec(s)); err != nil {
			return err
		}
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed {
		return streamlog.ErrClosed
	}
	sm.registrations[name] = registration{topology: topo, settings: settings.Clone()}
	sm.opts.logger.Info("processor registered",
		logpkg.Str("processor", name), logpkg.Int("computations", len(topo.Computations())),
		logpkg.Int("streams", len(topo.Streams())))
	return nil
}

// CreateProcessor returns a processor for a registration; call Start to run
// it.
func (sm *StreamManager) CreateProcessor(name string) (*StreamProcessor, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed {
		return nil, streamlog.ErrClosed
	}
	reg, ok := sm.registrations[name]
	if !ok {
		return nil, streamlog.InvalidArgumentf("unknown processor %s", name)
	}
	p := newStreamProcessor(sm, name, reg.topology, reg.settings)
	sm.processors = append(sm.processors, p)
	return p, nil
}

func (sm *StreamManager) RegisterAndCreateProcessor(ctx context.Context, name string, topo *topology.Topology, settings *Settings) (*StreamProcessor, error) {
	if err := sm.Register(ctx, name, topo, settings); err != nil {
		return nil, err
	}
	return sm.CreateProcessor(name)
}

// appender returns the shared appender of stream, opening it with c on
// first use.
func (sm *StreamManager) appender(stream string, c codec.Codec) (streamlog.Appender, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed {
		return nil, streamlog.ErrClosed
	}
	if a, ok := sm.appenders[stream]; ok {
		if codec.NameOf(c) != codec.NameOf(sm.codecs[stream]) {
			return nil, streamlog.InvalidArgumentf("stream %s already uses codec %s, not %s",
				stream, codec.NameOf(sm.codecs[stream]), codec.NameOf(c))
		}
		return a, nil
	}
	name, err := streamlog.NameOfURN(stream)
	if err != nil {
		return nil, err
	}
	a, err := sm.logs.GetAppender(name, c)
	if err != nil {
		return nil, errors.Annotatef(err, "appender of %s", stream)
	}
	sm.appenders[stream] = a
	sm.codecs[stream] = c
	return a, nil
}

// Append writes rec to stream, partitioned by its key, with the codec the
// stream was registered with.
func (sm *StreamManager) Append(ctx context.Context, stream string, rec record.Record) (streamlog.Offset, error) {
	sm.mu.Lock()
	a, ok := sm.appenders[stream]
	sm.mu.Unlock()
	if !ok {
		return streamlog.Offset{}, streamlog.InvalidArgumentf("stream %s is not part of a registered topology", stream)
	}
	return a.AppendKey(ctx, rec.Key, rec)
}

// Processors returns the processors created so far.
func (sm *StreamManager) Processors() []*StreamProcessor {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return append([]*StreamProcessor(nil), sm.processors...)
}

// Close shuts down every processor and closes the shared appenders.
func (sm *StreamManager) Close() error {
	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return nil
	}
	sm.closed = true
	processors := sm.processors
	appenders := sm.appenders
	sm.appenders = map[string]streamlog.Appender{}
	sm.mu.Unlock()

	for _, p := range processors {
		p.Shutdown()
	}
	var firstErr error
	for s, a := range appenders {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = errors.Annotatef(err, "close appender of %s", s)
		}
	}
	return firstErr
}
