package local

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/rzbill/flostream/internal/codec"
	"github.com/rzbill/flostream/internal/streamlog"
	logpkg "github.com/rzbill/flostream/pkg/log"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l logpkg.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock sets the clock used for read and wait timeouts.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithReadBatch sets how many entries a tailer fetches per partition at once.
func WithReadBatch(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.readBatch = n
		}
	}
}

type claim struct {
	group     streamlog.Name
	partition streamlog.Partition
}

// Manager implements streamlog.Manager over a Store.
type Manager struct {
	store     Store
	logger    logpkg.Logger
	clock     clock.Clock
	readBatch int
	coord     *coordinator

	mu        sync.Mutex
	closed    bool
	codecs    map[streamlog.Name]string
	claims    map[claim]*tailer
	appenders map[*appender]struct{}
	tailers   map[*tailer]struct{}
	commits   Signal
}

var _ streamlog.Manager = (*Manager)(nil)

// NewManager wraps store. The manager owns the store and closes it.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		logger:    logpkg.NopLogger(),
		clock:     clock.WallClock,
		readBatch: 64,
		codecs:    make(map[streamlog.Name]string),
		claims:    make(map[claim]*tailer),
		appenders: make(map[*appender]struct{}),
		tailers:   make(map[*tailer]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.WithComponent("streamlog")
	m.coord = newCoordinator(m.Size)
	return m
}

// Store exposes the underlying store.
func (m *Manager) Store() Store { return m.store }

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) CreateIfNotExists(ctx context.Context, name streamlog.Name, partitions int) (bool, error) {
	if m.isClosed() {
		return false, streamlog.ErrClosed
	}
	if name.IsZero() {
		return false, streamlog.InvalidArgumentf("empty log name")
	}
	if partitions < 1 {
		return false, streamlog.InvalidArgumentf("log %s: partitions must be >= 1, got %d", name, partitions)
	}
	created, err := m.store.CreateLog(ctx, name, partitions)
	if err != nil {
		return false, errors.Annotatef(err, "create log %s", name)
	}
	if created {
		m.logger.Debug("log created", logpkg.Str("log", name.URN()), logpkg.Int("partitions", partitions))
	}
	return created, nil
}

func (m *Manager) info(name streamlog.Name) (LogInfo, bool) {
	info, ok, err := m.store.LogInfo(name)
	if err != nil {
		m.logger.Warn("log info", logpkg.Str("log", name.URN()), logpkg.Err(err))
		return LogInfo{}, false
	}
	return info, ok
}

func (m *Manager) Exists(name streamlog.Name) bool {
	_, ok := m.info(name)
	return ok
}

func (m *Manager) Size(name streamlog.Name) int {
	info, ok := m.info(name)
	if !ok {
		return 0
	}
	return info.Partitions
}

func (m *Manager) Delete(ctx context.Context, name streamlog.Name) (bool, error) {
	if m.isClosed() {
		return false, streamlog.ErrClosed
	}
	deleted, err := m.store.DeleteLog(ctx, name)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	delete(m.codecs, name)
	m.mu.Unlock()
	return deleted, nil
}

func (m *Manager) ListAll() []streamlog.Name {
	infos, err := m.store.Logs()
	if err != nil {
		m.logger.Warn("list logs", logpkg.Err(err))
		return nil
	}
	out := make([]streamlog.Name, 0, len(infos))
	for _, i := range infos {
		out = append(out, i.Name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URN() < out[j].URN() })
	return out
}

func (m *Manager) ListConsumerGroups(name streamlog.Name) []streamlog.Name {
	groups, err := m.store.Groups(name)
	if err != nil {
		m.logger.Warn("list groups", logpkg.Str("log", name.URN()), logpkg.Err(err))
		return nil
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].URN() < groups[j].URN() })
	return groups
}

// pinCodec resolves the codec a log is accessed with. An explicit codec must
// match the one recorded for the log and is recorded when none is. A nil
// codec falls back to the session codec, then legacy.
func (m *Manager) pinCodec(info LogInfo, c codec.Codec) (codec.Codec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c == nil {
		if n, ok := m.codecs[info.Name]; ok {
			return codec.ByName(n)
		}
		return codec.Legacy, nil
	}
	if info.Codec != "" && info.Codec != c.Name() {
		return nil, streamlog.InvalidArgumentf("log %s uses codec %s, not %s", info.Name, info.Codec, c.Name())
	}
	if info.Codec == "" {
		if err := m.store.SetCodec(info.Name, c.Name()); err != nil {
			return nil, errors.Annotatef(err, "record codec of %s", info.Name)
		}
	}
	m.codecs[info.Name] = c.Name()
	return c, nil
}

// readCodec is pinCodec without recording anything.
func (m *Manager) readCodec(name streamlog.Name, c codec.Codec) (codec.Codec, error) {
	if c != nil {
		return c, nil
	}
	m.mu.Lock()
	n, ok := m.codecs[name]
	m.mu.Unlock()
	if ok {
		return codec.ByName(n)
	}
	return codec.Legacy, nil
}

func (m *Manager) GetAppender(name streamlog.Name, c codec.Codec) (streamlog.Appender, error) {
	if m.isClosed() {
		return nil, streamlog.ErrClosed
	}
	info, ok := m.info(name)
	if !ok {
		return nil, streamlog.InvalidArgumentf("unknown log %s", name)
	}
	eff, err := m.pinCodec(info, c)
	if err != nil {
		return nil, err
	}
	a := &appender{m: m, name: name, size: info.Partitions, codec: eff}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, streamlog.ErrClosed
	}
	m.appenders[a] = struct{}{}
	return a, nil
}

func (m *Manager) CreateTailer(group streamlog.Name, partitions []streamlog.Partition, c codec.Codec) (streamlog.Tailer, error) {
	if m.isClosed() {
		return nil, streamlog.ErrClosed
	}
	if group.IsZero() {
		return nil, streamlog.InvalidArgumentf("empty group")
	}
	if len(partitions) == 0 {
		return nil, streamlog.InvalidArgumentf("tailer without partitions")
	}
	codecs := map[streamlog.Name]codec.Codec{}
	for _, p := range partitions {
		if _, done := codecs[p.Name]; done {
			continue
		}
		info, ok := m.info(p.Name)
		if !ok {
			return nil, streamlog.InvalidArgumentf("unknown log %s", p.Name)
		}
		eff, err := m.pinCodec(info, c)
		if err != nil {
			return nil, err
		}
		codecs[p.Name] = eff
	}
	for _, p := range partitions {
		if p.Index < 0 || p.Index >= m.Size(p.Name) {
			return nil, streamlog.InvalidArgumentf("partition %s out of range", p)
		}
	}

	t := newTailer(m, group, c, codecs)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, streamlog.ErrClosed
	}
	if m.coord.active(group) {
		m.mu.Unlock()
		return nil, streamlog.IllegalStatef("group %s is subscribed, it cannot also be assigned", group)
	}
	for _, p := range partitions {
		if owner, taken := m.claims[claim{group, p}]; taken && owner != t {
			m.mu.Unlock()
			return nil, streamlog.InvalidArgumentf("partition %s already tailed by group %s", p, group)
		}
	}
	for _, p := range partitions {
		m.claims[claim{group, p}] = t
	}
	m.tailers[t] = struct{}{}
	m.mu.Unlock()

	if err := t.assign(partitions); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

func (m *Manager) SupportsSubscribe() bool { return true }

func (m *Manager) Subscribe(group streamlog.Name, names []streamlog.Name, listener streamlog.RebalanceListener, c codec.Codec) (streamlog.Tailer, error) {
	if m.isClosed() {
		return nil, streamlog.ErrClosed
	}
	if group.IsZero() || len(names) == 0 {
		return nil, streamlog.InvalidArgumentf("subscribe needs a group and logs")
	}
	codecs := map[streamlog.Name]codec.Codec{}
	for _, n := range names {
		info, ok := m.info(n)
		if !ok {
			return nil, streamlog.InvalidArgumentf("unknown log %s", n)
		}
		eff, err := m.pinCodec(info, c)
		if err != nil {
			return nil, err
		}
		codecs[n] = eff
	}
	t := newTailer(m, group, c, codecs)
	t.sub = &subscription{memberID: uuid.NewString(), listener: listener}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, streamlog.ErrClosed
	}
	for c := range m.claims {
		if c.group == group {
			m.mu.Unlock()
			return nil, streamlog.IllegalStatef("group %s has assigned tailers, it cannot also subscribe", group)
		}
	}
	m.tailers[t] = struct{}{}
	m.coord.join(group, t.sub.memberID, append([]streamlog.Name(nil), names...))
	m.mu.Unlock()

	m.logger.Debug("subscribed", logpkg.Str("group", group.URN()), logpkg.Str("member", t.sub.memberID))
	return t, nil
}

func (m *Manager) GetLag(name, group streamlog.Name) streamlog.Lag {
	return streamlog.SumLags(m.GetLagPerPartition(name, group)...)
}

func (m *Manager) GetLagPerPartition(name, group streamlog.Name) []streamlog.Lag {
	size := m.Size(name)
	out := make([]streamlog.Lag, size)
	for i := 0; i < size; i++ {
		lag, err := m.partitionLag(streamlog.PartitionOf(name, i), group)
		if err != nil {
			m.logger.Warn("partition lag", logpkg.Str("partition", streamlog.PartitionOf(name, i).String()), logpkg.Err(err))
		}
		out[i] = lag
	}
	return out
}

func (m *Manager) partitionLag(p streamlog.Partition, group streamlog.Name) (streamlog.Lag, error) {
	_, end, err := m.store.Bounds(p)
	if err != nil {
		return streamlog.Lag{}, err
	}
	committed, ok, err := m.store.Committed(group, p)
	if err != nil {
		return streamlog.Lag{}, err
	}
	if !ok {
		return streamlog.LagOf(end), nil
	}
	return streamlog.LagBetween(committed, end), nil
}

func (m *Manager) GetLatency(ctx context.Context, name, group streamlog.Name, c codec.Codec, ts streamlog.TimestampFunc, key streamlog.KeyFunc) (streamlog.Latency, error) {
	ls, err := m.GetLatencyPerPartition(ctx, name, group, c, ts, key)
	if err != nil {
		return streamlog.Latency{}, err
	}
	return streamlog.SumLatencies(ls...), nil
}

func (m *Manager) GetLatencyPerPartition(ctx context.Context, name, group streamlog.Name, c codec.Codec, ts streamlog.TimestampFunc, key streamlog.KeyFunc) ([]streamlog.Latency, error) {
	size := m.Size(name)
	if size == 0 {
		return nil, streamlog.InvalidArgumentf("unknown log %s", name)
	}
	dec, err := m.readCodec(name, c)
	if err != nil {
		return nil, err
	}
	out := make([]streamlog.Latency, size)
	for i := range out {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := streamlog.PartitionOf(name, i)
		lag, err := m.partitionLag(p, group)
		if err != nil {
			return nil, err
		}
		out[i].Lag = lag
		if lag.Lag() == 0 {
			continue
		}
		last, ok, err := m.entryAt(p, lag.Upper-1)
		if err != nil {
			return nil, err
		}
		if ok {
			out[i].Upper = last.AppendMs
		}
		if lag.Lower == 0 {
			continue
		}
		committed, ok, err := m.entryAt(p, lag.Lower-1)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		rec, err := decode(dec, committed, p)
		if err != nil {
			return nil, err
		}
		out[i].Lower = ts(rec)
		out[i].Key = key(rec)
	}
	return out, nil
}

func (m *Manager) entryAt(p streamlog.Partition, pos int64) (Entry, bool, error) {
	es, err := m.store.Read(p, pos, 1)
	if err != nil || len(es) == 0 || es[0].Position != pos {
		return Entry{}, false, err
	}
	return es[0], true, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	appenders := make([]*appender, 0, len(m.appenders))
	for a := range m.appenders {
		appenders = append(appenders, a)
	}
	tailers := make([]*tailer, 0, len(m.tailers))
	for t := range m.tailers {
		tailers = append(tailers, t)
	}
	m.mu.Unlock()

	for _, a := range appenders {
		_ = a.Close()
	}
	for _, t := range tailers {
		_ = t.Close()
	}
	return m.store.Close()
}

func (m *Manager) release(t *tailer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range t.parts {
		if m.claims[claim{t.group, p}] == t {
			delete(m.claims, claim{t.group, p})
		}
	}
	delete(m.tailers, t)
}

func (m *Manager) forget(a *appender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.appenders, a)
}
