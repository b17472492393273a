// Package kafkalog is the broker backend: logs are topics, groups are
// consumer groups, positions are broker offsets. Static tailers consume
// fixed partitions and commit through the admin API; subscribed tailers join
// the consumer group and surface rebalances.
//
// Topics are named prefix + Name.ID() and groups Name.URN(). The codec name
// travels in a record header and is checked on read; pinning lasts for the
// manager session.
package kafkalog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/rzbill/flostream/internal/codec"
	"github.com/rzbill/flostream/internal/streamlog"
	logpkg "github.com/rzbill/flostream/pkg/log"
)

const codecHeader = "flostream-codec"

// Options configures the manager.
type Options struct {
	Brokers           []string
	TopicPrefix       string
	ClientID          string
	ReplicationFactor int16
	// AdminTimeout bounds metadata and offset requests.
	AdminTimeout time.Duration
	Logger       logpkg.Logger
	// ClientOpts are appended to every client.
	ClientOpts []kgo.Opt
}

type claim struct {
	group     streamlog.Name
	partition streamlog.Partition
}

// Manager implements streamlog.Manager on a Kafka compatible broker.
type Manager struct {
	opts     Options
	logger   logpkg.Logger
	producer *kgo.Client
	admin    *kadm.Client

	mu        sync.Mutex
	closed    bool
	codecs    map[streamlog.Name]string
	claims    map[claim]*tailer
	appenders map[*appender]struct{}
	tailers   map[*tailer]struct{}
}

var _ streamlog.Manager = (*Manager)(nil)

// NewManager connects a producer and an admin client to opts.Brokers.
func NewManager(opts Options) (*Manager, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.NotValidf("kafka: no brokers")
	}
	if opts.ReplicationFactor <= 0 {
		opts.ReplicationFactor = 1
	}
	if opts.AdminTimeout <= 0 {
		opts.AdminTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NopLogger()
	}
	producer, err := kgo.NewClient(append(baseOpts(opts), kgo.RecordPartitioner(kgo.ManualPartitioner()))...)
	if err != nil {
		return nil, errors.Annotate(err, "new kafka producer")
	}
	return &Manager{
		opts:      opts,
		logger:    opts.Logger.WithComponent("kafkalog"),
		producer:  producer,
		admin:     kadm.NewClient(producer),
		codecs:    make(map[streamlog.Name]string),
		claims:    make(map[claim]*tailer),
		appenders: make(map[*appender]struct{}),
		tailers:   make(map[*tailer]struct{}),
	}, nil
}

func baseOpts(o Options) []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(o.Brokers...)}
	if o.ClientID != "" {
		opts = append(opts, kgo.ClientID(o.ClientID))
	}
	return append(opts, o.ClientOpts...)
}

func (m *Manager) topic(name streamlog.Name) string { return m.opts.TopicPrefix + name.ID() }

func (m *Manager) nameOf(topic string) (streamlog.Name, bool) {
	id, ok := strings.CutPrefix(topic, m.opts.TopicPrefix)
	if !ok {
		return streamlog.Name{}, false
	}
	n, err := streamlog.NameOfID(id)
	return n, err == nil
}

func (m *Manager) adminCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.opts.AdminTimeout)
}

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
	resp, err := m.admin.CreateTopic(ctx, int32(partitions), m.opts.ReplicationFactor, nil, m.topic(name))
	if err == nil {
		err = resp.Err
	}
	switch {
	case errors.Is(err, kerr.TopicAlreadyExists):
		return false, nil
	case err != nil:
		return false, errors.Annotatef(err, "create topic %s", m.topic(name))
	}
	if err := m.awaitTopic(ctx, name, true); err != nil {
		return true, err
	}
	m.logger.Debug("topic created", logpkg.Str("topic", m.topic(name)), logpkg.Int("partitions", partitions))
	return true, nil
}

func (m *Manager) Exists(name streamlog.Name) bool { return m.Size(name) > 0 }

func (m *Manager) Size(name streamlog.Name) int {
	ctx, cancel := m.adminCtx()
	defer cancel()
	topic := m.topic(name)
	details, err := m.admin.ListTopics(ctx, topic)
	if err != nil {
		m.logger.Warn("list topic", logpkg.Str("topic", topic), logpkg.Err(err))
		return 0
	}
	d, ok := details[topic]
	if !ok || d.Err != nil {
		return 0
	}
	return len(d.Partitions)
}

func (m *Manager) Delete(ctx context.Context, name streamlog.Name) (bool, error) {
	if m.isClosed() {
		return false, streamlog.ErrClosed
	}
	if !m.Exists(name) {
		return false, nil
	}
	resps, err := m.admin.DeleteTopics(ctx, m.topic(name))
	if err != nil {
		return false, errors.Annotatef(err, "delete topic %s", m.topic(name))
	}
	for _, r := range resps {
		if r.Err != nil && !errors.Is(r.Err, kerr.UnknownTopicOrPartition) {
			return false, errors.Annotatef(r.Err, "delete topic %s", r.Topic)
		}
	}
	m.mu.Lock()
	delete(m.codecs, name)
	m.mu.Unlock()
	return true, m.awaitTopic(ctx, name, false)
}

// awaitTopic waits until the broker metadata agrees that name exists, or
// that it is gone.
func (m *Manager) awaitTopic(ctx context.Context, name streamlog.Name, present bool) error {
	tick := time.NewTicker(commitPollInterval)
	defer tick.Stop()
	deadline := time.NewTimer(m.opts.AdminTimeout)
	defer deadline.Stop()
	for m.Exists(name) != present {
		select {
		case <-tick.C:
		case <-deadline.C:
			return errors.Timeoutf("topic %s metadata", m.topic(name))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) ListAll() []streamlog.Name {
	ctx, cancel := m.adminCtx()
	defer cancel()
	details, err := m.admin.ListTopics(ctx)
	if err != nil {
		m.logger.Warn("list topics", logpkg.Err(err))
		return nil
	}
	var out []streamlog.Name
	for topic, d := range details {
		if d.IsInternal || d.Err != nil {
			continue
		}
		if n, ok := m.nameOf(topic); ok {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URN() < out[j].URN() })
	return out
}

func (m *Manager) ListConsumerGroups(name streamlog.Name) []streamlog.Name {
	ctx, cancel := m.adminCtx()
	defer cancel()
	listed, err := m.admin.ListGroups(ctx)
	if err != nil {
		m.logger.Warn("list groups", logpkg.Err(err))
		return nil
	}
	topic := m.topic(name)
	var out []streamlog.Name
	for _, g := range listed.Groups() {
		offsets, err := m.admin.FetchOffsets(ctx, g)
		if err != nil {
			continue
		}
		if _, ok := offsets[topic]; !ok {
			continue
		}
		if n, err := streamlog.NameOfURN(g); err == nil {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URN() < out[j].URN() })
	return out
}

func (m *Manager) pinCodec(name streamlog.Name, c codec.Codec) (codec.Codec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pinned, ok := m.codecs[name]
	if c == nil {
		if ok {
			return codec.ByName(pinned)
		}
		return codec.Legacy, nil
	}
	if ok && pinned != c.Name() {
		return nil, streamlog.InvalidArgumentf("log %s uses codec %s, not %s", name, pinned, c.Name())
	}
	m.codecs[name] = c.Name()
	return c, nil
}

func (m *Manager) GetAppender(name streamlog.Name, c codec.Codec) (streamlog.Appender, error) {
	if m.isClosed() {
		return nil, streamlog.ErrClosed
	}
	size := m.Size(name)
	if size == 0 {
		return nil, streamlog.InvalidArgumentf("unknown log %s", name)
	}
	eff, err := m.pinCodec(name, c)
	if err != nil {
		return nil, err
	}
	a := &appender{m: m, name: name, topic: m.topic(name), size: size, codec: eff}
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
	if group.IsZero() || len(partitions) == 0 {
		return nil, streamlog.InvalidArgumentf("tailer needs a group and partitions")
	}
	codecs := map[string]codec.Codec{}
	sizes := map[streamlog.Name]int{}
	for _, p := range partitions {
		if _, ok := sizes[p.Name]; !ok {
			sizes[p.Name] = m.Size(p.Name)
			if sizes[p.Name] == 0 {
				return nil, streamlog.InvalidArgumentf("unknown log %s", p.Name)
			}
			eff, err := m.pinCodec(p.Name, c)
			if err != nil {
				return nil, err
			}
			codecs[m.topic(p.Name)] = eff
		}
		if p.Index < 0 || p.Index >= sizes[p.Name] {
			return nil, streamlog.InvalidArgumentf("partition %s out of range", p)
		}
	}

	t := newTailer(m, group, c, codecs)
	m.mu.Lock()
	for _, p := range partitions {
		if _, taken := m.claims[claim{group, p}]; taken {
			m.mu.Unlock()
			return nil, streamlog.InvalidArgumentf("partition %s already tailed by group %s", p, group)
		}
	}
	for _, p := range partitions {
		m.claims[claim{group, p}] = t
	}
	m.tailers[t] = struct{}{}
	m.mu.Unlock()

	if err := t.startStatic(partitions); err != nil {
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
	codecs := map[string]codec.Codec{}
	for _, n := range names {
		eff, err := m.pinCodec(n, c)
		if err != nil {
			return nil, err
		}
		codecs[m.topic(n)] = eff
	}
	t := newTailer(m, group, c, codecs)
	t.listener = listener
	m.mu.Lock()
	m.tailers[t] = struct{}{}
	m.mu.Unlock()
	if err := t.startGroup(names); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

// committed returns the group's committed offsets of topic by partition.
func (m *Manager) committed(ctx context.Context, group streamlog.Name, topic string) (map[int32]int64, error) {
	resps, err := m.admin.FetchOffsets(ctx, group.URN())
	if err != nil {
		if errors.Is(err, kerr.GroupIDNotFound) {
			return map[int32]int64{}, nil
		}
		return nil, err
	}
	out := map[int32]int64{}
	for p, r := range resps[topic] {
		if r.Err == nil && r.At >= 0 {
			out[p] = r.At
		}
	}
	return out, nil
}

func (m *Manager) endOffsets(ctx context.Context, topic string) (map[int32]int64, error) {
	listed, err := m.admin.ListEndOffsets(ctx, topic)
	if err != nil {
		return nil, err
	}
	out := map[int32]int64{}
	for p, o := range listed[topic] {
		if o.Err != nil {
			return nil, o.Err
		}
		out[p] = o.Offset
	}
	return out, nil
}

func (m *Manager) startOffsets(ctx context.Context, topic string) (map[int32]int64, error) {
	listed, err := m.admin.ListStartOffsets(ctx, topic)
	if err != nil {
		return nil, err
	}
	out := map[int32]int64{}
	for p, o := range listed[topic] {
		if o.Err != nil {
			return nil, o.Err
		}
		out[p] = o.Offset
	}
	return out, nil
}

func (m *Manager) GetLag(name, group streamlog.Name) streamlog.Lag {
	return streamlog.SumLags(m.GetLagPerPartition(name, group)...)
}

func (m *Manager) GetLagPerPartition(name, group streamlog.Name) []streamlog.Lag {
	ctx, cancel := m.adminCtx()
	defer cancel()
	lags, err := m.lagPerPartition(ctx, name, group)
	if err != nil {
		m.logger.Warn("lag", logpkg.Str("log", name.URN()), logpkg.Err(err))
	}
	return lags
}

func (m *Manager) lagPerPartition(ctx context.Context, name, group streamlog.Name) ([]streamlog.Lag, error) {
	topic := m.topic(name)
	ends, err := m.endOffsets(ctx, topic)
	if err != nil {
		return nil, err
	}
	committed, err := m.committed(ctx, group, topic)
	if err != nil {
		return nil, err
	}
	out := make([]streamlog.Lag, len(ends))
	for p, end := range ends {
		if int(p) >= len(out) {
			continue
		}
		if c, ok := committed[p]; ok {
			out[p] = streamlog.LagBetween(c, end)
		} else {
			out[p] = streamlog.LagOf(end)
		}
	}
	return out, nil
}

func (m *Manager) GetLatency(ctx context.Context, name, group streamlog.Name, c codec.Codec, ts streamlog.TimestampFunc, key streamlog.KeyFunc) (streamlog.Latency, error) {
	ls, err := m.GetLatencyPerPartition(ctx, name, group, c, ts, key)
	if err != nil {
		return streamlog.Latency{}, err
	}
	return streamlog.SumLatencies(ls...), nil
}

func (m *Manager) GetLatencyPerPartition(ctx context.Context, name, group streamlog.Name, c codec.Codec, ts streamlog.TimestampFunc, key streamlog.KeyFunc) ([]streamlog.Latency, error) {
	lags, err := m.lagPerPartition(ctx, name, group)
	if err != nil {
		return nil, err
	}
	dec, err := m.pinCodec(name, c)
	if err != nil {
		return nil, err
	}
	topic := m.topic(name)
	out := make([]streamlog.Latency, len(lags))
	for i, lag := range lags {
		out[i].Lag = lag
		if lag.Lag() == 0 {
			continue
		}
		last, err := m.fetchOne(ctx, topic, int32(i), lag.Upper-1)
		if err != nil {
			return nil, err
		}
		if last != nil {
			out[i].Upper = last.Timestamp.UnixMilli()
		}
		if lag.Lower == 0 {
			continue
		}
		kr, err := m.fetchOne(ctx, topic, int32(i), lag.Lower-1)
		if err != nil {
			return nil, err
		}
		if kr == nil {
			continue
		}
		rec, err := decode(dec, kr)
		if err != nil {
			return nil, err
		}
		out[i].Lower = ts(rec)
		out[i].Key = key(rec)
	}
	return out, nil
}

// fetchOne reads the record at offset with a throwaway consumer. It returns
// nil when the offset is no longer available.
func (m *Manager) fetchOne(ctx context.Context, topic string, partition int32, offset int64) (*kgo.Record, error) {
	cl, err := kgo.NewClient(append(baseOpts(m.opts),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{topic: {partition: kgo.NewOffset().At(offset)}}),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)...)
	if err != nil {
		return nil, err
	}
	defer cl.Close()
	ctx, cancel := context.WithTimeout(ctx, m.opts.AdminTimeout)
	defer cancel()
	for {
		fetches := cl.PollRecords(ctx, 1)
		if ctx.Err() != nil {
			return nil, nil
		}
		if err := fetches.Err(); err != nil {
			return nil, err
		}
		for _, r := range fetches.Records() {
			if r.Offset == offset {
				return r, nil
			}
			if r.Offset > offset {
				return nil, nil
			}
		}
	}
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
	m.producer.Close()
	return nil
}

func (m *Manager) release(t *tailer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, owner := range m.claims {
		if owner == t {
			delete(m.claims, k)
		}
	}
	delete(m.tailers, t)
}

func (m *Manager) forget(a *appender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.appenders, a)
}
