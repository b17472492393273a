// Package logtest is the contract every streamlog backend must satisfy, as
// a reusable test suite.
package logtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/flostream/internal/codec"
	"github.com/rzbill/flostream/internal/record"
	"github.com/rzbill/flostream/internal/streamlog"
	"github.com/rzbill/flostream/internal/watermark"
)

// Backend describes the backend under test.
type Backend struct {
	// Setup prepares fresh storage for one test and returns a function that
	// opens a manager on it. Each call of the returned function must see
	// what earlier managers persisted when Persistent is set.
	Setup func(t *testing.T) func() streamlog.Manager
	// Persistent backends keep logs, commits and codecs across managers.
	Persistent bool
	// Timeout bounds reads that are expected to return a record.
	Timeout time.Duration
	// RebalanceWait bounds each read while waiting for a group rebalance.
	RebalanceWait time.Duration
}

var seq atomic.Int64

func logName() streamlog.Name {
	return streamlog.MustName(fmt.Sprintf("test/log-%d-%d", time.Now().UnixNano()%1_000_000, seq.Add(1)))
}

var (
	group1 = streamlog.MustName("test/group1")
	group2 = streamlog.MustName("test/group2")
)

const short = 100 * time.Millisecond

type suite struct {
	Backend
	t *testing.T
}

// Run runs the contract against b.
func Run(t *testing.T, b Backend) {
	if b.Timeout == 0 {
		b.Timeout = 2 * time.Second
	}
	if b.RebalanceWait == 0 {
		b.RebalanceWait = short
	}
	tests := []struct {
		name string
		fn   func(s suite, open func() streamlog.Manager)
	}{
		{"CreateIfNotExists", testCreateIfNotExists},
		{"GetAppender", testGetAppender},
		{"CloseManagerClosesResources", testCloseManager},
		{"ClosedAppender", testClosedAppender},
		{"ClosedTailer", testClosedTailer},
		{"DuplicateTailer", testDuplicateTailer},
		{"AppendAndTail", testAppendAndTail},
		{"CommitAndSeek", testCommitAndSeek},
		{"MoreCommit", testMoreCommit},
		{"CommitWithGroup", testCommitWithGroup},
		{"WaitFor", testWaitFor},
		{"MultiPartitions", testMultiPartitions},
		{"Lag", testLag},
		{"ListAll", testListAll},
		{"ListConsumerGroups", testListConsumerGroups},
		{"ConcurrentAppenders", testConcurrentAppenders},
		{"Latencies", testLatencies},
		{"CodecCheck", testCodecCheck},
		{"Delete", testDelete},
		{"Subscribe", testSubscribe},
		{"Persistence", testPersistence},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			open := b.Setup(t)
			tc.fn(suite{Backend: b, t: t}, open)
		})
	}
}

func ctx() context.Context { return context.Background() }

func rec(key string) record.Record {
	return record.New(key, []byte("value"+key))
}

func (s suite) manager(open func() streamlog.Manager) streamlog.Manager {
	m := open()
	s.t.Cleanup(func() { _ = m.Close() })
	return m
}

func (s suite) create(m streamlog.Manager, partitions int) streamlog.Name {
	name := logName()
	ok, err := m.CreateIfNotExists(ctx(), name, partitions)
	require.NoError(s.t, err)
	require.True(s.t, ok)
	return name
}

// readKey reads one record, retrying once on rebalance.
func (s suite) readKey(tl streamlog.Tailer) string {
	s.t.Helper()
	for i := 0; i < 10; i++ {
		res, err := tl.Read(ctx(), s.Timeout)
		require.NoError(s.t, err)
		switch res.Kind {
		case streamlog.Ok:
			return res.Record.Record.Key
		case streamlog.RebalanceInProgress:
			continue
		}
		s.t.Fatalf("no record within %s", s.Timeout)
	}
	s.t.Fatal("endless rebalance")
	return ""
}

func (s suite) readRecord(tl streamlog.Tailer) streamlog.LogRecord {
	s.t.Helper()
	res, err := tl.Read(ctx(), s.Timeout)
	require.NoError(s.t, err)
	require.Equal(s.t, streamlog.Ok, res.Kind)
	return res.Record
}

func (s suite) assertEmpty(tl streamlog.Tailer) {
	s.t.Helper()
	res, err := tl.Read(ctx(), short)
	require.NoError(s.t, err)
	assert.Equal(s.t, streamlog.Empty, res.Kind)
}

func testCreateIfNotExists(s suite, open func() streamlog.Manager) {
	m := s.manager(open)
	name := logName()
	assert.False(s.t, m.Exists(name))
	assert.Equal(s.t, 0, m.Size(name))

	ok, err := m.CreateIfNotExists(ctx(), name, 5)
	require.NoError(s.t, err)
	assert.True(s.t, ok)
	assert.True(s.t, m.Exists(name))
	assert.Equal(s.t, 5, m.Size(name))

	ok, err = m.CreateIfNotExists(ctx(), name, 1)
	require.NoError(s.t, err)
	assert.False(s.t, ok)
	assert.Equal(s.t, 5, m.Size(name))

	_, err = m.CreateIfNotExists(ctx(), logName(), 0)
	assert.True(s.t, errors.Is(err, streamlog.ErrInvalidArgument))
}

func testGetAppender(s suite, open func() streamlog.Manager) {
	m := s.manager(open)
	_, err := m.GetAppender(logName(), nil)
	assert.True(s.t, errors.Is(err, streamlog.ErrInvalidArgument))

	name := s.create(m, 3)
	a, err := m.GetAppender(name, nil)
	require.NoError(s.t, err)
	assert.Equal(s.t, name, a.Name())
	assert.Equal(s.t, 3, a.Size())
	assert.False(s.t, a.Closed())
}

func testCloseManager(s suite, open func() streamlog.Manager) {
	m := open()
	name := s.create(m, 1)
	a, err := m.GetAppender(name, nil)
	require.NoError(s.t, err)
	tl, err := m.CreateTailer(group1, streamlog.PartitionsOf(name, 1), nil)
	require.NoError(s.t, err)

	require.NoError(s.t, m.Close())
	assert.True(s.t, a.Closed())
	assert.True(s.t, tl.Closed())
}

func testClosedAppender(s suite, open func() streamlog.Manager) {
	m := s.manager(open)
	name := s.create(m, 1)
	a, err := m.GetAppender(name, nil)
	require.NoError(s.t, err)
	require.NoError(s.t, a.Close())
	_, err = a.Append(ctx(), 0, rec("id1"))
	assert.True(s.t, errors.Is(err, streamlog.ErrClosed))
}

func testClosedTailer(s suite, open func() streamlog.Manager) {
	m := s.manager(open)
	name := s.create(m, 1)
	tl, err := m.CreateTailer(group1, streamlog.PartitionsOf(name, 1), nil)
	require.NoError(s.t, err)
	require.NoError(s.t, tl.Close())
	_, err = tl.Read(ctx(), short)
	assert.True(s.t, errors.Is(err, streamlog.ErrClosed))
	assert.True(s.t, errors.Is(tl.Commit(ctx()), streamlog.ErrClosed))
}

func testDuplicateTailer(s suite, open func() streamlog.Manager) {
	m := s.manager(open)
	name := s.create(m, 2)
	p0 := streamlog.PartitionOf(name, 0)
	tl, err := m.CreateTailer(group1, []streamlog.Partition{p0}, nil)
	require.NoError(s.t, err)

	_, err = m.CreateTailer(group1, []streamlog.Partition{p0}, nil)
	assert.True(s.t, errors.Is(err, streamlog.ErrInvalidArgument))

	// another group or another partition is fine
	other, err := m.CreateTailer(group2, []streamlog.Partition{p0}, nil)
	require.NoError(s.t, err)
	require.NoError(s.t, other.Close())
	p1, err := m.CreateTailer(group1, []streamlog.Partition{streamlog.PartitionOf(name, 1)}, nil)
	require.NoError(s.t, err)
	require.NoError(s.t, p1.Close())

	require.NoError(s.t, tl.Close())
	again, err := m.CreateTailer(group1, []streamlog.Partition{p0}, nil)
	require.NoError(s.t, err)
	require.NoError(s.t, again.Close())
}

func testAppendAndTail(s suite, open func() streamlog.Manager) {
	m := s.manager(open)
	name := s.create(m, 1)
	a, err := m.GetAppender(name, nil)
	require.NoError(s.t, err)
	tl, err := m.CreateTailer(group1, streamlog.PartitionsOf(name, 1), nil)
	require.NoError(s.t, err)
	s.assertEmpty(tl)

	in := rec("id1").WithHeader("h", "v")
	off, err := a.Append(ctx(), 0, in)
	require.NoError(s.t, err)
	assert.Equal(s.t, streamlog.PartitionOf(name, 0), off.Partition)

	got := s.readRecord(tl)
	assert.Equal(s.t, off, got.Offset)
	assert.True(s.t, in.Equal(got.Record), "%v != %v", in, got.Record)
	s.assertEmpty(tl)

	// a blocked read wakes up on append
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = a.Append(ctx(), 0, rec("id2"))
	}()
	assert.Equal(s.t, "id2", s.readKey(tl))
}

func testCommitAndSeek(s suite, open func() streamlog.Manager) {
	m := s.manager(open)
	name := s.create(m, 5)
	a, err := m.GetAppender(name, nil)
	require.NoError(s.t, err)
	for _, k := range []string{"id1", "id2", "id3"} {
		_, err := a.Append(ctx(), 1, rec(k))
		require.NoError(s.t, err)
	}
	for _, k := range []string{"id4", "id5"} {
		_, err := a.Append(ctx(), 2, rec(k))
		require.NoError(s.t, err)
	}
	assert.Equal(s.t, int64(5), m.GetLag(name, group1).Lag())

	p1 := streamlog.PartitionOf(name, 1)
	tl, err := m.CreateTailer(group1, []streamlog.Partition{p1}, nil)
	require.NoError(s.t, err)
	first := s.readRecord(tl)
	assert.Equal(s.t, "id1", first.Record.Key)
	assert.Equal(s.t, "id2", s.readKey(tl))
	_, err = tl.CommitPartition(ctx(), p1)
	require.NoError(s.t, err)
	assert.Equal(s.t, "id3", s.readKey(tl))
	s.assertEmpty(tl)

	require.NoError(s.t, tl.ToLastCommitted(ctx()))
	assert.Equal(s.t, "id3", s.readKey(tl))
	assert.Equal(s.t, int64(3), m.GetLag(name, group1).Lag())
	assert.Equal(s.t, int64(1), m.GetLagPerPartition(name, group1)[1].Lag())

	require.NoError(s.t, tl.ToStart(ctx()))
	assert.Equal(s.t, "id1", s.readKey(tl))

	require.NoError(s.t, tl.ToEnd(ctx()))
	s.assertEmpty(tl)

	require.NoError(s.t, tl.Seek(ctx(), first.Offset))
	assert.Equal(s.t, "id1", s.readKey(tl))

	err = tl.Seek(ctx(), streamlog.OffsetOf(streamlog.PartitionOf(name, 2), 0))
	assert.True(s.t, errors.Is(err, streamlog.ErrIllegalState))
	_, err = tl.CommitPartition(ctx(), streamlog.PartitionOf(name, 2))
	assert.True(s.t, errors.Is(err, streamlog.ErrIllegalState))

	// a new tailer of the same group resumes after the commit
	require.NoError(s.t, tl.Close())
	tl, err = m.CreateTailer(group1, []streamlog.Partition{p1}, nil)
	require.NoError(s.t, err)
	assert.Equal(s.t, "id3", s.readKey(tl))

	require.NoError(s.t, tl.Reset(ctx()))
	assert.Equal(s.t, "id1", s.readKey(tl))
	assert.Equal(s.t, int64(5), m.GetLag(name, group1).Lag())
	require.NoError(s.t, tl.Close())
}

func testMoreCommit(s suite, open func() streamlog.Manager) {
	m := s.manager(open)
	name := s.create(m, 1)
	a, err := m.GetAppender(name, nil)
	require.NoError(s.t, err)
	for i := 1; i <= 5; i++ {
		_, err := a.Append(ctx(), 0, rec(fmt.Sprintf("id%d", i)))
		require.NoError(s.t, err)
	}
	tl, err := m.CreateTailer(group1, streamlog.PartitionsOf(name, 1), nil)
	require.NoError(s.t, err)
	assert.Equal(s.t, "id1", s.readKey(tl))
	require.NoError(s.t, tl.Commit(ctx()))
	assert.Equal(s.t, "id2", s.readKey(tl))
	assert.Equal(s.t, "id3", s.readKey(tl))
	assert.Equal(s.t, "id4", s.readKey(tl))
	require.NoError(s.t, tl.Commit(ctx()))

	// commits move backwards when asked to
	require.NoError(s.t, tl.ToStart(ctx()))
	assert.Equal(s.t, "id1", s.readKey(tl))
	require.NoError(s.t, tl.Commit(ctx()))
	require.NoError(s.t, tl.Close())

	tl, err = m.CreateTailer(group1, streamlog.PartitionsOf(name, 1), nil)
	require.NoError(s.t, err)
	assert.Equal(s.t, "id2", s.readKey(tl))
	require.NoError(s.t, tl.Close())
}

func testCommitWithGroup(s suite, open func() streamlog.Manager) {
	m := s.manager(open)
	name := s.create(m, 1)
	a, err := m.GetAppender(name, nil)
	require.NoError(s.t, err)
	for i := 1; i <= 4; i++ {
		_, err := a.Append(ctx(), 0, rec(fmt.Sprintf("id%d", i)))
		require.NoError(s.t, err)
	}
	parts := streamlog.PartitionsOf(name, 1)
	t1, err := m.CreateTailer(group1, parts, nil)
	require.NoError(s.t, err)
	t2, err := m.CreateTailer(group2, parts, nil)
	require.NoError(s.t, err)

	assert.Equal(s.t, "id1", s.readKey(t1))
	assert.Equal(s.t, "id1", s.readKey(t2))
	assert.Equal(s.t, "id2", s.readKey(t1))
	require.NoError(s.t, t1.Commit(ctx()))
	assert.Equal(s.t, "id2", s.readKey(t2))
	assert.Equal(s.t, "id3", s.readKey(t2))
	require.NoError(s.t, t2.Commit(ctx()))
	assert.Equal(s.t, "id3", s.readKey(t1))

	assert.Equal(s.t, int64(2), m.GetLag(name, group1).Lag())
	assert.Equal(s.t, int64(1), m.GetLag(name, group2).Lag())

	require.NoError(s.t, t1.ToLastCommitted(ctx()))
	require.NoError(s.t, t2.ToLastCommitted(ctx()))
	assert.Equal(s.t, "id3", s.readKey(t1))
	assert.Equal(s.t, "id4", s.readKey(t2))
	require.NoError(s.t, t1.Close())
	require.NoError(s.t, t2.Close())
}

func testWaitFor(s suite, open func() streamlog.Manager) {
	m := s.manager(open)
	name := s.create(m, 1)
	a, err := m.GetAppender(name, nil)
	require.NoError(s.t, err)
	off, err := a.Append(ctx(), 0, rec("id1"))
	require.NoError(s.t, err)

	ok, err := a.WaitFor(ctx(), off, group1, short)
	require.NoError(s.t, err)
	assert.False(s.t, ok)

	done := make(chan bool, 1)
	go func() {
		ok, err := a.WaitFor(ctx(), off, group1, 2*s.Timeout)
		assert.NoError(s.t, err)
		done <- ok
	}()
	tl, err := m.CreateTailer(group1, streamlog.PartitionsOf(name, 1), nil)
	require.NoError(s.t, err)
	assert.Equal(s.t, "id1", s.readKey(tl))
	require.NoError(s.t, tl.Commit(ctx()))
	assert.True(s.t, <-done)
	require.NoError(s.t, tl.Close())
}

func testMultiPartitions(s suite, open func() streamlog.Manager) {
	m := s.manager(open)
	name1, name2 := s.create(m, 2), s.create(m, 1)
	a1, err := m.GetAppender(name1, nil)
	require.NoError(s.t, err)
	a2, err := m.GetAppender(name2, nil)
	require.NoError(s.t, err)
	for i := 0; i < 3; i++ {
		_, err = a1.Append(ctx(), 0, rec(fmt.Sprintf("a%d", i)))
		require.NoError(s.t, err)
	}
	_, err = a1.Append(ctx(), 1, rec("b0"))
	require.NoError(s.t, err)
	_, err = a2.Append(ctx(), 0, rec("c0"))
	require.NoError(s.t, err)

	parts := append(streamlog.PartitionsOf(name1, 2), streamlog.PartitionOf(name2, 0))
	tl, err := m.CreateTailer(group1, parts, nil)
	require.NoError(s.t, err)
	assert.ElementsMatch(s.t, parts, tl.Assignments())

	got := map[string]int{}
	last := map[streamlog.Partition]int64{}
	for i := 0; i < 5; i++ {
		r := s.readRecord(tl)
		got[r.Record.Key]++
		if prev, ok := last[r.Offset.Partition]; ok {
			assert.Greater(s.t, r.Offset.Position, prev, "order within a partition")
		}
		last[r.Offset.Partition] = r.Offset.Position
	}
	assert.Equal(s.t, map[string]int{"a0": 1, "a1": 1, "a2": 1, "b0": 1, "c0": 1}, got)
	s.assertEmpty(tl)
	require.NoError(s.t, tl.Commit(ctx()))
	assert.Equal(s.t, int64(0), m.GetLag(name1, group1).Lag())
	assert.Equal(s.t, int64(0), m.GetLag(name2, group1).Lag())
	require.NoError(s.t, tl.Close())
}

func testLag(s suite, open func() streamlog.Manager) {
	m := s.manager(open)
	name := s.create(m, 3)
	assert.Equal(s.t, streamlog.Lag{}, m.GetLag(name, group1))
	a, err := m.GetAppender(name, nil)
	require.NoError(s.t, err)
	for i := 0; i < 6; i++ {
		_, err := a.AppendKey(ctx(), fmt.Sprintf("key%d", i), rec(fmt.Sprintf("id%d", i)))
		require.NoError(s.t, err)
	}
	lag := m.GetLag(name, group1)
	assert.Equal(s.t, int64(6), lag.Lag())
	assert.Equal(s.t, int64(6), lag.Total())
	assert.Len(s.t, m.GetLagPerPartition(name, group1), 3)

	tl, err := streamlog.CreateTailerForLog(m, group1, name, nil)
	require.NoError(s.t, err)
	for i := 0; i < 4; i++ {
		s.readKey(tl)
	}
	require.NoError(s.t, tl.Commit(ctx()))
	lag = m.GetLag(name, group1)
	assert.Equal(s.t, int64(2), lag.Lag())
	assert.Equal(s.t, int64(6), lag.Total())
	require.NoError(s.t, tl.Close())
}

func testListAll(s suite, open func() streamlog.Manager) {
	m := s.manager(open)
	names := []streamlog.Name{s.create(m, 1), s.create(m, 2)}
	all := m.ListAll()
	for _, n := range names {
		assert.Contains(s.t, all, n)
	}
}

func testListConsumerGroups(s suite, open func() streamlog.Manager) {
	m := s.manager(open)
	name := s.create(m, 1)
	a, err := m.GetAppender(name, nil)
	require.NoError(s.t, err)
	_, err = a.Append(ctx(), 0, rec("id1"))
	require.NoError(s.t, err)
	_, err = a.Append(ctx(), 0, rec("id2"))
	require.NoError(s.t, err)

	var t1, t2 streamlog.Tailer
	if m.SupportsSubscribe() {
		t1, err = m.Subscribe(group1, []streamlog.Name{name}, nil, nil)
		require.NoError(s.t, err)
		t2, err = m.Subscribe(group2, []streamlog.Name{name}, nil, nil)
		require.NoError(s.t, err)
	} else {
		t1, err = m.CreateTailer(group1, streamlog.PartitionsOf(name, 1), nil)
		require.NoError(s.t, err)
		t2, err = m.CreateTailer(group2, streamlog.PartitionsOf(name, 1), nil)
		require.NoError(s.t, err)
	}
	assert.Equal(s.t, "id1", s.readKey(t1))
	assert.Equal(s.t, "id2", s.readKey(t1))
	require.NoError(s.t, t1.Commit(ctx()))
	assert.Equal(s.t, "id1", s.readKey(t2))
	require.NoError(s.t, t2.Commit(ctx()))

	groups := m.ListConsumerGroups(name)
	assert.Contains(s.t, groups, group1)
	assert.Contains(s.t, groups, group2)
	require.NoError(s.t, t1.Close())
	require.NoError(s.t, t2.Close())
}

func testConcurrentAppenders(s suite, open func() streamlog.Manager) {
	const appenders, perAppender = 4, 50
	m := s.manager(open)
	name := s.create(m, 1)
	a, err := m.GetAppender(name, nil)
	require.NoError(s.t, err)

	var wg sync.WaitGroup
	for i := 0; i < appenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perAppender; j++ {
				_, err := a.Append(ctx(), 0, rec(fmt.Sprintf("%d-%d", i, j)))
				assert.NoError(s.t, err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(s.t, int64(appenders*perAppender), m.GetLag(name, group1).Lag())

	tl, err := m.CreateTailer(group1, streamlog.PartitionsOf(name, 1), nil)
	require.NoError(s.t, err)
	seen := map[string]bool{}
	for i := 0; i < appenders*perAppender; i++ {
		seen[s.readKey(tl)] = true
	}
	assert.Len(s.t, seen, appenders*perAppender)
	require.NoError(s.t, tl.Close())
}

func testLatencies(s suite, open func() streamlog.Manager) {
	m := s.manager(open)
	name := s.create(m, 5)
	a, err := m.GetAppender(name, nil)
	require.NoError(s.t, err)
	appends := map[int][]string{0: {"first", "here", "end"}, 1: {"first", "here"}, 2: {"here", "end"}, 3: {"first"}}
	for p := 0; p < 4; p++ {
		for _, k := range appends[p] {
			_, err := a.Append(ctx(), p, rec(k))
			require.NoError(s.t, err)
		}
	}
	reads := map[int]int{0: 2, 1: 2, 2: 1}
	for p, n := range reads {
		tl, err := m.CreateTailer(group1, []streamlog.Partition{streamlog.PartitionOf(name, p)}, nil)
		require.NoError(s.t, err)
		for i := 0; i < n; i++ {
			assert.Equal(s.t, appends[p][i], s.readKey(tl))
		}
		require.NoError(s.t, tl.Commit(ctx()))
		require.NoError(s.t, tl.Close())
	}

	ts := func(r record.Record) int64 { return watermark.OfValue(r.Watermark).Timestamp() }
	key := func(r record.Record) string { return r.Key }
	ls, err := m.GetLatencyPerPartition(ctx(), name, group1, nil, ts, key)
	require.NoError(s.t, err)
	require.Len(s.t, ls, 5)
	assert.Equal(s.t, "here", ls[0].Key)
	assert.Equal(s.t, "", ls[1].Key)
	assert.Equal(s.t, "here", ls[2].Key)
	assert.Equal(s.t, "", ls[3].Key)
	assert.Equal(s.t, "", ls[4].Key)
	assert.Greater(s.t, ls[0].Upper, int64(0))

	total, err := m.GetLatency(ctx(), name, group1, nil, ts, key)
	require.NoError(s.t, err)
	assert.Equal(s.t, int64(3), total.Lag.Lag())
}

func testCodecCheck(s suite, open func() streamlog.Manager) {
	m := s.manager(open)
	name := s.create(m, 1)
	a, err := m.GetAppender(name, codec.Msgpack)
	require.NoError(s.t, err)
	in := rec("id1")
	_, err = a.Append(ctx(), 0, in)
	require.NoError(s.t, err)

	_, err = m.GetAppender(name, codec.JSON)
	assert.True(s.t, errors.Is(err, streamlog.ErrInvalidArgument))
	_, err = m.CreateTailer(group1, streamlog.PartitionsOf(name, 1), codec.JSON)
	assert.True(s.t, errors.Is(err, streamlog.ErrInvalidArgument))

	again, err := m.GetAppender(name, codec.Msgpack)
	require.NoError(s.t, err)
	assert.Equal(s.t, codec.MsgpackName, again.Codec().Name())

	// a nil codec reuses the codec of the session
	tl, err := m.CreateTailer(group1, streamlog.PartitionsOf(name, 1), nil)
	require.NoError(s.t, err)
	got := s.readRecord(tl)
	assert.True(s.t, in.Equal(got.Record))
	require.NoError(s.t, tl.Close())
}

func testDelete(s suite, open func() streamlog.Manager) {
	m := s.manager(open)
	name := s.create(m, 2)
	a, err := m.GetAppender(name, nil)
	require.NoError(s.t, err)
	_, err = a.Append(ctx(), 1, rec("id1"))
	require.NoError(s.t, err)

	ok, err := m.Delete(ctx(), name)
	require.NoError(s.t, err)
	assert.True(s.t, ok)
	assert.False(s.t, m.Exists(name))
	assert.NotContains(s.t, m.ListAll(), name)

	ok, err = m.Delete(ctx(), name)
	require.NoError(s.t, err)
	assert.False(s.t, ok)
}

func testSubscribe(s suite, open func() streamlog.Manager) {
	m := s.manager(open)
	if !m.SupportsSubscribe() {
		s.t.Skip("backend without subscribe")
	}
	name := s.create(m, 4)
	a, err := m.GetAppender(name, nil)
	require.NoError(s.t, err)
	for p := 0; p < 4; p++ {
		_, err := a.Append(ctx(), p, rec(fmt.Sprintf("p%d", p)))
		require.NoError(s.t, err)
	}

	var assigned atomic.Int32
	listener := streamlog.RebalanceFuncs{Assigned: func(ps []streamlog.Partition) { assigned.Add(1) }}
	t1, err := m.Subscribe(group1, []streamlog.Name{name}, listener, nil)
	require.NoError(s.t, err)
	assert.Empty(s.t, t1.Assignments())

	seen := map[string]bool{}
	for len(seen) < 4 {
		seen[s.readKey(t1)] = true
	}
	assert.Len(s.t, t1.Assignments(), 4)
	assert.GreaterOrEqual(s.t, assigned.Load(), int32(1))
	require.NoError(s.t, t1.Commit(ctx()))

	// a second member takes half of the partitions
	t2, err := m.Subscribe(group1, []streamlog.Name{name}, nil, nil)
	require.NoError(s.t, err)
	rebalanced := false
	for i := 0; i < 20 && !rebalanced; i++ {
		res, err := t1.Read(ctx(), s.RebalanceWait)
		require.NoError(s.t, err)
		rebalanced = res.IsRebalance()
	}
	assert.True(s.t, rebalanced)
	for i := 0; i < 20 && len(t2.Assignments()) == 0; i++ {
		_, err := t2.Read(ctx(), s.RebalanceWait)
		require.NoError(s.t, err)
	}
	assert.Len(s.t, t1.Assignments(), 2)
	assert.Len(s.t, t2.Assignments(), 2)
	require.NoError(s.t, t2.Close())
	require.NoError(s.t, t1.Close())
}

func testPersistence(s suite, open func() streamlog.Manager) {
	if !s.Persistent {
		s.t.Skip("backend is not persistent")
	}
	m := open()
	name := s.create(m, 2)
	a, err := m.GetAppender(name, codec.JSON)
	require.NoError(s.t, err)
	for i := 1; i <= 3; i++ {
		_, err := a.Append(ctx(), 0, rec(fmt.Sprintf("id%d", i)))
		require.NoError(s.t, err)
	}
	tl, err := m.CreateTailer(group1, streamlog.PartitionsOf(name, 2), codec.JSON)
	require.NoError(s.t, err)
	assert.Equal(s.t, "id1", s.readKey(tl))
	require.NoError(s.t, tl.Commit(ctx()))
	require.NoError(s.t, m.Close())

	m = s.manager(open)
	assert.Equal(s.t, 2, m.Size(name))
	ok, err := m.CreateIfNotExists(ctx(), name, 7)
	require.NoError(s.t, err)
	assert.False(s.t, ok)
	assert.Equal(s.t, int64(2), m.GetLag(name, group1).Lag())

	_, err = m.GetAppender(name, codec.Msgpack)
	assert.True(s.t, errors.Is(err, streamlog.ErrInvalidArgument))

	// without a codec the records cannot be decoded
	raw, err := m.CreateTailer(group2, streamlog.PartitionsOf(name, 2), nil)
	require.NoError(s.t, err)
	_, err = raw.Read(ctx(), s.Timeout)
	assert.True(s.t, errors.Is(err, streamlog.ErrInvalidArgument))
	require.NoError(s.t, raw.Close())

	tl, err = m.CreateTailer(group1, streamlog.PartitionsOf(name, 2), codec.JSON)
	require.NoError(s.t, err)
	assert.Equal(s.t, "id2", s.readKey(tl))
	require.NoError(s.t, tl.Close())
}
