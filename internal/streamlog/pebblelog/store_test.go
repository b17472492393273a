package pebblelog

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/flostream/internal/eventlog"
	"github.com/rzbill/flostream/internal/record"
	"github.com/rzbill/flostream/internal/streamlog"
	"github.com/rzbill/flostream/internal/streamlog/local"
	"github.com/rzbill/flostream/internal/streamlog/logtest"
)

func TestContract(t *testing.T) {
	logtest.Run(t, logtest.Backend{
		Persistent: true,
		Setup: func(t *testing.T) func() streamlog.Manager {
			dir := t.TempDir()
			return func() streamlog.Manager {
				m, err := NewManager(Options{Dir: dir})
				require.NoError(t, err)
				return m
			}
		},
	})
}

func appendKeys(t *testing.T, m *local.Manager, name streamlog.Name, keys ...string) {
	t.Helper()
	a, err := m.GetAppender(name, nil)
	require.NoError(t, err)
	for _, k := range keys {
		_, err := a.Append(context.Background(), 0, record.New(k, []byte("0123456789")))
		require.NoError(t, err)
	}
}

func TestRetentionMaxBytes(t *testing.T) {
	ctx := context.Background()
	s, err := Open(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	m := local.NewManager(s)
	defer m.Close()

	name := streamlog.MustName("ns/retained")
	_, err = m.CreateIfNotExists(ctx, name, 1)
	require.NoError(t, err)
	appendKeys(t, m, name, "a", "b", "c", "d")

	g := streamlog.MustName("ns/g")
	tl, err := m.CreateTailer(g, streamlog.PartitionsOf(name, 1), nil)
	require.NoError(t, err)
	res, err := tl.Read(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "a", res.Record.Record.Key)
	require.NoError(t, tl.Commit(ctx))

	// keep roughly one entry
	n, err := s.Retain(ctx, Retention{MaxBytes: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, int64(4), s.Trimmed())

	appendKeys(t, m, name, "e")
	require.NoError(t, tl.ToLastCommitted(ctx))
	res, err = tl.Read(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "e", res.Record.Record.Key)
	assert.Equal(t, int64(4), res.Record.Offset.Position)
	assert.Equal(t, int64(5), m.GetLag(name, g).Total())
}

func TestRetentionMaxAge(t *testing.T) {
	ctx := context.Background()
	var trimmed []uint64
	s, err := Open(Options{Dir: t.TempDir(), OnTrim: eventlog.TrimHookFunc(func(_ string, _ uint32, min, max uint64) {
		trimmed = append(trimmed, min, max)
	})})
	require.NoError(t, err)
	m := local.NewManager(s)
	defer m.Close()

	name := streamlog.MustName("aged")
	_, err = m.CreateIfNotExists(ctx, name, 1)
	require.NoError(t, err)
	appendKeys(t, m, name, "a", "b")

	n, err := s.Retain(ctx, Retention{MaxAge: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	time.Sleep(5 * time.Millisecond)
	n, err = s.Retain(ctx, Retention{MaxAge: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint64{1, 2}, trimmed)

	first, end, err := s.Bounds(streamlog.PartitionOf(name, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(2), first)
	assert.Equal(t, int64(2), end)
}

func TestJanitor(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(Options{Dir: t.TempDir(), Retention: Retention{MaxAge: time.Millisecond, CheckInterval: 10 * time.Millisecond}})
	require.NoError(t, err)
	defer m.Close()

	name := streamlog.MustName("janitor")
	_, err = m.CreateIfNotExists(ctx, name, 1)
	require.NoError(t, err)
	appendKeys(t, m, name, "a", "b", "c")

	s := m.Store().(*Store)
	assert.Eventually(t, func() bool { return s.Trimmed() == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestDeleteRefusesForeignData(t *testing.T) {
	ctx := context.Background()
	s, err := Open(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	m := local.NewManager(s)
	defer m.Close()

	name := streamlog.MustName("ns/foreign")
	_, err = m.CreateIfNotExists(ctx, name, 1)
	require.NoError(t, err)
	appendKeys(t, m, name, "a")

	require.NoError(t, s.DB().Set(append(eventlog.KeyLogPrefix(name.ID()), "alien"...), []byte("x")))
	_, err = m.Delete(ctx, name)
	assert.True(t, errors.Is(err, streamlog.ErrIllegalState))
	assert.True(t, m.Exists(name))
}

func TestCreateRejectsIDCollision(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer m.Close()

	_, err = m.CreateIfNotExists(ctx, streamlog.MustName("a-b/c"), 1)
	require.NoError(t, err)
	_, err = m.CreateIfNotExists(ctx, streamlog.MustName("a/b-c"), 1)
	assert.True(t, errors.Is(err, streamlog.ErrInvalidArgument))
}
