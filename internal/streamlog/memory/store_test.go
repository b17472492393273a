package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/flostream/internal/record"
	"github.com/rzbill/flostream/internal/streamlog"
	"github.com/rzbill/flostream/internal/streamlog/local"
	"github.com/rzbill/flostream/internal/streamlog/logtest"
)

func TestContract(t *testing.T) {
	logtest.Run(t, logtest.Backend{
		Setup: func(t *testing.T) func() streamlog.Manager {
			return func() streamlog.Manager { return NewManager() }
		},
	})
}

func TestTruncatedPartitionResumesAtOldest(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	m := local.NewManager(store)
	defer m.Close()

	name := streamlog.MustName("retained")
	_, err := m.CreateIfNotExists(ctx, name, 1)
	require.NoError(t, err)
	a, err := m.GetAppender(name, nil)
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c", "d"} {
		_, err := a.Append(ctx, 0, record.New(k, nil))
		require.NoError(t, err)
	}
	g := streamlog.MustName("g")
	tl, err := m.CreateTailer(g, streamlog.PartitionsOf(name, 1), nil)
	require.NoError(t, err)
	res, err := tl.Read(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "a", res.Record.Record.Key)
	require.NoError(t, tl.Commit(ctx))

	require.NoError(t, store.Truncate(streamlog.PartitionOf(name, 0), 3))
	require.NoError(t, tl.ToLastCommitted(ctx))
	res, err = tl.Read(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "d", res.Record.Record.Key)
	assert.Equal(t, int64(3), res.Record.Offset.Position)

	require.NoError(t, tl.ToStart(ctx))
	res, err = tl.Read(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "d", res.Record.Record.Key)
}

func TestGroupIsEitherAssignedOrSubscribed(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	defer m.Close()

	name := streamlog.MustName("mixed")
	_, err := m.CreateIfNotExists(ctx, name, 2)
	require.NoError(t, err)
	g := streamlog.MustName("g")

	sub, err := m.Subscribe(g, []streamlog.Name{name}, nil, nil)
	require.NoError(t, err)
	_, err = m.CreateTailer(g, streamlog.PartitionsOf(name, 2), nil)
	assert.True(t, errors.Is(err, streamlog.ErrIllegalState), "got %v", err)
	// other groups are unaffected
	other, err := m.CreateTailer(streamlog.MustName("other"), streamlog.PartitionsOf(name, 2), nil)
	require.NoError(t, err)
	require.NoError(t, other.Close())
	require.NoError(t, sub.Close())

	static, err := m.CreateTailer(g, []streamlog.Partition{streamlog.PartitionOf(name, 0)}, nil)
	require.NoError(t, err)
	_, err = m.Subscribe(g, []streamlog.Name{name}, nil, nil)
	assert.True(t, errors.Is(err, streamlog.ErrIllegalState), "got %v", err)
	require.NoError(t, static.Close())

	sub, err = m.Subscribe(g, []streamlog.Name{name}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, sub.Close())
}
