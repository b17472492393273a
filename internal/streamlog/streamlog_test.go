package streamlog

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestName(t *testing.T) {
	n, err := NameOfURN("ns/my_log-1")
	require.NoError(t, err)
	assert.Equal(t, "ns", n.Namespace())
	assert.Equal(t, "my_log-1", n.Name())
	assert.Equal(t, "ns-my_log-1", n.ID())
	assert.Equal(t, "ns/my_log-1", n.URN())

	fromID, err := NameOfID(n.ID())
	require.NoError(t, err)
	assert.Equal(t, n, fromID)

	plain, err := NameOfURN("input")
	require.NoError(t, err)
	assert.Equal(t, "input", plain.ID())
	assert.Equal(t, "", plain.Namespace())

	same, err := NameOf("ns", "my_log-1")
	require.NoError(t, err)
	assert.Equal(t, n, same)
}

func TestNameInvalid(t *testing.T) {
	for _, urn := range []string{"", "a b", "a.b", "-a", "a-", "ns/", "/n", "ns/a/b", "_x"} {
		_, err := NameOfURN(urn)
		assert.True(t, errors.Is(err, ErrInvalidArgument), urn)
	}
	assert.Panics(t, func() { MustName("bad name") })
}

func TestNameText(t *testing.T) {
	var n Name
	require.NoError(t, n.UnmarshalText([]byte("a/b")))
	b, err := n.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "a/b", string(b))
}

func TestPartitionAndOffset(t *testing.T) {
	name := MustName("ns/log")
	p := PartitionOf(name, 2)
	assert.Equal(t, "ns/log:2", p.String())
	assert.Len(t, PartitionsOf(name, 3), 3)

	o := OffsetOf(p, 4)
	assert.Equal(t, 0, o.Compare(OffsetOf(p, 4)))
	assert.Equal(t, -1, o.Compare(o.Next()))
	assert.Equal(t, 1, OffsetOf(PartitionOf(name, 3), 0).Compare(o))
	assert.Equal(t, "ns/log:2@4", o.String())
}

func TestPartitionFor(t *testing.T) {
	assert.Equal(t, 0, PartitionFor("anything", 1))
	for _, k := range []string{"a", "b", "id1", "id2"} {
		p := PartitionFor(k, 5)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 5)
		assert.Equal(t, p, PartitionFor(k, 5))
	}
}

func TestLag(t *testing.T) {
	assert.Equal(t, int64(3), LagOf(3).Lag())
	assert.Equal(t, int64(3), LagOf(3).Total())
	l := LagBetween(2, 5)
	assert.Equal(t, int64(3), l.Lag())
	assert.Equal(t, int64(0), LagBetween(6, 5).Lag())
	sum := SumLags(l, LagOf(1), Lag{})
	assert.Equal(t, Lag{Lower: 2, Upper: 6}, sum)
	assert.Equal(t, int64(4), sum.Lag())
}

func TestLatency(t *testing.T) {
	a := Latency{Lower: 100, Upper: 150, Key: "a", Lag: LagBetween(1, 2)}
	b := Latency{Lower: 100, Upper: 400, Key: "b", Lag: LagBetween(0, 3)}
	idle := Latency{Lag: LagBetween(4, 4)}
	assert.Equal(t, int64(50), a.LatencyMillis())
	assert.Equal(t, int64(0), idle.LatencyMillis())

	sum := SumLatencies(a, idle, b)
	assert.Equal(t, "b", sum.Key)
	assert.Equal(t, int64(300), sum.LatencyMillis())
	assert.Equal(t, int64(4), sum.Lag.Lag())
}

func TestReadResult(t *testing.T) {
	assert.True(t, EmptyResult().IsEmpty())
	assert.True(t, RebalanceResult().IsRebalance())
	r := OkResult(LogRecord{Offset: OffsetOf(PartitionOf(MustName("x"), 0), 1)})
	assert.True(t, r.IsOk())
	assert.Equal(t, "ok", r.Kind.String())
}

func TestErrorKinds(t *testing.T) {
	err := InvalidArgumentf("unknown log %s", "x")
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	assert.Contains(t, err.Error(), "unknown log x")
	assert.True(t, errors.Is(IllegalStatef("p"), ErrIllegalState))
	assert.Equal(t, "resource closed", ErrClosed.Error())
}
