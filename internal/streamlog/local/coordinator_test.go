package local

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/flostream/internal/streamlog"
)

func TestRebalanceRange(t *testing.T) {
	a, b := streamlog.MustName("a"), streamlog.MustName("b")
	sizes := map[streamlog.Name]int{a: 5, b: 1}
	c := newCoordinator(func(n streamlog.Name) int { return sizes[n] })
	g := streamlog.MustName("g")

	c.join(g, "m1", []streamlog.Name{a, b})
	gen, parts, changed := c.assignment(g, "m1")
	assert.Equal(t, 1, gen)
	assert.Len(t, parts, 6)
	require.NotNil(t, changed)

	c.join(g, "m2", []streamlog.Name{a})
	select {
	case <-changed:
	default:
		t.Fatal("join must signal a rebalance")
	}
	gen, p1, _ := c.assignment(g, "m1")
	assert.Equal(t, 2, gen)
	_, p2, _ := c.assignment(g, "m2")
	// m1 gets the remainder of a and all of b
	assert.Equal(t, []streamlog.Partition{
		streamlog.PartitionOf(a, 0), streamlog.PartitionOf(a, 1), streamlog.PartitionOf(a, 2),
		streamlog.PartitionOf(b, 0),
	}, p1)
	assert.Equal(t, []streamlog.Partition{streamlog.PartitionOf(a, 3), streamlog.PartitionOf(a, 4)}, p2)

	c.leave(g, "m1")
	gen, p2, _ = c.assignment(g, "m2")
	assert.Equal(t, 3, gen)
	assert.Len(t, p2, 5)

	c.leave(g, "m2")
	gen, parts, changed = c.assignment(g, "m2")
	assert.Zero(t, gen)
	assert.Nil(t, parts)
	assert.Nil(t, changed)
}

func TestMoreMembersThanPartitions(t *testing.T) {
	a := streamlog.MustName("a")
	c := newCoordinator(func(streamlog.Name) int { return 1 })
	g := streamlog.MustName("g")
	c.join(g, "m1", []streamlog.Name{a})
	c.join(g, "m2", []streamlog.Name{a})
	_, p1, _ := c.assignment(g, "m1")
	_, p2, _ := c.assignment(g, "m2")
	assert.Len(t, p1, 1)
	assert.Empty(t, p2)
}

func TestSignal(t *testing.T) {
	var s Signal
	w1 := s.Wait()
	w2 := s.Wait()
	s.Broadcast()
	<-w1
	<-w2
	select {
	case <-s.Wait():
		t.Fatal("new waiters wait for the next broadcast")
	default:
	}
}
