package local

import (
	"sort"
	"sync"

	"github.com/rzbill/flostream/internal/streamlog"
)

// coordinator assigns partitions to the subscribed members of each group.
type coordinator struct {
	mu     sync.Mutex
	groups map[streamlog.Name]*group
	size   func(streamlog.Name) int
}

type group struct {
	generation int
	members    map[string]*member
	changed    Signal
}

type member struct {
	names    []streamlog.Name
	assigned []streamlog.Partition
}

func newCoordinator(size func(streamlog.Name) int) *coordinator {
	return &coordinator{groups: make(map[streamlog.Name]*group), size: size}
}

func (c *coordinator) join(groupName streamlog.Name, memberID string, names []streamlog.Name) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.groups[groupName]
	if g == nil {
		g = &group{members: make(map[string]*member)}
		c.groups[groupName] = g
	}
	g.members[memberID] = &member{names: names}
	c.rebalanceRange(g)
}

func (c *coordinator) leave(groupName streamlog.Name, memberID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.groups[groupName]
	if g == nil {
		return
	}
	delete(g.members, memberID)
	if len(g.members) == 0 {
		g.changed.Broadcast()
		delete(c.groups, groupName)
		return
	}
	c.rebalanceRange(g)
}

// active reports whether the group has subscribed members.
func (c *coordinator) active(groupName streamlog.Name) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groups[groupName] != nil
}

// assignment returns the member's current generation and partitions, plus a
// channel closed by the next rebalance of the group.
func (c *coordinator) assignment(groupName streamlog.Name, memberID string) (int, []streamlog.Partition, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.groups[groupName]
	if g == nil {
		return 0, nil, nil
	}
	m := g.members[memberID]
	if m == nil {
		return g.generation, nil, g.changed.Wait()
	}
	return g.generation, append([]streamlog.Partition(nil), m.assigned...), g.changed.Wait()
}

// rebalanceRange splits the partitions of each log among the members
// subscribed to it: sorted member ids, base share plus one for the first
// remainder members.
func (c *coordinator) rebalanceRange(g *group) {
	subscribers := map[streamlog.Name][]string{}
	for id, m := range g.members {
		m.assigned = nil
		for _, n := range m.names {
			subscribers[n] = append(subscribers[n], id)
		}
	}
	logs := make([]streamlog.Name, 0, len(subscribers))
	for n := range subscribers {
		logs = append(logs, n)
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].URN() < logs[j].URN() })

	for _, name := range logs {
		members := subscribers[name]
		sort.Strings(members)
		size := c.size(name)
		base, remainder := size/len(members), size%len(members)
		idx := 0
		for i, id := range members {
			count := base
			if i < remainder {
				count++
			}
			for j := 0; j < count; j++ {
				g.members[id].assigned = append(g.members[id].assigned, streamlog.PartitionOf(name, idx))
				idx++
			}
		}
	}
	g.generation++
	g.changed.Broadcast()
}
