// Package topology describes how computations are wired through streams.
//
// A topology is a directed acyclic graph of two node kinds: computations and
// streams. An input mapping adds an edge stream -> computation, an output
// mapping an edge computation -> stream. Queries are pure graph lookups.
package topology

import (
	"slices"

	"github.com/rzbill/flostream/internal/computation"
)

// Kind distinguishes computation nodes from stream nodes.
type Kind int

const (
	KindComputation Kind = iota
	KindStream
)

func (k Kind) String() string {
	if k == KindStream {
		return "stream"
	}
	return "computation"
}

// Node is a vertex of the topology.
type Node struct {
	Kind Kind
	Name string
}

// ComputationNode and StreamNode build nodes.
func ComputationNode(name string) Node { return Node{Kind: KindComputation, Name: name} }
func StreamNode(name string) Node      { return Node{Kind: KindStream, Name: name} }

func (n Node) String() string { return n.Kind.String() + ":" + n.Name }

func compareNodes(a, b Node) int {
	if a.Kind != b.Kind {
		return int(a.Kind) - int(b.Kind)
	}
	switch {
	case a.Name < b.Name:
		return -1
	case a.Name > b.Name:
		return 1
	}
	return 0
}

// Topology is immutable once built.
type Topology struct {
	order     []string
	metadata  map[string]computation.MappingMetadata
	factories map[string]computation.Factory
	nodes     map[Node]struct{}
	children  map[Node][]Node
	parents   map[Node][]Node
	loops     map[string]int
}

func (t *Topology) has(n Node) bool {
	_, ok := t.nodes[n]
	return ok
}

// Computations returns the computation names in declaration order.
func (t *Topology) Computations() []string { return slices.Clone(t.order) }

// Streams returns every stream name, sorted.
func (t *Topology) Streams() []string {
	var out []string
	for n := range t.nodes {
		if n.Kind == KindStream {
			out = append(out, n.Name)
		}
	}
	slices.Sort(out)
	return out
}

// Metadata returns the slot bindings of a computation.
func (t *Topology) Metadata(name string) (computation.MappingMetadata, bool) {
	md, ok := t.metadata[name]
	return md, ok
}

// Factory returns the factory registered for a computation.
func (t *Topology) Factory(name string) (computation.Factory, bool) {
	f, ok := t.factories[name]
	return f, ok
}

// IsSource reports whether n has no incoming edge: a computation without
// inputs or a stream written by no computation.
func (t *Topology) IsSource(n Node) bool { return t.has(n) && len(t.parents[n]) == 0 }

// IsSink reports whether n has no outgoing edge.
func (t *Topology) IsSink(n Node) bool { return t.has(n) && len(t.children[n]) == 0 }

func (t *Topology) Parents(n Node) []Node  { return slices.Clone(t.parents[n]) }
func (t *Topology) Children(n Node) []Node { return slices.Clone(t.children[n]) }

func (t *Topology) closure(n Node, next map[Node][]Node) []Node {
	seen := map[Node]bool{}
	stack := slices.Clone(next[n])
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, next[cur]...)
	}
	out := make([]Node, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	slices.SortFunc(out, compareNodes)
	return out
}

// Ancestors returns every node with a path to n.
func (t *Topology) Ancestors(n Node) []Node { return t.closure(n, t.parents) }

// Descendants returns every node reachable from n.
func (t *Topology) Descendants(n Node) []Node { return t.closure(n, t.children) }

func computationNames(nodes []Node) []string {
	var out []string
	for _, n := range nodes {
		if n.Kind == KindComputation {
			out = append(out, n.Name)
		}
	}
	return out
}

// AncestorComputationNames returns the computations upstream of name. On a
// loop this includes the other computations of the loop.
func (t *Topology) AncestorComputationNames(name string) []string {
	return slices.DeleteFunc(computationNames(t.Ancestors(ComputationNode(name))),
		func(n string) bool { return n == name })
}

// DescendantComputationNames returns the computations downstream of name.
func (t *Topology) DescendantComputationNames(name string) []string {
	return slices.DeleteFunc(computationNames(t.Descendants(ComputationNode(name))),
		func(n string) bool { return n == name })
}

// LoopOf returns the other computations sharing a loop with name, sorted.
func (t *Topology) LoopOf(name string) []string {
	label, ok := t.loops[name]
	if !ok {
		return nil
	}
	var out []string
	for _, other := range t.order {
		if other != name && t.loops[other] == label {
			out = append(out, other)
		}
	}
	slices.Sort(out)
	return out
}

// ExternalInputs returns the streams read by name, or by its loop, that no
// computation of that loop writes. Off a loop these are name's inputs.
func (t *Topology) ExternalInputs(name string) []string {
	members := append(t.LoopOf(name), name)
	var out []string
	for _, m := range members {
		md, ok := t.metadata[m]
		if !ok {
			continue
		}
		for _, s := range md.InputStreams() {
			internal := false
			for _, p := range t.parents[StreamNode(s)] {
				if slices.Contains(members, p.Name) {
					internal = true
					break
				}
			}
			if !internal && !slices.Contains(out, s) {
				out = append(out, s)
			}
		}
	}
	return out
}

// Roots returns the nodes without incoming edges, sorted.
func (t *Topology) Roots() []Node {
	var out []Node
	for n := range t.nodes {
		if len(t.parents[n]) == 0 {
			out = append(out, n)
		}
	}
	slices.SortFunc(out, compareNodes)
	return out
}

// Levels groups computations by dependency depth: a computation appears
// after every computation it reads from. Computations of one loop share a
// level.
func (t *Topology) Levels() [][]string {
	depth := map[int]int{}
	var visit func(label int) int
	visit = func(label int) int {
		if d, ok := depth[label]; ok {
			return d
		}
		d := 0
		for _, name := range t.order {
			if t.loops[name] != label {
				continue
			}
			for _, a := range t.directUpstream(name) {
				if t.loops[a] == label {
					continue
				}
				if v := visit(t.loops[a]) + 1; v > d {
					d = v
				}
			}
		}
		depth[label] = d
		return d
	}
	var levels [][]string
	for _, name := range t.order {
		d := visit(t.loops[name])
		for len(levels) <= d {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], name)
	}
	return levels
}

// directUpstream returns the computations writing to name's inputs.
func (t *Topology) directUpstream(name string) []string {
	var out []string
	for _, s := range t.parents[ComputationNode(name)] {
		for _, c := range t.parents[s] {
			if !slices.Contains(out, c.Name) {
				out = append(out, c.Name)
			}
		}
	}
	return out
}
