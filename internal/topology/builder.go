package topology

import (
	"github.com/juju/errors"

	"github.com/rzbill/flostream/internal/computation"
	"github.com/rzbill/flostream/internal/streamlog"
)

type entry struct {
	factory  computation.Factory
	mappings []string
}

// Builder collects computations; Build validates the whole graph.
type Builder struct {
	entries []entry
}

func NewBuilder() *Builder { return &Builder{} }

// AddComputation registers a factory with its "i<n>:<stream>" and
// "o<n>:<stream>" bindings.
func (b *Builder) AddComputation(f computation.Factory, mappings []string) *Builder {
	b.entries = append(b.entries, entry{factory: f, mappings: append([]string(nil), mappings...)})
	return b
}

// Build validates the graph: unique computation names, every slot bound to
// a well formed stream and no computation reading its own output. Loops
// through other computations are allowed.
func (b *Builder) Build() (*Topology, error) {
	t := &Topology{
		metadata:  map[string]computation.MappingMetadata{},
		factories: map[string]computation.Factory{},
		nodes:     map[Node]struct{}{},
		children:  map[Node][]Node{},
		parents:   map[Node][]Node{},
	}
	if len(b.entries) == 0 {
		return nil, streamlog.InvalidArgumentf("empty topology")
	}
	for _, e := range b.entries {
		if e.factory == nil {
			return nil, streamlog.InvalidArgumentf("nil computation factory")
		}
		c := e.factory()
		md := c.Metadata()
		c.Destroy()
		if md.Name() == "" {
			return nil, streamlog.InvalidArgumentf("computation without a name")
		}
		if _, dup := t.metadata[md.Name()]; dup {
			return nil, streamlog.InvalidArgumentf("duplicate computation %s", md.Name())
		}
		mm, err := computation.NewMappingMetadata(md, e.mappings)
		if err != nil {
			return nil, errors.Annotatef(err, "computation %s", md.Name())
		}
		for _, in := range mm.InputStreams() {
			for _, out := range mm.OutputStreams() {
				if in == out {
					return nil, streamlog.InvalidArgumentf("computation %s reads its own output %s", md.Name(), in)
				}
			}
		}
		t.order = append(t.order, md.Name())
		t.metadata[md.Name()] = mm
		t.factories[md.Name()] = e.factory

		cn := ComputationNode(md.Name())
		t.nodes[cn] = struct{}{}
		for _, s := range mm.InputStreams() {
			t.edge(StreamNode(s), cn)
		}
		for _, s := range mm.OutputStreams() {
			t.edge(cn, StreamNode(s))
		}
	}
	t.loops = t.components()
	return t, nil
}

// MustBuild is Build that panics, for literals.
func (b *Builder) MustBuild() *Topology {
	t, err := b.Build()
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Topology) edge(from, to Node) {
	t.nodes[from] = struct{}{}
	t.nodes[to] = struct{}{}
	for _, c := range t.children[from] {
		if c == to {
			return
		}
	}
	t.children[from] = append(t.children[from], to)
	t.parents[to] = append(t.parents[to], from)
}

// components labels every computation with its strongly connected
// component; computations sharing a label share a loop.
func (t *Topology) components() map[string]int {
	var (
		next, label int
		stack       []string
	)
	index := map[string]int{}
	low := map[string]int{}
	onStack := map[string]bool{}
	comp := map[string]int{}
	var connect func(v string)
	connect = func(v string) {
		index[v], low[v] = next, next
		next++
		stack = append(stack, v)
		onStack[v] = true
		for _, w := range t.directUpstream(v) {
			if _, seen := index[w]; !seen {
				connect(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}
		if low[v] != index[v] {
			return
		}
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			comp[w] = label
			if w == v {
				break
			}
		}
		label++
	}
	for _, name := range t.order {
		if _, seen := index[name]; !seen {
			connect(name)
		}
	}
	return comp
}
