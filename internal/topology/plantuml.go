package topology

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Sizing reports the runtime shape rendered next to each node.
type Sizing interface {
	Concurrency(computation string) int
	Partitions(stream string) int
}

var aliasUnsafe = regexp.MustCompile(`[^A-Za-z0-9_]`)

func alias(n Node) string {
	prefix := "c_"
	if n.Kind == KindStream {
		prefix = "s_"
	}
	return prefix + aliasUnsafe.ReplaceAllString(n.Name, "_")
}

func (t *Topology) sortedNodes() []Node {
	out := make([]Node, 0, len(t.nodes))
	for n := range t.nodes {
		out = append(out, n)
	}
	slices.SortFunc(out, compareNodes)
	return out
}

// PlantUML renders the topology as a PlantUML diagram. With a nil sizing
// the concurrency and partition counts are left out.
func (t *Topology) PlantUML(sizing Sizing) string {
	var b strings.Builder
	b.WriteString("@startuml\n")
	for _, n := range t.sortedNodes() {
		label := n.Name
		switch n.Kind {
		case KindComputation:
			if sizing != nil {
				label = fmt.Sprintf("%s x%d", n.Name, sizing.Concurrency(n.Name))
			}
			fmt.Fprintf(&b, "rectangle %q as %s\n", label, alias(n))
		case KindStream:
			if sizing != nil {
				label = fmt.Sprintf("%s [%d]", n.Name, sizing.Partitions(n.Name))
			}
			fmt.Fprintf(&b, "queue %q as %s\n", label, alias(n))
		}
	}
	for _, n := range t.sortedNodes() {
		children := slices.Clone(t.children[n])
		slices.SortFunc(children, compareNodes)
		for _, c := range children {
			fmt.Fprintf(&b, "%s ==> %s\n", alias(n), alias(c))
		}
	}
	b.WriteString("@enduml\n")
	return b.String()
}
