package computation

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/rzbill/flostream/internal/streamlog"
)

const (
	inputPrefix  = "i"
	outputPrefix = "o"
)

// InputSlot returns the name of the n-th input, 1-based.
func InputSlot(n int) string { return inputPrefix + strconv.Itoa(n) }

// OutputSlot returns the name of the n-th output, 1-based.
func OutputSlot(n int) string { return outputPrefix + strconv.Itoa(n) }

// Metadata is the immutable shape of a computation.
type Metadata struct {
	name    string
	inputs  []string
	outputs []string
}

// NewMetadata describes a computation with nbInputs and nbOutputs slots.
func NewMetadata(name string, nbInputs, nbOutputs int) Metadata {
	md := Metadata{name: name}
	for i := 1; i <= nbInputs; i++ {
		md.inputs = append(md.inputs, InputSlot(i))
	}
	for i := 1; i <= nbOutputs; i++ {
		md.outputs = append(md.outputs, OutputSlot(i))
	}
	return md
}

func (m Metadata) Name() string      { return m.name }
func (m Metadata) Inputs() []string  { return slices.Clone(m.inputs) }
func (m Metadata) Outputs() []string { return slices.Clone(m.outputs) }
func (m Metadata) IsSource() bool    { return len(m.inputs) == 0 }
func (m Metadata) IsSink() bool      { return len(m.outputs) == 0 }

func (m Metadata) String() string {
	return fmt.Sprintf("%s(in=%v, out=%v)", m.name, m.inputs, m.outputs)
}

// MappingMetadata binds every slot of a Metadata to a stream.
type MappingMetadata struct {
	Metadata
	toStream map[string]string
	toSlot   map[string]string
}

// ParseMapping splits "i1:stream" into its slot and stream.
func ParseMapping(mapping string) (slot, stream string, err error) {
	slot, stream, ok := strings.Cut(mapping, ":")
	if !ok || stream == "" || len(slot) < 2 {
		return "", "", streamlog.InvalidArgumentf("malformed mapping %q, want i<n>:<stream> or o<n>:<stream>", mapping)
	}
	if slot[:1] != inputPrefix && slot[:1] != outputPrefix {
		return "", "", streamlog.InvalidArgumentf("malformed slot in mapping %q", mapping)
	}
	if n, err := strconv.Atoi(slot[1:]); err != nil || n < 1 {
		return "", "", streamlog.InvalidArgumentf("malformed slot index in mapping %q", mapping)
	}
	if _, err := streamlog.NameOfURN(stream); err != nil {
		return "", "", err
	}
	return slot, stream, nil
}

// NewMappingMetadata binds md's slots with "i<n>:<stream>" and
// "o<n>:<stream>" mappings. Every slot must be mapped exactly once and only
// declared slots may be mapped.
func NewMappingMetadata(md Metadata, mappings []string) (MappingMetadata, error) {
	mm := MappingMetadata{Metadata: md, toStream: map[string]string{}, toSlot: map[string]string{}}
	declared := map[string]bool{}
	for _, s := range append(md.Inputs(), md.Outputs()...) {
		declared[s] = true
	}
	for _, m := range mappings {
		slot, stream, err := ParseMapping(m)
		if err != nil {
			return MappingMetadata{}, err
		}
		if !declared[slot] {
			return MappingMetadata{}, streamlog.InvalidArgumentf("computation %s has no slot %s", md.name, slot)
		}
		if _, dup := mm.toStream[slot]; dup {
			return MappingMetadata{}, streamlog.InvalidArgumentf("computation %s maps slot %s twice", md.name, slot)
		}
		mm.toStream[slot] = stream
		// an input and an output may share a stream name only in a self loop,
		// which the topology rejects; keep the input side for lookups
		if _, ok := mm.toSlot[stream]; !ok || slot[:1] == inputPrefix {
			mm.toSlot[stream] = slot
		}
	}
	for s := range declared {
		if _, ok := mm.toStream[s]; !ok {
			return MappingMetadata{}, streamlog.InvalidArgumentf("computation %s: slot %s is not mapped", md.name, s)
		}
	}
	return mm, nil
}

// Stream returns the stream bound to slot, or slot itself when unbound.
func (m MappingMetadata) Stream(slot string) string {
	if s, ok := m.toStream[slot]; ok {
		return s
	}
	return slot
}

// Slot returns the slot bound to stream, or stream itself when unbound.
func (m MappingMetadata) Slot(stream string) string {
	if s, ok := m.toSlot[stream]; ok {
		return s
	}
	return stream
}

// InputStreams lists the streams bound to the inputs, in slot order.
func (m MappingMetadata) InputStreams() []string {
	out := make([]string, 0, len(m.inputs))
	for _, s := range m.inputs {
		out = append(out, m.Stream(s))
	}
	return out
}

// OutputStreams lists the streams bound to the outputs, in slot order.
func (m MappingMetadata) OutputStreams() []string {
	out := make([]string, 0, len(m.outputs))
	for _, s := range m.outputs {
		out = append(out, m.Stream(s))
	}
	return out
}
