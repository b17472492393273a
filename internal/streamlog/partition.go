package streamlog

import (
	"cmp"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

// Partition is one partition of a log, the unit of tailer assignment.
type Partition struct {
	Name  Name
	Index int
}

func PartitionOf(name Name, index int) Partition { return Partition{Name: name, Index: index} }

// PartitionsOf lists the partitions 0..size-1 of name.
func PartitionsOf(name Name, size int) []Partition {
	out := make([]Partition, size)
	for i := range out {
		out[i] = Partition{Name: name, Index: i}
	}
	return out
}

func (p Partition) String() string { return p.Name.URN() + ":" + strconv.Itoa(p.Index) }

// ComparePartitions orders by log urn, then index.
func ComparePartitions(a, b Partition) int {
	if c := strings.Compare(a.Name.URN(), b.Name.URN()); c != 0 {
		return c
	}
	return cmp.Compare(a.Index, b.Index)
}

// PartitionFor hashes key (FNV-1a, 32 bits) onto one of n partitions.
func PartitionFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Offset is a position within a partition.
type Offset struct {
	Partition Partition
	Position  int64
}

func OffsetOf(p Partition, position int64) Offset { return Offset{Partition: p, Position: position} }

// Next is the offset right after o.
func (o Offset) Next() Offset { return Offset{Partition: o.Partition, Position: o.Position + 1} }

// Compare orders offsets by partition, then position.
func (o Offset) Compare(other Offset) int {
	if c := ComparePartitions(o.Partition, other.Partition); c != 0 {
		return c
	}
	return cmp.Compare(o.Position, other.Position)
}

func (o Offset) String() string { return fmt.Sprintf("%s@%d", o.Partition, o.Position) }
