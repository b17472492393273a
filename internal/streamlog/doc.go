// Package streamlog defines the partitioned log contract shared by every
// backend: names, partitions, offsets, lag, and the Manager, Appender and
// Tailer interfaces.
//
// Positions are 0-based per partition. A group's committed position is the
// position of the next record to read, so a commit after reading record N
// stores N+1.
//
// Backends live in subpackages: local (memory and pebble stores) and
// kafkalog. logtest holds the contract suite every backend runs.
package streamlog
