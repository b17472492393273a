package eventlog

import (
	"encoding/binary"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - log/{id}/p/{part_be4}/m
// - log/{id}/p/{part_be4}/e/{seq_be8}
// - log/{id}/c/{group}/{part_be4}
//
// Everything a log owns lives under KeyLogPrefix(id), so deleting a log is a
// single range delete. Log ids never contain '/'.

var (
	sep        = byte('/')
	logPrefix  = []byte("log/")
	partSeg    = []byte("/p/")
	cursorSeg  = []byte("/c/")
	metaSuffix = []byte("/m")
	entrySeg   = []byte("/e/")
)

func appendBE4(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// KeyLogPrefix is the prefix of every key owned by the log.
func KeyLogPrefix(logID string) []byte {
	k := make([]byte, 0, len(logID)+8)
	k = append(k, logPrefix...)
	k = append(k, logID...)
	k = append(k, sep)
	return k
}

func keyPartition(logID string, partition uint32) []byte {
	k := make([]byte, 0, len(logID)+32)
	k = append(k, logPrefix...)
	k = append(k, logID...)
	k = append(k, partSeg...)
	k = appendBE4(k, partition)
	return k
}

// KeyLogMeta builds the partition metadata key (lastSeq).
func KeyLogMeta(logID string, partition uint32) []byte {
	return append(keyPartition(logID, partition), metaSuffix...)
}

// KeyLogEntryPrefix is the prefix shared by all entries of a partition.
func KeyLogEntryPrefix(logID string, partition uint32) []byte {
	return append(keyPartition(logID, partition), entrySeg...)
}

// KeyLogEntry builds the entry key with a big-endian sequence for proper ordering.
func KeyLogEntry(logID string, partition uint32, seq uint64) []byte {
	return appendBE8(KeyLogEntryPrefix(logID, partition), seq)
}

// KeyCursorPrefix is the prefix of every group cursor of the log.
func KeyCursorPrefix(logID string) []byte {
	k := make([]byte, 0, len(logID)+8)
	k = append(k, logPrefix...)
	k = append(k, logID...)
	k = append(k, cursorSeg...)
	return k
}

// KeyCursor builds the durable cursor key for a group and partition.
func KeyCursor(logID, group string, partition uint32) []byte {
	k := KeyCursorPrefix(logID)
	k = append(k, group...)
	k = append(k, sep)
	k = appendBE4(k, partition)
	return k
}

// GroupFromCursorKey extracts the group of a key built by KeyCursor.
func GroupFromCursorKey(logID string, key []byte) (string, bool) {
	prefix := KeyCursorPrefix(logID)
	if len(key) < len(prefix)+5 {
		return "", false
	}
	return string(key[len(prefix) : len(key)-5]), true
}
