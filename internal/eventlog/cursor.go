package eventlog

import (
	"encoding/binary"
	"errors"

	pebblestore "github.com/rzbill/flostream/internal/storage/pebble"
)

// CommitCursor stores the last consumed sequence for a group. Commits may move
// backwards: the latest commit wins.
func (l *Log) CommitCursor(group string, tok Token) error {
	return l.db.Set(KeyCursor(l.id, group, l.part), tok[:])
}

// GetCursor loads the current cursor token for a group/partition.
func (l *Log) GetCursor(group string) (Token, bool, error) {
	cur, err := l.db.Get(KeyCursor(l.id, group, l.part))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, err
	}
	if len(cur) < 8 {
		return Token{}, false, nil
	}
	return TokenFromSeq(binary.BigEndian.Uint64(cur[:8])), true, nil
}

// DeleteCursor forgets the group's position on this partition.
func (l *Log) DeleteCursor(group string) error {
	return l.db.Delete(KeyCursor(l.id, group, l.part))
}
