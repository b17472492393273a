// Package codec turns records into bytes and back. A codec is identified by
// its name, which logs persist to reject mismatched readers and writers.
package codec

import (
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"

	"github.com/rzbill/flostream/internal/record"
)

// Codec (de)serializes records.
type Codec interface {
	// Name identifies the wire format; it is persisted per log.
	Name() string
	Encode(r record.Record) ([]byte, error)
	Decode(b []byte) (record.Record, error)
}

const (
	LegacyName  = "legacy"
	JSONName    = "json"
	MsgpackName = "msgpack"
	ProtoName   = "proto"
	lz4Prefix   = "lz4+"
)

var (
	mu       sync.RWMutex
	registry = map[string]Codec{}
)

func init() {
	Register(Legacy)
	Register(JSON)
	Register(Msgpack)
	Register(Proto)
}

// Register makes c resolvable by ByName. Registering a name twice replaces it.
func Register(c Codec) {
	mu.Lock()
	defer mu.Unlock()
	registry[c.Name()] = c
}

// ByName resolves a registered codec, or "lz4+<name>" for a compressed one.
// The empty name resolves to nil, meaning "whatever the log already uses".
func ByName(name string) (Codec, error) {
	if name == "" {
		return nil, nil
	}
	if inner, ok := strings.CutPrefix(name, lz4Prefix); ok {
		c, err := ByName(inner)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, errors.NotValidf("codec %q", name)
		}
		return LZ4(c), nil
	}
	mu.RLock()
	defer mu.RUnlock()
	c, ok := registry[name]
	if !ok {
		return nil, errors.NotFoundf("codec %q", name)
	}
	return c, nil
}

// Names lists the registered codec names.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// NameOf returns c's name, or LegacyName for nil.
func NameOf(c Codec) string {
	if c == nil {
		return LegacyName
	}
	return c.Name()
}
