package pebblelog

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/juju/errors"

	"github.com/rzbill/flostream/internal/eventlog"
	pebblestore "github.com/rzbill/flostream/internal/storage/pebble"
	"github.com/rzbill/flostream/internal/streamlog"
	"github.com/rzbill/flostream/internal/streamlog/local"
	logpkg "github.com/rzbill/flostream/pkg/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var metaPrefix = []byte("meta/")

func keyMeta(id string) []byte { return append(append([]byte(nil), metaPrefix...), id...) }

type logMeta struct {
	URN        string `json:"urn"`
	Partitions int    `json:"partitions"`
	Codec      string `json:"codec,omitempty"`
	CreatedMs  int64  `json:"created_ms"`
}

type fileLog struct {
	info  local.LogInfo
	parts []*eventlog.Log
}

// Options configures Open.
type Options struct {
	Dir           string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Retention     Retention
	Logger        logpkg.Logger
	Metrics       pebblestore.MetricsHook
	// OnTrim is told about every range removed by retention.
	OnTrim eventlog.TrimHook
}

// Store implements local.Store on pebble.
type Store struct {
	db      *pebblestore.DB
	logger  logpkg.Logger
	onTrim  eventlog.TrimHook
	trimmed atomic.Int64

	mu   sync.RWMutex
	logs map[streamlog.Name]*fileLog

	janitor *janitor
}

var _ local.Store = (*Store)(nil)

// Open opens or creates the store in opts.Dir and starts the retention
// janitor when retention is configured.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NopLogger()
	}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       opts.Dir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Metrics:       opts.Metrics,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, logger: logger.WithComponent("pebblelog"), onTrim: opts.OnTrim, logs: make(map[streamlog.Name]*fileLog)}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if opts.Retention.Enabled() {
		s.janitor = startJanitor(s, opts.Retention)
	}
	return s, nil
}

// NewManager opens a store and wraps it in a manager.
func NewManager(opts Options, mopts ...local.Option) (*local.Manager, error) {
	s, err := Open(opts)
	if err != nil {
		return nil, err
	}
	return local.NewManager(s, mopts...), nil
}

func (s *Store) load() error {
	var metas [][]byte
	err := s.db.ScanPrefix(metaPrefix, func(_, v []byte) bool {
		metas = append(metas, append([]byte(nil), v...))
		return true
	})
	if err != nil {
		return errors.Annotate(err, "scan log metadata")
	}
	for _, raw := range metas {
		var meta logMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return errors.Annotate(err, "decode log metadata")
		}
		name, err := streamlog.NameOfURN(meta.URN)
		if err != nil {
			return err
		}
		l, err := s.openLog(local.LogInfo{Name: name, Partitions: meta.Partitions, Codec: meta.Codec})
		if err != nil {
			return err
		}
		s.logs[name] = l
	}
	s.logger.Debug("store opened", logpkg.Str("dir", s.db.Dir()), logpkg.Int("logs", len(s.logs)))
	return nil
}

func (s *Store) openLog(info local.LogInfo) (*fileLog, error) {
	l := &fileLog{info: info, parts: make([]*eventlog.Log, info.Partitions)}
	for i := range l.parts {
		el, err := eventlog.OpenLog(s.db, info.Name.ID(), uint32(i))
		if err != nil {
			return nil, errors.Annotatef(err, "open %s:%d", info.Name, i)
		}
		el.SetTrimHook(eventlog.TrimHookFunc(s.trimmedRange))
		l.parts[i] = el
	}
	return l, nil
}

func (s *Store) trimmedRange(logID string, partition uint32, minSeq, maxSeq uint64) {
	s.trimmed.Add(int64(maxSeq - minSeq + 1))
	if s.onTrim != nil {
		s.onTrim.TrimmedRange(logID, partition, minSeq, maxSeq)
	}
}

// Trimmed is the number of entries removed by retention since Open.
func (s *Store) Trimmed() int64 { return s.trimmed.Load() }

// DB exposes the pebble database.
func (s *Store) DB() *pebblestore.DB { return s.db }

func (s *Store) writeMeta(info local.LogInfo, createdMs int64) error {
	raw, err := json.Marshal(logMeta{URN: info.Name.URN(), Partitions: info.Partitions, Codec: info.Codec, CreatedMs: createdMs})
	if err != nil {
		return err
	}
	return s.db.Set(keyMeta(info.Name.ID()), raw)
}

func (s *Store) readMeta(name streamlog.Name) (logMeta, error) {
	var meta logMeta
	raw, err := s.db.Get(keyMeta(name.ID()))
	if err != nil {
		return meta, err
	}
	return meta, json.Unmarshal(raw, &meta)
}

func (s *Store) CreateLog(_ context.Context, name streamlog.Name, partitions int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[name]; ok {
		return false, nil
	}
	for other := range s.logs {
		if other.ID() == name.ID() {
			return false, streamlog.InvalidArgumentf("log %s collides with %s", name, other)
		}
	}
	info := local.LogInfo{Name: name, Partitions: partitions}
	if err := s.writeMeta(info, time.Now().UnixMilli()); err != nil {
		return false, err
	}
	l, err := s.openLog(info)
	if err != nil {
		return false, err
	}
	s.logs[name] = l
	return true, nil
}

func (s *Store) LogInfo(name streamlog.Name) (local.LogInfo, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[name]
	if !ok {
		return local.LogInfo{}, false, nil
	}
	return l.info, true, nil
}

func (s *Store) Logs() ([]local.LogInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]local.LogInfo, 0, len(s.logs))
	for _, l := range s.logs {
		out = append(out, l.info)
	}
	return out, nil
}

func (s *Store) SetCodec(name streamlog.Name, codec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[name]
	if !ok {
		return streamlog.InvalidArgumentf("unknown log %s", name)
	}
	meta, err := s.readMeta(name)
	if err != nil {
		return errors.Annotatef(err, "read metadata of %s", name)
	}
	l.info.Codec = codec
	return s.writeMeta(l.info, meta.CreatedMs)
}

// DeleteLog removes the log and its cursors. It refuses, with
// ErrIllegalState, when the key range holds entries this store did not write.
func (s *Store) DeleteLog(_ context.Context, name streamlog.Name) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[name]; !ok {
		return false, nil
	}
	id := name.ID()
	if err := s.checkOwned(id); err != nil {
		return false, err
	}
	prefix := eventlog.KeyLogPrefix(id)
	if err := s.db.DeleteRange(prefix, pebblestore.PrefixEnd(prefix)); err != nil {
		return false, errors.Annotatef(err, "delete %s", name)
	}
	if err := s.db.Delete(keyMeta(id)); err != nil {
		return false, errors.Annotatef(err, "delete metadata of %s", name)
	}
	delete(s.logs, name)
	s.logger.Info("log deleted", logpkg.Str("log", name.URN()))
	return true, nil
}

func (s *Store) checkOwned(id string) error {
	prefix := eventlog.KeyLogPrefix(id)
	partSeg := append(append([]byte(nil), prefix...), "p/"...)
	cursorSeg := eventlog.KeyCursorPrefix(id)
	var foreign []byte
	err := s.db.ScanPrefix(prefix, func(k, v []byte) bool {
		if bytes.HasPrefix(k, cursorSeg) {
			return true
		}
		if bytes.HasPrefix(k, partSeg) {
			rest := k[len(partSeg):]
			if len(rest) == 6 && string(rest[4:]) == "/m" {
				return true
			}
			if len(rest) == 15 && string(rest[4:7]) == "/e/" {
				if dec, ok := eventlog.DecodeRecord(v); ok {
					if _, _, ok := eventlog.DecodeHeader(dec.Header); ok {
						return true
					}
				}
			}
		}
		foreign = append([]byte(nil), k...)
		return false
	})
	if err != nil {
		return err
	}
	if foreign != nil {
		return streamlog.IllegalStatef("log %s holds foreign data at key %q", id, foreign)
	}
	return nil
}

func (s *Store) partition(p streamlog.Partition) (*eventlog.Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[p.Name]
	if !ok || p.Index < 0 || p.Index >= len(l.parts) {
		return nil, streamlog.InvalidArgumentf("unknown partition %s", p)
	}
	return l.parts[p.Index], nil
}

func (s *Store) Append(ctx context.Context, p streamlog.Partition, appendMs int64, codec string, payload []byte) (int64, error) {
	el, err := s.partition(p)
	if err != nil {
		return 0, err
	}
	seqs, err := el.Append(ctx, []eventlog.AppendRecord{{Header: eventlog.EncodeHeader(appendMs, codec), Payload: payload}})
	if err != nil {
		return 0, err
	}
	return int64(seqs[0]) - 1, nil
}

func (s *Store) Read(p streamlog.Partition, from int64, limit int) ([]local.Entry, error) {
	el, err := s.partition(p)
	if err != nil {
		return nil, err
	}
	if from < 0 {
		from = 0
	}
	items, _, err := el.Read(eventlog.ReadOptions{Start: eventlog.TokenFromSeq(uint64(from) + 1), Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]local.Entry, 0, len(items))
	for _, it := range items {
		pos := int64(it.Seq) - 1
		if it.Corrupt {
			return out, errors.Errorf("%s@%d: corrupt entry", p, pos)
		}
		ms, codec, ok := eventlog.DecodeHeader(it.Header)
		if !ok {
			return out, errors.Errorf("%s@%d: malformed header", p, pos)
		}
		out = append(out, local.Entry{Position: pos, AppendMs: ms, Codec: codec, Payload: it.Payload})
	}
	return out, nil
}

func (s *Store) Bounds(p streamlog.Partition) (int64, int64, error) {
	el, err := s.partition(p)
	if err != nil {
		return 0, 0, err
	}
	first, err := el.FirstSeq()
	if err != nil {
		return 0, 0, err
	}
	return int64(first) - 1, int64(el.LastSeq()), nil
}

func (s *Store) Changed(p streamlog.Partition) <-chan struct{} {
	el, err := s.partition(p)
	if err != nil {
		return nil
	}
	return el.Changed()
}

func (s *Store) Commit(_ context.Context, group streamlog.Name, p streamlog.Partition, position int64) error {
	el, err := s.partition(p)
	if err != nil {
		return err
	}
	return el.CommitCursor(group.URN(), eventlog.TokenFromSeq(uint64(position)))
}

func (s *Store) Committed(group streamlog.Name, p streamlog.Partition) (int64, bool, error) {
	el, err := s.partition(p)
	if err != nil {
		return 0, false, err
	}
	tok, ok, err := el.GetCursor(group.URN())
	if err != nil || !ok {
		return 0, false, err
	}
	return int64(tok.Seq()), true, nil
}

func (s *Store) DeleteCommit(group streamlog.Name, p streamlog.Partition) error {
	el, err := s.partition(p)
	if err != nil {
		return err
	}
	return el.DeleteCursor(group.URN())
}

func (s *Store) Groups(name streamlog.Name) ([]streamlog.Name, error) {
	id := name.ID()
	seen := map[string]bool{}
	var out []streamlog.Name
	var bad error
	err := s.db.ScanPrefix(eventlog.KeyCursorPrefix(id), func(k, _ []byte) bool {
		urn, ok := eventlog.GroupFromCursorKey(id, k)
		if !ok || seen[urn] {
			return true
		}
		seen[urn] = true
		g, err := streamlog.NameOfURN(urn)
		if err != nil {
			bad = err
			return false
		}
		out = append(out, g)
		return true
	})
	if err == nil {
		err = bad
	}
	return out, err
}

// Close stops the janitor and closes the database.
func (s *Store) Close() error {
	if s.janitor != nil {
		s.janitor.stop()
	}
	return s.db.Close()
}
