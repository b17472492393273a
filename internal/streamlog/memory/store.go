// Package memory is a streamlog backend keeping everything in process
// memory. Nothing survives Close.
package memory

import (
	"context"
	"sync"

	"github.com/rzbill/flostream/internal/streamlog"
	"github.com/rzbill/flostream/internal/streamlog/local"
)

type partition struct {
	mu      sync.RWMutex
	first   int64
	entries []local.Entry
	changed local.Signal
}

type memLog struct {
	info  local.LogInfo
	parts []*partition
}

type commitKey struct {
	group streamlog.Name
	index int
}

// Store implements local.Store in memory.
type Store struct {
	mu      sync.RWMutex
	logs    map[streamlog.Name]*memLog
	commits map[streamlog.Name]map[commitKey]int64
}

var _ local.Store = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		logs:    make(map[streamlog.Name]*memLog),
		commits: make(map[streamlog.Name]map[commitKey]int64),
	}
}

// NewManager returns a manager over a fresh in-memory store.
func NewManager(opts ...local.Option) *local.Manager {
	return local.NewManager(NewStore(), opts...)
}

func (s *Store) CreateLog(_ context.Context, name streamlog.Name, partitions int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[name]; ok {
		return false, nil
	}
	l := &memLog{info: local.LogInfo{Name: name, Partitions: partitions}, parts: make([]*partition, partitions)}
	for i := range l.parts {
		l.parts[i] = &partition{}
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
	l.info.Codec = codec
	return nil
}

func (s *Store) DeleteLog(_ context.Context, name streamlog.Name) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[name]; !ok {
		return false, nil
	}
	delete(s.logs, name)
	delete(s.commits, name)
	return true, nil
}

func (s *Store) partition(p streamlog.Partition) (*partition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[p.Name]
	if !ok || p.Index < 0 || p.Index >= len(l.parts) {
		return nil, streamlog.InvalidArgumentf("unknown partition %s", p)
	}
	return l.parts[p.Index], nil
}

func (s *Store) Append(_ context.Context, p streamlog.Partition, appendMs int64, codec string, payload []byte) (int64, error) {
	part, err := s.partition(p)
	if err != nil {
		return 0, err
	}
	part.mu.Lock()
	pos := part.first + int64(len(part.entries))
	part.entries = append(part.entries, local.Entry{
		Position: pos,
		AppendMs: appendMs,
		Codec:    codec,
		Payload:  append([]byte(nil), payload...),
	})
	part.mu.Unlock()
	part.changed.Broadcast()
	return pos, nil
}

func (s *Store) Read(p streamlog.Partition, from int64, limit int) ([]local.Entry, error) {
	part, err := s.partition(p)
	if err != nil {
		return nil, err
	}
	part.mu.RLock()
	defer part.mu.RUnlock()
	idx := from - part.first
	if idx < 0 {
		idx = 0
	}
	if idx >= int64(len(part.entries)) {
		return nil, nil
	}
	end := int64(len(part.entries))
	if limit > 0 && idx+int64(limit) < end {
		end = idx + int64(limit)
	}
	return append([]local.Entry(nil), part.entries[idx:end]...), nil
}

func (s *Store) Bounds(p streamlog.Partition) (int64, int64, error) {
	part, err := s.partition(p)
	if err != nil {
		return 0, 0, err
	}
	part.mu.RLock()
	defer part.mu.RUnlock()
	return part.first, part.first + int64(len(part.entries)), nil
}

func (s *Store) Changed(p streamlog.Partition) <-chan struct{} {
	part, err := s.partition(p)
	if err != nil {
		return nil
	}
	return part.changed.Wait()
}

// Truncate drops the entries of p below position, as retention would.
func (s *Store) Truncate(p streamlog.Partition, position int64) error {
	part, err := s.partition(p)
	if err != nil {
		return err
	}
	part.mu.Lock()
	defer part.mu.Unlock()
	n := position - part.first
	if n <= 0 {
		return nil
	}
	if n > int64(len(part.entries)) {
		n = int64(len(part.entries))
	}
	part.entries = append([]local.Entry(nil), part.entries[n:]...)
	part.first += n
	return nil
}

func (s *Store) Commit(_ context.Context, group streamlog.Name, p streamlog.Partition, position int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[p.Name]; !ok {
		return streamlog.InvalidArgumentf("unknown log %s", p.Name)
	}
	c := s.commits[p.Name]
	if c == nil {
		c = make(map[commitKey]int64)
		s.commits[p.Name] = c
	}
	c[commitKey{group, p.Index}] = position
	return nil
}

func (s *Store) Committed(group streamlog.Name, p streamlog.Partition) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.commits[p.Name][commitKey{group, p.Index}]
	return pos, ok, nil
}

func (s *Store) DeleteCommit(group streamlog.Name, p streamlog.Partition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.commits[p.Name], commitKey{group, p.Index})
	return nil
}

func (s *Store) Groups(name streamlog.Name) ([]streamlog.Name, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[streamlog.Name]bool{}
	var out []streamlog.Name
	for k := range s.commits[name] {
		if !seen[k.group] {
			seen[k.group] = true
			out = append(out, k.group)
		}
	}
	return out, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		for _, p := range l.parts {
			p.changed.Broadcast()
		}
	}
	clear(s.logs)
	clear(s.commits)
	return nil
}
