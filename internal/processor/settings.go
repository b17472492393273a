package processor

import (
	"maps"
	"time"

	"github.com/rzbill/flostream/internal/codec"
	"github.com/rzbill/flostream/internal/computation"
)

const DefaultCheckpointInterval = time.Second

// Settings sizes a processor: workers per computation, partitions per
// stream, and the policy and codec of each.
type Settings struct {
	concurrency        int
	partitions         int
	policy             computation.Policy
	codec              codec.Codec
	checkpointInterval time.Duration

	concurrencyOf map[string]int
	partitionsOf  map[string]int
	policyOf      map[string]computation.Policy
	codecOf       map[string]codec.Codec
}

// NewSettings uses concurrency workers per computation and partitions per
// stream unless overridden.
func NewSettings(concurrency, partitions int) *Settings {
	return &Settings{
		concurrency:        concurrency,
		partitions:         partitions,
		policy:             computation.DefaultPolicy,
		checkpointInterval: DefaultCheckpointInterval,
		concurrencyOf:      map[string]int{},
		partitionsOf:       map[string]int{},
		policyOf:           map[string]computation.Policy{},
		codecOf:            map[string]codec.Codec{},
	}
}

// WithCodec sets the default codec of every stream.
func (s *Settings) WithCodec(c codec.Codec) *Settings {
	s.codec = c
	return s
}

// WithPolicy sets the default policy of every computation.
func (s *Settings) WithPolicy(p computation.Policy) *Settings {
	s.policy = p
	return s
}

func (s *Settings) WithCheckpointInterval(d time.Duration) *Settings {
	s.checkpointInterval = d
	return s
}

func (s *Settings) SetConcurrency(computation string, n int) *Settings {
	s.concurrencyOf[computation] = n
	return s
}

func (s *Settings) SetPartitions(stream string, n int) *Settings {
	s.partitionsOf[stream] = n
	return s
}

func (s *Settings) SetPolicy(computation string, p computation.Policy) *Settings {
	s.policyOf[computation] = p
	return s
}

func (s *Settings) SetCodec(stream string, c codec.Codec) *Settings {
	s.codecOf[stream] = c
	return s
}

func (s *Settings) Concurrency(computation string) int {
	if n, ok := s.concurrencyOf[computation]; ok {
		return n
	}
	return s.concurrency
}

func (s *Settings) Partitions(stream string) int {
	if n, ok := s.partitionsOf[stream]; ok {
		return n
	}
	return s.partitions
}

func (s *Settings) Policy(computation string) computation.Policy {
	if p, ok := s.policyOf[computation]; ok {
		return p
	}
	return s.policy
}

// Codec returns the codec of stream; nil means the legacy encoding.
func (s *Settings) Codec(stream string) codec.Codec {
	if c, ok := s.codecOf[stream]; ok {
		return c
	}
	return s.codec
}

func (s *Settings) CheckpointInterval() time.Duration { return s.checkpointInterval }

// Clone returns an independent copy.
func (s *Settings) Clone() *Settings {
	c := *s
	c.concurrencyOf = maps.Clone(s.concurrencyOf)
	c.partitionsOf = maps.Clone(s.partitionsOf)
	c.policyOf = maps.Clone(s.policyOf)
	c.codecOf = maps.Clone(s.codecOf)
	return &c
}
