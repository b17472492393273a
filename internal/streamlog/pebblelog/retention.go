package pebblelog

import (
	"context"
	"sync"
	"time"

	"github.com/rzbill/flostream/internal/eventlog"
	logpkg "github.com/rzbill/flostream/pkg/log"
)

// Retention bounds what a partition keeps. Zero values disable a bound.
type Retention struct {
	MaxAge        time.Duration
	MaxBytes      int64
	CheckInterval time.Duration
	// BatchLimit caps deletes per pebble batch.
	BatchLimit int
}

// Enabled reports whether any bound is set.
func (r Retention) Enabled() bool { return r.MaxAge > 0 || r.MaxBytes > 0 }

type janitor struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func startJanitor(s *Store, r Retention) *janitor {
	if r.CheckInterval <= 0 {
		r.CheckInterval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &janitor{cancel: cancel}
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		t := time.NewTicker(r.CheckInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := s.Retain(ctx, r); err != nil && ctx.Err() == nil {
					s.logger.Warn("retention pass failed", logpkg.Err(err))
				}
			}
		}
	}()
	return j
}

func (j *janitor) stop() {
	j.cancel()
	j.wg.Wait()
}

// Retain runs one retention pass over every partition and returns the number
// of entries removed.
func (s *Store) Retain(ctx context.Context, r Retention) (int, error) {
	s.mu.RLock()
	var parts []*eventlog.Log
	for _, l := range s.logs {
		parts = append(parts, l.parts...)
	}
	s.mu.RUnlock()

	total := 0
	for _, el := range parts {
		if r.MaxAge > 0 {
			cutoff := time.Now().Add(-r.MaxAge).UnixMilli()
			n, _, err := el.TrimOlderThan(ctx, cutoff, r.BatchLimit, 0, nil)
			total += n
			if err != nil {
				return total, err
			}
		}
		if r.MaxBytes > 0 {
			n, err := el.TrimToMaxBytes(ctx, r.MaxBytes, r.BatchLimit, 0)
			total += n
			if err != nil {
				return total, err
			}
		}
	}
	if total > 0 {
		s.logger.Debug("retention pass", logpkg.Int("trimmed", total))
	}
	return total, nil
}
