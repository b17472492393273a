package eventlog

import (
	"context"
	"time"
)

// Changed returns a channel closed by the next append.
func (l *Log) Changed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notifyCh
}

// WaitForAppend blocks until either a new append occurs or timeout elapses.
// It returns true if woken by an append, false on timeout.
func (l *Log) WaitForAppend(timeout time.Duration) bool {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return l.WaitForAppendContext(ctx)
}

// WaitForAppendContext is WaitForAppend bounded by ctx.
func (l *Log) WaitForAppendContext(ctx context.Context) bool {
	select {
	case <-l.Changed():
		return true
	case <-ctx.Done():
		return false
	}
}
