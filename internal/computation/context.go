package computation

import (
	"maps"
	"slices"

	"github.com/juju/clock"

	"github.com/rzbill/flostream/internal/record"
	"github.com/rzbill/flostream/internal/streamlog"
	"github.com/rzbill/flostream/internal/watermark"
	logpkg "github.com/rzbill/flostream/pkg/log"
)

// Context is what a computation sees of its runner.
type Context interface {
	// ProduceRecord buffers rec for the output slot.
	ProduceRecord(output string, rec record.Record) error
	// SetTimer fires ProcessTimer(key) once timestampMs has passed. Setting
	// an existing key replaces it.
	SetTimer(key string, timestampMs int64)
	AskForCheckpoint()
	CancelAskForCheckpoint()
	AskForTermination()
	// SetSourceLowWatermark lets a source report its progress.
	SetSourceLowWatermark(w watermark.Watermark)
	Metadata() MappingMetadata
	Policy() Policy
	Clock() clock.Clock
	Logger() logpkg.Logger
}

// Produced is a buffered output.
type Produced struct {
	Output string
	Record record.Record
}

// BufferedContext is the runner side of a Context: it collects what the
// computation asked for until the runner drains it.
type BufferedContext struct {
	md     MappingMetadata
	policy Policy
	clock  clock.Clock
	logger logpkg.Logger

	outputs    []Produced
	timers     map[string]int64
	checkpoint bool
	terminate  bool
	sourceLow  watermark.Watermark
}

var _ Context = (*BufferedContext)(nil)

// NewBufferedContext returns a context for one worker of md.
func NewBufferedContext(md MappingMetadata, policy Policy, clk clock.Clock, logger logpkg.Logger) *BufferedContext {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = logpkg.NopLogger()
	}
	return &BufferedContext{md: md, policy: policy, clock: clk, logger: logger, timers: map[string]int64{}}
}

func (c *BufferedContext) ProduceRecord(output string, rec record.Record) error {
	if !slices.Contains(c.md.outputs, output) {
		return streamlog.InvalidArgumentf("computation %s has no output %s", c.md.Name(), output)
	}
	c.outputs = append(c.outputs, Produced{Output: output, Record: rec})
	return nil
}

func (c *BufferedContext) SetTimer(key string, timestampMs int64) { c.timers[key] = timestampMs }

func (c *BufferedContext) AskForCheckpoint()       { c.checkpoint = true }
func (c *BufferedContext) CancelAskForCheckpoint() { c.checkpoint = false }
func (c *BufferedContext) AskForTermination()      { c.terminate = true }

func (c *BufferedContext) SetSourceLowWatermark(w watermark.Watermark) { c.sourceLow = w }

func (c *BufferedContext) Metadata() MappingMetadata { return c.md }
func (c *BufferedContext) Policy() Policy            { return c.policy }
func (c *BufferedContext) Clock() clock.Clock        { return c.clock }
func (c *BufferedContext) Logger() logpkg.Logger     { return c.logger }

// RequireCheckpoint reports whether the computation asked for a checkpoint.
func (c *BufferedContext) RequireCheckpoint() bool { return c.checkpoint }

// RequireTerminate reports whether the computation asked to stop.
func (c *BufferedContext) RequireTerminate() bool { return c.terminate }

// SourceLowWatermark returns the last watermark set by a source.
func (c *BufferedContext) SourceLowWatermark() watermark.Watermark { return c.sourceLow }

// Outputs returns the records produced since the last Clear.
func (c *BufferedContext) Outputs() []Produced { return slices.Clone(c.outputs) }

// Timers returns a copy of the armed timers.
func (c *BufferedContext) Timers() map[string]int64 { return maps.Clone(c.timers) }

// DueTimers removes and returns the timers due at nowMs, earliest first.
func (c *BufferedContext) DueTimers(nowMs int64) []string {
	var due []string
	for k, ts := range c.timers {
		if ts <= nowMs {
			due = append(due, k)
		}
	}
	slices.SortFunc(due, func(a, b string) int {
		if d := c.timers[a] - c.timers[b]; d != 0 {
			if d < 0 {
				return -1
			}
			return 1
		}
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	})
	return due
}

// FireTimer removes key and returns its timestamp.
func (c *BufferedContext) FireTimer(key string) (int64, bool) {
	ts, ok := c.timers[key]
	delete(c.timers, key)
	return ts, ok
}

// ClearOutputs drops the buffered outputs once the runner appended them.
func (c *BufferedContext) ClearOutputs() { c.outputs = c.outputs[:0] }

// Clear drops outputs and the checkpoint request.
func (c *BufferedContext) Clear() {
	c.ClearOutputs()
	c.checkpoint = false
}
