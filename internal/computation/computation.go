package computation

import "github.com/rzbill/flostream/internal/record"

// Computation is one node of a topology. A runner calls Init once, then
// ProcessRecord and ProcessTimer from a single goroutine, and Destroy when
// the worker stops.
type Computation interface {
	Metadata() Metadata
	Init(ctx Context) error
	ProcessRecord(ctx Context, input string, rec record.Record) error
	ProcessTimer(ctx Context, key string, timestampMs int64) error
	Destroy()
}

// Factory creates a fresh instance per worker.
type Factory func() Computation

// Base gives no-op Init, ProcessTimer and Destroy to embedding computations.
type Base struct {
	md Metadata
}

// NewBase returns a Base for a computation with the given slots.
func NewBase(name string, nbInputs, nbOutputs int) Base {
	return Base{md: NewMetadata(name, nbInputs, nbOutputs)}
}

func (b Base) Metadata() Metadata                      { return b.md }
func (Base) Init(Context) error                        { return nil }
func (Base) ProcessTimer(Context, string, int64) error { return nil }
func (Base) Destroy()                                  {}
