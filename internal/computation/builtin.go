package computation

import (
	"strconv"
	"time"

	"github.com/rzbill/flostream/internal/record"
	"github.com/rzbill/flostream/internal/watermark"
)

var (
	_ Computation = (*Forward)(nil)
	_ Computation = (*Generator)(nil)
	_ Computation = (*Counter)(nil)
	_ Pending     = (*Counter)(nil)
)

// MapFunc transforms a record; returning false drops it.
type MapFunc func(ctx Context, rec record.Record) (record.Record, bool, error)

type mapComputation struct {
	Base
	fn MapFunc
}

// Map returns a factory of one input, one output computations applying fn.
func Map(name string, fn MapFunc) Factory {
	return func() Computation { return &mapComputation{Base: NewBase(name, 1, 1), fn: fn} }
}

func (m *mapComputation) ProcessRecord(ctx Context, _ string, rec record.Record) error {
	out, ok, err := m.fn(ctx, rec)
	if err != nil || !ok {
		return err
	}
	return ctx.ProduceRecord(OutputSlot(1), out)
}

type forEach struct {
	Base
	fn func(Context, record.Record) error
}

// ForEach returns a factory of sink computations calling fn per record.
func ForEach(name string, fn func(ctx Context, rec record.Record) error) Factory {
	return func() Computation { return &forEach{Base: NewBase(name, 1, 0), fn: fn} }
}

func (f *forEach) ProcessRecord(ctx Context, _ string, rec record.Record) error {
	return f.fn(ctx, rec)
}

// Filter returns a factory forwarding the records matching a CEL expression.
// The expression is compiled once and shared by every instance.
func Filter(name, expr string) (Factory, error) {
	p, err := CompilePredicate(expr)
	if err != nil {
		return nil, err
	}
	return Map(name, func(_ Context, rec record.Record) (record.Record, bool, error) {
		return rec, p.Match(rec), nil
	}), nil
}

// Forward copies every input record to every output.
type Forward struct {
	Base
}

func NewForward(name string, nbInputs, nbOutputs int) *Forward {
	return &Forward{Base: NewBase(name, nbInputs, nbOutputs)}
}

func (f *Forward) ProcessRecord(ctx Context, _ string, rec record.Record) error {
	for _, o := range f.md.outputs {
		if err := ctx.ProduceRecord(o, rec); err != nil {
			return err
		}
	}
	return nil
}

const generatorTimer = "generate"

// Generator is a source emitting count records, perTick at a time. Record
// keys are 1-based sequence numbers and watermarks end at targetMs.
type Generator struct {
	Base
	count, perTick int
	targetMs       int64
	emitted        int
}

func NewGenerator(name string, count, perTick int, targetMs int64) *Generator {
	if perTick < 1 {
		perTick = 1
	}
	return &Generator{Base: NewBase(name, 0, 1), count: count, perTick: perTick, targetMs: targetMs}
}

func (g *Generator) Init(ctx Context) error {
	if g.count <= 0 {
		ctx.AskForTermination()
		return nil
	}
	ctx.SetTimer(generatorTimer, ctx.Clock().Now().UnixMilli())
	return nil
}

func (g *Generator) ProcessTimer(ctx Context, key string, _ int64) error {
	if key != generatorTimer {
		return nil
	}
	var last watermark.Watermark
	for i := 0; i < g.perTick && g.emitted < g.count; i++ {
		g.emitted++
		w, err := watermark.OfTimestamp(g.targetMs - int64(g.count-g.emitted))
		if err != nil {
			return err
		}
		rec := record.New(strconv.Itoa(g.emitted), []byte("value"+strconv.Itoa(g.emitted))).WithWatermark(w)
		if err := ctx.ProduceRecord(OutputSlot(1), rec); err != nil {
			return err
		}
		last = w
	}
	ctx.SetSourceLowWatermark(last)
	ctx.AskForCheckpoint()
	if g.emitted >= g.count {
		ctx.AskForTermination()
		return nil
	}
	ctx.SetTimer(generatorTimer, ctx.Clock().Now().UnixMilli())
	return nil
}

// ProcessRecord is never called on a source.
func (g *Generator) ProcessRecord(Context, string, record.Record) error { return nil }

const counterTimer = "count"

// Counter counts its input records and emits the count every interval as
// the key of a record carrying the highest watermark seen.
type Counter struct {
	Base
	interval time.Duration
	count    int
	high     int64
}

func NewCounter(name string, interval time.Duration) *Counter {
	return &Counter{Base: NewBase(name, 1, 1), interval: interval}
}

func (c *Counter) Init(ctx Context) error {
	ctx.SetTimer(counterTimer, ctx.Clock().Now().Add(c.interval).UnixMilli())
	return nil
}

func (c *Counter) ProcessRecord(_ Context, _ string, rec record.Record) error {
	c.count++
	if rec.Watermark > c.high {
		c.high = rec.Watermark
	}
	return nil
}

func (c *Counter) ProcessTimer(ctx Context, key string, _ int64) error {
	if key != counterTimer {
		return nil
	}
	if c.count > 0 {
		out := record.New(strconv.Itoa(c.count), nil).WithWatermark(watermark.OfValue(c.high))
		if err := ctx.ProduceRecord(OutputSlot(1), out); err != nil {
			return err
		}
		c.count = 0
		ctx.AskForCheckpoint()
	}
	ctx.SetTimer(counterTimer, ctx.Clock().Now().Add(c.interval).UnixMilli())
	return nil
}

func (c *Counter) Pending() bool { return c.count > 0 }
