package computation

import (
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	jsoniter "github.com/json-iterator/go"

	"github.com/rzbill/flostream/internal/record"
	"github.com/rzbill/flostream/internal/streamlog"
	"github.com/rzbill/flostream/internal/watermark"
)

// Predicate is a compiled CEL expression over a record. The expression sees
// key, data (bytes), text, json (the data parsed as JSON, or null),
// headers, watermark, ts_ms (the watermark timestamp) and now_ms.
// A Predicate is safe for concurrent use.
type Predicate struct {
	expr string
	prog cel.Program
}

// CompilePredicate compiles expr. An empty expression matches everything.
func CompilePredicate(expr string) (*Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Predicate{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("key", cel.StringType),
		cel.Variable("data", cel.BytesType),
		cel.Variable("text", cel.StringType),
		cel.Variable("json", cel.DynType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("watermark", cel.IntType),
		cel.Variable("ts_ms", cel.IntType),
		cel.Variable("now_ms", cel.IntType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, streamlog.InvalidArgumentf("filter %q: %v", expr, iss.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, streamlog.InvalidArgumentf("filter %q must be a bool expression, got %s", expr, ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, streamlog.InvalidArgumentf("filter %q: %v", expr, err)
	}
	return &Predicate{expr: expr, prog: prog}, nil
}

func (p *Predicate) String() string { return p.expr }

// Match evaluates the predicate. Evaluation errors count as no match.
func (p *Predicate) Match(rec record.Record) bool {
	if p.prog == nil {
		return true
	}
	var doc any
	if len(rec.Data) > 0 {
		_ = jsoniter.Unmarshal(rec.Data, &doc)
	}
	data := rec.Data
	if data == nil {
		data = []byte{}
	}
	headers := rec.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	out, _, err := p.prog.Eval(map[string]any{
		"key":       rec.Key,
		"data":      data,
		"text":      string(rec.Data),
		"json":      doc,
		"headers":   headers,
		"watermark": rec.Watermark,
		"ts_ms":     watermark.OfValue(rec.Watermark).Timestamp(),
		"now_ms":    time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
