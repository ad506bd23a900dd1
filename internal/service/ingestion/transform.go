package ingestion

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"duck-ingest/internal/domain"
)

const (
	defaultTransformMaxSteps = uint64(100_000)
	defaultTransformTimeout  = time.Second
	maxTransformScriptBytes  = 256 * 1024
	transformFunc            = "transform"
)

// TransformerFunc adapts a function to domain.Transformer.
type TransformerFunc func(ctx context.Context, row domain.RawRow) (*domain.RawRow, error)

// Transform calls f.
func (f TransformerFunc) Transform(ctx context.Context, row domain.RawRow) (*domain.RawRow, error) {
	return f(ctx, row)
}

// StarlarkTransformer applies a Starlark rule script to each row. The
// script defines transform(row), receiving a dict of column values and
// returning a dict (the new row) or None (drop the row). Module globals are
// frozen after loading, so a script cannot carry state between rows.
type StarlarkTransformer struct {
	fn       starlark.Callable
	maxSteps uint64
	timeout  time.Duration
}

var _ domain.Transformer = (*StarlarkTransformer)(nil)

// NewStarlarkTransformer compiles src.
func NewStarlarkTransformer(name, src string) (*StarlarkTransformer, error) {
	if len(src) > maxTransformScriptBytes {
		return nil, domain.ErrValidation("transform script %q exceeds %d bytes", name, maxTransformScriptBytes)
	}
	t := &StarlarkTransformer{maxSteps: defaultTransformMaxSteps, timeout: defaultTransformTimeout}

	thread := &starlark.Thread{Name: "load-transform"}
	thread.SetMaxExecutionSteps(t.maxSteps)
	var globals starlark.StringDict
	if err := runWithTimeout(thread, t.timeout, func() error {
		loaded, err := starlark.ExecFileOptions(&syntax.FileOptions{}, thread, name, src, nil)
		if err != nil {
			return err
		}
		globals = loaded
		return nil
	}); err != nil {
		return nil, domain.ErrValidation("load transform script %q: %v", name, err)
	}
	globals.Freeze()

	fn, ok := globals[transformFunc].(starlark.Callable)
	if !ok {
		return nil, domain.ErrValidation("transform script %q must define %s(row)", name, transformFunc)
	}
	t.fn = fn
	return t, nil
}

// Transform runs the script on row.
func (t *StarlarkTransformer) Transform(_ context.Context, row domain.RawRow) (*domain.RawRow, error) {
	in := starlark.NewDict(len(row.Columns))
	for _, c := range row.Columns {
		if err := in.SetKey(starlark.String(c), toStarlark(row.Get(c))); err != nil {
			return nil, fmt.Errorf("build row dict: %w", err)
		}
	}

	thread := &starlark.Thread{Name: "transform-row"}
	thread.SetMaxExecutionSteps(t.maxSteps)
	var result starlark.Value
	if err := runWithTimeout(thread, t.timeout, func() error {
		v, err := starlark.Call(thread, t.fn, starlark.Tuple{in}, nil)
		if err != nil {
			return err
		}
		result = v
		return nil
	}); err != nil {
		return nil, domain.NewPipelineError(domain.CategoryConversion, domain.SeverityLow, "transform", err)
	}

	if result == starlark.None {
		return nil, nil
	}
	dict, ok := result.(*starlark.Dict)
	if !ok {
		return nil, domain.ErrValidation("transform must return a dict or None, got %s", result.Type())
	}
	return fromStarlarkDict(row.Columns, dict)
}

// fromStarlarkDict keeps surviving columns in their original order and
// appends new ones in insertion order.
func fromStarlarkDict(original []string, d *starlark.Dict) (*domain.RawRow, error) {
	values := make(map[string]domain.Value, d.Len())
	keys := make([]string, 0, d.Len())
	for _, item := range d.Items() {
		k, ok := starlark.AsString(item[0])
		if !ok {
			return nil, domain.ErrValidation("transform returned non-string key %s", item[0].String())
		}
		v, err := fromStarlark(item[1])
		if err != nil {
			return nil, domain.ErrValidation("column %q: %v", k, err)
		}
		values[k] = v
		keys = append(keys, k)
	}

	columns := make([]string, 0, len(keys))
	for _, c := range original {
		if _, ok := values[c]; ok {
			columns = append(columns, c)
		}
	}
	known := make(map[string]bool, len(original))
	for _, c := range original {
		known[c] = true
	}
	for _, k := range keys {
		if !known[k] {
			columns = append(columns, k)
		}
	}
	return &domain.RawRow{Columns: columns, Values: values}, nil
}

func toStarlark(v domain.Value) starlark.Value {
	switch v.Kind {
	case domain.KindString:
		return starlark.String(v.Str)
	case domain.KindNumber:
		if v.Num == math.Trunc(v.Num) && math.Abs(v.Num) < 1<<53 {
			return starlark.MakeInt64(int64(v.Num))
		}
		return starlark.Float(v.Num)
	case domain.KindBool:
		return starlark.Bool(v.Bool)
	case domain.KindTime:
		return starlark.String(v.Time.Format(time.RFC3339Nano))
	default:
		return starlark.None
	}
}

func fromStarlark(v starlark.Value) (domain.Value, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return domain.NullValue(), nil
	case starlark.String:
		return domain.StringValue(string(x)), nil
	case starlark.Bool:
		return domain.BoolValue(bool(x)), nil
	case starlark.Int:
		f, _ := starlark.AsFloat(x)
		return domain.NumberValue(f), nil
	case starlark.Float:
		return domain.NumberValue(float64(x)), nil
	default:
		return domain.Value{}, fmt.Errorf("unsupported value type %s", v.Type())
	}
}

func runWithTimeout(thread *starlark.Thread, timeout time.Duration, fn func() error) error {
	if timeout <= 0 {
		return fn()
	}
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		thread.Cancel("transform timed out")
		if err := <-done; err != nil {
			return fmt.Errorf("timed out after %s: %w", timeout, err)
		}
		return fmt.Errorf("timed out after %s", timeout)
	}
}
