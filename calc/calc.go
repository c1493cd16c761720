// Package calc evaluates expression PVs computed from other PVs.
package calc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/timzifer/pvcore/driver"
	"github.com/timzifer/pvcore/pv"
)

// Source resolves the cached state of other PVs. driver.Registry satisfies it.
type Source interface {
	Peek(name string) (pv.Snapshot, error)
}

// Expression is a compiled calc expression.
//
// Expressions reference other PVs through pv("NAME"), which yields numeric
// scalars as float64 and other values unchanged, and severity("NAME"), which
// yields the alarm severity code.
type Expression struct {
	source  string
	program *vm.Program
	inputs  []string
}

// Compile parses and compiles src.
func Compile(src string) (*Expression, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, errors.New("calc expression must not be empty")
	}
	tree, err := parser.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse calc expression: %w", err)
	}
	collector := &inputCollector{seen: make(map[string]struct{})}
	ast.Walk(&tree.Node, collector)
	if collector.err != nil {
		return nil, collector.err
	}
	program, err := expr.Compile(src, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile calc expression: %w", err)
	}
	sort.Strings(collector.inputs)
	return &Expression{source: src, program: program, inputs: collector.inputs}, nil
}

// String returns the expression source.
func (e *Expression) String() string {
	return e.source
}

// Inputs returns the PV names referenced by the expression, sorted.
func (e *Expression) Inputs() []string {
	return append([]string(nil), e.inputs...)
}

// Eval runs the expression against the current state of src.
func (e *Expression) Eval(src Source) (interface{}, error) {
	env := map[string]interface{}{
		"pv": func(name string) interface{} {
			snap, err := src.Peek(name)
			if err != nil {
				panic(err)
			}
			if f, ok := pv.ToFloat(snap.Value); ok {
				return f
			}
			return snap.Value
		},
		"severity": func(name string) int {
			snap, err := src.Peek(name)
			if err != nil {
				panic(err)
			}
			return int(snap.Severity)
		},
		"clamp": func(v, lo, hi interface{}) float64 {
			return math.Max(number(lo), math.Min(number(hi), number(v)))
		},
	}
	out, err := expr.Run(e.program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", e.source, err)
	}
	if b, ok := out.(bool); ok {
		if b {
			return 1.0, nil
		}
		return 0.0, nil
	}
	return out, nil
}

func number(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	}
	if f, ok := pv.ToFloat(v); ok {
		return f
	}
	panic(fmt.Errorf("expected number, got %T", v))
}

// Reader adapts an expression to the driver read path.
type Reader struct {
	Expr   *Expression
	Source Source
}

// Read evaluates the expression. The PV name is unused.
func (r *Reader) Read(ctx context.Context, name string) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.Expr.Eval(r.Source)
}

// Write rejects client puts; a calc PV only follows its inputs.
func (r *Reader) Write(ctx context.Context, req *driver.WriteRequest) (driver.WriteResult, error) {
	return driver.Reject("calc pv is read-only"), nil
}

type inputCollector struct {
	seen   map[string]struct{}
	inputs []string
	err    error
}

func (c *inputCollector) Visit(node *ast.Node) {
	call, ok := (*node).(*ast.CallNode)
	if !ok {
		return
	}
	ident, ok := call.Callee.(*ast.IdentifierNode)
	if !ok || (ident.Value != "pv" && ident.Value != "severity") {
		return
	}
	if len(call.Arguments) != 1 {
		c.fail(fmt.Errorf("%s() expects exactly one argument", ident.Value))
		return
	}
	arg, ok := call.Arguments[0].(*ast.StringNode)
	if !ok {
		c.fail(fmt.Errorf("%s() requires a string literal PV name", ident.Value))
		return
	}
	if _, dup := c.seen[arg.Value]; dup {
		return
	}
	c.seen[arg.Value] = struct{}{}
	c.inputs = append(c.inputs, arg.Value)
}

func (c *inputCollector) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}
