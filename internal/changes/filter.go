package changes

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// DefaultFilterExpr treats every file except the index files as significant
const DefaultFilterExpr = `!file.contains("index")`

// Filter is a compiled CEL expression over the variable `file` (string)
// deciding whether a changed file is significant
type Filter struct {
	expr string
	prg  cel.Program
}

// NewFilter compiles expr. An empty expr selects DefaultFilterExpr.
func NewFilter(expr string) (*Filter, error) {
	if expr == "" {
		expr = DefaultFilterExpr
	}

	env, err := cel.NewEnv(
		cel.Variable("file", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid significance expression %q: %w", expr, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build program for %q: %w", expr, err)
	}

	return &Filter{expr: expr, prg: prg}, nil
}

// Expr returns the source expression
func (f *Filter) Expr() string {
	return f.expr
}

// Match reports whether the changed file name is significant
func (f *Filter) Match(name string) (bool, error) {
	out, _, err := f.prg.Eval(map[string]any{"file": name})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate %q for %s: %w", f.expr, name, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, not bool", f.expr, out.Value())
	}
	return matched, nil
}
