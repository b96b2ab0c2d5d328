// Package filter selects which captured events reach the sinks, using a boolean
// expr-lang expression over the event fields (see attributes.Env).
package filter

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/mrzor/usdt-capture/internal/attributes"
	"github.com/mrzor/usdt-capture/internal/layout"
)

// Filter is a compiled event predicate.
type Filter struct {
	program *vm.Program
	source  string
}

// New compiles source. The expression must evaluate to a bool, for example
//
//	method == "store" && event != "ok"
func New(source string) (*Filter, error) {
	program, err := expr.Compile(source, expr.Env(attributes.TypeEnv()), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compiling filter %q: %w", source, err)
	}
	return &Filter{program: program, source: source}, nil
}

// Match reports whether ev passes the filter.
func (f *Filter) Match(ev *layout.TraceEvent) (bool, error) {
	out, err := expr.Run(f.program, attributes.Env(ev))
	if err != nil {
		return false, fmt.Errorf("evaluating filter %q: %w", f.source, err)
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("filter %q returned %T, not bool", f.source, out)
	}
	return ok, nil
}

func (f *Filter) String() string {
	return f.source
}
