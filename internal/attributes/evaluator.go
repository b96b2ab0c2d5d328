package attributes

import (
	"fmt"
	"reflect"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mrzor/usdt-capture/internal/config"
	"github.com/mrzor/usdt-capture/internal/layout"
)

// Evaluator handles compilation and evaluation of custom attribute expressions.
type Evaluator struct {
	customAttrs   []config.CustomAttribute
	compiledExprs []*vm.Program
	log           logrus.FieldLogger
}

// NewEvaluator creates a new attribute evaluator.
// It pre-compiles all custom attribute expressions.
func NewEvaluator(customAttrs []config.CustomAttribute, log logrus.FieldLogger) (*Evaluator, error) {
	compiledExprs := make([]*vm.Program, len(customAttrs))
	for i, attr := range customAttrs {
		program, err := expr.Compile(attr.Expression, expr.Env(TypeEnv()))
		if err != nil {
			return nil, fmt.Errorf("compiling expression for attribute %q: %w", attr.Name, err)
		}
		compiledExprs[i] = program
	}

	return &Evaluator{
		customAttrs:   customAttrs,
		compiledExprs: compiledExprs,
		log:           log,
	}, nil
}

// EvaluateCustomAttributes evaluates custom attribute expressions for one event.
// An expression that fails is logged and skipped; the others still apply.
func (e *Evaluator) EvaluateCustomAttributes(ev *layout.TraceEvent) []attribute.KeyValue {
	if len(e.customAttrs) == 0 || ev == nil {
		return nil
	}

	env := Env(ev)
	var attrs []attribute.KeyValue
	for i, customAttr := range e.customAttrs {
		output, err := expr.Run(e.compiledExprs[i], env)
		if err != nil {
			e.log.WithError(err).WithField("attribute", customAttr.Name).Warn("Evaluating custom attribute failed")
			continue
		}

		// A map result expands into one attribute per key, with dot notation.
		outputValue := reflect.ValueOf(output)
		if outputValue.Kind() != reflect.Map {
			attrs = append(attrs, attribute.String(customAttr.Name, fmt.Sprint(output)))
			continue
		}
		for _, key := range outputValue.MapKeys() {
			attrName := customAttr.Name + "." + sanitizeAttributeName(fmt.Sprint(key.Interface()))
			attrs = append(attrs, attribute.String(attrName, fmt.Sprint(outputValue.MapIndex(key).Interface())))
		}
	}

	return attrs
}

// sanitizeAttributeName replaces non-alphanumeric characters with underscores.
func sanitizeAttributeName(name string) string {
	result := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			result[i] = c
		} else {
			result[i] = '_'
		}
	}
	return string(result)
}
