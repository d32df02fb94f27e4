// Package shape evaluates the time-indexed bot-population shape
// expressions of spec.md §4.1: a textual arithmetic expression over the
// free variable t (seconds since simulation start), augmented with the
// rect/tri/step/trapz/costrapz population-shaping functions.
//
// It is grounded on original_source/src/simulation/shape.rs, which
// builds a meval::Context with the same five custom functions injected
// before parsing; govaluate's Functions map plays the same role here.
package shape

import (
	"fmt"
	"math"

	"github.com/Knetic/govaluate"
)

// Shape is a compiled shape expression. It is not safe for concurrent
// Eval calls: Eval reuses one params map, so only one goroutine at a
// time may evaluate a Shape (the scheduler owns exactly one Shape per
// model and never shares it).
type Shape struct {
	expr   *govaluate.EvaluableExpression
	params map[string]interface{}
}

var shapeFunctions = map[string]govaluate.ExpressionFunction{
	"rect": func(args ...interface{}) (interface{}, error) {
		t := args[0].(float64)
		if t >= 0 && t < 1 {
			return 1.0, nil
		}
		return 0.0, nil
	},
	"tri": func(args ...interface{}) (interface{}, error) {
		t := args[0].(float64)
		if t < 0 || t > 2 {
			return 0.0, nil
		}
		if t <= 1 {
			return t, nil
		}
		return 2 - t, nil
	},
	"step": func(args ...interface{}) (interface{}, error) {
		t := args[0].(float64)
		if t < 0 {
			return 0.0, nil
		}
		return 1.0, nil
	},
	"trapz": func(args ...interface{}) (interface{}, error) {
		return trapz(args[0].(float64), args[1].(float64), args[2].(float64)), nil
	},
	"costrapz": func(args ...interface{}) (interface{}, error) {
		return 1 - trapz(args[0].(float64), args[1].(float64), args[2].(float64)), nil
	},
	"ln":   unary(math.Log),
	"log2": unary(math.Log2),
	"exp":  unary(math.Exp),
	"sqrt": unary(math.Sqrt),
	"abs":  unary(math.Abs),
	"sin":  unary(math.Sin),
	"cos":  unary(math.Cos),
	"tan":  unary(math.Tan),
	"min": func(args ...interface{}) (interface{}, error) {
		return math.Min(args[0].(float64), args[1].(float64)), nil
	},
	"max": func(args ...interface{}) (interface{}, error) {
		return math.Max(args[0].(float64), args[1].(float64)), nil
	},
	"pow": func(args ...interface{}) (interface{}, error) {
		return math.Pow(args[0].(float64), args[1].(float64)), nil
	},
}

func unary(f func(float64) float64) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		return f(args[0].(float64)), nil
	}
}

// trapz is a trapezoid of total base B, top b, centred at 0, unit
// height: flat 1 inside the top width, linear ramp down to 0 at the
// base width, 0 outside.
func trapz(t, base, top float64) float64 {
	at := math.Abs(t)
	if at > base/2 {
		return 0
	}
	if at < top/2 {
		return 1
	}
	return (base/2 - at) / ((base - top) / 2)
}

// Compile parses a shape expression once. Parsing failure is fatal
// configuration error per spec.md §7 (herrors.Config at the call site).
func Compile(expr string) (*Shape, error) {
	e, err := govaluate.NewEvaluableExpressionWithFunctions(expr, shapeFunctions)
	if err != nil {
		return nil, fmt.Errorf("parse shape expression %q: %w", expr, err)
	}
	return &Shape{
		expr:   e,
		params: map[string]interface{}{"t": 0.0},
	}, nil
}

// Eval evaluates the compiled shape at time t seconds. The backing
// params map is reused across calls (only the "t" entry is overwritten)
// to keep the tick-loop hot path allocation-light, per spec.md §4.1 and
// the "allocation-free" requirement of spec.md §9.
func (s *Shape) Eval(t float64) (float64, error) {
	s.params["t"] = t
	result, err := s.expr.Evaluate(s.params)
	if err != nil {
		return 0, fmt.Errorf("evaluate shape at t=%g: %w", t, err)
	}
	v, ok := result.(float64)
	if !ok {
		return 0, fmt.Errorf("shape did not evaluate to a number at t=%g: got %T", t, result)
	}
	return v, nil
}

// TargetCount rounds a shape value down to a non-negative bot count,
// per spec.md §4.1 ("the scheduler rounds to max(0, floor(x))").
func TargetCount(value float64) int {
	if value <= 0 {
		return 0
	}
	return int(math.Floor(value))
}
