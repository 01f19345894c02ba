package executor

import (
	"github.com/lyzr/eyeflow/internal/ir"
)

// Truthy implements the spec's truthiness rule: null, absent, false, 0, "",
// [], {} are false; everything else is true (spec §4.1).
func Truthy(v ir.Value) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// asFloat coerces v to float64, reporting false if v is not numeric.
func asFloat(v ir.Value) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}

// EvalPredicate evaluates a register value against a Predicate's operator
// and comparison value (spec §4.1 "Predicate operators").
func EvalPredicate(p *ir.Predicate, value ir.Value, exists bool) bool {
	switch p.Operator {
	case ir.OpEq, ir.OpEqAlt:
		return valuesEqual(value, p.Value)
	case ir.OpNe, ir.OpNeAlt:
		return !valuesEqual(value, p.Value)
	case ir.OpTruthy:
		return Truthy(value)
	case ir.OpExists:
		return exists && value != nil
	case ir.OpLt, ir.OpLe, ir.OpGt, ir.OpGe:
		lhs, lok := asFloat(value)
		rhs, rok := asFloat(p.Value)
		if !lok || !rok {
			return false
		}
		switch p.Operator {
		case ir.OpLt:
			return lhs < rhs
		case ir.OpLe:
			return lhs <= rhs
		case ir.OpGt:
			return lhs > rhs
		case ir.OpGe:
			return lhs >= rhs
		}
		return false
	default:
		return false
	}
}

// valuesEqual compares two dynamic JSON values for == / != semantics,
// coercing numerics so that 3 == 3.0 regardless of which side came from a
// register vs a compiled-in literal.
func valuesEqual(a, b ir.Value) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	return a == b
}
