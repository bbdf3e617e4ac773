package filter

import (
	"reflect"
	"strings"

	"github.com/matte1782/edgevec/internal/metadata"
)

// Eval is total: for every AST and every metadata value (including one
// where the path is entirely absent), it returns a boolean, never an
// error. Path resolution yielding "absent" is not an error condition; each
// operator defines its own absent-handling rule below.
func Eval(n Node, value interface{}) bool {
	switch v := n.(type) {
	case *Const:
		return v.Value

	case *Not:
		return !Eval(v.Operand, value)

	case *And:
		for _, op := range v.Operands {
			if !Eval(op, value) {
				return false
			}
		}
		return true

	case *Or:
		for _, op := range v.Operands {
			if Eval(op, value) {
				return true
			}
		}
		return false

	case *Comparison:
		return evalComparison(v, value)

	default:
		return false
	}
}

func evalComparison(c *Comparison, value interface{}) bool {
	resolved, present := metadata.Resolve(value, c.Path)
	return evalResolved(c.Op, present, resolved, c.Value, c.Low, c.High, c.Values)
}

// evalResolved implements the operator semantics of §4.5 given an
// already-resolved left operand. It is shared by evalComparison (where the
// left operand comes from a metadata path lookup) and the parser's
// literal-vs-literal comparisons (e.g. "1 = 1" in a tautology filter, where
// there is no path to resolve and both operands are already values).
func evalResolved(op Op, present bool, resolved, value, low, high interface{}, values []interface{}) bool {
	switch op {
	case OpIsNull:
		return present && resolved == nil
	case OpIsNotNull:
		return present && resolved != nil
	}

	if !present {
		// A missing path is absent; every remaining operator is false on
		// absent input (including NOT IN, per spec: "still false if the
		// path is absent").
		return false
	}

	switch op {
	case OpEq:
		return valuesEqual(resolved, value)
	case OpNeq:
		return !valuesEqual(resolved, value)
	case OpLt, OpLte, OpGt, OpGte:
		return evalOrdering(op, resolved, value)
	case OpIn:
		for _, v := range values {
			if valuesEqual(resolved, v) {
				return true
			}
		}
		return false
	case OpNotIn:
		for _, v := range values {
			if valuesEqual(resolved, v) {
				return false
			}
		}
		return true
	case OpBetween:
		return evalBetween(resolved, low, high)
	case OpContains:
		return stringPredicate(resolved, value, strings.Contains)
	case OpStartsWith:
		return stringPredicate(resolved, value, strings.HasPrefix)
	case OpEndsWith:
		return stringPredicate(resolved, value, strings.HasSuffix)
	default:
		return false
	}
}

// valuesEqual implements the spec's "=" rule: strict type-match across
// scalars (string != number), with structural equality for arrays/objects.
func valuesEqual(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}

	af, aIsNum := toFloat64(a)
	bf, bIsNum := toFloat64(b)
	if aIsNum && bIsNum {
		return af == bf
	}

	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return as == bs
	}

	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool && bIsBool {
		return ab == bb
	}

	if aIsNum != bIsNum || aIsStr != bIsStr || aIsBool != bIsBool {
		return false // cross-type comparison never matches
	}

	return reflect.DeepEqual(a, b)
}

// evalOrdering implements <, <=, >, >=: numeric ordering on numeric values,
// lexicographic ordering on strings, false (not an error) on type mismatch.
func evalOrdering(op Op, resolved, literal interface{}) bool {
	if rf, ok := toFloat64(resolved); ok {
		if lf, ok := toFloat64(literal); ok {
			return compareOrdered(op, rf < lf, rf == lf, rf > lf)
		}
		return false
	}

	if rs, ok := resolved.(string); ok {
		if ls, ok := literal.(string); ok {
			return compareOrdered(op, rs < ls, rs == ls, rs > ls)
		}
		return false
	}

	return false
}

func compareOrdered(op Op, less, equal, greater bool) bool {
	switch op {
	case OpLt:
		return less
	case OpLte:
		return less || equal
	case OpGt:
		return greater
	case OpGte:
		return greater || equal
	default:
		return false
	}
}

func evalBetween(resolved, low, high interface{}) bool {
	rf, ok := toFloat64(resolved)
	if !ok {
		return false
	}
	lf, lok := toFloat64(low)
	hf, hok := toFloat64(high)
	if !lok || !hok {
		return false
	}
	if lf > hf {
		lf, hf = hf, lf
	}
	return rf >= lf && rf <= hf
}

func stringPredicate(resolved, literal interface{}, pred func(s, substr string) bool) bool {
	rs, ok := resolved.(string)
	if !ok {
		return false
	}
	ls, ok := literal.(string)
	if !ok {
		return false
	}
	return pred(rs, ls)
}

// toFloat64 converts the dynamically typed numeric representations that can
// appear in a parsed literal (int64, float64) or decoded metadata value
// (those plus the fixed-width Go numeric types a host might construct
// metadata with) into float64 for numeric comparison.
func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case float32:
		return float64(val), true
	case float64:
		return val, true
	default:
		return 0, false
	}
}
