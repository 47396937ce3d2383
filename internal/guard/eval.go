package guard

import (
	"fmt"
	"strings"
)

// Truthy implements the guard truthiness table: undefined, null, false,
// 0, and "" are falsy; everything else, including empty arrays and
// objects, is truthy.
func Truthy(v interface{}) bool {
	switch t := v.(type) {
	case Undefined:
		return false
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

// compare implements the relational and equality semantics: numeric
// comparisons coerce both sides to float64, string comparisons are
// byte-wise, undefined is falsy and unequal to every literal except
// that ctx.missing == null evaluates true (a boundary case called out
// explicitly for the sentinel), and cross-type comparisons between a
// number and a string are never equal.
func compare(op BinOp, l, r interface{}) (bool, error) {
	_, lUndef := l.(Undefined)
	_, rUndef := r.(Undefined)
	if lUndef || rUndef {
		return compareUndefined(op, l, r, lUndef, rUndef), nil
	}

	switch op {
	case OpEq:
		return valuesEqual(l, r), nil
	case OpNeq:
		return !valuesEqual(l, r), nil
	}

	lf, lIsNum := l.(float64)
	rf, rIsNum := r.(float64)
	if lIsNum && rIsNum {
		return numCompare(op, lf, rf), nil
	}
	ls, lIsStr := l.(string)
	rs, rIsStr := r.(string)
	if lIsStr && rIsStr {
		return strCompare(op, ls, rs), nil
	}
	// relational operator on incomparable types: neither side matches,
	// treat as always false.
	return false, nil
}

func compareUndefined(op BinOp, l, r interface{}, lUndef, rUndef bool) bool {
	// ctx.missing == null and null == ctx.missing both evaluate true;
	// this is the one exception to "undefined is unequal to all literals".
	otherIsNull := (lUndef && r == nil) || (rUndef && l == nil)
	bothUndef := lUndef && rUndef
	if otherIsNull || bothUndef {
		switch op {
		case OpEq:
			return true
		case OpNeq:
			return false
		default:
			return false
		}
	}
	switch op {
	case OpEq:
		return false
	case OpNeq:
		return true
	default:
		return false
	}
}

func valuesEqual(l, r interface{}) bool {
	lf, lIsNum := l.(float64)
	rf, rIsNum := r.(float64)
	if lIsNum && rIsNum {
		return lf == rf
	}
	ls, lIsStr := l.(string)
	rs, rIsStr := r.(string)
	if lIsStr && rIsStr {
		return ls == rs
	}
	lb, lIsBool := l.(bool)
	rb, rIsBool := r.(bool)
	if lIsBool && rIsBool {
		return lb == rb
	}
	if l == nil && r == nil {
		return true
	}
	// mismatched types (e.g. number vs string, or either side null
	// against a non-null literal) are always unequal.
	return false
}

func numCompare(op BinOp, l, r float64) bool {
	switch op {
	case OpLt:
		return l < r
	case OpLe:
		return l <= r
	case OpGt:
		return l > r
	case OpGe:
		return l >= r
	default:
		return false
	}
}

func strCompare(op BinOp, l, r string) bool {
	c := strings.Compare(l, r)
	switch op {
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGe:
		return c >= 0
	default:
		return false
	}
}

// Eval parses and evaluates expr against ctx in one call. Prefer Parse
// once and Eval the resulting Node repeatedly for guards checked on
// every transition attempt.
func Eval(expr string, ctx map[string]interface{}) (bool, error) {
	node, err := Parse(expr)
	if err != nil {
		return false, err
	}
	v, err := node.Eval(ctx)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

func errf(format string, args ...interface{}) error {
	return fmt.Errorf("guard: "+format, args...)
}
