package guard

// Node is a parsed guard expression. Eval is pure, deterministic, and
// never suspends: it only inspects the ctx map passed to it.
type Node interface {
	Eval(ctx map[string]interface{}) (interface{}, error)
}

// Literal is a number (float64), string, bool, or nil (null).
type Literal struct {
	Value interface{}
}

func (l *Literal) Eval(_ map[string]interface{}) (interface{}, error) {
	return l.Value, nil
}

// Path resolves "ctx.a.b.c" against the instance context. Segments holds
// ["a", "b", "c"] (the leading "ctx" is implicit).
type Path struct {
	Segments []string
}

func (p *Path) Eval(ctx map[string]interface{}) (interface{}, error) {
	var cur interface{} = ctx
	for _, seg := range p.Segments {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return Undefined{}, nil
		}
		v, ok := m[seg]
		if !ok {
			return Undefined{}, nil
		}
		cur = v
	}
	return cur, nil
}

// UnaryNot negates the truthiness of X.
type UnaryNot struct {
	X Node
}

func (u *UnaryNot) Eval(ctx map[string]interface{}) (interface{}, error) {
	v, err := u.X.Eval(ctx)
	if err != nil {
		return nil, err
	}
	return !Truthy(v), nil
}

// BinOp identifies a comparison or boolean-combinator operator.
type BinOp string

const (
	OpEq  BinOp = "=="
	OpNeq BinOp = "!="
	OpLt  BinOp = "<"
	OpLe  BinOp = "<="
	OpGt  BinOp = ">"
	OpGe  BinOp = ">="
	OpAnd BinOp = "&&"
	OpOr  BinOp = "||"
)

// Binary is a two-operand node: a comparison or a short-circuiting
// boolean combinator.
type Binary struct {
	Op   BinOp
	L, R Node
}

func (b *Binary) Eval(ctx map[string]interface{}) (interface{}, error) {
	switch b.Op {
	case OpAnd:
		lv, err := b.L.Eval(ctx)
		if err != nil {
			return nil, err
		}
		if !Truthy(lv) {
			return false, nil
		}
		rv, err := b.R.Eval(ctx)
		if err != nil {
			return nil, err
		}
		return Truthy(rv), nil
	case OpOr:
		lv, err := b.L.Eval(ctx)
		if err != nil {
			return nil, err
		}
		if Truthy(lv) {
			return true, nil
		}
		rv, err := b.R.Eval(ctx)
		if err != nil {
			return nil, err
		}
		return Truthy(rv), nil
	default:
		lv, err := b.L.Eval(ctx)
		if err != nil {
			return nil, err
		}
		rv, err := b.R.Eval(ctx)
		if err != nil {
			return nil, err
		}
		return compare(b.Op, lv, rv)
	}
}

// Undefined is the sentinel result of resolving a missing ctx path.
type Undefined struct{}
