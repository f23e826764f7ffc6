package filter

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	terrors "github.com/arkilian/tracequery/internal/errors"
)

// Node is a boolean node of the filter tree.
type Node interface {
	Eval(row Row) (bool, error)
	String() string
	Clone() Node
}

// Operand is an arithmetic node producing a Value.
type Operand interface {
	Value(row Row) (Value, error)
	String() string
	Clone() Operand
}

// CompareOp is a comparison operator of a condition.
type CompareOp int

const (
	OpEq CompareOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpLike
)

var compareOpNames = [...]string{"=", "!=", "<", "<=", ">", ">=", "LIKE"}

func (op CompareOp) String() string {
	if int(op) < len(compareOpNames) {
		return compareOpNames[op]
	}
	return "?"
}

// AndNode is a logical conjunction.
type AndNode struct {
	Left, Right Node
}

func (n *AndNode) Eval(row Row) (bool, error) {
	l, err := n.Left.Eval(row)
	if err != nil || !l {
		return false, err
	}
	return n.Right.Eval(row)
}

func (n *AndNode) String() string {
	return "(" + n.Left.String() + " AND " + n.Right.String() + ")"
}

func (n *AndNode) Clone() Node { return &AndNode{Left: n.Left.Clone(), Right: n.Right.Clone()} }

// OrNode is a logical disjunction.
type OrNode struct {
	Left, Right Node
}

func (n *OrNode) Eval(row Row) (bool, error) {
	l, err := n.Left.Eval(row)
	if err != nil {
		return false, err
	}
	if l {
		return true, nil
	}
	return n.Right.Eval(row)
}

func (n *OrNode) String() string {
	return "(" + n.Left.String() + " OR " + n.Right.String() + ")"
}

func (n *OrNode) Clone() Node { return &OrNode{Left: n.Left.Clone(), Right: n.Right.Clone()} }

// NotNode negates its operand.
type NotNode struct {
	Operand Node
}

func (n *NotNode) Eval(row Row) (bool, error) {
	v, err := n.Operand.Eval(row)
	if err != nil {
		return false, err
	}
	return !v, nil
}

func (n *NotNode) String() string { return "NOT " + n.Operand.String() }

func (n *NotNode) Clone() Node { return &NotNode{Operand: n.Operand.Clone()} }

// Condition compares two arithmetic operands.
type Condition struct {
	Left, Right Operand
	Op          CompareOp
	// Negate is set for NOT LIKE.
	Negate bool
}

// Eval applies the comparison. Two numbers compare numerically, two strings
// support equality and inequality only, and any other combination is false.
// LIKE requires two strings.
func (c *Condition) Eval(row Row) (bool, error) {
	lhs, err := c.Left.Value(row)
	if err != nil {
		return false, err
	}
	rhs, err := c.Right.Value(row)
	if err != nil {
		return false, err
	}

	if c.Op == OpLike {
		if !lhs.IsString() || !rhs.IsString() {
			return false, terrors.Newf(terrors.ErrCategoryExecution, terrors.CodeTypeMismatch,
				"LIKE requires string operands, got %s and %s", lhs, rhs)
		}
		m, err := MatchLike(lhs.Text(), rhs.Text())
		if err != nil {
			return false, err
		}
		return m != c.Negate, nil
	}

	switch {
	case !lhs.IsString() && !rhs.IsString():
		l, r := lhs.Float(), rhs.Float()
		switch c.Op {
		case OpEq:
			return l == r, nil
		case OpNe:
			return l != r, nil
		case OpLt:
			return l < r, nil
		case OpLe:
			return l <= r, nil
		case OpGt:
			return l > r, nil
		case OpGe:
			return l >= r, nil
		}
	case lhs.IsString() && rhs.IsString():
		switch c.Op {
		case OpEq:
			return lhs.Text() == rhs.Text(), nil
		case OpNe:
			return lhs.Text() != rhs.Text(), nil
		}
	}
	return false, nil
}

func (c *Condition) String() string {
	op := c.Op.String()
	if c.Negate {
		op = "NOT " + op
	}
	return c.Left.String() + " " + op + " " + c.Right.String()
}

func (c *Condition) Clone() Node {
	return &Condition{Left: c.Left.Clone(), Right: c.Right.Clone(), Op: c.Op, Negate: c.Negate}
}

// NumberLiteral is a numeric constant.
type NumberLiteral struct {
	Val float64
}

func (n *NumberLiteral) Value(Row) (Value, error) { return Num(n.Val), nil }

func (n *NumberLiteral) String() string { return strconv.FormatFloat(n.Val, 'g', -1, 64) }

func (n *NumberLiteral) Clone() Operand { return &NumberLiteral{Val: n.Val} }

// StringLiteral is a string constant.
type StringLiteral struct {
	Val string
}

func (s *StringLiteral) Value(Row) (Value, error) { return Str(s.Val), nil }

func (s *StringLiteral) String() string {
	return "'" + strings.ReplaceAll(s.Val, "'", "''") + "'"
}

func (s *StringLiteral) Clone() Operand { return &StringLiteral{Val: s.Val} }

// ColumnRef reads a column of the row.
type ColumnRef struct {
	Name string
}

func (c *ColumnRef) Value(row Row) (Value, error) {
	v, ok := row.Lookup(c.Name)
	if !ok {
		return Value{}, terrors.Newf(terrors.ErrCategoryExecution, terrors.CodeUnknownColumn,
			"unknown column %q", c.Name)
	}
	return v, nil
}

func (c *ColumnRef) String() string { return c.Name }

func (c *ColumnRef) Clone() Operand { return &ColumnRef{Name: c.Name} }

// ArithOp is an arithmetic operator.
type ArithOp byte

const (
	ArithAdd ArithOp = '+'
	ArithSub ArithOp = '-'
	ArithMul ArithOp = '*'
	ArithDiv ArithOp = '/'
	ArithMod ArithOp = '%'
)

// Arithmetic combines two numeric operands.
type Arithmetic struct {
	Op          ArithOp
	Left, Right Operand
}

// Value computes the result. Division or modulo by zero yields 0. Modulo
// truncates both sides to unsigned integers first.
func (a *Arithmetic) Value(row Row) (Value, error) {
	lv, err := a.Left.Value(row)
	if err != nil {
		return Value{}, err
	}
	rv, err := a.Right.Value(row)
	if err != nil {
		return Value{}, err
	}
	if lv.IsString() || rv.IsString() {
		return Value{}, terrors.Newf(terrors.ErrCategoryExecution, terrors.CodeTypeMismatch,
			"arithmetic %c on non-numeric operand", a.Op)
	}
	l, r := lv.Float(), rv.Float()
	switch a.Op {
	case ArithAdd:
		return Num(l + r), nil
	case ArithSub:
		return Num(l - r), nil
	case ArithMul:
		return Num(l * r), nil
	case ArithDiv:
		if r == 0 {
			return Num(0), nil
		}
		return Num(l / r), nil
	case ArithMod:
		ri := toUnsigned(r)
		if ri == 0 {
			return Num(0), nil
		}
		return Num(float64(toUnsigned(l) % ri)), nil
	}
	return Value{}, fmt.Errorf("unknown arithmetic operator %c", a.Op)
}

func (a *Arithmetic) String() string {
	return "(" + a.Left.String() + " " + string(a.Op) + " " + a.Right.String() + ")"
}

func (a *Arithmetic) Clone() Operand {
	return &Arithmetic{Op: a.Op, Left: a.Left.Clone(), Right: a.Right.Clone()}
}

func toUnsigned(f float64) uint64 {
	if f <= 0 || math.IsNaN(f) {
		return 0
	}
	if f >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(f)
}
