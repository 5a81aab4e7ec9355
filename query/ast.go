// Package query parses selection predicates such as
//
//	szStkCode = '000001' and (nPrice > 10.5 or cMarket = '0')
//
// into a typed expression tree. The grammar is
//
//	expr       = term { OR term }
//	term       = factor { AND factor }
//	factor     = "(" expr ")" | comparison
//	comparison = field op literal
//	op         = "=" | "<" | ">" | "<=" | ">="
//
// AND binds tighter than OR, keywords are case-insensitive, string literals are
// single-quoted with '' standing for a quote, and numeric literals are bare
// decimal numbers with an optional sign, fraction and exponent.
package query

import (
	"strconv"
	"strings"
)

type Op uint8

const (
	OpEq Op = iota + 1
	OpLt
	OpGt
	OpLe
	OpGe
)

var opStrings = [...]string{
	OpEq: "=",
	OpLt: "<",
	OpGt: ">",
	OpLe: "<=",
	OpGe: ">=",
}

func (op Op) String() string {
	if int(op) < len(opStrings) && opStrings[op] != "" {
		return opStrings[op]
	}
	return "op(" + strconv.Itoa(int(op)) + ")"
}

// Flip returns the operator that gives the same result with swapped operands.
func (op Op) Flip() Op {
	switch op {
	case OpLt:
		return OpGt
	case OpGt:
		return OpLt
	case OpLe:
		return OpGe
	case OpGe:
		return OpLe
	default:
		return op
	}
}

type LiteralKind uint8

const (
	String LiteralKind = iota + 1
	Int
	Uint  // integers above math.MaxInt64
	Float // has a fraction or an exponent
)

type Literal struct {
	Kind  LiteralKind
	Str   string
	Int   int64
	Uint  uint64
	Float float64
	Text  string // as written
}

func (l Literal) IsNumber() bool {
	return l.Kind == Int || l.Kind == Uint || l.Kind == Float
}

func (l Literal) String() string {
	if l.Kind == String {
		return "'" + strings.ReplaceAll(l.Str, "'", "''") + "'"
	}
	return l.Text
}

// Expr is one of *Compare, *And, *Or.
type Expr interface {
	String() string
	expr()
}

type Compare struct {
	Field string
	Op    Op
	Value Literal
	Pos   int // byte offset of the field name in the input
}

type And struct {
	Left, Right Expr
}

type Or struct {
	Left, Right Expr
}

func (*Compare) expr() {}
func (*And) expr()     {}
func (*Or) expr()      {}

func (c *Compare) String() string {
	return c.Field + " " + c.Op.String() + " " + c.Value.String()
}

func (e *And) String() string {
	return "(" + e.Left.String() + " AND " + e.Right.String() + ")"
}

func (e *Or) String() string {
	return "(" + e.Left.String() + " OR " + e.Right.String() + ")"
}

// Fields returns the distinct field names referenced by e, in order of first
// appearance.
func Fields(e Expr) []string {
	var result []string
	seen := make(map[string]bool)
	Walk(e, func(c *Compare) {
		if !seen[c.Field] {
			seen[c.Field] = true
			result = append(result, c.Field)
		}
	})
	return result
}

// Walk calls f for every comparison in e, left to right.
func Walk(e Expr, f func(c *Compare)) {
	switch e := e.(type) {
	case *Compare:
		f(e)
	case *And:
		Walk(e.Left, f)
		Walk(e.Right, f)
	case *Or:
		Walk(e.Left, f)
		Walk(e.Right, f)
	}
}
