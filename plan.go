package mmdb

import (
	"fmt"
	"slices"

	"github.com/andreyvit/mmdb/query"
)

// planNode is a compiled predicate. Nodes that can be answered from indexes
// produce their exact result set; the rest are evaluated against records.
type planNode interface {
	match(rec Record) bool
	// lookup returns the matching OIDs if the node can be answered from
	// indexes alone
	lookup() ([]OID, bool)
	String() string
}

type condNode struct {
	field int
	name  string
	op    query.Op
	key   Value
	never bool        // equality against a value the field cannot hold
	idx   *fieldIndex // nil when no index serves op
}

type andNode struct {
	left, right planNode
	need        []int
	ts          *typeState
	db          *DB
}

type orNode struct {
	left, right planNode
}

var opPredicates = [...]PredicateKind{
	query.OpEq: Equals,
	query.OpLt: Less,
	query.OpLe: LessOrEqual,
	query.OpGt: Greater,
	query.OpGe: GreaterOrEqual,
}

func (c *condNode) match(rec Record) bool {
	if c.never {
		return false
	}
	r := Compare(rec[c.field], c.key)
	switch c.op {
	case query.OpEq:
		return r == 0
	case query.OpLt:
		return r < 0
	case query.OpLe:
		return r <= 0
	case query.OpGt:
		return r > 0
	case query.OpGe:
		return r >= 0
	default:
		panic(fmt.Errorf("invalid op %v", c.op))
	}
}

func (c *condNode) lookup() ([]OID, bool) {
	if c.never {
		return nil, true
	}
	if c.idx == nil {
		return nil, false
	}
	return c.idx.lookup(nil, opPredicates[c.op], c.key, Value{}), true
}

func (c *condNode) String() string {
	var how string
	switch {
	case c.never:
		how = "none"
	case c.idx != nil:
		how = c.idx.desc.Index.String()
	default:
		how = "filter"
	}
	return fmt.Sprintf("%s %v %v [%s]", c.name, c.op, c.key, how)
}

func (n *andNode) match(rec Record) bool {
	return n.left.match(rec) && n.right.match(rec)
}

func (n *andNode) lookup() ([]OID, bool) {
	l, lok := n.left.lookup()
	if lok && len(l) == 0 {
		return nil, true
	}
	r, rok := n.right.lookup()
	switch {
	case lok && rok:
		return intersect(l, r), true
	case lok:
		return n.db.filterLocked(n.ts, l, n.need, n.right), true
	case rok:
		return n.db.filterLocked(n.ts, r, n.need, n.left), true
	default:
		return nil, false
	}
}

func (n *andNode) String() string {
	return "(" + n.left.String() + " AND " + n.right.String() + ")"
}

func (n *orNode) match(rec Record) bool {
	return n.left.match(rec) || n.right.match(rec)
}

func (n *orNode) lookup() ([]OID, bool) {
	l, lok := n.left.lookup()
	if !lok {
		return nil, false
	}
	r, rok := n.right.lookup()
	if !rok {
		return nil, false
	}
	return union(l, r), true
}

func (n *orNode) String() string {
	return "(" + n.left.String() + " OR " + n.right.String() + ")"
}

// intersect keeps the elements of a that are also in b, in a's order.
func intersect(a, b []OID) []OID {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	set := make(map[OID]struct{}, len(b))
	for _, oid := range b {
		set[oid] = struct{}{}
	}
	result := a[:0:0]
	for _, oid := range a {
		if _, ok := set[oid]; ok {
			result = append(result, oid)
		}
	}
	return result
}

// union appends the elements of b missing from a.
func union(a, b []OID) []OID {
	if len(a) == 0 {
		return b
	}
	set := make(map[OID]struct{}, len(a))
	for _, oid := range a {
		set[oid] = struct{}{}
	}
	for _, oid := range b {
		if _, ok := set[oid]; !ok {
			set[oid] = struct{}{}
			a = append(a, oid)
		}
	}
	return a
}

type plan struct {
	ts   *typeState
	root planNode
	need []int // fields referenced by the predicate, ascending
}

// compile resolves fields and literals of a parsed predicate. It fails with
// ErrUnknownField or ErrTypeMismatch.
func (db *DB) compile(op string, ts *typeState, e query.Expr) (*plan, error) {
	p := &plan{ts: ts}
	var err error
	p.root, err = db.compileNode(op, p, e)
	if err != nil {
		return nil, err
	}
	slices.Sort(p.need)
	p.need = slices.Compact(p.need)
	return p, nil
}

func (db *DB) compileNode(op string, p *plan, e query.Expr) (planNode, error) {
	switch e := e.(type) {
	case *query.Compare:
		return compileCond(op, p, e)
	case *query.And:
		l, err := db.compileNode(op, p, e.Left)
		if err != nil {
			return nil, err
		}
		r, err := db.compileNode(op, p, e.Right)
		if err != nil {
			return nil, err
		}
		return &andNode{left: l, right: r, ts: p.ts, db: db, need: p.neededBy(l, r)}, nil
	case *query.Or:
		l, err := db.compileNode(op, p, e.Left)
		if err != nil {
			return nil, err
		}
		r, err := db.compileNode(op, p, e.Right)
		if err != nil {
			return nil, err
		}
		return &orNode{left: l, right: r}, nil
	default:
		panic(fmt.Errorf("unexpected expression %T", e))
	}
}

// neededBy lists the fields the nodes read, ascending.
func (p *plan) neededBy(nodes ...planNode) []int {
	var need []int
	var walk func(n planNode)
	walk = func(n planNode) {
		switch n := n.(type) {
		case *condNode:
			need = append(need, n.field)
		case *andNode:
			walk(n.left)
			walk(n.right)
		case *orNode:
			walk(n.left)
			walk(n.right)
		}
	}
	for _, n := range nodes {
		walk(n)
	}
	slices.Sort(need)
	return slices.Compact(need)
}

func compileCond(op string, p *plan, c *query.Compare) (*condNode, error) {
	t := p.ts.typ
	i, err := t.fieldIndex(op, c.Field)
	if err != nil {
		return nil, err
	}
	fd := t.fields[i]
	key, err := literalValue(fd.Kind, c.Value)
	if err != nil {
		return nil, typeErrf(ErrTypeMismatch, op, t, fd.Name, "%v", err)
	}
	p.need = append(p.need, i)

	n := &condNode{field: i, name: fd.Name, op: c.Op, key: key}
	idx := p.ts.byField[i]
	if c.Op == query.OpEq {
		conformed, ok := conform(fd.Kind, key)
		if !ok || Compare(conformed, key) != 0 {
			n.never = true
			return n, nil
		}
		n.key = conformed
		n.idx = idx
	} else if idx != nil && idx.supports(opPredicates[c.Op]) {
		n.idx = idx
	}
	return n, nil
}

// literalValue converts a predicate literal to a value comparable with a
// field of kind k. A one-character string compared with an 8-bit integer
// field stands for its character code.
func literalValue(k Kind, lit query.Literal) (Value, error) {
	switch {
	case lit.Kind == query.String:
		switch {
		case k == KindString:
			return StringValue(lit.Str), nil
		case k == KindBytes:
			return Value{kind: KindBytes, s: lit.Str}, nil
		case k == KindInt8 && len(lit.Str) == 1:
			return IntValue(int64(int8(lit.Str[0]))), nil
		case k == KindUint8 && len(lit.Str) == 1:
			return UintValue(uint64(lit.Str[0])), nil
		}
	case k.IsNumeric():
		switch lit.Kind {
		case query.Int:
			return IntValue(lit.Int), nil
		case query.Uint:
			return UintValue(lit.Uint), nil
		case query.Float:
			return FloatValue(lit.Float), nil
		}
	case k == KindBool:
		if lit.Kind == query.Int && (lit.Int == 0 || lit.Int == 1) {
			return BoolValue(lit.Int == 1), nil
		}
	}
	return Value{}, fmt.Errorf("cannot compare %v field with %s", k, lit)
}

// execute returns the OIDs matching the plan. Predicates answered by a
// single index come back in index order; everything else comes back in OID
// order.
func (db *DB) execute(p *plan) []OID {
	if p.root == nil {
		return db.scanLocked(p.ts, nil, nil)
	}
	if oids, ok := p.root.lookup(); ok {
		if _, single := p.root.(*condNode); !single {
			slices.Sort(oids)
		}
		return oids
	}
	return db.scanLocked(p.ts, p.need, p.root)
}

// scanLocked lists live objects of a type in OID order, keeping those
// matching filter if it is not nil.
func (db *DB) scanLocked(ts *typeState, need []int, filter planNode) []OID {
	result := make([]OID, 0, ts.count)
	var rec Record
	if filter != nil {
		rec = make(Record, len(ts.typ.fields))
	}
	for oid := 1; oid < len(db.entries); oid++ {
		e := db.entries[oid]
		if !e.live() || e.typeID != ts.id {
			continue
		}
		if filter != nil {
			ensure(ts.typ.decodeFields(db.objectBytes(e), need, func(i int, v Value) {
				rec[i] = v
			}))
			if !filter.match(rec) {
				continue
			}
		}
		result = append(result, OID(oid))
	}
	return result
}

// filterLocked keeps the candidates matching filter.
func (db *DB) filterLocked(ts *typeState, oids []OID, need []int, filter planNode) []OID {
	rec := make(Record, len(ts.typ.fields))
	result := oids[:0]
	for _, oid := range oids {
		e := db.entries[oid]
		ensure(ts.typ.decodeFields(db.objectBytes(e), need, func(i int, v Value) {
			rec[i] = v
		}))
		if filter.match(rec) {
			result = append(result, oid)
		}
	}
	return result
}
