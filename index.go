package mmdb

import (
	"fmt"
	"slices"
)

type PredicateKind uint8

const (
	Equals PredicateKind = iota + 1
	Less
	LessOrEqual
	Greater
	GreaterOrEqual
	Range // lo <= key <= hi
)

var predicateKindNames = [...]string{
	Equals:         "=",
	Less:           "<",
	LessOrEqual:    "<=",
	Greater:        ">",
	GreaterOrEqual: ">=",
	Range:          "range",
}

func (k PredicateKind) String() string {
	if int(k) < len(predicateKindNames) && predicateKindNames[k] != "" {
		return predicateKindNames[k]
	}
	return fmt.Sprintf("predicate(%d)", int(k))
}

// fieldIndex is the index of one field: either a hash index or a B-tree.
type fieldIndex struct {
	field int
	desc  FieldDesc
	hash  *hashIndex
	tree  *orderedIndex
}

func newFieldIndex(field int, desc FieldDesc, capacity int) *fieldIndex {
	idx := &fieldIndex{field: field, desc: desc}
	switch desc.Index {
	case Hashed:
		idx.hash = newHashIndex(capacity)
	case Ordered:
		idx.tree = newOrderedIndex()
	default:
		panic(fmt.Errorf("field %s has no index", desc.Name))
	}
	return idx
}

func (idx *fieldIndex) insert(key Value, oid OID) {
	if idx.hash != nil {
		idx.hash.insert(key, oid)
	} else {
		idx.tree.insert(key, oid)
	}
}

func (idx *fieldIndex) remove(key Value, oid OID) bool {
	if idx.hash != nil {
		return idx.hash.remove(key, oid)
	}
	return idx.tree.remove(key, oid)
}

func (idx *fieldIndex) supports(k PredicateKind) bool {
	return k == Equals || idx.tree != nil
}

func (idx *fieldIndex) oidCount() int {
	if idx.hash != nil {
		return idx.hash.oids
	}
	return idx.tree.oids
}

func (idx *fieldIndex) keyCount() int {
	if idx.hash != nil {
		return idx.hash.keys
	}
	return idx.tree.keys()
}

func (idx *fieldIndex) contains(key Value, oid OID) bool {
	var p *postings
	if idx.hash != nil {
		p = idx.hash.lookup(key)
	} else {
		p = idx.tree.lookup(key)
	}
	return p != nil && p.contains(oid)
}

// lookup appends matching OIDs to dst. Keys must already be conformed to the
// field kind for equality lookups; range bounds may be of any numeric kind.
func (idx *fieldIndex) lookup(dst []OID, k PredicateKind, lo, hi Value) []OID {
	if k == Equals {
		var p *postings
		if idx.hash != nil {
			p = idx.hash.lookup(lo)
		} else {
			p = idx.tree.lookup(lo)
		}
		if p != nil {
			dst = p.appendTo(dst)
		}
		return dst
	}

	var lb, hb *bound
	switch k {
	case Less:
		hb = &bound{key: lo}
	case LessOrEqual:
		hb = &bound{key: lo, inclusive: true}
	case Greater:
		lb = &bound{key: lo}
	case GreaterOrEqual:
		lb = &bound{key: lo, inclusive: true}
	case Range:
		lb = &bound{key: lo, inclusive: true}
		hb = &bound{key: hi, inclusive: true}
	default:
		panic(fmt.Errorf("invalid predicate kind %v", k))
	}
	idx.tree.scan(lb, hb, func(e *orderedEntry) bool {
		dst = e.posts.appendTo(dst)
		return true
	})
	return dst
}

// typeState is the per-database state of a registered type.
type typeState struct {
	typ     *Type
	id      uint16
	indexes []*fieldIndex // in field order
	byField []*fieldIndex // nil for unindexed fields
	count   int           // live objects, including uncommitted changes
	wantIdx []int         // positions of indexed fields, ascending
}

func newTypeState(t *Type, id uint16, capacity int) *typeState {
	ts := &typeState{
		typ:     t,
		id:      id,
		byField: make([]*fieldIndex, len(t.fields)),
	}
	for i, f := range t.fields {
		if f.Index == NoIndex {
			continue
		}
		idx := newFieldIndex(i, f, capacity)
		ts.indexes = append(ts.indexes, idx)
		ts.byField[i] = idx
		ts.wantIdx = append(ts.wantIdx, i)
	}
	return ts
}

func (ts *typeState) insertKeys(rec Record, oid OID) {
	for _, idx := range ts.indexes {
		idx.insert(rec[idx.field], oid)
	}
}

func (ts *typeState) removeKeys(rec Record, oid OID) {
	for _, idx := range ts.indexes {
		if !idx.remove(rec[idx.field], oid) {
			panic(fmt.Errorf("mmdb: %s.%s index is missing %v for %v", ts.typ.name, idx.desc.Name, rec[idx.field], oid))
		}
	}
}

// updateKeys moves oid between index keys for the fields that changed.
func (ts *typeState) updateKeys(old, rec Record, oid OID) {
	for _, idx := range ts.indexes {
		ov, nv := old[idx.field], rec[idx.field]
		if ov.same(nv) {
			continue
		}
		if !idx.remove(ov, oid) {
			panic(fmt.Errorf("mmdb: %s.%s index is missing %v for %v", ts.typ.name, idx.desc.Name, ov, oid))
		}
		idx.insert(nv, oid)
	}
}

// Lookup returns the OIDs of objects whose field matches the predicate, using
// the field's index. Equality is supported by both index kinds; comparisons
// and ranges need an ordered index. Equal keys yield OIDs in insertion order.
// Hi is only used by Range.
func (db *DB) Lookup(t *Type, field string, kind PredicateKind, lo, hi Value) ([]OID, error) {
	const op = "lookup"
	db.lock.RLock()
	defer db.lock.RUnlock()
	if err := db.checkOpen(op); err != nil {
		return nil, err
	}
	ts, err := db.stateOf(op, t)
	if err != nil {
		return nil, err
	}
	i, err := ts.typ.fieldIndex(op, field)
	if err != nil {
		return nil, err
	}
	idx := ts.byField[i]
	if idx == nil {
		return nil, typeErrf(ErrUnsupportedPredicate, op, ts.typ, field, "field is not indexed")
	}
	if kind < Equals || kind > Range {
		return nil, typeErrf(ErrUnsupportedPredicate, op, ts.typ, field, "invalid predicate %v", kind)
	}
	if !idx.supports(kind) {
		return nil, typeErrf(ErrUnsupportedPredicate, op, ts.typ, field, "%v needs an ordered index, field has a %v index", kind, idx.desc.Index)
	}

	if kind == Equals {
		key, ok := conform(idx.desc.Kind, lo)
		if !ok || Compare(key, lo) != 0 {
			if !lo.kind.IsNumeric() || !idx.desc.Kind.IsNumeric() {
				return nil, typeErrf(ErrTypeMismatch, op, ts.typ, field, "cannot compare %v field with %v", idx.desc.Kind, lo.kind)
			}
			return nil, nil // not representable in the field, so nothing equals it
		}
		lo = key
	} else {
		if !comparableKinds(idx.desc.Kind, lo.kind) || (kind == Range && !comparableKinds(idx.desc.Kind, hi.kind)) {
			return nil, typeErrf(ErrTypeMismatch, op, ts.typ, field, "cannot compare %v field with %v", idx.desc.Kind, lo.kind)
		}
	}
	db.ReadCount.Add(1)
	return slices.Clip(idx.lookup(nil, kind, lo, hi)), nil
}

func comparableKinds(field, v Kind) bool {
	fc, vc := field.class(), v.class()
	if fc == vc {
		return true
	}
	return isNumClass(fc) && isNumClass(vc)
}
