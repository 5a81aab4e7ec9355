package mmdb

import (
	"github.com/google/btree"
)

type orderedEntry struct {
	key   Value
	posts postings
}

// orderedIndex keeps keys in a B-tree ordered by Compare.
type orderedIndex struct {
	tree *btree.BTreeG[*orderedEntry]
	oids int
}

func lessOrderedEntry(a, b *orderedEntry) bool {
	return Compare(a.key, b.key) < 0
}

func newOrderedIndex() *orderedIndex {
	return &orderedIndex{tree: btree.NewG(32, lessOrderedEntry)}
}

func (x *orderedIndex) insert(key Value, oid OID) {
	e, ok := x.tree.Get(&orderedEntry{key: key})
	if !ok {
		e = &orderedEntry{key: key}
		x.tree.ReplaceOrInsert(e)
	}
	e.posts.add(oid)
	x.oids++
}

func (x *orderedIndex) remove(key Value, oid OID) bool {
	e, ok := x.tree.Get(&orderedEntry{key: key})
	if !ok || !e.posts.remove(oid) {
		return false
	}
	x.oids--
	if e.posts.len() == 0 {
		x.tree.Delete(e)
	}
	return true
}

func (x *orderedIndex) lookup(key Value) *postings {
	if e, ok := x.tree.Get(&orderedEntry{key: key}); ok {
		return &e.posts
	}
	return nil
}

// bound is one end of a key range; a nil *bound means unbounded.
type bound struct {
	key       Value
	inclusive bool
}

// scan visits entries with keys within [lo, hi] in ascending key order.
func (x *orderedIndex) scan(lo, hi *bound, f func(e *orderedEntry) bool) {
	visit := func(e *orderedEntry) bool {
		if hi != nil {
			c := Compare(e.key, hi.key)
			if c > 0 || (c == 0 && !hi.inclusive) {
				return false
			}
		}
		return f(e)
	}
	if lo == nil {
		x.tree.Ascend(visit)
		return
	}
	x.tree.AscendGreaterOrEqual(&orderedEntry{key: lo.key}, func(e *orderedEntry) bool {
		if !lo.inclusive && Compare(e.key, lo.key) == 0 {
			return true
		}
		return visit(e)
	})
}

func (x *orderedIndex) keys() int {
	return x.tree.Len()
}
