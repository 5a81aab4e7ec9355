package mmdb

import (
	"errors"
	"fmt"
	"math"
	"testing"
)

func TestPostings(t *testing.T) {
	var p postings
	for oid := OID(1); oid <= 20; oid++ {
		p.add(oid)
	}
	for _, oid := range []OID{3, 20, 7, 19} {
		if !p.remove(oid) {
			t.Fatalf("** remove(%v) = false", oid)
		}
	}
	if p.remove(3) || p.remove(100) {
		t.Fatalf("** remove of a missing OID succeeded")
	}
	p.add(3)
	deepEqual(t, p.appendTo(nil), []OID{1, 2, 4, 5, 6, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 3})
	deepEqual(t, p.len(), 17)
	if !p.contains(18) || p.contains(19) {
		t.Errorf("** contains is wrong")
	}

	for oid := OID(1); oid <= 18; oid++ {
		if oid != 3 {
			p.remove(oid)
		}
	}
	deepEqual(t, p.appendTo(nil), []OID{3})
	deepEqual(t, p.len(), 1)
	if !p.remove(3) || p.len() != 0 || len(p.oids) != 0 {
		t.Errorf("** postings not empty after removing everything: %+v", p)
	}
}

func TestHashIndex(t *testing.T) {
	h := newHashIndex(1)
	deepEqual(t, len(h.buckets), 16)
	const n = 1000
	for i := range n {
		h.insert(StringValue(fmt.Sprintf("key%d", i%300)), OID(i+1))
	}
	deepEqual(t, h.keys, 300)
	deepEqual(t, h.oids, n)
	if len(h.buckets) < 400 {
		t.Fatalf("** %d buckets for %d keys, wanted the table to grow", len(h.buckets), h.keys)
	}

	p := h.lookup(StringValue("key7"))
	deepEqual(t, p.appendTo(nil), []OID{8, 308, 608, 908})
	isnil(t, h.lookup(StringValue("nope")))

	for i := range n {
		if i%300 == 7 {
			if !h.remove(StringValue("key7"), OID(i+1)) {
				t.Fatalf("** remove(key7, %d) = false", i+1)
			}
		}
	}
	isnil(t, h.lookup(StringValue("key7")))
	deepEqual(t, h.keys, 299)
	if h.remove(StringValue("key7"), 8) {
		t.Fatalf("** removed a missing key")
	}

	var keys, oids int
	h.each(func(key Value, p *postings) {
		keys++
		oids += p.len()
	})
	deepEqual(t, keys, h.keys)
	deepEqual(t, oids, h.oids)

	longest, used := h.chainStats()
	if longest < 1 || used < 1 || used > h.keys {
		t.Errorf("** chainStats = %d, %d", longest, used)
	}
}

func TestHashIndex_numericKeys(t *testing.T) {
	h := newHashIndex(16)
	h.insert(FloatValue(0), 1)
	h.insert(FloatValue(math.Copysign(0, -1)), 2)
	h.insert(FloatValue(1.5), 3)
	deepEqual(t, h.lookup(FloatValue(0)).appendTo(nil), []OID{1, 2})
	deepEqual(t, h.lookup(FloatValue(1.5)).appendTo(nil), []OID{3})
}

func TestOrderedIndex(t *testing.T) {
	x := newOrderedIndex()
	for i, k := range []int64{5, 1, 3, 5, 9, 3, 7} {
		x.insert(IntValue(k), OID(i+1))
	}
	deepEqual(t, x.keys(), 5)

	scan := func(lo, hi *bound) []OID {
		var result []OID
		x.scan(lo, hi, func(e *orderedEntry) bool {
			result = e.posts.appendTo(result)
			return true
		})
		return result
	}
	deepEqual(t, scan(nil, nil), []OID{2, 3, 6, 1, 4, 7, 5})
	deepEqual(t, scan(&bound{key: IntValue(3)}, nil), []OID{1, 4, 7, 5})
	deepEqual(t, scan(&bound{key: IntValue(3), inclusive: true}, nil), []OID{3, 6, 1, 4, 7, 5})
	deepEqual(t, scan(nil, &bound{key: IntValue(5)}), []OID{2, 3, 6})
	deepEqual(t, scan(nil, &bound{key: FloatValue(5), inclusive: true}), []OID{2, 3, 6, 1, 4})
	deepEqual(t, scan(&bound{key: FloatValue(4.5), inclusive: true}, &bound{key: UintValue(7), inclusive: true}), []OID{1, 4, 7})

	if !x.remove(IntValue(5), 1) || x.remove(IntValue(5), 1) || x.remove(IntValue(4), 1) {
		t.Fatalf("** remove returned wrong results")
	}
	deepEqual(t, x.lookup(IntValue(5)).appendTo(nil), []OID{4})
	x.remove(IntValue(5), 4)
	isnil(t, x.lookup(IntValue(5)))
	deepEqual(t, x.keys(), 4)
	deepEqual(t, x.oids, 5)
}

func TestLookup(t *testing.T) {
	db := setup(t, stockSchema)
	a := must(Insert(db, &Stock{Code: "X", Market: '0', Price: 10, Volume: 1}))
	b := must(Insert(db, &Stock{Code: "Y", Market: '0', Price: 20, Volume: 2}))
	c := must(Insert(db, &Stock{Code: "X", Market: '0', Price: 10, Volume: 3}))

	deepEqual(t, lookup(t, db, stockType, "szStkCode", Equals, StringValue("X")), []OID{a, c})
	deepEqual(t, lookup(t, db, stockType, "nPrice", Equals, IntValue(10)), []OID{a, c})
	deepEqual(t, lookup(t, db, stockType, "nPrice", Less, FloatValue(20)), []OID{a, c})
	deepEqual(t, lookup(t, db, stockType, "nPrice", LessOrEqual, FloatValue(20)), []OID{a, c, b})
	deepEqual(t, lookup(t, db, stockType, "nVolume", GreaterOrEqual, IntValue(2)), []OID{b, c})
	deepEqual(t, must(db.Lookup(stockType, "nVolume", Range, IntValue(2), FloatValue(2.5))), []OID{b})
	isempty(t, lookup(t, db, stockType, "nVolume", Equals, FloatValue(1.5)))
	isempty(t, lookup(t, db, stockType, "szStkCode", Equals, StringValue("Z")))

	// equal keys keep insertion order across updates
	ensure(Update(db, a, &Stock{Code: "Y", Market: '0', Price: 10, Volume: 1}))
	ensure(Update(db, a, &Stock{Code: "X", Market: '0', Price: 10, Volume: 1}))
	deepEqual(t, lookup(t, db, stockType, "szStkCode", Equals, StringValue("X")), []OID{c, a})

	tests := []struct {
		field string
		kind  PredicateKind
		v     Value
		err   error
	}{
		{"szStkCode", Greater, StringValue("X"), ErrUnsupportedPredicate},
		{"szStkCode", Range, StringValue("X"), ErrUnsupportedPredicate},
		{"szName", Equals, StringValue("X"), ErrUnsupportedPredicate},
		{"nPrice", PredicateKind(42), IntValue(1), ErrUnsupportedPredicate},
		{"szStkCode", Equals, IntValue(1), ErrTypeMismatch},
		{"nPrice", Greater, StringValue("1"), ErrTypeMismatch},
		{"bogus", Equals, IntValue(1), ErrUnknownField},
	}
	for _, tt := range tests {
		_, err := db.Lookup(stockType, tt.field, tt.kind, tt.v, Value{})
		if !errors.Is(err, tt.err) {
			t.Errorf("** Lookup(%s %v %v) err = %v, wanted %v", tt.field, tt.kind, tt.v, err, tt.err)
		}
	}
}
