package mmdb

import (
	"github.com/cespare/xxhash/v2"
)

type hashEntry struct {
	key   Value
	hash  uint64
	posts postings
	next  *hashEntry
}

// hashIndex maps keys to postings through a bucket array with chaining. The
// bucket array doubles once the number of keys exceeds 3/4 of it.
type hashIndex struct {
	buckets []*hashEntry
	keys    int
	oids    int
	keyBuf  []byte
}

const maxInitialBuckets = 1 << 20

func newHashIndex(capacity int) *hashIndex {
	n := 16
	for n < capacity && n < maxInitialBuckets {
		n <<= 1
	}
	return &hashIndex{buckets: make([]*hashEntry, n)}
}

func (h *hashIndex) hashOf(key Value) uint64 {
	h.keyBuf = appendKey(h.keyBuf[:0], key)
	return xxhash.Sum64(h.keyBuf)
}

func (h *hashIndex) find(key Value, hash uint64) *hashEntry {
	for e := h.buckets[hash&uint64(len(h.buckets)-1)]; e != nil; e = e.next {
		if e.hash == hash && Compare(e.key, key) == 0 {
			return e
		}
	}
	return nil
}

func (h *hashIndex) insert(key Value, oid OID) {
	hash := h.hashOf(key)
	e := h.find(key, hash)
	if e == nil {
		if (h.keys+1)*4 > len(h.buckets)*3 {
			h.resize(len(h.buckets) * 2)
		}
		b := hash & uint64(len(h.buckets)-1)
		e = &hashEntry{key: key, hash: hash, next: h.buckets[b]}
		h.buckets[b] = e
		h.keys++
	}
	e.posts.add(oid)
	h.oids++
}

func (h *hashIndex) remove(key Value, oid OID) bool {
	hash := h.hashOf(key)
	b := hash & uint64(len(h.buckets)-1)
	var prev *hashEntry
	for e := h.buckets[b]; e != nil; prev, e = e, e.next {
		if e.hash != hash || Compare(e.key, key) != 0 {
			continue
		}
		if !e.posts.remove(oid) {
			return false
		}
		h.oids--
		if e.posts.len() == 0 {
			if prev == nil {
				h.buckets[b] = e.next
			} else {
				prev.next = e.next
			}
			h.keys--
		}
		return true
	}
	return false
}

func (h *hashIndex) resize(n int) {
	buckets := make([]*hashEntry, n)
	mask := uint64(n - 1)
	for _, e := range h.buckets {
		for e != nil {
			next := e.next
			b := e.hash & mask
			e.next = buckets[b]
			buckets[b] = e
			e = next
		}
	}
	h.buckets = buckets
}

// lookup may run concurrently with other lookups, so it hashes into a local
// buffer.
func (h *hashIndex) lookup(key Value) *postings {
	var buf [64]byte
	hash := xxhash.Sum64(appendKey(buf[:0], key))
	if e := h.find(key, hash); e != nil {
		return &e.posts
	}
	return nil
}

func (h *hashIndex) each(f func(key Value, p *postings)) {
	for _, e := range h.buckets {
		for ; e != nil; e = e.next {
			f(e.key, &e.posts)
		}
	}
}

// chainStats returns the longest bucket chain and the number of used buckets.
func (h *hashIndex) chainStats() (longest, used int) {
	for _, e := range h.buckets {
		n := 0
		for ; e != nil; e = e.next {
			n++
		}
		if n > 0 {
			used++
		}
		longest = max(longest, n)
	}
	return
}
