package mmdb

// postings is the list of OIDs sharing one index key, in insertion order.
// Removed OIDs are tombstoned with zero and compacted when they dominate.
type postings struct {
	oids []OID
	pos  map[OID]int // built once the list outgrows a linear scan
	dead int
}

const postingsIndexThreshold = 8

func (p *postings) add(oid OID) {
	p.oids = append(p.oids, oid)
	if p.pos != nil {
		p.pos[oid] = len(p.oids) - 1
	} else if len(p.oids) > postingsIndexThreshold {
		p.buildPos()
	}
}

func (p *postings) buildPos() {
	p.pos = make(map[OID]int, len(p.oids))
	for i, oid := range p.oids {
		if oid != 0 {
			p.pos[oid] = i
		}
	}
}

func (p *postings) remove(oid OID) bool {
	i := -1
	if p.pos != nil {
		if j, ok := p.pos[oid]; ok {
			i = j
			delete(p.pos, oid)
		}
	} else {
		for j, o := range p.oids {
			if o == oid {
				i = j
				break
			}
		}
	}
	if i < 0 {
		return false
	}

	if i == len(p.oids)-1 {
		p.oids = p.oids[:i]
		p.trimTail()
		return true
	}
	p.oids[i] = 0
	p.dead++
	if p.dead*2 > len(p.oids) {
		p.compact()
	}
	return true
}

func (p *postings) trimTail() {
	for n := len(p.oids); n > 0 && p.oids[n-1] == 0; n-- {
		p.oids = p.oids[:n-1]
		p.dead--
	}
}

func (p *postings) compact() {
	live := p.oids[:0]
	for _, oid := range p.oids {
		if oid != 0 {
			live = append(live, oid)
		}
	}
	clear(p.oids[len(live):])
	p.oids = live
	p.dead = 0
	if p.pos != nil {
		if len(p.oids) > postingsIndexThreshold {
			p.buildPos()
		} else {
			p.pos = nil
		}
	}
}

func (p *postings) len() int {
	return len(p.oids) - p.dead
}

func (p *postings) contains(oid OID) bool {
	if p.pos != nil {
		_, ok := p.pos[oid]
		return ok
	}
	for _, o := range p.oids {
		if o == oid {
			return true
		}
	}
	return false
}

func (p *postings) appendTo(dst []OID) []OID {
	for _, oid := range p.oids {
		if oid != 0 {
			dst = append(dst, oid)
		}
	}
	return dst
}
