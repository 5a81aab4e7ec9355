package mmdb

import (
	"fmt"
)

type (
	// Change is a modification buffered by a cursor until Update.
	Change struct {
		op     ChangeOp
		oid    OID
		gen    uint64
		rec    Record
		oldRec Record
	}

	ChangeOp int
)

const (
	OpNone   ChangeOp = 0
	OpUpdate ChangeOp = 1
	OpDelete ChangeOp = 2
)

func (chg *Change) Op() ChangeOp {
	return chg.op
}
func (chg *Change) OID() OID {
	return chg.oid
}
func (chg *Change) Record() Record {
	return chg.rec
}
func (chg *Change) OldRecord() Record {
	return chg.oldRec
}

// Fields returns the indices of fields that differ between the old and the
// new record.
func (chg *Change) Fields() []int {
	var result []int
	for i := range chg.rec {
		if i >= len(chg.oldRec) || !chg.rec[i].same(chg.oldRec[i]) {
			result = append(result, i)
		}
	}
	return result
}

func (chg *Change) String() string {
	return fmt.Sprintf("%v %v %v", chg.op, chg.oid, chg.rec)
}

func (v ChangeOp) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}

// applyChanges writes buffered changes of objects of one type. Objects
// deleted since the changes were made fail with ErrNotFound, even if their
// OID now belongs to a newer object. Applied changes are removed from the
// front of the slice.
func (db *DB) applyChanges(op string, ts *typeState, changes *[]*Change) error {
	db.lock.Lock()
	defer db.lock.Unlock()
	if err := db.checkWritable(op); err != nil {
		return err
	}
	for len(*changes) > 0 {
		chg := (*changes)[0]
		cts, cur, err := db.recordLocked(op, chg.oid)
		if err != nil {
			return err
		}
		if cts != ts {
			return &Error{Kind: ErrNotFound, Op: op, Type: ts.typ.name, OID: chg.oid, Msg: "object was replaced by a " + cts.typ.name}
		}
		if db.entries[chg.oid].gen != chg.gen {
			return &Error{Kind: ErrNotFound, Op: op, Type: ts.typ.name, OID: chg.oid, Msg: "object was deleted and its OID reused"}
		}
		switch chg.op {
		case OpUpdate:
			if !chg.rec.Equal(cur) {
				if err := db.updateLocked(op, ts, chg.oid, cur, chg.rec); err != nil {
					return err
				}
			}
		case OpDelete:
			db.deleteLocked(ts, chg.oid, cur)
		}
		*changes = (*changes)[1:]
	}
	return nil
}
