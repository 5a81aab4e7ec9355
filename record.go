package mmdb

import (
	"bytes"
	"fmt"
	"math"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Record holds field values in the order of the type's fields.
type Record []Value

func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return append(Record(nil), r...)
}

func (r Record) Equal(o Record) bool {
	if len(r) != len(o) {
		return false
	}
	for i := range r {
		if !r[i].same(o[i]) {
			return false
		}
	}
	return true
}

func (r Record) String() string {
	var buf strings.Builder
	buf.WriteByte('{')
	for i, v := range r {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(v.String())
	}
	buf.WriteByte('}')
	return buf.String()
}

// conformRecord converts every value to its field's kind.
func (t *Type) conformRecord(op string, rec Record) (Record, error) {
	if len(rec) != len(t.fields) {
		return nil, typeErrf(ErrTypeMismatch, op, t, "", "record has %d values, type has %d fields", len(rec), len(t.fields))
	}
	result := make(Record, len(rec))
	for i, f := range t.fields {
		v, ok := conform(f.Kind, rec[i])
		if !ok {
			return nil, typeErrf(ErrTypeMismatch, op, t, f.Name, "cannot store %v %v in a %v field", rec[i].kind, rec[i], f.Kind)
		}
		result[i] = v
	}
	return result, nil
}

// encodeRecord appends the msgpack form of a conformed record.
func (t *Type) encodeRecord(buf []byte, rec Record) []byte {
	bb := bytesBuilder{buf}
	enc := msgpack.GetEncoder()
	enc.ResetDict(&bb, nil)
	err := encodeValues(enc, t, rec)
	msgpack.PutEncoder(enc)
	if err != nil {
		panic(fmt.Errorf("failed to encode %s record: %w", t.name, err))
	}
	return bb.Buf
}

func encodeValues(enc *msgpack.Encoder, t *Type, rec Record) error {
	if err := enc.EncodeArrayLen(len(rec)); err != nil {
		return err
	}
	for i, f := range t.fields {
		v := rec[i]
		var err error
		switch f.Kind.class() {
		case classBool:
			err = enc.EncodeBool(v.Bool())
		case classInt:
			err = enc.EncodeInt(int64(v.n))
		case classUint:
			err = enc.EncodeUint(v.n)
		case classFloat:
			if f.Kind == KindFloat32 {
				err = enc.EncodeFloat32(float32(v.Float()))
			} else {
				err = enc.EncodeFloat64(v.Float())
			}
		case classString:
			if f.Kind == KindBytes {
				err = enc.EncodeBytes([]byte(v.s))
			} else {
				err = enc.EncodeString(v.s)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *Type) decodeRecord(data []byte) (Record, error) {
	rec := make(Record, len(t.fields))
	err := t.decodeFields(data, nil, func(i int, v Value) {
		rec[i] = v
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// decodeFields decodes the fields listed in want (ascending; nil means all),
// skipping over the rest.
func (t *Type) decodeFields(data []byte, want []int, f func(i int, v Value)) error {
	var r bytes.Reader
	r.Reset(data)
	dec := msgpack.GetDecoder()
	dec.ResetDict(&r, nil)
	defer msgpack.PutDecoder(dec)

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return dataErrf(data, 0, err, "failed to decode %s record", t.name)
	}
	if n != len(t.fields) {
		return dataErrf(data, 0, nil, "%s record has %d values, wanted %d", t.name, n, len(t.fields))
	}

	w := 0
	for i, fd := range t.fields {
		if want != nil {
			if w >= len(want) {
				break
			}
			if want[w] != i {
				if err := dec.Skip(); err != nil {
					return dataErrf(data, 0, err, "failed to skip %s.%s", t.name, fd.Name)
				}
				continue
			}
			w++
		}
		v, err := decodeValue(dec, fd.Kind)
		if err != nil {
			return dataErrf(data, 0, err, "failed to decode %s.%s", t.name, fd.Name)
		}
		f(i, v)
	}
	return nil
}

func decodeValue(dec *msgpack.Decoder, k Kind) (Value, error) {
	switch k.class() {
	case classBool:
		b, err := dec.DecodeBool()
		return BoolValue(b), err
	case classInt:
		i, err := dec.DecodeInt64()
		if err != nil {
			return Value{}, err
		}
		v, ok := conform(k, IntValue(i))
		if !ok {
			return Value{}, fmt.Errorf("%d out of range for %v", i, k)
		}
		return v, nil
	case classUint:
		u, err := dec.DecodeUint64()
		if err != nil {
			return Value{}, err
		}
		v, ok := conform(k, UintValue(u))
		if !ok {
			return Value{}, fmt.Errorf("%d out of range for %v", u, k)
		}
		return v, nil
	case classFloat:
		f, err := dec.DecodeFloat64()
		return Value{kind: k, n: math.Float64bits(f)}, err
	case classString:
		if k == KindBytes {
			b, err := dec.DecodeBytes()
			return Value{kind: k, s: string(b)}, err
		}
		s, err := dec.DecodeString()
		return Value{kind: k, s: s}, err
	default:
		panic(fmt.Errorf("decodeValue: invalid kind %v", k))
	}
}
