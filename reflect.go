package mmdb

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"
)

var structInfoCache sync.Map

type structField struct {
	desc  FieldDesc
	index []int
}

type structInfo struct {
	fields []structField
	err    error
}

// TypeOf derives a record type from the exported fields of struct T, in
// declaration order. Field names and indexes come from the mmdb tag:
//
//	Code  string  `mmdb:"szStkCode,hash"`
//	Price float64 `mmdb:",tree"`
//	Notes string  `mmdb:"-"`
//
// If name is empty, the Go type name is used.
func TypeOf[T any](name string) (*Type, error) {
	return typeOfStruct(reflect.TypeFor[T](), name)
}

func typeOfStruct(rt reflect.Type, name string) (*Type, error) {
	if rt.Kind() != reflect.Struct {
		return nil, typeErrf(ErrConfig, "define type", nil, "", "%v is not a struct", rt)
	}
	if name == "" {
		name = rt.Name()
	}
	info := reflectStruct(rt)
	if info.err != nil {
		return nil, info.err
	}
	descs := make([]FieldDesc, len(info.fields))
	for i, f := range info.fields {
		descs[i] = f.desc
	}
	t, err := NewType(name, descs...)
	if err != nil {
		return nil, err
	}
	t.goType = rt
	t.goFields = make([][]int, len(info.fields))
	for i, f := range info.fields {
		t.goFields[i] = f.index
	}
	return t, nil
}

func reflectStruct(rt reflect.Type) *structInfo {
	if v, ok := structInfoCache.Load(rt); ok {
		return v.(*structInfo)
	}
	info := reflectStructWithoutCache(rt)
	actual, _ := structInfoCache.LoadOrStore(rt, info)
	return actual.(*structInfo)
}

func reflectStructWithoutCache(rt reflect.Type) *structInfo {
	info := &structInfo{}
	for _, sf := range reflect.VisibleFields(rt) {
		if !sf.IsExported() || sf.Anonymous {
			continue
		}
		tag := sf.Tag.Get("mmdb")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if name == "" {
			name = sf.Name
		}
		kind, ok := kindOfGoType(sf.Type)
		if !ok {
			info.err = typeErrf(ErrConfig, "define type", nil, name, "%v.%s has unsupported type %v", rt, sf.Name, sf.Type)
			return info
		}
		var index IndexKind
		for _, opt := range strings.Split(opts, ",") {
			switch opt {
			case "":
			case "hash", "hashed":
				index = Hashed
			case "tree", "ordered":
				index = Ordered
			default:
				info.err = typeErrf(ErrConfig, "define type", nil, name, "%v.%s has unknown tag option %q", rt, sf.Name, opt)
				return info
			}
		}
		info.fields = append(info.fields, structField{
			desc:  FieldDesc{Name: name, Kind: kind, Index: index},
			index: sf.Index,
		})
	}
	if len(info.fields) == 0 {
		info.err = typeErrf(ErrConfig, "define type", nil, "", "%v has no persistent fields", rt)
	}
	return info
}

func kindOfGoType(t reflect.Type) (Kind, bool) {
	switch t.Kind() {
	case reflect.Bool:
		return KindBool, true
	case reflect.Int8:
		return KindInt8, true
	case reflect.Int16:
		return KindInt16, true
	case reflect.Int32:
		return KindInt32, true
	case reflect.Int64, reflect.Int:
		return KindInt64, true
	case reflect.Uint8:
		return KindUint8, true
	case reflect.Uint16:
		return KindUint16, true
	case reflect.Uint32:
		return KindUint32, true
	case reflect.Uint64, reflect.Uint:
		return KindUint64, true
	case reflect.Float32:
		return KindFloat32, true
	case reflect.Float64:
		return KindFloat64, true
	case reflect.String:
		return KindString, true
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return KindBytes, true
		}
	}
	return KindInvalid, false
}

// recordFromStruct reads the persistent fields of a struct value.
func (t *Type) recordFromStruct(sv reflect.Value) Record {
	rec := make(Record, len(t.fields))
	for i, f := range t.fields {
		fv := sv.FieldByIndex(t.goFields[i])
		switch f.Kind.class() {
		case classBool:
			rec[i] = BoolValue(fv.Bool())
		case classInt:
			rec[i] = Value{kind: f.Kind, n: uint64(fv.Int())}
		case classUint:
			rec[i] = Value{kind: f.Kind, n: fv.Uint()}
		case classFloat:
			rec[i] = Value{kind: f.Kind, n: math.Float64bits(fv.Float())}
		case classString:
			if f.Kind == KindBytes {
				rec[i] = Value{kind: f.Kind, s: string(fv.Bytes())}
			} else {
				rec[i] = Value{kind: f.Kind, s: fv.String()}
			}
		}
	}
	return rec
}

// storeInStruct writes a record into the persistent fields of an addressable
// struct value.
func (t *Type) storeInStruct(rec Record, sv reflect.Value) {
	for i, f := range t.fields {
		fv := sv.FieldByIndex(t.goFields[i])
		v := rec[i]
		switch f.Kind.class() {
		case classBool:
			fv.SetBool(v.Bool())
		case classInt:
			fv.SetInt(int64(v.n))
		case classUint:
			fv.SetUint(v.n)
		case classFloat:
			fv.SetFloat(v.Float())
		case classString:
			if f.Kind == KindBytes {
				if v.s == "" {
					fv.SetBytes(nil)
				} else {
					fv.SetBytes([]byte(v.s))
				}
			} else {
				fv.SetString(v.s)
			}
		}
	}
}

func structPtrValue(t *Type, ptr any) reflect.Value {
	pv := reflect.ValueOf(ptr)
	if pv.Kind() != reflect.Ptr || pv.IsNil() || pv.Elem().Type() != t.goType {
		panic(fmt.Errorf("mmdb: expected non-nil *%v, got %T", t.goType, ptr))
	}
	return pv.Elem()
}
