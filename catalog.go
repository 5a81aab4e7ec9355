package mmdb

import (
	"github.com/vmihailenco/msgpack/v5"
)

type catalogField struct {
	Name  string    `msgpack:"n"`
	Kind  Kind      `msgpack:"k"`
	Index IndexKind `msgpack:"i"`
}

type catalogType struct {
	ID     uint16         `msgpack:"id"`
	Name   string         `msgpack:"n"`
	Fields []catalogField `msgpack:"f"`
}

type catalog struct {
	Types []catalogType `msgpack:"types"`
}

func (db *DB) buildCatalog() *catalog {
	c := &catalog{}
	for _, ts := range db.typesByID {
		if ts == nil {
			continue
		}
		ct := catalogType{ID: ts.id, Name: ts.typ.name}
		for _, f := range ts.typ.fields {
			ct.Fields = append(ct.Fields, catalogField{Name: f.Name, Kind: f.Kind, Index: f.Index})
		}
		c.Types = append(c.Types, ct)
	}
	return c
}

func encodeCatalog(c *catalog) []byte {
	return must(msgpack.Marshal(c))
}

func decodeCatalog(data []byte) (*catalog, error) {
	c := &catalog{}
	if len(data) == 0 {
		return c, nil
	}
	if err := msgpack.Unmarshal(data, c); err != nil {
		return nil, dataErrf(data, 0, err, "failed to decode type catalog")
	}
	return c, nil
}

func (ct *catalogType) toType() (*Type, error) {
	fields := make([]FieldDesc, len(ct.Fields))
	for i, f := range ct.Fields {
		fields[i] = FieldDesc{Name: f.Name, Kind: f.Kind, Index: f.Index}
	}
	return NewType(ct.Name, fields...)
}
