// What: keys.go builds the order-preserving MVCC keys sqlstorage uses for
// the catalog, table rows, and secondary indexes, the way internal/mvcc's
// own keys.go builds its tagged namespace — one keyenc.Tag per concern,
// concatenated with the same encoder.
package sqlstorage

import (
	"github.com/quoradb/quoradb/internal/errs"
	"github.com/quoradb/quoradb/internal/keyenc"
	"github.com/quoradb/quoradb/internal/sql"
)

const (
	tagTableDef keyenc.Tag = 1
	tagRow      keyenc.Tag = 2
	tagIndex    keyenc.Tag = 3
)

const (
	vNull keyenc.Tag = 0
	vBool keyenc.Tag = 1
	vInt  keyenc.Tag = 2
	vFlt  keyenc.Tag = 3
	vStr  keyenc.Tag = 4
)

func tableDefKey(table string) []byte {
	e := keyenc.NewEncoder()
	e.Tagged(tagTableDef, func(e *keyenc.Encoder) { e.String(table) })
	return e.Bytes()
}

func catalogPrefix() []byte {
	e := keyenc.NewEncoder()
	e.Tagged(tagTableDef, nil)
	return e.Bytes()
}

func rowKey(table string, pk sql.Row) []byte {
	e := keyenc.NewEncoder()
	e.Tagged(tagRow, func(e *keyenc.Encoder) {
		e.String(table)
		for _, v := range pk {
			encodeKeyValue(e, v)
		}
	})
	return e.Bytes()
}

func rowPrefix(table string) []byte {
	e := keyenc.NewEncoder()
	e.Tagged(tagRow, func(e *keyenc.Encoder) { e.String(table) })
	return e.Bytes()
}

func indexKey(table, index string, indexVals sql.Row, pk sql.Row) []byte {
	e := keyenc.NewEncoder()
	e.Tagged(tagIndex, func(e *keyenc.Encoder) {
		e.String(table)
		e.String(index)
		for _, v := range indexVals {
			encodeKeyValue(e, v)
		}
		for _, v := range pk {
			encodeKeyValue(e, v)
		}
	})
	return e.Bytes()
}

func indexLookupPrefix(table, index string, indexVals sql.Row) []byte {
	e := keyenc.NewEncoder()
	e.Tagged(tagIndex, func(e *keyenc.Encoder) {
		e.String(table)
		e.String(index)
		for _, v := range indexVals {
			encodeKeyValue(e, v)
		}
	})
	return e.Bytes()
}

func indexPrefix(table, index string) []byte {
	e := keyenc.NewEncoder()
	e.Tagged(tagIndex, func(e *keyenc.Encoder) {
		e.String(table)
		e.String(index)
	})
	return e.Bytes()
}

// encodeKeyValue writes a self-describing, order-preserving encoding of a
// single SQL value: a one-byte kind tag (NULL sorts first) followed by the
// value's natural ordered encoding.
func encodeKeyValue(e *keyenc.Encoder, v sql.Value) {
	if v.IsNull() {
		e.Tagged(vNull, nil)
		return
	}
	switch v.Kind {
	case sql.KindBoolean:
		e.Tagged(vBool, func(e *keyenc.Encoder) { e.Bool(v.Bool) })
	case sql.KindInteger:
		e.Tagged(vInt, func(e *keyenc.Encoder) { e.Int64(v.Int) })
	case sql.KindFloat:
		e.Tagged(vFlt, func(e *keyenc.Encoder) { e.Float64(v.Float) })
	case sql.KindString:
		e.Tagged(vStr, func(e *keyenc.Encoder) { e.String(v.Str) })
	}
}

func decodeKeyValue(d *keyenc.Decoder) (sql.Value, error) {
	tag, err := d.Tag()
	if err != nil {
		return sql.Value{}, err
	}
	switch keyenc.Tag(tag) {
	case vNull:
		return sql.NullValue(), nil
	case vBool:
		b, err := d.Bool()
		return sql.BoolValue(b), err
	case vInt:
		i, err := d.Int64()
		return sql.IntValue(i), err
	case vFlt:
		f, err := d.Float64()
		return sql.FloatValue(f), err
	case vStr:
		s, err := d.String()
		return sql.StringValue(s), err
	default:
		return sql.Value{}, errs.New(errs.Internal, "unknown key value tag %d", tag)
	}
}
