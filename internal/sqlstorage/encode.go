package sqlstorage

import (
	"bytes"
	"encoding/gob"

	"github.com/quoradb/quoradb/internal/sql"
)

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func encodeTableDef(def sql.TableDef) ([]byte, error) { return gobEncode(def) }

func decodeTableDef(b []byte) (sql.TableDef, error) {
	var def sql.TableDef
	err := gobDecode(b, &def)
	return def, err
}

func encodeRow(row sql.Row) ([]byte, error) { return gobEncode(row) }

func decodeRow(b []byte) (sql.Row, error) {
	var row sql.Row
	err := gobDecode(b, &row)
	return row, err
}
