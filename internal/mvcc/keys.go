package mvcc

import (
	"encoding/binary"

	"github.com/quoradb/quoradb/internal/keyenc"
)

// Namespace tags for the MVCC key space, prepended via keyenc.Tagged so the
// different key shapes never collide and sort predictably by kind first.
const (
	tagNextVersion       keyenc.Tag = 1
	tagTxnActive         keyenc.Tag = 2
	tagTxnActiveSnapshot keyenc.Tag = 3
	tagTxnWrite          keyenc.Tag = 4
	tagVersion           keyenc.Tag = 5
	tagUnversioned       keyenc.Tag = 6
)

func keyNextVersion() []byte {
	return keyenc.NewEncoder().Tagged(tagNextVersion, nil).Bytes()
}

func keyTxnActive(v uint64) []byte {
	return keyenc.NewEncoder().Tagged(tagTxnActive, func(e *keyenc.Encoder) { e.Uint64(v) }).Bytes()
}

func txnActivePrefix() []byte {
	return []byte{byte(tagTxnActive)}
}

func keyTxnActiveSnapshot(v uint64) []byte {
	return keyenc.NewEncoder().Tagged(tagTxnActiveSnapshot, func(e *keyenc.Encoder) { e.Uint64(v) }).Bytes()
}

func keyTxnWrite(v uint64, userKey []byte) []byte {
	return keyenc.NewEncoder().Tagged(tagTxnWrite, func(e *keyenc.Encoder) {
		e.Uint64(v)
		e.Bytes(userKey)
	}).Bytes()
}

func txnWritePrefix(v uint64) []byte {
	return keyenc.NewEncoder().Tagged(tagTxnWrite, func(e *keyenc.Encoder) { e.Uint64(v) }).Bytes()
}

// decodeTxnWriteKey extracts the user key from a TxnWrite(v, userkey) key,
// given the version it was written under.
func decodeTxnWriteKey(k []byte, v uint64) ([]byte, error) {
	d := keyenc.NewDecoder(k)
	if _, err := d.Tag(); err != nil {
		return nil, err
	}
	if _, err := d.Uint64(); err != nil {
		return nil, err
	}
	return d.Bytes()
}

func keyVersion(userKey []byte, v uint64) []byte {
	return keyenc.NewEncoder().Tagged(tagVersion, func(e *keyenc.Encoder) {
		e.Bytes(userKey)
		e.Uint64(v)
	}).Bytes()
}

func versionKeyPrefix(userKey []byte) []byte {
	return keyenc.NewEncoder().Tagged(tagVersion, func(e *keyenc.Encoder) { e.Bytes(userKey) }).Bytes()
}

func versionNamespacePrefix() []byte {
	return []byte{byte(tagVersion)}
}

// decodeVersionKey splits a Version(userkey, v) key back into its parts.
func decodeVersionKey(k []byte) (userKey []byte, v uint64, err error) {
	d := keyenc.NewDecoder(k)
	if _, err = d.Tag(); err != nil {
		return nil, 0, err
	}
	if userKey, err = d.Bytes(); err != nil {
		return nil, 0, err
	}
	if v, err = d.Uint64(); err != nil {
		return nil, 0, err
	}
	return userKey, v, nil
}

func keyUnversioned(userKey []byte) []byte {
	return keyenc.NewEncoder().Tagged(tagUnversioned, func(e *keyenc.Encoder) { e.Bytes(userKey) }).Bytes()
}

func unversionedPrefix() []byte {
	return []byte{byte(tagUnversioned)}
}

// encodeVersionSet / decodeVersionSet serialize a TxnActiveSnapshot value as
// a flat list of 8-byte big-endian version numbers.
func encodeVersionSet(vs []uint64) []byte {
	out := make([]byte, 8*len(vs))
	for i, v := range vs {
		binary.BigEndian.PutUint64(out[i*8:], v)
	}
	return out
}

func decodeVersionSet(b []byte) map[uint64]bool {
	set := make(map[uint64]bool, len(b)/8)
	for i := 0; i+8 <= len(b); i += 8 {
		set[binary.BigEndian.Uint64(b[i:i+8])] = true
	}
	return set
}
