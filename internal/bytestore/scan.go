package bytestore

import "sort"

// Bound describes one edge of a scan range. A nil Key means unbounded on
// that side.
type Bound struct {
	Key       []byte
	Exclusive bool
}

// Range describes a scan's bounds over the key space. Each bound is
// inclusive unless its Exclusive flag is set, so the zero-flag Range is
// [Lo, Hi].
type Range struct {
	Lo Bound
	Hi Bound
}

func inRange(key []byte, r Range) bool {
	if r.Lo.Key != nil {
		cmp := compareBytes(key, r.Lo.Key)
		if cmp < 0 || (cmp == 0 && r.Lo.Exclusive) {
			return false
		}
	}
	if r.Hi.Key != nil {
		cmp := compareBytes(key, r.Hi.Key)
		if cmp > 0 || (cmp == 0 && r.Hi.Exclusive) {
			return false
		}
	}
	return true
}

// CompareBytes exposes the bytewise comparator used for range bounds so
// callers (the MVCC layer) can apply the same ordering to decoded keys.
func CompareBytes(a, b []byte) int { return compareBytes(a, b) }

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Pair is one key/value result from a scan.
type Pair struct {
	Key   []byte
	Value []byte
}

// Iterator yields key/value pairs in the order determined by Scan's reverse
// argument. Pulls are synchronous: Next reads the record off disk lazily
// rather than materializing every value up front.
type Iterator struct {
	store    *Store
	pairs    []indexedKey
	pos      int
	memPairs []Pair // set instead of pairs/store when iterating a Memory store
}

type indexedKey struct {
	key    string
	offset int64
	length int64
}

// Next advances the iterator and returns the next pair, or ok=false when
// exhausted.
func (it *Iterator) Next() (Pair, bool, error) {
	if it.memPairs != nil || it.store == nil {
		if it.pos >= len(it.memPairs) {
			return Pair{}, false, nil
		}
		p := it.memPairs[it.pos]
		it.pos++
		return p, true, nil
	}
	if it.pos >= len(it.pairs) {
		return Pair{}, false, nil
	}
	ik := it.pairs[it.pos]
	it.pos++
	value, ok, err := it.store.readAt(ik.offset, ik.length)
	if err != nil {
		return Pair{}, false, err
	}
	if !ok {
		// Tombstoned between index snapshot and read; skip by recursing.
		return it.Next()
	}
	return Pair{Key: []byte(ik.key), Value: value}, true, nil
}

func (s *Store) readAt(offset, length int64) ([]byte, bool, error) {
	rec := make([]byte, length)
	if _, err := s.f.ReadAt(rec, offset); err != nil {
		return nil, false, err
	}
	keyLen := beUint32(rec[0:4])
	valLen := beUint32(rec[4:8])
	if valLen == tombstoneLen {
		return nil, false, nil
	}
	v := make([]byte, valLen)
	copy(v, rec[recordHeaderSize+int(keyLen):])
	return v, true, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Scan returns an Iterator over r, snapshotted against the index at call
// time. reverse toggles descending order.
func (s *Store) Scan(r Range, reverse bool) (*Iterator, error) {
	keys := make([]indexedKey, 0, len(s.index))
	for k, e := range s.index {
		if inRange([]byte(k), r) {
			keys = append(keys, indexedKey{key: k, offset: e.offset, length: e.length})
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return compareBytes([]byte(keys[i].key), []byte(keys[j].key)) < 0
	})
	if reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	return &Iterator{store: s, pairs: keys}, nil
}
