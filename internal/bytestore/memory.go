package bytestore

import "sort"

// Memory is an in-memory ordered key/value store with the same semantics as
// Store but no on-disk log, used when the server Config's StorageRaft or
// StorageSQL field is StorageMemory (tests and ephemeral nodes).
type Memory struct {
	data map[string][]byte
}

// OpenMemory returns an empty in-memory store.
func OpenMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(key []byte) ([]byte, bool, error) {
	v, ok := m.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (m *Memory) Set(key, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[string(key)] = cp
	return nil
}

func (m *Memory) Delete(key []byte) error {
	delete(m.data, string(key))
	return nil
}

func (m *Memory) Flush() error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) Scan(r Range, reverse bool) (*Iterator, error) {
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if inRange([]byte(k), r) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	pairs := make([]Pair, len(keys))
	for i, k := range keys {
		pairs[i] = Pair{Key: []byte(k), Value: m.data[k]}
	}
	return &Iterator{pairs: nil, pos: 0, store: nil, memPairs: pairs}, nil
}
