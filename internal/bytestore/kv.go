package bytestore

// KV is the contract both the on-disk Store and the in-memory Memory
// variant satisfy. The MVCC engine and the consensus log depend only on
// this interface so either backend can be selected per store through the
// server Config's StorageRaft and StorageSQL fields.
type KV interface {
	Get(key []byte) (value []byte, ok bool, err error)
	Set(key, value []byte) error
	Delete(key []byte) error
	Scan(r Range, reverse bool) (*Iterator, error)
	Flush() error
	Close() error
}

var (
	_ KV = (*Store)(nil)
	_ KV = (*Memory)(nil)
)
