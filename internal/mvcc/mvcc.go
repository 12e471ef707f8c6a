// Package mvcc implements snapshot-isolation transactions over an ordered
// key/value store (internal/bytestore).
//
// What: versioned keys, active-set snapshots, write-conflict detection,
// commit/rollback, and time-travel reads, all addressed through a tagged
// key namespace layered on top of any internal/bytestore.KV.
// How: every write is stamped with the writer's version and indexed under
// Version(userkey, version); a transaction's snapshot is the set of versions
// that were still open when it began, so a version is visible to it iff it
// is not younger than the reader and was not concurrently open. Structural
// operations (Begin/Commit/Rollback) take a short process-wide lock; reads
// and writes inside an open transaction touch the store directly, since the
// store itself is single-writer.
// Why: this gives ACID snapshot isolation on top of a plain append-only log
// without requiring the underlying store to understand versions at all.
package mvcc

import (
	"sync"

	"github.com/quoradb/quoradb/internal/bytestore"
	"github.com/quoradb/quoradb/internal/errs"
	"github.com/quoradb/quoradb/internal/obs"
)

// Engine owns the underlying store and the mutex serializing structural
// transaction operations.
type Engine struct {
	mu    sync.Mutex
	store bytestore.KV
}

// New wraps store with MVCC. The caller retains no direct access to store
// once wrapped; the MVCC namespace claims the entire key space.
func New(store bytestore.KV) *Engine {
	return &Engine{store: store}
}

// Transaction is a handle returned by Begin. It is not safe for concurrent
// use from multiple goroutines.
type Transaction struct {
	engine   *Engine
	version  uint64
	readOnly bool
	// horizon is the highest version visible to this transaction: version
	// for a read/write transaction, or asOf-1 for a read-only snapshot.
	horizon uint64
	active  map[uint64]bool // versions open (and thus invisible) at Begin
	done    bool
}

// ID returns the MVCC version identifying this transaction, used as the
// cross-consensus-boundary transaction id for Resume.
func (t *Transaction) ID() uint64 { return t.version }

// ReadOnly reports whether writes are rejected with errs.ReadOnly.
func (t *Transaction) ReadOnly() bool { return t.readOnly }

func (e *Engine) nextVersion() (uint64, error) {
	raw, ok, err := e.store.Get(keyNextVersion())
	if err != nil {
		return 0, err
	}
	v := uint64(1)
	if ok {
		v = decodeU64(raw)
	}
	if err := e.store.Set(keyNextVersion(), encodeU64(v+1)); err != nil {
		return 0, err
	}
	return v, nil
}

func (e *Engine) activeSnapshot() (map[uint64]bool, error) {
	it, err := e.store.Scan(bytestore.Range{
		Lo: bytestore.Bound{Key: txnActivePrefix()},
		Hi: bytestore.Bound{Key: upperBound(txnActivePrefix())},
	}, false)
	if err != nil {
		return nil, err
	}
	active := make(map[uint64]bool)
	for {
		p, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		active[decodeActiveKeyVersion(p.Key)] = true
	}
	return active, nil
}

func decodeActiveKeyVersion(k []byte) uint64 {
	// k is tagTxnActive + Uint64(v); the version is the 8 bytes after the tag.
	if len(k) < 9 {
		return 0
	}
	return decodeU64(k[1:9])
}

// Begin starts a new read/write transaction.
func (e *Engine) Begin() (*Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, err := e.nextVersion()
	if err != nil {
		return nil, err
	}
	if err := e.store.Set(keyTxnActive(v), []byte{}); err != nil {
		return nil, err
	}
	active, err := e.activeSnapshot()
	if err != nil {
		return nil, err
	}
	delete(active, v)
	versions := make([]uint64, 0, len(active))
	for w := range active {
		versions = append(versions, w)
	}
	if err := e.store.Set(keyTxnActiveSnapshot(v), encodeVersionSet(versions)); err != nil {
		return nil, err
	}

	return &Transaction{engine: e, version: v, horizon: v, active: active}, nil
}

// BeginReadOnly starts a historical, read-only transaction as of asOf: it
// sees exactly what a transaction beginning at asOf would have seen, without
// registering itself as an active writer.
func (e *Engine) BeginReadOnly(asOf uint64) (*Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	raw, ok, err := e.store.Get(keyTxnActiveSnapshot(asOf))
	if err != nil {
		return nil, err
	}
	active := map[uint64]bool{}
	if ok {
		active = decodeVersionSet(raw)
	}
	horizon := uint64(0)
	if asOf > 0 {
		horizon = asOf - 1
	}
	return &Transaction{engine: e, version: asOf, readOnly: true, horizon: horizon, active: active}, nil
}

// visible reports whether version w is visible to a reader with this
// transaction's horizon and active set.
func (t *Transaction) visible(w uint64) bool {
	if w > t.horizon {
		return w == t.version && !t.readOnly
	}
	if t.active[w] {
		return false
	}
	return true
}

// Get returns the most recent value of key visible to this transaction, or
// ok=false if absent or tombstoned.
func (t *Transaction) Get(key []byte) (value []byte, ok bool, err error) {
	it, err := t.engine.store.Scan(bytestore.Range{
		Lo: bytestore.Bound{Key: versionKeyPrefix(key)},
		Hi: bytestore.Bound{Key: upperBound(versionKeyPrefix(key))},
	}, true)
	if err != nil {
		return nil, false, err
	}
	for {
		p, more, err := it.Next()
		if err != nil {
			return nil, false, err
		}
		if !more {
			return nil, false, nil
		}
		_, w, err := decodeVersionKey(p.Key)
		if err != nil {
			return nil, false, errs.Wrap(errs.Internal, err, "mvcc: decode version key")
		}
		if !t.visible(w) {
			continue
		}
		if isTombstone(p.Value) {
			return nil, false, nil
		}
		return valueFromRecord(p.Value), true, nil
	}
}

// Set writes key := value, visible to future transactions once this one
// commits. Fails with errs.Serialization if a concurrent writer already
// wrote a version of key that this transaction cannot see past.
func (t *Transaction) Set(key, value []byte) error {
	return t.write(key, value, false)
}

// Delete writes a tombstone for key.
func (t *Transaction) Delete(key []byte) error {
	return t.write(key, nil, true)
}

func (t *Transaction) write(key, value []byte, tombstone bool) error {
	if t.readOnly {
		return errs.New(errs.ReadOnly, "mvcc: write in read-only transaction")
	}
	if t.done {
		return errs.New(errs.Internal, "mvcc: write after commit/rollback")
	}

	it, err := t.engine.store.Scan(bytestore.Range{
		Lo: bytestore.Bound{Key: versionKeyPrefix(key)},
		Hi: bytestore.Bound{Key: upperBound(versionKeyPrefix(key))},
	}, true)
	if err != nil {
		return err
	}
	p, ok, err := it.Next()
	if err != nil {
		return err
	}
	if ok {
		_, w, err := decodeVersionKey(p.Key)
		if err != nil {
			return errs.Wrap(errs.Internal, err, "mvcc: decode version key")
		}
		if w > t.version || t.active[w] {
			obs.MVCCConflictsTotal.Inc()
			return errs.New(errs.Serialization, "mvcc: write conflict on key at version %d", w)
		}
	}

	if err := t.engine.store.Set(keyVersion(key, t.version), encodeRecord(value, tombstone)); err != nil {
		return err
	}
	return t.engine.store.Set(keyTxnWrite(t.version, key), []byte{})
}

// GetUnversioned reads a key outside the MVCC namespace, for bookkeeping
// writers choose not to version (e.g. schema metadata callers manage
// themselves). Visible immediately and to everyone, like a plain KV store.
func (t *Transaction) GetUnversioned(key []byte) ([]byte, bool, error) {
	return t.engine.store.Get(keyUnversioned(key))
}

// SetUnversioned writes outside the MVCC namespace.
func (t *Transaction) SetUnversioned(key, value []byte) error {
	return t.engine.store.Set(keyUnversioned(key), value)
}

// Commit makes this transaction's writes visible to all transactions that
// begin afterward. Durability of the underlying store is the caller's
// responsibility via an explicit Flush.
func (t *Transaction) Commit() error {
	if t.readOnly {
		t.done = true
		return nil
	}
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	if t.done {
		return errs.New(errs.Internal, "mvcc: commit after commit/rollback")
	}
	t.done = true
	err := t.engine.store.Delete(keyTxnActive(t.version))
	if err != nil {
		obs.MVCCTransactionsTotal.WithLabelValues("commit_error").Inc()
	} else {
		obs.MVCCTransactionsTotal.WithLabelValues("committed").Inc()
	}
	return err
}

// Rollback undoes every write this transaction made and releases its
// snapshot bookkeeping.
func (t *Transaction) Rollback() error {
	if t.readOnly {
		t.done = true
		return nil
	}
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	if t.done {
		return errs.New(errs.Internal, "mvcc: rollback after commit/rollback")
	}
	t.done = true

	it, err := t.engine.store.Scan(bytestore.Range{
		Lo: bytestore.Bound{Key: txnWritePrefix(t.version)},
		Hi: bytestore.Bound{Key: upperBound(txnWritePrefix(t.version))},
	}, false)
	if err != nil {
		return err
	}
	var userKeys [][]byte
	for {
		p, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		uk, err := decodeTxnWriteKey(p.Key, t.version)
		if err != nil {
			return errs.Wrap(errs.Internal, err, "mvcc: decode rollback write key")
		}
		userKeys = append(userKeys, uk)
	}
	for _, uk := range userKeys {
		if err := t.engine.store.Delete(keyVersion(uk, t.version)); err != nil {
			return err
		}
		if err := t.engine.store.Delete(keyTxnWrite(t.version, uk)); err != nil {
			return err
		}
	}
	if err := t.engine.store.Delete(keyTxnActive(t.version)); err != nil {
		return err
	}
	if err := t.engine.store.Delete(keyTxnActiveSnapshot(t.version)); err != nil {
		return err
	}
	obs.MVCCTransactionsTotal.WithLabelValues("rolled_back").Inc()
	return nil
}

// ScanResult is one visible (key, value) pair from a transactional Scan.
type ScanResult struct {
	Key   []byte
	Value []byte
}

// Scan iterates the visible frontier of user keys in [lo, hi) (nil bounds
// are open-ended), grouping Version(k, *) by k and yielding the greatest
// version visible to this transaction, skipping tombstones.
func (t *Transaction) Scan(lo, hi []byte) ([]ScanResult, error) {
	it, err := t.engine.store.Scan(bytestore.Range{
		Lo: bytestore.Bound{Key: versionNamespacePrefix()},
		Hi: bytestore.Bound{Key: upperBound(versionNamespacePrefix())},
	}, false)
	if err != nil {
		return nil, err
	}

	var out []ScanResult
	var curKey []byte
	var curVal []byte
	var curVisible bool
	var curTombstone bool

	flush := func() {
		if curKey != nil && curVisible && !curTombstone {
			out = append(out, ScanResult{Key: curKey, Value: curVal})
		}
	}

	for {
		p, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		uk, w, err := decodeVersionKey(p.Key)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, err, "mvcc: decode version key during scan")
		}
		if lo != nil && bytestore.CompareBytes(uk, lo) < 0 {
			continue
		}
		if hi != nil && bytestore.CompareBytes(uk, hi) >= 0 {
			continue
		}
		if curKey == nil || !bytesEqual(uk, curKey) {
			flush()
			curKey = uk
			curVisible = false
		}
		if !t.visible(w) {
			continue
		}
		// Versions for a fixed key arrive in ascending order; the last
		// visible one we see is the greatest visible one.
		curVisible = true
		curTombstone = isTombstone(p.Value)
		curVal = valueFromRecord(p.Value)
	}
	flush()
	return out, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// PrefixUpperBound exposes upperBound for callers outside this package
// (sqlstorage's catalog/row/index scans) that need to bound a Scan to keys
// sharing a given prefix.
func PrefixUpperBound(p []byte) []byte { return upperBound(p) }

// upperBound returns the smallest byte string that sorts strictly after
// every string with prefix p, used to bound a prefix scan.
func upperBound(p []byte) []byte {
	b := append([]byte{}, p...)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xFF {
			b[i]++
			return b[:i+1]
		}
	}
	// All 0xFF: no finite upper bound, but returning nil would mean
	// "unbounded" which is also correct here since nothing sorts above an
	// all-0xFF prefix of indefinite extension in practice for this codec.
	return nil
}

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func decodeU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// encodeRecord/decodeRecord wrap a Version value with a tombstone flag,
// independent of the one used by bytestore itself (MVCC tombstones are
// values recording "deleted at this version", not absent records).
func encodeRecord(value []byte, tombstone bool) []byte {
	if tombstone {
		return []byte{1}
	}
	out := make([]byte, 1+len(value))
	out[0] = 0
	copy(out[1:], value)
	return out
}

func isTombstone(rec []byte) bool {
	return len(rec) == 0 || rec[0] == 1
}

func valueFromRecord(rec []byte) []byte {
	if len(rec) <= 1 {
		return nil
	}
	return rec[1:]
}
