// Package bytestore implements an append-only, log-structured byte store
// with an in-memory live-key index and ratio-triggered compaction.
//
// What: a single log file of length-prefixed records, a map from live user
// key to the file offset of its most recent record, and forward/reverse
// ordered range scans over that map.
// How: every Set/Delete appends a record (never overwrites in place); the
// index tracks only the newest record per key. Compaction rewrites the log
// with only the live records once the fraction of dead bytes crosses a
// threshold. A physical-record WAL format, magic-less since this is a
// single self-describing log rather than a paired page store, scaled down
// to one record type.
// Why: single-writer ordered scans are exactly what the MVCC layer above
// needs, and an append-only log is the simplest thing that gives crash
// recoverability by truncation at the first bad record.
package bytestore

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/quoradb/quoradb/internal/errs"
)

// MaxKeySize and MaxValueSize bound individual records, matching the byte
// store's documented 2 GiB ceiling per key/value.
const (
	MaxKeySize   = 2 << 30
	MaxValueSize = 2 << 30

	tombstoneLen = 0xFFFFFFFF

	compactionDeadRatio = 0.20
)

// recordHeaderSize is [key_len:4][value_len:4][crc32:4].
const recordHeaderSize = 12

type indexEntry struct {
	offset int64
	length int64 // total record length on disk, header + key + value
	dead   bool  // never set or read: superseded and deleted keys are removed from the index instead
}

// Store is an append-only, single-writer key/value log. It is not safe for
// concurrent use; callers (the MVCC engine, the consensus log) are
// responsible for serializing access.
type Store struct {
	path string
	f    *os.File

	index map[string]indexEntry

	liveBytes  int64
	totalBytes int64
}

// Open opens (creating if absent) the log file at path and replays it to
// rebuild the in-memory index.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(errs.Io, err, "bytestore: mkdir parent of %s", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.Io, err, "bytestore: open %s", path)
	}
	s := &Store{
		path:  path,
		f:     f,
		index: make(map[string]indexEntry),
	}
	if err := s.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// replay scans the log sequentially, rebuilding the index and truncating at
// the first incomplete or corrupt-by-truncation record.
func (s *Store) replay() error {
	info, err := s.f.Stat()
	if err != nil {
		return errs.Wrap(errs.Io, err, "bytestore: stat %s", s.path)
	}
	size := info.Size()

	r := bufio.NewReader(s.f)
	var offset int64
	for offset < size {
		hdr := make([]byte, recordHeaderSize)
		n, err := io.ReadFull(r, hdr)
		if err != nil || n < recordHeaderSize {
			// Partial header: crash mid-write. Truncate here.
			break
		}
		keyLen := binary.BigEndian.Uint32(hdr[0:4])
		valLen := binary.BigEndian.Uint32(hdr[4:8])
		wantCRC := binary.BigEndian.Uint32(hdr[8:12])

		isTombstone := valLen == tombstoneLen
		payloadLen := int64(keyLen)
		if !isTombstone {
			payloadLen += int64(valLen)
		}
		recordLen := int64(recordHeaderSize) + payloadLen
		if offset+recordLen > size {
			// Declared length runs past EOF: partial record, truncate here.
			break
		}

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			break
		}

		gotCRC := crc32.ChecksumIEEE(append(append([]byte{}, hdr[:8]...), payload...))
		if gotCRC != wantCRC {
			// Lengths were internally consistent but the checksum does not
			// match: this is mid-life corruption, not a truncated tail.
			return errs.New(errs.Io, "bytestore: corrupt record at offset %d in %s (crc mismatch)", offset, s.path)
		}

		key := payload[:keyLen]
		if isTombstone {
			s.removeFromIndex(string(key))
		} else {
			s.applyIndex(string(key), offset, recordLen)
		}
		offset += recordLen
	}

	if offset != size {
		if err := s.f.Truncate(offset); err != nil {
			return errs.Wrap(errs.Io, err, "bytestore: truncate %s to %d", s.path, offset)
		}
		if _, err := s.f.Seek(offset, io.SeekStart); err != nil {
			return errs.Wrap(errs.Io, err, "bytestore: seek %s", s.path)
		}
	} else {
		if _, err := s.f.Seek(offset, io.SeekStart); err != nil {
			return errs.Wrap(errs.Io, err, "bytestore: seek %s", s.path)
		}
	}
	return nil
}

func (s *Store) applyIndex(key string, offset, length int64) {
	if old, ok := s.index[key]; ok {
		s.liveBytes -= old.length
	}
	s.index[key] = indexEntry{offset: offset, length: length}
	s.liveBytes += length
	s.totalBytes += length
}

func (s *Store) removeFromIndex(key string) {
	if old, ok := s.index[key]; ok {
		s.liveBytes -= old.length
		delete(s.index, key)
	}
	// The tombstone record itself still occupies disk space until compacted.
	s.totalBytes += recordHeaderSize + int64(len(key))
}

func encodeRecord(key, value []byte, tombstone bool) []byte {
	hdr := make([]byte, recordHeaderSize)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(key)))
	if tombstone {
		binary.BigEndian.PutUint32(hdr[4:8], tombstoneLen)
	} else {
		binary.BigEndian.PutUint32(hdr[4:8], uint32(len(value)))
	}
	payload := make([]byte, 0, len(key)+len(value))
	payload = append(payload, key...)
	if !tombstone {
		payload = append(payload, value...)
	}
	crc := crc32.ChecksumIEEE(append(append([]byte{}, hdr[:8]...), payload...))
	binary.BigEndian.PutUint32(hdr[8:12], crc)

	rec := make([]byte, 0, recordHeaderSize+len(payload))
	rec = append(rec, hdr...)
	rec = append(rec, payload...)
	return rec
}

func (s *Store) appendRecord(key, value []byte, tombstone bool) (int64, int64, error) {
	if len(key) > MaxKeySize {
		return 0, 0, errs.New(errs.Value, "bytestore: key exceeds %d bytes", MaxKeySize)
	}
	if len(value) > MaxValueSize {
		return 0, 0, errs.New(errs.Value, "bytestore: value exceeds %d bytes", MaxValueSize)
	}
	rec := encodeRecord(key, value, tombstone)
	offset, err := s.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, 0, errs.Wrap(errs.Io, err, "bytestore: seek end of %s", s.path)
	}
	if _, err := s.f.Write(rec); err != nil {
		return 0, 0, errs.Wrap(errs.Io, err, "bytestore: append to %s", s.path)
	}
	return offset, int64(len(rec)), nil
}

// Get returns the current value for key, or ok=false if absent.
func (s *Store) Get(key []byte) (value []byte, ok bool, err error) {
	entry, ok := s.index[string(key)]
	if !ok {
		return nil, false, nil
	}
	rec := make([]byte, entry.length)
	if _, err := s.f.ReadAt(rec, entry.offset); err != nil {
		return nil, false, errs.Wrap(errs.Io, err, "bytestore: read %s at %d", s.path, entry.offset)
	}
	keyLen := binary.BigEndian.Uint32(rec[0:4])
	valLen := binary.BigEndian.Uint32(rec[4:8])
	if valLen == tombstoneLen {
		return nil, false, nil
	}
	v := make([]byte, valLen)
	copy(v, rec[recordHeaderSize+int(keyLen):])
	return v, true, nil
}

// Set writes (or overwrites) key's value.
func (s *Store) Set(key, value []byte) error {
	offset, length, err := s.appendRecord(key, value, false)
	if err != nil {
		return err
	}
	s.applyIndex(string(key), offset, length)
	return s.maybeCompact()
}

// Delete removes key, if present, by appending a tombstone record.
func (s *Store) Delete(key []byte) error {
	if _, ok := s.index[string(key)]; !ok {
		return nil
	}
	_, _, err := s.appendRecord(key, nil, true)
	if err != nil {
		return err
	}
	s.removeFromIndex(string(key))
	return s.maybeCompact()
}

// Flush fsyncs the log file; after it returns, all prior successful writes
// survive a restart.
func (s *Store) Flush() error {
	if err := s.f.Sync(); err != nil {
		return errs.Wrap(errs.Io, err, "bytestore: fsync %s", s.path)
	}
	return nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	return s.f.Close()
}

func (s *Store) maybeCompact() error {
	if s.totalBytes == 0 {
		return nil
	}
	deadRatio := float64(s.totalBytes-s.liveBytes) / float64(s.totalBytes)
	if deadRatio <= compactionDeadRatio {
		return nil
	}
	return s.compact()
}

// compact atomically rewrites the log to contain only live records, in
// index (sorted key) order, then swaps it in by rename. Synchronous and
// blocks concurrent access, matching the single-writer contract.
func (s *Store) compact() error {
	tmpPath := s.path + ".compact.tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errs.Wrap(errs.Io, err, "bytestore: create compaction file %s", tmpPath)
	}

	keys := make([]string, 0, len(s.index))
	for k := range s.index {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	newIndex := make(map[string]indexEntry, len(keys))
	var liveBytes int64
	var w io.Writer = tmp
	for _, k := range keys {
		entry := s.index[k]
		rec := make([]byte, entry.length)
		if _, err := s.f.ReadAt(rec, entry.offset); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return errs.Wrap(errs.Io, err, "bytestore: read during compaction")
		}
		offset, err := tmp.Seek(0, io.SeekCurrent)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return errs.Wrap(errs.Io, err, "bytestore: seek compaction file")
		}
		if _, err := w.Write(rec); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return errs.Wrap(errs.Io, err, "bytestore: write compaction file")
		}
		newIndex[k] = indexEntry{offset: offset, length: entry.length}
		liveBytes += entry.length
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.Wrap(errs.Io, err, "bytestore: fsync compaction file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.Io, err, "bytestore: close compaction file")
	}
	if err := s.f.Close(); err != nil {
		return errs.Wrap(errs.Io, err, "bytestore: close old log")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return errs.Wrap(errs.Io, err, "bytestore: rename compaction file into place")
	}
	if err := fsyncDir(filepath.Dir(s.path)); err != nil {
		return err
	}

	f, err := os.OpenFile(s.path, os.O_RDWR, 0o644)
	if err != nil {
		return errs.Wrap(errs.Io, err, "bytestore: reopen %s after compaction", s.path)
	}
	s.f = f
	s.index = newIndex
	s.liveBytes = liveBytes
	s.totalBytes = liveBytes
	return nil
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errs.Wrap(errs.Io, err, "bytestore: open dir %s", dir)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errs.Wrap(errs.Io, err, "bytestore: fsync dir %s", dir)
	}
	return nil
}
