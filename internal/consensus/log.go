package consensus

import (
	"encoding/gob"
	"bytes"

	"github.com/quoradb/quoradb/internal/bytestore"
	"github.com/quoradb/quoradb/internal/errs"
	"github.com/quoradb/quoradb/internal/keyenc"
)

var (
	logEntryTag      keyenc.Tag = 1
	logMetaTag       keyenc.Tag = 2
	metaCurrentTerm             = []byte("current_term")
	metaVotedFor                = []byte("voted_for")
)

func entryKey(idx Index) []byte {
	return keyenc.NewEncoder().Tagged(logEntryTag, func(e *keyenc.Encoder) { e.Uint64(uint64(idx)) }).Bytes()
}

func metaKey(name []byte) []byte {
	return keyenc.NewEncoder().Tagged(logMetaTag, func(e *keyenc.Encoder) { e.Bytes(name) }).Bytes()
}

// raftLog is the persistent, append-only log of replicated entries plus the
// node's persistent term/vote bookkeeping, all stored in one
// bytestore.KV keyed via internal/keyenc so entries stay in index order.
type raftLog struct {
	store bytestore.KV

	lastIndex Index
	lastTerm  Term
}

func openRaftLog(store bytestore.KV) (*raftLog, error) {
	l := &raftLog{store: store}
	idx, term, err := l.scanTail()
	if err != nil {
		return nil, err
	}
	l.lastIndex = idx
	l.lastTerm = term
	return l, nil
}

func (l *raftLog) scanTail() (Index, Term, error) {
	it, err := l.store.Scan(bytestore.Range{
		Lo: bytestore.Bound{Key: []byte{byte(logEntryTag)}},
		Hi: bytestore.Bound{Key: []byte{byte(logEntryTag) + 1}},
	}, true)
	if err != nil {
		return 0, 0, err
	}
	p, ok, err := it.Next()
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, nil
	}
	var e Entry
	if err := gobDecode(p.Value, &e); err != nil {
		return 0, 0, errs.Wrap(errs.Internal, err, "consensus: decode tail log entry")
	}
	return e.Index, e.Term, nil
}

// Append adds entries after truncating any existing entries at or beyond
// the first new entry's index (used when a follower's log diverges from the
// leader's and must be overwritten).
func (l *raftLog) Append(entries []Entry) error {
	for _, e := range entries {
		if err := l.truncateFrom(e.Index); err != nil {
			return err
		}
		buf, err := gobEncode(e)
		if err != nil {
			return errs.Wrap(errs.Internal, err, "consensus: encode log entry")
		}
		if err := l.store.Set(entryKey(e.Index), buf); err != nil {
			return err
		}
		l.lastIndex = e.Index
		l.lastTerm = e.Term
	}
	return nil
}

// truncateFrom deletes every entry at index >= from, used before
// overwriting a diverged suffix.
func (l *raftLog) truncateFrom(from Index) error {
	if from > l.lastIndex {
		return nil
	}
	for i := from; i <= l.lastIndex; i++ {
		if err := l.store.Delete(entryKey(i)); err != nil {
			return err
		}
	}
	if from <= 1 {
		l.lastIndex = 0
		l.lastTerm = 0
		return nil
	}
	prev, ok, err := l.Get(from - 1)
	if err != nil {
		return err
	}
	if ok {
		l.lastIndex = prev.Index
		l.lastTerm = prev.Term
	} else {
		l.lastIndex = 0
		l.lastTerm = 0
	}
	return nil
}

// Get returns the entry at idx, if present.
func (l *raftLog) Get(idx Index) (Entry, bool, error) {
	if idx == 0 {
		return Entry{}, false, nil
	}
	raw, ok, err := l.store.Get(entryKey(idx))
	if err != nil || !ok {
		return Entry{}, false, err
	}
	var e Entry
	if err := gobDecode(raw, &e); err != nil {
		return Entry{}, false, errs.Wrap(errs.Internal, err, "consensus: decode log entry %d", idx)
	}
	return e, true, nil
}

// TermAt returns the term of the entry at idx, or 0 if idx is 0 (the
// virtual "before the log" anchor).
func (l *raftLog) TermAt(idx Index) (Term, error) {
	if idx == 0 {
		return 0, nil
	}
	e, ok, err := l.Get(idx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errs.New(errs.Internal, "consensus: term requested for missing index %d", idx)
	}
	return e.Term, nil
}

func (l *raftLog) LastIndex() Index { return l.lastIndex }
func (l *raftLog) LastTerm() Term   { return l.lastTerm }

func (l *raftLog) SetCurrentTerm(t Term) error {
	return l.store.Set(metaKey(metaCurrentTerm), encodeU64(uint64(t)))
}

func (l *raftLog) CurrentTerm() (Term, error) {
	raw, ok, err := l.store.Get(metaKey(metaCurrentTerm))
	if err != nil || !ok {
		return 0, err
	}
	return Term(decodeU64(raw)), nil
}

func (l *raftLog) SetVotedFor(id NodeID) error {
	if id == "" {
		return l.store.Delete(metaKey(metaVotedFor))
	}
	return l.store.Set(metaKey(metaVotedFor), []byte(id))
}

func (l *raftLog) VotedFor() (NodeID, bool, error) {
	raw, ok, err := l.store.Get(metaKey(metaVotedFor))
	if err != nil || !ok {
		return "", false, err
	}
	return NodeID(raw), true, nil
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
