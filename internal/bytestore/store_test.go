package bytestore

import (
	"os"
	"path/filepath"
	"testing"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "log")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, path
}

func TestSetGetDelete(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	if err := s.Set([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get([]byte("a"))
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("Get after Set = %q, %v, %v", v, ok, err)
	}

	if err := s.Delete([]byte("a")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err = s.Get([]byte("a"))
	if err != nil || ok {
		t.Fatalf("Get after Delete = ok=%v err=%v, want absent", ok, err)
	}
}

func TestDurabilityAfterFlush(t *testing.T) {
	s, path := openTemp(t)

	if err := s.Set([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set([]byte("k2"), []byte("v2")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	for _, want := range map[string]string{"k1": "v1", "k2": "v2"} {
		_ = want
	}
	v, ok, err := reopened.Get([]byte("k1"))
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("k1 = %q, %v, %v", v, ok, err)
	}
	v, ok, err = reopened.Get([]byte("k2"))
	if err != nil || !ok || string(v) != "v2" {
		t.Fatalf("k2 = %q, %v, %v", v, ok, err)
	}
}

func TestCrashMidAppendTruncatesCleanly(t *testing.T) {
	s, path := openTemp(t)

	if err := s.Set([]byte("whole"), []byte("record")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a crash mid-append by appending a truncated trailing record.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("reopen raw: %v", err)
	}
	if _, err := f.Write([]byte{0, 0, 0, 5, 0, 0, 0, 3, 0, 0, 0, 0, 'a', 'b'}); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close raw: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer reopened.Close()

	v, ok, err := reopened.Get([]byte("whole"))
	if err != nil || !ok || string(v) != "record" {
		t.Fatalf("whole record lost after truncation recovery: %q, %v, %v", v, ok, err)
	}
}

func TestScanForwardAndReverse(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	keys := []string{"a", "b", "c", "d"}
	for _, k := range keys {
		if err := s.Set([]byte(k), []byte(k+k)); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}

	it, err := s.Scan(Range{}, false)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	var got []string
	for {
		p, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, string(p.Key))
	}
	want := []string{"a", "b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("forward scan = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("forward scan[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	it, err = s.Scan(Range{}, true)
	if err != nil {
		t.Fatalf("Scan reverse: %v", err)
	}
	got = nil
	for {
		p, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, string(p.Key))
	}
	wantRev := []string{"d", "c", "b", "a"}
	for i := range wantRev {
		if got[i] != wantRev[i] {
			t.Fatalf("reverse scan[%d] = %s, want %s", i, got[i], wantRev[i])
		}
	}
}

func TestCompactionPreservesLiveSet(t *testing.T) {
	s, path := openTemp(t)
	defer s.Close()

	// Write then overwrite the same keys repeatedly to build up dead bytes
	// past the compaction threshold.
	for i := 0; i < 50; i++ {
		if err := s.Set([]byte("hot"), []byte("value-that-is-reasonably-long")); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if err := s.Set([]byte("cold"), []byte("stable")); err != nil {
		t.Fatalf("Set cold: %v", err)
	}

	v, ok, err := s.Get([]byte("hot"))
	if err != nil || !ok || string(v) != "value-that-is-reasonably-long" {
		t.Fatalf("hot after compaction = %q, %v, %v", v, ok, err)
	}
	v, ok, err = s.Get([]byte("cold"))
	if err != nil || !ok || string(v) != "stable" {
		t.Fatalf("cold after compaction = %q, %v, %v", v, ok, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() > 4096 {
		t.Fatalf("log file did not shrink after compaction: %d bytes", info.Size())
	}
}
