package sstable

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/emberkv/emberkv/pkg/record"
)

func buildTable(t *testing.T, root string, id uint64, entries []*record.Entry, entriesPerBlock int, comp *CompressionConfig) *Reader {
	t.Helper()
	w, err := NewWriter(root, id, len(entries), entriesPerBlock, comp)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	for _, e := range entries {
		if err := w.Write(e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	r, err := w.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func makeEntries(n int) []*record.Entry {
	entries := make([]*record.Entry, n)
	for i := 0; i < n; i++ {
		entries[i] = &record.Entry{
			Key:       []byte(fmt.Sprintf("key-%04d", i)),
			Value:     []byte(fmt.Sprintf("value-%04d", i)),
			Timestamp: uint64(i + 1),
		}
	}
	return entries
}

func TestWriterReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	entries := makeEntries(200)
	r := buildTable(t, dir, 1, entries, 16, DefaultCompressionConfig())

	if r.NumEntries() != 200 {
		t.Fatalf("expected 200 entries, got %d", r.NumEntries())
	}
	for _, e := range entries {
		got, ok, err := r.Get(e.Key)
		if err != nil {
			t.Fatalf("get %q: %v", e.Key, err)
		}
		if !ok {
			t.Fatalf("expected to find key %q", e.Key)
		}
		if string(got.Value) != string(e.Value) || got.Timestamp != e.Timestamp {
			t.Fatalf("mismatch for %q: got %+v want %+v", e.Key, got, e)
		}
	}
}

func TestWriterReaderRoundTripWithZstd(t *testing.T) {
	dir := t.TempDir()
	entries := makeEntries(500)
	r := buildTable(t, dir, 1, entries, 32, ZstdCompressionConfig(3))

	for _, e := range entries {
		got, ok, err := r.Get(e.Key)
		if err != nil {
			t.Fatalf("get %q: %v", e.Key, err)
		}
		if !ok || string(got.Value) != string(e.Value) {
			t.Fatalf("round trip failed for %q", e.Key)
		}
	}
}

func TestReaderMissingKeyOutOfRange(t *testing.T) {
	dir := t.TempDir()
	entries := makeEntries(50)
	r := buildTable(t, dir, 1, entries, 8, DefaultCompressionConfig())

	if _, ok, err := r.Get([]byte("aaaa")); err != nil || ok {
		t.Fatalf("expected key below range to be absent, got ok=%v err=%v", ok, err)
	}
	if _, ok, err := r.Get([]byte("zzzz")); err != nil || ok {
		t.Fatalf("expected key above range to be absent, got ok=%v err=%v", ok, err)
	}
}

func TestReaderBloomNegativeLookup(t *testing.T) {
	dir := t.TempDir()
	entries := makeEntries(100)
	r := buildTable(t, dir, 1, entries, 16, DefaultCompressionConfig())

	// A key inside the min/max range that was never inserted: the bloom
	// filter should reject most such probes without the scan reaching a
	// false positive. We can't assert zero false positives deterministically,
	// but we can assert the lookup completes and reports absent for a key
	// chosen not to collide with the murmur3 hash of any inserted key here.
	missing := []byte("key-0000-missing-zzz")
	_, ok, err := r.Get(missing)
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if ok {
		t.Fatalf("expected missing key to be absent")
	}
}

func TestTombstonePreservedInSSTable(t *testing.T) {
	dir := t.TempDir()
	entries := []*record.Entry{
		{Key: []byte("a"), Value: []byte("1"), Timestamp: 1},
		{Key: []byte("b"), Deleted: true, Timestamp: 2},
		{Key: []byte("c"), Value: []byte("3"), Timestamp: 3},
	}
	r := buildTable(t, dir, 1, entries, 2, DefaultCompressionConfig())

	got, ok, err := r.Get([]byte("b"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("expected tombstone to be present in the table")
	}
	if !got.Deleted {
		t.Fatalf("expected tombstone, got live entry %+v", got)
	}
}

func TestIteratorStreamsInOrder(t *testing.T) {
	dir := t.TempDir()
	entries := makeEntries(150)
	r := buildTable(t, dir, 1, entries, 10, DefaultCompressionConfig())

	it := r.Iterator()
	count := 0
	for it.Next() {
		e := it.Entry()
		want := entries[count]
		if string(e.Key) != string(want.Key) {
			t.Fatalf("entry %d: got key %q, want %q", count, e.Key, want.Key)
		}
		count++
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	if count != len(entries) {
		t.Fatalf("expected %d entries from iterator, got %d", len(entries), count)
	}
}

func TestWriterAtomicRenameLeavesNoTempDirOnSuccess(t *testing.T) {
	dir := t.TempDir()
	entries := makeEntries(10)
	buildTable(t, dir, 7, entries, 4, DefaultCompressionConfig())

	if !Exists(Dir(dir, 7)) {
		t.Fatalf("expected finalized table to exist at %s", Dir(dir, 7))
	}
	matches, err := filepath.Glob(filepath.Join(dir, "sstable_7.tmp"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no leftover temp directory after a successful finalize, found %v", matches)
	}
}

func TestReaderOpenNonexistentDirFails(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open(filepath.Join(dir, "sstable_999")); err == nil {
		t.Fatalf("expected error opening a directory that was never written")
	}
}

func TestExistsDistinguishesFinishedFromTemp(t *testing.T) {
	dir := t.TempDir()
	entries := makeEntries(5)
	buildTable(t, dir, 3, entries, 4, DefaultCompressionConfig())

	if !Exists(Dir(dir, 3)) {
		t.Fatalf("expected finished table to report Exists=true")
	}
	if Exists(Dir(dir, 3) + ".tmp") {
		t.Fatalf("expected a nonexistent temp dir to report Exists=false")
	}
}

func TestDeleteRemovesDirectory(t *testing.T) {
	dir := t.TempDir()
	entries := makeEntries(5)
	r := buildTable(t, dir, 4, entries, 4, DefaultCompressionConfig())
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := Delete(Dir(dir, 4)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if Exists(Dir(dir, 4)) {
		t.Fatalf("expected directory to be gone after Delete")
	}
}
