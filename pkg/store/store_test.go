package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func smallConfig() *Config {
	c := DefaultConfig("")
	c.MemtableSize = 4
	c.MaxImmutableMemtables = 2
	c.FlushWorkers = 2
	c.MaxL0SSTables = 2
	c.LevelRatio = 2
	c.BaseLevelEntries = 4
	c.BaseLevelSizeMB = 1
	return c
}

func openTestStore(t *testing.T, cfg *Config) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	if cfg == nil {
		cfg = smallConfig()
	}
	s, err := Open(dir, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s, dir
}

func mustGet(t *testing.T, s *Store, key string) (bool, string) {
	t.Helper()
	found, value, err := s.Get([]byte(key))
	if err != nil {
		t.Fatalf("get %q: %v", key, err)
	}
	return found, string(value)
}

// Scenario 1: WAL special characters round-trip across a close/reopen.
func TestStoreSpecialCharactersRoundTrip(t *testing.T) {
	s, dir := openTestStore(t, nil)

	if err := s.Put([]byte("user|123"), []byte("a|b\nc")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(dir, smallConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	found, value := mustGet(t, reopened, "user|123")
	if !found || value != "a|b\nc" {
		t.Fatalf("expected found=true value=%q, got found=%v value=%q", "a|b\nc", found, value)
	}
}

// Scenario 2: a tombstone written after a key has migrated to a deep level
// must still shadow the old value once it is compacted down, not resurrect
// it.
func TestStoreTombstoneSurvivesCompactionIntoDeeperLevel(t *testing.T) {
	cfg := smallConfig()
	cfg.MaxL0SSTables = 2
	cfg.LevelRatio = 2
	s, _ := openTestStore(t, cfg)
	defer s.Close()

	if err := s.Put([]byte("X"), []byte("old")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// Push enough unrelated flushes through L0 to force compactions and
	// let X's value migrate down past L0/L1. Each round stays one entry
	// short of MemtableSize: reaching the cap rotates the active memtable
	// and would leave Flush nothing to flush.
	for round := 0; round < 6; round++ {
		for i := 0; i < cfg.MemtableSize-1; i++ {
			key := []byte(fmt.Sprintf("filler-%d-%d", round, i))
			if err := s.Put(key, []byte("v")); err != nil {
				t.Fatalf("put filler: %v", err)
			}
		}
		if _, err := s.Flush(); err != nil {
			t.Fatalf("flush round %d: %v", round, err)
		}
		if _, err := s.Compact(); err != nil {
			t.Fatalf("compact round %d: %v", round, err)
		}
	}

	if err := s.Delete([]byte("X")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Flush(); err != nil {
		t.Fatalf("flush tombstone: %v", err)
	}
	if _, err := s.Compact(); err != nil {
		t.Fatalf("compact after tombstone: %v", err)
	}

	found, _ := mustGet(t, s, "X")
	if found {
		t.Fatalf("expected X to be deleted, but it was found")
	}
}

// Scenario 3: Close flushes whatever is still sitting in the active
// memtable, and the flushed data survives a reopen.
func TestStoreCloseFlushesPending(t *testing.T) {
	s, dir := openTestStore(t, nil)

	for i := 1; i <= 5; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		value := []byte(fmt.Sprintf("v%d", i))
		if err := s.Put(key, value); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(dir, smallConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	found, value := mustGet(t, reopened, "k3")
	if !found || value != "v3" {
		t.Fatalf("expected k3=v3, got found=%v value=%q", found, value)
	}
	stats := reopened.Stats()
	if stats["num_sstables"].(int) == 0 {
		t.Fatalf("expected at least one sstable after close flushed the active memtable")
	}
}

// Scenario 4: concurrent puts racing with manual flush calls must leave
// every key retrievable, including across a close/reopen.
func TestStoreConcurrentPutAndFlush(t *testing.T) {
	s, dir := openTestStore(t, nil)

	const numKeys = 1000
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < numKeys; i++ {
			key := []byte(fmt.Sprintf("k%d", i))
			value := []byte(fmt.Sprintf("v%d", i))
			if err := s.Put(key, value); err != nil {
				t.Errorf("put %d: %v", i, err)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			s.Flush()
		}
	}()
	wg.Wait()

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(dir, smallConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("k%d", i)
		found, value := mustGet(t, reopened, key)
		if !found || value != fmt.Sprintf("v%d", i) {
			t.Fatalf("key %s: expected found=true value=v%d, got found=%v value=%q", key, i, found, value)
		}
	}
}

func TestStoreDeleteThenGetNotFound(t *testing.T) {
	s, _ := openTestStore(t, nil)
	defer s.Close()

	if err := s.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	found, _ := mustGet(t, s, "k")
	if found {
		t.Fatalf("expected k to be deleted")
	}
}

func TestStoreValidation(t *testing.T) {
	s, _ := openTestStore(t, nil)
	defer s.Close()

	var verr *ValidationError
	if err := s.Put(nil, []byte("v")); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for empty key, got %v", err)
	}
	if err := s.Put([]byte(""), []byte("v")); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for empty key, got %v", err)
	}

	oversizedKey := make([]byte, s.config.MaxKeySize+1)
	if err := s.Put(oversizedKey, []byte("v")); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for oversized key, got %v", err)
	}

	oversizedValue := make([]byte, s.config.MaxValueSize+1)
	if err := s.Put([]byte("k"), oversizedValue); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for oversized value, got %v", err)
	}

	// Empty value is fine.
	if err := s.Put([]byte("k"), []byte{}); err != nil {
		t.Fatalf("expected empty value to be accepted, got %v", err)
	}
}

func TestStoreOperationsAfterCloseFail(t *testing.T) {
	s, _ := openTestStore(t, nil)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := s.Put([]byte("k"), []byte("v")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Put after close, got %v", err)
	}
	if err := s.Delete([]byte("k")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Delete after close, got %v", err)
	}
	if _, _, err := s.Get([]byte("k")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Get after close, got %v", err)
	}
	// Close is idempotent.
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestStoreBloomFilterAvoidsMissingKeyScan(t *testing.T) {
	cfg := smallConfig()
	cfg.MemtableSize = 1000 // above the 200 puts, so they stay in the active memtable until Flush
	s, _ := openTestStore(t, cfg)
	defer s.Close()

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("k_%03d", i))
		if err := s.Put(key, []byte("v")); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if _, err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	found, _, err := s.Get([]byte("zzz_missing"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Fatalf("expected zzz_missing to be absent")
	}
}

func TestStoreManualFlushEmptyMemtable(t *testing.T) {
	s, _ := openTestStore(t, nil)
	defer s.Close()

	if _, err := s.Flush(); !errors.Is(err, ErrEmptyMemtable) {
		t.Fatalf("expected ErrEmptyMemtable for a flush with nothing staged, got %v", err)
	}
}
