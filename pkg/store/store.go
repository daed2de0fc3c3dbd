// Package store wires the write-ahead log, the memtable manager, and the
// SSTable compaction engine into the single public facade spec.md §4.6
// describes: one write mutex serializing mutations so WAL order always
// matches memtable order, a read path that checks memtables before
// SSTables, and a graceful, flush-everything Close.
//
// Grounded on the teacher's pkg/lsm.LSMTree.Put/Get/Delete/Close for
// overall control flow — lock, check closed, mutate, release before any
// blocking send/callback — but rebuilt to coordinate the new wal.WAL,
// memtable.Manager, and compaction.Engine instead of the teacher's flat
// in-process fields.
package store

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/emberkv/emberkv/pkg/compaction"
	"github.com/emberkv/emberkv/pkg/manifest"
	"github.com/emberkv/emberkv/pkg/memtable"
	"github.com/emberkv/emberkv/pkg/record"
	"github.com/emberkv/emberkv/pkg/seq"
	"github.com/emberkv/emberkv/pkg/wal"
)

// Store is a persistent, crash-safe, ordered key-value store backed by an
// LSM tree. The zero value is not usable; construct one with Open.
type Store struct {
	dataDir string
	config  Config

	// writeMu is the facade write mutex from spec.md §5: it serializes
	// put/delete so that for any two mutations observed in order by the
	// facade, the WAL append order and the memtable insert order agree.
	// It is held across the WAL fsync and the call into the memtable
	// manager. Because memtable.Manager.Put/Delete already perform their
	// own synchronous backpressure flush (if any) as part of one call —
	// see pkg/memtable's own lock-release-before-I/O discipline — that
	// flush runs while writeMu is still held; this only stalls concurrent
	// writers (never readers or background workers) and only when the
	// immutable queue is already saturated, which is the rare case the
	// backpressure path exists for in the first place.
	writeMu sync.Mutex

	wal    *wal.WAL
	mem    *memtable.Manager
	engine *compaction.Engine
	man    *manifest.Manifest
	seq    *seq.Counter

	closed int32
}

// Open recovers a store from dataDir, creating it if it does not yet
// exist. Recovery order follows spec.md §4.6: load the manifests and open
// existing SSTables, sweep orphaned SSTable directories, then replay the
// WAL into a fresh active memtable.
func Open(dataDir string, config *Config) (*Store, error) {
	if config == nil {
		config = DefaultConfig(dataDir)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	man, err := manifest.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("store: open manifest: %w", err)
	}

	engine, err := compaction.Open(filepath.Join(dataDir, "sstables"), man, compaction.Config{
		MaxL0SSTables:    config.MaxL0SSTables,
		LevelRatio:       config.LevelRatio,
		BaseLevelEntries: config.BaseLevelEntries,
		BaseLevelSizeMB:  config.BaseLevelSizeMB,
		SoftLimitRatio:   config.SoftLimitRatio,
		EntriesPerBlock:  config.EntriesPerBlock,
		Compression:      config.Compression,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open sstable engine: %w", err)
	}

	w, err := wal.Open(wal.Path(dataDir))
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("store: open wal: %w", err)
	}

	s := &Store{
		dataDir: dataDir,
		config:  *config,
		wal:     w,
		engine:  engine,
		man:     man,
		seq:     seq.NewCounter(),
	}
	s.mem = memtable.NewManager(config.MemtableSize, config.MaxImmutableMemtables, config.FlushWorkers, s.flushMemtable)

	if err := s.replayWAL(); err != nil {
		s.mem.Shutdown()
		w.Close()
		engine.Close()
		return nil, err
	}

	return s, nil
}

// replayWAL applies every WAL record directly to the fresh memtable
// manager (no re-append, no fsync — the records are already durable) and
// observes the highest timestamp seen so the store's monotonic counter
// never reissues or rewinds past it.
func (s *Store) replayWAL() error {
	entries, err := s.wal.ReadAll()
	if err != nil {
		return fmt.Errorf("store: replay wal: %w", err)
	}

	var maxTS uint64
	for _, e := range entries {
		if e.Timestamp > maxTS {
			maxTS = e.Timestamp
		}
		var applyErr error
		if e.Deleted {
			applyErr = s.mem.Delete(e)
		} else {
			applyErr = s.mem.Put(e)
		}
		if applyErr != nil {
			return fmt.Errorf("store: replay entry for key %q: %w", e.Key, applyErr)
		}
	}
	s.seq.Observe(maxTS)
	return nil
}

// flushMemtable is the FlushFunc handed to the memtable manager: it writes
// an L0 SSTable via the compaction engine, then trims the WAL of any
// record now durably covered. It runs on whichever goroutine rotated or
// evicted the memtable — an async flush worker, or a caller's
// backpressure eviction — and must never be called while any manager lock
// is held.
func (s *Store) flushMemtable(mt *memtable.Memtable) error {
	entries := mt.SortedEntries()
	if len(entries) == 0 {
		return nil
	}
	if err := s.engine.AddSSTable(entries); err != nil {
		return fmt.Errorf("store: flush memtable seq %d: %w", mt.Seq(), err)
	}
	if err := s.trimWAL(entries); err != nil {
		// The data is safe (it's in the new SSTable); a failed trim just
		// means the WAL carries stale-but-harmless records until the next
		// successful trim replays over them. Log and move on.
		log.Printf("store: trim wal after flushing seq %d: %v", mt.Seq(), err)
	}
	return nil
}

// trimWAL rewrites the WAL to drop every record now superseded by a
// just-flushed entry, per spec.md §4.6's _clear_wal_for_flushed_data: a
// record survives only if its key wasn't in the flushed set, or its
// timestamp is strictly greater than the flushed version's.
func (s *Store) trimWAL(flushed []*record.Entry) error {
	maxTS := make(map[string]uint64, len(flushed))
	for _, e := range flushed {
		k := string(e.Key)
		if e.Timestamp > maxTS[k] {
			maxTS[k] = e.Timestamp
		}
	}
	return s.wal.ReplaceWithFiltered(func(e *record.Entry) bool {
		ts, flushedKey := maxTS[string(e.Key)]
		if !flushedKey {
			return true
		}
		return e.Timestamp > ts
	})
}

func (s *Store) isClosed() bool {
	return atomic.LoadInt32(&s.closed) == 1
}

// validate rejects an empty key, an oversized key, or (for a live put) an
// oversized value, per spec.md §4.6's input validation rule.
func (s *Store) validate(key, value []byte, deleted bool) error {
	if len(key) == 0 {
		return &ValidationError{Field: "key", Msg: "must not be empty"}
	}
	if len(key) > s.config.MaxKeySize {
		return &ValidationError{Field: "key", Msg: fmt.Sprintf("length %d exceeds max_key_size %d", len(key), s.config.MaxKeySize)}
	}
	if !deleted && len(value) > s.config.MaxValueSize {
		return &ValidationError{Field: "value", Msg: fmt.Sprintf("length %d exceeds max_value_size %d", len(value), s.config.MaxValueSize)}
	}
	return nil
}

// Put inserts or overwrites key's value.
func (s *Store) Put(key, value []byte) error {
	return s.mutate(key, value, false)
}

// Delete records a tombstone for key. A subsequent Get observes
// not-found until a later Put, even across restarts and compactions,
// until the tombstone reaches the bottommost level.
func (s *Store) Delete(key []byte) error {
	return s.mutate(key, nil, true)
}

func (s *Store) mutate(key, value []byte, deleted bool) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.validate(key, value, deleted); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return ErrClosed
	}

	e := &record.Entry{
		Key:       append([]byte(nil), key...),
		Timestamp: s.seq.Next(),
		Deleted:   deleted,
	}
	if !deleted {
		e.Value = append([]byte(nil), value...)
	}

	if err := s.wal.Append(e); err != nil {
		return fmt.Errorf("store: wal append: %w", err)
	}

	if deleted {
		return s.mem.Delete(e)
	}
	return s.mem.Put(e)
}

// Get looks up key: the active memtable first, then the immutable queue
// newest to oldest, then the SSTable levels. A tombstone at any layer
// shadows every older value and is reported as not-found.
func (s *Store) Get(key []byte) (bool, []byte, error) {
	if s.isClosed() {
		return false, nil, ErrClosed
	}
	if len(key) == 0 {
		return false, nil, &ValidationError{Field: "key", Msg: "must not be empty"}
	}

	if e, ok := s.mem.Get(key); ok {
		if e.Deleted {
			return false, nil, nil
		}
		return true, e.Value, nil
	}

	e, ok, err := s.engine.Get(key)
	if err != nil {
		return false, nil, fmt.Errorf("store: get: %w", err)
	}
	if !ok || e.Deleted {
		return false, nil, nil
	}
	return true, e.Value, nil
}

// Flush rotates the active memtable (even if not yet full) and
// synchronously flushes it: writes an L0 SSTable and trims the WAL. It is
// the well-defined synchronization point spec.md §4.6 describes for
// callers that need durability guarantees sooner than the next natural
// rotation.
func (s *Store) Flush() (map[string]interface{}, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	mt, err := s.mem.FlushActiveSync()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"seq":     mt.Seq(),
		"entries": mt.Len(),
	}, nil
}

// Compact runs a full compaction: every level merges down into the
// deepest non-empty level (L1 when only L0 holds tables). It waits for any in-flight background
// compaction to finish first (the resolved open question in DESIGN.md).
func (s *Store) Compact() (map[string]interface{}, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	before := s.engine.Stats()
	if err := s.engine.Compact(); err != nil {
		return nil, fmt.Errorf("store: compact: %w", err)
	}
	after := s.engine.Stats()
	return map[string]interface{}{"before": before, "after": after}, nil
}

// Stats reports memtable pipeline counters, per-level SSTable counters,
// and cumulative compaction/flush counts, in the same
// map[string]interface{} idiom as the teacher's LSMTree.Stats().
func (s *Store) Stats() map[string]interface{} {
	stats := map[string]interface{}{"closed": s.isClosed()}
	for k, v := range s.mem.Stats() {
		stats[k] = v
	}
	engineStats := s.engine.Stats()
	stats["per_level"] = engineStats["levels"]
	stats["compactions_run"] = engineStats["compactions_run"]

	numSSTables := 0
	if levels, ok := engineStats["levels"].(map[string]interface{}); ok {
		for _, v := range levels {
			if detail, ok := v.(map[string]interface{}); ok {
				if n, ok := detail["sstables"].(int); ok {
					numSSTables += n
				}
			}
		}
	}
	stats["num_sstables"] = numSSTables
	return stats
}

// Close performs a graceful shutdown: it marks the store closed so new
// mutations and reads fail fast, flushes every memtable (active and
// immutable), stops the flush worker pool, waits for any in-flight
// compaction and stops the compaction worker, and only then clears the
// WAL — never before every flush and compaction has durably committed.
func (s *Store) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	if err := s.mem.ForceFlushAll(); err != nil {
		log.Printf("store: force flush all during close: %v", err)
	}
	s.mem.Shutdown()

	if err := s.engine.Close(); err != nil {
		log.Printf("store: closing sstable engine: %v", err)
	}

	if err := s.wal.Clear(); err != nil {
		return fmt.Errorf("store: clear wal: %w", err)
	}
	return s.wal.Close()
}
