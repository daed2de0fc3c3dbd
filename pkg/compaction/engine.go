// Package compaction implements the SSTable manager: the level map, the
// leveled compaction trigger policy and merge algorithm, the install path
// a memtable flush uses to publish a new L0 table, and the startup orphan
// sweep.
//
// The merge itself — a k-way scan over per-table iterators always
// advancing whichever has the smallest current key — is grounded on the
// teacher's pkg/lsm/lsm.go mergeSSTables/compareBytes, generalized from a
// flat "merge the oldest 4 files" strategy into a real per-level design
// and extended with a tombstone-bottommost-level rule the teacher's
// unconditional tombstone drop never needed (the teacher has no levels to
// hide older versions in).
package compaction

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/emberkv/emberkv/pkg/manifest"
	"github.com/emberkv/emberkv/pkg/record"
	"github.com/emberkv/emberkv/pkg/sstable"
)

// Engine owns the level map and drives compaction in the background.
// Corresponds to spec.md §4.5's "SSTable manager".
type Engine struct {
	mu     sync.Mutex
	dir    string // root directory holding one subdirectory per SSTable
	man    *manifest.Manifest
	config Config

	levels map[int][]*sstable.Reader // L0 newest-first; L>=1 holds at most one

	compacting   bool
	compactDone  *sync.Cond // signaled (under mu) when compacting flips false
	triggerCh    chan struct{}
	stopCh       chan struct{}
	wg           sync.WaitGroup
	compactions  uint64
	compactionMu sync.Mutex // guards compactions counter
}

// Open constructs an Engine from a manifest already loaded from disk,
// opening every SSTable it references and running the idempotent orphan
// sweep described in spec.md §4.6 recovery step 2.
func Open(sstablesDir string, man *manifest.Manifest, config Config) (*Engine, error) {
	if config.EntriesPerBlock < 1 {
		config.EntriesPerBlock = sstable.DefaultEntriesPerBlock
	}
	if config.MaxL0SSTables < 1 {
		config.MaxL0SSTables = DefaultConfig().MaxL0SSTables
	}
	e := &Engine{
		dir:       sstablesDir,
		man:       man,
		config:    config,
		levels:    make(map[int][]*sstable.Reader),
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	e.compactDone = sync.NewCond(&e.mu)

	if err := os.MkdirAll(sstablesDir, 0755); err != nil {
		return nil, fmt.Errorf("compaction: create sstables dir: %w", err)
	}

	referenced := make(map[uint64]bool)
	for level, metas := range man.Levels() {
		for _, meta := range metas {
			referenced[meta.ID] = true
			dir := filepath.Join(sstablesDir, meta.Dirname)
			r, err := sstable.Open(dir)
			if err != nil {
				return nil, fmt.Errorf("compaction: open sstable %d at level %d: %w", meta.ID, level, err)
			}
			if err := verifyMeta(r, meta); err != nil {
				return nil, fmt.Errorf("compaction: sstable %d at level %d: %w", meta.ID, level, err)
			}
			e.levels[level] = append(e.levels[level], r)
		}
	}
	for level := range e.levels {
		if level == 0 {
			sort.Slice(e.levels[0], func(i, j int) bool { return e.levels[0][i].ID() > e.levels[0][j].ID() })
		}
	}

	if err := e.sweepOrphans(referenced); err != nil {
		return nil, err
	}

	e.wg.Add(1)
	go e.worker()
	return e, nil
}

// metaFromReader builds the durable manifest record for a just-finalized
// SSTable directly from the reader Finalize returned, so the manifest's
// copy of min_key/max_key/num_entries/size_bytes is recorded independently
// of — and can later be cross-checked against — the SSTable's own
// meta.json sidecar.
func metaFromReader(r *sstable.Reader) manifest.SSTableMeta {
	return manifest.SSTableMeta{
		ID:         r.ID(),
		Dirname:    filepath.Base(r.Dir()),
		MinKey:     r.MinKey(),
		MaxKey:     r.MaxKey(),
		NumEntries: r.NumEntries(),
		SizeBytes:  r.DataSize(),
	}
}

// verifyMeta enforces spec.md §3's invariant that the manifest's metadata
// for an SSTable "match the data file": it is checked here, at the one
// place an SSTable is loaded back from disk, against the independently
// persisted manifest record rather than the table's own self-reported
// meta.json. A mismatch means either file was corrupted or truncated
// without the other, which recovery cannot safely paper over.
func verifyMeta(r *sstable.Reader, meta manifest.SSTableMeta) error {
	if r.ID() != meta.ID {
		return fmt.Errorf("%w: id %d on disk vs %d in manifest", manifest.ErrCorruption, r.ID(), meta.ID)
	}
	if !bytes.Equal(r.MinKey(), meta.MinKey) || !bytes.Equal(r.MaxKey(), meta.MaxKey) {
		return fmt.Errorf("%w: key range [%q,%q] on disk vs [%q,%q] in manifest", manifest.ErrCorruption, r.MinKey(), r.MaxKey(), meta.MinKey, meta.MaxKey)
	}
	if r.NumEntries() != meta.NumEntries {
		return fmt.Errorf("%w: num_entries %d on disk vs %d in manifest", manifest.ErrCorruption, r.NumEntries(), meta.NumEntries)
	}
	if r.DataSize() != meta.SizeBytes {
		return fmt.Errorf("%w: size_bytes %d on disk vs %d in manifest", manifest.ErrCorruption, r.DataSize(), meta.SizeBytes)
	}
	return nil
}

// sweepOrphans removes any sstable_<id> directory under dir that no
// manifest level references — the recovery of a crash between a
// compaction's SSTable write and its manifest commit, or between a
// manifest commit and the deletion of its superseded inputs.
func (e *Engine) sweepOrphans(referenced map[uint64]bool) error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return fmt.Errorf("compaction: read sstables dir: %w", err)
	}
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(ent.Name(), "sstable_%d", &id); err != nil {
			continue // not an sstable_<id> directory
		}
		// A leftover sstable_<id>.tmp directory also parses as <id> here.
		if referenced[id] {
			continue
		}
		path := filepath.Join(e.dir, ent.Name())
		log.Printf("compaction: removing orphaned sstable directory %s", path)
		if err := sstable.Delete(path); err != nil {
			log.Printf("compaction: failed to remove orphan %s: %v", path, err)
		}
	}
	return nil
}

// AddSSTable implements the install path: it writes entries as a new L0
// SSTable, reserving its id from the manifest before writing so that a
// crash mid-write never reuses an id, then installs it under the lock and
// triggers the auto-compaction check outside the lock.
func (e *Engine) AddSSTable(entries []*record.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	id, err := e.man.ReserveNextID()
	if err != nil {
		return fmt.Errorf("compaction: reserve id: %w", err)
	}

	w, err := sstable.NewWriter(e.dir, id, len(entries), e.config.EntriesPerBlock, e.config.Compression)
	if err != nil {
		return fmt.Errorf("compaction: create writer for sstable %d: %w", id, err)
	}
	for _, ent := range entries {
		if err := w.Write(ent); err != nil {
			return fmt.Errorf("compaction: write entry to sstable %d: %w", id, err)
		}
	}
	r, err := w.Finalize()
	if err != nil {
		return fmt.Errorf("compaction: finalize sstable %d: %w", id, err)
	}

	e.mu.Lock()
	e.levels[0] = append([]*sstable.Reader{r}, e.levels[0]...)
	err = e.man.AddToLevel(0, metaFromReader(r))
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("compaction: commit L0 manifest for sstable %d: %w", id, err)
	}

	e.requestCompaction()
	return nil
}

// Get implements the read path: snapshot the level map, release the
// lock, then probe L0 newest-first and each deeper level in order,
// short-circuiting on the first hit (including a tombstone).
func (e *Engine) Get(key []byte) (*record.Entry, bool, error) {
	e.mu.Lock()
	levels := e.snapshotLevelsLocked()
	e.mu.Unlock()

	maxLevel := -1
	for level := range levels {
		if level > maxLevel {
			maxLevel = level
		}
	}
	for level := 0; level <= maxLevel; level++ {
		for _, r := range levels[level] {
			entry, ok, err := r.Get(key)
			if err != nil {
				return nil, false, fmt.Errorf("compaction: get from sstable %d: %w", r.ID(), err)
			}
			if ok {
				return entry, true, nil
			}
		}
	}
	return nil, false, nil
}

func (e *Engine) snapshotLevelsLocked() map[int][]*sstable.Reader {
	out := make(map[int][]*sstable.Reader, len(e.levels))
	for level, readers := range e.levels {
		out[level] = append([]*sstable.Reader(nil), readers...)
	}
	return out
}

// Stats reports per-level table/entry/byte counts plus a cumulative
// compaction counter, for the store facade's Stats().
func (e *Engine) Stats() map[string]interface{} {
	e.mu.Lock()
	levels := e.snapshotLevelsLocked()
	e.mu.Unlock()

	perLevel := make(map[string]interface{}, len(levels))
	for level, readers := range levels {
		entries, size := 0, int64(0)
		for _, r := range readers {
			entries += r.NumEntries()
			size += r.DataSize()
		}
		perLevel[fmt.Sprintf("l%d", level)] = map[string]interface{}{
			"sstables": len(readers),
			"entries":  entries,
			"size":     size,
		}
	}

	e.compactionMu.Lock()
	compactions := e.compactions
	e.compactionMu.Unlock()

	return map[string]interface{}{
		"levels":          perLevel,
		"compactions_run": compactions,
	}
}

// requestCompaction submits a non-blocking trigger to the background
// worker; a pending trigger already in the channel makes this a no-op,
// since the worker always re-evaluates the whole policy when it wakes.
func (e *Engine) requestCompaction() {
	select {
	case e.triggerCh <- struct{}{}:
	default:
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.triggerCh:
			e.runDueCompactions()
		}
	}
}

// runDueCompactions repeatedly compacts whatever level is due until none
// is, enforcing the "at most one background compaction at a time" rule
// via the compacting flag (this worker is itself single-threaded, so the
// flag mainly documents the invariant and lets Close wait on it).
func (e *Engine) runDueCompactions() {
	for {
		level, ok := e.pickCompactableLevel()
		if !ok {
			return
		}
		e.setCompacting(true)

		if err := e.compactLevel(level); err != nil {
			log.Printf("compaction: level %d -> %d failed: %v", level, level+1, err)
			e.setCompacting(false)
			return
		}

		e.setCompacting(false)
		e.compactionMu.Lock()
		e.compactions++
		e.compactionMu.Unlock()
	}
}

func (e *Engine) setCompacting(v bool) {
	e.mu.Lock()
	e.compacting = v
	e.mu.Unlock()
	if !v {
		e.compactDone.Broadcast()
	}
}

// pickCompactableLevel returns the shallowest level that has crossed its
// soft limit, per spec.md §4.5's "auto-compact policy": L0's file-count
// cap (max_l0_sstables) is checked first since it is the one trigger with
// no entry/size analogue at deeper levels, then every level including L0
// is checked against its entry/size soft cap (base_level_entries/
// base_level_size_mb scaled by level_ratio^level — spec.md's "L0 entry
// cap"/"L0 byte cap" reading of those two knobs, §6's Configuration table).
func (e *Engine) pickCompactableLevel() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if l0 := e.levels[0]; len(l0) >= e.softL0Limit() {
		return 0, true
	}
	maxLevel := 0
	for level := range e.levels {
		if level > maxLevel {
			maxLevel = level
		}
	}
	for level := 0; level <= maxLevel; level++ {
		readers := e.levels[level]
		if len(readers) == 0 {
			continue
		}
		entries, size := 0, int64(0)
		for _, r := range readers {
			entries += r.NumEntries()
			size += r.DataSize()
		}
		if int64(entries) >= e.softEntryLimit(level) || size >= e.softSizeLimit(level) {
			return level, true
		}
	}
	return 0, false
}

func (e *Engine) softL0Limit() int {
	return int(float64(e.config.MaxL0SSTables) * e.config.SoftLimitRatio)
}

func (e *Engine) softEntryLimit(level int) int64 {
	return int64(float64(e.config.maxEntries(level)) * e.config.SoftLimitRatio)
}

func (e *Engine) softSizeLimit(level int) int64 {
	return int64(float64(e.config.maxSizeBytes(level)) * e.config.SoftLimitRatio)
}

// bottommostLevelLocked returns the deepest level currently holding any
// SSTable, or -1 if every level is empty.
func (e *Engine) bottommostLevelLocked() int {
	max := -1
	for level, readers := range e.levels {
		if len(readers) > 0 && level > max {
			max = level
		}
	}
	return max
}

// compactLevel merges level k's tables with level k+1's single table (if
// any) and installs the result at k+1, per spec.md §4.5's 8-step
// compaction algorithm.
func (e *Engine) compactLevel(level int) error {
	target := level + 1

	e.mu.Lock()
	sourceCount := len(e.levels[level])
	inputs := append([]*sstable.Reader(nil), e.levels[level]...)
	if existing := e.levels[target]; len(existing) > 0 {
		inputs = append(inputs, existing...)
	}
	bottommost := e.bottommostLevelLocked()
	e.mu.Unlock()

	if len(inputs) == 0 {
		return nil
	}

	dropTombstones := target >= bottommost
	merged, err := mergeTables(inputs, dropTombstones)
	if err != nil {
		return fmt.Errorf("merge level %d into %d: %w", level, target, err)
	}

	var newReader *sstable.Reader
	var newID uint64
	if len(merged) > 0 {
		newID, err = e.man.ReserveNextID()
		if err != nil {
			return fmt.Errorf("reserve id for merged table: %w", err)
		}
		w, err := sstable.NewWriter(e.dir, newID, len(merged), e.config.EntriesPerBlock, e.config.Compression)
		if err != nil {
			return fmt.Errorf("create writer for merged table %d: %w", newID, err)
		}
		for _, ent := range merged {
			if err := w.Write(ent); err != nil {
				return fmt.Errorf("write merged entry to table %d: %w", newID, err)
			}
		}
		newReader, err = w.Finalize()
		if err != nil {
			return fmt.Errorf("finalize merged table %d: %w", newID, err)
		}
	}

	// Name the target (level k+1) before the source (level k): a crash
	// between the two durable writes must never make a just-compacted
	// SSTable unreachable (spec.md §4.5 step 6).
	changes := []manifest.LevelChange{{Level: target}}
	if newReader != nil {
		changes[0].Metas = []manifest.SSTableMeta{metaFromReader(newReader)}
	}

	e.mu.Lock()
	// Tables installed into level after the snapshot sit in front of the merged ones and stay.
	kept := e.levels[level][:max(0, len(e.levels[level])-sourceCount)]
	keep := manifest.LevelChange{Level: level}
	for _, r := range kept {
		keep.Metas = append(keep.Metas, metaFromReader(r))
	}
	if err := e.man.ApplyChanges(append(changes, keep)); err != nil {
		e.mu.Unlock()
		if newReader != nil {
			newReader.Close()
			sstable.Delete(newReader.Dir())
		}
		return fmt.Errorf("commit manifest for level %d -> %d: %w", level, target, err)
	}
	stale := e.levels[level][len(kept):]
	if existing := e.levels[target]; len(existing) > 0 {
		stale = append(append([]*sstable.Reader(nil), stale...), existing...)
	}
	e.levels[level] = kept
	if newReader != nil {
		e.levels[target] = []*sstable.Reader{newReader}
	} else {
		e.levels[target] = nil
	}
	e.mu.Unlock()

	for _, r := range stale {
		dir := r.Dir()
		if err := r.Close(); err != nil {
			log.Printf("compaction: close superseded sstable %s: %v", dir, err)
		}
		if err := sstable.Delete(dir); err != nil {
			log.Printf("compaction: delete superseded sstable %s (left as orphan for next sweep): %v", dir, err)
		}
	}
	return nil
}

// mergeTables performs a k-way merge across every input table's
// iterator, always advancing whichever has the smallest current key
// (ties broken by record.Compare's higher-timestamp-first rule), keeping
// only the newest surviving version of each key. Grounded on the
// teacher's mergeSSTables/compareBytes loop in pkg/lsm/lsm.go.
func mergeTables(inputs []*sstable.Reader, dropTombstones bool) ([]*record.Entry, error) {
	type cursor struct {
		it   *sstable.Iterator
		cur  *record.Entry
		done bool
	}
	cursors := make([]*cursor, 0, len(inputs))
	for _, r := range inputs {
		it := r.Iterator()
		c := &cursor{it: it}
		if it.Next() {
			c.cur = it.Entry()
		} else {
			c.done = true
		}
		cursors = append(cursors, c)
	}

	var merged []*record.Entry
	for {
		minIdx := -1
		for i, c := range cursors {
			if c.done {
				continue
			}
			if minIdx == -1 || record.Compare(c.cur, cursors[minIdx].cur) < 0 {
				minIdx = i
			}
		}
		if minIdx == -1 {
			break
		}

		winner := cursors[minIdx].cur
		if !(dropTombstones && winner.Deleted) {
			merged = append(merged, winner)
		}

		// Advance every cursor whose current key equals the winner's, so
		// older versions of the same key (from other, older input
		// tables) are consumed and discarded rather than emitted.
		for _, c := range cursors {
			if c.done {
				continue
			}
			for !c.done && keysEqual(c.cur.Key, winner.Key) {
				if c.it.Next() {
					c.cur = c.it.Entry()
				} else {
					c.done = true
					if err := c.it.Err(); err != nil {
						return nil, err
					}
				}
			}
		}
	}
	return merged, nil
}

func keysEqual(a, b []byte) bool {
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

// Compact runs a full compaction: every level is merged down into the
// deepest non-empty level (when L0 is the only non-empty level, it is
// merged into L1), per spec.md §4.5's compact(). Waits for any
// in-flight background compaction to finish first, per the resolved open
// question in DESIGN.md.
func (e *Engine) Compact() error {
	e.waitForInFlight()

	for {
		e.mu.Lock()
		bottommost := e.bottommostLevelLocked()
		var from int = -1
		for level := 0; level < bottommost; level++ {
			if len(e.levels[level]) > 0 {
				from = level
				break
			}
		}
		if level0 := e.levels[0]; from == -1 && len(level0) > 0 {
			from = 0
		}
		e.mu.Unlock()

		if from == -1 {
			return nil
		}
		e.setCompacting(true)
		err := e.compactLevel(from)
		e.setCompacting(false)
		if err != nil {
			return err
		}
		e.compactionMu.Lock()
		e.compactions++
		e.compactionMu.Unlock()
	}
}

// waitForInFlight blocks until no compaction is running, without busy
// spinning: it parks on compactDone, which every setCompacting(false)
// broadcasts.
func (e *Engine) waitForInFlight() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.compacting {
		e.compactDone.Wait()
	}
}

// Close waits for any in-flight compaction, stops the background worker,
// and closes every SSTable reader in the level map.
func (e *Engine) Close() error {
	e.waitForInFlight()
	close(e.stopCh)
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for _, readers := range e.levels {
		for _, r := range readers {
			if err := r.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
