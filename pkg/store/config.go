package store

import "github.com/emberkv/emberkv/pkg/sstable"

// Config enumerates every knob spec.md §6 names. DefaultConfig mirrors the
// teacher's lsm.DefaultConfig(dir) constructor shape — a Config struct
// keyed off a single data directory argument, with the rest filled in by
// sane defaults a caller can override before calling Open.
type Config struct {
	// DataDir is recorded for reference/printing; Open's own dataDir
	// argument is the one actually used to locate the WAL, manifest, and
	// sstables directory, mirroring spec.md §6's `open(data_dir, config)`.
	DataDir string

	// MemtableSize caps the number of entries the active memtable holds
	// before a put/delete rotates it into the immutable queue.
	MemtableSize int

	// MaxImmutableMemtables bounds the immutable queue; once full, the next
	// rotation's caller performs a synchronous flush of the oldest queued
	// memtable before returning (backpressure).
	MaxImmutableMemtables int

	// FlushWorkers sizes the background pool draining the immutable queue.
	FlushWorkers int

	// LevelRatio, BaseLevelEntries, BaseLevelSizeMB, MaxL0SSTables, and
	// SoftLimitRatio configure the leveled compaction policy; see
	// pkg/compaction.Config for their exact semantics.
	LevelRatio       int
	BaseLevelEntries int
	BaseLevelSizeMB  int
	MaxL0SSTables    int
	SoftLimitRatio   float64

	// MaxKeySize and MaxValueSize bound put/delete input, per spec.md §3's
	// data model (keys 1..1024 bytes, values 0..10MiB).
	MaxKeySize   int
	MaxValueSize int

	// EntriesPerBlock and Compression are forwarded to every SSTable this
	// store's flush and compaction paths write.
	EntriesPerBlock int
	Compression     *sstable.CompressionConfig
}

// DefaultConfig returns a Config with spec.md §6's defaults: a 10x
// per-level growth factor, an L0 hard cap of 4 tables (compaction starts
// at the soft limit, 3 tables), and a soft-limit ratio of 0.85. Mirrors the teacher's lsm.DefaultConfig(dir) shape.
func DefaultConfig(dir string) *Config {
	return &Config{
		DataDir:               dir,
		MemtableSize:          1000,
		MaxImmutableMemtables: 4,
		FlushWorkers:          2,
		LevelRatio:            10,
		BaseLevelEntries:      10000,
		BaseLevelSizeMB:       64,
		MaxL0SSTables:         4,
		SoftLimitRatio:        0.85,
		MaxKeySize:            1024,
		MaxValueSize:          10 * 1024 * 1024,
		EntriesPerBlock:       sstable.DefaultEntriesPerBlock,
	}
}
