package compaction

import "github.com/emberkv/emberkv/pkg/sstable"

// Config controls the leveled compaction policy: when a level is
// considered compactable and how aggressively levels grow. Field names
// mirror the store-wide configuration knobs named in spec.md's store
// Config (level_ratio, base_level_entries, base_level_size_mb,
// max_l0_sstables, soft_limit_ratio).
type Config struct {
	// MaxL0SSTables is the hard cap on L0 file count before it is
	// considered compactable (soft cap is SoftLimitRatio * this).
	MaxL0SSTables int

	// LevelRatio is the per-level growth factor: level k's hard caps are
	// BaseLevelEntries/BaseLevelSizeMB multiplied by LevelRatio^k.
	LevelRatio int

	// BaseLevelEntries and BaseLevelSizeMB are L0's hard entry-count and
	// size caps (spec.md's "L0 entry cap"/"L0 byte cap"), independent of
	// max_l0_sstables' file-count cap; every level's hard cap, L0 included,
	// is BaseLevelEntries/BaseLevelSizeMB * LevelRatio^level, matching
	// spec.md's "max_entries(k) = base_entries * ratio^k ... for all
	// levels".
	BaseLevelEntries int
	BaseLevelSizeMB  int

	// SoftLimitRatio is the fraction of a hard limit at which a level
	// becomes compactable, so compaction starts before a level is full
	// rather than after.
	SoftLimitRatio float64

	// EntriesPerBlock and Compression are forwarded to sstable.NewWriter
	// for every SSTable this engine produces.
	EntriesPerBlock int
	Compression     *sstable.CompressionConfig
}

// DefaultConfig matches spec.md's defaults: soft_ratio 0.85, a 10x
// per-level growth factor, and an L0 hard cap of 4 tables (so L0 becomes
// compactable at its soft limit, int(4*0.85) = 3 tables).
func DefaultConfig() Config {
	return Config{
		MaxL0SSTables:    4,
		LevelRatio:       10,
		BaseLevelEntries: 10000,
		BaseLevelSizeMB:  64,
		SoftLimitRatio:   0.85,
		EntriesPerBlock:  64,
	}
}

// maxEntries returns level's hard entry-count cap: BaseLevelEntries at L0
// (ratio^0 = 1), scaling by LevelRatio per level thereafter.
func (c Config) maxEntries(level int) int {
	n := c.BaseLevelEntries
	for i := 0; i < level; i++ {
		n *= c.LevelRatio
	}
	return n
}

// maxSizeBytes returns level's hard byte-size cap, scaled the same way.
func (c Config) maxSizeBytes(level int) int64 {
	n := int64(c.BaseLevelSizeMB) * 1024 * 1024
	for i := 0; i < level; i++ {
		n *= int64(c.LevelRatio)
	}
	return n
}
