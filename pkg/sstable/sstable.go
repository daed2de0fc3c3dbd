// Package sstable implements the store's on-disk sorted table format: an
// immutable directory of sidecar files (data, sparse index, bloom filter,
// and a small JSON metadata file) produced once by compaction or a memtable
// flush and thereafter only ever read.
//
// Grounded on the teacher's pkg/lsm/sstable.go for the overall shape
// (sparse index + bloom filter + a writer/reader pair with a streaming
// iterator), but redesigned per spec.md §4.3/§9: data, index, and bloom
// filter live in separate files instead of one file with a trailing
// footer, entries are grouped into compressible blocks instead of encoded
// one at a time, and reads go through an mmap'd view (golang.org/x/sys/unix,
// shaped after the teacher's pkg/storage/mmap_disk_manager.go) instead of
// repeated seek+read syscalls.
package sstable

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/emberkv/emberkv/pkg/bloom"
	"github.com/emberkv/emberkv/pkg/record"
)

const (
	dataFileName  = "data"
	indexFileName = "index"
	bloomFileName = "bloom"
	metaFileName  = "meta.json"

	// blockHeaderSize is uncompressedLen(4) + compressedLen(4).
	blockHeaderSize = 8

	// DefaultEntriesPerBlock groups this many sorted records together
	// before compressing and flushing a block, and before adding a new
	// sparse index entry.
	DefaultEntriesPerBlock = 64
)

// Meta is the small, human-inspectable JSON sidecar describing an SSTable
// without requiring the data file to be opened.
type Meta struct {
	ID           uint64 `json:"id"`
	NumEntries   int    `json:"num_entries"`
	MinKey       []byte `json:"min_key"`
	MaxKey       []byte `json:"max_key"`
	DataSize     int64  `json:"data_size"`
	Compression  string `json:"compression"`
	EntriesPerBlock int `json:"entries_per_block"`
}

func dirName(id uint64) string {
	return fmt.Sprintf("sstable_%d", id)
}

// Dir returns the on-disk directory path for the SSTable with the given id
// under the given sstables root.
func Dir(sstablesRoot string, id uint64) string {
	return filepath.Join(sstablesRoot, dirName(id))
}

func encodeRecord(e *record.Entry) []byte {
	hasValue := byte(0)
	if !e.Deleted {
		hasValue = 1
	}
	size := 1 + 4 + len(e.Key) + 1 + 4 + len(e.Value) + 8
	buf := make([]byte, size)
	off := 0
	if e.Deleted {
		buf[off] = 1
	}
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Key)))
	off += 4
	copy(buf[off:], e.Key)
	off += len(e.Key)
	buf[off] = hasValue
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Value)))
	off += 4
	copy(buf[off:], e.Value)
	off += len(e.Value)
	binary.LittleEndian.PutUint64(buf[off:], e.Timestamp)
	return buf
}

// decodeRecords decodes every record packed into a decompressed block,
// returning them in the order they were written.
func decodeRecords(block []byte) ([]*record.Entry, error) {
	var entries []*record.Entry
	off := 0
	for off < len(block) {
		if off+1+4 > len(block) {
			return nil, fmt.Errorf("sstable: truncated record header")
		}
		deleted := block[off] == 1
		off++
		keyLen := binary.LittleEndian.Uint32(block[off:])
		off += 4
		if off+int(keyLen) > len(block) {
			return nil, fmt.Errorf("sstable: truncated key")
		}
		key := append([]byte(nil), block[off:off+int(keyLen)]...)
		off += int(keyLen)

		if off+1+4 > len(block) {
			return nil, fmt.Errorf("sstable: truncated value header")
		}
		hasValue := block[off] == 1
		off++
		valueLen := binary.LittleEndian.Uint32(block[off:])
		off += 4
		var value []byte
		if hasValue {
			if off+int(valueLen) > len(block) {
				return nil, fmt.Errorf("sstable: truncated value")
			}
			value = append([]byte(nil), block[off:off+int(valueLen)]...)
		}
		off += int(valueLen)

		if off+8 > len(block) {
			return nil, fmt.Errorf("sstable: truncated timestamp")
		}
		ts := binary.LittleEndian.Uint64(block[off:])
		off += 8

		entries = append(entries, &record.Entry{Key: key, Value: value, Timestamp: ts, Deleted: deleted})
	}
	return entries, nil
}

type indexEntry struct {
	Key    []byte
	Offset int64
}

// Writer builds one new SSTable directory from sorted entries. Entries
// must be supplied in ascending key order; Write panics otherwise only in
// the sense that reads of the finished table would silently misbehave, so
// callers (memtable flush, compaction merge) are expected to already
// produce sorted input.
type Writer struct {
	tmpDir     string
	finalDir   string
	id         uint64
	dataFile   *os.File
	compressor *blockCompressor
	compConfig *CompressionConfig

	entriesPerBlock int
	blockBuf        []byte
	blockCount      int
	firstKeyInBlock []byte

	index      []indexEntry
	bloomFiltr *bloom.Filter
	minKey     []byte
	maxKey     []byte
	numEntries int
	dataOffset int64
}

// NewWriter creates a new SSTable writer under sstablesRoot, assigned id,
// expecting approximately expectedEntries records (used to size the bloom
// filter). A nil compConfig disables compression.
func NewWriter(sstablesRoot string, id uint64, expectedEntries int, entriesPerBlock int, compConfig *CompressionConfig) (*Writer, error) {
	if entriesPerBlock < 1 {
		entriesPerBlock = DefaultEntriesPerBlock
	}
	if compConfig == nil {
		compConfig = DefaultCompressionConfig()
	}
	if expectedEntries < 1 {
		expectedEntries = 1
	}

	tmpDir := Dir(sstablesRoot, id) + ".tmp"
	if err := os.RemoveAll(tmpDir); err != nil {
		return nil, fmt.Errorf("sstable: clear stale temp dir: %w", err)
	}
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return nil, fmt.Errorf("sstable: create temp dir: %w", err)
	}

	dataFile, err := os.Create(filepath.Join(tmpDir, dataFileName))
	if err != nil {
		return nil, fmt.Errorf("sstable: create data file: %w", err)
	}

	compressor, err := newBlockCompressor(compConfig)
	if err != nil {
		dataFile.Close()
		return nil, err
	}

	return &Writer{
		tmpDir:          tmpDir,
		finalDir:        Dir(sstablesRoot, id),
		id:              id,
		dataFile:        dataFile,
		compressor:      compressor,
		compConfig:      compConfig,
		entriesPerBlock: entriesPerBlock,
		bloomFiltr:      bloom.New(expectedEntries, bloom.TargetFalsePositiveRate),
	}, nil
}

// Write appends one entry, in ascending key order.
func (w *Writer) Write(e *record.Entry) error {
	if w.minKey == nil {
		w.minKey = append([]byte(nil), e.Key...)
	}
	w.maxKey = append([]byte(nil), e.Key...)
	w.bloomFiltr.Add(e.Key)

	if w.firstKeyInBlock == nil {
		w.firstKeyInBlock = append([]byte(nil), e.Key...)
	}
	w.blockBuf = append(w.blockBuf, encodeRecord(e)...)
	w.blockCount++
	w.numEntries++

	if w.blockCount >= w.entriesPerBlock {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if w.blockCount == 0 {
		return nil
	}
	compressed, err := w.compressor.compress(w.blockBuf)
	if err != nil {
		return fmt.Errorf("sstable: compress block: %w", err)
	}

	header := make([]byte, blockHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(w.blockBuf)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(compressed)))

	blockOffset := w.dataOffset
	n1, err := w.dataFile.Write(header)
	if err != nil {
		return fmt.Errorf("sstable: write block header: %w", err)
	}
	n2, err := w.dataFile.Write(compressed)
	if err != nil {
		return fmt.Errorf("sstable: write block: %w", err)
	}
	w.dataOffset += int64(n1 + n2)

	w.index = append(w.index, indexEntry{Key: w.firstKeyInBlock, Offset: blockOffset})

	w.blockBuf = w.blockBuf[:0]
	w.blockCount = 0
	w.firstKeyInBlock = nil
	return nil
}

// Finalize flushes any partial block, fsyncs and writes the index/bloom/
// meta sidecar files, then atomically renames the temp directory into
// place. On success it returns a Reader opened on the finished table.
func (w *Writer) Finalize() (*Reader, error) {
	defer w.compressor.close()

	if err := w.flushBlock(); err != nil {
		w.abort()
		return nil, err
	}
	if err := w.dataFile.Sync(); err != nil {
		w.abort()
		return nil, fmt.Errorf("sstable: fsync data file: %w", err)
	}
	if err := w.dataFile.Close(); err != nil {
		w.abort()
		return nil, fmt.Errorf("sstable: close data file: %w", err)
	}

	if err := w.writeIndexFile(); err != nil {
		w.abort()
		return nil, err
	}
	if err := w.writeBloomFile(); err != nil {
		w.abort()
		return nil, err
	}
	if err := w.writeMetaFile(); err != nil {
		w.abort()
		return nil, err
	}

	if err := os.RemoveAll(w.finalDir); err != nil {
		w.abort()
		return nil, fmt.Errorf("sstable: clear stale final dir: %w", err)
	}
	if err := os.Rename(w.tmpDir, w.finalDir); err != nil {
		w.abort()
		return nil, fmt.Errorf("sstable: rename into place: %w", err)
	}

	return Open(w.finalDir)
}

// abort removes a partially written temp directory after a failed Finalize.
func (w *Writer) abort() {
	os.RemoveAll(w.tmpDir)
}

func (w *Writer) writeIndexFile() error {
	buf := new(bytes.Buffer)
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(w.index)))
	buf.Write(lenBuf)
	for _, e := range w.index {
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(e.Key)))
		buf.Write(lenBuf)
		buf.Write(e.Key)
		offBuf := make([]byte, 8)
		binary.LittleEndian.PutUint64(offBuf, uint64(e.Offset))
		buf.Write(offBuf)
	}
	return writeFileSynced(filepath.Join(w.tmpDir, indexFileName), buf.Bytes())
}

func (w *Writer) writeBloomFile() error {
	return writeFileSynced(filepath.Join(w.tmpDir, bloomFileName), w.bloomFiltr.Marshal())
}

func (w *Writer) writeMetaFile() error {
	meta := Meta{
		ID:              w.id,
		NumEntries:      w.numEntries,
		MinKey:          w.minKey,
		MaxKey:          w.maxKey,
		DataSize:        w.dataOffset,
		Compression:     w.compConfig.Algorithm.String(),
		EntriesPerBlock: w.entriesPerBlock,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("sstable: marshal meta: %w", err)
	}
	return writeFileSynced(filepath.Join(w.tmpDir, metaFileName), data)
}

func writeFileSynced(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("sstable: create %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("sstable: write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sstable: fsync %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// Reader is an immutable, read-only view of an on-disk SSTable. The data
// file is mmap'd once at open and reused for every lookup.
type Reader struct {
	dir        string
	meta       Meta
	bloomFiltr *bloom.Filter
	index      []indexEntry
	compressor *blockCompressor

	// mu guards data/closed against a concurrent Close() unmapping the file
	// out from under an in-flight Get or Iterator: compaction closes and
	// deletes superseded tables while readers elsewhere may still be
	// mid-lookup against the same *Reader.
	mu     sync.RWMutex
	closed bool
	file   *os.File
	data   []byte // mmap'd view of the data file; nil once closed
}

// Open loads an SSTable's sidecar metadata, bloom filter, and sparse index,
// then mmaps its data file for random access reads.
func Open(dir string) (*Reader, error) {
	metaBytes, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		return nil, fmt.Errorf("sstable: read meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, fmt.Errorf("sstable: parse meta: %w", err)
	}

	bloomBytes, err := os.ReadFile(filepath.Join(dir, bloomFileName))
	if err != nil {
		return nil, fmt.Errorf("sstable: read bloom: %w", err)
	}
	filter, err := bloom.Unmarshal(bloomBytes)
	if err != nil {
		return nil, fmt.Errorf("sstable: parse bloom: %w", err)
	}

	index, err := readIndexFile(filepath.Join(dir, indexFileName))
	if err != nil {
		return nil, err
	}

	var compConfig *CompressionConfig
	if meta.Compression == AlgorithmZstd.String() {
		compConfig = ZstdCompressionConfig(3)
	} else {
		compConfig = DefaultCompressionConfig()
	}
	compressor, err := newBlockCompressor(compConfig)
	if err != nil {
		return nil, err
	}

	r := &Reader{dir: dir, meta: meta, bloomFiltr: filter, index: index, compressor: compressor}

	if meta.DataSize > 0 {
		file, err := os.Open(filepath.Join(dir, dataFileName))
		if err != nil {
			compressor.close()
			return nil, fmt.Errorf("sstable: open data file: %w", err)
		}
		data, err := unix.Mmap(int(file.Fd()), 0, int(meta.DataSize), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			file.Close()
			compressor.close()
			return nil, fmt.Errorf("sstable: mmap data file: %w", err)
		}
		r.file = file
		r.data = data
	}
	return r, nil
}

func readIndexFile(path string) ([]indexEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: read index: %w", err)
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("sstable: truncated index file")
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	off := 4
	entries := make([]indexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+4 > len(data) {
			return nil, fmt.Errorf("sstable: truncated index entry")
		}
		keyLen := binary.LittleEndian.Uint32(data[off:])
		off += 4
		if off+int(keyLen)+8 > len(data) {
			return nil, fmt.Errorf("sstable: truncated index entry")
		}
		key := append([]byte(nil), data[off:off+int(keyLen)]...)
		off += int(keyLen)
		offset := int64(binary.LittleEndian.Uint64(data[off:]))
		off += 8
		entries = append(entries, indexEntry{Key: key, Offset: offset})
	}
	return entries, nil
}

// ID returns the SSTable's assigned identifier.
func (r *Reader) ID() uint64 { return r.meta.ID }

// MinKey and MaxKey return the table's inclusive key range.
func (r *Reader) MinKey() []byte { return r.meta.MinKey }
func (r *Reader) MaxKey() []byte { return r.meta.MaxKey }

// NumEntries returns the number of records (including tombstones) stored.
func (r *Reader) NumEntries() int { return r.meta.NumEntries }

// DataSize returns the on-disk size of the data file in bytes.
func (r *Reader) DataSize() int64 { return r.meta.DataSize }

// Dir returns the directory this table was opened from.
func (r *Reader) Dir() string { return r.dir }

func (r *Reader) inRange(key []byte) bool {
	if r.meta.MinKey != nil && bytes.Compare(key, r.meta.MinKey) < 0 {
		return false
	}
	if r.meta.MaxKey != nil && bytes.Compare(key, r.meta.MaxKey) > 0 {
		return false
	}
	return true
}

// Get looks up key, checking the key range and then the bloom filter before ever
// touching the data file, then binary-searching the sparse index for the
// one block that could contain it.
func (r *Reader) Get(key []byte) (*record.Entry, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, false, fmt.Errorf("sstable: get on closed reader")
	}
	if !r.inRange(key) {
		return nil, false, nil
	}
	if !r.bloomFiltr.MayContain(key) {
		return nil, false, nil
	}
	if len(r.index) == 0 {
		return nil, false, nil
	}

	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].Key, key) > 0
	})
	if i == 0 {
		return nil, false, nil
	}
	block, err := r.readBlock(r.index[i-1].Offset)
	if err != nil {
		return nil, false, err
	}
	entries, err := decodeRecords(block)
	if err != nil {
		return nil, false, err
	}
	for _, e := range entries {
		cmp := bytes.Compare(e.Key, key)
		if cmp == 0 {
			return e, true, nil
		}
		if cmp > 0 {
			break
		}
	}
	return nil, false, nil
}

func (r *Reader) readBlock(offset int64) ([]byte, error) {
	if offset+blockHeaderSize > int64(len(r.data)) {
		return nil, fmt.Errorf("sstable: block header out of range at offset %d", offset)
	}
	header := r.data[offset : offset+blockHeaderSize]
	uncompressedLen := binary.LittleEndian.Uint32(header[0:4])
	compressedLen := binary.LittleEndian.Uint32(header[4:8])

	start := offset + blockHeaderSize
	end := start + int64(compressedLen)
	if end > int64(len(r.data)) {
		return nil, fmt.Errorf("sstable: block body out of range at offset %d", offset)
	}
	compressed := r.data[start:end]

	block, err := r.compressor.decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("sstable: decompress block at offset %d: %w", offset, err)
	}
	if uint32(len(block)) != uncompressedLen {
		return nil, fmt.Errorf("sstable: block at offset %d decompressed to %d bytes, expected %d", offset, len(block), uncompressedLen)
	}
	return block, nil
}

// Iterator streams every record across every block in key order.
type Iterator struct {
	r       *Reader
	offset  int64
	entries []*record.Entry
	pos     int
	err     error
}

// Iterator returns a streaming iterator over all entries, used by
// compaction's k-way merge.
func (r *Reader) Iterator() *Iterator {
	return &Iterator{r: r}
}

// Next advances the iterator, decompressing the next block on demand.
// Returns false at end of table or on error (check Err).
func (it *Iterator) Next() bool {
	it.r.mu.RLock()
	defer it.r.mu.RUnlock()
	if it.r.closed {
		it.err = fmt.Errorf("sstable: iterate on closed reader")
		return false
	}
	for it.pos >= len(it.entries) {
		if it.offset >= it.r.meta.DataSize {
			return false
		}
		block, err := it.r.readBlock(it.offset)
		if err != nil {
			it.err = err
			return false
		}
		entries, err := decodeRecords(block)
		if err != nil {
			it.err = err
			return false
		}
		header := it.r.data[it.offset : it.offset+blockHeaderSize]
		compressedLen := binary.LittleEndian.Uint32(header[4:8])
		it.offset += blockHeaderSize + int64(compressedLen)
		it.entries = entries
		it.pos = 0
	}
	it.pos++
	return true
}

// Entry returns the entry at the iterator's current position.
func (it *Iterator) Entry() *record.Entry {
	return it.entries[it.pos-1]
}

// Err returns any error encountered during iteration.
func (it *Iterator) Err() error {
	return it.err
}

// Close unmaps and closes the data file. Safe to call more than once. Blocks
// until any in-flight Get or Iterator using this reader has finished, so the
// unmap never races a concurrent access to r.data.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	r.compressor.close()
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			return fmt.Errorf("sstable: munmap: %w", err)
		}
		r.data = nil
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("sstable: close data file: %w", err)
		}
		r.file = nil
	}
	return nil
}

// Delete removes the SSTable's entire directory from disk. Callers must
// have already dropped every reference (via Close) before calling this.
func Delete(dir string) error {
	return os.RemoveAll(dir)
}

// Exists reports whether an SSTable directory is present and has a meta
// file.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, metaFileName))
	return err == nil
}
