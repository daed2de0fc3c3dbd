// Package memtable implements the sorted in-memory mapping of the LSM
// tree (§4.2 of spec.md): a single Memtable backed by a skip list, and a
// Manager coordinating an active memtable, a bounded FIFO queue of
// immutable memtables awaiting flush, and a pool of background flush
// workers.
//
// Grounded on the teacher's pkg/lsm/memtable.go (MemTable, MemTableEntry,
// Iterator) for the skip-list-backed single memtable; the Manager itself
// is new, since the teacher's LSMTree has no bounded immutable queue or
// worker pool — it flushes off an unbounded channel with no backpressure.
package memtable

import (
	"sync"
	"sync/atomic"

	"github.com/emberkv/emberkv/pkg/record"
)

// Memtable is an ordered, in-memory key -> latest-Entry map. It is mutable
// only while "active"; once rotated it is read-only.
type Memtable struct {
	mu       sync.RWMutex
	list     *skipList
	maxItems int
	seq      uint64        // assigned at rotation; 0 while still active
	flushing int32         // claimed via tryClaimFlush; guards against a double flush
	flushed  chan struct{} // closed once by whichever caller's flush succeeds
}

// New creates an empty memtable capped at maxItems entries.
func New(maxItems int) *Memtable {
	return &Memtable{list: newSkipList(), maxItems: maxItems, flushed: make(chan struct{})}
}

// Put stores e (a live value or a tombstone) for its key, replacing the
// held entry unless that entry has a higher timestamp.
func (m *Memtable) Put(e *record.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.list.Insert(e.Key, e)
}

// Get returns the entry for key, including tombstones, so the caller can
// distinguish "deleted" from "not present".
func (m *Memtable) Get(key []byte) (*record.Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list.Search(key)
}

// Len returns the number of distinct keys currently held.
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list.Size()
}

// IsFull reports whether the memtable has reached its entry-count cap.
func (m *Memtable) IsFull() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list.Size() >= m.maxItems
}

// Seq returns the sequence number assigned at rotation (0 for a memtable
// that is still active).
func (m *Memtable) Seq() uint64 {
	return m.seq
}

// tryClaimFlush reports whether the caller is the first to attempt to
// flush this memtable. A rotated memtable can be reachable from both the
// async flush queue and the manager's synchronous backpressure eviction
// path; only one of them may actually call the flush callback.
func (m *Memtable) tryClaimFlush() bool {
	return atomic.CompareAndSwapInt32(&m.flushing, 0, 1)
}

func (m *Memtable) releaseFlushClaim() {
	atomic.StoreInt32(&m.flushing, 0)
}

// markFlushed signals any concurrent loser of tryClaimFlush that this
// memtable is durably flushed and can be treated as done.
func (m *Memtable) markFlushed() {
	close(m.flushed)
}

// waitFlushed blocks until the winning caller of tryClaimFlush finishes.
func (m *Memtable) waitFlushed() {
	<-m.flushed
}

// SortedEntries returns every entry in key order, for flushing to an
// SSTable. Safe to call concurrently with reads (the memtable is
// immutable by the time this is used in anger), but takes its own
// snapshot of the skip list's forward chain regardless.
func (m *Memtable) SortedEntries() []*record.Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*record.Entry, 0, m.list.Size())
	for node := m.list.head.forward[0]; node != nil; node = node.forward[0] {
		entries = append(entries, node.entry)
	}
	return entries
}
