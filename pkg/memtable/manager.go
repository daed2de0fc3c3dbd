package memtable

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/emberkv/emberkv/pkg/record"
)

// ErrEmptyMemtable is returned by FlushActiveSync when the active memtable
// holds no entries to flush.
var ErrEmptyMemtable = errors.New("memtable: active memtable is empty")

// FlushFunc persists a memtable's contents (as an L0 SSTable) and trims the
// WAL of the records it now durably covers. It is supplied by the store
// facade and must not be called while the manager's own lock is held.
type FlushFunc func(*Memtable) error

// Manager owns the active/immutable memtable pipeline: a single mutable
// active memtable, a bounded FIFO queue of immutable memtables awaiting
// flush, and a pool of background workers draining that queue.
//
// The teacher's LSMTree has no equivalent structure — it flushes off an
// unbounded channel with no backpressure — so this is new machinery built
// directly from spec.md §4.2, reusing only the Memtable/skip-list pair the
// teacher already has.
type Manager struct {
	mu           sync.Mutex
	active       *Memtable
	immutable    []*Memtable // oldest at index 0, newest at the tail
	maxItems     int
	maxImmutable int
	nextSeq      uint64
	flushFn      FlushFunc
	flushCh      chan *Memtable
	stopCh       chan struct{}
	wg           sync.WaitGroup
	rotations    uint64
	asyncFlushes uint64
	syncFlushes  uint64
}

// NewManager constructs a Manager with maxItems entries per memtable,
// maxImmutable immutable memtables queued before backpressure kicks in,
// and a pool of `workers` background flush goroutines.
func NewManager(maxItems, maxImmutable, workers int, flushFn FlushFunc) *Manager {
	if maxImmutable < 1 {
		maxImmutable = 1
	}
	if workers < 1 {
		workers = 1
	}
	m := &Manager{
		active:       New(maxItems),
		maxItems:     maxItems,
		maxImmutable: maxImmutable,
		flushFn:      flushFn,
		flushCh:      make(chan *Memtable, maxImmutable+workers),
		stopCh:       make(chan struct{}),
	}
	m.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go m.flushWorker()
	}
	return m
}

func (m *Manager) rotateLocked() *Memtable {
	old := m.active
	m.nextSeq++
	old.seq = m.nextSeq
	m.active = New(m.maxItems)
	return old
}

func (m *Manager) removeFromQueueLocked(seq uint64) {
	for i, mt := range m.immutable {
		if mt.seq == seq {
			m.immutable = append(m.immutable[:i], m.immutable[i+1:]...)
			return
		}
	}
}

// Put inserts a live entry, rotating the active memtable if it is now
// full. Mirrors Delete below; both funnel through apply.
func (m *Manager) Put(e *record.Entry) error {
	return m.apply(e)
}

// Delete inserts a tombstone entry, applying the same rotation and
// backpressure rules as Put.
func (m *Manager) Delete(e *record.Entry) error {
	return m.apply(e)
}

func (m *Manager) apply(e *record.Entry) error {
	m.mu.Lock()
	m.active.Put(e)

	var rotated *Memtable
	if m.active.IsFull() {
		rotated = m.rotateLocked()
		m.immutable = append(m.immutable, rotated)
		atomic.AddUint64(&m.rotations, 1)
	}

	var evicted *Memtable
	if rotated != nil && len(m.immutable) > m.maxImmutable {
		evicted = m.immutable[0]
		m.immutable = m.immutable[1:]
	}
	m.mu.Unlock()

	// Hand the freshly rotated memtable to the async pool; this never
	// blocks the caller on I/O.
	if rotated != nil {
		m.flushCh <- rotated
	}

	// Backpressure: the queue was already at capacity, so the caller
	// performs a synchronous flush of the oldest immutable memtable,
	// outside the manager lock, before returning.
	if evicted != nil {
		if err := m.runFlush(evicted, &m.syncFlushes); err != nil {
			m.mu.Lock()
			m.immutable = append([]*Memtable{evicted}, m.immutable...)
			m.mu.Unlock()
			return err
		}
	}
	return nil
}

// Get searches the active memtable first, then the immutable queue from
// newest to oldest, returning the first entry found (including
// tombstones). The caller decides what a tombstone means.
func (m *Manager) Get(key []byte) (*record.Entry, bool) {
	m.mu.Lock()
	active := m.active
	snapshot := make([]*Memtable, len(m.immutable))
	copy(snapshot, m.immutable)
	m.mu.Unlock()

	if e, ok := active.Get(key); ok {
		return e, true
	}
	for i := len(snapshot) - 1; i >= 0; i-- {
		if e, ok := snapshot[i].Get(key); ok {
			return e, true
		}
	}
	return nil, false
}

// FlushActiveSync rotates the active memtable (even if not yet full) and
// synchronously flushes it, returning the flushed handle. Used for manual
// flush() calls and as the first step of graceful shutdown.
func (m *Manager) FlushActiveSync() (*Memtable, error) {
	m.mu.Lock()
	if m.active.Len() == 0 {
		m.mu.Unlock()
		return nil, ErrEmptyMemtable
	}
	rotated := m.rotateLocked()
	m.immutable = append(m.immutable, rotated)
	atomic.AddUint64(&m.rotations, 1)
	m.mu.Unlock()

	if err := m.runFlush(rotated, &m.syncFlushes); err != nil {
		return rotated, err
	}
	return rotated, nil
}

// ForceFlushAll synchronously flushes the active memtable (if non-empty)
// and every immutable memtable still queued. Used at Close.
func (m *Manager) ForceFlushAll() error {
	_, err := m.FlushActiveSync()
	if err != nil && !errors.Is(err, ErrEmptyMemtable) {
		return err
	}

	for {
		m.mu.Lock()
		if len(m.immutable) == 0 {
			m.mu.Unlock()
			return nil
		}
		mt := m.immutable[0]
		m.mu.Unlock()

		if err := m.runFlush(mt, &m.syncFlushes); err != nil {
			return err
		}
	}
}

// runFlush invokes the flush callback for mt, unless another path (the
// async worker pool racing a synchronous backpressure eviction, or vice
// versa) has already claimed it. The loser waits for the winner to finish
// instead of returning immediately, so a caller like ForceFlushAll that
// loops on the queue never busy-spins against an in-flight async flush.
func (m *Manager) runFlush(mt *Memtable, counter *uint64) error {
	if !mt.tryClaimFlush() {
		mt.waitFlushed()
		return nil
	}
	if err := m.flushFn(mt); err != nil {
		mt.releaseFlushClaim()
		return err
	}
	m.mu.Lock()
	m.removeFromQueueLocked(mt.seq)
	m.mu.Unlock()
	atomic.AddUint64(counter, 1)
	mt.markFlushed()
	return nil
}

func (m *Manager) flushWorker() {
	defer m.wg.Done()
	for {
		select {
		case mt := <-m.flushCh:
			if err := m.runFlush(mt, &m.asyncFlushes); err != nil {
				log.Printf("memtable: async flush of seq %d failed, will retry: %v", mt.seq, err)
				m.flushCh <- mt
			}
		case <-m.stopCh:
			return
		}
	}
}

// Shutdown stops the flush worker pool, waiting for any flush in progress
// to finish. Callers must have already drained the queue (e.g. via
// ForceFlushAll) if they need every memtable durably persisted.
func (m *Manager) Shutdown() {
	close(m.stopCh)
	m.wg.Wait()
}

// Stats reports memtable pipeline counters for store.Stats().
func (m *Manager) Stats() map[string]interface{} {
	m.mu.Lock()
	activeSize := m.active.Len()
	numImmutable := len(m.immutable)
	m.mu.Unlock()

	return map[string]interface{}{
		"active_memtable_size": activeSize,
		"immutable_memtables":  numImmutable,
		"rotations":            atomic.LoadUint64(&m.rotations),
		"async_flushes":        atomic.LoadUint64(&m.asyncFlushes),
		"sync_flushes":         atomic.LoadUint64(&m.syncFlushes),
	}
}
