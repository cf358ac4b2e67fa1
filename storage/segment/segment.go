// Package segment is the disk-backed production interfaces.SegmentManager:
// a fixed-size buffer pool over a single segment file (each page read
// and written in place at its own offset), with
// a hash-bucketed frame table and clock-sweep eviction. Grounded on the
// teacher's BufMgr (_examples/ryogrid-bltree-go-for-embedding/bufmgr.go):
// PinLatch's "search chain, else steal a clock victim" loop, LatchLink's
// chain-splice, and PageIn/PageOut's read/write-behind pair, generalized
// from the teacher's page-number-keyed mmap pool to an ids.PageId/
// ids.BlockId-addressed interfaces.SegmentManager and from naive
// modulo hashing to github.com/cespare/xxhash (the pack's own choice
// for hash-table bucketing, per huhu99-BumbleBase's pkg/hash).
package segment

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash"
	"github.com/ncw/directio"

	"github.com/latchtree/btreeengine/ids"
	"github.com/latchtree/btreeengine/interfaces"
	"github.com/latchtree/btreeengine/storage/latch"
)

const bucketChainLen = 16

// frame is one buffer-pool slot: the page bytes plus pin/clock/dirty
// bookkeeping. Grounded on the teacher's Latchs+Page pairing.
type frame struct {
	pageID  ids.PageId
	data    []byte
	pin     int32
	clock   uint32
	dirty   bool
	next    int32 // hash-chain link, -1 terminated
	prev    int32
	content latch.RWLock // SHARED/EXCLUSIVE content access, independent of pin
}

func (f *frame) DataAsSlice() []byte { return f.data }
func (f *frame) PinCount() int32     { return atomic.LoadInt32(&f.pin) }
func (f *frame) DecPinCount()        { atomic.AddInt32(&f.pin, -1) }

type bucket struct {
	mu   sync.Mutex
	head int32 // -1 if empty
}

// fileBackend is the slice of *os.File that Manager actually needs,
// letting tests swap in an in-memory file instead of a real one.
type fileBackend interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Close() error
}

// Manager is a single-file, fixed-capacity buffer pool.
type Manager struct {
	file     fileBackend
	pageSize uint32
	capacity int32

	buckets []bucket
	frames  []frame
	index   map[ids.PageId]int32 // pageID -> frame slot, guarded by indexMu
	indexMu sync.Mutex

	deployed int32 // high-water mark of frames ever used
	victim   uint32

	allocMu sync.Mutex
	nextID  uint64
	free    []ids.PageId
}

// Open creates or opens a segment file at path for direct I/O, backed
// by a buffer pool of capacity frames of pageSize bytes each.
func Open(path string, pageSize uint32, capacity int) (*Manager, error) {
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}
	return newManager(f, pageSize, capacity)
}

// OpenBackend wires an arbitrary fileBackend in place of a real segment
// file, e.g. dsnet/golib/memfile's in-memory File for exercising the
// buffer pool's fault/evict/write-behind paths in tests without disk
// I/O or direct-io's alignment requirements.
func OpenBackend(backend fileBackend, pageSize uint32, capacity int) (*Manager, error) {
	return newManager(backend, pageSize, capacity)
}

func newManager(f fileBackend, pageSize uint32, capacity int) (*Manager, error) {
	if capacity < bucketChainLen {
		return nil, fmt.Errorf("segment: buffer pool too small: %d", capacity)
	}
	nBuckets := capacity / bucketChainLen
	if nBuckets < 1 {
		nBuckets = 1
	}
	m := &Manager{
		file:     f,
		pageSize: pageSize,
		capacity: int32(capacity),
		buckets:  make([]bucket, nBuckets),
		frames:   make([]frame, capacity),
		index:    make(map[ids.PageId]int32),
		nextID:   1,
	}
	for i := range m.buckets {
		m.buckets[i].head = -1
	}
	for i := range m.frames {
		m.frames[i].next = -1
		m.frames[i].prev = -1
	}
	return m, nil
}

func (m *Manager) Close() error {
	return m.file.Close()
}

func (m *Manager) bucketFor(id ids.PageId) *bucket {
	h := xxhash.Sum64(encodeID(id))
	return &m.buckets[h%uint64(len(m.buckets))]
}

func encodeID(id ids.PageId) []byte {
	var b [8]byte
	v := uint64(id)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b[:]
}

// LockPage pins (fetching from disk on first touch) the frame for
// block's page, then takes its content lock per mode (Shared blocks
// only behind a concurrent Exclusive; Exclusive blocks behind any
// other holder), exactly as the teacher's PinLatch pairs with a
// BLTRWLock acquisition on the same page.
func (m *Manager) LockPage(ctx context.Context, block ids.BlockId, mode ids.LockMode) (interfaces.PageView, error) {
	id := ids.PageId(block.Block)
	b := m.bucketFor(id)

	b.mu.Lock()
	for slot := b.head; slot >= 0; slot = m.frames[slot].next {
		if m.frames[slot].pageID == id {
			f := &m.frames[slot]
			atomic.AddInt32(&f.pin, 1)
			atomic.StoreUint32(&f.clock, 1)
			b.mu.Unlock()
			lockContent(f, mode)
			return f, nil
		}
	}
	b.mu.Unlock()

	f, err := m.fault(ctx, id, b)
	if err != nil {
		return nil, err
	}
	lockContent(f.(*frame), mode)
	return f, nil
}

func lockContent(f *frame, mode ids.LockMode) {
	if mode == ids.Exclusive {
		f.content.WriteLock()
	} else {
		f.content.ReadLock()
	}
}

// fault loads id into a free or evicted frame slot.
func (m *Manager) fault(ctx context.Context, id ids.PageId, b *bucket) (interfaces.PageView, error) {
	if slot := atomic.AddInt32(&m.deployed, 1) - 1; slot < m.capacity {
		return m.attach(ctx, int32(slot), id, b)
	}
	atomic.AddInt32(&m.deployed, -1)

	for {
		select {
		case <-ctx.Done():
			return nil, ErrAborted
		default:
		}
		slot := atomic.AddUint32(&m.victim, 1) % uint32(m.capacity)
		f := &m.frames[slot]
		if atomic.LoadInt32(&f.pin) > 0 {
			continue
		}
		if atomic.CompareAndSwapUint32(&f.clock, 1, 0) {
			continue // give it a second chance, per clock-sweep
		}
		victimBucket := m.bucketFor(f.pageID)
		if !victimBucket.mu.TryLock() {
			continue
		}
		if atomic.LoadInt32(&f.pin) > 0 {
			victimBucket.mu.Unlock()
			continue
		}
		if f.dirty {
			if err := m.writeFrame(f); err != nil {
				victimBucket.mu.Unlock()
				slog.Warn("segment.fault.writeback_failed", "victim", f.pageID, "want", id, "err", err)
				return nil, &StorageIOError{Block: m.MapToBlock(f.pageID), Err: err}
			}
		}
		slog.Debug("segment.fault.evict", "slot", slot, "victim", f.pageID, "want", id)
		m.unsplice(int32(slot), victimBucket)
		victimBucket.mu.Unlock()
		return m.attach(ctx, int32(slot), id, b)
	}
}

func (m *Manager) attach(_ context.Context, slot int32, id ids.PageId, b *bucket) (interfaces.PageView, error) {
	f := &m.frames[slot]
	f.pageID = id
	f.data = make([]byte, m.pageSize)
	f.pin = 1
	f.clock = 1
	f.dirty = false

	if err := m.readFrame(f); err != nil {
		return nil, &StorageIOError{Block: m.MapToBlock(id), Err: err}
	}

	b.mu.Lock()
	f.next = b.head
	if b.head >= 0 {
		m.frames[b.head].prev = slot
	}
	f.prev = -1
	b.head = slot
	b.mu.Unlock()

	m.indexMu.Lock()
	m.index[id] = slot
	m.indexMu.Unlock()
	return f, nil
}

func (m *Manager) unsplice(slot int32, b *bucket) {
	f := &m.frames[slot]
	if f.prev >= 0 {
		m.frames[f.prev].next = f.next
	} else {
		b.head = f.next
	}
	if f.next >= 0 {
		m.frames[f.next].prev = f.prev
	}
	m.indexMu.Lock()
	delete(m.index, f.pageID)
	m.indexMu.Unlock()
}

func (m *Manager) readFrame(f *frame) error {
	off := int64(f.pageID) * int64(m.pageSize)
	_, err := m.file.ReadAt(f.data, off)
	if err != nil && err.Error() != "EOF" {
		return err
	}
	return nil
}

func (m *Manager) writeFrame(f *frame) error {
	off := int64(f.pageID) * int64(m.pageSize)
	_, err := m.file.WriteAt(f.data, off)
	f.dirty = false
	return err
}

func (m *Manager) UnlockPage(block ids.BlockId, mode ids.LockMode) {
	id := ids.PageId(block.Block)
	m.indexMu.Lock()
	slot, ok := m.index[id]
	m.indexMu.Unlock()
	if !ok {
		return
	}
	f := &m.frames[slot]
	if mode == ids.Exclusive {
		f.dirty = true
		f.content.WriteUnlock()
	} else {
		f.content.ReadUnlock()
	}
	atomic.AddInt32(&f.pin, -1)
}

func (m *Manager) AllocatePage(_ context.Context) (ids.PageId, error) {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()
	if n := len(m.free); n > 0 {
		id := m.free[n-1]
		m.free = m.free[:n-1]
		return id, nil
	}
	id := ids.PageId(atomic.AddUint64(&m.nextID, 1) - 1)
	return id, nil
}

func (m *Manager) DeallocatePage(_ context.Context, id ids.PageId) error {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()
	m.free = append(m.free, id)
	return nil
}

func (m *Manager) MapToBlock(id ids.PageId) ids.BlockId {
	return ids.BlockId{SegmentId: 0, Block: uint64(id)}
}
