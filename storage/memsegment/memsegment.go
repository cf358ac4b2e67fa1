// Package memsegment is an in-memory interfaces.SegmentManager test
// double: no eviction, no I/O, every page lives in a Go map for the
// life of the process. Adapted from the teacher's ParentBufMgrDummy/
// ParentPageDummy (_examples/ryogrid-bltree-go-for-embedding/
// parent_buf_mgr_dummy.go, parent_page_dummy.go), generalized from a
// bare int32 page id to ids.PageId/ids.BlockId and from a single fixed
// 4KB array to a configurable page size.
package memsegment

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"

	"github.com/latchtree/btreeengine/ids"
	"github.com/latchtree/btreeengine/interfaces"
	"github.com/latchtree/btreeengine/storage/latch"
)

// page is the dummy's PageView: a plain byte slice plus a pin count,
// existence guarded by the owning Manager's mutex, plus its own
// content lock enforcing SHARED/EXCLUSIVE access the same way a real
// disk-backed frame does.
type page struct {
	data    []byte
	pins    int32
	content latch.RWLock
}

func (p *page) DataAsSlice() []byte { return p.data }
func (p *page) PinCount() int32     { return atomic.LoadInt32(&p.pins) }
func (p *page) DecPinCount()        { atomic.AddInt32(&p.pins, -1) }

// Manager is a single-segment, unbounded in-memory SegmentManager.
// Intended for unit tests and for the txn package's rollback tests,
// where a real disk-backed segment would only add noise.
type Manager struct {
	mu       sync.Mutex
	pageSize uint32
	pages    map[ids.PageId]*page
	free     *bitset.BitSet // tracks deallocated page numbers for reuse
	nextID   uint64
}

func New(pageSize uint32) *Manager {
	return &Manager{
		pageSize: pageSize,
		pages:    make(map[ids.PageId]*page),
		free:     bitset.New(1024),
		nextID:   1,
	}
}

func (m *Manager) LockPage(_ context.Context, block ids.BlockId, mode ids.LockMode) (interfaces.PageView, error) {
	m.mu.Lock()
	id := ids.PageId(block.Block)
	p, ok := m.pages[id]
	if !ok {
		p = &page{data: make([]byte, m.pageSize)}
		m.pages[id] = p
	}
	atomic.AddInt32(&p.pins, 1)
	m.mu.Unlock()

	if mode == ids.Exclusive {
		p.content.WriteLock()
	} else {
		p.content.ReadLock()
	}
	return p, nil
}

func (m *Manager) UnlockPage(block ids.BlockId, mode ids.LockMode) {
	m.mu.Lock()
	p, ok := m.pages[ids.PageId(block.Block)]
	m.mu.Unlock()
	if !ok {
		return
	}
	if mode == ids.Exclusive {
		p.content.WriteUnlock()
	} else {
		p.content.ReadUnlock()
	}
	atomic.AddInt32(&p.pins, -1)
}

func (m *Manager) AllocatePage(_ context.Context) (ids.PageId, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx, ok := m.firstFreeLocked(); ok {
		m.free.Clear(idx)
		id := ids.PageId(idx + 1)
		m.pages[id] = &page{data: make([]byte, m.pageSize)}
		return id, nil
	}
	id := ids.PageId(atomic.AddUint64(&m.nextID, 1) - 1)
	m.pages[id] = &page{data: make([]byte, m.pageSize)}
	return id, nil
}

func (m *Manager) firstFreeLocked() (uint, bool) {
	for i, e := m.free.NextSet(0); e; i, e = m.free.NextSet(i + 1) {
		return i, true
	}
	return 0, false
}

func (m *Manager) DeallocatePage(_ context.Context, id ids.PageId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pages, id)
	m.free.Set(uint(id) - 1)
	return nil
}

func (m *Manager) MapToBlock(id ids.PageId) ids.BlockId {
	return ids.BlockId{SegmentId: 0, Block: uint64(id)}
}
