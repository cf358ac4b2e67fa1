package blinktree

import (
	"context"
	"sync"

	"github.com/latchtree/btreeengine/interfaces"
	"github.com/latchtree/btreeengine/keys"
)

// TreeDescriptor names one logical tree: the segment it lives in plus
// the owner id an OwnerRootMap uses to look up its current root. Two
// TreeDescriptors sharing a segment are independent trees multiplexed
// over the same physical storage, mirroring the teacher's single
// BLTree-per-BufMgr but generalized to many trees per segment since a
// real catalog keeps one segment for many indexes.
type TreeDescriptor struct {
	SegmentID uint32
	OwnerID   uint64
	Desc      keys.Descriptor
}

// OwnerRootMap is a sync.Map-backed owner -> root PageId table, so many
// owners can multiplex one segment and a fresh Tree can find its root
// without a catalog lookup. Grounded on spec.md §4.6; no teacher
// equivalent exists (the teacher hardcodes root at page 1 for its
// single tree), so this is built directly from spec.md's contract
// using the idiom sync.Map itself documents for a write-once-read-many
// key set.
//
// A root's PageId is set once, at Open, and never changes again:
// splitRoot/collapseRoot (writer.go) grow and shrink the tree in place
// by rewriting the root page's own contents under its existing PageId,
// the same fixed-root-page design the teacher's BLTree uses. So this
// map never needs an atomic old->new relocation; SetRoot is only ever
// called once per owner.
type OwnerRootMap struct {
	roots sync.Map // ownerID -> PageId
}

func NewOwnerRootMap() *OwnerRootMap {
	return &OwnerRootMap{}
}

func (m *OwnerRootMap) Root(ownerID uint64) (PageId, bool) {
	v, ok := m.roots.Load(ownerID)
	if !ok {
		return NullPageId, false
	}
	return v.(PageId), true
}

func (m *OwnerRootMap) SetRoot(ownerID uint64, root PageId) {
	m.roots.Store(ownerID, root)
}

// Tree is the engine's external handle: a TreeDescriptor bound to a
// CacheAccessor and an OwnerRootMap, exposing the Reader/Writer surface
// spec.md §6 names. Grounded on the teacher's BLTree struct, split
// across reader.go/writer.go for the actual algorithms.
type Tree struct {
	desc  TreeDescriptor
	cache CacheAccessor
	sm    interfaces.SegmentManager
	roots *OwnerRootMap
	node  *nodeAccessor
}

// Open binds a TreeDescriptor to storage, allocating an empty root leaf
// the first time an owner is seen. restart controls nothing at this
// layer (the segment manager owns durability/recovery); it is accepted
// to keep the signature spec.md §6 names.
func Open(ctx context.Context, sm interfaces.SegmentManager, desc TreeDescriptor, roots *OwnerRootMap, restart bool) (*Tree, error) {
	_ = restart
	t := &Tree{
		desc:  desc,
		cache: newSegmentAccessor(sm),
		sm:    sm,
		roots: roots,
		node:  newNodeAccessor(desc.Desc),
	}
	if _, ok := roots.Root(desc.OwnerID); !ok {
		rootID, err := sm.AllocatePage(ctx)
		if err != nil {
			return nil, err
		}
		view, err := sm.LockPage(ctx, t.block(rootID), Exclusive)
		if err != nil {
			return nil, err
		}
		leaf := NewPage(uint32(len(view.DataAsSlice()) - PageHeaderSize))
		leaf.FlushInto(view.DataAsSlice())
		copy(view.DataAsSlice()[PageHeaderSize:], leaf.Data)
		sm.UnlockPage(t.block(rootID), Exclusive)
		roots.SetRoot(desc.OwnerID, rootID)
	}
	return t, nil
}

// WithQuota wraps the tree's CacheAccessor with an admission limit on
// simultaneously locked pages.
func (t *Tree) WithQuota(maxLockedPages uint64) *Tree {
	t2 := *t
	t2.cache = newQuotaAccessor(t.cache, maxLockedPages)
	return &t2
}

// WithTransaction tags every lock request the returned Tree issues
// with txn, for a SegmentManager that attributes locks to a caller.
func (t *Tree) WithTransaction(txn TxnId) *Tree {
	t2 := *t
	t2.cache = newTransactionalAccessor(t.cache, txn)
	return &t2
}

func (t *Tree) Close() {}

func (t *Tree) block(id PageId) BlockId {
	return BlockId{SegmentId: t.desc.SegmentID, Block: uint64(id)}
}

func (t *Tree) root() PageId {
	if id, ok := t.roots.Root(t.desc.OwnerID); ok {
		return id
	}
	return NullPageId
}

func (t *Tree) cacheAllocate(ctx context.Context) (PageId, error) {
	return t.sm.AllocatePage(ctx)
}

func (t *Tree) cacheDeallocate(ctx context.Context, id PageId) error {
	return t.sm.DeallocatePage(ctx, id)
}
