package blinktree

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/latchtree/btreeengine/ids"
)

// defaultScratchPages bounds how many splits a Writer may have staging
// a new page in memory at once before publishing it for real, per
// spec.md §4.5's scratch segment.
const defaultScratchPages = 64

// Writer mutates one tree: Insert/Update/Delete plus the split/merge
// protocol that keeps the Lehman-Yao invariants intact under
// concurrent readers. Grounded on the teacher's BLTree mutating
// methods (bltree.go: InsertKey, DeleteKey, splitPage, splitRoot,
// splitKeys, insertSlot, cleanPage, fixFence, collapseRoot,
// deletePage), rebuilt around PageLock/CacheAccessor instead of a raw
// BufMgr and around ids.PageId-valued child pointers instead of a
// fixed-width Uid.
type Writer struct {
	tree    *Tree
	scratch *semaphore.Weighted
}

func NewWriter(t *Tree) *Writer {
	return &Writer{tree: t, scratch: semaphore.NewWeighted(defaultScratchPages)}
}

// WithScratchCapacity returns a Writer over the same tree bounded to n
// simultaneously staged scratch pages instead of defaultScratchPages.
func (w *Writer) WithScratchCapacity(n int64) *Writer {
	return &Writer{tree: w.tree, scratch: semaphore.NewWeighted(n)}
}

// stageScratchPage reserves one scratch-area slot for building a new
// page in memory before it is allocated for real and published.
// Grounded on quotaAccessor's semaphore.Weighted admission probe
// (cache.go); ErrScratchMemExhausted surfaces exactly the condition its
// own doc comment names: no scratch page available to stage a split.
func (w *Writer) stageScratchPage() (release func(), err error) {
	if !w.scratch.TryAcquire(1) {
		return nil, ErrScratchMemExhausted
	}
	return func() { w.scratch.Release(1) }, nil
}

// descendToLevel latch-couples from the root down to lvl, holding
// Shared above it and Exclusive at lvl, and returns positioned at the
// least-upper-bound slot for key. Grounded on the teacher's
// PageFetch(..., lvl, lock, ...).
func (w *Writer) descendToLevel(ctx context.Context, key []byte, lvl uint32, dup ids.DupSeek) (*PageLock, uint32, error) {
	root := w.tree.root()
	if root == NullPageId {
		return nil, 0, ErrAborted
	}

	lock, err := LockPage(ctx, w.tree.cache, w.tree.block(root), Shared)
	if err != nil {
		return nil, 0, err
	}

	for {
		page := lock.GetNodeForRead()
		slot, _ := w.tree.node.leastUpper(page, key, dup)

		if page.Height == lvl {
			if lock.Mode() != Exclusive {
				if !lock.TryUpgrade(ctx) {
					lock.Unlock()
					return w.descendToLevel(ctx, key, lvl, dup)
				}
				// TryUpgrade releases Shared before reacquiring Exclusive
				// (the only deadlock-free option against a real per-frame
				// content lock), so another writer may have changed this
				// page in the gap; recompute the landing slot now that we
				// actually hold Exclusive.
				page = lock.GetNodeForRead()
				slot, _ = w.tree.node.leastUpper(page, key, dup)
			}
			return lock, slot, nil
		}

		_, val, ok := w.tree.node.accessTuple(page, slot)
		if !ok {
			lock.Unlock()
			return nil, 0, &StorageIOError{Block: lock.Block(), Err: ErrAborted}
		}
		childID := ids.PageId(bytesToUint64(val))

		childMode := Shared
		if page.Height-1 == lvl {
			childMode = Exclusive
		}
		child, err := LockPageWithCoupling(ctx, w.tree.cache, lock, w.tree.block(childID), childMode)
		if err != nil {
			return nil, 0, err
		}
		lock = child
	}
}

// Insert adds or updates a unique key at the leaf level.
func (w *Writer) Insert(ctx context.Context, key []byte, value []byte) error {
	return w.insertAtLevel(ctx, key, 0, value, true)
}

// InsertDuplicate adds a non-unique entry, suffixing key with a
// monotonic sequence number the way the teacher's newDup does, so
// repeated calls with the same key never collide.
func (w *Writer) InsertDuplicate(ctx context.Context, key []byte, value []byte) error {
	seq := w.nextDupSequence()
	ins := append(append([]byte{}, key...), uint64ToBytes(seq)...)
	return w.insertAtLevel(ctx, ins, 0, value, false)
}

// dupSequence is the process-wide duplicate-key uniquifier counter:
// every InsertDuplicate call on every Writer/Tree draws from it, so it
// must be a single atomically-incremented counter rather than one
// bare increment per Writer, or two concurrent duplicate inserts could
// be handed the same suffix and collide under SlotDuplicate's
// uniqueness assumption (node.go's entryKey/leastUpper tie-breaking).
var dupSequence uint64

func (w *Writer) nextDupSequence() uint64 {
	return atomic.AddUint64(&dupSequence, 1)
}

// insertAtLevel mirrors the teacher's InsertKey: descend to lvl
// exclusive, update in place if the key already occupies the landing
// slot, otherwise make room (compacting first if that's enough) and
// insert; if neither compaction nor the existing free space suffices,
// split the page and retry from the top, since a concurrent insert may
// have changed what "the right place" means.
func (w *Writer) insertAtLevel(ctx context.Context, key []byte, lvl uint32, value []byte, unique bool) error {
	dup := ids.DupSeekAny
	if !unique {
		dup = ids.DupSeekEnd
	}

	for {
		lock, slot, err := w.descendToLevel(ctx, key, lvl, dup)
		if err != nil {
			return err
		}
		page := lock.GetNodeForWrite()

		// leastUpper returns NEntries (not NEntries+1) when key exceeds
		// every entry on the page, so child-pointer descent can still
		// follow the rightmost child under a stale separator. For an
		// actual insertion that slot is one short: appending past the
		// current max must land after it, not before it.
		if slot == 0 || (slot <= page.NEntries && w.tree.node.desc.Compare(key, w.tree.node.entryKey(page, slot)) > 0) {
			slot = page.NEntries + 1
		}

		if unique && slot <= page.NEntries {
			if existing, ok := w.matchesSlot(page, slot, key); ok {
				existing.SetValue(value, slot)
				existing.SetDead(slot, false)
				lock.Unlock()
				return nil
			}
		}

		if page.fits(len(key), len(value)) {
			typ := SlotUnique
			if !unique {
				typ = SlotDuplicate
			}
			page.insertAt(slot, key, value, typ)
			lock.Unlock()
			return nil
		}

		if err := w.compact(page); err == nil && page.fits(len(key), len(value)) {
			typ := SlotUnique
			if !unique {
				typ = SlotDuplicate
			}
			page.insertAt(slot, key, value, typ)
			lock.Unlock()
			return nil
		}

		if err := w.splitAndPropagate(ctx, lock); err != nil {
			return err
		}
		// retry from the top: the split may have moved our target slot
		// to the new right sibling.
	}
}

func (w *Writer) matchesSlot(page *Page, slot uint32, key []byte) (*Page, bool) {
	if slot == 0 || slot > page.NEntries {
		return nil, false
	}
	if w.tree.node.desc.Compare(key, w.tree.node.entryKey(page, slot)) != 0 {
		return nil, false
	}
	return page, true
}

// compact removes dead (tombstoned) slots, reclaiming Garbage bytes in
// place. Grounded on the teacher's cleanPage, simplified to always
// fully compact rather than bail out below a garbage threshold, since
// this engine does not need to avoid the copy's cost at the teacher's
// scale.
func (w *Writer) compact(page *Page) error {
	old := *page
	fresh := NewPage(uint32(len(page.Data)))
	fresh.Height = page.Height
	fresh.RightSibling = page.RightSibling
	fresh.Bits = page.Bits

	for slot := uint32(1); slot <= old.NEntries; slot++ {
		if old.Dead(slot) {
			continue
		}
		fresh.appendEntry(old.Key(slot), old.Value(slot), old.Type(slot), false)
	}

	page.PageHeader = fresh.PageHeader
	copy(page.Data, fresh.Data)
	return nil
}

// splitAndPropagate splits a full page (held Exclusive) into itself
// (lower half) and a newly allocated right sibling (upper half), links
// them left-then-right, and installs the new separator key(s) in the
// parent. Grounded on the teacher's splitPage + splitKeys + splitRoot.
func (w *Writer) splitAndPropagate(ctx context.Context, lock *PageLock) error {
	page := lock.GetNodeForWrite()
	if page.NEntries <= 1 {
		lock.Unlock()
		return nil
	}
	return w.doSplit(ctx, lock, page)
}

func (w *Writer) doSplit(ctx context.Context, lock *PageLock, page *Page) error {
	isRoot := lock.Block().Block == uint64(w.tree.root())

	release, err := w.stageScratchPage()
	if err != nil {
		lock.Unlock()
		return err
	}
	defer release()

	slog.Debug("writer.doSplit.start",
		"block", lock.Block().Block,
		"height", page.Height,
		"nEntries", page.NEntries,
		"isRoot", isRoot,
	)

	mid := page.NEntries / 2
	right := NewPage(uint32(len(page.Data)))
	right.Height = page.Height
	right.RightSibling = page.RightSibling

	for slot := mid + 1; slot <= page.NEntries; slot++ {
		if page.Dead(slot) {
			continue
		}
		right.appendEntry(page.Key(slot), page.Value(slot), page.Type(slot), false)
	}

	left := NewPage(uint32(len(page.Data)))
	left.Height = page.Height
	for slot := uint32(1); slot <= mid; slot++ {
		if page.Dead(slot) {
			continue
		}
		left.appendEntry(page.Key(slot), page.Value(slot), page.Type(slot), false)
	}

	allocCtx := ctx
	rightID, err := w.allocatePage(allocCtx)
	if err != nil {
		lock.Unlock()
		return err
	}
	left.RightSibling = rightID

	rightLock, err := LockPage(ctx, w.tree.cache, w.tree.block(rightID), Exclusive)
	if err != nil {
		lock.Unlock()
		return err
	}
	CopyPageInto(rightLock.GetNodeForWrite(), right)

	leftSeparator := w.tree.node.entryKey(left, left.NEntries)
	rightSeparator := w.tree.node.entryKey(right, right.NEntries)

	CopyPageInto(page, left)
	rightLock.Unlock()

	if isRoot {
		slog.Debug("writer.doSplit.root_split", "newRight", rightID)
		return w.splitRoot(ctx, lock, leftSeparator, rightID, rightSeparator)
	}

	parentKey := rightSeparator
	leftID := lock.Block().Block
	lock.Unlock()

	if err := w.insertAtLevel(ctx, leftSeparator, page.Height+1, uint64ToBytes(leftID), true); err != nil {
		return err
	}
	return w.insertAtLevel(ctx, parentKey, page.Height+1, uint64ToBytes(uint64(rightID)), true)
}

// splitRoot raises the tree's height by one: the current root's
// contents move into a freshly allocated page (now the sole left
// child), and the root page is rewritten to hold exactly two entries —
// the left child's separator and the right child's separator (its
// highest key), the latter pointing at the right child produced by the
// split that triggered this call. Grounded on the teacher's splitRoot.
func (w *Writer) splitRoot(ctx context.Context, rootLock *PageLock, leftSeparator []byte, rightID PageId, rightSeparator []byte) error {
	root := rootLock.GetNodeForWrite()
	slog.Debug("writer.splitRoot", "oldHeight", root.Height, "newHeight", root.Height+1, "rightID", rightID)
	leftID, err := w.allocatePage(ctx)
	if err != nil {
		rootLock.Unlock()
		return err
	}
	leftLock, err := LockPage(ctx, w.tree.cache, w.tree.block(leftID), Exclusive)
	if err != nil {
		rootLock.Unlock()
		return err
	}
	CopyPageInto(leftLock.GetNodeForWrite(), root)
	leftLock.Unlock()

	newRoot := NewPage(uint32(len(root.Data)))
	newRoot.Height = root.Height + 1
	newRoot.appendEntry(leftSeparator, uint64ToBytes(uint64(leftID)), SlotUnique, false)
	newRoot.appendEntry(rightSeparator, uint64ToBytes(uint64(rightID)), SlotUnique, false)
	CopyPageInto(root, newRoot)
	rootLock.Unlock()
	return nil
}

func (w *Writer) allocatePage(ctx context.Context) (PageId, error) {
	id, err := w.tree.cacheAllocate(ctx)
	if err != nil {
		return NullPageId, err
	}
	return id, nil
}

// Delete marks key's leaf entry dead.
func (w *Writer) Delete(ctx context.Context, key []byte) error {
	return w.deleteAtLevel(ctx, key, 0)
}

// deleteAtLevel marks key's entry dead at lvl. If deleting leaves the
// page empty it is removed from the tree via deletePage; if deleting
// the fence key (the page's last live entry) the new fence is pushed
// to the parent via fixFence; if the root collapses to a single child
// the tree's height shrinks via collapseRoot. Takes an explicit level
// because fixFence/deletePage recurse into the parent level to adjust
// separator keys there. Grounded on the teacher's DeleteKey.
func (w *Writer) deleteAtLevel(ctx context.Context, key []byte, lvl uint32) error {
	lock, slot, err := w.descendToLevel(ctx, key, lvl, ids.DupSeekAny)
	if err != nil {
		return err
	}
	page := lock.GetNodeForWrite()

	if slot == 0 || slot > page.NEntries || page.Dead(slot) {
		lock.Unlock()
		return nil
	}
	if w.tree.node.desc.Compare(key, w.tree.node.entryKey(page, slot)) != 0 {
		lock.Unlock()
		return nil
	}

	wasFence := slot == page.NEntries
	isRoot := lock.Block().Block == uint64(w.tree.root())
	page.markDead(slot)

	if lvl > 0 && isRoot && page.ActiveCount == 1 {
		return w.collapseRoot(ctx, lock)
	}
	if page.ActiveCount == 0 {
		return w.deletePage(ctx, lock)
	}
	if wasFence {
		return w.fixFence(ctx, lock)
	}
	lock.Unlock()
	return nil
}

// collapseRoot pulls the root's single remaining child's contents up
// into the root page itself, shrinking the tree's height by one
// without changing the root's PageId. Grounded on the teacher's
// collapseRoot.
func (w *Writer) collapseRoot(ctx context.Context, rootLock *PageLock) error {
	root := rootLock.GetNodeForWrite()
	slog.Debug("writer.collapseRoot", "block", rootLock.Block().Block, "height", root.Height)
	var childID PageId
	for slot := uint32(1); slot <= root.NEntries; slot++ {
		if root.Dead(slot) {
			continue
		}
		_, val, _ := w.tree.node.accessTuple(root, slot)
		childID = PageId(bytesToUint64(val))
		break
	}
	if childID == NullPageId {
		rootLock.Unlock()
		return nil
	}
	childLock, err := LockPage(ctx, w.tree.cache, w.tree.block(childID), Exclusive)
	if err != nil {
		rootLock.Unlock()
		return err
	}
	CopyPageInto(root, childLock.GetNodeForWrite())
	childLock.Unlock()
	rootLock.Unlock()
	return w.deallocatePage(ctx, childID)
}

// fixFence re-posts a page's fence key in its parent after the old
// fence entry was deleted: the page's new highest key becomes the
// separator the parent should hold for it, replacing the stale one.
// Grounded on the teacher's fixFence.
func (w *Writer) fixFence(ctx context.Context, lock *PageLock) error {
	page := lock.GetNodeForWrite()
	height := page.Height
	newFence := w.tree.node.entryKey(page, page.NEntries)
	pageID := PageId(lock.Block().Block)
	lock.Unlock()

	return w.insertAtLevel(ctx, newFence, height+1, uint64ToBytes(uint64(pageID)), true)
}

// deletePage removes an emptied page from the chain: its right
// sibling's contents are pulled left into it (so no reader mid-chase
// ever lands on a page that vanished), the sibling is marked Kill'd
// and its RightSibling left pointing back at this page as a redirect
// until the parent updates land, and the parent's separator entries
// are adjusted to point only at the surviving page. Grounded on the
// teacher's deletePage.
func (w *Writer) deletePage(ctx context.Context, lock *PageLock) error {
	page := lock.GetNodeForWrite()
	if page.RightSibling == NullPageId {
		lock.Unlock()
		return nil
	}
	lowerFence := w.tree.node.entryKey(page, page.NEntries)
	selfID := PageId(lock.Block().Block)
	height := page.Height

	slog.Debug("writer.deletePage", "self", selfID, "rightSibling", page.RightSibling, "height", height)

	rightLock, err := LockPage(ctx, w.tree.cache, w.tree.block(page.RightSibling), Exclusive)
	if err != nil {
		lock.Unlock()
		return err
	}
	right := rightLock.GetNodeForWrite()
	if right.Kill {
		rightLock.Unlock()
		lock.Unlock()
		return nil
	}
	higherFence := w.tree.node.entryKey(right, right.NEntries)
	rightID := PageId(rightLock.Block().Block)

	CopyPageInto(page, right)
	rightLock.GetNodeForWrite().RightSibling = selfID
	rightLock.GetNodeForWrite().Kill = true
	rightLock.Unlock()
	lock.Unlock()

	if err := w.insertAtLevel(ctx, higherFence, height+1, uint64ToBytes(uint64(selfID)), true); err != nil {
		return err
	}
	if err := w.deleteAtLevel(ctx, lowerFence, height+1); err != nil {
		return err
	}
	return w.deallocatePage(ctx, rightID)
}

func (w *Writer) deallocatePage(ctx context.Context, id PageId) error {
	return w.tree.cacheDeallocate(ctx, id)
}

// AppendMonotonic is the bulk-append fast path for strictly increasing
// keys (e.g. a surrogate id generator): it holds the rightmost leaf's
// lock across the whole batch instead of re-descending per key. Each
// entry is appended directly into the held leaf; when the leaf is full
// the split it triggers goes through doSplit's scratch-staged split
// (stageScratchPage/ErrScratchMemExhausted), the same path every other
// split in the tree takes. Grounded on the teacher's appends via
// repeated InsertKey at the rightmost leaf, generalized into a single
// held-lock batch.
func (w *Writer) AppendMonotonic(ctx context.Context, entries [][2][]byte) error {
	if len(entries) == 0 {
		return nil
	}
	rightmost, err := w.findRightmostLeaf(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rightmost != nil {
			rightmost.Unlock()
		}
	}()

	for _, kv := range entries {
		page := rightmost.GetNodeForWrite()
		if page.fits(len(kv[0]), len(kv[1])) {
			page.appendEntry(kv[0], kv[1], SlotUnique, false)
			continue
		}
		if err := w.splitAndPropagate(ctx, rightmost); err != nil {
			return err
		}
		rightmost, err = w.findRightmostLeaf(ctx)
		if err != nil {
			return err
		}
		page = rightmost.GetNodeForWrite()
		page.appendEntry(kv[0], kv[1], SlotUnique, false)
	}
	return nil
}

func (w *Writer) findRightmostLeaf(ctx context.Context) (*PageLock, error) {
	root := w.tree.root()
	if root == NullPageId {
		return nil, ErrAborted
	}
	lock, err := LockPage(ctx, w.tree.cache, w.tree.block(root), Exclusive)
	if err != nil {
		return nil, err
	}
	for {
		page := lock.GetNodeForRead()
		if page.Height == 0 {
			return lock, nil
		}
		_, val, ok := w.tree.node.accessTuple(page, page.NEntries)
		if !ok {
			lock.Unlock()
			return nil, &StorageIOError{Block: lock.Block(), Err: ErrAborted}
		}
		childID := ids.PageId(bytesToUint64(val))
		next, err := LockPageWithCoupling(ctx, w.tree.cache, lock, w.tree.block(childID), Exclusive)
		if err != nil {
			return nil, err
		}
		lock = next
	}
}
