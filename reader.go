package blinktree

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/latchtree/btreeengine/ids"
	"github.com/latchtree/btreeengine/keys"
)

// Reader drives a single cursor through the tree: descend to a leaf,
// then slide right across sibling boundaries as the caller advances.
// Grounded on the teacher's BLTree find/next methods (FindKey,
// findNext, startKey, nextKey, RangeScan in bltree.go), generalized
// from a single fixed-layout key to a keys.Descriptor-driven search
// key and rebuilt around the explicit PageLock/CacheAccessor layers
// instead of a raw BufMgr.
type Reader struct {
	tree *Tree

	lock        *PageLock
	slot        uint32
	singular    bool // see IsSingular
	rootMode    LockMode
	cleanStreak int // consecutive descents without a retry, for adjustRootLockMode
}

func NewReader(t *Tree) *Reader {
	return &Reader{tree: t, rootMode: Shared}
}

// adjustRootLockMode self-tunes the lock mode requested on the root:
// a Reader defaults to Shared, but after repeatedly racing a concurrent
// splitRoot (observed via descend's retry loop below) it switches to
// requesting Exclusive on the root for subsequent searches, trading a
// little root contention for fewer wasted re-descents. Grounded on
// spec.md §4.4's "root lock mode adjustment/self-tuning" note; the
// teacher has no equivalent (it never contends on root splits enough
// to matter at its scale), so the heuristic itself — promote after any
// retried descent, demote after ten consecutive clean descents (counted
// across searches on this Reader) — is this package's own, recorded as
// an Open Question resolution.
func (r *Reader) adjustRootLockMode(retried bool, cleanStreak *int) {
	if retried {
		*cleanStreak = 0
		if r.rootMode != Exclusive {
			slog.Debug("reader.adjustRootLockMode.promote", "from", r.rootMode)
		}
		r.rootMode = Exclusive
		return
	}
	*cleanStreak++
	if *cleanStreak >= 10 {
		if r.rootMode != Shared {
			slog.Debug("reader.adjustRootLockMode.demote", "cleanStreak", *cleanStreak)
		}
		r.rootMode = Shared
	}
}

// descend performs a latch-coupled root-to-leaf search for searchKey,
// landing on the returned leaf (held in leafMode when it was reached
// from a height-1 page with a dup other than DupSeekAny; otherwise in
// Shared, or in the root's mode when the root is itself the leaf) with
// slot positioned per dup: for every dup value except DupSeekEnd this is the least
// upper bound (the smallest live-or-dead slot whose key is >=
// searchKey); for DupSeekEnd it is the greatest lower bound instead
// (the floor), since that is the only dup value SearchLast uses and
// "last entry <= key" is a floor query, not a ceiling one. Internal
// (non-leaf) child selection always uses the least upper bound
// regardless of dup, since an internal separator is Lehman-Yao's "max
// key reachable via this child" and following anything but the
// smallest qualifying child could walk past the target entirely.
//
// It installs a right-search terminator (the highest key seen on each
// internal page visited) and chases right whenever a concurrent split
// has moved keys past it, exactly as spec.md §4.4 describes;
// terminator installation is suppressed only for a partial key
// (searchKey narrower than the tree's full key shape), since a range
// prefix isn't a single point the terminator check could validate —
// unlike a floor query, which is still a single point and needs the
// same staleness protection a ceiling query does.
//
// readMode restricts how far down descend is willing to land:
// ids.ReadNonLeafOnly stops at height 1 (the parent-of-leaf level)
// without ever touching the leaf itself; ids.ReadNormal and
// ids.ReadLeafOnly both descend all the way to height 0.
func (r *Reader) descend(ctx context.Context, searchKey []byte, dup ids.DupSeek, leafMode LockMode, readMode ids.ReadMode) (*PageLock, uint32, error) {
	suppressTerminator := isPartialKey(r.tree.node.desc, searchKey)

	for {
		retried := false
		root := r.tree.root()
		if root == NullPageId {
			return nil, 0, ErrAborted
		}

		lock, err := LockPage(ctx, r.tree.cache, r.tree.block(root), r.rootMode)
		if err != nil {
			return nil, 0, err
		}

		var terminator []byte
		for {
			page := lock.GetNodeForRead()

			if !suppressTerminator && terminator != nil {
				if bytes.Compare(searchKey, terminator) > 0 {
					// A split landed between our last read and now;
					// chase right before trusting this page's contents.
					nl, err := r.chaseRight(ctx, lock, searchKey, leafMode)
					if err != nil {
						return nil, 0, err
					}
					lock = nl
					terminator = nil
					retried = true
					continue
				}
			}

			if page.Height == 1 && readMode == ids.ReadNonLeafOnly {
				slot, _ := r.tree.node.leastUpper(page, searchKey, dup)
				r.adjustRootLockMode(retried, &r.cleanStreak)
				return lock, slot, nil
			}

			if page.Height == 0 {
				var slot uint32
				if dup == ids.DupSeekEnd {
					slot, _ = r.tree.node.greatestLowerBound(page, searchKey)
				} else {
					slot, _ = r.tree.node.leastUpper(page, searchKey, dup)
				}
				r.adjustRootLockMode(retried, &r.cleanStreak)
				return lock, slot, nil
			}

			slot, _ := r.tree.node.leastUpper(page, searchKey, dup)
			_, val, ok := r.tree.node.accessTuple(page, slot)
			if !ok {
				return nil, 0, &StorageIOError{Block: lock.Block(), Err: ErrAborted}
			}
			childID := ids.PageId(bytesToUint64(val))

			mode := LockMode(Shared)
			if page.Height == 1 && dup != ids.DupSeekAny {
				mode = leafMode
			}

			if !suppressTerminator {
				terminator = r.tree.node.entryKey(page, page.NEntries)
			}

			child, err := LockPageWithCoupling(ctx, r.tree.cache, lock, r.tree.block(childID), mode)
			if err != nil {
				return nil, 0, err
			}
			lock = child
		}
	}
}

// chaseRight slides a lock rightward across sibling boundaries,
// lock-coupling at every step, until the page's own highest key is
// no longer behind the caller's search key. Grounded on the teacher's
// findNext lock-chaining (bltree.go).
func (r *Reader) chaseRight(ctx context.Context, lock *PageLock, searchKey []byte, mode LockMode) (*PageLock, error) {
	for {
		page := lock.GetNodeForRead()
		if page.RightSibling == NullPageId {
			return lock, nil
		}
		if page.NEntries > 0 && r.tree.node.desc.Compare(searchKey, r.tree.node.entryKey(page, page.NEntries)) <= 0 {
			return lock, nil
		}
		next, err := LockPageWithCoupling(ctx, r.tree.cache, lock, r.tree.block(page.RightSibling), mode)
		if err != nil {
			return nil, err
		}
		lock = next
	}
}

// SearchFirst positions the cursor at the first live entry whose key
// is >= key (or the first entry in the tree if key is nil).
func (r *Reader) SearchFirst(ctx context.Context, key []byte) (bool, error) {
	r.releaseLocked()
	lock, slot, err := r.descend(ctx, key, ids.DupSeekBegin, Shared, ids.ReadNormal)
	if err != nil {
		return false, err
	}
	r.lock, r.slot = lock, slot
	r.singular = r.isSingularAt(lock, slot)
	page := lock.GetNodeForRead()
	if slot >= 1 && slot <= page.NEntries &&
		(page.Dead(slot) || (key != nil && r.tree.node.desc.Compare(key, r.tree.node.entryKey(page, slot)) > 0)) {
		// The landing slot is dead, or every entry on this leaf is below
		// key: advance to the next live entry.
		return r.SearchNext(ctx)
	}
	return r.currentIsLive(), nil
}

// SearchLast positions the cursor at the last live entry whose key is
// <= key: descend's DupSeekEnd leaf branch computes this directly via
// nodeAccessor.greatestLowerBound's floor search (the terminator/
// chase-right check along the way already guards against landing on a
// page a concurrent split has since moved past), so no post-hoc
// backing-up is needed here.
func (r *Reader) SearchLast(ctx context.Context, key []byte) (bool, error) {
	r.releaseLocked()
	lock, slot, err := r.descend(ctx, key, ids.DupSeekEnd, Shared, ids.ReadNormal)
	if err != nil {
		return false, err
	}
	r.lock, r.slot = lock, slot
	r.singular = r.isSingularAt(lock, slot)
	return r.currentIsLive(), nil
}

// SearchForKey positions the cursor at the unique or first-duplicate
// match for key, reporting whether it was found.
func (r *Reader) SearchForKey(ctx context.Context, key []byte) (bool, error) {
	r.releaseLocked()
	lock, slot, err := r.descend(ctx, key, ids.DupSeekBegin, Shared, ids.ReadLeafOnly)
	if err != nil {
		return false, err
	}
	r.lock, r.slot = lock, slot
	r.singular = r.isSingularAt(lock, slot)
	k, _, ok := r.tree.node.accessTuple(lock.GetNodeForRead(), slot)
	return ok && r.tree.node.desc.Compare(key, k) == 0, nil
}

// SearchNonLeaf positions the cursor at the parent-of-leaf (height 1)
// landing slot for key without ever locking or decoding the leaf
// itself, for callers that only need the internal separator/child
// pointer view (diagnostics, or a caller about to issue its own
// Exclusive descent past this point). Grounded on spec.md §4.4's
// read_mode = READ_NONLEAF_ONLY stop condition. On a tree too short to
// have an internal level (a lone root leaf), this lands on the root
// leaf itself instead, since there is no height-1 page to stop at.
func (r *Reader) SearchNonLeaf(ctx context.Context, key []byte) (bool, error) {
	r.releaseLocked()
	lock, slot, err := r.descend(ctx, key, ids.DupSeekAny, Shared, ids.ReadNonLeafOnly)
	if err != nil {
		return false, err
	}
	r.lock, r.slot = lock, slot
	r.singular = r.isSingularAt(lock, slot)
	return r.currentIsLive(), nil
}

// SearchNext advances the cursor to the next live entry, sliding across
// a sibling boundary via lock-coupling if the current page is
// exhausted.
func (r *Reader) SearchNext(ctx context.Context) (bool, error) {
	if r.lock == nil {
		return false, ErrAborted
	}
	for {
		page := r.lock.GetNodeForRead()
		r.slot++
		if r.slot <= page.NEntries {
			if page.Dead(r.slot) {
				continue
			}
			return true, nil
		}
		if page.RightSibling == NullPageId {
			return false, nil
		}
		next, err := LockPageWithCoupling(ctx, r.tree.cache, r.lock, r.tree.block(page.RightSibling), Shared)
		if err != nil {
			return false, err
		}
		r.lock = next
		r.slot = 0
	}
}

// EndSearch releases the cursor's held lock. Safe to call repeatedly.
func (r *Reader) EndSearch() {
	r.releaseLocked()
}

// GetTupleAccessor returns the key/value the cursor currently sits on.
func (r *Reader) GetTupleAccessor() (key, value []byte, ok bool) {
	if r.lock == nil {
		return nil, nil, false
	}
	return r.tree.node.accessTuple(r.lock.GetNodeForRead(), r.slot)
}

// IsSingular reports whether the slot the most recent search landed on
// is the last slot of its page (or the page is empty), or is followed
// by a dead slot. It does not compare keys and does not look past the
// current page, so it does not tell whether exactly one entry matched
// or whether the search ran past the end of the tree.
func (r *Reader) IsSingular() bool { return r.singular }

func (r *Reader) isSingularAt(lock *PageLock, slot uint32) bool {
	page := lock.GetNodeForRead()
	if slot == 0 || slot >= page.NEntries {
		return slot == page.NEntries
	}
	return page.Dead(slot + 1)
}

func (r *Reader) currentIsLive() bool {
	if r.lock == nil {
		return false
	}
	_, _, ok := r.tree.node.accessTuple(r.lock.GetNodeForRead(), r.slot)
	return ok
}

func (r *Reader) releaseLocked() {
	if r.lock != nil {
		r.lock.Unlock()
		r.lock = nil
	}
}

// isPartialKey reports whether searchKey supplies fewer columns than a
// full entry would, the case spec.md §4.4 calls out as suppressing the
// right-search terminator (a partial key describes a range, not a
// point a terminator check could validate against).
func isPartialKey(d keys.Descriptor, searchKey []byte) bool {
	if c, ok := d.(keys.Columnar); ok {
		return len(keys.DecodeColumns(searchKey)) < c.NumColumns()
	}
	return false
}

func bytesToUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < len(b) && i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
