package blinktree

import (
	"context"

	"github.com/latchtree/btreeengine/interfaces"
)

// PageLock is a scoped lock guard over one pinned page: it pairs a
// CacheAccessor lock/unlock call with the decoded Page view, the way
// the teacher's PageSet pairs a *Latchs with its *Page, but exposed as
// an explicit-release value type rather than two fields the caller must
// remember to unwind in the right order. Grounded on spec.md §4.2's
// lock_page/lock_page_with_coupling/try_upgrade/unlock/get_node_for_*
// contract.
type PageLock struct {
	cache CacheAccessor
	block BlockId
	mode  LockMode
	view  interfaces.PageView
	page  *Page
}

// LockPage acquires block in mode and decodes its contents.
func LockPage(ctx context.Context, cache CacheAccessor, block BlockId, mode LockMode) (*PageLock, error) {
	view, err := cache.LockPage(ctx, block, mode)
	if err != nil {
		return nil, err
	}
	return &PageLock{cache: cache, block: block, mode: mode, view: view, page: PageFromRaw(view.DataAsSlice())}, nil
}

// LockPageWithCoupling acquires next while still holding prev, then
// releases prev — the crabbing step every descent and every
// findNext-style right-chase uses to never leave a gap an evicting
// writer could walk through. Grounded on the teacher's lock-chaining
// idiom (PageLock(LockAccess, ...) before releasing the parent).
func LockPageWithCoupling(ctx context.Context, cache CacheAccessor, prev *PageLock, next BlockId, mode LockMode) (*PageLock, error) {
	nl, err := LockPage(ctx, cache, next, mode)
	if err != nil {
		return nil, err
	}
	prev.Unlock()
	return nl, nil
}

// TryUpgrade releases the held Shared lock and reacquires the same
// block Exclusive. There is no in-place atomic upgrade: requesting
// Exclusive while still holding Shared on the same frame would
// deadlock against the frame's own content lock (a writer can never
// proceed while any reader, including this one, is still attached).
// Callers that depend on the page's contents surviving the gap (e.g. a
// slot computed under Shared) must re-derive them after a successful
// upgrade, since another writer may have mutated the page in between.
func (pl *PageLock) TryUpgrade(ctx context.Context) bool {
	if pl.mode == Exclusive {
		return true
	}
	pl.cache.UnlockPage(pl.block, Shared)
	nv, err := pl.cache.LockPage(ctx, pl.block, Exclusive)
	if err != nil {
		pl.cache = nil
		return false
	}
	pl.view = nv
	pl.mode = Exclusive
	pl.page = PageFromRaw(nv.DataAsSlice())
	return true
}

// Unlock releases the lock. Only the first call releases; it clears the
// guard's cache, so a later call is a harmless no-op rather than a
// panic, since cleanup paths often unlock along more than one return.
func (pl *PageLock) Unlock() {
	if pl.cache == nil {
		return
	}
	pl.page.FlushInto(pl.view.DataAsSlice())
	pl.cache.UnlockPage(pl.block, pl.mode)
	pl.cache = nil
}

// GetNodeForRead returns the decoded page, valid for the read-only
// operations a Shared or Exclusive lock both permit.
func (pl *PageLock) GetNodeForRead() *Page { return pl.page }

// GetNodeForWrite returns the decoded page for mutation; panics if the
// lock is not held Exclusive, since every mutating path must hold it.
func (pl *PageLock) GetNodeForWrite() *Page {
	invariant(pl.mode == Exclusive, "GetNodeForWrite called without an exclusive lock")
	return pl.page
}

func (pl *PageLock) Block() BlockId { return pl.block }
func (pl *PageLock) Mode() LockMode { return pl.mode }
