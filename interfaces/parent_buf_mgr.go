package interfaces

import (
	"context"

	"github.com/latchtree/btreeengine/ids"
)

// SegmentManager is the pluggable buffer pool the core engine drives:
// lock a page (fetching/pinning it in as needed), unlock it, allocate
// and deallocate pages, and translate a PageId to the physical block
// that backs it. Adapted from the teacher's ParentBufMgr, generalized
// from a bare int32 page id and boolean dirty flag to the shared
// ids.PageId/ids.BlockId/ids.LockMode types and given a context.Context
// on every call that can block, per spec.md §5's cancellation model.
type SegmentManager interface {
	// LockPage fetches and latches the page at block in the given mode,
	// blocking until the latch is granted or ctx is done.
	LockPage(ctx context.Context, block ids.BlockId, mode ids.LockMode) (PageView, error)

	// UnlockPage releases a previously granted lock. Implementations
	// treat this as the unpin point: a page with no remaining lock
	// holders becomes eligible for eviction.
	UnlockPage(block ids.BlockId, mode ids.LockMode)

	// AllocatePage reserves a new page and returns its PageId, either
	// reusing a freed page or extending the segment.
	AllocatePage(ctx context.Context) (ids.PageId, error)

	// DeallocatePage returns a page to the free chain. The caller must
	// hold no outstanding lock on id when this is called.
	DeallocatePage(ctx context.Context, id ids.PageId) error

	// MapToBlock resolves a PageId to the physical block currently
	// backing it.
	MapToBlock(id ids.PageId) ids.BlockId
}
