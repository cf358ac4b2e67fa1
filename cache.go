package blinktree

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/latchtree/btreeengine/interfaces"
)

// CacheAccessor is the front door every higher layer locks pages
// through. Grounded on Fennel's CacheAccessor hierarchy
// (_examples/original_source/fennel/cache/QuotaCacheAccessor.cpp):
// a thin core plus optional decorators, composition over inheritance.
type CacheAccessor interface {
	LockPage(ctx context.Context, block BlockId, mode LockMode) (interfaces.PageView, error)
	UnlockPage(block BlockId, mode LockMode)
	GetMaxLockedPages() uint64
	SetMaxLockedPages(n uint64)
}

// segmentAccessor is the base CacheAccessor: a direct pass-through to
// the external SegmentManager, with no quota or transaction tagging.
type segmentAccessor struct {
	segments interfaces.SegmentManager
}

func newSegmentAccessor(sm interfaces.SegmentManager) *segmentAccessor {
	return &segmentAccessor{segments: sm}
}

func (a *segmentAccessor) LockPage(ctx context.Context, block BlockId, mode LockMode) (interfaces.PageView, error) {
	return a.segments.LockPage(ctx, block, mode)
}

func (a *segmentAccessor) UnlockPage(block BlockId, mode LockMode) {
	a.segments.UnlockPage(block, mode)
}

func (a *segmentAccessor) GetMaxLockedPages() uint64 { return ^uint64(0) }
func (a *segmentAccessor) SetMaxLockedPages(uint64)  {}

// quotaAccessor wraps a super-accessor with an admission limit on the
// number of simultaneously locked pages, enforced by a weighted
// semaphore: locking a page is exactly "acquire one ticket out of n".
// LockPage waits in Acquire until a ticket is free or ctx is done (then
// it returns ErrAborted); it does not probe with TryAcquire first.
// Grounded on QuotaCacheAccessor.cpp; invariant 6 (resizing never drops
// an already-locked page) holds because SetMaxLockedPages raises a new
// limit below the current locked count to that count before it
// rebuilds the semaphore.
type quotaAccessor struct {
	super CacheAccessor
	sem   *semaphore.Weighted
	max   uint64
	locked int64
}

func newQuotaAccessor(super CacheAccessor, maxLockedPages uint64) *quotaAccessor {
	return &quotaAccessor{super: super, sem: semaphore.NewWeighted(int64(maxLockedPages)), max: maxLockedPages}
}

func (q *quotaAccessor) LockPage(ctx context.Context, block BlockId, mode LockMode) (interfaces.PageView, error) {
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return nil, ErrAborted
	}
	page, err := q.super.LockPage(ctx, block, mode)
	if err != nil {
		q.sem.Release(1)
		return nil, err
	}
	atomic.AddInt64(&q.locked, 1)
	return page, nil
}

func (q *quotaAccessor) UnlockPage(block BlockId, mode LockMode) {
	q.super.UnlockPage(block, mode)
	atomic.AddInt64(&q.locked, -1)
	q.sem.Release(1)
}

func (q *quotaAccessor) GetMaxLockedPages() uint64 { return q.max }

// SetMaxLockedPages only rebuilds the semaphore when it can do so
// without stranding a page already holding a ticket: if the new limit
// is below the current locked count it is raised to that count instead
// of being honored verbatim, so a shrink never revokes an outstanding
// lock (invariant 6).
func (q *quotaAccessor) SetMaxLockedPages(n uint64) {
	locked := uint64(atomic.LoadInt64(&q.locked))
	if n < locked {
		n = locked
	}
	q.max = n
	q.sem = semaphore.NewWeighted(int64(n))
	for i := uint64(0); i < locked; i++ {
		q.sem.TryAcquire(1)
	}
}

// transactionalAccessor tags every call through to the underlying
// SegmentManager with an owning transaction id, so lock-conflict
// diagnostics and deadlock detection can attribute a held lock to the
// transaction that holds it. Grounded on Fennel's decorator pattern;
// the tagging itself has no teacher-repo lock-manager equivalent in
// this slice (the teacher never runs under an external transaction
// coordinator), so it is plumbed straight to interfaces.SegmentManager
// via a ctx value rather than a bespoke locked-page index.
type transactionalAccessor struct {
	super CacheAccessor
	txn   TxnId
}

type txnIDKey struct{}

func newTransactionalAccessor(super CacheAccessor, txn TxnId) *transactionalAccessor {
	return &transactionalAccessor{super: super, txn: txn}
}

func (t *transactionalAccessor) LockPage(ctx context.Context, block BlockId, mode LockMode) (interfaces.PageView, error) {
	return t.super.LockPage(context.WithValue(ctx, txnIDKey{}, t.txn), block, mode)
}

func (t *transactionalAccessor) UnlockPage(block BlockId, mode LockMode) {
	t.super.UnlockPage(block, mode)
}

func (t *transactionalAccessor) GetMaxLockedPages() uint64 { return t.super.GetMaxLockedPages() }
func (t *transactionalAccessor) SetMaxLockedPages(n uint64) { t.super.SetMaxLockedPages(n) }

// TxnFromContext recovers the transaction id a transactionalAccessor
// tagged onto ctx, for SegmentManager implementations that want to
// attribute a lock request.
func TxnFromContext(ctx context.Context) (TxnId, bool) {
	v, ok := ctx.Value(txnIDKey{}).(TxnId)
	return v, ok
}
