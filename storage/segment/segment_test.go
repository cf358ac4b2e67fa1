package segment

import (
	"context"
	"testing"

	"github.com/dsnet/golib/memfile"

	"github.com/latchtree/btreeengine/ids"
)

func newTestManager(t *testing.T, pageSize uint32, capacity int) *Manager {
	t.Helper()
	backend := memfile.New(make([]byte, 0, int(pageSize)*capacity*4))
	m, err := OpenBackend(backend, pageSize, capacity)
	if err != nil {
		t.Fatalf("OpenBackend: %v", err)
	}
	return m
}

func TestAllocateAndRoundTripPage(t *testing.T) {
	m := newTestManager(t, 64, bucketChainLen)
	ctx := context.Background()

	id, err := m.AllocatePage(ctx)
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	block := m.MapToBlock(id)

	view, err := m.LockPage(ctx, block, ids.Exclusive)
	if err != nil {
		t.Fatalf("LockPage: %v", err)
	}
	copy(view.DataAsSlice(), []byte("hello"))
	m.UnlockPage(block, ids.Exclusive)

	view2, err := m.LockPage(ctx, block, ids.Shared)
	if err != nil {
		t.Fatalf("LockPage (reread): %v", err)
	}
	if got := string(view2.DataAsSlice()[:5]); got != "hello" {
		t.Fatalf("expected round-tripped bytes %q, got %q", "hello", got)
	}
	m.UnlockPage(block, ids.Shared)
}

func TestDeallocateRecyclesPageId(t *testing.T) {
	m := newTestManager(t, 64, bucketChainLen)
	ctx := context.Background()

	id, err := m.AllocatePage(ctx)
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	if err := m.DeallocatePage(ctx, id); err != nil {
		t.Fatalf("DeallocatePage: %v", err)
	}
	again, err := m.AllocatePage(ctx)
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	if again != id {
		t.Fatalf("expected freed page %d to be recycled, got %d", id, again)
	}
}

// TestEvictionSurvivesFullPool allocates far more pages than the pool's
// frame capacity, forcing the clock-sweep eviction path in fault to
// steal unpinned frames and write them back before every page can
// still be read back correctly.
func TestEvictionSurvivesFullPool(t *testing.T) {
	const capacity = bucketChainLen
	const nPages = capacity * 4
	m := newTestManager(t, 64, capacity)
	ctx := context.Background()

	pages := make([]ids.PageId, 0, nPages)
	for i := 0; i < nPages; i++ {
		id, err := m.AllocatePage(ctx)
		if err != nil {
			t.Fatalf("AllocatePage: %v", err)
		}
		block := m.MapToBlock(id)
		view, err := m.LockPage(ctx, block, ids.Exclusive)
		if err != nil {
			t.Fatalf("LockPage: %v", err)
		}
		copy(view.DataAsSlice(), []byte{byte(i), byte(i >> 8)})
		m.UnlockPage(block, ids.Exclusive)
		pages = append(pages, id)
	}

	for i, id := range pages {
		block := m.MapToBlock(id)
		view, err := m.LockPage(ctx, block, ids.Shared)
		if err != nil {
			t.Fatalf("LockPage(%d): %v", i, err)
		}
		if view.DataAsSlice()[0] != byte(i) || view.DataAsSlice()[1] != byte(i>>8) {
			t.Fatalf("page %d lost its contents across eviction", i)
		}
		m.UnlockPage(block, ids.Shared)
	}
}
