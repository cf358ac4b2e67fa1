package memsegment

import (
	"context"
	"testing"

	"github.com/latchtree/btreeengine/ids"
)

func TestLockPageCreatesOnFirstTouch(t *testing.T) {
	m := New(256)
	ctx := context.Background()

	block := ids.BlockId{SegmentId: 0, Block: 7}
	pv, err := m.LockPage(ctx, block, ids.Shared)
	if err != nil {
		t.Fatalf("LockPage: %v", err)
	}
	if got := len(pv.DataAsSlice()); got != 256 {
		t.Fatalf("page size = %d, want 256", got)
	}
	if got := pv.PinCount(); got != 1 {
		t.Fatalf("pin count = %d, want 1", got)
	}

	m.UnlockPage(block, ids.Shared)
	if got := pv.PinCount(); got != 0 {
		t.Fatalf("pin count after unlock = %d, want 0", got)
	}
}

func TestLockPageReturnsSameBackingArray(t *testing.T) {
	m := New(64)
	ctx := context.Background()
	block := ids.BlockId{SegmentId: 0, Block: 3}

	pv1, _ := m.LockPage(ctx, block, ids.Shared)
	pv1.DataAsSlice()[0] = 0x42
	m.UnlockPage(block, ids.Shared)

	pv2, _ := m.LockPage(ctx, block, ids.Shared)
	if got := pv2.DataAsSlice()[0]; got != 0x42 {
		t.Fatalf("byte 0 = %#x, want 0x42", got)
	}
}

func TestAllocatePageReusesDeallocatedSlot(t *testing.T) {
	m := New(64)
	ctx := context.Background()

	first, err := m.AllocatePage(ctx)
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	if err := m.DeallocatePage(ctx, first); err != nil {
		t.Fatalf("DeallocatePage: %v", err)
	}
	second, err := m.AllocatePage(ctx)
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	if second != first {
		t.Fatalf("AllocatePage after free = %v, want reused id %v", second, first)
	}
}

func TestMapToBlockRoundTrips(t *testing.T) {
	m := New(64)
	id := ids.PageId(12)
	block := m.MapToBlock(id)
	if block.Block != uint64(id) || block.SegmentId != 0 {
		t.Fatalf("MapToBlock(%v) = %+v", id, block)
	}
}
