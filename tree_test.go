package blinktree

import (
	"context"
	"fmt"
	"testing"

	"github.com/latchtree/btreeengine/keys"
	"github.com/latchtree/btreeengine/storage/memsegment"
)

func openTestTree(t *testing.T, ownerID uint64) *Tree {
	t.Helper()
	sm := memsegment.New(256)
	roots := NewOwnerRootMap()
	desc := TreeDescriptor{SegmentID: 0, OwnerID: ownerID, Desc: keys.ByteTuple{}}
	tree, err := Open(context.Background(), sm, desc, roots, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return tree
}

func TestInsertAndSearchForKey(t *testing.T) {
	tree := openTestTree(t, 1)
	w := NewWriter(tree)
	r := NewReader(tree)
	ctx := context.Background()

	if err := w.Insert(ctx, []byte("apple"), []byte("fruit")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := w.Insert(ctx, []byte("carrot"), []byte("veg")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	found, err := r.SearchForKey(ctx, []byte("apple"))
	if err != nil {
		t.Fatalf("SearchForKey: %v", err)
	}
	if !found {
		t.Fatalf("expected to find apple")
	}
	key, val, ok := r.GetTupleAccessor()
	if !ok || string(key) != "apple" || string(val) != "fruit" {
		t.Fatalf("unexpected tuple: key=%q val=%q ok=%v", key, val, ok)
	}
	r.EndSearch()

	found, err = r.SearchForKey(ctx, []byte("missing"))
	if err != nil {
		t.Fatalf("SearchForKey: %v", err)
	}
	if found {
		t.Fatalf("did not expect to find a missing key")
	}
	r.EndSearch()
}

func TestInsertUpdatesExistingKeyInPlace(t *testing.T) {
	tree := openTestTree(t, 2)
	w := NewWriter(tree)
	r := NewReader(tree)
	ctx := context.Background()

	if err := w.Insert(ctx, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := w.Insert(ctx, []byte("a"), []byte("2")); err != nil {
		t.Fatalf("Insert (update): %v", err)
	}
	if _, err := r.SearchForKey(ctx, []byte("a")); err != nil {
		t.Fatalf("SearchForKey: %v", err)
	}
	_, val, ok := r.GetTupleAccessor()
	if !ok || string(val) != "2" {
		t.Fatalf("expected updated value 2, got %q ok=%v", val, ok)
	}
	r.EndSearch()
}

func TestSearchFirstAndNextWalksInOrder(t *testing.T) {
	tree := openTestTree(t, 3)
	w := NewWriter(tree)
	r := NewReader(tree)
	ctx := context.Background()

	want := []string{"a", "b", "c", "d", "e"}
	for _, k := range want {
		if err := w.Insert(ctx, []byte(k), []byte(k)); err != nil {
			t.Fatalf("Insert(%q): %v", k, err)
		}
	}

	var got []string
	ok, err := r.SearchFirst(ctx, nil)
	if err != nil {
		t.Fatalf("SearchFirst: %v", err)
	}
	for ok {
		key, _, kok := r.GetTupleAccessor()
		if !kok {
			break
		}
		got = append(got, string(key))
		ok, err = r.SearchNext(ctx)
		if err != nil {
			t.Fatalf("SearchNext: %v", err)
		}
	}
	r.EndSearch()

	if len(got) != len(want) {
		t.Fatalf("got %v entries, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("out of order at %d: got %v want %v", i, got, want)
		}
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	tree := openTestTree(t, 4)
	w := NewWriter(tree)
	r := NewReader(tree)
	ctx := context.Background()

	if err := w.Insert(ctx, []byte("x"), []byte("1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := w.Insert(ctx, []byte("y"), []byte("2")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := w.Delete(ctx, []byte("x")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	found, err := r.SearchForKey(ctx, []byte("x"))
	if err != nil {
		t.Fatalf("SearchForKey: %v", err)
	}
	if found {
		t.Fatalf("expected x to be deleted")
	}
	r.EndSearch()

	found, err = r.SearchForKey(ctx, []byte("y"))
	if err != nil {
		t.Fatalf("SearchForKey: %v", err)
	}
	if !found {
		t.Fatalf("expected y to survive the delete")
	}
	r.EndSearch()
}

// TestInsertManyForcesSplits drives enough inserts through a small page
// size that splitAndPropagate/splitRoot must run, then confirms every
// key is still reachable by key and by an in-order SearchFirst/Next walk.
func TestInsertManyForcesSplits(t *testing.T) {
	tree := openTestTree(t, 5)
	w := NewWriter(tree)
	r := NewReader(tree)
	ctx := context.Background()

	const n = 200
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		if err := w.Insert(ctx, k, k); err != nil {
			t.Fatalf("Insert(%s): %v", k, err)
		}
	}

	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		found, err := r.SearchForKey(ctx, k)
		if err != nil {
			t.Fatalf("SearchForKey(%s): %v", k, err)
		}
		if !found {
			t.Fatalf("expected to find %s after splits", k)
		}
		r.EndSearch()
	}

	count := 0
	ok, err := r.SearchFirst(ctx, nil)
	if err != nil {
		t.Fatalf("SearchFirst: %v", err)
	}
	var last string
	for ok {
		key, _, kok := r.GetTupleAccessor()
		if !kok {
			break
		}
		if count > 0 && string(key) <= last {
			t.Fatalf("out-of-order walk: %q did not follow %q", key, last)
		}
		last = string(key)
		count++
		ok, err = r.SearchNext(ctx)
		if err != nil {
			t.Fatalf("SearchNext: %v", err)
		}
	}
	r.EndSearch()
	if count != n {
		t.Fatalf("expected %d live entries after splits, walked %d", n, count)
	}
}

func TestInsertDuplicateKeys(t *testing.T) {
	tree := openTestTree(t, 6)
	w := NewWriter(tree)
	r := NewReader(tree)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := w.InsertDuplicate(ctx, []byte("dup"), []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("InsertDuplicate: %v", err)
		}
	}

	ok, err := r.SearchFirst(ctx, []byte("dup"))
	if err != nil {
		t.Fatalf("SearchFirst: %v", err)
	}
	count := 0
	for ok {
		key, _, kok := r.GetTupleAccessor()
		if !kok || string(key) != "dup" {
			break
		}
		count++
		ok, err = r.SearchNext(ctx)
		if err != nil {
			t.Fatalf("SearchNext: %v", err)
		}
	}
	r.EndSearch()
	if count != 5 {
		t.Fatalf("expected 5 duplicate entries, got %d", count)
	}
}

func TestSearchLastFindsGreatestLowerBound(t *testing.T) {
	tree := openTestTree(t, 7)
	w := NewWriter(tree)
	r := NewReader(tree)
	ctx := context.Background()

	for _, k := range []byte{2, 4, 6, 8} {
		if err := w.Insert(ctx, []byte{k}, []byte{k}); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
	}

	// 5 falls strictly between 4 and 6: the floor is 4, not the ceiling 6.
	found, err := r.SearchLast(ctx, []byte{5})
	if err != nil {
		t.Fatalf("SearchLast: %v", err)
	}
	if !found {
		t.Fatalf("expected SearchLast(5) to land on a live entry")
	}
	key, _, ok := r.GetTupleAccessor()
	if !ok || len(key) != 1 || key[0] != 4 {
		t.Fatalf("SearchLast(5) = %v, want [4]", key)
	}
	r.EndSearch()

	// An exact match is its own floor.
	found, err = r.SearchLast(ctx, []byte{6})
	if err != nil {
		t.Fatalf("SearchLast: %v", err)
	}
	if !found {
		t.Fatalf("expected SearchLast(6) to land on a live entry")
	}
	key, _, ok = r.GetTupleAccessor()
	if !ok || len(key) != 1 || key[0] != 6 {
		t.Fatalf("SearchLast(6) = %v, want [6]", key)
	}
	r.EndSearch()

	// Below every key: no floor exists.
	found, err = r.SearchLast(ctx, []byte{1})
	if err != nil {
		t.Fatalf("SearchLast: %v", err)
	}
	if found {
		key, _, _ := r.GetTupleAccessor()
		t.Fatalf("SearchLast(1) unexpectedly found %v", key)
	}
	r.EndSearch()
}
