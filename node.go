package blinktree

import (
	"github.com/latchtree/btreeengine/keys"
)

// nodeAccessor resolves a slot within one already-locked page: binary
// search for a key under a Descriptor, duplicate-key tie-breaking, and
// tuple access. Grounded on the teacher's KeyCmp()/binary-search loop in
// PageFetch, generalized from a single fixed byte compare to an
// arbitrary keys.Descriptor so partial-key (prefix) search is a
// first-class case rather than something the caller has to fake with
// key truncation.
type nodeAccessor struct {
	desc keys.Descriptor
}

func newNodeAccessor(desc keys.Descriptor) *nodeAccessor {
	return &nodeAccessor{desc: desc}
}

// compareFirstKey orders searchKey against the page's first live entry,
// returning -1 when the page has no live entry. The reader does not
// call it; its right-chase compares against a page's last key instead.
func (n *nodeAccessor) compareFirstKey(page *Page, searchKey []byte) int {
	for slot := uint32(1); slot <= page.NEntries; slot++ {
		if page.Dead(slot) {
			continue
		}
		return n.desc.Compare(searchKey, n.entryKey(page, slot))
	}
	return -1
}

// entryKey strips the duplicate-sequence suffix a Duplicate slot's key
// carries, so Descriptor.Compare only ever sees caller-meaningful bytes.
func (n *nodeAccessor) entryKey(page *Page, slot uint32) []byte {
	key := page.Key(slot)
	if page.Type(slot) == SlotDuplicate && len(key) >= 8 {
		return key[:len(key)-8]
	}
	return key
}

// leastUpper returns the smallest slot whose key is >= searchKey (the
// Lehman-Yao "least upper bound" used both to descend and to detect
// whether a right-chase is needed), resolving ties among duplicates
// per dup, plus whether an exact match was seen. Grounded on spec.md
// §4.3's binary_search contract: least_upper paired with an out_found
// flag rather than forcing the caller to re-derive "found" with its
// own key comparison.
func (n *nodeAccessor) leastUpper(page *Page, searchKey []byte, dup DupSeek) (slot uint32, found bool) {
	var low uint32 = 1
	high := page.NEntries
	var best uint32

	for low <= high {
		mid := (low + high) / 2
		slot := mid
		c := n.desc.Compare(searchKey, n.entryKey(page, slot))
		switch {
		case c > 0:
			low = mid + 1
		case c < 0:
			best = slot
			high = mid - 1
		default:
			best = slot
			found = true
			switch dup {
			case DupSeekBegin:
				high = mid - 1
			case DupSeekEnd:
				low = mid + 1
			default:
				low, high = mid+1, mid-1
			}
		}
	}
	if best == 0 {
		return page.NEntries, found
	}
	return best, found
}

// greatestLowerBound returns the greatest slot whose key is <= searchKey
// (the floor, a.k.a. GLB) plus whether that slot's key matches searchKey
// exactly, resolving duplicate ties by landing on the last occurrence of
// an equal-key run, since entries with the same key are always stored
// contiguously in sorted order. Returns (0, false) when no entry on page
// qualifies. This is the distinct GLB half of spec.md §4.3's binary_search
// contract that leastUpper's ceiling search cannot answer: searching for
// 5 among keys [2,4,6,8] must land on 4, not 6.
func (n *nodeAccessor) greatestLowerBound(page *Page, searchKey []byte) (slot uint32, found bool) {
	var lo uint32 = 1
	hi := page.NEntries + 1
	for lo < hi {
		mid := lo + (hi-lo)/2
		if n.desc.Compare(n.entryKey(page, mid), searchKey) > 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	if lo == 1 {
		return 0, false
	}
	glb := lo - 1
	return glb, n.desc.Compare(n.entryKey(page, glb), searchKey) == 0
}

// accessTuple materializes slot's key and value, reporting false for a
// dead (tombstoned) or out-of-range slot.
func (n *nodeAccessor) accessTuple(page *Page, slot uint32) (key, value []byte, ok bool) {
	if slot == 0 || slot > page.NEntries {
		return nil, nil, false
	}
	if page.Dead(slot) {
		return nil, nil, false
	}
	return n.entryKey(page, slot), page.Value(slot), true
}
