// Package keys provides the KeyDescriptor contract the tree uses to order
// entries, plus a default byte-tuple implementation. Tuple
// serialization itself is out of scope (spec.md §1): a KeyDescriptor
// only ever compares already-encoded key bytes.
package keys

import "bytes"

// Descriptor is a total order over tuples, with partial-key (prefix)
// comparison support for SearchKey lookups that supply fewer columns
// than the full key shape.
type Descriptor interface {
	// Compare orders a search key against a node entry's key bytes. The
	// search key may be a prefix of the full key shape (partial key
	// search); in that case the common leading columns are compared, and
	// when they are all equal Columnar orders the key with fewer columns
	// first.
	Compare(searchKey, entryKey []byte) int

	// NumColumns reports how many columns make up a full key, so callers
	// can tell a partial key from a full one (spec.md §4.4: partial-key
	// searches suppress the right-search terminator).
	NumColumns() int
}

// ByteTuple is the default Descriptor: a single opaque byte string,
// ordered lexicographically. NumColumns is always 1 since there is no
// column structure to speak of.
type ByteTuple struct{}

func (ByteTuple) Compare(searchKey, entryKey []byte) int {
	n := len(searchKey)
	if n > len(entryKey) {
		n = len(entryKey)
	}
	if c := bytes.Compare(searchKey[:n], entryKey[:n]); c != 0 {
		return c
	}
	return len(searchKey) - n - (len(entryKey) - n)
}

func (ByteTuple) NumColumns() int { return 1 }

// SearchKey is a tuple conforming to a prefix of a Descriptor's shape.
type SearchKey []byte

// IsFull reports whether the key covers every column a full entry would,
// i.e. it is not a partial-key (prefix) search.
func (k SearchKey) IsFull(d Descriptor) bool {
	if c, ok := d.(Columnar); ok {
		return len(DecodeColumns(k)) >= c.NumColumns()
	}
	return d.NumColumns() == 1
}

// Columnar is a Descriptor over fixed-arity tuples, each column encoded
// as a one-byte length prefix followed by its raw bytes (the same
// length-prefixed convention the page's slot array uses for whole keys).
// A SearchKey may supply fewer columns than NumColumns: that is exactly
// the partial-key (prefix) search spec.md §4.4 calls out, and it is why
// the reader must suppress the right-search terminator for such
// searches (a partial key can only ever describe a range, not a point).
type Columnar struct {
	Columns int
}

func (d Columnar) NumColumns() int { return d.Columns }

// EncodeColumns packs a tuple (full or partial) into its wire form.
func EncodeColumns(cols [][]byte) []byte {
	var out []byte
	for _, c := range cols {
		out = append(out, byte(len(c)))
		out = append(out, c...)
	}
	return out
}

// DecodeColumns unpacks a wire-form tuple back into its columns.
func DecodeColumns(data []byte) [][]byte {
	var cols [][]byte
	for len(data) > 0 {
		n := int(data[0])
		data = data[1:]
		cols = append(cols, data[:n])
		data = data[n:]
	}
	return cols
}

func (d Columnar) Compare(searchKey, entryKey []byte) int {
	sCols := DecodeColumns(searchKey)
	eCols := DecodeColumns(entryKey)
	n := len(sCols)
	if len(eCols) < n {
		n = len(eCols)
	}
	for i := 0; i < n; i++ {
		if c := bytes.Compare(sCols[i], eCols[i]); c != 0 {
			return c
		}
	}
	return len(sCols) - len(eCols)
}
