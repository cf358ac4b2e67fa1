package blinktree

import "github.com/latchtree/btreeengine/ids"

// Re-exported so callers write blinktree.PageId instead of reaching into
// the ids package directly; the underlying types are shared verbatim
// with interfaces.SegmentManager/TransactionCoordinator so no conversion
// is ever needed at the boundary.
type (
	PageId   = ids.PageId
	BlockId  = ids.BlockId
	LockMode = ids.LockMode
	DupSeek  = ids.DupSeek
	ReadMode = ids.ReadMode
	TxnId    = ids.TxnId
)

const (
	NullPageId      = ids.NullPageId
	LockModeNone    = ids.LockModeNone
	Shared          = ids.Shared
	Exclusive       = ids.Exclusive
	DupSeekAny      = ids.DupSeekAny
	DupSeekBegin    = ids.DupSeekBegin
	DupSeekEnd      = ids.DupSeekEnd
	ReadNormal      = ids.ReadNormal
	ReadLeafOnly    = ids.ReadLeafOnly
	ReadNonLeafOnly = ids.ReadNonLeafOnly
	NoTxn           = ids.NoTxn
)
