package segment

import (
	"errors"
	"fmt"

	"github.com/latchtree/btreeengine/ids"
)

// ErrAborted is this package's own cancellation sentinel, returned when
// ctx is done while waiting for a frame. It is a distinct value from
// blinktree.ErrAborted, so errors.Is against blinktree.ErrAborted does
// not match it.
var ErrAborted = errors.New("segment: operation aborted")

// StorageIOError wraps an I/O failure with the block it happened on.
type StorageIOError struct {
	Block ids.BlockId
	Err   error
}

func (e *StorageIOError) Error() string {
	return fmt.Sprintf("segment: I/O error at %s: %v", e.Block, e.Err)
}

func (e *StorageIOError) Unwrap() error { return e.Err }
