package txn

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/latchtree/btreeengine/ids"
)

// lockShardCount bounds contention on the resource table under a
// shared Exclusive workload: each shard guards its own map and mutex
// instead of every Lock/Unlock call serializing on one.
const lockShardCount = 16

// Resource names one logically lockable thing a transaction contends
// over: an owner's tree plus an opaque key within it (a page id, a
// search key, whatever the caller considers its unit of conflict).
// Grounded on huhu99-BumbleBase's concurrency.Resource, generalized
// from a fixed (tableName, resourceKey) pair to (OwnerID, Key) since
// this engine has no table concept of its own.
type Resource struct {
	OwnerID uint64
	Key     string
}

// heldLock tracks who currently holds a Resource and how, so Lock can
// tell whether a new request conflicts with the existing holders.
type heldLock struct {
	mu      sync.RWMutex
	holders map[ids.TxnId]ids.LockMode
}

// LockManager hands out logical, transaction-scoped locks over
// Resources, on top of (not instead of) the page-level latch-coupling
// Reader/Writer already do. Grounded on huhu99-BumbleBase's
// concurrency.LockManager; Resource replaces its (table, key) pair and
// LockType is replaced by ids.LockMode so both packages agree on what
// Shared/Exclusive mean. The single map+mutex is split into
// murmur3-hashed shards the way pkg/hash/hash_subr.go picks murmur3 as
// a second, independent hash alongside xxhash (already spent on the
// segment buffer pool's own bucket table).
type lockShard struct {
	mu    sync.Mutex
	locks map[Resource]*heldLock
}

type LockManager struct {
	shards [lockShardCount]*lockShard
}

func newLockManager() *LockManager {
	lm := &LockManager{}
	for i := range lm.shards {
		lm.shards[i] = &lockShard{locks: make(map[Resource]*heldLock)}
	}
	return lm
}

func (lm *LockManager) shardFor(r Resource) *lockShard {
	buf := make([]byte, 8+len(r.Key))
	binary.LittleEndian.PutUint64(buf, r.OwnerID)
	copy(buf[8:], r.Key)
	return lm.shards[murmur3.Sum64(buf)%lockShardCount]
}

func (lm *LockManager) entry(r Resource) *heldLock {
	s := lm.shardFor(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.locks[r]
	if !ok {
		e = &heldLock{holders: make(map[ids.TxnId]ids.LockMode)}
		s.locks[r] = e
	}
	return e
}

// conflicts reports the transactions currently holding r in a mode
// that conflicts with a new request for mode, without granting
// anything (used by Manager.Lock to build wait-for edges before it
// decides whether granting would deadlock).
func (lm *LockManager) conflicts(r Resource, mode ids.LockMode, requester ids.TxnId) []ids.TxnId {
	e := lm.entry(r)
	e.mu.RLock()
	defer e.mu.RUnlock()
	var holders []ids.TxnId
	for txn, held := range e.holders {
		if txn == requester {
			continue
		}
		if held == ids.Exclusive || mode == ids.Exclusive {
			holders = append(holders, txn)
		}
	}
	return holders
}

// grant records txn as holding r in mode. The caller must already have
// confirmed (via conflicts + deadlock detection) that granting is
// safe; grant itself never blocks.
func (lm *LockManager) grant(r Resource, txn ids.TxnId, mode ids.LockMode) {
	e := lm.entry(r)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.holders[txn] = mode
}

// release drops txn's hold on r, if any.
func (lm *LockManager) release(r Resource, txn ids.TxnId) error {
	s := lm.shardFor(r)
	s.mu.Lock()
	e, ok := s.locks[r]
	s.mu.Unlock()
	if !ok {
		return errors.New("txn: tried to unlock an unheld resource")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.holders, txn)
	return nil
}
