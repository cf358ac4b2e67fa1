package txn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/latchtree/btreeengine/ids"
	"github.com/latchtree/btreeengine/interfaces"
)

// ErrDeadlock is returned by Lock when granting the request would
// close a cycle in the wait-for graph.
var ErrDeadlock = errors.New("txn: lock request would deadlock")

// transaction is one caller-named ids.TxnId's open state: the
// client-facing uuid the journal and wait-for graph key on, its
// currently registered Participants, and the savepoints it has open.
// Grounded on huhu99-BumbleBase's concurrency.Transaction, with
// clientId kept (same reason: stable identity for logs/graph nodes)
// and resources dropped in favor of LockManager's own holder sets.
type transaction struct {
	mu           sync.Mutex
	id           ids.TxnId
	clientID     uuid.UUID
	participants []interfaces.Participant
	marks        map[interfaces.SavepointId]int64
}

// Manager is this engine's interfaces.TransactionCoordinator: it
// issues savepoints, journals their boundaries, rolls a batch back by
// replaying registered Participants in reverse, and arbitrates
// resource-level locks across concurrently running transactions with
// deadlock detection. Grounded on huhu99-BumbleBase's
// concurrency.TransactionManager, split across manager.go (this
// file), lockmanager.go, deadlock.go and journal.go instead of one
// struct, since this package composes the four concerns independently
// of any REPL/table layer.
type Manager struct {
	mu      sync.RWMutex
	txns    map[ids.TxnId]*transaction
	spOwner map[interfaces.SavepointId]ids.TxnId

	lm    *LockManager
	graph *waitForGraph
	log   *journal

	nextSP uint64
}

// NewManager opens (or creates) the journal at journalPath and
// returns a ready Manager.
func NewManager(journalPath string) (*Manager, error) {
	log, err := openJournal(journalPath)
	if err != nil {
		return nil, err
	}
	return &Manager{
		txns:    make(map[ids.TxnId]*transaction),
		spOwner: make(map[interfaces.SavepointId]ids.TxnId),
		lm:      newLockManager(),
		graph:   newWaitForGraph(),
		log:     log,
	}, nil
}

func (m *Manager) Close() error {
	return m.log.close()
}

func (m *Manager) transactionFor(txn ids.TxnId) *transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[txn]
	if !ok {
		t = &transaction{id: txn, clientID: uuid.New(), marks: make(map[interfaces.SavepointId]int64)}
		m.txns[txn] = t
	}
	return t
}

// CreateSavepoint opens a new savepoint for txn and journals its
// boundary, so Rollback can later recover exactly where it started.
func (m *Manager) CreateSavepoint(ctx context.Context, txn ids.TxnId) (interfaces.SavepointId, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	t := m.transactionFor(txn)
	sp := interfaces.SavepointId(atomic.AddUint64(&m.nextSP, 1))

	t.mu.Lock()
	off, err := m.log.markSavepoint(t.clientID, sp)
	if err != nil {
		t.mu.Unlock()
		return 0, err
	}
	t.marks[sp] = off
	t.mu.Unlock()

	m.mu.Lock()
	m.spOwner[sp] = txn
	m.mu.Unlock()
	return sp, nil
}

// CommitSavepoint finalizes sp: its journal mark and any participants
// registered against it are dropped, since nothing after this point
// can be rolled back through it anymore.
func (m *Manager) CommitSavepoint(ctx context.Context, sp interfaces.SavepointId) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	t, ok := m.ownerOf(sp)
	if !ok {
		return errors.New("txn: commit of unknown savepoint")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := m.log.markCommit(t.clientID, sp); err != nil {
		return err
	}
	delete(t.marks, sp)
	t.participants = nil

	m.mu.Lock()
	delete(m.spOwner, sp)
	m.mu.Unlock()
	return nil
}

// Rollback undoes every Participant currently registered against sp's
// transaction (registration is per transaction, not per savepoint, so
// this includes participants added before sp opened), in reverse
// registration order (LIFO,
// as huhu99-BumbleBase's RecoveryManager.Rollback walks its log tail
// backward), confirms the savepoint boundary is really where the
// journal says it is, then truncates the journal back to it.
func (m *Manager) Rollback(ctx context.Context, sp interfaces.SavepointId) error {
	t, ok := m.ownerOf(sp)
	if !ok {
		return errors.New("txn: rollback of unknown savepoint")
	}
	t.mu.Lock()
	off, ok := t.marks[sp]
	participants := append([]interfaces.Participant(nil), t.participants...)
	t.mu.Unlock()
	if !ok {
		return errors.New("txn: rollback of a savepoint with no open mark")
	}

	if _, err := m.log.findSavepointLine(off); err != nil {
		return err
	}

	for i := len(participants) - 1; i >= 0; i-- {
		if err := participants[i].Undo(ctx, sp); err != nil {
			return err
		}
	}

	if err := m.log.truncateTo(off); err != nil {
		return err
	}

	t.mu.Lock()
	delete(t.marks, sp)
	t.participants = nil
	t.mu.Unlock()

	m.mu.Lock()
	delete(m.spOwner, sp)
	m.mu.Unlock()
	return nil
}

// AddParticipant registers participant against txn's currently open
// batch, so a later Rollback of any savepoint txn still has open will
// call its Undo.
func (m *Manager) AddParticipant(txn ids.TxnId, participant interfaces.Participant) error {
	t := m.transactionFor(txn)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.participants = append(t.participants, participant)
	return nil
}

func (m *Manager) ownerOf(sp interfaces.SavepointId) (*transaction, bool) {
	m.mu.RLock()
	txn, ok := m.spOwner[sp]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	m.mu.Lock()
	t := m.txns[txn]
	m.mu.Unlock()
	return t, t != nil
}

// Lock acquires a logical, transaction-scoped hold on r for txn,
// registering a wait-for edge against every conflicting holder first
// and refusing the request with ErrDeadlock if that edge would close
// a cycle. Grounded on huhu99-BumbleBase's
// TransactionManager.Lock (discoverTransactions + AddEdge +
// DetectCycle), generalized from a (table, key) resource to Resource
// and from LockType to ids.LockMode.
func (m *Manager) Lock(ctx context.Context, txn ids.TxnId, r Resource, mode ids.LockMode) error {
	holders := m.lm.conflicts(r, mode, txn)
	for _, h := range holders {
		m.graph.addEdge(txn, h)
	}
	if m.graph.hasCycle() {
		for _, h := range holders {
			m.graph.removeEdge(txn, h)
		}
		return ErrDeadlock
	}
	for _, h := range holders {
		m.graph.removeEdge(txn, h)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	m.lm.grant(r, txn, mode)
	return nil
}

// Unlock releases txn's hold on r.
func (m *Manager) Unlock(txn ids.TxnId, r Resource) error {
	return m.lm.release(r, txn)
}
