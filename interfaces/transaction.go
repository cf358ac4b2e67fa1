package interfaces

import (
	"context"

	"github.com/latchtree/btreeengine/ids"
)

// SavepointId names one outstanding savepoint within a transaction's
// journal. Opaque to the engine; only the txn package interprets it.
type SavepointId uint64

// Participant is something a transaction can roll back on abort: a
// Writer's pending batch, a secondary index maintainer, anything that
// needs to undo work tied to a savepoint. Grounded on
// huhu99-BumbleBase's recovery participant registration, generalized
// from that package's concrete recovery.Manager to an interface so the
// core engine never imports the txn package directly.
type Participant interface {
	Undo(ctx context.Context, sp SavepointId) error
}

// TransactionCoordinator is the external savepoint/rollback authority a
// Writer batch registers against. The core engine never manages
// transaction lifecycle itself (spec.md §1 Non-goals), and it does not
// call a TransactionCoordinator: a caller that wants a batch of Writer
// calls undoable creates a savepoint before the batch and commits or
// rolls it back afterward.
type TransactionCoordinator interface {
	CreateSavepoint(ctx context.Context, txn ids.TxnId) (SavepointId, error)
	CommitSavepoint(ctx context.Context, sp SavepointId) error
	Rollback(ctx context.Context, sp SavepointId) error
	AddParticipant(txn ids.TxnId, participant Participant) error
}
