package tx

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"txcoord/internal/core/apperror"
	"txcoord/internal/core/resource"
)

// State is the lifecycle position of a transaction object.
type State int

const (
	StateNoTransaction State = iota
	StateActive
	StateCommitting
	StateRollingBack
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateNoTransaction:
		return "no_transaction"
	case StateActive:
		return "active"
	case StateCommitting:
		return "committing"
	case StateRollingBack:
		return "rolling_back"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Object is created by TxManager.Begin for one begin/commit-or-rollback
// cycle and must be handed back to exactly one of Commit or Rollback.
type Object struct {
	def Definition
	reg *resource.Registry

	holder    *resource.Holder
	newHolder bool

	newTransaction     bool
	newSynchronization bool

	// savepoint is set for a nested scope running inside an outer
	// transaction.
	savepoint        resource.SavepointID
	savepointAllowed bool

	prior                 resource.PriorSettings
	mustRestoreAutoCommit bool

	rollbackOnly bool
	suspended    *suspendedResources

	state State
	span  trace.Span
}

// Definition returns the definition the object was begun with.
func (o *Object) Definition() Definition {
	return o.def
}

// State returns the lifecycle state.
func (o *Object) State() State {
	return o.state
}

// IsCompleted reports whether Commit or Rollback already ran.
func (o *Object) IsCompleted() bool {
	return o.state == StateCompleted
}

// ExistingHolder reports whether the object joined a holder it did not
// create. Such a holder is released by its owner, not by this object.
func (o *Object) ExistingHolder() bool {
	return o.holder != nil && !o.newHolder
}

// PreviousIsolation returns the isolation level to restore after the
// transaction, and false if the level was not changed.
func (o *Object) PreviousIsolation() (resource.IsolationLevel, bool) {
	return o.prior.Isolation, o.prior.Isolation != resource.IsolationDefault
}

// SavepointAllowed reports whether CreateSavepoint may be used.
func (o *Object) SavepointAllowed() bool {
	return o.savepointAllowed
}

// IsNewTransaction reports whether the object began the physical
// transaction.
func (o *Object) IsNewTransaction() bool {
	return o.newTransaction
}

// HasTransaction reports whether the object runs inside a physical
// transaction, begun by it or joined.
func (o *Object) HasTransaction() bool {
	return o.holder != nil && o.holder.TransactionActive()
}

// HasSavepoint reports whether the object is a savepoint scope.
func (o *Object) HasSavepoint() bool {
	return o.savepoint != ""
}

// Conn returns the connection the transaction runs on, nil without one.
func (o *Object) Conn() resource.Conn {
	if o.holder == nil {
		return nil
	}
	return o.holder.Conn()
}

// SetRollbackOnly dooms the object. On a participating object the shared
// transaction is doomed as well.
func (o *Object) SetRollbackOnly() {
	o.rollbackOnly = true
	if o.participating() {
		o.holder.SetRollbackOnly()
	}
}

// IsRollbackOnly reports whether the object or the shared transaction is
// doomed.
func (o *Object) IsRollbackOnly() bool {
	return o.rollbackOnly || o.globalRollbackOnly()
}

func (o *Object) globalRollbackOnly() bool {
	return o.holder != nil && o.holder.IsRollbackOnly()
}

func (o *Object) participating() bool {
	return o.holder != nil && !o.newTransaction && o.savepoint == ""
}

// CreateSavepoint sets a savepoint on the transaction's connection.
func (o *Object) CreateSavepoint(ctx context.Context) (resource.SavepointID, error) {
	if err := o.checkSavepoints(); err != nil {
		return "", err
	}
	return o.holder.CreateSavepoint(ctx)
}

// RollbackToSavepoint rolls back to sp, invalidating later savepoints.
func (o *Object) RollbackToSavepoint(ctx context.Context, sp resource.SavepointID) error {
	if err := o.checkSavepoints(); err != nil {
		return err
	}
	return o.holder.RollbackToSavepoint(ctx, sp)
}

// ReleaseSavepoint releases sp. Failures are logged, not returned.
func (o *Object) ReleaseSavepoint(ctx context.Context, sp resource.SavepointID) error {
	if err := o.checkSavepoints(); err != nil {
		return err
	}
	o.holder.ReleaseSavepoint(ctx, sp)
	return nil
}

func (o *Object) checkSavepoints() error {
	if o.IsCompleted() {
		return apperror.NewTransactionUsage("transaction is already completed")
	}
	if !o.savepointAllowed {
		return apperror.NewNestedTransactionNotSupported("transaction manager does not allow nested transactions")
	}
	if o.holder == nil || !o.holder.HasConnection() {
		return apperror.NewNestedTransactionNotSupported("no connection bound to the transaction")
	}
	return nil
}
