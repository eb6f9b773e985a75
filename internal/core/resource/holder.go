package resource

import (
	"context"
	"fmt"
	"slices"
	"time"

	"txcoord/internal/core/apperror"
	"txcoord/pkg/logger"
)

// SavepointID names a savepoint created through a Holder.
type SavepointID string

// savepointPrefix matches the names generated for SAVEPOINT statements.
const savepointPrefix = "SAVEPOINT_"

// savepoint remembers the rollback-only marker as it was when the
// savepoint was set.
type savepoint struct {
	id           SavepointID
	rollbackOnly bool
}

// Holder owns one borrowed physical connection for the lifetime of a
// transaction (including its savepoint scopes) or of a scope-bound
// non-transactional borrow. A Holder is only ever touched by the scope it
// is bound to.
type Holder struct {
	conn Conn

	transactionActive bool
	synchronized      bool
	rollbackOnly      bool
	deadline          time.Time
	refCount          int

	savepointSeq int
	savepoints   []savepoint

	clock func() time.Time
}

// NewHolder wraps conn.
func NewHolder(conn Conn) *Holder {
	return &Holder{conn: conn, clock: time.Now}
}

// Conn returns the held connection, nil once it has been handed back.
func (h *Holder) Conn() Conn {
	return h.conn
}

// HasConnection reports whether a connection is currently held.
func (h *Holder) HasConnection() bool {
	return h.conn != nil
}

// SetConn replaces the held connection. Passing nil marks the connection
// as handed back while the holder stays bound.
func (h *Holder) SetConn(conn Conn) {
	h.conn = conn
}

// SetRollbackOnly dooms the transaction owning this holder.
func (h *Holder) SetRollbackOnly() {
	h.rollbackOnly = true
}

// IsRollbackOnly reports whether the transaction is doomed.
func (h *Holder) IsRollbackOnly() bool {
	return h.rollbackOnly
}

// SetTransactionActive records that a physical transaction is open on the
// held connection.
func (h *Holder) SetTransactionActive(active bool) {
	h.transactionActive = active
}

// TransactionActive reports whether a physical transaction is open.
func (h *Holder) TransactionActive() bool {
	return h.transactionActive
}

// SetSynchronizedWithTransaction marks the holder as managed by a
// transaction's lifecycle.
func (h *Holder) SetSynchronizedWithTransaction(on bool) {
	h.synchronized = on
}

// SynchronizedWithTransaction reports whether a transaction manages the
// holder's lifecycle.
func (h *Holder) SynchronizedWithTransaction() bool {
	return h.synchronized
}

// SetDeadline sets an absolute deadline.
func (h *Holder) SetDeadline(d time.Time) {
	h.deadline = d
}

// SetTimeout sets the deadline to now + d.
func (h *Holder) SetTimeout(d time.Duration) {
	h.deadline = h.clock().Add(d)
}

// HasDeadline reports whether a deadline is installed.
func (h *Holder) HasDeadline() bool {
	return !h.deadline.IsZero()
}

// Deadline returns the installed deadline, zero if none.
func (h *Holder) Deadline() time.Time {
	return h.deadline
}

// RemainingTime returns the time left until the deadline. Once the
// deadline has passed the holder is marked rollback-only and a
// TransactionTimedOut error is returned.
func (h *Holder) RemainingTime() (time.Duration, error) {
	if h.deadline.IsZero() {
		return 0, apperror.NewTransactionUsage("no deadline specified for this resource holder")
	}
	left := h.deadline.Sub(h.clock())
	if left <= 0 {
		h.rollbackOnly = true
		return 0, apperror.NewTransactionTimedOut(h.deadline)
	}
	return left, nil
}

// Requested counts one more borrower of the held connection.
func (h *Holder) Requested() {
	h.refCount++
}

// Released counts one borrower less.
func (h *Holder) Released() {
	if h.refCount > 0 {
		h.refCount--
	}
}

// IsOpen reports whether any borrower still holds the connection.
func (h *Holder) IsOpen() bool {
	return h.refCount > 0
}

// SavepointDepth is the number of live savepoints.
func (h *Holder) SavepointDepth() int {
	return len(h.savepoints)
}

// CreateSavepoint sets a new savepoint on the held connection.
func (h *Holder) CreateSavepoint(ctx context.Context) (SavepointID, error) {
	if h.conn == nil {
		return "", apperror.NewNestedTransactionNotSupported("no connection bound to create a savepoint on")
	}
	if !h.conn.SupportsSavepoints() {
		return "", apperror.NewNestedTransactionNotSupported("connection does not support savepoints")
	}
	h.savepointSeq++
	sp := SavepointID(fmt.Sprintf("%s%d", savepointPrefix, h.savepointSeq))
	if err := h.conn.Savepoint(ctx, string(sp)); err != nil {
		return "", apperror.NewCannotCreateTransaction("could not create savepoint", err).
			WithDetail("savepoint", sp)
	}
	h.savepoints = append(h.savepoints, savepoint{id: sp, rollbackOnly: h.rollbackOnly})
	return sp, nil
}

// RollbackToSavepoint undoes everything after sp. sp stays valid; every
// savepoint created after it is invalidated. The rollback-only marker is
// restored to its value when sp was set, and stays set once the deadline
// has passed.
func (h *Holder) RollbackToSavepoint(ctx context.Context, sp SavepointID) error {
	idx := h.savepointIndex(sp)
	if idx < 0 || h.conn == nil {
		return apperror.NewTransactionUsage("savepoint is not active").WithDetail("savepoint", sp)
	}
	if err := h.conn.RollbackToSavepoint(ctx, string(sp)); err != nil {
		return apperror.NewTransactionSystem("could not roll back to savepoint", err).
			WithDetail("savepoint", sp)
	}
	h.savepoints = h.savepoints[:idx+1]
	h.rollbackOnly = h.savepoints[idx].rollbackOnly || h.expired()
	return nil
}

func (h *Holder) expired() bool {
	return !h.deadline.IsZero() && !h.clock().Before(h.deadline)
}

func (h *Holder) savepointIndex(sp SavepointID) int {
	return slices.IndexFunc(h.savepoints, func(s savepoint) bool { return s.id == sp })
}

// ReleaseSavepoint discards sp and every savepoint created after it. The
// outcome is already decided by the enclosing transaction, so failures are
// logged and unknown savepoints are ignored.
func (h *Holder) ReleaseSavepoint(ctx context.Context, sp SavepointID) {
	idx := h.savepointIndex(sp)
	if idx < 0 {
		logger.Debug(ctx, "ignoring release of inactive savepoint", "savepoint", sp)
		return
	}
	h.savepoints = h.savepoints[:idx]
	if h.conn == nil {
		return
	}
	if err := h.conn.ReleaseSavepoint(ctx, string(sp)); err != nil {
		logger.Warn(ctx, "could not explicitly release savepoint", "savepoint", sp, "error", err)
	}
}

// Clear resets transaction-scoped state once a transaction completes. The
// connection itself is left in place for the caller to hand back.
func (h *Holder) Clear() {
	h.transactionActive = false
	h.synchronized = false
	h.rollbackOnly = false
	h.deadline = time.Time{}
	h.savepointSeq = 0
	h.savepoints = nil
}
