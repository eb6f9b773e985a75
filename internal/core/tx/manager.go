// Package tx provides transaction management on top of package resource.
// Domain code depends on the Manager interfaces; TxManager is the
// implementation that begins, commits, and rolls back transactions on a
// scope-bound connection and supports savepoint-backed nested scopes.
package tx

import (
	"context"
)

// Manager defines the contract for transaction management.
type Manager interface {
	// RunInTransaction executes fn within a database transaction.
	// If fn returns an error, the transaction is rolled back.
	// If fn succeeds, the transaction is committed.
	//
	// Nested calls join the existing transaction of the scope in ctx.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// ReadOnlyManager extends Manager with read-only transaction support.
type ReadOnlyManager interface {
	Manager

	// ReadOnly executes fn in a read-only transaction.
	ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error
}

var _ ReadOnlyManager = (*TxManager)(nil)
