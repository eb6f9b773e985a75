package postgres

import (
	"context"

	"txcoord/internal/core/resource"
	"txcoord/internal/core/tx"
)

// Compile-time check that TxManager implements tx.ReadOnlyManager.
var _ tx.ReadOnlyManager = (*TxManager)(nil)

// TxManager is tx.TxManager bound to a Pool. Repositories get their
// connection through Conn or WithConn, which hand out the transaction's
// connection inside a transaction and a pooled one outside.
type TxManager struct {
	*tx.TxManager
	pool    *Pool
	factory *resource.TransactionAwareFactory
}

// NewTxManager creates a new transaction manager.
func NewTxManager(pool *Pool, cfg tx.ManagerConfig) *TxManager {
	return &TxManager{
		TxManager: tx.NewTxManager(pool, cfg),
		pool:      pool,
		factory:   resource.NewTransactionAwareFactory(pool),
	}
}

// Pool returns the pool transactions run on.
func (m *TxManager) Pool() *Pool {
	return m.pool
}

// ConnFactory returns a factory whose connections take part in the
// transaction of the caller's scope. Closing them never closes a
// transaction's connection.
func (m *TxManager) ConnFactory() resource.Factory {
	return m.factory
}

// Conn returns a handle on the connection for ctx. The caller must Close it.
func (m *TxManager) Conn(ctx context.Context) (resource.Conn, error) {
	return m.factory.Open(ctx)
}

// WithConn runs fn with the connection for ctx and releases it afterwards.
func (m *TxManager) WithConn(ctx context.Context, fn func(ctx context.Context, conn resource.Conn) error) (err error) {
	conn, err := resource.Acquire(ctx, m.pool)
	if err != nil {
		return err
	}
	defer resource.ReleaseOnExit(ctx, conn, m.pool, &err)
	return fn(ctx, conn)
}

// InTransaction reports whether ctx runs inside a transaction of m.
func (m *TxManager) InTransaction(ctx context.Context) bool {
	reg := resource.RegistryFrom(ctx)
	if reg == nil {
		return false
	}
	h := reg.GetResource(resource.KeyOf(m.pool))
	return h != nil && h.TransactionActive()
}

// pgConn returns the package connection behind conn.
func pgConn(conn resource.Conn) (*Conn, bool) {
	c, ok := resource.Unwrap(conn).(*Conn)
	return c, ok
}
