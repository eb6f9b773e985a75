package postgres

import (
	"context"
)

type txManagerKey struct{}

// WithTxManager returns ctx carrying m.
func WithTxManager(ctx context.Context, m *TxManager) context.Context {
	return context.WithValue(ctx, txManagerKey{}, m)
}

// GetTxManager returns the TxManager carried by ctx, or nil.
func GetTxManager(ctx context.Context) *TxManager {
	m, _ := ctx.Value(txManagerKey{}).(*TxManager)
	return m
}

// MustGetTxManager returns *postgres.TxManager from context.
// It is meant for infrastructure code that needs access to Conn()/WithConn().
//
// Domain code should depend only on internal/core/tx.Manager.
func MustGetTxManager(ctx context.Context) *TxManager {
	m := GetTxManager(ctx)
	if m == nil {
		panic("postgres: TxManager not found in context")
	}
	return m
}
