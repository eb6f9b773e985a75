package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"txcoord/internal/core/apperror"
	"txcoord/internal/core/resource"
)

// BatchInserter bulk-loads rows with the COPY protocol on the connection
// of the caller's transaction.
type BatchInserter struct {
	txManager *TxManager
}

// NewBatchInserter creates a new batch inserter.
func NewBatchInserter(txManager *TxManager) *BatchInserter {
	return &BatchInserter{txManager: txManager}
}

// CopyFromRows loads rows received from a channel; each row matches
// columns. Loading stops with ctx's error if ctx is done first.
//
// Example:
//
//	rows := make(chan []any, 100)
//	go func() {
//	    for _, e := range entries {
//	        rows <- []any{e.ID, e.ScopeID, e.Event}
//	    }
//	    close(rows)
//	}()
//	n, err := inserter.CopyFromRows(ctx, "tx_journal", []string{"id", "scope_id", "event"}, rows)
func (b *BatchInserter) CopyFromRows(ctx context.Context, table string, columns []string, rows <-chan []any) (int64, error) {
	return b.copyFrom(ctx, table, columns, &channelSource{ctx: ctx, rows: rows})
}

// CopyFromSlice performs bulk insert from a slice of rows.
func (b *BatchInserter) CopyFromSlice(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	return b.copyFrom(ctx, table, columns, pgx.CopyFromRows(rows))
}

// copyFrom requires a transaction so a failed load leaves nothing behind.
func (b *BatchInserter) copyFrom(ctx context.Context, table string, columns []string, src pgx.CopyFromSource) (int64, error) {
	if !b.txManager.InTransaction(ctx) {
		return 0, apperror.NewTransactionUsage(fmt.Sprintf("copy into %s requires a transaction", table))
	}
	var n int64
	err := b.txManager.WithConn(ctx, func(ctx context.Context, conn resource.Conn) error {
		c, ok := pgConn(conn)
		if !ok {
			return apperror.NewIllegalState(fmt.Sprintf("connection %s is not a postgres connection", conn.ID()))
		}
		var err error
		n, err = c.CopyFrom(ctx, table, columns, src)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("copy into %s: %w", table, err)
	}
	return n, nil
}

// channelSource streams rows from a channel until it is closed or ctx is
// done.
type channelSource struct {
	ctx     context.Context
	rows    <-chan []any
	current []any
	err     error
}

func (s *channelSource) Next() bool {
	select {
	case <-s.ctx.Done():
		s.err = s.ctx.Err()
		return false
	case row, ok := <-s.rows:
		if !ok {
			return false
		}
		s.current = row
		return true
	}
}

func (s *channelSource) Values() ([]any, error) {
	return s.current, nil
}

func (s *channelSource) Err() error {
	return s.err
}
