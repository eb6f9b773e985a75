package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"txcoord/internal/core/apperror"
	"txcoord/internal/core/id"
	"txcoord/internal/core/resource"
	"txcoord/pkg/logger"
)

// Querier is the subset of pgx shared by pgx.Tx and *pgxpool.Conn.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Conn is a pooled PostgreSQL connection behind resource.Conn.
//
// PostgreSQL has no session-level auto-commit switch, so it is emulated:
// with auto-commit off the first statement opens a transaction, which
// stays open until Commit or Rollback.
type Conn struct {
	id         string
	pc         *pgxpool.Conn
	tx         pgx.Tx
	autoCommit bool
	savepoints bool

	stmtTimeout time.Duration
	stmtSeq     int
	closed      bool
}

var _ resource.Conn = (*Conn)(nil)

func newConn(pc *pgxpool.Conn, cfg PoolConfig) *Conn {
	return &Conn{
		id:          id.NewConn(),
		pc:          pc,
		autoCommit:  true,
		savepoints:  cfg.Savepoints,
		stmtTimeout: cfg.StatementTimeout,
	}
}

func (c *Conn) ID() string { return c.id }

// InTransaction reports whether a database transaction is open.
func (c *Conn) InTransaction() bool { return c.tx != nil }

func (c *Conn) checkOpen() error {
	if c.closed {
		return apperror.NewIllegalState(fmt.Sprintf("connection %s is closed", c.id))
	}
	return nil
}

// querier returns the open transaction, beginning one when auto-commit is
// off, or the bare connection.
func (c *Conn) querier(ctx context.Context) (Querier, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if c.autoCommit {
		if c.tx != nil {
			return c.tx, nil
		}
		return c.pc, nil
	}
	if c.tx == nil {
		tx, err := c.pc.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("begin transaction: %w", err)
		}
		c.tx = tx
	}
	return c.tx, nil
}

func (c *Conn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	q, err := c.querier(ctx)
	if err != nil {
		return 0, err
	}
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *Conn) Query(ctx context.Context, sql string, args ...any) (resource.Rows, error) {
	rows, err := c.query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Conn) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	q, err := c.querier(ctx)
	if err != nil {
		return nil, err
	}
	return q.Query(ctx, sql, args...)
}

// Prepare creates a named server-side prepared statement.
func (c *Conn) Prepare(ctx context.Context, sql string) (resource.Statement, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	c.stmtSeq++
	name := fmt.Sprintf("stmt_%d", c.stmtSeq)
	if _, err := c.pc.Conn().Prepare(ctx, name, sql); err != nil {
		return nil, fmt.Errorf("prepare statement: %w", err)
	}
	return &Statement{conn: c, name: name, sql: sql, timeout: c.stmtTimeout}, nil
}

// CopyFrom bulk-loads rows with the COPY protocol, inside the open
// transaction if there is one.
func (c *Conn) CopyFrom(ctx context.Context, table string, columns []string, src pgx.CopyFromSource) (int64, error) {
	q, err := c.querier(ctx)
	if err != nil {
		return 0, err
	}
	return q.CopyFrom(ctx, pgx.Identifier{table}, columns, src)
}

func (c *Conn) AutoCommit(context.Context) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}
	return c.autoCommit, nil
}

// SetAutoCommit switches the commit mode. Switching it on commits an open
// transaction.
func (c *Conn) SetAutoCommit(ctx context.Context, on bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if on && c.tx != nil {
		if err := c.Commit(ctx); err != nil {
			return err
		}
	}
	c.autoCommit = on
	return nil
}

func (c *Conn) Isolation(ctx context.Context) (resource.IsolationLevel, error) {
	q, err := c.currentQuerier()
	if err != nil {
		return resource.IsolationDefault, err
	}
	s, err := readSessionSettings(ctx, q)
	if err != nil {
		return resource.IsolationDefault, err
	}
	level, ok := resource.ParseIsolationLevel(s.Isolation)
	if !ok {
		return resource.IsolationDefault, fmt.Errorf("unknown isolation level %q", s.Isolation)
	}
	return level, nil
}

// SetIsolation changes the level of transactions begun afterwards.
func (c *Conn) SetIsolation(ctx context.Context, level resource.IsolationLevel) error {
	clause, ok := isolationClause(level)
	if !ok {
		return fmt.Errorf("cannot apply isolation level %s", level)
	}
	return c.setSessionCharacteristics(ctx, clause)
}

func (c *Conn) ReadOnly(ctx context.Context) (bool, error) {
	q, err := c.currentQuerier()
	if err != nil {
		return false, err
	}
	s, err := readSessionSettings(ctx, q)
	if err != nil {
		return false, err
	}
	return s.ReadOnly == "on", nil
}

func (c *Conn) SetReadOnly(ctx context.Context, on bool) error {
	clause := "READ WRITE"
	if on {
		clause = "READ ONLY"
	}
	return c.setSessionCharacteristics(ctx, clause)
}

func (c *Conn) setSessionCharacteristics(ctx context.Context, clause string) error {
	q, err := c.currentQuerier()
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, "SET SESSION CHARACTERISTICS AS TRANSACTION "+clause)
	return err
}

// currentQuerier is querier without the lazy begin, for session commands.
func (c *Conn) currentQuerier() (Querier, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if c.tx != nil {
		return c.tx, nil
	}
	return c.pc, nil
}

// Commit commits the open transaction; without one there is nothing to do.
func (c *Conn) Commit(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	return tx.Commit(ctx)
}

func (c *Conn) Rollback(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	return tx.Rollback(ctx)
}

func (c *Conn) SupportsSavepoints() bool { return c.savepoints }

func (c *Conn) Savepoint(ctx context.Context, name string) error {
	return c.savepointCommand(ctx, "SAVEPOINT ", name)
}

func (c *Conn) RollbackToSavepoint(ctx context.Context, name string) error {
	return c.savepointCommand(ctx, "ROLLBACK TO SAVEPOINT ", name)
}

func (c *Conn) ReleaseSavepoint(ctx context.Context, name string) error {
	return c.savepointCommand(ctx, "RELEASE SAVEPOINT ", name)
}

func (c *Conn) savepointCommand(ctx context.Context, verb, name string) error {
	q, err := c.querier(ctx)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, verb+pgx.Identifier{name}.Sanitize())
	return err
}

// Close returns the connection to the pool, rolling back a transaction
// still open on it.
func (c *Conn) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.tx != nil {
		if err := c.tx.Rollback(context.WithoutCancel(ctx)); err != nil {
			logger.Warn(ctx, "rollback of open transaction on close failed", "conn", c.id, "error", err)
		}
		c.tx = nil
	}
	c.pc.Release()
	return nil
}

func isolationClause(level resource.IsolationLevel) (string, bool) {
	switch level {
	case resource.IsolationReadUncommitted:
		return "ISOLATION LEVEL READ UNCOMMITTED", true
	case resource.IsolationReadCommitted:
		return "ISOLATION LEVEL READ COMMITTED", true
	case resource.IsolationRepeatableRead:
		return "ISOLATION LEVEL REPEATABLE READ", true
	case resource.IsolationSerializable:
		return "ISOLATION LEVEL SERIALIZABLE", true
	}
	return "", false
}
