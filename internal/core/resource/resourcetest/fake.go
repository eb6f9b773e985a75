// Package resourcetest provides in-memory connection factories for tests
// of code built on package resource. Fakes record every call and can be
// told to fail any single operation.
package resourcetest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"txcoord/internal/core/resource"
)

// Operation names accepted by FailOn.
const (
	OpOpen                = "open"
	OpExec                = "exec"
	OpPrepare             = "prepare"
	OpAutoCommit          = "auto_commit"
	OpSetAutoCommitOn     = "set_auto_commit_on"
	OpSetAutoCommitOff    = "set_auto_commit_off"
	OpIsolation           = "isolation"
	OpSetIsolation        = "set_isolation"
	OpReadOnly            = "read_only"
	OpSetReadOnly         = "set_read_only"
	OpCommit              = "commit"
	OpRollback            = "rollback"
	OpSavepoint           = "savepoint"
	OpRollbackToSavepoint = "rollback_to_savepoint"
	OpReleaseSavepoint    = "release_savepoint"
	OpClose               = "close"
	OpCloseStatement      = "close_statement"
)

// ErrConnClosed is returned by any call on a closed fake connection.
var ErrConnClosed = errors.New("resourcetest: connection is closed")

// Factory is a fake resource.Factory. Use it through a pointer so it can
// serve as a registry key.
type Factory struct {
	// Isolation is the level new connections start with.
	Isolation resource.IsolationLevel
	// Savepoints is the capability flag of new connections.
	Savepoints bool

	fail  map[string]error
	conns []*Conn
}

var _ resource.Factory = (*Factory)(nil)

// NewFactory returns a factory of read-committed, savepoint-capable
// connections.
func NewFactory() *Factory {
	return &Factory{
		Isolation:  resource.IsolationReadCommitted,
		Savepoints: true,
		fail:       make(map[string]error),
	}
}

// FailOn makes op fail with err on every connection opened afterwards (or
// on Open itself for OpOpen). A nil err clears the failure.
func (f *Factory) FailOn(op string, err error) {
	if err == nil {
		delete(f.fail, op)
		return
	}
	f.fail[op] = err
}

// Open implements resource.Factory.
func (f *Factory) Open(context.Context) (resource.Conn, error) {
	if err := f.fail[OpOpen]; err != nil {
		return nil, err
	}
	c := &Conn{
		id:         fmt.Sprintf("fake-%d", len(f.conns)+1),
		autoCommit: true,
		isolation:  f.Isolation,
		savepoints: f.Savepoints,
		fail:       make(map[string]error),
	}
	for op, err := range f.fail {
		c.fail[op] = err
	}
	f.conns = append(f.conns, c)
	return c, nil
}

// Opened returns how many connections were opened.
func (f *Factory) Opened() int {
	return len(f.conns)
}

// Conns returns every connection opened so far, oldest first.
func (f *Factory) Conns() []*Conn {
	return f.conns
}

// Last returns the most recently opened connection, nil if none.
func (f *Factory) Last() *Conn {
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// Conn is a fake resource.Conn.
type Conn struct {
	id         string
	autoCommit bool
	isolation  resource.IsolationLevel
	readOnly   bool
	savepoints bool
	fail       map[string]error

	// Closes counts Close calls, including failed ones.
	Closes    int
	Commits   int
	Rollbacks int
	// Log records statements and savepoint operations in order.
	Log        []string
	Statements []*Statement
}

var _ resource.Conn = (*Conn)(nil)

// FailOn makes op fail with err on this connection. A nil err clears it.
func (c *Conn) FailOn(op string, err error) {
	if err == nil {
		delete(c.fail, op)
		return
	}
	c.fail[op] = err
}

// Closed reports whether the connection was closed at least once.
func (c *Conn) Closed() bool {
	return c.Closes > 0
}

func (c *Conn) call(op string) error {
	if c.Closed() {
		return ErrConnClosed
	}
	return c.fail[op]
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Exec(_ context.Context, sql string, _ ...any) (int64, error) {
	if err := c.call(OpExec); err != nil {
		return 0, err
	}
	c.Log = append(c.Log, sql)
	return 1, nil
}

func (c *Conn) Query(_ context.Context, sql string, _ ...any) (resource.Rows, error) {
	if err := c.call(OpExec); err != nil {
		return nil, err
	}
	c.Log = append(c.Log, sql)
	return &Rows{}, nil
}

func (c *Conn) Prepare(_ context.Context, sql string) (resource.Statement, error) {
	if err := c.call(OpPrepare); err != nil {
		return nil, err
	}
	s := &Statement{conn: c, SQL: sql}
	c.Statements = append(c.Statements, s)
	return s, nil
}

func (c *Conn) AutoCommit(context.Context) (bool, error) {
	if err := c.call(OpAutoCommit); err != nil {
		return false, err
	}
	return c.autoCommit, nil
}

func (c *Conn) SetAutoCommit(_ context.Context, on bool) error {
	op := OpSetAutoCommitOff
	if on {
		op = OpSetAutoCommitOn
	}
	if err := c.call(op); err != nil {
		return err
	}
	c.autoCommit = on
	return nil
}

// CurrentAutoCommit returns the auto-commit mode without side effects.
func (c *Conn) CurrentAutoCommit() bool { return c.autoCommit }

func (c *Conn) Isolation(context.Context) (resource.IsolationLevel, error) {
	if err := c.call(OpIsolation); err != nil {
		return resource.IsolationDefault, err
	}
	return c.isolation, nil
}

func (c *Conn) SetIsolation(_ context.Context, level resource.IsolationLevel) error {
	if err := c.call(OpSetIsolation); err != nil {
		return err
	}
	c.isolation = level
	return nil
}

// CurrentIsolation returns the isolation level without side effects.
func (c *Conn) CurrentIsolation() resource.IsolationLevel { return c.isolation }

func (c *Conn) ReadOnly(context.Context) (bool, error) {
	if err := c.call(OpReadOnly); err != nil {
		return false, err
	}
	return c.readOnly, nil
}

func (c *Conn) SetReadOnly(_ context.Context, on bool) error {
	if err := c.call(OpSetReadOnly); err != nil {
		return err
	}
	c.readOnly = on
	return nil
}

// CurrentReadOnly returns the read-only flag without side effects.
func (c *Conn) CurrentReadOnly() bool { return c.readOnly }

func (c *Conn) Commit(context.Context) error {
	if err := c.call(OpCommit); err != nil {
		return err
	}
	c.Commits++
	c.Log = append(c.Log, "COMMIT")
	return nil
}

func (c *Conn) Rollback(context.Context) error {
	if err := c.call(OpRollback); err != nil {
		return err
	}
	c.Rollbacks++
	c.Log = append(c.Log, "ROLLBACK")
	return nil
}

func (c *Conn) SupportsSavepoints() bool { return c.savepoints }

func (c *Conn) Savepoint(_ context.Context, name string) error {
	if err := c.call(OpSavepoint); err != nil {
		return err
	}
	c.Log = append(c.Log, "SAVEPOINT "+name)
	return nil
}

func (c *Conn) RollbackToSavepoint(_ context.Context, name string) error {
	if err := c.call(OpRollbackToSavepoint); err != nil {
		return err
	}
	c.Log = append(c.Log, "ROLLBACK TO SAVEPOINT "+name)
	return nil
}

func (c *Conn) ReleaseSavepoint(_ context.Context, name string) error {
	if err := c.call(OpReleaseSavepoint); err != nil {
		return err
	}
	c.Log = append(c.Log, "RELEASE SAVEPOINT "+name)
	return nil
}

func (c *Conn) Close(context.Context) error {
	c.Closes++
	if c.Closes > 1 {
		return ErrConnClosed
	}
	return c.fail[OpClose]
}

// Statement is a fake resource.Statement.
type Statement struct {
	conn    *Conn
	SQL     string
	timeout time.Duration
	Closed  bool
}

var _ resource.Statement = (*Statement)(nil)

func (s *Statement) SetTimeout(d time.Duration) { s.timeout = d }

func (s *Statement) Timeout() time.Duration { return s.timeout }

func (s *Statement) Exec(ctx context.Context, args ...any) (int64, error) {
	return s.conn.Exec(ctx, s.SQL, args...)
}

func (s *Statement) Query(ctx context.Context, args ...any) (resource.Rows, error) {
	return s.conn.Query(ctx, s.SQL, args...)
}

func (s *Statement) Close(context.Context) error {
	s.Closed = true
	if s.conn == nil {
		return nil
	}
	return s.conn.fail[OpCloseStatement]
}

// Rows is an empty result set.
type Rows struct {
	closed bool
}

func (r *Rows) Close()                 { r.closed = true }
func (r *Rows) Err() error             { return nil }
func (r *Rows) Next() bool             { return false }
func (r *Rows) Scan(...any) error      { return errors.New("resourcetest: no rows") }
func (r *Rows) Values() ([]any, error) { return nil, errors.New("resourcetest: no rows") }
