// Package resource lets independent data-access call sites running in the
// same scope share one physical connection while a transaction is open.
//
// A scope is the Go rendition of a thread of control: it is carried on
// context.Context (see WithRegistry) and owns a Registry that maps each
// connection factory to the Holder currently bound for it. Call sites go
// through Acquire/Release (or a Proxy) and never close a shared
// connection themselves; the transaction that bound the holder releases
// it exactly once.
//
// Nothing in this package is safe for concurrent use. A scope belongs to
// one goroutine at a time; hand work to another goroutine with NewScope.
package resource

import (
	"context"
	"time"
)

// IsolationLevel is a transaction isolation level. IsolationDefault means
// "whatever the connection currently uses" and is never applied.
type IsolationLevel int

const (
	IsolationDefault IsolationLevel = iota
	IsolationReadUncommitted
	IsolationReadCommitted
	IsolationRepeatableRead
	IsolationSerializable
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationReadUncommitted:
		return "read uncommitted"
	case IsolationReadCommitted:
		return "read committed"
	case IsolationRepeatableRead:
		return "repeatable read"
	case IsolationSerializable:
		return "serializable"
	default:
		return "default"
	}
}

// ParseIsolationLevel maps the textual level reported by a backend
// (e.g. "repeatable read") to an IsolationLevel. Unknown text yields
// IsolationDefault and false.
func ParseIsolationLevel(s string) (IsolationLevel, bool) {
	switch s {
	case "read uncommitted":
		return IsolationReadUncommitted, true
	case "read committed":
		return IsolationReadCommitted, true
	case "repeatable read":
		return IsolationRepeatableRead, true
	case "serializable":
		return IsolationSerializable, true
	}
	return IsolationDefault, false
}

// Rows is a forward-only result set.
type Rows interface {
	Close()
	Err() error
	Next() bool
	Scan(dest ...any) error
	Values() ([]any, error)
}

// Statement is an operation-like object created by a Conn. Its timeout
// bounds every execution; zero means no bound.
type Statement interface {
	SetTimeout(d time.Duration)
	Timeout() time.Duration
	Exec(ctx context.Context, args ...any) (int64, error)
	Query(ctx context.Context, args ...any) (Rows, error)
	Close(ctx context.Context) error
}

// Conn is a physical connection borrowed from a Factory. It must be
// closed exactly once.
type Conn interface {
	// ID identifies the physical connection; proxies report the ID of
	// the connection they wrap.
	ID() string

	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	Prepare(ctx context.Context, sql string) (Statement, error)

	AutoCommit(ctx context.Context) (bool, error)
	SetAutoCommit(ctx context.Context, on bool) error
	Isolation(ctx context.Context) (IsolationLevel, error)
	SetIsolation(ctx context.Context, level IsolationLevel) error
	ReadOnly(ctx context.Context) (bool, error)
	SetReadOnly(ctx context.Context, on bool) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// SupportsSavepoints is a capability flag fixed at open time.
	SupportsSavepoints() bool
	Savepoint(ctx context.Context, name string) error
	RollbackToSavepoint(ctx context.Context, name string) error
	ReleaseSavepoint(ctx context.Context, name string) error

	Close(ctx context.Context) error
}

// Factory supplies physical connections. It may be pool-backed; this
// package never assumes exclusive ownership of it.
type Factory interface {
	Open(ctx context.Context) (Conn, error)
}

// targetFactory is implemented by factories that decorate another one and
// must share its registry entry.
type targetFactory interface {
	TargetFactory() Factory
}

// Target looks through decorating factories such as
// TransactionAwareFactory and returns the factory that opens physical
// connections.
func Target(factory Factory) Factory {
	for {
		t, ok := factory.(targetFactory)
		if !ok {
			return factory
		}
		factory = t.TargetFactory()
	}
}

// KeyOf returns the registry key for factory.
func KeyOf(factory Factory) any {
	return Target(factory)
}
