package resource

import (
	"context"

	"txcoord/internal/core/apperror"
	"txcoord/pkg/logger"
)

// Proxy wraps a connection handed to a call site. Every call is forwarded
// to the target except Close, which goes through Release so that a
// connection owned by a transaction stays open, and Prepare, whose
// statement gets the transaction's remaining time as timeout. Close may be
// called any number of times.
type Proxy struct {
	target  Conn
	factory Factory
	closed  bool

	// holder is the scope's holder the target was borrowed from, nil for
	// a connection the proxy owns.
	holder *Holder
}

var _ Conn = (*Proxy)(nil)

// NewProxy wraps target, which was obtained for factory.
func NewProxy(target Conn, factory Factory) *Proxy {
	return &Proxy{target: target, factory: Target(factory)}
}

// Target returns the wrapped connection.
func (p *Proxy) Target() Conn {
	return p.target
}

// IsClosed reports whether Close has been called on this handle.
func (p *Proxy) IsClosed() bool {
	return p.closed
}

// Unwrap peels proxies off conn and returns the physical connection.
func Unwrap(conn Conn) Conn {
	for {
		p, ok := conn.(*Proxy)
		if !ok {
			return conn
		}
		conn = p.target
	}
}

func (p *Proxy) check() error {
	if p.closed {
		return apperror.NewTransactionUsage("connection handle already closed")
	}
	return nil
}

func (p *Proxy) ID() string {
	return p.target.ID()
}

func (p *Proxy) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	if err := p.check(); err != nil {
		return 0, err
	}
	if err := checkDeadline(ctx, p.factory); err != nil {
		return 0, err
	}
	return p.target.Exec(ctx, sql, args...)
}

func (p *Proxy) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	if err := checkDeadline(ctx, p.factory); err != nil {
		return nil, err
	}
	return p.target.Query(ctx, sql, args...)
}

// Prepare forwards to the target and applies the transaction deadline to
// the returned statement.
func (p *Proxy) Prepare(ctx context.Context, sql string) (Statement, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	stmt, err := p.target.Prepare(ctx, sql)
	if err != nil {
		return nil, err
	}
	if err := ApplyDeadline(ctx, stmt, p.factory); err != nil {
		if closeErr := stmt.Close(ctx); closeErr != nil {
			logger.Warn(ctx, "could not close statement", "error", closeErr)
		}
		return nil, err
	}
	return stmt, nil
}

func (p *Proxy) AutoCommit(ctx context.Context) (bool, error) {
	if err := p.check(); err != nil {
		return false, err
	}
	return p.target.AutoCommit(ctx)
}

func (p *Proxy) SetAutoCommit(ctx context.Context, on bool) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.target.SetAutoCommit(ctx, on)
}

func (p *Proxy) Isolation(ctx context.Context) (IsolationLevel, error) {
	if err := p.check(); err != nil {
		return IsolationDefault, err
	}
	return p.target.Isolation(ctx)
}

func (p *Proxy) SetIsolation(ctx context.Context, level IsolationLevel) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.target.SetIsolation(ctx, level)
}

func (p *Proxy) ReadOnly(ctx context.Context) (bool, error) {
	if err := p.check(); err != nil {
		return false, err
	}
	return p.target.ReadOnly(ctx)
}

func (p *Proxy) SetReadOnly(ctx context.Context, on bool) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.target.SetReadOnly(ctx, on)
}

func (p *Proxy) Commit(ctx context.Context) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.target.Commit(ctx)
}

func (p *Proxy) Rollback(ctx context.Context) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.target.Rollback(ctx)
}

func (p *Proxy) SupportsSavepoints() bool {
	return p.target.SupportsSavepoints()
}

func (p *Proxy) Savepoint(ctx context.Context, name string) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.target.Savepoint(ctx, name)
}

func (p *Proxy) RollbackToSavepoint(ctx context.Context, name string) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.target.RollbackToSavepoint(ctx, name)
}

func (p *Proxy) ReleaseSavepoint(ctx context.Context, name string) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.target.ReleaseSavepoint(ctx, name)
}

// Close hands the connection back. Only the first call has an effect. A
// connection borrowed from a holder is never closed here: the borrow is
// returned while the holder still holds it, and nothing is done once the
// holder's owner has released it.
func (p *Proxy) Close(ctx context.Context) error {
	if p.closed {
		return nil
	}
	p.closed = true
	if p.holder != nil {
		if connEquals(p.holder, p.target) {
			p.holder.Released()
		}
		return nil
	}
	return Release(ctx, p.target, p.factory)
}

// TransactionAwareFactory is a Factory whose connections take part in the
// scope's transaction: Open acquires through Acquire and returns a Proxy.
// It shares the registry entry of the factory it wraps.
type TransactionAwareFactory struct {
	target Factory
}

var _ Factory = (*TransactionAwareFactory)(nil)

// NewTransactionAwareFactory wraps target.
func NewTransactionAwareFactory(target Factory) *TransactionAwareFactory {
	return &TransactionAwareFactory{target: Target(target)}
}

// TargetFactory returns the wrapped factory.
func (f *TransactionAwareFactory) TargetFactory() Factory {
	return f.target
}

// Open returns a proxy around the scope's connection for the target
// factory.
func (f *TransactionAwareFactory) Open(ctx context.Context) (Conn, error) {
	conn, err := Acquire(ctx, f.target)
	if err != nil {
		return nil, err
	}
	p := NewProxy(conn, f.target)
	if h := boundHolder(ctx, f.target); h != nil && connEquals(h, conn) {
		p.holder = h
	}
	return p, nil
}
