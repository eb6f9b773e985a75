package resource

import (
	"context"
	"time"

	"txcoord/internal/core/apperror"
	"txcoord/pkg/logger"
)

// Acquire returns the connection for factory in the scope carried by ctx:
// the connection of the bound holder if there is one, a new one from the
// factory otherwise. When the scope runs a managed transaction the new
// connection is bound for the rest of it, so later Acquire calls share it
// and it is released before the transaction completes.
func Acquire(ctx context.Context, factory Factory) (Conn, error) {
	factory = Target(factory)
	key := KeyOf(factory)
	reg := RegistryFrom(ctx)

	var h *Holder
	if reg != nil {
		h = reg.GetResource(key)
	}
	if h != nil && (h.HasConnection() || h.SynchronizedWithTransaction()) {
		h.Requested()
		if !h.HasConnection() {
			logger.Debug(ctx, "fetching resumed connection from factory")
			conn, err := open(ctx, factory)
			if err != nil {
				h.Released()
				return nil, err
			}
			h.SetConn(conn)
		}
		return h.Conn(), nil
	}

	conn, err := open(ctx, factory)
	if err != nil {
		return nil, err
	}

	if reg != nil && reg.IsSynchronizationActive() {
		holder := h
		if holder == nil {
			holder = NewHolder(conn)
		} else {
			holder.SetConn(conn)
		}
		holder.Requested()
		holder.SetSynchronizedWithTransaction(true)
		if err := reg.RegisterSynchronization(&connSynchronization{
			holder:  holder,
			factory: factory,
			key:     key,
			reg:     reg,
		}); err != nil {
			releaseQuietly(ctx, conn)
			return nil, err
		}
		if h == nil {
			if err := reg.BindResource(key, holder); err != nil {
				releaseQuietly(ctx, conn)
				return nil, err
			}
		}
	}
	return conn, nil
}

func open(ctx context.Context, factory Factory) (Conn, error) {
	conn, err := factory.Open(ctx)
	if err != nil {
		return nil, apperror.NewCannotAcquireResource(err)
	}
	if conn == nil {
		return nil, apperror.NewIllegalState("connection factory returned nil connection")
	}
	return conn, nil
}

// Release hands conn back. It is a no-op for the connection bound to the
// scope, whose owner releases it; any other connection is closed. Passing
// a nil conn is allowed.
func Release(ctx context.Context, conn Conn, factory Factory) error {
	if conn == nil {
		return nil
	}
	if factory != nil {
		if reg := RegistryFrom(ctx); reg != nil {
			if h := reg.GetResource(KeyOf(factory)); h != nil && connEquals(h, conn) {
				h.Released()
				return nil
			}
		}
	}
	if err := Unwrap(conn).Close(ctx); err != nil {
		return apperror.NewCannotReleaseResource(err)
	}
	return nil
}

// ReleaseOnExit releases conn and folds a release failure into *errp
// without masking an error already stored there:
//
//	conn, err := resource.Acquire(ctx, factory)
//	if err != nil {
//	    return err
//	}
//	defer resource.ReleaseOnExit(ctx, conn, factory, &err)
func ReleaseOnExit(ctx context.Context, conn Conn, factory Factory, errp *error) {
	err := Release(ctx, conn, factory)
	if err == nil {
		return
	}
	if *errp != nil {
		logger.Warn(ctx, "could not release connection", "error", err, "original_error", *errp)
		return
	}
	*errp = err
}

func releaseQuietly(ctx context.Context, conn Conn) {
	if err := conn.Close(ctx); err != nil {
		logger.Warn(ctx, "could not close connection", "error", err)
	}
}

// IsTransactional reports whether conn is the connection bound to the
// scope for factory, i.e. owned by a transaction.
func IsTransactional(ctx context.Context, conn Conn, factory Factory) bool {
	if conn == nil || factory == nil {
		return false
	}
	reg := RegistryFrom(ctx)
	if reg == nil {
		return false
	}
	h := reg.GetResource(KeyOf(factory))
	return h != nil && connEquals(h, conn)
}

func connEquals(h *Holder, conn Conn) bool {
	if !h.HasConnection() {
		return false
	}
	return Unwrap(h.Conn()) == Unwrap(conn)
}

// ApplyDeadline sets stmt's timeout to the time remaining before the
// deadline of the holder bound for factory, if any.
func ApplyDeadline(ctx context.Context, stmt Statement, factory Factory) error {
	return ApplyTimeout(ctx, stmt, factory, 0)
}

// ApplyTimeout is ApplyDeadline with a fallback timeout used when no
// holder deadline applies. A passed deadline yields TransactionTimedOut.
func ApplyTimeout(ctx context.Context, stmt Statement, factory Factory, fallback time.Duration) error {
	if h := boundHolder(ctx, factory); h != nil && h.HasDeadline() {
		left, err := h.RemainingTime()
		if err != nil {
			return err
		}
		stmt.SetTimeout(left)
		return nil
	}
	if fallback > 0 {
		stmt.SetTimeout(fallback)
	}
	return nil
}

// checkDeadline fails once the deadline of the holder bound for factory
// has passed.
func checkDeadline(ctx context.Context, factory Factory) error {
	if h := boundHolder(ctx, factory); h != nil && h.HasDeadline() {
		_, err := h.RemainingTime()
		return err
	}
	return nil
}

func boundHolder(ctx context.Context, factory Factory) *Holder {
	if factory == nil {
		return nil
	}
	reg := RegistryFrom(ctx)
	if reg == nil {
		return nil
	}
	return reg.GetResource(KeyOf(factory))
}

// PriorSettings captures connection settings changed for a transaction so
// they can be restored afterwards.
type PriorSettings struct {
	// Isolation is the level to restore; IsolationDefault if untouched.
	Isolation IsolationLevel
	// ReadOnlyChanged is set when the read-only flag was switched on.
	ReadOnlyChanged bool
	// ReadOnly is the flag observed before it was switched.
	ReadOnly bool
}

// PrepareForTransaction applies the read-only hint and isolation level to
// conn. The read-only hint is best-effort; failing to change the isolation
// level is an error.
func PrepareForTransaction(ctx context.Context, conn Conn, readOnly bool, level IsolationLevel) (PriorSettings, error) {
	var prior PriorSettings

	if readOnly {
		cur, err := conn.ReadOnly(ctx)
		switch {
		case err != nil:
			logger.Debug(ctx, "could not read connection read-only flag", "error", err)
		case !cur:
			if err := conn.SetReadOnly(ctx, true); err != nil {
				logger.Debug(ctx, "could not set connection read-only", "error", err)
			} else {
				prior.ReadOnlyChanged = true
				prior.ReadOnly = cur
			}
		}
	}

	if level != IsolationDefault {
		cur, err := conn.Isolation(ctx)
		if err != nil {
			return prior, err
		}
		if cur != level {
			logger.Debug(ctx, "changing isolation level of connection", "from", cur.String(), "to", level.String())
			if err := conn.SetIsolation(ctx, level); err != nil {
				return prior, err
			}
			prior.Isolation = cur
		}
	}

	return prior, nil
}

// ResetAfterTransaction restores what PrepareForTransaction changed. The
// transaction outcome is already decided, so failures are logged only.
func ResetAfterTransaction(ctx context.Context, conn Conn, prior PriorSettings) {
	if prior.Isolation != IsolationDefault {
		if err := conn.SetIsolation(ctx, prior.Isolation); err != nil {
			logger.Warn(ctx, "could not reset isolation level", "level", prior.Isolation.String(), "error", err)
		}
	}
	if prior.ReadOnlyChanged {
		if err := conn.SetReadOnly(ctx, prior.ReadOnly); err != nil {
			logger.Warn(ctx, "could not reset read-only flag", "error", err)
		}
	}
}

// connSynchronization ties a connection bound by Acquire to the lifecycle
// of the transaction that was active when it was acquired.
type connSynchronization struct {
	holder   *Holder
	factory  Factory
	key      any
	reg      *Registry
	released bool
}

func (s *connSynchronization) Suspend(ctx context.Context) {
	if s.released {
		return
	}
	s.reg.UnbindResourceIfPossible(s.key)
	if s.holder.HasConnection() && !s.holder.IsOpen() {
		// Nobody borrows it right now: hand it back, Acquire fetches a new
		// one after resume.
		releaseQuietly(ctx, s.holder.Conn())
		s.holder.SetConn(nil)
	}
}

func (s *connSynchronization) Resume(ctx context.Context) {
	if s.released {
		return
	}
	if err := s.reg.BindResource(s.key, s.holder); err != nil {
		logger.Warn(ctx, "could not rebind connection on resume", "error", err)
	}
}

func (s *connSynchronization) BeforeCompletion(ctx context.Context) {
	if s.released {
		return
	}
	s.released = true
	if s.reg.GetResource(s.key) == s.holder {
		s.reg.UnbindResourceIfPossible(s.key)
	}
	if s.holder.HasConnection() {
		releaseQuietly(ctx, s.holder.Conn())
		s.holder.SetConn(nil)
	}
	s.holder.Clear()
}
