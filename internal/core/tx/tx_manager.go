package tx

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"txcoord/internal/core/apperror"
	"txcoord/internal/core/resource"
	"txcoord/pkg/logger"
)

var tracer = otel.Tracer("txcoord/tx")

// ManagerConfig configures TxManager behavior.
type ManagerConfig struct {
	// NestedTransactionAllowed enables savepoint-backed nested scopes.
	NestedTransactionAllowed bool

	// ValidateExistingTransaction rejects joining a transaction whose
	// isolation level or read-only flag differs from the definition.
	ValidateExistingTransaction bool

	// DefaultTimeout applies to definitions without a timeout (0 = none).
	DefaultTimeout time.Duration

	// RollbackOnCommitFailure issues a rollback when commit fails.
	RollbackOnCommitFailure bool
}

// DefaultManagerConfig returns production-safe defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		NestedTransactionAllowed:    true,
		ValidateExistingTransaction: true,
	}
}

// TxManager coordinates transactions on connections from one factory.
// Transactions are bound to the scope carried by the context passed to
// Begin; every data-access call site using resource.Acquire with the same
// factory and that context shares the transaction's connection.
type TxManager struct {
	factory resource.Factory
	key     any
	cfg     ManagerConfig
}

// NewTxManager creates a new transaction manager.
func NewTxManager(factory resource.Factory, cfg ManagerConfig) *TxManager {
	factory = resource.Target(factory)
	return &TxManager{
		factory: factory,
		key:     resource.KeyOf(factory),
		cfg:     cfg,
	}
}

// Factory returns the connection factory transactions run on.
func (m *TxManager) Factory() resource.Factory {
	return m.factory
}

// suspendedResources holds what a RequiresNew or NotSupported scope set
// aside.
type suspendedResources struct {
	holder     *resource.Holder
	syncs      []resource.Synchronization
	syncActive bool
	name       string
	readOnly   bool
	isolation  resource.IsolationLevel
	wasActive  bool
}

// Begin starts, joins, or suspends a transaction according to def. The
// returned context carries the scope the transaction is bound to and must
// be used by the code running inside the transaction.
func (m *TxManager) Begin(ctx context.Context, def Definition) (context.Context, *Object, error) {
	if def.Timeout < 0 {
		return ctx, nil, apperror.NewTransactionUsage("invalid transaction timeout").
			WithDetail("timeout", def.Timeout)
	}
	ctx = resource.WithRegistry(ctx)
	reg := resource.RegistryFrom(ctx)

	if existing := reg.GetResource(m.key); existing != nil && existing.TransactionActive() {
		return m.handleExisting(ctx, reg, existing, def)
	}

	switch {
	case def.Propagation == PropagationMandatory:
		return ctx, nil, apperror.NewTransactionUsage(
			"no existing transaction found for transaction marked with propagation 'mandatory'")

	case def.startsTransaction():
		suspended := m.suspend(ctx, reg, false)
		obj := &Object{
			def:                def,
			reg:                reg,
			holder:             reg.GetResource(m.key),
			newTransaction:     true,
			newSynchronization: true,
			savepointAllowed:   m.cfg.NestedTransactionAllowed,
			suspended:          suspended,
		}
		if err := m.doBegin(ctx, obj); err != nil {
			m.resume(ctx, reg, suspended)
			return ctx, nil, err
		}
		m.prepareSynchronization(ctx, obj)
		ctx = m.startSpan(ctx, obj)
		logger.Debug(ctx, "began transaction", "name", def.Name, "conn", obj.Conn().ID())
		return ctx, obj, nil

	default:
		// Supports, NotSupported, Never: run without a transaction but
		// with synchronization, so borrowed connections are still shared.
		obj := &Object{
			def:                def,
			reg:                reg,
			newSynchronization: !reg.IsSynchronizationActive(),
			state:              StateNoTransaction,
		}
		m.prepareSynchronization(ctx, obj)
		return ctx, obj, nil
	}
}

func (m *TxManager) handleExisting(ctx context.Context, reg *resource.Registry, existing *resource.Holder, def Definition) (context.Context, *Object, error) {
	switch def.Propagation {
	case PropagationNever:
		return ctx, nil, apperror.NewTransactionUsage(
			"existing transaction found for transaction marked with propagation 'never'")

	case PropagationNotSupported:
		suspended := m.suspend(ctx, reg, true)
		obj := &Object{
			def:                def,
			reg:                reg,
			newSynchronization: true,
			suspended:          suspended,
			state:              StateNoTransaction,
		}
		m.prepareSynchronization(ctx, obj)
		return ctx, obj, nil

	case PropagationRequiresNew:
		suspended := m.suspend(ctx, reg, true)
		obj := &Object{
			def:                def,
			reg:                reg,
			newTransaction:     true,
			newSynchronization: true,
			savepointAllowed:   m.cfg.NestedTransactionAllowed,
			suspended:          suspended,
		}
		if err := m.doBegin(ctx, obj); err != nil {
			m.resume(ctx, reg, suspended)
			return ctx, nil, err
		}
		m.prepareSynchronization(ctx, obj)
		ctx = m.startSpan(ctx, obj)
		logger.Debug(ctx, "suspended transaction and began a new one", "name", def.Name, "conn", obj.Conn().ID())
		return ctx, obj, nil

	case PropagationNested:
		if !m.cfg.NestedTransactionAllowed {
			return ctx, nil, apperror.NewNestedTransactionNotSupported(
				"transaction manager does not allow nested transactions")
		}
		sp, err := existing.CreateSavepoint(ctx)
		if err != nil {
			return ctx, nil, err
		}
		obj := &Object{
			def:              def,
			reg:              reg,
			holder:           existing,
			savepoint:        sp,
			savepointAllowed: true,
			state:            StateActive,
		}
		ctx = m.startSpan(ctx, obj)
		logger.Debug(ctx, "began nested transaction", "savepoint", sp)
		return ctx, obj, nil
	}

	// Required, Supports, Mandatory: participate.
	if m.cfg.ValidateExistingTransaction {
		if def.Isolation != resource.IsolationDefault {
			if cur := reg.CurrentTransactionIsolation(); cur != def.Isolation {
				return ctx, nil, apperror.NewTransactionUsage(fmt.Sprintf(
					"participating transaction with isolation level %s is not compatible with existing transaction (%s)",
					def.Isolation, cur))
			}
		}
		if !def.ReadOnly && reg.IsCurrentTransactionReadOnly() {
			return ctx, nil, apperror.NewTransactionUsage(
				"participating transaction that is not read-only is not compatible with existing read-only transaction")
		}
	}
	obj := &Object{
		def:              def,
		reg:              reg,
		holder:           existing,
		savepointAllowed: m.cfg.NestedTransactionAllowed,
		state:            StateActive,
	}
	return ctx, obj, nil
}

// doBegin opens (or reuses) a connection, configures it, and binds it.
// On failure a newly opened connection is released and nothing is bound.
func (m *TxManager) doBegin(ctx context.Context, obj *Object) error {
	if obj.holder == nil || obj.holder.SynchronizedWithTransaction() {
		conn, err := m.factory.Open(ctx)
		if err != nil {
			return apperror.NewCannotCreateTransaction("could not open connection for transaction",
				apperror.NewCannotAcquireResource(err))
		}
		obj.holder = resource.NewHolder(conn)
		obj.newHolder = true
	}
	holder := obj.holder
	conn := holder.Conn()
	holder.SetSynchronizedWithTransaction(true)

	fail := func(msg string, cause error) error {
		m.abortBegin(ctx, obj)
		return apperror.NewCannotCreateTransaction(msg, cause)
	}

	prior, err := resource.PrepareForTransaction(ctx, conn, obj.def.ReadOnly, obj.def.Isolation)
	obj.prior = prior
	if err != nil {
		return fail("could not configure connection for transaction", err)
	}

	autoCommit, err := conn.AutoCommit(ctx)
	if err != nil {
		return fail("could not read auto-commit mode", err)
	}
	if autoCommit {
		if err := conn.SetAutoCommit(ctx, false); err != nil {
			return fail("could not switch connection to manual commit", err)
		}
		obj.mustRestoreAutoCommit = true
	}

	holder.SetTransactionActive(true)
	if timeout := m.determineTimeout(obj.def); timeout > 0 {
		holder.SetTimeout(timeout)
	}

	if obj.newHolder {
		if err := obj.reg.BindResource(m.key, holder); err != nil {
			return fail("could not bind connection to scope", err)
		}
	}
	obj.state = StateActive
	return nil
}

func (m *TxManager) abortBegin(ctx context.Context, obj *Object) {
	ctx = context.WithoutCancel(ctx)
	holder := obj.holder
	conn := holder.Conn()
	if obj.mustRestoreAutoCommit {
		if err := conn.SetAutoCommit(ctx, true); err != nil {
			logger.Warn(ctx, "could not restore auto-commit after failed begin", "error", err)
		}
	}
	resource.ResetAfterTransaction(ctx, conn, obj.prior)
	holder.Clear()
	if obj.newHolder {
		if err := resource.Release(ctx, conn, m.factory); err != nil {
			logger.Warn(ctx, "could not release connection after failed begin", "error", err)
		}
		obj.holder = nil
		obj.newHolder = false
	}
}

func (m *TxManager) determineTimeout(def Definition) time.Duration {
	if def.Timeout > 0 {
		return def.Timeout
	}
	return m.cfg.DefaultTimeout
}

func (m *TxManager) prepareSynchronization(ctx context.Context, obj *Object) {
	if !obj.newSynchronization {
		return
	}
	reg := obj.reg
	if err := reg.InitSynchronization(); err != nil {
		logger.Warn(ctx, "transaction synchronization already active", "error", err)
	}
	reg.SetActualTransactionActive(obj.HasTransaction())
	reg.SetCurrentTransactionIsolation(obj.def.Isolation)
	reg.SetCurrentTransactionReadOnly(obj.def.ReadOnly)
	reg.SetCurrentTransactionName(obj.def.Name)
}

// suspend sets aside the scope's synchronizations and, with withHolder,
// the holder bound for the manager's factory. It returns nil when there
// was nothing to set aside.
func (m *TxManager) suspend(ctx context.Context, reg *resource.Registry, withHolder bool) *suspendedResources {
	s := &suspendedResources{}
	if reg.IsSynchronizationActive() {
		s.syncActive = true
		s.syncs = reg.Synchronizations()
		s.name = reg.CurrentTransactionName()
		s.readOnly = reg.IsCurrentTransactionReadOnly()
		s.isolation = reg.CurrentTransactionIsolation()
		s.wasActive = reg.IsActualTransactionActive()
		resource.Invoke(ctx, s.syncs, "suspend", func(sync resource.Synchronization) {
			sync.Suspend(ctx)
		})
		reg.ClearSynchronization()
	}
	if withHolder {
		s.holder = reg.UnbindResourceIfPossible(m.key)
	}
	if !s.syncActive && s.holder == nil {
		return nil
	}
	return s
}

func (m *TxManager) resume(ctx context.Context, reg *resource.Registry, s *suspendedResources) {
	if s == nil {
		return
	}
	if s.holder != nil {
		if err := reg.BindResource(m.key, s.holder); err != nil {
			logger.Error(ctx, "could not rebind suspended transaction", "error", err)
		}
	}
	if !s.syncActive {
		return
	}
	if err := reg.InitSynchronization(); err != nil {
		logger.Error(ctx, "could not reactivate suspended synchronization", "error", err)
		return
	}
	reg.SetActualTransactionActive(s.wasActive)
	reg.SetCurrentTransactionIsolation(s.isolation)
	reg.SetCurrentTransactionReadOnly(s.readOnly)
	reg.SetCurrentTransactionName(s.name)
	resource.Invoke(ctx, s.syncs, "resume", func(sync resource.Synchronization) {
		sync.Resume(ctx)
	})
	for _, sync := range s.syncs {
		if err := reg.RegisterSynchronization(sync); err != nil {
			logger.Error(ctx, "could not re-register suspended synchronization", "error", err)
		}
	}
}

// SetRollbackOnly dooms obj; see Object.SetRollbackOnly.
func (m *TxManager) SetRollbackOnly(obj *Object) error {
	if err := checkUsable(obj); err != nil {
		return err
	}
	obj.SetRollbackOnly()
	return nil
}

// Commit completes obj. A doomed transaction is rolled back instead and,
// if obj began it, UnexpectedRollback is returned. Cleanup runs whatever
// the outcome.
func (m *TxManager) Commit(ctx context.Context, obj *Object) (err error) {
	if err := checkUsable(obj); err != nil {
		return err
	}
	defer func() { m.cleanupAfterCompletion(ctx, obj, err) }()

	if obj.IsRollbackOnly() {
		logger.Debug(ctx, "transaction is marked rollback-only, rolling back instead of committing", "name", obj.def.Name)
		return m.processRollback(ctx, obj, true)
	}
	return m.processCommit(ctx, obj)
}

// Rollback rolls obj back: the whole transaction if obj began it, the
// savepoint scope if it is one, otherwise the shared transaction is
// marked rollback-only. Cleanup runs whatever the outcome.
func (m *TxManager) Rollback(ctx context.Context, obj *Object) (err error) {
	if err := checkUsable(obj); err != nil {
		return err
	}
	defer func() { m.cleanupAfterCompletion(ctx, obj, err) }()
	return m.processRollback(ctx, obj, false)
}

func checkUsable(obj *Object) error {
	if obj == nil {
		return apperror.NewTransactionUsage("nil transaction object")
	}
	if obj.IsCompleted() {
		return apperror.NewTransactionUsage(
			"transaction is already completed - do not call commit or rollback more than once per transaction")
	}
	return nil
}

func (m *TxManager) processCommit(ctx context.Context, obj *Object) error {
	obj.state = StateCommitting
	m.triggerBeforeCompletion(ctx, obj)

	switch {
	case obj.HasSavepoint():
		obj.holder.ReleaseSavepoint(ctx, obj.savepoint)
	case obj.newTransaction:
		conn := obj.holder.Conn()
		if err := conn.Commit(ctx); err != nil {
			if m.cfg.RollbackOnCommitFailure {
				if rbErr := conn.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
					logger.Error(ctx, "rollback after commit failure failed", "error", rbErr, "original_error", err)
				}
			}
			return apperror.NewTransactionSystem("could not commit transaction", err)
		}
	}
	return nil
}

func (m *TxManager) processRollback(ctx context.Context, obj *Object, unexpected bool) error {
	ctx = context.WithoutCancel(ctx)
	obj.state = StateRollingBack
	m.triggerBeforeCompletion(ctx, obj)

	switch {
	case obj.HasSavepoint():
		if err := obj.holder.RollbackToSavepoint(ctx, obj.savepoint); err != nil {
			return err
		}
		obj.holder.ReleaseSavepoint(ctx, obj.savepoint)
		return nil
	case obj.newTransaction:
		if err := obj.holder.Conn().Rollback(ctx); err != nil {
			return apperror.NewTransactionSystem("could not roll back transaction", err)
		}
	case obj.holder != nil:
		logger.Debug(ctx, "participating transaction failed - marking existing transaction as rollback-only")
		obj.holder.SetRollbackOnly()
	}

	if unexpected && obj.newTransaction {
		return apperror.NewUnexpectedRollback("transaction rolled back because it has been marked as rollback-only")
	}
	return nil
}

func (m *TxManager) triggerBeforeCompletion(ctx context.Context, obj *Object) {
	if !obj.newSynchronization {
		return
	}
	resource.Invoke(ctx, obj.reg.Synchronizations(), "before_completion", func(sync resource.Synchronization) {
		sync.BeforeCompletion(ctx)
	})
}

// cleanupAfterCompletion runs after every commit and rollback, whether it
// succeeded or not.
func (m *TxManager) cleanupAfterCompletion(ctx context.Context, obj *Object, outcome error) {
	ctx = context.WithoutCancel(ctx)
	obj.state = StateCompleted
	if obj.newSynchronization {
		obj.reg.ClearSynchronization()
	}
	if obj.newTransaction && obj.holder != nil {
		m.doCleanup(ctx, obj)
	}
	if obj.suspended != nil {
		m.resume(ctx, obj.reg, obj.suspended)
		obj.suspended = nil
	}
	if obj.span != nil {
		if outcome != nil {
			obj.span.RecordError(outcome)
			obj.span.SetStatus(codes.Error, outcome.Error())
		}
		obj.span.End()
	}
}

// doCleanup unbinds the holder, restores the connection settings changed
// at begin, and releases the connection if this object opened it. The
// outcome is already decided, so nothing here returns an error.
func (m *TxManager) doCleanup(ctx context.Context, obj *Object) {
	holder := obj.holder
	if obj.newHolder {
		if _, err := obj.reg.UnbindResource(m.key); err != nil {
			logger.Warn(ctx, "transaction holder was not bound at cleanup", "error", err)
		}
	}

	conn := holder.Conn()
	if conn != nil {
		if obj.mustRestoreAutoCommit {
			if err := conn.SetAutoCommit(ctx, true); err != nil {
				logger.Warn(ctx, "could not restore auto-commit after transaction", "error", err)
			}
		}
		resource.ResetAfterTransaction(ctx, conn, obj.prior)
	}

	if obj.newHolder {
		logger.Debug(ctx, "releasing connection after transaction", "conn", connID(conn))
		if err := resource.Release(ctx, conn, m.factory); err != nil {
			logger.Warn(ctx, "could not release connection after transaction", "error", err)
		}
		holder.SetConn(nil)
	}
	holder.Clear()
}

func connID(conn resource.Conn) string {
	if conn == nil {
		return ""
	}
	return conn.ID()
}

func (m *TxManager) startSpan(ctx context.Context, obj *Object) context.Context {
	name := "transaction"
	if obj.HasSavepoint() {
		name = "transaction.savepoint"
	}
	ctx, span := tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("tx.name", obj.def.Name),
			attribute.String("tx.isolation", obj.def.Isolation.String()),
			attribute.String("tx.propagation", obj.def.Propagation.String()),
			attribute.Bool("tx.read_only", obj.def.ReadOnly),
		))
	obj.span = span
	return ctx
}

// RunInTransaction executes fn within a transaction.
// If a transaction already exists in ctx, it will be joined.
func (m *TxManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.RunInTransactionWithDefinition(ctx, DefaultDefinition(), fn)
}

// ReadOnly executes fn in a read-only transaction.
func (m *TxManager) ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.RunInTransactionWithDefinition(ctx, ReadOnlyDefinition(), fn)
}

// RunInTransactionWithDefinition executes fn with a custom definition.
// fn's error or panic rolls the transaction back; the panic is re-raised
// after rollback.
func (m *TxManager) RunInTransactionWithDefinition(ctx context.Context, def Definition, fn func(ctx context.Context) error) (err error) {
	txCtx, obj, err := m.Begin(ctx, def)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			if rbErr := m.Rollback(txCtx, obj); rbErr != nil {
				logger.Error(txCtx, "rollback after panic failed", "error", rbErr, "panic", r)
			}
			panic(r)
		}
	}()

	if err := fn(txCtx); err != nil {
		if rbErr := m.Rollback(txCtx, obj); rbErr != nil {
			logger.Error(txCtx, "rollback failed", "error", rbErr, "original_error", err)
		}
		return err
	}

	return m.Commit(txCtx, obj)
}
