package resource_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txcoord/internal/core/apperror"
	"txcoord/internal/core/resource"
	"txcoord/internal/core/resource/resourcetest"
)

// syncScope returns a scope with synchronization active, as inside a
// managed transaction.
func syncScope(t *testing.T) (context.Context, *resource.Registry) {
	t.Helper()
	ctx := resource.NewScope(testCtx())
	reg := resource.RegistryFrom(ctx)
	require.NoError(t, reg.InitSynchronization())
	return ctx, reg
}

func completeSync(ctx context.Context, reg *resource.Registry) {
	resource.Invoke(ctx, reg.Synchronizations(), "before_completion", func(s resource.Synchronization) {
		s.BeforeCompletion(ctx)
	})
	reg.ClearSynchronization()
}

func TestAcquire_WithoutScope(t *testing.T) {
	ctx := testCtx()
	f := resourcetest.NewFactory()

	conn, err := resource.Acquire(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Opened())
	assert.False(t, resource.IsTransactional(ctx, conn, f))

	require.NoError(t, resource.Release(ctx, conn, f))
	assert.True(t, f.Last().Closed())
}

func TestAcquire_ScopeWithoutSynchronization(t *testing.T) {
	ctx := resource.NewScope(testCtx())
	f := resourcetest.NewFactory()

	c1, err := resource.Acquire(ctx, f)
	require.NoError(t, err)
	c2, err := resource.Acquire(ctx, f)
	require.NoError(t, err)

	assert.NotEqual(t, c1.ID(), c2.ID(), "nothing binds outside a managed transaction")
	assert.False(t, resource.RegistryFrom(ctx).HasResource(f))
}

func TestAcquire_BoundHolderIsShared(t *testing.T) {
	ctx := resource.NewScope(testCtx())
	reg := resource.RegistryFrom(ctx)
	f := resourcetest.NewFactory()
	conn := openConn(t, f)
	h := resource.NewHolder(conn)
	require.NoError(t, reg.BindResource(f, h))

	got, err := resource.Acquire(ctx, f)
	require.NoError(t, err)
	assert.Same(t, conn, got)
	assert.True(t, h.IsOpen())
	assert.True(t, resource.IsTransactional(ctx, got, f))

	require.NoError(t, resource.Release(ctx, got, f))
	assert.False(t, h.IsOpen())
	assert.False(t, conn.Closed(), "bound connection is released by its owner")
	assert.Equal(t, 1, f.Opened())
}

func TestAcquire_SynchronizationBindsUntilCompletion(t *testing.T) {
	ctx, reg := syncScope(t)
	f := resourcetest.NewFactory()

	c1, err := resource.Acquire(ctx, f)
	require.NoError(t, err)
	c2, err := resource.Acquire(ctx, f)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, f.Opened())
	assert.Len(t, reg.Synchronizations(), 1)

	require.NoError(t, resource.Release(ctx, c1, f))
	require.NoError(t, resource.Release(ctx, c2, f))
	assert.False(t, f.Last().Closed())

	completeSync(ctx, reg)
	assert.True(t, f.Last().Closed())
	assert.Equal(t, 1, f.Last().Closes, "released exactly once")
	assert.False(t, reg.HasResource(f))
}

func TestAcquire_SuspendReleasesIdleConnection(t *testing.T) {
	ctx, reg := syncScope(t)
	f := resourcetest.NewFactory()

	conn, err := resource.Acquire(ctx, f)
	require.NoError(t, err)
	require.NoError(t, resource.Release(ctx, conn, f))

	syncs := reg.Synchronizations()
	resource.Invoke(ctx, syncs, "suspend", func(s resource.Synchronization) { s.Suspend(ctx) })
	assert.True(t, f.Last().Closed())
	assert.False(t, reg.HasResource(f))

	resource.Invoke(ctx, syncs, "resume", func(s resource.Synchronization) { s.Resume(ctx) })
	require.True(t, reg.HasResource(f))

	again, err := resource.Acquire(ctx, f)
	require.NoError(t, err)
	assert.NotEqual(t, conn.ID(), again.ID(), "a fresh connection is fetched after resume")
	assert.Equal(t, 2, f.Opened())
}

func TestAcquire_OpenFailure(t *testing.T) {
	ctx, reg := syncScope(t)
	f := resourcetest.NewFactory()
	boom := errors.New("too many connections")
	f.FailOn(resourcetest.OpOpen, boom)

	_, err := resource.Acquire(ctx, f)
	assert.ErrorIs(t, err, apperror.ErrCannotAcquireResource)
	assert.ErrorIs(t, err, boom)
	assert.False(t, reg.HasResource(f))
	assert.Empty(t, reg.Synchronizations())
}

func TestAcquire_DecoratedFactorySharesEntry(t *testing.T) {
	ctx, reg := syncScope(t)
	f := resourcetest.NewFactory()
	aware := resource.NewTransactionAwareFactory(f)

	assert.Equal(t, resource.KeyOf(f), resource.KeyOf(aware))
	assert.Same(t, f, resource.Target(aware))

	conn, err := resource.Acquire(ctx, aware)
	require.NoError(t, err)
	assert.True(t, reg.HasResource(f))

	direct, err := resource.Acquire(ctx, f)
	require.NoError(t, err)
	assert.Same(t, conn, direct)
}

func TestRelease_Nil(t *testing.T) {
	assert.NoError(t, resource.Release(testCtx(), nil, resourcetest.NewFactory()))
}

func TestRelease_CloseFailure(t *testing.T) {
	ctx := testCtx()
	f := resourcetest.NewFactory()
	f.FailOn(resourcetest.OpClose, errors.New("socket error"))
	conn := openConn(t, f)

	err := resource.Release(ctx, conn, f)
	assert.ErrorIs(t, err, apperror.ErrCannotReleaseResource)
}

func TestReleaseOnExit(t *testing.T) {
	ctx := testCtx()
	f := resourcetest.NewFactory()
	f.FailOn(resourcetest.OpClose, errors.New("socket error"))

	var err error
	resource.ReleaseOnExit(ctx, openConn(t, f), f, &err)
	assert.ErrorIs(t, err, apperror.ErrCannotReleaseResource)

	original := errors.New("query failed")
	err = original
	resource.ReleaseOnExit(ctx, openConn(t, f), f, &err)
	assert.Same(t, original, err, "release failure does not mask the original error")
}

func TestApplyTimeout(t *testing.T) {
	ctx := resource.NewScope(testCtx())
	reg := resource.RegistryFrom(ctx)
	f := resourcetest.NewFactory()

	stmt := &resourcetest.Statement{SQL: "SELECT 1"}
	require.NoError(t, resource.ApplyTimeout(ctx, stmt, f, 0))
	assert.Zero(t, stmt.Timeout(), "nothing to apply")

	require.NoError(t, resource.ApplyTimeout(ctx, stmt, f, 3*time.Second))
	assert.Equal(t, 3*time.Second, stmt.Timeout(), "fallback without a holder deadline")

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := resource.NewHolder(openConn(t, f))
	resource.SetClock(h, func() time.Time { return now })
	h.SetTimeout(10 * time.Second)
	require.NoError(t, reg.BindResource(f, h))

	now = now.Add(4 * time.Second)
	require.NoError(t, resource.ApplyDeadline(ctx, stmt, f))
	assert.Equal(t, 6*time.Second, stmt.Timeout(), "deadline wins over fallback")

	now = now.Add(10 * time.Second)
	err := resource.ApplyTimeout(ctx, stmt, f, 3*time.Second)
	assert.ErrorIs(t, err, apperror.ErrTransactionTimedOut)
	assert.True(t, h.IsRollbackOnly())
}

func TestPrepareAndResetTransaction(t *testing.T) {
	ctx := testCtx()
	conn := openConn(t, resourcetest.NewFactory())

	prior, err := resource.PrepareForTransaction(ctx, conn, true, resource.IsolationSerializable)
	require.NoError(t, err)
	assert.Equal(t, resource.IsolationReadCommitted, prior.Isolation)
	assert.True(t, prior.ReadOnlyChanged)
	assert.True(t, conn.CurrentReadOnly())
	assert.Equal(t, resource.IsolationSerializable, conn.CurrentIsolation())

	resource.ResetAfterTransaction(ctx, conn, prior)
	assert.False(t, conn.CurrentReadOnly())
	assert.Equal(t, resource.IsolationReadCommitted, conn.CurrentIsolation())
}

func TestPrepareForTransaction_KeepsMatchingSettings(t *testing.T) {
	ctx := testCtx()
	conn := openConn(t, resourcetest.NewFactory())

	prior, err := resource.PrepareForTransaction(ctx, conn, false, resource.IsolationReadCommitted)
	require.NoError(t, err)
	assert.Equal(t, resource.PriorSettings{}, prior)

	prior, err = resource.PrepareForTransaction(ctx, conn, false, resource.IsolationDefault)
	require.NoError(t, err)
	assert.Equal(t, resource.PriorSettings{}, prior)
}

func TestPrepareForTransaction_ReadOnlyIsBestEffort(t *testing.T) {
	ctx := testCtx()
	conn := openConn(t, resourcetest.NewFactory())
	conn.FailOn(resourcetest.OpSetReadOnly, errors.New("not supported"))

	prior, err := resource.PrepareForTransaction(ctx, conn, true, resource.IsolationDefault)
	require.NoError(t, err)
	assert.False(t, prior.ReadOnlyChanged)
}

func TestPrepareForTransaction_IsolationFailure(t *testing.T) {
	ctx := testCtx()
	conn := openConn(t, resourcetest.NewFactory())
	boom := errors.New("cannot change isolation")
	conn.FailOn(resourcetest.OpSetIsolation, boom)

	_, err := resource.PrepareForTransaction(ctx, conn, false, resource.IsolationSerializable)
	assert.ErrorIs(t, err, boom)
}
