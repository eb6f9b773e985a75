package tx_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"txcoord/internal/core/apperror"
	"txcoord/internal/core/resource"
	"txcoord/internal/core/resource/resourcetest"
	"txcoord/internal/core/tx"
)

func TestRunInTransaction_Commits(t *testing.T) {
	fx := newFixture(t, tx.DefaultManagerConfig())

	err := fx.m.RunInTransaction(fx.ctx, func(ctx context.Context) error {
		outer := fx.acquireID(t, ctx)
		return fx.m.RunInTransaction(ctx, func(ctx context.Context) error {
			assert.Equal(t, outer, fx.acquireID(t, ctx))
			return nil
		})
	})
	require.NoError(t, err)

	assert.Equal(t, 1, fx.f.Opened())
	assert.Equal(t, 1, fx.f.Last().Commits)
	fx.assertNoLeak(t)
}

func TestRunInTransaction_ErrorRollsBack(t *testing.T) {
	fx := newFixture(t, tx.DefaultManagerConfig())
	boom := errors.New("insufficient funds")

	err := fx.m.RunInTransaction(fx.ctx, func(ctx context.Context) error {
		fx.acquireID(t, ctx)
		return boom
	})
	assert.Same(t, boom, err)
	assert.Equal(t, 1, fx.f.Last().Rollbacks)
	assert.Zero(t, fx.f.Last().Commits)
	fx.assertNoLeak(t)
}

func TestRunInTransaction_InnerErrorDoomsOuter(t *testing.T) {
	fx := newFixture(t, tx.DefaultManagerConfig())
	boom := errors.New("constraint violation")

	err := fx.m.RunInTransaction(fx.ctx, func(ctx context.Context) error {
		innerErr := fx.m.RunInTransaction(ctx, func(context.Context) error { return boom })
		assert.Same(t, boom, innerErr)
		return nil
	})
	assert.ErrorIs(t, err, apperror.ErrUnexpectedRollback)
	fx.assertNoLeak(t)
}

func TestRunInTransaction_PanicRollsBack(t *testing.T) {
	fx := newFixture(t, tx.DefaultManagerConfig())

	assert.PanicsWithValue(t, "boom", func() {
		_ = fx.m.RunInTransaction(fx.ctx, func(ctx context.Context) error {
			fx.acquireID(t, ctx)
			panic("boom")
		})
	})
	assert.Equal(t, 1, fx.f.Last().Rollbacks)
	fx.assertNoLeak(t)
}

func TestRunInTransaction_BeginFailure(t *testing.T) {
	fx := newFixture(t, tx.DefaultManagerConfig())
	fx.f.FailOn(resourcetest.OpOpen, errors.New("pool exhausted"))

	called := false
	err := fx.m.RunInTransaction(fx.ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, apperror.ErrCannotCreateTransaction)
	assert.False(t, called)
}

func TestReadOnly(t *testing.T) {
	fx := newFixture(t, tx.DefaultManagerConfig())

	err := fx.m.ReadOnly(fx.ctx, func(ctx context.Context) error {
		reg := resource.RegistryFrom(ctx)
		assert.True(t, reg.IsCurrentTransactionReadOnly())
		assert.True(t, fx.f.Last().CurrentReadOnly())
		return nil
	})
	require.NoError(t, err)
	assert.False(t, fx.f.Last().CurrentReadOnly())
	fx.assertNoLeak(t)
}

func TestRunInTransactionWithDefinition_FreshScope(t *testing.T) {
	f := resourcetest.NewFactory()
	m := tx.NewTxManager(resource.NewTransactionAwareFactory(f), tx.DefaultManagerConfig())
	assert.Same(t, f, m.Factory(), "decorators are unwrapped")

	var reg *resource.Registry
	err := m.RunInTransactionWithDefinition(context.Background(), tx.SerializableDefinition(), func(ctx context.Context) error {
		reg = resource.RegistryFrom(ctx)
		require.NotNil(t, reg)
		assert.True(t, reg.HasResource(f))
		assert.Equal(t, resource.IsolationSerializable, reg.CurrentTransactionIsolation())
		return nil
	})
	require.NoError(t, err)
	assert.False(t, reg.HasResource(f))
	assert.Equal(t, 1, f.Last().Closes)
}

func TestTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	fx := newFixture(t, tx.DefaultManagerConfig())
	def := tx.SerializableDefinition()
	def.Name = "transfer"
	outerCtx, outer := fx.begin(t, fx.ctx, def)
	nestedCtx, nested := fx.begin(t, outerCtx, definition(tx.PropagationNested))
	require.NoError(t, fx.m.Commit(nestedCtx, nested))

	fx.f.Last().FailOn(resourcetest.OpCommit, errors.New("connection reset"))
	assert.Error(t, fx.m.Commit(outerCtx, outer))

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	savepoint, root := spans[0], spans[1]
	assert.Equal(t, "transaction.savepoint", savepoint.Name())
	assert.Equal(t, root.SpanContext().SpanID(), savepoint.Parent().SpanID())
	assert.Equal(t, codes.Unset, savepoint.Status().Code)

	assert.Equal(t, "transaction", root.Name())
	assert.Equal(t, codes.Error, root.Status().Code)
	assert.Contains(t, root.Attributes(), attribute.String("tx.name", "transfer"))
	assert.Contains(t, root.Attributes(), attribute.String("tx.isolation", resource.IsolationSerializable.String()))
	assert.Contains(t, root.Attributes(), attribute.String("tx.propagation", "required"))
}
