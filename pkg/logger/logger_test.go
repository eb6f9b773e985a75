package logger_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	appctx "txcoord/internal/core/context"
	"txcoord/pkg/logger"
)

func TestNew_Level(t *testing.T) {
	out := filepath.Join(t.TempDir(), "txcoord.log")

	l, err := logger.New(logger.Config{Level: "debug", OutputPaths: []string{out}})
	require.NoError(t, err)
	assert.True(t, l.Desugar().Core().Enabled(zapcore.DebugLevel))

	l, err = logger.New(logger.Config{Level: "loud", Development: true, OutputPaths: []string{out}})
	require.NoError(t, err)
	assert.False(t, l.Desugar().Core().Enabled(zapcore.DebugLevel), "unknown level falls back to info")
	assert.True(t, l.Desugar().Core().Enabled(zapcore.InfoLevel))
}

func TestContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := &logger.Logger{SugaredLogger: zap.New(core).Sugar()}

	ctx := appctx.WithScope(context.Background(), &appctx.ScopeContext{ScopeID: "scope-2", ParentID: "scope-1"})
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01},
		SpanID:     trace.SpanID{0x02},
		TraceFlags: trace.FlagsSampled,
	})
	ctx = trace.ContextWithSpanContext(ctx, sc)
	ctx = logger.WithLogger(ctx, l.WithComponent("tx"))

	logger.Warn(ctx, "could not restore auto-commit", "conn", "conn-1")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)

	fields := entries[0].ContextMap()
	assert.Equal(t, "scope-2", fields["scope_id"])
	assert.Equal(t, "scope-1", fields["parent_scope_id"])
	assert.Equal(t, sc.TraceID().String(), fields["trace_id"])
	assert.Equal(t, sc.SpanID().String(), fields["span_id"])
	assert.Equal(t, "tx", fields["component"])
	assert.Equal(t, "conn-1", fields["conn"])
}

func TestFromContext_Default(t *testing.T) {
	l := logger.FromContext(context.Background())
	require.NotNil(t, l)
	assert.NotNil(t, l.SugaredLogger)
}
