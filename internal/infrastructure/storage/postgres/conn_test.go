package postgres

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txcoord/internal/core/apperror"
	appctx "txcoord/internal/core/context"
	"txcoord/internal/core/resource"
	"txcoord/internal/core/resource/resourcetest"
)

func TestIsolationClause(t *testing.T) {
	tests := []struct {
		level resource.IsolationLevel
		want  string
		ok    bool
	}{
		{resource.IsolationReadUncommitted, "ISOLATION LEVEL READ UNCOMMITTED", true},
		{resource.IsolationReadCommitted, "ISOLATION LEVEL READ COMMITTED", true},
		{resource.IsolationRepeatableRead, "ISOLATION LEVEL REPEATABLE READ", true},
		{resource.IsolationSerializable, "ISOLATION LEVEL SERIALIZABLE", true},
		{resource.IsolationDefault, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			got, ok := isolationClause(tt.level)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConn_ClosedIsIllegalState(t *testing.T) {
	ctx := context.Background()
	c := &Conn{id: "conn-1", autoCommit: true, closed: true}

	_, err := c.Exec(ctx, "SELECT 1")
	assert.ErrorIs(t, err, apperror.ErrIllegalState)
	_, err = c.Query(ctx, "SELECT 1")
	assert.ErrorIs(t, err, apperror.ErrIllegalState)
	_, err = c.Prepare(ctx, "SELECT 1")
	assert.ErrorIs(t, err, apperror.ErrIllegalState)
	_, err = c.AutoCommit(ctx)
	assert.ErrorIs(t, err, apperror.ErrIllegalState)

	assert.NoError(t, c.Close(ctx), "close is idempotent")
	assert.False(t, c.InTransaction())
}

func TestScanAll_RejectsForeignRows(t *testing.T) {
	rows := &resourcetest.Rows{}
	var dst []JournalEntry

	err := ScanAll(&dst, rows)
	assert.ErrorContains(t, err, "not pgx rows")
}

func TestNewJournalEntry(t *testing.T) {
	ctx := appctx.WithScope(context.Background(), &appctx.ScopeContext{ScopeID: "scope-7"})

	entry, err := newJournalEntry(ctx, "transfer.completed", map[string]any{"amount": 250})
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, "scope-7", entry.ScopeID)
	assert.Equal(t, JournalStatusPending, entry.Status)
	assert.Nil(t, entry.PublishedAt)
	assert.False(t, entry.CreatedAt.IsZero())

	var payload map[string]any
	require.NoError(t, json.Unmarshal(entry.Payload, &payload))
	assert.EqualValues(t, 250, payload["amount"])

	_, err = newJournalEntry(ctx, "broken", func() {})
	assert.Error(t, err)
}

func TestTxManagerContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, GetTxManager(ctx))
	assert.PanicsWithValue(t, "postgres: TxManager not found in context", func() {
		MustGetTxManager(ctx)
	})

	m := &TxManager{}
	ctx = WithTxManager(ctx, m)
	assert.Same(t, m, GetTxManager(ctx))
	assert.Same(t, m, MustGetTxManager(ctx))
}
