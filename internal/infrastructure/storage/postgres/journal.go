package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"txcoord/internal/core/apperror"
	appctx "txcoord/internal/core/context"
	"txcoord/internal/core/id"
	"txcoord/internal/core/resource"
)

// JournalStatus is the delivery state of a journal entry.
type JournalStatus string

const (
	JournalStatusPending   JournalStatus = "pending"
	JournalStatusPublished JournalStatus = "published"
)

// JournalEntry is an event written in the same transaction as the change
// it describes, so it exists if and only if that transaction committed.
type JournalEntry struct {
	ID          id.ID         `db:"id"`
	ScopeID     string        `db:"scope_id"`
	Event       string        `db:"event"`
	Payload     []byte        `db:"payload"`
	Status      JournalStatus `db:"status"`
	CreatedAt   time.Time     `db:"created_at"`
	PublishedAt *time.Time    `db:"published_at"`
}

// JournalTable is the default journal table.
const JournalTable = "tx_journal"

// Journal writes and reads journal entries through the connection of the
// caller's scope.
type Journal struct {
	txManager *TxManager
	inserter  *BatchInserter
	table     string
	columns   []string
}

// NewJournal creates a journal on table (JournalTable if empty).
func NewJournal(txManager *TxManager, table string) *Journal {
	if table == "" {
		table = JournalTable
	}
	return &Journal{
		txManager: txManager,
		inserter:  NewBatchInserter(txManager),
		table:     table,
		columns:   ExtractDBColumns[JournalEntry](),
	}
}

// EnsureSchema creates the journal table if it does not exist.
func (j *Journal) EnsureSchema(ctx context.Context) error {
	return j.txManager.WithConn(ctx, func(ctx context.Context, conn resource.Conn) error {
		_, err := conn.Exec(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id           uuid PRIMARY KEY,
				scope_id     text NOT NULL,
				event        text NOT NULL,
				payload      jsonb NOT NULL,
				status       text NOT NULL,
				created_at   timestamptz NOT NULL,
				published_at timestamptz
			)`, j.table))
		return err
	})
}

func newJournalEntry(ctx context.Context, event string, payload any) (JournalEntry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return JournalEntry{}, fmt.Errorf("marshal journal payload: %w", err)
	}
	return JournalEntry{
		ID:        id.New(),
		ScopeID:   appctx.GetScopeID(ctx),
		Event:     event,
		Payload:   data,
		Status:    JournalStatusPending,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Append writes one entry within the current transaction.
// MUST be called inside a transaction context.
func (j *Journal) Append(ctx context.Context, event string, payload any) (JournalEntry, error) {
	entry, err := newJournalEntry(ctx, event, payload)
	if err != nil {
		return entry, err
	}
	err = j.txManager.WithConn(ctx, func(ctx context.Context, conn resource.Conn) error {
		if !resource.IsTransactional(ctx, conn, j.txManager.Pool()) {
			return apperror.NewTransactionUsage("journal append requires a transaction")
		}
		sql, args, err := psql.Insert(j.table).SetMap(StructToMap(entry)).ToSql()
		if err != nil {
			return fmt.Errorf("build journal insert: %w", err)
		}
		_, err = conn.Exec(ctx, sql, args...)
		return err
	})
	if err != nil {
		return entry, fmt.Errorf("append journal entry: %w", err)
	}
	return entry, nil
}

// AppendBatch writes entries for every payload with the COPY protocol.
func (j *Journal) AppendBatch(ctx context.Context, event string, payloads []any) ([]JournalEntry, error) {
	entries := make([]JournalEntry, 0, len(payloads))
	rows := make([][]any, 0, len(payloads))
	for _, p := range payloads {
		entry, err := newJournalEntry(ctx, event, p)
		if err != nil {
			return nil, err
		}
		m := StructToMap(entry)
		row := make([]any, len(j.columns))
		for i, col := range j.columns {
			row[i] = m[col]
		}
		entries = append(entries, entry)
		rows = append(rows, row)
	}
	if _, err := j.inserter.CopyFromSlice(ctx, j.table, j.columns, rows); err != nil {
		return nil, err
	}
	return entries, nil
}

// Pending returns up to limit unpublished entries, oldest first.
func (j *Journal) Pending(ctx context.Context, limit uint64) ([]JournalEntry, error) {
	sql, args, err := psql.Select(j.columns...).
		From(j.table).
		Where(squirrel.Eq{"status": JournalStatusPending}).
		OrderBy("created_at").
		Limit(limit).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build journal query: %w", err)
	}

	var entries []JournalEntry
	err = j.txManager.WithConn(ctx, func(ctx context.Context, conn resource.Conn) error {
		rows, err := conn.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		return ScanAll(&entries, rows)
	})
	if err != nil {
		return nil, fmt.Errorf("list pending journal entries: %w", err)
	}
	return entries, nil
}

// MarkPublished flags entries as delivered and returns how many changed.
func (j *Journal) MarkPublished(ctx context.Context, ids ...id.ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	sql, args, err := psql.Update(j.table).
		Set("status", JournalStatusPublished).
		Set("published_at", time.Now().UTC()).
		Where(squirrel.Eq{"id": ids, "status": JournalStatusPending}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build journal update: %w", err)
	}

	var n int64
	err = j.txManager.WithConn(ctx, func(ctx context.Context, conn resource.Conn) error {
		var execErr error
		n, execErr = conn.Exec(ctx, sql, args...)
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("mark journal entries published: %w", err)
	}
	return n, nil
}
