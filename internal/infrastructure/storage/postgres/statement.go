package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"txcoord/internal/core/resource"
)

// Statement is a named prepared statement on a Conn.
type Statement struct {
	conn    *Conn
	name    string
	sql     string
	timeout time.Duration
	closed  bool
}

var _ resource.Statement = (*Statement)(nil)

// Name returns the server-side statement name.
func (s *Statement) Name() string { return s.name }

// SQL returns the statement text.
func (s *Statement) SQL() string { return s.sql }

func (s *Statement) SetTimeout(d time.Duration) { s.timeout = d }

func (s *Statement) Timeout() time.Duration { return s.timeout }

func (s *Statement) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {}
}

func (s *Statement) Exec(ctx context.Context, args ...any) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	// pgx runs a prepared statement when given its name as the SQL text.
	return s.conn.Exec(ctx, s.name, args...)
}

func (s *Statement) Query(ctx context.Context, args ...any) (resource.Rows, error) {
	ctx, cancel := s.withTimeout(ctx)
	rows, err := s.conn.query(ctx, s.name, args...)
	if err != nil {
		cancel()
		return nil, err
	}
	return &timeoutRows{Rows: rows, cancel: cancel}, nil
}

// Close deallocates the statement. Closing twice is a no-op.
func (s *Statement) Close(ctx context.Context) error {
	if s.closed || s.conn.closed {
		s.closed = true
		return nil
	}
	s.closed = true
	return s.conn.pc.Conn().Deallocate(ctx, s.name)
}

// timeoutRows keeps the statement deadline alive until the rows are closed.
type timeoutRows struct {
	pgx.Rows
	cancel context.CancelFunc
}

func (r *timeoutRows) Close() {
	r.Rows.Close()
	r.cancel()
}
