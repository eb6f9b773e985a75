package postgres

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"txcoord/internal/core/resource"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// sessionSettings are the session defaults new transactions start with.
type sessionSettings struct {
	Isolation string `db:"isolation"`
	ReadOnly  string `db:"read_only"`
}

func readSessionSettings(ctx context.Context, q pgxscan.Querier) (sessionSettings, error) {
	var s sessionSettings
	sql, args, err := psql.Select(
		"current_setting('default_transaction_isolation') AS isolation",
		"current_setting('default_transaction_read_only') AS read_only",
	).ToSql()
	if err != nil {
		return s, fmt.Errorf("build settings query: %w", err)
	}
	if err := pgxscan.Get(ctx, q, &s, sql, args...); err != nil {
		return s, fmt.Errorf("read session settings: %w", err)
	}
	return s, nil
}

// ScanAll scans every row into dst, a pointer to a slice of structs with
// db tags. rows must come from a Conn or Statement of this package,
// directly or through a resource.Proxy.
func ScanAll(dst any, rows resource.Rows) error {
	pr, ok := rows.(pgx.Rows)
	if !ok {
		rows.Close()
		return fmt.Errorf("rows of type %T are not pgx rows", rows)
	}
	return pgxscan.ScanAll(dst, pr)
}
