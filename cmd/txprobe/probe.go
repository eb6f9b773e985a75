package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/spf13/cobra"

	"txcoord/internal/core/apperror"
	"txcoord/internal/core/resource"
	"txcoord/internal/core/tx"
	"txcoord/internal/infrastructure/storage/postgres"
	"txcoord/pkg/logger"
)

type scenario func(ctx context.Context, a *app) error

var scenarios = map[string]scenario{
	"required":      probeRequired,
	"requires-new":  probeRequiresNew,
	"nested":        probeNested,
	"rollback-only": probeRollbackOnly,
	"timeout":       probeTimeout,
	"never":         probeNever,
	"read-only":     probeReadOnly,
}

func scenarioNames() []string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newProbeCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:       "probe [scenario...]",
		Short:     "Run propagation scenarios (all by default)",
		ValidArgs: scenarioNames(),
		Args:      cobra.OnlyValidArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = scenarioNames()
			}
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				failed := 0
				for _, name := range args {
					// Each scenario runs in its own scope.
					sctx := resource.NewScope(ctx)
					start := time.Now()
					err := scenarios[name](sctx, a)
					status := "ok"
					if err != nil {
						status = "FAIL: " + err.Error()
						failed++
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%-14s %-8s %s\n", name, time.Since(start).Round(time.Microsecond), status)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d scenarios failed", failed, len(args))
				}
				return nil
			})
		},
	}
}

func connID(ctx context.Context, a *app) (string, error) {
	var id string
	err := a.txm.WithConn(ctx, func(_ context.Context, conn resource.Conn) error {
		id = conn.ID()
		return nil
	})
	return id, err
}

// probeRequired checks that a nested Required scope shares the outer
// connection.
func probeRequired(ctx context.Context, a *app) error {
	return a.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		outer, err := connID(ctx, a)
		if err != nil {
			return err
		}
		if _, err := a.journal.Append(ctx, "probe.required", map[string]string{"conn": outer}); err != nil {
			return err
		}
		return a.txm.RunInTransaction(ctx, func(ctx context.Context) error {
			inner, err := connID(ctx, a)
			if err != nil {
				return err
			}
			if inner != outer {
				return fmt.Errorf("joined scope used connection %s, want %s", inner, outer)
			}
			return nil
		})
	})
}

// probeRequiresNew checks that RequiresNew runs on a second connection and
// the outer connection is bound again afterwards.
func probeRequiresNew(ctx context.Context, a *app) error {
	return a.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		outer, err := connID(ctx, a)
		if err != nil {
			return err
		}
		def := tx.DefaultDefinition()
		def.Propagation = tx.PropagationRequiresNew
		err = a.txm.RunInTransactionWithDefinition(ctx, def, func(ctx context.Context) error {
			inner, err := connID(ctx, a)
			if err != nil {
				return err
			}
			if inner == outer {
				return fmt.Errorf("independent transaction reused connection %s", outer)
			}
			_, err = a.journal.Append(ctx, "probe.requires_new", map[string]string{"conn": inner})
			return err
		})
		if err != nil {
			return err
		}
		after, err := connID(ctx, a)
		if err != nil {
			return err
		}
		if after != outer {
			return fmt.Errorf("outer transaction resumed on %s, want %s", after, outer)
		}
		return nil
	})
}

var errProbeRollback = errors.New("probe: forced rollback")

// probeNested checks that a failing nested scope only rolls back to its
// savepoint.
func probeNested(ctx context.Context, a *app) error {
	return a.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		if _, err := a.journal.Append(ctx, "probe.nested.outer", nil); err != nil {
			return err
		}
		def := tx.DefaultDefinition()
		def.Propagation = tx.PropagationNested
		err := a.txm.RunInTransactionWithDefinition(ctx, def, func(ctx context.Context) error {
			if _, err := a.journal.Append(ctx, "probe.nested.inner", nil); err != nil {
				return err
			}
			return errProbeRollback
		})
		if !errors.Is(err, errProbeRollback) {
			return fmt.Errorf("nested scope returned %v, want forced rollback", err)
		}
		return nil
	})
}

// probeRollbackOnly checks that a failed participant turns the outer
// commit into UnexpectedRollback.
func probeRollbackOnly(ctx context.Context, a *app) error {
	err := a.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		inner := a.txm.RunInTransaction(ctx, func(context.Context) error {
			return errProbeRollback
		})
		logger.Debug(ctx, "participant failed", "error", inner)
		return nil
	})
	if !errors.Is(err, apperror.ErrUnexpectedRollback) {
		return fmt.Errorf("outer commit returned %v, want unexpected rollback", err)
	}
	return nil
}

// probeTimeout checks that statements fail once the transaction deadline
// has passed.
func probeTimeout(ctx context.Context, a *app) error {
	def := tx.DefaultDefinition()
	def.Timeout = 10 * time.Millisecond
	err := a.txm.RunInTransactionWithDefinition(ctx, def, func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		conn, err := a.txm.Conn(ctx)
		if err != nil {
			return err
		}
		defer conn.Close(ctx)
		_, err = conn.Exec(ctx, "SELECT 1")
		return err
	})
	if !errors.Is(err, apperror.ErrTransactionTimedOut) {
		return fmt.Errorf("expired transaction returned %v, want timeout", err)
	}
	return nil
}

// probeNever checks that Never refuses to run inside a transaction.
func probeNever(ctx context.Context, a *app) error {
	return a.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		def := tx.DefaultDefinition()
		def.Propagation = tx.PropagationNever
		err := a.txm.RunInTransactionWithDefinition(ctx, def, func(context.Context) error {
			return nil
		})
		if !errors.Is(err, apperror.ErrTransactionUsage) {
			return fmt.Errorf("never inside a transaction returned %v, want usage error", err)
		}
		return nil
	})
}

// probeReadOnly checks that the server rejects writes inside a read-only
// transaction.
func probeReadOnly(ctx context.Context, a *app) error {
	return expectReadOnly(ctx, a.txm, a.journal)
}

const sqlstateReadOnlyTransaction = "25006"

func expectReadOnly(ctx context.Context, m tx.ReadOnlyManager, j *postgres.Journal) error {
	err := m.ReadOnly(ctx, func(ctx context.Context) error {
		_, err := j.Append(ctx, "probe.read_only", nil)
		return err
	})
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != sqlstateReadOnlyTransaction {
		return fmt.Errorf("write in read-only transaction returned %v, want SQLSTATE %s", err, sqlstateReadOnlyTransaction)
	}
	return nil
}
