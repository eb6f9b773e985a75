package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"txcoord/internal/core/id"
	"txcoord/internal/core/tx"
	"txcoord/internal/infrastructure/storage/postgres"
	"txcoord/pkg/logger"
)

// config is filled from flags, which default to the environment.
type config struct {
	DatabaseURL    string
	LogLevel       string
	AppEnv         string
	MaxConns       int
	DefaultTimeout time.Duration
	NestedAllowed  bool
}

func (c config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("required setting DATABASE_URL (--dsn) not set")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("max connections must be positive, got %d", c.MaxConns)
	}
	if c.DefaultTimeout < 0 {
		return fmt.Errorf("default transaction timeout must not be negative, got %s", c.DefaultTimeout)
	}
	return nil
}

// app is what every sub-command runs against.
type app struct {
	log     *logger.Logger
	pool    *postgres.Pool
	txm     *postgres.TxManager
	journal *postgres.Journal
}

func newRootCmd() *cobra.Command {
	var cfg config

	root := &cobra.Command{
		Use:   "txprobe",
		Short: "Exercise transaction coordination against PostgreSQL",
		Long: `txprobe opens a pool on the configured database and runs
transactions through the transaction manager, so propagation, savepoint
and timeout behavior can be observed on a real server.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.DatabaseURL, "dsn", getEnv("DATABASE_URL", ""), "PostgreSQL connection string")
	flags.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	flags.StringVar(&cfg.AppEnv, "env", getEnv("APP_ENV", "development"), "application environment")
	flags.IntVar(&cfg.MaxConns, "max-conns", getEnvInt("DB_MAX_CONNS", 10), "maximum pool connections")
	flags.DurationVar(&cfg.DefaultTimeout, "tx-timeout", getEnvDuration("TX_DEFAULT_TIMEOUT", 0), "default transaction timeout (0 = none)")
	flags.BoolVar(&cfg.NestedAllowed, "nested", getEnvBool("TX_NESTED_ALLOWED", true), "allow savepoint-backed nested transactions")

	root.AddCommand(
		newMigrateCmd(&cfg),
		newProbeCmd(&cfg),
		newJournalCmd(&cfg),
	)
	return root
}

// withApp wires the logger, pool and transaction manager for one command
// run and tears them down afterwards.
func withApp(cmd *cobra.Command, cfg *config, fn func(ctx context.Context, a *app) error) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Development: cfg.AppEnv == "development",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithLogger(ctx, log.WithComponent("txprobe"))

	poolCfg := postgres.DefaultPoolConfig(cfg.DatabaseURL)
	poolCfg.MaxConns = int32(cfg.MaxConns)
	if poolCfg.MinConns > poolCfg.MaxConns {
		poolCfg.MinConns = poolCfg.MaxConns
	}
	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	txCfg := tx.DefaultManagerConfig()
	txCfg.DefaultTimeout = cfg.DefaultTimeout
	txCfg.NestedTransactionAllowed = cfg.NestedAllowed
	txm := postgres.NewTxManager(pool, txCfg)
	ctx = postgres.WithTxManager(ctx, txm)

	a := &app{
		log:     log,
		pool:    pool,
		txm:     txm,
		journal: postgres.NewJournal(txm, ""),
	}
	err = fn(ctx, a)
	pool.LogStats(ctx)
	return err
}

func newMigrateCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the journal table if missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				if err := a.journal.EnsureSchema(ctx); err != nil {
					return err
				}
				logger.Info(ctx, "journal schema ready", "table", postgres.JournalTable)
				return nil
			})
		},
	}
}

func newJournalCmd(cfg *config) *cobra.Command {
	var limit uint64
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List pending journal entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				entries, err := a.journal.Pending(ctx, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, e := range entries {
					fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.ID, e.Event, e.Payload)
				}
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&limit, "limit", 50, "maximum entries to list")
	cmd.AddCommand(newPublishCmd(cfg))
	return cmd
}

func newPublishCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <id>...",
		Short: "Mark journal entries as published",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				return a.txm.RunInTransaction(ctx, func(ctx context.Context) error {
					n, err := a.journal.MarkPublished(ctx, ids...)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "published %d of %d\n", n, len(ids))
					return nil
				})
			})
		},
	}
}

func parseIDs(args []string) ([]id.ID, error) {
	ids := make([]id.ID, 0, len(args))
	for _, arg := range args {
		v, err := id.Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid journal entry id %q: %w", arg, err)
		}
		ids = append(ids, v)
	}
	return ids, nil
}
