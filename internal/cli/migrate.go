package cli

import (
	"context"
	"fmt"
	"io"

	"ms-dealroom/internal/database/migrations"
	"ms-dealroom/internal/logger"
	"ms-dealroom/internal/store"

	"github.com/spf13/cobra"
)

type MigrateOptions struct {
	*RootOptions
	Steps int
}

type migrateResult struct {
	Driver  string `json:"driver"`
	Version uint   `json:"version"`
	Dirty   bool   `json:"dirty"`
}

func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back schema migrations",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Long: `Apply all pending migrations.

On a sqlite:// DSN the tables are created from the models instead.

Examples:
  dealctl migrate up --dsn postgres://dealroom@localhost/dealroom?sslmode=disable
  dealctl migrate up --dsn sqlite://./dealroom.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, opts, func(r *migrations.Runner) error { return r.MigrateUp() })
		},
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Long: `Roll back migrations. Without --steps every migration is rolled back.

Examples:
  dealctl migrate down --steps 1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Steps < 0 {
				return WrapExitError(ExitCommandError, "--steps must be positive", nil)
			}
			return runMigrate(cmd, opts, func(r *migrations.Runner) error {
				if opts.Steps > 0 {
					return r.Steps(-opts.Steps)
				}
				return r.MigrateDown()
			})
		},
	}
	down.Flags().IntVar(&opts.Steps, "steps", 0, "number of migrations to roll back (0 = all)")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, opts, nil)
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

// runMigrate runs apply (nil just reports) and prints the resulting version.
func runMigrate(cmd *cobra.Command, opts *MigrateOptions, apply func(*migrations.Runner) error) error {
	ctx := cmd.Context()
	log := opts.newLogger(cmd)
	defer log.Close()

	db, err := opts.openDB(ctx, log)
	if err != nil {
		return err
	}
	defer db.Close()

	if !db.IsPostgres() {
		return migrateSQLite(ctx, cmd, opts, db, apply != nil, log)
	}

	runner := migrations.NewRunner(db.Bun.DB, log)
	if err := runner.Initialize(); err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize migrations", err)
	}
	if apply != nil {
		if err := apply(runner); err != nil {
			return WrapExitError(ExitFailure, "migration failed", err)
		}
	}
	v, dirty, err := runner.Version()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read schema version", err)
	}
	res := migrateResult{Driver: "postgres", Version: v, Dirty: dirty}
	return opts.output(cmd, res, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "schema version %d (dirty=%t)\n", res.Version, res.Dirty)
		return err
	})
}

// migrateSQLite has no versioned history: up creates the tables, down is refused.
func migrateSQLite(ctx context.Context, cmd *cobra.Command, opts *MigrateOptions, db *store.DB, apply bool, log *logger.Logger) error {
	res := migrateResult{Driver: "sqlite"}
	if apply {
		if cmd.Name() == "down" {
			return WrapExitError(ExitCommandError, "migrate down needs a postgres DSN", nil)
		}
		if err := store.CreateSchema(ctx, db.Bun); err != nil {
			return WrapExitError(ExitFailure, "failed to create schema", err)
		}
		log.LogDatabase("MIGRATE", "all", "sqlite schema created")
	}
	return opts.output(cmd, res, func(w io.Writer) error {
		_, err := fmt.Fprintln(w, "sqlite schema is created from the models; no version history")
		return err
	})
}
