// Package cli implements dealctl, the operator command line for the deal
// room service.
package cli

import (
	"fmt"
	"slices"

	"ms-dealroom/internal/config"
	"ms-dealroom/internal/logger"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	DSN     string
	Format  string // "json" | "text"
	Verbose bool

	cfg *config.Config
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	cfg := config.Load()
	opts := &RootOptions{cfg: cfg}

	cmd := &cobra.Command{
		Use:   "dealctl",
		Short: "Operate the deal room service",
		Long:  "Schema migrations, stuck workflow recovery and auction maintenance for the deal room service.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", cfg.Database.DSN, "database DSN (postgres://... or sqlite://<path>)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewWorkflowsCommand(opts))
	cmd.AddCommand(NewAuctionsCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

// newLogger writes diagnostics to stderr only; dealctl keeps no log file.
func (o *RootOptions) newLogger(cmd *cobra.Command) *logger.Logger {
	level := logger.WARN
	if o.Verbose {
		level = logger.DEBUG
	}
	return logger.New(logger.Options{Service: "dealctl", Console: cmd.ErrOrStderr(), Level: level})
}
