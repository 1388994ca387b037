package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"ms-dealroom/internal/app"
	"ms-dealroom/internal/logger"
	"ms-dealroom/internal/store"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the operation ran and was refused
	ExitCommandError = 2 // bad input or an unreachable database
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns ExitFailure for errors that are not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// output writes data as indented JSON or hands w to text.
func (o *RootOptions) output(cmd *cobra.Command, data any, text func(w io.Writer) error) error {
	w := cmd.OutOrStdout()
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
	return text(w)
}

// openDB connects without touching the schema.
func (o *RootOptions) openDB(ctx context.Context, log *logger.Logger) (*store.DB, error) {
	dbCfg := o.cfg.Database
	dbCfg.DSN = o.DSN
	dbCfg.AutoMigrate = false
	db, err := app.OpenDatabase(ctx, dbCfg, log)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return db, nil
}

// openCore builds the services over db with every workflow registered, so
// transitions made from the CLI trigger the same workflows as the service.
// No payment provider is wired: dealctl never ticks the engine, and the
// workflow steps that reach the provider run in the service.
func (o *RootOptions) openCore(db *store.DB, log *logger.Logger) *app.Core {
	return app.NewCore(db, o.cfg, app.Deps{Owner: "dealctl"}, log)
}
