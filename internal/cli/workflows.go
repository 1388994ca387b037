package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"ms-dealroom/internal/apperrors"
	"ms-dealroom/internal/models"

	"github.com/spf13/cobra"
)

func NewWorkflowsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "Inspect and recover durable workflow runs",
	}
	cmd.AddCommand(newStuckCommand(rootOpts), newRetryCommand(rootOpts))
	return cmd
}

func newStuckCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stuck",
		Short: "List runs that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := opts.newLogger(cmd)
			defer log.Close()

			db, err := opts.openDB(ctx, log)
			if err != nil {
				return err
			}
			defer db.Close()

			runs, err := opts.openCore(db, log).Workflows.Stuck(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list stuck runs", err)
			}
			if runs == nil {
				runs = []models.WorkflowRun{}
			}
			return opts.output(cmd, runs, func(w io.Writer) error {
				if len(runs) == 0 {
					_, err := fmt.Fprintln(w, "No stuck workflow runs")
					return err
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tWORKFLOW\tCORRELATION\tDEAL ROOM\tSTEP\tUPDATED\tERROR")
				for _, r := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						r.ID, r.WorkflowName, r.CorrelationID, orDash(r.DealRoomID), orDash(r.CurrentStep),
						r.UpdatedAt.Format(time.RFC3339), orDash(r.LastError))
				}
				return tw.Flush()
			})
		},
	}
}

func newRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <run-id>",
		Short: "Re-queue a stuck run with a fresh attempt budget",
		Long: `Re-queue a failed run. The running service picks it up on its next tick.

Examples:
  dealctl workflows retry 6f1c2d0e-8a4b-4d7e-9b1a-3c5e7f9a1b2c`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := opts.newLogger(cmd)
			defer log.Close()

			db, err := opts.openDB(ctx, log)
			if err != nil {
				return err
			}
			defer db.Close()

			workflows := opts.openCore(db, log).Workflows
			if err := workflows.Retry(ctx, args[0]); err != nil {
				if _, ok := apperrors.As(err); ok {
					return WrapExitError(ExitFailure, "retry refused", err)
				}
				return WrapExitError(ExitCommandError, "failed to retry run", err)
			}
			run, _, err := workflows.Get(ctx, args[0])
			if err != nil {
				return WrapExitError(ExitFailure, "failed to reload run", err)
			}
			return opts.output(cmd, run, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Run %s (%s) re-queued as %s\n", run.ID, run.WorkflowName, run.Status)
				return err
			})
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
