package cli

import (
	"fmt"
	"io"

	"ms-dealroom/internal/apperrors"

	"github.com/spf13/cobra"
)

func NewAuctionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auctions",
		Short: "Auction maintenance",
	}
	cmd.AddCommand(newCloseAuctionCommand(rootOpts))
	return cmd
}

func newCloseAuctionCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "close <auction-id>",
		Short: "Close an expired auction and select its winner",
		Long: `Close an auction whose end time has passed. The call is idempotent: an
auction that is already closed, or still running, is reported unchanged.

Examples:
  dealctl auctions close 0b7e5a52-93f1-4c4f-8d0a-2f6d1c9e8b41 --format json`,
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

			res, err := opts.openCore(db, log).Auctions.CloseAndSelectWinner(ctx, args[0])
			if err != nil {
				if _, ok := apperrors.As(err); ok {
					return WrapExitError(ExitFailure, "close refused", err)
				}
				return WrapExitError(ExitCommandError, "failed to close auction", err)
			}
			return opts.output(cmd, res, func(w io.Writer) error {
				switch {
				case !res.Closed:
					_, err = fmt.Fprintf(w, "Auction %s unchanged (state %s)\n", args[0], res.State)
				case res.HasWinner:
					_, err = fmt.Fprintf(w, "Auction %s closed: winner %s at %d, order %s\n", args[0], res.WinnerID, res.WinningAmount, res.OrderID)
				default:
					_, err = fmt.Fprintf(w, "Auction %s closed without bids\n", args[0])
				}
				return err
			})
		},
	}
}
