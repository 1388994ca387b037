package cli

import (
	"fmt"
	"io"
	"time"

	"ms-dealroom/internal/auth"

	"github.com/spf13/cobra"
)

type TokenOptions struct {
	*RootOptions
	Secret string
	TTL    time.Duration
}

// NewTokenCommand mints HS256 tokens for services running without an OIDC issuer.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Sign a development bearer token",
		Long: `Sign a development bearer token accepted when AUTH_DEV_SECRET is set.

Examples:
  dealctl token buyer-1 --ttl 2h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Secret == "" {
				return WrapExitError(ExitCommandError, "no signing secret: set AUTH_DEV_SECRET or --secret", nil)
			}
			token, err := auth.SignDevToken(opts.Secret, args[0], opts.TTL)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to sign token", err)
			}
			res := map[string]string{"user_id": args[0], "token": token}
			return opts.output(cmd, res, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, token)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&opts.Secret, "secret", rootOpts.cfg.Auth.DevSecret, "HS256 signing secret")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", time.Hour, "token lifetime")
	return cmd
}
