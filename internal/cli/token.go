package cli

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gwi.com/report-studio/internal/auth"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API bearer token signed with JWT_SECRET",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := auth.GenerateJWT(tokenSubject, tokenTTL)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		pterm.Info.Printfln("Token for %q, valid for %s", tokenSubject, tokenTTL)
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "reportctl", "subject recorded in the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", auth.DefaultTokenTTL, "token lifetime")
}
