package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"crosspost/pkg/gateway"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the gateway API",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, _, ok := loadRuntimeConfig("cmd.token")
		if !ok {
			return
		}
		if cfg.Gateway.JWTSecret == "" {
			fmt.Println("gateway.jwt_secret is not set; the gateway accepts unauthenticated requests")
			return
		}

		token, err := gateway.IssueToken(cfg.Gateway.JWTSecret, tokenSubject, tokenTTL)
		if err != nil {
			fmt.Printf("issue token: %v\n", err)
			return
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "dashboard", "token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}
