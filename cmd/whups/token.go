package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gotrs-io/whups/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token <account>",
	Short: "Mint a bearer token for the JSON API",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

var (
	tokenEmail string
	tokenTTL   time.Duration
)

func init() {
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "Email address recorded in the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg := manager.Get()
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}
	token, err := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer).GenerateToken(args[0], tokenEmail, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
