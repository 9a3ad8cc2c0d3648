package main

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gotrs-io/whups/internal/app"
	"github.com/gotrs-io/whups/internal/identity"
	"github.com/gotrs-io/whups/internal/ticket"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage the sender addresses mapped to accounts",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts and their from-addresses",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := app.New(cmd.Context(), manager.Get())
		if err != nil {
			return err
		}
		defer a.Close()

		accounts, err := a.Directory.Accounts(cmd.Context())
		if err != nil {
			return err
		}
		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.SetHeader([]string{"Account", "Name", "Addresses"})
		for _, acct := range accounts {
			table.Append([]string{acct.ID, acct.Name, strings.Join(acct.FromAddresses, ", ")})
		}
		table.Render()
		return nil
	},
}

var accountName string

var accountsAddCmd = &cobra.Command{
	Use:   "add <account> <address>",
	Short: "Map a from-address to an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		address, err := ticket.ParseEmail(args[1])
		if err != nil {
			return err
		}
		a, err := app.New(cmd.Context(), manager.Get())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Accounts.AddAddress(cmd.Context(), args[0], accountName, address); err != nil {
			return err
		}
		if cached, ok := a.Directory.(*identity.CachedDirectory); ok {
			if err := cached.Invalidate(cmd.Context()); err != nil {
				log.Warn().Err(err).Msg("Failed to invalidate account cache")
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s now maps to %s\n", address, args[0])
		return nil
	},
}

func init() {
	accountsAddCmd.Flags().StringVar(&accountName, "name", "", "Display name for a new account")

	accountsCmd.AddCommand(accountsListCmd, accountsAddCmd)
	rootCmd.AddCommand(accountsCmd)
}
