package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gotrs-io/whups/internal/app"
	"github.com/gotrs-io/whups/internal/ticket"
)

var mailFilterCmd = &cobra.Command{
	Use:     "mail-filter",
	Aliases: []string{"filter"},
	Short:   "Create a ticket or comment from a message on stdin",
	Long: `Reads one RFC 822 message from standard input and turns it into a new
ticket or a comment on an existing one.

Intended for MTA pipe delivery, for example in /etc/aliases:

    support: "|/usr/local/bin/whups mail-filter --queue 1"

A non-zero exit status makes the MTA bounce or defer the message.`,
	Args: cobra.NoArgs,
	RunE: runMailFilter,
}

var (
	filterQueue       int
	filterType        int
	filterState       int
	filterPriority    int
	filterTicket      int64
	filterDefaultAuth string
	filterAuthor      string
	filterGuessQueue  bool
)

func init() {
	mailFilterCmd.Flags().IntVarP(&filterQueue, "queue", "q", 0, "Queue for new tickets")
	mailFilterCmd.Flags().IntVarP(&filterType, "type", "t", 0, "Type for new tickets")
	mailFilterCmd.Flags().IntVarP(&filterState, "state", "s", 0, "State for new tickets")
	mailFilterCmd.Flags().IntVarP(&filterPriority, "priority", "p", 0, "Priority for new tickets")
	mailFilterCmd.Flags().Int64Var(&filterTicket, "ticket", 0, "Add the message to this ticket instead of matching the subject")
	mailFilterCmd.Flags().StringVar(&filterDefaultAuth, "default-auth", "", "Account to act as when the sender is unknown")
	mailFilterCmd.Flags().StringVar(&filterAuthor, "author", "", "Act as this account regardless of the sender")
	mailFilterCmd.Flags().BoolVarP(&filterGuessQueue, "guess-queue", "g", false, "Pick the queue from the subject")

	rootCmd.AddCommand(mailFilterCmd)
}

func runMailFilter(cmd *cobra.Command, _ []string) error {
	raw, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("read message: %w", err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("no message on standard input")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, manager.Get())
	if err != nil {
		return err
	}
	defer a.Close()

	info := ticket.Defaults{
		QueueID:       filterQueue,
		TypeID:        filterType,
		StateID:       filterState,
		PriorityID:    filterPriority,
		DefaultAuthor: filterDefaultAuth,
		GuessQueue:    filterGuessQueue,
	}.CreationInfo()
	info.TicketID = filterTicket

	res, err := a.Ingestor.Ingest(ctx, raw, info, filterAuthor)
	if err != nil {
		return err
	}
	log.Info().
		Str("action", res.Action).
		Int64("ticket_id", res.TicketID).
		Str("reason", res.Reason).
		Msg("Message processed")
	return nil
}
