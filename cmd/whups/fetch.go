package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gotrs-io/whups/internal/app"
	"github.com/gotrs-io/whups/internal/inbound/connector"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch [mailbox...]",
	Short: "Poll the configured mailboxes once",
	Long: `Fetches new messages from the configured POP3 and IMAP mailboxes and
ingests them. With arguments, only the named mailboxes are polled.`,
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg := manager.Get()
	mailboxes, err := selectMailboxes(cfg.Mailboxes, args)
	if err != nil {
		return err
	}

	a, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Scheduler(func() []connector.Mailbox { return mailboxes }).PollOnce(cmd.Context())
}

// selectMailboxes returns the mailboxes named in names, matched on Name or
// Label, or all of them when names is empty.
func selectMailboxes(all []connector.Mailbox, names []string) ([]connector.Mailbox, error) {
	if len(names) == 0 {
		return all, nil
	}
	var out []connector.Mailbox
	for _, name := range names {
		found := false
		for _, mb := range all {
			if strings.EqualFold(mb.Name, name) || mb.Label() == name {
				out = append(out, mb)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown mailbox %q", name)
		}
	}
	return out, nil
}
