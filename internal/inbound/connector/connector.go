// Package connector drains remote mailboxes and streams each message to a
// handler.
package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/gotrs-io/whups/internal/ticket"
)

// Mailbox is a polled POP3 or IMAP account together with the ticket defaults
// applied to the mail it receives.
type Mailbox struct {
	Name         string          `mapstructure:"name"`
	Type         string          `mapstructure:"type"` // pop3, pop3s, imap, imaps
	Host         string          `mapstructure:"host"`
	Port         int             `mapstructure:"port"`
	Username     string          `mapstructure:"username"`
	Password     string          `mapstructure:"password"`
	Folder       string          `mapstructure:"folder"`
	KeepMessages bool            `mapstructure:"keep_messages"`
	Defaults     ticket.Defaults `mapstructure:"defaults"`
}

// Label identifies the mailbox in logs and metrics.
func (m Mailbox) Label() string {
	if m.Name != "" {
		return m.Name
	}
	return fmt.Sprintf("%s@%s", m.Username, m.Host)
}

// FetchedMessage wraps the on-wire RFC 822 payload plus derived metadata.
type FetchedMessage struct {
	Connector  string
	UID        string
	RemoteID   string
	ReceivedAt time.Time
	SizeBytes  int64
	Raw        []byte
	Metadata   map[string]string
	mailbox    Mailbox
}

// Mailbox returns the mailbox the message was fetched from.
func (m FetchedMessage) Mailbox() Mailbox {
	return m.mailbox
}

// WithMailbox records the source mailbox on the message.
func (m *FetchedMessage) WithMailbox(mb Mailbox) {
	m.mailbox = mb
}

// Handler receives fully fetched messages.
type Handler interface {
	Handle(ctx context.Context, msg *FetchedMessage) error
}

// Fetcher implementations stream messages to a handler.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, mailbox Mailbox, handler Handler) error
}

// Factory resolves the connector for a mailbox.
type Factory interface {
	FetcherFor(mailbox Mailbox) (Fetcher, error)
}

func buildRemoteID(mb Mailbox, uid string) string {
	if mb.Username == "" {
		return fmt.Sprintf("%s:%s", mb.Host, uid)
	}
	return fmt.Sprintf("%s@%s:%s", mb.Username, mb.Host, uid)
}
