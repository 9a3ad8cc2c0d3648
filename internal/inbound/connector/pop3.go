package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/go-pop3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type pop3Connection interface {
	Auth(user, password string) error
	Quit() error
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Dele(msgID ...int) error
}

type pop3ConnFactory func(Mailbox) (pop3Connection, error)

// POP3Fetcher drains POP3 and POP3S mailboxes.
type POP3Fetcher struct {
	dialTimeout time.Duration
	now         func() time.Time
	logger      zerolog.Logger
	newConn     pop3ConnFactory
}

// POP3FetcherOption customizes fetcher behavior.
type POP3FetcherOption func(*POP3Fetcher)

// NewPOP3Fetcher returns a POP3 connector.
func NewPOP3Fetcher(opts ...POP3FetcherOption) *POP3Fetcher {
	f := &POP3Fetcher{
		dialTimeout: 5 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      log.Logger.With().Str("module", "pop3").Logger(),
	}
	f.newConn = f.dial
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WithPOP3Logger overrides the logger used for connector diagnostics.
func WithPOP3Logger(logger zerolog.Logger) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		f.logger = logger
	}
}

// WithPOP3DialTimeout overrides the socket dial timeout.
func WithPOP3DialTimeout(timeout time.Duration) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if timeout > 0 {
			f.dialTimeout = timeout
		}
	}
}

// WithPOP3Clock overrides the wall clock.
func WithPOP3Clock(now func() time.Time) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

func withPOP3ConnFactory(factory pop3ConnFactory) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if factory != nil {
			f.newConn = factory
		}
	}
}

// Name returns the connector identifier.
func (f *POP3Fetcher) Name() string {
	return "pop3"
}

// Fetch retrieves every message and hands it to handler. A message is
// deleted from the server once handled unless the mailbox keeps messages.
func (f *POP3Fetcher) Fetch(ctx context.Context, mb Mailbox, handler Handler) error {
	if handler == nil {
		return errors.New("pop3 fetcher requires a handler")
	}
	if err := validatePOP3Mailbox(mb); err != nil {
		return err
	}

	conn, err := f.newConn(mb)
	if err != nil {
		return fmt.Errorf("pop3 connect: %w", err)
	}
	defer f.safeQuit(conn)

	if err := conn.Auth(mb.Username, mb.Password); err != nil {
		return fmt.Errorf("pop3 auth: %w", err)
	}

	ids, err := conn.Uidl(0)
	if err != nil {
		return fmt.Errorf("pop3 uidl: %w", err)
	}

	for _, meta := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := conn.RetrRaw(meta.ID)
		if err != nil {
			return fmt.Errorf("pop3 retr %d: %w", meta.ID, err)
		}

		uid := meta.UID
		if uid == "" {
			uid = strconv.Itoa(meta.ID)
		}
		raw := append([]byte(nil), payload.Bytes()...)
		msg := &FetchedMessage{
			Connector:  f.Name(),
			UID:        uid,
			RemoteID:   buildRemoteID(mb, uid),
			ReceivedAt: f.now(),
			SizeBytes:  int64(len(raw)),
			Raw:        raw,
			Metadata: map[string]string{
				"uidl":    uid,
				"pop3_id": strconv.Itoa(meta.ID),
			},
		}
		msg.WithMailbox(mb)

		if err := handler.Handle(ctx, msg); err != nil {
			return fmt.Errorf("pop3 %s: message %s: %w", mb.Label(), uid, err)
		}
		if !mb.KeepMessages {
			if err := conn.Dele(meta.ID); err != nil {
				return fmt.Errorf("pop3 delete %d: %w", meta.ID, err)
			}
		}
	}
	return nil
}

func (f *POP3Fetcher) safeQuit(conn pop3Connection) {
	if err := conn.Quit(); err != nil {
		f.logger.Warn().Err(err).Msg("pop3 quit failed")
	}
}

func (f *POP3Fetcher) dial(mb Mailbox) (pop3Connection, error) {
	if mb.Host == "" {
		return nil, errors.New("pop3 mailbox missing host")
	}
	tlsEnabled := normalizeType(mb.Type) == "pop3s"
	port := mb.Port
	if port == 0 {
		port = 110
		if tlsEnabled {
			port = 995
		}
	}
	client := pop3.New(pop3.Opt{
		Host:        mb.Host,
		Port:        port,
		DialTimeout: f.dialTimeout,
		TLSEnabled:  tlsEnabled,
	})
	return client.NewConn()
}

func validatePOP3Mailbox(mb Mailbox) error {
	if mb.Username == "" {
		return errors.New("pop3 mailbox missing username")
	}
	if mb.Password == "" {
		return errors.New("pop3 mailbox missing password")
	}
	switch strings.ToLower(mb.Type) {
	case "pop3", "pop3s":
		return nil
	}
	return fmt.Errorf("mailbox type %s not supported by POP3 connector", mb.Type)
}
