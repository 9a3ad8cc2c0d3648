package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultIMAPFolder = "INBOX"

// imapClient is the slice of *imapclient.Client a poll uses. Tests swap in a
// scripted fake.
type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
	UIDExpunge(uids imap.UIDSet) expungeWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type expungeWaiter interface{ Close() error }

type imapClientFactory func(Mailbox) (imapClient, error)

// IMAPFetcher polls one folder of an IMAP or IMAPS account.
type IMAPFetcher struct {
	dialTimeout time.Duration
	now         func() time.Time
	logger      zerolog.Logger
	newClient   imapClientFactory
}

// IMAPFetcherOption configures an IMAPFetcher.
type IMAPFetcherOption func(*IMAPFetcher)

func NewIMAPFetcher(opts ...IMAPFetcherOption) *IMAPFetcher {
	f := &IMAPFetcher{
		dialTimeout: 5 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      log.Logger.With().Str("module", "imap").Logger(),
	}
	f.newClient = f.dial
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func WithIMAPLogger(logger zerolog.Logger) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		f.logger = logger
	}
}

// WithIMAPDialTimeout bounds the TCP connect. Non-positive values are ignored.
func WithIMAPDialTimeout(timeout time.Duration) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		if timeout > 0 {
			f.dialTimeout = timeout
		}
	}
}

// WithIMAPClock sets the time stamped on messages the server sends without
// an internal date.
func WithIMAPClock(now func() time.Time) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		if now != nil {
			f.now = now
		}
	}
}

func withIMAPClientFactory(factory imapClientFactory) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		if factory != nil {
			f.newClient = factory
		}
	}
}

func (f *IMAPFetcher) Name() string {
	return "imap"
}

// Fetch delivers every message of the configured folder to handler, oldest
// UID first. Delivery stops at the first handler error. Whatever was
// delivered before that point is still removed from the server unless the
// mailbox keeps its messages.
func (f *IMAPFetcher) Fetch(ctx context.Context, mb Mailbox, handler Handler) (err error) {
	if handler == nil {
		return errors.New("imap: nil handler")
	}
	if err := validateIMAPMailbox(mb); err != nil {
		return err
	}

	client, err := f.newClient(mb)
	if err != nil {
		return fmt.Errorf("imap %s: connect: %w", mb.Label(), err)
	}
	defer f.closeQuietly(client)

	if err := client.Login(mb.Username, mb.Password).Wait(); err != nil {
		return fmt.Errorf("imap %s: login: %w", mb.Label(), err)
	}

	folder := mb.Folder
	if folder == "" {
		folder = defaultIMAPFolder
	}
	if _, err := client.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("imap %s: select %q: %w", mb.Label(), folder, err)
	}

	pending, err := f.download(client)
	if err != nil {
		return fmt.Errorf("imap %s: %w", mb.Label(), err)
	}
	if len(pending) == 0 {
		return client.Logout().Wait()
	}

	var done []imap.UID
	defer func() {
		if mb.KeepMessages || len(done) == 0 {
			return
		}
		if delErr := f.remove(client, done); delErr != nil {
			err = errors.Join(err, fmt.Errorf("imap %s: %w", mb.Label(), delErr))
		}
	}()

	for _, buf := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := f.toMessage(mb, folder, buf)
		if msg == nil {
			continue
		}
		if err := handler.Handle(ctx, msg); err != nil {
			return fmt.Errorf("imap %s: message %s: %w", mb.Label(), msg.UID, err)
		}
		done = append(done, buf.UID)
	}

	if err := client.Logout().Wait(); err != nil {
		f.logger.Warn().Err(err).Str("mailbox", mb.Label()).Msg("Logout failed")
	}
	return nil
}

// download pulls the full body of every message in the selected folder.
func (f *IMAPFetcher) download(client imapClient) ([]*imapclient.FetchMessageBuffer, error) {
	found, err := client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	uids := found.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	bufs, err := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{{}},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch %d messages: %w", len(uids), err)
	}
	return bufs, nil
}

// toMessage returns nil when the server sent no body for the UID.
func (f *IMAPFetcher) toMessage(mb Mailbox, folder string, buf *imapclient.FetchMessageBuffer) *FetchedMessage {
	body := buf.FindBodySection(&imap.FetchItemBodySection{})
	if body == nil {
		f.logger.Debug().Str("mailbox", mb.Label()).Uint32("uid", uint32(buf.UID)).Msg("Skipping message without body")
		return nil
	}
	received := buf.InternalDate
	if received.IsZero() {
		received = f.now()
	}
	uid := strconv.FormatUint(uint64(buf.UID), 10)
	msg := &FetchedMessage{
		Connector:  f.Name(),
		UID:        uid,
		RemoteID:   buildRemoteID(mb, uid),
		ReceivedAt: received,
		SizeBytes:  int64(len(body)),
		Raw:        append([]byte(nil), body...),
		Metadata: map[string]string{
			"imap_uid":    uid,
			"imap_folder": folder,
		},
	}
	msg.WithMailbox(mb)
	return msg
}

func (f *IMAPFetcher) remove(client imapClient, uids []imap.UID) error {
	set := imap.UIDSetNum(uids...)
	deleted := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{imap.FlagDeleted}}
	if err := client.Store(set, deleted, nil).Close(); err != nil {
		return fmt.Errorf("flag deleted: %w", err)
	}
	if err := client.UIDExpunge(set).Close(); err != nil {
		return fmt.Errorf("expunge: %w", err)
	}
	return nil
}

func (f *IMAPFetcher) closeQuietly(client imapClient) {
	if err := client.Close(); err != nil {
		f.logger.Debug().Err(err).Msg("Connection close failed")
	}
}

func (f *IMAPFetcher) dial(mb Mailbox) (imapClient, error) {
	if mb.Host == "" {
		return nil, errors.New("no host configured")
	}
	secure := useIMAPTLS(mb.Type)
	port := mb.Port
	switch {
	case port != 0:
	case secure:
		port = 993
	default:
		port = 143
	}
	addr := net.JoinHostPort(mb.Host, strconv.Itoa(port))
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: f.dialTimeout}}

	dial := imapclient.DialInsecure
	if secure {
		dial = imapclient.DialTLS
	}
	c, err := dial(addr, opts)
	if err != nil {
		return nil, err
	}
	return liveIMAP{c}, nil
}

// liveIMAP narrows the concrete command types of *imapclient.Client to the
// waiter interfaces above.
type liveIMAP struct{ *imapclient.Client }

func (c liveIMAP) Login(username, password string) commandWaiter {
	return c.Client.Login(username, password)
}
func (c liveIMAP) Logout() commandWaiter { return c.Client.Logout() }
func (c liveIMAP) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return c.Client.Select(mailbox, options)
}
func (c liveIMAP) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return c.Client.UIDSearch(criteria, options)
}
func (c liveIMAP) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return c.Client.Fetch(numSet, options)
}
func (c liveIMAP) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return c.Client.Store(numSet, store, options)
}
func (c liveIMAP) UIDExpunge(uids imap.UIDSet) expungeWaiter {
	return c.Client.UIDExpunge(uids)
}

func validateIMAPMailbox(mb Mailbox) error {
	switch {
	case !supportsIMAP(mb.Type):
		return fmt.Errorf("imap: mailbox %s has type %q", mb.Label(), mb.Type)
	case mb.Username == "":
		return fmt.Errorf("imap: mailbox %s has no username", mb.Label())
	case mb.Password == "":
		return fmt.Errorf("imap: mailbox %s has no password", mb.Label())
	}
	return nil
}

func supportsIMAP(t string) bool {
	switch strings.ToLower(t) {
	case "imap", "imaps":
		return true
	}
	return false
}

func useIMAPTLS(t string) bool {
	return strings.EqualFold(t, "imaps")
}
