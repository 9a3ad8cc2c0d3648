package ticket

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gomail "github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gotrs-io/whups/internal/i18n"
	"github.com/gotrs-io/whups/internal/identity"
	"github.com/gotrs-io/whups/internal/metrics"
)

// ErrInvalidEmail is returned when a watcher address does not parse as a bare
// email address.
var ErrInvalidEmail = errors.New("invalid email address")

// Store is the persistence the service builds on. *Repository implements it.
type Store interface {
	Ticket(ctx context.Context, id int64) (*Ticket, error)
	Queues(ctx context.Context) ([]Queue, error)
	Create(ctx context.Context, info *CreationInfo, author string) (*Ticket, error)
	Commit(ctx context.Context, id int64, changes Changes, author string) error
	Listeners(ctx context.Context, id int64) ([]string, error)
	AddListener(ctx context.Context, id int64, uid string) error
	DeleteListener(ctx context.Context, id int64, uid string) error
}

// Notification is an outgoing message about a ticket.
type Notification struct {
	TicketID   int64
	Recipients []string
	Subject    string
	Body       string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Service adds listener notifications on top of a Store.
type Service struct {
	store     Store
	notifier  Notifier
	directory identity.Directory
	logger    zerolog.Logger
	language  string
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithNotifier enables notifications. Without one, updates are silent.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithDirectory resolves account listeners to their addresses.
func WithDirectory(dir identity.Directory) ServiceOption {
	return func(s *Service) {
		s.directory = dir
	}
}

// WithServiceLogger overrides the logger.
func WithServiceLogger(logger zerolog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithServiceLanguage selects the language of notification text.
func WithServiceLanguage(lang string) ServiceOption {
	return func(s *Service) {
		s.language = lang
	}
}

// NewService wraps store.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		logger: log.Logger.With().Str("module", "ticket").Logger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Ticket loads one ticket.
func (s *Service) Ticket(ctx context.Context, id int64) (*Ticket, error) {
	return s.store.Ticket(ctx, id)
}

// Queues lists queues.
func (s *Service) Queues(ctx context.Context) ([]Queue, error) {
	return s.store.Queues(ctx)
}

// Create opens a ticket.
func (s *Service) Create(ctx context.Context, info *CreationInfo, author string) (*Ticket, error) {
	return s.store.Create(ctx, info, author)
}

// Commit applies changes and tells the ticket's listeners about them.
func (s *Service) Commit(ctx context.Context, id int64, changes Changes, author string) error {
	if err := s.store.Commit(ctx, id, changes, author); err != nil {
		return err
	}
	if s.notifier == nil || changes.Comment == "" {
		return nil
	}
	t, err := s.store.Ticket(ctx, id)
	if err != nil {
		s.logger.Warn().Err(err).Int64("ticket_id", id).Msg("Skipping notification, ticket reload failed")
		return nil
	}
	uids, err := s.store.Listeners(ctx, id)
	if err != nil {
		s.logger.Warn().Err(err).Int64("ticket_id", id).Msg("Skipping notification, listener lookup failed")
		return nil
	}
	recipients := s.recipients(ctx, uids)
	if len(recipients) == 0 {
		return nil
	}
	p := i18n.Printer(s.language)
	s.send(ctx, Notification{
		TicketID:   id,
		Recipients: recipients,
		Subject:    Label(t),
		Body:       p.Sprintf(i18n.TicketUpdated, Label(t)) + "\n\n" + changes.Comment,
	})
	return nil
}

// Watchers returns the addresses and account ids listening to a ticket,
// without the email listener prefix.
func (s *Service) Watchers(ctx context.Context, id int64) ([]string, error) {
	if _, err := s.store.Ticket(ctx, id); err != nil {
		return nil, err
	}
	uids, err := s.store.Listeners(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(uids))
	for _, uid := range uids {
		out = append(out, strings.TrimPrefix(uid, EmailListenerPrefix))
	}
	return out, nil
}

// AddWatcher subscribes an email address to a ticket and sends the address a
// confirmation. A failed confirmation is logged and does not undo the
// subscription.
func (s *Service) AddWatcher(ctx context.Context, id int64, email string) (string, error) {
	address, err := ParseEmail(email)
	if err != nil {
		return "", err
	}
	t, err := s.store.Ticket(ctx, id)
	if err != nil {
		return "", err
	}
	if err := s.store.AddListener(ctx, id, EmailListenerPrefix+address); err != nil {
		return "", err
	}
	s.logger.Info().Int64("ticket_id", id).Str("watcher", address).Msg("Added watcher")
	if s.notifier != nil {
		p := i18n.Printer(s.language)
		s.send(ctx, Notification{
			TicketID:   id,
			Recipients: []string{address},
			Subject:    Label(t),
			Body:       p.Sprintf(i18n.WatcherAddedNotice, Label(t)),
		})
	}
	return address, nil
}

// RemoveWatcher unsubscribes an email address from a ticket.
func (s *Service) RemoveWatcher(ctx context.Context, id int64, email string) (string, error) {
	address, err := ParseEmail(email)
	if err != nil {
		return "", err
	}
	if _, err := s.store.Ticket(ctx, id); err != nil {
		return "", err
	}
	if err := s.store.DeleteListener(ctx, id, EmailListenerPrefix+address); err != nil {
		return "", err
	}
	s.logger.Info().Int64("ticket_id", id).Str("watcher", address).Msg("Removed watcher")
	return address, nil
}

func (s *Service) send(ctx context.Context, n Notification) {
	if err := s.notifier.Notify(ctx, n); err != nil {
		metrics.NotificationsSent.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Int64("ticket_id", n.TicketID).Strs("to", n.Recipients).Msg("Notification failed")
		return
	}
	metrics.NotificationsSent.WithLabelValues("sent").Inc()
}

// recipients turns listener ids into unique addresses. Account listeners use
// the account's first from-address.
func (s *Service) recipients(ctx context.Context, uids []string) []string {
	seen := make(map[string]bool, len(uids))
	var out []string
	add := func(addr string) {
		key := strings.ToLower(addr)
		if addr == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, addr)
	}
	for _, uid := range uids {
		if strings.HasPrefix(uid, EmailListenerPrefix) {
			add(strings.TrimPrefix(uid, EmailListenerPrefix))
			continue
		}
		addrs, err := identity.Addresses(ctx, s.directory, uid)
		if err != nil {
			s.logger.Warn().Err(err).Str("listener", uid).Msg("Listener address lookup failed")
			continue
		}
		if len(addrs) > 0 {
			add(addrs[0])
		}
	}
	return out
}

// ParseEmail validates a bare email address, as typed into a form.
func ParseEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidEmail
	}
	addr, err := gomail.ParseAddress(raw)
	if err != nil || addr.Name != "" || !strings.EqualFold(addr.Address, raw) {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, raw)
	}
	return addr.Address, nil
}

// Label renders the "[#id] summary" form used in titles and subjects.
func Label(t *Ticket) string {
	return fmt.Sprintf("[#%d] %s", t.ID, t.Summary)
}
