// Package smtpd accepts mail over SMTP and feeds it to the ingestor, routing
// each recipient address to the ticket defaults configured for it.
package smtpd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gotrs-io/whups/internal/mail"
	"github.com/gotrs-io/whups/internal/ticket"
)

// Config controls the listener.
type Config struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	Domain          string        `mapstructure:"domain"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	MaxRecipients   int           `mapstructure:"max_recipients"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	// Routes maps recipient addresses to ticket defaults. When empty every
	// recipient is accepted with Default.
	Routes  []Route         `mapstructure:"routes"`
	Default ticket.Defaults `mapstructure:"default"`
}

// Route sends mail for one recipient address to a queue.
type Route struct {
	Address  string          `mapstructure:"address"`
	Defaults ticket.Defaults `mapstructure:",squash"`
}

// Ingestor processes one raw message. *mail.Ingestor implements it.
type Ingestor interface {
	Ingest(ctx context.Context, raw []byte, info *ticket.CreationInfo, author string) (mail.Result, error)
}

var (
	errUnknownRecipient = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "No such mailbox here",
	}
	errNoRecipients = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 5, 1},
		Message:      "No valid recipients",
	}
	errTemporary = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Could not process message, try again later",
	}
)

// Backend implements smtp.Backend.
type Backend struct {
	ingestor Ingestor
	routes   map[string]ticket.Defaults
	fallback ticket.Defaults
	logger   zerolog.Logger
}

// NewBackend returns a backend that routes by cfg.Routes.
func NewBackend(cfg Config, ingestor Ingestor, logger zerolog.Logger) *Backend {
	routes := make(map[string]ticket.Defaults, len(cfg.Routes))
	for _, r := range cfg.Routes {
		routes[normalizeAddress(r.Address)] = r.Defaults
	}
	return &Backend{ingestor: ingestor, routes: routes, fallback: cfg.Default, logger: logger}
}

// NewSession starts a session for an incoming connection.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	logger := b.logger
	if c != nil {
		if conn := c.Conn(); conn != nil {
			logger = logger.With().Str("remote", conn.RemoteAddr().String()).Logger()
		}
	}
	return &Session{backend: b, logger: logger}, nil
}

func (b *Backend) route(addr string) (ticket.Defaults, bool) {
	if len(b.routes) == 0 {
		return b.fallback, true
	}
	d, ok := b.routes[normalizeAddress(addr)]
	return d, ok
}

// Session is one SMTP transaction sequence.
type Session struct {
	backend *Backend
	logger  zerolog.Logger
	from    string
	to      []string
	targets []ticket.Defaults
}

// Mail records the envelope sender.
func (s *Session) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt accepts a recipient that has a route.
func (s *Session) Rcpt(to string, _ *smtp.RcptOptions) error {
	d, ok := s.backend.route(to)
	if !ok {
		s.logger.Debug().Str("rcpt", to).Msg("Rejecting unrouted recipient")
		return errUnknownRecipient
	}
	s.to = append(s.to, to)
	for _, seen := range s.targets {
		if seen == d {
			return nil
		}
	}
	s.targets = append(s.targets, d)
	return nil
}

// Data ingests the message once per distinct route among the recipients.
func (s *Session) Data(r io.Reader) error {
	if len(s.targets) == 0 {
		return errNoRecipients
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	ctx := context.Background()
	for _, d := range s.targets {
		res, err := s.backend.ingestor.Ingest(ctx, raw, d.CreationInfo(), "")
		if err != nil {
			var notFound *mail.TicketNotFoundError
			if errors.As(err, &notFound) {
				return &smtp.SMTPError{
					Code:         550,
					EnhancedCode: smtp.EnhancedCode{5, 1, 0},
					Message:      err.Error(),
				}
			}
			s.logger.Error().Err(err).Str("from", s.from).Strs("rcpt", s.to).Msg("Ingest failed")
			return errTemporary
		}
		s.logger.Info().
			Str("from", s.from).
			Strs("rcpt", s.to).
			Str("action", res.Action).
			Int64("ticket_id", res.TicketID).
			Msg("Accepted message")
	}
	return nil
}

// Reset clears the envelope.
func (s *Session) Reset() {
	s.from = ""
	s.to = nil
	s.targets = nil
}

// Logout ends the session.
func (s *Session) Logout() error {
	return nil
}

// Server is the SMTP listener.
type Server struct {
	srv    *smtp.Server
	logger zerolog.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger overrides the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New builds a listener for cfg.
func New(cfg Config, ingestor Ingestor, opts ...Option) *Server {
	s := &Server{logger: log.Logger.With().Str("module", "smtpd").Logger()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	srv := smtp.NewServer(NewBackend(cfg, ingestor, s.logger))
	srv.Addr = cfg.Addr
	srv.Domain = cfg.Domain
	if srv.Domain == "" {
		srv.Domain = "localhost"
	}
	srv.ReadTimeout = orDefault(cfg.ReadTimeout, 30*time.Second)
	srv.WriteTimeout = orDefault(cfg.WriteTimeout, 30*time.Second)
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	if srv.MaxMessageBytes <= 0 {
		srv.MaxMessageBytes = 25 << 20
	}
	srv.MaxRecipients = cfg.MaxRecipients
	if srv.MaxRecipients <= 0 {
		srv.MaxRecipients = 50
	}
	s.srv = srv
	return s
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.srv.Addr).Msg("SMTP listener starting")
	return s.srv.ListenAndServe()
}

// Serve accepts connections on l until Close is called.
func (s *Server) Serve(l net.Listener) error {
	return s.srv.Serve(l)
}

// Close stops the listener and drops open sessions.
func (s *Server) Close() error {
	if err := s.srv.Close(); err != nil {
		return fmt.Errorf("close smtp listener: %w", err)
	}
	return nil
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(addr), "<>"))
}
