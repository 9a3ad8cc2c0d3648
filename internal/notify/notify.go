// Package notify delivers ticket notifications over SMTP. Every message
// carries the gateway's generated-mail header so replies bouncing back into
// the ingestor are dropped.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	whupsmail "github.com/gotrs-io/whups/internal/mail"
	"github.com/gotrs-io/whups/internal/ticket"
)

// Config describes the outbound relay.
type Config struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	From       string `mapstructure:"from"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	AuthType   string `mapstructure:"auth_type"`
	TLSMode    string `mapstructure:"tls_mode"`
	SkipVerify bool   `mapstructure:"skip_verify"`
}

// EffectiveTLSMode normalizes TLSMode, defaulting to smtps on port 465 and
// starttls otherwise.
func (c Config) EffectiveTLSMode() string {
	switch mode := strings.ToLower(strings.TrimSpace(c.TLSMode)); mode {
	case "none", "starttls", "smtps":
		return mode
	}
	if c.Port == 465 {
		return "smtps"
	}
	return "starttls"
}

type client interface {
	Auth(a sasl.Client) error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

type dialFunc func(cfg Config) (client, error)

// SMTPNotifier implements ticket.Notifier.
type SMTPNotifier struct {
	cfg    Config
	dial   dialFunc
	now    func() time.Time
	logger zerolog.Logger
}

// NewSMTPNotifier returns a notifier for cfg.
func NewSMTPNotifier(cfg Config) *SMTPNotifier {
	return &SMTPNotifier{
		cfg:    cfg,
		dial:   dialSMTP,
		now:    time.Now,
		logger: log.Logger.With().Str("module", "notify").Logger(),
	}
}

// Notify sends n to each recipient in one SMTP transaction.
func (s *SMTPNotifier) Notify(ctx context.Context, n ticket.Notification) error {
	if !s.cfg.Enabled {
		return nil
	}
	if len(n.Recipients) == 0 {
		return fmt.Errorf("no recipients specified")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	from, err := mail.ParseAddress(s.cfg.From)
	if err != nil {
		return fmt.Errorf("invalid sender %q: %w", s.cfg.From, err)
	}
	raw, err := s.compose(from, n)
	if err != nil {
		return err
	}

	c, err := s.dial(s.cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := s.authenticate(c); err != nil {
		return err
	}
	if err := c.Mail(from.Address); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, to := range n.Recipients {
		if err := c.Rcpt(to); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", to, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("failed to initiate data transfer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data transfer: %w", err)
	}
	if err := c.Quit(); err != nil {
		return fmt.Errorf("failed to quit SMTP session: %w", err)
	}
	s.logger.Debug().Int64("ticket_id", n.TicketID).Strs("to", n.Recipients).Msg("Notification sent")
	return nil
}

func (s *SMTPNotifier) compose(from *mail.Address, n ticket.Notification) ([]byte, error) {
	var h mail.Header
	h.SetDate(s.now())
	h.SetAddressList("From", []*mail.Address{from})
	to := make([]*mail.Address, 0, len(n.Recipients))
	for _, r := range n.Recipients {
		to = append(to, &mail.Address{Address: r})
	}
	h.SetAddressList("To", to)
	h.SetSubject(n.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	h.Set(whupsmail.GeneratedHeader, "1")
	h.Set("Auto-Submitted", "auto-generated")
	h.Set("X-Whups-Ticket", strconv.FormatInt(n.TicketID, 10))
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if _, err := io.WriteString(w, n.Body); err != nil {
		return nil, fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *SMTPNotifier) authenticate(c client) error {
	if s.cfg.User == "" || s.cfg.Password == "" {
		return nil
	}
	var auth sasl.Client
	switch strings.ToLower(strings.TrimSpace(s.cfg.AuthType)) {
	case "login":
		auth = sasl.NewLoginClient(s.cfg.User, s.cfg.Password)
	default:
		auth = sasl.NewPlainClient("", s.cfg.User, s.cfg.Password)
	}
	if err := c.Auth(auth); err != nil {
		return fmt.Errorf("SMTP authentication failed: %w", err)
	}
	return nil
}

type smtpClient struct {
	*smtp.Client
}

func (c smtpClient) Mail(from string) error {
	return c.Client.Mail(from, nil)
}

func (c smtpClient) Rcpt(to string) error {
	return c.Client.Rcpt(to, nil)
}

func (c smtpClient) Data() (io.WriteCloser, error) {
	return c.Client.Data()
}

func dialSMTP(cfg Config) (client, error) {
	addr := cfg.Host + ":" + strconv.Itoa(cfg.Port)
	tlsConfig := &tls.Config{
		ServerName:         cfg.Host,
		InsecureSkipVerify: cfg.SkipVerify, //nolint:gosec
	}
	var (
		c   *smtp.Client
		err error
	)
	switch cfg.EffectiveTLSMode() {
	case "smtps":
		c, err = smtp.DialTLS(addr, tlsConfig)
	case "starttls":
		c, err = smtp.DialStartTLS(addr, tlsConfig)
	default:
		c, err = smtp.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	return smtpClient{c}, nil
}
