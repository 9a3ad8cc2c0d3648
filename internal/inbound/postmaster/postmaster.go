// Package postmaster hands fetched mailbox messages to the mail ingestor.
package postmaster

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gotrs-io/whups/internal/inbound/connector"
	"github.com/gotrs-io/whups/internal/mail"
	"github.com/gotrs-io/whups/internal/metrics"
	"github.com/gotrs-io/whups/internal/ticket"
)

// Ingestor processes one raw message. *mail.Ingestor implements it.
type Ingestor interface {
	Ingest(ctx context.Context, raw []byte, info *ticket.CreationInfo, author string) (mail.Result, error)
}

// Service implements connector.Handler on top of an Ingestor.
type Service struct {
	ingestor Ingestor
	logger   zerolog.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithLogger overrides the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New returns a handler feeding ingestor.
func New(ingestor Ingestor, opts ...Option) *Service {
	s := &Service{
		ingestor: ingestor,
		logger:   log.Logger.With().Str("module", "postmaster").Logger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handle ingests msg with the routing defaults of the mailbox it came from.
// Messages that cannot be parsed or that reference a missing ticket are
// logged and count as handled, so they are removed from the mailbox instead
// of blocking every later poll.
func (s *Service) Handle(ctx context.Context, msg *connector.FetchedMessage) error {
	mb := msg.Mailbox()
	res, err := s.ingestor.Ingest(ctx, msg.Raw, mb.Defaults.CreationInfo(), "")
	if err != nil {
		if errors.Is(err, mail.ErrTicketNotFound) {
			s.logger.Warn().Err(err).Str("mailbox", mb.Label()).Str("uid", msg.UID).Msg("Dropping message for unknown ticket")
			return nil
		}
		if errors.Is(err, mail.ErrUnparsable) {
			metrics.MessagesIgnored.WithLabelValues(mail.ReasonUnparsable).Inc()
			s.logger.Error().Err(err).Str("mailbox", mb.Label()).Str("uid", msg.UID).Int("bytes", len(msg.Raw)).
				Msg("Dropping unparsable message")
			return nil
		}
		return err
	}
	s.logger.Info().
		Str("mailbox", mb.Label()).
		Str("uid", msg.UID).
		Str("action", res.Action).
		Int64("ticket_id", res.TicketID).
		Str("reason", res.Reason).
		Msg("Processed message")
	return nil
}
