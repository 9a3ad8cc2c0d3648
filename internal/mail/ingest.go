// Package mail turns inbound email into ticket creations and ticket updates.
package mail

import (
	"context"
	"errors"
	"regexp"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/message"

	"github.com/gotrs-io/whups/internal/i18n"
	"github.com/gotrs-io/whups/internal/identity"
	"github.com/gotrs-io/whups/internal/metrics"
	"github.com/gotrs-io/whups/internal/ticket"
)

// Actions reported in Result.
const (
	ActionIgnored   = "ignored"
	ActionFollowUp  = "follow_up"
	ActionNewTicket = "new_ticket"
)

// ticketReference finds "[... #123]" style references in a summary.
var ticketReference = regexp.MustCompile(`\[[\w\s]*#(\d+)\]`)

// TicketStore is the subset of the ticket service the ingestor needs.
type TicketStore interface {
	Ticket(ctx context.Context, id int64) (*ticket.Ticket, error)
	Queues(ctx context.Context) ([]ticket.Queue, error)
	Create(ctx context.Context, info *ticket.CreationInfo, author string) (*ticket.Ticket, error)
	Commit(ctx context.Context, id int64, changes ticket.Changes, author string) error
}

// Result describes what happened to a message.
type Result struct {
	Action   string
	TicketID int64
	Author   string
	Reason   string
}

// Ingestor processes raw messages.
type Ingestor struct {
	store          TicketStore
	directory      identity.Directory
	temp           TempStore
	logger         zerolog.Logger
	includeHeaders bool
	attachMessage  bool
	defaultUser    string
	language       string
}

// IngestorOption customizes an Ingestor.
type IngestorOption func(*Ingestor)

// NewIngestor wires an ingestor around its collaborators.
func NewIngestor(store TicketStore, directory identity.Directory, temp TempStore, opts ...IngestorOption) *Ingestor {
	in := &Ingestor{
		store:     store,
		directory: directory,
		temp:      temp,
		logger:    log.Logger.With().Str("module", "mail").Logger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(in)
		}
	}
	return in
}

// WithIngestorLogger overrides the logger used for diagnostics.
func WithIngestorLogger(logger zerolog.Logger) IngestorOption {
	return func(in *Ingestor) {
		in.logger = logger
	}
}

// WithIncludeHeaders copies the message headers into the ticket comment.
func WithIncludeHeaders(include bool) IngestorOption {
	return func(in *Ingestor) {
		in.includeHeaders = include
	}
}

// WithAttachMessage attaches the complete raw message to the ticket.
func WithAttachMessage(attach bool) IngestorOption {
	return func(in *Ingestor) {
		in.attachMessage = attach
	}
}

// WithDefaultUser sets the account used when nothing else identifies the author.
func WithDefaultUser(user string) IngestorOption {
	return func(in *Ingestor) {
		in.defaultUser = user
	}
}

// WithLanguage selects the language of generated text such as "[No Subject]".
func WithLanguage(lang string) IngestorOption {
	return func(in *Ingestor) {
		in.language = lang
	}
}

// Ingest processes one raw message. info supplies routing defaults and is
// filled in with the summary, comment and attachments; author, when
// non-empty, is trusted as the acting account. A nil error with
// ActionIgnored means the message was deliberately dropped.
func (in *Ingestor) Ingest(ctx context.Context, raw []byte, info *ticket.CreationInfo, author string) (Result, error) {
	res, err := in.ingest(ctx, raw, info, author)
	if err != nil {
		metrics.MessagesIngested.WithLabelValues("error").Inc()
		return res, err
	}
	metrics.MessagesIngested.WithLabelValues(res.Action).Inc()
	return res, nil
}

func (in *Ingestor) ingest(ctx context.Context, raw []byte, info *ticket.CreationInfo, author string) (Result, error) {
	if info == nil {
		info = &ticket.CreationInfo{}
	}
	msg, err := Parse(raw)
	if err != nil {
		return Result{}, err
	}

	if selfGenerated(msg.Header) {
		return in.ignore(msg, ReasonSelfGenerated), nil
	}
	if reason := autoReplyReason(msg.Header); reason != "" {
		return in.ignore(msg, reason), nil
	}

	p := i18n.Printer(in.language)
	info.Summary = summaryOf(msg.Header, p)
	info.Comment = composeComment(msg, in.includeHeaders, p)
	author = in.resolveAuthor(ctx, msg, info, author)

	attachments, err := in.extractAttachments(msg, p)
	if err != nil {
		return Result{}, err
	}
	defer in.temp.Release(attachments)
	info.Attachments = attachments
	metrics.AttachmentsExtracted.Add(float64(len(attachments)))

	return in.dispatch(ctx, msg, info, author)
}

func (in *Ingestor) ignore(msg *Message, reason string) Result {
	metrics.MessagesIgnored.WithLabelValues(reason).Inc()
	in.logger.Info().
		Str("reason", reason).
		Str("from", msg.From()).
		Str("message_id", msg.Header.Get("Message-Id")).
		Msg("Dropping message")
	return Result{Action: ActionIgnored, Reason: reason}
}

// resolveAuthor picks the acting account. A caller-asserted author wins, then
// an account owning the From address, then the configured fallbacks. When the
// author does not come from the sender, the sender is kept in UserEmail.
func (in *Ingestor) resolveAuthor(ctx context.Context, msg *Message, info *ticket.CreationInfo, asserted string) string {
	if asserted != "" {
		return asserted
	}
	address := msg.FromAddress()
	if address != "" {
		id, err := identity.Lookup(ctx, in.directory, address)
		if err != nil {
			in.logger.Warn().Err(err).Str("from", address).Msg("Identity lookup failed")
		}
		if id != "" {
			return id
		}
	}

	info.UserEmail = msg.From()
	if info.DefaultAuthor != "" {
		return info.DefaultAuthor
	}
	return in.defaultUser
}

func (in *Ingestor) dispatch(ctx context.Context, msg *Message, info *ticket.CreationInfo, author string) (Result, error) {
	id, explicit := info.TicketID, info.TicketID > 0
	if !explicit {
		id = referencedTicket(info.Summary)
	}

	if id > 0 {
		_, err := in.store.Ticket(ctx, id)
		switch {
		case err == nil:
			return in.followUp(ctx, msg, info, id, author)
		case explicit:
			return Result{}, &TicketNotFoundError{ID: id, Err: err}
		case !errors.Is(err, ticket.ErrNotFound):
			in.logger.Warn().Err(err).Int64("ticket_id", id).Msg("Ticket lookup failed, opening a new ticket")
		}
	}

	return in.create(ctx, info, author)
}

func (in *Ingestor) followUp(ctx context.Context, msg *Message, info *ticket.CreationInfo, id int64, author string) (Result, error) {
	changes := ticket.Changes{
		Comment:      info.Comment,
		CommentEmail: msg.From(),
		Attachments:  info.Attachments,
	}
	if err := in.store.Commit(ctx, id, changes, author); err != nil {
		return Result{}, err
	}
	in.logger.Info().Int64("ticket_id", id).Str("author", author).
		Int("attachments", len(info.Attachments)).Msg("Added message to ticket")
	return Result{Action: ActionFollowUp, TicketID: id, Author: author}, nil
}

func (in *Ingestor) create(ctx context.Context, info *ticket.CreationInfo, author string) (Result, error) {
	if info.GuessQueue {
		in.guessQueue(ctx, info)
	}
	t, err := in.store.Create(ctx, info, author)
	if err != nil {
		return Result{}, err
	}
	in.logger.Info().Int64("ticket_id", t.ID).Int("queue_id", info.QueueID).Str("author", author).
		Msg("Created ticket from message")
	return Result{Action: ActionNewTicket, TicketID: t.ID, Author: author}, nil
}

// guessQueue routes the ticket to the first queue whose name appears as a
// whole word in the summary.
func (in *Ingestor) guessQueue(ctx context.Context, info *ticket.CreationInfo) {
	queues, err := in.store.Queues(ctx)
	if err != nil {
		in.logger.Warn().Err(err).Msg("Queue listing failed, keeping configured queue")
		return
	}
	for _, q := range queues {
		if q.Name == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(q.Name) + `\b`)
		if err != nil {
			continue
		}
		if re.MatchString(info.Summary) {
			info.QueueID = q.ID
			return
		}
	}
}

func referencedTicket(summary string) int64 {
	m := ticketReference.FindStringSubmatch(summary)
	if m == nil {
		return 0
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Printer exposes the ingestor's message printer for callers that report
// ingestion errors to users.
func (in *Ingestor) Printer() *message.Printer {
	return i18n.Printer(in.language)
}
