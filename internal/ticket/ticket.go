// Package ticket holds the ticket domain types and the SQL-backed store used by
// the mail gateway and the watcher pages.
package ticket

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a ticket id does not resolve to a ticket.
var ErrNotFound = errors.New("ticket not found")

// Ticket is a tracked issue.
type Ticket struct {
	ID         int64     `db:"ticket_id" json:"id"`
	Summary    string    `db:"ticket_summary" json:"summary"`
	Requester  string    `db:"user_id_requester" json:"requester"`
	QueueID    int       `db:"queue_id" json:"queue_id"`
	TypeID     int       `db:"type_id" json:"type_id"`
	StateID    int       `db:"state_id" json:"state_id"`
	PriorityID int       `db:"priority_id" json:"priority_id"`
	CreatedAt  time.Time `db:"date_created" json:"created_at"`
	UpdatedAt  time.Time `db:"date_updated" json:"updated_at"`
}

// Queue groups tickets; its name is matched against subjects when guessing.
type Queue struct {
	ID          int    `db:"queue_id" json:"id"`
	Name        string `db:"queue_name" json:"name"`
	Description string `db:"queue_description" json:"description"`
}

// Attachment is a file produced while processing a message. Path points at a
// temporary file owned by the producer until the store has copied it.
type Attachment struct {
	Name        string
	Path        string
	ContentType string
	Size        int64
}

// Defaults carry the routing a mailbox or CLI invocation applies to messages.
type Defaults struct {
	QueueID       int    `mapstructure:"queue" json:"queue"`
	TypeID        int    `mapstructure:"type" json:"type"`
	StateID       int    `mapstructure:"state" json:"state"`
	PriorityID    int    `mapstructure:"priority" json:"priority"`
	DefaultAuthor string `mapstructure:"default_auth" json:"default_auth"`
	GuessQueue    bool   `mapstructure:"guess_queue" json:"guess_queue"`
}

// CreationInfo is everything needed to open a ticket or update an existing one.
type CreationInfo struct {
	QueueID       int
	TypeID        int
	StateID       int
	PriorityID    int
	TicketID      int64
	DefaultAuthor string
	GuessQueue    bool

	Summary     string
	Comment     string
	Attachments []Attachment
	// UserEmail records the original sender when the author is a fallback account.
	UserEmail string
}

// CreationInfo builds a fresh CreationInfo seeded from the defaults.
func (d Defaults) CreationInfo() *CreationInfo {
	return &CreationInfo{
		QueueID:       d.QueueID,
		TypeID:        d.TypeID,
		StateID:       d.StateID,
		PriorityID:    d.PriorityID,
		DefaultAuthor: d.DefaultAuthor,
		GuessQueue:    d.GuessQueue,
	}
}

// Changes is the set of modifications committed to an existing ticket in one
// transaction.
type Changes struct {
	Comment      string
	CommentEmail string
	Attachments  []Attachment
}

// Empty reports whether committing the changes would be a no-op.
func (c Changes) Empty() bool {
	return c.Comment == "" && c.CommentEmail == "" && len(c.Attachments) == 0
}

// Log types written to the ticket history.
const (
	LogCreate       = "create"
	LogComment      = "comment"
	LogCommentEmail = "comment-email"
	LogAttachment   = "attachment"
	LogQueue        = "queue"
	LogListener     = "listener"
)

// LogEntry is one row of ticket history.
type LogEntry struct {
	ID            int64     `db:"log_id" json:"id"`
	TransactionID string    `db:"transaction_id" json:"transaction_id"`
	TicketID      int64     `db:"ticket_id" json:"ticket_id"`
	Timestamp     time.Time `db:"log_timestamp" json:"timestamp"`
	Type          string    `db:"log_type" json:"type"`
	Value         string    `db:"log_value" json:"value"`
	UserID        string    `db:"user_id" json:"user_id"`
}

// StoredAttachment is an attachment persisted with a ticket.
type StoredAttachment struct {
	ID          int64     `db:"attachment_id" json:"id"`
	TicketID    int64     `db:"ticket_id" json:"ticket_id"`
	Name        string    `db:"attachment_name" json:"name"`
	ContentType string    `db:"content_type" json:"content_type"`
	Size        int64     `db:"attachment_size" json:"size"`
	Location    string    `db:"location" json:"-"`
	Checksum    string    `db:"checksum" json:"checksum"`
	CreatedBy   string    `db:"created_by" json:"created_by"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Blob is attachment content persisted by a BlobStore.
type Blob struct {
	Location string
	Size     int64
	Checksum string
}

// BlobStore keeps attachment bytes outside the database.
type BlobStore interface {
	Store(ctx context.Context, ticketID int64, name string, r io.Reader, createdAt time.Time) (Blob, error)
	Delete(ctx context.Context, location string) error
}

// EmailListenerPrefix marks listeners that are bare email addresses rather
// than account ids.
const EmailListenerPrefix = "**"
