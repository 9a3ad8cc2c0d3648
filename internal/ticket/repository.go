package ticket

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/gotrs-io/whups/internal/database"
)

const (
	ticketColumns = `ticket_id, ticket_summary, user_id_requester, queue_id, type_id, state_id, priority_id, date_created, date_updated`

	insertTicketQuery = `INSERT INTO whups_tickets (ticket_summary, user_id_requester, queue_id, type_id, state_id, priority_id, date_created, date_updated) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	insertLogQuery = `INSERT INTO whups_logs (transaction_id, ticket_id, log_timestamp, log_type, log_value, user_id) VALUES (?, ?, ?, ?, ?, ?)`

	insertAttachmentQuery = `INSERT INTO whups_attachments (ticket_id, attachment_name, content_type, attachment_size, location, checksum, created_by, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
)

// Repository is the SQL ticket store.
type Repository struct {
	db    *sqlx.DB
	blobs BlobStore
	now   func() time.Time
	txID  func() string
}

// NewRepository returns a store over db. Attachment bytes go to blobs.
func NewRepository(db *sqlx.DB, blobs BlobStore) *Repository {
	return &Repository{
		db:    db,
		blobs: blobs,
		now:   func() time.Time { return time.Now().UTC() },
		txID:  uuid.NewString,
	}
}

// Ticket loads one ticket.
func (r *Repository) Ticket(ctx context.Context, id int64) (*Ticket, error) {
	var t Ticket
	err := r.db.GetContext(ctx, &t, r.db.Rebind(`SELECT `+ticketColumns+` FROM whups_tickets WHERE ticket_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load ticket %d: %w", id, err)
	}
	return &t, nil
}

// Queues lists every queue in id order.
func (r *Repository) Queues(ctx context.Context) ([]Queue, error) {
	var queues []Queue
	if err := r.db.SelectContext(ctx, &queues, `SELECT queue_id, queue_name, COALESCE(queue_description, '') AS queue_description FROM whups_queues ORDER BY queue_id`); err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	return queues, nil
}

// Create inserts a ticket together with its initial comment and attachments.
func (r *Repository) Create(ctx context.Context, info *CreationInfo, author string) (*Ticket, error) {
	now := r.now()
	requester := author
	if requester == "" {
		requester = info.UserEmail
	}
	t := &Ticket{
		Summary:    info.Summary,
		Requester:  requester,
		QueueID:    info.QueueID,
		TypeID:     info.TypeID,
		StateID:    info.StateID,
		PriorityID: info.PriorityID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	var stored []string
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		id, err := database.InsertID(ctx, tx, "ticket_id", insertTicketQuery,
			t.Summary, t.Requester, t.QueueID, t.TypeID, t.StateID, t.PriorityID, now, now)
		if err != nil {
			return fmt.Errorf("insert ticket: %w", err)
		}
		t.ID = id

		txID := r.txID()
		if err := r.writeLog(ctx, tx, txID, id, LogCreate, t.Summary, author, now); err != nil {
			return err
		}
		changes := Changes{Comment: info.Comment, CommentEmail: info.UserEmail, Attachments: info.Attachments}
		stored, err = r.writeChanges(ctx, tx, txID, id, changes, author, now)
		return err
	})
	if err != nil {
		r.discard(ctx, stored)
		return nil, err
	}
	return t, nil
}

// Commit applies changes to an existing ticket in one transaction. The
// ticket row is locked for the duration so concurrent commits serialize.
func (r *Repository) Commit(ctx context.Context, id int64, changes Changes, author string) error {
	if changes.Empty() {
		return nil
	}
	now := r.now()
	var stored []string
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		var locked int64
		lock := `SELECT ticket_id FROM whups_tickets WHERE ticket_id = ?` + database.ForUpdate(tx.DriverName())
		if err := tx.GetContext(ctx, &locked, tx.Rebind(lock), id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock ticket %d: %w", id, err)
		}

		var err error
		stored, err = r.writeChanges(ctx, tx, r.txID(), id, changes, author, now)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE whups_tickets SET date_updated = ? WHERE ticket_id = ?`), now, id); err != nil {
			return fmt.Errorf("touch ticket %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		r.discard(ctx, stored)
	}
	return err
}

// writeChanges records the comment, the comment email and each attachment
// under one transaction id. It returns the blob locations written so far so
// the caller can remove them if the transaction fails.
func (r *Repository) writeChanges(ctx context.Context, tx *sqlx.Tx, txID string, id int64, changes Changes, author string, now time.Time) ([]string, error) {
	if changes.Comment != "" {
		if err := r.writeLog(ctx, tx, txID, id, LogComment, changes.Comment, author, now); err != nil {
			return nil, err
		}
	}
	if changes.CommentEmail != "" {
		if err := r.writeLog(ctx, tx, txID, id, LogCommentEmail, changes.CommentEmail, author, now); err != nil {
			return nil, err
		}
	}

	var stored []string
	for _, att := range changes.Attachments {
		blob, err := r.storeBlob(ctx, id, att, now)
		if err != nil {
			return stored, err
		}
		stored = append(stored, blob.Location)
		if _, err := tx.ExecContext(ctx, tx.Rebind(insertAttachmentQuery),
			id, att.Name, att.ContentType, blob.Size, blob.Location, blob.Checksum, author, now); err != nil {
			return stored, fmt.Errorf("insert attachment %q: %w", att.Name, err)
		}
		if err := r.writeLog(ctx, tx, txID, id, LogAttachment, att.Name, author, now); err != nil {
			return stored, err
		}
	}
	return stored, nil
}

func (r *Repository) storeBlob(ctx context.Context, id int64, att Attachment, now time.Time) (Blob, error) {
	if r.blobs == nil {
		return Blob{}, fmt.Errorf("store attachment %q: no attachment storage configured", att.Name)
	}
	f, err := os.Open(att.Path)
	if err != nil {
		return Blob{}, fmt.Errorf("open attachment %q: %w", att.Name, err)
	}
	defer f.Close()
	blob, err := r.blobs.Store(ctx, id, att.Name, f, now)
	if err != nil {
		return Blob{}, fmt.Errorf("store attachment %q: %w", att.Name, err)
	}
	return blob, nil
}

func (r *Repository) discard(ctx context.Context, locations []string) {
	for _, loc := range locations {
		_ = r.blobs.Delete(ctx, loc)
	}
}

func (r *Repository) writeLog(ctx context.Context, tx *sqlx.Tx, txID string, id int64, typ, value, author string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, tx.Rebind(insertLogQuery), txID, id, now, typ, value, author); err != nil {
		return fmt.Errorf("write %s log for ticket %d: %w", typ, id, err)
	}
	return nil
}

// History returns the log of a ticket, oldest first.
func (r *Repository) History(ctx context.Context, id int64) ([]LogEntry, error) {
	var entries []LogEntry
	err := r.db.SelectContext(ctx, &entries, r.db.Rebind(
		`SELECT log_id, transaction_id, ticket_id, log_timestamp, log_type, log_value, user_id FROM whups_logs WHERE ticket_id = ? ORDER BY log_id`), id)
	if err != nil {
		return nil, fmt.Errorf("load history for ticket %d: %w", id, err)
	}
	return entries, nil
}

// Attachments lists the files stored with a ticket.
func (r *Repository) Attachments(ctx context.Context, id int64) ([]StoredAttachment, error) {
	var atts []StoredAttachment
	err := r.db.SelectContext(ctx, &atts, r.db.Rebind(
		`SELECT attachment_id, ticket_id, attachment_name, content_type, attachment_size, location, checksum, created_by, created_at FROM whups_attachments WHERE ticket_id = ? ORDER BY attachment_id`), id)
	if err != nil {
		return nil, fmt.Errorf("list attachments for ticket %d: %w", id, err)
	}
	return atts, nil
}

// Listeners returns the raw listener ids of a ticket.
func (r *Repository) Listeners(ctx context.Context, id int64) ([]string, error) {
	var uids []string
	err := r.db.SelectContext(ctx, &uids, r.db.Rebind(
		`SELECT user_uid FROM whups_ticket_listeners WHERE ticket_id = ? ORDER BY user_uid`), id)
	if err != nil {
		return nil, fmt.Errorf("list listeners for ticket %d: %w", id, err)
	}
	return uids, nil
}

// AddListener subscribes uid to a ticket. Adding an existing listener is a
// no-op.
func (r *Repository) AddListener(ctx context.Context, id int64, uid string) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, tx.Rebind(
			`SELECT COUNT(*) FROM whups_ticket_listeners WHERE ticket_id = ? AND user_uid = ?`), id, uid); err != nil {
			return fmt.Errorf("check listener: %w", err)
		}
		if n > 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO whups_ticket_listeners (ticket_id, user_uid) VALUES (?, ?)`), id, uid); err != nil {
			return fmt.Errorf("add listener: %w", err)
		}
		return nil
	})
}

// DeleteListener unsubscribes uid from a ticket.
func (r *Repository) DeleteListener(ctx context.Context, id int64, uid string) error {
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(
		`DELETE FROM whups_ticket_listeners WHERE ticket_id = ? AND user_uid = ?`), id, uid); err != nil {
		return fmt.Errorf("delete listener: %w", err)
	}
	return nil
}

func (r *Repository) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
