// Package storage keeps attachment bytes: short-lived temp files owned by a
// single ingestion and the durable store that ticket attachments point at.
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/gotrs-io/whups/internal/ticket"
)

// ErrNotFound is returned when a location does not resolve to stored content.
var ErrNotFound = errors.New("stored object not found")

// Backend stores ticket attachments durably. It satisfies ticket.BlobStore.
type Backend interface {
	// Store copies r into the backend under the given ticket.
	Store(ctx context.Context, ticketID int64, name string, r io.Reader, createdAt time.Time) (ticket.Blob, error)

	// Open returns the content stored at location.
	Open(ctx context.Context, location string) (io.ReadCloser, error)

	// Delete removes the content stored at location.
	Delete(ctx context.Context, location string) error

	// HealthCheck verifies the backend is writable.
	HealthCheck(ctx context.Context) error
}
