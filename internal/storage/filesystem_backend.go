package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gotrs-io/whups/internal/ticket"
)

// FilesystemBackend stores attachments below basePath in a
// YYYY/MM/DD/<ticket> layout, each file next to a JSON .meta sidecar.
type FilesystemBackend struct {
	basePath string
}

type fileMeta struct {
	TicketID  int64     `json:"ticket_id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
}

// NewFilesystemBackend creates basePath if needed.
func NewFilesystemBackend(basePath string) (*FilesystemBackend, error) {
	if basePath == "" {
		return nil, fmt.Errorf("attachment storage path is empty")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}
	return &FilesystemBackend{basePath: basePath}, nil
}

// Store writes r to a new file and returns its location relative to basePath.
func (f *FilesystemBackend) Store(ctx context.Context, ticketID int64, name string, r io.Reader, createdAt time.Time) (ticket.Blob, error) {
	if err := ctx.Err(); err != nil {
		return ticket.Blob{}, err
	}
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	rel := filepath.Join(
		createdAt.Format("2006"), createdAt.Format("01"), createdAt.Format("02"),
		strconv.FormatInt(ticketID, 10),
		uuid.NewString()+"-"+safeName(name),
	)
	path := filepath.Join(f.basePath, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ticket.Blob{}, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return ticket.Blob{}, fmt.Errorf("failed to create file: %w", err)
	}
	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(file, hash), r)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return ticket.Blob{}, fmt.Errorf("failed to write file: %w", err)
	}

	blob := ticket.Blob{Location: filepath.ToSlash(rel), Size: size, Checksum: hex.EncodeToString(hash.Sum(nil))}
	meta, err := json.MarshalIndent(fileMeta{
		TicketID:  ticketID,
		Name:      name,
		Size:      size,
		Checksum:  blob.Checksum,
		CreatedAt: createdAt,
	}, "", "  ")
	if err == nil {
		err = os.WriteFile(path+".meta", meta, 0o644)
	}
	if err != nil {
		os.Remove(path)
		return ticket.Blob{}, fmt.Errorf("failed to write metadata: %w", err)
	}
	return blob, nil
}

// Open returns a reader for the file at location.
func (f *FilesystemBackend) Open(_ context.Context, location string) (io.ReadCloser, error) {
	path, err := f.resolve(location)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	return file, err
}

// Delete removes the file, its metadata and the ticket directory once empty.
func (f *FilesystemBackend) Delete(_ context.Context, location string) error {
	path, err := f.resolve(location)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	_ = os.Remove(path + ".meta")
	_ = os.Remove(filepath.Dir(path)) // fails while other attachments remain
	return nil
}

// HealthCheck writes and removes a marker file.
func (f *FilesystemBackend) HealthCheck(context.Context) error {
	marker := filepath.Join(f.basePath, ".health_check")
	if err := os.WriteFile(marker, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("filesystem not writable: %w", err)
	}
	if err := os.Remove(marker); err != nil {
		return fmt.Errorf("filesystem cleanup failed: %w", err)
	}
	return nil
}

func (f *FilesystemBackend) resolve(location string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(location))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("invalid storage location %q", location)
	}
	return filepath.Join(f.basePath, clean), nil
}

func safeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == '/' || r == ':' {
			return '_'
		}
		return r
	}, name)
	if name == "." || name == "" || name == "/" {
		return "attachment"
	}
	return name
}
