package storage

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gotrs-io/whups/internal/ticket"
)

// TempStore writes attachment bytes to temporary files that live until the
// ingestion that produced them releases them.
type TempStore struct {
	dir    string
	logger zerolog.Logger
}

// NewTempStore uses dir for temp files, or the system temp dir when empty.
func NewTempStore(dir string) *TempStore {
	return &TempStore{dir: dir, logger: log.Logger.With().Str("module", "storage").Logger()}
}

// Put writes content to a fresh temp file.
func (s *TempStore) Put(name, contentType string, content []byte) (ticket.Attachment, error) {
	file, err := os.CreateTemp(s.dir, "whups-att-*")
	if err != nil {
		return ticket.Attachment{}, fmt.Errorf("create temp file: %w", err)
	}
	_, err = file.Write(content)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(file.Name())
		return ticket.Attachment{}, fmt.Errorf("write temp file: %w", err)
	}
	return ticket.Attachment{
		Name:        name,
		Path:        file.Name(),
		ContentType: contentType,
		Size:        int64(len(content)),
	}, nil
}

// Release removes the temp files. Missing files are ignored.
func (s *TempStore) Release(attachments []ticket.Attachment) {
	for _, att := range attachments {
		if att.Path == "" {
			continue
		}
		if err := os.Remove(att.Path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", att.Path).Msg("Failed to remove temp attachment")
		}
	}
}
