package api

import (
	"errors"
	"mime"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gotrs-io/whups/internal/storage"
	"github.com/gotrs-io/whups/internal/ticket"
)

func (s *Server) handleHistory(c *gin.Context) {
	id, ok := s.historyTicket(c)
	if !ok {
		return
	}
	entries, err := s.deps.History.History(c.Request.Context(), id)
	if err != nil {
		s.apiError(c, id, err)
		return
	}
	if entries == nil {
		entries = []ticket.LogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"ticket_id": id, "history": entries})
}

func (s *Server) handleListAttachments(c *gin.Context) {
	id, ok := s.historyTicket(c)
	if !ok {
		return
	}
	atts, err := s.deps.History.Attachments(c.Request.Context(), id)
	if err != nil {
		s.apiError(c, id, err)
		return
	}
	if atts == nil {
		atts = []ticket.StoredAttachment{}
	}
	c.JSON(http.StatusOK, gin.H{"ticket_id": id, "attachments": atts})
}

func (s *Server) handleDownloadAttachment(c *gin.Context) {
	id, ok := s.historyTicket(c)
	if !ok {
		return
	}
	if s.deps.Attachments == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "attachment storage is not enabled"})
		return
	}
	aid, err := strconv.ParseInt(c.Param("aid"), 10, 64)
	if err != nil || aid <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid attachment id"})
		return
	}
	atts, err := s.deps.History.Attachments(c.Request.Context(), id)
	if err != nil {
		s.apiError(c, id, err)
		return
	}
	var found *ticket.StoredAttachment
	for i := range atts {
		if atts[i].ID == aid {
			found = &atts[i]
			break
		}
	}
	if found == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "attachment not found", "ticket_id": id})
		return
	}

	rc, err := s.deps.Attachments.Open(c.Request.Context(), found.Location)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "attachment content missing", "ticket_id": id})
		return
	}
	if err != nil {
		s.apiError(c, id, err)
		return
	}
	defer rc.Close()

	contentType := found.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": found.Name})
	c.DataFromReader(http.StatusOK, found.Size, contentType, rc, map[string]string{
		"Content-Disposition": disposition,
	})
}

// historyTicket parses the ticket id and checks that the ticket exists and
// that history is available.
func (s *Server) historyTicket(c *gin.Context) (int64, bool) {
	if s.deps.History == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "ticket history is not enabled"})
		return 0, false
	}
	id, ok := ticketID(c)
	if !ok {
		return 0, false
	}
	if _, err := s.deps.Watchers.Ticket(c.Request.Context(), id); err != nil {
		s.apiError(c, id, err)
		return 0, false
	}
	return id, true
}
