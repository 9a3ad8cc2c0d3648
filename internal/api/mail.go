package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gotrs-io/whups/internal/mail"
	"github.com/gotrs-io/whups/internal/ticket"
)

const maxMailBytes = 25 << 20

type mailQuery struct {
	Queue       int    `form:"queue"`
	Type        int    `form:"type"`
	State       int    `form:"state"`
	Priority    int    `form:"priority"`
	Ticket      int64  `form:"ticket"`
	DefaultAuth string `form:"default_auth"`
	GuessQueue  bool   `form:"guess_queue"`
}

// handleIngestMail accepts a raw RFC 822 message as the request body. Query
// parameters carry the same routing options as the mail-filter command.
func (s *Server) handleIngestMail(c *gin.Context) {
	if s.deps.Ingestor == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "mail ingestion is not enabled"})
		return
	}
	var q mailQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxMailBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(raw) > maxMailBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "message too large"})
		return
	}
	if len(raw) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty message"})
		return
	}

	info := ticket.Defaults{
		QueueID:       q.Queue,
		TypeID:        q.Type,
		StateID:       q.State,
		PriorityID:    q.Priority,
		DefaultAuthor: q.DefaultAuth,
		GuessQueue:    q.GuessQueue,
	}.CreationInfo()
	info.TicketID = q.Ticket

	res, err := s.deps.Ingestor.Ingest(c.Request.Context(), raw, info, "")
	if err != nil {
		s.apiError(c, q.Ticket, err)
		return
	}
	status := http.StatusOK
	if res.Action == mail.ActionNewTicket {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"action":    res.Action,
		"ticket_id": res.TicketID,
		"author":    res.Author,
		"reason":    res.Reason,
	})
}

func (s *Server) handleMailboxStatus(c *gin.Context) {
	if s.deps.Polls == nil {
		c.JSON(http.StatusOK, gin.H{"mailboxes": []any{}})
		return
	}
	states, err := s.deps.Polls.Status(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Poll status lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if states == nil {
		c.JSON(http.StatusOK, gin.H{"mailboxes": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mailboxes": states})
}
