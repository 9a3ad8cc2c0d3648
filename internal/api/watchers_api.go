package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gotrs-io/whups/internal/auth"
	"github.com/gotrs-io/whups/internal/mail"
	"github.com/gotrs-io/whups/internal/ticket"
)

type watcherRequest struct {
	Email string `json:"email" form:"email"`
}

func (s *Server) handleListWatchers(c *gin.Context) {
	id, ok := ticketID(c)
	if !ok {
		return
	}
	watchers, err := s.deps.Watchers.Watchers(c.Request.Context(), id)
	if err != nil {
		s.apiError(c, id, err)
		return
	}
	if watchers == nil {
		watchers = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"ticket_id": id, "watchers": watchers})
}

func (s *Server) handleAddWatcher(c *gin.Context) {
	id, ok := ticketID(c)
	if !ok {
		return
	}
	var req watcherRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	addr, err := s.deps.Watchers.AddWatcher(c.Request.Context(), id, req.Email)
	if err != nil {
		s.apiError(c, id, err)
		return
	}
	s.logger.Info().Int64("ticket_id", id).Str("watcher", addr).Str("by", subject(c)).Msg("Watcher added through API")
	c.JSON(http.StatusCreated, gin.H{"ticket_id": id, "email": addr})
}

// handleRemoveWatcher takes the address from the JSON body or the email
// query parameter.
func (s *Server) handleRemoveWatcher(c *gin.Context) {
	id, ok := ticketID(c)
	if !ok {
		return
	}
	req := watcherRequest{Email: c.Query("email")}
	if req.Email == "" && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	addr, err := s.deps.Watchers.RemoveWatcher(c.Request.Context(), id, req.Email)
	if err != nil {
		s.apiError(c, id, err)
		return
	}
	s.logger.Info().Int64("ticket_id", id).Str("watcher", addr).Str("by", subject(c)).Msg("Watcher removed through API")
	c.JSON(http.StatusOK, gin.H{"ticket_id": id, "email": addr})
}

func (s *Server) apiError(c *gin.Context, id int64, err error) {
	var notFound *mail.TicketNotFoundError
	switch {
	case errors.Is(err, ticket.ErrInvalidEmail):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, ticket.ErrNotFound), errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "ticket_id": id})
	default:
		s.logger.Error().Err(err).Int64("ticket_id", id).Msg("API request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func subject(c *gin.Context) string {
	if v, ok := c.Get(claimsKey); ok {
		if claims, ok := v.(*auth.Claims); ok {
			return claims.Subject
		}
	}
	return ""
}
