package api

import (
	"embed"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/flosch/pongo2/v6"
	"github.com/gin-gonic/gin"
	"github.com/xeonx/timeago"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gotrs-io/whups/internal/i18n"
	"github.com/gotrs-io/whups/internal/ticket"
)

//go:embed templates/*.html
var templatesFS embed.FS

var (
	watchOnce sync.Once
	watchTpl  *pongo2.Template
	watchErr  error
)

func watchTemplate() (*pongo2.Template, error) {
	watchOnce.Do(func() {
		src, err := templatesFS.ReadFile("templates/watch.html")
		if err != nil {
			watchErr = err
			return
		}
		watchTpl, watchErr = pongo2.FromBytes(src)
	})
	return watchTpl, watchErr
}

const formTokenTTL = 2 * time.Hour

// Flash is a one-shot notice shown above the watcher forms.
type Flash struct {
	Kind string
	Text string
}

type watchView struct {
	flashes  []Flash
	addValue string
	delValue string
}

func (s *Server) language(c *gin.Context) language.Tag {
	return i18n.Match(c.GetHeader("Accept-Language"), s.deps.Language)
}

func (s *Server) printer(c *gin.Context) *message.Printer {
	return message.NewPrinter(s.language(c))
}

func (s *Server) handleWatchPage(c *gin.Context) {
	s.renderWatch(c, http.StatusOK, watchView{})
}

// handleWatchForm processes the add and delete forms. The page is rendered
// again with a flash describing the outcome.
func (s *Server) handleWatchForm(c *gin.Context) {
	id, ok := ticketID(c)
	if !ok {
		return
	}
	p := s.printer(c)
	ctx := c.Request.Context()

	var (
		view   watchView
		status = http.StatusOK
		addr   string
		err    error
	)
	action := watchAction(id)
	if err := s.deps.Tokens.ValidateFormToken(c.PostForm("form_token"), subject(c), action); err != nil {
		s.logger.Warn().Err(err).Int64("ticket_id", id).Str("by", subject(c)).Msg("Rejected watcher form")
		view.addValue = c.PostForm("add_listener")
		view.delValue = c.PostForm("del_listener")
		view.flashes = append(view.flashes, Flash{Kind: "error", Text: p.Sprintf(i18n.FormExpired)})
		s.renderWatch(c, http.StatusForbidden, view)
		return
	}

	switch c.PostForm("formname") {
	case "addlistenerform":
		view.addValue = c.PostForm("add_listener")
		addr, err = s.deps.Watchers.AddWatcher(ctx, id, view.addValue)
		if err == nil {
			view.addValue = ""
			view.flashes = append(view.flashes, Flash{Kind: "success", Text: p.Sprintf(i18n.WatcherAdded, addr)})
		}
	case "deletelistenerform":
		view.delValue = c.PostForm("del_listener")
		addr, err = s.deps.Watchers.RemoveWatcher(ctx, id, view.delValue)
		if err == nil {
			view.delValue = ""
			view.flashes = append(view.flashes, Flash{Kind: "success", Text: p.Sprintf(i18n.WatcherRemoved, addr)})
		}
	default:
		status = http.StatusBadRequest
		view.flashes = append(view.flashes, Flash{Kind: "error", Text: p.Sprintf(i18n.UnknownForm)})
	}

	switch {
	case err == nil:
	case errors.Is(err, ticket.ErrInvalidEmail):
		status = http.StatusUnprocessableEntity
		view.flashes = append(view.flashes, Flash{Kind: "error", Text: p.Sprintf(i18n.InvalidEmail)})
	case errors.Is(err, ticket.ErrNotFound):
		c.String(http.StatusNotFound, p.Sprintf(i18n.TicketNotFound, strconv.FormatInt(id, 10)))
		return
	default:
		s.logger.Error().Err(err).Int64("ticket_id", id).Msg("Watcher update failed")
		status = http.StatusInternalServerError
		view.flashes = append(view.flashes, Flash{Kind: "error", Text: err.Error()})
	}
	s.renderWatch(c, status, view)
}

func (s *Server) renderWatch(c *gin.Context, status int, view watchView) {
	id, ok := ticketID(c)
	if !ok {
		return
	}
	tag := s.language(c)
	p := message.NewPrinter(tag)
	ctx := c.Request.Context()

	t, err := s.deps.Watchers.Ticket(ctx, id)
	if errors.Is(err, ticket.ErrNotFound) {
		c.String(http.StatusNotFound, p.Sprintf(i18n.TicketNotFound, strconv.FormatInt(id, 10)))
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("ticket_id", id).Msg("Ticket load failed")
		c.String(http.StatusInternalServerError, "internal error")
		return
	}
	watchers, err := s.deps.Watchers.Watchers(ctx, id)
	if err != nil {
		s.logger.Error().Err(err).Int64("ticket_id", id).Msg("Watcher load failed")
		c.String(http.StatusInternalServerError, "internal error")
		return
	}

	action := watchAction(id)
	formToken, err := s.deps.Tokens.GenerateFormToken(subject(c), action, formTokenTTL)
	if err != nil {
		s.logger.Error().Err(err).Msg("Form token failed")
		c.String(http.StatusInternalServerError, "internal error")
		return
	}

	tpl, err := watchTemplate()
	if err != nil {
		s.logger.Error().Err(err).Msg("Watcher template failed to compile")
		c.String(http.StatusInternalServerError, "internal error")
		return
	}
	out, err := tpl.Execute(pongo2.Context{
		"t": func(key string, args ...interface{}) string {
			return p.Sprintf(key, args...)
		},
		"lang":       tag.String(),
		"title":      p.Sprintf(i18n.WatchersTitle, ticket.Label(t)),
		"ticket":     t,
		"updated":    timeago.English.Format(t.UpdatedAt),
		"watchers":   watchers,
		"flashes":    view.flashes,
		"action":     action,
		"form_token": formToken,
		"add_value":  view.addValue,
		"del_value":  view.delValue,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Watcher page render failed")
		c.String(http.StatusInternalServerError, "internal error")
		return
	}
	c.Data(status, "text/html; charset=utf-8", []byte(out))
}

func watchAction(id int64) string {
	return fmt.Sprintf("/tickets/%d/watch", id)
}

func ticketID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.String(http.StatusBadRequest, "invalid ticket id")
		return 0, false
	}
	return id, true
}
