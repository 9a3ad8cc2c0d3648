// Package api serves the watcher pages, the JSON API and the operational
// endpoints over gin.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gotrs-io/whups/internal/auth"
	"github.com/gotrs-io/whups/internal/mail"
	"github.com/gotrs-io/whups/internal/scheduler"
	"github.com/gotrs-io/whups/internal/ticket"
	"github.com/gotrs-io/whups/internal/version"
)

// WatcherService manages ticket watchers. *ticket.Service implements it.
type WatcherService interface {
	Ticket(ctx context.Context, id int64) (*ticket.Ticket, error)
	Watchers(ctx context.Context, id int64) ([]string, error)
	AddWatcher(ctx context.Context, id int64, email string) (string, error)
	RemoveWatcher(ctx context.Context, id int64, email string) (string, error)
}

// Ingestor processes one raw message. *mail.Ingestor implements it.
type Ingestor interface {
	Ingest(ctx context.Context, raw []byte, info *ticket.CreationInfo, author string) (mail.Result, error)
}

// PollStatusSource reports mailbox poll health. *scheduler.Service implements it.
type PollStatusSource interface {
	Status(ctx context.Context) ([]scheduler.PollStatus, error)
}

// HistorySource reads ticket history and attachment metadata.
// *ticket.Repository implements it.
type HistorySource interface {
	History(ctx context.Context, id int64) ([]ticket.LogEntry, error)
	Attachments(ctx context.Context, id int64) ([]ticket.StoredAttachment, error)
}

// BlobReader opens stored attachment content. *storage.FilesystemBackend
// implements it.
type BlobReader interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators of the HTTP layer. Watchers is required; the
// rest enable their endpoints when set.
type Deps struct {
	Watchers    WatcherService
	Ingestor    Ingestor
	History     HistorySource
	Attachments BlobReader
	Polls       PollStatusSource
	Tokens      *auth.JWTManager
	Checks      map[string]HealthCheck
	Language    string
}

// Server is the HTTP front end.
type Server struct {
	deps   Deps
	engine *gin.Engine
	logger zerolog.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger overrides the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New builds the router.
func New(deps Deps, opts ...Option) *Server {
	s := &Server{
		deps:   deps,
		logger: log.Logger.With().Str("module", "api").Logger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))
	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	pages := r.Group("/tickets", requireSession(deps.Tokens))
	pages.GET("/:id/watch", s.handleWatchPage)
	pages.POST("/:id/watch", s.handleWatchForm)

	v1 := r.Group("/api/v1", requireToken(deps.Tokens))
	v1.GET("/tickets/:id/watchers", s.handleListWatchers)
	v1.POST("/tickets/:id/watchers", s.handleAddWatcher)
	v1.DELETE("/tickets/:id/watchers", s.handleRemoveWatcher)
	v1.GET("/tickets/:id/history", s.handleHistory)
	v1.GET("/tickets/:id/attachments", s.handleListAttachments)
	v1.GET("/tickets/:id/attachments/:aid", s.handleDownloadAttachment)
	v1.POST("/mail", s.handleIngestMail)
	v1.GET("/mailboxes", s.handleMailboxStatus)

	s.engine = r
	return s
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ServeConfig controls the HTTP listener.
type ServeConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Serve listens on cfg.Addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, cfg ServeConfig) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	results := gin.H{}
	for name, check := range s.deps.Checks {
		if err := check(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": results, "version": version.Get()})
}
