// Package app assembles the gateway's components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gotrs-io/whups/internal/api"
	"github.com/gotrs-io/whups/internal/auth"
	"github.com/gotrs-io/whups/internal/config"
	"github.com/gotrs-io/whups/internal/database"
	"github.com/gotrs-io/whups/internal/database/migrations"
	"github.com/gotrs-io/whups/internal/identity"
	"github.com/gotrs-io/whups/internal/inbound/connector"
	"github.com/gotrs-io/whups/internal/inbound/postmaster"
	"github.com/gotrs-io/whups/internal/inbound/smtpd"
	"github.com/gotrs-io/whups/internal/mail"
	"github.com/gotrs-io/whups/internal/notify"
	"github.com/gotrs-io/whups/internal/scheduler"
	"github.com/gotrs-io/whups/internal/storage"
	"github.com/gotrs-io/whups/internal/ticket"
)

// App holds the shared components. Build it with New and release it with
// Close.
type App struct {
	Config    *config.Config
	DB        *sqlx.DB
	Redis     *redis.Client
	Blobs     *storage.FilesystemBackend
	Tickets   *ticket.Repository
	Service   *ticket.Service
	Accounts  *identity.SQLDirectory
	Directory identity.Directory
	Ingestor  *mail.Ingestor

	logger zerolog.Logger
}

// New opens the database, Redis and attachment storage and wires the ticket
// service, the identity directory and the mail ingestor.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, logger: log.Logger.With().Str("module", "app").Logger()}

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.DB = db

	if cfg.Redis.Enabled {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable, continuing without cache")
		}
	}

	blobs, err := storage.NewFilesystemBackend(cfg.Storage.AttachmentsDir)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Blobs = blobs

	a.Accounts = identity.NewSQLDirectory(db)
	a.Directory = a.Accounts
	if cfg.LDAP.Enabled {
		dir, err := identity.NewLDAPDirectory(cfg.LDAP.LDAPConfig)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Directory = dir
	}
	if a.Redis != nil {
		a.Directory = identity.NewCachedDirectory(a.Directory, a.Redis, cfg.LDAP.CacheTTL)
	}

	a.Tickets = ticket.NewRepository(db, blobs)
	var notifier ticket.Notifier
	if cfg.Notify.Enabled {
		notifier = notify.NewSMTPNotifier(cfg.Notify)
	}
	a.Service = ticket.NewService(a.Tickets,
		ticket.WithNotifier(notifier),
		ticket.WithDirectory(a.Directory),
		ticket.WithServiceLanguage(cfg.App.Language),
	)

	a.Ingestor = mail.NewIngestor(a.Service, a.Directory, storage.NewTempStore(cfg.Mail.TempDir),
		mail.WithIncludeHeaders(cfg.Mail.IncludeHeaders),
		mail.WithAttachMessage(cfg.Mail.AttachMessage),
		mail.WithDefaultUser(cfg.Mail.Username),
		mail.WithLanguage(cfg.App.Language),
	)
	return a, nil
}

// Migrator returns the schema migration runner.
func (a *App) Migrator() *migrations.Runner {
	return migrations.NewRunner(a.DB)
}

// Scheduler builds the mailbox poller. mailboxes is consulted on every run.
func (a *App) Scheduler(mailboxes scheduler.MailboxSource) *scheduler.Service {
	opts := []scheduler.Option{}
	if a.Redis != nil {
		opts = append(opts, scheduler.WithStatusStore(a.Redis))
	}
	return scheduler.New(a.Config.Scheduler, mailboxes,
		connector.DefaultFactory(nil, nil), postmaster.New(a.Ingestor), opts...)
}

// SMTPServer builds the SMTP listener.
func (a *App) SMTPServer() *smtpd.Server {
	return smtpd.New(a.Config.SMTP, a.Ingestor)
}

// HTTPServer builds the web front end.
func (a *App) HTTPServer(polls api.PollStatusSource) *api.Server {
	var tokens *auth.JWTManager
	if a.Config.Auth.JWTSecret != "" {
		tokens = auth.NewJWTManager(a.Config.Auth.JWTSecret, a.Config.Auth.Issuer)
	}
	checks := map[string]api.HealthCheck{
		"database": a.DB.PingContext,
		"storage":  a.Blobs.HealthCheck,
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}
	return api.New(api.Deps{
		Watchers:    a.Service,
		Ingestor:    a.Ingestor,
		History:     a.Tickets,
		Attachments: a.Blobs,
		Polls:       polls,
		Tokens:      tokens,
		Checks:      checks,
		Language:    a.Config.App.Language,
	})
}

// Close releases the database and Redis connections.
func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
