package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gotrs-io/whups/internal/api"
	"github.com/gotrs-io/whups/internal/app"
	"github.com/gotrs-io/whups/internal/config"
	"github.com/gotrs-io/whups/internal/inbound/connector"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the web server, the SMTP listener and the mailbox poller",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var serveMigrate bool

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "Apply pending migrations before starting")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := manager.Get()
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if serveMigrate {
		n, err := a.Migrator().Up(ctx)
		if err != nil {
			return err
		}
		log.Info().Int("applied", n).Msg("Migrations applied")
	}

	manager.OnChange(func(c *config.Config) {
		log.Info().Int("mailboxes", len(c.Mailboxes)).Msg("Mailbox list reloaded")
	})
	manager.Watch()

	mailboxes := func() []connector.Mailbox { return manager.Get().Mailboxes }
	sched := a.Scheduler(mailboxes)
	httpSrv := a.HTTPServer(sched)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpSrv.Serve(ctx, api.ServeConfig{
			Addr:            cfg.Server.ServerAddr(),
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		})
	})
	if cfg.Scheduler.Enabled {
		g.Go(func() error { return sched.Run(ctx) })
	}
	if cfg.SMTP.Enabled {
		smtpSrv := a.SMTPServer()
		g.Go(func() error {
			<-ctx.Done()
			return smtpSrv.Close()
		})
		g.Go(func() error {
			err := smtpSrv.ListenAndServe()
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	err = g.Wait()
	log.Info().Msg("Shut down")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
