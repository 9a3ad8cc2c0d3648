// Package scheduler polls the configured POP3 and IMAP mailboxes on a cron
// schedule.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gotrs-io/whups/internal/inbound/connector"
	"github.com/gotrs-io/whups/internal/metrics"
)

const (
	statusOK    = "ok"
	statusError = "error"

	statusKeyPrefix = "mail_poll_status:"
	statusTTL       = 24 * time.Hour
)

// Config controls polling.
type Config struct {
	Enabled      bool          `mapstructure:"enabled"`
	Schedule     string        `mapstructure:"schedule"`
	Workers      int           `mapstructure:"workers"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RunOnStartup bool          `mapstructure:"run_on_startup"`
}

// StatusStore persists per-mailbox poll status. *redis.Client implements it.
type StatusStore interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// PollStatus is the last poll outcome of one mailbox.
type PollStatus struct {
	Mailbox    string    `json:"mailbox"`
	LastPollAt time.Time `json:"last_poll_at"`
	LastStatus string    `json:"last_status"`
	LastError  string    `json:"last_error,omitempty"`
	NextPollAt time.Time `json:"next_poll_at,omitempty"`
}

// MailboxSource returns the mailboxes to poll. It is consulted on every run
// so reloaded configuration takes effect without a restart.
type MailboxSource func() []connector.Mailbox

// Service runs mailbox polls.
type Service struct {
	cfg       Config
	mailboxes MailboxSource
	factory   connector.Factory
	handler   connector.Handler
	status    StatusStore
	logger    zerolog.Logger
	now       func() time.Time

	cron    *cron.Cron
	entryID cron.EntryID
	mu      sync.Mutex
}

// Option customizes a Service.
type Option func(*Service)

// WithLogger overrides the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithStatusStore records poll status, typically in Redis.
func WithStatusStore(store StatusStore) Option {
	return func(s *Service) {
		s.status = store
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a scheduler.
func New(cfg Config, mailboxes MailboxSource, factory connector.Factory, handler connector.Handler, opts ...Option) *Service {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	s := &Service{
		cfg:       cfg,
		mailboxes: mailboxes,
		factory:   factory,
		handler:   handler,
		logger:    log.Logger.With().Str("module", "scheduler").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run polls on the configured schedule until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	schedule, err := cron.ParseStandard(s.cfg.Schedule)
	if err != nil {
		return fmt.Errorf("parse poll schedule %q: %w", s.cfg.Schedule, err)
	}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(&s.logger))),
	)
	s.mu.Lock()
	s.cron = c
	s.entryID = c.Schedule(schedule, cron.FuncJob(func() { s.runJob(ctx) }))
	s.mu.Unlock()

	c.Start()
	s.logger.Info().Str("schedule", s.cfg.Schedule).Int("workers", s.cfg.Workers).Msg("Mailbox polling started")
	if s.cfg.RunOnStartup {
		go s.runJob(ctx)
	}

	<-ctx.Done()
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn().Msg("Timed out waiting for poll to finish")
	}
	return nil
}

func (s *Service) runJob(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	if err := s.PollOnce(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Mailbox poll finished with errors")
	}
}

// PollOnce fetches every mailbox once using a bounded worker pool. Each
// mailbox's messages are handled in order; failures of individual mailboxes
// are joined into the returned error.
func (s *Service) PollOnce(ctx context.Context) error {
	var mailboxes []connector.Mailbox
	if s.mailboxes != nil {
		mailboxes = s.mailboxes()
	}
	if len(mailboxes) == 0 {
		s.logger.Debug().Msg("No mailboxes configured, skipping poll")
		return nil
	}

	metrics.PollRuns.Inc()
	start := time.Now()
	defer func() { metrics.PollDuration.Observe(time.Since(start).Seconds()) }()

	sem := make(chan struct{}, s.cfg.Workers)
	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for _, mb := range mailboxes {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(mb connector.Mailbox) {
			defer wg.Done()
			defer func() { <-sem }()
			err := s.pollMailbox(ctx, mb)
			s.record(ctx, mb, err)
			if err != nil {
				s.logger.Error().Err(err).Str("mailbox", mb.Label()).Msg("Mailbox fetch failed")
				errMu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", mb.Label(), err))
				errMu.Unlock()
			}
		}(mb)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info().Int("mailboxes", len(mailboxes)).Msg("Mailbox poll complete")
	return nil
}

func (s *Service) pollMailbox(ctx context.Context, mb connector.Mailbox) error {
	fetcher, err := s.factory.FetcherFor(mb)
	if err != nil {
		return err
	}
	return fetcher.Fetch(ctx, mb, s.handler)
}

func (s *Service) record(ctx context.Context, mb connector.Mailbox, err error) {
	status := statusOK
	if err != nil {
		status = statusError
	}
	metrics.PollAccountResults.WithLabelValues(mb.Label(), status).Inc()
	if s.status == nil {
		return
	}
	ps := PollStatus{
		Mailbox:    mb.Label(),
		LastPollAt: s.now(),
		LastStatus: status,
		NextPollAt: s.nextRun(),
	}
	if err != nil {
		ps.LastError = err.Error()
	}
	payload, jsonErr := json.Marshal(ps)
	if jsonErr != nil {
		return
	}
	if err := s.status.Set(ctx, statusKeyPrefix+mb.Label(), payload, statusTTL).Err(); err != nil {
		s.logger.Warn().Err(err).Str("mailbox", mb.Label()).Msg("Could not record poll status")
	}
}

func (s *Service) nextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// Status returns the recorded status of every configured mailbox. Mailboxes
// that have not been polled yet are omitted.
func (s *Service) Status(ctx context.Context) ([]PollStatus, error) {
	if s.status == nil || s.mailboxes == nil {
		return nil, nil
	}
	var out []PollStatus
	for _, mb := range s.mailboxes() {
		data, err := s.status.Get(ctx, statusKeyPrefix+mb.Label()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read poll status of %s: %w", mb.Label(), err)
		}
		var ps PollStatus
		if err := json.Unmarshal(data, &ps); err != nil {
			return nil, fmt.Errorf("decode poll status of %s: %w", mb.Label(), err)
		}
		out = append(out, ps)
	}
	return out, nil
}
