// Package config loads the gateway configuration with viper and keeps it
// current when the file changes.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/gotrs-io/whups/internal/database"
	"github.com/gotrs-io/whups/internal/identity"
	"github.com/gotrs-io/whups/internal/inbound/connector"
	"github.com/gotrs-io/whups/internal/inbound/smtpd"
	"github.com/gotrs-io/whups/internal/notify"
	"github.com/gotrs-io/whups/internal/scheduler"
)

// EnvPrefix prefixes environment overrides, e.g. WHUPS_SERVER_PORT.
const EnvPrefix = "WHUPS"

// Config is the complete gateway configuration.
type Config struct {
	App       AppConfig           `mapstructure:"app"`
	Server    ServerConfig        `mapstructure:"server"`
	Database  database.Config     `mapstructure:"database"`
	Redis     RedisConfig         `mapstructure:"redis"`
	Mail      MailConfig          `mapstructure:"mail"`
	Storage   StorageConfig       `mapstructure:"storage"`
	SMTP      smtpd.Config        `mapstructure:"smtp"`
	Notify    notify.Config       `mapstructure:"notify"`
	LDAP      LDAPConfig          `mapstructure:"ldap"`
	Auth      AuthConfig          `mapstructure:"auth"`
	Scheduler scheduler.Config    `mapstructure:"scheduler"`
	Mailboxes []connector.Mailbox `mapstructure:"mailboxes"`
	Logging   LoggingConfig       `mapstructure:"logging"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Env      string `mapstructure:"env"`
	Language string `mapstructure:"language"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MailConfig controls how messages become tickets.
type MailConfig struct {
	IncludeHeaders bool   `mapstructure:"include_headers"`
	AttachMessage  bool   `mapstructure:"attach_message"`
	Username       string `mapstructure:"username"`
	TempDir        string `mapstructure:"temp_dir"`
}

type StorageConfig struct {
	AttachmentsDir string `mapstructure:"attachments_dir"`
}

// LDAPConfig selects LDAP as the account directory when enabled.
type LDAPConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	CacheTTL            time.Duration `mapstructure:"cache_ttl"`
	identity.LDAPConfig `mapstructure:",squash"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerAddr returns the HTTP listen address.
func (c *ServerConfig) ServerAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// IsProduction reports whether the app runs in production mode.
func (c *AppConfig) IsProduction() bool {
	return c.Env == "production"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "whups")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.language", "en")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", database.DriverSQLite)
	v.SetDefault("database.dsn", "whups.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("mail.include_headers", false)
	v.SetDefault("mail.attach_message", false)
	v.SetDefault("mail.username", "")
	v.SetDefault("mail.temp_dir", "")

	v.SetDefault("storage.attachments_dir", "./data/attachments")

	v.SetDefault("smtp.enabled", false)
	v.SetDefault("smtp.addr", ":2525")
	v.SetDefault("smtp.domain", "localhost")
	v.SetDefault("smtp.max_message_bytes", 25<<20)
	v.SetDefault("smtp.max_recipients", 50)
	v.SetDefault("smtp.read_timeout", 30*time.Second)
	v.SetDefault("smtp.write_timeout", 30*time.Second)

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.host", "localhost")
	v.SetDefault("notify.port", 25)
	v.SetDefault("notify.from", "whups@localhost")
	v.SetDefault("notify.user", "")
	v.SetDefault("notify.password", "")
	v.SetDefault("notify.auth_type", "plain")
	v.SetDefault("notify.tls_mode", "")
	v.SetDefault("notify.skip_verify", false)

	v.SetDefault("ldap.enabled", false)
	v.SetDefault("ldap.cache_ttl", 5*time.Minute)
	v.SetDefault("ldap.url", "")
	v.SetDefault("ldap.bind_dn", "")
	v.SetDefault("ldap.bind_password", "")
	v.SetDefault("ldap.base_dn", "")
	v.SetDefault("ldap.filter", "(mail=*)")
	v.SetDefault("ldap.id_attribute", "uid")
	v.SetDefault("ldap.name_attribute", "cn")
	v.SetDefault("ldap.mail_attributes", []string{"mail"})
	v.SetDefault("ldap.timeout", 10*time.Second)
	v.SetDefault("ldap.page_size", 500)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "whups")

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.schedule", "@every 1m")
	v.SetDefault("scheduler.workers", 2)
	v.SetDefault("scheduler.timeout", 5*time.Minute)
	v.SetDefault("scheduler.run_on_startup", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Manager owns the loaded configuration and swaps it on file changes.
type Manager struct {
	v         *viper.Viper
	logger    zerolog.Logger
	mu        sync.RWMutex
	cfg       *Config
	listeners []func(*Config)
}

// Load reads the configuration. An explicit path must exist; without one the
// file whups.yaml is searched in ./config and /etc/whups and defaults apply
// when none is found.
func Load(path string) (*Manager, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("whups")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/whups")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	m := &Manager{v: v, logger: log.Logger.With().Str("module", "config").Logger()}
	cfg, err := m.decode()
	if err != nil {
		return nil, err
	}
	m.cfg = cfg
	return m, nil
}

func (m *Manager) decode() (*Config, error) {
	cfg := &Config{}
	if err := m.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// File returns the path of the loaded file, or "" when running on defaults.
func (m *Manager) File() string {
	return m.v.ConfigFileUsed()
}

// OnChange registers fn to run after every successful reload.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Reload re-reads the file and swaps the configuration. An invalid file
// leaves the current configuration in place.
func (m *Manager) Reload() error {
	if m.File() != "" {
		if err := m.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	cfg, err := m.decode()
	if err != nil {
		return err
	}
	m.swap(cfg)
	return nil
}

func (m *Manager) swap(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	listeners := append(([]func(*Config))(nil), m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
}

// Watch reloads the configuration whenever the file changes.
func (m *Manager) Watch() {
	if m.File() == "" {
		return
	}
	m.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		m.logger.Info().Str("file", e.Name).Msg("Config file changed")
		cfg, err := m.decode()
		if err != nil {
			m.logger.Error().Err(err).Msg("Failed to reload config")
			return
		}
		m.swap(cfg)
		m.logger.Info().Msg("Configuration reloaded")
	})
	m.v.WatchConfig()
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := database.NormalizeDriver(c.Database.Driver); err != nil {
		errs = append(errs, err)
	}
	seen := make(map[string]bool, len(c.Mailboxes))
	for i, mb := range c.Mailboxes {
		switch strings.ToLower(mb.Type) {
		case "pop3", "pop3s", "imap", "imaps":
		default:
			errs = append(errs, fmt.Errorf("mailboxes[%d]: unsupported type %q", i, mb.Type))
		}
		if seen[mb.Label()] {
			errs = append(errs, fmt.Errorf("mailboxes[%d]: duplicate mailbox %q", i, mb.Label()))
		}
		seen[mb.Label()] = true
	}
	if c.LDAP.Enabled && (c.LDAP.URL == "" || c.LDAP.BaseDN == "") {
		errs = append(errs, errors.New("ldap.url and ldap.base_dn are required when ldap is enabled"))
	}
	return errors.Join(errs...)
}
