package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gotrs-io/whups/internal/config"
	"github.com/gotrs-io/whups/internal/logging"
	"github.com/gotrs-io/whups/internal/version"
)

var (
	configPath   string
	logLevelFlag string
	logFormat    string

	manager *config.Manager
)

var rootCmd = &cobra.Command{
	Use:   "whups",
	Short: "Whups mail gateway - turns email into tickets",
	Long: `Whups mail gateway

Creates tickets and follow-up comments from incoming email delivered by an
MTA pipe, POP3/IMAP polling or the built-in SMTP listener, and serves the
ticket watcher pages.`,
	Version:           version.String(),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	// Runs without a config file.
	PersistentPreRun: func(*cobra.Command, []string) {},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "whups %s\n", rootCmd.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./config/whups.yaml or /etc/whups/whups.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Override the configured log level")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Override the configured log format (console, json)")

	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the configuration and sets up logging before any
// subcommand runs. Logs always go to stderr.
func loadConfig(cmd *cobra.Command, _ []string) error {
	m, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg := m.Get()
	level, format := cfg.Logging.Level, cfg.Logging.Format
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	if logFormat != "" {
		format = logFormat
	}
	if err := logging.Setup(level, format, cmd.ErrOrStderr()); err != nil {
		return err
	}
	manager = m
	if file := m.File(); file != "" {
		log.Debug().Str("file", file).Msg("Loaded configuration")
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
