package main

import (
	"fmt"
	"os"

	"optiondesk/internal/cfg"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "optiondesk",
	Short: "Option position desk with automatic stop-loss and re-entry",
	Long: `optiondesk tracks option positions in paper or live mode, keeps a
stop-loss on every open position and re-enters stopped-out positions after
a cooldown, optionally asking for confirmation first.

Configuration comes from CONFIG_FILE (YAML) or environment variables. A .env
file in the working directory is loaded when present.`,
	SilenceUsage: true,
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	rootCmd.AddCommand(serveCmd, tokenCmd, tradesCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "optiondesk", version)
	},
}

// loadSettings reads configuration and sets up the global logger from it.
func loadSettings() (cfg.Settings, error) {
	c, err := cfg.Load()
	if err != nil {
		return cfg.Settings{}, fmt.Errorf("config load failed: %w", err)
	}

	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if c.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return c, nil
}
