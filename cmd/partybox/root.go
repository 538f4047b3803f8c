package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/partybox/executor"
	"github.com/caffeineduck/partybox/internal/config"
	"github.com/caffeineduck/partybox/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "partybox",
	Short: "Isolated runtime engine for party games",
	Long: `partybox - Run untrusted party-game payloads for live lobbies.

Each session gets at most one game runtime, executed in a container, a
child process, or (for allowlisted games only) inline. Runtimes talk to
players through a socket.io broadcast sink and are killed when they
exceed their time, idle, message, or memory ceilings.

Settings come from PARTYBOX_* environment variables; flags override them.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("games-dir", "", "Directory holding one subdirectory per game (PARTYBOX_GAMES_DIR)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (PARTYBOX_LOG_LEVEL)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text, json (PARTYBOX_LOG_FORMAT)")
}

// loadConfig reads the environment and applies any flags that were set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	override := func(name string, target *string) {
		if flags.Changed(name) {
			*target, _ = flags.GetString(name)
		}
	}
	override("games-dir", &cfg.GamesDir)
	override("log-level", &cfg.LogLevel)
	override("log-format", &cfg.LogFormat)
	if flags.Lookup("addr") != nil {
		override("addr", &cfg.Addr)
	}
	// play also accepts inline, which is not a boot strategy.
	if flags.Lookup("strategy") != nil && flags.Changed("strategy") {
		if v, _ := flags.GetString("strategy"); v != string(executor.KindInline) {
			cfg.Strategy = v
		}
	}
	if flags.Lookup("inline") != nil && flags.Changed("inline") {
		cfg.InlineGames, _ = flags.GetStringSlice("inline")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
