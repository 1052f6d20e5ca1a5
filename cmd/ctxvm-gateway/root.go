package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfig   string
	flagEnvFile  string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "ctxvm-gateway",
	Short: "Expose a local MCP server over Nostr relays",
	Long: "ctxvm-gateway runs an MCP server process and bridges it onto Nostr relays:\n" +
		"clients reach it by pubkey, optionally through encrypted envelopes and\n" +
		"Lightning-gated capabilities.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "ctxvm.toml", "config file path")
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "env file with secrets (ignored when absent)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "debug, info, warn or error")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(deleteCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch flagLogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
