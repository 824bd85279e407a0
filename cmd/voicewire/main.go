// Package main provides the CLI entry point for the Voicewire call engine.
//
// Voicewire connects telephony and chat-platform voice backends (Twilio,
// Vonage, Discord, Signal) to a provider-agnostic call state machine with
// webhook ingestion, bidirectional media streaming, speech recognition,
// text-to-speech, and N-party audio mixing.
//
// # Basic Usage
//
// Start the engine:
//
//	voicewire serve --config voicewire.yaml
//
// Place an outbound call:
//
//	voicewire call +15551234567 --message "Hello from voicewire"
//
// Validate a configuration file:
//
//	voicewire config validate --config voicewire.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	// Structured JSON logging for production parsing; serve replaces the
	// default logger once the config is loaded.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "voicewire",
		Short: "Voicewire - provider-agnostic voice call engine",
		Long: `Voicewire runs voice calls over pluggable telephony backends.

Supported providers: Twilio, Vonage, Discord, Signal, Mock
Media path: WebSocket media streams, speech-to-text, text-to-speech
Conferencing: N-party audio mixer with per-participant fan-out`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildCallCmd(),
		buildConfigCmd(),
	)

	return rootCmd
}
