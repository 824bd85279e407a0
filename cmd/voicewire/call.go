package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/haasonsaas/voicewire/internal/voice"
	"github.com/spf13/cobra"
)

// buildCallCmd creates the "call" command for placing a single outbound call
// from the CLI. Useful for smoke-testing provider credentials.
func buildCallCmd() *cobra.Command {
	var (
		configPath string
		message    string
		wait       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call <destination>",
		Short: "Place an outbound call",
		Long: `Place an outbound call through the configured provider and watch its
state transitions until it answers or the wait window elapses.

The destination format depends on the provider: an E.164 number for
Twilio/Vonage/Signal, or a voice channel ID for Discord.`,
		Example: `  # Call a number with the mock provider
  voicewire call +15551234567 --message "Hello from voicewire"

  # Call through a configured Twilio account
  voicewire call +15551234567 --config voicewire.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd.Context(), configPath, args[0], message, wait)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML/JSON5 configuration file (default: built-in mock config)")
	cmd.Flags().StringVarP(&message, "message", "m", "",
		"Message spoken when the call is answered")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second,
		"How long to watch call events before detaching")

	return cmd
}

func runCall(ctx context.Context, configPath, to, message string, wait time.Duration) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := slog.Default()

	synth, err := buildSynthesizer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build tts chain: %w", err)
	}
	provider, err := buildProvider(cfg, synth, logger)
	if err != nil {
		return fmt.Errorf("failed to build provider %q: %w", cfg.Providers.Default, err)
	}

	manager, err := voice.NewManager(voice.ManagerConfig{
		Provider:   provider,
		From:       providerFrom(cfg),
		WebhookURL: webhookURL(cfg, provider),
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create call manager: %w", err)
	}

	if sink, ok := provider.(interface{ SetEventSink(func(voice.CallEvent)) }); ok {
		sink.SetEventSink(func(ev voice.CallEvent) {
			if err := manager.ProcessEvent(ctx, &ev); err != nil {
				logger.Warn("provider event rejected", "event", ev.Type, "error", err)
			}
		})
	}
	if discord, ok := provider.(*voice.DiscordProvider); ok {
		if err := discord.Start(ctx); err != nil {
			return fmt.Errorf("failed to start discord gateway: %w", err)
		}
		defer discord.Stop(context.Background())
	}

	call, err := manager.InitiateCall(ctx, to, message)
	if err != nil {
		return fmt.Errorf("call failed: %w", err)
	}
	fmt.Printf("call initiated: id=%s provider_call_id=%s state=%s\n",
		call.CallID, call.ProviderCallID, call.State)

	events, ok := manager.Events(call.CallID)
	if !ok {
		return printCall(manager, call.CallID)
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	for {
		select {
		case ev, open := <-events:
			if !open {
				return printCall(manager, call.CallID)
			}
			fmt.Printf("event: %s\n", ev.Type)
			if ev.Type == voice.EventCallEnded {
				return printCall(manager, call.CallID)
			}
		case <-deadline.C:
			fmt.Println("wait window elapsed, call continues in the background")
			return printCall(manager, call.CallID)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func printCall(manager *voice.Manager, callID string) error {
	call, ok := manager.GetCall(callID)
	if !ok {
		return fmt.Errorf("call %s not found", callID)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(call)
}
