package main

import (
	"fmt"
	"os"

	"github.com/haasonsaas/voicewire/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration files",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigShowCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Long: `Load the configuration file, resolve $include directives and
environment variables, apply defaults, and run validation. Exits
non-zero when the file is invalid.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("--config is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			fmt.Printf("configuration valid: provider=%s http_port=%d\n",
				cfg.Providers.Default, cfg.Server.HTTPPort)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML/JSON5 configuration file")
	return cmd
}

func buildConfigShowCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the merged configuration with defaults applied, as YAML.
Without --config this shows the built-in mock defaults.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			redactSecrets(cfg)
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML/JSON5 configuration file")
	return cmd
}

// redactSecrets blanks credential fields before printing.
func redactSecrets(cfg *config.Config) {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	cfg.Providers.Twilio.AuthToken = mask(cfg.Providers.Twilio.AuthToken)
	cfg.Providers.Vonage.SignatureKey = mask(cfg.Providers.Vonage.SignatureKey)
	cfg.Providers.Discord.BotToken = mask(cfg.Providers.Discord.BotToken)
	cfg.Providers.Signal.WebhookSecret = mask(cfg.Providers.Signal.WebhookSecret)
	cfg.STT.APIKey = mask(cfg.STT.APIKey)
	cfg.TTS.HTTP.APIKey = mask(cfg.TTS.HTTP.APIKey)
}
