// Package config loads and validates the engine configuration from YAML or
// JSON5 files, with $include composition and environment variable expansion.
package config

import (
	"fmt"
	"time"
)

// Config is the main configuration structure for the voice engine.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Stream        StreamConfig        `yaml:"stream"`
	STT           STTConfig           `yaml:"stt"`
	TTS           TTSConfig           `yaml:"tts"`
	Mixer         MixerConfig         `yaml:"mixer"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`

	// WebhookPath is the base path for provider webhooks; the provider
	// name is appended, e.g. /webhooks/voice/twilio.
	WebhookPath string `yaml:"webhook_path"`

	// StreamPath is the WebSocket path for media streams.
	StreamPath string `yaml:"stream_path"`

	// PublicURL is the externally reachable base URL used when
	// registering webhook and stream callbacks with providers.
	PublicURL string `yaml:"public_url"`

	// MaxWebhookBytes caps a webhook request body.
	MaxWebhookBytes int64 `yaml:"max_webhook_bytes"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type ProvidersConfig struct {
	Default string        `yaml:"default"`
	Twilio  TwilioConfig  `yaml:"twilio"`
	Vonage  VonageConfig  `yaml:"vonage"`
	Discord DiscordConfig `yaml:"discord"`
	Signal  SignalConfig  `yaml:"signal"`
	Mock    MockConfig    `yaml:"mock"`
}

type TwilioConfig struct {
	Enabled    bool   `yaml:"enabled"`
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
}

type VonageConfig struct {
	Enabled       bool   `yaml:"enabled"`
	APIKey        string `yaml:"api_key"`
	SignatureKey  string `yaml:"signature_key"`
	ApplicationID string `yaml:"application_id"`
	FromNumber    string `yaml:"from_number"`
}

type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	AppID    string `yaml:"app_id"`
	GuildID  string `yaml:"guild_id"`
}

type SignalConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIURL  string `yaml:"api_url"`
	Number  string `yaml:"number"`

	// WebhookSecret signs inbound webhook bodies with HMAC-SHA256.
	WebhookSecret string `yaml:"webhook_secret"`

	// TrustedFingerprints maps contact numbers to verified safety
	// numbers for session verification.
	TrustedFingerprints map[string]string `yaml:"trusted_fingerprints"`
}

type MockConfig struct {
	Enabled bool `yaml:"enabled"`

	// AnswerDelay is how long a mock call stays ringing.
	AnswerDelay time.Duration `yaml:"answer_delay"`
}

type StreamConfig struct {
	// SampleRate of the provider media stream in Hz.
	SampleRate int `yaml:"sample_rate"`

	// ReconnectMaxAttempts bounds STT session reconnects before the
	// stream surfaces a terminal error.
	ReconnectMaxAttempts int `yaml:"reconnect_max_attempts"`

	ReconnectInitialDelay time.Duration `yaml:"reconnect_initial_delay"`
	ReconnectMaxDelay     time.Duration `yaml:"reconnect_max_delay"`

	// TranscriptTimeout bounds a WaitForTranscript call.
	TranscriptTimeout time.Duration `yaml:"transcript_timeout"`
}

type STTConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	Model        string `yaml:"model"`
	Language     string `yaml:"language"`
	EndSilenceMs int    `yaml:"end_silence_ms"`
}

type TTSConfig struct {
	MaxTextLength  int           `yaml:"max_text_length"`
	TimeoutSeconds int           `yaml:"timeout_seconds"`
	HTTP           TTSHTTPConfig `yaml:"http"`
	Exec           TTSExecConfig `yaml:"exec"`
}

// TTSExecConfig runs a local TTS binary that writes raw PCM16 to stdout.
type TTSExecConfig struct {
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"`
	SampleRate int      `yaml:"sample_rate"`
}

type TTSHTTPConfig struct {
	APIKey     string  `yaml:"api_key"`
	BaseURL    string  `yaml:"base_url"`
	Model      string  `yaml:"model"`
	Voice      string  `yaml:"voice"`
	Speed      float64 `yaml:"speed"`
	SampleRate int     `yaml:"sample_rate"`
}

type MixerConfig struct {
	// MaxParticipants caps a single conference channel.
	MaxParticipants int `yaml:"max_participants"`

	// SweepInterval controls how often empty channels are torn down.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ObservabilityConfig struct {
	// TracingEndpoint is the OTLP collector address; empty disables tracing.
	TracingEndpoint string  `yaml:"tracing_endpoint"`
	SamplingRate    float64 `yaml:"sampling_rate"`
	Environment     string  `yaml:"environment"`
	Insecure        bool    `yaml:"insecure"`
}

// Load reads, merges, and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a runnable configuration with only the mock provider
// enabled.
func Default() *Config {
	cfg := &Config{}
	cfg.Providers.Default = "mock"
	cfg.Providers.Mock.Enabled = true
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Server.WebhookPath == "" {
		cfg.Server.WebhookPath = "/webhooks/voice"
	}
	if cfg.Server.StreamPath == "" {
		cfg.Server.StreamPath = "/media-stream"
	}
	if cfg.Server.MaxWebhookBytes == 0 {
		cfg.Server.MaxWebhookBytes = 1 << 20
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Stream.SampleRate == 0 {
		cfg.Stream.SampleRate = 8000
	}
	if cfg.Stream.ReconnectMaxAttempts == 0 {
		cfg.Stream.ReconnectMaxAttempts = 5
	}
	if cfg.Stream.ReconnectInitialDelay == 0 {
		cfg.Stream.ReconnectInitialDelay = 500 * time.Millisecond
	}
	if cfg.Stream.ReconnectMaxDelay == 0 {
		cfg.Stream.ReconnectMaxDelay = 30 * time.Second
	}
	if cfg.Stream.TranscriptTimeout == 0 {
		cfg.Stream.TranscriptTimeout = 30 * time.Second
	}
	if cfg.STT.EndSilenceMs == 0 {
		cfg.STT.EndSilenceMs = 800
	}
	if cfg.Mixer.MaxParticipants == 0 {
		cfg.Mixer.MaxParticipants = 16
	}
	if cfg.Mixer.SweepInterval == 0 {
		cfg.Mixer.SweepInterval = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.SamplingRate == 0 {
		cfg.Observability.SamplingRate = 1.0
	}
}

// Validate checks cross-field constraints not expressible in struct tags.
func (c *Config) Validate() error {
	switch c.Providers.Default {
	case "", "twilio", "vonage", "discord", "signal", "mock":
	default:
		return fmt.Errorf("unknown default provider: %q", c.Providers.Default)
	}
	if c.Providers.Twilio.Enabled {
		if c.Providers.Twilio.AccountSID == "" || c.Providers.Twilio.AuthToken == "" {
			return fmt.Errorf("twilio provider requires account_sid and auth_token")
		}
	}
	if c.Providers.Vonage.Enabled && c.Providers.Vonage.SignatureKey == "" {
		return fmt.Errorf("vonage provider requires signature_key")
	}
	if c.Providers.Discord.Enabled && c.Providers.Discord.BotToken == "" {
		return fmt.Errorf("discord provider requires bot_token")
	}
	if c.Providers.Signal.Enabled && c.Providers.Signal.WebhookSecret == "" {
		return fmt.Errorf("signal provider requires webhook_secret")
	}
	if c.Stream.SampleRate%50 != 0 {
		return fmt.Errorf("stream sample_rate must be divisible by 50 for 20ms framing")
	}
	return nil
}
