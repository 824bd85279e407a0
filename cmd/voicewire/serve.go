package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/haasonsaas/voicewire/internal/audio"
	"github.com/haasonsaas/voicewire/internal/config"
	"github.com/haasonsaas/voicewire/internal/infra"
	"github.com/haasonsaas/voicewire/internal/mixer"
	"github.com/haasonsaas/voicewire/internal/observability"
	"github.com/haasonsaas/voicewire/internal/stream"
	"github.com/haasonsaas/voicewire/internal/stt"
	"github.com/haasonsaas/voicewire/internal/tts"
	"github.com/haasonsaas/voicewire/internal/voice"
	"github.com/haasonsaas/voicewire/internal/webhook"
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the engine.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the voicewire engine",
		Long: `Start the voicewire engine with the configured voice provider.

The engine will:
1. Load configuration from the specified file
2. Construct the configured provider adapter (Twilio, Vonage, Discord, Signal, Mock)
3. Start the webhook server for provider callbacks
4. Serve the media-stream WebSocket endpoint on the same listener
5. Expose Prometheus metrics on a separate port

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with the built-in mock provider
  voicewire serve

  # Start with a production config
  voicewire serve --config /etc/voicewire/production.yaml

  # Start with debug logging
  voicewire serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML/JSON5 configuration file (default: built-in mock config)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// runServe implements the serve command logic.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	logger.Info("starting voicewire engine",
		"version", version,
		"commit", commit,
		"config", configPath,
		"provider", cfg.Providers.Default,
	)

	metrics := observability.NewMetrics()
	tracer, stopTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "voicewire",
		ServiceVersion: version,
		Environment:    cfg.Observability.Environment,
		Endpoint:       cfg.Observability.TracingEndpoint,
		SamplingRate:   cfg.Observability.SamplingRate,
		EnableInsecure: cfg.Observability.Insecure,
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	startCtx, span := tracer.Start(runCtx, "voicewire.startup")

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
		Metrics:    metrics,
		Tracer:     tracer,
	})
	if err != nil {
		return fmt.Errorf("failed to create call manager: %w", err)
	}

	// Push providers (Discord, Mock) deliver events directly instead of
	// via webhooks.
	if sink, ok := provider.(interface{ SetEventSink(func(voice.CallEvent)) }); ok {
		sink.SetEventSink(func(ev voice.CallEvent) {
			if err := manager.ProcessEvent(runCtx, &ev); err != nil {
				logger.Warn("provider event rejected", "event", ev.Type, "error", err)
			}
		})
	}

	discord, isDiscord := provider.(*voice.DiscordProvider)
	if isDiscord {
		if err := discord.Start(startCtx); err != nil {
			return fmt.Errorf("failed to start discord gateway: %w", err)
		}
	}

	connector := buildRecognizer(cfg, logger)

	srv := webhook.NewServer(webhook.ServerConfig{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		BasePath:     cfg.Server.WebhookPath,
		MaxBodyBytes: cfg.Server.MaxWebhookBytes,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       tracer,
	})
	srv.Register(provider, manager)

	if connector != nil {
		streamHandler := stream.NewHandler(stream.HandlerConfig{
			Manager:               manager,
			Connector:             connector,
			STT:                   recognizerConfig(cfg),
			Speaker:               &managerSpeaker{synth: synth},
			SampleRate:            cfg.Stream.SampleRate,
			ReconnectMaxAttempts:  cfg.Stream.ReconnectMaxAttempts,
			ReconnectInitialDelay: cfg.Stream.ReconnectInitialDelay,
			ReconnectMaxDelay:     cfg.Stream.ReconnectMaxDelay,
			Logger:                logger,
			Metrics:               metrics,
		})
		srv.Mount(cfg.Server.StreamPath, streamHandler)
	} else {
		logger.Warn("no stt api key configured, media-stream transcription disabled")
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	registry := mixer.NewRegistry(logger)
	registry.SetMetrics(metrics)
	go registry.Run(runCtx, cfg.Mixer.SweepInterval)
	go manager.RunCleanup(runCtx, time.Minute, 10*time.Minute)

	sd := infra.NewShutdownCoordinator(cfg.Server.ShutdownTimeout, logger)
	sd.Register("tracing", stopTracer)
	sd.Register("background-loops", func(context.Context) error {
		cancelRun()
		return nil
	})
	if isDiscord {
		sd.Register("discord-gateway", discord.Stop)
	}
	sd.Register("metrics-server", metricsSrv.Shutdown)
	sd.Register("webhook-server", srv.Shutdown)

	errCh := make(chan error, 2)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("webhook server: %w", err)
		}
	}()
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	logger.Info("voicewire engine started",
		"http_addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		"metrics_addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		"webhook_path", cfg.Server.WebhookPath,
		"stream_path", cfg.Server.StreamPath,
	)
	span.End()

	waitDone := make(chan struct{})
	go func() {
		sd.Wait(runCtx)
		close(waitDone)
	}()

	select {
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		sd.Shutdown()
		return err
	case <-waitDone:
	}
	logger.Info("voicewire engine stopped")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildSynthesizer assembles the TTS fallback chain: the HTTP synthesizer
// when an API key is configured, then an optional local exec synthesizer,
// with the offline tone synthesizer as the last resort.
func buildSynthesizer(cfg *config.Config, logger *slog.Logger) (*tts.Manager, error) {
	var chain []tts.Synthesizer
	if cfg.TTS.HTTP.APIKey != "" {
		hs, err := tts.NewHTTPSynthesizer(tts.HTTPConfig{
			APIKey:     cfg.TTS.HTTP.APIKey,
			BaseURL:    cfg.TTS.HTTP.BaseURL,
			Model:      cfg.TTS.HTTP.Model,
			Voice:      cfg.TTS.HTTP.Voice,
			Speed:      cfg.TTS.HTTP.Speed,
			SampleRate: cfg.TTS.HTTP.SampleRate,
		})
		if err != nil {
			return nil, err
		}
		chain = append(chain, hs)
	}
	if cfg.TTS.Exec.Command != "" {
		es, err := tts.NewExecSynthesizer(tts.ExecConfig{
			Command:    cfg.TTS.Exec.Command,
			Args:       cfg.TTS.Exec.Args,
			SampleRate: cfg.TTS.Exec.SampleRate,
		})
		if err != nil {
			logger.Warn("tts exec synthesizer unavailable", "error", err)
		} else {
			chain = append(chain, es)
		}
	}
	chain = append(chain, &tts.ToneSynthesizer{SampleRate: cfg.Stream.SampleRate})

	return tts.NewManager(&tts.Config{
		MaxTextLength:  cfg.TTS.MaxTextLength,
		TimeoutSeconds: cfg.TTS.TimeoutSeconds,
	}, chain...)
}

func buildProvider(cfg *config.Config, synth *tts.Manager, logger *slog.Logger) (voice.Provider, error) {
	switch cfg.Providers.Default {
	case "twilio":
		return voice.NewTwilioProvider(voice.TwilioProviderConfig{
			AccountSID: cfg.Providers.Twilio.AccountSID,
			AuthToken:  cfg.Providers.Twilio.AuthToken,
			PublicURL:  cfg.Server.PublicURL,
			StreamPath: cfg.Server.StreamPath,
		})
	case "vonage":
		return voice.NewVonageProvider(voice.VonageProviderConfig{
			APIKey:        cfg.Providers.Vonage.APIKey,
			ApplicationID: cfg.Providers.Vonage.ApplicationID,
			SignatureKey:  cfg.Providers.Vonage.SignatureKey,
			FromNumber:    cfg.Providers.Vonage.FromNumber,
			PublicURL:     cfg.Server.PublicURL,
		})
	case "discord":
		// No opus encoder is bound here; PlayTTS reports a clear error
		// until a codec binding is configured.
		logger.Warn("discord provider has no opus encoder, TTS playback is disabled")
		return voice.NewDiscordProvider(voice.DiscordProviderConfig{
			BotToken:    cfg.Providers.Discord.BotToken,
			AppID:       cfg.Providers.Discord.AppID,
			GuildID:     cfg.Providers.Discord.GuildID,
			Synthesizer: &pcmSpeaker{synth: synth},
			Logger:      logger,
		})
	case "signal":
		return voice.NewSignalProvider(voice.SignalProviderConfig{
			APIURL:              cfg.Providers.Signal.APIURL,
			Number:              cfg.Providers.Signal.Number,
			WebhookSecret:       cfg.Providers.Signal.WebhookSecret,
			TrustedFingerprints: cfg.Providers.Signal.TrustedFingerprints,
		})
	case "mock":
		p := voice.NewMockProvider()
		if cfg.Providers.Mock.AnswerDelay > 0 {
			p.SetAnswerDelay(cfg.Providers.Mock.AnswerDelay)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Providers.Default)
	}
}

// buildRecognizer wires the batch transcriber into the streaming session
// seam, or returns nil when no STT backend is configured.
func buildRecognizer(cfg *config.Config, logger *slog.Logger) stt.Connector {
	if cfg.STT.APIKey == "" {
		return nil
	}
	tr, err := stt.NewHTTPTranscriber(stt.TranscriberConfig{
		APIKey:   cfg.STT.APIKey,
		BaseURL:  cfg.STT.BaseURL,
		Model:    cfg.STT.Model,
		Language: cfg.STT.Language,
		Logger:   logger,
	})
	if err != nil {
		logger.Warn("stt transcriber unavailable", "error", err)
		return nil
	}
	return stt.NewBatchConnector(tr, logger)
}

func recognizerConfig(cfg *config.Config) stt.Config {
	return stt.Config{
		APIKey:       cfg.STT.APIKey,
		Encoding:     "mulaw",
		SampleRate:   cfg.Stream.SampleRate,
		Language:     cfg.STT.Language,
		EndSilenceMs: cfg.STT.EndSilenceMs,
	}
}

func providerFrom(cfg *config.Config) string {
	switch cfg.Providers.Default {
	case "twilio":
		return cfg.Providers.Twilio.FromNumber
	case "vonage":
		return cfg.Providers.Vonage.FromNumber
	case "signal":
		return cfg.Providers.Signal.Number
	default:
		return ""
	}
}

func webhookURL(cfg *config.Config, provider voice.Provider) string {
	if cfg.Server.PublicURL == "" {
		return ""
	}
	return cfg.Server.PublicURL + cfg.Server.WebhookPath + "/" + string(provider.Name())
}

// managerSpeaker adapts the TTS chain to the media-stream Speaker seam.
type managerSpeaker struct {
	synth *tts.Manager
}

func (s *managerSpeaker) Synthesize(ctx context.Context, text string) (*audio.Buffer, error) {
	res, err := s.synth.Synthesize(ctx, text)
	if err != nil {
		return nil, err
	}
	return res.Audio, nil
}

// pcmSpeaker adapts the TTS chain to providers that push raw PCM frames.
type pcmSpeaker struct {
	synth *tts.Manager
}

func (s *pcmSpeaker) Synthesize(ctx context.Context, text string) ([]int16, int, error) {
	res, err := s.synth.Synthesize(ctx, text)
	if err != nil {
		return nil, 0, err
	}
	return res.Audio.Samples, res.Audio.SampleRate, nil
}
