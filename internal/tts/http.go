package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/haasonsaas/voicewire/internal/audio"
)

// HTTPConfig configures the HTTP synthesizer.
type HTTPConfig struct {
	// APIKey is sent as a Bearer token.
	APIKey string `yaml:"api_key"`

	// BaseURL is the API base URL.
	// Default: "https://api.openai.com/v1".
	BaseURL string `yaml:"base_url"`

	// Model is the synthesis model.
	// Default: "tts-1".
	Model string `yaml:"model"`

	// Voice is the voice preset.
	// Default: "alloy".
	Voice string `yaml:"voice"`

	// Speed is the speech speed (0.25 to 4.0). Default: 1.0.
	Speed float64 `yaml:"speed"`

	// SampleRate is the PCM sample rate requested from the API.
	// Default: 24000.
	SampleRate int `yaml:"sample_rate"`
}

// HTTPSynthesizer calls a speech API that returns raw little-endian
// 16-bit PCM when response_format is "pcm".
type HTTPSynthesizer struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPSynthesizer validates the config and returns a synthesizer.
func NewHTTPSynthesizer(cfg HTTPConfig) (*HTTPSynthesizer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("tts: http synthesizer requires an API key")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "tts-1"
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	return &HTTPSynthesizer{cfg: cfg, client: &http.Client{}}, nil
}

func (s *HTTPSynthesizer) Name() string { return "http" }

// Synthesize posts text to the speech endpoint and decodes the PCM reply.
func (s *HTTPSynthesizer) Synthesize(ctx context.Context, text string) (*audio.Buffer, error) {
	body := map[string]interface{}{
		"model":           s.cfg.Model,
		"input":           text,
		"voice":           s.cfg.Voice,
		"response_format": "pcm",
	}
	if s.cfg.Speed > 0 && s.cfg.Speed != 1.0 {
		body["speed"] = s.cfg.Speed
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("tts: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/audio/speech", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("tts: failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("tts: API returned %d: %s", resp.StatusCode, string(msg))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tts: failed to read response: %w", err)
	}

	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return audio.NewBuffer(samples, s.cfg.SampleRate, 1), nil
}
