package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// TranscriberConfig holds configuration for the batch HTTP transcriber.
type TranscriberConfig struct {
	// APIKey authenticates against the transcription API (required).
	APIKey string

	// BaseURL is the base URL for the API.
	BaseURL string

	// Model is the transcription model to use.
	Model string

	// Language is the default language (ISO 639-1); empty = auto-detect.
	Language string

	// Timeout is the HTTP request timeout (default: 60s).
	Timeout time.Duration

	Logger *slog.Logger
}

// HTTPTranscriber transcribes recorded audio through a whisper-style
// multipart HTTP endpoint. It is the batch fallback used when no streaming
// vendor is configured: the media-stream handler accumulates an utterance
// and submits it whole.
type HTTPTranscriber struct {
	apiKey     string
	baseURL    string
	model      string
	language   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPTranscriber creates a batch transcriber.
func NewHTTPTranscriber(cfg TranscriberConfig) (*HTTPTranscriber, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("transcriber: API key is required")
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "whisper-1"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTranscriber{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		model:      model,
		language:   cfg.Language,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "http-transcriber"),
	}, nil
}

// Transcribe converts one recorded utterance to text.
func (t *HTTPTranscriber) Transcribe(ctx context.Context, audio io.Reader, mimeType string) (string, error) {
	const maxAudioBytes = 25 * 1024 * 1024
	audioData, err := io.ReadAll(io.LimitReader(audio, maxAudioBytes+1))
	if err != nil {
		return "", fmt.Errorf("transcriber: read audio: %w", err)
	}
	if len(audioData) == 0 {
		return "", fmt.Errorf("transcriber: audio is empty")
	}
	if len(audioData) > maxAudioBytes {
		return "", fmt.Errorf("transcriber: audio exceeds %d bytes", maxAudioBytes)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	ext := "wav"
	if strings.Contains(mimeType, "ogg") {
		ext = "ogg"
	} else if strings.Contains(mimeType, "mpeg") || strings.Contains(mimeType, "mp3") {
		ext = "mp3"
	}
	part, err := writer.CreateFormFile("file", "audio."+ext)
	if err != nil {
		return "", fmt.Errorf("transcriber: create form file: %w", err)
	}
	if _, err := part.Write(audioData); err != nil {
		return "", fmt.Errorf("transcriber: write audio: %w", err)
	}
	if err := writer.WriteField("model", t.model); err != nil {
		return "", fmt.Errorf("transcriber: write model field: %w", err)
	}
	if t.language != "" {
		if err := writer.WriteField("language", t.language); err != nil {
			return "", fmt.Errorf("transcriber: write language field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("transcriber: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("transcriber: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcriber: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("transcriber: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcriber: API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("transcriber: parse response: %w", err)
	}
	return strings.TrimSpace(parsed.Text), nil
}
