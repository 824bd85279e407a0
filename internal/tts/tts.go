// Package tts turns text into PCM audio buffers suitable for phone-quality
// playback. Synthesizers are tried in a configurable fallback chain so a
// flaky primary provider degrades to a backup instead of silencing the call.
package tts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/voicewire/internal/audio"
)

// Synthesizer converts text into a single PCM buffer.
type Synthesizer interface {
	// Name identifies the synthesizer in logs and results.
	Name() string

	// Synthesize renders text as mono PCM at the synthesizer's native rate.
	Synthesize(ctx context.Context, text string) (*audio.Buffer, error)
}

// Config controls the synthesis chain.
type Config struct {
	// MaxTextLength truncates input text beyond this many bytes.
	// Default: 4096.
	MaxTextLength int `yaml:"max_text_length"`

	// TimeoutSeconds bounds a full chain attempt.
	// Default: 30.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// HTTP configures the HTTP synthesizer.
	HTTP HTTPConfig `yaml:"http"`
}

// Result contains the outcome of a synthesis attempt.
type Result struct {
	Audio     *audio.Buffer
	Provider  string
	LatencyMs int64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxTextLength:  4096,
		TimeoutSeconds: 30,
	}
}

// ApplyDefaults fills empty fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.MaxTextLength <= 0 {
		c.MaxTextLength = defaults.MaxTextLength
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = defaults.TimeoutSeconds
	}
}

// Manager runs a synthesizer chain with per-call timeout and fallback.
type Manager struct {
	cfg   *Config
	chain []Synthesizer
}

// NewManager builds a Manager over the given chain. The first synthesizer
// is the primary; the rest are fallbacks in order.
func NewManager(cfg *Config, chain ...Synthesizer) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.ApplyDefaults()
	if len(chain) == 0 {
		return nil, errors.New("tts: no synthesizers configured")
	}
	return &Manager{cfg: cfg, chain: chain}, nil
}

// Synthesize tries each synthesizer in order until one succeeds.
func (m *Manager) Synthesize(ctx context.Context, text string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("tts: text is empty")
	}
	if len(text) > m.cfg.MaxTextLength {
		text = text[:m.cfg.MaxTextLength]
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(m.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	var lastErr error
	for _, syn := range m.chain {
		start := time.Now()
		buf, err := syn.Synthesize(ctx, text)
		if err == nil {
			return &Result{
				Audio:     buf,
				Provider:  syn.Name(),
				LatencyMs: time.Since(start).Milliseconds(),
			}, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("tts: %s: %w", syn.Name(), ctx.Err())
		}
		lastErr = fmt.Errorf("tts: %s: %w", syn.Name(), err)
	}
	return nil, lastErr
}
