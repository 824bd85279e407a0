package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/haasonsaas/voicewire/internal/audio"
)

// ExecConfig configures a command-line synthesizer.
type ExecConfig struct {
	// Command is the binary to run, e.g. "espeak-ng" or a wrapper script.
	// The binary must write raw signed 16-bit little-endian mono PCM to
	// stdout and read the input text from stdin.
	Command string `yaml:"command"`

	// Args are passed verbatim to the command.
	Args []string `yaml:"args"`

	// SampleRate of the command's PCM output. Default: 22050.
	SampleRate int `yaml:"sample_rate"`
}

// ExecSynthesizer shells out to a local TTS binary. Free and offline, at the
// cost of robotic voices; typically the fallback behind the HTTP synthesizer.
type ExecSynthesizer struct {
	cfg ExecConfig
}

// NewExecSynthesizer validates that the command exists on PATH.
func NewExecSynthesizer(cfg ExecConfig) (*ExecSynthesizer, error) {
	if cfg.Command == "" {
		return nil, errors.New("tts: exec synthesizer requires a command")
	}
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return nil, fmt.Errorf("tts: %s not installed: %w", cfg.Command, err)
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 22050
	}
	return &ExecSynthesizer{cfg: cfg}, nil
}

func (s *ExecSynthesizer) Name() string { return "exec:" + s.cfg.Command }

// Synthesize runs the command and decodes its stdout as PCM16.
func (s *ExecSynthesizer) Synthesize(ctx context.Context, text string) (*audio.Buffer, error) {
	cmd := exec.CommandContext(ctx, s.cfg.Command, s.cfg.Args...)
	cmd.Stdin = strings.NewReader(text)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("tts: %s failed: %w: %s", s.cfg.Command, err, stderr.String())
	}

	raw := stdout.Bytes()
	if len(raw) < 2 {
		return nil, fmt.Errorf("tts: %s produced no audio", s.cfg.Command)
	}

	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}

	return audio.NewBuffer(samples, s.cfg.SampleRate, 1), nil
}
