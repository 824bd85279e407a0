// Package audio provides the common PCM audio representation used by the
// mixer and the media-stream handler, plus the G.711 µ-law conversion the
// telephony adapters apply at their boundary.
package audio

import (
	"time"
)

// Buffer is a timestamped block of 16-bit PCM samples. Provider wire
// formats (µ-law, Opus) are converted to and from this form at the adapter
// boundary; everything inside the engine speaks Buffer.
type Buffer struct {
	Samples    []int16
	SampleRate int
	Channels   int
	Timestamp  time.Time
}

// NewBuffer creates a Buffer, defaulting to 8 kHz mono when unset.
func NewBuffer(samples []int16, sampleRate, channels int) *Buffer {
	if sampleRate <= 0 {
		sampleRate = 8000
	}
	if channels <= 0 {
		channels = 1
	}
	return &Buffer{
		Samples:    samples,
		SampleRate: sampleRate,
		Channels:   channels,
		Timestamp:  time.Now(),
	}
}

// Duration returns the playback duration of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 || b.Channels <= 0 {
		return 0
	}
	frames := len(b.Samples) / b.Channels
	return time.Duration(frames) * time.Second / time.Duration(b.SampleRate)
}

// Clone returns a deep copy of the buffer.
func (b *Buffer) Clone() *Buffer {
	samples := make([]int16, len(b.Samples))
	copy(samples, b.Samples)
	return &Buffer{
		Samples:    samples,
		SampleRate: b.SampleRate,
		Channels:   b.Channels,
		Timestamp:  b.Timestamp,
	}
}

// Scale multiplies all samples by factor, clamping to int16 range.
// Used for per-participant volume before mixing.
func (b *Buffer) Scale(factor float64) {
	for i, s := range b.Samples {
		b.Samples[i] = clampInt16(float64(s) * factor)
	}
}

// PeakAmplitude returns the largest absolute sample value.
func (b *Buffer) PeakAmplitude() int16 {
	var peak int16
	for _, s := range b.Samples {
		a := s
		if a == -32768 {
			a = 32767
		} else if a < 0 {
			a = -a
		}
		if a > peak {
			peak = a
		}
	}
	return peak
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// FrameDuration is the native frame size telephony media streams expect.
// This is a wire contract with the provider, not a tuning knob.
const FrameDuration = 20 * time.Millisecond

// BytesPerFrame returns the byte length of one µ-law frame at the given
// sample rate (one byte per sample).
func BytesPerFrame(sampleRate int) int {
	return sampleRate / 50
}

// SamplesPerFrame returns the PCM sample count of one frame.
func SamplesPerFrame(sampleRate int) int {
	return sampleRate / 50
}
