package audio

import (
	"testing"
	"time"
)

func TestBufferDuration(t *testing.T) {
	tests := []struct {
		name     string
		samples  int
		rate     int
		channels int
		want     time.Duration
	}{
		{"one second mono 8k", 8000, 8000, 1, time.Second},
		{"20ms frame", 160, 8000, 1, 20 * time.Millisecond},
		{"stereo halves frame count", 16000, 8000, 2, time.Second},
		{"empty", 0, 8000, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuffer(make([]int16, tt.samples), tt.rate, tt.channels)
			if got := b.Duration(); got != tt.want {
				t.Fatalf("Duration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewBufferDefaults(t *testing.T) {
	b := NewBuffer(nil, 0, 0)
	if b.SampleRate != 8000 || b.Channels != 1 {
		t.Fatalf("defaults = %d Hz / %d ch, want 8000 / 1", b.SampleRate, b.Channels)
	}
	if b.Timestamp.IsZero() {
		t.Fatal("timestamp not set")
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := NewBuffer([]int16{1, 2, 3}, 8000, 1)
	clone := orig.Clone()
	clone.Samples[0] = 99
	if orig.Samples[0] != 1 {
		t.Fatal("clone shares backing array with original")
	}
}

func TestScaleClampsToInt16(t *testing.T) {
	b := NewBuffer([]int16{1000, -1000, 30000, -30000}, 8000, 1)
	b.Scale(2.0)
	want := []int16{2000, -2000, 32767, -32768}
	for i, s := range b.Samples {
		if s != want[i] {
			t.Fatalf("sample %d = %d, want %d", i, s, want[i])
		}
	}
}

func TestScaleZeroSilences(t *testing.T) {
	b := NewBuffer([]int16{500, -500}, 8000, 1)
	b.Scale(0)
	for i, s := range b.Samples {
		if s != 0 {
			t.Fatalf("sample %d = %d after zero scale", i, s)
		}
	}
}

func TestPeakAmplitude(t *testing.T) {
	tests := []struct {
		name    string
		samples []int16
		want    int16
	}{
		{"positive peak", []int16{10, 500, 20}, 500},
		{"negative peak", []int16{10, -900, 20}, 900},
		{"min int16 does not overflow", []int16{-32768}, 32767},
		{"silence", []int16{0, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuffer(tt.samples, 8000, 1)
			if got := b.PeakAmplitude(); got != tt.want {
				t.Fatalf("PeakAmplitude() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFrameSizing(t *testing.T) {
	if got := SamplesPerFrame(8000); got != 160 {
		t.Fatalf("SamplesPerFrame(8000) = %d, want 160", got)
	}
	if got := BytesPerFrame(8000); got != 160 {
		t.Fatalf("BytesPerFrame(8000) = %d, want 160", got)
	}
	if got := SamplesPerFrame(16000); got != 320 {
		t.Fatalf("SamplesPerFrame(16000) = %d, want 320", got)
	}
}
