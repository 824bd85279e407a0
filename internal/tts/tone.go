package tts

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/haasonsaas/voicewire/internal/audio"
)

// ToneSynthesizer renders text as a sine tone whose pitch is derived from
// the text. Output is deterministic for a given input, which makes it
// usable offline and in tests.
type ToneSynthesizer struct {
	// SampleRate of the generated audio. Default: 8000.
	SampleRate int

	// MsPerChar controls how long the tone lasts per input byte.
	// Default: 40.
	MsPerChar int
}

func (s *ToneSynthesizer) Name() string { return "tone" }

// Synthesize produces a tone between 200 and 1200 Hz, 40ms per character,
// capped at 10 seconds.
func (s *ToneSynthesizer) Synthesize(ctx context.Context, text string) (*audio.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rate := s.SampleRate
	if rate <= 0 {
		rate = 8000
	}
	msPerChar := s.MsPerChar
	if msPerChar <= 0 {
		msPerChar = 40
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	freq := 200 + float64(h.Sum32()%1000)

	durMs := len(text) * msPerChar
	if durMs > 10000 {
		durMs = 10000
	}
	n := rate * durMs / 1000

	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return audio.NewBuffer(samples, rate, 1), nil
}
