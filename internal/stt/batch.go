package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/voicewire/internal/audio"
)

// batchPollInterval is how often a batch session checks for end-of-utterance.
const batchPollInterval = 50 * time.Millisecond

// minUtteranceSamples drops fragments too short to transcribe (~200ms at
// 8 kHz); keyboard taps and line noise trip VAD constantly.
const minUtteranceSamples = 1600

// BatchConnector adapts the batch HTTPTranscriber to the streaming Session
// seam. Audio accumulates until the configured end-of-utterance silence,
// then the whole utterance is submitted at once. Partial results are never
// emitted; every transcript is final.
type BatchConnector struct {
	transcriber *HTTPTranscriber
	logger      *slog.Logger
}

// NewBatchConnector creates a connector backed by a batch transcriber.
func NewBatchConnector(tr *HTTPTranscriber, logger *slog.Logger) *BatchConnector {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchConnector{transcriber: tr, logger: logger.With("component", "batch-stt")}
}

// Connect opens a new accumulate-and-submit session.
func (c *BatchConnector) Connect(ctx context.Context, cfg Config) (Session, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 8000
	}
	if cfg.EndSilenceMs <= 0 {
		cfg.EndSilenceMs = 800
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &batchSession{
		ctx:         sctx,
		cancel:      cancel,
		transcriber: c.transcriber,
		cfg:         cfg,
		logger:      c.logger,
	}
	go s.run()
	return s, nil
}

type batchSession struct {
	ctx         context.Context
	cancel      context.CancelFunc
	transcriber *HTTPTranscriber
	cfg         Config
	logger      *slog.Logger

	mu           sync.Mutex
	pending      []int16
	lastVoice    time.Time
	voiced       bool
	onPartial    func(Transcript)
	onTranscript func(Transcript)
	onError      func(error)
	closed       bool
}

// SendAudio buffers one chunk. Voice activity is tracked by peak amplitude
// against the configured VAD threshold.
func (s *batchSession) SendAudio(data []byte) error {
	var samples []int16
	switch s.cfg.Encoding {
	case "linear16":
		samples = make([]int16, len(data)/2)
		for i := range samples {
			samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
		}
	default: // mulaw
		samples = audio.MulawToPCM(data)
	}

	buf := audio.NewBuffer(samples, s.cfg.SampleRate, 1)
	threshold := int16(s.vadThreshold() * 32767)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.pending = append(s.pending, samples...)
	if buf.PeakAmplitude() > threshold {
		s.lastVoice = time.Now()
		s.voiced = true
	}
	return nil
}

func (s *batchSession) vadThreshold() float64 {
	if s.cfg.VADThreshold > 0 {
		return s.cfg.VADThreshold
	}
	return 0.02
}

func (s *batchSession) OnPartial(fn func(Transcript)) {
	s.mu.Lock()
	s.onPartial = fn
	s.mu.Unlock()
}

func (s *batchSession) OnTranscript(fn func(Transcript)) {
	s.mu.Lock()
	s.onTranscript = fn
	s.mu.Unlock()
}

func (s *batchSession) OnError(fn func(error)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

// Close stops the session; buffered audio that never reached end-of-silence
// is dropped with the call.
func (s *batchSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.pending = nil
	s.mu.Unlock()
	s.cancel()
	return nil
}

func (s *batchSession) run() {
	ticker := time.NewTicker(batchPollInterval)
	defer ticker.Stop()

	silence := time.Duration(s.cfg.EndSilenceMs) * time.Millisecond
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		ready := s.voiced && time.Since(s.lastVoice) >= silence
		if !ready {
			s.mu.Unlock()
			continue
		}
		utterance := s.pending
		s.pending = nil
		s.voiced = false
		s.mu.Unlock()

		if len(utterance) < minUtteranceSamples {
			continue
		}
		s.submit(utterance)
	}
}

func (s *batchSession) submit(samples []int16) {
	wav := encodeWAV(samples, s.cfg.SampleRate)
	text, err := s.transcriber.Transcribe(s.ctx, bytes.NewReader(wav), "audio/wav")
	if err != nil {
		s.logger.Warn("batch transcription failed", "error", err)
		s.mu.Lock()
		fn := s.onError
		s.mu.Unlock()
		if fn != nil {
			fn(err)
		}
		return
	}
	if text == "" {
		return
	}

	s.mu.Lock()
	fn := s.onTranscript
	closed := s.closed
	s.mu.Unlock()
	if fn != nil && !closed {
		fn(Transcript{Text: text, IsFinal: true, Confidence: 1.0})
	}
}

// encodeWAV wraps linear PCM16 samples in a minimal mono RIFF container.
func encodeWAV(samples []int16, sampleRate int) []byte {
	dataLen := len(samples) * 2
	var b bytes.Buffer
	b.Grow(44 + dataLen)

	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36+dataLen))
	b.WriteString("WAVE")

	b.WriteString("fmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&b, binary.LittleEndian, uint16(1)) // mono
	_ = binary.Write(&b, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&b, binary.LittleEndian, uint32(sampleRate*2)) // byte rate
	_ = binary.Write(&b, binary.LittleEndian, uint16(2))            // block align
	_ = binary.Write(&b, binary.LittleEndian, uint16(16))           // bits per sample

	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(dataLen))
	for _, sample := range samples {
		_ = binary.Write(&b, binary.LittleEndian, sample)
	}
	return b.Bytes()
}
