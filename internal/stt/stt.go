// Package stt defines the speech-recognition capability seam. Concrete
// vendors live behind the Connector interface; the engine only ever sees
// sessions and transcript callbacks.
package stt

import (
	"context"
)

// Config describes one recognition session.
type Config struct {
	// APIKey authenticates against the vendor.
	APIKey string

	// Encoding is the wire audio encoding ("mulaw", "linear16").
	Encoding string

	// SampleRate of the inbound audio in Hz.
	SampleRate int

	// Language hint (e.g. "en-US").
	Language string

	// VADThreshold tunes voice-activity detection sensitivity in [0,1].
	VADThreshold float64

	// EndSilenceMs is how much trailing silence finalizes an utterance.
	EndSilenceMs int
}

// Transcript is one recognition result.
type Transcript struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// Session is a live streaming recognition session.
type Session interface {
	// SendAudio streams one chunk of audio into the recognizer.
	SendAudio(data []byte) error

	// OnPartial registers a callback for interim results.
	OnPartial(fn func(Transcript))

	// OnTranscript registers a callback for finalized results.
	OnTranscript(fn func(Transcript))

	// OnError registers a callback for session failures, including the
	// terminal error after reconnection attempts are exhausted.
	OnError(fn func(error))

	// Close ends the session. After Close, no reconnection happens and
	// no further callbacks fire.
	Close() error
}

// Connector opens recognition sessions against a vendor.
type Connector interface {
	Connect(ctx context.Context, cfg Config) (Session, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context, cfg Config) (Session, error)

func (f ConnectorFunc) Connect(ctx context.Context, cfg Config) (Session, error) {
	return f(ctx, cfg)
}
