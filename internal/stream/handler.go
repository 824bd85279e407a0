package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/voicewire/internal/audio"
	"github.com/haasonsaas/voicewire/internal/observability"
	"github.com/haasonsaas/voicewire/internal/stt"
	"github.com/haasonsaas/voicewire/internal/voice"
)

// Speaker synthesizes speech for playback into a stream.
type Speaker interface {
	Synthesize(ctx context.Context, text string) (*audio.Buffer, error)
}

// Responder produces the bot's reply to a finalized caller utterance.
// Returning an empty reply skips the turn.
type Responder func(ctx context.Context, call *voice.Call, transcript string) (string, error)

// HandlerConfig wires the media-stream handler to its collaborators.
type HandlerConfig struct {
	Manager   *voice.Manager
	Connector stt.Connector
	STT       stt.Config

	// Speaker and Responder drive the reply turn; both optional.
	Speaker   Speaker
	Responder Responder

	SampleRate int

	// SettleDelay is how long after stream start before the queued
	// initial message is spoken. Providers drop audio written in the
	// first instants of a stream.
	SettleDelay time.Duration

	ReconnectMaxAttempts  int
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Handler terminates provider media streams. One instance serves every
// concurrent call; per-call state lives in callStream.
type Handler struct {
	cfg      HandlerConfig
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	streams map[string]*callStream // keyed by provider call ID
}

// NewHandler builds a media-stream handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 8000
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 300 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		streams: make(map[string]*callStream),
	}
}

// streamMessage is the provider's JSON control frame. Inbound audio rides
// in media.payload as base64 mu-law; outbound frames reuse the same shape.
type streamMessage struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markPayload  `json:"mark,omitempty"`
	DTMF      *dtmfPayload  `json:"dtmf,omitempty"`
	Sequence  string        `json:"sequenceNumber,omitempty"`
}

type startPayload struct {
	StreamSID    string            `json:"streamSid"`
	CallSID      string            `json:"callSid"`
	AccountSID   string            `json:"accountSid,omitempty"`
	Tracks       []string          `json:"tracks,omitempty"`
	MediaFormat  mediaFormat       `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters,omitempty"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

type dtmfPayload struct {
	Digit string `json:"digit"`
}

// ServeHTTP upgrades the connection and runs the stream until the provider
// stops it or the socket drops.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.cfg.Logger.Warn("media stream upgrade failed", "error", err)
		return
	}

	cs := &callStream{
		h:          h,
		conn:       conn,
		sampleRate: h.cfg.SampleRate,
		done:       make(chan struct{}),
	}
	cs.readLoop(r.Context())
}

// Play routes synthesized audio down the live stream for a call. It is the
// outbound half of the stream registration done at start time.
func (h *Handler) Play(ctx context.Context, providerCallID string, buf *audio.Buffer) error {
	cs, ok := h.stream(providerCallID)
	if !ok {
		return voice.ErrNotFound("no active media stream", nil).
			WithContext("provider_call_id", providerCallID)
	}
	return cs.play(ctx, buf)
}

// Clear interrupts in-flight playback for a call.
func (h *Handler) Clear(providerCallID string) error {
	cs, ok := h.stream(providerCallID)
	if !ok {
		return voice.ErrNotFound("no active media stream", nil).
			WithContext("provider_call_id", providerCallID)
	}
	return cs.clear()
}

// ActiveStreams reports how many media streams are currently connected.
func (h *Handler) ActiveStreams() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

func (h *Handler) stream(providerCallID string) (*callStream, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cs, ok := h.streams[providerCallID]
	return cs, ok
}

func (h *Handler) register(cs *callStream) {
	h.mu.Lock()
	h.streams[cs.providerCallID] = cs
	h.mu.Unlock()
}

func (h *Handler) unregister(cs *callStream) {
	h.mu.Lock()
	if h.streams[cs.providerCallID] == cs {
		delete(h.streams, cs.providerCallID)
	}
	h.mu.Unlock()
}

// callStream is the per-connection state for one call's media stream.
type callStream struct {
	h    *Handler
	conn *websocket.Conn

	streamSID      string
	providerCallID string
	callID         string
	sampleRate     int

	recognizer *Session

	// writeMu serializes all socket writes; the websocket connection
	// allows one concurrent writer.
	writeMu sync.Mutex

	playMu      sync.Mutex
	playing     bool
	stopPlaying chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func (cs *callStream) readLoop(ctx context.Context) {
	defer cs.teardown()

	for {
		_, data, err := cs.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cs.h.cfg.Logger.Debug("media stream read ended", "error", err, "call_id", cs.callID)
			}
			return
		}

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Event {
		case "connected":
			// Handshake preamble, nothing to do until start.
		case "start":
			if msg.Start == nil {
				continue
			}
			if err := cs.handleStart(ctx, msg.Start); err != nil {
				cs.h.cfg.Logger.Warn("media stream rejected", "error", err)
				return
			}
		case "media":
			if msg.Media != nil {
				cs.handleMedia(msg.Media)
			}
		case "dtmf":
			if msg.DTMF != nil {
				cs.handleDTMF(msg.DTMF.Digit)
			}
		case "mark":
			// Playback checkpoint acknowledged by the provider.
		case "stop":
			return
		}
	}
}

// handleStart correlates the stream to a call, registers it for outbound
// audio, opens the recognizer, and schedules the initial message after the
// settle delay.
func (cs *callStream) handleStart(ctx context.Context, start *startPayload) error {
	call, ok := cs.h.cfg.Manager.GetCallByProviderCallID(start.CallSID)
	if !ok {
		return voice.ErrNotFound("stream start for unknown call", nil).
			WithContext("provider_call_id", start.CallSID)
	}

	cs.streamSID = start.StreamSID
	cs.providerCallID = start.CallSID
	cs.callID = call.CallID
	if start.MediaFormat.SampleRate > 0 {
		cs.sampleRate = start.MediaFormat.SampleRate
	}
	cs.h.register(cs)

	sttCfg := cs.h.cfg.STT
	if sttCfg.Encoding == "" {
		sttCfg.Encoding = "mulaw"
	}
	if sttCfg.SampleRate == 0 {
		sttCfg.SampleRate = cs.sampleRate
	}
	sess, err := NewSession(ctx, SessionConfig{
		Connector:    cs.h.cfg.Connector,
		STT:          sttCfg,
		MaxAttempts:  cs.h.cfg.ReconnectMaxAttempts,
		InitialDelay: cs.h.cfg.ReconnectInitialDelay,
		MaxDelay:     cs.h.cfg.ReconnectMaxDelay,
		Logger:       cs.h.cfg.Logger,
		Metrics:      cs.h.cfg.Metrics,
	})
	if err != nil {
		return err
	}
	cs.recognizer = sess
	sess.OnTranscript(func(tr stt.Transcript) {
		cs.handleTranscript(ctx, tr)
	})
	sess.OnError(func(err error) {
		cs.h.cfg.Logger.Error("recognition failed for call, closing stream",
			"call_id", cs.callID, "error", err)
		cs.teardown()
	})

	cs.h.cfg.Logger.Info("media stream started",
		"call_id", cs.callID, "stream_sid", cs.streamSID, "sample_rate", cs.sampleRate)

	if call.InitialMessage != "" {
		go func() {
			select {
			case <-time.After(cs.h.cfg.SettleDelay):
			case <-cs.done:
				return
			}
			cs.say(ctx, call.InitialMessage)
		}()
	}
	return nil
}

func (cs *callStream) handleMedia(media *mediaPayload) {
	if cs.recognizer == nil {
		return
	}
	payload, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		return
	}
	if cs.h.cfg.Metrics != nil {
		cs.h.cfg.Metrics.StreamFrames.WithLabelValues("inbound").Inc()
	}
	_ = cs.recognizer.SendAudio(payload)
}

func (cs *callStream) handleDTMF(digit string) {
	if digit == "" {
		return
	}
	event := &voice.CallEvent{
		ID:             uuid.New().String(),
		Type:           voice.EventCallDTMF,
		CallID:         cs.callID,
		ProviderCallID: cs.providerCallID,
		Timestamp:      time.Now(),
		Digits:         digit,
	}
	if err := cs.h.cfg.Manager.ProcessEvent(context.Background(), event); err != nil {
		cs.h.cfg.Logger.Warn("dtmf event rejected", "call_id", cs.callID, "error", err)
	}
}

// handleTranscript feeds a finalized utterance into the call and, when a
// responder is configured, runs the reply turn. A caller speaking over
// in-flight bot audio interrupts the playback first.
func (cs *callStream) handleTranscript(ctx context.Context, tr stt.Transcript) {
	if !tr.IsFinal || tr.Text == "" {
		return
	}

	cs.interruptPlayback()

	event := &voice.CallEvent{
		ID:             uuid.New().String(),
		Type:           voice.EventCallSpeech,
		CallID:         cs.callID,
		ProviderCallID: cs.providerCallID,
		Timestamp:      time.Now(),
		Transcript:     tr.Text,
		IsFinal:        true,
		Confidence:     tr.Confidence,
	}
	if err := cs.h.cfg.Manager.ProcessEvent(ctx, event); err != nil {
		cs.h.cfg.Logger.Warn("speech event rejected", "call_id", cs.callID, "error", err)
		return
	}

	if cs.h.cfg.Responder == nil {
		return
	}
	call, ok := cs.h.cfg.Manager.GetCall(cs.callID)
	if !ok {
		return
	}
	reply, err := cs.h.cfg.Responder(ctx, call, tr.Text)
	if err != nil {
		cs.h.cfg.Logger.Error("responder failed", "call_id", cs.callID, "error", err)
		return
	}
	if reply != "" {
		cs.say(ctx, reply)
	}
}

// say synthesizes text and plays it into the stream.
func (cs *callStream) say(ctx context.Context, text string) {
	if cs.h.cfg.Speaker == nil {
		return
	}
	buf, err := cs.h.cfg.Speaker.Synthesize(ctx, text)
	if err != nil {
		cs.h.cfg.Logger.Error("synthesis failed", "call_id", cs.callID, "error", err)
		return
	}
	if err := cs.play(ctx, buf); err != nil {
		cs.h.cfg.Logger.Warn("playback failed", "call_id", cs.callID, "error", err)
	}
}

func (cs *callStream) teardown() {
	cs.closeOnce.Do(func() {
		close(cs.done)
		cs.interruptPlayback()
		if cs.recognizer != nil {
			_ = cs.recognizer.Close()
		}
		if cs.providerCallID != "" {
			cs.h.unregister(cs)
		}
		_ = cs.conn.Close()
		if cs.callID != "" {
			cs.h.cfg.Logger.Info("media stream closed", "call_id", cs.callID)
		}
	})
}
