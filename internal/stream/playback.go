package stream

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/haasonsaas/voicewire/internal/audio"
)

// play writes buf into the stream as fixed 20ms mu-law frames at the call's
// sample rate. The frame size is the provider's native chunking contract,
// so it is derived from the rate rather than configured. Writes are paced
// to real time; a barge-in or stream teardown aborts mid-buffer and sends
// clear so the provider drops its queued audio.
func (cs *callStream) play(ctx context.Context, buf *audio.Buffer) error {
	if buf == nil || len(buf.Samples) == 0 {
		return nil
	}

	stop, err := cs.beginPlayback()
	if err != nil {
		return err
	}
	defer cs.endPlayback()

	samplesPerFrame := audio.SamplesPerFrame(cs.sampleRate)
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	for offset := 0; offset < len(buf.Samples); offset += samplesPerFrame {
		end := offset + samplesPerFrame
		if end > len(buf.Samples) {
			end = len(buf.Samples)
		}
		frame := audio.PCMToMulaw(buf.Samples[offset:end])

		if err := cs.writeJSON(streamMessage{
			Event:     "media",
			StreamSID: cs.streamSID,
			Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(frame)},
		}); err != nil {
			return fmt.Errorf("stream: write audio frame: %w", err)
		}
		if cs.h.cfg.Metrics != nil {
			cs.h.cfg.Metrics.StreamFrames.WithLabelValues("outbound").Inc()
		}

		select {
		case <-ticker.C:
		case <-stop:
			return cs.sendClear()
		case <-cs.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Mark lets the provider report when its buffered audio finishes.
	return cs.writeJSON(streamMessage{
		Event:     "mark",
		StreamSID: cs.streamSID,
		Mark:      &markPayload{Name: "playback-complete"},
	})
}

// clear interrupts any in-flight playback and tells the provider to drop
// buffered audio.
func (cs *callStream) clear() error {
	cs.interruptPlayback()
	return cs.sendClear()
}

func (cs *callStream) sendClear() error {
	return cs.writeJSON(streamMessage{
		Event:     "clear",
		StreamSID: cs.streamSID,
	})
}

func (cs *callStream) beginPlayback() (<-chan struct{}, error) {
	cs.playMu.Lock()
	defer cs.playMu.Unlock()
	if cs.playing {
		return nil, fmt.Errorf("stream: playback already in progress")
	}
	cs.playing = true
	cs.stopPlaying = make(chan struct{})
	return cs.stopPlaying, nil
}

func (cs *callStream) endPlayback() {
	cs.playMu.Lock()
	cs.playing = false
	cs.stopPlaying = nil
	cs.playMu.Unlock()
}

// interruptPlayback signals an in-flight play loop to stop. Safe to call
// when nothing is playing.
func (cs *callStream) interruptPlayback() {
	cs.playMu.Lock()
	if cs.playing && cs.stopPlaying != nil {
		close(cs.stopPlaying)
		cs.stopPlaying = nil
	}
	cs.playMu.Unlock()
}

func (cs *callStream) writeJSON(msg streamMessage) error {
	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()
	return cs.conn.WriteJSON(msg)
}
