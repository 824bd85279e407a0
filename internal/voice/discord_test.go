package voice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
)

func newTestDiscord(t *testing.T) *DiscordProvider {
	t.Helper()
	p, err := NewDiscordProvider(DiscordProviderConfig{BotToken: "test-token"})
	if err != nil {
		t.Fatalf("NewDiscordProvider: %v", err)
	}
	return p
}

// recordingEncoder captures every PCM frame it is asked to encode.
type recordingEncoder struct {
	frames [][]int16
	err    error
}

func (e *recordingEncoder) Encode(pcm []int16, sampleRate int) ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	frame := make([]int16, len(pcm))
	copy(frame, pcm)
	e.frames = append(e.frames, frame)
	return []byte{0xFC}, nil
}

func TestSendOpusFrames_SlicesAndPadsFrames(t *testing.T) {
	enc := &recordingEncoder{}
	out := make(chan []byte, 8)

	// 48kHz gives 960-sample frames; 2200 samples is two full frames
	// plus a 280-sample tail that must be padded.
	samples := make([]int16, 2200)
	for i := range samples {
		samples[i] = int16(i % 100)
	}

	if err := sendOpusFrames(context.Background(), enc, out, samples, 48000); err != nil {
		t.Fatalf("sendOpusFrames: %v", err)
	}

	if len(enc.frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(enc.frames))
	}
	for i, frame := range enc.frames {
		if len(frame) != 960 {
			t.Fatalf("frame %d has %d samples, want 960", i, len(frame))
		}
	}
	tail := enc.frames[2]
	if tail[279] != samples[2199] {
		t.Fatalf("tail sample = %d, want %d", tail[279], samples[2199])
	}
	for i := 280; i < 960; i++ {
		if tail[i] != 0 {
			t.Fatalf("tail[%d] = %d, want zero padding", i, tail[i])
		}
	}
	if len(out) != 3 {
		t.Fatalf("got %d packets on send channel, want 3", len(out))
	}
}

func TestSendOpusFrames_EncodeError(t *testing.T) {
	enc := &recordingEncoder{err: errors.New("codec exploded")}
	out := make(chan []byte, 1)
	err := sendOpusFrames(context.Background(), enc, out, make([]int16, 960), 48000)
	if err == nil || !errors.Is(err, enc.err) {
		t.Fatalf("err = %v, want wrapped encode error", err)
	}
}

func TestSendOpusFrames_CancelStopsMidStream(t *testing.T) {
	enc := &recordingEncoder{}
	out := make(chan []byte) // unbuffered, nobody reading

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sendOpusFrames(ctx, enc, out, make([]int16, 960*10), 48000)
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sendOpusFrames did not return after cancel")
	}
}

func TestPlayTTS_RequiresEncoder(t *testing.T) {
	p := newTestDiscord(t)
	p.synth = stubSynth{}
	err := p.PlayTTS(context.Background(), &PlayTTSInput{ProviderCallID: "chan-1", Text: "hi"})
	if err == nil {
		t.Fatal("expected error when no encoder is configured")
	}
}

type stubSynth struct{}

func (stubSynth) Synthesize(ctx context.Context, text string) ([]int16, int, error) {
	return make([]int16, 960), 48000, nil
}

func TestHandleSpeakingUpdate_DropsBotSSRC(t *testing.T) {
	p := newTestDiscord(t)
	p.callIDs["chan-1"] = "call-1"
	p.botSSRCs[42] = true

	var events []CallEvent
	p.SetEventSink(func(e CallEvent) { events = append(events, e) })

	vc := &discordgo.VoiceConnection{ChannelID: "chan-1"}

	p.handleSpeakingUpdate(vc, &discordgo.VoiceSpeakingUpdate{SSRC: 42, Speaking: true})
	if len(events) != 0 {
		t.Fatalf("bot speaking update emitted %d events, want 0", len(events))
	}

	p.handleSpeakingUpdate(vc, &discordgo.VoiceSpeakingUpdate{UserID: "user-9", SSRC: 7, Speaking: true})
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Type != EventCallSpeech {
		t.Fatalf("event type = %s, want %s", events[0].Type, EventCallSpeech)
	}
	if events[0].From != "user-9" {
		t.Fatalf("event from = %s, want user-9", events[0].From)
	}
}
