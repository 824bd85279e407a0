package stt

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/voicewire/internal/audio"
)

func loudMulawChunk(n int) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = 8000
	}
	return audio.PCMToMulaw(samples)
}

func TestBatchSessionSubmitsAfterSilence(t *testing.T) {
	var mu sync.Mutex
	var gotWAV []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
		} else {
			data, _ := io.ReadAll(file)
			mu.Lock()
			gotWAV = data
			mu.Unlock()
		}
		_, _ = w.Write([]byte(`{"text":"turn off the lights"}`))
	}))
	defer srv.Close()

	tr, err := NewHTTPTranscriber(TranscriberConfig{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPTranscriber: %v", err)
	}
	conn := NewBatchConnector(tr, nil)

	sess, err := conn.Connect(context.Background(), Config{
		Encoding:     "mulaw",
		SampleRate:   8000,
		EndSilenceMs: 60,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	results := make(chan Transcript, 1)
	sess.OnTranscript(func(tr Transcript) { results <- tr })

	// A quarter second of speech, then silence.
	if err := sess.SendAudio(loudMulawChunk(2000)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case tr := <-results:
		if tr.Text != "turn off the lights" || !tr.IsFinal {
			t.Fatalf("transcript = %+v", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no transcript after end-of-utterance silence")
	}

	mu.Lock()
	defer mu.Unlock()
	if !bytes.HasPrefix(gotWAV, []byte("RIFF")) {
		t.Fatal("submitted audio is not a RIFF container")
	}
	if len(gotWAV) != 44+2000*2 {
		t.Fatalf("wav length = %d, want %d", len(gotWAV), 44+2000*2)
	}
}

func TestBatchSessionSkipsShortFragments(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"text":"noise"}`))
	}))
	defer srv.Close()

	tr, _ := NewHTTPTranscriber(TranscriberConfig{APIKey: "k", BaseURL: srv.URL})
	sess, err := NewBatchConnector(tr, nil).Connect(context.Background(), Config{
		Encoding:     "mulaw",
		SampleRate:   8000,
		EndSilenceMs: 30,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	// 50ms blip, well under the minimum utterance length.
	_ = sess.SendAudio(loudMulawChunk(400))
	time.Sleep(200 * time.Millisecond)
	if calls != 0 {
		t.Fatalf("short fragment submitted %d times", calls)
	}
}

func TestBatchSessionQuietAudioNeverSubmits(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"text":""}`))
	}))
	defer srv.Close()

	tr, _ := NewHTTPTranscriber(TranscriberConfig{APIKey: "k", BaseURL: srv.URL})
	sess, err := NewBatchConnector(tr, nil).Connect(context.Background(), Config{
		Encoding:     "mulaw",
		SampleRate:   8000,
		EndSilenceMs: 30,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	// Background hum below the VAD threshold never marks voice activity.
	quiet := make([]int16, 4000)
	for i := range quiet {
		quiet[i] = 100
	}
	_ = sess.SendAudio(audio.PCMToMulaw(quiet))
	time.Sleep(200 * time.Millisecond)
	if calls != 0 {
		t.Fatalf("sub-threshold audio submitted %d times", calls)
	}
}

func TestBatchSessionReportsTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	tr, _ := NewHTTPTranscriber(TranscriberConfig{APIKey: "k", BaseURL: srv.URL})
	sess, err := NewBatchConnector(tr, nil).Connect(context.Background(), Config{
		Encoding:     "mulaw",
		SampleRate:   8000,
		EndSilenceMs: 30,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	errs := make(chan error, 1)
	sess.OnError(func(e error) { errs <- e })

	_ = sess.SendAudio(loudMulawChunk(2000))
	select {
	case <-errs:
	case <-time.After(2 * time.Second):
		t.Fatal("transport failure not surfaced")
	}
}
