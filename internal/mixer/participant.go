// Package mixer implements N-party voice channels: participant lifecycle,
// broadcast-style audio mixing, active-speaker detection, and per-listener
// fan-out with echo exclusion.
package mixer

import (
	"sync"
	"time"

	"github.com/haasonsaas/voicewire/internal/audio"
)

// OutputMode controls what a participant receives from the channel.
type OutputMode string

const (
	// OutputMixed delivers the mixed channel audio.
	OutputMixed OutputMode = "mixed"
	// OutputNone delivers nothing (listen-only bots, recorders feeding
	// audio in but never out).
	OutputNone OutputMode = "none"
)

// participantOutputBuffer is the fan-out queue depth per participant.
const participantOutputBuffer = 32

// Participant is one member of a voice channel. A participant belongs to
// exactly one channel at a time; removing it from the channel releases it.
type Participant struct {
	UserID      string
	DisplayName string

	mu         sync.Mutex
	volume     float64
	enabled    bool
	outputMode OutputMode
	pending    *audio.Buffer
	lastAudio  time.Time
	lastPeak   int16
	output     chan *audio.Buffer
	closed     bool
}

func newParticipant(userID, displayName string) *Participant {
	return &Participant{
		UserID:      userID,
		DisplayName: displayName,
		volume:      1.0,
		enabled:     true,
		outputMode:  OutputMixed,
		output:      make(chan *audio.Buffer, participantOutputBuffer),
	}
}

// Output returns the participant's receive stream. It is closed when the
// participant leaves the channel.
func (p *Participant) Output() <-chan *audio.Buffer {
	return p.output
}

// Volume returns the participant's volume in [0,1].
func (p *Participant) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// Enabled reports whether the participant contributes to the mix.
func (p *Participant) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// OutputMode returns the participant's delivery mode.
func (p *Participant) Mode() OutputMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outputMode
}

// LastAudio returns when audio was last received from this participant.
func (p *Participant) LastAudio() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAudio
}

// push stores the most recent audio buffer since the last mix.
func (p *Participant) push(buf *audio.Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = buf
	p.lastAudio = time.Now()
	p.lastPeak = buf.PeakAmplitude()
}

// take returns and clears the pending buffer, pre-scaled by volume.
// Disabled participants contribute nothing.
func (p *Participant) take() *audio.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := p.pending
	p.pending = nil
	if buf == nil || !p.enabled {
		return nil
	}
	if p.volume != 1.0 {
		buf = buf.Clone()
		buf.Scale(p.volume)
	}
	return buf
}

// deliver attempts a non-blocking send of mixed audio. It returns false
// when the participant's queue is full or already released; the caller
// logs and moves on, never aborting delivery to other participants.
func (p *Participant) deliver(buf *audio.Buffer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.outputMode == OutputNone {
		return p.outputMode == OutputNone // suppressed is not a failure
	}
	select {
	case p.output <- buf:
		return true
	default:
		return false
	}
}

// release closes the output stream. Idempotent.
func (p *Participant) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.output)
	}
}
