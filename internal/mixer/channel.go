package mixer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/voicewire/internal/audio"
	"github.com/haasonsaas/voicewire/internal/observability"
	"github.com/haasonsaas/voicewire/internal/voice"
)

// DefaultMaxParticipants bounds channel membership when no limit is given.
const DefaultMaxParticipants = 16

// activeSpeakerThreshold is the peak amplitude above which a track counts
// as speech rather than background noise (~3% of full scale).
const activeSpeakerThreshold = 1000

// activeSpeakerWindow is how recent audio must be to count as speaking.
const activeSpeakerWindow = 500 * time.Millisecond

// Channel is one N-party voice room. All membership mutation goes through
// its methods; nothing else writes the participant table.
type Channel struct {
	ID   string
	Name string

	maxParticipants int
	logger          *slog.Logger
	metrics         *observability.Metrics

	mu           sync.Mutex
	participants map[string]*Participant
}

// NewChannel creates a voice channel.
func NewChannel(id, name string, maxParticipants int, logger *slog.Logger) *Channel {
	if maxParticipants <= 0 {
		maxParticipants = DefaultMaxParticipants
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		ID:              id,
		Name:            name,
		maxParticipants: maxParticipants,
		logger:          logger.With("component", "mixer", "channel_id", id),
		participants:    make(map[string]*Participant),
	}
}

// AddParticipant admits a user to the channel. A channel at capacity
// rejects with a capacity error and admits nothing.
func (c *Channel) AddParticipant(userID, displayName string) (*Participant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.participants[userID]; exists {
		return nil, voice.ErrInvalidInput("participant already in channel", nil).
			WithContext("user_id", userID).WithContext("channel_id", c.ID)
	}
	if len(c.participants) >= c.maxParticipants {
		return nil, voice.ErrCapacity("channel full", nil).
			WithContext("channel_id", c.ID).WithContext("max", c.maxParticipants)
	}

	p := newParticipant(userID, displayName)
	c.participants[userID] = p
	if c.metrics != nil {
		c.metrics.MixerParticipants.Inc()
	}
	c.logger.Debug("participant joined", "user_id", userID, "count", len(c.participants))
	return p, nil
}

// RemoveParticipant releases a participant's mixer track and output
// stream. Removing an absent participant is a no-op so racing cleanup
// paths are safe. When the last participant leaves, the channel becomes
// eligible for teardown by its owning registry.
func (c *Channel) RemoveParticipant(userID string) {
	c.mu.Lock()
	p, ok := c.participants[userID]
	if ok {
		delete(c.participants, userID)
	}
	remaining := len(c.participants)
	c.mu.Unlock()

	if !ok {
		return
	}
	p.release()
	if c.metrics != nil {
		c.metrics.MixerParticipants.Dec()
	}
	c.logger.Debug("participant left", "user_id", userID, "remaining", remaining)
}

// SetParticipantVolume scales a participant's samples before mixing.
// Volume is clamped to [0,1].
func (c *Channel) SetParticipantVolume(userID string, volume float64) error {
	p, err := c.participant(userID)
	if err != nil {
		return err
	}
	if volume < 0 {
		volume = 0
	} else if volume > 1 {
		volume = 1
	}
	p.mu.Lock()
	p.volume = volume
	p.mu.Unlock()
	return nil
}

// SetParticipantEnabled toggles mute. A disabled participant is excluded
// from the mix entirely but remains a channel member.
func (c *Channel) SetParticipantEnabled(userID string, enabled bool) error {
	p, err := c.participant(userID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.enabled = enabled
	p.mu.Unlock()
	return nil
}

// SetParticipantMode sets what the participant receives at fan-out.
func (c *Channel) SetParticipantMode(userID string, mode OutputMode) error {
	p, err := c.participant(userID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.outputMode = mode
	p.mu.Unlock()
	return nil
}

// PushAudio records a participant's latest audio buffer for the next mix.
func (c *Channel) PushAudio(userID string, buf *audio.Buffer) error {
	p, err := c.participant(userID)
	if err != nil {
		return err
	}
	p.push(buf)
	return nil
}

// ParticipantCount returns current membership.
func (c *Channel) ParticipantCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.participants)
}

// Empty reports whether the channel has no participants and is therefore
// eligible for teardown.
func (c *Channel) Empty() bool {
	return c.ParticipantCount() == 0
}

// Participant returns a member by user ID.
func (c *Channel) Participant(userID string) (*Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.participants[userID]
	return p, ok
}

func (c *Channel) participant(userID string) (*Participant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.participants[userID]
	if !ok {
		return nil, voice.ErrNotFound("participant not in channel", nil).
			WithContext("user_id", userID).WithContext("channel_id", c.ID)
	}
	return p, nil
}

// MixResult is one mixed output buffer plus the tracks that went into it.
type MixResult struct {
	Buffer       *audio.Buffer
	Contributors []string
}

// collectTracks consumes each enabled participant's pending buffer and
// returns the contributing tracks in a stable order, with the dominant
// sample rate and channel count.
func (c *Channel) collectTracks() (tracks []*audio.Buffer, contributors []string, sampleRate, channels int) {
	c.mu.Lock()
	members := make([]*Participant, 0, len(c.participants))
	for _, p := range c.participants {
		members = append(members, p)
	}
	c.mu.Unlock()

	for _, p := range members {
		buf := p.take()
		if buf == nil || len(buf.Samples) == 0 {
			continue
		}
		tracks = append(tracks, buf)
		contributors = append(contributors, p.UserID)
		if buf.SampleRate > sampleRate {
			sampleRate = buf.SampleRate
			channels = buf.Channels
		}
	}
	return tracks, contributors, sampleRate, channels
}

// mixTracks averages the tracks, skipping the track at index skip when
// skip >= 0. Each output sample is the arithmetic mean of the tracks that
// actually have data at that index: shorter tracks are simply absent
// beyond their own length, never zero-padded into the average, so one
// short burst cannot dilute another. Returns nil when no track remains.
func mixTracks(tracks []*audio.Buffer, skip, sampleRate, channels int) *audio.Buffer {
	maxLen := 0
	for i, t := range tracks {
		if i == skip {
			continue
		}
		if len(t.Samples) > maxLen {
			maxLen = len(t.Samples)
		}
	}
	if maxLen == 0 {
		return nil
	}

	out := make([]int16, maxLen)
	for i := 0; i < maxLen; i++ {
		var sum int64
		var count int64
		for j, t := range tracks {
			if j == skip {
				continue
			}
			if i < len(t.Samples) {
				sum += int64(t.Samples[i])
				count++
			}
		}
		// count is never zero: maxLen comes from a surviving track.
		out[i] = int16(sum / count)
	}
	return audio.NewBuffer(out, sampleRate, channels)
}

// Mix consumes each enabled participant's pending buffer and produces one
// output buffer over all contributing tracks. Muted participants are
// excluded from the average entirely.
func (c *Channel) Mix() *MixResult {
	tracks, contributors, sampleRate, channels := c.collectTracks()
	if len(tracks) == 0 {
		return nil
	}
	return &MixResult{
		Buffer:       mixTracks(tracks, -1, sampleRate, channels),
		Contributors: contributors,
	}
}

// ActiveSpeakers returns the participants whose recent audio peak exceeds
// the detection threshold.
func (c *Channel) ActiveSpeakers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var active []string
	for id, p := range c.participants {
		p.mu.Lock()
		speaking := p.enabled &&
			p.lastPeak > activeSpeakerThreshold &&
			now.Sub(p.lastAudio) <= activeSpeakerWindow
		p.mu.Unlock()
		if speaking {
			active = append(active, id)
		}
	}
	return active
}

// Broadcast delivers a buffer to every participant whose output mode is
// not "none", excluding the sender. The mix stage produces one shared
// buffer; echo exclusion happens here at fan-out time, per recipient, so a
// participant never receives their own just-sent audio back. A failed
// delivery to one participant is logged and never aborts the rest.
func (c *Channel) Broadcast(buf *audio.Buffer, excludeUserID string) {
	c.mu.Lock()
	members := make([]*Participant, 0, len(c.participants))
	for _, p := range c.participants {
		members = append(members, p)
	}
	c.mu.Unlock()

	for _, p := range members {
		if p.UserID == excludeUserID {
			continue
		}
		if !p.deliver(buf) {
			c.logger.Warn("audio delivery failed", "user_id", p.UserID)
		}
	}
}

// MixAndBroadcast runs one mix cycle and fans the result out with
// per-recipient echo exclusion: a contributor's buffer is the mean over
// the other tracks only, so nobody ever hears their own just-sent audio.
// A contributor with no other track to hear is skipped entirely.
// Non-contributors receive the full mix. A failed delivery to one
// participant is logged and never aborts the rest.
func (c *Channel) MixAndBroadcast() *MixResult {
	tracks, contributors, sampleRate, channels := c.collectTracks()
	if len(tracks) == 0 {
		return nil
	}
	full := mixTracks(tracks, -1, sampleRate, channels)

	trackIdx := make(map[string]int, len(contributors))
	for i, id := range contributors {
		trackIdx[id] = i
	}

	c.mu.Lock()
	members := make([]*Participant, 0, len(c.participants))
	for _, p := range c.participants {
		members = append(members, p)
	}
	c.mu.Unlock()

	for _, p := range members {
		out := full
		if idx, contributed := trackIdx[p.UserID]; contributed {
			out = mixTracks(tracks, idx, sampleRate, channels)
			if out == nil {
				// Sole contributor; the mix is nothing but their echo.
				continue
			}
		}
		if !p.deliver(out) {
			c.logger.Warn("audio delivery failed", "user_id", p.UserID)
		}
	}

	return &MixResult{Buffer: full, Contributors: contributors}
}
