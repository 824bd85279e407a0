package mixer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/voicewire/internal/observability"
	"github.com/haasonsaas/voicewire/internal/voice"
)

// Registry owns all voice channels. Channels with zero participants are
// torn down by the periodic sweep; a channel with at least one member is
// never removed.
type Registry struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewRegistry creates a channel registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger.With("component", "mixer-registry"),
		channels: make(map[string]*Channel),
	}
}

// SetMetrics attaches the participant gauge to channels created from now
// on. Safe to leave unset in tests.
func (r *Registry) SetMetrics(m *observability.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// CreateChannel registers a new voice channel.
func (r *Registry) CreateChannel(id, name string, maxParticipants int) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[id]; exists {
		return nil, voice.ErrInvalidInput("channel already exists", nil).WithContext("channel_id", id)
	}
	ch := NewChannel(id, name, maxParticipants, r.logger)
	ch.metrics = r.metrics
	r.channels[id] = ch
	r.logger.Info("channel created", "channel_id", id, "name", name)
	return ch, nil
}

// Channel returns a channel by ID.
func (r *Registry) Channel(id string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// RemoveChannel tears a channel down, releasing any remaining
// participants. Removing an absent channel is a no-op.
func (r *Registry) RemoveChannel(id string) {
	r.mu.Lock()
	ch, ok := r.channels[id]
	if ok {
		delete(r.channels, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	ch.mu.Lock()
	members := make([]*Participant, 0, len(ch.participants))
	for _, p := range ch.participants {
		members = append(members, p)
	}
	ch.participants = make(map[string]*Participant)
	ch.mu.Unlock()
	for _, p := range members {
		p.release()
		if ch.metrics != nil {
			ch.metrics.MixerParticipants.Dec()
		}
	}
	r.logger.Info("channel removed", "channel_id", id)
}

// Sweep removes empty channels and returns how many were torn down.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	var empty []string
	for id, ch := range r.channels {
		if ch.Empty() {
			empty = append(empty, id)
		}
	}
	for _, id := range empty {
		delete(r.channels, id)
	}
	r.mu.Unlock()

	for _, id := range empty {
		r.logger.Debug("empty channel torn down", "channel_id", id)
	}
	return len(empty)
}

// Run sweeps empty channels until the context is canceled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Size returns the number of registered channels.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
