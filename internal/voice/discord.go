package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/haasonsaas/voicewire/internal/audio"
)

// DiscordProvider implements Provider over the Discord voice gateway. Unlike
// the telephony backends it is push-driven: events arrive on an
// authenticated WebSocket session rather than signed webhooks, so gateway
// handlers feed the event sink directly.
//
// A "call" is the bot's membership in one voice channel. The remote party
// identifier is the voice channel snowflake.
//
// Safe for concurrent use.
type DiscordProvider struct {
	token   string
	appID   string
	guildID string
	logger  *slog.Logger

	session *discordgo.Session

	// voiceChannelID -> live connection
	mu       sync.RWMutex
	conns    map[string]*discordgo.VoiceConnection
	callIDs  map[string]string // voiceChannelID -> engine callID
	botSSRCs map[uint32]bool   // SSRCs belonging to this bot, excluded from mixing
	synth    Synthesizer
	enc      OpusEncoder

	// sink receives normalized events from gateway handlers.
	sink func(CallEvent)
}

// Synthesizer renders text for providers that must push raw audio
// themselves instead of delegating TTS to a telephony platform.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]int16, int, error)
}

// OpusEncoder compresses one 20ms PCM frame for the voice gateway, which
// accepts Opus packets only. Implementations wrap a codec binding the same
// way the telephony path wraps the mu-law codec in internal/audio.
type OpusEncoder interface {
	Encode(pcm []int16, sampleRate int) ([]byte, error)
}

// DiscordProviderConfig holds configuration for the Discord provider.
type DiscordProviderConfig struct {
	// BotToken authenticates the gateway session (required).
	BotToken string

	// AppID is the application ID.
	AppID string

	// GuildID restricts the provider to one guild when set.
	GuildID string

	// Synthesizer renders PlayTTS text to PCM. Optional; PlayTTS fails
	// when unset.
	Synthesizer Synthesizer

	// OpusEncoder compresses PCM frames before they reach the gateway.
	// Optional; PlayTTS fails when unset.
	OpusEncoder OpusEncoder

	Logger *slog.Logger
}

// NewDiscordProvider creates a Discord voice provider.
func NewDiscordProvider(cfg DiscordProviderConfig) (*DiscordProvider, error) {
	if cfg.BotToken == "" {
		return nil, errors.New("discord: bot token is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscordProvider{
		token:    cfg.BotToken,
		appID:    cfg.AppID,
		guildID:  cfg.GuildID,
		logger:   logger.With("component", "discord-voice"),
		conns:    make(map[string]*discordgo.VoiceConnection),
		callIDs:  make(map[string]string),
		botSSRCs: make(map[uint32]bool),
		synth:    cfg.Synthesizer,
		enc:      cfg.OpusEncoder,
	}, nil
}

func (p *DiscordProvider) Name() ProviderName {
	return ProviderDiscord
}

// SetEventSink registers the callback that receives normalized gateway
// events. Must be set before Start.
func (p *DiscordProvider) SetEventSink(sink func(CallEvent)) {
	p.sink = sink
}

// Start opens the gateway session and registers voice handlers.
func (p *DiscordProvider) Start(ctx context.Context) error {
	dg, err := discordgo.New("Bot " + p.token)
	if err != nil {
		return fmt.Errorf("discord: failed to create session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuilds

	dg.AddHandler(p.handleVoiceStateUpdate)

	if err := dg.Open(); err != nil {
		return fmt.Errorf("discord: failed to open gateway: %w", err)
	}
	p.session = dg
	p.logger.Info("gateway connected")
	return nil
}

// Stop leaves all voice channels and closes the gateway session.
func (p *DiscordProvider) Stop(ctx context.Context) error {
	p.mu.Lock()
	for id, vc := range p.conns {
		if err := vc.Disconnect(); err != nil {
			p.logger.Warn("voice disconnect failed", "channel_id", id, "error", err)
		}
		delete(p.conns, id)
	}
	p.mu.Unlock()

	if p.session != nil {
		return p.session.Close()
	}
	return nil
}

// InitiateCall joins the voice channel named by input.To. The join is
// "answered" as soon as the voice connection is ready, so a single
// answered event is emitted rather than a ringing sequence.
func (p *DiscordProvider) InitiateCall(ctx context.Context, input *InitiateCallInput) (*InitiateCallResult, error) {
	if p.session == nil {
		return nil, errors.New("discord: gateway not connected")
	}
	if !ValidateSnowflake(input.To) {
		return nil, ErrInvalidInput("discord: destination must be a channel snowflake", nil).WithContext("to", input.To)
	}

	guildID := p.guildID
	if guildID == "" {
		ch, err := p.session.Channel(input.To)
		if err != nil {
			return nil, fmt.Errorf("discord: failed to resolve channel: %w", err)
		}
		guildID = ch.GuildID
	}

	vc, err := p.session.ChannelVoiceJoin(guildID, input.To, false, false)
	if err != nil {
		return nil, fmt.Errorf("discord: failed to join voice channel: %w", err)
	}

	p.mu.Lock()
	p.conns[input.To] = vc
	p.callIDs[input.To] = input.CallID
	p.mu.Unlock()

	vc.AddHandler(p.handleSpeakingUpdate)

	p.emit(CallEvent{
		ID:             uuid.New().String(),
		Type:           EventCallAnswered,
		CallID:         input.CallID,
		ProviderCallID: input.To,
		Timestamp:      time.Now(),
		Direction:      DirectionOutbound,
		To:             input.To,
	})

	return &InitiateCallResult{ProviderCallID: input.To, Status: "initiated"}, nil
}

// HangupCall leaves the voice channel.
func (p *DiscordProvider) HangupCall(ctx context.Context, input *HangupCallInput) error {
	p.mu.Lock()
	vc := p.conns[input.ProviderCallID]
	delete(p.conns, input.ProviderCallID)
	delete(p.callIDs, input.ProviderCallID)
	p.mu.Unlock()

	if vc == nil {
		return nil
	}
	if err := vc.Disconnect(); err != nil {
		return fmt.Errorf("discord: failed to leave voice channel: %w", err)
	}
	return nil
}

// PlayTTS synthesizes text, encodes it to Opus, and pushes it to the voice
// connection's send channel in 20ms frames.
func (p *DiscordProvider) PlayTTS(ctx context.Context, input *PlayTTSInput) error {
	if p.synth == nil {
		return errors.New("discord: no synthesizer configured")
	}
	if p.enc == nil {
		return errors.New("discord: no opus encoder configured")
	}

	p.mu.RLock()
	vc := p.conns[input.ProviderCallID]
	p.mu.RUnlock()
	if vc == nil {
		return fmt.Errorf("discord: no voice connection for channel %s", input.ProviderCallID)
	}

	samples, rate, err := p.synth.Synthesize(ctx, input.Text)
	if err != nil {
		return fmt.Errorf("discord: synthesis failed: %w", err)
	}

	if err := vc.Speaking(true); err != nil {
		return fmt.Errorf("discord: failed to set speaking: %w", err)
	}
	defer func() { _ = vc.Speaking(false) }()

	return sendOpusFrames(ctx, p.enc, vc.OpusSend, samples, rate)
}

// sendOpusFrames slices PCM into 20ms frames, encodes each, and paces the
// packets onto the send channel in real time. The gateway drops audio that
// arrives in bursts. The tail frame is zero-padded to full length because
// the codec only accepts whole frames.
func sendOpusFrames(ctx context.Context, enc OpusEncoder, out chan<- []byte, samples []int16, rate int) error {
	frame := rate / 50
	if frame <= 0 {
		return fmt.Errorf("discord: invalid sample rate %d", rate)
	}

	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	for off := 0; off < len(samples); off += frame {
		end := off + frame
		if end > len(samples) {
			end = len(samples)
		}
		pcm := samples[off:end]
		if len(pcm) < frame {
			padded := make([]int16, frame)
			copy(padded, pcm)
			pcm = padded
		}

		packet, err := enc.Encode(pcm, rate)
		if err != nil {
			return fmt.Errorf("discord: opus encode failed: %w", err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case out <- packet:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// StartListening is a no-op: the gateway pushes speaking updates and audio
// without being asked.
func (p *DiscordProvider) StartListening(ctx context.Context, input *StartListeningInput) error {
	return nil
}

func (p *DiscordProvider) StopListening(ctx context.Context, callID, providerCallID string) error {
	return nil
}

// VerifyWebhook always succeeds: gateway events arrive on a session that
// was authenticated with the bot token at connect time, there is no
// per-event signature to check.
func (p *DiscordProvider) VerifyWebhook(ctx *WebhookContext) (bool, error) {
	return true, nil
}

// ParseWebhook decodes a normalized gateway event envelope. The live path
// feeds events through the sink; this exists so replayed or test traffic
// goes through the same normalization.
func (p *DiscordProvider) ParseWebhook(ctx *WebhookContext) (*WebhookParseResult, error) {
	var event CallEvent
	if err := json.Unmarshal(ctx.Body, &event); err != nil {
		return nil, fmt.Errorf("discord: failed to parse event: %w", err)
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return &WebhookParseResult{
		Events:     []CallEvent{event},
		StatusCode: 200,
	}, nil
}

// IsBotSSRC reports whether an RTP source belongs to this bot. Gateway
// handlers use it to drop our own speaking updates before they reach the
// event sink and feed back into transcription.
func (p *DiscordProvider) IsBotSSRC(ssrc uint32) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.botSSRCs[ssrc]
}

func (p *DiscordProvider) handleVoiceStateUpdate(s *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if s.State.User != nil && vsu.UserID == s.State.User.ID {
		return
	}

	p.mu.RLock()
	var channelID, callID string
	if vsu.ChannelID != "" {
		if id, ok := p.callIDs[vsu.ChannelID]; ok {
			channelID, callID = vsu.ChannelID, id
		}
	} else if vsu.BeforeUpdate != nil {
		if id, ok := p.callIDs[vsu.BeforeUpdate.ChannelID]; ok {
			channelID, callID = vsu.BeforeUpdate.ChannelID, id
		}
	}
	p.mu.RUnlock()
	if callID == "" {
		return
	}

	event := CallEvent{
		ID:             uuid.New().String(),
		CallID:         callID,
		ProviderCallID: channelID,
		Timestamp:      time.Now(),
		From:           vsu.UserID,
	}
	if vsu.ChannelID == channelID {
		event.Type = EventCallActive
	} else {
		// Participant left; the channel may still have others, the
		// manager decides whether the call ends.
		event.Type = EventCallSilence
	}
	p.emit(event)
}

func (p *DiscordProvider) handleSpeakingUpdate(vc *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
	ssrc := uint32(su.SSRC)
	if p.session != nil && p.session.State.User != nil && su.UserID == p.session.State.User.ID {
		p.mu.Lock()
		p.botSSRCs[ssrc] = true
		p.mu.Unlock()
		return
	}
	// The gateway resends speaking frames keyed by SSRC alone, without a
	// user ID, once the mapping is established.
	if p.IsBotSSRC(ssrc) {
		return
	}

	p.mu.RLock()
	callID := p.callIDs[vc.ChannelID]
	p.mu.RUnlock()
	if callID == "" {
		return
	}

	eventType := EventCallSilence
	if su.Speaking {
		eventType = EventCallSpeech
	}
	p.emit(CallEvent{
		ID:             uuid.New().String(),
		Type:           eventType,
		CallID:         callID,
		ProviderCallID: vc.ChannelID,
		Timestamp:      time.Now(),
		From:           su.UserID,
		IsFinal:        false,
	})
}

func (p *DiscordProvider) emit(event CallEvent) {
	if p.sink == nil {
		p.logger.Warn("event dropped, no sink registered", "type", string(event.Type))
		return
	}
	p.sink(event)
}
