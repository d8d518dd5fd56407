package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/pkg/audio"
)

var (
	// ErrNotActive is returned when no conversation is running.
	ErrNotActive = errors.New("discord: no active conversation")

	// ErrNoChannel is returned by [Voice.Join] without a channel to join.
	ErrNoChannel = errors.New("discord: no voice channel given")
)

// Conversation is the engine surface driven from Discord.
type Conversation interface {
	Start(ctx context.Context) error
	Stop()
	Reset(ctx context.Context) error
	SetSpeechRate(rate float64) error
	SpeechRate() float64
	State() engine.State
}

var _ Conversation = (*engine.Engine)(nil)

// SessionFactory builds the conversation for a voice connection. release is
// called once after the conversation was stopped.
type SessionFactory func(ctx context.Context, id string, conn audio.Connection) (conv Conversation, release func(), err error)

// VoiceStatus describes the running conversation.
type VoiceStatus struct {
	ChannelID  string
	State      engine.State
	SpeechRate float64
	StartedAt  time.Time
}

type voiceSession struct {
	channelID string
	conn      audio.Connection
	conv      Conversation
	release   func()
	startedAt time.Time
}

// Voice runs at most one conversation in a guild's voice channel.
//
// Thread-safe for concurrent use.
type Voice struct {
	platform       audio.Platform
	sessions       SessionFactory
	defaultChannel string

	mu     sync.Mutex
	active *voiceSession
}

// NewVoice creates a Voice joining channels through platform.
// defaultChannel is used when [Voice.Join] is called without a channel.
func NewVoice(platform audio.Platform, sessions SessionFactory, defaultChannel string) *Voice {
	return &Voice{platform: platform, sessions: sessions, defaultChannel: defaultChannel}
}

// Join connects to channelID and starts listening. A conversation running in
// another channel is ended first; joining the current channel is a no-op.
func (v *Voice) Join(ctx context.Context, channelID string) error {
	if channelID == "" {
		channelID = v.defaultChannel
	}
	if channelID == "" {
		return ErrNoChannel
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.active != nil {
		if v.active.channelID == channelID {
			return nil
		}
		v.endLocked()
	}

	conn, err := v.platform.Connect(ctx, channelID)
	if err != nil {
		return fmt.Errorf("discord: join %s: %w", channelID, err)
	}
	conv, release, err := v.sessions(ctx, "discord-"+channelID, conn)
	if err != nil {
		_ = conn.Disconnect()
		return fmt.Errorf("discord: create session: %w", err)
	}
	if err := conv.Start(ctx); err != nil {
		release()
		_ = conn.Disconnect()
		return fmt.Errorf("discord: start conversation: %w", err)
	}

	v.active = &voiceSession{
		channelID: channelID,
		conn:      conn,
		conv:      conv,
		release:   release,
		startedAt: time.Now(),
	}
	slog.Info("discord: conversation started", "channel_id", channelID)
	return nil
}

// Leave ends the conversation and disconnects from the voice channel.
func (v *Voice) Leave() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.active == nil {
		return ErrNotActive
	}
	v.endLocked()
	return nil
}

func (v *Voice) endLocked() {
	s := v.active
	v.active = nil
	s.conv.Stop()
	s.release()
	if err := s.conn.Disconnect(); err != nil {
		slog.Warn("discord: disconnect", "channel_id", s.channelID, "err", err)
	}
	slog.Info("discord: conversation ended", "channel_id", s.channelID)
}

// Reset clears the transcript of the running conversation.
func (v *Voice) Reset(ctx context.Context) error {
	conv, err := v.current()
	if err != nil {
		return err
	}
	return conv.Reset(ctx)
}

// SetSpeechRate changes the speech rate of the running conversation.
func (v *Voice) SetSpeechRate(rate float64) error {
	conv, err := v.current()
	if err != nil {
		return err
	}
	return conv.SetSpeechRate(rate)
}

// Status reports the running conversation, if any.
func (v *Voice) Status() (VoiceStatus, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.active == nil {
		return VoiceStatus{}, false
	}
	return VoiceStatus{
		ChannelID:  v.active.channelID,
		State:      v.active.conv.State(),
		SpeechRate: v.active.conv.SpeechRate(),
		StartedAt:  v.active.startedAt,
	}, true
}

// Close ends any running conversation.
func (v *Voice) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.active != nil {
		v.endLocked()
	}
}

func (v *Voice) current() (Conversation, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.active == nil {
		return nil, ErrNotActive
	}
	return v.active.conv, nil
}
