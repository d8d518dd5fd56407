// Package audio defines the interfaces and types for audio input and output
// within parley.
//
// Two families of abstractions live here:
//
//   - [Platform] and [Connection] model a voice channel (a Discord call, a
//     browser WebSocket) that delivers per-participant microphone audio and
//     accepts a single output stream.
//   - [Speaker] and [Sink] model a playback device with a backing buffer and
//     a playback clock. The playback queue in audio/playback drives a Sink to
//     learn exactly when a submitted chunk starts being heard.
//
// Concrete implementations live in sub-packages (audio/discord,
// audio/realtime). Format helpers in this package convert between the 48 kHz
// stereo used by voice platforms and the 16 kHz mono used by speech services.
package audio

import (
	"context"
)

// EventType classifies participant lifecycle events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when a participant enters the voice channel.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves the voice channel.
	EventLeave
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Event describes a participant lifecycle change on a voice channel.
type Event struct {
	Type     EventType
	UserID   string
	Username string
}

// Connection represents an active session on a voice channel.
//
// All input channels returned by a Connection are closed when the connection
// terminates. Implementations must be safe for concurrent use.
type Connection interface {
	// InputStreams returns a snapshot of the current per-participant audio
	// channels keyed by participant ID. Call it again after an [EventJoin] to
	// pick up new participants.
	InputStreams() map[string]<-chan AudioFrame

	// OutputStream returns the write-only channel for synthesised speech.
	// The platform does not close it; writes after Disconnect are dropped.
	OutputStream() chan<- AudioFrame

	// OnParticipantChange registers the participant join/leave callback,
	// replacing any previous one. It is invoked on an internal goroutine and
	// must not block.
	OnParticipantChange(cb func(Event))

	// Disconnect tears down the connection. Safe to call more than once.
	Disconnect() error
}

// Platform connects to a voice channel and returns a [Connection].
type Platform interface {
	// Connect joins the voice channel identified by channelID. ctx governs the
	// connection attempt only.
	Connect(ctx context.Context, channelID string) (Connection, error)
}
