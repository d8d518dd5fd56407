package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSinkClosed is returned by [Sink] methods after Close.
	ErrSinkClosed = errors.New("audio: sink closed")

	// ErrSinkBusy is returned by [Sink.Append] while a previous chunk is
	// still being absorbed.
	ErrSinkBusy = errors.New("audio: sink is updating")
)

// SinkEventType classifies the notifications a [Sink] emits.
type SinkEventType int

const (
	// SinkReady is emitted once, when the backing buffer is attached and can
	// accept its first chunk.
	SinkReady SinkEventType = iota

	// SinkCanPlay is emitted once enough audio is buffered to start rendering.
	SinkCanPlay

	// SinkUpdateEnd is emitted after each Append has been absorbed. The next
	// chunk may be appended after this event.
	SinkUpdateEnd

	// SinkTimeUpdate reports the current playback position while playing.
	SinkTimeUpdate

	// SinkEnded is emitted when playback reaches the buffered end after
	// EndOfStream.
	SinkEnded
)

// String returns the human-readable name of the sink event type.
func (t SinkEventType) String() string {
	switch t {
	case SinkReady:
		return "READY"
	case SinkCanPlay:
		return "CAN_PLAY"
	case SinkUpdateEnd:
		return "UPDATE_END"
	case SinkTimeUpdate:
		return "TIME_UPDATE"
	case SinkEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// SinkEvent is a notification from a [Sink].
type SinkEvent struct {
	Type SinkEventType

	// Position is the playback position, set on SinkTimeUpdate and SinkEnded.
	Position time.Duration
}

// Sink is a playback device with an append-only backing buffer and a playback
// clock measured in media time.
//
// Events are delivered in order on the channel returned by Events, which is
// closed after Close. Implementations must be safe for concurrent use and
// must not block in any method waiting for the Events consumer.
type Sink interface {
	// Events returns the notification channel.
	Events() <-chan SinkEvent

	// Append hands a PCM chunk to the backing buffer. Absorption is
	// asynchronous and completes with a SinkUpdateEnd event. Returns
	// [ErrSinkBusy] if a previous append has not completed yet.
	Append(pcm []byte) error

	// Updating reports whether an append is still being absorbed.
	Updating() bool

	// BufferedEnd returns the media time at the end of all appended audio.
	BufferedEnd() time.Duration

	// Position returns the current playback position.
	Position() time.Duration

	// SetRate sets the playback speed multiplier without interrupting playback.
	SetRate(rate float64)

	// Play starts or resumes rendering.
	Play() error

	// EndOfStream marks the buffer complete; playback stops at its end.
	EndOfStream() error

	// Close releases the device. Safe to call more than once.
	Close() error
}

// Speaker opens playback devices.
type Speaker interface {
	// Open acquires a new [Sink]. Each call returns an independent device.
	Open(ctx context.Context) (Sink, error)
}
