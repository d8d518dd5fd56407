package realtime

import (
	"log/slog"

	"github.com/MrWong99/parley/pkg/audio"
)

// FrameWriter returns an output callback that wraps rendered PCM into
// [audio.AudioFrame] values on out, e.g. a [audio.Connection] output stream.
// Frames are dropped when out is full so a stalled consumer cannot block
// rendering.
func FrameWriter(out chan<- audio.AudioFrame, format audio.Format) func([]byte) {
	return func(pcm []byte) {
		if len(pcm) == 0 {
			return
		}
		frame := audio.AudioFrame{Data: pcm, SampleRate: format.SampleRate, Channels: format.Channels}
		select {
		case out <- frame:
		default:
			slog.Debug("realtime: output full, dropping frame", "bytes", len(pcm))
		}
	}
}
