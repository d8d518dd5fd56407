package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter brings frames of any layout to Target. The first mismatch
// and the first misaligned frame are each logged once. A converter is owned
// by one stream.
type FormatConverter struct {
	Target Format

	mismatch sync.Once
	corrupt  sync.Once
}

// Convert returns frame in the target format. Frames already in the target
// format are returned as is. Frames whose data is not whole int16 samples are
// replaced by an empty frame in the target format.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	out := AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	if len(frame.Data)%2 != 0 {
		c.corrupt.Do(func() {
			slog.Warn("audio: dropping frame with odd byte count",
				"bytes", len(frame.Data),
				"format", formatString(frame.SampleRate, frame.Channels),
			)
		})
		return out
	}
	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}
	c.mismatch.Do(func() {
		slog.Debug("audio: converting stream",
			"from", formatString(frame.SampleRate, frame.Channels),
			"to", c.Target.String(),
		)
	})

	// Downmix before resampling and upmix after, so the resampler always
	// sees the fewer channels.
	pcm, ch := frame.Data, frame.Channels
	if c.Target.Channels < ch {
		pcm, ch = Remix(pcm, ch, c.Target.Channels), c.Target.Channels
	}
	pcm = Resample16(pcm, ch, frame.SampleRate, c.Target.SampleRate)
	if c.Target.Channels != ch {
		pcm = Remix(pcm, ch, c.Target.Channels)
	}
	out.Data = pcm
	return out
}

// Remix converts interleaved int16 PCM between channel counts. Downmixing to
// mono averages all channels; upmixing from mono copies the sample into every
// channel. Any other pairing goes through mono.
func Remix(pcm []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 {
		return pcm
	}
	frames := len(pcm) / (2 * from)
	out := make([]byte, frames*2*to)
	for f := range frames {
		var sum int32
		for c := range from {
			sum += int32(sampleAt(pcm, f*from+c))
		}
		v := int16(sum / int32(from))
		for c := range to {
			putSample(out, f*to+c, v)
		}
	}
	return out
}

// Resample16 converts interleaved int16 PCM with the given channel count
// from srcRate to dstRate by linear interpolation. Input at the target rate,
// or with a non-positive rate or channel count, is returned unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	out := make([]byte, dstFrames*2*channels)
	step := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for c := range channels {
			a := float64(sampleAt(pcm, idx*channels+c))
			b := float64(sampleAt(pcm, next*channels+c))
			putSample(out, i*channels+c, int16(a+(b-a)*frac))
		}
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
}

func putSample(pcm []byte, i int, v int16) {
	pcm[2*i] = byte(v)
	pcm[2*i+1] = byte(uint16(v) >> 8)
}

func formatString(rate, channels int) string {
	switch channels {
	case 1:
		return fmt.Sprintf("%dHz mono", rate)
	case 2:
		return fmt.Sprintf("%dHz stereo", rate)
	default:
		return fmt.Sprintf("%dHz %dch", rate, channels)
	}
}
