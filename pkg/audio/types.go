package audio

import "time"

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames carry microphone capture from a [Connection] towards speech
// recognition, and synthesised speech from a [Sink] back to the listener.
type AudioFrame struct {
	// PCM audio data, little-endian int16.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for Discord Opus, 16000 for STT).
	SampleRate int

	// Channels: 1 for mono (STT input), 2 for stereo (Discord output).
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of a 16-bit PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the byte rate of 16-bit PCM in this format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// FrameSize returns the number of bytes in one sample frame (all channels).
func (f Format) FrameSize() int {
	return f.Channels * 2
}

// Duration converts a byte count into playback time.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Bytes converts playback time into a byte count aligned to whole frames.
func (f Format) Bytes(d time.Duration) int {
	n := int(int64(d) * int64(f.BytesPerSecond()) / int64(time.Second))
	if fs := f.FrameSize(); fs > 0 {
		n -= n % fs
	}
	return n
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}
