package discord

import (
	"encoding/binary"
	"fmt"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/parley/pkg/audio"
)

// voiceFormat is the PCM layout of Discord voice: 48 kHz stereo.
var voiceFormat = audio.Format{SampleRate: 48000, Channels: 2}

// opusFrameDuration is the Opus frame length Discord expects.
const opusFrameDuration = 20 * time.Millisecond

var (
	// opusFrameSamples is the number of samples per channel in one frame.
	opusFrameSamples = voiceFormat.SampleRate * int(opusFrameDuration/time.Millisecond) / 1000

	// opusFrameBytes is the PCM size of one frame.
	opusFrameBytes = voiceFormat.Bytes(opusFrameDuration)
)

// opusDecoder decodes one participant's packets. Each SSRC needs its own
// decoder because Opus decoding is stateful.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(voiceFormat.SampleRate, voiceFormat.Channels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode turns an Opus packet with its RTP timestamp into a capture frame.
func (d *opusDecoder) decode(packet []byte, rtpTimestamp uint32) (audio.AudioFrame, error) {
	samples, err := d.dec.Decode(packet, opusFrameSamples, false)
	if err != nil {
		return audio.AudioFrame{}, fmt.Errorf("discord: opus decode: %w", err)
	}
	return audio.AudioFrame{
		Data:       samplesToPCM(samples),
		SampleRate: voiceFormat.SampleRate,
		Channels:   voiceFormat.Channels,
		Timestamp:  time.Duration(rtpTimestamp) * time.Second / time.Duration(voiceFormat.SampleRate),
	}, nil
}

// opusEncoder converts speech frames of any format to Discord voice and cuts
// them into 20 ms Opus packets. PCM short of a full frame is held until the
// next write or [opusEncoder.flush].
type opusEncoder struct {
	enc  *gopus.Encoder
	conv audio.FormatConverter
	buf  []byte
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(voiceFormat.SampleRate, voiceFormat.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc, conv: audio.FormatConverter{Target: voiceFormat}}, nil
}

// write buffers frame and returns every packet that is now complete.
func (e *opusEncoder) write(frame audio.AudioFrame) ([][]byte, error) {
	e.buf = append(e.buf, e.conv.Convert(frame).Data...)
	var packets [][]byte
	for len(e.buf) >= opusFrameBytes {
		p, err := e.encode(e.buf[:opusFrameBytes])
		e.buf = e.buf[opusFrameBytes:]
		if err != nil {
			return packets, err
		}
		packets = append(packets, p)
	}
	return packets, nil
}

// flush pads the held PCM with silence to a full frame and encodes it.
// It returns nil when nothing is held.
func (e *opusEncoder) flush() ([]byte, error) {
	if len(e.buf) == 0 {
		return nil, nil
	}
	frame := make([]byte, opusFrameBytes)
	copy(frame, e.buf)
	e.buf = e.buf[:0]
	return e.encode(frame)
}

func (e *opusEncoder) encode(pcm []byte) ([]byte, error) {
	packet, err := e.enc.Encode(pcmToSamples(pcm), opusFrameSamples, len(pcm))
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return packet, nil
}

func samplesToPCM(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

func pcmToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}
