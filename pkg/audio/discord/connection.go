package discord

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

var _ audio.Connection = (*Connection)(nil)

const (
	inputChannelBuffer  = 64
	outputChannelBuffer = 64

	// speakingIdle is how long the output may stay silent before the
	// speaking indicator is released.
	speakingIdle = 300 * time.Millisecond
)

// Connection adapts a discordgo.VoiceConnection to [audio.Connection].
//
// Incoming Opus packets are decoded per SSRC into 48 kHz stereo PCM streams.
// Streams are keyed by Discord user ID once a speaking update has revealed
// the SSRC owner, and by the SSRC (as a decimal string) until then. Outgoing
// PCM in any format is converted, encoded and sent as 20 ms Opus frames.
type Connection struct {
	vc      *discordgo.VoiceConnection
	session *discordgo.Session
	guildID string

	inputsMu sync.RWMutex
	inputs   map[uint32]chan audio.AudioFrame
	ssrcUser map[uint32]string

	output chan audio.AudioFrame

	changeCb func(audio.Event)
	changeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once

	removeHandler func()

	// disconnectVC tears down the voice connection; replaced in tests.
	disconnectVC func() error
}

func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID string) *Connection {
	c := &Connection{
		vc:           vc,
		session:      session,
		guildID:      guildID,
		inputs:       make(map[uint32]chan audio.AudioFrame),
		ssrcUser:     make(map[uint32]string),
		output:       make(chan audio.AudioFrame, outputChannelBuffer),
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}

	c.removeHandler = session.AddHandler(c.handleVoiceStateUpdate)
	vc.AddHandler(c.handleSpeakingUpdate)

	go c.recvLoop()
	go c.sendLoop()
	return c
}

// InputStreams returns a snapshot of the per-participant capture channels.
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.inputsMu.RLock()
	defer c.inputsMu.RUnlock()
	snap := make(map[string]<-chan audio.AudioFrame, len(c.inputs))
	for ssrc, ch := range c.inputs {
		snap[c.participantLocked(ssrc)] = ch
	}
	return snap
}

// OutputStream returns the channel for synthesised speech. Frames in any
// format are accepted and converted to 48 kHz stereo.
func (c *Connection) OutputStream() chan<- audio.AudioFrame {
	return c.output
}

// OnParticipantChange registers the participant join/leave callback.
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	c.changeCb = cb
}

// Disconnect leaves the voice channel and closes every input stream.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		if c.removeHandler != nil {
			c.removeHandler()
		}
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}

		c.inputsMu.Lock()
		for ssrc, ch := range c.inputs {
			close(ch)
			delete(c.inputs, ssrc)
		}
		c.inputsMu.Unlock()
	})
	return err
}

// UserID returns the Discord user ID behind ssrc, or "" if unknown.
func (c *Connection) UserID(ssrc uint32) string {
	c.inputsMu.RLock()
	defer c.inputsMu.RUnlock()
	return c.ssrcUser[ssrc]
}

func (c *Connection) participantLocked(ssrc uint32) string {
	if uid, ok := c.ssrcUser[ssrc]; ok {
		return uid
	}
	return strconv.FormatUint(uint64(ssrc), 10)
}

func (c *Connection) recvLoop() {
	decoders := make(map[uint32]*opusDecoder)

	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = newOpusDecoder()
				if err != nil {
					slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "err", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}

			frame, err := dec.decode(pkt.Opus, pkt.Timestamp)
			if err != nil {
				slog.Debug("discord: opus decode error", "ssrc", pkt.SSRC, "err", err)
				continue
			}
			participant, created, ok := c.deliver(pkt.SSRC, frame)
			if !ok {
				return
			}
			if created {
				c.emitEvent(audio.Event{Type: audio.EventJoin, UserID: participant})
			}
		}
	}
}

// deliver queues frame on the capture channel for ssrc, creating the channel
// on first use. A full channel drops the frame so capture stays real-time.
// The send happens under inputsMu so it cannot race Disconnect closing the
// channel. ok is false once the connection is closing.
func (c *Connection) deliver(ssrc uint32, frame audio.AudioFrame) (participant string, created, ok bool) {
	c.inputsMu.Lock()
	defer c.inputsMu.Unlock()
	select {
	case <-c.done:
		return "", false, false
	default:
	}
	ch, exists := c.inputs[ssrc]
	if !exists {
		ch = make(chan audio.AudioFrame, inputChannelBuffer)
		c.inputs[ssrc] = ch
	}
	select {
	case ch <- frame:
	default:
	}
	return c.participantLocked(ssrc), !exists, true
}

func (c *Connection) sendLoop() {
	enc, err := newOpusEncoder()
	if err != nil {
		slog.Error("discord: failed to create opus encoder", "err", err)
		return
	}

	idle := time.NewTimer(speakingIdle)
	idle.Stop()
	defer idle.Stop()

	speaking := false
	send := func(packet []byte) bool {
		select {
		case c.vc.OpusSend <- packet:
			return true
		case <-c.done:
			return false
		}
	}

	for {
		select {
		case <-c.done:
			if speaking {
				c.setSpeaking(false)
			}
			return

		case <-idle.C:
			// The tail of an utterance is padded out rather than dropped.
			packet, err := enc.flush()
			if err != nil {
				slog.Warn("discord: opus encode error", "err", err)
			} else if packet != nil && !send(packet) {
				return
			}
			if speaking {
				c.setSpeaking(false)
				speaking = false
			}

		case frame, ok := <-c.output:
			if !ok {
				return
			}
			if !speaking {
				c.setSpeaking(true)
				speaking = true
			}
			idle.Reset(speakingIdle)

			packets, err := enc.write(frame)
			if err != nil {
				slog.Warn("discord: opus encode error", "err", err)
			}
			for _, p := range packets {
				if !send(p) {
					return
				}
			}
		}
	}
}

// handleSpeakingUpdate learns which user owns an SSRC.
func (c *Connection) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	c.inputsMu.Lock()
	c.ssrcUser[uint32(vs.SSRC)] = vs.UserID
	c.inputsMu.Unlock()
}

func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != c.guildID {
		return
	}

	channelID := c.vc.ChannelID
	username := ""
	if vsu.Member != nil && vsu.Member.User != nil {
		username = vsu.Member.User.Username
	}

	left := vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == channelID && vsu.ChannelID != channelID
	joined := vsu.ChannelID == channelID && (vsu.BeforeUpdate == nil || vsu.BeforeUpdate.ChannelID != channelID)
	switch {
	case left:
		c.emitEvent(audio.Event{Type: audio.EventLeave, UserID: vsu.UserID, Username: username})
	case joined:
		c.emitEvent(audio.Event{Type: audio.EventJoin, UserID: vsu.UserID, Username: username})
	}
}

func (c *Connection) setSpeaking(b bool) {
	if err := c.vc.Speaking(b); err != nil {
		slog.Debug("discord: speaking notification error", "speaking", b, "err", err)
	}
}

func (c *Connection) emitEvent(ev audio.Event) {
	c.changeMu.Lock()
	cb := c.changeCb
	c.changeMu.Unlock()
	if cb != nil {
		go cb(ev)
	}
}
