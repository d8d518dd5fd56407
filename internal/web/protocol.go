package web

import (
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/audio"
)

// Control message types sent by clients.
const (
	ControlStart = "start"
	ControlStop  = "stop"
	ControlReset = "reset"
	ControlRate  = "rate"
)

// Server message types.
const (
	MessageHello      = "hello"
	MessageStatus     = "status"
	MessageTranscript = "transcript"
	MessageError      = "error"
)

// ControlMessage is a text message from the client.
type ControlMessage struct {
	Type string `json:"type"`

	// Rate is the requested speech rate of a [ControlRate] message.
	Rate float64 `json:"rate,omitempty"`
}

// ServerMessage is a text message to the client. A hello is sent once after
// the handshake, a status after every control and a transcript after every
// transcript change.
type ServerMessage struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id,omitempty"`
	State      string          `json:"state,omitempty"`
	SpeechRate float64         `json:"speech_rate,omitempty"`
	Format     *FormatInfo     `json:"format,omitempty"`
	Transcript *TranscriptView `json:"transcript,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// FormatInfo describes the PCM carried by binary messages in both
// directions: signed 16-bit little-endian, interleaved.
type FormatInfo struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// TranscriptView is a transcript snapshot prepared for display.
type TranscriptView struct {
	Revision uint64        `json:"revision"`
	Messages []MessageView `json:"messages"`
}

// MessageView is one transcript message. Spoken, Synthesized and Pending
// partition Content for assistant messages.
type MessageView struct {
	ID          int64           `json:"id"`
	Role        transcript.Role `json:"role"`
	Content     string          `json:"content"`
	Draft       string          `json:"draft,omitempty"`
	Open        bool            `json:"open"`
	Spoken      string          `json:"spoken,omitempty"`
	Synthesized string          `json:"synthesized,omitempty"`
	Pending     string          `json:"pending,omitempty"`
}

func formatInfo(f audio.Format) *FormatInfo {
	return &FormatInfo{SampleRate: f.SampleRate, Channels: f.Channels}
}

func transcriptView(s transcript.Snapshot) *TranscriptView {
	v := &TranscriptView{Revision: s.Revision, Messages: make([]MessageView, 0, len(s.Messages))}
	for _, m := range s.Messages {
		mv := MessageView{ID: m.ID, Role: m.Role, Content: m.Content, Draft: m.Draft, Open: m.Open}
		if m.Role == transcript.RoleAssistant {
			seg := m.Segments()
			mv.Spoken, mv.Synthesized, mv.Pending = seg.Spoken, seg.Synthesized, seg.Pending
		}
		v.Messages = append(v.Messages, mv)
	}
	return v
}

func statusMessage(conv Conversation) ServerMessage {
	return ServerMessage{Type: MessageStatus, State: conv.State().String(), SpeechRate: conv.SpeechRate()}
}
