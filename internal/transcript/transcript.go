// Package transcript holds the conversation transcript shared between the
// voice engine and its observers.
//
// A [Transcript] is an ordered list of [Message] values, one per turn. Besides
// the canonical content each assistant message tracks how much of it has been
// sent to speech synthesis and how much has actually been heard, so that an
// interruption can rewind the conversation to exactly what the listener
// heard ([Transcript.TrimToSpoken]).
//
// Every mutation publishes a new immutable [Snapshot] with a higher revision.
// Subscribers receive the latest snapshot; intermediate revisions may be
// skipped when a subscriber falls behind.
//
// All methods are safe for concurrent use.
package transcript

import (
	"strings"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// DefaultSystemPrompt seeds every new transcript.
const DefaultSystemPrompt = "You are a helpful AI voice assistant. Have a conversation with the user best as you can."

// Role identifies who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the conversation.
type Message struct {
	// ID is unique for the lifetime of the Transcript, including across Reset.
	ID int64 `json:"id"`

	Role Role `json:"role"`

	// Content is the committed text of the turn.
	Content string `json:"content"`

	// Draft is interim text shown while recognition is still in progress.
	Draft string `json:"draft,omitempty"`

	// Synthesized is the prefix of Content handed to speech synthesis.
	Synthesized string `json:"synthesized,omitempty"`

	// Spoken is the prefix of Content the listener has heard.
	Spoken string `json:"spoken,omitempty"`

	// Open reports whether the turn may still receive content.
	Open bool `json:"open"`
}

// Segments splits the message into spoken, synthesised and pending text.
func (m Message) Segments() Segments {
	return Split(m.Content, m.Synthesized, m.Spoken)
}

// Snapshot is an immutable view of the transcript at one revision.
type Snapshot struct {
	Revision uint64    `json:"revision"`
	Messages []Message `json:"messages"`
}

// Tail returns the last message, if any.
func (s Snapshot) Tail() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// find returns the message with the given id.
func (s Snapshot) find(id int64) (Message, bool) {
	for _, m := range s.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// LLMMessages converts the snapshot into chat messages, skipping turns that
// have no committed content.
func (s Snapshot) LLMMessages() []llm.Message {
	out := make([]llm.Message, 0, len(s.Messages))
	for _, m := range s.Messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// AppendOptions controls how [Transcript.Append] places text.
type AppendOptions struct {
	// ReuseOpen targets the open message of the same role, wherever it is.
	ReuseOpen bool

	// LeaveOpen marks a newly created message as open.
	LeaveOpen bool

	// AsDraft stores the text as replaceable draft instead of content.
	AsDraft bool
}

// Option configures a [Transcript].
type Option func(*Transcript)

// WithSystemPrompt overrides [DefaultSystemPrompt]. An empty prompt seeds no
// system message.
func WithSystemPrompt(prompt string) Option {
	return func(t *Transcript) {
		t.prompt = prompt
	}
}

// Transcript is the mutable conversation store.
type Transcript struct {
	prompt string

	mu       sync.Mutex
	lastID   int64
	revision uint64
	messages []Message
	subs     map[int]chan Snapshot
	nextSub  int
}

// New returns a Transcript seeded with the system prompt.
func New(opts ...Option) *Transcript {
	t := &Transcript{
		prompt: DefaultSystemPrompt,
		subs:   make(map[int]chan Snapshot),
	}
	for _, o := range opts {
		o(t)
	}
	t.messages = t.seedLocked()
	return t
}

// Snapshot returns the current state.
func (t *Transcript) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Subscribe returns a channel that receives the latest snapshot after every
// mutation, starting with the current one. Slow subscribers only see the
// newest revision. Call the returned function to unsubscribe.
func (t *Transcript) Subscribe() (<-chan Snapshot, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan Snapshot, 1)
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	ch <- t.snapshotLocked()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.subs, id)
			close(ch)
		})
	}
}

// Append adds text for role and returns the id of the message that received
// it.
//
// The target is the open message of the same role when ReuseOpen is set, or
// else the last message if it has the same role. Every message after the
// target is discarded. Draft text replaces the target's draft; content is
// appended with a separating space and clears the draft. Without a target a
// new message is created, open only if LeaveOpen is set.
func (t *Transcript) Append(role Role, text string, opts AppendOptions) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := -1
	if opts.ReuseOpen {
		for i, m := range t.messages {
			if m.Role == role && m.Open {
				idx = i
				break
			}
		}
	}
	if idx < 0 && len(t.messages) > 0 && t.messages[len(t.messages)-1].Role == role {
		idx = len(t.messages) - 1
	}

	if idx >= 0 {
		msgs := cloneMessages(t.messages[:idx+1])
		target := &msgs[idx]
		if opts.AsDraft {
			target.Draft = text
		} else {
			target.Content = joinText(target.Content, text)
			target.Draft = ""
		}
		t.commitLocked(msgs)
		return target.ID
	}

	t.lastID++
	m := Message{ID: t.lastID, Role: role, Open: opts.LeaveOpen}
	if opts.AsDraft {
		m.Draft = text
	} else {
		m.Content = text
	}
	t.commitLocked(append(cloneMessages(t.messages), m))
	return m.ID
}

// AppendContent extends the content of message id. It reports whether the
// message exists.
func (t *Transcript) AppendContent(id int64, text string) bool {
	return t.update(id, func(m *Message) bool {
		m.Content = joinText(m.Content, text)
		m.Draft = ""
		return true
	})
}

// AppendSynthesized extends the synthesized cursor of message id. The cursor
// never runs past the content: an append that would is refused and reported
// as false, like an unknown id.
func (t *Transcript) AppendSynthesized(id int64, text string) bool {
	return t.update(id, func(m *Message) bool {
		next := joinText(m.Synthesized, text)
		if NormalizedLen(next) > NormalizedLen(m.Content) {
			return false
		}
		m.Synthesized = next
		return true
	})
}

// AppendSpoken extends the spoken cursor of message id. The cursor never runs
// past the synthesized cursor.
func (t *Transcript) AppendSpoken(id int64, text string) bool {
	return t.update(id, func(m *Message) bool {
		next := joinText(m.Spoken, text)
		if NormalizedLen(next) > NormalizedLen(m.Synthesized) {
			return false
		}
		m.Spoken = next
		return true
	})
}

// Close marks the given messages as no longer open. Unknown ids are ignored.
func (t *Transcript) Close(ids ...int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msgs := cloneMessages(t.messages)
	changed := false
	for i := range msgs {
		for _, id := range ids {
			if msgs[i].ID == id && msgs[i].Open {
				msgs[i].Open = false
				changed = true
			}
		}
	}
	if changed {
		t.commitLocked(msgs)
	}
}

// TrimToSpoken rewinds the transcript to what the listener heard. Assistant
// messages with nothing spoken are removed; the others are cut back to their
// spoken text.
func (t *Transcript) TrimToSpoken() {
	t.mu.Lock()
	defer t.mu.Unlock()

	msgs := make([]Message, 0, len(t.messages))
	changed := false
	for _, m := range t.messages {
		if m.Role == RoleAssistant {
			if m.Spoken == "" {
				changed = true
				continue
			}
			if m.Content != m.Spoken || m.Synthesized != m.Spoken {
				m.Content = m.Spoken
				m.Synthesized = m.Spoken
				changed = true
			}
		}
		msgs = append(msgs, m)
	}
	if changed {
		t.commitLocked(msgs)
	}
}

// Reset restores the seed messages. New ids are assigned; old ids are never
// reused.
func (t *Transcript) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commitLocked(t.seedLocked())
}

// update applies fn to a copy of message id and commits it when fn accepts
// the change.
func (t *Transcript) update(id int64, fn func(*Message) bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.messages {
		if t.messages[i].ID != id {
			continue
		}
		msgs := cloneMessages(t.messages)
		if !fn(&msgs[i]) {
			return false
		}
		t.commitLocked(msgs)
		return true
	}
	return false
}

func (t *Transcript) seedLocked() []Message {
	if t.prompt == "" {
		return nil
	}
	t.lastID++
	return []Message{{ID: t.lastID, Role: RoleSystem, Content: t.prompt}}
}

// commitLocked installs msgs as the new state and notifies subscribers.
func (t *Transcript) commitLocked(msgs []Message) {
	t.messages = msgs
	t.revision++
	snap := t.snapshotLocked()
	for _, ch := range t.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (t *Transcript) snapshotLocked() Snapshot {
	return Snapshot{Revision: t.revision, Messages: t.messages}
}

func cloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

func joinText(existing, text string) string {
	if existing == "" {
		return text
	}
	return existing + " " + text
}
