package transcript

import (
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

func TestNew_Seed(t *testing.T) {
	t.Parallel()

	tr := New()
	snap := tr.Snapshot()
	if len(snap.Messages) != 1 {
		t.Fatalf("want 1 seed message, got %d", len(snap.Messages))
	}
	m := snap.Messages[0]
	if m.Role != RoleSystem || m.Content != DefaultSystemPrompt || m.Open {
		t.Errorf("unexpected seed %+v", m)
	}

	empty := New(WithSystemPrompt(""))
	if got := len(empty.Snapshot().Messages); got != 0 {
		t.Errorf("want no seed with empty prompt, got %d", got)
	}
}

func TestAppend_DraftThenCommit(t *testing.T) {
	t.Parallel()

	tr := New()
	draft := AppendOptions{ReuseOpen: true, LeaveOpen: true, AsDraft: true}
	commit := AppendOptions{ReuseOpen: true, LeaveOpen: true}

	id1 := tr.Append(RoleUser, "Hel", draft)
	id2 := tr.Append(RoleUser, "Hello", draft)
	if id1 != id2 {
		t.Fatalf("want draft updates on the same message, got ids %d and %d", id1, id2)
	}
	m, _ := tr.Snapshot().find(id1)
	if m.Content != "" || m.Draft != "Hello" || !m.Open {
		t.Errorf("unexpected draft message %+v", m)
	}

	id3 := tr.Append(RoleUser, "Hello", commit)
	if id3 != id1 {
		t.Fatalf("want commit on the draft message, got %d", id3)
	}
	m, _ = tr.Snapshot().find(id1)
	if m.Content != "Hello" || m.Draft != "" || !m.Open {
		t.Errorf("unexpected committed message %+v", m)
	}
}

func TestAppend_ContinuationMergeTrimsAfter(t *testing.T) {
	t.Parallel()

	tr := New()
	opts := AppendOptions{ReuseOpen: true, LeaveOpen: true}
	userID := tr.Append(RoleUser, "Tell me", opts)
	tr.Append(RoleAssistant, "Sure.", AppendOptions{LeaveOpen: true})

	got := tr.Append(RoleUser, "a joke", opts)
	if got != userID {
		t.Fatalf("want merge into open user message %d, got %d", userID, got)
	}
	snap := tr.Snapshot()
	tail, _ := snap.Tail()
	if tail.ID != userID || tail.Content != "Tell me a joke" {
		t.Errorf("want merged tail %q, got %+v", "Tell me a joke", tail)
	}
	if len(snap.Messages) != 2 {
		t.Errorf("want assistant reply discarded, got %d messages", len(snap.Messages))
	}
}

func TestAppend_ClosedTurnStartsNewMessage(t *testing.T) {
	t.Parallel()

	tr := New()
	opts := AppendOptions{ReuseOpen: true, LeaveOpen: true}
	first := tr.Append(RoleUser, "Hello", opts)
	tr.Append(RoleAssistant, "Hi.", AppendOptions{})
	tr.Close(first)

	second := tr.Append(RoleUser, "Bye", opts)
	if second == first {
		t.Fatal("want a new message after the previous turn closed")
	}
	if second <= first {
		t.Errorf("want increasing ids, got %d after %d", second, first)
	}
	if got := len(tr.Snapshot().Messages); got != 4 {
		t.Errorf("want 4 messages, got %d", got)
	}
}

func TestAppend_MergesWithLastSameRole(t *testing.T) {
	t.Parallel()

	tr := New()
	id := tr.Append(RoleAssistant, "One.", AppendOptions{})
	if got := tr.Append(RoleAssistant, "Two.", AppendOptions{}); got != id {
		t.Errorf("want merge into last assistant message, got new id %d", got)
	}
	m, _ := tr.Snapshot().find(id)
	if m.Content != "One. Two." {
		t.Errorf("want %q, got %q", "One. Two.", m.Content)
	}
}

func TestCursorsAndTrimToSpoken(t *testing.T) {
	t.Parallel()

	tr := New()
	tr.Append(RoleUser, "Hello", AppendOptions{LeaveOpen: true})
	a := tr.Append(RoleAssistant, "Hi there.", AppendOptions{LeaveOpen: true})
	tr.AppendContent(a, "How are you?")
	tr.AppendSynthesized(a, "Hi there.")
	tr.AppendSynthesized(a, "How are you?")
	tr.AppendSpoken(a, "Hi there.")

	m, _ := tr.Snapshot().find(a)
	seg := m.Segments()
	if seg.Spoken != "Hi there." || seg.Synthesized != " How are you?" || seg.Pending != "" {
		t.Errorf("unexpected segments %+v", seg)
	}

	tr.TrimToSpoken()
	m, ok := tr.Snapshot().find(a)
	if !ok {
		t.Fatal("want partially spoken assistant message kept")
	}
	if m.Content != "Hi there." || m.Synthesized != "Hi there." || m.Spoken != "Hi there." {
		t.Errorf("want message cut back to spoken text, got %+v", m)
	}
}

func TestCursors_RefusePastLimits(t *testing.T) {
	t.Parallel()

	tr := New()
	a := tr.Append(RoleAssistant, "Hi there.", AppendOptions{LeaveOpen: true})

	if tr.AppendSpoken(a, "Hi there.") {
		t.Error("want spoken refused before anything was synthesized")
	}
	if !tr.AppendSynthesized(a, "Hi there.") {
		t.Fatal("want synthesized accepted within content")
	}
	rev := tr.Snapshot().Revision
	if tr.AppendSynthesized(a, "How are you?") {
		t.Error("want synthesized refused past content")
	}
	if got := tr.Snapshot().Revision; got != rev {
		t.Errorf("want no new revision for a refused append, got %d after %d", got, rev)
	}

	tr.AppendContent(a, "How are you?")
	if !tr.AppendSpoken(a, "Hi there.") {
		t.Fatal("want spoken accepted within synthesized")
	}
	if tr.AppendSpoken(a, "How are you?") {
		t.Error("want spoken refused past synthesized")
	}

	m, _ := tr.Snapshot().find(a)
	if m.Content != "Hi there. How are you?" || m.Synthesized != "Hi there." || m.Spoken != "Hi there." {
		t.Errorf("want cursors at %q, got %+v", "Hi there.", m)
	}
}

func TestTrimToSpoken_DropsUnspoken(t *testing.T) {
	t.Parallel()

	tr := New()
	tr.Append(RoleUser, "Hello", AppendOptions{})
	a := tr.Append(RoleAssistant, "Never heard.", AppendOptions{LeaveOpen: true})
	tr.AppendSynthesized(a, "Never heard.")

	tr.TrimToSpoken()
	if _, ok := tr.Snapshot().find(a); ok {
		t.Error("want unspoken assistant message removed")
	}

	// Idempotent and no-op: revision does not move.
	rev := tr.Snapshot().Revision
	tr.TrimToSpoken()
	if got := tr.Snapshot().Revision; got != rev {
		t.Errorf("want no new revision for no-op trim, got %d after %d", got, rev)
	}
}

func TestReset_NewIDs(t *testing.T) {
	t.Parallel()

	tr := New()
	seed := tr.Snapshot().Messages[0].ID
	tr.Append(RoleUser, "Hello", AppendOptions{})
	tr.Reset()

	snap := tr.Snapshot()
	if len(snap.Messages) != 1 {
		t.Fatalf("want only the seed after reset, got %d", len(snap.Messages))
	}
	if snap.Messages[0].ID <= seed {
		t.Errorf("want fresh seed id above %d, got %d", seed, snap.Messages[0].ID)
	}
	if snap.Messages[0].Content != DefaultSystemPrompt {
		t.Errorf("want seed prompt restored, got %q", snap.Messages[0].Content)
	}
}

func TestClose_UnknownIgnored(t *testing.T) {
	t.Parallel()

	tr := New()
	rev := tr.Snapshot().Revision
	tr.Close(999)
	if got := tr.Snapshot().Revision; got != rev {
		t.Errorf("want no revision for unknown id, got %d", got)
	}
	if tr.AppendSpoken(999, "x") {
		t.Error("want false for unknown id")
	}
}

func TestSnapshotsAreImmutable(t *testing.T) {
	t.Parallel()

	tr := New()
	id := tr.Append(RoleUser, "Hello", AppendOptions{})
	before := tr.Snapshot()
	tr.AppendContent(id, "world")

	m, _ := before.find(id)
	if m.Content != "Hello" {
		t.Errorf("old snapshot changed: got %q", m.Content)
	}
	if after := tr.Snapshot(); after.Revision <= before.Revision {
		t.Errorf("want revision to grow, got %d after %d", after.Revision, before.Revision)
	}
}

func TestSubscribe_Coalesces(t *testing.T) {
	t.Parallel()

	tr := New()
	ch, cancel := tr.Subscribe()

	first := <-ch
	if first.Revision != tr.Snapshot().Revision {
		t.Errorf("want current snapshot first, got revision %d", first.Revision)
	}

	for i := range 5 {
		tr.Append(RoleUser, strings.Repeat("x", i+1), AppendOptions{})
	}
	latest := <-ch
	if latest.Revision != tr.Snapshot().Revision {
		t.Errorf("want latest revision %d, got %d", tr.Snapshot().Revision, latest.Revision)
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("want channel closed after unsubscribe")
	}
}

func TestConcurrentMutations(t *testing.T) {
	t.Parallel()

	tr := New()
	id := tr.Append(RoleAssistant, "start", AppendOptions{LeaveOpen: true})

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 50 {
				tr.AppendContent(id, "w")
				tr.AppendSynthesized(id, "w")
				_ = tr.Snapshot()
			}
		})
	}
	wg.Wait()

	m, _ := tr.Snapshot().find(id)
	if got := strings.Count(m.Content, "w"); got != 400 {
		t.Errorf("want 400 appended words, got %d", got)
	}
	if NormalizedLen(m.Synthesized) > NormalizedLen(m.Content) {
		t.Error("synthesized cursor ran past content")
	}
}

func TestLLMMessages(t *testing.T) {
	t.Parallel()

	tr := New()
	tr.Append(RoleUser, "draft only", AppendOptions{AsDraft: true, LeaveOpen: true})
	msgs := tr.Snapshot().LLMMessages()
	if len(msgs) != 1 || msgs[0].Role != llm.RoleSystem {
		t.Errorf("want only the system prompt, got %+v", msgs)
	}
}

func TestWindow(t *testing.T) {
	t.Parallel()

	// Each message estimates to 10 tokens.
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: strings.Repeat("s", 36)},
		{Role: llm.RoleUser, Content: strings.Repeat("a", 36)},
		{Role: llm.RoleAssistant, Content: strings.Repeat("b", 31)},
		{Role: llm.RoleUser, Content: strings.Repeat("c", 36)},
	}

	if got := Window(msgs, 0); len(got) != 4 {
		t.Errorf("want no trimming without budget, got %d", len(got))
	}
	if got := Window(msgs, 100); len(got) != 4 {
		t.Errorf("want all messages within budget, got %d", len(got))
	}

	got := Window(msgs, 30)
	if len(got) != 3 {
		t.Fatalf("want 3 messages, got %d", len(got))
	}
	if got[0].Role != llm.RoleSystem || got[1].Content != msgs[2].Content || got[2].Content != msgs[3].Content {
		t.Errorf("want system prompt plus newest two turns, got %+v", got)
	}

	tiny := Window(msgs, 5)
	if len(tiny) != 2 || tiny[1].Content != msgs[3].Content {
		t.Errorf("want system prompt plus newest turn, got %+v", tiny)
	}
}
