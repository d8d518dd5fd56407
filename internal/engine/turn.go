package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/engine/sentence"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// synthJob is one sentence batch on its way to the playback queue.
type synthJob struct {
	msgID  int64
	text   string
	result chan synthResult
}

type synthResult struct {
	pcm []byte
	err error
}

func (e *Engine) listen(ctx context.Context, results <-chan stt.Transcript) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-results:
			if !ok {
				slog.Info("engine: recognition stream ended")
				return
			}
			e.handle(ctx, t)
		}
	}
}

// handle applies one recognition event. It runs on the listen goroutine only.
func (e *Engine) handle(ctx context.Context, t stt.Transcript) {
	text := strings.TrimSpace(t.Text)
	if text == "" {
		return
	}

	e.mu.Lock()
	if e.state == StateIdle {
		e.mu.Unlock()
		return
	}
	gen := e.gen.Add(1)
	superseded := e.cancelTurnLocked()
	e.mu.Unlock()

	kind := observe.TurnPartial
	if t.IsFinal {
		kind = observe.TurnFinal
	}
	e.metrics.RecordTurn(ctx, kind)
	if superseded {
		e.metrics.TurnsSuperseded.Add(ctx, 1)
	}
	e.stopCloseTimer()

	// Stopping the queue first guarantees no play-start callback of the old
	// device runs after the rewind.
	e.queue.Stop()
	e.transcript.TrimToSpoken()
	if err := e.queue.Start(ctx); err != nil {
		slog.Debug("engine: restart playback", "gen", gen, "err", err)
	}

	if !t.IsFinal {
		id := e.transcript.Append(transcript.RoleUser, text, transcript.AppendOptions{
			ReuseOpen: true,
			LeaveOpen: true,
			AsDraft:   true,
		})
		e.mu.Lock()
		if e.gen.Load() == gen {
			e.state = StateDrafting
			e.exchange = exchange{user: id}
		}
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	if e.gen.Load() != gen {
		e.mu.Unlock()
		return
	}
	e.state = StateFinalizing
	id := e.transcript.Append(transcript.RoleUser, text, transcript.AppendOptions{
		ReuseOpen: true,
		LeaveOpen: true,
	})
	e.exchange = exchange{user: id}
	turnCtx, cancel := context.WithCancel(ctx)
	e.turnCancel = cancel
	e.state = StateResponding
	e.wg.Add(1)
	e.mu.Unlock()

	slog.Debug("engine: responding", "gen", gen, "message_id", id)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.respond(turnCtx, gen)
	}()
}

// cancelTurnLocked cancels the in-flight response, if any. Must be called
// with e.mu held.
func (e *Engine) cancelTurnLocked() bool {
	if e.turnCancel == nil {
		return false
	}
	e.turnCancel()
	e.turnCancel = nil
	return true
}

// respond streams one chat completion and speaks it sentence by sentence.
func (e *Engine) respond(ctx context.Context, gen uint64) {
	ctx, span := observe.StartTurn(ctx, gen)
	defer span.End()
	log := observe.Logger(ctx).With("gen", gen)
	enqueued := false
	defer func() { e.finishTurn(gen, enqueued) }()

	req := llm.CompletionRequest{
		Messages:  transcript.Window(e.transcript.Snapshot().LLMMessages(), e.budget),
		MaxTokens: e.maxTokens,
	}
	start := time.Now()
	chatCtx, chatSpan := observe.StartProviderCall(ctx, "llm", e.chatName)
	chunks, err := e.chat.StreamCompletion(chatCtx, req)
	if err != nil {
		observe.EndSpan(chatSpan, err)
		if ctx.Err() == nil {
			log.Warn("engine: start chat completion", "err", err)
			e.metrics.RecordProviderError(ctx, e.chatName, "llm")
		}
		return
	}
	e.metrics.RecordProviderRequest(ctx, e.chatName, "llm", "ok")

	text := make(chan string)
	go func() {
		defer close(text)
		defer chatSpan.End()
		first := true
		for c := range chunks {
			if first {
				e.metrics.ChatDuration.Record(ctx, time.Since(start).Seconds())
				first = false
			}
			if c.FinishReason == llm.FinishReasonError {
				log.Warn("engine: chat completion failed", "err", c.Text)
				e.metrics.RecordProviderError(ctx, e.chatName, "llm")
				continue
			}
			if c.Text == "" {
				continue
			}
			select {
			case text <- c.Text:
			case <-ctx.Done():
				audio.Drain(chunks)
				return
			}
		}
	}()

	jobs := make(chan synthJob, 8)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		enqueued = e.enqueueInOrder(ctx, gen, jobs)
	}()

	var msgID int64
	for batch := range sentence.Segment(ctx, text) {
		batch = strings.TrimSpace(batch)
		id, ok := e.appendReply(gen, msgID, batch)
		if !ok {
			break
		}
		msgID = id

		job := synthJob{msgID: id, text: batch, result: make(chan synthResult, 1)}
		voice := e.currentVoice()
		go func() {
			pcm, err := e.synthesize(ctx, batch, voice)
			job.result <- synthResult{pcm: pcm, err: err}
		}()
		select {
		case jobs <- job:
		case <-ctx.Done():
		}
	}
	close(jobs)
	wg.Wait()
}

// appendReply adds batch to the reply message of turn gen, creating it on the
// first batch. It reports false once the turn is superseded.
func (e *Engine) appendReply(gen uint64, msgID int64, batch string) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen.Load() != gen {
		return 0, false
	}
	if msgID != 0 {
		return msgID, e.transcript.AppendContent(msgID, batch)
	}
	if tail, ok := e.transcript.Snapshot().Tail(); ok && tail.Role == transcript.RoleAssistant && tail.Open {
		e.transcript.AppendContent(tail.ID, batch)
		msgID = tail.ID
	} else {
		msgID = e.transcript.Append(transcript.RoleAssistant, batch, transcript.AppendOptions{LeaveOpen: true})
	}
	e.exchange.assistant = msgID
	return msgID, true
}

func (e *Engine) currentVoice() tts.VoiceProfile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.voice
}

func (e *Engine) synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	ctx, span := observe.StartProviderCall(ctx, "tts", e.synthName)
	start := time.Now()
	pcm, err := tts.Synthesize(ctx, e.synth, text, voice)
	observe.EndSpan(span, err)
	if err == nil {
		e.metrics.SynthesisDuration.Record(ctx, time.Since(start).Seconds())
		e.metrics.RecordProviderRequest(ctx, e.synthName, "tts", "ok")
	}
	return pcm, err
}

// enqueueInOrder hands synthesised batches to the playback queue in the order
// they were produced, whatever order synthesis finishes in. It reports
// whether any audio was queued.
func (e *Engine) enqueueInOrder(ctx context.Context, gen uint64, jobs <-chan synthJob) bool {
	log := observe.Logger(ctx).With("gen", gen)
	queued := false
	for job := range jobs {
		var res synthResult
		select {
		case res = <-job.result:
		case <-ctx.Done():
			continue
		}
		if res.err != nil {
			if ctx.Err() == nil && !errors.Is(res.err, context.Canceled) {
				log.Warn("engine: synthesis failed", "text", job.text, "err", res.err)
				e.metrics.RecordProviderError(ctx, e.synthName, "tts")
			}
			continue
		}

		e.mu.Lock()
		if e.gen.Load() != gen {
			e.mu.Unlock()
			continue
		}
		if !e.transcript.AppendSynthesized(job.msgID, job.text) {
			slog.Debug("engine: synthesized text outruns content", "message_id", job.msgID)
		}
		id, text := job.msgID, job.text
		e.queue.Enqueue(res.pcm, func() { e.markSpoken(gen, id, text) })
		e.mu.Unlock()

		queued = true
		e.metrics.SentencesSynthesized.Add(ctx, 1)
	}
	return queued
}

// markSpoken runs on the playback goroutine when a batch starts being heard.
// It must not take e.mu.
func (e *Engine) markSpoken(gen uint64, msgID int64, text string) {
	if e.gen.Load() != gen {
		return
	}
	if !e.transcript.AppendSpoken(msgID, text) {
		return
	}
	e.metrics.SentencesSpoken.Add(context.Background(), 1)
	e.restartCloseTimer(gen)
}

// finishTurn returns the engine to listening once the reply stream is done.
// A reply that produced no audio closes its exchange right away.
func (e *Engine) finishTurn(gen uint64, enqueued bool) {
	e.mu.Lock()
	current := e.gen.Load() == gen
	if current && e.state == StateResponding {
		e.state = StateListening
		e.turnCancel = nil
	}
	e.mu.Unlock()

	if current && !enqueued {
		e.restartCloseTimer(gen)
	}
}

// ─── Exchange close debounce ──────────────────────────────────────────────────

func (e *Engine) restartCloseTimer(gen uint64) {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closeTimer != nil {
		e.closeTimer.Stop()
	}
	e.closeTimer = time.AfterFunc(time.Duration(e.closeDelay.Load()), func() {
		e.closeExchange(gen)
	})
}

func (e *Engine) stopCloseTimer() {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closeTimer != nil {
		e.closeTimer.Stop()
		e.closeTimer = nil
	}
}

// closeExchange ends the turn of gen: its user and assistant messages stop
// accepting continuations.
func (e *Engine) closeExchange(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen.Load() != gen {
		return
	}
	var ids []int64
	for _, id := range []int64{e.exchange.user, e.exchange.assistant} {
		if id != 0 {
			ids = append(ids, id)
		}
	}
	e.transcript.Close(ids...)
	e.exchange = exchange{}
	slog.Debug("engine: exchange closed", "gen", gen)
}
