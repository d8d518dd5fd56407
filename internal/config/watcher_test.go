package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
)

func writeConfig(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %q: %v", path, err)
	}
}

func startWatcher(t *testing.T, path string, onChange func(old, new *config.Config)) *config.Watcher {
	t.Helper()
	w, err := config.NewWatcher(path, onChange, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "parley.yaml")
	writeConfig(t, path, minimalYAML, time.Now())

	w := startWatcher(t, path, nil)
	if got := w.Current().Conversation.SpeechRate; got != config.DefaultSpeechRate {
		t.Fatalf("want default speech rate, got %v", got)
	}
}

func TestWatcher_InitialLoadInvalid(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "parley.yaml")
	writeConfig(t, path, "server:\n  log_level: bananas\n", time.Now())
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("want error for an invalid initial config")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "parley.yaml")
	start := time.Now().Add(-time.Hour)
	writeConfig(t, path, minimalYAML, start)

	changes := make(chan [2]*config.Config, 1)
	w := startWatcher(t, path, func(old, new *config.Config) {
		changes <- [2]*config.Config{old, new}
	})

	writeConfig(t, path, minimalYAML+"conversation:\n  speech_rate: 2.5\n", start.Add(time.Minute))

	select {
	case c := <-changes:
		if c[0].Conversation.SpeechRate != 1.5 || c[1].Conversation.SpeechRate != 2.5 {
			t.Fatalf("want 1.5 -> 2.5, got %v -> %v", c[0].Conversation.SpeechRate, c[1].Conversation.SpeechRate)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("change not detected")
	}
	if w.Current().Conversation.SpeechRate != 2.5 {
		t.Fatalf("want current speech rate 2.5, got %v", w.Current().Conversation.SpeechRate)
	}
}

func TestWatcher_IgnoresInvalidAndTouchedFiles(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "parley.yaml")
	start := time.Now().Add(-time.Hour)
	writeConfig(t, path, minimalYAML, start)

	changes := make(chan struct{}, 4)
	w := startWatcher(t, path, func(_, _ *config.Config) { changes <- struct{}{} })

	// Same content, new mtime.
	writeConfig(t, path, minimalYAML, start.Add(time.Minute))
	// Invalid content.
	time.Sleep(50 * time.Millisecond)
	writeConfig(t, path, minimalYAML+"conversation:\n  speech_rate: 9\n", start.Add(2*time.Minute))
	time.Sleep(100 * time.Millisecond)

	select {
	case <-changes:
		t.Fatal("want no change callback")
	default:
	}
	if w.Current().Conversation.SpeechRate != 1.5 {
		t.Fatalf("want the last valid config kept, got speech rate %v", w.Current().Conversation.SpeechRate)
	}
}
