package deepgram

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

func assertEqual(t *testing.T, field, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", field, want, got)
	}
}

func TestBuildURL_Defaults(t *testing.T) {
	t.Parallel()

	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, err := p.buildURL(stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	assertEqual(t, "endpointing", "", q.Get("endpointing"))
}

func TestBuildURL_Options(t *testing.T) {
	t.Parallel()

	p, err := New("key",
		WithModel("base"),
		WithLanguage("de-DE"),
		WithSampleRate(48000),
		WithEndpointing(300*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, err := p.buildURL(stt.StreamConfig{
		Keywords: []stt.KeywordBoost{{Keyword: "Parley", Boost: 2}},
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
	assertEqual(t, "endpointing", "300", q.Get("endpointing"))
	assertEqual(t, "keywords", "Parley:2", q.Get("keywords"))
}

func TestBuildURL_ConfigLanguageWins(t *testing.T) {
	t.Parallel()

	p, _ := New("key", WithLanguage("en"))
	rawURL, err := p.buildURL(stt.StreamConfig{Language: "fr-FR"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	assertEqual(t, "language", "fr-FR", u.Query().Get("language"))
}

func TestNew_EmptyKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Fatal("want error for empty API key")
	}
}

func TestParseDeepgramResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		ok      bool
		text    string
		isFinal bool
	}{
		{
			name: "interim",
			raw:  `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel","confidence":0.5}]}}`,
			ok:   true, text: "hel",
		},
		{
			name: "final with words",
			raw:  `{"type":"Results","is_final":true,"start":1.5,"duration":0.5,"channel":{"alternatives":[{"transcript":"Hello.","confidence":0.98,"words":[{"word":"hello","start":1.5,"end":2.0,"confidence":0.98}]}]}}`,
			ok:   true, text: "Hello.", isFinal: true,
		},
		{name: "metadata", raw: `{"type":"Metadata"}`},
		{name: "no alternatives", raw: `{"type":"Results","channel":{"alternatives":[]}}`},
		{name: "garbage", raw: `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := parseDeepgramResponse([]byte(tt.raw))
			if ok != tt.ok {
				t.Fatalf("want ok=%v, got %v", tt.ok, ok)
			}
			if !ok {
				return
			}
			if got.Text != tt.text || got.IsFinal != tt.isFinal {
				t.Errorf("want %q final=%v, got %q final=%v", tt.text, tt.isFinal, got.Text, got.IsFinal)
			}
		})
	}
}

func TestStartStream_OrderedResults(t *testing.T) {
	t.Parallel()

	received := make(chan []byte, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token key" {
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()

		ctx := r.Context()
		typ, data, err := c.Read(ctx)
		if err != nil || typ != websocket.MessageBinary {
			return
		}
		received <- data

		for _, res := range []struct {
			text  string
			final bool
		}{{"hel", false}, {"hello", false}, {"Hello.", true}} {
			msg := fmt.Sprintf(`{"type":"Results","is_final":%v,"channel":{"alternatives":[{"transcript":%q}]}}`, res.final, res.text)
			if err := c.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
				return
			}
		}
		// Wait for CloseStream.
		_, _, _ = c.Read(ctx)
	}))
	defer srv.Close()

	p, err := New("key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	if err := sess.SendAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case got := <-received:
		if len(got) != 4 {
			t.Errorf("want 4 audio bytes at server, got %d", len(got))
		}
	case <-ctx.Done():
		t.Fatal("server never received audio")
	}

	var texts []string
	for len(texts) < 3 {
		select {
		case tr, ok := <-sess.Results():
			if !ok {
				t.Fatalf("results closed early after %v", texts)
			}
			texts = append(texts, tr.Text)
			if tr.Text == "Hello." && !tr.IsFinal {
				t.Error("want final flag on last result")
			}
		case <-ctx.Done():
			t.Fatalf("timed out, got %v", texts)
		}
	}
	if strings.Join(texts, "|") != "hel|hello|Hello." {
		t.Errorf("want ordered hel|hello|Hello., got %v", texts)
	}

	if err := sess.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := sess.SendAudio([]byte{0}); err != stt.ErrSessionClosed {
		t.Errorf("want ErrSessionClosed after Close, got %v", err)
	}
}
