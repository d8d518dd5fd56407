package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

// maxChatBody bounds the size of a proxied chat request.
const maxChatBody = 1 << 20

// defaultModelName is reported when the client did not name a model.
const defaultModelName = "parley"

type chatRequest struct {
	Model               string        `json:"model"`
	Messages            []llm.Message `json:"messages"`
	MaxTokens           int           `json:"max_tokens"`
	MaxCompletionTokens int           `json:"max_completion_tokens"`
	Temperature         float64       `json:"temperature"`
	Stream              bool          `json:"stream"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	Message      *llm.Message `json:"message,omitempty"`
	Delta        *chatDelta   `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type chatDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// serveChat forwards an OpenAI-style chat completion request to the
// configured provider.
func (s *Server) serveChat(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		writeError(w, http.StatusNotFound, "not_configured", ErrNotConfigured.Error())
		return
	}

	var req chatRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxChatBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("decode request: %v", err))
		return
	}
	creq, err := s.completionRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	if req.Model == "" {
		req.Model = defaultModelName
	}

	if req.Stream {
		s.streamChat(w, r, req.Model, creq)
		return
	}

	ctx, span := observe.StartProviderCall(r.Context(), "llm", "chat-proxy")
	resp, err := s.chat.Complete(ctx, creq)
	observe.EndSpan(span, err)
	if err != nil {
		observe.Logger(r.Context()).Warn("web: chat completion failed", "err", err)
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}
	stop := "stop"
	writeJSON(w, http.StatusOK, chatResponse{
		ID:      completionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      &llm.Message{Role: llm.RoleAssistant, Content: resp.Content},
			FinishReason: &stop,
		}},
		Usage: &chatUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	})
}

func (s *Server) completionRequest(req chatRequest) (llm.CompletionRequest, error) {
	if len(req.Messages) == 0 {
		return llm.CompletionRequest{}, fmt.Errorf("messages must not be empty")
	}
	for i, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant:
		default:
			return llm.CompletionRequest{}, fmt.Errorf("messages[%d]: unsupported role %q", i, m.Role)
		}
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return llm.CompletionRequest{}, fmt.Errorf("temperature %.2f outside [0, 2]", req.Temperature)
	}

	maxTokens := req.MaxCompletionTokens
	if maxTokens == 0 {
		maxTokens = req.MaxTokens
	}
	if s.maxTokens > 0 && (maxTokens <= 0 || maxTokens > s.maxTokens) {
		maxTokens = s.maxTokens
	}
	return llm.CompletionRequest{
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
	}, nil
}

// streamChat relays the provider stream as server-sent events terminated by
// a [DONE] event.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, model string, req llm.CompletionRequest) {
	ctx := r.Context()
	ch, err := s.chat.StreamCompletion(ctx, req)
	if err != nil {
		observe.Logger(ctx).Warn("web: chat stream failed", "err", err)
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	id, created := completionID(), time.Now().Unix()
	first := true
	for c := range ch {
		var event any
		if c.FinishReason == llm.FinishReasonError {
			event = apiError{Error: apiErrorBody{Message: c.Text, Type: "upstream_error"}}
		} else {
			delta := &chatDelta{Content: c.Text}
			if first {
				delta.Role = llm.RoleAssistant
				first = false
			}
			choice := chatChoice{Delta: delta}
			if c.FinishReason != "" {
				reason := c.FinishReason
				choice.FinishReason = &reason
			}
			event = chatResponse{ID: id, Object: "chat.completion.chunk", Created: created, Model: model, Choices: []chatChoice{choice}}
		}
		if err := writeEvent(w, event); err != nil {
			observe.Logger(ctx).Debug("web: chat client gone", "err", err)
			for range ch {
			}
			return
		}
		_ = rc.Flush()
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	_ = rc.Flush()
}

func writeEvent(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func completionID() string {
	return "chatcmpl-" + uuid.NewString()
}
