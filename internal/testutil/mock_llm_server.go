package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
)

type chatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionChoice struct {
	Message      chatCompletionMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Model   string                 `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// OpenAICompatibleServer is an httptest server answering
// POST /v1/chat/completions with a fixed assistant message.
type OpenAICompatibleServer struct {
	*httptest.Server
	requests atomic.Int64
}

// Requests returns how many completion requests were served.
func (s *OpenAICompatibleServer) Requests() int64 {
	return s.requests.Load()
}

// NewOpenAICompatibleServer starts the server. The caller must Close it.
func NewOpenAICompatibleServer(content string) *OpenAICompatibleServer {
	if content == "" {
		content = "¿Qué crees que ocurre en la primera iteración?"
	}
	resp := chatCompletionResponse{
		ID:      "chatcmpl-test",
		Object:  "chat.completion",
		Model:   "gpt-4o-mini",
		Choices: []chatCompletionChoice{{Message: chatCompletionMessage{Role: "assistant", Content: content}, FinishReason: "stop"}},
	}
	resp.Usage.PromptTokens = 42
	resp.Usage.CompletionTokens = 12
	resp.Usage.TotalTokens = 54

	s := &OpenAICompatibleServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		s.requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	return s
}
