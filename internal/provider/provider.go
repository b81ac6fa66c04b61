package provider

import (
	"context"

	"github.com/ai-gateway/chat-gateway/internal/resolver"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Kind selects the backend family a request is sent to.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// ChatRequest is the normalized form of an OpenAI chat completion request.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	Stream      bool
	Provider    Kind

	// Backend is the resolved local base URL. It is filled per request on
	// the local path and left zero for remote requests.
	Backend resolver.Backend
}

// Usage carries token counts when the upstream reports them.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is a finished, non-streamed reply.
type Completion struct {
	Model        string
	Content      string
	FinishReason string
	Usage        *Usage
}

// Provider handles LLM operations.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *ChatRequest) (*Completion, error)
}

// Streamer is implemented by providers that can deliver partial output.
// The returned channel is closed once the stream ends; failures arrive as
// an EventError rather than a return value so the response can already be
// under way when the upstream is contacted.
type Streamer interface {
	Stream(ctx context.Context, req *ChatRequest) <-chan StreamEvent
}

type StreamEventType int

const (
	EventDelta StreamEventType = iota + 1
	EventDone
	EventError
)

type StreamEvent struct {
	Type  StreamEventType
	Delta string
	Err   error
}

// ModelInfo describes one model a provider can serve.
type ModelInfo struct {
	Name       string `json:"name"`
	Family     string `json:"family,omitempty"`
	Size       int64  `json:"size,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
}

// ModelLister is implemented by providers that can enumerate models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
}
