package provider

import (
	"time"

	"github.com/google/uuid"
)

const (
	ObjectCompletion = "chat.completion"
	ObjectChunk      = "chat.completion.chunk"

	FinishStop = "stop"
)

// ChatCompletion is the OpenAI-compatible non-streaming response body.
type ChatCompletion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ChatCompletionChunk is one streamed frame.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type Delta struct {
	Content string `json:"content,omitempty"`
}

// NewCompletionID returns an identifier in the OpenAI "chatcmpl-" form.
func NewCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// ToChatCompletion wraps a provider reply in the OpenAI envelope.
func ToChatCompletion(c *Completion) *ChatCompletion {
	finish := c.FinishReason
	if finish == "" {
		finish = FinishStop
	}
	return &ChatCompletion{
		ID:      NewCompletionID(),
		Object:  ObjectCompletion,
		Created: time.Now().Unix(),
		Model:   c.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: RoleAssistant, Content: c.Content},
			FinishReason: finish,
		}},
		Usage: c.Usage,
	}
}
