package ollama

import "github.com/ai-gateway/chat-gateway/internal/provider"

type chatOptions struct {
	Temperature float64 `json:"temperature"`
}

// chatRequest is the body of POST /api/chat.
type chatRequest struct {
	Model    string             `json:"model"`
	Messages []provider.Message `json:"messages"`
	Stream   bool               `json:"stream"`
	Options  chatOptions        `json:"options"`
}

// chatResponse is both the non-streaming body and one line of a stream.
// A missing message decodes to empty content.
type chatResponse struct {
	Model           string           `json:"model"`
	CreatedAt       string           `json:"created_at"`
	Message         provider.Message `json:"message"`
	Done            bool             `json:"done"`
	DoneReason      string           `json:"done_reason,omitempty"`
	PromptEvalCount int              `json:"prompt_eval_count,omitempty"`
	EvalCount       int              `json:"eval_count,omitempty"`
	Error           string           `json:"error,omitempty"`
}

func (r *chatResponse) usage() *provider.Usage {
	if r.PromptEvalCount == 0 && r.EvalCount == 0 {
		return nil
	}
	return &provider.Usage{
		PromptTokens:     r.PromptEvalCount,
		CompletionTokens: r.EvalCount,
		TotalTokens:      r.PromptEvalCount + r.EvalCount,
	}
}

// tagsResponse is the body of GET /api/tags.
type tagsResponse struct {
	Models []tagModel `json:"models"`
}

type tagModel struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
	Details    struct {
		Family string `json:"family"`
	} `json:"details"`
}

type generateRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	Stream  bool   `json:"stream"`
	Options any    `json:"options,omitempty"`
}

// generateResponse keeps Response as a pointer so a body without it is
// told apart from an empty reply.
type generateResponse struct {
	Response *string `json:"response"`
	Error    string  `json:"error,omitempty"`
}
