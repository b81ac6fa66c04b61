// Package anthropic adapts the gateway to the Anthropic Messages API. It
// never streams: a streaming request is answered with the whole completion.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ai-gateway/chat-gateway/internal/provider"
)

const (
	Name = "anthropic"

	DefaultBaseURL   = "https://api.anthropic.com"
	DefaultVersion   = "2023-06-01"
	DefaultMaxTokens = 2048
)

const (
	msgMissingKey = "ANTHROPIC_API_KEY environment variable is required"
	msgBadKey     = "Invalid Anthropic API key"
	msgBadRequest = "Invalid request to Anthropic API"
	msgTimeout    = "Request to Anthropic API timed out"
)

type Options struct {
	BaseURL   string
	Version   string
	MaxTokens int
	Timeout   time.Duration
	// APIKey is consulted on every request so a reloaded key takes effect
	// without a restart.
	APIKey func() string
	// Models is the preset list reported by ListModels.
	Models []string
	Logger *zap.Logger
}

type Provider struct {
	client    *http.Client
	baseURL   string
	version   string
	maxTokens int
	apiKey    func() string
	models    []string
	logger    *zap.Logger
	tracer    trace.Tracer
}

func New(opts Options) *Provider {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.APIKey == nil {
		opts.APIKey = func() string { return "" }
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Provider{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		version:   opts.Version,
		maxTokens: opts.MaxTokens,
		apiKey:    opts.APIKey,
		models:    append([]string(nil), opts.Models...),
		logger:    opts.Logger.Named(Name),
		tracer:    otel.Tracer("github.com/ai-gateway/chat-gateway/internal/provider/anthropic"),
	}
}

func (p *Provider) Name() string { return Name }

// splitMessages moves the first system message into the top-level system
// field. Later system messages are dropped.
func splitMessages(msgs []provider.Message) (string, []message) {
	var system string
	seenSystem := false
	out := make([]message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case provider.RoleSystem:
			if !seenSystem {
				system = m.Content
				seenSystem = true
			}
		case provider.RoleUser, provider.RoleAssistant:
			out = append(out, message{Role: m.Role, Content: m.Content})
		}
	}
	return system, out
}

func (p *Provider) Complete(ctx context.Context, req *provider.ChatRequest) (*provider.Completion, error) {
	key := strings.TrimSpace(p.apiKey())
	if key == "" {
		return nil, provider.NewClientError(msgMissingKey)
	}

	ctx, span := p.tracer.Start(ctx, "anthropic.messages", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
	))
	defer span.End()

	system, msgs := splitMessages(req.Messages)
	body, err := json.Marshal(messagesRequest{
		Model:       req.Model,
		MaxTokens:   p.maxTokens,
		Temperature: req.Temperature,
		Messages:    msgs,
		System:      system,
	})
	if err != nil {
		return nil, failed(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, failed(err)
	}
	httpReq.Header.Set("x-api-key", key)
	httpReq.Header.Set("anthropic-version", p.version)
	httpReq.Header.Set("content-type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		if provider.IsTimeout(err) {
			return nil, provider.NewUpstreamError(msgTimeout, err)
		}
		return nil, failed(err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		span.SetStatus(codes.Error, resp.Status)
		return nil, mapStatus(resp.StatusCode)
	}

	var out messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		span.SetStatus(codes.Error, "invalid response")
		return nil, failed(fmt.Errorf("decode response: %w", err))
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	c := &provider.Completion{
		Model:        req.Model,
		Content:      text.String(),
		FinishReason: provider.FinishStop,
	}
	if out.Usage != nil {
		c.Usage = &provider.Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		}
	}
	return c, nil
}

func mapStatus(status int) *provider.Error {
	var e *provider.Error
	switch status {
	case http.StatusUnauthorized:
		e = provider.NewClientError(msgBadKey)
	case http.StatusBadRequest:
		e = provider.NewClientError(msgBadRequest)
	default:
		e = provider.NewUpstreamError(fmt.Sprintf("Anthropic API error: %d", status), nil)
	}
	e.Status = status
	return e
}

// failed reports an unexpected failure. The cause is part of the client
// message; it comes from the transport or decoder and never carries the key.
func failed(err error) *provider.Error {
	return &provider.Error{
		Kind:    provider.KindUpstream,
		Message: "Anthropic request failed: " + err.Error(),
		Err:     err,
	}
}

// ListModels returns the configured preset list.
func (p *Provider) ListModels(context.Context) ([]provider.ModelInfo, error) {
	out := make([]provider.ModelInfo, 0, len(p.models))
	for _, m := range p.models {
		out = append(out, provider.ModelInfo{Name: m})
	}
	return out, nil
}
