// Package ollama adapts the gateway to a local Ollama server.
//
// Chat requests go to {base}/api/chat. The base URL is resolved by the
// caller for every request and carried on provider.ChatRequest; helpers
// without a request (model listing, prompts) ask the configured Resolve
// function instead.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
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
	"github.com/ai-gateway/chat-gateway/internal/resolver"
)

const Name = "ollama"

// Options configures the adapter. Zero values fall back to defaults.
type Options struct {
	// Timeout bounds a non-streaming call and the wait for stream headers.
	Timeout time.Duration
	// ProbeTimeout bounds lightweight calls such as /api/tags.
	ProbeTimeout time.Duration
	// Retry is applied to chat calls.
	Retry provider.RetryPolicy
	// QueryRetry is applied to Generate.
	QueryRetry provider.RetryPolicy
	// Resolve supplies the base URL when a request does not carry one.
	Resolve func() resolver.Backend
	Logger  *zap.Logger
}

type Provider struct {
	client       *http.Client
	streamClient *http.Client
	probeTimeout time.Duration
	retry        provider.RetryPolicy
	queryRetry   provider.RetryPolicy
	resolve      func() resolver.Backend
	logger       *zap.Logger
	tracer       trace.Tracer
}

func New(opts Options) *Provider {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	if opts.Resolve == nil {
		opts.Resolve = func() resolver.Backend { return resolver.Resolve(nil, "") }
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	streamTransport := http.DefaultTransport.(*http.Transport).Clone()
	streamTransport.ResponseHeaderTimeout = opts.Timeout

	return &Provider{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		// No overall timeout: a stream may outlive it. The request context
		// ends the stream instead.
		streamClient: &http.Client{
			Transport: otelhttp.NewTransport(streamTransport),
		},
		probeTimeout: opts.ProbeTimeout,
		retry:        opts.Retry,
		queryRetry:   opts.QueryRetry,
		resolve:      opts.Resolve,
		logger:       opts.Logger.Named(Name),
		tracer:       otel.Tracer("github.com/ai-gateway/chat-gateway/internal/provider/ollama"),
	}
}

func (p *Provider) Name() string { return Name }

// Resolve returns the base URL the adapter would use right now.
func (p *Provider) Resolve() resolver.Backend {
	return p.resolve()
}

func (p *Provider) baseFor(req *provider.ChatRequest) string {
	if req.Backend.BaseURL != "" {
		return req.Backend.BaseURL
	}
	return p.resolve().BaseURL
}

func upstreamError(base string, status int, err error) *provider.Error {
	return &provider.Error{
		Kind:    provider.KindUpstream,
		Message: "Ollama request failed",
		Base:    base,
		Status:  status,
		Err:     err,
	}
}

func (p *Provider) chatCall(client *http.Client, base string, body []byte) func(context.Context) (*http.Response, error) {
	return func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/chat", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		return client.Do(httpReq)
	}
}

func (p *Provider) logRetry(base string) provider.RetryNotify {
	return func(attempt int, err error, wait time.Duration) {
		p.logger.Warn("ollama call failed, retrying",
			zap.String("base", base),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
}

func marshalChat(req *provider.ChatRequest, stream bool) ([]byte, error) {
	return json.Marshal(chatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   stream,
		Options:  chatOptions{Temperature: req.Temperature},
	})
}

// Complete performs one non-streaming chat call.
func (p *Provider) Complete(ctx context.Context, req *provider.ChatRequest) (*provider.Completion, error) {
	base := p.baseFor(req)
	ctx, span := p.tracer.Start(ctx, "ollama.chat", trace.WithAttributes(
		attribute.String("llm.base", base),
		attribute.String("llm.model", req.Model),
		attribute.Bool("llm.stream", false),
	))
	defer span.End()

	body, err := marshalChat(req, false)
	if err != nil {
		return nil, upstreamError(base, 0, fmt.Errorf("marshal request: %w", err))
	}

	resp, err := p.retry.Do(ctx, p.chatCall(p.client, base, body), p.logRetry(base))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, upstreamError(base, 0, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, readSnippet(resp.Body))
		span.SetStatus(codes.Error, err.Error())
		return nil, upstreamError(base, resp.StatusCode, err)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		span.SetStatus(codes.Error, "invalid response")
		return nil, upstreamError(base, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	if out.Error != "" {
		span.SetStatus(codes.Error, out.Error)
		return nil, upstreamError(base, resp.StatusCode, fmt.Errorf("ollama: %s", out.Error))
	}

	return &provider.Completion{
		Model:        req.Model,
		Content:      out.Message.Content,
		FinishReason: provider.FinishStop,
		Usage:        out.usage(),
	}, nil
}

// TagsResult is the outcome of GET /api/tags, kept raw for diagnostics.
type TagsResult struct {
	Status int
	Raw    json.RawMessage
	Models []provider.ModelInfo
}

// FetchTags lists installed models at base, bounded by the probe timeout.
// A non-200 answer is reported through Status with a nil error.
func (p *Provider) FetchTags(ctx context.Context, base string) (*TagsResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	res := &TagsResult{Status: resp.StatusCode, Raw: raw}
	if resp.StatusCode != http.StatusOK {
		return res, nil
	}

	var tags tagsResponse
	if err := json.Unmarshal(raw, &tags); err != nil {
		return res, fmt.Errorf("decode tags: %w", err)
	}
	res.Models = make([]provider.ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		res.Models = append(res.Models, provider.ModelInfo{
			Name:       m.Name,
			Family:     m.Details.Family,
			Size:       m.Size,
			ModifiedAt: m.ModifiedAt,
		})
	}
	return res, nil
}

// ListModels implements provider.ModelLister against the resolved base.
func (p *Provider) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	base := p.resolve().BaseURL
	res, err := p.FetchTags(ctx, base)
	if err != nil {
		return nil, err
	}
	if res.Status != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from %s/api/tags", res.Status, base)
	}
	return res.Models, nil
}

// Generate sends a single prompt to /api/generate under the query retry
// policy and returns the trimmed reply.
func (p *Provider) Generate(ctx context.Context, model, prompt string, options map[string]any) (string, error) {
	base := p.resolve().BaseURL
	ctx, span := p.tracer.Start(ctx, "ollama.generate", trace.WithAttributes(
		attribute.String("llm.base", base),
		attribute.String("llm.model", model),
	))
	defer span.End()

	greq := generateRequest{Model: model, Prompt: prompt, Stream: false}
	if len(options) > 0 {
		greq.Options = options
	}
	body, err := json.Marshal(greq)
	if err != nil {
		return "", provider.NewUpstreamError("Unable to get response from Ollama", err)
	}

	call := func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/generate", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		return p.client.Do(httpReq)
	}

	resp, err := p.queryRetry.Do(ctx, call, p.logRetry(base))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		e := upstreamError(base, 0, err)
		if provider.IsTimeout(err) {
			e.Message = "Request to Ollama timed out. The model may be processing a complex prompt."
		} else {
			e.Message = fmt.Sprintf("Unable to connect to Ollama at %s. Is Ollama running?", base)
		}
		return "", e
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e := upstreamError(base, resp.StatusCode, fmt.Errorf("%s", readSnippet(resp.Body)))
		e.Message = fmt.Sprintf("HTTP error from Ollama API: %d", resp.StatusCode)
		span.SetStatus(codes.Error, e.Message)
		return "", e
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Response == nil {
		if err == nil {
			err = fmt.Errorf("response field missing")
		}
		e := upstreamError(base, resp.StatusCode, err)
		e.Message = "Invalid JSON response from Ollama"
		span.SetStatus(codes.Error, e.Message)
		return "", e
	}
	return strings.TrimSpace(*out.Response), nil
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}
