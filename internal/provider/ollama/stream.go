package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ai-gateway/chat-gateway/internal/provider"
)

// maxLineSize bounds a single NDJSON line from the upstream.
const maxLineSize = 1 << 20

// Stream starts a streaming chat call. Connection failures and non-200
// answers surface as a single EventError on the channel.
func (p *Provider) Stream(ctx context.Context, req *provider.ChatRequest) <-chan provider.StreamEvent {
	ch := make(chan provider.StreamEvent, 16)

	go func() {
		defer close(ch)

		base := p.baseFor(req)
		ctx, span := p.tracer.Start(ctx, "ollama.chat", trace.WithAttributes(
			attribute.String("llm.base", base),
			attribute.String("llm.model", req.Model),
			attribute.Bool("llm.stream", true),
		))
		defer span.End()

		body, err := marshalChat(req, true)
		if err != nil {
			send(ctx, ch, errorEvent(upstreamError(base, 0, fmt.Errorf("marshal request: %w", err))))
			return
		}

		resp, err := p.retry.Do(ctx, p.chatCall(p.streamClient, base, body), p.logRetry(base))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "request failed")
			send(ctx, ch, errorEvent(upstreamError(base, 0, err)))
			return
		}
		defer resp.Body.Close()
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, readSnippet(resp.Body))
			span.SetStatus(codes.Error, err.Error())
			send(ctx, ch, errorEvent(upstreamError(base, resp.StatusCode, err)))
			return
		}

		ParseStream(ctx, resp.Body, ch, p.logger)
	}()

	return ch
}

// ParseStream reads Ollama's line-delimited JSON and sends provider events
// on ch in upstream order. It returns after the done line, at EOF, on a
// read error (sent as EventError) or when ctx ends. Lines that are not
// valid JSON are skipped. The channel is not closed.
func ParseStream(ctx context.Context, body io.Reader, ch chan<- provider.StreamEvent, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk chatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			logger.Debug("skipping malformed stream line",
				zap.Error(err),
				zap.ByteString("line", truncate(line, 200)))
			continue
		}

		if chunk.Error != "" {
			send(ctx, ch, errorEvent(provider.NewUpstreamError("Ollama request failed", fmt.Errorf("ollama: %s", chunk.Error))))
			return
		}
		if chunk.Message.Content != "" {
			if !send(ctx, ch, provider.StreamEvent{Type: provider.EventDelta, Delta: chunk.Message.Content}) {
				return
			}
		}
		if chunk.Done {
			send(ctx, ch, provider.StreamEvent{Type: provider.EventDone})
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		send(ctx, ch, errorEvent(provider.NewUpstreamError("Ollama stream interrupted", err)))
	}
}

func errorEvent(err error) provider.StreamEvent {
	return provider.StreamEvent{Type: provider.EventError, Err: err}
}

func send(ctx context.Context, ch chan<- provider.StreamEvent, ev provider.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
