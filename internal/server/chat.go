package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ai-gateway/chat-gateway/internal/metrics"
	"github.com/ai-gateway/chat-gateway/internal/provider"
	"github.com/ai-gateway/chat-gateway/internal/sse"
)

// maxBodyBytes bounds a chat request body.
const maxBodyBytes = 8 << 20

func (s *Server) chatCompletion(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		s.fail(c, provider.NewClientError("Invalid JSON body: "+err.Error()))
		return
	}
	ticket := s.echo.Record(body)

	req, err := s.normalizer.NormalizeBody(body)
	if err != nil {
		s.logger.Warn("[LLM ERR]", zap.Int("status", http.StatusBadRequest), zap.Error(err))
		s.fail(c, err)
		return
	}

	name := s.router.ProviderFor(req.Provider).Name()
	s.logger.Info("[LLM IN]",
		zap.String("ip", c.ClientIP()),
		zap.String("provider", name),
		zap.String("model", req.Model),
		zap.Bool("stream", req.Stream),
		zap.Float64("temp", req.Temperature),
		zap.Int("len", len(body)),
	)

	if req.Provider == provider.KindLocal {
		req.Backend = s.resolveBackend()
		s.echo.Resolve(ticket, req.Backend)
		s.logger.Info("resolved ollama base",
			zap.String("base", req.Backend.BaseURL),
			zap.String("source", string(req.Backend.Source)))
	}

	if req.Stream {
		if streamer, ok := s.router.StreamerFor(req.Provider); ok {
			s.streamCompletion(c, name, req, streamer)
			return
		}
	}

	start := time.Now()
	completion, err := s.router.ProviderFor(req.Provider).Complete(c.Request.Context(), req)
	if err != nil {
		s.metrics.ObserveProvider(name, req.Model, outcome(err), time.Since(start), nil)
		s.logLLMError(name, req, err)
		s.fail(c, err)
		return
	}
	s.metrics.ObserveProvider(name, req.Model, metrics.OutcomeOK, time.Since(start), completion.Usage)

	fields := []zap.Field{
		zap.String("provider", name),
		zap.Int("chars", len(completion.Content)),
		zap.Duration("latency", time.Since(start)),
	}
	if completion.Usage != nil {
		fields = append(fields, zap.Int("tokens", completion.Usage.TotalTokens))
	}
	s.logger.Info("[LLM OK]", fields...)

	c.JSON(http.StatusOK, provider.ToChatCompletion(completion))
}

func (s *Server) streamCompletion(c *gin.Context, name string, req *provider.ChatRequest, streamer provider.Streamer) {
	ctx := c.Request.Context()
	start := time.Now()

	s.metrics.StreamingConnections.Inc()
	defer s.metrics.StreamingConnections.Dec()

	w := sse.NewWriter(c.Writer, req.Model, sse.WithFrameObserver(func(k sse.FrameKind) {
		s.metrics.StreamFrame(string(k))
	}))
	if err := w.Start(); err != nil {
		s.logger.Warn("stream start failed", zap.Error(err))
		return
	}

	res, err := w.Pump(ctx, streamer.Stream(ctx, req))
	elapsed := time.Since(start)

	switch {
	case res.Upstream != nil:
		s.metrics.ObserveProvider(name, req.Model, metrics.OutcomeUpstream, elapsed, nil)
		s.logLLMError(name, req, res.Upstream)
	case res.Cancelled:
		s.metrics.ObserveProvider(name, req.Model, metrics.OutcomeOK, elapsed, nil)
		s.logger.Info("stream cancelled by client",
			zap.String("provider", name),
			zap.String("base", req.Backend.BaseURL),
			zap.Int("deltas", res.Deltas))
	default:
		s.metrics.ObserveProvider(name, req.Model, metrics.OutcomeOK, elapsed, nil)
		s.logger.Info("[LLM OK]",
			zap.String("provider", name),
			zap.String("tokens", "?"),
			zap.Int("deltas", res.Deltas),
			zap.Bool("truncated", res.Truncated),
			zap.Duration("latency", elapsed))
	}
	if err != nil {
		s.logger.Debug("stream write failed", zap.Error(err))
	}
}

func (s *Server) logLLMError(name string, req *provider.ChatRequest, err error) {
	status := http.StatusBadGateway
	var perr *provider.Error
	if errors.As(err, &perr) {
		status = perr.HTTPStatus()
	}
	fields := []zap.Field{
		zap.String("provider", name),
		zap.Int("status", status),
		zap.String("model", req.Model),
		zap.Error(err),
	}
	if req.Provider == provider.KindLocal {
		fields = append(fields, zap.String("base", req.Backend.BaseURL))
	}
	s.logger.Error("[LLM ERR]", fields...)
}

func outcome(err error) string {
	var perr *provider.Error
	if errors.As(err, &perr) && perr.Kind == provider.KindClient {
		return metrics.OutcomeClient
	}
	return metrics.OutcomeUpstream
}
