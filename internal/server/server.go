package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ai-gateway/chat-gateway/internal/config"
	"github.com/ai-gateway/chat-gateway/internal/conversation"
	"github.com/ai-gateway/chat-gateway/internal/diagnostics"
	"github.com/ai-gateway/chat-gateway/internal/gateway"
	"github.com/ai-gateway/chat-gateway/internal/metrics"
	"github.com/ai-gateway/chat-gateway/internal/provider"
	"github.com/ai-gateway/chat-gateway/internal/provider/anthropic"
	"github.com/ai-gateway/chat-gateway/internal/provider/ollama"
	"github.com/ai-gateway/chat-gateway/internal/resolver"
	"github.com/ai-gateway/chat-gateway/internal/routing"
)

// ServiceName is reported by the health and status endpoints.
const ServiceName = "chat-gateway"

// Options carries the server's collaborators. Only Config is required.
type Options struct {
	Config  *config.Store
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Conversations enables the /conversations routes when set.
	Conversations *conversation.Store
	// LookupEnv replaces os.LookupEnv for backend resolution.
	LookupEnv resolver.LookupEnv
	Version   string
}

type Server struct {
	cfg           *config.Store
	engine        *gin.Engine
	router        *routing.Router
	normalizer    *gateway.Normalizer
	ollama        *ollama.Provider
	echo          *diagnostics.Echo
	logger        *zap.Logger
	metrics       *metrics.Metrics
	conversations *conversation.Store
	lookup        resolver.LookupEnv
	version       string
	started       time.Time
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	cfg := opts.Config.Current()

	srv := &Server{
		cfg:           opts.Config,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		conversations: opts.Conversations,
		lookup:        opts.LookupEnv,
		version:       opts.Version,
		started:       time.Now(),
		echo:          diagnostics.NewEcho(cfg.DebugHistory),
	}

	srv.normalizer = gateway.New(func() gateway.Defaults {
		c := srv.cfg.Current()
		return gateway.Defaults{Model: c.DefaultModel, Temperature: c.DefaultTemperature}
	})

	retry := provider.RetryPolicy{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		BaseDelay:         cfg.Retry.BaseDelay,
		RetryableStatuses: cfg.Retry.RetryableStatuses,
	}
	queryRetry := retry
	queryRetry.MaxAttempts = cfg.Query.MaxAttempts

	srv.ollama = ollama.New(ollama.Options{
		Timeout:      cfg.RequestTimeout,
		ProbeTimeout: cfg.ProbeTimeout,
		Retry:        retry,
		QueryRetry:   queryRetry,
		Resolve:      srv.resolveBackend,
		Logger:       opts.Logger,
	})
	remote := anthropic.New(anthropic.Options{
		BaseURL:   cfg.AnthropicBaseURL,
		Version:   cfg.AnthropicVersion,
		MaxTokens: cfg.AnthropicMaxTokens,
		Timeout:   cfg.RequestTimeout,
		APIKey:    func() string { return srv.cfg.Current().AnthropicAPIKey },
		Models:    cfg.AnthropicModels,
		Logger:    opts.Logger,
	})

	srv.router = routing.New()
	srv.router.Register(provider.KindLocal, srv.ollama)
	srv.router.Register(provider.KindRemote, remote)

	gin.SetMode(gin.ReleaseMode)
	srv.engine = gin.New()
	srv.engine.Use(
		srv.recovery(),
		srv.accessLog(),
		cors(),
		srv.instrument(),
	)
	srv.registerRoutes()
	return srv
}

func (s *Server) registerRoutes() {
	s.engine.GET(s.cfg.Current().MetricsPath, gin.WrapH(s.metrics.Handler()))

	s.engine.GET("/health", s.health)
	s.engine.GET("/health/ollama", s.ollamaHealth)
	s.engine.GET("/status", s.status)
	s.engine.POST("/query", s.query)
	s.engine.POST("/query/advanced", s.advancedQuery)

	api := s.engine.Group("/v1")
	api.POST("/chat/completions", s.chatCompletion)
	api.GET("/models", s.listModels)
	api.GET("/models/debug", s.modelsDebug)
	api.GET("/debug/env", s.debugEnv)
	api.GET("/debug/echo", s.debugEcho)

	if s.conversations != nil {
		conv := s.engine.Group("/conversations")
		conv.GET("", s.listConversations)
		conv.POST("", s.createConversation)
		conv.PATCH("/:id", s.updateConversation)
		conv.DELETE("/:id", s.deleteConversation)
		conv.GET("/:id/messages", s.listMessages)
		conv.POST("/:id/messages", s.appendMessage)
	}

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// resolveBackend applies the resolution rules against the live config.
func (s *Server) resolveBackend() resolver.Backend {
	return resolver.Resolve(s.lookup, s.cfg.Current().OllamaBase)
}

// Start serves until ctx is cancelled, then drains in-flight requests for
// up to shutdownGrace.
func (s *Server) Start(ctx context.Context, shutdownGrace time.Duration) error {
	srv := &http.Server{
		Addr:              s.cfg.Current().Address,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	s.logger.Info("http server listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// fail writes err as a {error} body with the status its kind maps to.
func (s *Server) fail(c *gin.Context, err error) {
	var perr *provider.Error
	if errors.As(err, &perr) {
		body := gin.H{"error": perr.Message}
		if perr.Base != "" {
			body["base"] = perr.Base
		}
		c.JSON(perr.HTTPStatus(), body)
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{"error": "Request processing failed: " + err.Error()})
}
