package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type queryRequest struct {
	Prompt string `json:"prompt"`
}

type advancedQueryRequest struct {
	Prompt      string   `json:"prompt"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens" binding:"omitempty,gt=0"`
	TopP        *float64 `json:"top_p" binding:"omitempty,gte=0,lte=1"`
}

// query sends a bare prompt to /api/generate under the query retry policy.
func (s *Server) query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No prompt provided"})
		return
	}
	s.runQuery(c, req.Prompt, nil, nil)
}

// advancedQuery is query with sampling options.
func (s *Server) advancedQuery(c *gin.Context) {
	var req advancedQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": bindError(err)})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No prompt provided"})
		return
	}

	options := map[string]any{}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		options["num_predict"] = *req.MaxTokens
	}
	if req.TopP != nil {
		options["top_p"] = *req.TopP
	}
	s.runQuery(c, req.Prompt, options, gin.H{
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
		"top_p":       req.TopP,
	})
}

func (s *Server) runQuery(c *gin.Context, prompt string, options map[string]any, params gin.H) {
	model := s.cfg.Current().Query.Model
	start := time.Now()
	reply, err := s.ollama.Generate(c.Request.Context(), model, prompt, options)
	elapsed := time.Since(start)
	if err != nil {
		s.logger.Error("query failed", zap.String("model", model), zap.Error(err))
		s.fail(c, err)
		return
	}

	resp := gin.H{
		"response":      reply,
		"response_time": seconds(elapsed),
		"timestamp":     time.Now().Unix(),
	}
	if params != nil {
		resp["parameters"] = params
	}
	c.JSON(http.StatusOK, resp)
}
