package server

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   ServiceName,
	})
}

// ollamaHealth probes /api/tags on the resolved base.
func (s *Server) ollamaHealth(c *gin.Context) {
	b := s.resolveBackend()
	start := time.Now()
	res, err := s.ollama.FetchTags(c.Request.Context(), b.BaseURL)
	elapsed := time.Since(start)

	if err == nil && res.Status != http.StatusOK {
		err = httpStatusError(res.Status)
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":     "unhealthy",
			"error":      err.Error(),
			"ollama_url": b.BaseURL,
			"source":     b.Source,
			"timestamp":  time.Now().Unix(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"ollama_url":    b.BaseURL,
		"source":        b.Source,
		"models":        len(res.Models),
		"response_time": seconds(elapsed),
		"timestamp":     time.Now().Unix(),
	})
}

// status reports build and configuration details with secrets masked.
func (s *Server) status(c *gin.Context) {
	cfg := s.cfg.Current().Redacted()
	b := s.resolveBackend()
	c.JSON(http.StatusOK, gin.H{
		"service":   ServiceName,
		"version":   s.version,
		"timestamp": time.Now().Unix(),
		"uptime":    seconds(time.Since(s.started)),
		"providers": s.router.Names(),
		"usage":     s.metrics.Usage.Totals(),
		"configuration": gin.H{
			"ollama_url":    b.BaseURL,
			"ollama_source": b.Source,
			"default_model": cfg.DefaultModel,
			"query_model":   cfg.Query.Model,
			"timeout":       seconds(cfg.RequestTimeout),
			"max_retries":   cfg.Query.MaxAttempts,
			"retry_delay":   seconds(cfg.Retry.BaseDelay),
			"anthropic_key": cfg.AnthropicAPIKey,
			"debug_history": cfg.DebugHistory,
			"config_file":   s.cfg.ConfigFileUsed(),
			"conversations": s.conversations != nil,
		},
	})
}

type httpStatusError int

func (e httpStatusError) Error() string {
	return fmt.Sprintf("HTTP %d from /api/tags", int(e))
}

// seconds rounds d to two decimals.
func seconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*100) / 100
}
