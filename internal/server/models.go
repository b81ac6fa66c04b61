package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ai-gateway/chat-gateway/internal/provider"
	"github.com/ai-gateway/chat-gateway/internal/provider/ollama"
)

// listModels returns models per provider. ?provider= limits the answer to
// one provider; an unknown name yields an empty object.
func (s *Server) listModels(c *gin.Context) {
	filter := strings.ToLower(strings.TrimSpace(c.Query("provider")))
	result := gin.H{}

	for _, l := range s.router.Listers() {
		if filter != "" && filter != l.Name {
			continue
		}
		models, err := l.Lister.ListModels(c.Request.Context())
		if err != nil {
			msg := "Failed to fetch models"
			if l.Name == ollama.Name {
				msg = "Failed to fetch from " + s.resolveBackend().BaseURL
			}
			s.logger.Warn("model listing failed", zap.String("provider", l.Name), zap.Error(err))
			result[l.Name] = []provider.ModelInfo{}
			result[l.Name+"_error"] = msg
			continue
		}
		if models == nil {
			models = []provider.ModelInfo{}
		}
		result[l.Name] = models
	}
	c.JSON(http.StatusOK, result)
}

type modelsDebugResponse struct {
	Base   string  `json:"base"`
	Source string  `json:"source"`
	Status *int    `json:"status"`
	Error  *string `json:"error"`
	Raw    any     `json:"raw"`
}

// modelsDebug probes {base}/api/tags and reports what came back.
func (s *Server) modelsDebug(c *gin.Context) {
	b := s.resolveBackend()
	resp := modelsDebugResponse{Base: b.BaseURL, Source: string(b.Source)}
	setErr := func(msg string) { resp.Error = &msg }

	res, err := s.ollama.FetchTags(c.Request.Context(), b.BaseURL)
	switch {
	case err != nil && res == nil:
		if provider.IsTimeout(err) {
			setErr("Request timeout")
		} else {
			setErr("Connection error: " + err.Error())
		}
	case res.Status != http.StatusOK:
		resp.Status = &res.Status
		body := string(res.Raw)
		if len(body) > 120 {
			body = body[:120]
		}
		setErr(fmt.Sprintf("HTTP %d: %s", res.Status, body))
	case err != nil:
		resp.Status = &res.Status
		setErr("Unexpected error: " + err.Error())
	default:
		resp.Status = &res.Status
		resp.Raw = res.Raw
	}
	if resp.Error != nil {
		s.logger.Warn("models debug probe failed", zap.String("base", b.BaseURL), zap.String("error", *resp.Error))
	}
	c.JSON(http.StatusOK, resp)
}
