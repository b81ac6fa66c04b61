package server

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/ai-gateway/chat-gateway/internal/resolver"
)

type envView struct {
	OllamaBase *string `json:"OLLAMA_BASE"`
}

type debugEnvResponse struct {
	Cwd        string           `json:"cwd"`
	Env        envView          `json:"env"`
	Config     envView          `json:"config"`
	Resolved   resolver.Backend `json:"resolved"`
	ConfigFile *string          `json:"config_file"`
}

// debugEnv reports the raw resolution inputs next to the result.
func (s *Server) debugEnv(c *gin.Context) {
	snap := resolver.Inspect(s.lookup, s.cfg.Current().OllamaBase)
	cwd, _ := os.Getwd()

	resp := debugEnvResponse{
		Cwd:      cwd,
		Env:      envView{OllamaBase: snap.Env},
		Config:   envView{OllamaBase: snap.Config},
		Resolved: snap.Resolved,
	}
	if f := s.cfg.ConfigFileUsed(); f != "" {
		resp.ConfigFile = &f
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) debugEcho(c *gin.Context) {
	c.JSON(http.StatusOK, s.echo.Snapshot())
}
