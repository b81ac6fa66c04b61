package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ai-gateway/chat-gateway/internal/conversation"
)

type createConversationRequest struct {
	Title string `json:"title"`
}

type updateConversationRequest struct {
	Title    *string `json:"title"`
	Archived *bool   `json:"archived"`
}

type appendMessageRequest struct {
	Role    string `json:"role" binding:"required,oneof=user assistant system"`
	Content string `json:"content" binding:"required"`
}

func conversationID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, def int) int {
	if v, err := strconv.Atoi(c.Query(key)); err == nil && v > 0 {
		return v
	}
	return def
}

// storeError maps store errors onto HTTP statuses.
func (s *Server) storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, conversation.ErrInvalidRole), errors.Is(err, conversation.ErrEmptyContent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error("conversation store failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage error"})
	}
}

func (s *Server) listConversations(c *gin.Context) {
	includeArchived, _ := strconv.ParseBool(c.Query("include_archived"))
	convs, err := s.conversations.List(c.Request.Context(), queryInt(c, "limit", 50), includeArchived)
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, convs)
}

func (s *Server) createConversation(c *gin.Context) {
	var req createConversationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body: " + err.Error()})
			return
		}
	}
	conv, err := s.conversations.Create(c.Request.Context(), req.Title)
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// updateConversation renames and/or (un)archives a conversation.
func (s *Server) updateConversation(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	var req updateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body: " + err.Error()})
		return
	}
	if req.Title == nil && req.Archived == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title or archived is required"})
		return
	}

	ctx := c.Request.Context()
	var (
		conv *conversation.Conversation
		err  error
	)
	if req.Title != nil {
		if conv, err = s.conversations.Rename(ctx, id, *req.Title); err != nil {
			s.storeError(c, err)
			return
		}
	}
	if req.Archived != nil {
		if conv, err = s.conversations.SetArchived(ctx, id, *req.Archived); err != nil {
			s.storeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) deleteConversation(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	if err := s.conversations.Delete(c.Request.Context(), id); err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true, "id": id})
}

func (s *Server) listMessages(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	asc := c.DefaultQuery("order", "asc") != "desc"
	msgs, err := s.conversations.Messages(c.Request.Context(), id, queryInt(c, "limit", 200), asc)
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// appendMessage is how the front end stores a reply after a chat call.
func (s *Server) appendMessage(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	var req appendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": bindError(err)})
		return
	}
	msg, err := s.conversations.AppendMessage(c.Request.Context(), id, req.Role, req.Content)
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}
