package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yuunie/flow2api/internal/models"
	"github.com/yuunie/flow2api/internal/store"
)

func (s *Server) handleListTokens(c *gin.Context) {
	tokens, err := s.store.GetAllTokens(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tokens"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens, "count": len(tokens)})
}

type addTokenRequest struct {
	SessionToken string `json:"session_token" binding:"required"`
	Remark       string `json:"remark"`
}

func (s *Server) handleAddToken(c *gin.Context) {
	var req addTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_token is required"})
		return
	}

	tok, err := s.manager.AddToken(c.Request.Context(), req.SessionToken, req.Remark)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateSession) {
			c.JSON(http.StatusConflict, gin.H{"error": "session token already registered"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "session credential rejected by upstream"})
		return
	}
	c.JSON(http.StatusCreated, tok)
}

type updateTokenRequest struct {
	SessionToken *string `json:"session_token"`
	Remark       *string `json:"remark"`

	ImageEnabled     *bool `json:"image_enabled"`
	VideoEnabled     *bool `json:"video_enabled"`
	ImageConcurrency *int  `json:"image_concurrency"`
	VideoConcurrency *int  `json:"video_concurrency"`
}

func (s *Server) handleUpdateToken(c *gin.Context) {
	id, ok := tokenID(c)
	if !ok {
		return
	}
	var req updateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	update := models.TokenUpdate{
		SessionToken:     req.SessionToken,
		Remark:           req.Remark,
		ImageEnabled:     req.ImageEnabled,
		VideoEnabled:     req.VideoEnabled,
		ImageConcurrency: req.ImageConcurrency,
		VideoConcurrency: req.VideoConcurrency,
	}
	if err := s.manager.UpdateToken(c.Request.Context(), id, update); err != nil {
		writeStoreError(c, err)
		return
	}

	tok, err := s.store.GetToken(c.Request.Context(), id)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, tok)
}

func (s *Server) handleDeleteToken(c *gin.Context) {
	id, ok := tokenID(c)
	if !ok {
		return
	}
	if err := s.store.DeleteToken(c.Request.Context(), id); err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) handleEnableToken(c *gin.Context) {
	id, ok := tokenID(c)
	if !ok {
		return
	}
	if err := s.manager.Enable(c.Request.Context(), id); err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": id})
}

func (s *Server) handleDisableToken(c *gin.Context) {
	id, ok := tokenID(c)
	if !ok {
		return
	}
	if err := s.manager.Disable(c.Request.Context(), id); err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disabled": id})
}

func (s *Server) handleStats(c *gin.Context) {
	tokens, err := s.store.GetAllTokens(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tokens"})
		return
	}

	var active, banned int
	var useCount, imageCount, videoCount, errorCount int64
	for _, tok := range tokens {
		if tok.IsActive {
			active++
		}
		if tok.BanReason != "" {
			banned++
		}
		useCount += tok.UseCount
		imageCount += tok.ImageCount
		videoCount += tok.VideoCount
		errorCount += int64(tok.ErrorCount)
	}
	c.JSON(http.StatusOK, gin.H{
		"total":       len(tokens),
		"active":      active,
		"banned":      banned,
		"use_count":   useCount,
		"image_count": imageCount,
		"video_count": videoCount,
		"error_count": errorCount,
	})
}

func tokenID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid token id"})
		return 0, false
	}
	return id, true
}

func writeStoreError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrTokenNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "storage operation failed"})
}
