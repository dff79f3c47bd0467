// Package api serves the management surface: token registration and edits,
// lifecycle actions, and usage stats, all under a key-guarded /v1/management
// prefix.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yuunie/flow2api/internal/config"
	"github.com/yuunie/flow2api/internal/logging"
	"github.com/yuunie/flow2api/internal/store"
	"github.com/yuunie/flow2api/internal/token"
)

// Server hosts the management API.
type Server struct {
	cfg     atomic.Pointer[config.Config]
	store   store.Store
	manager *token.Manager

	httpServer *http.Server
}

// NewServer assembles the gin engine with the shared logging middleware and
// the management routes.
func NewServer(cfg *config.Config, st store.Store, manager *token.Manager) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{store: st, manager: manager}
	s.cfg.Store(cfg)

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())

	engine.GET("/health", s.handleHealth)

	management := engine.Group("/v1/management", s.requireAPIKey())
	{
		management.GET("/tokens", s.handleListTokens)
		management.POST("/tokens", s.handleAddToken)
		management.PUT("/tokens/:id", s.handleUpdateToken)
		management.DELETE("/tokens/:id", s.handleDeleteToken)
		management.POST("/tokens/:id/enable", s.handleEnableToken)
		management.POST("/tokens/:id/disable", s.handleDisableToken)
		management.GET("/stats", s.handleStats)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ApplyConfig swaps in a hot-reloaded configuration. Only settings read per
// request, such as the API keys, take effect; the listen address does not.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.cfg.Store(cfg)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
