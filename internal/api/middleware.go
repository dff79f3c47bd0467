package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// requireAPIKey guards the management routes. The key may arrive as a bearer
// token or in the x-api-key header. With no keys configured everything is
// rejected rather than left open.
func (s *Server) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		keys := s.cfg.Load().APIKeys
		if len(keys) == 0 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "no api keys configured"})
			return
		}

		key := c.GetHeader("x-api-key")
		if key == "" {
			auth := c.GetHeader("Authorization")
			key = strings.TrimPrefix(auth, "Bearer ")
		}
		for _, allowed := range keys {
			if key != "" && key == allowed {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
	}
}
