package handlers

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
)

// OriginFilter rejects browser requests from origins outside allowedOrigins
// and answers CORS preflights for the ones inside.
func OriginFilter(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		// Requests without an Origin come from local tools, not browsers.
		if origin == "" {
			c.Next()
			return
		}

		if !slices.Contains(allowedOrigins, origin) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Origin not allowed",
			})
			return
		}

		header := c.Writer.Header()
		header.Set("Access-Control-Allow-Origin", origin)
		header.Set("Access-Control-Allow-Credentials", "true")
		header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		header.Add("Vary", "Origin")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
