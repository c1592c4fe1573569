package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/webrtc-chat/internal/chat"
	"github.com/mossy-p/webrtc-chat/internal/middleware"
)

// RequireSession rejects tokens that do not belong to the client's
// current session. It must run after middleware.JWTAuth.
func RequireSession(client *chat.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, ok := client.Session()
		if !ok {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error": chat.ErrNotInRoom.Error(),
			})
			return
		}
		if c.GetString(middleware.SessionKey) != session.SessionID {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Session has ended",
			})
			return
		}
		c.Next()
	}
}
