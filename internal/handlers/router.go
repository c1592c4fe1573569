package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mossy-p/webrtc-chat/config"
	"github.com/mossy-p/webrtc-chat/internal/chat"
	"github.com/mossy-p/webrtc-chat/internal/metrics"
	"github.com/mossy-p/webrtc-chat/internal/middleware"
)

// SetupRouter wires the local API around client.
func SetupRouter(cfg *config.Config, client *chat.Client, limiter *middleware.RateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.GinMiddleware())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/rooms/join", limiter.Handler(), JoinRoom(client, cfg.JWTSecret))
		// Status stays readable after the session ends.
		apiGroup.GET("/status", middleware.JWTAuth(cfg.JWTSecret), limiter.Handler(), Status(client))

		authed := apiGroup.Group("", middleware.JWTAuth(cfg.JWTSecret), limiter.Handler(), RequireSession(client))
		authed.POST("/rooms/leave", LeaveRoom(client))
		authed.GET("/rooms/participants", Participants(client))
		authed.POST("/messages", SendMessage(client))
		authed.POST("/messages/secret", SendSecretMessage(client))
	}

	// The token travels as a query parameter on websocket upgrades.
	router.GET("/ws/events", middleware.JWTAuth(cfg.JWTSecret), limiter.Handler(), RequireSession(client), Events(client))

	return router
}
