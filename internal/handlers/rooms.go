package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/webrtc-chat/internal/chat"
	"github.com/mossy-p/webrtc-chat/internal/delivery"
	"github.com/mossy-p/webrtc-chat/internal/middleware"
	"github.com/mossy-p/webrtc-chat/internal/models"
	"github.com/mossy-p/webrtc-chat/internal/signaling"
)

const tokenTTL = 24 * time.Hour

// JoinRoomRequest is the body of POST /api/rooms/join.
type JoinRoomRequest struct {
	Passphrase string `json:"passphrase"`
	Alias      string `json:"alias"`
}

// JoinRoomResponse carries the session token used by the other endpoints.
type JoinRoomResponse struct {
	Token     string         `json:"token"`
	SessionID string         `json:"sessionId"`
	RoomID    string         `json:"roomId"`
	Role      signaling.Role `json:"role"`
}

// SendMessageRequest is the body of the message endpoints.
type SendMessageRequest struct {
	Text string `json:"text"`
}

// JoinRoom enters the room derived from the passphrase and issues a token
// for the new session.
func JoinRoom(client *chat.Client, jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req JoinRoomRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		session, err := client.JoinRoom(c.Request.Context(), req.Passphrase, req.Alias)
		if err != nil {
			writeError(c, err)
			return
		}

		token, err := middleware.IssueToken(jwtSecret, session.SessionID, session.RoomID, tokenTTL)
		if err != nil {
			log.Error().Err(err).Msg("issuing session token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
			return
		}

		c.JSON(http.StatusOK, JoinRoomResponse{
			Token:     token,
			SessionID: session.SessionID,
			RoomID:    session.RoomID,
			Role:      session.Role,
		})
	}
}

// LeaveRoom leaves the current room.
func LeaveRoom(client *chat.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := client.LeaveRoom(c.Request.Context()); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": chat.StatusReady})
	}
}

// Participants lists the members of the current room.
func Participants(client *chat.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		participants, err := client.Participants(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"participants": participants})
	}
}

// Status reports the connection status and the joined session.
func Status(client *chat.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := gin.H{"status": client.Status()}
		if session, ok := client.Session(); ok {
			resp["session"] = session
		}
		c.JSON(http.StatusOK, resp)
	}
}

// SendMessage delivers a chat message and returns the local copy.
func SendMessage(client *chat.Client) gin.HandlerFunc {
	return sendWith(client.SendMessage)
}

// SendSecretMessage delivers a secret message over open direct channels.
func SendSecretMessage(client *chat.Client) gin.HandlerFunc {
	return sendWith(client.SendSecretMessage)
}

func sendWith(send func(ctx context.Context, text string) (models.Message, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SendMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		msg, err := send(c.Request.Context(), req.Text)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, msg)
	}
}

// writeError maps chat errors to status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, signaling.ErrInvalidAlias),
		errors.Is(err, chat.ErrEmptyPassphrase),
		errors.Is(err, chat.ErrEmptyMessage):
		status = http.StatusBadRequest
	case errors.Is(err, signaling.ErrRoomFull),
		errors.Is(err, chat.ErrAlreadyInRoom),
		errors.Is(err, chat.ErrNotInRoom),
		errors.Is(err, delivery.ErrChannelNotOpen):
		status = http.StatusConflict
	case errors.Is(err, delivery.ErrUndelivered):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
