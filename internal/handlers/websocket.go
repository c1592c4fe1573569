package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/webrtc-chat/internal/chat"
	"github.com/mossy-p/webrtc-chat/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Event types pushed on /ws/events.
const (
	EventMessage       = "message"
	EventSecret        = "secret"
	EventSecretExpired = "secret_expired"
	EventStatus        = "status"
)

// Event is one frame of the event stream.
type Event struct {
	Type    string          `json:"type"`
	Message *models.Message `json:"message,omitempty"`
	Status  chat.Status     `json:"status,omitempty"`
}

// subscriber forwards client events to one websocket connection.
type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// Events streams client events over a websocket until either side closes.
func Events(client *chat.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		s := &subscriber{
			conn: conn,
			send: make(chan []byte, 256),
			done: make(chan struct{}),
		}
		cancels := []func(){
			client.OnMessage(func(m models.Message) { s.push(Event{Type: EventMessage, Message: &m}) }),
			client.OnSecretMessage(func(m models.Message) { s.push(Event{Type: EventSecret, Message: &m}) }),
			client.OnSecretExpired(func(m models.Message) { s.push(Event{Type: EventSecretExpired, Message: &m}) }),
			client.OnConnectionStateChange(func(st chat.Status) { s.push(Event{Type: EventStatus, Status: st}) }),
		}
		s.push(Event{Type: EventStatus, Status: client.Status()})

		go s.writePump()
		s.readPump()

		for _, cancel := range cancels {
			cancel()
		}
	}
}

func (s *subscriber) push(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("marshaling event")
		return
	}
	select {
	case <-s.done:
	case s.send <- data:
	default:
		log.Warn().Str("type", ev.Type).Msg("event dropped, subscriber buffer full")
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// readPump only services control frames; the stream is one-way.
func (s *subscriber) readPump() {
	defer s.close()

	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Msg("websocket closed")
			}
			return
		}
	}
}

func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Msg("failed to write event")
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
