// Package chat is the entry point a user interface drives: join a room by
// passphrase, send and receive messages, and follow the connection status.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-chat/internal/clock"
	"github.com/mossy-p/webrtc-chat/internal/crypto"
	"github.com/mossy-p/webrtc-chat/internal/delivery"
	"github.com/mossy-p/webrtc-chat/internal/event"
	"github.com/mossy-p/webrtc-chat/internal/metrics"
	"github.com/mossy-p/webrtc-chat/internal/models"
	"github.com/mossy-p/webrtc-chat/internal/signaling"
	"github.com/mossy-p/webrtc-chat/internal/store"
	"github.com/mossy-p/webrtc-chat/internal/transport"
)

var (
	ErrNotInRoom       = errors.New("not in a room")
	ErrAlreadyInRoom   = errors.New("already in a room")
	ErrEmptyPassphrase = errors.New("passphrase must not be empty")
	ErrEmptyMessage    = errors.New("message must not be empty")
)

// Status is the connection status shown to the user.
type Status string

const (
	StatusReady        Status = "ready"
	StatusConnecting   Status = "connecting"
	StatusInRoom       Status = "in_room"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
	StatusError        Status = "error"
)

const defaultStatusReset = 5 * time.Second

// Config tunes the components built for every join. Zero values take the
// component defaults.
type Config struct {
	MaxParticipants   int
	ChannelLabel      string
	ConnectTimeout    time.Duration
	DisconnectGrace   time.Duration
	HeartbeatInterval time.Duration
	MessageTTL        time.Duration
	SweepInterval     time.Duration
	SecretDisplay     time.Duration
	// StatusReset is how long failed and error statuses stay before
	// falling back.
	StatusReset time.Duration
}

// Session describes the room the client is in.
type Session struct {
	RoomID    string         `json:"roomId"`
	SessionID string         `json:"sessionId"`
	Alias     string         `json:"alias"`
	Role      signaling.Role `json:"role"`
}

// Client runs at most one room session at a time. Every join builds a
// fresh transport, signaling and delivery stack.
type Client struct {
	store    store.Store
	sessions transport.SessionFactory
	clock    clock.Clock
	logger   zerolog.Logger
	cfg      Config

	mu      sync.Mutex
	current *room
	joining bool
	status  Status
	reset   *clock.Timer

	messages event.Feed[models.Message]
	secrets  event.Feed[models.Message]
	expired  event.Feed[models.Message]
	states   event.Feed[Status]
}

// room is one joined session and its components.
type room struct {
	info      Session
	manager   *transport.Manager
	signaling *signaling.Coordinator
	delivery  *delivery.Coordinator
	cancels   []func()

	mu    sync.Mutex
	peers map[string]transport.State
}

// New returns a client in the ready status.
func New(st store.Store, sessions transport.SessionFactory, clk clock.Clock, cfg Config, logger zerolog.Logger) *Client {
	if cfg.StatusReset <= 0 {
		cfg.StatusReset = defaultStatusReset
	}
	return &Client{
		store:    st,
		sessions: sessions,
		clock:    clk,
		logger:   logger,
		cfg:      cfg,
		status:   StatusReady,
	}
}

// OnMessage registers fn for inbound chat messages.
func (c *Client) OnMessage(fn func(models.Message)) (cancel func()) {
	return c.messages.Subscribe(fn)
}

// OnSecretMessage registers fn for inbound secret messages.
func (c *Client) OnSecretMessage(fn func(models.Message)) (cancel func()) {
	return c.secrets.Subscribe(fn)
}

// OnSecretExpired registers fn for secret messages whose display time is
// over.
func (c *Client) OnSecretExpired(fn func(models.Message)) (cancel func()) {
	return c.expired.Subscribe(fn)
}

// OnConnectionStateChange registers fn for status changes.
func (c *Client) OnConnectionStateChange(fn func(Status)) (cancel func()) {
	return c.states.Subscribe(fn)
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Session returns the joined session, if any.
func (c *Client) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Session{}, false
	}
	return c.current.info, true
}

// JoinRoom derives the room from passphrase and enters it as alias. The
// first participant of a room publishes the opening offer before JoinRoom
// returns; later ones wait for offers. Messages left in the room mailbox
// are delivered before JoinRoom returns.
func (c *Client) JoinRoom(ctx context.Context, passphrase, alias string) (Session, error) {
	c.mu.Lock()
	if c.current != nil || c.joining {
		c.mu.Unlock()
		return Session{}, ErrAlreadyInRoom
	}
	c.joining = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.joining = false
		c.mu.Unlock()
	}()

	alias, err := signaling.NormalizeAlias(alias)
	if err != nil {
		c.flash(StatusError)
		return Session{}, err
	}
	if strings.TrimSpace(passphrase) == "" {
		c.flash(StatusError)
		return Session{}, ErrEmptyPassphrase
	}
	c.clearFlash()
	c.setStatus(StatusConnecting)

	roomID := crypto.DeriveRoomID(passphrase)
	key, err := crypto.DeriveKey(passphrase, roomID)
	if err != nil {
		c.flash(StatusFailed)
		return Session{}, err
	}
	r := c.build(roomID, uuid.NewString(), alias, key)

	role, err := r.signaling.Join(ctx)
	if err != nil {
		r.teardown()
		if errors.Is(err, signaling.ErrRoomFull) {
			c.flash(StatusError)
		} else {
			c.flash(StatusFailed)
		}
		return Session{}, fmt.Errorf("joining room: %w", err)
	}
	r.info.Role = role

	c.mu.Lock()
	c.current = r
	c.mu.Unlock()

	if err := r.delivery.Start(ctx); err != nil {
		c.abandon(ctx, r)
		return Session{}, err
	}
	if role == signaling.RoleInitiator {
		if err := r.signaling.Offer(ctx, ""); err != nil {
			c.abandon(ctx, r)
			return Session{}, err
		}
	}

	c.logger.Info().Str("room", roomID).Str("session", r.info.SessionID).Str("role", string(role)).Msg("joined room")
	c.refreshStatus(r)
	return r.info, nil
}

// LeaveRoom leaves the current room. The last participant out removes the
// room's records.
func (c *Client) LeaveRoom(ctx context.Context) error {
	r := c.detach()
	if r == nil {
		return ErrNotInRoom
	}
	r.delivery.Close()
	err := r.signaling.Leave(ctx)
	r.teardown()
	c.clearFlash()
	c.setStatus(StatusReady)
	if err != nil {
		return fmt.Errorf("leaving room: %w", err)
	}
	return nil
}

// Unload is the exit path for a process that is shutting down: it marks
// this session inactive without cleaning up the room, then releases
// everything.
func (c *Client) Unload() {
	r := c.detach()
	if r == nil {
		return
	}
	r.delivery.Close()
	r.signaling.LeaveOnUnload()
	r.teardown()
	c.clearFlash()
	c.setStatus(StatusReady)
}

// SendMessage encrypts text and delivers it over every available path.
// The returned message is the local copy to display.
func (c *Client) SendMessage(ctx context.Context, text string) (models.Message, error) {
	r, err := c.active(text)
	if err != nil {
		return models.Message{}, err
	}
	return r.delivery.Send(ctx, text)
}

// SendSecretMessage sends text over open direct channels only.
func (c *Client) SendSecretMessage(ctx context.Context, text string) (models.Message, error) {
	r, err := c.active(text)
	if err != nil {
		return models.Message{}, err
	}
	return r.delivery.SendSecret(ctx, text)
}

// Participants lists the membership of the current room.
func (c *Client) Participants(ctx context.Context) ([]models.Participant, error) {
	c.mu.Lock()
	r := c.current
	c.mu.Unlock()
	if r == nil {
		return nil, ErrNotInRoom
	}
	return r.signaling.Participants(ctx)
}

func (c *Client) active(text string) (*room, error) {
	c.mu.Lock()
	r := c.current
	c.mu.Unlock()
	if r == nil {
		return nil, ErrNotInRoom
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	return r, nil
}

func (c *Client) build(roomID, sessionID, alias string, key *crypto.Key) *room {
	logger := c.logger.With().Str("room", roomID).Str("session", sessionID).Logger()
	manager := transport.NewManager(c.sessions, c.clock, transport.Config{
		LocalID:         sessionID,
		ChannelLabel:    c.cfg.ChannelLabel,
		ConnectTimeout:  c.cfg.ConnectTimeout,
		DisconnectGrace: c.cfg.DisconnectGrace,
	}, logger)
	r := &room{
		info:    Session{RoomID: roomID, SessionID: sessionID, Alias: alias},
		manager: manager,
		signaling: signaling.New(c.store, manager, c.clock, signaling.Config{
			RoomID:            roomID,
			SessionID:         sessionID,
			Alias:             alias,
			MaxParticipants:   c.cfg.MaxParticipants,
			HeartbeatInterval: c.cfg.HeartbeatInterval,
		}, logger),
		delivery: delivery.New(c.store, manager, key, c.clock, delivery.Config{
			RoomID:        roomID,
			SessionID:     sessionID,
			MessageTTL:    c.cfg.MessageTTL,
			SweepInterval: c.cfg.SweepInterval,
			SecretDisplay: c.cfg.SecretDisplay,
		}, logger),
		peers: make(map[string]transport.State),
	}
	r.cancels = append(r.cancels,
		manager.Subscribe(func(ev transport.Event) { c.onTransportEvent(r, ev) }),
		r.signaling.Subscribe(func(ev signaling.Event) { c.onSignalingEvent(r, ev) }),
		r.delivery.Subscribe(func(ev delivery.Event) { c.onDeliveryEvent(r, ev) }),
	)
	return r
}

// abandon undoes a join that failed after the membership record was
// written.
func (c *Client) abandon(ctx context.Context, r *room) {
	if c.detach() != r {
		return
	}
	r.delivery.Close()
	if err := r.signaling.Leave(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("leaving after failed join")
	}
	r.teardown()
	c.flash(StatusFailed)
}

func (c *Client) detach() *room {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.current
	c.current = nil
	return r
}

func (c *Client) isCurrent(r *room) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == r
}

func (c *Client) onTransportEvent(r *room, ev transport.Event) {
	if ev.Kind != transport.EventState {
		return
	}
	metrics.ConnectionStates.WithLabelValues(string(ev.State)).Inc()

	r.mu.Lock()
	before := r.peers[ev.Peer]
	if ev.State == transport.StateClosed {
		delete(r.peers, ev.Peer)
	} else {
		r.peers[ev.Peer] = ev.State
	}
	r.mu.Unlock()
	switch {
	case before != transport.StateConnected && ev.State == transport.StateConnected:
		metrics.ActivePeers.Inc()
	case before == transport.StateConnected && ev.State != transport.StateConnected:
		metrics.ActivePeers.Dec()
	}

	if c.isCurrent(r) {
		c.refreshStatus(r)
	}
}

func (c *Client) onSignalingEvent(r *room, ev signaling.Event) {
	if ev.Kind != signaling.EventNegotiationFailed || !c.isCurrent(r) {
		return
	}
	c.logger.Warn().Err(ev.Err).Str("peer", ev.Peer).Msg("negotiation failed")
	c.flash(StatusFailed)
}

func (c *Client) onDeliveryEvent(r *room, ev delivery.Event) {
	if !c.isCurrent(r) {
		return
	}
	switch ev.Kind {
	case delivery.EventMessage:
		c.messages.Emit(ev.Message)
	case delivery.EventSecret:
		c.secrets.Emit(ev.Message)
	case delivery.EventSecretExpired:
		c.expired.Emit(ev.Message)
	}
}

// settled is the status the peers of r add up to: connected if any channel
// is open, disconnected if a peer lost its link, in_room otherwise.
func (r *room) settled() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := StatusInRoom
	for _, state := range r.peers {
		switch state {
		case transport.StateConnected:
			return StatusConnected
		case transport.StateDisconnected:
			status = StatusDisconnected
		}
	}
	return status
}

func (r *room) teardown() {
	for _, cancel := range r.cancels {
		cancel()
	}
	r.mu.Lock()
	for peer, state := range r.peers {
		if state == transport.StateConnected {
			metrics.ActivePeers.Dec()
		}
		delete(r.peers, peer)
	}
	r.mu.Unlock()
	r.delivery.Close()
	r.signaling.Close()
	r.manager.Close()
}

// refreshStatus moves to the status r's peers add up to, unless a failed
// or error status is still showing.
func (c *Client) refreshStatus(r *room) {
	c.mu.Lock()
	if c.reset != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.setStatus(r.settled())
}

// flash shows a failed or error status, then falls back after the reset
// delay: to the room's status when in a room, else to ready.
func (c *Client) flash(status Status) {
	c.mu.Lock()
	if c.reset != nil {
		c.reset.Stop()
	}
	var timer *clock.Timer
	timer = c.clock.AfterFunc(c.cfg.StatusReset, func() {
		c.mu.Lock()
		if c.reset != timer {
			c.mu.Unlock()
			return
		}
		c.reset = nil
		r := c.current
		c.mu.Unlock()
		if r != nil {
			c.setStatus(r.settled())
			return
		}
		c.setStatus(StatusReady)
	})
	c.reset = timer
	c.mu.Unlock()
	c.setStatus(status)
}

func (c *Client) clearFlash() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reset != nil {
		c.reset.Stop()
		c.reset = nil
	}
}

func (c *Client) setStatus(status Status) {
	c.mu.Lock()
	if c.status == status {
		c.mu.Unlock()
		return
	}
	c.status = status
	c.mu.Unlock()
	c.logger.Debug().Str("status", string(status)).Msg("status changed")
	c.states.Emit(status)
}
