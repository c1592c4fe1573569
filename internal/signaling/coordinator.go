// Package signaling turns the rendezvous store into the handshake stream
// of one room session and keeps the session's membership record alive.
//
// Every handshake record carries its writer's session id and, when it is
// meant for one participant, a target session id. The coordinator drops
// its own echoes, records aimed at someone else and push keys it has
// already processed, then hands the rest to the transport.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-chat/internal/clock"
	"github.com/mossy-p/webrtc-chat/internal/event"
	"github.com/mossy-p/webrtc-chat/internal/models"
	"github.com/mossy-p/webrtc-chat/internal/store"
	"github.com/mossy-p/webrtc-chat/internal/transport"
)

var (
	ErrRoomFull     = errors.New("room is full")
	ErrInvalidAlias = errors.New("alias must be between 1 and 32 characters")
	ErrNotJoined    = errors.New("not joined to a room")
	ErrJoined       = errors.New("already joined")
)

// Role is the part a session plays in the initial handshake.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultCleanupEvery      = 10
	defaultCleanupGrace      = 60 * time.Second
	maxAliasLength           = 32
)

// Config identifies the session and tunes membership upkeep.
type Config struct {
	RoomID          string
	SessionID       string
	Alias           string
	MaxParticipants int
	LivenessWindow  time.Duration
	// HeartbeatInterval is how often lastSeen is refreshed.
	HeartbeatInterval time.Duration
	// CleanupEvery is the number of heartbeats between abandoned-room
	// checks.
	CleanupEvery int
	// CleanupGrace delays abandoned-room teardown; the room is re-checked
	// before anything is deleted.
	CleanupGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxParticipants <= 0 {
		c.MaxParticipants = models.DefaultMaxParticipants
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = models.LivenessWindow
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.CleanupEvery <= 0 {
		c.CleanupEvery = defaultCleanupEvery
	}
	if c.CleanupGrace <= 0 {
		c.CleanupGrace = defaultCleanupGrace
	}
	return c
}

// Transport is the part of transport.Manager the coordinator drives.
type Transport interface {
	CreateOffer(target string) (models.SessionDescription, error)
	HandleOffer(from string, offer models.SessionDescription) (models.SessionDescription, error)
	HandleAnswer(from string, answer models.SessionDescription) (bool, error)
	AddCandidate(from string, candidate models.ICECandidate) error
	HasPeer(peerID string) bool
	HasPendingOffer() bool
	RemovePeer(peerID string)
	Subscribe(fn func(transport.Event)) (cancel func())
}

// EventKind distinguishes coordinator events.
type EventKind int

const (
	// EventNegotiationFailed reports a handshake step that could not be
	// completed with Peer.
	EventNegotiationFailed EventKind = iota
	// EventParticipantLeft reports that Peer stopped being active.
	EventParticipantLeft
)

// Event is a coordinator notification.
type Event struct {
	Kind EventKind
	Peer string
	Err  error
}

// Coordinator runs the signaling side of one room session. Create a new
// one per join.
type Coordinator struct {
	store     store.Store
	transport Transport
	clock     clock.Clock
	logger    zerolog.Logger
	cfg       Config

	mu             sync.Mutex
	ctx            context.Context
	cancel         context.CancelFunc
	joined         bool
	self           models.Participant
	role           Role
	seen           map[string]struct{}
	participants   map[string]models.Participant
	pendingOffer   string
	initialOffered bool
	subs           []store.Subscription
	stopTransport  func()
	heartbeat      *clock.Ticker
	beats          int
	wg             sync.WaitGroup

	// untargeted holds candidate records gathered for the untargeted
	// offer before an answer bound it to a peer.
	untargeted []string

	offerMu sync.Mutex

	events event.Feed[Event]
}

// New returns a coordinator for the session described by cfg.
func New(st store.Store, tr Transport, clk clock.Clock, cfg Config, logger zerolog.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		store:     st,
		transport: tr,
		clock:     clk,
		logger:    logger.With().Str("room", cfg.RoomID).Str("session", cfg.SessionID).Logger(),
		cfg:       cfg,
	}
}

// Subscribe registers fn for coordinator events.
func (c *Coordinator) Subscribe(fn func(Event)) (cancel func()) {
	return c.events.Subscribe(fn)
}

// Role returns the role chosen at join.
func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Offer creates an offer for target (empty: whoever answers first) and
// publishes it.
func (c *Coordinator) Offer(ctx context.Context, target string) error {
	c.offerMu.Lock()
	defer c.offerMu.Unlock()
	return c.offerLocked(ctx, target)
}

// offerLocked runs with offerMu held, so an answer cannot retire the
// untargeted offer before its key is recorded.
func (c *Coordinator) offerLocked(ctx context.Context, target string) error {
	if _, ok := c.background(); !ok {
		return ErrNotJoined
	}
	offer, err := c.transport.CreateOffer(target)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	key, err := c.publishDescription(ctx, offer, target)
	if err != nil {
		return err
	}
	if target == "" {
		c.mu.Lock()
		c.pendingOffer = key
		c.initialOffered = true
		c.mu.Unlock()
	}
	c.logger.Info().Str("target", target).Str("key", key).Msg("offer published")
	return nil
}

// background returns the session's lifetime context while joined.
func (c *Coordinator) background() (context.Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined {
		return nil, false
	}
	return c.ctx, true
}

// listen subscribes to the handshake mailboxes and the transport.
func (c *Coordinator) listen(ctx context.Context) error {
	c.mu.Lock()
	c.stopTransport = c.transport.Subscribe(c.onTransportEvent)
	c.mu.Unlock()

	subscriptions := []struct {
		path    string
		handler store.Handler
	}{
		{store.OffersPath(c.cfg.RoomID), store.Handler{Added: c.onOffer, Changed: c.onOffer}},
		{store.AnswersPath(c.cfg.RoomID), store.Handler{Added: c.onAnswer, Changed: c.onAnswer}},
		{store.CandidatesPath(c.cfg.RoomID), store.Handler{Added: c.onCandidate, Changed: c.onCandidate}},
		{store.ParticipantsPath(c.cfg.RoomID), store.Handler{Added: c.onParticipant, Changed: c.onParticipant, Removed: c.onParticipantRemoved}},
	}
	for _, s := range subscriptions {
		sub, err := c.store.Subscribe(ctx, s.path, s.handler)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", s.path, err)
		}
		c.mu.Lock()
		c.subs = append(c.subs, sub)
		c.mu.Unlock()
	}
	return nil
}

// accept applies the self, target and duplicate filters to a record
// stored under kind/key.
func (c *Coordinator) accept(kind, key, sender, target string) bool {
	if sender == "" || sender == c.cfg.SessionID {
		return false
	}
	if target != "" && target != c.cfg.SessionID {
		return false
	}
	id := kind + "/" + key
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined {
		return false
	}
	if _, dup := c.seen[id]; dup {
		return false
	}
	c.seen[id] = struct{}{}
	return true
}

func (c *Coordinator) onOffer(child store.Child) {
	var record models.DescriptionRecord
	if err := child.Decode(&record); err != nil {
		c.logger.Debug().Err(err).Str("key", child.Key).Msg("skipping unreadable offer")
		return
	}
	if !c.accept("offer", child.Key, record.Sender, record.Target) {
		return
	}

	answer, err := c.transport.HandleOffer(record.Sender, record.SDP)
	switch {
	case errors.Is(err, transport.ErrIgnored), errors.Is(err, transport.ErrMalformedDescription):
		c.logger.Debug().Err(err).Str("peer", record.Sender).Msg("offer dropped")
		return
	case errors.Is(err, transport.ErrClosed):
		return
	case err != nil:
		c.logger.Warn().Err(err).Str("peer", record.Sender).Msg("answering offer failed")
		c.events.Emit(Event{Kind: EventNegotiationFailed, Peer: record.Sender, Err: err})
		return
	}

	ctx, ok := c.background()
	if !ok {
		return
	}
	if _, err := c.publishDescription(ctx, answer, record.Sender); err != nil {
		c.logger.Warn().Err(err).Str("peer", record.Sender).Msg("publishing answer failed")
		c.events.Emit(Event{Kind: EventNegotiationFailed, Peer: record.Sender, Err: err})
		return
	}
	c.logger.Info().Str("peer", record.Sender).Msg("answer published")
	c.retireOffer(ctx)
}

func (c *Coordinator) onAnswer(child store.Child) {
	var record models.DescriptionRecord
	if err := child.Decode(&record); err != nil {
		c.logger.Debug().Err(err).Str("key", child.Key).Msg("skipping unreadable answer")
		return
	}
	if !c.accept("answer", child.Key, record.Sender, record.Target) {
		return
	}

	applied, err := c.transport.HandleAnswer(record.Sender, record.SDP)
	switch {
	case errors.Is(err, transport.ErrMalformedDescription), errors.Is(err, transport.ErrClosed):
		c.logger.Debug().Err(err).Str("peer", record.Sender).Msg("answer dropped")
		return
	case err != nil:
		c.logger.Warn().Err(err).Str("peer", record.Sender).Msg("applying answer failed")
		c.events.Emit(Event{Kind: EventNegotiationFailed, Peer: record.Sender, Err: err})
		return
	}
	if !applied {
		return
	}

	ctx, ok := c.background()
	if !ok {
		return
	}
	c.retireOffer(ctx)
}

func (c *Coordinator) onCandidate(child store.Child) {
	var record models.CandidateRecord
	if err := child.Decode(&record); err != nil {
		c.logger.Debug().Err(err).Str("key", child.Key).Msg("skipping unreadable candidate")
		return
	}
	if !c.accept("candidate", child.Key, record.Sender, record.Target) {
		return
	}
	if err := c.transport.AddCandidate(record.Sender, record.Candidate); err != nil && !errors.Is(err, transport.ErrClosed) {
		c.logger.Warn().Err(err).Str("peer", record.Sender).Msg("adding candidate failed")
	}
}

// retireOffer deletes the untargeted offer record once the transport no
// longer waits on it, then offers to participants that still have no
// session.
func (c *Coordinator) retireOffer(ctx context.Context) {
	if c.transport.HasPendingOffer() {
		return
	}
	c.offerMu.Lock()
	c.mu.Lock()
	key := c.pendingOffer
	c.pendingOffer = ""
	c.mu.Unlock()
	c.offerMu.Unlock()
	if key == "" {
		return
	}
	if err := c.store.Delete(ctx, store.OffersPath(c.cfg.RoomID)+"/"+key); err != nil {
		c.logger.Debug().Err(err).Msg("deleting answered offer failed")
	}
	c.retireUntargetedCandidates(ctx)
	c.offerNewcomers(ctx)
}

// retireUntargetedCandidates deletes the candidate records published for
// the untargeted offer. Once the offer is bound they belong to one peer,
// and a later participant must not adopt them.
func (c *Coordinator) retireUntargetedCandidates(ctx context.Context) {
	c.mu.Lock()
	keys := c.untargeted
	c.untargeted = nil
	c.mu.Unlock()
	for _, key := range keys {
		if err := c.store.Delete(ctx, store.CandidatesPath(c.cfg.RoomID)+"/"+key); err != nil {
			c.logger.Debug().Err(err).Str("key", key).Msg("deleting untargeted candidate failed")
		}
	}
}

func (c *Coordinator) onTransportEvent(ev transport.Event) {
	ctx, ok := c.background()
	if !ok {
		return
	}
	switch ev.Kind {
	case transport.EventCandidate:
		record := models.CandidateRecord{
			Candidate: ev.Candidate,
			Sender:    c.cfg.SessionID,
			Target:    ev.Peer,
			Timestamp: models.Millis(c.clock.Now()),
		}
		key, err := c.store.Append(ctx, store.CandidatesPath(c.cfg.RoomID), record)
		if err != nil {
			c.logger.Warn().Err(err).Str("peer", ev.Peer).Msg("publishing candidate failed")
			return
		}
		if ev.Peer == "" {
			c.mu.Lock()
			c.untargeted = append(c.untargeted, key)
			c.mu.Unlock()
			// The offer may have been answered while this record was written.
			if !c.transport.HasPendingOffer() {
				c.retireUntargetedCandidates(ctx)
			}
		}
	case transport.EventOffer:
		if _, err := c.publishDescription(ctx, ev.Description, ev.Peer); err != nil {
			c.logger.Warn().Err(err).Str("peer", ev.Peer).Msg("publishing restart offer failed")
			c.events.Emit(Event{Kind: EventNegotiationFailed, Peer: ev.Peer, Err: err})
			return
		}
		c.logger.Info().Str("peer", ev.Peer).Msg("restart offer published")
	case transport.EventError:
		c.events.Emit(Event{Kind: EventNegotiationFailed, Peer: ev.Peer, Err: ev.Err})
	}
}

func (c *Coordinator) publishDescription(ctx context.Context, description models.SessionDescription, target string) (string, error) {
	path := store.OffersPath(c.cfg.RoomID)
	if description.Type == models.SignalTypeAnswer {
		path = store.AnswersPath(c.cfg.RoomID)
	}
	record := models.DescriptionRecord{
		SDP:       description,
		Sender:    c.cfg.SessionID,
		Target:    target,
		Timestamp: models.Millis(c.clock.Now()),
	}
	key, err := c.store.Append(ctx, path, record)
	if err != nil {
		return "", fmt.Errorf("publishing %s: %w", description.Type, err)
	}
	return key, nil
}
