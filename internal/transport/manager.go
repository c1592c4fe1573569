// Package transport owns the direct peer-to-peer channels of one room
// session: one negotiation state machine per remote participant, candidate
// buffering, and connectivity restarts.
//
// Session negotiation itself is delegated to a SessionFactory. PionFactory
// is the production implementation; transporttest provides a deterministic
// in-process one.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-chat/internal/clock"
	"github.com/mossy-p/webrtc-chat/internal/event"
	"github.com/mossy-p/webrtc-chat/internal/models"
)

var (
	ErrClosed               = errors.New("transport closed")
	ErrChannelNotOpen       = errors.New("channel not open")
	ErrMalformedDescription = errors.New("malformed session description")
	// ErrIgnored marks an offer dropped as a duplicate or as the losing
	// side of simultaneous offers. Callers log it and move on.
	ErrIgnored = errors.New("offer ignored")
)

// State is the lifecycle state of the connection to one remote peer.
type State string

const (
	StateIdle           State = "idle"
	StateNegotiating    State = "negotiating"
	StateChannelPending State = "channel-pending"
	StateConnected      State = "connected"
	StateDisconnected   State = "disconnected"
	StateClosed         State = "closed"
)

const (
	defaultChannelLabel    = "chat"
	defaultConnectTimeout  = 30 * time.Second
	defaultDisconnectGrace = 10 * time.Second
	defaultCandidateBuffer = 128
)

// Config tunes a Manager.
type Config struct {
	// LocalID is this participant's session id. Simultaneous offers are
	// settled in favour of the lower id.
	LocalID string
	// ChannelLabel names the message channel created by the offerer.
	ChannelLabel string
	// ConnectTimeout bounds connectivity checking before a restart.
	ConnectTimeout time.Duration
	// DisconnectGrace is how long a disconnected peer may recover on its
	// own before a restart.
	DisconnectGrace time.Duration
	// CandidateBuffer caps candidates held per peer before its remote
	// description is known.
	CandidateBuffer int
}

func (c Config) withDefaults() Config {
	if c.ChannelLabel == "" {
		c.ChannelLabel = defaultChannelLabel
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = defaultDisconnectGrace
	}
	if c.CandidateBuffer <= 0 {
		c.CandidateBuffer = defaultCandidateBuffer
	}
	return c
}

// EventKind distinguishes Manager events.
type EventKind int

const (
	// EventState reports a peer's lifecycle transition.
	EventState EventKind = iota
	// EventCandidate carries a local candidate to publish for Peer.
	EventCandidate
	// EventOffer carries a restart offer to publish for Peer.
	EventOffer
	// EventMessage carries a payload received on Peer's channel.
	EventMessage
	// EventError reports a failed restart for Peer.
	EventError
)

// Event is a Manager notification. Peer is empty for candidates of an
// offer that no answer has bound yet.
type Event struct {
	Kind        EventKind
	Peer        string
	State       State
	Candidate   models.ICECandidate
	Description models.SessionDescription
	Data        []byte
	Err         error
}

// Manager maintains one direct channel per remote participant.
//
// Session operations for a peer are serialized on that peer; the manager
// lock only guards bookkeeping and is never held while calling into a
// session or emitting events. Session getters (SignalingState, Channel
// State) are called under the lock and must not block.
type Manager struct {
	factory SessionFactory
	clock   clock.Clock
	logger  zerolog.Logger
	cfg     Config

	mu      sync.Mutex
	peers   map[string]*peer
	orphans map[string][]models.ICECandidate
	closed  bool

	events event.Feed[Event]
}

type peer struct {
	id         string
	initiator  bool
	session    Session
	channel    Channel
	state      State
	remoteSet  bool
	// stale is set once the link is lost: candidates arriving after that
	// may belong to the replacement negotiation, so they wait for the next
	// remote description instead of going to the current session.
	stale      bool
	pending    []models.ICECandidate
	checkTimer *clock.Timer
	graceTimer *clock.Timer
	removed    bool

	ops sync.Mutex
}

// NewManager returns a Manager with no peers.
func NewManager(factory SessionFactory, clk clock.Clock, cfg Config, logger zerolog.Logger) *Manager {
	return &Manager{
		factory: factory,
		clock:   clk,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		peers:   make(map[string]*peer),
		orphans: make(map[string][]models.ICECandidate),
	}
}

// Subscribe registers fn for every Manager event.
func (m *Manager) Subscribe(fn func(Event)) (cancel func()) {
	return m.events.Subscribe(fn)
}

// CreateOffer starts a session towards target as the offering side: it
// creates the message channel and returns the local offer. An empty target
// means "whoever answers first". An existing session for target is
// replaced.
func (m *Manager) CreateOffer(target string) (models.SessionDescription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return models.SessionDescription{}, ErrClosed
	}
	var retired *peer
	if existing := m.peers[target]; existing != nil {
		retired = existing
		m.dropLocked(existing)
	}
	p, err := m.newPeerLocked(target, true)
	m.mu.Unlock()
	m.release(retired)
	if err != nil {
		return models.SessionDescription{}, err
	}

	p.ops.Lock()
	defer p.ops.Unlock()

	channel, err := p.session.CreateChannel(m.cfg.ChannelLabel)
	if err != nil {
		m.discard(p)
		return models.SessionDescription{}, fmt.Errorf("creating channel: %w", err)
	}

	m.mu.Lock()
	p.channel = channel
	events := m.setStateLocked(p, StateNegotiating)
	m.mu.Unlock()
	m.emit(events...)

	offer, err := p.session.CreateOffer(false)
	if err != nil {
		m.discard(p)
		return models.SessionDescription{}, fmt.Errorf("creating offer: %w", err)
	}
	m.logger.Debug().Str("peer", target).Msg("local offer created")
	return offer, nil
}

// HandleOffer applies a remote offer from the given sender and returns the
// local answer. Duplicate offers and the losing side of simultaneous
// offers yield ErrIgnored; negotiation failures are returned as errors.
func (m *Manager) HandleOffer(from string, offer models.SessionDescription) (models.SessionDescription, error) {
	if !offer.Valid() || offer.Type != models.SignalTypeOffer {
		return models.SessionDescription{}, ErrMalformedDescription
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return models.SessionDescription{}, ErrClosed
	}

	var (
		retired []*peer
		carried []models.ICECandidate
	)
	renegotiate := false
	p := m.peers[from]
	switch {
	case p == nil:
		if pending := m.peers[""]; pending != nil && !pending.remoteSet {
			// Both sides offered into an empty room.
			if from > m.cfg.LocalID {
				m.mu.Unlock()
				return models.SessionDescription{}, fmt.Errorf("%w: local offer takes precedence over %s", ErrIgnored, from)
			}
			m.dropLocked(pending)
			retired = append(retired, pending)
		}
	default:
		switch p.session.SignalingState() {
		case SignalingHaveLocalOffer:
			if from > m.cfg.LocalID {
				m.mu.Unlock()
				return models.SessionDescription{}, fmt.Errorf("%w: local offer takes precedence over %s", ErrIgnored, from)
			}
			carried = p.pending
			m.dropLocked(p)
			retired = append(retired, p)
			p = nil
		case SignalingHaveRemoteOffer:
			m.mu.Unlock()
			return models.SessionDescription{}, fmt.Errorf("%w: offer from %s already being answered", ErrIgnored, from)
		case SignalingStable:
			if p.remoteSet && p.channel != nil && p.channel.State() == ChannelOpen {
				renegotiate = true
				break
			}
			fallthrough
		default:
			// Candidates held back since the link was lost belong to this
			// offer, not to the session it replaces.
			carried = p.pending
			m.dropLocked(p)
			retired = append(retired, p)
			p = nil
		}
	}

	var err error
	if p == nil {
		p, err = m.newPeerLocked(from, false)
		if err == nil && len(carried) > 0 {
			p.pending = append(carried, p.pending...)
		}
	}
	m.mu.Unlock()
	for _, old := range retired {
		m.release(old)
	}
	if err != nil {
		return models.SessionDescription{}, err
	}

	answer, err := m.answer(p, offer)
	if err != nil && renegotiate {
		m.logger.Warn().Err(err).Str("peer", from).Msg("renegotiation failed, starting a fresh session")
		m.mu.Lock()
		m.dropLocked(p)
		fresh, freshErr := m.newPeerLocked(from, false)
		m.mu.Unlock()
		m.release(p)
		if freshErr != nil {
			return models.SessionDescription{}, freshErr
		}
		p = fresh
		answer, err = m.answer(p, offer)
	}
	if err != nil {
		m.discard(p)
		return models.SessionDescription{}, err
	}
	return answer, nil
}

// answer applies offer to p's session, drains buffered candidates and
// produces the local answer.
func (m *Manager) answer(p *peer, offer models.SessionDescription) (models.SessionDescription, error) {
	p.ops.Lock()
	defer p.ops.Unlock()

	m.mu.Lock()
	events := m.setStateLocked(p, StateNegotiating)
	m.mu.Unlock()
	m.emit(events...)

	if err := p.session.SetRemoteDescription(offer); err != nil {
		return models.SessionDescription{}, fmt.Errorf("applying remote offer: %w", err)
	}
	m.drain(p)

	answer, err := p.session.CreateAnswer()
	if err != nil {
		return models.SessionDescription{}, fmt.Errorf("creating answer: %w", err)
	}

	m.mu.Lock()
	events = m.channelPendingLocked(p)
	m.mu.Unlock()
	m.emit(events...)
	return answer, nil
}

// HandleAnswer applies a remote answer. It only acts when the sender's
// session (or the still unbound untargeted offer) is in have-local-offer;
// any other answer is ignored and reported as not applied.
func (m *Manager) HandleAnswer(from string, answer models.SessionDescription) (bool, error) {
	if !answer.Valid() || answer.Type != models.SignalTypeAnswer {
		return false, ErrMalformedDescription
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, ErrClosed
	}
	p := m.peers[from]
	bind := false
	if p == nil {
		if pending := m.peers[""]; pending != nil && pending.initiator {
			p = pending
			bind = true
		}
	}
	m.mu.Unlock()
	if p == nil {
		m.logger.Debug().Str("peer", from).Msg("ignoring answer without a matching offer")
		return false, nil
	}

	p.ops.Lock()
	defer p.ops.Unlock()

	if state := p.session.SignalingState(); state != SignalingHaveLocalOffer {
		m.logger.Debug().Str("peer", from).Str("signaling", string(state)).Msg("ignoring answer outside have-local-offer")
		return false, nil
	}

	if bind {
		m.mu.Lock()
		if p.removed || m.peers[""] != p || m.peers[from] != nil {
			m.mu.Unlock()
			return false, nil
		}
		delete(m.peers, "")
		p.id = from
		m.peers[from] = p
		m.adoptOrphansLocked(p)
		m.mu.Unlock()
		m.logger.Info().Str("peer", from).Msg("untargeted offer answered")
	}

	if err := p.session.SetRemoteDescription(answer); err != nil {
		return false, fmt.Errorf("applying remote answer: %w", err)
	}
	m.drain(p)

	m.mu.Lock()
	events := m.channelPendingLocked(p)
	m.mu.Unlock()
	m.emit(events...)
	return true, nil
}

// AddCandidate applies a remote candidate from the given sender, or
// buffers it until that sender's remote description is applied.
// Malformed candidates are dropped.
func (m *Manager) AddCandidate(from string, candidate models.ICECandidate) error {
	if !candidate.Valid() {
		m.logger.Debug().Str("peer", from).Msg("dropping malformed candidate")
		return nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	p := m.peers[from]
	if p == nil {
		if len(m.orphans[from]) < m.cfg.CandidateBuffer {
			m.orphans[from] = append(m.orphans[from], candidate)
		} else {
			m.logger.Warn().Str("peer", from).Int("buffered", len(m.orphans[from])).Msg("candidate buffer full, dropping candidate")
		}
		m.mu.Unlock()
		return nil
	}
	if !p.remoteSet || p.stale {
		if len(p.pending) < m.cfg.CandidateBuffer {
			p.pending = append(p.pending, candidate)
		} else {
			m.logger.Warn().Str("peer", from).Int("buffered", len(p.pending)).Msg("candidate buffer full, dropping candidate")
		}
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	p.ops.Lock()
	defer p.ops.Unlock()
	if err := p.session.AddCandidate(candidate); err != nil {
		m.logger.Warn().Err(err).Str("peer", from).Msg("applying remote candidate failed")
	}
	return nil
}

// drain marks p's remote description as applied and applies the
// candidates buffered so far, in arrival order. The caller holds p.ops.
func (m *Manager) drain(p *peer) {
	m.mu.Lock()
	p.remoteSet = true
	p.stale = false
	buffered := p.pending
	p.pending = nil
	id := p.id
	m.mu.Unlock()

	for _, candidate := range buffered {
		if err := p.session.AddCandidate(candidate); err != nil {
			m.logger.Warn().Err(err).Str("peer", id).Msg("applying buffered candidate failed")
		}
	}
}

// Send writes data to peer's channel. It fails with ErrChannelNotOpen
// unless the channel is open; nothing is queued.
func (m *Manager) Send(peerID string, data []byte) error {
	m.mu.Lock()
	p := m.peers[peerID]
	var channel Channel
	if p != nil {
		channel = p.channel
	}
	m.mu.Unlock()

	if channel == nil || channel.State() != ChannelOpen {
		return ErrChannelNotOpen
	}
	return channel.Send(data)
}

// Broadcast sends data on every open channel and returns how many peers
// accepted it.
func (m *Manager) Broadcast(data []byte) int {
	sent := 0
	for _, id := range m.ConnectedPeers() {
		if err := m.Send(id, data); err != nil {
			m.logger.Debug().Err(err).Str("peer", id).Msg("direct send failed")
			continue
		}
		sent++
	}
	return sent
}

// ConnectedPeers lists peers whose channel is open.
func (m *Manager) ConnectedPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, p := range m.peers {
		if p.channel != nil && p.channel.State() == ChannelOpen {
			ids = append(ids, id)
		}
	}
	return ids
}

// HasOpenChannel reports whether any peer's channel is open.
func (m *Manager) HasOpenChannel() bool {
	return len(m.ConnectedPeers()) > 0
}

// PeerState returns the lifecycle state of the given peer.
func (m *Manager) PeerState(peerID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[peerID]
	if !ok {
		return StateIdle, false
	}
	return p.state, true
}

// HasPeer reports whether a session exists for the given peer.
func (m *Manager) HasPeer(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.peers[peerID]
	return ok
}

// HasPendingOffer reports whether an untargeted offer still awaits its
// first answer.
func (m *Manager) HasPendingOffer() bool {
	return m.HasPeer("")
}

// RemovePeer tears down the session with the given peer.
func (m *Manager) RemovePeer(peerID string) {
	m.mu.Lock()
	p := m.peers[peerID]
	if p == nil {
		m.mu.Unlock()
		return
	}
	m.dropLocked(p)
	delete(m.orphans, peerID)
	m.mu.Unlock()

	m.release(p)
	m.emit(Event{Kind: EventState, Peer: peerID, State: StateClosed})
}

// Close tears down every session. It is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	peers := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	for _, p := range peers {
		m.dropLocked(p)
	}
	m.orphans = make(map[string][]models.ICECandidate)
	m.mu.Unlock()

	for _, p := range peers {
		m.release(p)
		m.emit(Event{Kind: EventState, Peer: p.id, State: StateClosed})
	}
	return nil
}

// newPeerLocked registers a peer with a fresh session.
func (m *Manager) newPeerLocked(id string, initiator bool) (*peer, error) {
	p := &peer{id: id, initiator: initiator, state: StateIdle}
	session, err := m.factory.NewSession(m.sessionEvents(p))
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	p.session = session
	m.peers[id] = p
	m.adoptOrphansLocked(p)
	return p, nil
}

func (m *Manager) adoptOrphansLocked(p *peer) {
	if p.id == "" {
		return
	}
	if orphans := m.orphans[p.id]; len(orphans) > 0 {
		p.pending = append(p.pending, orphans...)
		delete(m.orphans, p.id)
	}
}

// dropLocked unregisters p. Its resources are released by release once
// the lock is gone.
func (m *Manager) dropLocked(p *peer) {
	p.removed = true
	if m.peers[p.id] == p {
		delete(m.peers, p.id)
	}
	p.checkTimer.Stop()
	p.graceTimer.Stop()
	p.checkTimer, p.graceTimer = nil, nil
	p.pending = nil
	p.state = StateClosed
}

func (m *Manager) release(p *peer) {
	if p == nil {
		return
	}
	if p.channel != nil {
		p.channel.Close()
	}
	if p.session != nil {
		p.session.Close()
	}
}

// discard drops a peer whose negotiation failed.
func (m *Manager) discard(p *peer) {
	m.mu.Lock()
	if p.removed {
		m.mu.Unlock()
		return
	}
	m.dropLocked(p)
	m.mu.Unlock()
	m.release(p)
}

func (m *Manager) setStateLocked(p *peer, state State) []Event {
	if p.removed || p.state == state {
		return nil
	}
	m.logger.Debug().Str("peer", p.id).Str("from", string(p.state)).Str("to", string(state)).Msg("peer state change")
	p.state = state
	return []Event{{Kind: EventState, Peer: p.id, State: state}}
}

// channelPendingLocked records that both descriptions are applied. A peer
// whose channel survived a restart is connected again as soon as it is
// open.
func (m *Manager) channelPendingLocked(p *peer) []Event {
	if p.channel != nil && p.channel.State() == ChannelOpen {
		return m.setStateLocked(p, StateConnected)
	}
	return m.setStateLocked(p, StateChannelPending)
}

func (m *Manager) emit(events ...Event) {
	for _, ev := range events {
		m.events.Emit(ev)
	}
}

func (m *Manager) sessionEvents(p *peer) SessionEvents {
	return SessionEvents{
		Candidate:    func(c models.ICECandidate) { m.onLocalCandidate(p, c) },
		Connectivity: func(s ConnectivityState) { m.onConnectivity(p, s) },
		Channel:      func(ev ChannelEvent) { m.onChannel(p, ev) },
	}
}

// currentLocked reports whether callbacks from p's session still concern
// a live peer. A replaced session always belongs to a removed peer.
func (m *Manager) currentLocked(p *peer) bool {
	return !m.closed && !p.removed
}

func (m *Manager) onLocalCandidate(p *peer, candidate models.ICECandidate) {
	m.mu.Lock()
	if !m.currentLocked(p) {
		m.mu.Unlock()
		return
	}
	id := p.id
	m.mu.Unlock()
	m.emit(Event{Kind: EventCandidate, Peer: id, Candidate: candidate})
}

func (m *Manager) onConnectivity(p *peer, state ConnectivityState) {
	m.mu.Lock()
	if !m.currentLocked(p) {
		m.mu.Unlock()
		return
	}
	m.logger.Debug().Str("peer", p.id).Str("connectivity", string(state)).Msg("connectivity change")

	var events []Event
	restart := false
	switch state {
	case ConnectivityChecking:
		if p.checkTimer == nil && p.state != StateConnected {
			p.checkTimer = m.clock.AfterFunc(m.cfg.ConnectTimeout, func() { m.onConnectTimeout(p) })
		}
	case ConnectivityConnected, ConnectivityCompleted:
		m.stopTimersLocked(p)
		p.stale = false
		if p.channel != nil && p.channel.State() == ChannelOpen {
			events = m.setStateLocked(p, StateConnected)
		}
	case ConnectivityDisconnected:
		if p.state == StateConnected || p.state == StateChannelPending {
			events = m.setStateLocked(p, StateDisconnected)
		}
		p.stale = true
		m.armGraceLocked(p)
	case ConnectivityFailed:
		events = m.setStateLocked(p, StateDisconnected)
		p.stale = true
		restart = true
	}
	m.mu.Unlock()

	m.emit(events...)
	if restart {
		m.restart(p, "connectivity failed")
	}
}

func (m *Manager) onChannel(p *peer, ev ChannelEvent) {
	m.mu.Lock()
	if !m.currentLocked(p) {
		m.mu.Unlock()
		return
	}

	var events []Event
	switch ev.Kind {
	case ChannelEventOpen:
		p.channel = ev.Channel
		m.stopTimersLocked(p)
		p.stale = false
		events = m.setStateLocked(p, StateConnected)
		m.logger.Info().Str("peer", p.id).Msg("direct channel open")
	case ChannelEventClose:
		if p.channel == ev.Channel {
			events = m.setStateLocked(p, StateDisconnected)
			p.stale = true
			m.armGraceLocked(p)
			m.logger.Info().Str("peer", p.id).Msg("direct channel closed")
		}
	case ChannelEventMessage:
		events = []Event{{Kind: EventMessage, Peer: p.id, Data: ev.Data}}
	case ChannelEventError:
		m.logger.Warn().Err(ev.Err).Str("peer", p.id).Msg("direct channel error")
	}
	m.mu.Unlock()
	m.emit(events...)
}

func (m *Manager) armGraceLocked(p *peer) {
	if p.graceTimer != nil {
		return
	}
	p.graceTimer = m.clock.AfterFunc(m.cfg.DisconnectGrace, func() { m.onGraceTimeout(p) })
}

func (m *Manager) stopTimersLocked(p *peer) {
	p.checkTimer.Stop()
	p.graceTimer.Stop()
	p.checkTimer, p.graceTimer = nil, nil
}

func (m *Manager) onConnectTimeout(p *peer) {
	m.mu.Lock()
	if !m.currentLocked(p) || p.state == StateConnected {
		m.mu.Unlock()
		return
	}
	p.checkTimer = nil
	m.mu.Unlock()
	m.restart(p, "connectivity check timed out")
}

func (m *Manager) onGraceTimeout(p *peer) {
	m.mu.Lock()
	if !m.currentLocked(p) || p.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	p.graceTimer = nil
	m.mu.Unlock()
	m.restart(p, "disconnected past grace period")
}

// restart re-establishes connectivity with p. The offering side issues a
// restart offer, on the same session while the channel survives and on a
// fresh session otherwise; the answering side waits for that offer.
func (m *Manager) restart(p *peer, reason string) {
	m.mu.Lock()
	if !m.currentLocked(p) || p.id == "" {
		m.mu.Unlock()
		return
	}
	m.stopTimersLocked(p)
	p.stale = true
	events := m.setStateLocked(p, StateNegotiating)
	id := p.id
	initiator := p.initiator
	channelOpen := p.channel != nil && p.channel.State() == ChannelOpen
	m.mu.Unlock()
	m.emit(events...)

	m.logger.Info().Str("peer", id).Str("reason", reason).Bool("initiator", initiator).Msg("restarting connectivity")
	if !initiator {
		return
	}

	var (
		offer models.SessionDescription
		err   error
	)
	if channelOpen {
		p.ops.Lock()
		offer, err = p.session.CreateOffer(true)
		p.ops.Unlock()
	} else {
		offer, err = m.CreateOffer(id)
	}
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return
		}
		m.logger.Error().Err(err).Str("peer", id).Msg("connectivity restart failed")
		m.emit(Event{Kind: EventError, Peer: id, Err: err})
		return
	}
	m.emit(Event{Kind: EventOffer, Peer: id, Description: offer})
}
