// Package transporttest provides an in-process negotiation primitive for
// exercising transport.Manager and the layers above it without real
// network connectivity.
//
// Descriptions carry an opaque token ("fake-sdp token=N"). A session pair
// links when the offering side applies the answer: both sides then report
// connectivity and their channels open. Every session delivers its events
// in order on its own goroutine, like a real peer connection would.
package transporttest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/mossy-p/webrtc-chat/internal/models"
	"github.com/mossy-p/webrtc-chat/internal/transport"
)

const descriptionPrefix = "fake-sdp token="

var (
	ErrBadDescription = errors.New("transporttest: unparseable description")
	ErrWrongState     = errors.New("transporttest: operation invalid in signaling state")
	ErrNoRemote       = errors.New("transporttest: remote description not set")
	ErrSessionClosed  = errors.New("transporttest: session closed")
)

// Network connects the sessions created by its factories.
type Network struct {
	mu          sync.Mutex
	nextToken   int
	described   map[int]*Session
	sessions    []*Session
	unreachable map[[2]string]bool

	idle     *sync.Cond
	inflight int
}

// NewNetwork returns an empty network where every pair of hosts is
// reachable.
func NewNetwork() *Network {
	n := &Network{
		described:   make(map[int]*Session),
		unreachable: make(map[[2]string]bool),
	}
	n.idle = sync.NewCond(&n.mu)
	return n
}

// Factory returns a SessionFactory for the named host.
func (n *Network) Factory(host string) transport.SessionFactory {
	return factory{network: n, host: host}
}

type factory struct {
	network *Network
	host    string
}

func (f factory) NewSession(events transport.SessionEvents) (transport.Session, error) {
	s := &Session{
		network:   f.network,
		host:      f.host,
		events:    events,
		signaling: transport.SignalingStable,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	f.network.mu.Lock()
	f.network.sessions = append(f.network.sessions, s)
	f.network.mu.Unlock()
	go s.run()
	return s, nil
}

// SetReachable controls whether sessions between hosts a and b can
// connect. Unreachable pairs still negotiate but only ever report
// checking.
func (n *Network) SetReachable(a, b string, reachable bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := pairKey(a, b)
	if reachable {
		delete(n.unreachable, key)
	} else {
		n.unreachable[key] = true
	}
}

// Disconnect drops every live link between hosts a and b: channels close
// and both sides report disconnected.
func (n *Network) Disconnect(a, b string) {
	for _, s := range n.Sessions(a) {
		s.mu.Lock()
		remote := s.remote
		s.mu.Unlock()
		if remote != nil && remote.host == b {
			s.sever()
		}
	}
}

// Sessions returns the sessions created for host, oldest first.
func (n *Network) Sessions(host string) []*Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*Session
	for _, s := range n.sessions {
		if s.host == host {
			out = append(out, s)
		}
	}
	return out
}

// Flush blocks until no session has undelivered events.
func (n *Network) Flush() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for n.inflight > 0 {
		n.idle.Wait()
	}
}

func (n *Network) reachable(a, b string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.unreachable[pairKey(a, b)]
}

func (n *Network) describe(s *Session, kind models.SignalType) (models.SessionDescription, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextToken++
	n.described[n.nextToken] = s
	return models.SessionDescription{
		Type: kind,
		Body: descriptionPrefix + strconv.Itoa(n.nextToken),
	}, n.nextToken
}

func (n *Network) lookup(description models.SessionDescription) (*Session, error) {
	raw, ok := strings.CutPrefix(description.Body, descriptionPrefix)
	if !ok {
		return nil, ErrBadDescription
	}
	token, err := strconv.Atoi(raw)
	if err != nil {
		return nil, ErrBadDescription
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.described[token]
	if !ok {
		return nil, ErrBadDescription
	}
	return s, nil
}

func (n *Network) begin() {
	n.mu.Lock()
	n.inflight++
	n.mu.Unlock()
}

func (n *Network) done() {
	n.mu.Lock()
	n.inflight--
	if n.inflight == 0 {
		n.idle.Broadcast()
	}
	n.mu.Unlock()
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Session is one fake negotiation attempt.
type Session struct {
	network *Network
	host    string
	events  transport.SessionEvents

	mu            sync.Mutex
	signaling     transport.SignalingState
	remoteSet     bool
	remote        *Session
	local         *Channel
	accepted      *Channel
	candidates    []models.ICECandidate
	remoteApplied int
	closed        bool
	exited        bool

	queue []func()
	wake  chan struct{}
	done  chan struct{}
}

// Host returns the host the session belongs to.
func (s *Session) Host() string { return s.host }

// AppliedCandidates returns the remote candidates applied so far.
func (s *Session) AppliedCandidates() []models.ICECandidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ICECandidate(nil), s.candidates...)
}

// RemoteDescriptionsApplied counts successful SetRemoteDescription calls.
func (s *Session) RemoteDescriptionsApplied() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteApplied
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) CreateChannel(label string) (transport.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	s.local = &Channel{owner: s, label: label, state: transport.ChannelConnecting}
	return s.local, nil
}

func (s *Session) CreateOffer(restart bool) (models.SessionDescription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.SessionDescription{}, ErrSessionClosed
	}
	if s.signaling != transport.SignalingStable {
		s.mu.Unlock()
		return models.SessionDescription{}, ErrWrongState
	}
	s.signaling = transport.SignalingHaveLocalOffer
	s.mu.Unlock()

	offer, token := s.network.describe(s, models.SignalTypeOffer)
	s.gather(token)
	return offer, nil
}

func (s *Session) CreateAnswer() (models.SessionDescription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.SessionDescription{}, ErrSessionClosed
	}
	if s.signaling != transport.SignalingHaveRemoteOffer {
		s.mu.Unlock()
		return models.SessionDescription{}, ErrWrongState
	}
	s.signaling = transport.SignalingStable
	s.mu.Unlock()

	answer, token := s.network.describe(s, models.SignalTypeAnswer)
	s.gather(token)
	return answer, nil
}

func (s *Session) SetRemoteDescription(description models.SessionDescription) error {
	other, err := s.network.lookup(description)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	switch description.Type {
	case models.SignalTypeOffer:
		if s.signaling != transport.SignalingStable {
			s.mu.Unlock()
			return ErrWrongState
		}
		s.signaling = transport.SignalingHaveRemoteOffer
		s.remoteSet = true
		s.remoteApplied++
		s.mu.Unlock()
		return nil
	case models.SignalTypeAnswer:
		if s.signaling != transport.SignalingHaveLocalOffer {
			s.mu.Unlock()
			return ErrWrongState
		}
		s.signaling = transport.SignalingStable
		s.remoteSet = true
		s.remoteApplied++
		s.mu.Unlock()
		link(s, other)
		return nil
	default:
		s.mu.Unlock()
		return ErrBadDescription
	}
}

func (s *Session) AddCandidate(candidate models.ICECandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if !s.remoteSet {
		return ErrNoRemote
	}
	s.candidates = append(s.candidates, candidate)
	return nil
}

func (s *Session) SignalingState() transport.SignalingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signaling
}

// Close tears the session down. The linked remote sees its channel close
// and its connectivity drop.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.signaling = transport.SignalingClosed
	close(s.done)
	remote := s.remote
	s.remote = nil
	channels := []*Channel{s.local, s.accepted}
	s.mu.Unlock()

	for _, ch := range channels {
		ch.setState(transport.ChannelClosed)
	}
	if remote != nil {
		remote.sever()
	}
	return nil
}

// sever closes the session's channels and reports disconnection on both
// ends of the link.
func (s *Session) sever() {
	s.mu.Lock()
	remote := s.remote
	s.remote = nil
	s.mu.Unlock()

	s.loseLink()
	if remote != nil {
		remote.mu.Lock()
		if remote.remote == s {
			remote.remote = nil
		}
		remote.mu.Unlock()
		remote.loseLink()
	}
}

func (s *Session) loseLink() {
	s.mu.Lock()
	channels := []*Channel{s.local, s.accepted}
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	for _, ch := range channels {
		if ch != nil && ch.State() == transport.ChannelOpen {
			ch.setState(transport.ChannelClosed)
			s.channelEvent(transport.ChannelEvent{Kind: transport.ChannelEventClose, Channel: ch})
		}
	}
	s.connectivity(transport.ConnectivityDisconnected)
}

// link joins an offerer with the answerer whose answer it just applied.
func link(offerer, answerer *Session) {
	offerer.mu.Lock()
	offerer.remote = answerer
	localChannel := offerer.local
	offerer.mu.Unlock()

	answerer.mu.Lock()
	answerer.remote = offerer
	answerer.mu.Unlock()

	offerer.connectivity(transport.ConnectivityChecking)
	answerer.connectivity(transport.ConnectivityChecking)
	if !offerer.network.reachable(offerer.host, answerer.host) {
		return
	}

	offerer.connectivity(transport.ConnectivityConnected)
	answerer.connectivity(transport.ConnectivityConnected)

	if localChannel == nil || localChannel.State() == transport.ChannelOpen {
		// Restart on a live channel: connectivity is all that changes.
		return
	}

	accepted := &Channel{owner: answerer, label: localChannel.label, state: transport.ChannelConnecting, peer: localChannel}
	answerer.mu.Lock()
	answerer.accepted = accepted
	answerer.mu.Unlock()
	localChannel.mu.Lock()
	localChannel.peer = accepted
	localChannel.mu.Unlock()

	offerer.open(localChannel)
	answerer.open(accepted)
}

// open moves ch to open when its owner's queue reaches the event, so the
// channel is never observed open before its open notification.
func (s *Session) open(ch *Channel) {
	s.enqueue(func() {
		ch.mu.Lock()
		if ch.state != transport.ChannelConnecting {
			ch.mu.Unlock()
			return
		}
		ch.state = transport.ChannelOpen
		ch.mu.Unlock()
		if s.events.Channel != nil {
			s.events.Channel(transport.ChannelEvent{Kind: transport.ChannelEventOpen, Channel: ch})
		}
	})
}

func (s *Session) gather(token int) {
	candidate := models.ICECandidate{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 127.0.0.1 %d typ host", token, 40000+token),
	}
	s.enqueue(func() {
		if s.events.Candidate != nil {
			s.events.Candidate(candidate)
		}
	})
}

func (s *Session) connectivity(state transport.ConnectivityState) {
	s.enqueue(func() {
		if s.events.Connectivity != nil {
			s.events.Connectivity(state)
		}
	})
}

func (s *Session) channelEvent(ev transport.ChannelEvent) {
	s.enqueue(func() {
		if s.events.Channel != nil {
			s.events.Channel(ev)
		}
	})
}

func (s *Session) enqueue(fn func()) {
	s.network.begin()
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		s.network.done()
		return
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run delivers queued events in order until the session is closed and its
// queue is empty.
func (s *Session) run() {
	for {
		select {
		case <-s.wake:
			s.deliver()
		case <-s.done:
			s.deliver()
			s.mu.Lock()
			s.exited = true
			rest := len(s.queue)
			s.queue = nil
			s.mu.Unlock()
			for range rest {
				s.network.done()
			}
			return
		}
	}
}

func (s *Session) deliver() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		fn()
		s.network.done()
	}
}

// Channel is a fake message channel. Sends are delivered to the linked
// channel's session as message events.
type Channel struct {
	owner *Session
	label string

	mu    sync.Mutex
	state transport.ChannelState
	peer  *Channel
	sent  [][]byte
}

func (c *Channel) Label() string { return c.label }

func (c *Channel) State() transport.ChannelState {
	if c == nil {
		return transport.ChannelClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	if c.state != transport.ChannelOpen {
		c.mu.Unlock()
		return fmt.Errorf("transporttest: send on %s channel", c.state)
	}
	peer := c.peer
	c.sent = append(c.sent, append([]byte(nil), data...))
	c.mu.Unlock()

	payload := append([]byte(nil), data...)
	peer.owner.channelEvent(transport.ChannelEvent{Kind: transport.ChannelEventMessage, Channel: peer, Data: payload})
	return nil
}

// Sent returns every payload written to the channel.
func (c *Channel) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *Channel) Close() error {
	c.setState(transport.ChannelClosed)
	return nil
}

func (c *Channel) setState(state transport.ChannelState) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}
