package transport

import (
	"github.com/mossy-p/webrtc-chat/internal/models"
)

// SignalingState mirrors the negotiation primitive's offer/answer state.
type SignalingState string

const (
	SignalingStable          SignalingState = "stable"
	SignalingHaveLocalOffer  SignalingState = "have-local-offer"
	SignalingHaveRemoteOffer SignalingState = "have-remote-offer"
	SignalingClosed          SignalingState = "closed"
)

// ConnectivityState is the primitive's own view of path connectivity. It
// is a secondary input: the channel opening is what marks a peer
// connected.
type ConnectivityState string

const (
	ConnectivityNew          ConnectivityState = "new"
	ConnectivityChecking     ConnectivityState = "checking"
	ConnectivityConnected    ConnectivityState = "connected"
	ConnectivityCompleted    ConnectivityState = "completed"
	ConnectivityDisconnected ConnectivityState = "disconnected"
	ConnectivityFailed       ConnectivityState = "failed"
	ConnectivityClosed       ConnectivityState = "closed"
)

// ChannelState is the ready state of a message channel.
type ChannelState string

const (
	ChannelConnecting ChannelState = "connecting"
	ChannelOpen       ChannelState = "open"
	ChannelClosing    ChannelState = "closing"
	ChannelClosed     ChannelState = "closed"
)

// Channel is an ordered, reliable, message-oriented channel.
type Channel interface {
	Label() string
	State() ChannelState
	Send(data []byte) error
	Close() error
}

// ChannelEventKind distinguishes channel notifications.
type ChannelEventKind int

const (
	ChannelEventOpen ChannelEventKind = iota
	ChannelEventClose
	ChannelEventMessage
	ChannelEventError
)

// ChannelEvent is raised for channels created locally or announced by the
// remote side.
type ChannelEvent struct {
	Kind    ChannelEventKind
	Channel Channel
	Data    []byte
	Err     error
}

// SessionEvents receives the asynchronous notifications of one session.
// Implementations may invoke them from any goroutine.
type SessionEvents struct {
	Candidate    func(models.ICECandidate)
	Connectivity func(ConnectivityState)
	Channel      func(ChannelEvent)
}

// Session is one negotiation attempt with one remote peer.
type Session interface {
	// CreateChannel opens a local message channel. Only the offering side
	// creates one; the answering side learns of it through Channel events.
	CreateChannel(label string) (Channel, error)
	// CreateOffer generates an offer and applies it as the local
	// description. restart requests fresh connectivity credentials.
	CreateOffer(restart bool) (models.SessionDescription, error)
	// CreateAnswer generates an answer to the applied remote offer and
	// applies it as the local description.
	CreateAnswer() (models.SessionDescription, error)
	SetRemoteDescription(description models.SessionDescription) error
	AddCandidate(candidate models.ICECandidate) error
	SignalingState() SignalingState
	Close() error
}

// SessionFactory creates sessions wired to the given event handlers.
type SessionFactory interface {
	NewSession(events SessionEvents) (Session, error)
}
