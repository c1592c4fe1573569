package transport

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/webrtc-chat/internal/models"
)

// ICEConfig holds the STUN/TURN servers used during candidate gathering.
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// ICEConfigFromURLs builds an ICEConfig from server URLs. Entries may be
// comma separated; blanks are skipped. No servers means host candidates
// only, which is enough on a single machine or LAN.
func ICEConfigFromURLs(urls []string, username, credential string) ICEConfig {
	var cleaned []string
	for _, entry := range urls {
		for _, url := range strings.Split(entry, ",") {
			if url = strings.TrimSpace(url); url != "" {
				cleaned = append(cleaned, url)
			}
		}
	}
	if len(cleaned) == 0 {
		return ICEConfig{}
	}
	server := webrtc.ICEServer{URLs: cleaned}
	if username != "" {
		server.Username = username
		server.Credential = credential
	}
	return ICEConfig{Servers: []webrtc.ICEServer{server}}
}

// PionFactory creates sessions backed by pion PeerConnections.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewPionFactory returns a factory using the given ICE servers.
func NewPionFactory(ice ICEConfig) *PionFactory {
	// Loopback candidates keep same-machine peers and tests working when
	// loopback is the only interface.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	return &PionFactory{
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		config: webrtc.Configuration{ICEServers: ice.Servers},
	}
}

// NewSession implements SessionFactory.
func (f *PionFactory) NewSession(events SessionEvents) (Session, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	s := &pionSession{pc: pc, events: events}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil || events.Candidate == nil {
			return
		}
		init := c.ToJSON()
		events.Candidate(models.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if events.Connectivity != nil {
			events.Connectivity(connectivityFromPion(state))
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		s.wireChannel(dc)
	})
	return s, nil
}

type pionSession struct {
	pc     *webrtc.PeerConnection
	events SessionEvents
}

func (s *pionSession) CreateChannel(label string) (Channel, error) {
	ordered := true
	dc, err := s.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("creating data channel %s: %w", label, err)
	}
	return s.wireChannel(dc), nil
}

func (s *pionSession) wireChannel(dc *webrtc.DataChannel) Channel {
	channel := &pionChannel{dc: dc}
	emit := func(ev ChannelEvent) {
		if s.events.Channel != nil {
			ev.Channel = channel
			s.events.Channel(ev)
		}
	}
	dc.OnOpen(func() { emit(ChannelEvent{Kind: ChannelEventOpen}) })
	dc.OnClose(func() { emit(ChannelEvent{Kind: ChannelEventClose}) })
	dc.OnError(func(err error) { emit(ChannelEvent{Kind: ChannelEventError, Err: err}) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		emit(ChannelEvent{Kind: ChannelEventMessage, Data: msg.Data})
	})
	return channel
}

func (s *pionSession) CreateOffer(restart bool) (models.SessionDescription, error) {
	offer, err := s.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: restart})
	if err != nil {
		return models.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return models.SessionDescription{}, fmt.Errorf("setting local offer: %w", err)
	}
	return models.SessionDescription{Type: models.SignalTypeOffer, Body: offer.SDP}, nil
}

func (s *pionSession) CreateAnswer() (models.SessionDescription, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return models.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return models.SessionDescription{}, fmt.Errorf("setting local answer: %w", err)
	}
	return models.SessionDescription{Type: models.SignalTypeAnswer, Body: answer.SDP}, nil
}

func (s *pionSession) SetRemoteDescription(description models.SessionDescription) error {
	remote := webrtc.SessionDescription{SDP: description.Body}
	switch description.Type {
	case models.SignalTypeOffer:
		remote.Type = webrtc.SDPTypeOffer
	case models.SignalTypeAnswer:
		remote.Type = webrtc.SDPTypeAnswer
	default:
		return ErrMalformedDescription
	}
	return s.pc.SetRemoteDescription(remote)
}

func (s *pionSession) AddCandidate(candidate models.ICECandidate) error {
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	})
}

func (s *pionSession) SignalingState() SignalingState {
	switch s.pc.SignalingState() {
	case webrtc.SignalingStateHaveLocalOffer:
		return SignalingHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer:
		return SignalingHaveRemoteOffer
	case webrtc.SignalingStateClosed:
		return SignalingClosed
	default:
		return SignalingStable
	}
}

func (s *pionSession) Close() error {
	return s.pc.Close()
}

func connectivityFromPion(state webrtc.ICEConnectionState) ConnectivityState {
	switch state {
	case webrtc.ICEConnectionStateChecking:
		return ConnectivityChecking
	case webrtc.ICEConnectionStateConnected:
		return ConnectivityConnected
	case webrtc.ICEConnectionStateCompleted:
		return ConnectivityCompleted
	case webrtc.ICEConnectionStateDisconnected:
		return ConnectivityDisconnected
	case webrtc.ICEConnectionStateFailed:
		return ConnectivityFailed
	case webrtc.ICEConnectionStateClosed:
		return ConnectivityClosed
	default:
		return ConnectivityNew
	}
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionChannel) Label() string { return c.dc.Label() }

func (c *pionChannel) State() ChannelState {
	switch c.dc.ReadyState() {
	case webrtc.DataChannelStateOpen:
		return ChannelOpen
	case webrtc.DataChannelStateClosing:
		return ChannelClosing
	case webrtc.DataChannelStateClosed:
		return ChannelClosed
	default:
		return ChannelConnecting
	}
}

func (c *pionChannel) Send(data []byte) error { return c.dc.Send(data) }

func (c *pionChannel) Close() error { return c.dc.Close() }
