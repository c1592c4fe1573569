package transport_test

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-chat/internal/clock"
	"github.com/mossy-p/webrtc-chat/internal/models"
	"github.com/mossy-p/webrtc-chat/internal/transport"
	"github.com/mossy-p/webrtc-chat/internal/transport/transporttest"
)

type node struct {
	id string
	m  *transport.Manager

	mu     sync.Mutex
	events []transport.Event
}

func newNode(t *testing.T, network *transporttest.Network, clk clock.Clock, id string) *node {
	t.Helper()
	n := &node{id: id}
	n.m = transport.NewManager(network.Factory(id), clk, transport.Config{LocalID: id}, zerolog.Nop())
	n.m.Subscribe(func(ev transport.Event) {
		n.mu.Lock()
		n.events = append(n.events, ev)
		n.mu.Unlock()
	})
	t.Cleanup(func() { n.m.Close() })
	return n
}

func (n *node) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, ev := range n.events {
		if ev.Kind == transport.EventMessage {
			out = append(out, string(ev.Data))
		}
	}
	return out
}

func (n *node) sawState(peer string, state transport.State) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ev := range n.events {
		if ev.Kind == transport.EventState && ev.Peer == peer && ev.State == state {
			return true
		}
	}
	return false
}

// relay forwards from's candidates and restart offers to to, playing the
// part of the signaling layer.
func relay(from, to *node) {
	from.m.Subscribe(func(ev transport.Event) {
		switch ev.Kind {
		case transport.EventCandidate:
			if ev.Peer == to.id || ev.Peer == "" {
				to.m.AddCandidate(from.id, ev.Candidate)
			}
		case transport.EventOffer:
			if ev.Peer != to.id {
				return
			}
			go func() {
				answer, err := to.m.HandleOffer(from.id, ev.Description)
				if err != nil {
					return
				}
				from.m.HandleAnswer(to.id, answer)
			}()
		}
	})
}

func handshake(t *testing.T, offerer, answerer *node, target string) {
	t.Helper()
	offer, err := offerer.m.CreateOffer(target)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	answer, err := answerer.m.HandleOffer(offerer.id, offer)
	if err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	applied, err := offerer.m.HandleAnswer(answerer.id, answer)
	if err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	if !applied {
		t.Fatal("HandleAnswer did not apply the answer")
	}
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func connected(n *node, peer string) func() bool {
	return func() bool {
		state, ok := n.m.PeerState(peer)
		return ok && state == transport.StateConnected
	}
}

func TestHandshakeOpensChannel(t *testing.T) {
	network := transporttest.NewNetwork()
	clk := clock.Fake(time.Unix(1700000000, 0))
	a := newNode(t, network, clk, "a")
	b := newNode(t, network, clk, "b")
	relay(a, b)
	relay(b, a)

	handshake(t, a, b, "b")
	waitFor(t, "a connected", connected(a, "b"))
	waitFor(t, "b connected", connected(b, "a"))

	if !a.sawState("b", transport.StateNegotiating) || !a.sawState("b", transport.StateChannelPending) {
		t.Error("offerer skipped negotiating or channel-pending")
	}
	if err := a.m.Send("b", []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent := b.m.Broadcast([]byte("hi back")); sent != 1 {
		t.Fatalf("Broadcast reached %d peers, want 1", sent)
	}
	waitFor(t, "b receives", func() bool { return len(b.messages()) == 1 })
	waitFor(t, "a receives", func() bool { return len(a.messages()) == 1 })
	if got := b.messages()[0]; got != "hello" {
		t.Errorf("b received %q", got)
	}
	if got := a.messages()[0]; got != "hi back" {
		t.Errorf("a received %q", got)
	}
}

func TestUntargetedOfferBindsToFirstAnswer(t *testing.T) {
	network := transporttest.NewNetwork()
	clk := clock.Fake(time.Unix(1700000000, 0))
	a := newNode(t, network, clk, "a")
	b := newNode(t, network, clk, "b")
	c := newNode(t, network, clk, "c")
	relay(a, b)
	relay(b, a)

	offer, err := a.m.CreateOffer("")
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if !a.m.HasPendingOffer() {
		t.Fatal("untargeted offer not pending")
	}
	answerB, err := b.m.HandleOffer("a", offer)
	if err != nil {
		t.Fatalf("b HandleOffer: %v", err)
	}
	answerC, err := c.m.HandleOffer("a", offer)
	if err != nil {
		t.Fatalf("c HandleOffer: %v", err)
	}

	applied, err := a.m.HandleAnswer("b", answerB)
	if err != nil || !applied {
		t.Fatalf("first answer: applied=%v err=%v", applied, err)
	}
	if a.m.HasPendingOffer() || !a.m.HasPeer("b") {
		t.Fatal("offer not bound to the first answerer")
	}

	applied, err = a.m.HandleAnswer("c", answerC)
	if err != nil || applied {
		t.Fatalf("second answer: applied=%v err=%v, want ignored", applied, err)
	}
	waitFor(t, "a connected to b", connected(a, "b"))
}

func TestAnswerOutsideLocalOfferIsIgnored(t *testing.T) {
	network := transporttest.NewNetwork()
	clk := clock.Fake(time.Unix(1700000000, 0))
	a := newNode(t, network, clk, "a")
	b := newNode(t, network, clk, "b")

	offer, err := a.m.CreateOffer("b")
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	answer, err := b.m.HandleOffer("a", offer)
	if err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	if _, err := a.m.HandleAnswer("b", answer); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}

	session := network.Sessions("a")[0]
	before := session.RemoteDescriptionsApplied()
	applied, err := a.m.HandleAnswer("b", answer)
	if err != nil {
		t.Fatalf("repeated answer returned %v", err)
	}
	if applied {
		t.Error("repeated answer was applied")
	}
	if after := session.RemoteDescriptionsApplied(); after != before {
		t.Errorf("remote descriptions applied went from %d to %d", before, after)
	}

	// An answer from a peer with no offer outstanding changes nothing.
	applied, err = b.m.HandleAnswer("z", answer)
	if err != nil || applied {
		t.Errorf("stray answer: applied=%v err=%v", applied, err)
	}
	if b.m.HasPeer("z") {
		t.Error("stray answer created a peer")
	}
}

func TestCandidatesWaitForRemoteDescription(t *testing.T) {
	network := transporttest.NewNetwork()
	clk := clock.Fake(time.Unix(1700000000, 0))
	a := newNode(t, network, clk, "a")
	b := newNode(t, network, clk, "b")

	early := models.ICECandidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}
	late := models.ICECandidate{Candidate: "candidate:2 1 udp 1 10.0.0.1 5001 typ host"}

	// Before any offer from a: held for later.
	if err := b.m.AddCandidate("a", early); err != nil {
		t.Fatalf("AddCandidate: %v", err)
	}
	if b.m.HasPeer("a") {
		t.Fatal("candidate created a peer")
	}

	offer, err := a.m.CreateOffer("b")
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	// Before a has an answer: buffered on the pending peer.
	if err := a.m.AddCandidate("b", late); err != nil {
		t.Fatalf("AddCandidate: %v", err)
	}
	if got := network.Sessions("a")[0].AppliedCandidates(); len(got) != 0 {
		t.Fatalf("candidate applied before the answer: %v", got)
	}

	answer, err := b.m.HandleOffer("a", offer)
	if err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	got := network.Sessions("b")[0].AppliedCandidates()
	if len(got) != 1 || got[0].Candidate != early.Candidate {
		t.Fatalf("answerer applied %v, want the early candidate", got)
	}

	if _, err := a.m.HandleAnswer("b", answer); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	got = network.Sessions("a")[0].AppliedCandidates()
	if len(got) != 1 || got[0].Candidate != late.Candidate {
		t.Fatalf("offerer applied %v, want the buffered candidate", got)
	}

	// Once the remote description is set, candidates apply directly.
	if err := a.m.AddCandidate("b", early); err != nil {
		t.Fatalf("AddCandidate: %v", err)
	}
	if got := network.Sessions("a")[0].AppliedCandidates(); len(got) != 2 {
		t.Fatalf("offerer applied %d candidates, want 2", len(got))
	}
}

func TestCandidatesAfterLinkLossWaitForRestartOffer(t *testing.T) {
	network := transporttest.NewNetwork()
	clk := clock.Fake(time.Unix(1700000000, 0))
	a := newNode(t, network, clk, "a")
	b := newNode(t, network, clk, "b")

	handshake(t, a, b, "b")
	waitFor(t, "a connected", connected(a, "b"))
	waitFor(t, "b connected", connected(b, "a"))

	network.Disconnect("a", "b")
	network.Flush()

	offer, err := a.m.CreateOffer("b")
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	// The restart candidate overtakes the restart offer.
	restarted := models.ICECandidate{Candidate: "candidate:99 1 udp 1 10.0.0.9 5099 typ host"}
	if err := b.m.AddCandidate("a", restarted); err != nil {
		t.Fatalf("AddCandidate: %v", err)
	}
	old := network.Sessions("b")[0]
	if got := old.AppliedCandidates(); len(got) != 0 {
		t.Fatalf("lost session applied %v", got)
	}

	if _, err := b.m.HandleOffer("a", offer); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	sessions := network.Sessions("b")
	if len(sessions) != 2 {
		t.Fatalf("b has %d sessions, want 2", len(sessions))
	}
	if got := old.AppliedCandidates(); len(got) != 0 {
		t.Errorf("lost session applied %v", got)
	}
	got := sessions[1].AppliedCandidates()
	if len(got) != 1 || got[0].Candidate != restarted.Candidate {
		t.Errorf("fresh session applied %v, want the restart candidate", got)
	}
}

func TestFullCandidateBufferLogsDrops(t *testing.T) {
	network := transporttest.NewNetwork()
	var logs bytes.Buffer
	m := transport.NewManager(network.Factory("b"), clock.Fake(time.Unix(0, 0)),
		transport.Config{LocalID: "b", CandidateBuffer: 1}, zerolog.New(&logs))
	t.Cleanup(func() { m.Close() })

	first := models.ICECandidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}
	second := models.ICECandidate{Candidate: "candidate:2 1 udp 1 10.0.0.1 5001 typ host"}
	for _, c := range []models.ICECandidate{first, second} {
		if err := m.AddCandidate("a", c); err != nil {
			t.Fatalf("AddCandidate: %v", err)
		}
	}
	if !strings.Contains(logs.String(), "candidate buffer full") {
		t.Errorf("dropped candidate not logged: %q", logs.String())
	}
}

func TestMalformedInputIsRejected(t *testing.T) {
	network := transporttest.NewNetwork()
	a := newNode(t, network, clock.Fake(time.Unix(0, 0)), "a")

	if _, err := a.m.HandleOffer("b", models.SessionDescription{Type: models.SignalTypeOffer}); !errors.Is(err, transport.ErrMalformedDescription) {
		t.Errorf("offer without body: %v", err)
	}
	if _, err := a.m.HandleOffer("b", models.SessionDescription{Type: models.SignalTypeAnswer, Body: "x"}); !errors.Is(err, transport.ErrMalformedDescription) {
		t.Errorf("answer passed as offer: %v", err)
	}
	if _, err := a.m.HandleAnswer("b", models.SessionDescription{Type: "bogus", Body: "x"}); !errors.Is(err, transport.ErrMalformedDescription) {
		t.Errorf("unknown type: %v", err)
	}
	if err := a.m.AddCandidate("b", models.ICECandidate{Candidate: "  "}); err != nil {
		t.Errorf("blank candidate: %v", err)
	}
	if a.m.HasPeer("b") {
		t.Error("malformed input created a peer")
	}
}

func TestSendRequiresOpenChannel(t *testing.T) {
	network := transporttest.NewNetwork()
	a := newNode(t, network, clock.Fake(time.Unix(0, 0)), "a")

	if err := a.m.Send("b", []byte("x")); !errors.Is(err, transport.ErrChannelNotOpen) {
		t.Errorf("Send to unknown peer: %v", err)
	}
	if _, err := a.m.CreateOffer("b"); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := a.m.Send("b", []byte("x")); !errors.Is(err, transport.ErrChannelNotOpen) {
		t.Errorf("Send before open: %v", err)
	}
	if n := a.m.Broadcast([]byte("x")); n != 0 {
		t.Errorf("Broadcast reached %d peers", n)
	}
	if a.m.HasOpenChannel() {
		t.Error("HasOpenChannel before any channel opened")
	}
}

func TestSimultaneousOffersFavourLowerID(t *testing.T) {
	network := transporttest.NewNetwork()
	clk := clock.Fake(time.Unix(1700000000, 0))
	a := newNode(t, network, clk, "a")
	b := newNode(t, network, clk, "b")
	relay(a, b)
	relay(b, a)

	offerA, err := a.m.CreateOffer("")
	if err != nil {
		t.Fatalf("a CreateOffer: %v", err)
	}
	offerB, err := b.m.CreateOffer("")
	if err != nil {
		t.Fatalf("b CreateOffer: %v", err)
	}

	if _, err := a.m.HandleOffer("b", offerB); !errors.Is(err, transport.ErrIgnored) {
		t.Fatalf("a answering b's offer: %v, want ErrIgnored", err)
	}
	answer, err := b.m.HandleOffer("a", offerA)
	if err != nil {
		t.Fatalf("b answering a's offer: %v", err)
	}
	if b.m.HasPendingOffer() {
		t.Error("b kept its own offer after yielding")
	}
	if applied, err := a.m.HandleAnswer("b", answer); err != nil || !applied {
		t.Fatalf("HandleAnswer: applied=%v err=%v", applied, err)
	}
	waitFor(t, "a connected", connected(a, "b"))
	waitFor(t, "b connected", connected(b, "a"))
}

func TestConnectTimeoutRestartsWithFreshSession(t *testing.T) {
	network := transporttest.NewNetwork()
	clk := clock.Fake(time.Unix(1700000000, 0))
	a := newNode(t, network, clk, "a")
	b := newNode(t, network, clk, "b")
	relay(a, b)
	relay(b, a)

	network.SetReachable("a", "b", false)
	handshake(t, a, b, "b")
	network.Flush()
	clk.WaitForTimers(2)
	if state, _ := a.m.PeerState("b"); state != transport.StateChannelPending {
		t.Fatalf("a state %s, want channel-pending", state)
	}

	network.SetReachable("a", "b", true)
	clk.Advance(30 * time.Second)

	waitFor(t, "a connected", connected(a, "b"))
	waitFor(t, "b connected", connected(b, "a"))
	if n := len(network.Sessions("a")); n != 2 {
		t.Errorf("a created %d sessions, want 2", n)
	}
	if !network.Sessions("a")[0].Closed() {
		t.Error("timed out session left open")
	}
}

func TestDisconnectRecoversAfterGrace(t *testing.T) {
	network := transporttest.NewNetwork()
	clk := clock.Fake(time.Unix(1700000000, 0))
	a := newNode(t, network, clk, "a")
	b := newNode(t, network, clk, "b")
	relay(a, b)
	relay(b, a)

	handshake(t, a, b, "b")
	waitFor(t, "a connected", connected(a, "b"))
	waitFor(t, "b connected", connected(b, "a"))

	network.Disconnect("a", "b")
	waitFor(t, "a disconnected", func() bool {
		state, _ := a.m.PeerState("b")
		return state == transport.StateDisconnected
	})
	if a.m.HasOpenChannel() {
		t.Fatal("channel still open after disconnect")
	}

	// Nothing happens inside the grace period.
	clk.Advance(5 * time.Second)
	network.Flush()
	if n := len(network.Sessions("a")); n != 1 {
		t.Fatalf("restart before grace expired: %d sessions", n)
	}

	clk.Advance(5 * time.Second)
	waitFor(t, "a reconnected", connected(a, "b"))
	waitFor(t, "b reconnected", connected(b, "a"))
	if err := a.m.Send("b", []byte("after")); err != nil {
		t.Fatalf("Send after recovery: %v", err)
	}
	waitFor(t, "b receives", func() bool { return len(b.messages()) == 1 })
}

func TestRemovePeerAndClose(t *testing.T) {
	network := transporttest.NewNetwork()
	clk := clock.Fake(time.Unix(1700000000, 0))
	a := newNode(t, network, clk, "a")
	b := newNode(t, network, clk, "b")
	relay(a, b)
	relay(b, a)

	handshake(t, a, b, "b")
	waitFor(t, "b connected", connected(b, "a"))

	a.m.RemovePeer("b")
	if a.m.HasPeer("b") {
		t.Fatal("peer survived RemovePeer")
	}
	if !a.sawState("b", transport.StateClosed) {
		t.Error("RemovePeer did not report closed")
	}
	waitFor(t, "b notices", func() bool {
		state, _ := b.m.PeerState("a")
		return state == transport.StateDisconnected
	})

	if err := b.m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := b.m.CreateOffer("a"); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("CreateOffer after Close: %v", err)
	}
	for _, s := range network.Sessions("b") {
		if !s.Closed() {
			t.Error("session left open after Close")
		}
	}
}
