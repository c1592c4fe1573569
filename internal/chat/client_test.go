package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-chat/internal/clock"
	"github.com/mossy-p/webrtc-chat/internal/crypto"
	"github.com/mossy-p/webrtc-chat/internal/delivery"
	"github.com/mossy-p/webrtc-chat/internal/models"
	"github.com/mossy-p/webrtc-chat/internal/signaling"
	"github.com/mossy-p/webrtc-chat/internal/store"
	"github.com/mossy-p/webrtc-chat/internal/transport/transporttest"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	clock   *clock.FakeClock
	store   *store.MemoryStore
	network *transporttest.Network
}

func newHarness() *harness {
	clk := clock.Fake(epoch)
	return &harness{
		clock:   clk,
		store:   store.NewMemoryStore(clk.Now),
		network: transporttest.NewNetwork(),
	}
}

// peer is a client plus everything it surfaced.
type peer struct {
	*Client

	mu       sync.Mutex
	messages []models.Message
	secrets  []models.Message
	expired  []models.Message
	statuses []Status
}

func (h *harness) newPeer(t *testing.T, host string) *peer {
	t.Helper()
	p := &peer{Client: New(h.store, h.network.Factory(host), h.clock, Config{}, zerolog.Nop())}
	p.OnMessage(func(m models.Message) { p.add(&p.messages, m) })
	p.OnSecretMessage(func(m models.Message) { p.add(&p.secrets, m) })
	p.OnSecretExpired(func(m models.Message) { p.add(&p.expired, m) })
	p.OnConnectionStateChange(func(s Status) {
		p.mu.Lock()
		p.statuses = append(p.statuses, s)
		p.mu.Unlock()
	})
	t.Cleanup(p.Unload)
	return p
}

func (p *peer) add(list *[]models.Message, m models.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	*list = append(*list, m)
}

func (p *peer) snapshot(list *[]models.Message) []models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Message(nil), *list...)
}

func (p *peer) sawStatus(s Status) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, seen := range p.statuses {
		if seen == s {
			return true
		}
	}
	return false
}

func (p *peer) hasStatus(s Status) func() bool {
	return func() bool { return p.Status() == s }
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

func (h *harness) mailboxSize(t *testing.T, roomID string) int {
	t.Helper()
	snapshot, err := h.store.Read(context.Background(), store.MessagesPath(roomID))
	if err != nil {
		t.Fatalf("reading mailbox: %v", err)
	}
	return len(snapshot.Children)
}

func (h *harness) mailboxWrites(roomID string) int {
	count := 0
	for _, op := range h.store.Ops() {
		if op.Kind != store.OpDelete && strings.HasPrefix(op.Path, store.MessagesPath(roomID)+"/") {
			count++
		}
	}
	return count
}

// connectPair joins x then y to the room of passphrase and waits until
// both report connected.
func (h *harness) connectPair(t *testing.T, x, y *peer, passphrase string) (Session, Session) {
	t.Helper()
	ctx := context.Background()
	sx, err := x.JoinRoom(ctx, passphrase, "xavier")
	if err != nil {
		t.Fatalf("x JoinRoom: %v", err)
	}
	h.clock.Advance(time.Second)
	sy, err := y.JoinRoom(ctx, passphrase, "yara")
	if err != nil {
		t.Fatalf("y JoinRoom: %v", err)
	}
	waitFor(t, "x connected", x.hasStatus(StatusConnected))
	waitFor(t, "y connected", y.hasStatus(StatusConnected))
	return sx, sy
}

func TestFirstMessageOverNewRoom(t *testing.T) {
	h := newHarness()
	x := h.newPeer(t, "x")
	y := h.newPeer(t, "y")

	sx, sy := h.connectPair(t, x, y, "pw1")
	if sx.RoomID != crypto.DeriveRoomID("pw1") || sy.RoomID != sx.RoomID {
		t.Fatalf("room ids %q and %q, want %q", sx.RoomID, sy.RoomID, crypto.DeriveRoomID("pw1"))
	}
	if sx.Role != signaling.RoleInitiator || sy.Role != signaling.RoleResponder {
		t.Errorf("roles = %s, %s", sx.Role, sy.Role)
	}
	for _, s := range []Status{StatusConnecting, StatusInRoom, StatusConnected} {
		if !x.sawStatus(s) {
			t.Errorf("x never reported %s", s)
		}
	}

	local, err := x.SendMessage(context.Background(), "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if local.Text != "hello" || local.Path != models.PathLocal {
		t.Errorf("unexpected local copy: %+v", local)
	}
	waitFor(t, "y receives", func() bool { return len(y.snapshot(&y.messages)) > 0 })
	waitFor(t, "mailbox copy consumed", func() bool { return h.mailboxSize(t, sx.RoomID) == 0 })

	got := y.snapshot(&y.messages)
	if len(got) != 1 || got[0].Text != "hello" || got[0].ID != local.ID {
		t.Fatalf("y received %+v, want one hello", got)
	}
	if n := len(x.snapshot(&x.messages)); n != 0 {
		t.Errorf("x received its own message %d times", n)
	}
}

func TestReconnectAfterPartition(t *testing.T) {
	h := newHarness()
	x := h.newPeer(t, "x")
	y := h.newPeer(t, "y")
	sx, _ := h.connectPair(t, x, y, "pw1")

	h.network.Disconnect("x", "y")
	waitFor(t, "x disconnected", x.hasStatus(StatusDisconnected))
	waitFor(t, "y disconnected", y.hasStatus(StatusDisconnected))

	h.clock.Advance(10 * time.Second)
	waitFor(t, "x reconnected", x.hasStatus(StatusConnected))
	waitFor(t, "y reconnected", y.hasStatus(StatusConnected))

	if again, ok := x.Session(); !ok || again.SessionID != sx.SessionID {
		t.Fatalf("session changed across reconnect: %+v", again)
	}
	if _, err := x.SendMessage(context.Background(), "still here"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "y receives", func() bool {
		got := y.snapshot(&y.messages)
		return len(got) == 1 && got[0].Text == "still here"
	})
}

func TestOfflineMessageDeliveredOnLaterJoin(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	x := h.newPeer(t, "x")
	sx, err := x.JoinRoom(ctx, "pw1", "xavier")
	if err != nil {
		t.Fatalf("x JoinRoom: %v", err)
	}
	sent, err := x.SendMessage(ctx, "offline-msg")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	snapshot, err := h.store.Read(ctx, store.MessagesPath(sx.RoomID))
	if err != nil || len(snapshot.Children) != 1 {
		t.Fatalf("mailbox read: %v, %d records", err, len(snapshot.Children))
	}
	var record models.StoredMessage
	if err := snapshot.Children[0].Decode(&record); err != nil {
		t.Fatalf("decoding record: %v", err)
	}
	if record.ID != sent.ID || record.TTL != models.Millis(epoch.Add(24*time.Hour)) {
		t.Errorf("record = %+v, want id %s ttl now+24h", record, sent.ID)
	}
	x.Unload()

	h.clock.Advance(time.Hour)
	y := h.newPeer(t, "y")
	if _, err := y.JoinRoom(ctx, "pw1", "yara"); err != nil {
		t.Fatalf("y JoinRoom: %v", err)
	}
	got := y.snapshot(&y.messages)
	if len(got) != 1 || got[0].Text != "offline-msg" || got[0].Path != models.PathStore {
		t.Fatalf("y loaded %+v, want offline-msg once", got)
	}
	if n := h.mailboxSize(t, sx.RoomID); n != 0 {
		t.Errorf("mailbox still holds %d records", n)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(y.snapshot(&y.messages)); n != 1 {
		t.Errorf("offline message surfaced %d times", n)
	}
}

func TestSecretMessageDisappears(t *testing.T) {
	h := newHarness()
	x := h.newPeer(t, "x")
	y := h.newPeer(t, "y")
	sx, _ := h.connectPair(t, x, y, "pw1")

	sent, err := x.SendSecretMessage(context.Background(), "burn after reading")
	if err != nil {
		t.Fatalf("SendSecretMessage: %v", err)
	}
	waitFor(t, "y receives secret", func() bool { return len(y.snapshot(&y.secrets)) == 1 })
	secret := y.snapshot(&y.secrets)[0]
	if secret.Text != "burn after reading" || secret.ID != sent.ID || !secret.Secret {
		t.Errorf("unexpected secret: %+v", secret)
	}

	h.clock.Advance(15 * time.Second)
	expired := y.snapshot(&y.expired)
	if len(expired) != 1 || expired[0].ID != sent.ID {
		t.Errorf("y expiry events = %+v", expired)
	}
	if n := len(y.snapshot(&y.messages)); n != 0 {
		t.Errorf("secret surfaced as %d chat messages", n)
	}
	if n := h.mailboxWrites(sx.RoomID); n != 0 {
		t.Errorf("mailbox saw %d writes", n)
	}
}

func TestSecretNeedsChannel(t *testing.T) {
	h := newHarness()
	x := h.newPeer(t, "x")
	sx, err := x.JoinRoom(context.Background(), "pw1", "xavier")
	if err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if _, err := x.SendSecretMessage(context.Background(), "nobody"); !errors.Is(err, delivery.ErrChannelNotOpen) {
		t.Fatalf("SendSecretMessage = %v, want ErrChannelNotOpen", err)
	}
	if n := h.mailboxWrites(sx.RoomID); n != 0 {
		t.Errorf("mailbox saw %d writes", n)
	}
}

func TestFullRoomShowsErrorThenReady(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	var roomID string
	for _, host := range []string{"a", "b", "c"} {
		s, err := h.newPeer(t, host).JoinRoom(ctx, "pw1", host)
		if err != nil {
			t.Fatalf("%s JoinRoom: %v", host, err)
		}
		roomID = s.RoomID
	}

	d := h.newPeer(t, "d")
	if _, err := d.JoinRoom(ctx, "pw1", "d"); !errors.Is(err, signaling.ErrRoomFull) {
		t.Fatalf("fourth JoinRoom = %v, want ErrRoomFull", err)
	}
	if d.Status() != StatusError {
		t.Errorf("status = %s, want error", d.Status())
	}
	snapshot, err := h.store.Read(ctx, store.ParticipantsPath(roomID))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n := len(snapshot.Children); n != 3 {
		t.Errorf("participants = %d, want 3", n)
	}

	h.clock.Advance(5 * time.Second)
	if d.Status() != StatusReady {
		t.Errorf("status after reset = %s, want ready", d.Status())
	}
}

func TestJoinValidatesInput(t *testing.T) {
	h := newHarness()
	x := h.newPeer(t, "x")
	ctx := context.Background()

	if _, err := x.JoinRoom(ctx, "pw1", "   "); !errors.Is(err, signaling.ErrInvalidAlias) {
		t.Errorf("blank alias = %v", err)
	}
	if x.Status() != StatusError {
		t.Errorf("status = %s, want error", x.Status())
	}
	if _, err := x.JoinRoom(ctx, "", "xavier"); !errors.Is(err, ErrEmptyPassphrase) {
		t.Errorf("empty passphrase = %v", err)
	}
	if n := len(h.store.Ops()); n != 0 {
		t.Errorf("invalid joins wrote %d records", n)
	}

	if _, err := x.JoinRoom(ctx, "pw1", "xavier"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if x.Status() != StatusInRoom {
		t.Errorf("status = %s, want in_room", x.Status())
	}
	if _, err := x.JoinRoom(ctx, "pw1", "xavier"); !errors.Is(err, ErrAlreadyInRoom) {
		t.Errorf("second JoinRoom = %v, want ErrAlreadyInRoom", err)
	}
	if _, err := x.SendMessage(ctx, "  "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("blank message = %v, want ErrEmptyMessage", err)
	}
}

func TestOperationsRequireRoom(t *testing.T) {
	h := newHarness()
	x := h.newPeer(t, "x")
	ctx := context.Background()

	if _, err := x.SendMessage(ctx, "hi"); !errors.Is(err, ErrNotInRoom) {
		t.Errorf("SendMessage = %v", err)
	}
	if _, err := x.SendSecretMessage(ctx, "hi"); !errors.Is(err, ErrNotInRoom) {
		t.Errorf("SendSecretMessage = %v", err)
	}
	if _, err := x.Participants(ctx); !errors.Is(err, ErrNotInRoom) {
		t.Errorf("Participants = %v", err)
	}
	if err := x.LeaveRoom(ctx); !errors.Is(err, ErrNotInRoom) {
		t.Errorf("LeaveRoom = %v", err)
	}
	if _, ok := x.Session(); ok {
		t.Error("Session reported a room")
	}
}

func TestLeaveAndRejoinBuildsFreshSession(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	x := h.newPeer(t, "x")
	y := h.newPeer(t, "y")
	sx, _ := h.connectPair(t, x, y, "pw1")

	participants, err := y.Participants(ctx)
	if err != nil {
		t.Fatalf("Participants: %v", err)
	}
	if len(participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(participants))
	}

	if err := x.LeaveRoom(ctx); err != nil {
		t.Fatalf("LeaveRoom: %v", err)
	}
	if x.Status() != StatusReady {
		t.Errorf("status after leave = %s", x.Status())
	}
	if err := y.LeaveRoom(ctx); err != nil {
		t.Fatalf("LeaveRoom: %v", err)
	}
	room, err := h.store.Read(ctx, store.RoomPath(sx.RoomID))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if room.Exists() {
		t.Error("room survived its last participant")
	}

	again, err := x.JoinRoom(ctx, "pw1", "xavier")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if again.SessionID == sx.SessionID {
		t.Error("rejoin reused the session id")
	}
	if again.Role != signaling.RoleInitiator {
		t.Errorf("rejoin role = %s, want initiator", again.Role)
	}
}
