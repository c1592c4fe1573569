package signaling

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mossy-p/webrtc-chat/internal/models"
	"github.com/mossy-p/webrtc-chat/internal/store"
)

const unloadTimeout = 2 * time.Second

// NormalizeAlias trims alias and checks its length.
func NormalizeAlias(alias string) (string, error) {
	alias = strings.TrimSpace(alias)
	if n := utf8.RuneCountInString(alias); n == 0 || n > maxAliasLength {
		return "", ErrInvalidAlias
	}
	return alias, nil
}

// Join enters the room. It refuses a room that already holds the maximum
// number of active participants without writing anything. A missing room,
// or one nobody is active in, makes this session the initiator; the
// caller then publishes the first offer with Offer(ctx, "").
func (c *Coordinator) Join(ctx context.Context) (Role, error) {
	alias, err := NormalizeAlias(c.cfg.Alias)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		return "", ErrJoined
	}
	c.mu.Unlock()

	room, err := c.store.Read(ctx, store.RoomPath(c.cfg.RoomID))
	if err != nil {
		return "", fmt.Errorf("reading room: %w", err)
	}
	now := c.clock.Now()
	participants := c.decodeParticipants(room.Child("participants"))
	active := models.CountActive(participants, now, c.cfg.LivenessWindow)
	if active >= c.cfg.MaxParticipants {
		c.logger.Info().Int("active", active).Msg("room is full")
		return "", ErrRoomFull
	}

	ms := models.Millis(now)
	role := RoleResponder
	switch {
	case !room.Exists():
		role = RoleInitiator
	case active == 0:
		role = RoleInitiator
		c.logger.Info().Int("participants", len(participants)).Msg("taking over abandoned room")
		if err := c.store.Delete(ctx, store.SignalingPath(c.cfg.RoomID)); err != nil {
			return "", fmt.Errorf("clearing stale signaling: %w", err)
		}
	}

	if role == RoleInitiator {
		metadata := models.RoomMetadata{CreatedAt: ms, LastActivity: ms, MaxParticipants: c.cfg.MaxParticipants}
		if err := c.store.Write(ctx, store.RoomPath(c.cfg.RoomID), metadata); err != nil {
			return "", fmt.Errorf("writing room metadata: %w", err)
		}
	} else if err := c.store.Update(ctx, store.RoomPath(c.cfg.RoomID), map[string]any{"lastActivity": ms}); err != nil {
		return "", fmt.Errorf("touching room: %w", err)
	}

	self := models.Participant{
		SessionID: c.cfg.SessionID,
		Alias:     alias,
		JoinedAt:  ms,
		LastSeen:  ms,
		Active:    true,
	}
	if err := c.store.Write(ctx, store.ParticipantPath(c.cfg.RoomID, c.cfg.SessionID), self); err != nil {
		return "", fmt.Errorf("writing participant: %w", err)
	}

	background, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.ctx, c.cancel = background, cancel
	c.joined = true
	c.self = self
	c.role = role
	c.seen = make(map[string]struct{})
	c.participants = make(map[string]models.Participant)
	c.beats = 0
	c.initialOffered = false
	c.mu.Unlock()

	if err := c.listen(background); err != nil {
		c.Close()
		return "", err
	}
	c.startHeartbeat()
	c.logger.Info().Str("role", string(role)).Int("active", active).Msg("joined room")
	return role, nil
}

// Leave marks this session inactive. The last active participant to leave
// deletes every record of the room.
func (c *Coordinator) Leave(ctx context.Context) error {
	if _, ok := c.background(); !ok {
		return ErrNotJoined
	}
	c.Close()

	ms := models.Millis(c.clock.Now())
	err := c.store.Update(ctx, store.ParticipantPath(c.cfg.RoomID, c.cfg.SessionID), map[string]any{
		"active":   false,
		"left":     ms,
		"lastSeen": ms,
	})
	if err != nil {
		return fmt.Errorf("marking participant inactive: %w", err)
	}

	participants, err := c.readParticipants(ctx)
	if err != nil {
		return err
	}
	if models.CountActive(participants, c.clock.Now(), c.cfg.LivenessWindow) == 0 {
		c.logger.Info().Msg("last participant left, removing room")
		return c.deleteRoom(ctx)
	}
	c.logger.Info().Msg("left room")
	return nil
}

// LeaveOnUnload is the best-effort exit for a process that is going away:
// it only marks this session inactive, within a short deadline.
func (c *Coordinator) LeaveOnUnload() {
	if _, ok := c.background(); !ok {
		return
	}
	c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), unloadTimeout)
	defer cancel()
	ms := models.Millis(c.clock.Now())
	err := c.store.Update(ctx, store.ParticipantPath(c.cfg.RoomID, c.cfg.SessionID), map[string]any{
		"active": false,
		"left":   ms,
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("marking participant inactive on unload failed")
	}
}

// Close stops listening and heartbeating without touching the store. It is
// idempotent and clears the processed-record set.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	c.joined = false
	subs := c.subs
	stopTransport := c.stopTransport
	heartbeat := c.heartbeat
	cancel := c.cancel
	c.subs, c.stopTransport, c.heartbeat = nil, nil, nil
	c.seen = nil
	c.participants = nil
	c.pendingOffer = ""
	c.mu.Unlock()

	cancel()
	heartbeat.Stop()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if stopTransport != nil {
		stopTransport()
	}
	c.wg.Wait()
}

// Participants lists the room's membership records, oldest first.
func (c *Coordinator) Participants(ctx context.Context) ([]models.Participant, error) {
	if _, ok := c.background(); !ok {
		return nil, ErrNotJoined
	}
	return c.readParticipants(ctx)
}

func (c *Coordinator) readParticipants(ctx context.Context) ([]models.Participant, error) {
	snapshot, err := c.store.Read(ctx, store.ParticipantsPath(c.cfg.RoomID))
	if err != nil {
		return nil, fmt.Errorf("reading participants: %w", err)
	}
	return c.decodeParticipants(snapshot), nil
}

func (c *Coordinator) decodeParticipants(snapshot *store.Snapshot) []models.Participant {
	if snapshot == nil {
		return nil
	}
	participants := make([]models.Participant, 0, len(snapshot.Children))
	for _, child := range snapshot.Children {
		var p models.Participant
		if err := child.Decode(&p); err != nil {
			c.logger.Debug().Err(err).Str("key", child.Key).Msg("skipping unreadable participant")
			continue
		}
		if p.SessionID == "" {
			p.SessionID = child.Key
		}
		participants = append(participants, p)
	}
	sort.SliceStable(participants, func(i, j int) bool { return participants[i].JoinedAt < participants[j].JoinedAt })
	return participants
}

func (c *Coordinator) deleteRoom(ctx context.Context) error {
	for _, path := range []string{
		store.RoomPath(c.cfg.RoomID),
		store.SignalingPath(c.cfg.RoomID),
		store.MessagesPath(c.cfg.RoomID),
	} {
		if err := c.store.Delete(ctx, path); err != nil {
			return fmt.Errorf("deleting %s: %w", path, err)
		}
	}
	return nil
}

func (c *Coordinator) startHeartbeat() {
	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	c.mu.Lock()
	c.heartbeat = ticker
	ctx := c.ctx
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.beat(ctx)
			}
		}
	}()
}

func (c *Coordinator) beat(ctx context.Context) {
	now := c.clock.Now()
	ms := models.Millis(now)
	participant := store.ParticipantPath(c.cfg.RoomID, c.cfg.SessionID)
	if err := c.store.Update(ctx, participant, map[string]any{"lastSeen": ms, "active": true}); err != nil {
		c.logger.Warn().Err(err).Msg("heartbeat failed")
	} else if err := c.store.Update(ctx, store.RoomPath(c.cfg.RoomID), map[string]any{"lastActivity": ms}); err != nil {
		c.logger.Warn().Err(err).Msg("touching room failed")
	}
	c.expireParticipants(now)

	c.mu.Lock()
	c.beats++
	check := c.beats%c.cfg.CleanupEvery == 0
	c.mu.Unlock()
	if check {
		c.checkAbandoned(ctx)
	}
}

// expireParticipants drops sessions with participants whose heartbeat
// went stale without an inactive record being written.
func (c *Coordinator) expireParticipants(now time.Time) {
	c.mu.Lock()
	var stale []string
	for id, p := range c.participants {
		if !p.IsActive(now, c.cfg.LivenessWindow) {
			stale = append(stale, id)
		}
	}
	c.mu.Unlock()
	for _, id := range stale {
		c.dropParticipant(id)
	}
}

// checkAbandoned schedules teardown of a room nobody is active in. The
// room is read again when the grace period ends, so a participant that
// reconnected in between keeps it.
func (c *Coordinator) checkAbandoned(ctx context.Context) {
	participants, err := c.readParticipants(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("abandoned room check failed")
		return
	}
	if models.CountActive(participants, c.clock.Now(), c.cfg.LivenessWindow) > 0 {
		return
	}
	c.logger.Info().Dur("grace", c.cfg.CleanupGrace).Msg("room looks abandoned, scheduling cleanup")
	c.clock.AfterFunc(c.cfg.CleanupGrace, func() {
		ctx, ok := c.background()
		if !ok {
			return
		}
		participants, err := c.readParticipants(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("abandoned room re-check failed")
			return
		}
		if models.CountActive(participants, c.clock.Now(), c.cfg.LivenessWindow) > 0 {
			c.logger.Info().Msg("room active again, cleanup cancelled")
			return
		}
		if err := c.deleteRoom(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("abandoned room cleanup failed")
			return
		}
		c.logger.Info().Msg("abandoned room removed")
	})
}

func (c *Coordinator) onParticipant(child store.Child) {
	var p models.Participant
	if err := child.Decode(&p); err != nil {
		c.logger.Debug().Err(err).Str("key", child.Key).Msg("skipping unreadable participant")
		return
	}
	if p.SessionID == "" {
		p.SessionID = child.Key
	}
	if p.SessionID == c.cfg.SessionID {
		return
	}
	ctx, ok := c.background()
	if !ok {
		return
	}
	if !p.IsActive(c.clock.Now(), c.cfg.LivenessWindow) {
		c.dropParticipant(p.SessionID)
		return
	}

	c.mu.Lock()
	if c.participants == nil {
		c.mu.Unlock()
		return
	}
	c.participants[p.SessionID] = p
	c.mu.Unlock()
	c.maybeOfferTo(ctx, p)
}

func (c *Coordinator) onParticipantRemoved(child store.Child) {
	if child.Key != c.cfg.SessionID {
		c.dropParticipant(child.Key)
	}
}

func (c *Coordinator) dropParticipant(id string) {
	c.mu.Lock()
	_, known := c.participants[id]
	delete(c.participants, id)
	c.mu.Unlock()

	if c.transport.HasPeer(id) {
		c.transport.RemovePeer(id)
	}
	if known {
		c.logger.Info().Str("peer", id).Msg("participant left")
		c.events.Emit(Event{Kind: EventParticipantLeft, Peer: id})
	}
}

// offerNewcomers offers to every known active participant that joined
// after this session and has no session with it yet.
func (c *Coordinator) offerNewcomers(ctx context.Context) {
	c.mu.Lock()
	candidates := make([]models.Participant, 0, len(c.participants))
	for _, p := range c.participants {
		candidates = append(candidates, p)
	}
	c.mu.Unlock()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].JoinedAt < candidates[j].JoinedAt })

	for _, p := range candidates {
		c.maybeOfferTo(ctx, p)
	}
}

// maybeOfferTo sends p a targeted offer. The older participant of a pair
// always offers; nothing is sent while the initiator's first offer is
// still unanswered, since newcomers answer that one.
func (c *Coordinator) maybeOfferTo(ctx context.Context, p models.Participant) {
	c.offerMu.Lock()
	defer c.offerMu.Unlock()

	c.mu.Lock()
	self := c.self
	ready := c.joined && (c.role == RoleResponder || c.initialOffered)
	c.mu.Unlock()
	if !ready || !joinedAfter(p, self) {
		return
	}
	if c.transport.HasPeer(p.SessionID) || c.transport.HasPendingOffer() {
		return
	}
	if err := c.offerLocked(ctx, p.SessionID); err != nil {
		c.logger.Warn().Err(err).Str("peer", p.SessionID).Msg("offering to newcomer failed")
		c.events.Emit(Event{Kind: EventNegotiationFailed, Peer: p.SessionID, Err: err})
	}
}

func joinedAfter(p, self models.Participant) bool {
	if p.JoinedAt != self.JoinedAt {
		return p.JoinedAt > self.JoinedAt
	}
	return p.SessionID > self.SessionID
}
