// Package delivery sends chat messages over the direct channel and the
// room mailbox at once, and merges what arrives on both paths into one
// stream in which every message id appears at most once.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-chat/internal/clock"
	"github.com/mossy-p/webrtc-chat/internal/crypto"
	"github.com/mossy-p/webrtc-chat/internal/event"
	"github.com/mossy-p/webrtc-chat/internal/metrics"
	"github.com/mossy-p/webrtc-chat/internal/models"
	"github.com/mossy-p/webrtc-chat/internal/store"
	"github.com/mossy-p/webrtc-chat/internal/transport"
)

var (
	ErrChannelNotOpen = errors.New("direct channel is not open")
	ErrUndelivered    = errors.New("message could not be delivered on any path")
	ErrNotStarted     = errors.New("delivery is not running")
)

const (
	defaultSweepInterval   = 5 * time.Minute
	defaultSecretDisplay   = 15 * time.Second
	defaultSecretRetention = 60 * time.Second
)

// Config identifies the room session and tunes expiry.
type Config struct {
	RoomID    string
	SessionID string
	// MessageTTL is added to the send time to form a stored record's ttl.
	MessageTTL time.Duration
	// SweepInterval is how often the mailbox is scanned for expired
	// records.
	SweepInterval time.Duration
	// SecretDisplay is how long a secret message stays on screen.
	SecretDisplay time.Duration
	// SecretRetention is how long a secret message id stays in the
	// delivered set.
	SecretRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.MessageTTL <= 0 {
		c.MessageTTL = models.MessageTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.SecretDisplay <= 0 {
		c.SecretDisplay = defaultSecretDisplay
	}
	if c.SecretRetention <= 0 {
		c.SecretRetention = defaultSecretRetention
	}
	return c
}

// Transport is the part of transport.Manager used for direct delivery.
type Transport interface {
	Broadcast(data []byte) int
	HasOpenChannel() bool
	Subscribe(fn func(transport.Event)) (cancel func())
}

// Cipher seals and opens message bodies. *crypto.Key satisfies it.
type Cipher interface {
	Encrypt(plaintext string) (crypto.Sealed, error)
	Decrypt(sealed crypto.Sealed) (string, error)
}

// EventKind distinguishes coordinator events.
type EventKind int

const (
	// EventMessage carries an inbound chat message.
	EventMessage EventKind = iota
	// EventSecret carries an inbound secret message.
	EventSecret
	// EventSecretExpired reports that a secret message's display time is
	// over, for inbound and outbound secrets alike.
	EventSecretExpired
)

// Event is a coordinator notification.
type Event struct {
	Kind    EventKind
	Message models.Message
}

// Coordinator delivers the messages of one room session. Create a new one
// per join.
type Coordinator struct {
	store     store.Store
	transport Transport
	cipher    Cipher
	clock     clock.Clock
	logger    zerolog.Logger
	cfg       Config

	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
	running       bool
	closed        bool
	delivered     map[string]struct{}
	handledKeys   map[string]struct{}
	timers        map[*clock.Timer]struct{}
	sub           store.Subscription
	stopTransport func()
	sweeper       *clock.Ticker
	wg            sync.WaitGroup

	events event.Feed[Event]
}

// New returns a coordinator for the session described by cfg.
func New(st store.Store, tr Transport, cipher Cipher, clk clock.Clock, cfg Config, logger zerolog.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		store:       st,
		transport:   tr,
		cipher:      cipher,
		clock:       clk,
		logger:      logger.With().Str("room", cfg.RoomID).Str("session", cfg.SessionID).Logger(),
		cfg:         cfg,
		delivered:   make(map[string]struct{}),
		handledKeys: make(map[string]struct{}),
		timers:      make(map[*clock.Timer]struct{}),
	}
}

// Subscribe registers fn for coordinator events.
func (c *Coordinator) Subscribe(fn func(Event)) (cancel func()) {
	return c.events.Subscribe(fn)
}

// Start loads the mailbox, then listens on both paths and begins the
// periodic expiry sweep. Mailbox messages are surfaced before Start
// returns, oldest first.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotStarted
	}
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.running = true
	c.stopTransport = c.transport.Subscribe(c.onTransportEvent)
	c.mu.Unlock()

	if _, err := c.LoadOffline(ctx); err != nil {
		c.Close()
		return err
	}

	sub, err := c.store.Subscribe(c.ctx, store.MessagesPath(c.cfg.RoomID), store.Handler{
		Added:   c.onStored,
		Changed: c.onStored,
	})
	if err != nil {
		c.Close()
		return fmt.Errorf("subscribing to mailbox: %w", err)
	}

	c.mu.Lock()
	c.sub = sub
	c.sweeper = c.clock.NewTicker(c.cfg.SweepInterval)
	ticks := c.sweeper.C
	lifetime := c.ctx
	c.wg.Add(1)
	c.mu.Unlock()

	go c.sweepLoop(lifetime, ticks)
	return nil
}

// Close stops both paths, the sweep and every pending secret timer, and
// clears the delivered set. It is idempotent.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.running = false
	if c.cancel != nil {
		c.cancel()
	}
	sub, stopTransport, sweeper := c.sub, c.stopTransport, c.sweeper
	for timer := range c.timers {
		timer.Stop()
	}
	c.timers = make(map[*clock.Timer]struct{})
	c.delivered = make(map[string]struct{})
	c.handledKeys = make(map[string]struct{})
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if stopTransport != nil {
		stopTransport()
	}
	if sweeper != nil {
		sweeper.Stop()
	}
	c.wg.Wait()
	return nil
}

// Send encrypts text and hands it to every open direct channel and,
// unconditionally, to the room mailbox. It fails only when neither path
// accepted the message. The returned message is the sender's local copy.
func (c *Coordinator) Send(ctx context.Context, text string) (models.Message, error) {
	if !c.isRunning() {
		return models.Message{}, ErrNotStarted
	}
	now := c.clock.Now()
	id := models.NewMessageID(now)
	sealed, err := c.cipher.Encrypt(text)
	if err != nil {
		return models.Message{}, fmt.Errorf("encrypting message: %w", err)
	}

	direct := 0
	if c.transport.HasOpenChannel() {
		direct = c.sendFrame(Frame{
			Kind:      FrameChat,
			ID:        id,
			Sender:    c.cfg.SessionID,
			Timestamp: models.Millis(now),
			Data:      sealed.Data,
			IV:        sealed.IV,
		})
	}

	record := models.StoredMessage{
		ID:        id,
		Data:      sealed.Data,
		IV:        sealed.IV,
		Timestamp: models.Millis(now),
		Sender:    c.cfg.SessionID,
		TTL:       models.Millis(now.Add(c.cfg.MessageTTL)),
	}
	_, storeErr := c.store.Append(ctx, store.MessagesPath(c.cfg.RoomID), record)
	if storeErr != nil {
		if direct == 0 {
			return models.Message{}, fmt.Errorf("%w: %v", ErrUndelivered, storeErr)
		}
		c.logger.Warn().Err(storeErr).Str("id", id).Msg("mailbox write failed, delivered directly")
	} else {
		metrics.MessagesSent.WithLabelValues(string(models.PathStore)).Inc()
	}
	if direct > 0 {
		metrics.MessagesSent.WithLabelValues(string(models.PathDirect)).Inc()
	}

	c.claim(id)
	return models.Message{
		ID:        id,
		Sender:    c.cfg.SessionID,
		Text:      text,
		Timestamp: now,
		Path:      models.PathLocal,
	}, nil
}

// SendSecret sends text over the direct channels only. Without an open
// channel it fails with ErrChannelNotOpen and nothing is written anywhere.
func (c *Coordinator) SendSecret(ctx context.Context, text string) (models.Message, error) {
	if !c.isRunning() {
		return models.Message{}, ErrNotStarted
	}
	if !c.transport.HasOpenChannel() {
		return models.Message{}, ErrChannelNotOpen
	}
	now := c.clock.Now()
	id := models.NewMessageID(now)
	sealed, err := c.cipher.Encrypt(text)
	if err != nil {
		return models.Message{}, fmt.Errorf("encrypting secret: %w", err)
	}
	sent := c.sendFrame(Frame{
		Kind:      FrameSecret,
		ID:        id,
		Sender:    c.cfg.SessionID,
		Timestamp: models.Millis(now),
		Data:      sealed.Data,
		IV:        sealed.IV,
	})
	if sent == 0 {
		return models.Message{}, ErrChannelNotOpen
	}
	metrics.MessagesSent.WithLabelValues(string(models.PathDirect)).Inc()

	msg := models.Message{
		ID:        id,
		Sender:    c.cfg.SessionID,
		Text:      text,
		Timestamp: now,
		Path:      models.PathLocal,
		Secret:    true,
		ExpiresAt: now.Add(c.cfg.SecretDisplay),
	}
	c.claim(id)
	c.scheduleSecret(msg)
	return msg, nil
}

// LoadOffline reads the whole mailbox, deletes expired records and
// surfaces the rest that were written by others, ordered by timestamp.
// It returns how many messages were surfaced.
func (c *Coordinator) LoadOffline(ctx context.Context) (int, error) {
	snapshot, err := c.store.Read(ctx, store.MessagesPath(c.cfg.RoomID))
	if err != nil {
		return 0, fmt.Errorf("loading mailbox: %w", err)
	}
	if !snapshot.Exists() {
		return 0, nil
	}

	type stored struct {
		key    string
		record models.StoredMessage
	}
	var records []stored
	for _, child := range snapshot.Children {
		var record models.StoredMessage
		if err := child.Decode(&record); err != nil || record.ID == "" {
			c.logger.Debug().Str("key", child.Key).Msg("skipping unreadable mailbox record")
			continue
		}
		if !c.markHandled(child.Key) {
			continue
		}
		records = append(records, stored{key: child.Key, record: record})
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].record.Timestamp < records[j].record.Timestamp
	})

	surfaced := 0
	for _, r := range records {
		if c.receiveStored(ctx, r.key, r.record) {
			surfaced++
		}
	}
	return surfaced, nil
}

// Sweep deletes every mailbox record whose ttl has passed, delivered or
// not, and returns how many it removed.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	snapshot, err := c.store.Read(ctx, store.MessagesPath(c.cfg.RoomID))
	if err != nil {
		return 0, fmt.Errorf("reading mailbox: %w", err)
	}
	now := c.clock.Now()
	removed := 0
	for _, child := range snapshot.Children {
		var record models.StoredMessage
		if err := child.Decode(&record); err != nil {
			continue
		}
		if !record.Expired(now) {
			continue
		}
		if err := c.deleteRecord(ctx, child.Key); err != nil {
			return removed, err
		}
		metrics.ExpiredSwept.Inc()
		removed++
	}
	if removed > 0 {
		c.logger.Info().Int("removed", removed).Msg("expired mailbox records deleted")
	}
	return removed, nil
}

func (c *Coordinator) sweepLoop(ctx context.Context, ticks <-chan time.Time) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("mailbox sweep failed")
			}
		}
	}
}

func (c *Coordinator) sendFrame(frame Frame) int {
	data, err := encodeFrame(frame)
	if err != nil {
		c.logger.Error().Err(err).Str("id", frame.ID).Msg("encoding frame failed")
		return 0
	}
	return c.transport.Broadcast(data)
}

func (c *Coordinator) onTransportEvent(ev transport.Event) {
	if ev.Kind != transport.EventMessage {
		return
	}
	frame, err := decodeFrame(ev.Data)
	if err != nil {
		c.logger.Debug().Err(err).Str("peer", ev.Peer).Msg("dropping direct payload")
		return
	}
	if frame.Sender == c.cfg.SessionID {
		return
	}
	if !c.claim(frame.ID) {
		metrics.DuplicatesDropped.Inc()
		return
	}

	msg := c.open(frame.ID, frame.Sender, frame.Timestamp, crypto.Sealed{Data: frame.Data, IV: frame.IV})
	msg.Path = models.PathDirect
	metrics.MessagesReceived.WithLabelValues(string(models.PathDirect)).Inc()

	if frame.Kind == FrameSecret {
		msg.Secret = true
		msg.ExpiresAt = c.clock.Now().Add(c.cfg.SecretDisplay)
		c.scheduleSecret(msg)
		c.events.Emit(Event{Kind: EventSecret, Message: msg})
		return
	}
	c.events.Emit(Event{Kind: EventMessage, Message: msg})
}

func (c *Coordinator) onStored(child store.Child) {
	ctx, ok := c.lifetime()
	if !ok {
		return
	}
	var record models.StoredMessage
	if err := child.Decode(&record); err != nil || record.ID == "" {
		c.logger.Debug().Str("key", child.Key).Msg("skipping unreadable mailbox record")
		return
	}
	if !c.markHandled(child.Key) {
		return
	}
	c.receiveStored(ctx, child.Key, record)
}

// receiveStored surfaces one mailbox record and removes it from the
// mailbox. It reports whether a message was surfaced.
func (c *Coordinator) receiveStored(ctx context.Context, key string, record models.StoredMessage) bool {
	if record.Expired(c.clock.Now()) {
		if err := c.deleteRecord(ctx, key); err == nil {
			metrics.ExpiredSwept.Inc()
		}
		return false
	}
	if record.Sender == c.cfg.SessionID {
		return false
	}
	if !c.claim(record.ID) {
		metrics.DuplicatesDropped.Inc()
		if err := c.deleteRecord(ctx, key); err != nil {
			c.logger.Debug().Err(err).Str("id", record.ID).Msg("deleting duplicate record failed")
		}
		return false
	}

	msg := c.open(record.ID, record.Sender, record.Timestamp, crypto.Sealed{Data: record.Data, IV: record.IV})
	msg.Path = models.PathStore
	metrics.MessagesReceived.WithLabelValues(string(models.PathStore)).Inc()
	c.events.Emit(Event{Kind: EventMessage, Message: msg})

	if err := c.deleteRecord(ctx, key); err != nil {
		c.logger.Warn().Err(err).Str("id", record.ID).Msg("deleting delivered record failed")
	}
	return true
}

// open decrypts a payload. A payload that does not open still yields a
// message, with a placeholder body.
func (c *Coordinator) open(id, sender string, timestamp int64, sealed crypto.Sealed) models.Message {
	msg := models.Message{
		ID:        id,
		Sender:    sender,
		Timestamp: models.FromMillis(timestamp),
	}
	text, err := c.cipher.Decrypt(sealed)
	if err != nil {
		metrics.DecryptFailures.Inc()
		c.logger.Warn().Err(err).Str("id", id).Str("sender", sender).Msg("message did not decrypt")
		msg.Text = models.DecryptFailedText
		msg.DecryptFailed = true
		return msg
	}
	msg.Text = text
	return msg
}

// claim adds id to the delivered set. It reports false when id was
// already there.
func (c *Coordinator) claim(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if _, dup := c.delivered[id]; dup {
		return false
	}
	c.delivered[id] = struct{}{}
	return true
}

// markHandled records a mailbox push key. It reports false for keys seen
// before, such as subscription replays of records LoadOffline handled.
func (c *Coordinator) markHandled(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if _, dup := c.handledKeys[key]; dup {
		return false
	}
	c.handledKeys[key] = struct{}{}
	return true
}

// scheduleSecret expires msg after the display interval and forgets its
// id after the retention interval.
func (c *Coordinator) scheduleSecret(msg models.Message) {
	c.after(c.cfg.SecretDisplay, func() {
		c.events.Emit(Event{Kind: EventSecretExpired, Message: msg})
	})
	c.after(c.cfg.SecretRetention, func() {
		c.mu.Lock()
		delete(c.delivered, msg.ID)
		c.mu.Unlock()
	})
}

func (c *Coordinator) after(d time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	var timer *clock.Timer
	timer = c.clock.AfterFunc(d, func() {
		c.mu.Lock()
		_, live := c.timers[timer]
		delete(c.timers, timer)
		c.mu.Unlock()
		if live {
			fn()
		}
	})
	c.timers[timer] = struct{}{}
}

func (c *Coordinator) deleteRecord(ctx context.Context, key string) error {
	if err := c.store.Delete(ctx, store.MessagesPath(c.cfg.RoomID)+"/"+key); err != nil {
		return fmt.Errorf("deleting mailbox record %s: %w", key, err)
	}
	return nil
}

func (c *Coordinator) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Coordinator) lifetime() (context.Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil, false
	}
	return c.ctx, true
}
