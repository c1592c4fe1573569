package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Compile-time interface check.
var _ Store = (*RedisStore)(nil)

// Key layout:
//
//	rdv:n:<path>  hash of the node's JSON-encoded fields
//	rdv:c:<path>  sorted set of child names (score 0, so lexical order)
//	rdv:e:<path>  pub/sub channel carrying child notifications
const (
	nodePrefix     = "rdv:n:"
	childrenPrefix = "rdv:c:"
	eventsPrefix   = "rdv:e:"
)

// DefaultRetention is how long an untouched room or signaling key lives.
// Mailbox records expire at their own ttl instead.
const DefaultRetention = 24 * time.Hour

// RedisStore implements Store on Redis hashes, sorted sets and pub/sub.
type RedisStore struct {
	client    *redis.Client
	logger    zerolog.Logger
	now       func() time.Time
	retention time.Duration
}

type redisEvent struct {
	Kind  string          `json:"kind"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type redisSubscription struct {
	pubsub     *redis.PubSub
	dispatcher *dispatcher
	once       sync.Once
}

// NewRedisStore wraps an already connected client.
func NewRedisStore(client *redis.Client, logger zerolog.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger, now: time.Now, retention: DefaultRetention}
}

func (s *RedisStore) Write(ctx context.Context, path string, value any) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}
	fields, err := encodeFields(value)
	if err != nil {
		return err
	}
	return s.store(ctx, segments, fields, true)
}

func (s *RedisStore) Update(ctx context.Context, path string, fields map[string]any) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}
	encoded, err := encodeFields(fields)
	if err != nil {
		return err
	}
	return s.store(ctx, segments, encoded, false)
}

// store writes fields to the node and indexes every ancestor. replace
// drops the existing fields first.
func (s *RedisStore) store(ctx context.Context, segments []string, fields map[string]json.RawMessage, replace bool) error {
	path := joinSegments(segments)
	var indexed []*redis.IntCmd

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if replace {
			pipe.Del(ctx, nodePrefix+path)
		}
		if len(fields) > 0 {
			values := make(map[string]any, len(fields))
			for key, value := range fields {
				values[key] = string(value)
			}
			pipe.HSet(ctx, nodePrefix+path, values)
		}
		for i := range segments {
			parent := joinSegments(segments[:i])
			indexed = append(indexed, pipe.ZAddNX(ctx, childrenPrefix+parent, redis.Z{Member: segments[i]}))
			pipe.Expire(ctx, childrenPrefix+parent, s.retention)
			if i > 0 {
				pipe.Expire(ctx, nodePrefix+parent, s.retention)
			}
		}
		if expiry, ok := recordExpiry(segments, fields); ok {
			pipe.PExpireAt(ctx, nodePrefix+path, expiry)
		} else if replace || !isRecord(segments) {
			pipe.Expire(ctx, nodePrefix+path, s.retention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	// Intermediate nodes that came into existence are announced as empty
	// children of their parent.
	for i := 0; i < len(segments)-1; i++ {
		if indexed[i].Val() == 1 {
			s.publish(ctx, joinSegments(segments[:i]), redisEvent{Kind: "added", Key: segments[i], Value: encodeObject(nil)})
		}
	}

	current, err := s.readFields(ctx, path)
	if err != nil {
		return err
	}
	kind := "changed"
	if indexed[len(segments)-1].Val() == 1 {
		kind = "added"
	}
	s.publish(ctx, joinSegments(segments[:len(segments)-1]), redisEvent{
		Kind:  kind,
		Key:   segments[len(segments)-1],
		Value: encodeObject(current),
	})
	return nil
}

// isRecord reports whether segments name a mailbox record.
func isRecord(segments []string) bool {
	return len(segments) == 3 && segments[0] == messagesRoot
}

// recordExpiry returns the expiry carried in a mailbox record's ttl field.
// An update that leaves ttl alone keeps the record's current expiry.
func recordExpiry(segments []string, fields map[string]json.RawMessage) (time.Time, bool) {
	if !isRecord(segments) {
		return time.Time{}, false
	}
	raw, ok := fields["ttl"]
	if !ok {
		return time.Time{}, false
	}
	var ttl int64
	if err := json.Unmarshal(raw, &ttl); err != nil || ttl <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ttl), true
}

func (s *RedisStore) Delete(ctx context.Context, path string) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}
	normalized := joinSegments(segments)

	var keys []string
	if err := s.collect(ctx, normalized, &keys); err != nil {
		return err
	}
	fields, err := s.readFields(ctx, normalized)
	if err != nil {
		return err
	}

	parent := joinSegments(segments[:len(segments)-1])
	leaf := segments[len(segments)-1]
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(keys) > 0 {
			pipe.Del(ctx, keys...)
		}
		pipe.ZRem(ctx, childrenPrefix+parent, leaf)
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", normalized, err)
	}
	s.publish(ctx, parent, redisEvent{Kind: "removed", Key: leaf, Value: encodeObject(fields)})
	return nil
}

// collect appends the node and children keys of path's whole subtree.
func (s *RedisStore) collect(ctx context.Context, path string, keys *[]string) error {
	*keys = append(*keys, nodePrefix+path, childrenPrefix+path)
	children, err := s.client.ZRange(ctx, childrenPrefix+path, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("listing children of %s: %w", path, err)
	}
	for _, child := range children {
		if err := s.collect(ctx, path+"/"+child, keys); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) Read(ctx context.Context, path string) (*Snapshot, error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	return s.read(ctx, joinSegments(segments), segments[len(segments)-1])
}

func (s *RedisStore) read(ctx context.Context, path, key string) (*Snapshot, error) {
	fields, err := s.readFields(ctx, path)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Key: key, Fields: fields}

	children, err := s.client.ZRange(ctx, childrenPrefix+path, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", path, err)
	}
	for _, child := range children {
		childSnap, err := s.read(ctx, path+"/"+child, child)
		if err != nil {
			return nil, err
		}
		snap.Children = append(snap.Children, childSnap)
	}
	sortChildren(snap.Children)
	return snap, nil
}

func (s *RedisStore) readFields(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	values, err := s.client.HGetAll(ctx, nodePrefix+path).Result()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	fields := make(map[string]json.RawMessage, len(values))
	for key, value := range values {
		fields[key] = json.RawMessage(value)
	}
	return fields, nil
}

func (s *RedisStore) Append(ctx context.Context, path string, value any) (string, error) {
	key := NewPushKey(s.now())
	if err := s.Write(ctx, path+"/"+key, value); err != nil {
		return "", err
	}
	return key, nil
}

func (s *RedisStore) Subscribe(ctx context.Context, path string, handler Handler) (Subscription, error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	normalized := joinSegments(segments)

	// Subscribe before listing so no write falls between the two; a child
	// written in that window may be reported twice.
	pubsub := s.client.Subscribe(ctx, eventsPrefix+normalized)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", normalized, err)
	}

	sub := &redisSubscription{pubsub: pubsub, dispatcher: newDispatcher(handler)}

	existing, err := s.read(ctx, normalized, segments[len(segments)-1])
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	for _, child := range existing.Children {
		sub.dispatcher.push(notification{
			kind:  notifyAdded,
			child: Child{Key: child.Key, Value: encodeObject(child.Fields)},
		})
	}

	go func() {
		for message := range pubsub.Channel() {
			var event redisEvent
			if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
				s.logger.Warn().Err(err).Str("channel", message.Channel).Msg("dropping malformed store event")
				continue
			}
			n := notification{child: Child{Key: event.Key, Value: event.Value}}
			switch event.Kind {
			case "added":
				n.kind = notifyAdded
			case "changed":
				n.kind = notifyChanged
			case "removed":
				n.kind = notifyRemoved
			default:
				continue
			}
			sub.dispatcher.push(n)
		}
	}()
	return sub, nil
}

func (s *RedisStore) publish(ctx context.Context, parent string, event redisEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, eventsPrefix+parent, payload).Err(); err != nil {
		s.logger.Warn().Err(err).Str("path", parent).Msg("publishing store event failed")
	}
}

func (sub *redisSubscription) Unsubscribe() {
	sub.once.Do(func() {
		sub.pubsub.Close()
		sub.dispatcher.stop()
	})
}
