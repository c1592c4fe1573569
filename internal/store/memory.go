package store

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// OpKind names a mutation recorded by MemoryStore.
type OpKind string

const (
	OpWrite  OpKind = "write"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Op is one recorded mutation.
type Op struct {
	Kind  OpKind
	Path  string
	Value json.RawMessage
}

// MemoryStore is an in-process Store. Several clients sharing one
// MemoryStore see each other's writes exactly as they would through a
// shared remote store. Every mutation is recorded and available from Ops.
type MemoryStore struct {
	now func() time.Time

	mu   sync.Mutex
	root *memoryNode
	subs map[string]map[*memorySubscription]struct{}
	ops  []Op
}

type memoryNode struct {
	fields   map[string]json.RawMessage
	children map[string]*memoryNode
}

type memorySubscription struct {
	store      *MemoryStore
	path       string
	dispatcher *dispatcher
	once       sync.Once
}

// NewMemoryStore returns an empty store. now supplies push-key timestamps;
// nil means time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:  now,
		root: newMemoryNode(),
		subs: make(map[string]map[*memorySubscription]struct{}),
	}
}

func newMemoryNode() *memoryNode {
	return &memoryNode{children: make(map[string]*memoryNode)}
}

func (s *MemoryStore) Write(_ context.Context, path string, value any) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}
	fields, err := encodeFields(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	node, created := s.ensureLocked(segments)
	node.fields = fields
	s.ops = append(s.ops, Op{Kind: OpWrite, Path: joinSegments(segments), Value: encodeObject(fields)})
	s.notifyLocked(segments, node, created)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, path string, fields map[string]any) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}
	encoded, err := encodeFields(fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	node, created := s.ensureLocked(segments)
	if node.fields == nil {
		node.fields = make(map[string]json.RawMessage, len(encoded))
	}
	for key, value := range encoded {
		node.fields[key] = value
	}
	s.ops = append(s.ops, Op{Kind: OpUpdate, Path: joinSegments(segments), Value: encodeObject(encoded)})
	s.notifyLocked(segments, node, created)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, path string) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	parent := s.lookupLocked(segments[:len(segments)-1])
	s.ops = append(s.ops, Op{Kind: OpDelete, Path: joinSegments(segments)})
	if parent == nil {
		return nil
	}
	leaf := segments[len(segments)-1]
	node, ok := parent.children[leaf]
	if !ok {
		return nil
	}
	delete(parent.children, leaf)
	s.publishLocked(joinSegments(segments[:len(segments)-1]), notification{
		kind:  notifyRemoved,
		child: Child{Key: leaf, Value: encodeObject(node.fields)},
	})
	return nil
}

func (s *MemoryStore) Read(_ context.Context, path string) (*Snapshot, error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := segments[len(segments)-1]
	node := s.lookupLocked(segments)
	if node == nil {
		return &Snapshot{Key: key}, nil
	}
	return snapshotOf(key, node), nil
}

func (s *MemoryStore) Append(ctx context.Context, path string, value any) (string, error) {
	key := NewPushKey(s.now())
	if err := s.Write(ctx, path+"/"+key, value); err != nil {
		return "", err
	}
	return key, nil
}

func (s *MemoryStore) Subscribe(_ context.Context, path string, handler Handler) (Subscription, error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	normalized := joinSegments(segments)

	sub := &memorySubscription{store: s, path: normalized, dispatcher: newDispatcher(handler)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if node := s.lookupLocked(segments); node != nil {
		for _, child := range snapshotOf("", node).Children {
			sub.dispatcher.push(notification{
				kind:  notifyAdded,
				child: Child{Key: child.Key, Value: encodeObject(child.Fields)},
			})
		}
	}
	if s.subs[normalized] == nil {
		s.subs[normalized] = make(map[*memorySubscription]struct{})
	}
	s.subs[normalized][sub] = struct{}{}
	return sub, nil
}

// Ops returns a copy of every mutation applied so far.
func (s *MemoryStore) Ops() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Op, len(s.ops))
	copy(out, s.ops)
	return out
}

func (sub *memorySubscription) Unsubscribe() {
	sub.once.Do(func() {
		s := sub.store
		s.mu.Lock()
		delete(s.subs[sub.path], sub)
		if len(s.subs[sub.path]) == 0 {
			delete(s.subs, sub.path)
		}
		s.mu.Unlock()
		sub.dispatcher.stop()
	})
}

// ensureLocked walks to the node at segments, creating missing nodes. It
// reports whether the final node was created.
func (s *MemoryStore) ensureLocked(segments []string) (*memoryNode, bool) {
	node := s.root
	created := false
	for i, segment := range segments {
		child, ok := node.children[segment]
		if !ok {
			child = newMemoryNode()
			node.children[segment] = child
			if i < len(segments)-1 {
				s.publishLocked(joinSegments(segments[:i]), notification{
					kind:  notifyAdded,
					child: Child{Key: segment, Value: encodeObject(nil)},
				})
			}
		}
		created = !ok
		node = child
	}
	return node, created
}

func (s *MemoryStore) lookupLocked(segments []string) *memoryNode {
	node := s.root
	for _, segment := range segments {
		child, ok := node.children[segment]
		if !ok {
			return nil
		}
		node = child
	}
	return node
}

func (s *MemoryStore) notifyLocked(segments []string, node *memoryNode, created bool) {
	kind := notifyChanged
	if created {
		kind = notifyAdded
	}
	s.publishLocked(joinSegments(segments[:len(segments)-1]), notification{
		kind:  kind,
		child: Child{Key: segments[len(segments)-1], Value: encodeObject(node.fields)},
	})
}

func (s *MemoryStore) publishLocked(parent string, n notification) {
	for sub := range s.subs[parent] {
		sub.dispatcher.push(n)
	}
}

func snapshotOf(key string, node *memoryNode) *Snapshot {
	snap := &Snapshot{Key: key}
	if len(node.fields) > 0 {
		snap.Fields = make(map[string]json.RawMessage, len(node.fields))
		for k, v := range node.fields {
			snap.Fields[k] = v
		}
	}
	for childKey, child := range node.children {
		snap.Children = append(snap.Children, snapshotOf(childKey, child))
	}
	sortChildren(snap.Children)
	return snap
}

func joinSegments(segments []string) string {
	return strings.Join(segments, "/")
}
