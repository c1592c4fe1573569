// Package store is the rendezvous store: a multi-writer, broadcast
// key-value tree used for handshake mailboxes, room membership and the
// offline chat mailbox.
//
// Paths are slash-separated. Every segment is a node that holds a set of
// JSON fields (its value) and any number of named children. Writers never
// coordinate; the protocol on top tolerates last-write-wins updates and
// redelivered notifications.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidPath is returned for empty paths or paths with empty segments.
var ErrInvalidPath = errors.New("invalid store path")

// Store is the contract the core consumes.
type Store interface {
	// Write replaces the node's fields with value, which must encode to a
	// JSON object. Existing children are kept.
	Write(ctx context.Context, path string, value any) error
	// Update merges fields into the node, last write wins per field.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Delete removes the node and its whole subtree.
	Delete(ctx context.Context, path string) error
	// Read returns the subtree rooted at path. A missing node yields a
	// snapshot whose Exists reports false.
	Read(ctx context.Context, path string) (*Snapshot, error)
	// Append writes value under a freshly generated push key beneath path
	// and returns the key.
	Append(ctx context.Context, path string, value any) (string, error)
	// Subscribe reports every existing child of path as Added, then every
	// later child write as Added or Changed. Handlers for one subscription
	// run sequentially on a dedicated goroutine.
	Subscribe(ctx context.Context, path string, handler Handler) (Subscription, error)
}

// Handler receives child notifications. Nil members are skipped.
type Handler struct {
	Added   func(Child)
	Changed func(Child)
	Removed func(Child)
}

// Child is one direct child of a subscribed path.
type Child struct {
	Key   string
	Value json.RawMessage
}

// Decode unmarshals the child's fields into v.
func (c Child) Decode(v any) error {
	return json.Unmarshal(c.Value, v)
}

// Subscription is a live Subscribe registration.
type Subscription interface {
	Unsubscribe()
}

// Snapshot is a read-only view of a node and its descendants.
type Snapshot struct {
	Key      string
	Fields   map[string]json.RawMessage
	Children []*Snapshot
}

// Exists reports whether the node holds any field or child.
func (s *Snapshot) Exists() bool {
	return s != nil && (len(s.Fields) > 0 || len(s.Children) > 0)
}

// Decode unmarshals the node's own fields into v.
func (s *Snapshot) Decode(v any) error {
	if s == nil {
		return fmt.Errorf("decoding snapshot: %w", ErrInvalidPath)
	}
	raw, err := json.Marshal(s.Fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Child returns the named direct child, or nil.
func (s *Snapshot) Child(key string) *Snapshot {
	if s == nil {
		return nil
	}
	for _, child := range s.Children {
		if child.Key == key {
			return child
		}
	}
	return nil
}

// NewPushKey returns a key that sorts after every key generated earlier
// from a smaller timestamp.
func NewPushKey(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%013d%s", now.UnixMilli(), random)
}

// encodeFields turns value into the per-field representation stored on a
// node.
func encodeFields(value any) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encoding value: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("value must encode to a JSON object: %w", err)
	}
	return fields, nil
}

func encodeObject(fields map[string]json.RawMessage) json.RawMessage {
	if fields == nil {
		return json.RawMessage("{}")
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

// splitPath validates path and returns its segments.
func splitPath(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, ErrInvalidPath
	}
	segments := strings.Split(path, "/")
	for _, segment := range segments {
		if segment == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return segments, nil
}

func sortChildren(children []*Snapshot) {
	sort.SliceStable(children, func(i, j int) bool { return children[i].Key < children[j].Key })
}
