package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type record struct {
	Sender string `json:"sender"`
	Text   string `json:"text,omitempty"`
	Count  int    `json:"count,omitempty"`
}

// recorder turns a subscription's callbacks into channels.
type recorder struct {
	added   chan Child
	changed chan Child
	removed chan Child
}

func newRecorder() *recorder {
	return &recorder{
		added:   make(chan Child, 64),
		changed: make(chan Child, 64),
		removed: make(chan Child, 64),
	}
}

func (r *recorder) handler() Handler {
	return Handler{
		Added:   func(c Child) { r.added <- c },
		Changed: func(c Child) { r.changed <- c },
		Removed: func(c Child) { r.removed <- c },
	}
}

func next(t *testing.T, ch <-chan Child, what string) Child {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s notification", what)
		return Child{}
	}
}

func none(t *testing.T, ch <-chan Child, what string) {
	t.Helper()
	select {
	case c := <-ch:
		t.Fatalf("unexpected %s notification for %q", what, c.Key)
	case <-time.After(50 * time.Millisecond):
	}
}

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s Store, root string) {
	ctx := context.Background()

	t.Run("ReadMissing", func(t *testing.T) {
		snap, err := s.Read(ctx, root+"/missing")
		if err != nil {
			t.Fatalf("Read error: %v", err)
		}
		if snap.Exists() {
			t.Fatal("missing node reported as existing")
		}
	})

	t.Run("WriteReadTree", func(t *testing.T) {
		if err := s.Write(ctx, root+"/room", map[string]any{"createdAt": 1, "maxParticipants": 3}); err != nil {
			t.Fatalf("Write error: %v", err)
		}
		if err := s.Write(ctx, root+"/room/participants/alpha", record{Sender: "alpha"}); err != nil {
			t.Fatalf("Write error: %v", err)
		}
		snap, err := s.Read(ctx, root+"/room")
		if err != nil {
			t.Fatalf("Read error: %v", err)
		}
		var meta struct {
			MaxParticipants int `json:"maxParticipants"`
		}
		if err := snap.Decode(&meta); err != nil {
			t.Fatalf("Decode error: %v", err)
		}
		if meta.MaxParticipants != 3 {
			t.Errorf("maxParticipants = %d, want 3", meta.MaxParticipants)
		}
		alpha := snap.Child("participants").Child("alpha")
		if !alpha.Exists() {
			t.Fatal("participant alpha missing from snapshot")
		}
	})

	t.Run("UpdateMerges", func(t *testing.T) {
		path := root + "/merge"
		if err := s.Write(ctx, path, record{Sender: "alpha", Text: "x"}); err != nil {
			t.Fatalf("Write error: %v", err)
		}
		if err := s.Update(ctx, path, map[string]any{"count": 7}); err != nil {
			t.Fatalf("Update error: %v", err)
		}
		snap, _ := s.Read(ctx, path)
		var got record
		if err := snap.Decode(&got); err != nil {
			t.Fatalf("Decode error: %v", err)
		}
		if got.Sender != "alpha" || got.Text != "x" || got.Count != 7 {
			t.Errorf("merged record = %+v", got)
		}
	})

	t.Run("SubscribeReplaysThenStreams", func(t *testing.T) {
		path := root + "/mailbox"
		first, err := s.Append(ctx, path, record{Sender: "alpha", Text: "first"})
		if err != nil {
			t.Fatalf("Append error: %v", err)
		}

		rec := newRecorder()
		sub, err := s.Subscribe(ctx, path, rec.handler())
		if err != nil {
			t.Fatalf("Subscribe error: %v", err)
		}
		defer sub.Unsubscribe()

		if got := next(t, rec.added, "replayed added"); got.Key != first {
			t.Fatalf("replayed key = %q, want %q", got.Key, first)
		}

		second, err := s.Append(ctx, path, record{Sender: "beta", Text: "second"})
		if err != nil {
			t.Fatalf("Append error: %v", err)
		}
		got := next(t, rec.added, "added")
		if got.Key != second {
			t.Fatalf("added key = %q, want %q", got.Key, second)
		}
		var decoded record
		if err := got.Decode(&decoded); err != nil || decoded.Text != "second" {
			t.Fatalf("decoded = %+v, err = %v", decoded, err)
		}

		if err := s.Update(ctx, path+"/"+second, map[string]any{"count": 2}); err != nil {
			t.Fatalf("Update error: %v", err)
		}
		if got := next(t, rec.changed, "changed"); got.Key != second {
			t.Fatalf("changed key = %q, want %q", got.Key, second)
		}

		if err := s.Delete(ctx, path+"/"+first); err != nil {
			t.Fatalf("Delete error: %v", err)
		}
		if got := next(t, rec.removed, "removed"); got.Key != first {
			t.Fatalf("removed key = %q, want %q", got.Key, first)
		}
	})

	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) {
		path := root + "/quiet"
		rec := newRecorder()
		sub, err := s.Subscribe(ctx, path, rec.handler())
		if err != nil {
			t.Fatalf("Subscribe error: %v", err)
		}
		sub.Unsubscribe()
		sub.Unsubscribe()
		if _, err := s.Append(ctx, path, record{Sender: "alpha"}); err != nil {
			t.Fatalf("Append error: %v", err)
		}
		none(t, rec.added, "added")
	})

	t.Run("DeleteSubtree", func(t *testing.T) {
		path := root + "/doomed"
		if err := s.Write(ctx, path+"/a/b", record{Sender: "alpha"}); err != nil {
			t.Fatalf("Write error: %v", err)
		}
		if err := s.Delete(ctx, path); err != nil {
			t.Fatalf("Delete error: %v", err)
		}
		snap, _ := s.Read(ctx, path+"/a/b")
		if snap.Exists() {
			t.Fatal("descendant survived subtree delete")
		}
	})

	t.Run("RejectsNonObjects", func(t *testing.T) {
		if err := s.Write(ctx, root+"/scalar", 42); err == nil {
			t.Fatal("Write of a scalar succeeded")
		}
		if err := s.Write(ctx, "", record{}); !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("Write to empty path err = %v", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(nil), "test")
}

func TestMemoryStoreRecordsOps(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	key, err := s.Append(ctx, "box", record{Sender: "alpha"})
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if err := s.Delete(ctx, "box/"+key); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	ops := s.Ops()
	if len(ops) != 2 {
		t.Fatalf("len(Ops()) = %d, want 2", len(ops))
	}
	if ops[0].Kind != OpWrite || ops[0].Path != "box/"+key {
		t.Errorf("ops[0] = %+v", ops[0])
	}
	var written record
	if err := json.Unmarshal(ops[0].Value, &written); err != nil || written.Sender != "alpha" {
		t.Errorf("recorded value = %s", ops[0].Value)
	}
	if ops[1].Kind != OpDelete {
		t.Errorf("ops[1] = %+v", ops[1])
	}
}

func TestPushKeysSortChronologically(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)
	earlier := NewPushKey(base)
	later := NewPushKey(base.Add(time.Millisecond))
	if !(earlier < later) {
		t.Fatalf("%q does not sort before %q", earlier, later)
	}
}

func TestPaths(t *testing.T) {
	cases := map[string]string{
		RoomPath("r1"):              "rooms/r1",
		ParticipantPath("r1", "s1"): "rooms/r1/participants/s1",
		OffersPath("r1"):            "webrtc_signaling/r1/offers",
		AnswersPath("r1"):           "webrtc_signaling/r1/answers",
		CandidatesPath("r1"):        "webrtc_signaling/r1/candidates",
		MessagesPath("r1"):          "encrypted_messages/r1",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("path = %q, want %q", got, want)
		}
	}
}
