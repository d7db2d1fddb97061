package chat

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestInsertDedup(t *testing.T) {
	store := newTestStore(t)
	if !store.Insert(ChatMessage{ID: 1, Content: "hi"}) {
		t.Fatalf("expected first insert to be accepted")
	}
	if store.Insert(ChatMessage{ID: 1, Content: "hi"}) {
		t.Fatalf("expected duplicate insert to be dropped")
	}
	if got := len(store.Messages()); got != 1 {
		t.Fatalf("expected 1 message, got %d", got)
	}
}

func TestInsertDropsInvalid(t *testing.T) {
	store := newTestStore(t)
	cases := []ChatMessage{
		{ID: 0, Content: "no id"},
		{ID: 2, Content: ""},
	}
	for _, msg := range cases {
		if store.Insert(msg) {
			t.Fatalf("expected %+v to be dropped", msg)
		}
	}
	if got := len(store.Messages()); got != 0 {
		t.Fatalf("expected empty list, got %d", got)
	}
}

func TestInsertKeepsArrivalOrder(t *testing.T) {
	store := newTestStore(t)
	for _, id := range []int64{3, 1, 2} {
		store.Insert(ChatMessage{ID: id, Content: "m"})
	}
	got := store.Messages()
	want := []int64{3, 1, 2}
	for i, msg := range got {
		if msg.ID != want[i] {
			t.Fatalf("position %d: expected id %d, got %d", i, want[i], msg.ID)
		}
	}
}

func TestPinUnpinSymmetry(t *testing.T) {
	store := newTestStore(t)
	msg := ChatMessage{ID: 10, Content: "pin me"}
	store.Insert(msg)

	if err := store.Pin(msg); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if err := store.Pin(msg); err != nil {
		t.Fatalf("Pin again: %v", err)
	}
	if got := len(store.Pinned()); got != 1 {
		t.Fatalf("expected 1 pinned after repeated pin, got %d", got)
	}
	if !store.Messages()[0].IsPinned {
		t.Fatalf("expected list entry to be flagged pinned")
	}

	if err := store.Unpin(msg); err != nil {
		t.Fatalf("Unpin: %v", err)
	}
	if got := len(store.Pinned()); got != 0 {
		t.Fatalf("expected empty pinned set, got %d", got)
	}
	if store.Messages()[0].IsPinned {
		t.Fatalf("expected list entry flag cleared")
	}
}

func TestPinWrappedAndBarePayloads(t *testing.T) {
	store := newTestStore(t)
	if err := store.ApplyEvent(EventMessagePinned, json.RawMessage(`{"message":{"id":5}}`)); err != nil {
		t.Fatalf("wrapped pin: %v", err)
	}
	if err := store.ApplyEvent(EventMessagePinned, json.RawMessage(`{"id":5}`)); err != nil {
		t.Fatalf("bare pin: %v", err)
	}
	pinned := store.Pinned()
	if len(pinned) != 1 || pinned[0].ID != 5 {
		t.Fatalf("expected exactly one pinned entry with id 5, got %+v", pinned)
	}
}

func TestPinWithoutIDIsNoop(t *testing.T) {
	store := newTestStore(t)
	err := store.ApplyEvent(EventMessagePinned, json.RawMessage(`{"message":{"content":"x"}}`))
	if !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
	if len(store.Pinned()) != 0 {
		t.Fatalf("expected pinned set untouched")
	}
}

func TestPinUsesListCopyForSparsePayload(t *testing.T) {
	store := newTestStore(t)
	store.Insert(ChatMessage{ID: 8, Content: "full body", User: &MessageUser{Name: "ana"}})
	if err := store.Pin(ChatMessage{ID: 8}); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	pinned := store.Pinned()
	if pinned[0].Content != "full body" || pinned[0].User == nil {
		t.Fatalf("expected pinned copy to come from the list, got %+v", pinned[0])
	}
}

func TestRemoveClearsBothCollections(t *testing.T) {
	store := newTestStore(t)
	msg := ChatMessage{ID: 4, Content: "bye"}
	store.Insert(msg)
	_ = store.Pin(msg)

	if !store.Remove(4) {
		t.Fatalf("expected removal")
	}
	if len(store.Messages()) != 0 || len(store.Pinned()) != 0 {
		t.Fatalf("expected both collections empty")
	}
	if store.Remove(4) {
		t.Fatalf("expected second remove to be a no-op")
	}
}

func TestRemoveNeverPinned(t *testing.T) {
	store := newTestStore(t)
	store.Insert(ChatMessage{ID: 6, Content: "plain"})
	store.Remove(6)
	if len(store.Messages()) != 0 {
		t.Fatalf("expected list empty")
	}
	if len(store.Pinned()) != 0 {
		t.Fatalf("expected pinned set untouched")
	}
}

func TestRemovePinnedOnly(t *testing.T) {
	store := newTestStore(t)
	store.Insert(ChatMessage{ID: 1, Content: "stays"})
	if err := store.LoadBacklog(nil, []ChatMessage{{ID: 7, Content: "old pin"}}); err != nil {
		t.Fatalf("LoadBacklog: %v", err)
	}

	store.Remove(7)

	if len(store.Pinned()) != 0 {
		t.Fatalf("expected id 7 gone from pinned set")
	}
	msgs := store.Messages()
	if len(msgs) != 1 || msgs[0].ID != 1 {
		t.Fatalf("expected list unchanged, got %+v", msgs)
	}
}

func TestLiveMessageBeforeBacklog(t *testing.T) {
	store := newTestStore(t)
	store.Insert(ChatMessage{ID: 2, Content: "live"})
	store.Insert(ChatMessage{ID: 9, Content: "newer live"})

	backlog := []ChatMessage{{ID: 1, Content: "old"}, {ID: 2, Content: "live"}, {ID: 2, Content: "live"}}
	if err := store.LoadBacklog(backlog, nil); err != nil {
		t.Fatalf("LoadBacklog: %v", err)
	}

	got := store.Messages()
	want := []int64{1, 2, 9}
	if len(got) != len(want) {
		t.Fatalf("expected %d messages, got %+v", len(want), got)
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("position %d: expected %d, got %d", i, want[i], got[i].ID)
		}
	}
	if store.Insert(ChatMessage{ID: 2, Content: "live"}) {
		t.Fatalf("expected insert after backlog to dedup")
	}
}

func TestLoadBacklogSyncsPinnedFlag(t *testing.T) {
	store := newTestStore(t)
	backlog := []ChatMessage{
		{ID: 1, Content: "a", IsPinned: true},
		{ID: 2, Content: "b"},
	}
	pinned := []ChatMessage{{ID: 2, Content: "b"}}
	if err := store.LoadBacklog(backlog, pinned); err != nil {
		t.Fatalf("LoadBacklog: %v", err)
	}
	msgs := store.Messages()
	if msgs[0].IsPinned {
		t.Fatalf("message 1 is not in the pinned set and must not be flagged")
	}
	if !msgs[1].IsPinned {
		t.Fatalf("message 2 is pinned and must be flagged")
	}
}

func TestLoadBacklogOncePerSession(t *testing.T) {
	store := newTestStore(t)
	if err := store.LoadBacklog(nil, nil); err != nil {
		t.Fatalf("LoadBacklog: %v", err)
	}
	if err := store.LoadBacklog(nil, nil); !errors.Is(err, ErrBacklogLoaded) {
		t.Fatalf("expected ErrBacklogLoaded, got %v", err)
	}
	store.Reset()
	if err := store.LoadBacklog(nil, nil); err != nil {
		t.Fatalf("LoadBacklog after reset: %v", err)
	}
}

func TestApplyEventRouting(t *testing.T) {
	store := newTestStore(t)
	events := []struct {
		name string
		raw  string
	}{
		{EventNewMessage, `{"message":{"id":1,"content":"hello","roomId":3,"user":{"id":9,"name":"ana","role":"manager"}}}`},
		{EventNewMessage, `{"id":2,"content":"bare"}`},
		{EventMessagePinned, `{"message":{"id":1,"content":"hello"}}`},
		{EventMessageDeleted, `{"messageId":2}`},
	}
	for _, ev := range events {
		if err := store.ApplyEvent(ev.name, json.RawMessage(ev.raw)); err != nil {
			t.Fatalf("ApplyEvent(%s): %v", ev.name, err)
		}
	}
	msgs := store.Messages()
	if len(msgs) != 1 || msgs[0].ID != 1 || !msgs[0].IsPinned {
		t.Fatalf("unexpected list: %+v", msgs)
	}
	if !msgs[0].IsManager() || msgs[0].Author() != "ana" {
		t.Fatalf("unexpected author snapshot: %+v", msgs[0].User)
	}
	if err := store.ApplyEvent("typing", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected unknown event error")
	}
}

func TestDeletedMessageIDShapes(t *testing.T) {
	cases := map[string]int64{
		`{"messageId":11}`:        11,
		`{"id":12}`:               12,
		`{"message":{"id":13}}`:   13,
		`{"messageId":0,"id":14}`: 14,
	}
	for raw, want := range cases {
		got, err := DeletedMessageID(json.RawMessage(raw))
		if err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		if got != want {
			t.Fatalf("%s: expected %d, got %d", raw, want, got)
		}
	}
	if _, err := DeletedMessageID(json.RawMessage(`{}`)); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestChannelName(t *testing.T) {
	if got := ChannelName(42); got != "presence-room-42" {
		t.Fatalf("unexpected channel name %q", got)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(zerolog.Nop())
}
