package chatwire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

// conversationServer serves a swappable conversation snapshot, optionally
// failing every request.
type conversationServer struct {
	srv    *httptest.Server
	convos atomic.Value // []Conversation
	fail   atomic.Bool
	calls  atomic.Int64
}

func newConversationServer(t *testing.T) *conversationServer {
	t.Helper()
	cs := &conversationServer{}
	cs.convos.Store([]Conversation{})
	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.calls.Add(1)
		if cs.fail.Load() {
			http.Error(w, `{"ok":false}`, http.StatusInternalServerError)
			return
		}
		data, _ := json.Marshal(cs.convos.Load().([]Conversation))
		fmt.Fprintf(w, `{"ok":true,"data":%s}`, data)
	}))
	t.Cleanup(cs.srv.Close)
	return cs
}

func conv(id, title, lastID, sender string, at time.Time) Conversation {
	return Conversation{
		ID:        id,
		Kind:      KindDirect,
		Title:     title,
		UpdatedAt: at,
		LastMessage: &MessageSummary{
			ID:        lastID,
			SenderID:  sender,
			Preview:   "hi",
			Timestamp: at,
		},
	}
}

func newTestStore(t *testing.T, cs *conversationServer) *ConversationStore {
	t.Helper()
	client := NewClient("tok", WithBaseURL(cs.srv.URL))
	s := NewConversationStore(client, nil, newTestMarks(t), "alice", nil)
	t.Cleanup(s.Close)
	if err := s.LoadInitial(context.Background()); err != nil {
		t.Fatalf("LoadInitial: %v", err)
	}
	return s
}

// ============================================================================
// Unread derivation
// ============================================================================

func TestConversationStore_UnreadDerivation(t *testing.T) {
	cs := newConversationServer(t)
	now := time.Now().UTC()
	cs.convos.Store([]Conversation{
		conv("c1", "Bob", "m9", "bob", now),     // other sender, no marker: unread
		conv("c2", "Carol", "m5", "alice", now), // own last message: read
	})
	s := newTestStore(t, cs)

	c1, _ := s.Get("c1")
	if !c1.Unread {
		t.Error("expected c1 unread: last message from other user, no marker")
	}
	c2, _ := s.Get("c2")
	if c2.Unread {
		t.Error("expected c2 read: last message sent by current user")
	}
}

func TestConversationStore_MarkReadClearsUnread(t *testing.T) {
	cs := newConversationServer(t)
	cs.convos.Store([]Conversation{conv("c1", "Bob", "m9", "bob", time.Now().UTC())})
	s := newTestStore(t, cs)

	if err := s.MarkRead("c1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	c1, _ := s.Get("c1")
	if c1.Unread {
		t.Error("expected conversation read after MarkRead")
	}

	// A newer message from the other side flips it back.
	s.ApplyLiveMessage(serverMsg("m10", "c1", "bob", "again", time.Now().UTC()))
	c1, _ = s.Get("c1")
	if !c1.Unread {
		t.Error("expected conversation unread after newer foreign message")
	}
}

// The unread flag is recomputed from scratch on every change, never stored:
// re-applying the same snapshot must not drift it.
func TestConversationStore_UnreadStableUnderReload(t *testing.T) {
	cs := newConversationServer(t)
	cs.convos.Store([]Conversation{conv("c1", "Bob", "m9", "bob", time.Now().UTC())})
	s := newTestStore(t, cs)

	if err := s.MarkRead("c1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.LoadInitial(context.Background()); err != nil {
			t.Fatalf("LoadInitial: %v", err)
		}
	}
	c1, _ := s.Get("c1")
	if c1.Unread {
		t.Error("expected read state to survive repeated reloads")
	}
}

// ============================================================================
// Ordering
// ============================================================================

func TestConversationStore_OrderUnreadFirstThenRecency(t *testing.T) {
	cs := newConversationServer(t)
	base := time.Now().UTC()
	cs.convos.Store([]Conversation{
		conv("old-unread", "A", "m1", "bob", base.Add(-time.Hour)),
		conv("new-read", "B", "m2", "alice", base),
		conv("new-unread", "C", "m3", "bob", base),
		conv("old-read", "D", "m4", "alice", base.Add(-time.Hour)),
	})
	s := newTestStore(t, cs)

	got := s.Conversations()
	want := []string{"new-unread", "old-unread", "new-read", "old-read"}
	for i, w := range want {
		if got[i].ID != w {
			t.Fatalf("position %d: expected %s, got %s (full order %v)", i, w, got[i].ID, idsOf(got))
		}
	}
}

func TestConversationStore_OrderTieBreaksByID(t *testing.T) {
	cs := newConversationServer(t)
	at := time.Now().UTC()
	cs.convos.Store([]Conversation{
		conv("b", "B", "m1", "alice", at),
		conv("a", "A", "m2", "alice", at),
	})
	s := newTestStore(t, cs)

	got := s.Conversations()
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("expected id tie-break [a b], got %v", idsOf(got))
	}
}

func idsOf(convos []Conversation) []string {
	out := make([]string, len(convos))
	for i, c := range convos {
		out[i] = c.ID
	}
	return out
}

// ============================================================================
// Snapshot failures
// ============================================================================

func TestConversationStore_LoadFailureRetainsState(t *testing.T) {
	cs := newConversationServer(t)
	cs.convos.Store([]Conversation{conv("c1", "Bob", "m1", "bob", time.Now().UTC())})
	s := newTestStore(t, cs)

	cs.fail.Store(true)
	err := s.LoadInitial(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if _, ok := s.Get("c1"); !ok {
		t.Fatal("expected last-known state to survive a failed refresh")
	}
}

// ============================================================================
// Live merge details
// ============================================================================

func TestConversationStore_LiveMessageBumpsSummary(t *testing.T) {
	cs := newConversationServer(t)
	base := time.Now().UTC()
	cs.convos.Store([]Conversation{conv("c1", "Bob", "m1", "bob", base)})
	s := newTestStore(t, cs)

	s.ApplyLiveMessage(serverMsg("m2", "c1", "bob", "newer", base.Add(time.Minute)))
	c1, _ := s.Get("c1")
	if c1.LastMessage.ID != "m2" {
		t.Fatalf("expected last message m2, got %s", c1.LastMessage.ID)
	}
	if !c1.UpdatedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("expected UpdatedAt bumped, got %s", c1.UpdatedAt)
	}
}

func TestConversationStore_GroupInfoUpdateRenames(t *testing.T) {
	cs := newConversationServer(t)
	cs.convos.Store([]Conversation{conv("g1", "Old Name", "m1", "bob", time.Now().UTC())})
	s := newTestStore(t, cs)

	name := "New Name"
	s.applyGroupInfo(GroupUpdatedPayload{GroupID: "g1", Name: &name})
	g1, _ := s.Get("g1")
	if g1.Title != "New Name" {
		t.Fatalf("expected renamed title, got %q", g1.Title)
	}
}

func TestConversationStore_RemoveDropsConversation(t *testing.T) {
	cs := newConversationServer(t)
	cs.convos.Store([]Conversation{conv("g1", "Group", "m1", "bob", time.Now().UTC())})
	s := newTestStore(t, cs)

	s.Remove("g1")
	if _, ok := s.Get("g1"); ok {
		t.Fatal("expected conversation removed")
	}
}

// ============================================================================
// Polling fallback
// ============================================================================

func TestConversationStore_PollsWhileDisconnected(t *testing.T) {
	cs := newConversationServer(t)
	client := NewClient("tok", WithBaseURL(cs.srv.URL))
	s := NewConversationStore(client, nil, newTestMarks(t), "alice",
		&ConversationStoreOptions{PollInterval: 10 * time.Millisecond})
	defer s.Close()

	s.handleConnState(StateDisconnected)
	time.Sleep(100 * time.Millisecond)
	polled := cs.calls.Load()
	if polled == 0 {
		t.Fatal("expected snapshot polls while disconnected")
	}

	s.handleConnState(StateConnected)
	time.Sleep(50 * time.Millisecond)
	settled := cs.calls.Load()
	time.Sleep(100 * time.Millisecond)
	if cs.calls.Load() != settled {
		t.Fatal("expected polling to stop after reconnect")
	}
}

// Repeated disconnect notifications must never stack a second poller.
func TestConversationStore_SinglePollTimer(t *testing.T) {
	cs := newConversationServer(t)
	client := NewClient("tok", WithBaseURL(cs.srv.URL))
	s := NewConversationStore(client, nil, newTestMarks(t), "alice",
		&ConversationStoreOptions{PollInterval: 20 * time.Millisecond})
	defer s.Close()

	for i := 0; i < 5; i++ {
		s.handleConnState(StateDisconnected)
	}
	time.Sleep(110 * time.Millisecond)
	s.handleConnState(StateConnected)

	// ~5 ticks elapsed; a stacked poller would roughly multiply that.
	if n := cs.calls.Load(); n > 8 {
		t.Fatalf("expected a single poll timer, saw %d polls", n)
	}
}

func TestConversationStore_NoPollAfterClose(t *testing.T) {
	cs := newConversationServer(t)
	client := NewClient("tok", WithBaseURL(cs.srv.URL))
	s := NewConversationStore(client, nil, newTestMarks(t), "alice",
		&ConversationStoreOptions{PollInterval: 10 * time.Millisecond})

	s.Close()
	s.handleConnState(StateDisconnected)
	time.Sleep(60 * time.Millisecond)
	if n := cs.calls.Load(); n != 0 {
		t.Fatalf("expected no polling after Close, saw %d calls", n)
	}
}
