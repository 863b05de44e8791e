package chatwire

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// revokedPlaceholder replaces the payload of a revoked message.
const revokedPlaceholder = "This message was revoked"

// TimelineOptions wires optional collaborators into a Timeline.
type TimelineOptions struct {
	// Realtime, when set, receives advisory revokeMessage emits.
	Realtime *RealtimeClient

	// Outbox, when set, carries the server side of revocations as retryable
	// background work.
	Outbox *Outbox

	// Group marks the conversation as a group chat, which selects the group
	// variant of the advisory send event.
	Group bool
}

// Timeline is the reconciled, deduplicated, time-ordered message view of one
// conversation. REST history, live pushes, optimistic sends, and revocation
// or deletion markers all merge through it; the merge is idempotent by
// message id, so REST responses and live events may interleave in any order.
type Timeline struct {
	client         *Client
	marks          *MarkStore
	userID         string
	conversationID string
	rt             *RealtimeClient
	outbox         *Outbox
	group          bool

	mu      sync.Mutex
	entries []*timelineEntry
	byID    map[string]*timelineEntry
	revoked map[string]bool
	arrival int
}

type timelineEntry struct {
	msg Message
	seq int
}

// NewTimeline creates the timeline for one conversation, scoped to the
// current user's markers.
func NewTimeline(client *Client, marks *MarkStore, userID, conversationID string, opts *TimelineOptions) *Timeline {
	t := &Timeline{
		client:         client,
		marks:          marks,
		userID:         userID,
		conversationID: conversationID,
		byID:           make(map[string]*timelineEntry),
		revoked:        make(map[string]bool),
	}
	if opts != nil {
		t.rt = opts.Realtime
		t.outbox = opts.Outbox
		t.group = opts.Group
	}
	return t
}

// Bind subscribes the timeline to live message events on the shared channel.
// The returned Unsubscribe must be called on teardown; re-binding without it
// duplicates every insert.
func (t *Timeline) Bind(rt *RealtimeClient) Unsubscribe {
	onMessage := func(_ string, payload json.RawMessage) {
		var msg Message
		if json.Unmarshal(payload, &msg) != nil {
			return
		}
		t.ApplyLive(msg)
	}
	subs := []Unsubscribe{
		rt.Subscribe(EventReceiveMessage, onMessage),
		rt.Subscribe(EventReceiveGroupMessage, onMessage),
		rt.Subscribe(EventMessageRevoked, func(_ string, p json.RawMessage) {
			var rev MessageRevokedPayload
			if json.Unmarshal(p, &rev) != nil {
				return
			}
			if rev.ConversationID != t.conversationID {
				return
			}
			t.applyRemoteRevoke(rev.MessageID)
		}),
	}
	return func() {
		for _, u := range subs {
			u()
		}
	}
}

// Load fetches the conversation's history and replaces the current list,
// filtering locally deleted messages and re-applying local revocations. On
// fetch failure the previous state is retained.
func (t *Timeline) Load(ctx context.Context) error {
	history, err := t.client.Messages().History(ctx, t.conversationID)
	if err != nil {
		return &FetchError{Path: "/api/conversations/" + t.conversationID + "/messages", Err: err}
	}
	hidden, err := t.marks.DeletionMarkers(t.userID, t.conversationID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
	t.byID = make(map[string]*timelineEntry)
	for _, msg := range history {
		if hidden[msg.ID] {
			continue
		}
		if msg.State == "" {
			msg.State = StateConfirmed
		}
		if t.revoked[msg.ID] {
			markRevoked(&msg)
		}
		t.insertLocked(msg)
	}
	return nil
}

// AppendOptimistic inserts a pending message with a temporary client id and
// returns it immediately for display. Confirmation arrives later via Confirm;
// this call never blocks on the network.
func (t *Timeline) AppendOptimistic(draft Draft) (Message, error) {
	if draft.Payload.Kind == "" || draft.Payload.Empty() {
		return Message{}, &ValidationError{Field: "payload", Reason: "no variant populated"}
	}
	msg := Message{
		ID:             "tmp-" + uuid.NewString(),
		ConversationID: t.conversationID,
		Sender:         Participant{ID: t.userID},
		CreatedAt:      time.Now().UTC(),
		Payload:        draft.Payload,
		State:          StatePending,
	}
	t.mu.Lock()
	t.insertLocked(msg)
	t.mu.Unlock()
	return msg, nil
}

// Send appends the draft optimistically, posts it to the server, and confirms
// the pending entry with the server-assigned copy. On success an advisory
// sendMessage (or sendGroupMessage) event notifies other connected members.
// On failure the pending entry stays in the timeline, returned alongside the
// error, so a later Confirm or reload can still reconcile it.
func (t *Timeline) Send(ctx context.Context, draft Draft) (Message, error) {
	pending, err := t.AppendOptimistic(draft)
	if err != nil {
		return Message{}, err
	}
	server, err := t.client.Messages().Send(ctx, t.conversationID, draft)
	if err != nil {
		return pending, err
	}
	t.Confirm(pending.ID, *server)
	server.State = StateConfirmed
	if t.rt != nil {
		event := EventSendMessage
		if t.group {
			event = EventSendGroupMessage
		}
		t.rt.Emit(ctx, event, server)
	}
	return *server, nil
}

// Confirm replaces the pending entry's identity with the server-assigned one.
// If the server copy already arrived as a live echo, the echo is the match
// and the temporary entry is dropped. If the temporary entry is gone (for
// example after a reload), the server copy is inserted as new.
func (t *Timeline) Confirm(tempID string, server Message) {
	if server.ID == "" || server.ConversationID != t.conversationID {
		return
	}
	server.State = StateConfirmed

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byID[server.ID]; ok {
		// Live echo beat the confirmation.
		t.removeLocked(tempID)
		if t.revoked[server.ID] {
			markRevoked(&existing.msg)
		} else {
			existing.msg.State = StateConfirmed
		}
		return
	}

	if _, ok := t.byID[tempID]; ok {
		t.removeLocked(tempID)
		if t.revoked[server.ID] {
			markRevoked(&server)
		}
		t.insertLocked(server)
		return
	}

	if t.revoked[server.ID] {
		markRevoked(&server)
	}
	t.insertLocked(server)
}

// ApplyLive merges a server-pushed message. Idempotent: a message id already
// present is ignored, as is a message for another conversation.
func (t *Timeline) ApplyLive(server Message) {
	if server.ID == "" || server.ConversationID != t.conversationID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byID[server.ID]; ok {
		return
	}
	hidden, err := t.marks.DeletionMarkers(t.userID, t.conversationID)
	if err == nil && hidden[server.ID] {
		return
	}
	if server.State == "" {
		server.State = StateConfirmed
	}
	if t.revoked[server.ID] {
		// A revoked message never gets its payload back.
		markRevoked(&server)
	}
	t.insertLocked(server)
}

// Revoke marks the message revoked for everyone. The local transition is
// immediate and terminal regardless of the server call's outcome; the server
// side runs as retryable background work plus an advisory emit.
func (t *Timeline) Revoke(ctx context.Context, messageID string) error {
	if messageID == "" {
		return &ValidationError{Field: "messageId", Reason: "empty"}
	}

	t.mu.Lock()
	t.revoked[messageID] = true
	if e, ok := t.byID[messageID]; ok {
		markRevoked(&e.msg)
	}
	t.mu.Unlock()

	if t.outbox != nil {
		t.outbox.EnqueueRevoke(t.conversationID, messageID)
	}
	if t.rt != nil {
		t.rt.Emit(ctx, EventRevokeMessage, MessageRevokedPayload{
			ConversationID: t.conversationID,
			MessageID:      messageID,
		})
	}
	return nil
}

// applyRemoteRevoke handles an inbound messageRevoked event.
func (t *Timeline) applyRemoteRevoke(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.revoked[messageID] = true
	if e, ok := t.byID[messageID]; ok {
		markRevoked(&e.msg)
	}
}

// DeleteLocal hides the message from this user's view only. The marker is
// persisted; other participants and fresh history fetches by other users are
// unaffected.
func (t *Timeline) DeleteLocal(messageID string) error {
	if err := t.marks.AddDeletionMarker(t.userID, t.conversationID, messageID); err != nil {
		return err
	}
	t.mu.Lock()
	t.removeLocked(messageID)
	t.mu.Unlock()
	return nil
}

// PostSystem appends a synthetic system message, used for membership and
// group-metadata notices.
func (t *Timeline) PostSystem(text string) Message {
	msg := Message{
		ID:             "sys-" + uuid.NewString(),
		ConversationID: t.conversationID,
		Sender:         Participant{ID: "system"},
		CreatedAt:      time.Now().UTC(),
		Payload:        Payload{Kind: PayloadText, Text: text},
		State:          StateConfirmed,
	}
	t.mu.Lock()
	t.insertLocked(msg)
	t.mu.Unlock()
	return msg
}

// MarkRead persists the read marker at the newest server-originated message,
// if any. Locally synthesized system messages and still-pending optimistic
// entries carry ids the server never issued, so they cannot anchor a marker.
// Called on every render of the timeline.
func (t *Timeline) MarkRead() error {
	t.mu.Lock()
	var last string
	for i := len(t.entries) - 1; i >= 0; i-- {
		msg := t.entries[i].msg
		if msg.State == StatePending || strings.HasPrefix(msg.ID, "sys-") {
			continue
		}
		last = msg.ID
		break
	}
	t.mu.Unlock()
	if last == "" {
		return nil
	}
	return t.marks.SetReadMarker(t.userID, t.conversationID, last)
}

// Messages returns the reconciled view, oldest first.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.msg
	}
	return out
}

// Len returns the number of visible messages.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// insertLocked places msg in created-at order; equal timestamps keep arrival
// order. Callers guarantee the id is not already present.
func (t *Timeline) insertLocked(msg Message) {
	t.arrival++
	e := &timelineEntry{msg: msg, seq: t.arrival}
	idx := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].msg.CreatedAt.After(msg.CreatedAt)
	})
	t.entries = append(t.entries, nil)
	copy(t.entries[idx+1:], t.entries[idx:])
	t.entries[idx] = e
	t.byID[msg.ID] = e
}

func (t *Timeline) removeLocked(id string) {
	e, ok := t.byID[id]
	if !ok {
		return
	}
	delete(t.byID, id)
	for i, cur := range t.entries {
		if cur == e {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

func markRevoked(msg *Message) {
	msg.State = StateRevoked
	msg.Payload = Payload{Kind: PayloadText, Text: revokedPlaceholder}
}
