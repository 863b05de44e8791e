package chatwire

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval is how often the store re-fetches the conversation
// snapshot while the real-time channel is down.
const DefaultPollInterval = 8 * time.Second

// ConversationStoreOptions configures a ConversationStore.
type ConversationStoreOptions struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// ConversationStore holds the ordered set of conversations for the current
// user, merging REST snapshots with live events. Unread state is derived from
// the local read marker on every change, never stored as server truth.
//
// While the shared channel reports disconnected, the store polls LoadInitial
// on a single owned timer to bound staleness, and stops as soon as the
// channel recovers.
type ConversationStore struct {
	client *Client
	rt     *RealtimeClient
	marks  *MarkStore
	userID string
	log    *zap.Logger

	pollInterval time.Duration
	pollTimeout  time.Duration

	mu       sync.Mutex
	convos   map[string]*Conversation
	subs     []Unsubscribe
	pollStop chan struct{}
	closed   bool
}

// NewConversationStore builds the store and registers its live-event and
// connection-state handlers on the shared channel. Call Close to release
// them.
func NewConversationStore(client *Client, rt *RealtimeClient, marks *MarkStore, userID string, opts *ConversationStoreOptions) *ConversationStore {
	s := &ConversationStore{
		client:       client,
		rt:           rt,
		marks:        marks,
		userID:       userID,
		log:          client.log,
		pollInterval: DefaultPollInterval,
		pollTimeout:  10 * time.Second,
		convos:       make(map[string]*Conversation),
	}
	if opts != nil {
		if opts.PollInterval > 0 {
			s.pollInterval = opts.PollInterval
		}
		if opts.PollTimeout > 0 {
			s.pollTimeout = opts.PollTimeout
		}
	}

	if rt != nil {
		onMessage := func(_ string, payload json.RawMessage) {
			var msg Message
			if json.Unmarshal(payload, &msg) != nil {
				return
			}
			s.ApplyLiveMessage(msg)
		}
		s.subs = append(s.subs,
			rt.Subscribe(EventReceiveMessage, onMessage),
			rt.Subscribe(EventReceiveGroupMessage, onMessage),
			rt.Subscribe(EventConversationUpdated, func(_ string, payload json.RawMessage) {
				var conv Conversation
				if json.Unmarshal(payload, &conv) != nil {
					return
				}
				s.ApplyConversationUpdate(conv)
			}),
			rt.Subscribe(EventGroupUpdated, func(_ string, payload json.RawMessage) {
				var upd GroupUpdatedPayload
				if json.Unmarshal(payload, &upd) != nil {
					return
				}
				s.applyGroupInfo(upd)
			}),
			rt.Subscribe(EventGroupDeleted, func(_ string, payload json.RawMessage) {
				var upd GroupUpdatedPayload
				if json.Unmarshal(payload, &upd) != nil {
					return
				}
				s.Remove(upd.GroupID)
			}),
			rt.OnStateChange(s.handleConnState),
		)
	}
	return s
}

// Close deregisters all event handlers and stops polling. The store must not
// be reused afterwards; building a fresh one re-subscribes cleanly.
func (s *ConversationStore) Close() {
	s.mu.Lock()
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, u := range subs {
		u()
	}
	s.stopPolling()
}

// LoadInitial fetches the full snapshot and replaces the in-memory
// collection. On failure the last-known state is retained and a FetchError
// returned.
func (s *ConversationStore) LoadInitial(ctx context.Context) error {
	convos, err := s.client.Conversations().List(ctx)
	if err != nil {
		return &FetchError{Path: "/api/conversations", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.convos = make(map[string]*Conversation, len(convos))
	for i := range convos {
		c := convos[i]
		s.recomputeUnread(&c)
		s.convos[c.ID] = &c
	}
	return nil
}

// ApplyLiveMessage folds a pushed message into the matching conversation's
// summary. Unknown conversations are ignored; the next snapshot carries them.
func (s *ConversationStore) ApplyLiveMessage(msg Message) {
	if msg.ConversationID == "" || msg.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convos[msg.ConversationID]
	if !ok {
		return
	}
	c.LastMessage = &MessageSummary{
		ID:        msg.ID,
		SenderID:  msg.Sender.ID,
		Preview:   previewOf(msg.Payload),
		Timestamp: msg.CreatedAt,
	}
	if msg.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = msg.CreatedAt
	}
	s.recomputeUnread(c)
}

// ApplyConversationUpdate merges a server-pushed conversation record.
func (s *ConversationStore) ApplyConversationUpdate(conv Conversation) {
	if conv.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recomputeUnread(&conv)
	s.convos[conv.ID] = &conv
}

// applyGroupInfo merges a groupUpdated event into the conversation's
// display fields. Nothing else moves: metadata edits do not bump recency.
func (s *ConversationStore) applyGroupInfo(upd GroupUpdatedPayload) {
	if upd.GroupID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convos[upd.GroupID]
	if !ok {
		return
	}
	if upd.Name != nil {
		c.Title = *upd.Name
	}
}

// Remove drops a conversation, e.g. after groupDeleted.
func (s *ConversationStore) Remove(conversationID string) {
	s.mu.Lock()
	delete(s.convos, conversationID)
	s.mu.Unlock()
}

// MarkRead persists the read marker at the conversation's last message and
// recomputes its unread flag.
func (s *ConversationStore) MarkRead(conversationID string) error {
	s.mu.Lock()
	c, ok := s.convos[conversationID]
	var lastID string
	if ok && c.LastMessage != nil {
		lastID = c.LastMessage.ID
	}
	s.mu.Unlock()
	if lastID == "" {
		return nil
	}
	if err := s.marks.SetReadMarker(s.userID, conversationID, lastID); err != nil {
		return err
	}
	s.mu.Lock()
	if c, ok := s.convos[conversationID]; ok {
		s.recomputeUnread(c)
	}
	s.mu.Unlock()
	return nil
}

// Conversations returns the ordered list: unread first, then most recently
// updated, ties broken by id so the order is stable across recomputes.
func (s *ConversationStore) Conversations() []Conversation {
	s.mu.Lock()
	out := make([]Conversation, 0, len(s.convos))
	for _, c := range s.convos {
		out = append(out, *c)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Unread != out[j].Unread {
			return out[i].Unread
		}
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns one conversation by id.
func (s *ConversationStore) Get(conversationID string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convos[conversationID]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// recomputeUnread derives the unread flag: unread iff the last message exists,
// was sent by someone else, and its id differs from the stored read marker.
// Pure function of (last message, marker, current user); called under s.mu.
func (s *ConversationStore) recomputeUnread(c *Conversation) {
	if c.LastMessage == nil || c.LastMessage.SenderID == s.userID {
		c.Unread = false
		return
	}
	marker, _, err := s.marks.ReadMarker(s.userID, c.ID)
	if err != nil {
		s.log.Warn("read marker lookup failed", zap.String("conversation", c.ID), zap.Error(err))
	}
	c.Unread = c.LastMessage.ID != marker
}

// ============================================================================
// Polling fallback
// ============================================================================

func (s *ConversationStore) handleConnState(state ConnState) {
	if state == StateDisconnected {
		s.startPolling()
	} else {
		s.stopPolling()
	}
}

// startPolling launches the fallback poller. One timer per store: repeated
// disconnect notifications never stack a second one.
func (s *ConversationStore) startPolling() {
	s.mu.Lock()
	if s.closed || s.pollStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.pollStop = stop
	s.mu.Unlock()

	s.log.Info("realtime channel down, polling conversations",
		zap.Duration("interval", s.pollInterval))
	go s.pollLoop(stop)
}

func (s *ConversationStore) stopPolling() {
	s.mu.Lock()
	stop := s.pollStop
	s.pollStop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (s *ConversationStore) pollLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.pollTimeout)
			if err := s.LoadInitial(ctx); err != nil {
				s.log.Warn("conversation poll failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func previewOf(p Payload) string {
	switch p.Kind {
	case PayloadText:
		return p.Text
	case PayloadImage:
		return "[image]"
	case PayloadVideo:
		return "[video]"
	case PayloadFile:
		if p.File != nil {
			return "[file] " + p.File.Name
		}
		return "[file]"
	}
	return ""
}
