package chatwire

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// FriendCoordinatorOptions configures a FriendCoordinator.
type FriendCoordinatorOptions struct {
	// OnRequest fires when another user sends the current user a request.
	OnRequest func(FriendRequest)
	// OnResponse fires when a request the current user sent is accepted
	// or rejected.
	OnResponse func(FriendRequest)
	// OnCancelled fires when a sender withdraws a pending request.
	OnCancelled func(requestID string)
}

// FriendCoordinator runs friend-request operations socket-first: each
// mutation goes out as a request/response exchange on the shared channel,
// and falls back to the matching REST endpoint when the socket is down or
// the reply does not arrive in time. The fallback is transparent; callers
// see one outcome either way.
type FriendCoordinator struct {
	client *Client
	rt     *RealtimeClient
	log    *zap.Logger
	opts   FriendCoordinatorOptions

	mu       sync.Mutex
	received map[string]FriendRequest
	sent     map[string]FriendRequest
	subs     []Unsubscribe
}

// NewFriendCoordinator builds the coordinator and registers its handlers on
// the shared channel. Call Close to release them.
func NewFriendCoordinator(client *Client, rt *RealtimeClient, opts *FriendCoordinatorOptions) *FriendCoordinator {
	f := &FriendCoordinator{
		client:   client,
		rt:       rt,
		log:      client.log,
		received: make(map[string]FriendRequest),
		sent:     make(map[string]FriendRequest),
	}
	if opts != nil {
		f.opts = *opts
	}

	if rt != nil {
		f.subs = append(f.subs,
			rt.Subscribe(EventFriendRequest, f.onRequest),
			rt.Subscribe(EventFriendRequestResponse, f.onResponse),
			rt.Subscribe(EventFriendRequestCancelled, f.onCancelled),
		)
	}
	return f
}

// Close deregisters all event handlers.
func (f *FriendCoordinator) Close() {
	f.mu.Lock()
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()
	for _, u := range subs {
		u()
	}
}

// Refresh reloads both pending lists from the server.
func (f *FriendCoordinator) Refresh(ctx context.Context) error {
	recv, err := f.client.Friends().Received(ctx)
	if err != nil {
		return err
	}
	sent, err := f.client.Friends().Sent(ctx)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.received = make(map[string]FriendRequest, len(recv))
	for _, r := range recv {
		f.received[r.ID] = r
	}
	f.sent = make(map[string]FriendRequest, len(sent))
	for _, r := range sent {
		f.sent[r.ID] = r
	}
	f.mu.Unlock()
	return nil
}

// Received returns pending requests addressed to the current user, newest
// first.
func (f *FriendCoordinator) Received() []FriendRequest {
	return f.snapshot(func() map[string]FriendRequest { return f.received })
}

// Sent returns pending requests the current user created, newest first.
func (f *FriendCoordinator) Sent() []FriendRequest {
	return f.snapshot(func() map[string]FriendRequest { return f.sent })
}

func (f *FriendCoordinator) snapshot(pick func() map[string]FriendRequest) []FriendRequest {
	f.mu.Lock()
	m := pick()
	out := make([]FriendRequest, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	f.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ============================================================================
// Operations
// ============================================================================

// SendRequest sends a friend request to userID. A "request already sent"
// rejection comes back as an informational outcome, not an error.
func (f *FriendCoordinator) SendRequest(ctx context.Context, userID string) (*FriendRequestOutcome, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "userId", Reason: "empty"}
	}
	out, err := f.exchange(ctx, EventSendFriendRequest,
		map[string]string{"userId": userID},
		func() (*FriendRequestOutcome, error) { return f.client.Friends().Send(ctx, userID) })
	if err != nil {
		return nil, err
	}
	if out.Request != nil {
		f.mu.Lock()
		f.sent[out.Request.ID] = *out.Request
		f.mu.Unlock()
	}
	return out, nil
}

// RespondToRequest accepts or rejects a received request.
func (f *FriendCoordinator) RespondToRequest(ctx context.Context, requestID string, accept bool) (*FriendRequestOutcome, error) {
	if requestID == "" {
		return nil, &ValidationError{Field: "requestId", Reason: "empty"}
	}
	out, err := f.exchange(ctx, EventRespondFriendRequest,
		map[string]interface{}{"requestId": requestID, "accept": accept},
		func() (*FriendRequestOutcome, error) { return f.client.Friends().Respond(ctx, requestID, accept) })
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	delete(f.received, requestID)
	f.mu.Unlock()
	return out, nil
}

// CancelRequest withdraws a request the current user sent. Cancelling a
// request the server already resolved is informational.
func (f *FriendCoordinator) CancelRequest(ctx context.Context, requestID string) (*FriendRequestOutcome, error) {
	if requestID == "" {
		return nil, &ValidationError{Field: "requestId", Reason: "empty"}
	}
	out, err := f.exchange(ctx, EventCancelFriendRequest,
		map[string]string{"requestId": requestID},
		func() (*FriendRequestOutcome, error) { return f.client.Friends().Cancel(ctx, requestID) })
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	delete(f.sent, requestID)
	f.mu.Unlock()
	return out, nil
}

// exchange tries the socket round trip first and falls back to REST on any
// transport-level failure. Server rejections never trigger the fallback:
// the server already answered.
func (f *FriendCoordinator) exchange(ctx context.Context, event string, payload interface{}, rest func() (*FriendRequestOutcome, error)) (*FriendRequestOutcome, error) {
	if f.rt == nil || f.rt.State() != StateConnected {
		return rest()
	}
	reply, err := f.rt.Request(ctx, event, payload)
	if err != nil {
		var netErr *NetworkError
		if errors.As(err, &netErr) {
			f.log.Debug("socket exchange failed, falling back to rest",
				zap.String("event", event), zap.Error(err))
			return rest()
		}
		return nil, err
	}
	return f.decodeOutcome(reply)
}

// decodeOutcome interprets a socket reply the same way the REST layer
// interprets its envelope.
func (f *FriendCoordinator) decodeOutcome(reply json.RawMessage) (*FriendRequestOutcome, error) {
	var res APIResult
	if err := json.Unmarshal(reply, &res); err != nil {
		return nil, &FetchError{Path: "friend request reply", Err: err}
	}
	if !res.OK {
		if isDuplicateRejection(res.Error) {
			detail := ""
			if res.Error != nil {
				detail = res.Error.Message
			}
			return &FriendRequestOutcome{Informational: true, Detail: detail}, nil
		}
		return nil, &ServerRejection{API: res.Error}
	}
	if len(res.Data) == 0 {
		return &FriendRequestOutcome{}, nil
	}
	var req FriendRequest
	if err := json.Unmarshal(res.Data, &req); err != nil {
		return nil, &FetchError{Path: "friend request reply", Err: err}
	}
	return &FriendRequestOutcome{Request: &req}, nil
}

// ============================================================================
// Live events
// ============================================================================

func (f *FriendCoordinator) onRequest(_ string, payload json.RawMessage) {
	var req FriendRequest
	if json.Unmarshal(payload, &req) != nil || req.ID == "" {
		return
	}
	f.mu.Lock()
	f.received[req.ID] = req
	f.mu.Unlock()
	if f.opts.OnRequest != nil {
		f.opts.OnRequest(req)
	}
}

func (f *FriendCoordinator) onResponse(_ string, payload json.RawMessage) {
	var req FriendRequest
	if json.Unmarshal(payload, &req) != nil || req.ID == "" {
		return
	}
	f.mu.Lock()
	delete(f.sent, req.ID)
	f.mu.Unlock()
	if f.opts.OnResponse != nil {
		f.opts.OnResponse(req)
	}
}

func (f *FriendCoordinator) onCancelled(_ string, payload json.RawMessage) {
	var p struct {
		RequestID string `json:"requestId"`
	}
	if json.Unmarshal(payload, &p) != nil || p.RequestID == "" {
		return
	}
	f.mu.Lock()
	delete(f.received, p.RequestID)
	f.mu.Unlock()
	if f.opts.OnCancelled != nil {
		f.opts.OnCancelled(p.RequestID)
	}
}
