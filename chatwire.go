// Package chatwire is the Go client for the ChatWire messaging API.
//
// It keeps a local view of conversations and message timelines consistent
// with the server given REST snapshots, out-of-order real-time events,
// optimistic local sends, revocations, and reconnection fallback.
//
// Example:
//
//	client := chatwire.NewClient(token)
//	rt := client.Realtime(nil)
//	_ = rt.Connect(ctx)
//
//	marks, _ := chatwire.OpenMarkStore(dir, nil)
//	store := chatwire.NewConversationStore(client, rt, marks, userID, nil)
//	_ = store.LoadInitial(ctx)
package chatwire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the production API endpoint.
	DefaultBaseURL = "https://api.chatwire.dev"

	// DefaultTimeout bounds every REST call.
	DefaultTimeout = 30 * time.Second
)

// Client is the REST client. It carries the bearer credential shared with the
// real-time channel.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger

	conversations *ConversationsAPI
	messages      *MessagesAPI
	groups        *GroupsAPI
	friends       *FriendsAPI
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient supplies a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger attaches a structured logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a REST client authenticated with the given bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.conversations = &ConversationsAPI{c: c}
	c.messages = &MessagesAPI{c: c}
	c.groups = &GroupsAPI{c: c}
	c.friends = &FriendsAPI{c: c}
	return c
}

// SetToken replaces the bearer credential, e.g. after a token refresh.
func (c *Client) SetToken(token string) { c.token = token }

// Conversations returns the conversation API surface.
func (c *Client) Conversations() *ConversationsAPI { return c.conversations }

// Messages returns the message API surface.
func (c *Client) Messages() *MessagesAPI { return c.messages }

// Groups returns the group API surface.
func (c *Client) Groups() *GroupsAPI { return c.groups }

// Friends returns the friend-request API surface.
func (c *Client) Friends() *FriendsAPI { return c.friends }

// Realtime builds the real-time channel sharing this client's credential and
// endpoint. Call Connect on the result.
func (c *Client) Realtime(cfg *RealtimeConfig) *RealtimeClient {
	if cfg == nil {
		cfg = &RealtimeConfig{}
	}
	conf := *cfg
	conf.defaults()
	if conf.Token == "" {
		conf.Token = c.token
	}
	return newRealtimeClient(c.baseURL, &conf, c.log)
}

// ============================================================================
// Request helper
// ============================================================================

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*APIResult, error) {
	if c.token == "" {
		return nil, &AuthError{Reason: "missing credential"}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: "read " + path, Err: err}
	}

	var result APIResult
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		reason := "credential rejected"
		if result.Error != nil {
			reason = result.Error.Message
		}
		return nil, &AuthError{Reason: reason}
	case resp.StatusCode >= 300:
		return nil, &ServerRejection{Status: resp.StatusCode, API: result.Error}
	}
	return &result, nil
}

func decodeResult[T any](r *APIResult) (*T, error) {
	var v T
	if err := r.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &v, nil
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationsAPI covers the conversation-list endpoints.
type ConversationsAPI struct{ c *Client }

// List fetches the full conversation snapshot for the current user.
func (a *ConversationsAPI) List(ctx context.Context) ([]Conversation, error) {
	res, err := a.c.do(ctx, http.MethodGet, "/api/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	var convos []Conversation
	if err := res.Decode(&convos); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return convos, nil
}

// ============================================================================
// Messages
// ============================================================================

// MessagesAPI covers per-conversation message endpoints.
type MessagesAPI struct{ c *Client }

// History fetches the message history of one conversation.
func (a *MessagesAPI) History(ctx context.Context, conversationID string) ([]Message, error) {
	if conversationID == "" {
		return nil, &ValidationError{Field: "conversationId", Reason: "empty"}
	}
	res, err := a.c.do(ctx, http.MethodGet, "/api/conversations/"+conversationID+"/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := res.Decode(&msgs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return msgs, nil
}

// Send posts a message and returns the server-assigned copy.
func (a *MessagesAPI) Send(ctx context.Context, conversationID string, draft Draft) (*Message, error) {
	if conversationID == "" {
		return nil, &ValidationError{Field: "conversationId", Reason: "empty"}
	}
	if draft.Payload.Kind == "" || draft.Payload.Empty() {
		return nil, &ValidationError{Field: "payload", Reason: "no variant populated"}
	}
	res, err := a.c.do(ctx, http.MethodPost, "/api/conversations/"+conversationID+"/messages", draft, nil)
	if err != nil {
		return nil, err
	}
	return decodeResult[Message](res)
}

// Revoke asks the server to revoke a message for all participants.
func (a *MessagesAPI) Revoke(ctx context.Context, conversationID, messageID string) error {
	if messageID == "" {
		return &ValidationError{Field: "messageId", Reason: "empty"}
	}
	_, err := a.c.do(ctx, http.MethodPost,
		"/api/conversations/"+conversationID+"/messages/"+messageID+"/revoke", nil, nil)
	return err
}

// ============================================================================
// Groups
// ============================================================================

// GroupsAPI covers group CRUD and membership endpoints.
type GroupsAPI struct{ c *Client }

// Create creates a group with the given spec.
func (a *GroupsAPI) Create(ctx context.Context, spec GroupSpec) (*Group, error) {
	if spec.Name == "" {
		return nil, &ValidationError{Field: "name", Reason: "empty"}
	}
	res, err := a.c.do(ctx, http.MethodPost, "/api/groups", spec, nil)
	if err != nil {
		return nil, err
	}
	return decodeResult[Group](res)
}

// Get fetches one group with its membership.
func (a *GroupsAPI) Get(ctx context.Context, groupID string) (*Group, error) {
	res, err := a.c.do(ctx, http.MethodGet, "/api/groups/"+groupID, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeResult[Group](res)
}

// AddMember adds a user to a group.
func (a *GroupsAPI) AddMember(ctx context.Context, groupID, userID string) error {
	_, err := a.c.do(ctx, http.MethodPost, "/api/groups/"+groupID+"/members",
		map[string]string{"userId": userID}, nil)
	return err
}

// RemoveMember removes a user from a group.
func (a *GroupsAPI) RemoveMember(ctx context.Context, groupID, userID string) error {
	_, err := a.c.do(ctx, http.MethodDelete, "/api/groups/"+groupID+"/members/"+userID, nil, nil)
	return err
}

// ChangeRole changes a member's role.
func (a *GroupsAPI) ChangeRole(ctx context.Context, groupID, userID string, role GroupRole) error {
	if role == RoleCreator {
		return &ValidationError{Field: "role", Reason: "creator is immutable"}
	}
	_, err := a.c.do(ctx, http.MethodPut, "/api/groups/"+groupID+"/members/"+userID+"/role",
		map[string]string{"role": string(role)}, nil)
	return err
}

// UpdateInfo edits group metadata.
func (a *GroupsAPI) UpdateInfo(ctx context.Context, groupID string, update GroupInfoUpdate) error {
	_, err := a.c.do(ctx, http.MethodPut, "/api/groups/"+groupID, update, nil)
	return err
}

// Leave removes the current user from a group.
func (a *GroupsAPI) Leave(ctx context.Context, groupID string) error {
	_, err := a.c.do(ctx, http.MethodPost, "/api/groups/"+groupID+"/leave", nil, nil)
	return err
}

// Delete deletes a group. Only the creator may do this.
func (a *GroupsAPI) Delete(ctx context.Context, groupID string) error {
	_, err := a.c.do(ctx, http.MethodDelete, "/api/groups/"+groupID, nil, nil)
	return err
}

// Join joins a group via invite code. If the user is already a member the
// server answers with an informational result, reported via AlreadyMember.
func (a *GroupsAPI) Join(ctx context.Context, inviteCode string) (*JoinResult, error) {
	if inviteCode == "" {
		return nil, &ValidationError{Field: "inviteCode", Reason: "empty"}
	}
	res, err := a.c.do(ctx, http.MethodPost, "/api/groups/join",
		map[string]string{"inviteCode": inviteCode}, nil)
	if err != nil {
		var rej *ServerRejection
		if errors.As(err, &rej) && isDuplicateRejection(rej.API) {
			return &JoinResult{AlreadyMember: true}, nil
		}
		return nil, err
	}
	return decodeResult[JoinResult](res)
}

// ============================================================================
// Friend requests
// ============================================================================

// FriendsAPI covers friend-request endpoints. These are the REST fallback for
// the socket-first operations in FriendCoordinator.
type FriendsAPI struct{ c *Client }

// Send creates a friend request toward userID.
func (a *FriendsAPI) Send(ctx context.Context, userID string) (*FriendRequestOutcome, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "userId", Reason: "empty"}
	}
	res, err := a.c.do(ctx, http.MethodPost, "/api/friend-requests",
		map[string]string{"userId": userID}, nil)
	if err != nil {
		return friendOutcomeFromErr(err)
	}
	req, err := decodeResult[FriendRequest](res)
	if err != nil {
		return nil, err
	}
	return &FriendRequestOutcome{Request: req}, nil
}

// Respond accepts or rejects a received request.
func (a *FriendsAPI) Respond(ctx context.Context, requestID string, accept bool) (*FriendRequestOutcome, error) {
	res, err := a.c.do(ctx, http.MethodPost, "/api/friend-requests/"+requestID+"/respond",
		map[string]bool{"accept": accept}, nil)
	if err != nil {
		return friendOutcomeFromErr(err)
	}
	req, err := decodeResult[FriendRequest](res)
	if err != nil {
		return nil, err
	}
	return &FriendRequestOutcome{Request: req}, nil
}

// Cancel withdraws a request the current user sent.
func (a *FriendsAPI) Cancel(ctx context.Context, requestID string) (*FriendRequestOutcome, error) {
	_, err := a.c.do(ctx, http.MethodDelete, "/api/friend-requests/"+requestID, nil, nil)
	if err != nil {
		return friendOutcomeFromErr(err)
	}
	return &FriendRequestOutcome{}, nil
}

// Received lists requests addressed to the current user.
func (a *FriendsAPI) Received(ctx context.Context) ([]FriendRequest, error) {
	return a.list(ctx, "/api/friend-requests/received")
}

// Sent lists requests the current user created.
func (a *FriendsAPI) Sent(ctx context.Context) ([]FriendRequest, error) {
	return a.list(ctx, "/api/friend-requests/sent")
}

func (a *FriendsAPI) list(ctx context.Context, path string) ([]FriendRequest, error) {
	res, err := a.c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	var reqs []FriendRequest
	if err := res.Decode(&reqs); err != nil {
		return nil, fmt.Errorf("failed to decode friend requests: %w", err)
	}
	return reqs, nil
}

// friendOutcomeFromErr translates duplicate rejections into informational
// outcomes; everything else stays an error.
func friendOutcomeFromErr(err error) (*FriendRequestOutcome, error) {
	var rej *ServerRejection
	if errors.As(err, &rej) && isDuplicateRejection(rej.API) {
		return &FriendRequestOutcome{Informational: true, Detail: rej.API.Message}, nil
	}
	return nil, err
}
