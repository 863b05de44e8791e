package chatwire

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Conversations
// ============================================================================

// ConversationKind distinguishes direct chats from groups.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// Participant identifies a user inside a conversation.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// MessageSummary is the compact last-message view carried on a conversation.
type MessageSummary struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Preview   string    `json:"preview,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is one entry in the conversation list.
type Conversation struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"kind"`
	Title        string           `json:"title,omitempty"`
	Participants []Participant    `json:"participants,omitempty"`
	LastMessage  *MessageSummary  `json:"lastMessage,omitempty"`
	UpdatedAt    time.Time        `json:"updatedAt"`

	// Unread is derived from the local read marker, never sent by the server.
	Unread bool `json:"-"`
}

// ============================================================================
// Messages
// ============================================================================

// MessageState tracks a message through its local lifecycle.
type MessageState string

const (
	StatePending        MessageState = "pending"
	StateConfirmed      MessageState = "confirmed"
	StateRevoked        MessageState = "revoked"
	StateLocallyDeleted MessageState = "locally_deleted"
)

// PayloadKind names the populated variant of a Payload.
type PayloadKind string

const (
	PayloadText  PayloadKind = "text"
	PayloadImage PayloadKind = "image"
	PayloadVideo PayloadKind = "video"
	PayloadFile  PayloadKind = "file"
)

// FileAttachment describes a file payload.
type FileAttachment struct {
	Ref  string `json:"ref"`
	Name string `json:"name"`
	MIME string `json:"mime,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Payload is a tagged variant: exactly one field matching Kind is populated,
// unless the message has been revoked and the payload cleared.
type Payload struct {
	Kind     PayloadKind     `json:"kind"`
	Text     string          `json:"text,omitempty"`
	ImageRef string          `json:"imageRef,omitempty"`
	VideoRef string          `json:"videoRef,omitempty"`
	File     *FileAttachment `json:"file,omitempty"`
}

// Empty reports whether no variant is populated.
func (p Payload) Empty() bool {
	return p.Text == "" && p.ImageRef == "" && p.VideoRef == "" && p.File == nil
}

// Message is a single timeline entry.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Sender         Participant  `json:"sender"`
	CreatedAt      time.Time    `json:"createdAt"`
	Payload        Payload      `json:"payload"`
	State          MessageState `json:"state,omitempty"`
}

// Draft is the caller-supplied content of an outgoing message.
type Draft struct {
	Payload Payload `json:"payload"`
}

// ============================================================================
// Groups
// ============================================================================

// GroupRole is a member's role inside a group. The creator role is assigned
// once at creation and never changes.
type GroupRole string

const (
	RoleMember  GroupRole = "member"
	RoleAdmin   GroupRole = "admin"
	RoleCreator GroupRole = "creator"
)

// GroupMember is one entry in a group's membership list.
type GroupMember struct {
	UserID   string    `json:"userId"`
	Role     GroupRole `json:"role"`
	JoinedAt time.Time `json:"joinedAt,omitempty"`
}

// Group holds a group conversation's metadata and membership.
type Group struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	AvatarRef string        `json:"avatarRef,omitempty"`
	Members   []GroupMember `json:"members,omitempty"`
}

// GroupSpec is the input for creating a group.
type GroupSpec struct {
	Name      string   `json:"name"`
	AvatarRef string   `json:"avatarRef,omitempty"`
	MemberIDs []string `json:"memberIds,omitempty"`
}

// GroupInfoUpdate carries editable group metadata. Nil fields are untouched.
type GroupInfoUpdate struct {
	Name      *string `json:"name,omitempty"`
	AvatarRef *string `json:"avatarRef,omitempty"`
}

// JoinResult is the outcome of joining a group via invite code. AlreadyMember
// is informational, not an error.
type JoinResult struct {
	Group         *Group `json:"group,omitempty"`
	AlreadyMember bool   `json:"alreadyMember"`
}

// ============================================================================
// Friend requests
// ============================================================================

// FriendRequest is a pending, accepted, or rejected contact request.
type FriendRequest struct {
	ID        string    `json:"id"`
	FromID    string    `json:"fromId"`
	ToID      string    `json:"toId"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// FriendRequestOutcome reports the result of a friend-request operation.
// Informational covers server rejections like "request already sent" that
// must not be surfaced as hard failures.
type FriendRequestOutcome struct {
	Request       *FriendRequest `json:"request,omitempty"`
	Informational bool           `json:"informational"`
	Detail        string         `json:"detail,omitempty"`
}

// ============================================================================
// Real-time wire format
// ============================================================================

// Envelope is the wire format for every real-time event, both directions.
// RequestID is set on request/response exchanges; the server echoes it on the
// reply so the client can match the two.
type Envelope struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId,omitempty"`
}

// Outbound event names.
const (
	EventSendMessage          = "sendMessage"
	EventSendGroupMessage     = "sendGroupMessage"
	EventJoinGroupRoom        = "joinGroupRoom"
	EventLeaveGroupRoom       = "leaveGroupRoom"
	EventRevokeMessage        = "revokeMessage"
	EventSendFriendRequest    = "sendFriendRequest"
	EventRespondFriendRequest = "respondToFriendRequest"
	EventCancelFriendRequest  = "cancelFriendRequest"
	EventCreateGroup          = "createGroup"
	EventUpdateGroup          = "updateGroup"
	EventAddMember            = "addMember"
	EventRemoveMember         = "removeMember"
	EventChangeRole           = "changeRole"
)

// Inbound event names.
const (
	EventConversationUpdated    = "conversationUpdated"
	EventReceiveMessage         = "receiveMessage"
	EventReceiveGroupMessage    = "receiveGroupMessage"
	EventMessageRevoked         = "messageRevoked"
	EventFriendRequest          = "friendRequest"
	EventFriendRequestResponse  = "friendRequestResponse"
	EventFriendRequestCancelled = "friendRequestCancelled"
	EventMemberAdded            = "memberAddedToGroup"
	EventMemberRemoved          = "memberRemovedFromGroup"
	EventRoleChanged            = "roleChanged"
	EventGroupUpdated           = "groupUpdated"
	EventGroupDeleted           = "groupDeleted"
)

// MessageRevokedPayload is the inbound body of a messageRevoked event.
type MessageRevokedPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// MembershipPayload is the inbound body of member/role group events.
type MembershipPayload struct {
	GroupID  string    `json:"groupId"`
	UserID   string    `json:"userId"`
	ActorID  string    `json:"actorId,omitempty"`
	Role     GroupRole `json:"role,omitempty"`
	JoinedAt time.Time `json:"joinedAt,omitempty"`
}

// GroupUpdatedPayload is the inbound body of groupUpdated/groupDeleted events.
type GroupUpdatedPayload struct {
	GroupID   string  `json:"groupId"`
	Name      *string `json:"name,omitempty"`
	AvatarRef *string `json:"avatarRef,omitempty"`
}

// ============================================================================
// REST envelope
// ============================================================================

// APIResult is the generic REST response envelope.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided value.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
