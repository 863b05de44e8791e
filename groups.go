package chatwire

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// GroupCoordinatorOptions configures a GroupCoordinator.
type GroupCoordinatorOptions struct {
	// Outbox, when set, retries group mutations that failed on transport in
	// the background after the optimistic local transition.
	Outbox *Outbox

	// OnSystemMessage is the hook for posting synthetic system messages
	// (member joined, role changed, ...) into the group's timeline.
	OnSystemMessage func(groupID, text string)
}

// GroupCoordinator layers group semantics over the shared channel: membership
// and metadata changes arrive as live events and merge with the same
// idempotence discipline as messages. Mutations run REST-first, with the
// REST result as the authority, followed by an advisory emit that tells
// other clients to re-fetch or merge.
type GroupCoordinator struct {
	client *Client
	rt     *RealtimeClient
	userID string
	log    *zap.Logger
	outbox *Outbox
	system func(groupID, text string)

	mu     sync.Mutex
	groups map[string]*Group
	subs   []Unsubscribe
}

// NewGroupCoordinator builds the coordinator and registers its live-event
// handlers on the shared channel. Call Close to release them.
func NewGroupCoordinator(client *Client, rt *RealtimeClient, userID string, opts *GroupCoordinatorOptions) *GroupCoordinator {
	g := &GroupCoordinator{
		client: client,
		rt:     rt,
		userID: userID,
		log:    client.log,
		groups: make(map[string]*Group),
	}
	if opts != nil {
		g.outbox = opts.Outbox
		g.system = opts.OnSystemMessage
	}

	if rt != nil {
		g.subs = append(g.subs,
			rt.Subscribe(EventMemberAdded, g.onMembership),
			rt.Subscribe(EventMemberRemoved, g.onMembership),
			rt.Subscribe(EventRoleChanged, g.onMembership),
			rt.Subscribe(EventGroupUpdated, g.onGroupUpdated),
			rt.Subscribe(EventGroupDeleted, g.onGroupDeleted),
		)
	}
	return g
}

// Close deregisters all event handlers.
func (g *GroupCoordinator) Close() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()
	for _, u := range subs {
		u()
	}
}

// Group returns the cached membership view of one group.
func (g *GroupCoordinator) Group(groupID string) (Group, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp, ok := g.groups[groupID]
	if !ok {
		return Group{}, false
	}
	out := *grp
	out.Members = append([]GroupMember{}, grp.Members...)
	return out, true
}

// ============================================================================
// Mutations (REST authoritative, emit advisory)
// ============================================================================

// CreateGroup creates a group, joins its room, and notifies other members.
func (g *GroupCoordinator) CreateGroup(ctx context.Context, spec GroupSpec) (*Group, error) {
	grp, err := g.client.Groups().Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.groups[grp.ID] = grp
	g.mu.Unlock()

	if g.rt != nil {
		g.rt.Emit(ctx, EventJoinGroupRoom, map[string]string{"groupId": grp.ID})
		g.rt.Emit(ctx, EventCreateGroup, grp)
	}
	return grp, nil
}

// AddMember adds a user and advises other clients.
func (g *GroupCoordinator) AddMember(ctx context.Context, groupID, userID string) error {
	apply := func() {
		g.applyMemberAdded(MembershipPayload{GroupID: groupID, UserID: userID, Role: RoleMember})
	}
	err := g.mutate(ctx,
		func() error { return g.client.Groups().AddMember(ctx, groupID, userID) },
		"group.member.add", http.MethodPost, "/api/groups/"+groupID+"/members",
		map[string]string{"userId": userID},
		apply)
	if err != nil {
		return err
	}
	if g.rt != nil {
		g.rt.Emit(ctx, EventAddMember, MembershipPayload{GroupID: groupID, UserID: userID, ActorID: g.userID})
	}
	return nil
}

// RemoveMember removes a user and advises other clients.
func (g *GroupCoordinator) RemoveMember(ctx context.Context, groupID, userID string) error {
	apply := func() {
		g.applyMemberRemoved(MembershipPayload{GroupID: groupID, UserID: userID})
	}
	err := g.mutate(ctx,
		func() error { return g.client.Groups().RemoveMember(ctx, groupID, userID) },
		"group.member.remove", http.MethodDelete, "/api/groups/"+groupID+"/members/"+userID,
		nil, apply)
	if err != nil {
		return err
	}
	if g.rt != nil {
		g.rt.Emit(ctx, EventRemoveMember, MembershipPayload{GroupID: groupID, UserID: userID, ActorID: g.userID})
	}
	return nil
}

// ChangeRole changes a member's role. The creator role can never be granted
// or taken away.
func (g *GroupCoordinator) ChangeRole(ctx context.Context, groupID, userID string, role GroupRole) error {
	if role == RoleCreator {
		return &ValidationError{Field: "role", Reason: "creator is immutable"}
	}
	g.mu.Lock()
	if grp, ok := g.groups[groupID]; ok {
		for _, m := range grp.Members {
			if m.UserID == userID && m.Role == RoleCreator {
				g.mu.Unlock()
				return &ValidationError{Field: "role", Reason: "creator is immutable"}
			}
		}
	}
	g.mu.Unlock()

	apply := func() {
		g.applyRoleChanged(MembershipPayload{GroupID: groupID, UserID: userID, Role: role})
	}
	err := g.mutate(ctx,
		func() error { return g.client.Groups().ChangeRole(ctx, groupID, userID, role) },
		"group.role.change", http.MethodPut, "/api/groups/"+groupID+"/members/"+userID+"/role",
		map[string]string{"role": string(role)},
		apply)
	if err != nil {
		return err
	}
	if g.rt != nil {
		g.rt.Emit(ctx, EventChangeRole, MembershipPayload{GroupID: groupID, UserID: userID, Role: role, ActorID: g.userID})
	}
	return nil
}

// UpdateInfo edits group metadata and advises other clients.
func (g *GroupCoordinator) UpdateInfo(ctx context.Context, groupID string, update GroupInfoUpdate) error {
	apply := func() {
		g.applyGroupUpdate(GroupUpdatedPayload{GroupID: groupID, Name: update.Name, AvatarRef: update.AvatarRef})
	}
	err := g.mutate(ctx,
		func() error { return g.client.Groups().UpdateInfo(ctx, groupID, update) },
		"group.info.update", http.MethodPut, "/api/groups/"+groupID,
		update, apply)
	if err != nil {
		return err
	}
	if g.rt != nil {
		g.rt.Emit(ctx, EventUpdateGroup, GroupUpdatedPayload{GroupID: groupID, Name: update.Name, AvatarRef: update.AvatarRef})
	}
	return nil
}

// Leave removes the current user from the group and leaves its room.
func (g *GroupCoordinator) Leave(ctx context.Context, groupID string) error {
	if err := g.client.Groups().Leave(ctx, groupID); err != nil {
		return err
	}
	g.mu.Lock()
	delete(g.groups, groupID)
	g.mu.Unlock()
	if g.rt != nil {
		g.rt.Emit(ctx, EventLeaveGroupRoom, map[string]string{"groupId": groupID})
		g.rt.Emit(ctx, EventRemoveMember, MembershipPayload{GroupID: groupID, UserID: g.userID, ActorID: g.userID})
	}
	return nil
}

// JoinViaInviteCode joins a group by invite code. Already being a member is
// an informational outcome, not an error; callers must branch on it.
func (g *GroupCoordinator) JoinViaInviteCode(ctx context.Context, code string) (*JoinResult, error) {
	res, err := g.client.Groups().Join(ctx, code)
	if err != nil {
		return nil, err
	}
	if res.Group != nil {
		g.mu.Lock()
		g.groups[res.Group.ID] = res.Group
		g.mu.Unlock()
		if g.rt != nil {
			g.rt.Emit(ctx, EventJoinGroupRoom, map[string]string{"groupId": res.Group.ID})
		}
	}
	return res, nil
}

// mutate runs a REST mutation and applies the local effect on success. A
// transport failure still applies the effect optimistically and hands the
// call to the reconcile queue; a server rejection applies nothing.
func (g *GroupCoordinator) mutate(ctx context.Context, call func() error, kind, method, path string, body interface{}, apply func()) error {
	err := call()
	if err == nil {
		apply()
		return nil
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) && g.outbox != nil {
		g.log.Warn("group mutation deferred to reconcile queue",
			zap.String("kind", kind), zap.Error(err))
		apply()
		g.outbox.Enqueue(kind, method, path, body)
		return nil
	}
	return err
}

// ============================================================================
// Live events
// ============================================================================

func (g *GroupCoordinator) onMembership(event string, payload json.RawMessage) {
	var p MembershipPayload
	if json.Unmarshal(payload, &p) != nil || p.GroupID == "" {
		return
	}
	switch event {
	case EventMemberAdded:
		g.applyMemberAdded(p)
		g.postSystem(p.GroupID, p.UserID+" joined the group")
	case EventMemberRemoved:
		g.applyMemberRemoved(p)
		g.postSystem(p.GroupID, p.UserID+" left the group")
	case EventRoleChanged:
		g.applyRoleChanged(p)
		g.postSystem(p.GroupID, p.UserID+" is now "+string(p.Role))
	}
}

func (g *GroupCoordinator) onGroupUpdated(_ string, payload json.RawMessage) {
	var p GroupUpdatedPayload
	if json.Unmarshal(payload, &p) != nil || p.GroupID == "" {
		return
	}
	g.applyGroupUpdate(p)
	g.postSystem(p.GroupID, "group info updated")
}

func (g *GroupCoordinator) onGroupDeleted(_ string, payload json.RawMessage) {
	var p GroupUpdatedPayload
	if json.Unmarshal(payload, &p) != nil || p.GroupID == "" {
		return
	}
	g.mu.Lock()
	delete(g.groups, p.GroupID)
	g.mu.Unlock()
	g.postSystem(p.GroupID, "group was deleted")
}

// applyMemberAdded merges idempotently: re-adding an existing member only
// refreshes the role.
func (g *GroupCoordinator) applyMemberAdded(p MembershipPayload) {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp, ok := g.groups[p.GroupID]
	if !ok {
		return
	}
	role := p.Role
	if role == "" || role == RoleCreator {
		role = RoleMember
	}
	for i, m := range grp.Members {
		if m.UserID == p.UserID {
			if m.Role != RoleCreator {
				grp.Members[i].Role = role
			}
			return
		}
	}
	grp.Members = append(grp.Members, GroupMember{UserID: p.UserID, Role: role, JoinedAt: p.JoinedAt})
}

func (g *GroupCoordinator) applyMemberRemoved(p MembershipPayload) {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp, ok := g.groups[p.GroupID]
	if !ok {
		return
	}
	for i, m := range grp.Members {
		if m.UserID == p.UserID {
			grp.Members = append(grp.Members[:i], grp.Members[i+1:]...)
			return
		}
	}
}

func (g *GroupCoordinator) applyRoleChanged(p MembershipPayload) {
	if p.Role == "" || p.Role == RoleCreator {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	grp, ok := g.groups[p.GroupID]
	if !ok {
		return
	}
	for i, m := range grp.Members {
		if m.UserID == p.UserID {
			if m.Role == RoleCreator {
				return
			}
			grp.Members[i].Role = p.Role
			return
		}
	}
}

func (g *GroupCoordinator) applyGroupUpdate(p GroupUpdatedPayload) {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp, ok := g.groups[p.GroupID]
	if !ok {
		return
	}
	if p.Name != nil {
		grp.Name = *p.Name
	}
	if p.AvatarRef != nil {
		grp.AvatarRef = *p.AvatarRef
	}
}

func (g *GroupCoordinator) postSystem(groupID, text string) {
	if g.system != nil {
		g.system(groupID, text)
	}
}

// Track caches a group fetched elsewhere so live events for it apply.
func (g *GroupCoordinator) Track(grp Group) {
	copied := grp
	copied.Members = append([]GroupMember{}, grp.Members...)
	g.mu.Lock()
	g.groups[grp.ID] = &copied
	g.mu.Unlock()
}
