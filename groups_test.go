package chatwire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

// groupServer answers every group endpoint with a canned group record.
type groupServer struct {
	srv *httptest.Server

	mu    sync.Mutex
	paths []string
}

func newGroupServer(t *testing.T) *groupServer {
	t.Helper()
	gs := &groupServer{}
	gs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gs.mu.Lock()
		gs.paths = append(gs.paths, r.Method+" "+r.URL.Path)
		gs.mu.Unlock()
		fmt.Fprint(w, `{"ok":true,"data":{"id":"g1","name":"Team","members":[{"userId":"alice","role":"creator"}]}}`)
	}))
	t.Cleanup(gs.srv.Close)
	return gs
}

func (g *groupServer) requests() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string{}, g.paths...)
}

func newTestCoordinator(t *testing.T, gs *groupServer, opts *GroupCoordinatorOptions) *GroupCoordinator {
	t.Helper()
	client := NewClient("tok", WithBaseURL(gs.srv.URL))
	g := NewGroupCoordinator(client, nil, "alice", opts)
	t.Cleanup(g.Close)
	return g
}

func trackedGroup(g *GroupCoordinator, members ...GroupMember) {
	g.Track(Group{ID: "g1", Name: "Team", Members: members})
}

// ============================================================================
// Mutations
// ============================================================================

func TestGroupCoordinator_CreateCachesGroup(t *testing.T) {
	gs := newGroupServer(t)
	g := newTestCoordinator(t, gs, nil)

	grp, err := g.CreateGroup(context.Background(), GroupSpec{Name: "Team"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if grp.ID != "g1" {
		t.Fatalf("expected g1, got %s", grp.ID)
	}
	if _, ok := g.Group("g1"); !ok {
		t.Fatal("expected created group cached")
	}
}

func TestGroupCoordinator_AddMemberUpdatesCache(t *testing.T) {
	gs := newGroupServer(t)
	g := newTestCoordinator(t, gs, nil)
	trackedGroup(g, GroupMember{UserID: "alice", Role: RoleCreator})

	if err := g.AddMember(context.Background(), "g1", "bob"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	grp, _ := g.Group("g1")
	if len(grp.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(grp.Members))
	}
}

func TestGroupCoordinator_RemoveMemberUpdatesCache(t *testing.T) {
	gs := newGroupServer(t)
	g := newTestCoordinator(t, gs, nil)
	trackedGroup(g,
		GroupMember{UserID: "alice", Role: RoleCreator},
		GroupMember{UserID: "bob", Role: RoleMember})

	if err := g.RemoveMember(context.Background(), "g1", "bob"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	grp, _ := g.Group("g1")
	if len(grp.Members) != 1 || grp.Members[0].UserID != "alice" {
		t.Fatalf("expected only alice left, got %+v", grp.Members)
	}
}

// ============================================================================
// Role rules
// ============================================================================

func TestGroupCoordinator_CreatorRoleImmutable(t *testing.T) {
	gs := newGroupServer(t)
	g := newTestCoordinator(t, gs, nil)
	trackedGroup(g,
		GroupMember{UserID: "alice", Role: RoleCreator},
		GroupMember{UserID: "bob", Role: RoleMember})

	// Granting creator is refused locally.
	err := g.ChangeRole(context.Background(), "g1", "bob", RoleCreator)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError granting creator, got %v", err)
	}

	// Demoting the creator is refused locally.
	err = g.ChangeRole(context.Background(), "g1", "alice", RoleMember)
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError demoting creator, got %v", err)
	}

	// Neither refusal reached the server.
	for _, p := range gs.requests() {
		t.Fatalf("unexpected server call: %s", p)
	}
}

func TestGroupCoordinator_ChangeRolePromotesAdmin(t *testing.T) {
	gs := newGroupServer(t)
	g := newTestCoordinator(t, gs, nil)
	trackedGroup(g,
		GroupMember{UserID: "alice", Role: RoleCreator},
		GroupMember{UserID: "bob", Role: RoleMember})

	if err := g.ChangeRole(context.Background(), "g1", "bob", RoleAdmin); err != nil {
		t.Fatalf("ChangeRole: %v", err)
	}
	grp, _ := g.Group("g1")
	for _, m := range grp.Members {
		if m.UserID == "bob" && m.Role != RoleAdmin {
			t.Fatalf("expected bob promoted to admin, got %s", m.Role)
		}
	}
}

// ============================================================================
// Live events
// ============================================================================

func membershipEnvelope(t *testing.T, p MembershipPayload) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

func TestGroupCoordinator_MemberAddedIdempotent(t *testing.T) {
	gs := newGroupServer(t)
	g := newTestCoordinator(t, gs, nil)
	trackedGroup(g, GroupMember{UserID: "alice", Role: RoleCreator})

	payload := membershipEnvelope(t, MembershipPayload{GroupID: "g1", UserID: "bob", Role: RoleMember})
	g.onMembership(EventMemberAdded, payload)
	g.onMembership(EventMemberAdded, payload)

	grp, _ := g.Group("g1")
	if len(grp.Members) != 2 {
		t.Fatalf("expected duplicate memberAdded to merge, got %d members", len(grp.Members))
	}
}

func TestGroupCoordinator_RoleChangeEventIgnoresCreator(t *testing.T) {
	gs := newGroupServer(t)
	g := newTestCoordinator(t, gs, nil)
	trackedGroup(g, GroupMember{UserID: "alice", Role: RoleCreator})

	g.onMembership(EventRoleChanged,
		membershipEnvelope(t, MembershipPayload{GroupID: "g1", UserID: "alice", Role: RoleMember}))

	grp, _ := g.Group("g1")
	if grp.Members[0].Role != RoleCreator {
		t.Fatalf("creator role changed by event: %s", grp.Members[0].Role)
	}
}

func TestGroupCoordinator_MembershipEventsPostSystemMessages(t *testing.T) {
	gs := newGroupServer(t)
	var mu sync.Mutex
	var notices []string
	g := newTestCoordinator(t, gs, &GroupCoordinatorOptions{
		OnSystemMessage: func(groupID, text string) {
			mu.Lock()
			notices = append(notices, groupID+": "+text)
			mu.Unlock()
		},
	})
	trackedGroup(g, GroupMember{UserID: "alice", Role: RoleCreator})

	g.onMembership(EventMemberAdded,
		membershipEnvelope(t, MembershipPayload{GroupID: "g1", UserID: "bob"}))
	g.onMembership(EventMemberRemoved,
		membershipEnvelope(t, MembershipPayload{GroupID: "g1", UserID: "bob"}))

	mu.Lock()
	defer mu.Unlock()
	if len(notices) != 2 {
		t.Fatalf("expected 2 system notices, got %v", notices)
	}
}

func TestGroupCoordinator_GroupUpdatedMergesMetadata(t *testing.T) {
	gs := newGroupServer(t)
	g := newTestCoordinator(t, gs, nil)
	trackedGroup(g, GroupMember{UserID: "alice", Role: RoleCreator})

	name := "Renamed"
	data, _ := json.Marshal(GroupUpdatedPayload{GroupID: "g1", Name: &name})
	g.onGroupUpdated(EventGroupUpdated, data)

	grp, _ := g.Group("g1")
	if grp.Name != "Renamed" {
		t.Fatalf("expected renamed group, got %q", grp.Name)
	}
}

func TestGroupCoordinator_GroupDeletedDropsCache(t *testing.T) {
	gs := newGroupServer(t)
	g := newTestCoordinator(t, gs, nil)
	trackedGroup(g, GroupMember{UserID: "alice", Role: RoleCreator})

	data, _ := json.Marshal(GroupUpdatedPayload{GroupID: "g1"})
	g.onGroupDeleted(EventGroupDeleted, data)

	if _, ok := g.Group("g1"); ok {
		t.Fatal("expected deleted group dropped from cache")
	}
}

// ============================================================================
// Invite codes
// ============================================================================

func TestGroupCoordinator_JoinAlreadyMemberInformational(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"ok":false,"error":{"code":"ALREADY_MEMBER","message":"already a member"}}`)
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	g := NewGroupCoordinator(client, nil, "alice", nil)
	defer g.Close()

	res, err := g.JoinViaInviteCode(context.Background(), "invite-1")
	if err != nil {
		t.Fatalf("expected informational outcome, got error %v", err)
	}
	if !res.AlreadyMember {
		t.Fatal("expected AlreadyMember set")
	}
}

// ============================================================================
// Deferred reconciliation
// ============================================================================

// A transport failure applies the local change and parks the server write on
// the reconcile queue instead of failing the call.
func TestGroupCoordinator_TransportFailureDefersToOutbox(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // every request now fails at the transport level

	client := NewClient("tok", WithBaseURL(srv.URL))
	ob := NewOutbox(client, nil)
	g := NewGroupCoordinator(client, nil, "alice", &GroupCoordinatorOptions{Outbox: ob})
	defer g.Close()
	trackedGroup(g, GroupMember{UserID: "alice", Role: RoleCreator})

	if err := g.AddMember(context.Background(), "g1", "bob"); err != nil {
		t.Fatalf("expected deferred success, got %v", err)
	}
	grp, _ := g.Group("g1")
	if len(grp.Members) != 2 {
		t.Fatal("expected optimistic local membership change")
	}
	if ob.PendingCount() != 1 {
		t.Fatalf("expected 1 reconcile op, got %d", ob.PendingCount())
	}
}

// A server rejection is final: no local change, no queue entry.
func TestGroupCoordinator_ServerRejectionAppliesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"ok":false,"error":{"code":"INVALID","message":"no"}}`)
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	ob := NewOutbox(client, nil)
	g := NewGroupCoordinator(client, nil, "alice", &GroupCoordinatorOptions{Outbox: ob})
	defer g.Close()
	trackedGroup(g, GroupMember{UserID: "alice", Role: RoleCreator})

	err := g.AddMember(context.Background(), "g1", "bob")
	var rej *ServerRejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected ServerRejection, got %v", err)
	}
	grp, _ := g.Group("g1")
	if len(grp.Members) != 1 {
		t.Fatal("rejected mutation must not change local state")
	}
	if ob.PendingCount() != 0 {
		t.Fatal("rejected mutation must not queue reconcile work")
	}
}
