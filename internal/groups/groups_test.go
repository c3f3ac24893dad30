package groups

import (
	"testing"

	"mi-e2ee/core/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st)
}

func TestCreateGroupRejectsDuplicate(t *testing.T) {
	m := newTestManager(t)
	if err := m.CreateGroup("g1", "alice"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := m.CreateGroup("g1", "alice"); err == nil {
		t.Fatal("expected error creating an already-existing group")
	}
	role, ok, err := m.MemberRole("g1", "alice")
	if err != nil || !ok {
		t.Fatalf("MemberRole: ok=%v err=%v", ok, err)
	}
	if role != store.RoleOwner {
		t.Errorf("expected owner role, got %q", role)
	}
}

func TestJoinAndLeaveGroup(t *testing.T) {
	m := newTestManager(t)
	m.CreateGroup("g1", "alice")
	if err := m.JoinGroup("g1", "bob"); err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}
	isMember, err := m.IsMember("g1", "bob")
	if err != nil || !isMember {
		t.Fatalf("IsMember: %v %v", isMember, err)
	}

	if err := m.LeaveGroup("g1", "bob"); err != nil {
		t.Fatalf("LeaveGroup: %v", err)
	}
	isMember, err = m.IsMember("g1", "bob")
	if err != nil || isMember {
		t.Fatalf("expected bob no longer a member: %v %v", isMember, err)
	}
}

func TestLeaveGroupByLastMemberTearsDownRoster(t *testing.T) {
	m := newTestManager(t)
	m.CreateGroup("g1", "alice")
	if err := m.LeaveGroup("g1", "alice"); err != nil {
		t.Fatalf("LeaveGroup: %v", err)
	}
	members, err := m.ListGroupMembersInfo("g1")
	if err != nil {
		t.Fatalf("ListGroupMembersInfo: %v", err)
	}
	if len(members) != 0 {
		t.Errorf("expected empty roster after last member leaves, got %v", members)
	}
}

func TestSetGroupMemberRoleRejectsNonMember(t *testing.T) {
	m := newTestManager(t)
	m.CreateGroup("g1", "alice")
	if err := m.SetGroupMemberRole("g1", "ghost", store.RoleAdmin); err == nil {
		t.Fatal("expected error promoting a non-member")
	}
}

func TestIsOwnerOrAdmin(t *testing.T) {
	m := newTestManager(t)
	m.CreateGroup("g1", "alice")
	m.JoinGroup("g1", "bob")

	ownerOk, err := m.IsOwnerOrAdmin("g1", "alice")
	if err != nil || !ownerOk {
		t.Fatalf("expected alice owner-or-admin: %v %v", ownerOk, err)
	}
	memberOk, err := m.IsOwnerOrAdmin("g1", "bob")
	if err != nil || memberOk {
		t.Fatalf("expected bob not owner-or-admin: %v %v", memberOk, err)
	}

	if err := m.SetGroupMemberRole("g1", "bob", store.RoleAdmin); err != nil {
		t.Fatalf("SetGroupMemberRole: %v", err)
	}
	adminOk, err := m.IsOwnerOrAdmin("g1", "bob")
	if err != nil || !adminOk {
		t.Fatalf("expected bob owner-or-admin after promotion: %v %v", adminOk, err)
	}
}

func TestKickGroupMemberRemovesEntry(t *testing.T) {
	m := newTestManager(t)
	m.CreateGroup("g1", "alice")
	m.JoinGroup("g1", "bob")
	if err := m.KickGroupMember("g1", "bob"); err != nil {
		t.Fatalf("KickGroupMember: %v", err)
	}
	isMember, err := m.IsMember("g1", "bob")
	if err != nil || isMember {
		t.Fatalf("expected bob removed: %v %v", isMember, err)
	}
}

func TestMembersReturnsPlainUsernameList(t *testing.T) {
	m := newTestManager(t)
	m.CreateGroup("g1", "alice")
	m.JoinGroup("g1", "bob")
	members, err := m.Members("g1")
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %v", members)
	}
}
