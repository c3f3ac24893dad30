// Package groups implements the group membership & roles supplement to the
// Host API: create_group, join_group, leave_group, list_group_members_info,
// set_group_member_role, kick_group_member. Durable via LocalStore,
// consulted by GroupCallKeyAgent for call-member snapshots and by
// SendPipeline for "not in group" classification.
package groups

import (
	"mi-e2ee/core/internal/coreerr"
	"mi-e2ee/core/internal/store"
)

// Manager is group membership & role bookkeeping. It holds no lock of its
// own, and the Facade's group methods call it without taking the session
// mutex.
type Manager struct {
	st *store.Store
}

func New(st *store.Store) *Manager {
	return &Manager{st: st}
}

// CreateGroup registers groupID with owner as its sole, owning member.
func (m *Manager) CreateGroup(groupID, owner string) error {
	if groupID == "" || owner == "" {
		return coreerr.New(coreerr.KindInvalidArgument, "group id and owner must be non-empty")
	}
	if _, ok, err := m.st.GroupMemberRole(groupID, owner); err != nil {
		return err
	} else if ok {
		return coreerr.New(coreerr.KindInvalidArgument, "group already exists")
	}
	return m.st.SaveGroupMember(store.GroupMember{GroupID: groupID, Username: owner, Role: store.RoleOwner})
}

// JoinGroup adds username to groupID as a plain member.
func (m *Manager) JoinGroup(groupID, username string) error {
	return m.st.SaveGroupMember(store.GroupMember{GroupID: groupID, Username: username, Role: store.RoleMember})
}

// LeaveGroup removes username from groupID. If username was the group's
// last remaining member, the group's roster row is torn down entirely.
func (m *Manager) LeaveGroup(groupID, username string) error {
	if err := m.st.DeleteGroupMember(groupID, username); err != nil {
		return err
	}
	members, err := m.st.ListGroupMembers(groupID)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return m.st.DeleteGroup(groupID)
	}
	return nil
}

// ListGroupMembersInfo returns groupID's full membership roster.
func (m *Manager) ListGroupMembersInfo(groupID string) ([]store.GroupMember, error) {
	return m.st.ListGroupMembers(groupID)
}

// SetGroupMemberRole changes target's role within groupID. It does not check
// the acting user's own role, and Facade.SetGroupMemberRole passes the call
// through without such a check either.
func (m *Manager) SetGroupMemberRole(groupID, target string, role store.GroupRole) error {
	if role != store.RoleOwner && role != store.RoleAdmin && role != store.RoleMember {
		return coreerr.New(coreerr.KindInvalidArgument, "role must be owner, admin, or member")
	}
	if _, ok, err := m.st.GroupMemberRole(groupID, target); err != nil {
		return err
	} else if !ok {
		return coreerr.New(coreerr.KindInvalidArgument, "not in group")
	}
	return m.st.SaveGroupMember(store.GroupMember{GroupID: groupID, Username: target, Role: role})
}

// KickGroupMember removes target from groupID's roster.
func (m *Manager) KickGroupMember(groupID, target string) error {
	return m.st.DeleteGroupMember(groupID, target)
}

// IsMember reports whether username is a member of groupID, consulted by
// SendPipeline's "not in group" classification.
func (m *Manager) IsMember(groupID, username string) (bool, error) {
	_, ok, err := m.st.GroupMemberRole(groupID, username)
	return ok, err
}

// MemberRole returns username's role within groupID, if a member.
func (m *Manager) MemberRole(groupID, username string) (store.GroupRole, bool, error) {
	return m.st.GroupMemberRole(groupID, username)
}

// IsOwnerOrAdmin reports whether username may perform owner/admin-gated
// operations on groupID — including GroupCallKeyAgent's "only the current
// call owner may rotate" check.
func (m *Manager) IsOwnerOrAdmin(groupID, username string) (bool, error) {
	role, ok, err := m.st.GroupMemberRole(groupID, username)
	if err != nil || !ok {
		return false, err
	}
	return role == store.RoleOwner || role == store.RoleAdmin, nil
}

// Members returns the plain username list for groupID, the shape
// GroupCallKeyAgent.StartCall/RotateKey consume as a call-member snapshot.
func (m *Manager) Members(groupID string) ([]string, error) {
	rows, err := m.st.ListGroupMembers(groupID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Username)
	}
	return out, nil
}
