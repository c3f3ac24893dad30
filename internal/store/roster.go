package store

import (
	"database/sql"
	"fmt"
)

// Friend is one entry of the durable friend roster: a remark name and a
// blocked flag, keyed by username.
type Friend struct {
	Username string
	Remark   string
	Blocked  bool
	AddedAt  int64
}

// SaveFriend inserts or updates a friend roster entry, preserving AddedAt
// across updates.
func (s *Store) SaveFriend(f Friend) error {
	_, err := s.db.Exec(
		`INSERT INTO friends(username, remark, blocked) VALUES(?, ?, ?)
		 ON CONFLICT(username) DO UPDATE SET remark = excluded.remark, blocked = excluded.blocked`,
		f.Username, f.Remark, f.Blocked)
	if err != nil {
		return fmt.Errorf("store: save friend: %w", err)
	}
	return nil
}

// Friend returns the roster entry for username, if any.
func (s *Store) Friend(username string) (Friend, bool, error) {
	var f Friend
	f.Username = username
	err := s.db.QueryRow(`SELECT remark, blocked, added_at FROM friends WHERE username = ?`, username).
		Scan(&f.Remark, &f.Blocked, &f.AddedAt)
	switch {
	case err == sql.ErrNoRows:
		return Friend{}, false, nil
	case err != nil:
		return Friend{}, false, fmt.Errorf("store: load friend: %w", err)
	}
	return f, true, nil
}

// ListFriends returns every roster entry, ordered by username.
func (s *Store) ListFriends() ([]Friend, error) {
	rows, err := s.db.Query(`SELECT username, remark, blocked, added_at FROM friends ORDER BY username ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list friends: %w", err)
	}
	defer rows.Close()

	var out []Friend
	for rows.Next() {
		var f Friend
		if err := rows.Scan(&f.Username, &f.Remark, &f.Blocked, &f.AddedAt); err != nil {
			return nil, fmt.Errorf("store: scan friend: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteFriend removes username from the roster entirely.
func (s *Store) DeleteFriend(username string) error {
	if _, err := s.db.Exec(`DELETE FROM friends WHERE username = ?`, username); err != nil {
		return fmt.Errorf("store: delete friend: %w", err)
	}
	return nil
}

// Device is one entry of the local account's linked-device roster.
type Device struct {
	DeviceID  string
	Label     string
	LastSeenMs int64
}

// SaveDevice inserts or updates a device roster entry.
func (s *Store) SaveDevice(d Device) error {
	_, err := s.db.Exec(
		`INSERT INTO devices(device_id, label, last_seen_ms) VALUES(?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET label = excluded.label, last_seen_ms = excluded.last_seen_ms`,
		d.DeviceID, d.Label, d.LastSeenMs)
	if err != nil {
		return fmt.Errorf("store: save device: %w", err)
	}
	return nil
}

// ListDevices returns every linked device, ordered by device_id.
func (s *Store) ListDevices() ([]Device, error) {
	rows, err := s.db.Query(`SELECT device_id, label, last_seen_ms FROM devices ORDER BY device_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.DeviceID, &d.Label, &d.LastSeenMs); err != nil {
			return nil, fmt.Errorf("store: scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDevice removes deviceID from the roster, per kick_device.
func (s *Store) DeleteDevice(deviceID string) error {
	if _, err := s.db.Exec(`DELETE FROM devices WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("store: delete device: %w", err)
	}
	return nil
}

// GroupRole is a member's standing within a group, one of owner|admin|member.
type GroupRole string

const (
	RoleOwner  GroupRole = "owner"
	RoleAdmin  GroupRole = "admin"
	RoleMember GroupRole = "member"
)

// GroupMember is one (group_id, username) roster row.
type GroupMember struct {
	GroupID  string
	Username string
	Role     GroupRole
}

// SaveGroupMember inserts or updates a member's role within a group.
func (s *Store) SaveGroupMember(m GroupMember) error {
	_, err := s.db.Exec(
		`INSERT INTO group_members(group_id, username, role) VALUES(?, ?, ?)
		 ON CONFLICT(group_id, username) DO UPDATE SET role = excluded.role`,
		m.GroupID, m.Username, string(m.Role))
	if err != nil {
		return fmt.Errorf("store: save group member: %w", err)
	}
	return nil
}

// ListGroupMembers returns groupID's roster, ordered by username.
func (s *Store) ListGroupMembers(groupID string) ([]GroupMember, error) {
	rows, err := s.db.Query(
		`SELECT group_id, username, role FROM group_members WHERE group_id = ? ORDER BY username ASC`, groupID)
	if err != nil {
		return nil, fmt.Errorf("store: list group members: %w", err)
	}
	defer rows.Close()

	var out []GroupMember
	for rows.Next() {
		var m GroupMember
		var role string
		if err := rows.Scan(&m.GroupID, &m.Username, &role); err != nil {
			return nil, fmt.Errorf("store: scan group member: %w", err)
		}
		m.Role = GroupRole(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

// GroupMemberRole returns username's role in groupID, if a member.
func (s *Store) GroupMemberRole(groupID, username string) (GroupRole, bool, error) {
	var role string
	err := s.db.QueryRow(
		`SELECT role FROM group_members WHERE group_id = ? AND username = ?`, groupID, username).Scan(&role)
	switch {
	case err == sql.ErrNoRows:
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("store: load group member role: %w", err)
	}
	return GroupRole(role), true, nil
}

// DeleteGroupMember removes username from groupID's roster.
func (s *Store) DeleteGroupMember(groupID, username string) error {
	if _, err := s.db.Exec(`DELETE FROM group_members WHERE group_id = ? AND username = ?`, groupID, username); err != nil {
		return fmt.Errorf("store: delete group member: %w", err)
	}
	return nil
}

// DeleteGroup removes every roster row for groupID, per leave_group on the
// last member or an administrative group teardown.
func (s *Store) DeleteGroup(groupID string) error {
	if _, err := s.db.Exec(`DELETE FROM group_members WHERE group_id = ?`, groupID); err != nil {
		return fmt.Errorf("store: delete group: %w", err)
	}
	return nil
}
