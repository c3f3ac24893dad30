// Package roster implements the friend/device roster management supplement
// to the Host API: add_friend, set_friend_remark, delete_friend,
// set_user_blocked, list_devices, kick_device. Durable via LocalStore,
// grounded on internal/trust's mutex-guarded-struct-over-store shape.
package roster

import (
	"mi-e2ee/core/internal/coreerr"
	"mi-e2ee/core/internal/store"
)

// Manager is the friend/device roster. It holds no lock of its own, and
// the Facade's roster methods call it without taking the session mutex.
type Manager struct {
	st *store.Store
}

func New(st *store.Store) *Manager {
	return &Manager{st: st}
}

// AddFriend adds username to the roster if not already present.
func (m *Manager) AddFriend(username string) error {
	if username == "" {
		return coreerr.New(coreerr.KindInvalidArgument, "username empty")
	}
	if _, ok, err := m.st.Friend(username); err != nil {
		return err
	} else if ok {
		return nil // already a friend; idempotent
	}
	return m.st.SaveFriend(store.Friend{Username: username})
}

// SetFriendRemark sets a friend's display remark. Errors if username is not
// a friend.
func (m *Manager) SetFriendRemark(username, remark string) error {
	f, ok, err := m.st.Friend(username)
	if err != nil {
		return err
	}
	if !ok {
		return coreerr.New(coreerr.KindInvalidArgument, "not friends")
	}
	f.Remark = remark
	return m.st.SaveFriend(f)
}

// DeleteFriend removes username from the roster entirely.
func (m *Manager) DeleteFriend(username string) error {
	return m.st.DeleteFriend(username)
}

// SetUserBlocked sets or clears the blocked flag for username. A blocked
// user need not already be a friend (blocking a stranger is valid).
func (m *Manager) SetUserBlocked(username string, blocked bool) error {
	f, ok, err := m.st.Friend(username)
	if err != nil {
		return err
	}
	if !ok {
		f = store.Friend{Username: username}
	}
	f.Blocked = blocked
	return m.st.SaveFriend(f)
}

// IsFriend reports whether username is an unblocked friend. Facade.SendText
// consults IsBlocked, not IsFriend.
func (m *Manager) IsFriend(username string) (bool, error) {
	f, ok, err := m.st.Friend(username)
	if err != nil || !ok {
		return false, err
	}
	return !f.Blocked, nil
}

// IsBlocked reports whether username is blocked.
func (m *Manager) IsBlocked(username string) (bool, error) {
	f, ok, err := m.st.Friend(username)
	if err != nil || !ok {
		return false, err
	}
	return f.Blocked, nil
}

// ListFriends returns every roster entry.
func (m *Manager) ListFriends() ([]store.Friend, error) {
	return m.st.ListFriends()
}

// ListDevices returns the local account's linked-device roster.
func (m *Manager) ListDevices() ([]store.Device, error) {
	return m.st.ListDevices()
}

// NoteDeviceSeen records or refreshes a device roster entry, called when a
// friend-sync or pairing flow observes a device_id.
func (m *Manager) NoteDeviceSeen(deviceID, label string, lastSeenMs int64) error {
	return m.st.SaveDevice(store.Device{DeviceID: deviceID, Label: label, LastSeenMs: lastSeenMs})
}

// KickDevice removes deviceID from the local account's device roster.
func (m *Manager) KickDevice(deviceID string) error {
	return m.st.DeleteDevice(deviceID)
}
