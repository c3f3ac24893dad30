package store

import (
	"database/sql"
	"fmt"
)

// SaveIdentity persists the wrapped identity-key envelope (produced by
// internal/crypto's WrapOs/WrapTpm) as the account's single identity row.
// Overwrites any prior row — identity material is rotated, not versioned.
func (s *Store) SaveIdentity(deviceID string, envelope []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO identity(id, device_id, envelope) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET device_id = excluded.device_id, envelope = excluded.envelope`,
		deviceID, envelope)
	if err != nil {
		return fmt.Errorf("store: save identity: %w", err)
	}
	return nil
}

// LoadIdentity returns the persisted device id and wrapped envelope, or
// (ok=false) if the account has never been initialized.
func (s *Store) LoadIdentity() (deviceID string, envelope []byte, ok bool, err error) {
	err = s.db.QueryRow(`SELECT device_id, envelope FROM identity WHERE id = 1`).Scan(&deviceID, &envelope)
	switch {
	case err == sql.ErrNoRows:
		return "", nil, false, nil
	case err != nil:
		return "", nil, false, fmt.Errorf("store: load identity: %w", err)
	default:
		return deviceID, envelope, true, nil
	}
}
