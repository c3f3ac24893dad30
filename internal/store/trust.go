package store

import (
	"database/sql"
	"fmt"

	"mi-e2ee/core/internal/model"
)

// SaveServerPin inserts or replaces the pin for endpoint, logging a
// pin_added or pin_replaced event depending on whether a prior pin existed.
func (s *Store) SaveServerPin(pin model.ServerPin) error {
	_, existed, err := s.ServerPin(pin.Endpoint)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO server_pins(endpoint, fingerprint, trusted_at) VALUES(?, ?, ?)
		 ON CONFLICT(endpoint) DO UPDATE SET fingerprint = excluded.fingerprint, trusted_at = excluded.trusted_at`,
		pin.Endpoint, pin.Fingerprint[:], pin.TrustedAt)
	if err != nil {
		return fmt.Errorf("store: save server pin: %w", err)
	}
	kind := "pin_added"
	if existed {
		kind = "pin_replaced"
	}
	return s.logPinEvent(kind, pin.Endpoint, pin.Fingerprint[:])
}

// ServerPin returns the pin for endpoint, if any.
func (s *Store) ServerPin(endpoint string) (model.ServerPin, bool, error) {
	var pin model.ServerPin
	var fp []byte
	pin.Endpoint = endpoint
	err := s.db.QueryRow(`SELECT fingerprint, trusted_at FROM server_pins WHERE endpoint = ?`, endpoint).
		Scan(&fp, &pin.TrustedAt)
	switch {
	case err == sql.ErrNoRows:
		return model.ServerPin{}, false, nil
	case err != nil:
		return model.ServerPin{}, false, fmt.Errorf("store: load server pin: %w", err)
	}
	copy(pin.Fingerprint[:], fp)
	return pin, true, nil
}

// RevokeServerPin deletes the pin for endpoint and logs a pin_revoked event.
func (s *Store) RevokeServerPin(endpoint string) error {
	pin, ok, err := s.ServerPin(endpoint)
	if err != nil || !ok {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM server_pins WHERE endpoint = ?`, endpoint); err != nil {
		return fmt.Errorf("store: revoke server pin: %w", err)
	}
	return s.logPinEvent("pin_revoked", endpoint, pin.Fingerprint[:])
}

// SavePeerIdentity inserts or replaces the pin for username, preserving the
// prior fingerprint in last_seen_fingerprint so TrustEngine can detect a
// changed-identity mismatch on the next handshake.
func (s *Store) SavePeerIdentity(id model.PeerIdentity) error {
	_, err := s.db.Exec(
		`INSERT INTO peer_identities(username, identity_pub, fingerprint, trusted_at, last_seen_fingerprint)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(username) DO UPDATE SET
			identity_pub = excluded.identity_pub,
			fingerprint = excluded.fingerprint,
			trusted_at = excluded.trusted_at,
			last_seen_fingerprint = peer_identities.fingerprint`,
		id.Username, id.IdentityPub[:], id.Fingerprint[:], id.TrustedAt, id.LastSeenFingerprint[:])
	if err != nil {
		return fmt.Errorf("store: save peer identity: %w", err)
	}
	return s.logPinEvent("pin_added", id.Username, id.Fingerprint[:])
}

// PeerIdentity returns the pin for username, if any.
func (s *Store) PeerIdentity(username string) (model.PeerIdentity, bool, error) {
	var id model.PeerIdentity
	var pub, fp, lastFp []byte
	id.Username = username
	err := s.db.QueryRow(
		`SELECT identity_pub, fingerprint, trusted_at, last_seen_fingerprint FROM peer_identities WHERE username = ?`,
		username).Scan(&pub, &fp, &id.TrustedAt, &lastFp)
	switch {
	case err == sql.ErrNoRows:
		return model.PeerIdentity{}, false, nil
	case err != nil:
		return model.PeerIdentity{}, false, fmt.Errorf("store: load peer identity: %w", err)
	}
	copy(id.IdentityPub[:], pub)
	copy(id.Fingerprint[:], fp)
	copy(id.LastSeenFingerprint[:], lastFp)
	return id, true, nil
}

func (s *Store) logPinEvent(kind, subject string, fingerprint []byte) error {
	_, err := s.db.Exec(`INSERT INTO pin_events(kind, subject, fingerprint) VALUES(?, ?, ?)`, kind, subject, fingerprint)
	if err != nil {
		return fmt.Errorf("store: log pin event: %w", err)
	}
	return nil
}
