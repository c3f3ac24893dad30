package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
)

// AttachmentManifest is one row of the attachments table, tracking the blob
// that lives alongside the database under attachments/<file_id>.
type AttachmentManifest struct {
	FileID    string
	ConvID    string
	MessageID string
	FileName  string
	FileSize  int64
	Preview   []byte // small thumbnail or icon, nil if none
}

// attachmentsDir is the subdirectory of the account directory holding raw
// ciphertext blobs, one file per FileID.
func (s *Store) attachmentsDir() string {
	return filepath.Join(s.dir, "attachments")
}

// AttachmentPath returns the on-disk path for fileID's ciphertext blob.
func (s *Store) AttachmentPath(fileID string) string {
	return filepath.Join(s.attachmentsDir(), fileID)
}

// WriteAttachmentBlob durably writes ciphertext to attachments/<fileID>
// using a temp-file-plus-fsync-plus-rename sequence so a crash mid-write
// never leaves a partially-written file visible under the final name.
func (s *Store) WriteAttachmentBlob(fileID string, ciphertext []byte) error {
	dir := s.attachmentsDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("store: attachments dir: %w", err)
	}

	final := s.AttachmentPath(fileID)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("store: create attachment temp file: %w", err)
	}
	if _, err := f.Write(ciphertext); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: write attachment: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: fsync attachment: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: close attachment temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: rename attachment into place: %w", err)
	}

	if dirF, err := os.Open(dir); err == nil {
		dirF.Sync() //nolint:errcheck — best effort directory-entry durability
		dirF.Close()
	}
	return nil
}

// ReadAttachmentBlob reads fileID's ciphertext back off disk.
func (s *Store) ReadAttachmentBlob(fileID string) ([]byte, error) {
	b, err := os.ReadFile(s.AttachmentPath(fileID))
	if err != nil {
		return nil, fmt.Errorf("store: read attachment: %w", err)
	}
	return b, nil
}

// DeleteAttachmentBlob removes fileID's blob from disk. Missing-file is not
// an error — history deletion may race a not-yet-downloaded attachment.
func (s *Store) DeleteAttachmentBlob(fileID string) error {
	err := os.Remove(s.AttachmentPath(fileID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: delete attachment: %w", err)
	}
	return nil
}

// SaveAttachmentManifest records (or replaces) the manifest row for fileID.
func (s *Store) SaveAttachmentManifest(m AttachmentManifest) error {
	_, err := s.db.Exec(
		`INSERT INTO attachments(file_id, conv_id, message_id, file_name, file_size, preview)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(file_id) DO UPDATE SET
			conv_id = excluded.conv_id, message_id = excluded.message_id,
			file_name = excluded.file_name, file_size = excluded.file_size, preview = excluded.preview`,
		m.FileID, m.ConvID, m.MessageID, m.FileName, m.FileSize, m.Preview)
	if err != nil {
		return fmt.Errorf("store: save attachment manifest: %w", err)
	}
	return nil
}

// AttachmentManifestFor loads the manifest row for fileID.
func (s *Store) AttachmentManifestFor(fileID string) (AttachmentManifest, bool, error) {
	var m AttachmentManifest
	m.FileID = fileID
	err := s.db.QueryRow(
		`SELECT conv_id, message_id, file_name, file_size, preview FROM attachments WHERE file_id = ?`, fileID).
		Scan(&m.ConvID, &m.MessageID, &m.FileName, &m.FileSize, &m.Preview)
	switch {
	case err == sql.ErrNoRows:
		return AttachmentManifest{}, false, nil
	case err != nil:
		return AttachmentManifest{}, false, fmt.Errorf("store: load attachment manifest: %w", err)
	}
	return m, true, nil
}

// DeleteAttachmentManifest removes fileID's manifest row, leaving the blob
// itself to DeleteAttachmentBlob.
func (s *Store) DeleteAttachmentManifest(fileID string) error {
	_, err := s.db.Exec(`DELETE FROM attachments WHERE file_id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("store: delete attachment manifest: %w", err)
	}
	return nil
}
