package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"

	"mi-e2ee/core/internal/model"
)

// payloadRow is the JSON shape persisted in history.payload_json, a single
// column holding whichever of Text/File/Sticker/Location/Contact/Invite/
// System applies so adding a new MessageKind never needs a migration.
type payloadRow struct {
	Text     *model.TextPayload     `json:"text,omitempty"`
	File     *filePayloadRow        `json:"file,omitempty"`
	Sticker  *model.StickerPayload  `json:"sticker,omitempty"`
	Location *model.LocationPayload `json:"location,omitempty"`
	Contact  *model.ContactPayload  `json:"contact,omitempty"`
	Invite   *model.InvitePayload   `json:"invite,omitempty"`
	System   string                 `json:"system,omitempty"`
}

// filePayloadRow mirrors model.FilePayload with the key as a []byte
// (base64 in the JSON) since
// [32]byte does not round-trip through encoding/json on its own in a
// portable way across the attachments table's BLOB columns.
type filePayloadRow struct {
	FileID   string `json:"file_id"`
	FileKey  []byte `json:"file_key"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
}

func encodePayload(m model.Message) (string, error) {
	row := payloadRow{
		Text:     m.Text,
		Sticker:  m.Sticker,
		Location: m.Location,
		Contact:  m.Contact,
		Invite:   m.Invite,
		System:   m.System,
	}
	if m.File != nil {
		row.File = &filePayloadRow{
			FileID:   m.File.FileID,
			FileKey:  m.File.FileKey[:],
			FileName: m.File.FileName,
			FileSize: m.File.FileSize,
		}
	}
	b, err := json.Marshal(row)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodePayload(kind model.MessageKind, raw string) (*model.TextPayload, *model.FilePayload, *model.StickerPayload, *model.LocationPayload, *model.ContactPayload, *model.InvitePayload, string, error) {
	var row payloadRow
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return nil, nil, nil, nil, nil, nil, "", err
	}
	var file *model.FilePayload
	if row.File != nil {
		file = &model.FilePayload{
			FileID:   row.File.FileID,
			FileName: row.File.FileName,
			FileSize: row.File.FileSize,
		}
		copy(file.FileKey[:], row.File.FileKey)
	}
	return row.Text, file, row.Sticker, row.Location, row.Contact, row.Invite, row.System, nil
}

// RecordOutgoing inserts a freshly-created outgoing message with
// StatusPending; message_id is generated before the
// network call, so the caller already has the id by the time this
// is called.
func (s *Store) RecordOutgoing(m model.Message) error {
	if !s.histOn {
		return nil
	}
	return s.insertMessage(m)
}

// RecordIncoming inserts a message received from the network. Idempotent on
// message_id: a replayed delivery is a silent no-op rather than an error,
// matching EventPoller's at-least-once delivery semantics.
func (s *Store) RecordIncoming(m model.Message) error {
	if !s.histOn {
		return nil
	}
	_, _, ok, err := s.Message(m.MessageID)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return s.insertMessage(m)
}

func (s *Store) insertMessage(m model.Message) error {
	payload, err := encodePayload(m)
	if err != nil {
		return fmt.Errorf("store: encode payload: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO history(message_id, conversation_id, is_group, outgoing, kind, payload_json, status, timestamp_sec, sender)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(message_id) DO NOTHING`,
		m.MessageID, m.ConversationID, m.IsGroup, m.Outgoing, int(m.Kind), payload, int(m.Status), m.TimestampSec, m.Sender)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// UpdateStatus advances a message's status if the transition is legal per
// model.Status.CanTransition, silently absorbing a Delivered-after-Read
// race as a no-op rather than an error.
func (s *Store) UpdateStatus(messageID string, next model.Status) error {
	_, cur, ok, err := s.messageStatus(messageID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("store: update status: unknown message %q", messageID)
	}
	if cur == next {
		return nil
	}
	if !cur.CanTransition(next) {
		return nil // absorbed, not an error — see model.Status.CanTransition doc
	}
	_, err = s.db.Exec(`UPDATE history SET status = ? WHERE message_id = ?`, int(next), messageID)
	if err != nil {
		return fmt.Errorf("store: update status: %w", err)
	}
	return nil
}

func (s *Store) messageStatus(messageID string) (bool, model.Status, bool, error) {
	var status int
	err := s.db.QueryRow(`SELECT status FROM history WHERE message_id = ?`, messageID).Scan(&status)
	switch {
	case err == sql.ErrNoRows:
		return false, 0, false, nil
	case err != nil:
		return false, 0, false, err
	}
	return true, model.Status(status), true, nil
}

// Message loads a single message by id.
func (s *Store) Message(messageID string) (model.Message, bool, error) {
	row := s.db.QueryRow(
		`SELECT conversation_id, is_group, outgoing, kind, payload_json, status, timestamp_sec, sender
		 FROM history WHERE message_id = ?`, messageID)
	return scanMessage(messageID, row)
}

func scanMessage(messageID string, row *sql.Row) (model.Message, bool, error) {
	var m model.Message
	var kind, status int
	var payload string
	m.MessageID = messageID
	err := row.Scan(&m.ConversationID, &m.IsGroup, &m.Outgoing, &kind, &payload, &status, &m.TimestampSec, &m.Sender)
	switch {
	case err == sql.ErrNoRows:
		return model.Message{}, false, nil
	case err != nil:
		return model.Message{}, false, fmt.Errorf("store: scan message: %w", err)
	}
	m.Kind = model.MessageKind(kind)
	m.Status = model.Status(status)
	text, file, sticker, location, contact, invite, system, err := decodePayload(m.Kind, payload)
	if err != nil {
		return model.Message{}, false, fmt.Errorf("store: decode payload: %w", err)
	}
	m.Text, m.File, m.Sticker, m.Location, m.Contact, m.Invite, m.System = text, file, sticker, location, contact, invite, system
	return m, true, nil
}

// LoadChatHistory returns up to limit messages for conversationID ordered
// oldest-first, restricted to messages older than beforeTimestampSec (0 for
// the most recent page), implementing a paginated history load.
func (s *Store) LoadChatHistory(conversationID string, isGroup bool, limit int, beforeTimestampSec int64) ([]model.Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	var rows *sql.Rows
	var err error
	if beforeTimestampSec > 0 {
		rows, err = s.db.Query(
			`SELECT message_id, conversation_id, is_group, outgoing, kind, payload_json, status, timestamp_sec, sender
			 FROM history WHERE conversation_id = ? AND is_group = ? AND timestamp_sec < ?
			 ORDER BY timestamp_sec DESC LIMIT ?`, conversationID, isGroup, beforeTimestampSec, limit)
	} else {
		rows, err = s.db.Query(
			`SELECT message_id, conversation_id, is_group, outgoing, kind, payload_json, status, timestamp_sec, sender
			 FROM history WHERE conversation_id = ? AND is_group = ?
			 ORDER BY timestamp_sec DESC LIMIT ?`, conversationID, isGroup, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load chat history: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		var kind, status int
		var payload string
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.IsGroup, &m.Outgoing, &kind, &payload, &status, &m.TimestampSec, &m.Sender); err != nil {
			return nil, fmt.Errorf("store: scan history row: %w", err)
		}
		m.Kind = model.MessageKind(kind)
		m.Status = model.Status(status)
		text, file, sticker, location, contact, invite, system, err := decodePayload(m.Kind, payload)
		if err != nil {
			return nil, fmt.Errorf("store: decode payload: %w", err)
		}
		m.Text, m.File, m.Sticker, m.Location, m.Contact, m.Invite, m.System = text, file, sticker, location, contact, invite, system
		out = append(out, m)
	}
	// reverse to oldest-first for display
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// DeleteChatHistory removes every message for a conversation. When
// secureWipe is set, each row's payload_json is overwritten with random
// bytes of the same length across three passes before deletion, mitigating
// recovery from SQLite's freelist/WAL remnants — a best-effort measure, not
// a guarantee, since the underlying device may still retain copies.
func (s *Store) DeleteChatHistory(conversationID string, isGroup bool, secureWipe bool) error {
	if secureWipe {
		if err := s.wipeConversation(conversationID, isGroup); err != nil {
			return err
		}
	}
	_, err := s.db.Exec(`DELETE FROM history WHERE conversation_id = ? AND is_group = ?`, conversationID, isGroup)
	if err != nil {
		return fmt.Errorf("store: delete chat history: %w", err)
	}
	return nil
}

// ClearAllHistory removes every message across every conversation.
func (s *Store) ClearAllHistory(secureWipe bool) error {
	if secureWipe {
		rows, err := s.db.Query(`SELECT message_id, length(payload_json) FROM history`)
		if err != nil {
			return fmt.Errorf("store: clear all history: %w", err)
		}
		var ids []string
		var lens []int
		for rows.Next() {
			var id string
			var n int
			if err := rows.Scan(&id, &n); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
			lens = append(lens, n)
		}
		rows.Close()
		for i, id := range ids {
			if err := s.wipeRow(id, lens[i]); err != nil {
				return err
			}
		}
	}
	_, err := s.db.Exec(`DELETE FROM history`)
	if err != nil {
		return fmt.Errorf("store: clear all history: %w", err)
	}
	return nil
}

func (s *Store) wipeConversation(conversationID string, isGroup bool) error {
	rows, err := s.db.Query(
		`SELECT message_id, length(payload_json) FROM history WHERE conversation_id = ? AND is_group = ?`,
		conversationID, isGroup)
	if err != nil {
		return fmt.Errorf("store: wipe conversation: %w", err)
	}
	var ids []string
	var lens []int
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
		lens = append(lens, n)
	}
	rows.Close()
	for i, id := range ids {
		if err := s.wipeRow(id, lens[i]); err != nil {
			return err
		}
	}
	return nil
}

const wipePasses = 3

func (s *Store) wipeRow(messageID string, payloadLen int) error {
	for i := 0; i < wipePasses; i++ {
		junk := make([]byte, payloadLen)
		if _, err := rand.Read(junk); err != nil {
			return fmt.Errorf("store: secure wipe: %w", err)
		}
		if _, err := s.db.Exec(`UPDATE history SET payload_json = ? WHERE message_id = ?`, string(junk), messageID); err != nil {
			return fmt.Errorf("store: secure wipe: %w", err)
		}
	}
	return nil
}
