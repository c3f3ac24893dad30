package store

import (
	"database/sql"
	"fmt"

	"mi-e2ee/core/internal/model"
)

// EnqueuePending inserts a new durable retry entry with attempts=0, assigning
// it the next monotonic insertion sequence so ListPending can return entries
// in FIFO order for the scheduler's per-tick fairness scan.
func (s *Store) EnqueuePending(p model.PendingOutgoing) error {
	s.seq++
	_, err := s.db.Exec(
		`INSERT INTO pending_outgoing(message_id, conversation_id, is_group, kind, body, attempts, last_attempt_ms, inserted_seq)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(message_id) DO NOTHING`,
		p.MessageID, p.ConversationID, p.IsGroup, int(p.Kind), p.Body, p.Attempts, p.LastAttemptMs, s.seq)
	if err != nil {
		return fmt.Errorf("store: enqueue pending: %w", err)
	}
	return nil
}

// RemovePending deletes an entry, called on terminal success, non-retryable
// failure, or explicit user cancellation.
func (s *Store) RemovePending(messageID string) error {
	_, err := s.db.Exec(`DELETE FROM pending_outgoing WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("store: remove pending: %w", err)
	}
	return nil
}

// RecordAttempt bumps attempts and last_attempt_ms after a retry is
// dispatched, whether or not it ultimately succeeds.
func (s *Store) RecordAttempt(messageID string, attempts int, lastAttemptMs int64) error {
	_, err := s.db.Exec(
		`UPDATE pending_outgoing SET attempts = ?, last_attempt_ms = ? WHERE message_id = ?`,
		attempts, lastAttemptMs, messageID)
	if err != nil {
		return fmt.Errorf("store: record attempt: %w", err)
	}
	return nil
}

// ListPending returns every durable retry entry ordered by insertion
// sequence, oldest first.
func (s *Store) ListPending() ([]model.PendingOutgoing, error) {
	rows, err := s.db.Query(
		`SELECT message_id, conversation_id, is_group, kind, body, attempts, last_attempt_ms
		 FROM pending_outgoing ORDER BY inserted_seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list pending: %w", err)
	}
	defer rows.Close()

	var out []model.PendingOutgoing
	for rows.Next() {
		var p model.PendingOutgoing
		var kind int
		if err := rows.Scan(&p.MessageID, &p.ConversationID, &p.IsGroup, &kind, &p.Body, &p.Attempts, &p.LastAttemptMs); err != nil {
			return nil, fmt.Errorf("store: scan pending row: %w", err)
		}
		p.Kind = model.PendingKind(kind)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Pending loads one entry by message id.
func (s *Store) Pending(messageID string) (model.PendingOutgoing, bool, error) {
	var p model.PendingOutgoing
	var kind int
	p.MessageID = messageID
	err := s.db.QueryRow(
		`SELECT conversation_id, is_group, kind, body, attempts, last_attempt_ms
		 FROM pending_outgoing WHERE message_id = ?`, messageID).
		Scan(&p.ConversationID, &p.IsGroup, &kind, &p.Body, &p.Attempts, &p.LastAttemptMs)
	switch {
	case err == sql.ErrNoRows:
		return model.PendingOutgoing{}, false, nil
	case err != nil:
		return model.PendingOutgoing{}, false, fmt.Errorf("store: load pending: %w", err)
	}
	p.Kind = model.PendingKind(kind)
	return p, true, nil
}
