package persistence

import (
	"context"
	"fmt"
)

// InsertMessage records one message. (id, chat_jid) is unique; a
// duplicate insert (at-least-once redelivery from a channel plugin) is
// silently ignored so reconciliation stays idempotent.
func (s *Store) InsertMessage(ctx context.Context, m *Message) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO messages (id, chat_jid, sender_id, display_name, content, timestamp, is_from_me, message_type, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, chat_jid) DO NOTHING
	`), m.ID, m.ChatJID, m.SenderID, m.DisplayName, m.Content, m.Timestamp, m.IsFromMe, m.MessageType, m.Metadata)
	if err != nil {
		return false, fmt.Errorf("insert message %s/%s: %w", m.ChatJID, m.ID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MessageExists checks the (id, chat_jid) uniqueness invariant directly,
// used by the reconciler to drop already-ingested inbound messages
// before the sender-allowlist check runs.
func (s *Store) MessageExists(ctx context.Context, id, chatJID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM messages WHERE id = ? AND chat_jid = ?`), id, chatJID)
	return n > 0, err
}

// RecentMessages returns the most recent messages for a workspace in
// ascending timestamp order, newest `limit` kept.
func (s *Store) RecentMessages(ctx context.Context, chatJID string, limit int) ([]Message, error) {
	var rows []Message
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT * FROM (
			SELECT * FROM messages WHERE chat_jid = ? ORDER BY timestamp DESC LIMIT ?
		) ORDER BY timestamp ASC
	`), chatJID, limit)
	return rows, err
}

// LLMVisibleMessages returns the subset of RecentMessages the agent is
// allowed to see: host-type rows are operational only and must never
// appear here (spec invariant M1).
func (s *Store) LLMVisibleMessages(ctx context.Context, chatJID string, limit int) ([]Message, error) {
	var rows []Message
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT * FROM (
			SELECT * FROM messages WHERE chat_jid = ? AND message_type != ? ORDER BY timestamp DESC LIMIT ?
		) ORDER BY timestamp ASC
	`), chatJID, MessageTypeHost, limit)
	return rows, err
}
