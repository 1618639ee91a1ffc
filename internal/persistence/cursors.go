package persistence

import (
	"context"
	"time"
)

// GetCursor returns the stored high-watermark for (channel, jid,
// direction), or the zero value if none has been recorded yet.
func (s *Store) GetCursor(ctx context.Context, channel, jid string, dir Direction) (ChannelCursor, error) {
	var c ChannelCursor
	err := s.db.GetContext(ctx, &c, s.db.Rebind(`
		SELECT * FROM channel_cursors WHERE channel_name = ? AND chat_jid = ? AND direction = ?
	`), channel, jid, dir)
	if err != nil {
		return ChannelCursor{ChannelName: channel, ChatJID: jid, Direction: dir}, nil
	}
	return c, nil
}

// AdvanceCursor sets the stored watermark to newWatermark, but only if it
// is lexicographically greater than the current value — enforcing
// testable property C1 (cursor monotonicity) at the storage layer so no
// caller can accidentally regress it.
func (s *Store) AdvanceCursor(ctx context.Context, channel, jid string, dir Direction, newWatermark string) error {
	cur, err := s.GetCursor(ctx, channel, jid, dir)
	if err != nil {
		return err
	}
	if newWatermark <= cur.Watermark {
		return nil
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO channel_cursors (channel_name, chat_jid, direction, watermark, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(channel_name, chat_jid, direction) DO UPDATE SET
			watermark = excluded.watermark, updated_at = excluded.updated_at
	`), channel, jid, dir, newWatermark, time.Now().UTC())
	return err
}
