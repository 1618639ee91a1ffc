package persistence

import "context"

// UpsertAlias records that (channel, channelJID) resolves to canonicalJID
// (spec §3 JidAlias). Consulted on every inbound message (to normalize)
// and every outbound send (to pick the channel-specific address).
func (s *Store) UpsertAlias(ctx context.Context, channel, channelJID, canonicalJID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO jid_aliases (channel_name, channel_jid, canonical_jid) VALUES (?, ?, ?)
		ON CONFLICT(channel_name, channel_jid) DO UPDATE SET canonical_jid = excluded.canonical_jid
	`), channel, channelJID, canonicalJID)
	return err
}

// ResolveCanonical maps a channel-native id to its canonical workspace
// jid, falling back to the input unchanged if no alias is registered.
func (s *Store) ResolveCanonical(ctx context.Context, channel, channelJID string) (string, error) {
	var canonical string
	err := s.db.GetContext(ctx, &canonical, s.db.Rebind(`
		SELECT canonical_jid FROM jid_aliases WHERE channel_name = ? AND channel_jid = ?
	`), channel, channelJID)
	if err != nil {
		return channelJID, nil
	}
	return canonical, nil
}

// ResolveChannelLocal maps a canonical jid back to the channel's local
// address, falling back to the canonical jid itself if no alias exists
// (spec §4.7 Broadcast).
func (s *Store) ResolveChannelLocal(ctx context.Context, channel, canonicalJID string) (string, error) {
	var local string
	err := s.db.GetContext(ctx, &local, s.db.Rebind(`
		SELECT channel_jid FROM jid_aliases WHERE channel_name = ? AND canonical_jid = ?
	`), channel, canonicalJID)
	if err != nil {
		return canonicalJID, nil
	}
	return local, nil
}

// HasAlias reports whether the channel owns any alias for canonicalJID,
// used by the reconciler to decide whether a channel is the canonical
// owner of a jid it has no explicit alias for (spec §4.7 step 1).
func (s *Store) HasAlias(ctx context.Context, channel, canonicalJID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`
		SELECT COUNT(*) FROM jid_aliases WHERE channel_name = ? AND canonical_jid = ?
	`), channel, canonicalJID)
	return n > 0, err
}
