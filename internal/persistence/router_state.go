package persistence

import (
	"context"
	"time"
)

// GetRouterState reads a small durable key/value entry, used for
// bookkeeping like the reconciler's per-(channel,jid) cooldown clock.
func (s *Store) GetRouterState(ctx context.Context, key string) (string, bool, error) {
	var e RouterStateEntry
	err := s.db.GetContext(ctx, &e, s.db.Rebind(`SELECT * FROM router_state WHERE key = ?`), key)
	if err != nil {
		return "", false, nil
	}
	return e.Value, true, nil
}

// SetRouterState writes a key/value entry.
func (s *Store) SetRouterState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO router_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`), key, value, time.Now().UTC())
	return err
}

// InsertMemory appends a free-form note for a workspace (spec §6
// `memories` table, explicitly optional).
func (s *Store) InsertMemory(ctx context.Context, m *Memory) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO memories (id, workspace_folder, content, created_at) VALUES (?, ?, ?, ?)
	`), m.ID, m.WorkspaceFolder, m.Content, m.CreatedAt)
	return err
}

// ListMemories returns all notes attached to a workspace, oldest first.
func (s *Store) ListMemories(ctx context.Context, folder string) ([]Memory, error) {
	var rows []Memory
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT * FROM memories WHERE workspace_folder = ? ORDER BY created_at ASC
	`), folder)
	return rows, err
}
