package persistence

import (
	"context"
	"fmt"
	"time"
)

// UpsertWorkspace creates or updates a WorkspaceProfile row (admin IPC
// `register_group` or config reconciliation; spec §3).
func (s *Store) UpsertWorkspace(ctx context.Context, w *WorkspaceProfile) error {
	if w.AddedAt.IsZero() {
		w.AddedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO chats (jid, display_name, folder, trigger_pattern, is_admin, config_overlay, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			display_name = excluded.display_name,
			folder = excluded.folder,
			trigger_pattern = excluded.trigger_pattern,
			is_admin = excluded.is_admin,
			config_overlay = excluded.config_overlay
	`), w.JID, w.DisplayName, w.Folder, w.Trigger, w.IsAdmin, w.ConfigOverlay, w.AddedAt)
	if err != nil {
		return fmt.Errorf("upsert workspace %s: %w", w.JID, err)
	}
	return nil
}

// GetWorkspaceByJID looks up a workspace by its canonical jid.
func (s *Store) GetWorkspaceByJID(ctx context.Context, jid string) (*WorkspaceProfile, error) {
	var w WorkspaceProfile
	err := s.db.GetContext(ctx, &w, s.db.Rebind(`SELECT * FROM chats WHERE jid = ?`), jid)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWorkspaceByFolder looks up a workspace by its stable folder slug,
// the path component used for every on-disk mount (spec §4.2).
func (s *Store) GetWorkspaceByFolder(ctx context.Context, folder string) (*WorkspaceProfile, error) {
	var w WorkspaceProfile
	err := s.db.GetContext(ctx, &w, s.db.Rebind(`SELECT * FROM chats WHERE folder = ?`), folder)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWorkspaces returns every registered workspace.
func (s *Store) ListWorkspaces(ctx context.Context) ([]WorkspaceProfile, error) {
	var rows []WorkspaceProfile
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM chats ORDER BY added_at`); err != nil {
		return nil, err
	}
	return rows, nil
}

// ValidateAdminCleanRoom enforces spec invariant S2: no admin workspace
// may transitively reference a service with public_source=true. It is
// run once at startup over every already-registered workspace; a
// violation is a configuration error that must keep the process from
// starting (spec §4.4, §7 "Configuration error").
func (s *Store) ValidateAdminCleanRoom(ctx context.Context) error {
	workspaces, err := s.ListWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("list workspaces for clean-room validation: %w", err)
	}
	for _, w := range workspaces {
		if !w.IsAdmin {
			continue
		}
		if svc, violates := w.Overlay().CleanRoomViolation(); violates {
			return fmt.Errorf("admin clean-room violation: workspace %q (folder %q) reaches public_source service %q",
				w.JID, w.Folder, svc)
		}
	}
	return nil
}

// DeleteWorkspace removes a workspace's profile row. Callers are
// responsible for tearing down its on-disk state (worktree, IPC
// namespace, session); the spec treats the row as the workspace's
// existence, so deletion here is the destroy step.
func (s *Store) DeleteWorkspace(ctx context.Context, jid string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM chats WHERE jid = ?`), jid)
	return err
}
