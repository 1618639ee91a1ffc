package persistence

import (
	"context"
	"time"
)

// GetSession returns the agent-runtime session id for a workspace
// folder, if one has been assigned, so the next invocation can resume
// context (spec §3 Session).
func (s *Store) GetSession(ctx context.Context, folder string) (string, bool, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess, s.db.Rebind(`SELECT * FROM sessions WHERE workspace_folder = ?`), folder)
	if err != nil {
		return "", false, nil
	}
	return sess.SessionID, true, nil
}

// SetSession records the session id returned by the agent runtime on
// first invocation, reused on subsequent invocations.
func (s *Store) SetSession(ctx context.Context, folder, sessionID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sessions (workspace_folder, session_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(workspace_folder) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at
	`), folder, sessionID, time.Now().UTC())
	return err
}

// ResetSession clears a workspace's session, implementing the
// `reset_context` IPC request (spec §6 Tier-2 request types).
func (s *Store) ResetSession(ctx context.Context, folder string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM sessions WHERE workspace_folder = ?`), folder)
	return err
}
