package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// InsertBroadcast creates one ledger row plus one pending delivery row
// per target channel, atomically (spec §3 OutboundLedger, §4.7).
func (s *Store) InsertBroadcast(ctx context.Context, chatJID, content string, channels []string) (ledgerID string, err error) {
	ledgerID = uuid.New().String()
	now := time.Now().UTC()
	err = s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO outbound_ledger (id, chat_jid, content, created_at) VALUES (?, ?, ?, ?)
		`), ledgerID, chatJID, content, now); err != nil {
			return err
		}
		for _, ch := range channels {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO outbound_deliveries (id, ledger_id, channel_name, delivered_at, error_message, created_at)
				VALUES (?, ?, ?, NULL, '', ?)
			`), uuid.New().String(), ledgerID, ch, now); err != nil {
				return err
			}
		}
		return nil
	})
	return ledgerID, err
}

// GetPendingOutbound returns un-delivered rows for (channel, jid) in
// ledger-insertion order (spec §4.7 step 3, testable property L2).
func (s *Store) GetPendingOutbound(ctx context.Context, channel, chatJID string) ([]OutboundDelivery, error) {
	var rows []OutboundDelivery
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT d.*, l.content AS content FROM outbound_deliveries d
		JOIN outbound_ledger l ON l.id = d.ledger_id
		WHERE d.channel_name = ? AND l.chat_jid = ? AND d.delivered_at IS NULL
		ORDER BY d.created_at ASC, d.id ASC
	`), channel, chatJID)
	return rows, err
}

// MarkDelivered sets delivered_at, clearing the pending state (testable
// property L1: a ledger row is cleared only via a recorded success).
func (s *Store) MarkDelivered(ctx context.Context, deliveryID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE outbound_deliveries SET delivered_at = ?, error_message = '' WHERE id = ?
	`), time.Now().UTC(), deliveryID)
	return err
}

// MarkDeliveryError records a failed delivery attempt, leaving
// delivered_at NULL so the row remains pending and the retry chain for
// this (channel, jid) halts here per spec §4.7 step 3.
func (s *Store) MarkDeliveryError(ctx context.Context, deliveryID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE outbound_deliveries SET error_message = ? WHERE id = ?
	`), errMsg, deliveryID)
	return err
}

// GCDeliveredLedgerRows removes ledger rows (and their delivery rows, via
// cascade) older than cutoff whose every delivery has been delivered.
func (s *Store) GCDeliveredLedgerRows(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM outbound_ledger WHERE created_at < ? AND id NOT IN (
			SELECT DISTINCT ledger_id FROM outbound_deliveries WHERE delivered_at IS NULL
		)
	`), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
