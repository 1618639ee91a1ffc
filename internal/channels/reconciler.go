package channels

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/crypdick/pynchy/internal/common/logger"
	"github.com/crypdick/pynchy/internal/persistence"
)

// defaultCooldown is the minimum time between reconcile passes for a
// single (channel, jid) pair (spec §4.7: 30-90s).
const defaultCooldown = 30 * time.Second

// initialLookback seeds a never-reconciled cursor so Socket-Mode-style
// drops remain recoverable from the first cycle onward.
const initialLookback = 24 * time.Hour

// Enqueuer is the narrow GroupQueue capability the reconciler needs:
// enqueueing a message check after ingesting new inbound history.
type Enqueuer interface {
	EnqueueMessageCheck(jid string)
}

// SenderAllowlist decides whether msg is accepted for workspace w; admin
// workspaces bypass this check entirely (spec §4.7 step 2).
type SenderAllowlist func(msg InboundMessage, w *persistence.WorkspaceProfile, channelName string) bool

// AllowAll is the permissive default allowlist.
func AllowAll(InboundMessage, *persistence.WorkspaceProfile, string) bool { return true }

// Reconciler runs the unified inbound-catchup + outbound-retry pass
// described in spec §4.7. It is idempotent: running it twice in a row
// against an unchanging upstream performs zero new ingestions.
type Reconciler struct {
	store     *persistence.Store
	channels  []Channel
	queue     Enqueuer
	allowlist SenderAllowlist
	logger    *logger.Logger

	lastReconciled map[string]time.Time // key: channel+"\x00"+jid
}

func NewReconciler(store *persistence.Store, chans []Channel, queue Enqueuer, allowlist SenderAllowlist, log *logger.Logger) *Reconciler {
	if allowlist == nil {
		allowlist = AllowAll
	}
	return &Reconciler{
		store:          store,
		channels:       chans,
		queue:          queue,
		allowlist:      allowlist,
		logger:         log.WithFields(zap.String("component", "reconciler")),
		lastReconciled: make(map[string]time.Time),
	}
}

// Run executes one reconciliation pass across every (channel, workspace)
// pair (spec §4.7). Call at startup and periodically thereafter.
func (r *Reconciler) Run(ctx context.Context) {
	now := time.Now().UTC()
	workspaces, err := r.store.ListWorkspaces(ctx)
	if err != nil {
		r.logger.Warn("failed to list workspaces for reconciliation", zap.Error(err))
		return
	}

	var recovered, retried int
	for _, ch := range r.channels {
		for i := range workspaces {
			w := &workspaces[i]
			recoveredHere, retriedHere := r.reconcileOne(ctx, ch, w, now)
			recovered += recoveredHere
			retried += retriedHere
		}
	}
	if recovered > 0 {
		r.logger.Info("recovered missed channel messages", zap.Int("count", recovered))
	}
	if retried > 0 {
		r.logger.Info("retried pending outbound deliveries", zap.Int("count", retried))
	}
}

func (r *Reconciler) reconcileOne(ctx context.Context, ch Channel, w *persistence.WorkspaceProfile, now time.Time) (recovered, retried int) {
	if !ch.OwnsJID(ctx, w.JID) {
		return 0, 0
	}

	key := ch.Name() + "\x00" + w.JID
	if last, ok := r.lastReconciled[key]; ok && now.Sub(last) < defaultCooldown {
		return 0, 0
	}

	// --- Inbound ---
	inboundCursor, err := r.store.GetCursor(ctx, ch.Name(), w.JID, persistence.DirectionInbound)
	if err != nil {
		r.logger.Warn("failed to read inbound cursor", zap.String("channel", ch.Name()), zap.String("jid", w.JID), zap.Error(err))
		return 0, 0
	}
	cursor := inboundCursor.Watermark
	if cursor == "" {
		cursor = now.Add(-initialLookback).Format(time.RFC3339)
	}

	result, err := ch.FetchInboundSince(ctx, w.JID, cursor)
	if err != nil {
		r.logger.Warn("fetch_inbound_since failed", zap.String("channel", ch.Name()), zap.String("jid", w.JID), zap.Error(err))
		return 0, 0
	}

	newInboundCursor := cursor
	if result.HighWaterMark > newInboundCursor {
		newInboundCursor = result.HighWaterMark
	}
	for _, msg := range result.Messages {
		msg.ChatJID = w.JID // remap to canonical
		exists, err := r.store.MessageExists(ctx, msg.ID, w.JID)
		if err != nil {
			continue
		}
		if !exists {
			if !r.allowlist(msg, w, ch.Name()) {
				if msg.Timestamp > newInboundCursor {
					newInboundCursor = msg.Timestamp
				}
				continue
			}
			if err := r.ingest(ctx, msg, w, ch.Name()); err == nil {
				r.queue.EnqueueMessageCheck(w.JID)
				recovered++
			}
		}
		if msg.Timestamp > newInboundCursor {
			newInboundCursor = msg.Timestamp
		}
	}

	// --- Outbound retry ---
	pending, err := r.store.GetPendingOutbound(ctx, ch.Name(), w.JID)
	if err != nil {
		r.logger.Warn("failed to read pending outbound", zap.Error(err))
	}
	outboundCursor, _ := r.store.GetCursor(ctx, ch.Name(), w.JID, persistence.DirectionOutbound)
	newOutboundCursor := outboundCursor.Watermark
	for _, row := range pending {
		target, _ := r.store.ResolveChannelLocal(ctx, ch.Name(), w.JID)
		if err := ch.SendMessage(ctx, target, row.Content); err != nil {
			_ = r.store.MarkDeliveryError(ctx, row.ID, err.Error())
			break // preserve ordering — don't skip ahead
		}
		_ = r.store.MarkDelivered(ctx, row.ID)
		retried++
	}

	if newInboundCursor != cursor {
		_ = r.store.AdvanceCursor(ctx, ch.Name(), w.JID, persistence.DirectionInbound, newInboundCursor)
	}
	if newOutboundCursor != outboundCursor.Watermark {
		_ = r.store.AdvanceCursor(ctx, ch.Name(), w.JID, persistence.DirectionOutbound, newOutboundCursor)
	}
	r.lastReconciled[key] = now
	return recovered, retried
}

func (r *Reconciler) ingest(ctx context.Context, msg InboundMessage, w *persistence.WorkspaceProfile, channelName string) error {
	ts, err := time.Parse(time.RFC3339, msg.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}
	_, err = r.store.InsertMessage(ctx, &persistence.Message{
		ID:          msg.ID,
		ChatJID:     w.JID,
		SenderID:    msg.SenderID,
		DisplayName: msg.DisplayName,
		Content:     msg.Content,
		Timestamp:   ts,
		IsFromMe:    msg.IsFromMe,
		MessageType: persistence.MessageTypeUser,
	})
	return err
}
