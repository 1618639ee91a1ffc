package channels

import (
	"context"

	"go.uber.org/zap"

	"github.com/crypdick/pynchy/internal/common/logger"
	"github.com/crypdick/pynchy/internal/persistence"
)

// Broadcaster fans a single outbound message out to every connected
// channel, ledgering the attempt so a failed delivery can be retried by
// the Reconciler without losing at-least-once delivery (spec §4.7).
type Broadcaster struct {
	store    *persistence.Store
	channels []Channel
	logger   *logger.Logger

	// SuppressErrors, when true, logs and continues past a delivery
	// failure instead of leaving it to ledger-driven retry — intended
	// for trace/debug broadcasts that are not worth re-sending.
	SuppressErrors bool
}

func NewBroadcaster(store *persistence.Store, chans []Channel, log *logger.Logger) *Broadcaster {
	return &Broadcaster{store: store, channels: chans, logger: log.WithFields(zap.String("component", "broadcaster"))}
}

// Broadcast resolves canonicalJID to each channel's local address via
// the jid alias table (falling back to the canonical jid), ledgers the
// send, and dispatches in parallel.
func (b *Broadcaster) Broadcast(ctx context.Context, canonicalJID, content string) error {
	names := make([]string, 0, len(b.channels))
	for _, ch := range b.channels {
		names = append(names, ch.Name())
	}

	ledgerID, err := b.store.InsertBroadcast(ctx, canonicalJID, content, names)
	if err != nil {
		return err
	}

	type result struct {
		channel string
		err     error
	}
	results := make(chan result, len(b.channels))
	for _, ch := range b.channels {
		go func(ch Channel) {
			target, _ := b.store.ResolveChannelLocal(ctx, ch.Name(), canonicalJID)
			err := ch.SendMessage(ctx, target, content)
			results <- result{channel: ch.Name(), err: err}
		}(ch)
	}

	for range b.channels {
		r := <-results
		deliveries, _ := b.store.GetPendingOutbound(ctx, r.channel, canonicalJID)
		var deliveryID string
		for _, d := range deliveries {
			if d.LedgerID == ledgerID {
				deliveryID = d.ID
				break
			}
		}
		if deliveryID == "" {
			continue
		}
		if r.err != nil {
			b.logger.Warn("broadcast delivery failed", zap.String("channel", r.channel), zap.Error(r.err))
			if !b.SuppressErrors {
				_ = b.store.MarkDeliveryError(ctx, deliveryID, r.err.Error())
			}
			continue
		}
		_ = b.store.MarkDelivered(ctx, deliveryID)
	}
	return nil
}
