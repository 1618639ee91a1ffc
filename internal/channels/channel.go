// Package channels implements multi-channel fan-out, the outbound
// ledger, and inbound/outbound reconciliation (spec §4.7). Channel
// plugins themselves (Slack, WhatsApp, TUI) are out of scope; this
// package only defines the narrow interface the host needs and drives
// it.
package channels

import "context"

// InboundMessage is one message a channel plugin returns from
// FetchInboundSince, still addressed with the channel's own jid; the
// reconciler remaps chat_jid to the canonical workspace jid before
// ingestion.
type InboundMessage struct {
	ID          string
	ChatJID     string
	SenderID    string
	DisplayName string
	Content     string
	Timestamp   string // ISO-8601
	IsFromMe    bool
}

// FetchResult is a page of inbound history plus the channel's own
// high-water mark, so the cursor can advance even across bot-only pages
// with no ingestable messages.
type FetchResult struct {
	Messages     []InboundMessage
	HighWaterMark string // ISO-8601
}

// Channel is the capability surface a messaging platform plugin
// implements; the host never depends on a concrete Slack/WhatsApp/TUI
// type, only on this interface (spec §9 plugin interface design note).
type Channel interface {
	Name() string

	// OwnsJID reports whether this channel is the authority for a
	// canonical jid — either because the jid is namespaced to this
	// channel, or an alias explicitly assigns it (spec §4.7 step 1).
	OwnsJID(ctx context.Context, canonicalJID string) bool

	// SendMessage delivers content to target (a channel-local address,
	// already resolved via the jid alias table).
	SendMessage(ctx context.Context, target, content string) error

	// FetchInboundSince returns messages newer than cursor (an ISO-8601
	// high-watermark, possibly empty on first call).
	FetchInboundSince(ctx context.Context, target, cursor string) (FetchResult, error)
}
