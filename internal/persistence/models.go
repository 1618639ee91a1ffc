// Package persistence is the host's single relational store (spec §6):
// chats, messages, scheduled_tasks, task_run_logs, host_jobs, jid_aliases,
// router_state, sessions, registered_groups, channel_cursors,
// outbound_ledger, outbound_deliveries and memories all live in one
// sqlite file, opened with a single writer connection (internal/db).
package persistence

import (
	"encoding/json"
	"time"

	"github.com/crypdick/pynchy/internal/security"
)

// MessageType partitions the message table; host messages are
// operational and must never reach the LLM-visible projection (spec
// invariant M1).
type MessageType string

const (
	MessageTypeUser        MessageType = "user"
	MessageTypeAssistant   MessageType = "assistant"
	MessageTypeSystem      MessageType = "system"
	MessageTypeHost        MessageType = "host"
	MessageTypeToolResult  MessageType = "tool_result"
	MessageTypeSecurity    MessageType = "security"
)

// WorkspaceProfile is the `chats` row: spec §3 Workspace.
type WorkspaceProfile struct {
	JID           string    `db:"jid"`
	DisplayName   string    `db:"display_name"`
	Folder        string    `db:"folder"`
	Trigger       string    `db:"trigger_pattern"`
	IsAdmin       bool      `db:"is_admin"`
	ConfigOverlay string    `db:"config_overlay"` // JSON, optional container config overrides
	AddedAt       time.Time `db:"added_at"`
}

// WorkspaceOverlay is the decoded shape of WorkspaceProfile.ConfigOverlay:
// the per-workspace knobs register_group supplies that have no dedicated
// chats column, because they are workspace-specific rather than part of
// the identity row itself (spec §6 connection-level overrides).
type WorkspaceOverlay struct {
	RepositoryPath   string `json:"repository_path,omitempty"`
	BaseBranch       string `json:"base_branch,omitempty"`
	HasProjectAccess bool   `json:"has_project_access,omitempty"`
	Sandbox          string `json:"sandbox,omitempty"`

	// ContainsSecrets and Services feed the security gate's
	// WorkspaceSecurity (spec §3, §4.4): whether the workspace's
	// environment carries secret material, and the per-service trust
	// overrides declared for it. Services not listed here fall back to
	// security.ServiceTrust's cautious default.
	ContainsSecrets bool                               `json:"contains_secrets,omitempty"`
	Services        map[string]security.ServiceTrust   `json:"services,omitempty"`
}

// ReachableServices returns the names of every service this overlay
// declares a trust record for — the "reachable MCP-server graph" the
// admin clean-room validator (spec §4.4 invariant S2) walks.
func (o WorkspaceOverlay) ReachableServices() []string {
	names := make([]string, 0, len(o.Services))
	for name := range o.Services {
		names = append(names, name)
	}
	return names
}

// Security builds the security.WorkspaceSecurity a gate needs directly
// from the overlay.
func (o WorkspaceOverlay) Security() *security.WorkspaceSecurity {
	return &security.WorkspaceSecurity{ContainsSecrets: o.ContainsSecrets, Services: o.Services}
}

// CleanRoomViolation reports the first declared service (if any) that
// would fail the admin clean-room check (spec §4.4 invariant S2): a
// service reachable from this overlay with public_source=true.
func (o WorkspaceOverlay) CleanRoomViolation() (service string, violates bool) {
	return o.Security().ReferencesPublicSource(o.ReachableServices())
}

// Overlay decodes ConfigOverlay, returning the zero value if it is empty
// or malformed.
func (w *WorkspaceProfile) Overlay() WorkspaceOverlay {
	var o WorkspaceOverlay
	if w.ConfigOverlay == "" {
		return o
	}
	_ = json.Unmarshal([]byte(w.ConfigOverlay), &o)
	return o
}

// EncodeOverlay marshals o into ConfigOverlay.
func (w *WorkspaceProfile) EncodeOverlay(o WorkspaceOverlay) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	w.ConfigOverlay = string(b)
	return nil
}

// Message is a single ledger-of-record conversation entry.
type Message struct {
	ID          string      `db:"id"`
	ChatJID     string      `db:"chat_jid"`
	SenderID    string      `db:"sender_id"`
	DisplayName string      `db:"display_name"`
	Content     string      `db:"content"`
	Timestamp   time.Time   `db:"timestamp"`
	IsFromMe    bool        `db:"is_from_me"`
	MessageType MessageType `db:"message_type"`
	Metadata    string      `db:"metadata"` // JSON, optional
}

// Direction of a ChannelCursor.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ChannelCursor is the (channel, jid, direction) high-watermark (spec §3).
type ChannelCursor struct {
	ChannelName string    `db:"channel_name"`
	ChatJID     string    `db:"chat_jid"`
	Direction   Direction `db:"direction"`
	Watermark   string    `db:"watermark"` // ISO-8601 string, compared lexicographically
	UpdatedAt   time.Time `db:"updated_at"`
}

// OutboundLedgerRow is one broadcast; OutboundDelivery is its per-channel
// fan-out leg (spec §3, testable properties L1/L2).
type OutboundLedgerRow struct {
	ID        string    `db:"id"`
	ChatJID   string    `db:"chat_jid"`
	Content   string    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
}

type OutboundDelivery struct {
	ID          string     `db:"id"`
	LedgerID    string     `db:"ledger_id"`
	ChannelName string     `db:"channel_name"`
	DeliveredAt *time.Time `db:"delivered_at"`
	ErrorMsg    string     `db:"error_message"`
	CreatedAt   time.Time  `db:"created_at"`
	Content     string     `db:"content"` // joined from outbound_ledger, not its own column
}

// ScheduleType enumerates ScheduledTask/HostJob scheduling modes.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnce     ScheduleType = "once"
)

// TaskStatus is the ScheduledTask/HostJob lifecycle state.
type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
)

// ScheduledTask is a cron/interval/once agent-prompt task, or (when ID has
// the `host-` prefix) an admin-only shell job (spec §3, §4.9).
type ScheduledTask struct {
	ID             string       `db:"id"`
	WorkspaceFolder string      `db:"workspace_folder"`
	ScheduleType   ScheduleType `db:"schedule_type"`
	ScheduleValue  string       `db:"schedule_value"`
	Timezone       string       `db:"timezone"`
	Prompt         string       `db:"prompt"` // agent prompt, or shell command for host jobs
	Status         TaskStatus   `db:"status"`
	NextRun        *time.Time   `db:"next_run"`
	LastRun        *time.Time   `db:"last_run"`
	LastResult     string       `db:"last_result"`
	CreatedAt      time.Time    `db:"created_at"`
}

// IsHostJob reports whether this task is an admin-only shell job routed
// directly to shell execution instead of agent invocation (spec §3).
func (t *ScheduledTask) IsHostJob() bool {
	return len(t.ID) >= 5 && t.ID[:5] == "host-"
}

// TaskRunLog records one invocation of a ScheduledTask/HostJob.
type TaskRunLog struct {
	ID        string    `db:"id"`
	TaskID    string    `db:"task_id"`
	StartedAt time.Time `db:"started_at"`
	EndedAt   time.Time `db:"ended_at"`
	Success   bool      `db:"success"`
	Output    string    `db:"output"`
}

// JidAlias maps a channel-native id to the canonical workspace jid
// (spec §3 JidAlias).
type JidAlias struct {
	ChannelName string `db:"channel_name"`
	ChannelJID  string `db:"channel_jid"`
	CanonicalJID string `db:"canonical_jid"`
}

// Session maps a workspace folder to the agent-runtime-assigned session
// id that lets the agent resume context across invocations.
type Session struct {
	WorkspaceFolder string    `db:"workspace_folder"`
	SessionID       string    `db:"session_id"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// RouterStateEntry is a small durable key/value used for router-level
// bookkeeping (e.g. per-(channel,jid) last-reconciled timestamps).
type RouterStateEntry struct {
	Key       string    `db:"key"`
	Value     string    `db:"value"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Memory is an optional free-form note the agent or an admin attaches to
// a workspace; the system does not interpret its contents.
type Memory struct {
	ID              string    `db:"id"`
	WorkspaceFolder string    `db:"workspace_folder"`
	Content         string    `db:"content"`
	CreatedAt       time.Time `db:"created_at"`
}
