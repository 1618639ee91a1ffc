// Package ipc defines the wire types exchanged across the host/container
// boundary: the one-way container event stream read off stdout, and the
// file-based request/response/signal protocol under the per-workspace
// ipc/ directory tree.
package ipc

import "encoding/json"

// EventType enumerates the JSON objects a container emits on stdout, one
// per line. A Result event always terminates the stream.
type EventType string

const (
	EventText     EventType = "text"
	EventThinking EventType = "thinking"
	EventToolUse  EventType = "tool_use"
	EventToolUseR EventType = "tool_result"
	EventSystem   EventType = "system"
	EventResult   EventType = "result"
)

// Event is a single line of the container's stdout event stream.
type Event struct {
	Type EventType `json:"type"`

	// Text / Thinking
	Delta string `json:"delta,omitempty"`

	// ToolUse
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	// ToolResult
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolOut   json.RawMessage `json:"tool_output,omitempty"`

	// System (lifecycle)
	Lifecycle string `json:"lifecycle,omitempty"`

	// Result (terminal)
	SessionID    string  `json:"session_id,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

// IsTerminal reports whether this event ends the stream.
func (e Event) IsTerminal() bool { return e.Type == EventResult }

// Signal is a tier-1 IPC unit: a bare name, no payload beyond an optional
// timestamp. Extra payload keys are rejected by the dispatcher.
type Signal struct {
	SignalName string `json:"signal"`
	Timestamp  string `json:"timestamp,omitempty"`
}

// KnownSignals is the fixed set of tier-1 signal names the dispatcher
// accepts. Anything else is a schema error.
var KnownSignals = map[string]bool{
	"refresh_groups": true,
}

// Request is a tier-2 typed IPC request read from tasks/<ns>.json. Type
// plus RequestID are always present; Data carries the free-form fields a
// handler for that Type knows how to interpret.
type Request struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"-"`
	Raw       map[string]any  `json:"-"`
}

// UnmarshalJSON captures Type/RequestID via the tagged fields and keeps
// the rest of the object available as Raw for handler-specific decoding.
func (r *Request) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	r.Raw = raw
	if t, ok := raw["type"].(string); ok {
		r.Type = t
	}
	if id, ok := raw["request_id"].(string); ok {
		r.RequestID = id
	}
	r.Data = append([]byte(nil), b...)
	return nil
}

// Response is written to responses/<request_id>.json to unblock a
// container waiting on a tier-2 request.
type Response struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Known tier-2 request type names (spec §6).
const (
	ReqRegisterGroup      = "register_group"
	ReqCreatePeriodic      = "create_periodic_agent"
	ReqScheduleTask        = "schedule_task"
	ReqScheduleHostJob     = "schedule_host_job"
	ReqPauseTask           = "pause_task"
	ReqResumeTask          = "resume_task"
	ReqCancelTask          = "cancel_task"
	ReqResetContext        = "reset_context"
	ReqFinishedWork        = "finished_work"
	ReqSyncWorktreeToMain  = "sync_worktree_to_main"
	ReqSecurityBashCheck   = "security:bash_check"
	ReqAskUser             = "ask_user"
	ServicePrefix          = "service:"
)

// PendingApproval is the persisted shape of pending_approvals/<req>.json.
type PendingApproval struct {
	RequestID     string         `json:"request_id"`
	ShortID       string         `json:"short_id"`
	ToolName      string         `json:"tool_name"`
	SourceGroup   string         `json:"source_group"`
	ChatJID       string         `json:"chat_jid"`
	RequestData   map[string]any `json:"request_data"`
	Timestamp     string         `json:"timestamp"`
}

// ApprovalDecision is the persisted shape of approval_decisions/<req>.json.
type ApprovalDecision struct {
	Approved  bool   `json:"approved"`
	DecidedBy string `json:"decided_by"`
}

// PendingQuestion is the richer ask_user analogue of PendingApproval: a
// list of question blocks instead of a single tool-call summary.
type PendingQuestion struct {
	RequestID   string             `json:"request_id"`
	ShortID     string             `json:"short_id"`
	SourceGroup string             `json:"source_group"`
	ChatJID     string             `json:"chat_jid"`
	Questions   []QuestionBlock    `json:"questions"`
	Timestamp   string             `json:"timestamp"`
}

// QuestionBlock is one free-text-or-option question in an ask_user batch.
type QuestionBlock struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options,omitempty"`
}

// QuestionAnswer is the IPC response payload for an answered question.
type QuestionAnswer struct {
	ID     string `json:"id"`
	Answer string `json:"answer"`
}
