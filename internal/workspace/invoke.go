// Package workspace turns a persisted WorkspaceProfile into one running
// container invocation: it is the glue between the group queue/scheduler
// producer shape and container.Spawner.Run, shared by both call sites so
// a scheduled task and a fresh-message check build the exact same
// sandbox (spec §4.1 step 2, §4.9 step 2).
package workspace

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/crypdick/pynchy/internal/channels"
	"github.com/crypdick/pynchy/internal/common/config"
	"github.com/crypdick/pynchy/internal/common/logger"
	"github.com/crypdick/pynchy/internal/container"
	"github.com/crypdick/pynchy/internal/ipc"
	"github.com/crypdick/pynchy/internal/persistence"
	"github.com/crypdick/pynchy/internal/security"
	"github.com/crypdick/pynchy/internal/worktree"
	pipc "github.com/crypdick/pynchy/pkg/ipc"
	"go.uber.org/zap"
)

// Invoker assembles a container.WorkspaceView from a persisted profile,
// runs it through the security gate lifecycle, and spawns it.
type Invoker struct {
	store    *persistence.Store
	worktree *worktree.Manager
	spawner  *container.Spawner
	gates    *security.GateRegistry
	watcher  *ipc.Watcher
	cfg      config.PynchyConfig
	logger   *logger.Logger
}

func New(store *persistence.Store, wt *worktree.Manager, spawner *container.Spawner, gates *security.GateRegistry,
	watcher *ipc.Watcher, cfg config.PynchyConfig, log *logger.Logger) *Invoker {
	return &Invoker{
		store:    store,
		worktree: wt,
		spawner:  spawner,
		gates:    gates,
		watcher:  watcher,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "workspace_invoker")),
	}
}

// ProcessMessages implements groupqueue.MessageProcessorFunc: it is
// called whenever a workspace has unread inbound messages to react to
// (spec §4.1 step 2).
func (inv *Invoker) ProcessMessages(ctx context.Context, jid string) (bool, error) {
	profile, err := inv.store.GetWorkspaceByJID(ctx, jid)
	if err != nil {
		return false, fmt.Errorf("load workspace %s: %w", jid, err)
	}
	messages, err := inv.store.LLMVisibleMessages(ctx, jid, 50)
	if err != nil {
		return false, fmt.Errorf("load messages for %s: %w", jid, err)
	}
	return inv.run(ctx, profile, map[string]any{"kind": "message_check", "messages": messages})
}

// RunScheduledPrompt implements scheduler.AgentInvoker: it drives one
// scheduled_tasks row's agent prompt through the same container path
// (spec §4.9 step 2).
func (inv *Invoker) RunScheduledPrompt(ctx context.Context, workspaceFolder, prompt string) (bool, string, error) {
	profile, err := inv.store.GetWorkspaceByFolder(ctx, workspaceFolder)
	if err != nil {
		return false, "", fmt.Errorf("load workspace %s: %w", workspaceFolder, err)
	}
	ok, err := inv.run(ctx, profile, map[string]any{"kind": "scheduled_task", "prompt": prompt})
	result := "completed"
	if err != nil {
		result = err.Error()
	}
	return ok, result, err
}

func (inv *Invoker) run(ctx context.Context, profile *persistence.WorkspaceProfile, initialInput map[string]any) (bool, error) {
	overlay := profile.Overlay()
	dataDir, err := inv.cfg.ExpandedDataDir()
	if err != nil {
		return false, fmt.Errorf("expand data dir: %w", err)
	}

	ipcRoot, err := ipc.Namespace(dataDir, profile.Folder)
	if err != nil {
		return false, fmt.Errorf("namespace ipc root: %w", err)
	}
	if err := inv.watcher.WatchWorkspace(profile.Folder); err != nil {
		return false, fmt.Errorf("watch workspace %s: %w", profile.Folder, err)
	}

	ws := container.WorkspaceView{
		Folder:          profile.Folder,
		HasProjectAccess: overlay.HasProjectAccess,
		GroupDir:        filepath.Join(dataDir, "groups", profile.Folder),
		SessionDir:      filepath.Join(dataDir, "groups", profile.Folder, "session"),
		IPCRoot:         ipcRoot,
		CredentialsFile: filepath.Join(dataDir, "credentials", profile.Folder+".env"),
		IsAdmin:         profile.IsAdmin,
		HostConfigFile:  filepath.Join(dataDir, "config", "pynchy.toml"),
	}

	if overlay.HasProjectAccess && overlay.RepositoryPath != "" {
		baseBranch := overlay.BaseBranch
		if baseBranch == "" {
			baseBranch = "main"
		}
		wt, err := inv.worktree.EnsureWorktree(ctx, profile.Folder, overlay.RepositoryPath, baseBranch)
		if err != nil {
			return false, fmt.Errorf("ensure worktree for %s: %w", profile.Folder, err)
		}
		ws.ProjectDir = wt.Path
	}

	invocationTS := strconv.FormatInt(time.Now().UnixNano(), 10)
	sec := inv.securityFor(overlay)
	gate := inv.gates.CreateGate(profile.Folder, invocationTS, sec)
	defer inv.gates.DestroyGate(profile.Folder, invocationTS)

	var runErr error
	success, err := inv.spawner.Run(ctx, ws, dataDir, initialInput, func(ev pipc.Event) {
		if ev.Type == pipc.EventToolUse || ev.Type == pipc.EventToolUseR {
			gate.NotifyFileAccess()
		}
		if ev.Type == pipc.EventResult && ev.ErrorMessage != "" {
			runErr = fmt.Errorf("container reported error: %s", ev.ErrorMessage)
		}
	})
	if err != nil {
		return false, err
	}
	if runErr != nil {
		return false, runErr
	}
	return success, nil
}

// securityFor resolves the trust table a workspace's gate should use,
// straight from the overlay's declared per-service records (spec §4.4).
func (inv *Invoker) securityFor(overlay persistence.WorkspaceOverlay) *security.WorkspaceSecurity {
	return overlay.Security()
}

// BroadcastNotifier adapts channels.Broadcaster to worktree.Notifier, so
// a sync_worktree_to_main rebase notice reaches a workspace's channel the
// same way any other outbound message does (spec §4.8's broadcast step
// feeding spec §4.7's fan-out).
type BroadcastNotifier struct {
	Store       *persistence.Store
	Broadcaster *channels.Broadcaster
}

func (n *BroadcastNotifier) NotifyWorktree(ctx context.Context, folder, message string) error {
	profile, err := n.Store.GetWorkspaceByFolder(ctx, folder)
	if err != nil {
		return err
	}
	return n.Broadcaster.Broadcast(ctx, profile.JID, message)
}
