package container

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/mount"
)

// WorkspaceView is everything the mount builder needs to know about one
// workspace; the orchestrator's caller (the group queue's producer
// closure) assembles this from the persisted workspace record.
type WorkspaceView struct {
	Folder          string
	HasProjectAccess bool
	ProjectDir      string // worktree checkout on the host
	GroupDir        string // per-workspace scratch dir on the host
	SessionDir      string // pre-populated Claude-equivalent session dir
	IPCRoot         string // internal/ipc.Namespace(dataDir, folder)
	CredentialsFile string // per-workspace least-privilege env file
	IsAdmin         bool
	HostConfigFile  string // only mounted when IsAdmin
	PluginMCPDirs   []string
	AdditionalMounts []RequestedMount
}

// RequestedMount is one "additional_mounts" entry from workspace config,
// validated against Config.AllowedMountRoots before being honored.
type RequestedMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// BuildMounts assembles the container's bind mounts in the exact order
// spec §4.2 requires: orphaned/crashed containers and debugging sessions
// both rely on this order being stable across restarts.
func (c *Config) BuildMounts(ws WorkspaceView) ([]mount.Mount, error) {
	var mounts []mount.Mount

	// 1. Worktree project directory.
	if ws.HasProjectAccess && ws.ProjectDir != "" {
		mounts = append(mounts, bind(ws.ProjectDir, "/workspace/project", false))
	}

	// 2. Per-workspace group directory.
	if ws.GroupDir != "" {
		mounts = append(mounts, bind(ws.GroupDir, "/workspace/group", false))
	}

	// 3. Session directory (skills + generated settings).
	if ws.SessionDir != "" {
		mounts = append(mounts, bind(ws.SessionDir, "/workspace/session", false))
	}

	// 4. IPC namespace.
	if ws.IPCRoot != "" {
		mounts = append(mounts, bind(ws.IPCRoot, "/workspace/ipc", false))
	}

	// 5. Hook scripts, read-only.
	if c.HookScriptsDir != "" {
		mounts = append(mounts, bind(c.HookScriptsDir, "/workspace/hooks", true))
	}

	// 6. Credentials env file, least-privilege; host config only for admin.
	if ws.CredentialsFile != "" {
		mounts = append(mounts, bind(ws.CredentialsFile, "/workspace/credentials.env", true))
	}
	if ws.IsAdmin && ws.HostConfigFile != "" {
		mounts = append(mounts, bind(ws.HostConfigFile, "/workspace/host-config.json", true))
	}

	// 7. Agent runner source, read-only.
	if c.AgentRunnerSrcDir != "" {
		mounts = append(mounts, bind(c.AgentRunnerSrcDir, "/workspace/runner", true))
	}

	// 8. Plugin MCP source directories, read-only, one per plugin.
	for i, dir := range ws.PluginMCPDirs {
		mounts = append(mounts, bind(dir, fmt.Sprintf("/workspace/plugins/mcp-%d", i), true))
	}

	// 9. Validated additional_mounts.
	for _, req := range ws.AdditionalMounts {
		if !c.mountAllowed(req.Source) {
			return nil, fmt.Errorf("additional_mounts entry %q rejected: not under an allowed host root", req.Source)
		}
		mounts = append(mounts, bind(req.Source, req.Target, req.ReadOnly))
	}

	return mounts, nil
}

func (c *Config) mountAllowed(source string) bool {
	clean := filepath.Clean(source)
	for _, root := range c.AllowedMountRoots {
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func bind(source, target string, readOnly bool) mount.Mount {
	return mount.Mount{Type: mount.TypeBind, Source: source, Target: target, ReadOnly: readOnly}
}
