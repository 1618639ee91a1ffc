// Package container spawns and supervises the ephemeral per-invocation
// agent containers: deterministic mount-set assembly, Docker spawn, the
// stdout event-stream reader, and the per-workspace idle timer (spec §4.2).
package container

import "time"

// Config holds the orchestrator's tuning knobs. One Config is shared by
// every workspace; per-workspace specifics live in WorkspaceView.
type Config struct {
	Image        string
	NamePrefix   string // container names are "<prefix>-<folder>-<ms>"
	NetworkMode  string
	MemoryBytes  int64
	CPUQuota     int64
	IdleTimeout  time.Duration // no stdout events within this window -> graceful close
	AutoRemove   bool

	HookScriptsDir    string // read-only, mounted for every container
	AgentRunnerSrcDir string // read-only, mounted for every container

	// AllowedMountRoots is the host-side allowlist additional_mounts
	// entries are validated against (step 9 of the mount order).
	AllowedMountRoots []string
}

func DefaultConfig() Config {
	return Config{
		NamePrefix:  "pynchy-agent",
		NetworkMode: "bridge",
		MemoryBytes: 2 << 30,
		CPUQuota:    100000,
		IdleTimeout: 120 * time.Second,
		AutoRemove:  true,
	}
}
