package container

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	ipcfiles "github.com/crypdick/pynchy/internal/ipc"
	"github.com/crypdick/pynchy/internal/common/logger"
	pipc "github.com/crypdick/pynchy/pkg/ipc"
	"go.uber.org/zap"
)

// EventHandler receives each parsed stdout event as it streams in.
type EventHandler func(pipc.Event)

const orphanLabelKey = "pynchy.managed"

// Spawner assembles one workspace's mount set, spawns its container, and
// drives it to completion: one call to Run is one container's full
// lifecycle, matching the group queue's per-invocation producer shape.
type Spawner struct {
	cfg    Config
	docker *DockerClient
	logger *logger.Logger
}

func NewSpawner(cfg Config, docker *DockerClient, log *logger.Logger) *Spawner {
	return &Spawner{cfg: cfg, docker: docker, logger: log.WithFields(zap.String("component", "container_spawner"))}
}

// KillOrphans finds and force-removes containers left over from a prior
// crashed process, using the deterministic name prefix as the label
// filter. Call once at startup before accepting new work.
func (s *Spawner) KillOrphans(ctx context.Context) error {
	ids, err := s.docker.listOrphans(ctx, orphanLabelKey, s.cfg.NamePrefix)
	if err != nil {
		return err
	}
	for _, id := range ids {
		s.logger.Warn("removing orphaned container", zap.String("container_id", id))
		if err := s.docker.remove(ctx, id); err != nil {
			s.logger.Error("failed to remove orphan", zap.String("container_id", id), zap.Error(err))
		}
	}
	return nil
}

// Run spawns a container for ws, writes the initial input, streams and
// dispatches its stdout events, and blocks until the container exits or
// ctx is cancelled. It reports success=false on non-zero exit or a
// missed event schema, per spec §4.2 failure semantics — the caller
// (the group queue's retry backoff) decides what happens next.
func (s *Spawner) Run(ctx context.Context, ws WorkspaceView, dataDir string, initialInput any, onEvent EventHandler) (bool, error) {
	mounts, err := s.cfg.BuildMounts(ws)
	if err != nil {
		return false, fmt.Errorf("build mounts for %s: %w", ws.Folder, err)
	}

	name := fmt.Sprintf("%s-%s-%d", s.cfg.NamePrefix, ws.Folder, time.Now().UnixMilli())

	initialPath := ipcfiles.PathIn(dataDir, ws.Folder, "input", "initial.json")
	if err := ipcfiles.WriteAtomic(initialPath, initialInput); err != nil {
		return false, fmt.Errorf("write initial input: %w", err)
	}

	containerID, err := s.docker.createAndStart(ctx, spawnSpec{
		name:        name,
		image:       s.cfg.Image,
		mounts:      mounts,
		networkMode: s.cfg.NetworkMode,
		memory:      s.cfg.MemoryBytes,
		cpuQuota:    s.cfg.CPUQuota,
		autoRemove:  s.cfg.AutoRemove,
		labels:      map[string]string{orphanLabelKey: s.cfg.NamePrefix, "pynchy.workspace": ws.Folder},
	})
	if err != nil {
		return false, err
	}

	stdout, err := s.docker.attachStdout(ctx, containerID)
	if err != nil {
		return false, fmt.Errorf("attach stdout: %w", err)
	}
	defer stdout.Close()

	idleTimer := time.AfterFunc(s.cfg.IdleTimeout, func() {
		s.logger.Warn("workspace idle, closing stdin", zap.String("folder", ws.Folder), zap.String("container_id", containerID))
		s.docker.closeStdin(containerID)
	})
	defer idleTimer.Stop()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	schemaErr := false
	terminal := false
	for scanner.Scan() {
		idleTimer.Reset(s.cfg.IdleTimeout)

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev pipc.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			s.logger.Warn("unparseable stdout line from container",
				zap.String("container_id", containerID), zap.Error(err))
			schemaErr = true
			continue
		}
		onEvent(ev)
		if ev.IsTerminal() {
			terminal = true
			break
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Error("stdout scan error", zap.String("container_id", containerID), zap.Error(err))
	}

	exitCode, waitErr := s.docker.wait(ctx, containerID)
	if waitErr != nil {
		s.logger.Error("wait for container failed", zap.String("container_id", containerID), zap.Error(waitErr))
	}

	if !s.cfg.AutoRemove {
		_ = s.docker.remove(context.Background(), containerID)
	}

	success := exitCode == 0 && !schemaErr && terminal
	if !success {
		onEvent(pipc.Event{
			Type:         pipc.EventResult,
			ErrorMessage: "agent terminated unexpectedly",
		})
	}
	return success, waitErr
}
