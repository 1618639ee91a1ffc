package container

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/crypdick/pynchy/internal/common/logger"
	"go.uber.org/zap"
)

// DockerClient wraps the Docker SDK client with the narrow set of
// operations the orchestrator needs: create, start, attach-to-stdout,
// stop, remove, and list-by-label for orphan discovery on startup.
type DockerClient struct {
	cli    *client.Client
	logger *logger.Logger
}

func NewDockerClient(log *logger.Logger) (*DockerClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerClient{cli: cli, logger: log.WithFields(zap.String("component", "container_docker"))}, nil
}

func (d *DockerClient) Close() error { return d.cli.Close() }

type spawnSpec struct {
	name        string
	image       string
	env         []string
	mounts      []mount.Mount
	networkMode string
	memory      int64
	cpuQuota    int64
	labels      map[string]string
	autoRemove  bool
}

// create creates and starts a container attached via stdin/stdout pipes,
// returning its id and the attached hijacked connection.
func (d *DockerClient) createAndStart(ctx context.Context, spec spawnSpec) (string, error) {
	cfg := &container.Config{
		Image:        spec.image,
		Env:          spec.env,
		Labels:       spec.labels,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		StdinOnce:    true,
	}
	hostCfg := &container.HostConfig{
		Mounts:      spec.mounts,
		NetworkMode: container.NetworkMode(spec.networkMode),
		AutoRemove:  spec.autoRemove,
		Resources:   container.Resources{Memory: spec.memory, CPUQuota: spec.cpuQuota},
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.name, err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container %s: %w", spec.name, err)
	}
	d.logger.Info("container started", zap.String("id", resp.ID), zap.String("name", spec.name))
	return resp.ID, nil
}

// attachStdout returns a ReadCloser over the container's combined
// stdout/stderr stream, suitable for line-by-line event parsing.
func (d *DockerClient) attachStdout(ctx context.Context, containerID string) (io.ReadCloser, error) {
	return d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true, ShowStderr: true, Follow: true, Timestamps: false,
	})
}

func (d *DockerClient) writeStdin(ctx context.Context, containerID string, data []byte) error {
	hijacked, err := d.cli.ContainerAttach(ctx, containerID, container.AttachOptions{Stream: true, Stdin: true})
	if err != nil {
		return fmt.Errorf("attach stdin for %s: %w", containerID, err)
	}
	defer hijacked.Close()
	_, err = hijacked.Conn.Write(data)
	return err
}

func (d *DockerClient) closeStdin(containerID string) {
	// Closing stdin is a best-effort signal to the runner to begin
	// shutdown; a real attach's hijacked conn would be kept open for
	// this, but since writeStdin reconnects per-write here, a kill
	// with SIGTERM is the equivalent graceful request.
	_ = d.cli.ContainerKill(context.Background(), containerID, "SIGTERM")
}

func (d *DockerClient) wait(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return -1, fmt.Errorf("wait container %s: %w", containerID, err)
		}
		return -1, nil
	case status := <-statusCh:
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (d *DockerClient) remove(ctx context.Context, containerID string) error {
	return d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

// listOrphans finds containers labeled with the orchestrator's prefix
// from a prior process that crashed without cleaning up, so startup can
// kill them before beginning fresh work (spec §4.2 naming rationale).
func (d *DockerClient) listOrphans(ctx context.Context, labelKey, labelValue string) ([]string, error) {
	f := filters.NewArgs()
	f.Add("label", fmt.Sprintf("%s=%s", labelKey, labelValue))
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}
