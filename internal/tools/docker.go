package tools

import (
	"bytes"
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerSandbox executes shell commands in throwaway containers: fresh
// container per command, memory-capped, network off by default, only the
// workspace directory mounted.
type DockerSandbox struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
	workspace   string
}

// NewDockerSandbox connects to the local daemon. memoryMB caps each
// container; zero values get conservative defaults.
func NewDockerSandbox(image string, memoryMB int64, networkMode, workspace string) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if image == "" {
		image = "golang:alpine"
	}
	if memoryMB <= 0 {
		memoryMB = 512
	}
	if networkMode == "" {
		networkMode = "none"
	}

	return &DockerSandbox{
		client:      cli,
		image:       image,
		memoryBytes: memoryMB * 1024 * 1024,
		networkMode: networkMode,
		workspace:   workspace,
	}, nil
}

// Exec runs one command to completion in a fresh container and returns its
// output. Context cancellation kills the container.
func (d *DockerSandbox) Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error) {
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: d.memoryBytes},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", d.workspace)},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return "", "", -1, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return "", "", -1, fmt.Errorf("wait container error: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = d.client.ContainerKill(ctx, containerID, "SIGKILL")
		return "", "command timed out", -1, ctx.Err()
	}

	out, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, fmt.Errorf("get logs: %w", err)
	}
	defer out.Close()

	// Docker multiplexes both streams over one connection; demux them.
	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

func (d *DockerSandbox) Close() error {
	return d.client.Close()
}
