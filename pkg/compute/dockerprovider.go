package compute

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// DockerProvider implements ComputeProvider by treating a long-lived
// container as the "VM": Provision creates and starts it, RunCommand execs
// the verify script inside it, and Terminate stops and removes it.
type DockerProvider struct {
	cli       *client.Client
	workspace string // host path bind-mounted into every instance at /workspace; "" disables the mount

	mu       sync.Mutex
	execBufs map[string]*execState // commandID -> state
}

type execState struct {
	done     bool
	exitCode int
	stdout   string
	stderr   string
}

func NewDockerProvider(cli *client.Client, workspace string) *DockerProvider {
	return &DockerProvider{cli: cli, workspace: workspace, execBufs: make(map[string]*execState)}
}

func (d *DockerProvider) Provision(ctx context.Context, diskGB int, image string) (string, error) {
	var hostConfig *container.HostConfig
	if d.workspace != "" {
		hostConfig = &container.HostConfig{
			Binds: []string{d.workspace + ":/workspace"},
		}
	}
	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image: image,
		Cmd:   []string{"sleep", "infinity"},
		Tty:   false,
	}, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("compute: create container: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("compute: start container %s: %w", resp.ID, err)
	}
	return resp.ID, nil
}

func (d *DockerProvider) RunCommand(ctx context.Context, instanceID string, verifyScript string) (string, error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, instanceID, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", verifyScript},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("compute: exec create on %s: %w", instanceID, err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("compute: exec attach on %s: %w", instanceID, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := io.Copy(&stdout, attach.Reader); err != nil {
		return "", fmt.Errorf("compute: read exec output: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return "", fmt.Errorf("compute: exec inspect on %s: %w", instanceID, err)
	}

	d.mu.Lock()
	d.execBufs[execResp.ID] = &execState{
		done:     !inspect.Running,
		exitCode: inspect.ExitCode,
		stdout:   stdout.String(),
		stderr:   stderr.String(),
	}
	d.mu.Unlock()
	return execResp.ID, nil
}

func (d *DockerProvider) PollCommand(ctx context.Context, instanceID, commandID string) (CommandStatus, error) {
	inspect, err := d.cli.ContainerExecInspect(ctx, commandID)
	if err != nil {
		return CommandStatus{}, fmt.Errorf("compute: exec inspect on %s: %w", instanceID, err)
	}

	d.mu.Lock()
	cached := d.execBufs[commandID]
	d.mu.Unlock()

	status := CommandStatus{Done: !inspect.Running, ExitCode: inspect.ExitCode}
	if cached != nil {
		status.Stdout = cached.stdout
		status.Stderr = cached.stderr
	}
	return status, nil
}

func (d *DockerProvider) Terminate(ctx context.Context, instanceID string) error {
	timeout := 5
	if err := d.cli.ContainerStop(ctx, instanceID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("compute: stop container %s: %w", instanceID, err)
	}
	if err := d.cli.ContainerRemove(ctx, instanceID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("compute: remove container %s: %w", instanceID, err)
	}
	return nil
}
