package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

const (
	containerScriptDir = "/job/script"
	containerInputDir  = "/job/input"
	containerOutputDir = "/job/out"
)

// DockerRunner runs each program in a throwaway container with no network
// and a read-only root filesystem.
type DockerRunner struct {
	cli     *client.Client
	image   string
	command []string
	timeout time.Duration
}

var _ Runner = (*DockerRunner)(nil)

// NewDockerRunner connects to the Docker daemon described by the environment.
func NewDockerRunner(imageName string, command []string, timeout time.Duration) (*DockerRunner, error) {
	if len(command) == 0 {
		return nil, errors.New("runner command is empty")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRunner{cli: cli, image: imageName, command: command, timeout: timeout}, nil
}

func (r *DockerRunner) Close() error {
	return r.cli.Close()
}

func (r *DockerRunner) Run(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := append(append([]string(nil), r.command...),
		filepath.Join(containerScriptDir, filepath.Base(req.Script)),
		filepath.Join(containerInputDir, filepath.Base(req.Input)),
		"--save-csv",
		filepath.Join(containerOutputDir, filepath.Base(req.Output)),
	)

	cfg := &container.Config{
		Image:      r.image,
		Cmd:        cmd,
		WorkingDir: "/tmp",
		Env: []string{
			"UV_CACHE_DIR=/tmp/uv-cache",
			"HOME=/tmp",
		},
		Labels: map[string]string{"csvforge.managed": "true"},
	}
	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,nosuid,size=256m",
		},
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: filepath.Dir(req.Script), Target: containerScriptDir, ReadOnly: true},
			{Type: mount.TypeBind, Source: filepath.Dir(req.Input), Target: containerInputDir, ReadOnly: true},
			{Type: mount.TypeBind, Source: filepath.Dir(req.Output), Target: containerOutputDir},
		},
	}
	name := "csvforge-run-" + uuid.NewString()

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if client.IsErrNotFound(err) {
		reader, pullErr := r.cli.ImagePull(ctx, r.image, image.PullOptions{})
		if pullErr != nil {
			return Result{}, fmt.Errorf("failed to pull image %s: %w", r.image, pullErr)
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
		resp, err = r.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to create container: %w", err)
	}
	defer r.remove(resp.ID)

	start := time.Now()
	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("failed to start container: %w", err)
	}

	var exitCode int64
	waitCh, errCh := r.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case w := <-waitCh:
		if w.Error != nil {
			return Result{}, fmt.Errorf("wait for container: %s", w.Error.Message)
		}
		exitCode = w.StatusCode
	case err := <-errCh:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			slog.Warn("script timed out", "script", req.Script, "container", name, "timeout", r.timeout)
			return Result{}, timeoutError(r.timeout)
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("wait for container: %w", err)
	}
	elapsed := time.Since(start)

	stdout := &capWriter{max: maxCapturedOutput}
	stderr := &capWriter{max: maxCapturedOutput}
	logs, err := r.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err == nil {
		_, _ = stdcopy.StdCopy(stdout, stderr, logs)
		logs.Close()
	}

	if exitCode != 0 {
		return Result{}, &ExitError{Code: int(exitCode), Stderr: stderr.String()}
	}
	return Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: elapsed}, nil
}

// remove force-deletes a container. It uses its own context so it still runs
// after the run context has expired.
func (r *DockerRunner) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		slog.Error("failed to remove container", "container_id", id, "error", err)
	}
}
