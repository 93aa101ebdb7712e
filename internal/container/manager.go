// Package container provisions and tracks the per-session Docker
// environments used by the sandbox agent runtime.
package container

import (
	"archive/tar"
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// Container configuration.
	containerUser   = "1000"
	rootUser        = "root"
	stopTimeoutSecs = 10

	// WorkspaceDir holds the cloned site source inside an environment.
	WorkspaceDir = "/workspace"
	// BootstrapDir holds the agent bootstrap script and its dependencies.
	BootstrapDir = "/opt/site-agent"

	heartbeatFile = "/tmp/.site-active"

	// Resource limits.
	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB, npm install needs headroom
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 512

	// Labels.
	labelManaged = "site.managed"
	labelSession = "site.session"

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond
)

// BootstrapCommand runs the agent bootstrap inside an environment.
var BootstrapCommand = []string{"node", BootstrapDir + "/bootstrap.mjs"}

//go:embed bootstrap/bootstrap.mjs bootstrap/package.json
var bootstrapFS embed.FS

// Status is the lifecycle state Docker reports for an environment.
type Status string

// Environment statuses.
const (
	StatusRunning Status = "running"
	StatusMissing Status = "missing"
)

// Environments is the remote environment backend the registry drives.
type Environments interface {
	// Provision creates and seeds a new environment for sessionID.
	Provision(ctx context.Context, sessionID string) (string, error)

	// Status inspects an environment. A removed environment reports StatusMissing.
	Status(ctx context.Context, environmentID string) (Status, error)

	// Stop stops and removes an environment.
	Stop(ctx context.Context, environmentID string) error
}

// ManagerConfig configures the Docker-backed environments.
type ManagerConfig struct {
	Image      string
	SourceRepo string
	// EnvTimeout is how long an environment may sit without an exec
	// before its watchdog exits and Docker removes it.
	EnvTimeout time.Duration
	// Runtime is the Docker runtime: "" = default (runc), "runsc" = gVisor.
	Runtime string
	Env     map[string]string
}

// DockerManager implements Environments using the Docker API.
type DockerManager struct {
	cli    *client.Client
	cfg    ManagerConfig
	logger *slog.Logger
}

var _ Environments = (*DockerManager)(nil)

// NewDockerManager creates a new Docker-backed environment manager.
func NewDockerManager(cfg ManagerConfig, logger *slog.Logger) (*DockerManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Image == "" || cfg.SourceRepo == "" {
		return nil, errors.New("container: image and source repository are required")
	}
	if cfg.EnvTimeout <= 0 {
		cfg.EnvTimeout = 10 * time.Minute
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "default"
	}
	logger.Info("Docker client initialized", "runtime", runtime, "image", cfg.Image)
	return &DockerManager{cli: cli, cfg: cfg, logger: logger}, nil
}

// Ping checks that the Docker daemon is reachable.
func (m *DockerManager) Ping(ctx context.Context) error {
	if _, err := m.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// Close releases the Docker client.
func (m *DockerManager) Close() error {
	return m.cli.Close()
}

// watchdogScript keeps the container alive until the heartbeat file has not
// been touched for timeout.
func watchdogScript(timeout time.Duration) string {
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf(`touch %[1]s
while :; do
  idle=$(( $(date +%%s) - $(stat -c %%Y %[1]s) ))
  [ "$idle" -ge %[2]d ] && exit 0
  sleep 5
done`, heartbeatFile, secs)
}

// Provision creates an environment for sessionID, clones the site source
// into it and installs the bootstrap. A failed environment is removed.
func (m *DockerManager) Provision(ctx context.Context, sessionID string) (string, error) {
	name := "site-session-" + sessionID

	envVars := make([]string, 0, len(m.cfg.Env))
	for k, v := range m.cfg.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	config := &container.Config{
		Image:      m.cfg.Image,
		User:       containerUser,
		WorkingDir: WorkspaceDir,
		Env:        envVars,
		Cmd:        []string{"sh", "-c", watchdogScript(m.cfg.EnvTimeout)},
		Labels: map[string]string{
			labelManaged: "true",
			labelSession: sessionID,
		},
	}

	hostConfig := &container.HostConfig{
		Runtime:    m.cfg.Runtime,
		AutoRemove: true,
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}
	if m.cfg.Runtime == "runsc" {
		hostConfig.DNS = []string{"8.8.8.8", "8.8.4.4"}
	}

	m.logger.Info("Creating session environment", "session_id", sessionID, "image", m.cfg.Image)

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = m.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
		if createErr == nil {
			break
		}
		if !errdefs.IsConflict(createErr) && !strings.Contains(strings.ToLower(createErr.Error()), "is already in use") {
			return "", fmt.Errorf("create container: %w", createErr)
		}

		// A previous environment for this session may still be shutting down.
		m.logger.Warn("Container name conflict during create, retrying",
			"session_id", sessionID,
			"container_name", name,
			"attempt", i+1,
			"error", createErr,
		)
		if inspect, inspectErr := m.cli.ContainerInspect(ctx, name); inspectErr == nil {
			if stopErr := m.Stop(ctx, inspect.ID); stopErr != nil {
				m.logger.Warn("Failed to stop conflicting container before retry", "container_id", inspect.ID, "error", stopErr)
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create container after retries: %w", createErr)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		m.discard(resp.ID)
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	if err := m.seed(ctx, resp.ID); err != nil {
		m.discard(resp.ID)
		return "", err
	}

	m.logger.Info("Session environment ready", "container_id", resp.ID, "session_id", sessionID)
	return resp.ID, nil
}

// seed clones the source, copies the bootstrap in and installs its
// dependencies.
func (m *DockerManager) seed(ctx context.Context, id string) error {
	if m.cfg.Runtime == "runsc" {
		// gVisor netstack often fails with Docker's embedded DNS.
		if err := m.run(ctx, id, rootUser, "/", "sh", "-c", "echo 'nameserver 8.8.8.8' > /etc/resolv.conf && echo 'nameserver 8.8.4.4' >> /etc/resolv.conf"); err != nil {
			m.logger.Warn("Failed to apply DNS fix", "error", err)
		}
	}

	if err := m.run(ctx, id, rootUser, "/", "mkdir", "-p", WorkspaceDir, BootstrapDir); err != nil {
		return fmt.Errorf("prepare directories: %w", err)
	}
	if err := m.run(ctx, id, rootUser, "/", "git", "clone", "--depth", "1", m.cfg.SourceRepo, WorkspaceDir); err != nil {
		return fmt.Errorf("clone source: %w", err)
	}

	archive, err := bootstrapArchive()
	if err != nil {
		return err
	}
	if err := m.cli.CopyToContainer(ctx, id, BootstrapDir, archive, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy bootstrap: %w", err)
	}
	if err := m.run(ctx, id, rootUser, BootstrapDir, "npm", "install", "--omit=dev", "--no-audit", "--no-fund"); err != nil {
		return fmt.Errorf("install bootstrap dependencies: %w", err)
	}
	if err := m.run(ctx, id, rootUser, "/", "chown", "-R", containerUser+":"+containerUser, WorkspaceDir, BootstrapDir); err != nil {
		return fmt.Errorf("chown workspace: %w", err)
	}
	return nil
}

// bootstrapArchive packs the embedded bootstrap files as a tar stream.
func bootstrapArchive() (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range []string{"bootstrap.mjs", "package.json"} {
		data, err := bootstrapFS.ReadFile("bootstrap/" + name)
		if err != nil {
			return nil, fmt.Errorf("read embedded %s: %w", name, err)
		}
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), ModTime: time.Now()}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// run executes a setup command and waits for it to exit successfully.
func (m *DockerManager) run(ctx context.Context, id, user, dir string, cmd ...string) error {
	resp, err := m.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		User:         user,
		WorkingDir:   dir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("create exec %s: %w", cmd[0], err)
	}

	attachResp, err := m.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return fmt.Errorf("attach exec %s: %w", cmd[0], err)
	}
	defer attachResp.Close()

	var stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(io.Discard, &stderr, attachResp.Reader); err != nil {
		return fmt.Errorf("read %s output: %w", cmd[0], err)
	}

	inspect, err := m.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return fmt.Errorf("inspect exec %s: %w", cmd[0], err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("%s exited with code %d: %s", cmd[0], inspect.ExitCode, lastLine(stderr.String()))
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Exec runs cmd in the workspace as the unprivileged user, writing stdin to
// it and returning its stdout. Each exec refreshes the inactivity watchdog.
// Closing the reader ends the exec.
func (m *DockerManager) Exec(ctx context.Context, id string, cmd []string, stdin []byte) (io.ReadCloser, error) {
	wrapped := append([]string{"sh", "-c", `touch ` + heartbeatFile + ` && exec "$@"`, "sh"}, cmd...)
	resp, err := m.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          wrapped,
		User:         containerUser,
		WorkingDir:   WorkspaceDir,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create exec in container %s: %w", id, err)
	}

	attachResp, err := m.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach to exec %s: %w", resp.ID, err)
	}

	if _, err := attachResp.Conn.Write(stdin); err != nil {
		attachResp.Close()
		return nil, fmt.Errorf("write exec input: %w", err)
	}
	if err := attachResp.CloseWrite(); err != nil {
		attachResp.Close()
		return nil, fmt.Errorf("close exec input: %w", err)
	}

	// Cancelling ctx tears down the hijacked connection so a blocked read
	// returns.
	stop := context.AfterFunc(ctx, attachResp.Close)

	pr, pw := io.Pipe()
	go func() {
		var stderr bytes.Buffer
		_, err := stdcopy.StdCopy(pw, &stderr, attachResp.Reader)
		if stderr.Len() > 0 {
			m.logger.Debug("Exec stderr", "container_id", id, "stderr", lastLine(stderr.String()))
		}
		pw.CloseWithError(err)
	}()

	return &execReader{PipeReader: pr, close: func() {
		stop()
		attachResp.Close()
	}}, nil
}

type execReader struct {
	*io.PipeReader
	close func()
}

func (r *execReader) Close() error {
	r.close()
	return r.PipeReader.Close()
}

// Status inspects an environment.
func (m *DockerManager) Status(ctx context.Context, id string) (Status, error) {
	inspect, err := m.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StatusMissing, nil
		}
		return "", fmt.Errorf("inspect container %s: %w", id, err)
	}
	if inspect.State == nil {
		return StatusMissing, nil
	}
	return Status(inspect.State.Status), nil
}

// Stop stops and removes an environment.
// It is idempotent and handles concurrent calls gracefully.
func (m *DockerManager) Stop(ctx context.Context, id string) error {
	m.logger.Info("Stopping container", "container_id", id)

	timeout := stopTimeoutSecs
	if err := m.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			m.logger.Debug("Container already removed", "container_id", id)
			return nil
		}
		m.logger.Debug("Container stop returned error, continuing to remove", "container_id", id, "error", err)
	}

	// AutoRemove usually wins; force removal covers a failed stop.
	if err := m.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			m.logger.Debug("Context canceled during remove, container may still be removed", "container_id", id, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", id, err)
	}

	m.logger.Info("Container stopped and removed", "container_id", id)
	return nil
}

// discard removes a half-built environment without the caller's deadline.
func (m *DockerManager) discard(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		m.logger.Warn("Failed to remove container after provisioning failure", "container_id", id, "error", err)
	}
}

func ptr[T any](v T) *T {
	return &v
}
