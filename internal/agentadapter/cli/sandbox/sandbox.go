// Package sandbox runs the agent runtime subprocess inside a Docker
// container instead of as a local process, for deployments that want the
// runtime's filesystem and network access contained. It satisfies
// cli.ProcessFactory so internal/agentadapter/cli can use it as a drop-in
// replacement for the local exec.Cmd launcher.
package sandbox

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/trafficcontrol/orchestrator/internal/agentadapter/cli"
	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
)

// Config configures the image and resource limits every launched container
// shares. The working directory passed to Launch is always bind-mounted
// read-write at the same path inside the container, so the agent runtime
// sees the same paths it would running locally.
type Config struct {
	Image       string
	NetworkMode string
	Memory      int64 // bytes, 0 = unlimited
	CPUQuota    int64 // microseconds per 100ms period, 0 = unlimited
	AutoRemove  bool
}

// Runtime launches agent runtime containers on one Docker daemon.
type Runtime struct {
	cli *client.Client
	cfg Config
	log *logger.Logger
}

// NewRuntime connects to the Docker daemon described by the environment
// (DOCKER_HOST and friends) and negotiates an API version.
func NewRuntime(cfg Config, log *logger.Logger) (*Runtime, error) {
	dockerCli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: create docker client: %w", err)
	}
	return &Runtime{
		cli: dockerCli,
		cfg: cfg,
		log: log.WithFields(zap.String("component", "agentadapter.cli.sandbox")),
	}, nil
}

// Close closes the underlying Docker client.
func (r *Runtime) Close() error { return r.cli.Close() }

// Launch implements cli.ProcessFactory.
func (r *Runtime) Launch(ctx context.Context, binary string, args []string, dir string, env []string) cli.Process {
	return &containerProcess{rt: r, ctx: ctx, binary: binary, args: args, dir: dir, env: env}
}

type containerProcess struct {
	rt     *Runtime
	ctx    context.Context
	binary string
	args   []string
	dir    string
	env    []string

	containerID string
	stdin       io.WriteCloser
	stdout      io.Reader
}

func (p *containerProcess) Start() error {
	r := p.rt
	cmd := append([]string{p.binary}, p.args...)

	var mounts []mount.Mount
	if p.dir != "" {
		mounts = []mount.Mount{{Type: mount.TypeBind, Source: p.dir, Target: p.dir, ReadOnly: false}}
	}

	containerCfg := &container.Config{
		Image:        r.cfg.Image,
		Cmd:          cmd,
		Env:          p.env,
		WorkingDir:   p.dir,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(r.cfg.NetworkMode),
		AutoRemove:  r.cfg.AutoRemove,
		Resources: container.Resources{
			Memory:   r.cfg.Memory,
			CPUQuota: r.cfg.CPUQuota,
		},
	}

	resp, err := r.cli.ContainerCreate(p.ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return fmt.Errorf("sandbox: create container: %w", err)
	}
	p.containerID = resp.ID

	if err := r.cli.ContainerStart(p.ctx, p.containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("sandbox: start container %s: %w", p.containerID, err)
	}

	attach, err := r.cli.ContainerAttach(p.ctx, p.containerID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return fmt.Errorf("sandbox: attach container %s: %w", p.containerID, err)
	}

	stdoutReader, stdoutWriter := io.Pipe()
	go func() {
		defer stdoutWriter.Close()
		demultiplex(attach.Reader, stdoutWriter)
	}()

	p.stdin = attach.Conn
	p.stdout = stdoutReader

	r.log.Info("sandbox container started", zap.String("container_id", p.containerID), zap.String("image", r.cfg.Image))
	return nil
}

func (p *containerProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *containerProcess) Stdout() io.Reader     { return p.stdout }

func (p *containerProcess) Wait() error {
	statusCh, errCh := p.rt.cli.ContainerWait(p.ctx, p.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return err
	case <-statusCh:
		return nil
	}
}

func (p *containerProcess) Kill() error {
	if p.containerID == "" {
		return nil
	}
	if err := p.rt.cli.ContainerKill(p.ctx, p.containerID, "SIGKILL"); err != nil {
		return fmt.Errorf("sandbox: kill container %s: %w", p.containerID, err)
	}
	if p.rt.cfg.AutoRemove {
		return nil
	}
	return p.rt.cli.ContainerRemove(p.ctx, p.containerID, container.RemoveOptions{Force: true})
}

// demultiplex strips Docker's 8-byte stream-framing headers from a non-tty
// attach stream, writing stdout and stderr frames through to writer.
func demultiplex(reader io.Reader, writer io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			return
		}
		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			return
		}
		if streamType == 1 || streamType == 2 {
			_, _ = writer.Write(data)
		}
	}
}
