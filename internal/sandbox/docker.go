package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	logx "harvester/pkg/logx"
)

const (
	guestDir = "/sandbox"
	// DefaultDockerNetwork keeps containers offline; the routine reaches
	// pages only through the bind-mounted capability socket.
	DefaultDockerNetwork = "none"

	dockerCleanupTimeout = 15 * time.Second
	dockerLogDrain       = 2 * time.Second
)

// dockerAPI is the part of the Engine API client the isolator uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, container string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, container string, options container.StartOptions) error
	ContainerWait(ctx context.Context, container string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerInspect(ctx context.Context, container string) (types.ContainerJSON, error)
	ContainerRemove(ctx context.Context, container string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	Close() error
}

// DockerOptions configures the docker isolator.
type DockerOptions struct {
	// Host is the engine endpoint; empty uses DOCKER_HOST or the default socket.
	Host      string
	Network   string
	PidsLimit int
}

// DockerIsolator runs each routine in a throwaway container through the
// Docker Engine API. Memory, CPU and pid limits are enforced by the
// container runtime; the root filesystem is read-only and only the work
// directory is writable.
type DockerIsolator struct {
	Network   string
	PidsLimit int
	api       dockerAPI
	log       logx.Logger
}

func NewDockerIsolator(opts DockerOptions, log logx.Logger) (*DockerIsolator, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newDockerIsolator(cli, opts, log), nil
}

func newDockerIsolator(api dockerAPI, opts DockerOptions, log logx.Logger) *DockerIsolator {
	if opts.Network == "" {
		opts.Network = DefaultDockerNetwork
	}
	return &DockerIsolator{Network: opts.Network, PidsLimit: opts.PidsLimit, api: api, log: log.Named("sandbox.docker")}
}

func (d *DockerIsolator) Name() string { return "docker" }

func (d *DockerIsolator) Mount(string) string { return guestDir }

// Close releases the engine client.
func (d *DockerIsolator) Close() error { return d.api.Close() }

func (d *DockerIsolator) containerName(runID string) string {
	id := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' {
			return r
		}
		return -1
	}, strings.ToLower(runID))
	if id == "" {
		id = strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return "harvester-" + id
}

// containerConfig builds the create request for spec.
func (d *DockerIsolator) containerConfig(spec Spec) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             append([]string(nil), spec.Command...),
		Env:             sortedEnv(withHome(spec.Env)),
		WorkingDir:      guestDir,
		User:            fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: d.Network == "none",
	}
	host := &container.HostConfig{
		Binds:          []string{spec.Workdir + ":" + guestDir + ":rw"},
		NetworkMode:    container.NetworkMode(d.Network),
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,size=64m"},
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		Resources: container.Resources{
			Memory:     spec.Limits.MemoryBytes,
			MemorySwap: spec.Limits.MemoryBytes,
			NanoCPUs:   int64(spec.Limits.CPUs * 1e9),
		},
	}
	if d.PidsLimit > 0 {
		n := int64(d.PidsLimit)
		host.Resources.PidsLimit = &n
	}
	return cfg, host
}

func withHome(env map[string]string) map[string]string {
	out := make(map[string]string, len(env)+1)
	out["HOME"] = guestDir
	for k, v := range env {
		out[k] = v
	}
	return out
}

func (d *DockerIsolator) Run(ctx context.Context, spec Spec) Exit {
	if spec.Image == "" {
		return Exit{Code: -1, Err: errors.New("runtime has no container image")}
	}
	name := d.containerName(spec.RunID)
	exit := Exit{Container: name, Code: -1}

	id, err := d.create(ctx, name, spec)
	if err != nil {
		exit.Err = err
		return exit
	}
	// Removal must happen even when ctx is already past its deadline.
	defer d.remove(context.WithoutCancel(ctx), id, name)

	attach, err := d.api.ContainerAttach(ctx, id, container.AttachOptions{Stream: true, Stdout: true, Stderr: true})
	if err != nil {
		exit.Err = fmt.Errorf("attach: %w", err)
		return exit
	}
	defer attach.Close()
	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		_, _ = stdcopy.StdCopy(spec.Output, spec.Output, attach.Reader)
	}()

	// Register the wait before start so a fast exit is not missed.
	waitCh, errCh := d.api.ContainerWait(ctx, id, container.WaitConditionNextExit)
	if err := d.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		exit.Err = fmt.Errorf("start: %w", err)
		return exit
	}

	select {
	case w := <-waitCh:
		if w.Error != nil && w.Error.Message != "" {
			exit.Err = errors.New(w.Error.Message)
			return exit
		}
		exit.Code = int(w.StatusCode)
	case err := <-errCh:
		if ctx.Err() == nil {
			exit.Err = fmt.Errorf("wait: %w", err)
		}
		// On deadline the deferred force-remove kills the container.
		return exit
	}

	select {
	case <-logsDone:
	case <-time.After(dockerLogDrain):
	}

	inspectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dockerCleanupTimeout)
	defer cancel()
	info, err := d.api.ContainerInspect(inspectCtx, id)
	if err != nil {
		d.log.Debug("container inspect failed", logx.String("container", name), logx.Err(err))
		return exit
	}
	if info.ContainerJSONBase != nil && info.State != nil && info.State.OOMKilled {
		exit.Signal = "oom-killed"
		exit.ResourceKilled = true
	} else if exit.Code > 128 {
		exit.Signal = fmt.Sprintf("signal %d", exit.Code-128)
	}
	return exit
}

// create makes the container, pulling its image once when it is missing.
func (d *DockerIsolator) create(ctx context.Context, name string, spec Spec) (string, error) {
	cfg, host := d.containerConfig(spec)
	resp, err := d.api.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if errdefs.IsNotFound(err) {
		d.log.Info("pulling sandbox image", logx.String("image", spec.Image))
		if perr := d.pull(ctx, spec.Image); perr != nil {
			return "", fmt.Errorf("pull %s: %w", spec.Image, perr)
		}
		resp, err = d.api.ContainerCreate(ctx, cfg, host, nil, nil, name)
	}
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	for _, w := range resp.Warnings {
		d.log.Debug("container create warning", logx.String("container", name), logx.String("warning", w))
	}
	return resp.ID, nil
}

func (d *DockerIsolator) pull(ctx context.Context, ref string) error {
	rc, err := d.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

// remove force-removes the container, killing it if still running.
func (d *DockerIsolator) remove(ctx context.Context, id, name string) {
	ctx, cancel := context.WithTimeout(ctx, dockerCleanupTimeout)
	defer cancel()
	err := d.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		d.log.Warn("container removal failed", logx.String("container", name), logx.Err(err))
	}
}
