package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "harvester/pkg/logx"
)

type fakeEngine struct {
	mu        sync.Mutex
	missing   bool
	pulled    []string
	created   *container.Config
	host      *container.HostConfig
	removed   []string
	output    string
	exitCode  int64
	oomKilled bool
	hang      bool
}

func (f *fakeEngine) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing {
		return container.CreateResponse{}, errdefs.NotFound(errors.New("no such image"))
	}
	f.created, f.host = cfg, host
	return container.CreateResponse{ID: "id-" + name}, nil
}

func (f *fakeEngine) ContainerAttach(context.Context, string, container.AttachOptions) (types.HijackedResponse, error) {
	var framed bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&framed, stdcopy.Stdout).Write([]byte(f.output))
	conn, peer := net.Pipe()
	_ = peer.Close()
	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(&framed)}, nil
}

func (f *fakeEngine) ContainerStart(context.Context, string, container.StartOptions) error {
	return nil
}

func (f *fakeEngine) ContainerWait(ctx context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	waitCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if f.hang {
		go func() {
			<-ctx.Done()
			errCh <- ctx.Err()
		}()
	} else {
		waitCh <- container.WaitResponse{StatusCode: f.exitCode}
	}
	return waitCh, errCh
}

func (f *fakeEngine) ContainerInspect(context.Context, string) (types.ContainerJSON, error) {
	return types.ContainerJSON{ContainerJSONBase: &types.ContainerJSONBase{
		State: &types.ContainerState{OOMKilled: f.oomKilled, ExitCode: int(f.exitCode)},
	}}, nil
}

func (f *fakeEngine) ContainerRemove(_ context.Context, id string, opts container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if opts.Force {
		f.removed = append(f.removed, id)
	}
	return nil
}

func (f *fakeEngine) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	f.missing = false
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeEngine) Close() error { return nil }

func dockerSpec(out io.Writer) Spec {
	return Spec{
		RunID:   "Run_ABC-1",
		Workdir: "/tmp/hv-1",
		Command: []string{"python3", "-u", "/sandbox/harness.py"},
		Env:     map[string]string{"HARVESTER_RESULT_PATH": "/sandbox/result.json"},
		Image:   "python:3.12-slim",
		Limits:  Limits{MemoryBytes: 1 << 30, CPUs: 0.5},
		Output:  out,
	}
}

func TestDockerContainerConfig(t *testing.T) {
	t.Parallel()
	d := newDockerIsolator(&fakeEngine{}, DockerOptions{PidsLimit: 64}, logx.Nop())
	cfg, host := d.containerConfig(dockerSpec(io.Discard))

	assert.Equal(t, "harvester-runabc-1", d.containerName("Run_ABC-1"))
	assert.Equal(t, "python:3.12-slim", cfg.Image)
	assert.Equal(t, []string{"python3", "-u", "/sandbox/harness.py"}, []string(cfg.Cmd))
	assert.Contains(t, cfg.Env, "HARVESTER_RESULT_PATH=/sandbox/result.json")
	assert.Contains(t, cfg.Env, "HOME=/sandbox")
	assert.True(t, cfg.NetworkDisabled)

	assert.Equal(t, container.NetworkMode("none"), host.NetworkMode)
	assert.Equal(t, int64(1<<30), host.Resources.Memory)
	assert.Equal(t, int64(5e8), host.Resources.NanoCPUs)
	require.NotNil(t, host.Resources.PidsLimit)
	assert.Equal(t, int64(64), *host.Resources.PidsLimit)
	assert.True(t, host.ReadonlyRootfs)
	assert.Equal(t, []string{"ALL"}, []string(host.CapDrop))
	assert.Equal(t, []string{"/tmp/hv-1:/sandbox:rw"}, host.Binds)
	assert.Equal(t, "/sandbox", d.Mount("/tmp/hv-1"))
}

func TestDockerRunReportsOOMKill(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{exitCode: 137, oomKilled: true, output: "allocating\n"}
	d := newDockerIsolator(eng, DockerOptions{}, logx.Nop())
	var out bytes.Buffer

	exit := d.Run(context.Background(), dockerSpec(&out))
	require.NoError(t, exit.Err)
	assert.True(t, exit.ResourceKilled)
	assert.Equal(t, "oom-killed", exit.Signal)
	assert.Equal(t, 137, exit.Code)
	assert.Equal(t, "allocating\n", out.String())
	assert.Equal(t, []string{"id-harvester-runabc-1"}, eng.removed)
}

func TestDockerRunKilledWithoutOOMIsNotResourceKill(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{exitCode: 137}
	exit := newDockerIsolator(eng, DockerOptions{}, logx.Nop()).Run(context.Background(), dockerSpec(io.Discard))
	assert.False(t, exit.ResourceKilled)
	assert.Equal(t, "signal 9", exit.Signal)
}

func TestDockerRunPullsMissingImage(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{missing: true}
	exit := newDockerIsolator(eng, DockerOptions{}, logx.Nop()).Run(context.Background(), dockerSpec(io.Discard))
	require.NoError(t, exit.Err)
	assert.Equal(t, 0, exit.Code)
	assert.Equal(t, []string{"python:3.12-slim"}, eng.pulled)
}

func TestDockerRunDeadlineRemovesContainer(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{hang: true}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	exit := newDockerIsolator(eng, DockerOptions{}, logx.Nop()).Run(ctx, dockerSpec(io.Discard))
	require.NoError(t, exit.Err)
	assert.Equal(t, -1, exit.Code)
	eng.mu.Lock()
	defer eng.mu.Unlock()
	assert.Equal(t, []string{"id-harvester-runabc-1"}, eng.removed)
}
