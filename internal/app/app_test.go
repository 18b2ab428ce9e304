package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvester/internal/config"
	"harvester/internal/domain"
	"harvester/internal/eventbus"
	"harvester/internal/task/engine"
	logx "harvester/pkg/logx"
)

func newTestApp(t *testing.T, extra string) *App {
	t.Helper()
	dir := t.TempDir()
	raw := "logging:\n  level: error\n" +
		"storage:\n  driver: sqlite\n  dsn: " + filepath.Join(dir, "h.db") + "\n" +
		"scheduler:\n  enabled: true\n  timezone: UTC\n" + extra
	path := filepath.Join(dir, "harvester.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	a, err := New(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, "test")
	})
	return a
}

func TestNewFailsOnBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sandbox:\n  backend: vm\n"), 0o600))
	_, err := New(context.Background(), path)
	require.Error(t, err)
}

func TestBuildSandboxRejectsUnknownRuntime(t *testing.T) {
	cfg := config.SandboxConfig{Backend: "process", DefaultRuntime: "cobol", Timeout: "10s"}
	_, err := buildSandbox(cfg, nil, logx.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cobol")
}

func TestServeAbandonsStaleRuns(t *testing.T) {
	a := newTestApp(t, "")
	ctx := context.Background()

	g := domain.Group{Name: "news", Active: true}
	require.NoError(t, a.Store().CreateGroup(ctx, &g))
	j := domain.Job{GroupID: g.ID, Name: "feed", TargetURL: "https://example.org", Routine: "print(1)", Active: true}
	require.NoError(t, a.Store().CreateJob(ctx, &j))
	stale := domain.Run{JobID: j.ID, Status: domain.RunRunning}
	require.NoError(t, a.Store().CreateRun(ctx, &stale))

	require.NoError(t, a.Start(ctx, ModeServe))
	assert.True(t, a.Scheduler().Running())

	got, err := a.Store().GetRun(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestOneShotRunsGroupWithoutScheduler(t *testing.T) {
	a := newTestApp(t, "")
	ctx := context.Background()
	require.NoError(t, a.Start(ctx, ModeOneShot))
	assert.False(t, a.Scheduler().Running())

	g := domain.Group{Name: "empty", Active: true}
	require.NoError(t, a.Store().CreateGroup(ctx, &g))

	h, err := a.Control().RunGroup(ctx, g.ID)
	require.NoError(t, err)
	st, err := a.Control().Wait(ctx, h.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, engine.StateSucceeded, st.State)

	runs, err := a.Store().ListGroupRuns(ctx, g.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, h.ID, runs[0].QueueHandle)
}

func TestStartTwiceFails(t *testing.T) {
	a := newTestApp(t, "")
	require.NoError(t, a.Start(context.Background(), ModeOneShot))
	require.Error(t, a.Start(context.Background(), ModeOneShot))
}

func TestApplyConfigTogglesScheduler(t *testing.T) {
	a := newTestApp(t, "")
	ctx := context.Background()
	require.NoError(t, a.Start(ctx, ModeServe))
	require.True(t, a.Scheduler().Running())

	events, unsub := a.Bus().Subscribe(16)
	defer unsub()

	prev := a.Config()
	next := *prev
	next.Scheduler.Enabled = false
	next.Group.MaxParallel = 9
	a.applyConfig(ctx, prev, &next)
	assert.False(t, a.Scheduler().Running())

	var reloaded ReloadedEvent
	require.Eventually(t, func() bool {
		select {
		case ev := <-events:
			if ev.Type == eventbus.ConfigReloaded {
				reloaded = ev.Data.(ReloadedEvent)
				return true
			}
		default:
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{config.SectionScheduler, config.SectionGroup}, reloaded.Sections)

	again := next
	again.Scheduler.Enabled = true
	a.applyConfig(ctx, &next, &again)
	assert.True(t, a.Scheduler().Running())
}

func TestApplyConfigWithoutChangesIsQuiet(t *testing.T) {
	a := newTestApp(t, "")
	ctx := context.Background()
	require.NoError(t, a.Start(ctx, ModeServe))

	events, unsub := a.Bus().Subscribe(16)
	defer unsub()
	cfg := a.Config()
	a.applyConfig(ctx, cfg, cfg)

	time.Sleep(50 * time.Millisecond)
	for {
		select {
		case ev := <-events:
			assert.NotEqual(t, eventbus.ConfigReloaded, ev.Type)
			continue
		default:
		}
		break
	}
}

func TestSendersFollowCredentials(t *testing.T) {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	assert.Len(t, senders(cfg, logx.Nop()), 1)

	cfg.Notifier.SMTP.Host = "smtp.example.org"
	cfg.Notifier.SMTP.From = "bot@example.org"
	cfg.Notifier.Telegram.Token = "123:abc"
	got := senders(cfg, logx.Nop())
	channels := make([]string, 0, len(got))
	for _, s := range got {
		channels = append(channels, s.Channel())
	}
	assert.ElementsMatch(t, []string{"webhook", "email", "telegram"}, channels)
}

func TestHealthFollowsRoutines(t *testing.T) {
	a := newTestApp(t, "")
	ctx := context.Background()
	require.NoError(t, a.Start(ctx, ModeOneShot))
	require.NoError(t, a.health(ctx))

	a.sup.Go("watcher", func(context.Context) error { return assert.AnError })
	require.Eventually(t, func() bool { return a.health(ctx) != nil }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorContains(t, a.health(ctx), "watcher")
}

func TestServeWarnsAboutProcessBackend(t *testing.T) {
	a := newTestApp(t, "")
	var buf bytes.Buffer
	a.log = logx.NewWriter(&buf, "warn")
	require.NoError(t, a.Start(context.Background(), ModeServe))
	assert.Contains(t, buf.String(), "sandbox backend 'process'")
}

func TestBuildSandboxDocker(t *testing.T) {
	cfg := config.SandboxConfig{Backend: "docker", DefaultRuntime: "python", Timeout: "10s"}
	cfg.Docker.Host = "unix:///nonexistent/docker.sock"
	box, err := buildSandbox(cfg, nil, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "docker", box.Backend())
	require.NoError(t, box.Close())
}
