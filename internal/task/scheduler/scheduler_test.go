package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvester/internal/domain"
	"harvester/internal/eventbus"
	"harvester/internal/task/engine"
	logx "harvester/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in    string
		kind  SpecKind
		spec  string
		every time.Duration
		src   string
	}{
		{in: "*/30 * * * *", kind: SpecCron, spec: "*/30 * * * *", src: "cron"},
		{in: "@hourly", kind: SpecCron, spec: "@hourly", src: "cron"},
		{in: "@every 1h", kind: SpecCron, spec: "@every 1h", src: "cron"},
		{in: "cron: 0 6 * * 1-5", kind: SpecCron, spec: "0 6 * * 1-5", src: "cron"},
		{in: "45m", kind: SpecInterval, spec: "@every 45m0s", every: 45 * time.Minute, src: "duration"},
		{in: "02:30", kind: SpecInterval, spec: "@every 2h30m0s", every: 150 * time.Minute, src: "hhmm"},
		{in: "Interval: 10s", kind: SpecInterval, spec: "@every 10s", every: 10 * time.Second, src: "duration"},
		{in: "every:1:05", kind: SpecInterval, spec: "@every 1h5m0s", every: 65 * time.Minute, src: "hhmm"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			ps, err := ParseSchedule(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.kind, ps.Kind)
			assert.Equal(t, tc.spec, ps.Spec())
			assert.Equal(t, tc.every, ps.Every)
			assert.Equal(t, tc.src, ps.Source)
		})
	}

	for _, bad := range []string{"", "  ", "cron:", "interval:", "-5m", "00:00", "1:75", "soon"} {
		_, err := ParseSchedule(bad)
		assert.Error(t, err, "%q", bad)
	}
}

func TestSpreadDelaysOnlyFirstRun(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sch := intervalWithSpread(time.Minute, now, "g1")

	first := sch.Next(now)
	assert.False(t, first.Before(now.Add(time.Minute)))
	assert.True(t, first.Before(now.Add(2*time.Minute)))

	second := sch.Next(first)
	// cron.Every rounds to whole seconds.
	gap := second.Sub(first)
	assert.Greater(t, gap, 59*time.Second)
	assert.LessOrEqual(t, gap, time.Minute)
}

type fakeGroups struct {
	mu     sync.Mutex
	groups []domain.Group
	err    error
}

func (f *fakeGroups) ListGroups(context.Context) ([]domain.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Group(nil), f.groups...), f.err
}

func (f *fakeGroups) set(gs ...domain.Group) {
	f.mu.Lock()
	f.groups = gs
	f.mu.Unlock()
}

type triggerLog struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (t *triggerLog) fire(_ context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids = append(t.ids, id)
	return t.err
}

func (t *triggerLog) calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.ids...)
}

func names(es []Entry) []string {
	out := make([]string, 0, len(es))
	for _, e := range es {
		out = append(out, e.GroupName)
	}
	return out
}

func TestSyncRegistersActiveScheduledGroups(t *testing.T) {
	store := &fakeGroups{}
	store.set(
		domain.Group{ID: "a", Name: "alpha", Schedule: "*/30 * * * *", Active: true},
		domain.Group{ID: "b", Name: "beta", Schedule: "45m", Active: true},
		domain.Group{ID: "c", Name: "gamma", Schedule: "@hourly", Active: false},
		domain.Group{ID: "d", Name: "delta", Schedule: "", Active: true},
		domain.Group{ID: "e", Name: "epsilon", Schedule: "61 * * * *", Active: true},
	)
	trig := &triggerLog{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(Config{Enabled: true, Timezone: "UTC"}, store, trig.fire, logx.Nop(), bus)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	entries := s.Entries()
	assert.Equal(t, []string{"alpha", "beta"}, names(entries))
	for _, e := range entries {
		assert.False(t, e.Next.IsZero(), e.GroupName)
	}
	assert.Equal(t, "@every 45m0s", entries[1].Spec)

	ev := <-events
	require.Equal(t, eventbus.ScheduleSynced, ev.Type)
	res := ev.Data.(SyncResult)
	assert.Equal(t, 2, res.Registered)
	assert.Equal(t, []string{"alpha", "beta"}, res.Added)
	assert.Equal(t, []string{"epsilon"}, res.Invalid)

	// Deactivate alpha, reschedule beta, activate gamma.
	store.set(
		domain.Group{ID: "a", Name: "alpha", Schedule: "*/30 * * * *", Active: false},
		domain.Group{ID: "b", Name: "beta", Schedule: "@daily", Active: true},
		domain.Group{ID: "c", Name: "gamma", Schedule: "@hourly", Active: true},
	)
	require.NoError(t, s.Sync(context.Background()))
	entries = s.Entries()
	assert.Equal(t, []string{"beta", "gamma"}, names(entries))
	assert.Equal(t, "@daily", entries[0].Spec)

	ev = <-events
	res = ev.Data.(SyncResult)
	assert.Equal(t, []string{"beta", "gamma"}, res.Added)
	assert.Equal(t, []string{"alpha"}, res.Removed)
}

func TestSyncBeforeStartKeepsDefinitions(t *testing.T) {
	store := &fakeGroups{}
	store.set(domain.Group{ID: "a", Name: "alpha", Schedule: "@hourly", Active: true})
	s := New(Config{}, store, (&triggerLog{}).fire, logx.Nop(), nil)

	require.NoError(t, s.Sync(context.Background()))
	es := s.Entries()
	require.Len(t, es, 1)
	assert.True(t, es[0].Next.IsZero())
	assert.False(t, s.Running())
}

func TestSyncStoreError(t *testing.T) {
	store := &fakeGroups{err: errors.New("db down")}
	s := New(Config{}, store, (&triggerLog{}).fire, logx.Nop(), nil)
	err := s.Sync(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestFireCallsTrigger(t *testing.T) {
	store := &fakeGroups{}
	store.set(domain.Group{ID: "a", Name: "alpha", Schedule: "@hourly", Active: true})
	trig := &triggerLog{}
	s := New(Config{Enabled: true}, store, trig.fire, logx.Nop(), nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	s.fire("a")
	s.fire("unknown")
	assert.Equal(t, []string{"a"}, trig.calls())

	// Overlap skips and other failures never panic or stop the scheduler.
	trig.err = fmt.Errorf("enqueue: %w", engine.ErrOverlapSkip)
	s.fire("a")
	trig.err = engine.ErrQueueFull
	s.fire("a")
	s.fire("a")
	assert.Len(t, trig.calls(), 4)
	assert.True(t, s.Running())
}

func TestIntervalScheduleFires(t *testing.T) {
	store := &fakeGroups{}
	store.set(domain.Group{ID: "a", Name: "alpha", Schedule: "@every 1s", Active: true})
	trig := &triggerLog{}
	s := New(Config{Enabled: true}, store, trig.fire, logx.Nop(), nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	assert.Eventually(t, func() bool { return len(trig.calls()) > 0 }, 5*time.Second, 50*time.Millisecond)
}

func TestApplyTimezoneRestart(t *testing.T) {
	store := &fakeGroups{}
	store.set(domain.Group{ID: "a", Name: "alpha", Schedule: "0 6 * * *", Active: true})
	s := New(Config{Enabled: true, Timezone: "UTC"}, store, (&triggerLog{}).fire, logx.Nop(), nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	s.Apply(Config{Enabled: true, Timezone: "Asia/Tokyo"})
	es := s.Entries()
	require.Len(t, es, 1)
	require.False(t, es[0].Next.IsZero())
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	assert.Equal(t, 6, es[0].Next.In(tokyo).Hour())
}
