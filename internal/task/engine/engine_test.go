package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvester/internal/eventbus"
	logx "harvester/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), bus, nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitState(t *testing.T, s *Service, id string, want State) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		var err error
		st, err = s.Status(id)
		return err == nil && st.State == want
	}, 3*time.Second, 5*time.Millisecond, "handle %s never reached %s (last %+v)", id, want, st)
	return st
}

func TestSubmitReturnsHandleAndCompletes(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()
	s := startEngine(t, Config{Workers: 1}, bus)

	release := make(chan struct{})
	id, err := s.Submit(Task{Kind: "run_job", Name: "job a", Run: func(ctx context.Context) error {
		<-release
		return nil
	}})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	waitState(t, s, id, StateRunning)
	close(release)
	st := waitState(t, s, id, StateSucceeded)
	assert.Equal(t, "run_job", st.Kind)
	assert.False(t, st.FinishedAt.IsZero())

	var seen []string
	for len(seen) < 3 {
		select {
		case ev := <-ch:
			seen = append(seen, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("events so far: %v", seen)
		}
	}
	assert.ElementsMatch(t, []string{eventbus.TaskQueued, eventbus.TaskStarted, eventbus.TaskFinished}, seen)
	assert.Equal(t, eventbus.TaskFinished, seen[2])
}

func TestFailedAndPanickingTasks(t *testing.T) {
	s := startEngine(t, Config{Workers: 1}, nil)

	failID, err := s.Submit(Task{Name: "fails", Run: func(context.Context) error { return errors.New("nope") }})
	require.NoError(t, err)
	panicID, err := s.Submit(Task{Name: "panics", Run: func(context.Context) error { panic("boom") }})
	require.NoError(t, err)
	okID, err := s.Submit(Task{Name: "after", Run: func(context.Context) error { return nil }})
	require.NoError(t, err)

	assert.Equal(t, "nope", waitState(t, s, failID, StateFailed).Error)
	assert.Contains(t, waitState(t, s, panicID, StateFailed).Error, "panic: boom")
	waitState(t, s, okID, StateSucceeded)
}

func TestOverlapKeySkipsDuplicates(t *testing.T) {
	s := startEngine(t, Config{Workers: 2}, nil)
	release := make(chan struct{})
	block := func(context.Context) error { <-release; return nil }

	id, err := s.Submit(Task{Name: "group g1", OverlapKey: "group:g1", Run: block})
	require.NoError(t, err)
	_, err = s.Submit(Task{Name: "group g1", OverlapKey: "group:g1", Run: block})
	require.ErrorIs(t, err, ErrOverlapSkip)

	other, err := s.Submit(Task{Name: "group g2", OverlapKey: "group:g2", Run: block})
	require.NoError(t, err)

	close(release)
	waitState(t, s, id, StateSucceeded)
	waitState(t, s, other, StateSucceeded)

	again, err := s.Submit(Task{Name: "group g1", OverlapKey: "group:g1", Run: func(context.Context) error { return nil }})
	require.NoError(t, err)
	waitState(t, s, again, StateSucceeded)
}

func TestQueueFull(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 1}, nil)
	release := make(chan struct{})
	defer close(release)
	block := func(context.Context) error { <-release; return nil }

	first, err := s.Submit(Task{Name: "running", Run: block})
	require.NoError(t, err)
	waitState(t, s, first, StateRunning)

	_, err = s.Submit(Task{Name: "queued", Run: block})
	require.NoError(t, err)
	_, err = s.Submit(Task{Name: "overflow", Run: block})
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), s.Snapshot().DroppedQueueFull)
}

func TestStaleTasksAreDropped(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, MaxQueueDelay: 20 * time.Millisecond}, nil)
	release := make(chan struct{})
	first, err := s.Submit(Task{Name: "slow", Run: func(context.Context) error { <-release; return nil }})
	require.NoError(t, err)
	waitState(t, s, first, StateRunning)

	var ran atomic.Bool
	reasons := make(chan string, 1)
	stale, err := s.Submit(Task{
		Name:   "stale",
		Run:    func(context.Context) error { ran.Store(true); return nil },
		OnDrop: func(reason string) { reasons <- reason },
	})
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	close(release)

	st := waitState(t, s, stale, StateDropped)
	assert.Equal(t, "stale_queue_delay", st.Error)
	assert.False(t, ran.Load())
	assert.Equal(t, uint64(1), s.Snapshot().DroppedStale)
	select {
	case r := <-reasons:
		assert.Equal(t, "stale_queue_delay", r)
	case <-time.After(3 * time.Second):
		t.Fatal("drop hook was not called")
	}
}

func TestStopDropsQueuedTasks(t *testing.T) {
	s := New(Config{Workers: 1}, logx.Nop(), nil, nil)
	s.Start(context.Background())
	first, err := s.Submit(Task{Name: "busy", Run: func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }})
	require.NoError(t, err)
	waitState(t, s, first, StateRunning)

	reasons := make(chan string, 1)
	queued, err := s.Submit(Task{
		Name:   "queued",
		Run:    func(context.Context) error { return nil },
		OnDrop: func(reason string) { reasons <- reason },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)

	st, err := s.Status(queued)
	require.NoError(t, err)
	assert.Equal(t, StateDropped, st.State)
	select {
	case r := <-reasons:
		assert.Equal(t, "engine stopped", r)
	default:
		t.Fatal("drop hook was not called before Stop returned")
	}
}

func TestPanickingDropHookIsContained(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, MaxQueueDelay: 20 * time.Millisecond}, nil)
	release := make(chan struct{})
	first, err := s.Submit(Task{Name: "slow", Run: func(context.Context) error { <-release; return nil }})
	require.NoError(t, err)
	waitState(t, s, first, StateRunning)
	stale, err := s.Submit(Task{Name: "stale", Run: func(context.Context) error { return nil }, OnDrop: func(string) { panic("boom") }})
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	close(release)
	waitState(t, s, stale, StateDropped)

	next, err := s.Submit(Task{Name: "next", Run: func(context.Context) error { return nil }})
	require.NoError(t, err)
	waitState(t, s, next, StateSucceeded)
}

func TestTaskTimeoutCancelsContext(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, DefaultTimeout: 30 * time.Millisecond}, nil)
	id, err := s.Submit(Task{Name: "bounded", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	require.NoError(t, err)
	st := waitState(t, s, id, StateFailed)
	assert.Contains(t, st.Error, "deadline")
}

func TestFinishedHandlesAreEvicted(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, HistorySize: 2}, nil)
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := s.Submit(Task{Name: "t", Run: func(context.Context) error { return nil }})
		require.NoError(t, err)
		ids = append(ids, id)
		waitState(t, s, id, StateSucceeded)
	}
	_, err := s.Status(ids[0])
	assert.ErrorIs(t, err, ErrUnknown)
	_, err = s.Status(ids[2])
	assert.NoError(t, err)
	assert.Len(t, s.Snapshot().History, 2)
}

func TestSubmitBeforeStartAndAfterStop(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil, nil)
	_, err := s.Submit(Task{Name: "x", Run: func(context.Context) error { return nil }})
	require.ErrorIs(t, err, ErrStopped)

	s.Start(context.Background())
	s.Stop(context.Background())
	_, err = s.Submit(Task{Name: "x", Run: func(context.Context) error { return nil }})
	require.ErrorIs(t, err, ErrStopped)

	_, err = s.Submit(Task{Name: "", Run: func(context.Context) error { return nil }})
	require.Error(t, err)
}

func TestApplyRestartsWorkers(t *testing.T) {
	s := startEngine(t, Config{Workers: 1}, nil)
	s.Apply(context.Background(), Config{Workers: 3, QueueSize: 8})
	snap := s.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, 3, snap.Workers)
	assert.Equal(t, 8, snap.QueueCap)

	id, err := s.Submit(Task{Name: "after apply", Run: func(context.Context) error { return nil }})
	require.NoError(t, err)
	waitState(t, s, id, StateSucceeded)
}
