//go:build unix

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvester/internal/dedup"
	"harvester/internal/domain"
	"harvester/internal/eventbus"
	"harvester/internal/sandbox"
	"harvester/internal/storage"
	logx "harvester/pkg/logx"
)

const threeRecords = `scrape_data() {
  printf '{"success":true,"data":[{"title":"a","url":"https://x.test/a"},{"title":"b","url":"https://x.test/b"},{"title":"c","url":"https://x.test/c"}]}' >&3
}`

type fixture struct {
	store  storage.Store
	runner *Runner
	bus    eventbus.Bus
	group  domain.Group
}

func newFixture(t *testing.T, exec sandbox.Executor, rec Reconciler) *fixture {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "h.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	if exec == nil {
		exec = sandbox.New(sandbox.Options{
			Isolator:       sandbox.NewProcessIsolator(),
			DefaultRuntime: "sh",
			WorkRoot:       t.TempDir(),
			Log:            logx.Nop(),
		})
	}
	if rec == nil {
		rec = dedup.New(st)
	}
	bus := eventbus.New()
	g := domain.Group{Name: "grants", Active: true}
	require.NoError(t, st.CreateGroup(ctx, &g))

	return &fixture{
		store: st,
		bus:   bus,
		group: g,
		runner: New(Options{
			Store:          st,
			Sandbox:        exec,
			Dedup:          rec,
			Bus:            bus,
			Log:            logx.Nop(),
			DefaultTimeout: 10 * time.Second,
		}),
	}
}

func (f *fixture) job(t *testing.T, name, routine string, timeout time.Duration) domain.Job {
	t.Helper()
	j := domain.Job{
		GroupID:   f.group.ID,
		Name:      name,
		TargetURL: "https://x.test/list",
		Routine:   routine,
		Runtime:   "sh",
		DataType:  domain.DataTypeGrant,
		Active:    true,
		Timeout:   timeout,
	}
	require.NoError(t, f.store.CreateJob(context.Background(), &j))
	return j
}

func TestRunNewThenSeenRecords(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	j := f.job(t, "three", threeRecords, 0)

	first := f.runner.Run(ctx, j.ID)
	require.True(t, first.Success, first.Error)
	assert.Equal(t, domain.RunSuccess, first.Status)
	assert.Equal(t, 3, first.ItemsFound)
	assert.Equal(t, 3, first.NewItems)

	recs, err := f.store.ListRecords(ctx, storage.RecordFilter{JobID: j.ID})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for _, r := range recs {
		assert.Equal(t, 1, r.TimesSeen)
		assert.Equal(t, "GRANT", r.Category)
	}

	second := f.runner.Run(ctx, j.ID)
	require.True(t, second.Success, second.Error)
	assert.Equal(t, 3, second.ItemsFound)
	assert.Equal(t, 0, second.NewItems)

	recs, err = f.store.ListRecords(ctx, storage.RecordFilter{JobID: j.ID})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for _, r := range recs {
		assert.Equal(t, 2, r.TimesSeen)
	}

	run, err := f.store.GetRun(ctx, second.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSuccess, run.Status)
	require.NotNil(t, run.CompletedAt)
	var logged map[string]any
	require.NoError(t, json.Unmarshal(run.ExecutionLog, &logged))
	assert.Equal(t, "process", logged["backend"])
	assert.Equal(t, []any{"description", "title", "url"}, logged["fingerprint_fields"])

	loaded, err := f.store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.AvgExecutionSeconds)
}

func TestRunRoutineThrows(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	j := f.job(t, "throws", `scrape_data() { echo "Traceback: boom" >&2; return 1; }`, 0)

	res := f.runner.Run(ctx, j.ID)
	assert.False(t, res.Success)
	assert.Equal(t, domain.RunFailed, res.Status)
	assert.Equal(t, domain.KindSandbox, res.ErrorKind)
	assert.NotEmpty(t, res.Error)

	n, err := f.store.CountRecords(ctx, j.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	run, err := f.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, res.Error, run.ErrorMessage)
	assert.Contains(t, string(run.ExecutionLog), "Traceback: boom")
}

func TestRunPastDeadlineTimesOut(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	j := f.job(t, "slow", `scrape_data() { sleep 10; printf '{"success":true,"data":[]}' >&3; }`, time.Second)

	start := time.Now()
	res := f.runner.Run(ctx, j.ID)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, domain.RunTimeout, res.Status)
	assert.Equal(t, domain.KindTimeout, res.ErrorKind)

	run, err := f.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunTimeout, run.Status)
	assert.Equal(t, domain.KindTimeout, run.ErrorKind)
}

func TestRunValidationFailureSkipsSandbox(t *testing.T) {
	exec := &fakeExecutor{validateErr: domain.NewError(domain.KindValidation, "missing entry point", nil)}
	f := newFixture(t, exec, nil)
	ctx := context.Background()
	j := f.job(t, "bad", "echo hi", 0)

	res := f.runner.Run(ctx, j.ID)
	assert.Equal(t, domain.RunFailed, res.Status)
	assert.Equal(t, domain.KindValidation, res.ErrorKind)
	assert.Zero(t, exec.executed)

	loaded, err := f.store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded.AvgExecutionSeconds)
}

func TestRunUnknownJob(t *testing.T) {
	f := newFixture(t, &fakeExecutor{}, nil)
	res := f.runner.Run(context.Background(), "missing")
	assert.False(t, res.Success)
	assert.Empty(t, res.RunID)
	assert.Equal(t, domain.KindValidation, res.ErrorKind)
}

func TestExecuteQueuedRun(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	j := f.job(t, "queued", threeRecords, 0)

	run := domain.Run{JobID: j.ID, QueueHandle: "h-1"}
	require.NoError(t, f.store.CreateRun(ctx, &run))

	res := f.runner.Execute(ctx, run.ID)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, run.ID, res.RunID)

	stored, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSuccess, stored.Status)
	assert.Equal(t, "h-1", stored.QueueHandle)

	again := f.runner.Execute(ctx, run.ID)
	assert.False(t, again.Success)
	assert.Equal(t, domain.RunSuccess, again.Status)
}

func TestExecuteQueuedRunForDeletedJob(t *testing.T) {
	f := newFixture(t, &fakeExecutor{}, nil)
	ctx := context.Background()
	j := f.job(t, "gone", threeRecords, 0)
	run := domain.Run{JobID: j.ID}
	require.NoError(t, f.store.CreateRun(ctx, &run))

	f.runner.store = jobLookupFails{Store: f.store}
	res := f.runner.Execute(ctx, run.ID)
	assert.Equal(t, domain.RunFailed, res.Status)

	stored, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, stored.Status)
}

func TestTestJobWritesNoRecords(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	j := f.job(t, "trial", threeRecords, 0)

	res := f.runner.Test(ctx, j.ID, "h-test")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 3, res.ItemsFound)
	assert.Zero(t, res.NewItems)

	n, err := f.store.CountRecords(ctx, j.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	loaded, err := f.store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TestPassed, loaded.TestStatus)
	require.NotNil(t, loaded.LastTestAt)
	assert.Nil(t, loaded.AvgExecutionSeconds)

	run, err := f.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.True(t, run.Test)
	assert.Equal(t, "h-test", run.QueueHandle)
}

func TestTestJobFailure(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	j := f.job(t, "trial-bad", `scrape_data() { return 2; }`, 0)

	res := f.runner.Test(ctx, j.ID, "")
	assert.False(t, res.Success)
	loaded, err := f.store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TestFailed, loaded.TestStatus)
}

func TestPanicIsRecorded(t *testing.T) {
	f := newFixture(t, &fakeExecutor{panicOnExecute: true}, nil)
	ctx := context.Background()
	j := f.job(t, "panics", threeRecords, 0)

	var res Result
	require.NotPanics(t, func() { res = f.runner.Run(ctx, j.ID) })
	assert.Equal(t, domain.RunFailed, res.Status)
	assert.Equal(t, domain.KindInternal, res.ErrorKind)
	assert.Contains(t, res.Error, "panic")

	run, err := f.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
}

func TestReconcileFailureKeepsPartialProgress(t *testing.T) {
	exec := &fakeExecutor{result: sandbox.Result{Status: sandbox.StatusSuccess, Records: []map[string]any{
		{"title": "one"}, {"title": "two"}, {"title": "three"},
	}}}
	flaky := &flakyReconciler{failAt: 2}
	f := newFixture(t, exec, flaky)
	flaky.next = dedup.New(f.store)
	ctx := context.Background()
	j := f.job(t, "partial", threeRecords, 0)

	res := f.runner.Run(ctx, j.ID)
	assert.Equal(t, domain.RunFailed, res.Status)
	assert.Equal(t, domain.KindReconciliation, res.ErrorKind)
	assert.Equal(t, 1, res.ItemsFound)
	assert.Equal(t, 1, res.NewItems)

	n, err := f.store.CountRecords(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunEventsPublished(t *testing.T) {
	f := newFixture(t, &fakeExecutor{result: sandbox.Result{Status: sandbox.StatusSuccess}}, nil)
	ch, unsub := f.bus.Subscribe(8)
	defer unsub()
	j := f.job(t, "events", threeRecords, 0)

	res := f.runner.Run(context.Background(), j.ID)
	require.True(t, res.Success, res.Error)

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
			if ev.Type == eventbus.RunFinished {
				assert.Equal(t, res.RunID, ev.Data.(RunEvent).Result.RunID)
			}
		case <-time.After(time.Second):
			t.Fatalf("events so far: %v", types)
		}
	}
	assert.Equal(t, []string{eventbus.RunStarted, eventbus.RunFinished}, types)
}

type fakeExecutor struct {
	validateErr    error
	result         sandbox.Result
	panicOnExecute bool
	executed       int
}

func (f *fakeExecutor) Validate(string, string) error { return f.validateErr }

func (f *fakeExecutor) Execute(context.Context, sandbox.Request) sandbox.Result {
	f.executed++
	if f.panicOnExecute {
		panic("executor exploded")
	}
	return f.result
}

type flakyReconciler struct {
	next   Reconciler
	failAt int
	calls  int
}

func (f *flakyReconciler) Reconcile(ctx context.Context, t dedup.Target, rec map[string]any) (dedup.Reconciled, error) {
	f.calls++
	if f.calls == f.failAt {
		return dedup.Reconciled{}, domain.NewError(domain.KindReconciliation, "upsert record", errors.New("disk full"))
	}
	return f.next.Reconcile(ctx, t, rec)
}

type jobLookupFails struct{ storage.Store }

func (jobLookupFails) GetJob(context.Context, string) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}
