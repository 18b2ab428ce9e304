// Package runner executes one job: it opens a run, hands the routine to the
// sandbox, reconciles what comes back and closes the run. Callers always get
// a Result; failures are described by it, never returned or panicked.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"harvester/internal/dedup"
	"harvester/internal/domain"
	"harvester/internal/eventbus"
	"harvester/internal/metrics"
	"harvester/internal/sandbox"
	"harvester/internal/storage"
	logx "harvester/pkg/logx"
)

// Store is the persistence the runner needs.
type Store interface {
	storage.JobStore
	storage.RunStore
}

// Reconciler folds one extracted record into the record store.
type Reconciler interface {
	Reconcile(ctx context.Context, t dedup.Target, rec map[string]any) (dedup.Reconciled, error)
}

// Result describes one finished run.
type Result struct {
	Success    bool             `json:"success"`
	RunID      string           `json:"run_id,omitempty"`
	JobID      string           `json:"job_id"`
	Status     domain.RunStatus `json:"status,omitempty"`
	ItemsFound int              `json:"items_found"`
	NewItems   int              `json:"new_items"`
	Duration   time.Duration    `json:"duration"`
	Error      string           `json:"error,omitempty"`
	ErrorKind  domain.ErrorKind `json:"error_kind,omitempty"`
}

// RunEvent is published as run.started and run.finished.
type RunEvent struct {
	RunID  string `json:"run_id"`
	JobID  string `json:"job_id"`
	Test   bool   `json:"test,omitempty"`
	Result Result `json:"result"`
}

type Options struct {
	Store   Store
	Sandbox sandbox.Executor
	Dedup   Reconciler
	Bus     eventbus.Bus
	Metrics metrics.Sink
	Log     logx.Logger
	// DefaultTimeout applies to jobs without their own timeout; 0 leaves it
	// to the sandbox defaults.
	DefaultTimeout time.Duration
	// PersistTimeout bounds the writes that close a run after the caller's
	// context has gone away.
	PersistTimeout time.Duration
}

type Runner struct {
	store          Store
	sandbox        sandbox.Executor
	dedup          Reconciler
	bus            eventbus.Bus
	metrics        metrics.Sink
	log            logx.Logger
	defaultTimeout time.Duration
	persistTimeout time.Duration
	now            func() time.Time
}

func New(opts Options) *Runner {
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	return &Runner{
		store:          opts.Store,
		sandbox:        opts.Sandbox,
		dedup:          opts.Dedup,
		bus:            opts.Bus,
		metrics:        opts.Metrics,
		log:            opts.Log.Named("runner"),
		defaultTimeout: opts.DefaultTimeout,
		persistTimeout: opts.PersistTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Run opens a RUNNING run for jobID and executes it.
func (r *Runner) Run(ctx context.Context, jobID string) Result {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return r.lookupFailure(jobID, err)
	}
	run := &domain.Run{JobID: job.ID, Status: domain.RunRunning, StartedAt: r.now()}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return Result{JobID: jobID, Error: "create run: " + err.Error(), ErrorKind: domain.KindInternal}
	}
	return r.execute(ctx, job, run, true)
}

// Execute starts a run created earlier in PENDING, typically by a queued
// command, and executes it.
func (r *Runner) Execute(ctx context.Context, runID string) Result {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return Result{RunID: runID, Error: "load run: " + err.Error(), ErrorKind: domain.KindInternal}
	}
	if run.Status != domain.RunPending {
		return Result{RunID: runID, JobID: run.JobID, Status: run.Status,
			Error: fmt.Sprintf("run is %s, not %s", run.Status, domain.RunPending), ErrorKind: domain.KindInternal}
	}
	job, err := r.store.GetJob(ctx, run.JobID)
	if err != nil {
		res := r.lookupFailure(run.JobID, err)
		run.Status = domain.RunFailed
		return r.finish(ctx, job, &run, res, nil, false)
	}
	run.StartedAt = r.now()
	if err := r.store.StartRun(ctx, run.ID, run.StartedAt); err != nil {
		return Result{RunID: runID, JobID: run.JobID, Error: "start run: " + err.Error(), ErrorKind: domain.KindInternal}
	}
	run.Status = domain.RunRunning
	return r.execute(ctx, job, &run, true)
}

// Test executes the job without touching its records or average and sets
// its test status from the outcome. handle is stored on the run.
func (r *Runner) Test(ctx context.Context, jobID, handle string) Result {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return r.lookupFailure(jobID, err)
	}
	if err := r.store.SetJobTestStatus(ctx, job.ID, domain.TestTesting, time.Time{}); err != nil {
		r.log.Warn("set test status failed", logx.String("job_id", job.ID), logx.Err(err))
	}
	run := &domain.Run{JobID: job.ID, Status: domain.RunRunning, StartedAt: r.now(), QueueHandle: handle, Test: true}
	if err := r.store.CreateRun(ctx, run); err != nil {
		r.setTestStatus(ctx, job.ID, false)
		return Result{JobID: jobID, Error: "create run: " + err.Error(), ErrorKind: domain.KindInternal}
	}
	res := r.execute(ctx, job, run, false)
	r.setTestStatus(ctx, job.ID, res.Success)
	return res
}

func (r *Runner) setTestStatus(ctx context.Context, jobID string, passed bool) {
	status := domain.TestFailed
	if passed {
		status = domain.TestPassed
	}
	pctx, cancel := r.persistContext(ctx)
	defer cancel()
	if err := r.store.SetJobTestStatus(pctx, jobID, status, r.now()); err != nil {
		r.log.Warn("set test status failed", logx.String("job_id", jobID), logx.Err(err))
	}
}

func (r *Runner) lookupFailure(jobID string, err error) Result {
	res := Result{JobID: jobID, Error: "load job: " + err.Error(), ErrorKind: domain.KindInternal}
	if errors.Is(err, domain.ErrNotFound) {
		res.Error, res.ErrorKind = fmt.Sprintf("job %s not found", jobID), domain.KindValidation
	}
	return res
}

// runLog is what ends up in Run.ExecutionLog.
type runLog struct {
	sandbox.ExecutionLog
	FingerprintFields []string `json:"fingerprint_fields,omitempty"`
	Reconciled        int      `json:"reconciled,omitempty"`
	ReconcileError    string   `json:"reconcile_error,omitempty"`
}

// execute runs a RUNNING run to a terminal state.
func (r *Runner) execute(ctx context.Context, job domain.Job, run *domain.Run, reconcile bool) (res Result) {
	log := r.log.With(logx.String("run_id", run.ID), logx.String("job", job.Name))
	r.bus.Publish(eventbus.Event{Type: eventbus.RunStarted, Time: r.now(), Data: RunEvent{RunID: run.ID, JobID: job.ID, Test: run.Test}})
	log.Debug("run started", logx.Bool("test", run.Test))

	res = Result{RunID: run.ID, JobID: job.ID}
	var detail *runLog
	updateAverage := false

	defer func() {
		if p := recover(); p != nil {
			log.Error("run panicked", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			run.Status = domain.RunFailed
			res.Success = false
			res.Error, res.ErrorKind = fmt.Sprintf("panic: %v", p), domain.KindInternal
			updateAverage = false
		}
		res = r.finish(ctx, job, run, res, detail, updateAverage)
	}()

	if err := r.sandbox.Validate(job.Runtime, job.Routine); err != nil {
		run.Status = domain.RunFailed
		res.Error, res.ErrorKind = err.Error(), domain.KindValidation
		return res
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	sb := r.sandbox.Execute(ctx, sandbox.Request{
		RunID:   run.ID,
		Routine: job.Routine,
		Runtime: job.Runtime,
		Target:  job.TargetURL,
		Limits:  sandbox.Limits{Timeout: timeout},
	})
	r.metrics.SandboxFinished(sb.Log.Backend, string(sb.Status), time.Duration(sb.Log.DurationMS)*time.Millisecond)
	detail = &runLog{ExecutionLog: sb.Log}
	updateAverage = true

	switch sb.Status {
	case sandbox.StatusTimeout:
		run.Status = domain.RunTimeout
		res.Error, res.ErrorKind = sb.Error, domain.KindTimeout
		return res
	case sandbox.StatusSuccess:
	default:
		run.Status = domain.RunFailed
		res.Error, res.ErrorKind = sb.Error, domain.KindSandbox
		return res
	}

	res.ItemsFound = len(sb.Records)
	if !reconcile {
		run.Status = domain.RunSuccess
		res.Success = true
		return res
	}

	target := dedup.TargetFor(job, run.ID)
	detail.FingerprintFields = dedup.SortedFields(target.Fields)
	res.ItemsFound = 0
	for _, rec := range sb.Records {
		rc, err := r.dedup.Reconcile(ctx, target, rec)
		if err != nil {
			r.metrics.ReconcileFailed()
			run.Status = domain.RunFailed
			res.Error, res.ErrorKind = err.Error(), domain.KindOf(err)
			detail.ReconcileError = err.Error()
			log.Warn("reconcile failed", logx.Int("reconciled", res.ItemsFound), logx.Int("extracted", len(sb.Records)), logx.Err(err))
			return res
		}
		r.metrics.RecordReconciled(rc.IsNew)
		res.ItemsFound++
		detail.Reconciled++
		if rc.IsNew {
			res.NewItems++
		}
	}
	run.Status = domain.RunSuccess
	res.Success = true
	return res
}

// finish persists the terminal state of run and publishes run.finished.
func (r *Runner) finish(ctx context.Context, job domain.Job, run *domain.Run, res Result, detail *runLog, updateAverage bool) Result {
	completed := r.now()
	run.CompletedAt = &completed
	run.ItemsFound, run.NewItems = res.ItemsFound, res.NewItems
	run.ErrorMessage, run.ErrorKind = res.Error, res.ErrorKind
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			run.ExecutionLog = b
		}
	}
	res.RunID, res.Status = run.ID, run.Status
	res.Duration = run.Duration()

	pctx, cancel := r.persistContext(ctx)
	defer cancel()
	log := r.log.With(logx.String("run_id", run.ID), logx.String("job_id", run.JobID))

	if err := r.store.FinishRun(pctx, run); err != nil {
		log.Error("persist run outcome failed", logx.String("status", string(run.Status)), logx.Err(err))
		if res.Success {
			res.Success = false
			res.Error, res.ErrorKind = "persist run: "+err.Error(), domain.KindInternal
		}
	}
	if updateAverage && !run.Test && job.ID != "" {
		avg := domain.NextAverage(job.AvgExecutionSeconds, res.Duration.Seconds())
		if err := r.store.SetJobAverage(pctx, job.ID, avg); err != nil {
			log.Warn("update average failed", logx.Err(err))
		}
	}

	r.metrics.RunFinished(string(run.Status), string(res.ErrorKind), res.Duration, res.ItemsFound, res.NewItems)
	r.bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Time: completed, Data: RunEvent{RunID: run.ID, JobID: run.JobID, Test: run.Test, Result: res}})

	fields := []logx.Field{
		logx.String("status", string(run.Status)),
		logx.Int("items", res.ItemsFound),
		logx.Int("new", res.NewItems),
		logx.Duration("dur", res.Duration),
	}
	if res.Success {
		log.Info("run finished", fields...)
	} else {
		log.Warn("run finished", append(fields, logx.String("kind", string(res.ErrorKind)), logx.String("error", res.Error))...)
	}
	return res
}

// persistContext outlives ctx cancellation so a run is never left open
// because its caller went away.
func (r *Runner) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.persistTimeout)
}
