// Package control is the asynchronous command surface: each command is
// queued on the task engine and answered with a handle at once.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"harvester/internal/domain"
	"harvester/internal/group"
	"harvester/internal/runner"
	"harvester/internal/task/engine"
	logx "harvester/pkg/logx"
)

// Command kinds, also used as engine task kinds.
const (
	KindRunJob   = "run_job"
	KindTestJob  = "test_job"
	KindRunGroup = "run_group"
)

// Handle identifies a queued command. RunID is set for RunJob, whose run
// exists in PENDING before the command is picked up.
type Handle struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Target string `json:"target"`
	RunID  string `json:"run_id,omitempty"`
}

type Queue interface {
	Submit(t engine.Task) (string, error)
	Status(id string) (engine.Status, error)
}

type Store interface {
	GetJob(ctx context.Context, id string) (domain.Job, error)
	GetGroup(ctx context.Context, id string) (domain.Group, error)
	CreateRun(ctx context.Context, r *domain.Run) error
	FinishRun(ctx context.Context, r *domain.Run) error
}

type JobRunner interface {
	Execute(ctx context.Context, runID string) runner.Result
	Test(ctx context.Context, jobID, handle string) runner.Result
}

type GroupRunner interface {
	RunGroup(ctx context.Context, groupID, handle string) group.Result
}

type Options struct {
	Queue  Queue
	Store  Store
	Jobs   JobRunner
	Groups GroupRunner
	Log    logx.Logger

	// GroupTimeout bounds a queued group run; 0 uses the engine default.
	GroupTimeout time.Duration
}

type Control struct {
	queue        Queue
	store        Store
	jobs         JobRunner
	groups       GroupRunner
	log          logx.Logger
	groupTimeout time.Duration
}

func New(opts Options) *Control {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Control{
		queue:        opts.Queue,
		store:        opts.Store,
		jobs:         opts.Jobs,
		groups:       opts.Groups,
		log:          log.Named("control"),
		groupTimeout: opts.GroupTimeout,
	}
}

// RunJob records a PENDING run for jobID and queues its execution.
func (c *Control) RunJob(ctx context.Context, jobID string) (Handle, error) {
	job, err := c.job(ctx, jobID)
	if err != nil {
		return Handle{}, err
	}
	h := Handle{ID: uuid.NewString(), Kind: KindRunJob, Target: job.ID}

	run := &domain.Run{JobID: job.ID, Status: domain.RunPending, QueueHandle: h.ID}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return Handle{}, fmt.Errorf("create run: %w", err)
	}
	h.RunID = run.ID

	runID := run.ID
	_, err = c.queue.Submit(engine.Task{
		ID:         h.ID,
		Kind:       KindRunJob,
		Name:       job.Name,
		OverlapKey: "job:" + job.ID,
		Run: func(ctx context.Context) error {
			return resultErr(c.jobs.Execute(ctx, runID))
		},
		OnDrop: func(reason string) {
			c.abandon(ctx, run, "dropped before start: "+reason)
		},
	})
	if err != nil {
		c.abandon(ctx, run, "not queued: "+err.Error())
		return Handle{}, err
	}
	c.log.Debug("job queued", logx.String("handle", h.ID), logx.String("job", job.Name), logx.String("run_id", runID))
	return h, nil
}

// TestJob queues a test execution of jobID. The test run is created when the
// command is picked up.
func (c *Control) TestJob(ctx context.Context, jobID string) (Handle, error) {
	job, err := c.job(ctx, jobID)
	if err != nil {
		return Handle{}, err
	}
	h := Handle{ID: uuid.NewString(), Kind: KindTestJob, Target: job.ID}
	handle, id := h.ID, job.ID
	_, err = c.queue.Submit(engine.Task{
		ID:         h.ID,
		Kind:       KindTestJob,
		Name:       job.Name,
		OverlapKey: "job:" + job.ID,
		Run: func(ctx context.Context) error {
			return resultErr(c.jobs.Test(ctx, id, handle))
		},
	})
	if err != nil {
		return Handle{}, err
	}
	c.log.Debug("job test queued", logx.String("handle", h.ID), logx.String("job", job.Name))
	return h, nil
}

// RunGroup queues a run of every active job in groupID.
func (c *Control) RunGroup(ctx context.Context, groupID string) (Handle, error) {
	g, err := c.store.GetGroup(ctx, groupID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Handle{}, domain.NewError(domain.KindValidation, fmt.Sprintf("group %s not found", groupID), err)
		}
		return Handle{}, fmt.Errorf("load group: %w", err)
	}
	h := Handle{ID: uuid.NewString(), Kind: KindRunGroup, Target: g.ID}
	handle, id := h.ID, g.ID
	_, err = c.queue.Submit(engine.Task{
		ID:         h.ID,
		Kind:       KindRunGroup,
		Name:       g.Name,
		OverlapKey: "group:" + g.ID,
		Timeout:    c.groupTimeout,
		Run: func(ctx context.Context) error {
			res := c.groups.RunGroup(ctx, id, handle)
			if res.Error != "" {
				return errors.New(res.Error)
			}
			if res.Failed > 0 {
				return fmt.Errorf("%d of %d jobs failed", res.Failed, res.TasksRun)
			}
			return nil
		},
	})
	if err != nil {
		return Handle{}, err
	}
	c.log.Debug("group queued", logx.String("handle", h.ID), logx.String("group", g.Name))
	return h, nil
}

// TriggerGroup adapts RunGroup to the scheduler's trigger signature.
func (c *Control) TriggerGroup(ctx context.Context, groupID string) error {
	_, err := c.RunGroup(ctx, groupID)
	return err
}

// Status reports where the command behind handle is.
func (c *Control) Status(handle string) (engine.Status, error) {
	return c.queue.Status(handle)
}

// Wait polls Status until the command is done or ctx ends.
func (c *Control) Wait(ctx context.Context, handle string, every time.Duration) (engine.Status, error) {
	if every <= 0 {
		every = 200 * time.Millisecond
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		st, err := c.queue.Status(handle)
		if err != nil {
			return st, err
		}
		if st.State.Done() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Control) job(ctx context.Context, jobID string) (domain.Job, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Job{}, domain.NewError(domain.KindValidation, fmt.Sprintf("job %s not found", jobID), err)
		}
		return domain.Job{}, fmt.Errorf("load job: %w", err)
	}
	return job, nil
}

// abandon fails a PENDING run whose command will never execute.
func (c *Control) abandon(ctx context.Context, run *domain.Run, msg string) {
	run.Status = domain.RunFailed
	run.ErrorMessage = msg
	run.ErrorKind = domain.KindInternal
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.store.FinishRun(pctx, run); err != nil {
		c.log.Warn("abandon run failed", logx.String("run_id", run.ID), logx.Err(err))
	}
}

func resultErr(res runner.Result) error {
	if res.Success {
		return nil
	}
	if res.Error == "" {
		return fmt.Errorf("run %s", res.Status)
	}
	return errors.New(res.Error)
}
