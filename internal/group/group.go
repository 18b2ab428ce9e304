// Package group runs every active job of a group, either one after another
// in execution order or fanned out under a concurrency ceiling, and
// aggregates the outcome.
package group

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"harvester/internal/domain"
	"harvester/internal/eventbus"
	"harvester/internal/metrics"
	"harvester/internal/runner"
	"harvester/internal/storage"
	logx "harvester/pkg/logx"
)

type Store interface {
	GetGroup(ctx context.Context, id string) (domain.Group, error)
	ListJobs(ctx context.Context, f storage.JobFilter) ([]domain.Job, error)
	storage.GroupRunStore
}

// JobRunner runs one job to completion.
type JobRunner interface {
	Run(ctx context.Context, jobID string) runner.Result
}

// Result is the aggregate of one group invocation. Results follow execution
// order; ByJob indexes them by job ID.
type Result struct {
	GroupRunID string              `json:"group_run_id,omitempty"`
	GroupID    string              `json:"group_id"`
	GroupName  string              `json:"group_name,omitempty"`
	Mode       string              `json:"mode,omitempty"`
	TasksRun   int                 `json:"tasks_run"`
	Succeeded  int                 `json:"succeeded"`
	Failed     int                 `json:"failed"`
	ItemsFound int                 `json:"items_found"`
	NewItems   int                 `json:"new_items"`
	Results    []domain.JobOutcome `json:"results"`
	Duration   time.Duration       `json:"duration"`
	Error      string              `json:"error,omitempty"`
}

func (r Result) ByJob() map[string]domain.JobOutcome {
	out := make(map[string]domain.JobOutcome, len(r.Results))
	for _, o := range r.Results {
		out[o.JobID] = o
	}
	return out
}

// CompletedEvent is published as group.completed when the group has
// notification destinations.
type CompletedEvent struct {
	GroupID      string              `json:"group_id"`
	GroupName    string              `json:"group_name"`
	GroupRunID   string              `json:"group_run_id"`
	Mode         string              `json:"mode"`
	TasksRun     int                 `json:"tasks_run"`
	Succeeded    int                 `json:"succeeded"`
	FailedTasks  int                 `json:"failed_tasks"`
	ItemsFound   int                 `json:"items_found"`
	NewItems     int                 `json:"new_items"`
	Results      []domain.JobOutcome `json:"results"`
	Destinations []string            `json:"-"`
	StartedAt    time.Time           `json:"started_at"`
	CompletedAt  time.Time           `json:"completed_at"`
}

type Options struct {
	Store   Store
	Runner  JobRunner
	Bus     eventbus.Bus
	Metrics metrics.Sink
	Log     logx.Logger
	// MaxParallel caps concurrent jobs of one parallel group; 0 means 4.
	MaxParallel int
}

type Scheduler struct {
	store       Store
	runner      JobRunner
	bus         eventbus.Bus
	metrics     metrics.Sink
	log         logx.Logger
	maxParallel atomic.Int32
}

func New(opts Options) *Scheduler {
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	s := &Scheduler{
		store:   opts.Store,
		runner:  opts.Runner,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		log:     opts.Log.Named("group"),
	}
	s.SetMaxParallel(opts.MaxParallel)
	return s
}

// SetMaxParallel changes the ceiling for group runs started afterwards.
func (s *Scheduler) SetMaxParallel(n int) {
	if n <= 0 {
		n = 4
	}
	s.maxParallel.Store(int32(n))
}

// RunGroup runs the active jobs of groupID and returns once all of them
// reached a terminal state. handle is recorded on the group run when the call
// comes from the command queue. Failures are reported in the Result.
func (s *Scheduler) RunGroup(ctx context.Context, groupID, handle string) (res Result) {
	started := time.Now().UTC()
	res = Result{GroupID: groupID}
	// gr is set once the group run is recorded; persisted once it is closed.
	var (
		gr        *domain.GroupRun
		persisted bool
	)
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("group run panicked", logx.String("group_id", groupID), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			res.Error = fmt.Sprintf("panic: %v", p)
			if gr != nil && gr.ID != "" && !persisted {
				s.finishGroupRun(ctx, gr, res, time.Now().UTC())
			}
		}
		res.Duration = time.Since(started)
	}()

	g, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		res.Error = "load group: " + err.Error()
		return res
	}
	res.GroupName, res.Mode = g.Name, g.Mode()
	jobs, err := s.store.ListJobs(ctx, storage.JobFilter{GroupID: g.ID, ActiveOnly: true})
	if err != nil {
		res.Error = "list jobs: " + err.Error()
		return res
	}
	log := s.log.With(logx.String("group", g.Name), logx.String("mode", g.Mode()))

	gr = &domain.GroupRun{GroupID: g.ID, QueueHandle: handle, StartedAt: started}
	if err := s.store.CreateGroupRun(ctx, gr); err != nil {
		log.Warn("create group run failed", logx.Err(err))
		gr.ID = ""
	}
	res.GroupRunID = gr.ID
	s.bus.Publish(eventbus.Event{Type: eventbus.GroupStarted, Time: started, Data: res})
	log.Info("group run started", logx.Int("jobs", len(jobs)))

	var outcomes []domain.JobOutcome
	if g.Parallel {
		outcomes = s.runParallel(ctx, jobs)
	} else {
		outcomes = s.runSequential(ctx, jobs)
	}

	res.TasksRun = len(outcomes)
	res.Results = outcomes
	for _, o := range outcomes {
		if !o.Success {
			res.Failed++
			continue
		}
		res.Succeeded++
		res.ItemsFound += o.ItemsFound
		res.NewItems += o.NewItems
	}
	completed := time.Now().UTC()
	res.Duration = completed.Sub(started)

	if gr.ID != "" {
		s.finishGroupRun(ctx, gr, res, completed)
		persisted = true
	}

	s.metrics.GroupFinished(res.Mode, res.Succeeded, res.Failed, res.Duration)
	log.Info("group run finished",
		logx.Int("tasks", res.TasksRun),
		logx.Int("failed", res.Failed),
		logx.Int("items", res.ItemsFound),
		logx.Int("new", res.NewItems),
		logx.Duration("dur", res.Duration),
	)

	if len(g.NotificationDestinations) > 0 {
		s.bus.Publish(eventbus.Event{Type: eventbus.GroupCompleted, Time: completed, Data: CompletedEvent{
			GroupID:      g.ID,
			GroupName:    g.Name,
			GroupRunID:   gr.ID,
			Mode:         res.Mode,
			TasksRun:     res.TasksRun,
			Succeeded:    res.Succeeded,
			FailedTasks:  res.Failed,
			ItemsFound:   res.ItemsFound,
			NewItems:     res.NewItems,
			Results:      outcomes,
			Destinations: append([]string(nil), g.NotificationDestinations...),
			StartedAt:    started,
			CompletedAt:  completed,
		}})
	}
	return res
}

// finishGroupRun closes gr with the totals gathered in res so far.
func (s *Scheduler) finishGroupRun(ctx context.Context, gr *domain.GroupRun, res Result, completed time.Time) {
	gr.CompletedAt = &completed
	gr.TasksRun, gr.Succeeded, gr.Failed = res.TasksRun, res.Succeeded, res.Failed
	gr.ItemsFound, gr.NewItems, gr.Results = res.ItemsFound, res.NewItems, res.Results
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.store.FinishGroupRun(pctx, gr); err != nil {
		s.log.Warn("persist group run failed", logx.String("group_run_id", gr.ID), logx.Err(err))
	}
}

// runSequential starts each job only after the previous run is terminal.
func (s *Scheduler) runSequential(ctx context.Context, jobs []domain.Job) []domain.JobOutcome {
	out := make([]domain.JobOutcome, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, s.runOne(ctx, j))
	}
	return out
}

// runParallel fans jobs out under a semaphore and joins them all. Each
// goroutine writes only its own slot.
func (s *Scheduler) runParallel(ctx context.Context, jobs []domain.Job) []domain.JobOutcome {
	out := make([]domain.JobOutcome, len(jobs))
	limit := min(len(jobs), int(s.maxParallel.Load()))
	if limit == 0 {
		return out
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i, j := range jobs {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			out[i] = s.runOne(ctx, j)
		}()
	}
	wg.Wait()
	return out
}

func (s *Scheduler) runOne(ctx context.Context, j domain.Job) (o domain.JobOutcome) {
	o = domain.JobOutcome{JobID: j.ID, JobName: j.Name}
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("job run panicked", logx.String("job", j.Name), logx.Any("panic", p))
			o.Success, o.Status, o.Error = false, domain.RunFailed, fmt.Sprintf("panic: %v", p)
		}
	}()
	r := s.runner.Run(ctx, j.ID)
	o.RunID = r.RunID
	o.Status = r.Status
	o.Success = r.Success
	o.ItemsFound = r.ItemsFound
	o.NewItems = r.NewItems
	o.DurationMS = r.Duration.Milliseconds()
	o.Error = r.Error
	return o
}
