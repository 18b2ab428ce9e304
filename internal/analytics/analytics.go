// Package analytics keeps hourly run and group counters in redis.
//
// Keys look like
//
//	<prefix>:j:<job_id>:runs:<status>:<yyyymmddhh>
//	<prefix>:j:<job_id>:items:<yyyymmddhh>
//	<prefix>:j:<job_id>:new:<yyyymmddhh>
//	<prefix>:g:<group_id>:runs:<yyyymmddhh>
//	<prefix>:g:<group_id>:failed_tasks:<yyyymmddhh>
//
// Test runs are not counted.
package analytics

import (
	"context"
	"strings"
	"time"

	"harvester/internal/eventbus"
	"harvester/internal/group"
	"harvester/internal/runner"
	logx "harvester/pkg/logx"
)

type Increment struct {
	Key string
	By  int64
}

// Counter is the storage behind the service.
type Counter interface {
	Add(ctx context.Context, incs []Increment, ttl time.Duration) error
}

type Config struct {
	Prefix string
	TTL    time.Duration
}

type Service struct {
	cfg     Config
	counter Counter
	log     logx.Logger
}

func New(cfg Config, counter Counter, log logx.Logger) *Service {
	if strings.TrimSpace(cfg.Prefix) == "" {
		cfg.Prefix = "harvester"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, counter: counter, log: log.Named("analytics")}
}

// Run consumes run.finished and group.completed until ctx ends.
func (s *Service) Run(ctx context.Context, bus eventbus.Bus) {
	events, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.Handle(ctx, ev)
		}
	}
}

// Handle records one event; unrelated events are ignored.
func (s *Service) Handle(ctx context.Context, ev eventbus.Event) {
	incs := s.increments(ev)
	if len(incs) == 0 {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.counter.Add(wctx, incs, s.cfg.TTL); err != nil {
		s.log.Warn("counter write failed", logx.String("event", ev.Type), logx.Err(err))
	}
}

func (s *Service) increments(ev eventbus.Event) []Increment {
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	bucket := HourBucket(at)

	switch d := ev.Data.(type) {
	case runner.RunEvent:
		if ev.Type != eventbus.RunFinished || d.Test || d.JobID == "" {
			return nil
		}
		status := strings.ToLower(string(d.Result.Status))
		if status == "" {
			status = "unknown"
		}
		incs := []Increment{{Key: s.key("j", d.JobID, "runs", status, bucket), By: 1}}
		if d.Result.ItemsFound > 0 {
			incs = append(incs, Increment{Key: s.key("j", d.JobID, "items", bucket), By: int64(d.Result.ItemsFound)})
		}
		if d.Result.NewItems > 0 {
			incs = append(incs, Increment{Key: s.key("j", d.JobID, "new", bucket), By: int64(d.Result.NewItems)})
		}
		return incs
	case group.CompletedEvent:
		if ev.Type != eventbus.GroupCompleted {
			return nil
		}
		incs := []Increment{{Key: s.key("g", d.GroupID, "runs", bucket), By: 1}}
		if d.FailedTasks > 0 {
			incs = append(incs, Increment{Key: s.key("g", d.GroupID, "failed_tasks", bucket), By: int64(d.FailedTasks)})
		}
		return incs
	}
	return nil
}

func (s *Service) key(parts ...string) string {
	return s.cfg.Prefix + ":" + strings.Join(parts, ":")
}

// JobRunsKey is the counter key for runs of jobID that ended in status
// during the hour containing at.
func (s *Service) JobRunsKey(jobID, status string, at time.Time) string {
	return s.key("j", jobID, "runs", strings.ToLower(status), HourBucket(at))
}

func HourBucket(t time.Time) string {
	return t.UTC().Format("2006010215")
}
