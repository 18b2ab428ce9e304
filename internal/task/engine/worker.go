package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"harvester/internal/eventbus"
	logx "harvester/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			s.metrics.QueueDepth(len(queue))
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, t)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	defer qt.state.release()

	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()

	if maxDelay > 0 && queueDelay > maxDelay {
		s.onStaleDropped(start, qt.task, queueDelay)
		s.finish(qt.task.ID, StateDropped, "stale_queue_delay")
		s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		s.notifyDrop(qt.task, "stale_queue_delay")
		return
	}

	s.markRunning(qt.task.ID, start, queueDelay)
	s.log.Debug("task started", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Duration("queue_delay", queueDelay))
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Time: start, Data: TaskEvent{ID: qt.task.ID, Kind: qt.task.Kind, Name: qt.task.Name, Started: start, QueueDelay: queueDelay}})

	runCtx := ctx
	cancel := func() {}
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
	}
	var err error
	// One bad task must not kill its worker.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("task panicked", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = qt.task.Run(runCtx)
	}()
	cancel()

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, Duration: dur, QueueDelay: queueDelay}
	ev := TaskEvent{ID: qt.task.ID, Kind: qt.task.Kind, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error, ev.Error = err.Error(), err.Error()
		s.finish(qt.task.ID, StateFailed, err.Error())
		s.log.Warn("task failed", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Err(err), logx.Duration("dur", dur))
	} else {
		s.finish(qt.task.ID, StateSucceeded, "")
		s.log.Debug("task completed", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Duration("dur", dur))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Time: time.Now(), Data: ev})
	s.record(item)
}

// notifyDrop runs the task's drop hook; a panicking hook is logged.
func (s *Service) notifyDrop(t Task, reason string) {
	if t.OnDrop == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task drop hook panicked", logx.String("task", t.Name), logx.Any("panic", r))
		}
	}()
	t.OnDrop(reason)
}
