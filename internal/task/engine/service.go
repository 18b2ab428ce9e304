package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"harvester/internal/eventbus"
	"harvester/internal/metrics"
	logx "harvester/pkg/logx"

	rtsup "harvester/internal/runtime/supervisor"
)

const warnThrottleEvery = 5 * time.Second

// Service is a bounded queue drained by a fixed worker pool. Submit returns
// a handle right away; Status reports where that handle is.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	metrics metrics.Sink

	q chan queuedTask

	inFlight int32

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	stateMu sync.Mutex
	states  map[string]*runState

	// tracked holds the status of every live handle plus the most recent
	// finished ones; finished lists finished handles oldest first.
	smu      sync.Mutex
	tracked  map[string]*Status
	finished []string

	hmu     sync.Mutex
	history []HistoryItem

	dropped          uint64
	droppedQueueFull uint64
	droppedStale     uint64

	lastQueueFullWarnAt int64
	lastStaleWarnAt     int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	state      *runState
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, sink metrics.Sink) *Service {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log.Named("taskengine"),
		bus:     bus,
		metrics: sink,
		states:  make(map[string]*runState),
		tracked: make(map[string]*Status),
	}
}

// Apply swaps the config. Worker and queue size changes take a restart;
// tasks still queued at that point are dropped.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	// Start is idempotent.
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}
	cfg := s.cfg

	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q

	s.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		// a failing worker must not take the process down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop stops the workers. Running tasks see their context cancelled; queued
// tasks are marked dropped.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	queue := s.q
	s.mu.Unlock()

	sup.Cancel()

	go func() {
		_ = sup.Wait(context.Background())
		for {
			select {
			case qt := <-queue:
				qt.state.release()
				s.finish(qt.task.ID, StateDropped, "engine stopped")
				s.notifyDrop(qt.task, "engine stopped")
				continue
			default:
			}
			break
		}
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Submit enqueues t without blocking and returns its handle.
func (s *Service) Submit(t Task) (string, error) {
	if t.Run == nil {
		return "", errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return "", errors.New("task Name is required")
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()

	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if q == nil {
		return "", ErrStopped
	}
	if stopping {
		return "", ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	st := s.stateFor(t.OverlapKey)
	if !st.tryAcquire() {
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskDropped, Time: now, Data: TaskEvent{ID: t.ID, Kind: t.Kind, Name: t.Name, Started: now, Error: "overlap_skip"}})
		s.metrics.TaskDropped("overlap")
		s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("key", t.OverlapKey))
		return "", ErrOverlapSkip
	}

	s.track(&Status{ID: t.ID, Kind: t.Kind, Name: t.Name, State: StateQueued, EnqueuedAt: now})
	select {
	case q <- queuedTask{task: t, enqueuedAt: now, timeout: timeout, state: st}:
	default:
		st.release()
		s.untrack(t.ID)
		s.onQueueFullDropped(now, t, q)
		return "", ErrQueueFull
	}

	s.metrics.TaskQueued()
	s.metrics.QueueDepth(len(q))
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskQueued, Time: now, Data: TaskEvent{ID: t.ID, Kind: t.Kind, Name: t.Name, Started: now}})
	return t.ID, nil
}

// Status reports the state of handle id.
func (s *Service) Status(id string) (Status, error) {
	s.smu.Lock()
	defer s.smu.Unlock()
	st, ok := s.tracked[id]
	if !ok {
		return Status{}, ErrUnknown
	}
	return *st, nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	snap := Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		InFlight:         int(atomic.LoadInt32(&s.inFlight)),
		Dropped:          atomic.LoadUint64(&s.dropped),
		DroppedQueueFull: atomic.LoadUint64(&s.droppedQueueFull),
		DroppedStale:     atomic.LoadUint64(&s.droppedStale),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) stateFor(key string) *runState {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[key]
	if st == nil {
		st = &runState{}
		s.states[key] = st
	}
	return st
}

func (s *Service) track(st *Status) {
	s.smu.Lock()
	s.tracked[st.ID] = st
	s.smu.Unlock()
}

func (s *Service) untrack(id string) {
	s.smu.Lock()
	delete(s.tracked, id)
	s.smu.Unlock()
}

func (s *Service) markRunning(id string, at time.Time, delay time.Duration) {
	s.smu.Lock()
	if st, ok := s.tracked[id]; ok {
		st.State, st.StartedAt, st.QueueDelay = StateRunning, at, delay
	}
	s.smu.Unlock()
}

// finish records a terminal state and evicts the oldest finished handles
// beyond the history size.
func (s *Service) finish(id string, state State, errMsg string) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.smu.Lock()
	defer s.smu.Unlock()
	st, ok := s.tracked[id]
	if !ok {
		return
	}
	st.State, st.FinishedAt, st.Error = state, time.Now(), errMsg
	s.finished = append(s.finished, id)
	for len(s.finished) > limit {
		delete(s.tracked, s.finished[0])
		s.finished = s.finished[1:]
	}
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onQueueFullDropped(now time.Time, t Task, q chan queuedTask) {
	atomic.AddUint64(&s.dropped, 1)
	atomic.AddUint64(&s.droppedQueueFull, 1)
	s.metrics.TaskDropped("queue_full")
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskDropped, Time: now, Data: TaskEvent{ID: t.ID, Kind: t.Kind, Name: t.Name, Started: now, Error: "queue_full"}})

	if s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", atomic.LoadUint64(&s.droppedQueueFull)),
		)
	}
}

func (s *Service) onStaleDropped(now time.Time, t Task, queueDelay time.Duration) {
	atomic.AddUint64(&s.dropped, 1)
	atomic.AddUint64(&s.droppedStale, 1)
	s.metrics.TaskDropped("stale")
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskDropped, Time: now, Data: TaskEvent{ID: t.ID, Kind: t.Kind, Name: t.Name, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"}})

	if s.shouldWarn(&s.lastStaleWarnAt, now) {
		s.log.Warn("task dropped: stale queue",
			logx.String("task", t.Name),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", atomic.LoadUint64(&s.droppedStale)),
		)
	}
}
