package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the command engine.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited longer than this for a worker.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	// HistorySize bounds both the history ring and the number of finished
	// handles whose status stays queryable.
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// State is where a submitted task is in its lifecycle.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateDropped   State = "dropped"
)

func (s State) Done() bool {
	return s == StateSucceeded || s == StateFailed || s == StateDropped
}

// Task is a unit of work executed by the engine.
//
// OverlapKey gates duplicates: while a task with the same key is queued or
// running, another one is refused with ErrOverlapSkip. Empty disables it.
type Task struct {
	// ID becomes the handle; generated when empty.
	ID         string
	Kind       string
	Name       string
	OverlapKey string
	Timeout    time.Duration
	Run        func(ctx context.Context) error
	// OnDrop is called when a queued task is discarded without running:
	// reason is "stale_queue_delay" or "engine stopped". Submit errors are
	// returned to the caller instead.
	OnDrop func(reason string)
}

// Status is the pollable view of one handle.
type Status struct {
	ID         string        `json:"id"`
	Kind       string        `json:"kind"`
	Name       string        `json:"name"`
	State      State         `json:"state"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	StartedAt  time.Time     `json:"started_at,omitzero"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
	QueueDelay time.Duration `json:"queue_delay"`
	Error      string        `json:"error,omitempty"`
}

// runState tracks whether a task with an overlap key is in flight.
// Queued counts as in flight so a fast trigger cannot pile up the queue.
type runState struct {
	mu       sync.Mutex
	inflight int
}

func (s *runState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *runState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Kind       string        `json:"kind"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration

	History []HistoryItem
}
