package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the engine.
const (
	RunStarted     = "run.started"
	RunFinished    = "run.finished"
	GroupStarted   = "group.started"
	GroupCompleted = "group.completed"
	TaskQueued     = "task.queued"
	TaskStarted    = "task.started"
	TaskFinished   = "task.finished"
	TaskDropped    = "task.dropped"
	NotifierFailed = "notifier.failed"
	ConfigReloaded = "config.reloaded"
	ScheduleSynced = "schedule.synced"
)

// Event is a small in-memory signal passed between components.
//
// Publish never blocks: each subscriber owns a buffered channel and a full
// buffer drops the event for that subscriber only.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Dropped counts deliveries lost to full subscriber buffers.
	Dropped() uint64
}

// New returns an in-memory fan-out bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards everything; Subscribe returns a channel that never fires.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event)   {}
func (nopBus) Dropped() uint64 { return 0 }
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	return make(chan Event), func() {}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		if !deliver(ch, e) {
			b.dropped.Add(1)
		}
	}
}

// deliver tolerates a channel closed by a concurrent unsubscribe; that case
// is not counted as a drop.
func deliver(ch chan Event, e Event) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = true
		}
	}()
	select {
	case ch <- e:
		return true
	default:
		return false
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
