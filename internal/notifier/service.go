package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"harvester/internal/eventbus"
	"harvester/internal/group"
	"harvester/internal/metrics"
	rtsup "harvester/internal/runtime/supervisor"
	logx "harvester/pkg/logx"
)

// Sender delivers a message to one channel-specific address.
type Sender interface {
	Channel() string
	Send(ctx context.Context, addr string, m Message) error
}

type delivery struct {
	channel string
	addr    string
	msg     Message
}

// Service is the queue + worker pool + rate limit + retry pipeline.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	bus     eventbus.Bus
	metrics metrics.Sink
	senders map[string]Sender

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue       chan delivery
	sup         *rtsup.Supervisor
	stopConsume context.CancelFunc
	consumeDone chan struct{}
	stopDone    chan struct{} // non-nil while stopping
}

func New(cfg Config, senders []Sender, log logx.Logger, bus eventbus.Bus, sink metrics.Sink) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if sink == nil {
		sink = metrics.Noop{}
	}
	s := &Service{
		log:     log.Named("notifier"),
		bus:     bus,
		metrics: sink,
	}
	s.applyLocked(cfg)
	s.setSendersLocked(senders)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps rate limit and retry settings. Worker and queue size changes
// take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetSenders replaces the channel senders, e.g. after credentials changed.
func (s *Service) SetSenders(senders []Sender) {
	s.mu.Lock()
	s.setSendersLocked(senders)
	s.mu.Unlock()
}

func (s *Service) setSendersLocked(senders []Sender) {
	m := make(map[string]Sender, len(senders))
	for _, snd := range senders {
		if snd != nil {
			m[snd.Channel()] = snd
		}
	}
	s.senders = m
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers and the group.completed consumer. It is a no-op
// when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan delivery, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// delivery failures must not take down the app.
		rtsup.WithCancelOnError(false),
	)
	cctx, ccancel := context.WithCancel(s.sup.Context())
	s.stopConsume = ccancel
	consumeDone := make(chan struct{})
	s.consumeDone = consumeDone
	sup, q, nsend := s.sup, s.queue, len(s.senders)
	s.mu.Unlock()

	events, unsub := s.bus.Subscribe(64)
	sup.Go0("consume", func(context.Context) {
		defer close(consumeDone)
		defer unsub()
		s.consume(cctx, events)
	})

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		})
	}
	s.log.Info("notifier started", logx.Int("workers", workers), logx.Int("senders", nsend))
}

// Stop stops intake and drains the queue best-effort until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup, stopConsume, consumeDone := s.queue, s.sup, s.stopConsume, s.consumeDone
	if q == nil {
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
	s.mu.Unlock()

	go func() {
		defer close(done)
		// The consumer queues completions already published before it exits.
		stopConsume()
		<-consumeDone
		s.mu.Lock()
		s.accepting = false
		s.mu.Unlock()
		// Wait for in-flight enqueues, then close the queue so workers drain
		// it and exit.
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue, s.sup, s.stopConsume, s.consumeDone, s.stopDone = nil, nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Service) consume(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			s.drain(events)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handle(ctx, ev)
		}
	}
}

// drain handles events already buffered when the consumer is stopped.
func (s *Service) drain(events <-chan eventbus.Event) {
	ctx := context.Background()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handle(ctx, ev)
		default:
			return
		}
	}
}

func (s *Service) handle(ctx context.Context, ev eventbus.Event) {
	if ev.Type != eventbus.GroupCompleted {
		return
	}
	if ce, ok := ev.Data.(group.CompletedEvent); ok {
		s.NotifyGroup(ctx, ce)
	}
}

// NotifyGroup queues one delivery per destination of ev. Failures are
// reported, never returned.
func (s *Service) NotifyGroup(ctx context.Context, ev group.CompletedEvent) {
	msgs, err := Messages(ev)
	if err != nil {
		s.log.Warn("build notification failed", logx.String("group", ev.GroupName), logx.Err(err))
		return
	}
	for _, m := range msgs {
		_ = s.Notify(ctx, m)
	}
}

// Notify routes m and queues it without blocking.
func (s *Service) Notify(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	channel, addr, err := Route(m.Destination)
	if err != nil {
		s.fail(channel, m, 0, err)
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	if _, ok := s.senders[channel]; !ok {
		s.mu.Unlock()
		err := fmt.Errorf("%w %s", ErrNoSender, channel)
		s.fail(channel, m, 0, err)
		return err
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- delivery{channel: channel, addr: addr, msg: m}:
		return nil
	default:
		s.fail(channel, m, 0, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, d)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, d delivery) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	snd := s.senders[d.channel]
	s.mu.Unlock()

	if snd == nil {
		s.fail(d.channel, d.msg, 0, fmt.Errorf("%w %s", ErrNoSender, d.channel))
		return
	}
	log := s.log.With(logx.String("channel", d.channel), logx.String("dest", redact(d.channel, d.addr)))
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		attempt++
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := snd.Send(callCtx, d.addr, d.msg)
		cancel()
		if err == nil {
			s.metrics.NotificationOutcome(d.channel, metrics.OutcomeDelivered)
			log.Debug("notification delivered", logx.Int("attempt", attempt))
			return
		}
		lastErr = err
		log.Debug("notification send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if isPermanent(err) || attempt >= maxAttempts {
			break
		}
		s.metrics.NotificationOutcome(d.channel, metrics.OutcomeRetried)

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			s.fail(d.channel, d.msg, attempt, ctx.Err())
			return
		}
	}
	s.fail(d.channel, d.msg, attempt, lastErr)
}

func (s *Service) fail(channel string, m Message, attempts int, err error) {
	if channel == "" {
		channel = "unknown"
	}
	s.metrics.NotificationOutcome(channel, metrics.OutcomeFailed)
	s.log.Warn("notification failed",
		logx.String("channel", channel),
		logx.String("dest", redact(channel, m.Destination)),
		logx.String("group_run_id", m.GroupRunID),
		logx.Int("attempts", attempts),
		logx.Err(err),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.NotifierFailed, Data: FailedEvent{
		Channel:     channel,
		Destination: redact(channel, m.Destination),
		GroupID:     m.GroupID,
		GroupRunID:  m.GroupRunID,
		Attempts:    attempts,
		Error:       err.Error(),
		At:          time.Now(),
	}})
}

// retryDelay is the wait before attempt+1: base * 2^(attempt-1) with
// 0.7..1.3 jitter, capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	return min(max(d, 0), cfg.RetryMaxDelay)
}
