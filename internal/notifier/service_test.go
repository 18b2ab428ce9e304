package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvester/internal/eventbus"
	"harvester/internal/metrics"
	logx "harvester/pkg/logx"
)

type fakeSender struct {
	channel string
	mu      sync.Mutex
	calls   []string
	errs    []error // consumed per call; nil entries succeed
}

func (f *fakeSender) Channel() string { return f.channel }

func (f *fakeSender) Send(_ context.Context, addr string, _ Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, addr)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type outcomeSink struct {
	metrics.Noop
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *outcomeSink) NotificationOutcome(channel, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = map[string]int{}
	}
	o.outcomes[channel+"/"+outcome]++
}

func (o *outcomeSink) get(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outcomes[key]
}

func fastConfig() Config {
	return Config{Enabled: true, Workers: 2, QueueSize: 16, RatePerSec: 1000, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond, SendTimeout: time.Second}
}

func startService(t *testing.T, cfg Config, bus eventbus.Bus, sink metrics.Sink, senders ...Sender) *Service {
	t.Helper()
	s := New(cfg, senders, logx.Nop(), bus, sink)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func failedEvents(ch <-chan eventbus.Event, n int, t *testing.T) []FailedEvent {
	t.Helper()
	var out []FailedEvent
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case ev := <-ch:
			if ev.Type == eventbus.NotifierFailed {
				out = append(out, ev.Data.(FailedEvent))
			}
		case <-deadline:
			t.Fatalf("got %d of %d notifier.failed events", len(out), n)
		}
	}
	return out
}

func TestGroupCompletedFansOut(t *testing.T) {
	bus := eventbus.New()
	sink := &outcomeSink{}
	hook := &fakeSender{channel: ChannelWebhook}
	mail := &fakeSender{channel: ChannelEmail}
	startService(t, fastConfig(), bus, sink, hook, mail)

	bus.Publish(eventbus.Event{Type: eventbus.GroupCompleted, Data: sampleEvent()})

	require.Eventually(t, func() bool { return hook.count() == 1 && mail.count() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"https://hooks.example.org/h"}, hook.calls)
	assert.Equal(t, []string{"ops@example.org"}, mail.calls)
	require.Eventually(t, func() bool { return sink.get("email/delivered") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sink.get("webhook/delivered"))
}

func TestRetryThenDeliver(t *testing.T) {
	sink := &outcomeSink{}
	hook := &fakeSender{channel: ChannelWebhook, errs: []error{errors.New("503"), errors.New("503")}}
	s := startService(t, fastConfig(), nil, sink, hook)

	require.NoError(t, s.Notify(context.Background(), Message{Destination: "https://h.example.org"}))
	require.Eventually(t, func() bool { return sink.get("webhook/delivered") == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, hook.count())
	assert.Equal(t, 2, sink.get("webhook/retried"))
}

func TestExhaustedRetriesPublishFailure(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	sink := &outcomeSink{}
	down := errors.New("connection refused")
	hook := &fakeSender{channel: ChannelWebhook, errs: []error{down, down, down, down, down}}
	cfg := fastConfig()
	cfg.RetryMax = 2
	s := startService(t, cfg, bus, sink, hook)

	require.NoError(t, s.Notify(context.Background(), Message{Destination: "https://h.example.org/secret?t=1", GroupID: "g1", GroupRunID: "gr1"}))
	fe := failedEvents(events, 1, t)[0]
	assert.Equal(t, ChannelWebhook, fe.Channel)
	assert.Equal(t, "https://h.example.org/...", fe.Destination)
	assert.Equal(t, 3, fe.Attempts)
	assert.Equal(t, "gr1", fe.GroupRunID)
	assert.Contains(t, fe.Error, "connection refused")
	assert.Equal(t, 3, hook.count())
	assert.Equal(t, 1, sink.get("webhook/failed"))
}

func TestPermanentErrorSkipsRetry(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	hook := &fakeSender{channel: ChannelWebhook, errs: []error{permanent(errors.New("webhook status 404"))}}
	s := startService(t, fastConfig(), bus, nil, hook)

	require.NoError(t, s.Notify(context.Background(), Message{Destination: "https://h.example.org"}))
	fe := failedEvents(events, 1, t)[0]
	assert.Equal(t, 1, fe.Attempts)
	assert.Equal(t, 1, hook.count())
}

func TestUnroutableDestinations(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := startService(t, fastConfig(), bus, nil, &fakeSender{channel: ChannelWebhook})

	err := s.Notify(context.Background(), Message{Destination: "slack:#ops"})
	assert.ErrorIs(t, err, ErrDestination)
	err = s.Notify(context.Background(), Message{Destination: "telegram:42"})
	assert.ErrorIs(t, err, ErrNoSender)

	got := failedEvents(events, 2, t)
	assert.Equal(t, "unknown", got[0].Channel)
	assert.Equal(t, ChannelTelegram, got[1].Channel)
	assert.Zero(t, got[1].Attempts)
}

func TestDisabledAndStopped(t *testing.T) {
	s := New(Config{}, nil, logx.Nop(), nil, nil)
	s.Start(context.Background())
	assert.ErrorIs(t, s.Notify(context.Background(), Message{Destination: "https://h.example.org"}), ErrDisabled)

	cfg := fastConfig()
	hook := &fakeSender{channel: ChannelWebhook}
	s = New(cfg, []Sender{hook}, logx.Nop(), nil, nil)
	assert.ErrorIs(t, s.Notify(context.Background(), Message{Destination: "https://h.example.org"}), ErrStopped)

	s.Start(context.Background())
	require.NoError(t, s.Notify(context.Background(), Message{Destination: "https://h.example.org"}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Equal(t, 1, hook.count(), "queued deliveries drain on stop")
	assert.ErrorIs(t, s.Notify(context.Background(), Message{Destination: "https://h.example.org"}), ErrStopped)

	// Restart after stop.
	s.Start(context.Background())
	require.NoError(t, s.Notify(context.Background(), Message{Destination: "https://h.example.org"}))
	s.Stop(ctx)
	assert.Equal(t, 2, hook.count())
}

func TestSetSendersSwapsChannels(t *testing.T) {
	s := startService(t, fastConfig(), nil, nil)
	assert.ErrorIs(t, s.Notify(context.Background(), Message{Destination: "telegram:1"}), ErrNoSender)

	tg := &fakeSender{channel: ChannelTelegram}
	s.SetSenders([]Sender{tg})
	require.NoError(t, s.Notify(context.Background(), Message{Destination: "telegram:1"}))
	require.Eventually(t, func() bool { return tg.count() == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestRetryDelayBounds(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for i := 0; i < 50; i++ {
		d1 := retryDelay(cfg, 1)
		assert.GreaterOrEqual(t, d1, 70*time.Millisecond)
		assert.LessOrEqual(t, d1, 130*time.Millisecond)
		d3 := retryDelay(cfg, 3)
		assert.GreaterOrEqual(t, d3, 280*time.Millisecond)
		assert.LessOrEqual(t, d3, 520*time.Millisecond)
		assert.LessOrEqual(t, retryDelay(cfg, 10), time.Second)
	}
}

func TestStopDeliversPublishedCompletions(t *testing.T) {
	bus := eventbus.New()
	hook := &fakeSender{channel: ChannelWebhook}
	mail := &fakeSender{channel: ChannelEmail}
	s := New(fastConfig(), []Sender{hook, mail}, logx.Nop(), bus, metrics.Noop{})
	s.Start(context.Background())

	bus.Publish(eventbus.Event{Type: eventbus.GroupCompleted, Data: sampleEvent()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)

	assert.Equal(t, 1, hook.count())
	assert.Equal(t, 1, mail.count())
}
