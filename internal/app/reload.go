package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"harvester/internal/config"
	"harvester/internal/eventbus"
	logx "harvester/pkg/logx"
	"harvester/pkg/systemd"
)

// scheduleResync picks up groups changed by other processes, e.g. an import
// run from the CLI against the same database.
const scheduleResync = time.Minute

// restartOnly lists sections that are read once at startup.
var restartOnly = []string{
	config.SectionStorage,
	config.SectionSandbox,
	config.SectionBrowser,
	config.SectionMetrics,
	config.SectionAnalytics,
}

// ReloadedEvent is the payload of config.reloaded.
type ReloadedEvent struct {
	Sections []string
}

func (a *App) startReloadLoop() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go0("schedule.resync", func(c context.Context) {
		t := time.NewTicker(scheduleResync)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if err := a.sched.Sync(c); err != nil && c.Err() == nil {
					a.log.Warn("schedule resync failed", logx.Err(err))
				}
			}
		}
	})
}

// applyConfig pushes the live-reloadable parts of next into the running
// components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	for _, s := range sections {
		if slices.Contains(restartOnly, s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(logConfig(next))
	a.groups.SetMaxParallel(next.Group.MaxParallel)
	a.engine.Apply(ctx, engineConfig(next))

	wasNotif := a.notif.Enabled()
	a.notif.Apply(notifierConfig(next))
	a.notif.SetSenders(senders(next, a.log))
	switch {
	case wasNotif && !next.Notifier.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasNotif && next.Notifier.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(context.WithoutCancel(ctx))
	}

	a.sched.Apply(schedulerConfig(next))
	switch {
	case a.sched.Running() && !next.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !a.sched.Running() && next.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		if err := a.sched.Start(ctx); err != nil {
			a.log.Warn("scheduler start failed", logx.Err(err))
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: ReloadedEvent{Sections: sections}})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) startSystemd() {
	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
		_, _ = systemd.Status("harvesting")
	}
	a.sup.Go("systemd.watchdog", systemd.Watchdog)
}

func notifyStopping(log logx.Logger) {
	if _, err := systemd.Stopping(); err != nil {
		log.Debug("systemd stopping notify failed", logx.Err(err))
	}
}
